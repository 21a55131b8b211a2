// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package typegen

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	fallbackMaxDepth = 4
	fallbackMaxKeys  = 12
)

// FromRawSchema derives a bounded type hint from a raw JSON-schema-ish map.
// Used when full OpenAPI generation is unavailable (Swagger 2, broken
// bundling) and for MCP tool input schemas. Primitives map 1-1, arrays to
// T[], objects to literals truncated at 12 keys, enums to literal unions,
// oneOf/anyOf to unions. Recursion stops at depth 4.
func FromRawSchema(schema map[string]any) string {
	return rawType(schema, fallbackMaxDepth)
}

// MergeRawBody merges a raw body schema's properties with a parameter list
// into one object literal, the way the full generator merges parameters and
// request body. The required set is taken from the schema as-is.
func MergeRawBody(body map[string]any, params []RawParam) string {
	var parts []string
	for _, p := range params {
		q := "?"
		if p.Required {
			q = ""
		}
		typ := rawType(p.Schema, fallbackMaxDepth)
		parts = append(parts, fmt.Sprintf("%s%s: %s", propName(p.Name), q, typ))
	}
	if body != nil {
		props, _ := body["properties"].(map[string]any)
		required := rawRequired(body)
		for i, name := range sortedKeys(props) {
			if i >= fallbackMaxKeys {
				break
			}
			sub, _ := props[name].(map[string]any)
			q := "?"
			if required[name] {
				q = ""
			}
			parts = append(parts, fmt.Sprintf("%s%s: %s", propName(name), q, rawType(sub, fallbackMaxDepth-1)))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "{ " + strings.Join(parts, "; ") + " }"
}

// RawParam is a loose parameter record for the fallback generator.
type RawParam struct {
	Name     string
	Required bool
	Schema   map[string]any
}

func rawType(schema map[string]any, depth int) string {
	if schema == nil || depth <= 0 {
		return "unknown"
	}

	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		return enumUnion(enum, 0)
	}
	for _, key := range []string{"oneOf", "anyOf"} {
		if subs, ok := schema[key].([]any); ok && len(subs) > 0 {
			parts := make([]string, 0, len(subs))
			for _, sub := range subs {
				m, _ := sub.(map[string]any)
				parts = append(parts, rawType(m, depth-1))
			}
			return strings.Join(parts, " | ")
		}
	}

	typ, _ := schema["type"].(string)
	switch typ {
	case "string":
		return "string"
	case "integer", "number":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	case "array":
		items, _ := schema["items"].(map[string]any)
		elem := rawType(items, depth-1)
		if strings.ContainsAny(elem, "|&") {
			elem = "(" + elem + ")"
		}
		return elem + "[]"
	case "object", "":
		props, ok := schema["properties"].(map[string]any)
		if !ok || len(props) == 0 {
			if typ == "" {
				return "unknown"
			}
			return "{ [key: string]: unknown }"
		}
		required := rawRequired(schema)
		names := sortedKeys(props)
		parts := make([]string, 0, len(names))
		for i, name := range names {
			if i >= fallbackMaxKeys {
				break
			}
			sub, _ := props[name].(map[string]any)
			q := "?"
			if required[name] {
				q = ""
			}
			parts = append(parts, fmt.Sprintf("%s%s: %s", propName(name), q, rawType(sub, depth-1)))
		}
		return "{ " + strings.Join(parts, "; ") + " }"
	}
	return "unknown"
}

func rawRequired(schema map[string]any) map[string]bool {
	out := make(map[string]bool)
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}

// RawSchemaFromJSON decodes an arbitrary JSON value into the loose map form
// the fallback generator consumes. Non-object values yield nil.
func RawSchemaFromJSON(data []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
