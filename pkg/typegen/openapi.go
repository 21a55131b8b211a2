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

// Package typegen synthesizes per-operation type strings from OpenAPI
// documents and GraphQL schemas.
//
// The emitted notation is the one the typechecker's embedded checker parses
// (object literals, unions, T[], Promise<T> at the declaration layer). The
// types exist only to inform the checker and the agent; depth and breadth
// caps keep the synthesized declaration bounded per source.
package typegen

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

const (
	// MaxSchemas caps transitive schema alias expansion per source (BFS order).
	MaxSchemas = 200

	// maxInlineDepth bounds recursion into inline (non-$ref) schemas.
	maxInlineDepth = 10
)

// OpTypes holds the synthesized arg and return types of one operation.
type OpTypes struct {
	Args    string
	Returns string
}

// OpKey builds the lookup key GenerateOpenAPI uses for an operation.
func OpKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

var (
	schemaRefRe = regexp.MustCompile(`components\["schemas"\]\["([^"]+)"\]`)
	anyRefRe    = regexp.MustCompile(`components\[[^\]]+\]\[[^\]]+\]`)
)

// GenerateOpenAPI synthesizes arg/return type strings for every operation in
// the document plus a schema alias map. Schema references appearing in any
// operation are expanded breadth-first, capped at MaxSchemas; refs beyond the
// cap (and all non-schema component refs) are rewritten to "unknown".
//
// Postcondition: no returned string contains the substring `components[`.
func GenerateOpenAPI(doc *openapi3.T) (map[string]OpTypes, map[string]string) {
	ops := make(map[string]OpTypes)
	if doc.Paths == nil {
		return ops, nil
	}

	paths := make([]string, 0, doc.Paths.Len())
	for p := range doc.Paths.Map() {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		item := doc.Paths.Value(p)
		if item == nil {
			continue
		}
		for _, method := range methodOrder {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}
			ops[OpKey(method, p)] = OpTypes{
				Args:    argsType(op),
				Returns: returnsType(op),
			}
		}
	}

	aliases := resolveAliases(doc, ops)
	return ops, aliases
}

var methodOrder = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// argsType merges declared query/path/header parameters with the JSON request
// body into a single object literal. A non-literal body schema (a $ref)
// collapses to a single `body` property instead of being inlined.
func argsType(op *openapi3.Operation) string {
	type field struct {
		name     string
		optional bool
		typ      string
	}
	var fields []field

	for _, pref := range op.Parameters {
		if pref.Ref != "" {
			// Parameter refs are not resolvable into a bare name;
			// they end up as `unknown` after substitution.
			fields = append(fields, field{name: "param", optional: true, typ: placeholderFromRef(pref.Ref)})
			continue
		}
		p := pref.Value
		if p == nil {
			continue
		}
		switch p.In {
		case openapi3.ParameterInQuery, openapi3.ParameterInPath, openapi3.ParameterInHeader:
			fields = append(fields, field{name: p.Name, optional: !p.Required, typ: refType(p.Schema, maxInlineDepth)})
		}
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		if mt := pickContent(op.RequestBody.Value.Content); mt != nil && mt.Schema != nil {
			body := mt.Schema
			if body.Ref == "" && body.Value != nil && len(body.Value.Properties) > 0 {
				names := sortedKeys(body.Value.Properties)
				required := make(map[string]bool, len(body.Value.Required))
				for _, r := range body.Value.Required {
					required[r] = true
				}
				for _, name := range names {
					fields = append(fields, field{
						name:     name,
						optional: !required[name],
						typ:      refType(body.Value.Properties[name], maxInlineDepth),
					})
				}
			} else {
				fields = append(fields, field{name: "body", typ: refType(body, maxInlineDepth)})
			}
		}
	}

	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		q := ""
		if f.optional {
			q = "?"
		}
		parts = append(parts, fmt.Sprintf("%s%s: %s", propName(f.name), q, f.typ))
	}
	return "{ " + strings.Join(parts, "; ") + " }"
}

// returnsType selects the first 2xx response and its most JSON-ish content.
func returnsType(op *openapi3.Operation) string {
	if op.Responses == nil {
		return "unknown"
	}
	codes := make([]string, 0, op.Responses.Len())
	for code := range op.Responses.Map() {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if !strings.HasPrefix(code, "2") {
			continue
		}
		resp := op.Responses.Value(code)
		if resp == nil || resp.Value == nil {
			continue
		}
		if mt := pickContent(resp.Value.Content); mt != nil {
			return refType(mt.Schema, maxInlineDepth)
		}
		return "unknown"
	}
	return "unknown"
}

// pickContent prefers application/json, then */*, then the first json-ish
// content type, then the first one present.
func pickContent(content openapi3.Content) *openapi3.MediaType {
	if content == nil {
		return nil
	}
	if mt, ok := content["application/json"]; ok {
		return mt
	}
	if mt, ok := content["*/*"]; ok {
		return mt
	}
	keys := sortedKeys(content)
	for _, k := range keys {
		if strings.Contains(k, "json") {
			return content[k]
		}
	}
	if len(keys) > 0 {
		return content[keys[0]]
	}
	return nil
}

// refType renders a schema reference: $refs become components[...] placeholders
// that alias resolution later rewrites to bare names (or "unknown").
func refType(ref *openapi3.SchemaRef, depth int) string {
	if ref == nil {
		return "unknown"
	}
	if ref.Ref != "" {
		return placeholderFromRef(ref.Ref)
	}
	return schemaType(ref.Value, depth)
}

func placeholderFromRef(ref string) string {
	if name, ok := strings.CutPrefix(ref, "#/components/schemas/"); ok {
		return `components["schemas"]["` + name + `"]`
	}
	// Other component kinds (parameters, responses, ...) are never aliased.
	parts := strings.Split(strings.TrimPrefix(ref, "#/components/"), "/")
	if len(parts) >= 2 {
		return `components["` + parts[0] + `"]["` + strings.Join(parts[1:], "/") + `"]`
	}
	return "unknown"
}

func schemaType(s *openapi3.Schema, depth int) string {
	if s == nil || depth <= 0 {
		return "unknown"
	}

	if len(s.Enum) > 0 {
		return enumUnion(s.Enum, 0)
	}
	if len(s.OneOf) > 0 {
		return unionOf(s.OneOf, depth)
	}
	if len(s.AnyOf) > 0 {
		return unionOf(s.AnyOf, depth)
	}
	if len(s.AllOf) > 0 {
		parts := make([]string, 0, len(s.AllOf))
		for _, sub := range s.AllOf {
			parts = append(parts, refType(sub, depth-1))
		}
		return strings.Join(parts, " & ")
	}

	out := "unknown"
	switch {
	case s.Type.Is("string"):
		out = "string"
	case s.Type.Is("integer"), s.Type.Is("number"):
		out = "number"
	case s.Type.Is("boolean"):
		out = "boolean"
	case s.Type.Is("array"):
		elem := refType(s.Items, depth-1)
		if strings.ContainsAny(elem, "|&") {
			elem = "(" + elem + ")"
		}
		out = elem + "[]"
	case s.Type.Is("object"), len(s.Properties) > 0:
		out = objectType(s, depth)
	case s.Type.Is("null"):
		out = "null"
	}
	if s.Nullable && out != "null" {
		out += " | null"
	}
	return out
}

func objectType(s *openapi3.Schema, depth int) string {
	if len(s.Properties) == 0 {
		if s.AdditionalProperties.Schema != nil {
			return "{ [key: string]: " + refType(s.AdditionalProperties.Schema, depth-1) + " }"
		}
		return "{ [key: string]: unknown }"
	}
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}
	names := sortedKeys(s.Properties)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		q := ""
		if !required[name] {
			q = "?"
		}
		parts = append(parts, fmt.Sprintf("%s%s: %s", propName(name), q, refType(s.Properties[name], depth-1)))
	}
	return "{ " + strings.Join(parts, "; ") + " }"
}

func unionOf(refs openapi3.SchemaRefs, depth int) string {
	parts := make([]string, 0, len(refs))
	for _, sub := range refs {
		parts = append(parts, refType(sub, depth-1))
	}
	return strings.Join(parts, " | ")
}

func enumUnion(values []any, limit int) string {
	parts := make([]string, 0, len(values))
	for i, v := range values {
		if limit > 0 && i >= limit {
			parts = append(parts, "...")
			break
		}
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		parts = append(parts, string(data))
	}
	if len(parts) == 0 {
		return "string"
	}
	return strings.Join(parts, " | ")
}

// resolveAliases collects every components/schemas reference reachable from
// the operation strings, expands referenced schema bodies breadth-first up to
// MaxSchemas, and substitutes bare alias names everywhere. Whatever remains
// unresolved is rewritten to "unknown".
func resolveAliases(doc *openapi3.T, ops map[string]OpTypes) map[string]string {
	var queue []string
	seen := make(map[string]bool)
	enqueue := func(s string) {
		for _, m := range schemaRefRe.FindAllStringSubmatch(s, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				queue = append(queue, m[1])
			}
		}
	}

	opKeys := make([]string, 0, len(ops))
	for k := range ops {
		opKeys = append(opKeys, k)
	}
	sort.Strings(opKeys)
	for _, k := range opKeys {
		enqueue(ops[k].Args)
		enqueue(ops[k].Returns)
	}
	if len(queue) == 0 {
		return nil
	}

	var components openapi3.Schemas
	if doc.Components != nil {
		components = doc.Components.Schemas
	}

	// Expand bodies breadth-first; nested refs stay placeholders so they can
	// be substituted by their own aliases afterwards.
	bodies := make(map[string]string)
	for len(queue) > 0 && len(bodies) < MaxSchemas {
		name := queue[0]
		queue = queue[1:]
		ref, ok := components[name]
		if !ok {
			bodies[name] = "unknown"
			continue
		}
		body := refType(ref, maxInlineDepth)
		bodies[name] = body
		enqueue(body)
	}

	// Pick collision-free bare names.
	names := make([]string, 0, len(bodies))
	for name := range bodies {
		names = append(names, name)
	}
	sort.Strings(names)
	aliasOf := make(map[string]string, len(names))
	taken := make(map[string]bool, len(names))
	for _, name := range names {
		alias := AliasName(name)
		for i := 2; taken[alias]; i++ {
			alias = fmt.Sprintf("%s%d", AliasName(name), i)
		}
		taken[alias] = true
		aliasOf[name] = alias
	}

	substitute := func(s string) string {
		s = schemaRefRe.ReplaceAllStringFunc(s, func(m string) string {
			name := schemaRefRe.FindStringSubmatch(m)[1]
			if alias, ok := aliasOf[name]; ok {
				return alias
			}
			return "unknown"
		})
		return anyRefRe.ReplaceAllString(s, "unknown")
	}

	aliases := make(map[string]string, len(bodies))
	for name, body := range bodies {
		aliases[aliasOf[name]] = substitute(body)
	}
	for k, t := range ops {
		ops[k] = OpTypes{Args: substitute(t.Args), Returns: substitute(t.Returns)}
	}
	return aliases
}

// propName quotes property names that are not bare identifiers.
func propName(name string) string {
	for i, r := range name {
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || r == '$'
		if alpha || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		data, _ := json.Marshal(name)
		return string(data)
	}
	if name == "" {
		return `""`
	}
	return name
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
