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
	"fmt"
	"strings"
)

const (
	gqlMaxDepth      = 3
	gqlMaxFields     = 16
	gqlMaxEnumValues = 8
)

// GQLSchema is the subset of a GraphQL introspection result the synthesizer
// needs. The source loader fills it from the fixed introspection query.
type GQLSchema struct {
	QueryType    *GQLTypeRef `json:"queryType"`
	MutationType *GQLTypeRef `json:"mutationType"`
	Types        []GQLType   `json:"types"`
}

// GQLType is a named type from the introspected schema.
type GQLType struct {
	Kind        string          `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Fields      []GQLField      `json:"fields"`
	InputFields []GQLInputValue `json:"inputFields"`
	EnumValues  []GQLEnumValue  `json:"enumValues"`
}

// GQLField is a field of an OBJECT type (root fields become pseudo-tools).
type GQLField struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Args        []GQLInputValue `json:"args"`
	Type        GQLTypeRef      `json:"type"`
}

// GQLInputValue is an argument or input-object field.
type GQLInputValue struct {
	Name string     `json:"name"`
	Type GQLTypeRef `json:"type"`
}

// GQLEnumValue is one enum member.
type GQLEnumValue struct {
	Name string `json:"name"`
}

// GQLTypeRef is a (possibly wrapped) type reference. The introspection query
// unwraps ofType five levels deep, which covers every practical wrapping.
type GQLTypeRef struct {
	Kind   string      `json:"kind"`
	Name   string      `json:"name"`
	OfType *GQLTypeRef `json:"ofType"`
}

// TypeByName returns the named type, or nil.
func (s *GQLSchema) TypeByName(name string) *GQLType {
	for i := range s.Types {
		if s.Types[i].Name == name {
			return &s.Types[i]
		}
	}
	return nil
}

// RootFields returns the fields of the query or mutation root type.
func (s *GQLSchema) RootFields(mutation bool) []GQLField {
	ref := s.QueryType
	if mutation {
		ref = s.MutationType
	}
	if ref == nil || ref.Name == "" {
		return nil
	}
	t := s.TypeByName(ref.Name)
	if t == nil {
		return nil
	}
	return t.Fields
}

// GraphQLFieldTypes synthesizes the arg and return type strings for one root
// field. Arguments are optional unless NON_NULL.
func GraphQLFieldTypes(schema *GQLSchema, field GQLField) (args, returns string) {
	if len(field.Args) > 0 {
		parts := make([]string, 0, len(field.Args))
		for _, arg := range field.Args {
			q := "?"
			if arg.Type.Kind == "NON_NULL" {
				q = ""
			}
			parts = append(parts, fmt.Sprintf("%s%s: %s", propName(arg.Name), q, gqlType(schema, &arg.Type, gqlMaxDepth)))
		}
		args = "{ " + strings.Join(parts, "; ") + " }"
	}
	returns = gqlType(schema, &field.Type, gqlMaxDepth)
	return args, returns
}

// gqlScalars maps well-known scalar names onto the checker's notation.
var gqlScalars = map[string]string{
	"String":     "string",
	"ID":         "string",
	"DateTime":   "string",
	"Date":       "string",
	"Time":       "string",
	"UUID":       "string",
	"URL":        "string",
	"Int":        "number",
	"Float":      "number",
	"Boolean":    "boolean",
	"JSON":       "{ [key: string]: unknown }",
	"JSONObject": "{ [key: string]: unknown }",
}

func gqlType(schema *GQLSchema, ref *GQLTypeRef, depth int) string {
	if ref == nil {
		return "unknown"
	}
	switch ref.Kind {
	case "NON_NULL":
		return gqlType(schema, ref.OfType, depth)
	case "LIST":
		elem := gqlType(schema, ref.OfType, depth)
		if strings.ContainsAny(elem, "|&") {
			elem = "(" + elem + ")"
		}
		return elem + "[]"
	}

	if mapped, ok := gqlScalars[ref.Name]; ok {
		return mapped
	}
	t := schema.TypeByName(ref.Name)
	if t == nil {
		if ref.Name == "" {
			return "unknown"
		}
		return ref.Name
	}

	switch t.Kind {
	case "SCALAR":
		// Custom scalar with no mapping; keep the name as an opaque hint.
		return t.Name
	case "ENUM":
		parts := make([]string, 0, len(t.EnumValues))
		for i, v := range t.EnumValues {
			if i >= gqlMaxEnumValues {
				parts = append(parts, "...")
				break
			}
			parts = append(parts, `"`+v.Name+`"`)
		}
		if len(parts) == 0 {
			return "string"
		}
		return strings.Join(parts, " | ")
	case "INPUT_OBJECT":
		if depth <= 0 {
			return "{ [key: string]: unknown }"
		}
		parts := make([]string, 0, len(t.InputFields))
		for i, f := range t.InputFields {
			if i >= gqlMaxFields {
				break
			}
			q := "?"
			if f.Type.Kind == "NON_NULL" {
				q = ""
			}
			parts = append(parts, fmt.Sprintf("%s%s: %s", propName(f.Name), q, gqlType(schema, &f.Type, depth-1)))
		}
		if len(parts) == 0 {
			return "{ [key: string]: unknown }"
		}
		return "{ " + strings.Join(parts, "; ") + " }"
	case "OBJECT", "INTERFACE":
		if depth <= 0 {
			return "{ [key: string]: unknown }"
		}
		parts := make([]string, 0, len(t.Fields))
		for i, f := range t.Fields {
			if i >= gqlMaxFields {
				break
			}
			parts = append(parts, fmt.Sprintf("%s: %s", propName(f.Name), gqlType(schema, &f.Type, depth-1)))
		}
		if len(parts) == 0 {
			return "{ [key: string]: unknown }"
		}
		return "{ " + strings.Join(parts, "; ") + " }"
	case "UNION":
		return "unknown"
	}
	return t.Name
}
