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
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/require"
)

func loadSpec(t *testing.T, data string) *openapi3.T {
	t.Helper()
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData([]byte(data))
	require.NoError(t, err)
	return doc
}

const customerSpec = `
openapi: "3.0.0"
info: {title: stripe, version: "1"}
paths:
  /customers/{id}:
    get:
      operationId: getCustomer
      parameters:
        - name: id
          in: path
          required: true
          schema: {type: string}
        - name: expand
          in: query
          schema: {type: string}
      responses:
        "200":
          content:
            application/json:
              schema: {$ref: "#/components/schemas/Customer"}
  /customers:
    post:
      operationId: createCustomer
      requestBody:
        content:
          application/json:
            schema:
              type: object
              required: [email]
              properties:
                email: {type: string}
                name: {type: string}
      responses:
        "201":
          content:
            application/json:
              schema: {$ref: "#/components/schemas/Customer"}
components:
  schemas:
    Customer:
      type: object
      required: [id, subscriptions]
      properties:
        id: {type: string}
        subscriptions:
          type: array
          items: {$ref: "#/components/schemas/Subscription"}
    Subscription:
      type: object
      required: [plan]
      properties:
        plan: {$ref: "#/components/schemas/Subscription.Plan"}
    Subscription.Plan:
      type: object
      required: [amount]
      properties:
        amount: {type: number}
`

func TestGenerateOpenAPI(t *testing.T) {
	doc := loadSpec(t, customerSpec)
	ops, aliases := GenerateOpenAPI(doc)

	get, ok := ops[OpKey("get", "/customers/{id}")]
	require.True(t, ok)
	require.Equal(t, "{ id: string; expand?: string }", get.Args)
	require.Equal(t, "Customer", get.Returns)

	post := ops[OpKey("post", "/customers")]
	require.Equal(t, "{ email: string; name?: string }", post.Args)
	require.Equal(t, "Customer", post.Returns)

	// Transitive refs are expanded and substituted with bare names.
	require.Contains(t, aliases, "Customer")
	require.Contains(t, aliases, "Subscription")
	require.Contains(t, aliases, "SubscriptionPlan")
	require.Equal(t, "{ amount: number }", aliases["SubscriptionPlan"])
	require.Equal(t, "{ plan: SubscriptionPlan }", aliases["Subscription"])
	require.Contains(t, aliases["Customer"], "subscriptions: Subscription[]")
}

func TestGenerateOpenAPINoComponentsLeak(t *testing.T) {
	doc := loadSpec(t, customerSpec)
	ops, aliases := GenerateOpenAPI(doc)
	for key, op := range ops {
		require.NotContains(t, op.Args, "components[", "args of %s", key)
		require.NotContains(t, op.Returns, "components[", "returns of %s", key)
	}
	for name, body := range aliases {
		require.NotContains(t, body, "components[", "alias %s", name)
	}
}

func TestGenerateOpenAPISchemaCap(t *testing.T) {
	// Build a chain longer than the BFS cap; everything past the cap must
	// collapse to unknown rather than growing without bound.
	var b strings.Builder
	b.WriteString(`{"openapi":"3.0.0","info":{"title":"big","version":"1"},"paths":{"/root":{"get":{"operationId":"root","responses":{"200":{"description":"ok","content":{"application/json":{"schema":{"$ref":"#/components/schemas/S0"}}}}}}}},"components":{"schemas":{`)
	const total = MaxSchemas + 50
	for i := 0; i < total; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		if i == total-1 {
			fmt.Fprintf(&b, `"S%d":{"type":"string"}`, i)
		} else {
			fmt.Fprintf(&b, `"S%d":{"type":"object","properties":{"next":{"$ref":"#/components/schemas/S%d"}}}`, i, i+1)
		}
	}
	b.WriteString("}}}")

	doc := loadSpec(t, b.String())
	ops, aliases := GenerateOpenAPI(doc)
	require.Len(t, aliases, MaxSchemas)
	for _, op := range ops {
		require.NotContains(t, op.Returns, "components[")
	}
	for _, body := range aliases {
		require.NotContains(t, body, "components[")
	}
}

func TestGenerateOpenAPIParameterRefsBecomeUnknown(t *testing.T) {
	doc := loadSpec(t, `
openapi: "3.0.0"
info: {title: t, version: "1"}
paths:
  /things:
    get:
      operationId: listThings
      parameters:
        - $ref: "#/components/parameters/PageParam"
      responses:
        "200":
          description: ok
components:
  parameters:
    PageParam:
      name: page
      in: query
      schema: {type: integer}
`)
	ops, _ := GenerateOpenAPI(doc)
	op := ops[OpKey("get", "/things")]
	require.NotContains(t, op.Args, "components[")
	require.Contains(t, op.Args, "unknown")
	require.Equal(t, "unknown", op.Returns)
}

func TestFromRawSchema(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]any
		want   string
	}{
		{
			"primitives",
			map[string]any{"type": "integer"},
			"number",
		},
		{
			"array",
			map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"string[]",
		},
		{
			"enum",
			map[string]any{"enum": []any{"a", "b"}},
			`"a" | "b"`,
		},
		{
			"object",
			map[string]any{
				"type":     "object",
				"required": []any{"a"},
				"properties": map[string]any{
					"a": map[string]any{"type": "string"},
					"b": map[string]any{"type": "boolean"},
				},
			},
			"{ a: string; b?: boolean }",
		},
		{
			"one_of",
			map[string]any{"oneOf": []any{
				map[string]any{"type": "string"},
				map[string]any{"type": "number"},
			}},
			"string | number",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromRawSchema(tt.schema); got != tt.want {
				t.Errorf("FromRawSchema() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromRawSchemaDepthBound(t *testing.T) {
	// Nest deeper than the bound; generation must terminate with unknown.
	schema := map[string]any{"type": "string"}
	for i := 0; i < 10; i++ {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"inner": schema},
		}
	}
	got := FromRawSchema(schema)
	require.Contains(t, got, "unknown")
}
