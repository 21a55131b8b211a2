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

package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/runlet/pkg/tool"
	"github.com/kadirpekel/runlet/pkg/typegen"
)

const introspectionResponse = `{
  "data": {
    "__schema": {
      "queryType": {"name": "Query"},
      "mutationType": {"name": "Mutation"},
      "types": [
        {
          "kind": "OBJECT",
          "name": "Query",
          "fields": [
            {
              "name": "user",
              "description": "Fetch a user by id",
              "args": [
                {"name": "id", "type": {"kind": "NON_NULL", "ofType": {"kind": "SCALAR", "name": "ID"}}}
              ],
              "type": {"kind": "OBJECT", "name": "User"}
            },
            {
              "name": "version",
              "args": [],
              "type": {"kind": "SCALAR", "name": "String"}
            }
          ]
        },
        {
          "kind": "OBJECT",
          "name": "Mutation",
          "fields": [
            {
              "name": "deleteUser",
              "args": [
                {"name": "id", "type": {"kind": "NON_NULL", "ofType": {"kind": "SCALAR", "name": "ID"}}}
              ],
              "type": {"kind": "SCALAR", "name": "Boolean"}
            }
          ]
        },
        {
          "kind": "OBJECT",
          "name": "User",
          "fields": [
            {"name": "id", "args": [], "type": {"kind": "NON_NULL", "ofType": {"kind": "SCALAR", "name": "ID"}}},
            {"name": "name", "args": [], "type": {"kind": "SCALAR", "name": "String"}}
          ]
        }
      ]
    }
  }
}`

// graphqlTestServer answers introspection with the fixed schema and records
// the last executed operation.
func graphqlTestServer(t *testing.T) (*httptest.Server, *struct {
	Query     string
	Variables map[string]any
}) {
	t.Helper()
	last := &struct {
		Query     string
		Variables map[string]any
	}{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(payload.Query, "__schema") {
			_, _ = w.Write([]byte(introspectionResponse))
			return
		}
		last.Query = payload.Query
		last.Variables = payload.Variables
		_, _ = w.Write([]byte(`{"data": {"user": {"__typename": "User"}}}`))
	}))
	return srv, last
}

func TestLoadGraphQLSource(t *testing.T) {
	srv, _ := graphqlTestServer(t)
	defer srv.Close()

	cfg := tool.SourceConfig{
		Type:    tool.SourceGraphQL,
		Name:    "gh",
		GraphQL: &tool.GraphQLConfig{Endpoint: srv.URL},
	}

	loader := NewLoader()
	tools, _, err := loader.Load(context.Background(), cfg)
	require.NoError(t, err)

	main := toolByPath(t, tools, "gh.graphql")
	assert.False(t, main.Pseudo)
	assert.Equal(t, tool.ApprovalAuto, main.Approval)
	assert.Contains(t, main.ArgsType, "query: string")

	user := toolByPath(t, tools, "gh.query.user")
	assert.True(t, user.Pseudo)
	assert.Equal(t, tool.ApprovalAuto, user.Approval)
	assert.Equal(t, "Fetch a user by id", user.Description)
	assert.Contains(t, user.ArgsType, "id")

	del := toolByPath(t, tools, "gh.mutation.deleteuser")
	assert.True(t, del.Pseudo)
	assert.Equal(t, tool.ApprovalRequired, del.Approval)

	toolByPath(t, tools, "gh.query.version")
}

func TestGraphQLPseudoToolDelegation(t *testing.T) {
	srv, last := graphqlTestServer(t)
	defer srv.Close()

	cfg := tool.SourceConfig{
		Type:    tool.SourceGraphQL,
		Name:    "gh",
		GraphQL: &tool.GraphQLConfig{Endpoint: srv.URL},
	}

	loader := NewLoader()
	tools, _, err := loader.Load(context.Background(), cfg)
	require.NoError(t, err)

	user := toolByPath(t, tools, "gh.query.user")
	out, err := user.Run(context.Background(), map[string]any{"id": "u_1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "query($id: ID!) { user(id: $id) { __typename } }", last.Query)
	assert.Equal(t, map[string]any{"id": "u_1"}, last.Variables)

	body, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, body, "data")
}

func TestGraphQLMainToolRequiresQuery(t *testing.T) {
	srv, last := graphqlTestServer(t)
	defer srv.Close()

	cfg := tool.SourceConfig{
		Type:    tool.SourceGraphQL,
		Name:    "gh",
		GraphQL: &tool.GraphQLConfig{Endpoint: srv.URL},
	}

	loader := NewLoader()
	tools, _, err := loader.Load(context.Background(), cfg)
	require.NoError(t, err)

	main := toolByPath(t, tools, "gh.graphql")
	_, err = main.Run(context.Background(), map[string]any{}, nil)
	assert.Error(t, err)

	_, err = main.Run(context.Background(), map[string]any{
		"query":     "query { version }",
		"variables": map[string]any{"x": float64(1)},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "query { version }", last.Query)
}

func TestBuildDocument(t *testing.T) {
	schema := &typegen.GQLSchema{}

	scalar := typegen.GQLField{
		Name: "version",
		Type: typegen.GQLTypeRef{Kind: "SCALAR", Name: "String"},
	}
	assert.Equal(t, "query { version }", buildDocument("query", schema, scalar))

	withArgs := typegen.GQLField{
		Name: "user",
		Args: []typegen.GQLInputValue{
			{Name: "id", Type: typegen.GQLTypeRef{Kind: "NON_NULL", OfType: &typegen.GQLTypeRef{Kind: "SCALAR", Name: "ID"}}},
			{Name: "tags", Type: typegen.GQLTypeRef{Kind: "LIST", OfType: &typegen.GQLTypeRef{Kind: "SCALAR", Name: "String"}}},
		},
		Type: typegen.GQLTypeRef{Kind: "OBJECT", Name: "User"},
	}
	assert.Equal(t,
		"query($id: ID!, $tags: [String]) { user(id: $id, tags: $tags) { __typename } }",
		buildDocument("query", schema, withArgs))
}

func TestGQLTypeName(t *testing.T) {
	tests := []struct {
		name string
		ref  *typegen.GQLTypeRef
		want string
	}{
		{"nil", nil, "String"},
		{"scalar", &typegen.GQLTypeRef{Kind: "SCALAR", Name: "Int"}, "Int"},
		{
			"non_null_list",
			&typegen.GQLTypeRef{Kind: "NON_NULL", OfType: &typegen.GQLTypeRef{
				Kind: "LIST", OfType: &typegen.GQLTypeRef{Kind: "SCALAR", Name: "ID"},
			}},
			"[ID]!",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gqlTypeName(tt.ref))
		})
	}
}
