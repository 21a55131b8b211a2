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
)

const crmSpec = `{
  "openapi": "3.0.3",
  "info": {"title": "CRM", "version": "1.0.0"},
  "paths": {
    "/customers/{id}": {
      "get": {
        "operationId": "getCustomer",
        "tags": ["customers"],
        "summary": "Fetch one customer",
        "parameters": [
          {"name": "id", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "expand", "in": "query", "schema": {"type": "string"}}
        ],
        "responses": {
          "200": {
            "description": "ok",
            "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Customer"}}}
          }
        }
      }
    },
    "/customers": {
      "post": {
        "operationId": "createCustomer",
        "tags": ["customers"],
        "requestBody": {
          "content": {"application/json": {"schema": {
            "type": "object",
            "properties": {"email": {"type": "string"}},
            "required": ["email"]
          }}}
        },
        "responses": {"201": {"description": "created"}}
      }
    }
  },
  "components": {"schemas": {
    "Customer": {
      "type": "object",
      "properties": {"id": {"type": "string"}},
      "required": ["id"]
    }
  }}
}`

func crmSource(baseURL string) tool.SourceConfig {
	return tool.SourceConfig{
		Type: tool.SourceOpenAPI,
		Name: "crm",
		OpenAPI: &tool.OpenAPIConfig{
			SpecInline: crmSpec,
			BaseURL:    baseURL,
			Headers:    map[string]string{"X-Api-Key": "static"},
		},
	}
}

func toolByPath(t *testing.T, tools []tool.Descriptor, path string) *tool.Descriptor {
	t.Helper()
	for i := range tools {
		if tools[i].Path == path {
			return &tools[i]
		}
	}
	t.Fatalf("tool %s not found", path)
	return nil
}

func TestLoadOpenAPISource(t *testing.T) {
	loader := NewLoader()
	tools, prep, err := loader.Load(context.Background(), crmSource("https://api.example.com"))
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Empty(t, prep.Warnings)

	get := toolByPath(t, tools, "crm.customers.getcustomer")
	assert.Equal(t, tool.ApprovalAuto, get.Approval)
	assert.Equal(t, "getCustomer", get.OperationID)
	assert.Equal(t, "Fetch one customer", get.Description)
	assert.Contains(t, get.ArgsType, "id")
	assert.Contains(t, get.ArgsType, "expand?")

	post := toolByPath(t, tools, "crm.customers.createcustomer")
	assert.Equal(t, tool.ApprovalRequired, post.Approval)
	assert.Contains(t, post.ArgsType, "email")

	// The schema alias map rides on the first descriptor only.
	assert.Contains(t, prep.Schemas, "Customer")
	withSchemas := 0
	for i := range tools {
		if tools[i].SchemaTypes != nil {
			withSchemas++
		}
	}
	assert.Equal(t, 1, withSchemas)
}

func TestOpenAPIApprovalOverride(t *testing.T) {
	cfg := crmSource("https://api.example.com")
	cfg.Approvals = map[string]tool.ApprovalMode{"createCustomer": tool.ApprovalAuto}

	loader := NewLoader()
	tools, _, err := loader.Load(context.Background(), cfg)
	require.NoError(t, err)

	post := toolByPath(t, tools, "crm.customers.createcustomer")
	assert.Equal(t, tool.ApprovalAuto, post.Approval)
}

func TestOpenAPIRunClosure(t *testing.T) {
	var gotAuth, gotKey, gotExpand string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/customers/cus_123":
			gotAuth = r.Header.Get("Authorization")
			gotKey = r.Header.Get("X-Api-Key")
			gotExpand = r.URL.Query().Get("expand")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": "cus_123"}`))
		case "/customers":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["email"] == "" {
				http.Error(w, "missing email", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": "cus_new"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	loader := NewLoader()
	tools, _, err := loader.Load(context.Background(), crmSource(srv.URL))
	require.NoError(t, err)

	rc := &tool.RunContext{Credentials: map[string]string{"Authorization": "Bearer live"}}

	get := toolByPath(t, tools, "crm.customers.getcustomer")
	out, err := get.Run(context.Background(), map[string]any{"id": "cus_123", "expand": "subscriptions"}, rc)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "cus_123"}, out)
	assert.Equal(t, "Bearer live", gotAuth)
	assert.Equal(t, "static", gotKey)
	assert.Equal(t, "subscriptions", gotExpand)

	// Residual input keys become the JSON body on write methods.
	post := toolByPath(t, tools, "crm.customers.createcustomer")
	out, err = post.Run(context.Background(), map[string]any{"email": "a@b.co"}, rc)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "cus_new"}, out)
}

func TestOpenAPIRunHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 600), http.StatusNotFound)
	}))
	defer srv.Close()

	loader := NewLoader()
	tools, _, err := loader.Load(context.Background(), crmSource(srv.URL))
	require.NoError(t, err)

	get := toolByPath(t, tools, "crm.customers.getcustomer")
	_, err = get.Run(context.Background(), map[string]any{"id": "nope"}, nil)
	require.Error(t, err)

	var httpErr *tool.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.LessOrEqual(t, len(httpErr.Body), 500)
}

func TestOpenAPIMissingPathParam(t *testing.T) {
	loader := NewLoader()
	tools, _, err := loader.Load(context.Background(), crmSource("https://api.example.com"))
	require.NoError(t, err)

	get := toolByPath(t, tools, "crm.customers.getcustomer")
	_, err = get.Run(context.Background(), map[string]any{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path parameter")
}

func TestOpenAPIParseOnlyFallback(t *testing.T) {
	broken := strings.Replace(crmSpec, "#/components/schemas/Customer", "#/components/schemas/Missing", 1)
	cfg := tool.SourceConfig{
		Type: tool.SourceOpenAPI,
		Name: "crm",
		OpenAPI: &tool.OpenAPIConfig{
			SpecInline: broken,
			BaseURL:    "https://api.example.com",
		},
	}

	loader := NewLoader()
	tools, prep, err := loader.Load(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	require.NotEmpty(t, prep.Warnings)
	assert.Contains(t, prep.Warnings[0], "parse-only")

	// Hint types still carry the declared parameters.
	get := toolByPath(t, tools, "crm.customers.getcustomer")
	assert.Contains(t, get.ArgsType, "id")

	loader = NewLoader(WithParseOnlyFallback(false))
	_, _, err = loader.Load(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpenAPISwagger2Conversion(t *testing.T) {
	spec := `{
	  "swagger": "2.0",
	  "info": {"title": "Legacy", "version": "1.0"},
	  "host": "legacy.example.com",
	  "basePath": "/v1",
	  "paths": {
	    "/things": {
	      "get": {
	        "operationId": "listThings",
	        "responses": {"200": {"description": "ok"}}
	      }
	    }
	  }
	}`
	cfg := tool.SourceConfig{
		Type: tool.SourceOpenAPI,
		Name: "legacy",
		OpenAPI: &tool.OpenAPIConfig{
			SpecInline: spec,
			BaseURL:    "https://legacy.example.com/v1",
		},
	}

	loader := NewLoader()
	tools, prep, err := loader.Load(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "legacy.default.listthings", tools[0].Path)
	require.NotEmpty(t, prep.Warnings)
	assert.Contains(t, prep.Warnings[0], "swagger 2")
}

func TestResolveBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		cfg     tool.OpenAPIConfig
		servers []string
		want    string
		wantErr bool
	}{
		{
			name: "explicit_override",
			cfg:  tool.OpenAPIConfig{BaseURL: "https://override.example.com/"},
			want: "https://override.example.com",
		},
		{
			name:    "absolute_server",
			servers: []string{"https://api.example.com/v2/"},
			want:    "https://api.example.com/v2",
		},
		{
			name:    "relative_server_against_spec_origin",
			cfg:     tool.OpenAPIConfig{SpecURL: "https://host.example.com/specs/api.json"},
			servers: []string{"/v1"},
			want:    "https://host.example.com/v1",
		},
		{
			name: "spec_origin_only",
			cfg:  tool.OpenAPIConfig{SpecURL: "https://host.example.com/openapi.json"},
			want: "https://host.example.com",
		},
		{
			name:    "nothing_to_go_on",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := []opEntry{{servers: tt.servers}}
			got, err := resolveBaseURL(&tt.cfg, entries)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
