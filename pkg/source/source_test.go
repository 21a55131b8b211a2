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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/runlet/pkg/tool"
)

func TestLoadAllIsolatesFailures(t *testing.T) {
	// A spec endpoint that always 404s; the healthy source is inline.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer broken.Close()

	sources := []tool.SourceConfig{
		crmSource("https://api.example.com"),
		{
			Type: tool.SourceOpenAPI,
			Name: "busted",
			OpenAPI: &tool.OpenAPIConfig{
				SpecURL: broken.URL + "/openapi.json",
			},
		},
	}

	loader := NewLoader()
	tools, warnings, err := loader.LoadAll(context.Background(), sources)
	require.NoError(t, err)

	assert.Len(t, tools, 2)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "busted")
}

func TestLoadAllEmpty(t *testing.T) {
	loader := NewLoader()
	tools, warnings, err := loader.LoadAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, tools)
	assert.Empty(t, warnings)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	loader := NewLoader()
	_, _, err := loader.Load(context.Background(), tool.SourceConfig{
		Type: tool.SourceOpenAPI,
		Name: "nope",
	})
	assert.Error(t, err)
}

func TestPreparedRoundTrip(t *testing.T) {
	cfg := crmSource("https://api.example.com")

	loader := NewLoader()
	tools, prep, err := loader.Load(context.Background(), cfg)
	require.NoError(t, err)

	data, err := json.Marshal(prep)
	require.NoError(t, err)

	var restored Prepared
	require.NoError(t, json.Unmarshal(data, &restored))

	rebuilt, err := loader.Build(&restored, &cfg)
	require.NoError(t, err)
	require.Len(t, rebuilt, len(tools))
	for i := range tools {
		assert.Equal(t, tools[i].Path, rebuilt[i].Path)
		assert.Equal(t, tools[i].Approval, rebuilt[i].Approval)
		assert.Equal(t, tools[i].ArgsType, rebuilt[i].ArgsType)
		assert.True(t, rebuilt[i].Callable())
	}
}

func TestBuildRejectsMismatchedConfig(t *testing.T) {
	cfg := crmSource("https://api.example.com")

	loader := NewLoader()
	_, prep, err := loader.Load(context.Background(), cfg)
	require.NoError(t, err)

	other := cfg
	other.Name = "different"
	_, err = loader.Build(prep, &other)
	assert.Error(t, err)
}

func TestDTSURLs(t *testing.T) {
	loader := NewLoader()
	urls := loader.DTSURLs([]tool.SourceConfig{
		{
			Type: tool.SourceOpenAPI,
			Name: "crm",
			OpenAPI: &tool.OpenAPIConfig{
				SpecInline: "{}",
				DTSURL:     "https://types.example.com/crm.d.ts",
			},
		},
		{
			Type:    tool.SourceGraphQL,
			Name:    "gh",
			GraphQL: &tool.GraphQLConfig{Endpoint: "https://gh.example.com/graphql"},
		},
	})
	assert.Equal(t, map[string]string{"crm": "https://types.example.com/crm.d.ts"}, urls)
}
