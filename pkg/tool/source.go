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

package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// SourceType tags a SourceConfig variant.
type SourceType string

const (
	SourceMCP     SourceType = "mcp"
	SourceOpenAPI SourceType = "openapi"
	SourceGraphQL SourceType = "graphql"
)

// SourceConfig describes one external system exposing tools. Exactly one of
// the type-specific sub-configs is set, selected by Type. Downstream code
// dispatches on the tag; nothing probes properties dynamically.
type SourceConfig struct {
	Type SourceType `yaml:"type" mapstructure:"type"`
	Name string     `yaml:"name" mapstructure:"name"`

	OpenAPI *OpenAPIConfig `yaml:"openapi,omitempty" mapstructure:"openapi"`
	GraphQL *GraphQLConfig `yaml:"graphql,omitempty" mapstructure:"graphql"`
	MCP     *MCPConfig     `yaml:"mcp,omitempty" mapstructure:"mcp"`

	// Approvals overrides the default approval mode per operation.
	// Keys are operation identifiers local to the source (operationId for
	// OpenAPI, field name for GraphQL, tool name for MCP).
	Approvals map[string]ApprovalMode `yaml:"approvals,omitempty" mapstructure:"approvals"`
}

// OpenAPIConfig configures an OpenAPI 3.x (or Swagger 2) source.
type OpenAPIConfig struct {
	// SpecURL points at the document; SpecInline carries it verbatim.
	SpecURL    string `yaml:"spec_url,omitempty" mapstructure:"spec_url"`
	SpecInline string `yaml:"spec_inline,omitempty" mapstructure:"spec_inline"`

	// BaseURL overrides the document's server URL for invocations.
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base_url"`

	// Headers are static auth headers merged into every request.
	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`

	// DTSURL optionally points at a full declaration bundle that the
	// typechecker fetches and caches.
	DTSURL string `yaml:"dts_url,omitempty" mapstructure:"dts_url"`
}

// GraphQLConfig configures a GraphQL endpoint source.
type GraphQLConfig struct {
	Endpoint string            `yaml:"endpoint" mapstructure:"endpoint"`
	Headers  map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
}

// MCPConfig configures a peer MCP server source.
type MCPConfig struct {
	URL     string            `yaml:"url" mapstructure:"url"`
	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
}

// Validate checks that the tagged variant is internally consistent.
func (c *SourceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("source name is required")
	}
	switch c.Type {
	case SourceOpenAPI:
		if c.OpenAPI == nil || (c.OpenAPI.SpecURL == "" && c.OpenAPI.SpecInline == "") {
			return fmt.Errorf("source %q: openapi spec_url or spec_inline is required", c.Name)
		}
	case SourceGraphQL:
		if c.GraphQL == nil || c.GraphQL.Endpoint == "" {
			return fmt.Errorf("source %q: graphql endpoint is required", c.Name)
		}
	case SourceMCP:
		if c.MCP == nil || c.MCP.URL == "" {
			return fmt.Errorf("source %q: mcp url is required", c.Name)
		}
	default:
		return fmt.Errorf("source %q: unknown type %q", c.Name, c.Type)
	}
	return nil
}

// SpecHash returns a stable fingerprint of the spec-identifying parts of the
// config. Changing the hash invalidates cached tool lists for the source.
func (c *SourceConfig) SpecHash() string {
	switch c.Type {
	case SourceOpenAPI:
		return fingerprint("openapi", c.OpenAPI.SpecURL, c.OpenAPI.SpecInline, c.OpenAPI.BaseURL)
	case SourceGraphQL:
		return fingerprint("graphql", c.GraphQL.Endpoint)
	case SourceMCP:
		return fingerprint("mcp", c.MCP.URL)
	}
	return fingerprint(string(c.Type), c.Name)
}

// AuthFingerprint returns a stable fingerprint of the auth-bearing parts of
// the config. The registry keys cache entries on (SpecHash, AuthFingerprint).
func (c *SourceConfig) AuthFingerprint() string {
	var headers map[string]string
	switch c.Type {
	case SourceOpenAPI:
		headers = c.OpenAPI.Headers
	case SourceGraphQL:
		headers = c.GraphQL.Headers
	case SourceMCP:
		headers = c.MCP.Headers
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+headers[k])
	}
	return fingerprint(parts...)
}

func fingerprint(parts ...string) string {
	// JSON-encode to keep part boundaries unambiguous.
	data, _ := json.Marshal(parts)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
