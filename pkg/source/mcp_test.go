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
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransientMCPError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("read ECONNRESET"), true},
		{errors.New("connection closed by peer"), true},
		{errors.New("socket hang up"), true},
		{errors.New("fetch failed"), true},
		{errors.New("tool not found"), false},
		{errors.New("invalid arguments"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, transientMCPError(tt.err), "error %v", tt.err)
	}
}

func TestParseMCPResult(t *testing.T) {
	// Structured text comes back as parsed JSON.
	out, err := parseMCPResult(mcp.NewToolResultText(`{"count": 3}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(3)}, out)

	// Plain text stays a string.
	out, err = parseMCPResult(mcp.NewToolResultText("done"))
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	// isError results become Go errors.
	_, err = parseMCPResult(mcp.NewToolResultError("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// No content at all.
	out, err = parseMCPResult(&mcp.CallToolResult{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestMCPSchemaMap(t *testing.T) {
	schema := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"q":     map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
		},
		Required: []string{"q"},
	}

	m := mcpSchemaMap(schema)
	require.NotNil(t, m)
	assert.Equal(t, "object", m["type"])

	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "q")
	assert.Contains(t, props, "limit")
}
