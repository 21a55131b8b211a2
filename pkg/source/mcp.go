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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/runlet/pkg/tool"
	"github.com/kadirpekel/runlet/pkg/typegen"
)

const mcpProtocolVersion = "2024-11-05"

// prepareMCP connects to the peer server and lists its tools. Streamable
// HTTP is tried first with an SSE fallback, matching what current servers
// actually speak.
func (l *Loader) prepareMCP(ctx context.Context, cfg *tool.SourceConfig) (*Prepared, error) {
	conn := l.connFor(cfg)
	mcpTools, err := conn.listTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	prep := &Prepared{
		Source:    cfg.Name,
		Type:      tool.SourceMCP,
		FetchedAt: time.Now(),
	}
	src := typegen.Sanitize(cfg.Name)
	for _, t := range mcpTools {
		argsType := ""
		if schema := mcpSchemaMap(t.InputSchema); schema != nil {
			argsType = typegen.FromRawSchema(schema)
		}
		prep.Tools = append(prep.Tools, PreparedTool{
			Path:        src + "." + typegen.Sanitize(t.Name),
			Description: opDescription("", t.Description),
			Approval:    approvalFor(cfg, t.Name, tool.ApprovalRequired),
			ArgsType:    argsType,
			MCPTool:     t.Name,
		})
	}
	return prep, nil
}

// buildMCP attaches call closures that share one lazily connected client per
// source.
func (l *Loader) buildMCP(prep *Prepared, cfg *tool.SourceConfig) ([]tool.Descriptor, error) {
	conn := l.connFor(cfg)
	tools := make([]tool.Descriptor, 0, len(prep.Tools))
	for i := range prep.Tools {
		p := &prep.Tools[i]
		if p.MCPTool == "" {
			return nil, fmt.Errorf("prepared tool %s has no mcp recipe", p.Path)
		}
		name := p.MCPTool
		tools = append(tools, p.descriptor(func(ctx context.Context, input map[string]any, rc *tool.RunContext) (any, error) {
			return conn.call(ctx, name, input)
		}))
	}
	return tools, nil
}

// connFor returns the shared connection for a source, creating it on first
// use. Connections are keyed by source name and live until Loader.Close.
func (l *Loader) connFor(cfg *tool.SourceConfig) *mcpConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conn, ok := l.conns[cfg.Name]; ok {
		return conn
	}
	conn := &mcpConn{name: cfg.Name, cfg: cfg.MCP}
	l.conns[cfg.Name] = conn
	return conn
}

// mcpConn is one lazily established client connection to a peer MCP server.
type mcpConn struct {
	name string
	cfg  *tool.MCPConfig

	mu     sync.Mutex
	client *client.Client
}

// connect dials the server, preferring streamable HTTP and falling back to
// SSE when the initial handshake fails. Callers hold c.mu.
func (c *mcpConn) connect(ctx context.Context) (*client.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	cli, err := client.NewStreamableHttpClient(c.cfg.URL,
		transport.WithHTTPHeaders(c.cfg.Headers))
	if err == nil {
		if err = c.handshake(ctx, cli); err == nil {
			slog.Info("Connected to MCP server", "source", c.name, "transport", "streamable-http")
			c.client = cli
			return cli, nil
		}
		_ = cli.Close()
	}
	streamableErr := err

	cli, err = client.NewSSEMCPClient(c.cfg.URL, transport.WithHeaders(c.cfg.Headers))
	if err != nil {
		return nil, fmt.Errorf("streamable-http failed (%v); sse client: %w", streamableErr, err)
	}
	if err := c.handshake(ctx, cli); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("streamable-http failed (%v); sse: %w", streamableErr, err)
	}
	slog.Info("Connected to MCP server", "source", c.name, "transport", "sse")
	c.client = cli
	return cli, nil
}

func (c *mcpConn) handshake(ctx context.Context, cli *client.Client) error {
	if err := cli.Start(ctx); err != nil {
		return err
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: "runlet", Version: "1.0.0"}
	_, err := cli.Initialize(ctx, initReq)
	return err
}

// reconnect drops the current client so the next call dials again. Callers
// hold c.mu.
func (c *mcpConn) reconnect() {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
}

// listTools enumerates the server's tools across all pages.
func (c *mcpConn) listTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cli, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	var tools []mcp.Tool
	req := mcp.ListToolsRequest{}
	for {
		resp, err := cli.ListTools(ctx, req)
		if err != nil {
			return nil, err
		}
		tools = append(tools, resp.Tools...)
		if resp.NextCursor == "" {
			break
		}
		req.Params.Cursor = resp.NextCursor
	}
	return tools, nil
}

// call invokes one tool. A transient transport failure triggers a single
// reconnect-and-retry.
func (c *mcpConn) call(ctx context.Context, name string, args map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cli, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := cli.CallTool(ctx, req)
	if err != nil && transientMCPError(err) {
		slog.Warn("MCP call hit transient error, reconnecting", "source", c.name, "tool", name, "error", err)
		c.reconnect()
		cli, err = c.connect(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = cli.CallTool(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp call failed: %w", err)
	}
	return parseMCPResult(resp)
}

// Close shuts the connection down.
func (c *mcpConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// transientMCPError reports whether an error looks like a dropped transport
// rather than a tool failure.
func transientMCPError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"socket", "closed", "econnreset", "fetch failed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// parseMCPResult flattens a tool result. Text content that parses as JSON is
// returned structured; anything else stays a string. An isError result
// becomes a Go error carrying the text.
func parseMCPResult(resp *mcp.CallToolResult) (any, error) {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	if resp.IsError {
		if len(texts) > 0 {
			return nil, fmt.Errorf("%s", strings.Join(texts, "\n"))
		}
		return nil, fmt.Errorf("tool returned an error")
	}

	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		return parseMaybeJSON(texts[0]), nil
	default:
		out := make([]any, 0, len(texts))
		for _, t := range texts {
			out = append(out, parseMaybeJSON(t))
		}
		return out, nil
	}
}

func parseMaybeJSON(s string) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return s
}

// mcpSchemaMap converts the typed input schema to the loose map the hint
// generator consumes.
func mcpSchemaMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
