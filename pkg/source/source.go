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

// Package source loads tool descriptors from configured external systems.
//
// Each source type (OpenAPI, GraphQL, MCP) has its own adapter that fetches
// the remote description, synthesizes type signatures through pkg/typegen,
// and attaches an invocation closure to every descriptor. Loads also produce
// a serializable Prepared artifact so a catalog can be rebuilt without
// re-fetching the remote spec.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/runlet/pkg/httpclient"
	"github.com/kadirpekel/runlet/pkg/tool"
)

// Prepared is the serializable result of one source load. Building
// descriptors from a Prepared artifact yields the same tool set as the load
// that produced it, minus the network round-trip.
type Prepared struct {
	Source    string            `json:"source"`
	Type      tool.SourceType   `json:"type"`
	FetchedAt time.Time         `json:"fetchedAt"`
	Warnings  []string          `json:"warnings,omitempty"`
	Tools     []PreparedTool    `json:"tools"`
	Schemas   map[string]string `json:"schemas,omitempty"`
}

// PreparedTool is one descriptor with its invocation recipe instead of a
// closure. Exactly one of the recipe fields is set, matching the source type.
type PreparedTool struct {
	Path        string            `json:"path"`
	Description string            `json:"description,omitempty"`
	Approval    tool.ApprovalMode `json:"approval"`
	ArgsType    string            `json:"argsType,omitempty"`
	ReturnsType string            `json:"returnsType,omitempty"`
	OperationID string            `json:"operationId,omitempty"`
	Pseudo      bool              `json:"pseudo,omitempty"`

	HTTP    *HTTPInvoke    `json:"http,omitempty"`
	GraphQL *GraphQLInvoke `json:"graphql,omitempty"`
	MCPTool string         `json:"mcpTool,omitempty"`
}

// HTTPInvoke describes how to call an OpenAPI-derived tool.
type HTTPInvoke struct {
	Method string `json:"method"`
	// URL is the absolute URL template with {param} placeholders intact.
	URL         string   `json:"url"`
	PathParams  []string `json:"pathParams,omitempty"`
	QueryParams []string `json:"queryParams,omitempty"`
}

// GraphQLInvoke describes a GraphQL tool. Kind "main" is the executable
// {source}.graphql tool; "query" and "mutation" are per-field pseudo-tools
// carrying a prebuilt document.
type GraphQLInvoke struct {
	Kind     string `json:"kind"`
	Field    string `json:"field,omitempty"`
	Document string `json:"document,omitempty"`
}

// Loader fetches source descriptions and produces tool descriptors.
type Loader struct {
	http *httpclient.Client

	// parseOnlyFallback permits degraded OpenAPI loading (raw walk with
	// hint types) when full resolution fails.
	parseOnlyFallback bool

	mu    sync.Mutex
	conns map[string]*mcpConn
}

// Option configures a Loader.
type Option func(*Loader)

// WithHTTPClient overrides the retrying HTTP client used for spec fetches
// and tool invocations.
func WithHTTPClient(c *httpclient.Client) Option {
	return func(l *Loader) { l.http = c }
}

// WithParseOnlyFallback toggles degraded OpenAPI loading. Enabled by default.
func WithParseOnlyFallback(enabled bool) Option {
	return func(l *Loader) { l.parseOnlyFallback = enabled }
}

// NewLoader creates a source loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		parseOnlyFallback: true,
		conns:             make(map[string]*mcpConn),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.http == nil {
		l.http = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		)
	}
	return l
}

// Load fetches one source and returns its descriptors plus the serializable
// artifact the descriptors were built from.
func (l *Loader) Load(ctx context.Context, cfg tool.SourceConfig) ([]tool.Descriptor, *Prepared, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var (
		prep *Prepared
		err  error
	)
	switch cfg.Type {
	case tool.SourceOpenAPI:
		prep, err = l.prepareOpenAPI(ctx, &cfg)
	case tool.SourceGraphQL:
		prep, err = l.prepareGraphQL(ctx, &cfg)
	case tool.SourceMCP:
		prep, err = l.prepareMCP(ctx, &cfg)
	default:
		err = fmt.Errorf("unknown source type %q", cfg.Type)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("source %q: %w", cfg.Name, err)
	}

	tools, err := l.Build(prep, &cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("source %q: %w", cfg.Name, err)
	}
	return tools, prep, nil
}

// Build attaches invocation closures to a Prepared artifact, producing
// callable descriptors. cfg supplies the endpoint and auth material, which
// are deliberately not part of the artifact.
func (l *Loader) Build(prep *Prepared, cfg *tool.SourceConfig) ([]tool.Descriptor, error) {
	if prep.Type != cfg.Type || prep.Source != cfg.Name {
		return nil, fmt.Errorf("prepared artifact for %s/%s does not match source %s/%s",
			prep.Type, prep.Source, cfg.Type, cfg.Name)
	}

	switch prep.Type {
	case tool.SourceOpenAPI:
		return l.buildOpenAPI(prep, cfg.OpenAPI)
	case tool.SourceGraphQL:
		return l.buildGraphQL(prep, cfg.GraphQL)
	case tool.SourceMCP:
		return l.buildMCP(prep, cfg)
	}
	return nil, fmt.Errorf("unknown source type %q", prep.Type)
}

// LoadAll loads every source concurrently. A source that fails contributes a
// warning, not an error; the remaining sources still load. The signature
// matches registry.BuildFunc.
func (l *Loader) LoadAll(ctx context.Context, sources []tool.SourceConfig) ([]tool.Descriptor, []string, error) {
	type loaded struct {
		tools    []tool.Descriptor
		warnings []string
	}
	results := make([]loaded, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	for i := range sources {
		g.Go(func() error {
			cfg := sources[i]
			tools, prep, err := l.Load(ctx, cfg)
			if err != nil {
				slog.Warn("Tool source failed to load", "source", cfg.Name, "type", cfg.Type, "error", err)
				results[i].warnings = []string{err.Error()}
				return nil
			}
			results[i] = loaded{tools: tools, warnings: prep.Warnings}
			slog.Info("Tool source loaded", "source", cfg.Name, "type", cfg.Type, "tools", len(tools))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var all []tool.Descriptor
	var warnings []string
	for i := range results {
		all = append(all, results[i].tools...)
		warnings = append(warnings, results[i].warnings...)
	}
	return all, warnings, nil
}

// DTSURLs collects declaration-bundle URLs configured on OpenAPI sources,
// keyed by source name.
func (l *Loader) DTSURLs(sources []tool.SourceConfig) map[string]string {
	urls := make(map[string]string)
	for i := range sources {
		src := &sources[i]
		if src.Type == tool.SourceOpenAPI && src.OpenAPI != nil && src.OpenAPI.DTSURL != "" {
			urls[src.Name] = src.OpenAPI.DTSURL
		}
	}
	return urls
}

// Close tears down any live MCP connections.
func (l *Loader) Close() error {
	l.mu.Lock()
	conns := l.conns
	l.conns = make(map[string]*mcpConn)
	l.mu.Unlock()

	var firstErr error
	names := make([]string, 0, len(conns))
	for name := range conns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := conns[name].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fetch GETs a document with the source's static headers attached.
func (l *Loader) fetch(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, rawURL)
	}
	return data, nil
}

// descriptor converts a PreparedTool plus a closure into the flat record the
// registry serves. The schema map is attached by the per-type builders to the
// first tool of the source only.
func (p *PreparedTool) descriptor(run tool.RunFunc) tool.Descriptor {
	return tool.Descriptor{
		Path:        p.Path,
		Description: p.Description,
		Approval:    p.Approval,
		ArgsType:    p.ArgsType,
		ReturnsType: p.ReturnsType,
		OperationID: p.OperationID,
		Run:         run,
		Pseudo:      p.Pseudo,
	}
}

// approvalFor applies a per-operation override on top of the derived default.
func approvalFor(cfg *tool.SourceConfig, opID string, def tool.ApprovalMode) tool.ApprovalMode {
	if mode, ok := cfg.Approvals[opID]; ok {
		return mode
	}
	return def
}
