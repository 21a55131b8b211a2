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

// Package server is the broker's HTTP surface: the streamable MCP transport
// with its session map, the RPC tools, OAuth discovery, and the operational
// endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kadirpekel/runlet/pkg/approval"
	"github.com/kadirpekel/runlet/pkg/auth"
	"github.com/kadirpekel/runlet/pkg/config"
	"github.com/kadirpekel/runlet/pkg/observability"
	"github.com/kadirpekel/runlet/pkg/policy"
	"github.com/kadirpekel/runlet/pkg/registry"
	"github.com/kadirpekel/runlet/pkg/sandbox"
	"github.com/kadirpekel/runlet/pkg/source"
	"github.com/kadirpekel/runlet/pkg/task"
	"github.com/kadirpekel/runlet/pkg/tool"
	"github.com/kadirpekel/runlet/pkg/typecheck"
	"github.com/kadirpekel/runlet/pkg/workspace"
)

// Version is reported in the MCP handshake and the version command.
const Version = "0.1.0"

// Server owns every long-lived component of the broker process.
type Server struct {
	cfg *config.Config

	loader    *source.Loader
	registry  *registry.ToolRegistry
	dts       *registry.DTSCache
	directory *workspace.Directory
	policies  *policy.Engine
	tasks     *task.Service
	approvals approval.Store
	checker   *typecheck.Typechecker
	runtimes  *sandbox.Registry
	executor  *sandbox.Executor
	obs       *observability.Manager
	validator *auth.Validator

	mcp      *mcpserver.MCPServer
	sessions *sessionMap
	dbpool   *config.DBPool
	http     *http.Server
}

// Option configures a Server before initialization.
type Option func(*Server)

// WithObservability replaces the observability manager, for tests.
func WithObservability(m *observability.Manager) Option {
	return func(s *Server) { s.obs = m }
}

// WithApprovalStore replaces the approval store.
func WithApprovalStore(store approval.Store) Option {
	return func(s *Server) { s.approvals = store }
}

// WithTaskService replaces the task service, for tests that need a seeded
// store.
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) { s.tasks = svc }
}

// New assembles a server from configuration. Network-facing pieces (the JWKS
// cache, the listener) are not touched until Start.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	policies, err := policy.New(cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		policies:  policies,
		directory: workspace.NewDirectory(cfg.Workspaces),
		obs:       observability.NoopManager(),
		sessions:  newSessionMap(),
		dbpool:    config.NewDBPool(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.loader = source.NewLoader(source.WithParseOnlyFallback(cfg.Execution.ParseOnlyEnabled()))
	s.registry = registry.NewToolRegistry(s.buildCatalog)
	s.dts = registry.NewDTSCache(nil)

	if s.approvals == nil {
		s.approvals = approval.NewMemoryStore()
	}
	if s.tasks == nil {
		svc, err := s.buildTaskService()
		if err != nil {
			return nil, err
		}
		s.tasks = svc
	}

	switch cfg.Execution.Typecheck {
	case "off":
		s.checker = typecheck.New(nil)
	default:
		s.checker = typecheck.New(typecheck.NewSyntaxChecker())
	}

	s.runtimes = sandbox.NewRegistry()
	s.executor = sandbox.NewExecutor(s.runtimes, s.tasks,
		sandbox.WithMaxOutputBytes(cfg.Execution.MaxOutputBytes))

	s.mcp = mcpserver.NewMCPServer("runlet", Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions("Execute code against this workspace's tools with run_code. "+
			"Write JavaScript that calls the typed tools.* namespace and await every call."),
	)
	s.registerTools()

	return s, nil
}

// buildCatalog loads sources and applies the config-level approval overrides
// to the resulting descriptors. Later rules win.
func (s *Server) buildCatalog(ctx context.Context, sources []tool.SourceConfig) ([]tool.Descriptor, []string, error) {
	tools, warnings, err := s.loader.LoadAll(ctx, sources)
	if err != nil {
		return nil, nil, err
	}
	for i := range tools {
		for _, rule := range s.cfg.Approvals {
			if policy.MatchPattern(rule.Pattern, tools[i].Path) {
				tools[i].Approval = rule.Mode
			}
		}
	}
	return tools, warnings, nil
}

// buildTaskService picks the durable store when a database is configured and
// falls back to memory otherwise.
func (s *Server) buildTaskService() (*task.Service, error) {
	if s.cfg.Database == nil {
		return task.NewService(task.NewMemoryStore()), nil
	}

	db, err := s.dbpool.Get(s.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}
	store := task.NewSQLStore(db, s.cfg.Database.Dialect())
	if err := store.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate task store: %w", err)
	}
	return task.NewService(store), nil
}

// Start initializes observability and auth, then begins serving. It returns
// once the listener is up; Stop tears it down.
func (s *Server) Start(ctx context.Context) error {
	obsCfg := observability.Config{
		Tracing: observability.TracerConfig{
			Enabled:     s.cfg.Observability.TracingEnabled,
			ServiceName: s.cfg.Observability.ServiceName,
		},
		Metrics: observability.MetricsConfig{
			Enabled: s.cfg.Observability.MetricsEnabled,
		},
	}
	if err := s.applyObservability(ctx, obsCfg); err != nil {
		slog.Warn("Observability disabled", "error", err)
	}

	if s.cfg.Auth.Enabled {
		v, err := auth.NewValidator(ctx, s.cfg.Auth.JWKSURL,
			auth.WithIssuer(s.cfg.Auth.Issuer),
			auth.WithAudience(s.cfg.Auth.Audience),
			auth.WithWorkspaceClaim(s.cfg.Auth.WorkspaceClaim),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize auth: %w", err)
		}
		s.validator = v
	}

	// Warm the catalog so the first run_code doesn't pay the fetch.
	if len(s.cfg.Sources) > 0 {
		if cat, err := s.registry.Resolve(ctx, s.cfg.Sources); err != nil {
			slog.Warn("Initial catalog build failed", "error", err)
		} else {
			slog.Info("Tool catalog ready", "tools", cat.Len(), "warnings", len(cat.Warnings))
		}
	}

	s.http = &http.Server{
		Addr:              s.cfg.Server.Address(),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "address", s.http.Addr, "auth", s.cfg.Auth.Enabled)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

func (s *Server) applyObservability(ctx context.Context, cfg observability.Config) error {
	if !cfg.Tracing.Enabled && !cfg.Metrics.Enabled {
		return nil
	}
	mgr := observability.NewManager(cfg)
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	s.obs = mgr
	return nil
}

// Stop shuts the listener down and flushes telemetry.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := s.obs.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.loader.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.dbpool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Reload drops cached tool catalogs so the next request rebuilds them from
// the current configuration. Called on config hot-reload.
func (s *Server) Reload(cfg *config.Config) error {
	policies, err := policy.New(cfg.Policies)
	if err != nil {
		return fmt.Errorf("rejecting reload: %w", err)
	}
	s.cfg = cfg
	s.policies = policies
	s.registry.InvalidateAll()
	slog.Info("Configuration reloaded, tool catalogs invalidated")
	return nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metricsMiddleware)

	r.Route("/mcp", func(r chi.Router) {
		if s.validator != nil {
			r.Use(s.validator.Middleware(s.resourceMetadataURL()))
		}
		r.Post("/", s.handleMCPPost)
		r.Get("/", s.handleMCPGet)
		r.Delete("/", s.handleMCPDelete)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get(s.cfg.Observability.MetricsPath, func(w http.ResponseWriter, r *http.Request) {
		s.obs.Metrics().Handler().ServeHTTP(w, r)
	})

	if s.cfg.Auth.Enabled {
		r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResource)
		r.Get("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	}

	return r
}

// statusRecorder captures the response code for the HTTP metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the SSE stream working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		s.obs.Metrics().RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status, time.Since(started))
	})
}
