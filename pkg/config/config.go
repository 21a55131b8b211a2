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

// Package config defines the broker configuration model and its loading
// pipeline. Configuration is YAML (JSON accepted), with ${VAR} environment
// expansion, defaults, and validation applied in that order.
package config

import (
	"fmt"

	"github.com/kadirpekel/runlet/pkg/policy"
	"github.com/kadirpekel/runlet/pkg/tool"
	"github.com/kadirpekel/runlet/pkg/workspace"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Auth          AuthConfig          `yaml:"auth" mapstructure:"auth"`
	Logging       LoggingConfig       `yaml:"logging" mapstructure:"logging"`
	Execution     ExecutionConfig     `yaml:"execution" mapstructure:"execution"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`

	// Database, when set, persists the task journal; omit it for purely
	// in-memory operation.
	Database *DatabaseConfig `yaml:"database,omitempty" mapstructure:"database"`

	// Sources lists the external systems whose operations become tools.
	Sources []tool.SourceConfig `yaml:"sources" mapstructure:"sources"`

	// Approvals are global approval policy rules matched against tool
	// paths. Source-local overrides take precedence.
	Approvals []ApprovalRule `yaml:"approvals,omitempty" mapstructure:"approvals"`

	// Policies are workspace-scoped access rules evaluated per tool call.
	Policies []policy.Rule `yaml:"policies,omitempty" mapstructure:"policies"`

	// Workspaces declares known workspaces and their source credentials.
	// Empty means the directory is open.
	Workspaces []workspace.Definition `yaml:"workspaces,omitempty" mapstructure:"workspaces"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" mapstructure:"host"`
	Port int    `yaml:"port,omitempty" mapstructure:"port"`

	// BaseURL is the externally visible URL, used in OAuth discovery
	// metadata. Defaults to http://<host>:<port>.
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base_url"`

	// Stateless disables server-side session tracking; every request is
	// handled without an Mcp-Session-Id.
	Stateless bool `yaml:"stateless,omitempty" mapstructure:"stateless"`
}

// Address returns the listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig configures inbound bearer-token validation.
type AuthConfig struct {
	Enabled bool `yaml:"enabled,omitempty" mapstructure:"enabled"`

	// JWKSURL is the key set endpoint used to verify tokens.
	JWKSURL string `yaml:"jwks_url,omitempty" mapstructure:"jwks_url"`

	// Issuer and Audience are matched against token claims when set.
	Issuer   string `yaml:"issuer,omitempty" mapstructure:"issuer"`
	Audience string `yaml:"audience,omitempty" mapstructure:"audience"`

	// WorkspaceClaim names the token claim carrying the workspace
	// identifier. Defaults to "workspace_id".
	WorkspaceClaim string `yaml:"workspace_claim,omitempty" mapstructure:"workspace_claim"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" mapstructure:"level"`
	Format string `yaml:"format,omitempty" mapstructure:"format"`
	File   string `yaml:"file,omitempty" mapstructure:"file"`
}

// ExecutionConfig bounds sandboxed task execution.
type ExecutionConfig struct {
	// Runtime selects the sandbox implementation.
	Runtime string `yaml:"runtime,omitempty" mapstructure:"runtime"`

	// DefaultTimeoutMs applies when a run_code call carries no timeout.
	DefaultTimeoutMs int `yaml:"default_timeout_ms,omitempty" mapstructure:"default_timeout_ms"`

	// MaxTimeoutMs caps caller-supplied timeouts.
	MaxTimeoutMs int `yaml:"max_timeout_ms,omitempty" mapstructure:"max_timeout_ms"`

	// MaxOutputBytes caps captured console output per task.
	MaxOutputBytes int `yaml:"max_output_bytes,omitempty" mapstructure:"max_output_bytes"`

	// Typecheck selects the pre-execution checker: "syntax" or "off".
	Typecheck string `yaml:"typecheck,omitempty" mapstructure:"typecheck"`

	// ParseOnly loads OpenAPI documents without resolving external
	// references. External-ref heavy specs still load; unresolvable
	// pieces degrade to permissive types.
	ParseOnly *bool `yaml:"parse_only,omitempty" mapstructure:"parse_only"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled,omitempty" mapstructure:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path,omitempty" mapstructure:"metrics_path"`
	TracingEnabled bool   `yaml:"tracing_enabled,omitempty" mapstructure:"tracing_enabled"`
	ServiceName    string `yaml:"service_name,omitempty" mapstructure:"service_name"`
}

// ApprovalRule maps a tool path pattern to an approval mode. Patterns use
// dot-separated segments where "*" matches one segment and "**" matches any
// suffix. More specific rules win.
type ApprovalRule struct {
	Pattern string            `yaml:"pattern" mapstructure:"pattern"`
	Mode    tool.ApprovalMode `yaml:"mode" mapstructure:"mode"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Auth.WorkspaceClaim == "" {
		c.Auth.WorkspaceClaim = "workspace_id"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Execution.Runtime == "" {
		c.Execution.Runtime = "js"
	}
	if c.Execution.DefaultTimeoutMs == 0 {
		c.Execution.DefaultTimeoutMs = 60000
	}
	if c.Execution.MaxTimeoutMs == 0 {
		c.Execution.MaxTimeoutMs = 300000
	}
	if c.Execution.MaxOutputBytes == 0 {
		c.Execution.MaxOutputBytes = 1 << 20
	}
	if c.Execution.Typecheck == "" {
		c.Execution.Typecheck = "syntax"
	}
	if c.Execution.ParseOnly == nil {
		t := true
		c.Execution.ParseOnly = &t
	}
	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = "/metrics"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "runlet"
	}
	if c.Database != nil {
		c.Database.SetDefaults()
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Auth.Enabled && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth is enabled but jwks_url is not set")
	}
	switch c.Execution.Typecheck {
	case "syntax", "off":
	default:
		return fmt.Errorf("invalid typecheck mode %q (valid: syntax, off)", c.Execution.Typecheck)
	}
	if c.Execution.DefaultTimeoutMs > c.Execution.MaxTimeoutMs {
		return fmt.Errorf("default_timeout_ms exceeds max_timeout_ms")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
	}
	for i, rule := range c.Approvals {
		if rule.Pattern == "" {
			return fmt.Errorf("approvals[%d]: pattern is required", i)
		}
		switch rule.Mode {
		case tool.ApprovalAuto, tool.ApprovalRequired:
		default:
			return fmt.Errorf("approvals[%d]: invalid mode %q", i, rule.Mode)
		}
	}
	if _, err := policy.New(c.Policies); err != nil {
		return fmt.Errorf("policies: %w", err)
	}
	wsSeen := make(map[string]bool, len(c.Workspaces))
	for i, ws := range c.Workspaces {
		if ws.ID == "" {
			return fmt.Errorf("workspaces[%d]: id is required", i)
		}
		if wsSeen[ws.ID] {
			return fmt.Errorf("duplicate workspace id %q", ws.ID)
		}
		wsSeen[ws.ID] = true
	}
	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

// ParseOnlyEnabled reports whether OpenAPI loading skips external ref
// resolution. Defaults to true.
func (c *ExecutionConfig) ParseOnlyEnabled() bool {
	return c.ParseOnly == nil || *c.ParseOnly
}
