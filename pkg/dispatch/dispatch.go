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

// Package dispatch routes sandbox tool calls through policy and approvals.
//
// A Dispatcher is bound to exactly one task for its lifetime. Calls carrying
// a different run id are fenced out before any tool is touched, which keeps
// replayed or cross-task calls from leaking a workspace's credentials.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/runlet/pkg/approval"
	"github.com/kadirpekel/runlet/pkg/policy"
	"github.com/kadirpekel/runlet/pkg/registry"
	"github.com/kadirpekel/runlet/pkg/task"
	"github.com/kadirpekel/runlet/pkg/tool"
)

// Call is one tool invocation request from the sandbox.
type Call struct {
	RunID    string         `json:"runId"`
	CallID   string         `json:"callId"`
	ToolPath string         `json:"toolPath"`
	Input    map[string]any `json:"input,omitempty"`
}

// Outcome is the dispatcher's answer. Denied is set only for approval
// denials; policy denies and tool failures are plain errors.
type Outcome struct {
	OK     bool   `json:"ok"`
	Value  any    `json:"value,omitempty"`
	Denied bool   `json:"denied,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CredentialResolver supplies the per-call auth headers for a tool path.
// The dispatcher never caches what it returns.
type CredentialResolver interface {
	CredentialsFor(toolPath string) map[string]string
}

// CredentialFunc adapts a function to CredentialResolver.
type CredentialFunc func(toolPath string) map[string]string

func (f CredentialFunc) CredentialsFor(toolPath string) map[string]string { return f(toolPath) }

// Config wires a dispatcher to its task.
type Config struct {
	TaskID      string
	WorkspaceID string
	ActorID     string
	ClientID    string

	Catalog  *registry.Catalog
	Policies *policy.Engine
	Gate     *approval.Gate
	Tasks    *task.Service

	// Credentials is optional; nil means tools run without auth material.
	Credentials CredentialResolver

	// Observe is an optional per-call hook, invoked after each tool run
	// with its duration and error.
	Observe func(toolPath string, duration time.Duration, err error)
}

// Dispatcher enforces policy and approvals for one task's tool calls.
type Dispatcher struct {
	cfg Config
}

// New creates a dispatcher bound to cfg.TaskID.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.TaskID == "" {
		return nil, fmt.Errorf("dispatcher requires a task id")
	}
	if cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("dispatcher requires a workspace id")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("dispatcher requires a catalog")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("dispatcher requires an approval gate")
	}
	return &Dispatcher{cfg: cfg}, nil
}

// TaskID returns the bound task.
func (d *Dispatcher) TaskID() string { return d.cfg.TaskID }

// Invoke runs one tool call end to end. It never returns a Go error to the
// sandbox; failures are carried in the outcome so user code sees them as
// thrown values rather than broker crashes.
func (d *Dispatcher) Invoke(ctx context.Context, call Call) Outcome {
	if call.RunID != d.cfg.TaskID {
		slog.Warn("Rejected tool call for foreign run",
			"task", d.cfg.TaskID, "runId", call.RunID, "tool", call.ToolPath)
		return Outcome{Error: "Run mismatch"}
	}

	desc, ok := d.cfg.Catalog.Lookup(call.ToolPath)
	if !ok {
		return Outcome{Error: fmt.Sprintf("unknown tool %q", call.ToolPath)}
	}
	if !desc.Callable() {
		return Outcome{Error: fmt.Sprintf("tool %q is not invocable", call.ToolPath)}
	}

	switch d.effectiveDecision(desc, call.ToolPath) {
	case policy.Deny:
		slog.Info("Tool call denied by policy",
			"task", d.cfg.TaskID, "tool", call.ToolPath)
		return Outcome{Error: fmt.Sprintf("access policy denies tool %q", call.ToolPath)}

	case policy.RequireApproval:
		ap := approval.New(d.cfg.WorkspaceID, d.cfg.TaskID, call.CallID, call.ToolPath, call.Input)
		if err := d.cfg.Gate.Await(ctx, ap); err != nil {
			if approval.IsDenied(err) {
				return Outcome{Denied: true, Error: err.Error()}
			}
			return Outcome{Error: fmt.Sprintf("approval wait failed: %v", err)}
		}
	}

	return d.run(ctx, desc, call)
}

// effectiveDecision combines the workspace's policy rules with the tool's
// own approval annotation. A required tool upgrades an implicit or
// wildcard-matched allow to require_approval; only an exact-path rule
// overrides the annotation.
func (d *Dispatcher) effectiveDecision(desc *tool.Descriptor, path string) policy.Decision {
	q := policy.Query{
		WorkspaceID: d.cfg.WorkspaceID,
		ActorID:     d.cfg.ActorID,
		ClientID:    d.cfg.ClientID,
		ToolPath:    path,
	}

	decision := policy.Allow
	rule, matched := policy.Rule{}, false
	if d.cfg.Policies != nil {
		rule, matched = d.cfg.Policies.MatchRule(q)
		if matched {
			decision = rule.Decision
		}
	}

	if decision == policy.Allow && desc.Approval == tool.ApprovalRequired {
		if !matched || !rule.Exact() {
			return policy.RequireApproval
		}
	}
	return decision
}

func (d *Dispatcher) run(ctx context.Context, desc *tool.Descriptor, call Call) Outcome {
	rc := &tool.RunContext{
		WorkspaceID: d.cfg.WorkspaceID,
		ActorID:     d.cfg.ActorID,
	}
	if d.cfg.Credentials != nil {
		rc.Credentials = d.cfg.Credentials.CredentialsFor(call.ToolPath)
	}

	started := time.Now()
	value, err := desc.Run(ctx, call.Input, rc)
	if d.cfg.Observe != nil {
		d.cfg.Observe(call.ToolPath, time.Since(started), err)
	}
	if err != nil {
		slog.Debug("Tool call failed",
			"task", d.cfg.TaskID, "tool", call.ToolPath, "error", err)
		return Outcome{Denied: approval.IsDenied(err), Error: err.Error()}
	}
	return Outcome{OK: true, Value: value}
}

// EmitOutput forwards an output line to the task journal when it belongs to
// the bound run; lines from other runs are dropped.
func (d *Dispatcher) EmitOutput(ctx context.Context, runID, stream, line string) {
	if runID != d.cfg.TaskID || d.cfg.Tasks == nil {
		return
	}
	d.cfg.Tasks.EmitOutput(ctx, d.cfg.TaskID, stream, line)
}
