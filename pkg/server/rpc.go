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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/runlet/pkg/approval"
	"github.com/kadirpekel/runlet/pkg/dispatch"
	"github.com/kadirpekel/runlet/pkg/registry"
	"github.com/kadirpekel/runlet/pkg/task"
	"github.com/kadirpekel/runlet/pkg/typecheck"
	"github.com/kadirpekel/runlet/pkg/workspace"
)

const (
	// minResultTimeoutMs and maxResultTimeoutMs bound the caller's wait for
	// a terminal status. Independent from the task's own execution budget.
	minResultTimeoutMs = 100
	maxResultTimeoutMs = 900_000
)

// binding is the resolved identity and session context of one RPC dispatch.
type binding struct {
	access   workspace.Access
	clientID string
	sess     *session
}

type bindingKey struct{}

func withBinding(ctx context.Context, b *binding) context.Context {
	return context.WithValue(ctx, bindingKey{}, b)
}

func bindingFrom(ctx context.Context) (*binding, bool) {
	b, ok := ctx.Value(bindingKey{}).(*binding)
	return b, ok
}

// runCodeInput is the run_code argument shape for anonymous deployments.
type runCodeInput struct {
	Code            string         `json:"code" jsonschema:"minLength=1,description=JavaScript code to execute. Call tools via the typed 'tools' namespace and await every call."`
	TimeoutMs       int            `json:"timeoutMs,omitempty" jsonschema:"minimum=1,maximum=600000,description=Hard execution deadline in milliseconds."`
	RuntimeID       string         `json:"runtimeId,omitempty" jsonschema:"description=Sandbox runtime to use. Defaults to the server's runtime."`
	Metadata        map[string]any `json:"metadata,omitempty" jsonschema:"description=Opaque caller metadata stored on the task."`
	ClientID        string         `json:"clientId,omitempty" jsonschema:"description=Optional client hint used in access policies."`
	SessionID       string         `json:"sessionId,omitempty" jsonschema:"description=Anonymous session binding. Reusing a value reuses the same workspace."`
	WaitForResult   *bool          `json:"waitForResult,omitempty" jsonschema:"description=When false the queued task is returned immediately."`
	ResultTimeoutMs int            `json:"resultTimeoutMs,omitempty" jsonschema:"minimum=100,maximum=900000,description=How long to wait for a terminal status before returning the task as-is."`
}

// runCodeBoundInput is the workspace-bound variant: the session and waiting
// knobs are fixed by the transport.
type runCodeBoundInput struct {
	Code      string         `json:"code" jsonschema:"minLength=1,description=JavaScript code to execute. Call tools via the typed 'tools' namespace and await every call."`
	TimeoutMs int            `json:"timeoutMs,omitempty" jsonschema:"minimum=1,maximum=600000,description=Hard execution deadline in milliseconds."`
	RuntimeID string         `json:"runtimeId,omitempty" jsonschema:"description=Sandbox runtime to use. Defaults to the server's runtime."`
	Metadata  map[string]any `json:"metadata,omitempty" jsonschema:"description=Opaque caller metadata stored on the task."`
}

type listTasksInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"minimum=1,maximum=500,description=Maximum number of tasks to return. Defaults to 50."`
}

type getTaskInput struct {
	TaskID string `json:"taskId" jsonschema:"minLength=1,description=Identifier returned by run_code."`
}

type listApprovalsInput struct {
	PendingOnly *bool `json:"pendingOnly,omitempty" jsonschema:"description=When false resolved approvals are included. Defaults to true."`
}

type resolveApprovalInput struct {
	ApprovalID string `json:"approvalId" jsonschema:"minLength=1"`
	Decision   string `json:"decision" jsonschema:"enum=approved,enum=denied"`
	Reason     string `json:"reason,omitempty"`
}

// rawSchema reflects a Go input struct to the JSON schema attached to a tool.
func rawSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// registerTools wires the RPC surface onto the MCP server. The run_code
// schema depends on whether sessions are workspace-bound by OAuth.
func (s *Server) registerTools() {
	runCodeSchema := rawSchema(&runCodeInput{})
	if s.cfg.Auth.Enabled {
		runCodeSchema = rawSchema(&runCodeBoundInput{})
	}

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"run_code",
		"Execute JavaScript against this workspace's tools. The code is typechecked "+
			"against the synthesized tool signatures before anything runs.",
		runCodeSchema,
	), s.handleRunCode)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"list_tasks",
		"List this workspace's tasks, newest first.",
		rawSchema(&listTasksInput{}),
	), s.handleListTasks)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"get_task",
		"Fetch one task by id, including its captured output.",
		rawSchema(&getTaskInput{}),
	), s.handleGetTask)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"list_approvals",
		"List approval requests for this workspace.",
		rawSchema(&listApprovalsInput{}),
	), s.handleListApprovals)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"resolve_approval",
		"Approve or deny a pending tool-call approval.",
		rawSchema(&resolveApprovalInput{}),
	), s.handleResolveApproval)
}

// structuredResult renders a value as both text content and structured
// content so typed and untyped clients read the same answer.
func structuredResult(v any) *mcp.CallToolResult {
	text, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	res := mcp.NewToolResultText(string(text))
	res.StructuredContent = v
	return res
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...))
}

func (s *Server) handleRunCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, ok := bindingFrom(ctx)
	if !ok {
		return errorResult("no workspace binding on request"), nil
	}

	var in runCodeInput
	if err := bindArguments(req, &in); err != nil {
		return errorResult("invalid arguments: %v", err), nil
	}
	if strings.TrimSpace(in.Code) == "" {
		return errorResult("code is required"), nil
	}

	access := b.access
	if !s.cfg.Auth.Enabled && in.SessionID != "" {
		// An explicit sessionId argument pins the anonymous workspace,
		// taking precedence over the transport-level binding.
		rebound, err := s.directory.Bootstrap(ctx, in.SessionID)
		if err != nil {
			return errorResult("failed to bind session: %v", err), nil
		}
		access = rebound
	}

	catalog, err := s.registry.Resolve(ctx, s.cfg.Sources)
	if err != nil {
		return errorResult("failed to load tools: %v", err), nil
	}

	if check := s.typecheckCode(ctx, in.Code, catalog); !check.OK {
		payload := map[string]any{"errors": check.Errors}
		res := mcp.NewToolResultError("Typecheck failed:\n" + strings.Join(check.Errors, "\n"))
		res.StructuredContent = payload
		return res, nil
	}

	tk := task.New(access.WorkspaceID, in.Code)
	tk.ActorID = access.ActorID
	tk.ClientID = b.clientID
	if in.ClientID != "" {
		tk.ClientID = in.ClientID
	}
	tk.RuntimeID = in.RuntimeID
	if tk.RuntimeID == "" {
		tk.RuntimeID = s.cfg.Execution.Runtime
	}
	tk.TimeoutMs = s.clampTimeout(in.TimeoutMs)
	tk.Metadata = in.Metadata

	if err := s.tasks.Create(ctx, tk); err != nil {
		return errorResult("failed to create task: %v", err), nil
	}
	slog.Info("Task queued", "task", tk.ID, "workspace", tk.WorkspaceID, "timeoutMs", tk.TimeoutMs)

	go s.execute(context.WithoutCancel(ctx), tk, catalog, b.sess)

	wait := in.WaitForResult == nil || *in.WaitForResult
	if !wait {
		return structuredResult(tk), nil
	}

	budget := task.ResultTimeout(tk.TimeoutMs)
	if in.ResultTimeoutMs != 0 {
		budget = time.Duration(clampInt(in.ResultTimeoutMs, minResultTimeoutMs, maxResultTimeoutMs)) * time.Millisecond
	}
	final, err := s.tasks.WaitForTerminal(ctx, tk.WorkspaceID, tk.ID, budget)
	if err != nil {
		return errorResult("failed waiting for task %s: %v", tk.ID, err), nil
	}
	return structuredResult(final), nil
}

// execute drives one queued task to a terminal state. It owns the gate, the
// dispatcher, and the terminal metric for this task.
func (s *Server) execute(ctx context.Context, tk *task.Task, catalog *registry.Catalog, sess *session) {
	var elicitor approval.Elicitor
	if sess != nil {
		elicitor = newSessionElicitor(sess)
	}
	gate := approval.NewGate(s.approvals, elicitor)

	dispatcher, err := dispatch.New(dispatch.Config{
		TaskID:      tk.ID,
		WorkspaceID: tk.WorkspaceID,
		ActorID:     tk.ActorID,
		ClientID:    tk.ClientID,
		Catalog:     catalog,
		Policies:    s.policies,
		Gate:        gate,
		Tasks:       s.tasks,
		Credentials: s.credentialResolver(tk.WorkspaceID, tk.ActorID),
		Observe: func(toolPath string, duration time.Duration, err error) {
			s.obs.Metrics().RecordToolCall(ctx, toolPath, duration, err)
		},
	})
	if err != nil {
		slog.Error("Failed to build dispatcher", "task", tk.ID, "error", err)
		_ = s.tasks.Finish(ctx, tk.ID, task.StatusFailed, task.Result{Error: err.Error()})
		return
	}

	started := time.Now()
	final, err := s.executor.Run(ctx, tk, catalog.Tools, dispatcher)
	if err != nil {
		slog.Error("Task execution failed", "task", tk.ID, "error", err)
		return
	}
	s.obs.Metrics().RecordTaskRun(ctx, string(final.Status), time.Since(started))
}

// credentialResolver scopes source credentials per tool path. The source name
// is the first path segment.
func (s *Server) credentialResolver(workspaceID, actorID string) dispatch.CredentialResolver {
	return dispatch.CredentialFunc(func(toolPath string) map[string]string {
		source, _, _ := strings.Cut(toolPath, ".")
		return s.directory.CredentialsFor(workspaceID, actorID, source)
	})
}

// typecheckCode validates the fragment against the catalog's signatures.
// Sources with a configured declaration bundle contribute it ahead of the
// synthesized declarations; a failed fetch degrades to synthesized only.
func (s *Server) typecheckCode(ctx context.Context, code string, catalog *registry.Catalog) typecheck.Result {
	decls := make([]typecheck.ToolDecl, 0, catalog.Len())
	for i := range catalog.Tools {
		d := &catalog.Tools[i]
		decls = append(decls, typecheck.ToolDecl{
			Path:        d.Path,
			ArgsType:    d.ArgsType,
			ReturnsType: d.ReturnsType,
		})
	}

	var extras []string
	urls := s.loader.DTSURLs(s.cfg.Sources)
	names := make([]string, 0, len(urls))
	for name := range urls {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := s.dts.Fetch(ctx, urls[name])
		if err != nil {
			slog.Warn("Declaration bundle unavailable", "source", name, "error", err)
			continue
		}
		extras = append(extras, body)
	}

	return s.checker.Typecheck(code, decls, catalog.Schemas, extras...)
}

// clampTimeout applies the configured default and cap to a caller budget.
func (s *Server) clampTimeout(ms int) int {
	if ms == 0 {
		ms = s.cfg.Execution.DefaultTimeoutMs
	}
	ceiling := s.cfg.Execution.MaxTimeoutMs
	if ceiling == 0 || ceiling > task.MaxTimeoutMs {
		ceiling = task.MaxTimeoutMs
	}
	return clampInt(ms, task.MinTimeoutMs, ceiling)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Server) handleListTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, ok := bindingFrom(ctx)
	if !ok {
		return errorResult("no workspace binding on request"), nil
	}

	var in listTasksInput
	if err := bindArguments(req, &in); err != nil {
		return errorResult("invalid arguments: %v", err), nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}

	tasks, err := s.tasks.List(ctx, b.access.WorkspaceID, limit)
	if err != nil {
		return errorResult("failed to list tasks: %v", err), nil
	}
	return structuredResult(map[string]any{"tasks": tasks}), nil
}

func (s *Server) handleGetTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, ok := bindingFrom(ctx)
	if !ok {
		return errorResult("no workspace binding on request"), nil
	}

	var in getTaskInput
	if err := bindArguments(req, &in); err != nil {
		return errorResult("invalid arguments: %v", err), nil
	}
	if in.TaskID == "" {
		return errorResult("taskId is required"), nil
	}

	tk, err := s.tasks.Get(ctx, b.access.WorkspaceID, in.TaskID)
	if err != nil {
		return errorResult("task %s not found", in.TaskID), nil
	}
	return structuredResult(tk), nil
}

func (s *Server) handleListApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, ok := bindingFrom(ctx)
	if !ok {
		return errorResult("no workspace binding on request"), nil
	}

	var in listApprovalsInput
	if err := bindArguments(req, &in); err != nil {
		return errorResult("invalid arguments: %v", err), nil
	}
	pendingOnly := in.PendingOnly == nil || *in.PendingOnly

	approvals, err := s.approvals.ListByWorkspace(ctx, b.access.WorkspaceID, pendingOnly)
	if err != nil {
		return errorResult("failed to list approvals: %v", err), nil
	}
	return structuredResult(map[string]any{"approvals": approvals}), nil
}

func (s *Server) handleResolveApproval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, ok := bindingFrom(ctx)
	if !ok {
		return errorResult("no workspace binding on request"), nil
	}

	var in resolveApprovalInput
	if err := bindArguments(req, &in); err != nil {
		return errorResult("invalid arguments: %v", err), nil
	}
	if in.ApprovalID == "" {
		return errorResult("approvalId is required"), nil
	}

	var status approval.Status
	switch in.Decision {
	case "approved":
		status = approval.StatusApproved
	case "denied":
		status = approval.StatusDenied
	default:
		return errorResult("invalid decision %q (valid: approved, denied)", in.Decision), nil
	}

	// Scope check before the unscoped resolve.
	if _, err := s.approvals.Get(ctx, b.access.WorkspaceID, in.ApprovalID); err != nil {
		return errorResult("approval %s not found", in.ApprovalID), nil
	}

	resolved, err := s.approvals.Resolve(ctx, in.ApprovalID, status, b.access.ActorID, in.Reason)
	if err != nil {
		return errorResult("failed to resolve approval: %v", err), nil
	}
	s.obs.Metrics().RecordApproval(ctx, string(status))
	return structuredResult(resolved), nil
}

// bindArguments decodes the tool arguments into a typed struct.
func bindArguments(req mcp.CallToolRequest, out any) error {
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
