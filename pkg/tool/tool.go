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

// Package tool defines the flat tool descriptor model the broker operates on.
//
// A Descriptor names one callable tool inside a workspace. Descriptors are
// produced by the source loader (see pkg/source) from OpenAPI documents,
// GraphQL schemas, or peer MCP servers, and are looked up from the registry
// on every invocation. Tools are never owned by tasks.
package tool

import (
	"context"
	"fmt"
)

// ApprovalMode controls whether a tool call needs a human decision.
type ApprovalMode string

const (
	// ApprovalAuto lets the dispatcher invoke the tool without asking.
	ApprovalAuto ApprovalMode = "auto"

	// ApprovalRequired gates every invocation on an approval.
	ApprovalRequired ApprovalMode = "required"
)

// RunContext carries per-call state into a tool invocation.
type RunContext struct {
	// Credentials are per-call header values bound to the source,
	// scoped to the workspace or the acting user.
	Credentials map[string]string

	// WorkspaceID is the owning workspace.
	WorkspaceID string

	// ActorID identifies the subject on whose behalf the call runs.
	ActorID string
}

// RunFunc executes a tool call. Input keys follow the tool's ArgsType.
type RunFunc func(ctx context.Context, input map[string]any, rc *RunContext) (any, error)

// Descriptor is the flat, workspace-scoped record for one callable tool.
type Descriptor struct {
	// Path is the segment-dotted tool path, e.g. "stripe.customers.create".
	Path string

	// Description is shown to the agent alongside the type signature.
	Description string

	// Approval is the default approval mode for this tool. An explicit
	// access policy can still override it either way.
	Approval ApprovalMode

	// ArgsType and ReturnsType are type strings in the checker's notation.
	// Either may be empty; the typechecker substitutes free-form defaults.
	ArgsType    string
	ReturnsType string

	// OperationID is set for OpenAPI-derived tools.
	OperationID string

	// SchemaTypes maps alias names to type strings. Attached to the first
	// descriptor of a source only; the typechecker merges schema maps
	// across all tools, so one copy per source suffices.
	SchemaTypes map[string]string

	// Run invokes the tool. Pseudo-tools delegate to another descriptor.
	Run RunFunc

	// Pseudo marks discovery/policy-only descriptors (GraphQL root fields).
	Pseudo bool
}

// Callable reports whether the descriptor can actually be invoked.
func (d *Descriptor) Callable() bool {
	return d.Run != nil
}

// HTTPError is the error kind surfaced when a tool's upstream HTTP call
// returns a non-2xx status. Body is truncated by the adapter before the
// error is built.
type HTTPError struct {
	Status     int
	StatusText string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.StatusText, e.Body)
}

// Credentials bind auth material to a source. Scope is the workspace when
// ActorID is empty, otherwise the individual actor.
type Credentials struct {
	SourceName  string
	WorkspaceID string
	ActorID     string
	Headers     map[string]string
}
