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

// Package sandbox runs user code against the typed tools namespace.
//
// A Runtime executes one job at a time; every outbound call the code makes
// goes through the task's dispatcher, never directly to a tool. Isolation
// primitives beyond the embedded interpreter are out of scope here.
package sandbox

import (
	"context"
	"errors"

	"github.com/kadirpekel/runlet/pkg/dispatch"
	"github.com/kadirpekel/runlet/pkg/registry"
	"github.com/kadirpekel/runlet/pkg/tool"
)

// DefaultRuntimeID selects the embedded JavaScript runtime.
const DefaultRuntimeID = "js"

// MaxOutputBytes caps each captured stream per job. Lines past the cap are
// still journaled but dropped from the stored output.
const MaxOutputBytes = 256 * 1024

// ErrExecutionTimeout marks a job torn down at its deadline.
var ErrExecutionTimeout = errors.New("execution timed out")

// Adapter is the dispatcher surface a runtime talks to. The sandbox never
// sees descriptors' run closures.
type Adapter interface {
	Invoke(ctx context.Context, call dispatch.Call) dispatch.Outcome
	EmitOutput(ctx context.Context, runID, stream, line string)
}

// Job is one execution request.
type Job struct {
	// RunID binds every tool call and output line to the owning task.
	RunID string

	Code      string
	TimeoutMs int

	// Tools lists the callable descriptors; the runtime builds the
	// tools.* object tree from their paths.
	Tools []tool.Descriptor

	Adapter Adapter

	// MaxOutputBytes overrides the per-stream capture cap. Zero means the
	// package default.
	MaxOutputBytes int
}

// Output is the captured result of a job.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode *int
}

// Runtime executes jobs. Implementations are safe for sequential reuse; a
// single runtime instance never runs two jobs concurrently for one task.
type Runtime interface {
	ID() string
	Execute(ctx context.Context, job Job) (Output, error)
}

// Registry holds runtimes keyed by runtimeId.
type Registry struct {
	*registry.BaseRegistry[Runtime]
}

// NewRegistry creates a registry with the default JavaScript runtime
// registered.
func NewRegistry() *Registry {
	r := &Registry{BaseRegistry: registry.NewBaseRegistry[Runtime]()}
	_ = r.Register(DefaultRuntimeID, NewJSRuntime())
	return r
}

// Resolve returns the runtime for id, falling back to the default when id
// is empty.
func (r *Registry) Resolve(id string) (Runtime, bool) {
	if id == "" {
		id = DefaultRuntimeID
	}
	return r.Get(id)
}
