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

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/runlet/pkg/approval"
	"github.com/kadirpekel/runlet/pkg/task"
	"github.com/kadirpekel/runlet/pkg/tool"
)

// Executor owns the running half of the task state machine: it marks the
// task running, hands the code to a runtime, and writes the terminal state.
type Executor struct {
	runtimes  *Registry
	tasks     *task.Service
	maxOutput int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxOutputBytes overrides the per-stream capture cap for every job.
func WithMaxOutputBytes(n int) ExecutorOption {
	return func(e *Executor) { e.maxOutput = n }
}

// NewExecutor creates an executor over the runtime registry.
func NewExecutor(runtimes *Registry, tasks *task.Service, opts ...ExecutorOption) *Executor {
	e := &Executor{runtimes: runtimes, tasks: tasks}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes a queued task to a terminal state and returns the final
// record. The adapter must already be bound to tk.ID.
func (e *Executor) Run(ctx context.Context, tk *task.Task, tools []tool.Descriptor, adapter Adapter) (*task.Task, error) {
	if err := e.tasks.Start(ctx, tk.ID); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", task.Describe(tk), err)
	}

	rt, ok := e.runtimes.Resolve(tk.RuntimeID)
	if !ok {
		err := fmt.Sprintf("unknown runtime %q", tk.RuntimeID)
		if ferr := e.tasks.Finish(ctx, tk.ID, task.StatusFailed, task.Result{Error: err}); ferr != nil {
			return nil, ferr
		}
		return e.tasks.Get(ctx, tk.WorkspaceID, tk.ID)
	}

	out, runErr := rt.Execute(ctx, Job{
		RunID:          tk.ID,
		Code:           tk.Code,
		TimeoutMs:      tk.TimeoutMs,
		Tools:          tools,
		Adapter:        adapter,
		MaxOutputBytes: e.maxOutput,
	})

	status, res := classify(out, runErr)
	slog.Info("Task finished", "task", tk.ID, "status", status, "runtime", rt.ID())
	if err := e.tasks.Finish(ctx, tk.ID, status, res); err != nil {
		return nil, fmt.Errorf("failed to finish %s: %w", task.Describe(tk), err)
	}
	return e.tasks.Get(ctx, tk.WorkspaceID, tk.ID)
}

// classify maps a runtime result to the task's terminal status. An uncaught
// denial becomes denied; a deadline teardown becomes timed_out; everything
// else failed.
func classify(out Output, err error) (task.Status, task.Result) {
	res := task.Result{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}
	switch {
	case err == nil:
		return task.StatusCompleted, res
	case errors.Is(err, ErrExecutionTimeout):
		res.Error = "execution exceeded its deadline"
		return task.StatusTimedOut, res
	case approval.IsDenied(err):
		// The sentinel prefix is transport plumbing; the task record
		// carries only the reviewer's reason.
		res.Error = approval.DeniedReason(err)
		return task.StatusDenied, res
	default:
		res.Error = err.Error()
		if res.ExitCode == nil {
			code := 1
			res.ExitCode = &code
		}
		return task.StatusFailed, res
	}
}
