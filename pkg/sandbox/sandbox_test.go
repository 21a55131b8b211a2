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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/runlet/pkg/approval"
	"github.com/kadirpekel/runlet/pkg/dispatch"
	"github.com/kadirpekel/runlet/pkg/task"
	"github.com/kadirpekel/runlet/pkg/tool"
)

type stubAdapter struct {
	outcomes map[string]dispatch.Outcome
	invoked  []dispatch.Call
	lines    []string
}

func (a *stubAdapter) Invoke(ctx context.Context, call dispatch.Call) dispatch.Outcome {
	a.invoked = append(a.invoked, call)
	if out, ok := a.outcomes[call.ToolPath]; ok {
		return out
	}
	return dispatch.Outcome{Error: "unknown tool " + call.ToolPath}
}

func (a *stubAdapter) EmitOutput(ctx context.Context, runID, stream, line string) {
	a.lines = append(a.lines, stream+": "+line)
}

func mathTools() []tool.Descriptor {
	run := func(ctx context.Context, input map[string]any, rc *tool.RunContext) (any, error) {
		return nil, nil
	}
	return []tool.Descriptor{{Path: "math.add", Approval: tool.ApprovalAuto, Run: run}}
}

func TestJSRuntimeHappyPath(t *testing.T) {
	adapter := &stubAdapter{outcomes: map[string]dispatch.Outcome{
		"math.add": {OK: true, Value: map[string]any{"result": float64(3)}},
	}}
	rt := NewJSRuntime()

	out, err := rt.Execute(context.Background(), Job{
		RunID:     "task_1",
		Code:      `const r = await tools.math.add({a: 1, b: 2}); console.log("sum", r.result); return r.result;`,
		TimeoutMs: 5000,
		Tools:     mathTools(),
		Adapter:   adapter,
	})
	require.NoError(t, err)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 0, *out.ExitCode)
	assert.Contains(t, out.Stdout, `result: {"result":3}`)
	assert.Contains(t, out.Stdout, "sum 3")
	assert.Empty(t, out.Stderr)

	require.Len(t, adapter.invoked, 1)
	call := adapter.invoked[0]
	assert.Equal(t, "task_1", call.RunID)
	assert.Equal(t, "math.add", call.ToolPath)
	assert.NotEmpty(t, call.CallID)
	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2)}, call.Input)
}

func TestJSRuntimeConsoleStreams(t *testing.T) {
	adapter := &stubAdapter{}
	rt := NewJSRuntime()

	out, err := rt.Execute(context.Background(), Job{
		RunID:     "task_1",
		Code:      `console.log("plain", {a: 1}); console.error("bad thing");`,
		TimeoutMs: 5000,
		Adapter:   adapter,
	})
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, `plain {"a":1}`)
	assert.Contains(t, out.Stderr, "bad thing")
	// Every line was journaled through the adapter as well.
	assert.Contains(t, adapter.lines, `stdout: plain {"a":1}`)
	assert.Contains(t, adapter.lines, "stderr: bad thing")
}

func TestJSRuntimeUncaughtThrow(t *testing.T) {
	rt := NewJSRuntime()
	_, err := rt.Execute(context.Background(), Job{
		RunID:     "task_1",
		Code:      `throw new Error("kaput");`,
		TimeoutMs: 5000,
		Adapter:   &stubAdapter{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")
}

func TestJSRuntimeSyntaxError(t *testing.T) {
	rt := NewJSRuntime()
	_, err := rt.Execute(context.Background(), Job{
		RunID:     "task_1",
		Code:      `const = ;`,
		TimeoutMs: 5000,
		Adapter:   &stubAdapter{},
	})
	assert.Error(t, err)
}

func TestJSRuntimeDenialPropagates(t *testing.T) {
	adapter := &stubAdapter{outcomes: map[string]dispatch.Outcome{
		"math.add": {Denied: true, Error: approval.DeniedPrefix + "not allowed"},
	}}
	rt := NewJSRuntime()

	_, err := rt.Execute(context.Background(), Job{
		RunID:     "task_1",
		Code:      `await tools.math.add({a: 1, b: 2});`,
		TimeoutMs: 5000,
		Tools:     mathTools(),
		Adapter:   adapter,
	})
	require.Error(t, err)
	assert.True(t, approval.IsDenied(err))
	assert.Equal(t, "not allowed", approval.DeniedReason(err))
}

func TestJSRuntimeCaughtRejection(t *testing.T) {
	adapter := &stubAdapter{outcomes: map[string]dispatch.Outcome{
		"math.add": {Error: "upstream exploded"},
	}}
	rt := NewJSRuntime()

	out, err := rt.Execute(context.Background(), Job{
		RunID: "task_1",
		Code: `try { await tools.math.add({}); } catch (e) { console.log("caught", e.message); }
return "ok";`,
		TimeoutMs: 5000,
		Tools:     mathTools(),
		Adapter:   adapter,
	})
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, "caught upstream exploded")
}

func TestJSRuntimeTimeout(t *testing.T) {
	rt := NewJSRuntime()
	out, err := rt.Execute(context.Background(), Job{
		RunID:     "task_1",
		Code:      `while (true) {}`,
		TimeoutMs: 50,
		Adapter:   &stubAdapter{},
	})
	require.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Contains(t, out.Stderr, "timed out after 50ms")
	assert.Nil(t, out.ExitCode)
}

func TestJSRuntimeSetTimeout(t *testing.T) {
	rt := NewJSRuntime()
	start := time.Now()
	out, err := rt.Execute(context.Background(), Job{
		RunID:     "task_1",
		Code:      `await new Promise(res => setTimeout(res, 20)); console.log("after sleep");`,
		TimeoutMs: 5000,
		Adapter:   &stubAdapter{},
	})
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, "after sleep")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestJSRuntimeClearTimeout(t *testing.T) {
	rt := NewJSRuntime()
	out, err := rt.Execute(context.Background(), Job{
		RunID: "task_1",
		Code: `const id = setTimeout(() => console.log("never"), 5);
clearTimeout(id);
await new Promise(res => setTimeout(res, 10));
console.log("done");`,
		TimeoutMs: 5000,
		Adapter:   &stubAdapter{},
	})
	require.NoError(t, err)
	assert.NotContains(t, out.Stdout, "never")
	assert.Contains(t, out.Stdout, "done")
}

func newExecutorEnv(t *testing.T) (*Executor, *task.Service) {
	t.Helper()
	svc := task.NewService(task.NewMemoryStore())
	return NewExecutor(NewRegistry(), svc), svc
}

func TestExecutorCompletes(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutorEnv(t)

	tk := task.New("ws_1", `console.log("hi"); return 1;`)
	tk.TimeoutMs = 5000
	svc := exec.tasks
	require.NoError(t, svc.Create(ctx, tk))

	got, err := exec.Run(ctx, tk, nil, &stubAdapter{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Contains(t, got.Stdout, "hi")
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.CompletedAt)
}

func TestExecutorMapsDenied(t *testing.T) {
	ctx := context.Background()
	exec, svc := newExecutorEnv(t)

	adapter := &stubAdapter{outcomes: map[string]dispatch.Outcome{
		"math.add": {Denied: true, Error: approval.DeniedPrefix + "not allowed"},
	}}
	tk := task.New("ws_1", `await tools.math.add({});`)
	tk.TimeoutMs = 5000
	require.NoError(t, svc.Create(ctx, tk))

	got, err := exec.Run(ctx, tk, mathTools(), adapter)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDenied, got.Status)
	// The record carries the bare reason, not the wire sentinel.
	assert.Equal(t, "not allowed", got.Error)
}

func TestExecutorMapsTimeout(t *testing.T) {
	ctx := context.Background()
	exec, svc := newExecutorEnv(t)

	tk := task.New("ws_1", `while (true) {}`)
	tk.TimeoutMs = 50
	require.NoError(t, svc.Create(ctx, tk))

	got, err := exec.Run(ctx, tk, nil, &stubAdapter{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusTimedOut, got.Status)
	assert.Contains(t, got.Error, "deadline")
}

func TestExecutorUnknownRuntime(t *testing.T) {
	ctx := context.Background()
	exec, svc := newExecutorEnv(t)

	tk := task.New("ws_1", `return 1;`)
	tk.RuntimeID = "wasm"
	require.NoError(t, svc.Create(ctx, tk))

	got, err := exec.Run(ctx, tk, nil, &stubAdapter{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "unknown runtime")
}
