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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/kadirpekel/runlet/pkg/dispatch"
	"github.com/kadirpekel/runlet/pkg/task"
)

// timeoutInterrupt is the interrupt value the watchdog plants so the
// runtime can tell a deadline from an external cancellation.
const timeoutInterrupt = "execution deadline reached"

// JSRuntime executes user code on an embedded goja interpreter. Tool calls
// are synchronous under the hood; the exposed functions still return
// promises so user code reads like ordinary async JavaScript.
type JSRuntime struct{}

// NewJSRuntime creates the JavaScript runtime.
func NewJSRuntime() *JSRuntime { return &JSRuntime{} }

func (r *JSRuntime) ID() string { return DefaultRuntimeID }

// Execute runs one job to completion, its deadline, or interruption.
func (r *JSRuntime) Execute(ctx context.Context, job Job) (Output, error) {
	vm := goja.New()
	limit := job.MaxOutputBytes
	if limit <= 0 {
		limit = MaxOutputBytes
	}
	cap := &capture{ctx: ctx, adapter: job.Adapter, runID: job.RunID, limit: limit}
	timers := &timerQueue{}

	installConsole(vm, cap)
	installTimers(vm, timers)
	if err := vm.Set("tools", buildToolTree(ctx, vm, job, cap)); err != nil {
		return cap.failed(), err
	}

	timeoutMs := task.NormalizeTimeout(job.TimeoutMs)
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	watchdog := time.AfterFunc(time.Until(deadline), func() { vm.Interrupt(timeoutInterrupt) })
	defer watchdog.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	entry := "(async () => {\n" + job.Code + "\n})()"
	v, err := vm.RunString(entry)
	if err != nil {
		return r.finish(vm, cap, timeoutMs, err)
	}
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return cap.completed(), nil
	}

	// Settled promises resolve inline (tool calls block on the vm
	// goroutine), so pending here means user code parked on a timer.
	for promise.State() == goja.PromiseStatePending {
		t, ok := timers.pop()
		if !ok {
			return cap.failed(), errors.New("execution stalled: pending promise with no scheduled work")
		}
		if wait := time.Until(t.fireAt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return cap.failed(), ctx.Err()
			}
		}
		if _, err := t.fn(goja.Undefined()); err != nil {
			return r.finish(vm, cap, timeoutMs, err)
		}
	}

	if promise.State() == goja.PromiseStateRejected {
		return r.finish(vm, cap, timeoutMs, errors.New(jsErrorMessage(promise.Result())))
	}
	return cap.completed(), nil
}

// finish maps interpreter-level errors to the runtime's error contract.
func (r *JSRuntime) finish(vm *goja.Runtime, cap *capture, timeoutMs int, err error) (Output, error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		vm.ClearInterrupt()
		if s, ok := interrupted.Value().(string); ok && s == timeoutInterrupt {
			cap.line("stderr", fmt.Sprintf("Execution timed out after %dms", timeoutMs))
			return cap.torn(), ErrExecutionTimeout
		}
		return cap.failed(), fmt.Errorf("execution interrupted: %v", interrupted.Value())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return cap.failed(), errors.New(jsErrorMessage(exception.Value()))
	}
	return cap.failed(), err
}

// buildToolTree nests descriptors into the tools.* object by path segment.
// Leaves invoke the dispatcher and resolve with the tool's value.
func buildToolTree(ctx context.Context, vm *goja.Runtime, job Job, cap *capture) *goja.Object {
	root := vm.NewObject()
	for i := range job.Tools {
		d := &job.Tools[i]
		if !d.Callable() {
			continue
		}
		segs := strings.Split(d.Path, ".")
		node := root
		for _, seg := range segs[:len(segs)-1] {
			if v := node.Get(seg); v != nil {
				if child, ok := v.(*goja.Object); ok {
					node = child
					continue
				}
			}
			child := vm.NewObject()
			_ = node.Set(seg, child)
			node = child
		}

		path := d.Path
		_ = node.Set(segs[len(segs)-1], func(call goja.FunctionCall) goja.Value {
			input := map[string]any{}
			if len(call.Arguments) > 0 {
				if m, ok := call.Arguments[0].Export().(map[string]any); ok {
					input = m
				}
			}

			promise, resolve, reject := vm.NewPromise()
			out := job.Adapter.Invoke(ctx, dispatch.Call{
				RunID:    job.RunID,
				CallID:   uuid.NewString(),
				ToolPath: path,
				Input:    input,
			})
			if out.OK {
				if data, err := json.Marshal(out.Value); err == nil {
					cap.line("stdout", "result: "+string(data))
				}
				resolve(out.Value)
			} else {
				reject(vm.NewGoError(errors.New(out.Error)))
			}
			return vm.ToValue(promise)
		})
	}
	return root
}

func installConsole(vm *goja.Runtime, cap *capture) {
	console := vm.NewObject()
	write := func(stream string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, formatConsoleArg(arg))
			}
			cap.line(stream, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", write("stdout"))
	_ = console.Set("info", write("stdout"))
	_ = console.Set("warn", write("stderr"))
	_ = console.Set("error", write("stderr"))
	_ = vm.Set("console", console)
}

func formatConsoleArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	exported := v.Export()
	switch x := exported.(type) {
	case string:
		return x
	case map[string]any, []any:
		if data, err := json.Marshal(x); err == nil {
			return string(data)
		}
	}
	return v.String()
}

func installTimers(vm *goja.Runtime, timers *timerQueue) {
	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout requires a function"))
		}
		delay := call.Argument(1).ToFloat()
		if delay != delay || delay < 0 { // NaN or negative
			delay = 0
		}
		return vm.ToValue(timers.add(fn, time.Duration(delay)*time.Millisecond))
	})
	_ = vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		timers.remove(call.Argument(0).ToInteger())
		return goja.Undefined()
	})
}

type jsTimer struct {
	id     int64
	fn     goja.Callable
	fireAt time.Time
}

// timerQueue holds pending setTimeout callbacks. Single goroutine only.
type timerQueue struct {
	seq    int64
	timers []*jsTimer
}

func (q *timerQueue) add(fn goja.Callable, delay time.Duration) int64 {
	q.seq++
	q.timers = append(q.timers, &jsTimer{id: q.seq, fn: fn, fireAt: time.Now().Add(delay)})
	return q.seq
}

func (q *timerQueue) remove(id int64) {
	for i, t := range q.timers {
		if t.id == id {
			q.timers = append(q.timers[:i], q.timers[i+1:]...)
			return
		}
	}
}

// pop removes and returns the earliest-firing timer.
func (q *timerQueue) pop() (*jsTimer, bool) {
	if len(q.timers) == 0 {
		return nil, false
	}
	sort.SliceStable(q.timers, func(i, j int) bool {
		return q.timers[i].fireAt.Before(q.timers[j].fireAt)
	})
	t := q.timers[0]
	q.timers = q.timers[1:]
	return t, true
}

func jsErrorMessage(v goja.Value) string {
	if v == nil {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			return m.String()
		}
	}
	return v.String()
}

// capture buffers both output streams and forwards each line to the task
// journal through the adapter.
type capture struct {
	ctx     context.Context
	adapter Adapter
	runID   string
	limit   int

	stdout, stderr           strings.Builder
	stdoutTrunc, stderrTrunc bool
}

func (c *capture) line(stream, text string) {
	if c.adapter != nil {
		c.adapter.EmitOutput(c.ctx, c.runID, stream, text)
	}

	buf, trunc := &c.stdout, &c.stdoutTrunc
	if stream == "stderr" {
		buf, trunc = &c.stderr, &c.stderrTrunc
	}
	if *trunc {
		return
	}
	if buf.Len()+len(text)+1 > c.limit {
		buf.WriteString("[output truncated]\n")
		*trunc = true
		return
	}
	buf.WriteString(text)
	buf.WriteByte('\n')
}

func (c *capture) completed() Output {
	code := 0
	return Output{Stdout: c.stdout.String(), Stderr: c.stderr.String(), ExitCode: &code}
}

func (c *capture) failed() Output {
	code := 1
	return Output{Stdout: c.stdout.String(), Stderr: c.stderr.String(), ExitCode: &code}
}

// torn is the shape of a deadline teardown; no exit code was produced.
func (c *capture) torn() Output {
	return Output{Stdout: c.stdout.String(), Stderr: c.stderr.String()}
}

var _ Runtime = (*JSRuntime)(nil)
