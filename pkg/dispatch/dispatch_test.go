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

package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/runlet/pkg/approval"
	"github.com/kadirpekel/runlet/pkg/policy"
	"github.com/kadirpekel/runlet/pkg/registry"
	"github.com/kadirpekel/runlet/pkg/task"
	"github.com/kadirpekel/runlet/pkg/tool"
)

type decideElicitor struct {
	approved bool
	reason   string
	calls    int
}

func (e *decideElicitor) Elicit(ctx context.Context, a *approval.Approval) (*approval.Decision, error) {
	e.calls++
	return &approval.Decision{Approved: e.approved, Reason: e.reason}, nil
}

func testCatalog(t *testing.T, calls *[]string) *registry.Catalog {
	t.Helper()
	echo := func(path string) tool.RunFunc {
		return func(ctx context.Context, input map[string]any, rc *tool.RunContext) (any, error) {
			*calls = append(*calls, path)
			return map[string]any{"tool": path, "actor": rc.ActorID, "auth": rc.Credentials["Authorization"]}, nil
		}
	}
	return registry.NewCatalog("k", []tool.Descriptor{
		{Path: "crm.customers.get", Approval: tool.ApprovalAuto, Run: echo("crm.customers.get")},
		{Path: "crm.customers.delete", Approval: tool.ApprovalRequired, Run: echo("crm.customers.delete")},
		{Path: "stripe.charges.create", Approval: tool.ApprovalRequired, Run: echo("stripe.charges.create")},
		{Path: "gh.query.user", Approval: tool.ApprovalAuto, Pseudo: true, Run: echo("gh.query.user")},
	}, nil)
}

func newDispatcher(t *testing.T, calls *[]string, rules []policy.Rule, el approval.Elicitor) (*Dispatcher, *approval.MemoryStore) {
	t.Helper()
	engine, err := policy.New(rules)
	require.NoError(t, err)
	store := approval.NewMemoryStore()
	d, err := New(Config{
		TaskID:      "task_1",
		WorkspaceID: "ws_1",
		ActorID:     "acct_1",
		Catalog:     testCatalog(t, calls),
		Policies:    engine,
		Gate:        approval.NewGate(store, el),
		Tasks:       task.NewService(task.NewMemoryStore()),
		Credentials: CredentialFunc(func(string) map[string]string {
			return map[string]string{"Authorization": "Bearer tok"}
		}),
	})
	require.NoError(t, err)
	return d, store
}

func TestInvokeRunMismatchFencing(t *testing.T) {
	var calls []string
	d, _ := newDispatcher(t, &calls, nil, nil)

	out := d.Invoke(context.Background(), Call{
		RunID: "task_other", CallID: "c1", ToolPath: "crm.customers.get",
	})
	assert.False(t, out.OK)
	assert.Equal(t, "Run mismatch", out.Error)
	// The tool must not run.
	assert.Empty(t, calls)
}

func TestInvokeAutoToolRuns(t *testing.T) {
	var calls []string
	d, _ := newDispatcher(t, &calls, nil, nil)

	out := d.Invoke(context.Background(), Call{
		RunID: "task_1", CallID: "c1", ToolPath: "crm.customers.get",
		Input: map[string]any{"id": "c_1"},
	})
	require.True(t, out.OK, out.Error)
	value := out.Value.(map[string]any)
	assert.Equal(t, "acct_1", value["actor"])
	assert.Equal(t, "Bearer tok", value["auth"])
	assert.Equal(t, []string{"crm.customers.get"}, calls)
}

func TestInvokeUnknownTool(t *testing.T) {
	var calls []string
	d, _ := newDispatcher(t, &calls, nil, nil)

	out := d.Invoke(context.Background(), Call{RunID: "task_1", CallID: "c1", ToolPath: "nope.missing"})
	assert.False(t, out.OK)
	assert.Contains(t, out.Error, "unknown tool")
}

func TestInvokePolicyDeny(t *testing.T) {
	var calls []string
	d, _ := newDispatcher(t, &calls, []policy.Rule{
		{WorkspaceID: "ws_1", Pattern: "crm.**", Decision: policy.Deny},
	}, nil)

	out := d.Invoke(context.Background(), Call{RunID: "task_1", CallID: "c1", ToolPath: "crm.customers.get"})
	assert.False(t, out.OK)
	// A policy deny is an ordinary failure, not an approval denial.
	assert.False(t, out.Denied)
	assert.Contains(t, out.Error, "access policy denies")
	assert.Empty(t, calls)
}

func TestInvokeRequiredToolGatedAndApproved(t *testing.T) {
	var calls []string
	el := &decideElicitor{approved: true}
	d, store := newDispatcher(t, &calls, nil, el)

	out := d.Invoke(context.Background(), Call{RunID: "task_1", CallID: "c1", ToolPath: "crm.customers.delete"})
	require.True(t, out.OK, out.Error)
	assert.Equal(t, 1, el.calls)
	assert.Equal(t, []string{"crm.customers.delete"}, calls)

	resolved, err := store.ListByTask(context.Background(), "task_1", false)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, approval.StatusApproved, resolved[0].Status)
}

func TestInvokeApprovalDenied(t *testing.T) {
	var calls []string
	el := &decideElicitor{approved: false, reason: "out of scope"}
	d, _ := newDispatcher(t, &calls, nil, el)

	out := d.Invoke(context.Background(), Call{RunID: "task_1", CallID: "c1", ToolPath: "stripe.charges.create"})
	assert.False(t, out.OK)
	assert.True(t, out.Denied)
	assert.Contains(t, out.Error, approval.DeniedPrefix)
	assert.Contains(t, out.Error, "out of scope")
	assert.Empty(t, calls)
}

func TestInvokePolicyRequireApprovalOnAutoTool(t *testing.T) {
	var calls []string
	el := &decideElicitor{approved: true}
	d, _ := newDispatcher(t, &calls, []policy.Rule{
		{WorkspaceID: "ws_1", Pattern: "crm.customers.get", Decision: policy.RequireApproval},
	}, el)

	out := d.Invoke(context.Background(), Call{RunID: "task_1", CallID: "c1", ToolPath: "crm.customers.get"})
	require.True(t, out.OK, out.Error)
	assert.Equal(t, 1, el.calls)
}

func TestEffectiveDecisionUpgrade(t *testing.T) {
	var calls []string

	// A wildcard allow does not override the descriptor's required mark.
	el := &decideElicitor{approved: true}
	d, _ := newDispatcher(t, &calls, []policy.Rule{
		{WorkspaceID: "ws_1", Pattern: "stripe.**", Decision: policy.Allow},
	}, el)
	out := d.Invoke(context.Background(), Call{RunID: "task_1", CallID: "c1", ToolPath: "stripe.charges.create"})
	require.True(t, out.OK, out.Error)
	assert.Equal(t, 1, el.calls)

	// An exact-path allow does.
	el2 := &decideElicitor{approved: true}
	d2, _ := newDispatcher(t, &calls, []policy.Rule{
		{WorkspaceID: "ws_1", Pattern: "stripe.charges.create", Decision: policy.Allow},
	}, el2)
	out = d2.Invoke(context.Background(), Call{RunID: "task_1", CallID: "c2", ToolPath: "stripe.charges.create"})
	require.True(t, out.OK, out.Error)
	assert.Equal(t, 0, el2.calls)
}

func TestEmitOutputFiltersByRun(t *testing.T) {
	var calls []string
	store := task.NewMemoryStore()
	svc := task.NewService(store)

	tk := task.New("ws_1", "return 1;")
	tk.ID = "task_1"
	require.NoError(t, svc.Create(context.Background(), tk))

	engine, err := policy.New(nil)
	require.NoError(t, err)
	d, err := New(Config{
		TaskID:      "task_1",
		WorkspaceID: "ws_1",
		Catalog:     testCatalog(t, &calls),
		Policies:    engine,
		Gate:        approval.NewGate(approval.NewMemoryStore(), nil),
		Tasks:       svc,
	})
	require.NoError(t, err)

	d.EmitOutput(context.Background(), "task_1", "stdout", "kept")
	d.EmitOutput(context.Background(), "task_other", "stdout", "dropped")

	events, err := svc.Events(context.Background(), "task_1", 0)
	require.NoError(t, err)

	var lines []string
	for _, e := range events {
		if e.Name == task.EventOutputLine {
			lines = append(lines, e.Payload["line"].(string))
		}
	}
	assert.Equal(t, []string{"kept"}, lines)
}
