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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/runlet/pkg/approval"
	"github.com/kadirpekel/runlet/pkg/config"
	"github.com/kadirpekel/runlet/pkg/policy"
)

func policyRuleWithoutWorkspace() policy.Rule {
	return policy.Rule{Pattern: "stripe.**", Decision: policy.Deny}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, http.Handler) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s, s.router()
}

func postRPC(t *testing.T, h http.Handler, sessionID string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func initializeBody(id int) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`, id)
}

func callToolBody(id int, name string, args map[string]any) string {
	raw, _ := json.Marshal(args)
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, name, raw)
}

// decode parses a JSON-RPC response body generically.
func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func toolResult(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	resp := decode(t, rec)
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok, "no result in %s", rec.Body.String())
	return result
}

func TestSessionLifecycle(t *testing.T) {
	_, h := newTestServer(t, nil)

	// First POST without a header creates a session.
	rec := postRPC(t, h, "", initializeBody(1))
	require.Equal(t, http.StatusOK, rec.Code)
	sid := rec.Header().Get(sessionHeader)
	require.NotEmpty(t, sid)

	// Subsequent POSTs on the session work and do not mint a new id.
	rec = postRPC(t, h, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(sessionHeader))
	result := toolResult(t, rec)
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	names := make([]string, 0, len(tools))
	for _, raw := range tools {
		names = append(names, raw.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "run_code")
	assert.Contains(t, names, "list_tasks")
	assert.Contains(t, names, "resolve_approval")

	// DELETE tears the session down; a second DELETE misses.
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(sessionHeader, sid)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Session not found")
}

func TestNonPostWithoutSessionHeader(t *testing.T) {
	_, h := newTestServer(t, nil)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		req := httptest.NewRequest(method, "/mcp", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, method)
		assert.Contains(t, rec.Body.String(), "Mcp-Session-Id header is required")
		assert.Contains(t, rec.Body.String(), `-32000`)
	}
}

func TestUnknownSessionFallsBackToStateless(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postRPC(t, h, "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	result := toolResult(t, rec)
	assert.NotEmpty(t, result["tools"])
}

func TestClientResponseToUnknownSessionIs404(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postRPC(t, h, "gone", `{"jsonrpc":"2.0","id":7,"result":{"action":"accept"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `-32001`)
}

func TestRunCodeCompletes(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postRPC(t, h, "", initializeBody(1))
	require.Equal(t, http.StatusOK, rec.Code)
	sid := rec.Header().Get(sessionHeader)

	rec = postRPC(t, h, sid, callToolBody(2, "run_code", map[string]any{
		"code":      `console.log("hello from sandbox");`,
		"timeoutMs": 5000,
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	result := toolResult(t, rec)
	structured, ok := result["structuredContent"].(map[string]any)
	require.True(t, ok, "body: %s", rec.Body.String())
	assert.Equal(t, "completed", structured["status"])
	assert.Contains(t, structured["stdout"], "hello from sandbox")
	assert.NotEmpty(t, structured["taskId"])
	assert.Contains(t, structured["workspaceId"], "ws_anon_")
}

func TestRunCodeQueuedWhenNotWaiting(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postRPC(t, h, "", initializeBody(1))
	sid := rec.Header().Get(sessionHeader)

	rec = postRPC(t, h, sid, callToolBody(2, "run_code", map[string]any{
		"code":          `console.log("fire and forget");`,
		"waitForResult": false,
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	structured := toolResult(t, rec)["structuredContent"].(map[string]any)
	assert.Equal(t, "queued", structured["status"])
	taskID := structured["taskId"].(string)

	// The task is retrievable on the same session's workspace.
	rec = postRPC(t, h, sid, callToolBody(3, "get_task", map[string]any{"taskId": taskID}))
	require.Equal(t, http.StatusOK, rec.Code)
	got := toolResult(t, rec)["structuredContent"].(map[string]any)
	assert.Equal(t, taskID, got["taskId"])
}

func TestRunCodeTypecheckFailureCreatesNoTask(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postRPC(t, h, "", initializeBody(1))
	sid := rec.Header().Get(sessionHeader)

	rec = postRPC(t, h, sid, callToolBody(2, "run_code", map[string]any{
		"code": `const = broken syntax here(`,
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	result := toolResult(t, rec)
	assert.Equal(t, true, result["isError"])

	rec = postRPC(t, h, sid, callToolBody(3, "list_tasks", map[string]any{}))
	listed := toolResult(t, rec)["structuredContent"].(map[string]any)
	tasks, ok := listed["tasks"].([]any)
	if ok {
		assert.Empty(t, tasks)
	}
}

func TestRunCodeRequiresCode(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postRPC(t, h, "", initializeBody(1))
	sid := rec.Header().Get(sessionHeader)

	rec = postRPC(t, h, sid, callToolBody(2, "run_code", map[string]any{"code": "   "}))
	require.Equal(t, http.StatusOK, rec.Code)
	result := toolResult(t, rec)
	assert.Equal(t, true, result["isError"])
}

func TestSameSessionKeepsWorkspace(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postRPC(t, h, "", initializeBody(1))
	sid := rec.Header().Get(sessionHeader)

	var workspaces []string
	for i := 0; i < 2; i++ {
		rec = postRPC(t, h, sid, callToolBody(2+i, "run_code", map[string]any{
			"code": `console.log("run");`,
		}))
		structured := toolResult(t, rec)["structuredContent"].(map[string]any)
		workspaces = append(workspaces, structured["workspaceId"].(string))
	}
	assert.Equal(t, workspaces[0], workspaces[1])
}

func TestExplicitSessionIDOverridesTransport(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postRPC(t, h, "", initializeBody(1))
	sid := rec.Header().Get(sessionHeader)

	req := httptest.NewRequest(http.MethodPost, "/mcp?sessionId=pinned", strings.NewReader(
		callToolBody(2, "run_code", map[string]any{"code": `console.log("x");`})))
	req.Header.Set(sessionHeader, sid)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	structured := toolResult(t, rec)["structuredContent"].(map[string]any)
	first := structured["workspaceId"].(string)

	// The same pinned id from a different transport session lands in the
	// same workspace.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/mcp?sessionId=pinned", strings.NewReader(
		callToolBody(3, "run_code", map[string]any{"code": `console.log("y");`})))
	h.ServeHTTP(rec2, req2)
	structured2 := toolResult(t, rec2)["structuredContent"].(map[string]any)
	assert.Equal(t, first, structured2["workspaceId"])
}

func TestSessionIDArgumentPinsWorkspace(t *testing.T) {
	_, h := newTestServer(t, nil)

	// Two headerless calls carrying the same sessionId argument must land
	// in the same anonymous workspace.
	args := map[string]any{"code": `console.log("x");`, "sessionId": "pinned-arg"}

	rec := postRPC(t, h, "", callToolBody(1, "run_code", args))
	require.Equal(t, http.StatusOK, rec.Code)
	structured := toolResult(t, rec)["structuredContent"].(map[string]any)
	first := structured["workspaceId"].(string)
	assert.Contains(t, first, "ws_anon_")

	rec2 := postRPC(t, h, "", callToolBody(2, "run_code", args))
	structured2 := toolResult(t, rec2)["structuredContent"].(map[string]any)
	assert.Equal(t, first, structured2["workspaceId"])
}

func TestSessionIDArgumentOverridesTransportSession(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postRPC(t, h, "", initializeBody(1))
	sid := rec.Header().Get(sessionHeader)

	// On an established transport session, the argument still wins over
	// the session-derived binding.
	rec = postRPC(t, h, sid, callToolBody(2, "run_code",
		map[string]any{"code": `console.log("x");`, "sessionId": "pinned-arg"}))
	pinned := toolResult(t, rec)["structuredContent"].(map[string]any)["workspaceId"].(string)

	rec = postRPC(t, h, sid, callToolBody(3, "run_code",
		map[string]any{"code": `console.log("y");`}))
	transport := toolResult(t, rec)["structuredContent"].(map[string]any)["workspaceId"].(string)

	assert.NotEqual(t, transport, pinned)

	rec2 := postRPC(t, h, "", callToolBody(4, "run_code",
		map[string]any{"code": `console.log("z");`, "sessionId": "pinned-arg"}))
	again := toolResult(t, rec2)["structuredContent"].(map[string]any)["workspaceId"].(string)
	assert.Equal(t, pinned, again)
}

func TestResolveApprovalScoping(t *testing.T) {
	store := approval.NewMemoryStore()
	s, h := newTestServer(t, nil)
	s.approvals = store

	rec := postRPC(t, h, "", initializeBody(1))
	sid := rec.Header().Get(sessionHeader)

	// Seed an approval in a foreign workspace; the session must not see it.
	_, err := store.Create(context.Background(),
		approval.New("ws_other", "task-1", "call-1", "crm.customers.delete", nil))
	require.NoError(t, err)

	rec = postRPC(t, h, sid, callToolBody(2, "list_approvals", map[string]any{}))
	listed := toolResult(t, rec)["structuredContent"].(map[string]any)
	approvals, ok := listed["approvals"].([]any)
	if ok {
		assert.Empty(t, approvals)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	// Metrics are disabled by default: scrapes fail visibly.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProtectedResourceMetadata(t *testing.T) {
	_, h := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.JWKSURL = "https://issuer.test/jwks.json"
		cfg.Auth.Issuer = "https://issuer.test"
		cfg.Server.BaseURL = "https://broker.test"
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "https://broker.test/mcp", doc["resource"])
	servers := doc["authorization_servers"].([]any)
	assert.Equal(t, "https://issuer.test", servers[0])
}

func TestDecisionFromAnswer(t *testing.T) {
	tests := []struct {
		name     string
		answer   elicitAnswer
		approved bool
	}{
		{"accept_approved", elicitAnswer{Action: "accept", Content: map[string]any{"decision": "approved"}}, true},
		{"accept_denied", elicitAnswer{Action: "accept", Content: map[string]any{"decision": "denied", "reason": "nope"}}, false},
		{"decline", elicitAnswer{Action: "decline"}, false},
		{"cancel", elicitAnswer{Action: "cancel"}, false},
		{"accept_garbage", elicitAnswer{Action: "accept", Content: map[string]any{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decisionFromAnswer(tt.answer)
			require.NotNil(t, d)
			assert.Equal(t, tt.approved, d.Approved)
			if !tt.approved {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestSessionElicitorWithoutStreamErrors(t *testing.T) {
	sess := newSession()
	sess.setElicitation(true)

	e := newSessionElicitor(sess)
	_, err := e.Elicit(context.Background(),
		approval.New("ws_1", "task-1", "call-1", "crm.customers.delete", nil))
	assert.Error(t, err)
}

func TestSessionElicitRoundTrip(t *testing.T) {
	sess := newSession()
	sess.setElicitation(true)
	stream, err := sess.attachStream()
	require.NoError(t, err)

	// Play the client: read the prompt off the stream and answer it.
	go func() {
		frame := <-stream
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if json.Unmarshal(frame, &req) != nil || req.Method != "elicitation/create" {
			return
		}
		sess.resolveElicitation(req.ID,
			json.RawMessage(`{"action":"accept","content":{"decision":"approved","reason":"looks fine"}}`))
	}()

	e := newSessionElicitor(sess)
	decision, err := e.Elicit(context.Background(),
		approval.New("ws_1", "task-1", "call-1", "stripe.charges.create", map[string]any{"amount": 5}))
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.True(t, decision.Approved)
	assert.Equal(t, "looks fine", decision.Reason)
}

func TestSessionCloseCancelsPending(t *testing.T) {
	sess := newSession()
	sess.setElicitation(true)
	_, err := sess.attachStream()
	require.NoError(t, err)

	id, answers, cancel := sess.newElicitation()
	defer cancel()
	_ = id

	sess.close()
	answer := <-answers
	assert.Equal(t, "cancel", answer.Action)

	// A closed session refuses new streams and drops sends.
	_, err = sess.attachStream()
	assert.Error(t, err)
	assert.False(t, sess.send([]byte("late")))
}

func TestReloadRejectsBadPolicies(t *testing.T) {
	s, _ := newTestServer(t, nil)

	bad := testConfig()
	bad.Policies = append(bad.Policies, policyRuleWithoutWorkspace())
	assert.Error(t, s.Reload(bad))

	good := testConfig()
	assert.NoError(t, s.Reload(good))
}
