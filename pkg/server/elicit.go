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
	"time"

	"github.com/kadirpekel/runlet/pkg/approval"
)

// elicitTimeout bounds one in-band round-trip. A reviewer slower than this
// latches the gate to out-of-band polling for the rest of the task.
const elicitTimeout = 2 * time.Minute

// sessionElicitor presents approval prompts over the session's event stream
// as elicitation/create requests and waits for the client's JSON-RPC reply.
type sessionElicitor struct {
	sess *session
}

var _ approval.Elicitor = (*sessionElicitor)(nil)

func newSessionElicitor(sess *session) *sessionElicitor {
	return &sessionElicitor{sess: sess}
}

// Elicit sends one prompt and blocks for the reviewer's answer. Errors mean
// the transport could not carry the prompt; the gate treats them as a signal
// to stop asking.
func (e *sessionElicitor) Elicit(ctx context.Context, a *approval.Approval) (*approval.Decision, error) {
	if e.sess == nil || !e.sess.elicitationReady() {
		return nil, fmt.Errorf("no elicitation-capable stream attached")
	}

	id, answers, cancel := e.sess.newElicitation()
	defer cancel()

	frame, err := elicitationFrame(id, a)
	if err != nil {
		return nil, err
	}
	if !e.sess.send(frame) {
		return nil, fmt.Errorf("session stream unavailable")
	}

	timer := time.NewTimer(elicitTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("elicitation timed out after %s", elicitTimeout)
	case answer := <-answers:
		return decisionFromAnswer(answer), nil
	}
}

// elicitationFrame builds the elicitation/create request for one approval.
func elicitationFrame(id int64, a *approval.Approval) ([]byte, error) {
	input, err := json.Marshal(a.Input)
	if err != nil {
		input = []byte("{}")
	}
	message := fmt.Sprintf("Task %s wants to call %s with input %s. Approve?",
		a.TaskID, a.ToolPath, input)

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "elicitation/create",
		"params": map[string]any{
			"message":         message,
			"requestedSchema": approval.DecisionSchema(),
		},
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode elicitation request: %w", err)
	}
	return frame, nil
}

// decisionFromAnswer maps the protocol answer to a gate decision. Decline and
// cancel both deny; only an explicit accept with decision "approved" passes.
func decisionFromAnswer(answer elicitAnswer) *approval.Decision {
	if answer.Action != "accept" {
		return &approval.Decision{Approved: false, Reason: "declined by reviewer"}
	}

	decision, _ := answer.Content["decision"].(string)
	reason, _ := answer.Content["reason"].(string)
	if decision == "approved" {
		return &approval.Decision{Approved: true, Reason: reason}
	}
	if reason == "" {
		reason = "denied by reviewer"
	}
	return &approval.Decision{Approved: false, Reason: reason}
}
