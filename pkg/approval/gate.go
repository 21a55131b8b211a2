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

package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

// pollInterval matches the shared terminality tick.
const pollInterval = 400 * time.Millisecond

// Decision is the reviewer's answer to an elicitation prompt.
type Decision struct {
	Approved bool
	Reason   string
}

// Elicitor presents an approval in-band over the session transport and
// returns the reviewer's decision. A nil decision or an error means the
// transport could not elicit; the gate then latches to out-of-band polling
// for the remainder of the task.
type Elicitor interface {
	Elicit(ctx context.Context, a *Approval) (*Decision, error)
}

// DecisionForm is the JSON-schema shape of the elicitation prompt's answer.
type DecisionForm struct {
	Decision string `json:"decision" jsonschema:"enum=approved,enum=denied"`
	Reason   string `json:"reason,omitempty"`
}

// DecisionSchema returns the schema transports attach to elicitation
// prompts.
func DecisionSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	return reflector.Reflect(&DecisionForm{})
}

// Gate blocks dispatcher invocations on approvals. One gate serves one task;
// the elicitation latch is task-scoped and one-way.
type Gate struct {
	store    Store
	elicitor Elicitor
	poll     time.Duration

	mu      sync.Mutex
	latched bool
	seen    map[string]bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPollInterval overrides the out-of-band tick, for tests.
func WithPollInterval(d time.Duration) GateOption {
	return func(g *Gate) { g.poll = d }
}

// NewGate creates a gate for one task. elicitor may be nil when the
// transport never advertised the capability.
func NewGate(store Store, elicitor Elicitor, opts ...GateOption) *Gate {
	g := &Gate{
		store:    store,
		elicitor: elicitor,
		poll:     pollInterval,
		seen:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ElicitationActive reports whether in-band prompts are still attempted.
func (g *Gate) ElicitationActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.elicitor != nil && !g.latched
}

// Await registers the approval and blocks until it resolves or ctx expires.
// It returns nil for approved, a sentinel-prefixed denial error for denied,
// and the context error when the caller's deadline fires first.
func (g *Gate) Await(ctx context.Context, a *Approval) error {
	created, err := g.store.Create(ctx, a)
	if err != nil {
		return err
	}
	if created.Status != StatusPending {
		// Re-entry for an already-resolved (task, callId).
		return outcome(created)
	}

	if g.tryElicit(ctx, created) {
		// The decision was written; fall through to read it back so the
		// out-of-band resolver still wins any race.
		if resolved, err := g.store.Get(ctx, created.WorkspaceID, created.ID); err == nil && resolved.Status != StatusPending {
			return outcome(resolved)
		}
	}

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := g.store.Get(ctx, created.WorkspaceID, created.ID)
			if err != nil {
				return err
			}
			if current.Status != StatusPending {
				return outcome(current)
			}
		}
	}
}

// tryElicit presents the approval in-band once. Any elicitation failure
// latches the gate off for the rest of the task, with one warning line.
// Returns true when a decision was recorded.
func (g *Gate) tryElicit(ctx context.Context, a *Approval) bool {
	g.mu.Lock()
	if g.elicitor == nil || g.latched || g.seen[a.ID] {
		g.mu.Unlock()
		return false
	}
	g.seen[a.ID] = true
	g.mu.Unlock()

	decision, err := g.elicitor.Elicit(ctx, a)
	if err != nil || decision == nil {
		g.mu.Lock()
		alreadyLatched := g.latched
		g.latched = true
		g.mu.Unlock()
		if !alreadyLatched {
			slog.Warn("Approval elicitation unavailable, falling back to polling",
				"task", a.TaskID, "error", err)
		}
		return false
	}

	status := StatusDenied
	if decision.Approved {
		status = StatusApproved
	}
	if _, err := g.store.Resolve(ctx, a.ID, status, "in-band", decision.Reason); err != nil {
		// Lost the race against an out-of-band resolution; the stored
		// decision stands.
		slog.Debug("Elicited decision superseded", "approval", a.ID, "error", err)
	}
	return true
}

func outcome(a *Approval) error {
	switch a.Status {
	case StatusApproved:
		return nil
	case StatusDenied:
		return Denied(a.Reason)
	}
	return nil
}
