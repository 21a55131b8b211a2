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

package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// EventStatusChange is the journal event name for lifecycle transitions.
const EventStatusChange = "status_change"

// EventOutputLine is the journal event name for sandbox output lines.
const EventOutputLine = "output_line"

// Service couples the store with the live event hub. Every lifecycle
// transition is journaled and published; subscribers and pollers observe the
// same sequence.
type Service struct {
	store Store
	hub   *Hub
	now   func() time.Time
}

// NewService creates a task service over the given store.
func NewService(store Store) *Service {
	return &Service{store: store, hub: NewHub(), now: time.Now}
}

// Hub exposes the live event hub for transports that stream.
func (s *Service) Hub() *Hub { return s.hub }

// Create persists a queued task and journals the initial status.
func (s *Service) Create(ctx context.Context, t *Task) error {
	if err := s.store.Create(ctx, t); err != nil {
		return err
	}
	s.emit(ctx, t.ID, EventStatusChange, map[string]any{"status": string(StatusQueued)})
	return nil
}

// Get returns one task scoped to its workspace.
func (s *Service) Get(ctx context.Context, workspaceID, taskID string) (*Task, error) {
	return s.store.Get(ctx, workspaceID, taskID)
}

// List returns a workspace's tasks, newest first.
func (s *Service) List(ctx context.Context, workspaceID string, limit int) ([]*Task, error) {
	return s.store.List(ctx, workspaceID, limit)
}

// Start transitions queued -> running.
func (s *Service) Start(ctx context.Context, taskID string) error {
	if err := s.store.MarkRunning(ctx, taskID, s.now().UTC()); err != nil {
		return err
	}
	s.emit(ctx, taskID, EventStatusChange, map[string]any{"status": string(StatusRunning)})
	return nil
}

// Finish writes the terminal status and output fields atomically.
func (s *Service) Finish(ctx context.Context, taskID string, status Status, res Result) error {
	if err := s.store.Complete(ctx, taskID, status, res, s.now().UTC()); err != nil {
		return err
	}
	payload := map[string]any{"status": string(status)}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	s.emit(ctx, taskID, EventStatusChange, payload)
	return nil
}

// EmitOutput journals one sandbox output line for a run.
func (s *Service) EmitOutput(ctx context.Context, taskID, stream, line string) {
	s.emit(ctx, taskID, EventOutputLine, map[string]any{"stream": stream, "line": line})
}

// emit journals and publishes. Journal failures are logged, not propagated:
// the lifecycle write already succeeded and must not be rolled back by a
// telemetry path.
func (s *Service) emit(ctx context.Context, taskID, name string, payload map[string]any) {
	e := &Event{
		TaskID:    taskID,
		Name:      name,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		slog.Warn("Failed to journal task event", "task", taskID, "event", name, "error", err)
	}
	s.hub.Publish(*e)
}

// Events reads the journal after the given id.
func (s *Service) Events(ctx context.Context, taskID string, afterID int64) ([]Event, error) {
	return s.store.Events(ctx, taskID, afterID)
}

// WaitForTerminal blocks until the task reaches a terminal status or the
// caller's budget expires, whichever comes first. It both subscribes to live
// events and polls at the shared 400 ms tick; the first signal wins. Polls
// are single-flighted behind an in-progress flag. When the budget expires,
// the task's current state is returned as-is, even if non-terminal.
func (s *Service) WaitForTerminal(ctx context.Context, workspaceID, taskID string, budget time.Duration) (*Task, error) {
	t, err := s.store.Get(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	events, cancel := s.hub.Subscribe(taskID)
	defer cancel()

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	tick := time.NewTicker(PollInterval)
	defer tick.Stop()

	var checking atomic.Bool
	poll := func() (*Task, bool) {
		if !checking.CompareAndSwap(false, true) {
			return nil, false
		}
		defer checking.Store(false)
		t, err := s.store.Get(ctx, workspaceID, taskID)
		if err != nil {
			return nil, false
		}
		return t, t.Status.Terminal()
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return s.store.Get(ctx, workspaceID, taskID)
		case e, ok := <-events:
			if !ok {
				return s.store.Get(ctx, workspaceID, taskID)
			}
			if _, terminal := e.TerminalStatus(); terminal {
				return s.store.Get(ctx, workspaceID, taskID)
			}
		case <-tick.C:
			if t, terminal := poll(); terminal {
				return t, nil
			}
		}
	}
}

// Describe renders a compact one-line summary used in logs.
func Describe(t *Task) string {
	return fmt.Sprintf("task %s [%s] workspace=%s timeout=%dms", t.ID, t.Status, t.WorkspaceID, t.TimeoutMs)
}
