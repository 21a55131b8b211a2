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

// Package task holds the durable task state machine and its event journal.
//
// A task moves queued -> running -> one terminal status, written by a single
// executor. Terminal tasks are append-only. Stores enforce the transitions;
// the service layer journals a status event for every change and fans it out
// to live subscribers.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusDenied    Status = "denied"
)

// Terminal reports whether the status is a sink.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusDenied:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusQueued || s == StatusRunning || s.Terminal()
}

const (
	// MinTimeoutMs and MaxTimeoutMs bound the per-task execution budget.
	MinTimeoutMs = 1
	MaxTimeoutMs = 600_000

	// DefaultTimeoutMs applies when the caller supplies none.
	DefaultTimeoutMs = 300_000

	// PollInterval is the shared tick for terminality checks and approval
	// polling.
	PollInterval = 400 * time.Millisecond
)

// Task is one code execution. Identity and submission fields are immutable;
// status fields are written only by the task's executor.
type Task struct {
	ID          string         `json:"taskId"`
	WorkspaceID string         `json:"workspaceId"`
	ActorID     string         `json:"actorId,omitempty"`
	ClientID    string         `json:"clientId,omitempty"`
	Code        string         `json:"code"`
	RuntimeID   string         `json:"runtimeId,omitempty"`
	TimeoutMs   int            `json:"timeoutMs"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Status      Status     `json:"status"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Error       string     `json:"error,omitempty"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Result carries the terminal output fields written atomically with the
// terminal status.
type Result struct {
	ExitCode *int
	Error    string
	Stdout   string
	Stderr   string
}

// New creates a queued task with a fresh id and a clamped timeout.
func New(workspaceID, code string) *Task {
	return &Task{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Code:        code,
		TimeoutMs:   DefaultTimeoutMs,
		Status:      StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
}

// NormalizeTimeout clamps a caller-supplied budget into the allowed range;
// zero means the default.
func NormalizeTimeout(ms int) int {
	if ms == 0 {
		return DefaultTimeoutMs
	}
	if ms < MinTimeoutMs {
		return MinTimeoutMs
	}
	if ms > MaxTimeoutMs {
		return MaxTimeoutMs
	}
	return ms
}

// ResultTimeout is how long a caller waits for a terminal status when it did
// not say: the execution budget plus slack, floored at two minutes.
func ResultTimeout(timeoutMs int) time.Duration {
	d := time.Duration(timeoutMs)*time.Millisecond + 30*time.Second
	if d < 2*time.Minute {
		return 2 * time.Minute
	}
	return d
}

// canTransition encodes the single legal path through the state machine.
func canTransition(from, to Status) bool {
	switch {
	case from == StatusQueued && to == StatusRunning:
		return true
	case from == StatusRunning && to.Terminal():
		return true
	}
	return false
}

// ErrInvalidTransition wraps an attempted illegal status change.
func errInvalidTransition(id string, from, to Status) error {
	return fmt.Errorf("task %s: invalid transition %s -> %s", id, from, to)
}

// Event is one entry of a task's append-only journal. Payloads carrying a
// "status" key drive terminality subscribers.
type Event struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"taskId"`
	Name      string         `json:"eventName"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TerminalStatus extracts a terminal status from an event payload, if any.
func (e *Event) TerminalStatus() (Status, bool) {
	raw, ok := e.Payload["status"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	status := Status(s)
	return status, status.Terminal()
}
