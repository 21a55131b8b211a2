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
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = fmt.Errorf("task not found")

// Store persists tasks and their event journals. Implementations enforce the
// state machine: MarkRunning only from queued, Complete only from running.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, workspaceID, taskID string) (*Task, error)
	List(ctx context.Context, workspaceID string, limit int) ([]*Task, error)

	MarkRunning(ctx context.Context, taskID string, at time.Time) error
	Complete(ctx context.Context, taskID string, status Status, res Result, at time.Time) error

	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, taskID string, afterID int64) ([]Event, error)
}

// MemoryStore is the in-memory Store used by default and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	events map[string][]Event
	nextID int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*Task),
		events: make(map[string][]Event),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, workspaceID, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok || t.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) List(ctx context.Context, workspaceID string, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID {
			clone := *t
			out = append(out, &clone)
		}
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkRunning(ctx context.Context, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(t.Status, StatusRunning) {
		return errInvalidTransition(taskID, t.Status, StatusRunning)
	}
	t.Status = StatusRunning
	t.StartedAt = &at
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, taskID string, status Status, res Result, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("task %s: %s is not a terminal status", taskID, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(t.Status, status) {
		return errInvalidTransition(taskID, t.Status, status)
	}
	t.Status = status
	t.ExitCode = res.ExitCode
	t.Error = res.Error
	t.Stdout = res.Stdout
	t.Stderr = res.Stderr
	t.CompletedAt = &at
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e.ID = s.nextID
	s.events[e.TaskID] = append(s.events[e.TaskID], *e)
	return nil
}

func (s *MemoryStore) Events(ctx context.Context, taskID string, afterID int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events[taskID] {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
