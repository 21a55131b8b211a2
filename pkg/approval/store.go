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
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown approval ids.
var ErrNotFound = fmt.Errorf("approval not found")

// Store persists approvals. Resolve is a compare-and-set from pending; a
// second resolution of the same approval fails.
type Store interface {
	Create(ctx context.Context, a *Approval) (*Approval, error)
	Get(ctx context.Context, workspaceID, id string) (*Approval, error)
	ListByTask(ctx context.Context, taskID string, pendingOnly bool) ([]*Approval, error)
	ListByWorkspace(ctx context.Context, workspaceID string, pendingOnly bool) ([]*Approval, error)
	Resolve(ctx context.Context, id string, status Status, reviewerID, reason string) (*Approval, error)
}

// MemoryStore keeps approvals in memory. Approvals are transient by design:
// they live at most as long as the blocked task's timeout.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Approval
	byCall map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Approval),
		byCall: make(map[string]string),
	}
}

func callKey(taskID, callID string) string { return taskID + "\x00" + callID }

// Create registers a pending approval. A second create for the same
// (task, callId) returns the existing record unchanged.
func (s *MemoryStore) Create(ctx context.Context, a *Approval) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := callKey(a.TaskID, a.CallID)
	if id, exists := s.byCall[key]; exists {
		clone := *s.byID[id]
		return &clone, nil
	}
	clone := *a
	s.byID[a.ID] = &clone
	s.byCall[key] = a.ID
	out := clone
	return &out, nil
}

func (s *MemoryStore) Get(ctx context.Context, workspaceID, id string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok || a.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *MemoryStore) ListByTask(ctx context.Context, taskID string, pendingOnly bool) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Approval
	for _, a := range s.byID {
		if a.TaskID != taskID {
			continue
		}
		if pendingOnly && a.Status != StatusPending {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) ListByWorkspace(ctx context.Context, workspaceID string, pendingOnly bool) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Approval
	for _, a := range s.byID {
		if a.WorkspaceID != workspaceID {
			continue
		}
		if pendingOnly && a.Status != StatusPending {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	sortByCreation(out)
	return out, nil
}

// Resolve moves pending -> approved|denied exactly once.
func (s *MemoryStore) Resolve(ctx context.Context, id string, status Status, reviewerID, reason string) (*Approval, error) {
	if status != StatusApproved && status != StatusDenied {
		return nil, fmt.Errorf("invalid resolution status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("approval %s already %s", id, a.Status)
	}
	now := time.Now().UTC()
	a.Status = status
	a.ReviewerID = reviewerID
	a.Reason = reason
	a.ResolvedAt = &now
	clone := *a
	return &clone, nil
}

// sortByCreation orders approvals FIFO so resolutions apply in discovery
// order.
func sortByCreation(list []*Approval) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
