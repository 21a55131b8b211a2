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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// session is one transport-level client binding. Dispatches on a session are
// strictly FIFO; the rest of the state is guarded separately so a long-running
// request never blocks stream delivery or teardown.
type session struct {
	id        string
	createdAt time.Time

	// dispatchMu serializes request handling for this session.
	dispatchMu sync.Mutex

	mu          sync.Mutex
	lastSeenAt  time.Time
	elicitation bool
	stream      chan []byte
	closed      bool
	nextID      int64
	pending     map[int64]chan elicitAnswer
}

// elicitAnswer is the client's reply to a server-initiated elicitation.
type elicitAnswer struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

func newSession() *session {
	now := time.Now().UTC()
	return &session{
		id:         uuid.NewString(),
		createdAt:  now,
		lastSeenAt: now,
		pending:    make(map[int64]chan elicitAnswer),
	}
}

// touch refreshes the activity timestamp.
func (s *session) touch() {
	s.mu.Lock()
	s.lastSeenAt = time.Now().UTC()
	s.mu.Unlock()
}

// setElicitation records whether the client declared the elicitation
// capability during initialize.
func (s *session) setElicitation(supported bool) {
	s.mu.Lock()
	s.elicitation = supported
	s.mu.Unlock()
}

// attachStream binds the long-lived GET to this session. Only one stream is
// held at a time; attaching replaces (and closes) a previous one.
func (s *session) attachStream() (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session %s is closed", s.id)
	}
	if s.stream != nil {
		close(s.stream)
	}
	s.stream = make(chan []byte, 16)
	return s.stream, nil
}

// detachStream drops the stream if it is still the given one.
func (s *session) detachStream(ch <-chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || (<-chan []byte)(s.stream) != ch {
		return
	}
	close(s.stream)
	s.stream = nil
}

// send delivers one frame to the attached stream. Returns false when no
// stream is attached or the stream is saturated. The send happens under the
// session lock so teardown can never close the channel mid-send.
func (s *session) send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || s.closed {
		return false
	}
	select {
	case s.stream <- frame:
		return true
	default:
		return false
	}
}

// newElicitation allocates a request id and a reply channel for one
// server-initiated round-trip.
func (s *session) newElicitation() (int64, <-chan elicitAnswer, func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan elicitAnswer, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}
	return id, ch, cancel
}

// resolveElicitation routes a client JSON-RPC response to its waiter.
// Returns false when no round-trip with that id is pending.
func (s *session) resolveElicitation(id int64, result json.RawMessage) bool {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	var answer elicitAnswer
	if err := json.Unmarshal(result, &answer); err != nil {
		answer = elicitAnswer{Action: "cancel"}
	}
	ch <- answer
	return true
}

// close tears the session down: the stream is closed and every pending
// elicitation is cancelled.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.stream != nil {
		close(s.stream)
		s.stream = nil
	}
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- elicitAnswer{Action: "cancel"}
	}
}

// elicitationReady reports whether an in-band prompt can be attempted right
// now: capability declared and a live stream attached.
func (s *session) elicitationReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elicitation && s.stream != nil && !s.closed
}

// sessionMap is the process-wide session registry.
type sessionMap struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionMap() *sessionMap {
	return &sessionMap{sessions: make(map[string]*session)}
}

func (m *sessionMap) create() *session {
	s := newSession()
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

func (m *sessionMap) get(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// remove deletes and closes a session. Returns false when the id is unknown.
func (m *sessionMap) remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

func (m *sessionMap) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
