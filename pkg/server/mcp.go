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
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kadirpekel/runlet/pkg/auth"
	"github.com/kadirpekel/runlet/pkg/workspace"
)

const (
	sessionHeader = "Mcp-Session-Id"

	// maxBodyBytes bounds one RPC request body.
	maxBodyBytes = 4 << 20
)

// JSON-RPC error codes on the transport boundary.
const (
	codeBadRequest      = -32000
	codeSessionNotFound = -32001
)

// rpcFrame is the minimal shape peeked off every POST body before it is
// handed to the protocol engine. A frame without a method is a client
// response to a server-initiated request.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// writeRPCError writes a bare JSON-RPC error envelope with the given HTTP
// status.
func writeRPCError(w http.ResponseWriter, httpStatus, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error":   map[string]any{"code": code, "message": message},
	})
}

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: unreadable body")
		return
	}

	var frame rpcFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: invalid JSON")
		return
	}

	// Client responses (elicitation answers) are bound to their session.
	if frame.Method == "" {
		s.routeClientResponse(w, r, &frame)
		return
	}

	// Session resolution: no header creates a session in stateful mode;
	// a stale header degrades to stateless handling.
	var sess *session
	headerID := r.Header.Get(sessionHeader)
	switch {
	case headerID == "" && !s.cfg.Server.Stateless:
		sess = s.sessions.create()
		w.Header().Set(sessionHeader, sess.id)
		s.obs.Metrics().RecordSessionCreated(r.Context())
		slog.Debug("Session created", "session", sess.id)
	case headerID != "":
		var ok bool
		sess, ok = s.sessions.get(headerID)
		if !ok {
			slog.Debug("Unknown session, handling statelessly", "session", headerID)
		}
	}

	access, clientID, err := s.resolveAccess(r, sess)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: "+err.Error())
		return
	}

	if frame.Method == "initialize" && sess != nil {
		sess.setElicitation(clientSupportsElicitation(frame.Params))
	}

	ctx := withBinding(r.Context(), &binding{access: access, clientID: clientID, sess: sess})
	if sess != nil {
		// FIFO per session: one dispatch at a time, failures included.
		sess.dispatchMu.Lock()
		defer sess.dispatchMu.Unlock()
		sess.touch()
	}

	resp := s.mcp.HandleMessage(ctx, body)
	if resp == nil {
		// Notification: nothing to send back.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("Failed to write RPC response", "error", err)
	}
}

// routeClientResponse delivers a JSON-RPC response frame to the pending
// server-initiated request it answers. This is the one path where a session
// miss is a hard 404: the response is meaningless without its session.
func (s *Server) routeClientResponse(w http.ResponseWriter, r *http.Request, frame *rpcFrame) {
	headerID := r.Header.Get(sessionHeader)
	if headerID == "" {
		writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: Mcp-Session-Id header is required")
		return
	}
	sess, ok := s.sessions.get(headerID)
	if !ok {
		writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "Session not found")
		return
	}
	sess.touch()

	var id int64
	if err := json.Unmarshal(frame.ID, &id); err != nil {
		writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: unsupported response id")
		return
	}
	result := frame.Result
	if len(frame.Error) > 0 {
		// An errored round-trip counts as a cancel.
		result = json.RawMessage(`{"action":"cancel"}`)
	}
	if !sess.resolveElicitation(id, result) {
		slog.Debug("Dropped response for unknown request", "session", sess.id, "id", id)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	headerID := r.Header.Get(sessionHeader)
	if headerID == "" {
		writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: Mcp-Session-Id header is required")
		return
	}
	sess, ok := s.sessions.get(headerID)
	if !ok {
		writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "Session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	stream, err := sess.attachStream()
	if err != nil {
		writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "Session not found")
		return
	}
	defer sess.detachStream(stream)
	sess.touch()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-stream:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	headerID := r.Header.Get(sessionHeader)
	if headerID == "" {
		writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: Mcp-Session-Id header is required")
		return
	}
	if !s.sessions.remove(headerID) {
		writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "Session not found")
		return
	}
	slog.Debug("Session closed", "session", headerID)
	w.WriteHeader(http.StatusNoContent)
}

// resolveAccess binds the request to a workspace and actor. OAuth deployments
// require the workspaceId query parameter and a validated token; anonymous
// deployments bootstrap a deterministic workspace from the session binding.
func (s *Server) resolveAccess(r *http.Request, sess *session) (workspace.Access, string, error) {
	query := r.URL.Query()
	clientID := query.Get("clientId")

	if s.cfg.Auth.Enabled {
		claims := auth.ClaimsFromContext(r.Context())
		if claims == nil {
			return workspace.Access{}, "", fmt.Errorf("missing authentication")
		}
		workspaceID := query.Get("workspaceId")
		if workspaceID == "" {
			workspaceID = claims.WorkspaceID
		}
		if workspaceID == "" {
			return workspace.Access{}, "", fmt.Errorf("workspaceId query parameter is required")
		}
		access, err := s.directory.ResolveAccess(r.Context(), workspaceID, claims.Subject)
		if err != nil {
			return workspace.Access{}, "", err
		}
		return access, clientID, nil
	}

	bindID := query.Get("sessionId")
	if bindID == "" && sess != nil {
		bindID = sess.id
	}
	if bindID == "" {
		// Fully stateless anonymous request: an ephemeral workspace.
		bindID = uuid.NewString()
	}
	access, err := s.directory.Bootstrap(r.Context(), bindID)
	if err != nil {
		return workspace.Access{}, "", err
	}
	return access, clientID, nil
}

// clientSupportsElicitation inspects initialize params for the elicitation
// capability.
func clientSupportsElicitation(params json.RawMessage) bool {
	if len(params) == 0 {
		return false
	}
	var p struct {
		Capabilities struct {
			Elicitation json.RawMessage `json:"elicitation"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return false
	}
	return p.Capabilities.Elicitation != nil
}
