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
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// resourceMetadataURL is the absolute discovery URL advertised in 401
// challenges.
func (s *Server) resourceMetadataURL() string {
	return strings.TrimRight(s.cfg.Server.BaseURL, "/") + "/.well-known/oauth-protected-resource"
}

// handleProtectedResource serves RFC 9728 protected-resource metadata so MCP
// clients can discover the authorization server.
func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(s.cfg.Server.BaseURL, "/")
	doc := map[string]any{
		"resource":                 base + "/mcp",
		"bearer_methods_supported": []string{"header"},
	}
	if s.cfg.Auth.Issuer != "" {
		doc["authorization_servers"] = []string{s.cfg.Auth.Issuer}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// handleAuthServerMetadata proxies the upstream authorization server's
// metadata document. Clients that only know this broker's origin still find
// the token endpoints.
func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.Issuer == "" {
		http.Error(w, `{"error":"no authorization server configured"}`, http.StatusNotFound)
		return
	}
	upstream := strings.TrimRight(s.cfg.Auth.Issuer, "/") + "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstream, nil)
	if err != nil {
		http.Error(w, `{"error":"bad upstream url"}`, http.StatusBadGateway)
		return
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("Authorization server metadata fetch failed", "url", upstream, "error", err)
		http.Error(w, `{"error":"authorization server unreachable"}`, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
