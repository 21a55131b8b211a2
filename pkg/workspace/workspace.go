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

// Package workspace is the access directory: it resolves which workspace
// and actor a request acts as. The membership graph behind it is a black
// box; this implementation is config-backed with anonymous bootstrap.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Provider names how an access was established.
const (
	ProviderOAuth     = "oauth"
	ProviderAnonymous = "anonymous"
)

// Access is a resolved (workspace, actor) binding.
type Access struct {
	WorkspaceID string `json:"workspaceId"`
	ActorID     string `json:"actorId"`
	Provider    string `json:"provider"`
}

// Credential binds static auth headers to one source inside a workspace.
// An empty ActorID scopes the credential to the whole workspace.
type Credential struct {
	Source  string            `yaml:"source" mapstructure:"source"`
	ActorID string            `yaml:"actor_id,omitempty" mapstructure:"actor_id"`
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`
}

// Definition declares one workspace in configuration.
type Definition struct {
	ID          string       `yaml:"id" mapstructure:"id"`
	Credentials []Credential `yaml:"credentials,omitempty" mapstructure:"credentials"`
}

// Directory resolves request identities. Anonymous bootstraps are
// deterministic: the same session id always yields the same binding.
type Directory struct {
	mu   sync.RWMutex
	defs map[string]Definition
	anon map[string]Access
}

// NewDirectory builds the directory from configured workspaces. An empty
// definition list leaves the directory open: any authenticated workspace id
// is accepted as-is.
func NewDirectory(defs []Definition) *Directory {
	d := &Directory{
		defs: make(map[string]Definition, len(defs)),
		anon: make(map[string]Access),
	}
	for _, def := range defs {
		d.defs[def.ID] = def
	}
	return d
}

// ResolveAccess binds an authenticated subject to a workspace. When
// workspaces are declared in config, unknown ids are rejected.
func (d *Directory) ResolveAccess(ctx context.Context, workspaceID, subject string) (Access, error) {
	if workspaceID == "" {
		return Access{}, fmt.Errorf("workspace id is required")
	}
	if subject == "" {
		return Access{}, fmt.Errorf("subject is required")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.defs) > 0 {
		if _, ok := d.defs[workspaceID]; !ok {
			return Access{}, fmt.Errorf("unknown workspace %q", workspaceID)
		}
	}
	return Access{WorkspaceID: workspaceID, ActorID: subject, Provider: ProviderOAuth}, nil
}

// Bootstrap establishes (or re-establishes) an anonymous binding for a
// session id. Idempotent: a valid session id maps to the same workspace and
// actor on every call.
func (d *Directory) Bootstrap(ctx context.Context, sessionID string) (Access, error) {
	if sessionID == "" {
		return Access{}, fmt.Errorf("session id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.anon[sessionID]; ok {
		return a, nil
	}

	sum := sha256.Sum256([]byte(sessionID))
	tag := hex.EncodeToString(sum[:])[:12]
	a := Access{
		WorkspaceID: "ws_anon_" + tag,
		ActorID:     "anon_" + tag,
		Provider:    ProviderAnonymous,
	}
	d.anon[sessionID] = a
	return a, nil
}

// CredentialsFor returns the effective auth headers for one source call.
// Actor-scoped credentials override workspace-scoped ones key by key.
func (d *Directory) CredentialsFor(workspaceID, actorID, source string) map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	def, ok := d.defs[workspaceID]
	if !ok {
		return nil
	}

	merged := make(map[string]string)
	for _, c := range def.Credentials {
		if c.Source != source || c.ActorID != "" {
			continue
		}
		for k, v := range c.Headers {
			merged[k] = v
		}
	}
	for _, c := range def.Credentials {
		if c.Source != source || c.ActorID != actorID || c.ActorID == "" {
			continue
		}
		for k, v := range c.Headers {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
