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

package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/runlet/pkg/tool"
)

// Catalog is the immutable set of tools available to one workspace,
// produced by one load of its sources.
type Catalog struct {
	// Tools are sorted by path.
	Tools []tool.Descriptor

	// Schemas is the merged alias map across all sources.
	Schemas map[string]string

	// Warnings are non-fatal loader messages (a source that failed to
	// load contributes a warning, not an error).
	Warnings []string

	// Key identifies the source configuration this catalog was built
	// from.
	Key string

	BuiltAt time.Time

	byPath map[string]*tool.Descriptor
}

// NewCatalog indexes the given tools. Tools are sorted by path; the merged
// schema map is collected from per-source schema carriers.
func NewCatalog(key string, tools []tool.Descriptor, warnings []string) *Catalog {
	sort.Slice(tools, func(i, j int) bool { return tools[i].Path < tools[j].Path })

	c := &Catalog{
		Tools:    tools,
		Schemas:  make(map[string]string),
		Warnings: warnings,
		Key:      key,
		BuiltAt:  time.Now(),
		byPath:   make(map[string]*tool.Descriptor, len(tools)),
	}
	for i := range c.Tools {
		d := &c.Tools[i]
		c.byPath[d.Path] = d
		for name, body := range d.SchemaTypes {
			c.Schemas[name] = body
		}
	}
	return c
}

// Lookup returns the descriptor for a tool path.
func (c *Catalog) Lookup(path string) (*tool.Descriptor, bool) {
	d, ok := c.byPath[path]
	return d, ok
}

// Len returns the number of tools.
func (c *Catalog) Len() int { return len(c.Tools) }

// BuildFunc loads all configured sources into descriptors. It returns the
// tools, non-fatal warnings, and an error only when nothing could be built.
type BuildFunc func(ctx context.Context, sources []tool.SourceConfig) ([]tool.Descriptor, []string, error)

// ToolRegistry caches catalogs per source-set fingerprint. Concurrent
// requests for the same key share a single build.
type ToolRegistry struct {
	build    BuildFunc
	catalogs *BaseRegistry[*Catalog]
	group    singleflight.Group
}

// NewToolRegistry creates a registry around the given builder.
func NewToolRegistry(build BuildFunc) *ToolRegistry {
	return &ToolRegistry{
		build:    build,
		catalogs: NewBaseRegistry[*Catalog](),
	}
}

// CacheKey fingerprints a source set. It covers each source's spec identity
// and auth material: changing either invalidates the cached catalog.
func CacheKey(sources []tool.SourceConfig) string {
	parts := make([]string, 0, len(sources))
	for i := range sources {
		src := &sources[i]
		parts = append(parts, src.Name+":"+src.SpecHash()+":"+src.AuthFingerprint())
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the catalog for the given sources, building it on first
// use. Subsequent calls with an unchanged source set hit the cache.
func (r *ToolRegistry) Resolve(ctx context.Context, sources []tool.SourceConfig) (*Catalog, error) {
	key := CacheKey(sources)
	if cat, ok := r.catalogs.Get(key); ok {
		return cat, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if cat, ok := r.catalogs.Get(key); ok {
			return cat, nil
		}
		tools, warnings, err := r.build(ctx, sources)
		if err != nil {
			return nil, fmt.Errorf("failed to build tool catalog: %w", err)
		}
		cat := NewCatalog(key, tools, warnings)
		_ = r.catalogs.Upsert(key, cat)
		return cat, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalog), nil
}

// Invalidate drops a cached catalog, forcing a rebuild on next resolve.
func (r *ToolRegistry) Invalidate(sources []tool.SourceConfig) {
	_ = r.catalogs.Remove(CacheKey(sources))
}

// InvalidateAll clears the cache, e.g. after a config reload.
func (r *ToolRegistry) InvalidateAll() {
	r.catalogs.Clear()
}
