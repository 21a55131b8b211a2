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

// Package policy resolves access decisions for tool calls.
//
// Rules are scoped to a workspace, optionally narrowed to an actor and a
// client, and match dot-separated tool paths: "*" matches exactly one
// segment, "**" (final segment only) matches any remaining suffix. The
// highest-priority matching rule wins.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Decision of an access rule.
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require_approval"
	Deny            Decision = "deny"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case Allow, RequireApproval, Deny:
		return true
	}
	return false
}

// Rule grants or gates tool access for a workspace. ActorID and ClientID
// are optional narrowing dimensions; empty means any.
type Rule struct {
	WorkspaceID string   `json:"workspaceId" yaml:"workspace_id"`
	ActorID     string   `json:"actorId,omitempty" yaml:"actor_id,omitempty"`
	ClientID    string   `json:"clientId,omitempty" yaml:"client_id,omitempty"`
	Pattern     string   `json:"toolPathPattern" yaml:"tool_path_pattern"`
	Decision    Decision `json:"decision" yaml:"decision"`
	Priority    int      `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Query identifies one tool call to evaluate.
type Query struct {
	WorkspaceID string
	ActorID     string
	ClientID    string
	ToolPath    string
}

// Engine evaluates rules. Immutable after construction.
type Engine struct {
	rules []compiledRule
}

type compiledRule struct {
	Rule
	segments []string
	index    int
}

// New compiles and validates the rule set. "**" is only valid as the final
// pattern segment.
func New(rules []Rule) (*Engine, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.WorkspaceID == "" {
			return nil, fmt.Errorf("rule %d: missing workspaceId", i)
		}
		if !r.Decision.Valid() {
			return nil, fmt.Errorf("rule %d: invalid decision %q", i, r.Decision)
		}
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %d: empty pattern", i)
		}
		segs := strings.Split(r.Pattern, ".")
		for j, seg := range segs {
			switch seg {
			case "**":
				if j != len(segs)-1 {
					return nil, fmt.Errorf("rule %d: '**' must be the final segment in %q", i, r.Pattern)
				}
			case "*":
			case "":
				return nil, fmt.Errorf("rule %d: empty segment in %q", i, r.Pattern)
			}
		}
		compiled = append(compiled, compiledRule{Rule: r, segments: segs, index: i})
	}
	// Highest priority first; declaration order breaks ties.
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].index < compiled[j].index
	})
	return &Engine{rules: compiled}, nil
}

// Resolve returns the decision of the highest-priority rule matching q,
// or Allow when none matches.
func (e *Engine) Resolve(q Query) Decision {
	d, _ := e.Match(q)
	return d
}

// Match is Resolve plus an explicit-match flag, so callers can tell a
// matched allow apart from the absence of any rule.
func (e *Engine) Match(q Query) (Decision, bool) {
	r, ok := e.MatchRule(q)
	if !ok {
		return Allow, false
	}
	return r.Decision, true
}

// MatchRule returns the winning rule itself, so callers can inspect how the
// match was made (an exact-path rule carries more intent than a wildcard).
func (e *Engine) MatchRule(q Query) (Rule, bool) {
	segs := strings.Split(q.ToolPath, ".")
	for i := range e.rules {
		r := &e.rules[i]
		if r.WorkspaceID != q.WorkspaceID {
			continue
		}
		if r.ActorID != "" && r.ActorID != q.ActorID {
			continue
		}
		if r.ClientID != "" && r.ClientID != q.ClientID {
			continue
		}
		if matchSegments(r.segments, segs) {
			return r.Rule, true
		}
	}
	return Rule{}, false
}

// Exact reports whether the rule's pattern names a single tool path with no
// wildcards.
func (r Rule) Exact() bool {
	return !strings.Contains(r.Pattern, "*")
}

// MatchPattern reports whether a dotted tool path matches a rule pattern.
// `*` matches one segment, a final `**` matches any suffix.
func MatchPattern(pattern, path string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(path, "."))
}

func matchSegments(pattern, segs []string) bool {
	for i, p := range pattern {
		if p == "**" {
			// Final segment; matches any suffix including the empty one.
			return true
		}
		if i >= len(segs) {
			return false
		}
		if p != "*" && p != segs[i] {
			return false
		}
	}
	return len(pattern) == len(segs)
}
