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

// Package typecheck validates a user code fragment against the synthesized
// tools namespace before a task is created.
//
// The checked unit is assembled as: schema alias lines, a three-line sandbox
// prelude (console, setTimeout, clearTimeout), the single-line tools
// declaration, and the user's code wrapped in an async function body.
// Diagnostics are mapped back to 1-based lines of the user's code.
package typecheck

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ToolDecl is one tool's contribution to the declaration bundle.
type ToolDecl struct {
	Path        string
	ArgsType    string
	ReturnsType string
}

// Result is the outcome of a typecheck run. Errors are human-readable lines
// prefixed with "Line N:" when a source position is known.
type Result struct {
	OK     bool
	Errors []string
}

// Diagnostic is a checker finding in checked-unit coordinates.
// Line is 1-based over the assembled program; zero means unknown.
type Diagnostic struct {
	Line    int
	Message string
}

// Checker is the embeddable checking engine. Implementations may be
// semantic, syntax-only, or absent entirely (NullChecker).
type Checker interface {
	Name() string
	Check(unit *Unit) ([]Diagnostic, error)
}

// Unit is one assembled checked unit.
type Unit struct {
	// Program is the full text: aliases, prelude, tools decl, wrapped code.
	Program string

	// UserCode is the raw fragment as submitted.
	UserCode string

	// Offset is the number of lines preceding the user's first line
	// (alias lines + 4 prelude lines + 1 function header).
	Offset int

	// Decls is the nested tool namespace with parsed type expressions.
	Decls *DeclTree

	// Schemas maps alias names to their type strings.
	Schemas map[string]string
}

// DeclTree is the nested tools namespace. Interior nodes hold children keyed
// by path segment; leaves hold the tool declaration.
type DeclTree struct {
	Children map[string]*DeclTree
	Leaf     *ToolDecl
}

func (t *DeclTree) child(seg string) *DeclTree {
	if t.Children == nil {
		t.Children = make(map[string]*DeclTree)
	}
	c, ok := t.Children[seg]
	if !ok {
		c = &DeclTree{}
		t.Children[seg] = c
	}
	return c
}

// Lookup resolves a dotted path to a leaf declaration.
func (t *DeclTree) Lookup(path []string) *ToolDecl {
	node := t
	for _, seg := range path {
		if node.Children == nil {
			return nil
		}
		next, ok := node.Children[seg]
		if !ok {
			return nil
		}
		node = next
	}
	return node.Leaf
}

const (
	defaultArgs    = "{ [key: string]: unknown }"
	defaultReturns = "unknown"

	// preludeLines counts the fixed lines between the alias block and the
	// user's code: three sandbox globals plus the tools declaration.
	preludeLines = 4
)

var sandboxPrelude = []string{
	"declare const console: { log(...args: unknown[]): void; info(...args: unknown[]): void; warn(...args: unknown[]): void; error(...args: unknown[]): void };",
	"declare function setTimeout(cb: () => void, ms?: number): number;",
	"declare function clearTimeout(id: number): void;",
}

// BuildUnit assembles the checked unit for the given tools and merged
// schema aliases. Optional extraDecls are prefetched declaration bundles
// placed ahead of the alias block; each must end in a newline or it gets
// one appended.
func BuildUnit(code string, tools []ToolDecl, schemas map[string]string, extraDecls ...string) *Unit {
	aliasNames := make([]string, 0, len(schemas))
	for name := range schemas {
		aliasNames = append(aliasNames, name)
	}
	sort.Strings(aliasNames)

	var b strings.Builder
	extraLines := 0
	for _, decl := range extraDecls {
		if decl == "" {
			continue
		}
		if !strings.HasSuffix(decl, "\n") {
			decl += "\n"
		}
		b.WriteString(decl)
		extraLines += strings.Count(decl, "\n")
	}
	for _, name := range aliasNames {
		fmt.Fprintf(&b, "type %s = %s;\n", name, schemas[name])
	}
	for _, line := range sandboxPrelude {
		b.WriteString(line)
		b.WriteString("\n")
	}

	root := &DeclTree{}
	for i := range tools {
		decl := tools[i]
		segs := strings.Split(decl.Path, ".")
		node := root
		for _, seg := range segs {
			node = node.child(seg)
		}
		node.Leaf = &decl
	}
	b.WriteString("declare const tools: ")
	writeDeclTree(&b, root)
	b.WriteString(";\n")

	b.WriteString("async function __run(): Promise<unknown> {\n")
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("}\n")

	return &Unit{
		Program:  b.String(),
		UserCode: code,
		Offset:   extraLines + len(aliasNames) + preludeLines + 1,
		Decls:    root,
		Schemas:  schemas,
	}
}

// writeDeclTree renders the nested namespace on a single line so the line
// arithmetic above stays fixed.
func writeDeclTree(b *strings.Builder, node *DeclTree) {
	b.WriteString("{ ")
	segs := make([]string, 0, len(node.Children))
	for seg := range node.Children {
		segs = append(segs, seg)
	}
	sort.Strings(segs)
	for _, seg := range segs {
		child := node.Children[seg]
		if child.Leaf != nil {
			args := child.Leaf.ArgsType
			if args == "" {
				args = defaultArgs
			}
			returns := child.Leaf.ReturnsType
			if returns == "" {
				returns = defaultReturns
			}
			fmt.Fprintf(b, "%s(input: %s): Promise<%s>; ", seg, args, returns)
			continue
		}
		b.WriteString(seg)
		b.WriteString(": ")
		writeDeclTree(b, child)
		b.WriteString("; ")
	}
	b.WriteString("}")
}

// Typechecker runs a Checker over assembled units and maps diagnostics back
// to user-code lines.
type Typechecker struct {
	checker  Checker
	warnOnce sync.Once
}

// New creates a Typechecker. A nil checker degrades to NullChecker.
func New(c Checker) *Typechecker {
	if c == nil {
		c = NullChecker{}
	}
	return &Typechecker{checker: c}
}

// Typecheck validates code against the declaration bundle. The result is
// deterministic: identical inputs yield identical results.
func (t *Typechecker) Typecheck(code string, tools []ToolDecl, schemas map[string]string, extraDecls ...string) Result {
	unit := BuildUnit(code, tools, schemas, extraDecls...)

	diags, err := t.checker.Check(unit)
	if err != nil {
		// No checker available in this environment: degrade to success.
		t.warnOnce.Do(func() {
			slog.Warn("Typechecker unavailable, code checks disabled", "checker", t.checker.Name(), "error", err)
		})
		return Result{OK: true}
	}
	if len(diags) == 0 {
		return Result{OK: true}
	}

	errors := make([]string, 0, len(diags))
	for _, d := range diags {
		userLine := d.Line - unit.Offset
		if d.Line > 0 && userLine > 0 {
			errors = append(errors, fmt.Sprintf("Line %d: %s", userLine, d.Message))
		} else {
			errors = append(errors, d.Message)
		}
	}
	return Result{OK: false, Errors: errors}
}

// NullChecker always succeeds. Used when no checking engine is linked in.
type NullChecker struct{}

func (NullChecker) Name() string { return "null" }

func (NullChecker) Check(*Unit) ([]Diagnostic, error) { return nil, nil }

var _ Checker = NullChecker{}
