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

package typecheck

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja/parser"
)

// SyntaxChecker validates submitted code without a full TypeScript compiler:
// it parses the fragment for syntax errors, verifies that every tools.* call
// resolves to a declared tool, and structurally checks object-literal
// arguments against the declared parameter type. Non-literal arguments and
// expressions it cannot evaluate are accepted.
type SyntaxChecker struct{}

// NewSyntaxChecker creates the default embedded checker.
func NewSyntaxChecker() *SyntaxChecker {
	return &SyntaxChecker{}
}

func (c *SyntaxChecker) Name() string { return "syntax" }

// Check implements Checker. Diagnostics carry checked-unit line numbers.
func (c *SyntaxChecker) Check(unit *Unit) ([]Diagnostic, error) {
	// The fragment is an async function body, so wrap before parsing to
	// permit top-level await and return. Annotations are blanked first so
	// the JavaScript parser accepts the fragment; positions are preserved.
	// The wrapper adds one line.
	wrapped := "(async () => {\n" + StripTypes(unit.UserCode) + "\n})()"
	if _, err := parser.ParseFile(nil, "code.ts", wrapped, 0); err != nil {
		return syntaxDiagnostics(err, unit.Offset), nil
	}

	checker := &structuralChecker{schemas: unit.Schemas, cache: map[string]TypeExpr{}}
	var diags []Diagnostic
	for _, call := range scanToolCalls(unit.UserCode) {
		for _, msg := range checker.checkCall(unit.Decls, call) {
			diags = append(diags, Diagnostic{Line: unit.Offset + call.line, Message: msg})
		}
	}
	return diags, nil
}

func syntaxDiagnostics(err error, offset int) []Diagnostic {
	if list, ok := err.(parser.ErrorList); ok {
		diags := make([]Diagnostic, 0, len(list))
		for _, e := range list {
			line := 0
			if e.Position.Line > 1 {
				// Subtract the wrapper line, then shift into unit coords.
				line = offset + e.Position.Line - 1
			}
			diags = append(diags, Diagnostic{Line: line, Message: e.Message})
		}
		return diags
	}
	return []Diagnostic{{Message: err.Error()}}
}

var _ Checker = (*SyntaxChecker)(nil)

// toolCall is one syntactic `tools.a.b(...)` occurrence in the fragment.
type toolCall struct {
	line    int // 1-based line of the `tools` token
	path    []string
	isCall  bool
	hasArgs bool
	arg     *litVal // parsed first argument, nil when not a plain literal
}

type structuralChecker struct {
	schemas   map[string]string
	cache     map[string]TypeExpr
	resolving map[string]bool
}

func (c *structuralChecker) checkCall(decls *DeclTree, call toolCall) []string {
	if !call.isCall {
		return nil
	}
	full := "tools." + strings.Join(call.path, ".")

	node := decls
	for i, seg := range call.path {
		next := node.Children[seg]
		if next == nil {
			parent := "tools"
			if i > 0 {
				parent += "." + strings.Join(call.path[:i], ".")
			}
			return []string{fmt.Sprintf("Property '%s' does not exist on type of '%s'.", seg, parent)}
		}
		node = next
	}
	if node.Leaf == nil {
		return []string{fmt.Sprintf("'%s' is not callable.", full)}
	}

	argsType := node.Leaf.ArgsType
	if argsType == "" {
		argsType = defaultArgs
	}
	target := c.resolve(ParseType(argsType), 0)

	if !call.hasArgs {
		if obj, ok := target.(ObjType); ok {
			for _, f := range obj.Fields {
				if !f.Optional && !c.acceptsUndefined(f.Type, 0) {
					return []string{fmt.Sprintf("Expected an argument for '%s'.", full)}
				}
			}
		}
		return nil
	}
	if call.arg == nil {
		// Argument is an expression we cannot evaluate statically.
		return nil
	}
	return c.checkValue(*call.arg, target, "argument for '"+full+"'", 0)
}

// checkValue structurally compares a literal against the target type and
// returns diagnostics. Anything uncertain passes.
func (c *structuralChecker) checkValue(v litVal, t TypeExpr, where string, depth int) []string {
	if depth > 16 || v.kind == litOpaque {
		return nil
	}
	t = c.resolve(t, depth)

	switch tt := t.(type) {
	case PrimType:
		switch tt.Name {
		case "unknown", "any":
			return nil
		case "never":
			return []string{fmt.Sprintf("Type '%s' is not assignable to type 'never' in %s.", v.describe(), where)}
		}
		if v.primName() == tt.Name {
			return nil
		}
		return []string{fmt.Sprintf("Type '%s' is not assignable to type '%s' in %s.", v.describe(), tt.Name, where)}
	case LitType:
		if v.canonical() == tt.Raw {
			return nil
		}
		return []string{fmt.Sprintf("Type '%s' is not assignable to type '%s' in %s.", v.describe(), tt.Raw, where)}
	case UnionType:
		for _, part := range tt.Parts {
			if len(c.checkValue(v, part, where, depth+1)) == 0 {
				return nil
			}
		}
		return []string{fmt.Sprintf("Type '%s' is not assignable to type '%s' in %s.", v.describe(), typeString(t), where)}
	case ArrType:
		if v.kind != litArr {
			return []string{fmt.Sprintf("Type '%s' is not assignable to type '%s' in %s.", v.describe(), typeString(t), where)}
		}
		for _, elem := range v.arr {
			if msgs := c.checkValue(elem, tt.Elem, where, depth+1); len(msgs) > 0 {
				return msgs
			}
		}
		return nil
	case ObjType:
		if v.kind != litObj {
			return []string{fmt.Sprintf("Type '%s' is not assignable to type '%s' in %s.", v.describe(), typeString(t), where)}
		}
		var msgs []string
		for _, key := range v.keys {
			field := tt.field(key)
			if field == nil {
				if tt.Index == nil {
					msgs = append(msgs, fmt.Sprintf("Unknown property '%s' in %s.", key, where))
				} else if m := c.checkValue(v.obj[key], tt.Index, fmt.Sprintf("property '%s' of %s", key, where), depth+1); len(m) > 0 {
					msgs = append(msgs, m...)
				}
				continue
			}
			msgs = append(msgs, c.checkValue(v.obj[key], field.Type, fmt.Sprintf("property '%s' of %s", key, where), depth+1)...)
		}
		for _, f := range tt.Fields {
			if f.Optional || c.acceptsUndefined(f.Type, depth+1) {
				continue
			}
			if _, ok := v.obj[f.Name]; !ok {
				msgs = append(msgs, fmt.Sprintf("Property '%s' is missing in %s.", f.Name, where))
			}
		}
		return msgs
	default:
		// Unresolved refs and generics are accepted.
		return nil
	}
}

// resolve follows schema aliases, with a cycle guard.
func (c *structuralChecker) resolve(t TypeExpr, depth int) TypeExpr {
	ref, ok := t.(RefType)
	if !ok || depth > 16 {
		return t
	}
	if cached, ok := c.cache[ref.Name]; ok {
		return cached
	}
	body, ok := c.schemas[ref.Name]
	if !ok {
		return unknownType
	}
	if c.resolving == nil {
		c.resolving = map[string]bool{}
	}
	if c.resolving[ref.Name] {
		return unknownType
	}
	c.resolving[ref.Name] = true
	resolved := c.resolve(ParseType(body), depth+1)
	delete(c.resolving, ref.Name)
	c.cache[ref.Name] = resolved
	return resolved
}

func (c *structuralChecker) acceptsUndefined(t TypeExpr, depth int) bool {
	if depth > 16 {
		return true
	}
	switch tt := c.resolve(t, depth).(type) {
	case PrimType:
		return tt.Name == "undefined" || tt.Name == "void" || tt.Name == "unknown" || tt.Name == "any"
	case UnionType:
		for _, part := range tt.Parts {
			if c.acceptsUndefined(part, depth+1) {
				return true
			}
		}
	case GenericType:
		return true
	}
	return false
}

func (o ObjType) field(name string) *ObjField {
	for i := range o.Fields {
		if o.Fields[i].Name == name {
			return &o.Fields[i]
		}
	}
	return nil
}

// typeString renders a type expression for diagnostics.
func typeString(t TypeExpr) string {
	switch tt := t.(type) {
	case PrimType:
		return tt.Name
	case LitType:
		return tt.Raw
	case RefType:
		return tt.Name
	case ArrType:
		elem := typeString(tt.Elem)
		if _, ok := tt.Elem.(UnionType); ok {
			elem = "(" + elem + ")"
		}
		return elem + "[]"
	case UnionType:
		parts := make([]string, len(tt.Parts))
		for i, p := range tt.Parts {
			parts[i] = typeString(p)
		}
		return strings.Join(parts, " | ")
	case ObjType:
		parts := make([]string, 0, len(tt.Fields)+1)
		for _, f := range tt.Fields {
			q := ""
			if f.Optional {
				q = "?"
			}
			parts = append(parts, fmt.Sprintf("%s%s: %s", f.Name, q, typeString(f.Type)))
		}
		if tt.Index != nil {
			parts = append(parts, "[key: string]: "+typeString(tt.Index))
		}
		if len(parts) == 0 {
			return "{}"
		}
		return "{ " + strings.Join(parts, "; ") + " }"
	case GenericType:
		args := make([]string, len(tt.Args))
		for i, a := range tt.Args {
			args[i] = typeString(a)
		}
		return tt.Name + "<" + strings.Join(args, ", ") + ">"
	default:
		return "unknown"
	}
}

// litKind classifies a parsed literal value.
type litKind int

const (
	litOpaque litKind = iota
	litStr
	litNum
	litBool
	litNull
	litObj
	litArr
)

type litVal struct {
	kind litKind
	str  string
	num  float64
	b    bool
	obj  map[string]litVal
	keys []string
	arr  []litVal
}

func (v litVal) primName() string {
	switch v.kind {
	case litStr:
		return "string"
	case litNum:
		return "number"
	case litBool:
		return "boolean"
	case litNull:
		return "null"
	}
	return ""
}

func (v litVal) describe() string {
	switch v.kind {
	case litStr, litNum, litBool, litNull:
		return v.canonical()
	case litObj:
		return "object"
	case litArr:
		return "array"
	}
	return "unknown"
}

// canonical returns the value in the same form the type notation uses for
// literal types, so comparisons are string equality.
func (v litVal) canonical() string {
	switch v.kind {
	case litStr:
		return strconv.Quote(v.str)
	case litNum:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case litBool:
		return strconv.FormatBool(v.b)
	case litNull:
		return "null"
	}
	return ""
}
