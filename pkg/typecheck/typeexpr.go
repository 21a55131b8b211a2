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
	"strconv"
	"strings"
	"unicode"
)

// TypeExpr is a parsed type expression from the synthesized notation.
// The parser is lenient: anything it cannot understand becomes Unknown,
// which matches every value.
type TypeExpr interface {
	typeExpr()
}

// PrimType is a primitive keyword: string, number, boolean, null,
// undefined, void, unknown, any, never.
type PrimType struct{ Name string }

// LitType is a string, number, or boolean literal type.
type LitType struct {
	Raw string // canonical source form, e.g. `"open"`, `42`, `true`
}

// ObjField is one property of an object type.
type ObjField struct {
	Name     string
	Optional bool
	Type     TypeExpr
}

// ObjType is an object literal type, optionally with an index signature.
type ObjType struct {
	Fields []ObjField
	Index  TypeExpr // value type of `[key: string]: T`, nil when absent
}

// ArrType is T[].
type ArrType struct{ Elem TypeExpr }

// UnionType is A | B | C.
type UnionType struct{ Parts []TypeExpr }

// RefType is a bare type name, typically a schema alias.
type RefType struct{ Name string }

// GenericType is Name<Args...>, e.g. Promise<T>.
type GenericType struct {
	Name string
	Args []TypeExpr
}

func (PrimType) typeExpr()    {}
func (LitType) typeExpr()     {}
func (ObjType) typeExpr()     {}
func (ArrType) typeExpr()     {}
func (UnionType) typeExpr()   {}
func (RefType) typeExpr()     {}
func (GenericType) typeExpr() {}

var unknownType = PrimType{Name: "unknown"}

var primNames = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"null": true, "undefined": true, "void": true,
	"unknown": true, "any": true, "never": true,
}

// ParseType parses a type expression. It never fails; malformed input
// yields Unknown.
func ParseType(src string) TypeExpr {
	p := &typeParser{src: src}
	t := p.parseUnion()
	p.skipSpace()
	if p.pos < len(p.src) || p.failed {
		return unknownType
	}
	return t
}

type typeParser struct {
	src    string
	pos    int
	failed bool
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *typeParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *typeParser) eat(c byte) bool {
	p.skipSpace()
	if p.peek() == c {
		p.pos++
		return true
	}
	return false
}

func (p *typeParser) fail() TypeExpr {
	p.failed = true
	return unknownType
}

func (p *typeParser) parseUnion() TypeExpr {
	// Leading | is tolerated.
	p.eat('|')
	first := p.parsePostfix()
	p.skipSpace()
	if p.peek() != '|' {
		return first
	}
	parts := []TypeExpr{first}
	for p.eat('|') {
		parts = append(parts, p.parsePostfix())
		p.skipSpace()
	}
	return UnionType{Parts: parts}
}

func (p *typeParser) parsePostfix() TypeExpr {
	t := p.parsePrimary()
	for {
		p.skipSpace()
		if strings.HasPrefix(p.src[p.pos:], "[]") {
			p.pos += 2
			t = ArrType{Elem: t}
			continue
		}
		return t
	}
}

func (p *typeParser) parsePrimary() TypeExpr {
	p.skipSpace()
	switch c := p.peek(); {
	case c == '{':
		return p.parseObject()
	case c == '(':
		p.pos++
		t := p.parseUnion()
		if !p.eat(')') {
			return p.fail()
		}
		return t
	case c == '"' || c == '\'':
		return p.parseStringLit(c)
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumberLit()
	case isIdentStart(c):
		return p.parseIdent()
	default:
		return p.fail()
	}
}

func (p *typeParser) parseStringLit(quote byte) TypeExpr {
	start := p.pos
	p.pos++
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			p.pos += 2
		case quote:
			p.pos++
			raw := p.src[start:p.pos]
			if quote == '\'' {
				// Normalize to double quotes for comparison.
				inner := raw[1 : len(raw)-1]
				raw = strconv.Quote(inner)
			}
			return LitType{Raw: raw}
		default:
			p.pos++
		}
	}
	return p.fail()
}

func (p *typeParser) parseNumberLit() TypeExpr {
	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-' {
			p.pos++
			continue
		}
		break
	}
	raw := p.src[start:p.pos]
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		return p.fail()
	}
	return LitType{Raw: canonNumber(raw)}
}

func (p *typeParser) parseIdent() TypeExpr {
	start := p.pos
	for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
		p.pos++
	}
	name := p.src[start:p.pos]
	switch name {
	case "true", "false":
		return LitType{Raw: name}
	}
	if primNames[name] {
		return PrimType{Name: name}
	}
	p.skipSpace()
	if p.peek() == '<' {
		p.pos++
		var args []TypeExpr
		args = append(args, p.parseUnion())
		for p.eat(',') {
			args = append(args, p.parseUnion())
		}
		if !p.eat('>') {
			return p.fail()
		}
		return GenericType{Name: name, Args: args}
	}
	return RefType{Name: name}
}

func (p *typeParser) parseObject() TypeExpr {
	p.pos++ // consume '{'
	obj := ObjType{}
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return obj
		}
		if p.pos >= len(p.src) {
			return p.fail()
		}
		if p.peek() == '[' {
			// Index signature: [key: string]: T
			p.pos++
			p.skipIdent()
			if !p.eat(':') {
				return p.fail()
			}
			p.skipIdent()
			if !p.eat(']') || !p.eat(':') {
				return p.fail()
			}
			obj.Index = p.parseUnion()
		} else {
			name, ok := p.parseFieldName()
			if !ok {
				return p.fail()
			}
			field := ObjField{Name: name}
			if p.eat('?') {
				field.Optional = true
			}
			if !p.eat(':') {
				return p.fail()
			}
			field.Type = p.parseUnion()
			obj.Fields = append(obj.Fields, field)
		}
		// Separators are ; or , with an optional trailing one.
		for p.eat(';') || p.eat(',') {
		}
	}
}

func (p *typeParser) parseFieldName() (string, bool) {
	p.skipSpace()
	c := p.peek()
	if c == '"' || c == '\'' {
		lit := p.parseStringLit(c)
		ls, ok := lit.(LitType)
		if !ok {
			return "", false
		}
		name, err := strconv.Unquote(ls.Raw)
		if err != nil {
			return "", false
		}
		return name, true
	}
	if !isIdentStart(c) {
		return "", false
	}
	start := p.pos
	p.skipIdent()
	return p.src[start:p.pos], true
}

func (p *typeParser) skipIdent() {
	p.skipSpace()
	for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
		p.pos++
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func canonNumber(raw string) string {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
