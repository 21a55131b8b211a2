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

import "strconv"

// scanToolCalls finds every `tools.a.b(...)` occurrence in the fragment.
// The scan is token-shaped rather than a full parse: strings, template
// literals, and comments are skipped, and only plain literal arguments are
// materialized for structural checking.
func scanToolCalls(src string) []toolCall {
	s := &srcScanner{src: src, line: 1}
	var calls []toolCall
	prevIdent := false
	prevDot := false
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == '\n':
			s.line++
			s.pos++
			prevIdent, prevDot = false, false
		case c == '"' || c == '\'':
			s.skipString(c)
			prevIdent, prevDot = false, false
		case c == '`':
			s.skipTemplate()
			prevIdent, prevDot = false, false
		case c == '/' && s.peekAt(1) == '/':
			s.skipLineComment()
			prevIdent, prevDot = false, false
		case c == '/' && s.peekAt(1) == '*':
			s.skipBlockComment()
			prevIdent, prevDot = false, false
		case isIdentStart(c):
			start := s.pos
			s.readIdent()
			word := s.src[start:s.pos]
			if word == "tools" && !prevIdent && !prevDot {
				if call, ok := s.readToolChain(); ok {
					calls = append(calls, call)
				}
			}
			prevIdent, prevDot = true, false
		case c == '.':
			s.pos++
			prevIdent, prevDot = false, true
		default:
			s.pos++
			prevIdent, prevDot = false, c == '.'
		}
	}
	return calls
}

type srcScanner struct {
	src  string
	pos  int
	line int
}

func (s *srcScanner) peekAt(off int) byte {
	if s.pos+off >= len(s.src) {
		return 0
	}
	return s.src[s.pos+off]
}

func (s *srcScanner) readIdent() {
	for s.pos < len(s.src) && isIdentPart(s.src[s.pos]) {
		s.pos++
	}
}

func (s *srcScanner) skipString(quote byte) {
	s.pos++
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case '\\':
			s.pos += 2
		case '\n':
			s.line++
			s.pos++
		case quote:
			s.pos++
			return
		default:
			s.pos++
		}
	}
}

// skipTemplate skips a template literal including ${...} interpolations.
// Tool calls inside interpolations are not checked.
func (s *srcScanner) skipTemplate() {
	s.pos++
	depth := 0
	for s.pos < len(s.src) {
		switch {
		case s.src[s.pos] == '\\':
			s.pos += 2
		case s.src[s.pos] == '\n':
			s.line++
			s.pos++
		case s.src[s.pos] == '$' && s.peekAt(1) == '{':
			depth++
			s.pos += 2
		case s.src[s.pos] == '}' && depth > 0:
			depth--
			s.pos++
		case s.src[s.pos] == '`' && depth == 0:
			s.pos++
			return
		default:
			s.pos++
		}
	}
}

func (s *srcScanner) skipLineComment() {
	for s.pos < len(s.src) && s.src[s.pos] != '\n' {
		s.pos++
	}
}

func (s *srcScanner) skipBlockComment() {
	s.pos += 2
	for s.pos < len(s.src) {
		if s.src[s.pos] == '\n' {
			s.line++
		}
		if s.src[s.pos] == '*' && s.peekAt(1) == '/' {
			s.pos += 2
			return
		}
		s.pos++
	}
}

func (s *srcScanner) skipSpaceComments() {
	for s.pos < len(s.src) {
		switch c := s.src[s.pos]; {
		case c == '\n':
			s.line++
			s.pos++
		case c == ' ' || c == '\t' || c == '\r':
			s.pos++
		case c == '/' && s.peekAt(1) == '/':
			s.skipLineComment()
		case c == '/' && s.peekAt(1) == '*':
			s.skipBlockComment()
		default:
			return
		}
	}
}

// readToolChain is called with the scanner just past the `tools` token.
func (s *srcScanner) readToolChain() (toolCall, bool) {
	call := toolCall{line: s.line}
	for {
		s.skipSpaceComments()
		if s.peekAt(0) != '.' {
			break
		}
		s.pos++
		s.skipSpaceComments()
		if !isIdentStart(s.peekAt(0)) {
			// Computed access like tools["x"] is out of scope.
			return call, false
		}
		start := s.pos
		s.readIdent()
		call.path = append(call.path, s.src[start:s.pos])
	}
	if len(call.path) == 0 {
		return call, false
	}
	s.skipSpaceComments()
	if s.peekAt(0) != '(' {
		return call, false
	}
	s.pos++
	call.isCall = true
	s.skipSpaceComments()
	if s.peekAt(0) == ')' {
		s.pos++
		return call, true
	}
	call.hasArgs = true
	if s.peekAt(0) == '{' {
		if v, ok := s.parseLitValue(0); ok {
			call.arg = &v
		}
	}
	return call, true
}

// parseLitValue parses a JSON-shaped literal. On any non-literal token it
// fails without consuming further, so the outer scan still sees nested
// expressions.
func (s *srcScanner) parseLitValue(depth int) (litVal, bool) {
	if depth > 32 {
		return litVal{}, false
	}
	s.skipSpaceComments()
	switch c := s.peekAt(0); {
	case c == '"' || c == '\'':
		return s.parseLitString(c)
	case c == '-' || (c >= '0' && c <= '9'):
		return s.parseLitNumber()
	case c == '{':
		return s.parseLitObject(depth)
	case c == '[':
		return s.parseLitArray(depth)
	case isIdentStart(c):
		start := s.pos
		s.readIdent()
		word := s.src[start:s.pos]
		// Shorthand keywords only; any other identifier is an expression.
		switch word {
		case "true":
			return litVal{kind: litBool, b: true}, true
		case "false":
			return litVal{kind: litBool, b: false}, true
		case "null":
			return litVal{kind: litNull}, true
		}
		return litVal{}, false
	default:
		return litVal{}, false
	}
}

func (s *srcScanner) parseLitString(quote byte) (litVal, bool) {
	s.pos++
	var b []byte
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch c {
		case '\\':
			if s.pos+1 >= len(s.src) {
				return litVal{}, false
			}
			esc := s.src[s.pos+1]
			switch esc {
			case 'n':
				b = append(b, '\n')
			case 't':
				b = append(b, '\t')
			case 'r':
				b = append(b, '\r')
			default:
				b = append(b, esc)
			}
			s.pos += 2
		case quote:
			s.pos++
			return litVal{kind: litStr, str: string(b)}, true
		case '\n':
			return litVal{}, false
		default:
			b = append(b, c)
			s.pos++
		}
	}
	return litVal{}, false
}

func (s *srcScanner) parseLitNumber() (litVal, bool) {
	start := s.pos
	if s.peekAt(0) == '-' {
		s.pos++
	}
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' ||
			((c == '+' || c == '-') && (s.src[s.pos-1] == 'e' || s.src[s.pos-1] == 'E')) {
			s.pos++
			continue
		}
		break
	}
	f, err := strconv.ParseFloat(s.src[start:s.pos], 64)
	if err != nil {
		return litVal{}, false
	}
	return litVal{kind: litNum, num: f}, true
}

func (s *srcScanner) parseLitObject(depth int) (litVal, bool) {
	s.pos++
	v := litVal{kind: litObj, obj: map[string]litVal{}}
	for {
		s.skipSpaceComments()
		if s.peekAt(0) == '}' {
			s.pos++
			return v, true
		}
		var key string
		switch c := s.peekAt(0); {
		case c == '"' || c == '\'':
			k, ok := s.parseLitString(c)
			if !ok {
				return litVal{}, false
			}
			key = k.str
		case isIdentStart(c):
			start := s.pos
			s.readIdent()
			key = s.src[start:s.pos]
		default:
			return litVal{}, false
		}
		s.skipSpaceComments()
		if s.peekAt(0) != ':' {
			// Shorthand or method property; treat as non-literal.
			return litVal{}, false
		}
		s.pos++
		val, ok := s.parseLitValue(depth + 1)
		if !ok {
			return litVal{}, false
		}
		if _, seen := v.obj[key]; !seen {
			v.keys = append(v.keys, key)
		}
		v.obj[key] = val
		s.skipSpaceComments()
		switch s.peekAt(0) {
		case ',':
			s.pos++
		case '}':
		default:
			return litVal{}, false
		}
	}
}

func (s *srcScanner) parseLitArray(depth int) (litVal, bool) {
	s.pos++
	v := litVal{kind: litArr}
	for {
		s.skipSpaceComments()
		if s.peekAt(0) == ']' {
			s.pos++
			return v, true
		}
		elem, ok := s.parseLitValue(depth + 1)
		if !ok {
			return litVal{}, false
		}
		v.arr = append(v.arr, elem)
		s.skipSpaceComments()
		switch s.peekAt(0) {
		case ',':
			s.pos++
		case ']':
		default:
			return litVal{}, false
		}
	}
}
