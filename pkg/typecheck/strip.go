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

// StripTypes removes TypeScript-only syntax from a fragment so the result
// parses and runs as plain JavaScript. Removed regions are blanked with
// spaces, keeping every line and column position intact for diagnostics.
//
// Covered: variable and parameter annotations (including optional markers),
// return-type annotations, `as` and `satisfies` casts, `type` alias and
// `interface` declarations, non-null assertions, and generic parameter
// lists on function declarations. Class member modifiers, enums, and
// decorators are not handled; fragments are expression-level code.
func StripTypes(src string) string {
	s := &stripper{src: src, out: []byte(src)}
	s.frames = []frame{{seq: seqBroken}}
	s.run()
	return string(s.out)
}

type seqState int

const (
	seqFresh seqState = iota // just after '(' or ','
	seqIdent                 // a single identifier since then
	seqBroken
)

type frame struct {
	open    byte
	seq     seqState
	ternary int
}

type stripper struct {
	src    string
	out    []byte
	pos    int
	frames []frame

	lastSig  byte
	lastWord string

	declPending bool // after const/let/var, before the binding target
	declAnnot   bool // binding target read, a ':' here is an annotation
	declFrames  int
	declActive  bool
	caseActive  bool // between `case` and its colon
}

func (s *stripper) cur() *frame { return &s.frames[len(s.frames)-1] }

func (s *stripper) push(open byte, seq seqState) {
	s.frames = append(s.frames, frame{open: open, seq: seq})
}

func (s *stripper) pop() {
	if len(s.frames) > 1 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

func (s *stripper) blank(from, to int) {
	for i := from; i < to && i < len(s.out); i++ {
		if s.out[i] != '\n' {
			s.out[i] = ' '
		}
	}
}

func (s *stripper) run() {
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			s.pos++
		case c == '"' || c == '\'':
			s.skipString(c)
			s.note(c)
		case c == '`':
			s.skipTemplate()
			s.note(c)
		case c == '/' && s.at(1) == '/':
			s.skipLineComment()
		case c == '/' && s.at(1) == '*':
			s.skipBlockComment()
		case isIdentStart(c):
			s.word()
		case c == '(':
			s.push(c, seqFresh)
			s.pos++
			s.lastSig = c
		case c == '{' || c == '[':
			s.push(c, seqBroken)
			s.pos++
			s.lastSig = c
			s.declAnnot = false
		case c == ')':
			s.pop()
			s.pos++
			s.lastSig = c
			s.returnAnnotation()
		case c == '}' || c == ']':
			s.pop()
			s.pos++
			s.lastSig = c
			if len(s.frames) < s.declFrames {
				s.declActive = false
			}
		case c == ',':
			s.cur().seq = seqFresh
			if s.declActive && len(s.frames) == s.declFrames {
				s.declPending = true
			}
			s.pos++
			s.lastSig = c
		case c == ';':
			s.declActive, s.declPending, s.declAnnot = false, false, false
			s.cur().seq = seqBroken
			s.pos++
			s.lastSig = c
		case c == '?':
			s.question()
		case c == ':':
			s.colon()
		case c == '!':
			s.bang()
		default:
			s.note(c)
			s.pos++
		}
	}
}

func (s *stripper) at(off int) byte {
	if s.pos+off >= len(s.src) {
		return 0
	}
	return s.src[s.pos+off]
}

// note records a significant non-structural token.
func (s *stripper) note(c byte) {
	s.lastSig = c
	s.lastWord = ""
	s.cur().seq = seqBroken
	s.declAnnot = false
	if s.declPending && c != '"' && c != '\'' && c != '`' {
		s.declPending = false
	}
}

func (s *stripper) word() {
	start := s.pos
	for s.pos < len(s.src) && isIdentPart(s.src[s.pos]) {
		s.pos++
	}
	w := s.src[start:s.pos]
	prevSig, prevWord := s.lastSig, s.lastWord
	s.lastSig = w[len(w)-1]

	if s.declPending {
		s.declPending = false
		s.declAnnot = true
		s.lastWord = w
		return
	}
	s.declAnnot = false

	switch w {
	case "case":
		s.caseActive = true
	case "const", "let", "var":
		s.declPending = true
		s.declActive = true
		s.declFrames = len(s.frames)
		s.lastWord = w
		return
	case "as", "satisfies":
		if prevSig != '.' && prevSig != 0 && s.tryStripCast(start) {
			return
		}
	case "type":
		if statementStart(prevSig) && s.tryStripTypeAlias(start) {
			return
		}
	case "interface":
		if statementStart(prevSig) && s.tryStripInterface(start) {
			return
		}
	}

	if prevWord == "function" {
		// Generic parameter list on a declaration: function f<T>(...).
		mark := s.pos
		s.skipTrivia()
		if s.at(0) == '<' {
			end := s.skipBalancedAngles()
			if end > 0 {
				s.blank(mark, end)
				s.pos = end
			}
		}
	}

	f := s.cur()
	if f.seq == seqFresh {
		f.seq = seqIdent
	} else {
		f.seq = seqBroken
	}
	s.lastWord = w
}

func (s *stripper) question() {
	next := s.nextSig(1)
	switch next {
	case '.': // optional chaining
		s.pos += 2
		s.lastSig = '.'
		return
	case '?': // nullish coalescing
		s.pos += 2
		s.lastSig = '?'
		s.cur().seq = seqBroken
		return
	case ':':
		if s.cur().seq == seqIdent || s.declAnnot {
			// Optional marker before an annotation; the colon handler
			// strips the type itself.
			s.out[s.pos] = ' '
			s.pos++
			return
		}
	}
	s.cur().ternary++
	s.cur().seq = seqBroken
	s.pos++
	s.lastSig = '?'
}

func (s *stripper) colon() {
	f := s.cur()
	if s.caseActive {
		s.caseActive = false
		f.seq = seqBroken
		s.pos++
		s.lastSig = ':'
		return
	}
	if f.ternary > 0 {
		f.ternary--
		f.seq = seqBroken
		s.pos++
		s.lastSig = ':'
		return
	}
	if f.seq == seqIdent && f.open == '(' {
		start := s.pos
		s.pos++
		end := s.consumeType(false)
		s.blank(start, end)
		f.seq = seqBroken
		return
	}
	if s.declAnnot {
		start := s.pos
		s.pos++
		end := s.consumeType(false)
		s.blank(start, end)
		s.declAnnot = false
		return
	}
	f.seq = seqBroken
	s.pos++
	s.lastSig = ':'
}

func (s *stripper) bang() {
	prev := s.lastSig
	if s.at(1) != '=' && (isIdentPart(prev) || prev == ')' || prev == ']') {
		s.out[s.pos] = ' '
		s.pos++
		return
	}
	s.cur().seq = seqBroken
	s.pos++
	s.lastSig = '!'
}

// returnAnnotation strips `: T` directly after a parameter list.
func (s *stripper) returnAnnotation() {
	if s.cur().ternary > 0 || s.caseActive {
		return
	}
	mark := s.pos
	s.skipTrivia()
	if s.at(0) != ':' {
		s.pos = mark
		return
	}
	start := s.pos
	s.pos++
	end := s.consumeType(true)
	s.blank(start, end)
}

func (s *stripper) tryStripCast(start int) bool {
	mark := s.pos
	s.skipTrivia()
	c := s.at(0)
	if !(isIdentStart(c) || c == '{' || c == '[' || c == '"' || c == '\'') {
		s.pos = mark
		return false
	}
	end := s.consumeType(true)
	s.blank(start, end)
	return true
}

func (s *stripper) tryStripTypeAlias(start int) bool {
	mark := s.pos
	s.skipTrivia()
	if !isIdentStart(s.at(0)) {
		s.pos = mark
		return false
	}
	for s.pos < len(s.src) && isIdentPart(s.src[s.pos]) {
		s.pos++
	}
	s.skipTrivia()
	if s.at(0) == '<' {
		if end := s.skipBalancedAngles(); end > 0 {
			s.pos = end
		}
		s.skipTrivia()
	}
	if s.at(0) != '=' || s.at(1) == '=' {
		s.pos = mark
		return false
	}
	s.pos++
	end := s.consumeType(false)
	// Swallow the statement terminator too.
	if end < len(s.src) && s.src[end] == ';' {
		end++
	}
	s.blank(start, end)
	s.pos = end
	return true
}

func (s *stripper) tryStripInterface(start int) bool {
	mark := s.pos
	s.skipTrivia()
	if !isIdentStart(s.at(0)) {
		s.pos = mark
		return false
	}
	for s.pos < len(s.src) && !(s.src[s.pos] == '{') {
		if s.src[s.pos] == ';' || s.src[s.pos] == '(' {
			s.pos = mark
			return false
		}
		s.pos++
	}
	depth := 0
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				s.pos++
				s.blank(start, s.pos)
				return true
			}
		case '"', '\'':
			s.skipString(s.src[s.pos])
			continue
		}
		s.pos++
	}
	s.pos = mark
	return false
}

// typeOperandKeywords keep a type expression open: another operand follows.
var typeOperandKeywords = map[string]bool{
	"keyof": true, "typeof": true, "readonly": true, "infer": true, "new": true,
}

// consumeType advances past a type expression and returns the end offset.
// Stops at depth-0 separators; when stopAtArrow is set, `=>` terminates the
// type (return-type position), otherwise it is part of a function type.
// An operand followed by another operand also terminates the type, which is
// what separates `(): Foo {` from the object type `(): { x: number } =>`.
func (s *stripper) consumeType(stopAtArrow bool) int {
	depth := 0
	expect := true // an operand may start here
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			s.pos++
		case c == '/' && s.at(1) == '/':
			s.skipLineComment()
		case c == '/' && s.at(1) == '*':
			s.skipBlockComment()
		case c == '"' || c == '\'' || c == '`':
			if depth == 0 && !expect {
				return s.pos
			}
			if c == '`' {
				s.skipTemplate()
			} else {
				s.skipString(c)
			}
			expect = false
		case isIdentStart(c):
			start := s.pos
			if depth == 0 && !expect {
				return start
			}
			for s.pos < len(s.src) && isIdentPart(s.src[s.pos]) {
				s.pos++
			}
			if !typeOperandKeywords[s.src[start:s.pos]] {
				expect = false
			}
		case c == '-' || (c >= '0' && c <= '9'):
			if depth == 0 && !expect {
				return s.pos
			}
			s.pos++
			for s.pos < len(s.src) && (isIdentPart(s.src[s.pos]) || s.src[s.pos] == '.') {
				s.pos++
			}
			expect = false
		case c == '|' || c == '&' || c == '.':
			expect = true
			s.pos++
		case c == '{':
			if depth == 0 && !expect {
				return s.pos
			}
			depth++
			expect = true
			s.pos++
		case c == '(' || c == '<':
			depth++
			expect = true
			s.pos++
		case c == '[':
			// Either an array suffix or a tuple type; both nest.
			depth++
			s.pos++
		case c == ')' || c == ']' || c == '}':
			if depth == 0 {
				return s.pos
			}
			depth--
			expect = false
			s.pos++
		case c == '>':
			if depth == 0 {
				return s.pos
			}
			depth--
			expect = false
			s.pos++
		case c == '=':
			if s.at(1) == '>' {
				if depth == 0 && stopAtArrow {
					return s.pos
				}
				s.pos += 2
				expect = true
				continue
			}
			if depth == 0 {
				return s.pos
			}
			s.pos++
			expect = true
		case c == ',' || c == ';' || c == '?':
			if depth == 0 {
				return s.pos
			}
			s.pos++
			expect = true
		case c == ':':
			if depth == 0 {
				return s.pos
			}
			s.pos++
			expect = true
		default:
			if depth == 0 {
				return s.pos
			}
			s.pos++
		}
	}
	return s.pos
}

func (s *stripper) skipBalancedAngles() int {
	depth := 0
	for i := s.pos; i < len(s.src); i++ {
		switch s.src[i] {
		case '<':
			depth++
		case '>':
			depth--
			if depth == 0 {
				return i + 1
			}
		case '\n', ';', '(':
			return 0
		}
	}
	return 0
}

func (s *stripper) skipTrivia() {
	for s.pos < len(s.src) {
		switch c := s.src[s.pos]; {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			s.pos++
		case c == '/' && s.at(1) == '/':
			s.skipLineComment()
		case c == '/' && s.at(1) == '*':
			s.skipBlockComment()
		default:
			return
		}
	}
}

// nextSig returns the next significant byte at or after the given offset.
func (s *stripper) nextSig(off int) byte {
	for i := s.pos + off; i < len(s.src); i++ {
		c := s.src[i]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			continue
		}
		return c
	}
	return 0
}

func (s *stripper) skipString(quote byte) {
	s.pos++
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case '\\':
			s.pos += 2
		case quote:
			s.pos++
			return
		default:
			s.pos++
		}
	}
}

func (s *stripper) skipTemplate() {
	s.pos++
	depth := 0
	for s.pos < len(s.src) {
		switch {
		case s.src[s.pos] == '\\':
			s.pos += 2
		case s.src[s.pos] == '$' && s.at(1) == '{':
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

func (s *stripper) skipLineComment() {
	for s.pos < len(s.src) && s.src[s.pos] != '\n' {
		s.pos++
	}
}

func (s *stripper) skipBlockComment() {
	s.pos += 2
	for s.pos < len(s.src) {
		if s.src[s.pos] == '*' && s.at(1) == '/' {
			s.pos += 2
			return
		}
		s.pos++
	}
}

func statementStart(prev byte) bool {
	return prev == 0 || prev == ';' || prev == '{' || prev == '}'
}
