// Package cond evaluates edge-condition expressions over a variable map.
//
// The grammar is intentionally small: comparisons of a variable against a
// literal, bare-identifier truthiness tests, and boolean combinations:
//
//	expr     = or
//	or       = and { "||" and }
//	and      = unary { "&&" unary }
//	unary    = [ "!" ] compare
//	compare  = operand [ ("==" | "!=" | ">" | "<" | ">=" | "<=") operand ]
//	operand  = identifier | literal | "(" expr ")"
//	literal  = "true" | "false" | "null" | number | string
//
// Strings accept single or double quotes. Comparison coercion: when both
// sides convert to numbers the comparison is numeric, otherwise both sides
// are stringified and compared lexically. A bare identifier evaluates to
// the truthiness of its value (non-null, non-empty, non-"false", non-zero).
//
// Evaluation is total: an empty condition is true, and any lex, parse, or
// type error makes the condition false. Nothing in this package panics on
// user input.
package cond

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenTrue
	tokenFalse
	tokenNull
	tokenEq
	tokenNe
	tokenGt
	tokenLt
	tokenGe
	tokenLe
	tokenAnd
	tokenOr
	tokenNot
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexer walks the condition string and produces tokens on demand.
type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer { return &lexer{input: input} }

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokenEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch c {
	case '(':
		l.pos++
		return token{kind: tokenLParen, text: "(", pos: start}, nil
	case ')':
		l.pos++
		return token{kind: tokenRParen, text: ")", pos: start}, nil
	case '=':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tokenEq, text: "==", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at %d (did you mean ==?)", c, start)
	case '!':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tokenNe, text: "!=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenNot, text: "!", pos: start}, nil
	case '>':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tokenGe, text: ">=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenGt, text: ">", pos: start}, nil
	case '<':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tokenLe, text: "<=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenLt, text: "<", pos: start}, nil
	case '&':
		if l.peekAt(1) == '&' {
			l.pos += 2
			return token{kind: tokenAnd, text: "&&", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at %d (did you mean &&?)", c, start)
	case '|':
		if l.peekAt(1) == '|' {
			l.pos += 2
			return token{kind: tokenOr, text: "||", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at %d (did you mean ||?)", c, start)
	case '\'', '"':
		return l.lexString(c)
	}

	if c == '-' || c == '+' || unicode.IsDigit(rune(c)) {
		return l.lexNumber()
	}
	if isIdentStart(rune(c)) {
		return l.lexIdent()
	}

	return token{}, fmt.Errorf("unexpected character %q at %d", c, start)
}

func (l *lexer) peekAt(offset int) byte {
	if l.pos+offset < len(l.input) {
		return l.input[l.pos+offset]
	}
	return 0
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == quote {
			l.pos++
			return token{kind: tokenString, text: b.String(), pos: start}, nil
		}
		if c == '\\' && l.pos+1 < len(l.input) {
			l.pos++
			c = l.input[l.pos]
		}
		b.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string starting at %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if c := l.input[l.pos]; c == '-' || c == '+' {
		l.pos++
	}
	digits := 0
	for l.pos < len(l.input) && unicode.IsDigit(rune(l.input[l.pos])) {
		l.pos++
		digits++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.input) && unicode.IsDigit(rune(l.input[l.pos])) {
			l.pos++
			digits++
		}
	}
	if digits == 0 {
		return token{}, fmt.Errorf("malformed number at %d", start)
	}
	return token{kind: tokenNumber, text: l.input[start:l.pos], pos: start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
		l.pos++
	}
	text := l.input[start:l.pos]
	switch text {
	case "true":
		return token{kind: tokenTrue, text: text, pos: start}, nil
	case "false":
		return token{kind: tokenFalse, text: text, pos: start}, nil
	case "null":
		return token{kind: tokenNull, text: text, pos: start}, nil
	}
	return token{kind: tokenIdent, text: text, pos: start}, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

// isIdentPart admits dotted paths ("order.total") so nested variables can be
// addressed without a separate path syntax.
func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
