// Package eval implements the sandboxed expression evaluator used by
// field transformers. Expressions are tokenized, parsed with a small
// Pratt parser into an AST, and walked against a fixed namespace. Only
// whitelisted node kinds exist; there is no attribute access, assignment
// or import, so an expression cannot reach state outside the namespace.
package eval

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp     // + - * / % ** // < <= > >= == != ? :
	tokLParen // (
	tokRParen // )
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokComma
	tokColon
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

// tokenize splits src into tokens. Word operators (and, or, not, if,
// else, in) are emitted as operator tokens so the parser treats them
// uniformly with their symbolic spellings.
func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src}
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			lx.pos++
		case c >= '0' && c <= '9' || c == '.' && lx.peekDigit():
			lx.lexNumber()
		case c == '\'' || c == '"':
			if err := lx.lexString(c); err != nil {
				return nil, err
			}
		case isIdentStart(rune(c)):
			lx.lexWord()
		default:
			if err := lx.lexOp(); err != nil {
				return nil, err
			}
		}
	}
	lx.toks = append(lx.toks, token{kind: tokEOF, pos: lx.pos})
	return lx.toks, nil
}

func (lx *lexer) peekDigit() bool {
	return lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] >= '0' && lx.src[lx.pos+1] <= '9'
}

func (lx *lexer) lexNumber() {
	start := lx.pos
	seenDot := false
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c >= '0' && c <= '9' {
			lx.pos++
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			lx.pos++
			continue
		}
		if (c == 'e' || c == 'E') && lx.pos > start {
			// exponent with optional sign
			next := lx.pos + 1
			if next < len(lx.src) && (lx.src[next] == '+' || lx.src[next] == '-') {
				next++
			}
			if next < len(lx.src) && lx.src[next] >= '0' && lx.src[next] <= '9' {
				lx.pos = next + 1
				continue
			}
		}
		break
	}
	lx.toks = append(lx.toks, token{kind: tokNumber, text: lx.src[start:lx.pos], pos: start})
}

func (lx *lexer) lexString(quote byte) error {
	start := lx.pos
	lx.pos++ // opening quote
	var b strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == '\\' && lx.pos+1 < len(lx.src) {
			next := lx.src[lx.pos+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '\'', '"':
				b.WriteByte(next)
			default:
				b.WriteByte(next)
			}
			lx.pos += 2
			continue
		}
		if c == quote {
			lx.pos++
			lx.toks = append(lx.toks, token{kind: tokString, text: b.String(), pos: start})
			return nil
		}
		b.WriteByte(c)
		lx.pos++
	}
	return fmt.Errorf("unterminated string at offset %d", start)
}

func (lx *lexer) lexWord() {
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentPart(rune(lx.src[lx.pos])) {
		lx.pos++
	}
	word := lx.src[start:lx.pos]
	switch word {
	case "and", "or", "not", "if", "else", "in":
		lx.toks = append(lx.toks, token{kind: tokOp, text: word, pos: start})
	default:
		lx.toks = append(lx.toks, token{kind: tokIdent, text: word, pos: start})
	}
}

func (lx *lexer) lexOp() error {
	two := ""
	if lx.pos+1 < len(lx.src) {
		two = lx.src[lx.pos : lx.pos+2]
	}
	switch two {
	case "**", "//", "<=", ">=", "==", "!=", "&&", "||":
		lx.toks = append(lx.toks, token{kind: tokOp, text: two, pos: lx.pos})
		lx.pos += 2
		return nil
	}

	c := lx.src[lx.pos]
	var kind tokenKind
	switch c {
	case '(':
		kind = tokLParen
	case ')':
		kind = tokRParen
	case '[':
		kind = tokLBracket
	case ']':
		kind = tokRBracket
	case '{':
		kind = tokLBrace
	case '}':
		kind = tokRBrace
	case ',':
		kind = tokComma
	case ':':
		kind = tokColon
	case '+', '-', '*', '/', '%', '<', '>', '!', '?':
		kind = tokOp
	default:
		return fmt.Errorf("unexpected character %q at offset %d", string(c), lx.pos)
	}
	lx.toks = append(lx.toks, token{kind: kind, text: string(c), pos: lx.pos})
	lx.pos++
	return nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
