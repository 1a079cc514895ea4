package expr

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
	tokComma
	tokAssign
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokAnd
	tokOr
	tokNot
)

var tokenNames = map[tokenKind]string{
	tokEOF:    "end of expression",
	tokNumber: "number",
	tokIdent:  "identifier",
	tokPlus:   "'+'",
	tokMinus:  "'-'",
	tokStar:   "'*'",
	tokSlash:  "'/'",
	tokLParen: "'('",
	tokRParen: "')'",
	tokComma:  "','",
	tokAssign: "'='",
	tokEq:     "'=='",
	tokNeq:    "'!='",
	tokLt:     "'<'",
	tokLte:    "'<='",
	tokGt:     "'>'",
	tokGte:    "'>='",
	tokAnd:    "'&&'",
	tokOr:     "'||'",
	tokNot:    "'!'",
}

var twoCharOps = map[string]tokenKind{
	"==": tokEq,
	"!=": tokNeq,
	"<=": tokLte,
	">=": tokGte,
	"&&": tokAnd,
	"||": tokOr,
}

func (k tokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(k))
}

type token struct {
	kind tokenKind
	text string
	pos  int // 1-based column
}

// lex splits src into tokens. The returned slice always ends with tokEOF.
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])
		pos := i + 1

		switch {
		case unicode.IsSpace(r):
			i += size
			continue

		case isDigit(r) || (r == '.' && i+1 < len(src) && isDigit(rune(src[i+1]))):
			start := i
			seenDot := false
			for i < len(src) {
				c := rune(src[i])
				if c == '.' {
					if seenDot {
						return nil, &SyntaxError{Pos: i + 1, Msg: "unexpected second '.' in number"}
					}
					seenDot = true
					i++
					continue
				}
				if !isDigit(c) {
					break
				}
				i++
			}
			if src[i-1] == '.' {
				return nil, &SyntaxError{Pos: i, Msg: "number cannot end with '.'"}
			}
			tokens = append(tokens, token{kind: tokNumber, text: src[start:i], pos: pos})
			continue

		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(src) {
				c, n := utf8.DecodeRuneInString(src[i:])
				if c != '_' && !unicode.IsLetter(c) && !isDigit(c) {
					break
				}
				i += n
			}
			tokens = append(tokens, token{kind: tokIdent, text: src[start:i], pos: pos})
			continue
		}

		if i+1 < len(src) {
			if kind, ok := twoCharOps[src[i:i+2]]; ok {
				tokens = append(tokens, token{kind: kind, text: src[i : i+2], pos: pos})
				i += 2
				continue
			}
		}

		var kind tokenKind
		switch r {
		case '+':
			kind = tokPlus
		case '-':
			kind = tokMinus
		case '*':
			kind = tokStar
		case '/':
			kind = tokSlash
		case '(':
			kind = tokLParen
		case ')':
			kind = tokRParen
		case ',':
			kind = tokComma
		case '=':
			kind = tokAssign
		case '<':
			kind = tokLt
		case '>':
			kind = tokGt
		case '!':
			kind = tokNot
		default:
			return nil, &SyntaxError{Pos: pos, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
		tokens = append(tokens, token{kind: kind, text: string(r), pos: pos})
		i += size
	}

	tokens = append(tokens, token{kind: tokEOF, pos: len(src) + 1})
	return tokens, nil
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
