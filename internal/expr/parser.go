package expr

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// maxDepth bounds nesting of parentheses, unary operators and calls.
const maxDepth = 64

// Program is a compiled expression. It is immutable and safe for concurrent use.
type Program struct {
	target string
	root   node
	vars   []string
}

// Compile parses an expression into a Program.
//
// The grammar is:
//
//	program    = [ ident "=" ] expr
//	expr       = or
//	or         = and { "||" and }
//	and        = equality { "&&" equality }
//	equality   = comparison { ( "==" | "!=" ) comparison }
//	comparison = additive { ( "<" | "<=" | ">" | ">=" ) additive }
//	additive   = term { ( "+" | "-" ) term }
//	term       = unary { ( "*" | "/" ) unary }
//	unary      = ( "-" | "+" | "!" ) unary | primary
//	primary    = number | ident | ident "(" [ expr { "," expr } ] ")" | "(" expr ")"
func Compile(source string) (*Program, error) {
	tokens, err := lex(source)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens, vars: make(map[string]struct{})}

	var target string
	if len(tokens) > 2 && tokens[0].kind == tokIdent && tokens[1].kind == tokAssign {
		target = tokens[0].text
		p.next()
		p.next()
	}

	if p.peek().kind == tokEOF {
		return nil, &SyntaxError{Pos: p.peek().pos, Msg: "empty expression"}
	}

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		if tok.kind == tokAssign {
			return nil, &SyntaxError{Pos: tok.pos, Msg: "assignment is only allowed at the start of an expression"}
		}
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %s", tok.kind)}
	}

	vars := make([]string, 0, len(p.vars))
	for name := range p.vars {
		vars = append(vars, name)
	}
	sort.Strings(vars)

	return &Program{target: target, root: root, vars: vars}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and fixed tables.
func MustCompile(source string) *Program {
	p, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}

// Target returns the assignment target, or "" when the expression has none.
func (p *Program) Target() string { return p.target }

// Variables returns the identifiers the expression reads, sorted.
func (p *Program) Variables() []string {
	out := make([]string, len(p.vars))
	copy(out, p.vars)
	return out
}

type parser struct {
	tokens []token
	pos    int
	depth  int
	vars   map[string]struct{}
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) enter(pos int) error {
	p.depth++
	if p.depth > maxDepth {
		return &SyntaxError{Pos: pos, Msg: "expression nested too deeply"}
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

// binaryLevel parses one left-associative precedence level.
func (p *parser) binaryLevel(operand func() (node, error), ops ...tokenKind) (node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if !containsKind(ops, tok.kind) {
			return left, nil
		}
		p.next()
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tok.kind, left: left, right: right, pos: tok.pos}
	}
}

func (p *parser) parseOr() (node, error) {
	return p.binaryLevel(p.parseAnd, tokOr)
}

func (p *parser) parseAnd() (node, error) {
	return p.binaryLevel(p.parseEquality, tokAnd)
}

func (p *parser) parseEquality() (node, error) {
	return p.binaryLevel(p.parseComparison, tokEq, tokNeq)
}

func (p *parser) parseComparison() (node, error) {
	return p.binaryLevel(p.parseAdditive, tokLt, tokLte, tokGt, tokGte)
}

func (p *parser) parseAdditive() (node, error) {
	return p.binaryLevel(p.parseTerm, tokPlus, tokMinus)
}

func (p *parser) parseTerm() (node, error) {
	return p.binaryLevel(p.parseUnary, tokStar, tokSlash)
}

func (p *parser) parseUnary() (node, error) {
	tok := p.peek()
	switch tok.kind {
	case tokMinus, tokPlus, tokNot:
		if err := p.enter(tok.pos); err != nil {
			return nil, err
		}
		defer p.leave()
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tok.kind, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		d, err := decimal.NewFromString(tok.text)
		if err != nil {
			return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("invalid number %q", tok.text)}
		}
		return &numberNode{value: d}, nil

	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		p.vars[tok.text] = struct{}{}
		return &identNode{name: tok.text}, nil

	case tokLParen:
		if err := p.enter(tok.pos); err != nil {
			return nil, err
		}
		defer p.leave()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, &SyntaxError{Pos: closing.pos, Msg: fmt.Sprintf("expected ')', found %s", closing.kind)}
		}
		return inner, nil

	case tokAssign:
		return nil, &SyntaxError{Pos: tok.pos, Msg: "assignment is only allowed at the start of an expression"}

	default:
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %s", tok.kind)}
	}
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := builtins[name.text]
	if !ok {
		return nil, &SyntaxError{Pos: name.pos, Msg: fmt.Sprintf("unknown function %q", name.text)}
	}
	if err := p.enter(name.pos); err != nil {
		return nil, err
	}
	defer p.leave()

	p.next() // "("
	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if closing := p.next(); closing.kind != tokRParen {
		return nil, &SyntaxError{Pos: closing.pos, Msg: fmt.Sprintf("expected ')' after arguments to %s, found %s", name.text, closing.kind)}
	}

	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, &SyntaxError{Pos: name.pos, Msg: fmt.Sprintf("%s: wrong number of arguments (%d)", name.text, len(args))}
	}
	return &callNode{name: name.text, fn: fn.apply, args: args}, nil
}

func containsKind(kinds []tokenKind, k tokenKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}
