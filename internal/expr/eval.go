// Package expr compiles and evaluates pricing rule expressions with decimal arithmetic.
//
// Addition, subtraction and multiplication are exact. Division is the only
// operation that can produce an infinite expansion; its quotient is cut at
// DivisionPlaces fractional digits, rounding half away from zero. Nothing else
// rounds during evaluation.
package expr

import (
	"github.com/shopspring/decimal"
)

// DivisionPlaces is the number of fractional digits kept by a quotient.
const DivisionPlaces int32 = 28

var (
	one  = decimal.NewFromInt(1)
	zero = decimal.Zero
)

// Scope resolves identifiers during evaluation.
type Scope interface {
	Lookup(name string) (decimal.Decimal, bool)
}

// Vars is a map-backed Scope.
type Vars map[string]decimal.Decimal

// Lookup implements Scope.
func (v Vars) Lookup(name string) (decimal.Decimal, bool) {
	d, ok := v[name]
	return d, ok
}

// Layered resolves names from Top first and falls back to Base.
type Layered struct {
	Top  Scope
	Base Scope
}

// Lookup implements Scope.
func (l Layered) Lookup(name string) (decimal.Decimal, bool) {
	if l.Top != nil {
		if d, ok := l.Top.Lookup(name); ok {
			return d, true
		}
	}
	if l.Base != nil {
		return l.Base.Lookup(name)
	}
	return decimal.Decimal{}, false
}

// Evaluate compiles and evaluates an expression in one step.
func Evaluate(expression string, scope Scope) (decimal.Decimal, error) {
	prog, err := Compile(expression)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return prog.Eval(scope)
}

// Eval evaluates the program against scope. Comparisons and logical operators yield 1 or 0.
func (p *Program) Eval(scope Scope) (decimal.Decimal, error) {
	if scope == nil {
		scope = Vars(nil)
	}
	return p.root.eval(scope)
}

type node interface {
	eval(scope Scope) (decimal.Decimal, error)
}

type numberNode struct {
	value decimal.Decimal
}

func (n *numberNode) eval(Scope) (decimal.Decimal, error) {
	return n.value, nil
}

type identNode struct {
	name string
}

func (n *identNode) eval(scope Scope) (decimal.Decimal, error) {
	v, ok := scope.Lookup(n.name)
	if !ok {
		return decimal.Decimal{}, &UnknownVariableError{Name: n.name}
	}
	return v, nil
}

type unaryNode struct {
	op      tokenKind
	operand node
}

func (n *unaryNode) eval(scope Scope) (decimal.Decimal, error) {
	v, err := n.operand.eval(scope)
	if err != nil {
		return decimal.Decimal{}, err
	}
	switch n.op {
	case tokMinus:
		return v.Neg(), nil
	case tokNot:
		return boolValue(v.IsZero()), nil
	default:
		return v, nil
	}
}

type binaryNode struct {
	op          tokenKind
	left, right node
	pos         int
}

func (n *binaryNode) eval(scope Scope) (decimal.Decimal, error) {
	l, err := n.left.eval(scope)
	if err != nil {
		return decimal.Decimal{}, err
	}

	// && and || short-circuit.
	switch n.op {
	case tokAnd:
		if l.IsZero() {
			return zero, nil
		}
		r, err := n.right.eval(scope)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return boolValue(!r.IsZero()), nil
	case tokOr:
		if !l.IsZero() {
			return one, nil
		}
		r, err := n.right.eval(scope)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return boolValue(!r.IsZero()), nil
	}

	r, err := n.right.eval(scope)
	if err != nil {
		return decimal.Decimal{}, err
	}

	switch n.op {
	case tokPlus:
		return l.Add(r), nil
	case tokMinus:
		return l.Sub(r), nil
	case tokStar:
		return l.Mul(r), nil
	case tokSlash:
		if r.IsZero() {
			return decimal.Decimal{}, ErrDivisionByZero
		}
		return l.DivRound(r, DivisionPlaces), nil
	case tokEq:
		return boolValue(l.Equal(r)), nil
	case tokNeq:
		return boolValue(!l.Equal(r)), nil
	case tokLt:
		return boolValue(l.LessThan(r)), nil
	case tokLte:
		return boolValue(l.LessThanOrEqual(r)), nil
	case tokGt:
		return boolValue(l.GreaterThan(r)), nil
	case tokGte:
		return boolValue(l.GreaterThanOrEqual(r)), nil
	}
	return decimal.Decimal{}, &SyntaxError{Pos: n.pos, Msg: "unsupported operator " + n.op.String()}
}

type callNode struct {
	name string
	fn   func(args []decimal.Decimal) decimal.Decimal
	args []node
}

func (n *callNode) eval(scope Scope) (decimal.Decimal, error) {
	values := make([]decimal.Decimal, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(scope)
		if err != nil {
			return decimal.Decimal{}, err
		}
		values[i] = v
	}
	return n.fn(values), nil
}

type builtin struct {
	minArgs int
	maxArgs int // -1 means variadic
	apply   func(args []decimal.Decimal) decimal.Decimal
}

// builtins are pure step and selection functions. None of them round to a precision.
var builtins = map[string]builtin{
	"min": {minArgs: 1, maxArgs: -1, apply: func(args []decimal.Decimal) decimal.Decimal {
		return decimal.Min(args[0], args[1:]...)
	}},
	"max": {minArgs: 1, maxArgs: -1, apply: func(args []decimal.Decimal) decimal.Decimal {
		return decimal.Max(args[0], args[1:]...)
	}},
	"abs": {minArgs: 1, maxArgs: 1, apply: func(args []decimal.Decimal) decimal.Decimal {
		return args[0].Abs()
	}},
	"ceil": {minArgs: 1, maxArgs: 1, apply: func(args []decimal.Decimal) decimal.Decimal {
		return args[0].Ceil()
	}},
	"floor": {minArgs: 1, maxArgs: 1, apply: func(args []decimal.Decimal) decimal.Decimal {
		return args[0].Floor()
	}},
}

func boolValue(b bool) decimal.Decimal {
	if b {
		return one
	}
	return zero
}
