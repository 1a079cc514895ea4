package expr

import (
	"errors"
	"fmt"
)

var (
	// ErrDivisionByZero is returned when a divisor evaluates to zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrUnknownVariable matches every *UnknownVariableError.
	ErrUnknownVariable = errors.New("unknown variable")

	// ErrSyntax matches every *SyntaxError.
	ErrSyntax = errors.New("syntax error")
)

// SyntaxError describes a malformed expression. Pos is the 1-based column.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Msg)
}

func (e *SyntaxError) Is(target error) bool {
	return target == ErrSyntax
}

// UnknownVariableError names an identifier missing from the evaluation scope.
type UnknownVariableError struct {
	Name string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("unknown variable %q", e.Name)
}

func (e *UnknownVariableError) Is(target error) bool {
	return target == ErrUnknownVariable
}
