package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks malformed or out-of-range calculation input.
	ErrInvalidRequest = errors.New("invalid calculation request")

	// ErrMissingBaseRule is returned when a country has no VatRate rule and one is required.
	ErrMissingBaseRule = errors.New("missing base rule")

	// ErrCalculationFailed wraps a per-country failure at the aggregate level.
	ErrCalculationFailed = errors.New("calculation failed")

	// ErrInvalidRule marks a rule definition rejected by validation.
	ErrInvalidRule = errors.New("invalid rule")
)

// InvalidRequestf builds an error that matches ErrInvalidRequest.
func InvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// MissingBaseRuleError reports a country without an applicable VatRate rule.
type MissingBaseRuleError struct {
	CountryCode string
}

func (e *MissingBaseRuleError) Error() string {
	return fmt.Sprintf("missing base rule for country %s", e.CountryCode)
}

// Is makes errors.Is(err, ErrMissingBaseRule) succeed.
func (e *MissingBaseRuleError) Is(target error) bool {
	return target == ErrMissingBaseRule
}

// CalculationError wraps the cause of a failed country calculation.
type CalculationError struct {
	CountryCode string
	Cause       error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculation failed for country %s: %v", e.CountryCode, e.Cause)
}

// Is makes errors.Is(err, ErrCalculationFailed) succeed.
func (e *CalculationError) Is(target error) bool {
	return target == ErrCalculationFailed
}

func (e *CalculationError) Unwrap() error {
	return e.Cause
}
