// Package rules selects the pricing rules that apply to a calculation.
package rules

import (
	"strings"

	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/shopspring/decimal"
)

// Well-known variable and fact names shared by the selector and the calculator.
const (
	VarTransactionVolume      = "transactionVolume"
	VarServiceTypeWeight      = "serviceTypeWeight"
	VarBasePrice              = "basePrice"
	VarFrequencyMultiplier    = "frequencyMultiplier"
	VarCountryCount           = "countryCount"
	VarAdditionalServiceCount = "additionalServiceCount"
	VarBaseCost               = "baseCost"
	VarAdditionalCost         = "additionalCost"
	VarDiscountTotal          = "discountTotal"
	VarRunningTotal           = "runningTotal"
	VarGrandTotal             = "grandTotal"

	FactServiceType        = "serviceType"
	FactFrequency          = "frequency"
	FactCountryCode        = "countryCode"
	FactCurrency           = "currency"
	FactCountries          = "countries"
	FactAdditionalServices = "additionalServices"
)

// ReadOnlyVars cannot be the assignment target of a rule expression.
var ReadOnlyVars = map[string]bool{
	VarTransactionVolume:      true,
	VarServiceTypeWeight:      true,
	VarBasePrice:              true,
	VarFrequencyMultiplier:    true,
	VarCountryCount:           true,
	VarAdditionalServiceCount: true,
	VarRunningTotal:           true,
	VarGrandTotal:             true,
	VarDiscountTotal:          true,
}

// ValueKind tags the type held by a Value.
type ValueKind int

const (
	KindNumber ValueKind = iota
	KindText
	KindList
)

// Value is a typed fact a condition can compare against.
type Value struct {
	Kind   ValueKind
	Number decimal.Decimal
	Text   string
	List   []string
}

// Number wraps a decimal fact.
func Number(d decimal.Decimal) Value { return Value{Kind: KindNumber, Number: d} }

// Text wraps a string fact.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// List wraps a set-like fact.
func List(items []string) Value { return Value{Kind: KindList, List: items} }

// Facts resolves condition parameters.
type Facts interface {
	Fact(name string) (Value, bool)
}

// FactMap is a map-backed Facts.
type FactMap map[string]Value

// Fact implements Facts.
func (m FactMap) Fact(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

// Matches reports whether every condition holds against facts.
// An empty condition list always matches; a missing fact fails closed.
func Matches(conditions []domain.Condition, facts Facts) bool {
	for _, c := range conditions {
		if !matchCondition(c, facts) {
			return false
		}
	}
	return true
}

func matchCondition(c domain.Condition, facts Facts) bool {
	if facts == nil {
		return false
	}
	fact, ok := facts.Fact(c.Parameter)
	if !ok {
		return false
	}

	switch fact.Kind {
	case KindNumber:
		return matchNumber(c, fact.Number)
	case KindText:
		return matchText(c, fact.Text)
	case KindList:
		return matchList(c, fact.List)
	}
	return false
}

func matchNumber(c domain.Condition, have decimal.Decimal) bool {
	want, err := decimal.NewFromString(strings.TrimSpace(c.Value))
	if err != nil {
		return false
	}
	switch c.Operator {
	case domain.OpEquals:
		return have.Equal(want)
	case domain.OpNotEquals:
		return !have.Equal(want)
	case domain.OpGreaterThan:
		return have.GreaterThan(want)
	case domain.OpGreaterThanOrEqual:
		return have.GreaterThanOrEqual(want)
	case domain.OpLessThan:
		return have.LessThan(want)
	case domain.OpLessThanOrEqual:
		return have.LessThanOrEqual(want)
	}
	return false
}

func matchText(c domain.Condition, have string) bool {
	switch c.Operator {
	case domain.OpEquals:
		return strings.EqualFold(have, c.Value)
	case domain.OpNotEquals:
		return !strings.EqualFold(have, c.Value)
	}
	return false
}

func matchList(c domain.Condition, items []string) bool {
	if c.Operator != domain.OpContains {
		return false
	}
	for _, item := range items {
		if strings.EqualFold(item, c.Value) {
			return true
		}
	}
	return false
}
