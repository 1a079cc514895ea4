package domain

import (
	"fmt"
	"strings"
	"time"
)

// RuleType determines how a rule's evaluated expression is applied to the running cost.
type RuleType string

const (
	RuleTypeVatRate            RuleType = "VatRate"
	RuleTypeThreshold          RuleType = "Threshold"
	RuleTypeComplexity         RuleType = "Complexity"
	RuleTypeSpecialRequirement RuleType = "SpecialRequirement"
	RuleTypeDiscount           RuleType = "Discount"
)

// RuleTypes lists every rule type in a fixed order.
var RuleTypes = []RuleType{
	RuleTypeVatRate,
	RuleTypeThreshold,
	RuleTypeComplexity,
	RuleTypeSpecialRequirement,
	RuleTypeDiscount,
}

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	for _, known := range RuleTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RuleScope says whether a rule belongs to one country's chain or to the whole request.
type RuleScope string

const (
	// ScopeCountry rules are evaluated inside a single country's rule chain.
	ScopeCountry RuleScope = "country"

	// ScopeRequest rules are Discount rules applied once after all countries are summed.
	// They carry no country code.
	ScopeRequest RuleScope = "request"
)

// Rule is a country-scoped, time-bound, prioritized unit of pricing logic.
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	CountryCode string    `json:"countryCode,omitempty" yaml:"countryCode,omitempty"`
	Scope       RuleScope `json:"scope,omitempty" yaml:"scope,omitempty"`
	Type        RuleType  `json:"type" yaml:"type"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`

	// Expression is evaluated with decimal arithmetic. It may start with
	// "target =" to name the context variable receiving the result.
	Expression string `json:"expression" yaml:"expression"`

	// EffectiveFrom is inclusive, EffectiveTo exclusive. A nil EffectiveTo is open-ended.
	EffectiveFrom time.Time  `json:"effectiveFrom" yaml:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty" yaml:"effectiveTo,omitempty"`

	// Higher priority evaluates first.
	Priority int `json:"priority" yaml:"priority"`

	Parameters []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	IsActive bool `json:"isActive" yaml:"isActive"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// EffectiveScope returns the rule scope, defaulting to ScopeCountry.
func (r *Rule) EffectiveScope() RuleScope {
	if r.Scope == "" {
		return ScopeCountry
	}
	return r.Scope
}

// ActiveAt reports whether the rule is switched on and its validity window contains day.
func (r *Rule) ActiveAt(day time.Time) bool {
	if !r.IsActive {
		return false
	}
	if day.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || r.EffectiveTo.After(day)
}

// Parameter returns the declared parameter with the given name.
func (r *Rule) Parameter(name string) (Parameter, bool) {
	for _, p := range r.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// ParameterType is the declared data type of a rule parameter.
type ParameterType string

const (
	ParamNumber  ParameterType = "number"
	ParamBoolean ParameterType = "boolean"
	ParamString  ParameterType = "string"
	ParamList    ParameterType = "list"
)

// Parameter is a named, typed input a rule expression may reference.
// DefaultValue is bound while the rule is evaluated unless the context already
// holds a value under the same name.
type Parameter struct {
	Name         string        `json:"name" yaml:"name"`
	DataType     ParameterType `json:"dataType" yaml:"dataType"`
	DefaultValue string        `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "notEquals"
	OpGreaterThan        Operator = "greaterThan"
	OpGreaterThanOrEqual Operator = "greaterThanOrEqual"
	OpLessThan           Operator = "lessThan"
	OpLessThanOrEqual    Operator = "lessThanOrEqual"
	OpContains           Operator = "contains"
)

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual,
		OpLessThan, OpLessThanOrEqual, OpContains:
		return true
	}
	return false
}

// Condition is a guard clause; a rule applies only if all of its conditions hold.
type Condition struct {
	Parameter string   `json:"parameter" yaml:"parameter"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     string   `json:"value" yaml:"value"`
}

// ParseDate reads a YYYY-MM-DD date or an RFC 3339 timestamp and returns the
// UTC day it falls on. An empty string yields the zero time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a date", s)
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}
