package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/expr"
	"github.com/shopspring/decimal"
)

var (
	countryCodePattern = regexp.MustCompile(`^[A-Z]{2}$`)
	identPattern       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// assignableTypes may carry an explicit "target =" in their expression.
var assignableTypes = map[domain.RuleType]bool{
	domain.RuleTypeVatRate:    true,
	domain.RuleTypeThreshold:  true,
	domain.RuleTypeComplexity: true,
}

// AllowsTarget reports whether rules of type t may assign to a named variable.
func AllowsTarget(t domain.RuleType) bool {
	return assignableTypes[t]
}

// ValidateRule checks a rule definition before it is stored or loaded.
// All problems are reported together in one error matching domain.ErrInvalidRule.
func ValidateRule(r *domain.Rule) error {
	if r == nil {
		return fmt.Errorf("%w: rule is nil", domain.ErrInvalidRule)
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(r.ID) == "" {
		add("id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		add("name is required")
	}
	if !r.Type.Valid() {
		add("unknown rule type %q", r.Type)
	}

	switch r.EffectiveScope() {
	case domain.ScopeCountry:
		if !countryCodePattern.MatchString(r.CountryCode) {
			add("country code %q must be two uppercase letters", r.CountryCode)
		}
	case domain.ScopeRequest:
		if r.CountryCode != "" {
			add("request-level rules must not carry a country code")
		}
		if r.Type != domain.RuleTypeDiscount {
			add("request-level rules must be of type %s", domain.RuleTypeDiscount)
		}
	default:
		add("unknown scope %q", r.Scope)
	}

	if r.EffectiveFrom.IsZero() {
		add("effectiveFrom is required")
	} else if r.EffectiveTo != nil && r.EffectiveTo.Before(r.EffectiveFrom) {
		add("effectiveTo must not be before effectiveFrom")
	}

	if prog, err := expr.Compile(r.Expression); err != nil {
		add("expression: %v", err)
	} else if target := prog.Target(); target != "" {
		if !assignableTypes[r.Type] {
			add("%s rules cannot assign to %q", r.Type, target)
		} else if ReadOnlyVars[target] {
			add("%q is read-only", target)
		}
	}

	seen := make(map[string]bool, len(r.Parameters))
	for i, p := range r.Parameters {
		if !identPattern.MatchString(p.Name) {
			add("parameter %d: invalid name %q", i, p.Name)
			continue
		}
		if seen[p.Name] {
			add("parameter %q declared twice", p.Name)
		}
		seen[p.Name] = true
		if err := checkDefault(p); err != nil {
			add("parameter %q: %v", p.Name, err)
		}
	}

	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Parameter) == "" {
			add("condition %d: parameter is required", i)
		}
		if !c.Operator.Valid() {
			add("condition %d: unknown operator %q", i, c.Operator)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %s: %s", domain.ErrInvalidRule, r.ID, strings.Join(problems, "; "))
	}
	return nil
}

func checkDefault(p domain.Parameter) error {
	switch p.DataType {
	case domain.ParamNumber:
		if p.DefaultValue == "" {
			return nil
		}
		if _, err := decimal.NewFromString(p.DefaultValue); err != nil {
			return fmt.Errorf("default %q is not a number", p.DefaultValue)
		}
	case domain.ParamBoolean:
		if p.DefaultValue == "" {
			return nil
		}
		if _, err := strconv.ParseBool(p.DefaultValue); err != nil {
			return fmt.Errorf("default %q is not a boolean", p.DefaultValue)
		}
	case domain.ParamString, domain.ParamList:
	default:
		return fmt.Errorf("unknown data type %q", p.DataType)
	}
	return nil
}
