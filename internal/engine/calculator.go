package engine

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/expr"
	"github.com/opensource-finance/vatcalc/internal/rules"
	"github.com/shopspring/decimal"
)

var (
	// ErrReadOnlyTarget is returned when an expression assigns to a seeded input.
	ErrReadOnlyTarget = errors.New("assignment to read-only variable")

	// ErrTargetNotAllowed is returned when a rule type that cannot assign names a target.
	ErrTargetNotAllowed = errors.New("rule type does not allow an assignment target")

	// ErrNoPolicy is returned for a rule type with no configured application policy.
	ErrNoPolicy = errors.New("no application policy for rule type")

	// ErrInvalidParameter is returned when a parameter default cannot be bound.
	ErrInvalidParameter = errors.New("invalid parameter default")
)

// countryState is the calculation context threaded through one country's rule fold.
type countryState struct {
	vars         expr.Vars
	params       expr.Vars
	applied      []string
	requirements []string
	discounts    map[string]decimal.Decimal
	hasBase      bool
}

func newCountryState(seed expr.Vars) *countryState {
	vars := make(expr.Vars, len(seed)+4)
	for k, v := range seed {
		vars[k] = v
	}
	for _, name := range []string{rules.VarBaseCost, rules.VarAdditionalCost, rules.VarDiscountTotal, rules.VarRunningTotal} {
		vars[name] = decimal.Zero
	}
	return &countryState{
		vars:      vars,
		applied:   []string{},
		discounts: make(map[string]decimal.Decimal),
	}
}

func (s *countryState) get(name string) decimal.Decimal {
	return s.vars[name]
}

func (s *countryState) set(name string, v decimal.Decimal) {
	s.vars[name] = v
}

// scope resolves context variables first and the current rule's parameter defaults second.
func (s *countryState) scope() expr.Scope {
	return expr.Layered{Top: s.vars, Base: s.params}
}

func (s *countryState) running() decimal.Decimal {
	return s.get(rules.VarBaseCost).Add(s.get(rules.VarAdditionalCost)).Sub(s.get(rules.VarDiscountTotal))
}

// CountryTotals holds one country's unrounded amounts in the base currency.
type CountryTotals struct {
	CountryCode    string
	BaseCost       decimal.Decimal
	AdditionalCost decimal.Decimal
	Discount       decimal.Decimal
	AppliedRules   []string
	Requirements   []string
	Discounts      map[string]decimal.Decimal
}

// Total returns base + additional - discount.
func (t *CountryTotals) Total() decimal.Decimal {
	return t.BaseCost.Add(t.AdditionalCost).Sub(t.Discount)
}

// Calculator applies an ordered rule chain for one country as a left fold.
type Calculator struct {
	programs        *rules.Programs
	policies        Policies
	requireBaseRule bool
}

// NewCalculator creates a calculator. A nil programs cache or policy table uses the defaults.
func NewCalculator(programs *rules.Programs, policies Policies, requireBaseRule bool) *Calculator {
	if programs == nil {
		programs = rules.NewPrograms()
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Calculator{
		programs:        programs,
		policies:        policies,
		requireBaseRule: requireBaseRule,
	}
}

// CalculateCountry folds the already selected and ordered rules over a context
// seeded from seed. Any rule failure fails the whole country.
func (c *Calculator) CalculateCountry(countryCode string, selected []*domain.Rule, seed expr.Vars) (*CountryTotals, error) {
	st := newCountryState(seed)

	for _, r := range selected {
		if err := c.apply(st, r); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}

	if c.requireBaseRule && !st.hasBase {
		return nil, &domain.MissingBaseRuleError{CountryCode: countryCode}
	}

	return &CountryTotals{
		CountryCode:    countryCode,
		BaseCost:       st.get(rules.VarBaseCost),
		AdditionalCost: st.get(rules.VarAdditionalCost),
		Discount:       st.get(rules.VarDiscountTotal),
		AppliedRules:   st.applied,
		Requirements:   st.requirements,
		Discounts:      st.discounts,
	}, nil
}

func (c *Calculator) apply(st *countryState, r *domain.Rule) error {
	prog, err := c.programs.Compile(r.Expression)
	if err != nil {
		return err
	}

	params, err := parameterVars(r)
	if err != nil {
		return err
	}
	st.params = params
	defer func() { st.params = nil }()

	result, err := prog.Eval(st.scope())
	if err != nil {
		return err
	}

	if target := prog.Target(); target != "" {
		if !rules.AllowsTarget(r.Type) {
			return fmt.Errorf("%w: %s assigns to %q", ErrTargetNotAllowed, r.Type, target)
		}
		if rules.ReadOnlyVars[target] {
			return fmt.Errorf("%w: %q", ErrReadOnlyTarget, target)
		}
		st.set(target, result)
	} else {
		policy, ok := c.policies[r.Type]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoPolicy, r.Type)
		}
		policy(st, r, result)
	}

	if r.Type == domain.RuleTypeVatRate {
		st.hasBase = true
	}
	st.set(rules.VarRunningTotal, st.running())
	st.applied = append(st.applied, r.ID)
	return nil
}

// parameterVars binds numeric and boolean parameter defaults. Booleans bind as 1 or 0.
func parameterVars(r *domain.Rule) (expr.Vars, error) {
	if len(r.Parameters) == 0 {
		return nil, nil
	}
	vars := make(expr.Vars, len(r.Parameters))
	for _, p := range r.Parameters {
		if p.DefaultValue == "" {
			continue
		}
		switch p.DataType {
		case domain.ParamNumber:
			d, err := decimal.NewFromString(p.DefaultValue)
			if err != nil {
				return nil, fmt.Errorf("%w: %s=%q", ErrInvalidParameter, p.Name, p.DefaultValue)
			}
			vars[p.Name] = d
		case domain.ParamBoolean:
			b, err := strconv.ParseBool(p.DefaultValue)
			if err != nil {
				return nil, fmt.Errorf("%w: %s=%q", ErrInvalidParameter, p.Name, p.DefaultValue)
			}
			if b {
				vars[p.Name] = decimal.NewFromInt(1)
			} else {
				vars[p.Name] = decimal.Zero
			}
		}
	}
	return vars, nil
}
