package engine

import (
	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/rules"
	"github.com/shopspring/decimal"
)

// stepCostParam names the Threshold parameter added when the rule fires.
const stepCostParam = "stepCost"

// ApplyFunc folds one rule's evaluated result into the country state.
type ApplyFunc func(st *countryState, r *domain.Rule, result decimal.Decimal)

// Policies maps each rule type to how its result is applied.
// Rules with an explicit assignment target bypass the policy for their type.
type Policies map[domain.RuleType]ApplyFunc

// DefaultPolicies returns the standard application policy per rule type.
func DefaultPolicies() Policies {
	return Policies{
		domain.RuleTypeVatRate:            applyVatRate,
		domain.RuleTypeThreshold:          applyThreshold,
		domain.RuleTypeComplexity:         applyComplexity,
		domain.RuleTypeSpecialRequirement: applySpecialRequirement,
		domain.RuleTypeDiscount:           applyDiscount,
	}
}

func applyVatRate(st *countryState, _ *domain.Rule, result decimal.Decimal) {
	st.set(rules.VarBaseCost, result)
}

// applyThreshold adds the declared step cost when the result is non-zero,
// or the result itself when the rule declares no step cost.
func applyThreshold(st *countryState, r *domain.Rule, result decimal.Decimal) {
	if result.IsZero() {
		return
	}
	step := result
	if _, ok := r.Parameter(stepCostParam); ok {
		if v, ok := st.scope().Lookup(stepCostParam); ok {
			step = v
		}
	}
	st.set(rules.VarAdditionalCost, st.get(rules.VarAdditionalCost).Add(step))
}

func applyComplexity(st *countryState, _ *domain.Rule, result decimal.Decimal) {
	st.set(rules.VarAdditionalCost, st.get(rules.VarAdditionalCost).Mul(result))
}

func applySpecialRequirement(st *countryState, r *domain.Rule, result decimal.Decimal) {
	st.set(rules.VarAdditionalCost, st.get(rules.VarAdditionalCost).Add(result))
	st.requirements = append(st.requirements, r.Name)
}

func applyDiscount(st *countryState, r *domain.Rule, result decimal.Decimal) {
	st.set(rules.VarDiscountTotal, st.get(rules.VarDiscountTotal).Add(result))
	st.discounts[r.Name] = st.discounts[r.Name].Add(result)
}
