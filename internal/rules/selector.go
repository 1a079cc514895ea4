package rules

import (
	"sort"
	"time"

	"github.com/opensource-finance/vatcalc/internal/domain"
)

// Select returns the rules applicable at asOf, ordered for evaluation.
//
// Algorithm:
// 1. Keep rules that are active and whose window contains asOf
// 2. Keep rules whose conditions all match facts
// 3. Order by priority descending, then name ascending, then ID ascending
//
// The input slice is not modified. Expressions are not inspected here.
func Select(candidates []*domain.Rule, asOf time.Time, facts Facts) []*domain.Rule {
	selected := make([]*domain.Rule, 0, len(candidates))
	for _, r := range candidates {
		if r == nil || !r.ActiveAt(asOf) {
			continue
		}
		if !Matches(r.Conditions, facts) {
			continue
		}
		selected = append(selected, r)
	}

	SortForEvaluation(selected)
	return selected
}

// SortForEvaluation orders rules in place by priority desc, name asc, ID asc.
func SortForEvaluation(rules []*domain.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}
