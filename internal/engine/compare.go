package engine

import (
	"context"
	"fmt"

	"github.com/opensource-finance/vatcalc/internal/domain"
)

// Comparison is the outcome of pricing several scenarios on the same date.
type Comparison struct {
	Results []*domain.CalculationResult `json:"results"`

	// Cheapest is the index of the lowest total. Ties go to the earlier scenario.
	Cheapest int `json:"cheapest"`
}

// Compare prices each scenario as of one shared date so the totals are comparable.
// Scenarios are priced in order; the first failure aborts the comparison.
func (e *Engine) Compare(ctx context.Context, scenarios []domain.CalculationRequest) (*Comparison, error) {
	if len(scenarios) < 2 {
		return nil, domain.InvalidRequestf("at least two scenarios are required")
	}

	asOf := scenarios[0].AsOf
	if asOf.IsZero() {
		asOf = e.now()
	}
	asOf = truncateDay(asOf)

	cmp := &Comparison{Results: make([]*domain.CalculationResult, len(scenarios))}
	for i := range scenarios {
		req := scenarios[i]
		req.AsOf = asOf

		result, err := e.Calculate(ctx, &req)
		if err != nil {
			return nil, fmt.Errorf("scenario %d: %w", i, err)
		}
		cmp.Results[i] = result
		if result.TotalCost.LessThan(cmp.Results[cmp.Cheapest].TotalCost) {
			cmp.Cheapest = i
		}
	}
	return cmp, nil
}
