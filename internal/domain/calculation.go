package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceType is the kind of VAT filing service being priced.
type ServiceType string

const (
	ServiceStandardFiling   ServiceType = "StandardFiling"
	ServiceFullService      ServiceType = "FullService"
	ServiceComplianceReview ServiceType = "ComplianceReview"
	ServiceRegistration     ServiceType = "Registration"
)

// Valid reports whether s is a known service type.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceStandardFiling, ServiceFullService, ServiceComplianceReview, ServiceRegistration:
		return true
	}
	return false
}

// FilingFrequency is how often returns are filed.
type FilingFrequency string

const (
	FrequencyMonthly    FilingFrequency = "Monthly"
	FrequencyBiMonthly  FilingFrequency = "BiMonthly"
	FrequencyQuarterly  FilingFrequency = "Quarterly"
	FrequencySemiAnnual FilingFrequency = "SemiAnnual"
	FrequencyAnnual     FilingFrequency = "Annual"
)

// Valid reports whether f is a known filing frequency.
func (f FilingFrequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyBiMonthly, FrequencyQuarterly, FrequencySemiAnnual, FrequencyAnnual:
		return true
	}
	return false
}

// CalculationRequest is the input to a cost calculation.
type CalculationRequest struct {
	ServiceType        ServiceType     `json:"serviceType"`
	TransactionVolume  decimal.Decimal `json:"transactionVolume"`
	Frequency          FilingFrequency `json:"frequency"`
	Countries          []string        `json:"countries"`
	AdditionalServices []string        `json:"additionalServices,omitempty"`

	// AsOf selects the rule versions to apply. Zero means today (UTC).
	AsOf time.Time `json:"asOf,omitempty"`

	// Currency of the result. Empty means the engine's base currency.
	Currency string `json:"currency,omitempty"`
}

// CountryBreakdown is the priced result for one country.
type CountryBreakdown struct {
	CountryCode    string          `json:"countryCode"`
	BaseCost       decimal.Decimal `json:"baseCost"`
	AdditionalCost decimal.Decimal `json:"additionalCost"`
	Discount       decimal.Decimal `json:"discount"`
	TotalCost      decimal.Decimal `json:"totalCost"`

	// AppliedRules lists rule IDs in the order they were folded.
	AppliedRules []string `json:"appliedRules"`

	// Requirements lists the names of SpecialRequirement rules that applied.
	Requirements []string `json:"requirements,omitempty"`

	// Discounts maps per-country Discount rule names to the amount subtracted.
	Discounts map[string]decimal.Decimal `json:"discounts,omitempty"`
}

// CalculationResult is the immutable outcome of a calculation.
type CalculationResult struct {
	ID                 string                     `json:"id"`
	TotalCost          decimal.Decimal            `json:"totalCost"`
	Currency           string                     `json:"currency"`
	Countries          []CountryBreakdown         `json:"countries"`
	AdditionalServices []string                   `json:"additionalServices"`
	Discounts          map[string]decimal.Decimal `json:"discounts"`

	// GlobalRules lists request-level rule IDs applied after summation.
	GlobalRules []string `json:"globalRules,omitempty"`

	AsOf             time.Time `json:"asOf"`
	RuleSnapshotHash string    `json:"ruleSnapshotHash"`
	GeneratedAt      time.Time `json:"generatedAt"`
}

// Country returns the breakdown for a country code.
func (r *CalculationResult) Country(code string) (CountryBreakdown, bool) {
	for _, c := range r.Countries {
		if c.CountryCode == code {
			return c, true
		}
	}
	return CountryBreakdown{}, false
}

// RuleSource yields the rules of one country that are active as of a date.
// Implementations may return extra rules; the engine re-filters everything it receives.
type RuleSource interface {
	GetApplicableRules(ctx context.Context, countryCode string, asOf time.Time) ([]*Rule, error)
}

// GlobalRuleSource is implemented by rule sources that model request-level discounts.
type GlobalRuleSource interface {
	GetGlobalRules(ctx context.Context, asOf time.Time) ([]*Rule, error)
}

// ResultConsumer receives every successful calculation result.
type ResultConsumer interface {
	Consume(ctx context.Context, result *CalculationResult) error
}

// StoredCalculation is a persisted calculation with the request that produced it.
type StoredCalculation struct {
	Request   CalculationRequest `json:"request"`
	Result    CalculationResult  `json:"result"`
	CreatedAt time.Time          `json:"createdAt"`
}
