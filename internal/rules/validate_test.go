package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/opensource-finance/vatcalc/internal/domain"
)

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *domain.Rule)
		wantErr string
	}{
		{"valid", func(r *domain.Rule) {}, ""},
		{"missing id", func(r *domain.Rule) { r.ID = "" }, "id is required"},
		{"missing name", func(r *domain.Rule) { r.Name = " " }, "name is required"},
		{"unknown type", func(r *domain.Rule) { r.Type = "Surcharge" }, "unknown rule type"},
		{"lowercase country", func(r *domain.Rule) { r.CountryCode = "de" }, "two uppercase letters"},
		{"long country", func(r *domain.Rule) { r.CountryCode = "DEU" }, "two uppercase letters"},
		{"missing from", func(r *domain.Rule) { r.EffectiveFrom = day("0001-01-01") }, "effectiveFrom is required"},
		{"inverted window", func(r *domain.Rule) { r.EffectiveTo = dayPtr("2023-01-01") }, "effectiveTo must not be before"},
		{"empty window allowed", func(r *domain.Rule) { r.EffectiveTo = dayPtr("2024-01-01") }, ""},
		{"bad expression", func(r *domain.Rule) { r.Expression = "baseCost = (1 +" }, "expression"},
		{"read-only target", func(r *domain.Rule) { r.Expression = "transactionVolume = 1" }, "read-only"},
		{"custom target", func(r *domain.Rule) { r.Expression = "setupFee = 50" }, ""},
		{"discount with target", func(r *domain.Rule) {
			r.Type = domain.RuleTypeDiscount
			r.Expression = "discountTotal = 10"
		}, "cannot assign"},
		{"request scope with country", func(r *domain.Rule) {
			r.Scope = domain.ScopeRequest
			r.Type = domain.RuleTypeDiscount
			r.Expression = "grandTotal * 0.1"
		}, "must not carry a country code"},
		{"request scope non-discount", func(r *domain.Rule) {
			r.Scope = domain.ScopeRequest
			r.CountryCode = ""
		}, "must be of type Discount"},
		{"unknown scope", func(r *domain.Rule) { r.Scope = "region" }, "unknown scope"},
		{"bad parameter name", func(r *domain.Rule) {
			r.Parameters = []domain.Parameter{{Name: "step cost", DataType: domain.ParamNumber}}
		}, "invalid name"},
		{"duplicate parameter", func(r *domain.Rule) {
			r.Parameters = []domain.Parameter{
				{Name: "stepCost", DataType: domain.ParamNumber, DefaultValue: "1"},
				{Name: "stepCost", DataType: domain.ParamNumber, DefaultValue: "2"},
			}
		}, "declared twice"},
		{"bad number default", func(r *domain.Rule) {
			r.Parameters = []domain.Parameter{{Name: "stepCost", DataType: domain.ParamNumber, DefaultValue: "ten"}}
		}, "not a number"},
		{"bad boolean default", func(r *domain.Rule) {
			r.Parameters = []domain.Parameter{{Name: "enabled", DataType: domain.ParamBoolean, DefaultValue: "maybe"}}
		}, "not a boolean"},
		{"unknown data type", func(r *domain.Rule) {
			r.Parameters = []domain.Parameter{{Name: "when", DataType: "date"}}
		}, "unknown data type"},
		{"bad operator", func(r *domain.Rule) {
			r.Conditions = []domain.Condition{{Parameter: "transactionVolume", Operator: "between", Value: "1"}}
		}, "unknown operator"},
		{"condition without parameter", func(r *domain.Rule) {
			r.Conditions = []domain.Condition{{Operator: domain.OpEquals, Value: "1"}}
		}, "parameter is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("de-vat", "DE base", 100)
			r.Expression = "baseCost = transactionVolume * 2"
			tt.mutate(r)

			err := ValidateRule(r)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid rule, got %v", err)
				}
				return
			}
			if !errors.Is(err, domain.ErrInvalidRule) {
				t.Fatalf("expected ErrInvalidRule, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestValidateRuleReportsAllProblems(t *testing.T) {
	err := ValidateRule(&domain.Rule{})
	if err == nil {
		t.Fatal("expected error for empty rule")
	}
	for _, want := range []string{"id is required", "name is required", "unknown rule type", "effectiveFrom is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}

	if err := ValidateRule(nil); !errors.Is(err, domain.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule for nil, got %v", err)
	}
}
