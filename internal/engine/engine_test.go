package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/vatcalc/internal/cache"
	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/expr"
	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

// memSource is an in-memory rule source. Setting global makes it a GlobalRuleSource
// through memGlobalSource.
type memSource struct {
	mu    sync.Mutex
	rules []*domain.Rule
	calls int
}

func (m *memSource) GetApplicableRules(ctx context.Context, countryCode string, asOf time.Time) ([]*domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var out []*domain.Rule
	for _, r := range m.rules {
		if r.CountryCode == countryCode {
			out = append(out, r)
		}
	}
	return out, nil
}

type memGlobalSource struct {
	*memSource
	global []*domain.Rule
}

func (m *memGlobalSource) GetGlobalRules(ctx context.Context, asOf time.Time) ([]*domain.Rule, error) {
	return m.global, nil
}

type recordingConsumer struct {
	mu      sync.Mutex
	results []*domain.CalculationResult
}

func (c *recordingConsumer) Consume(ctx context.Context, r *domain.CalculationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

func newRule(id, country string, typ domain.RuleType, expression string, priority int) *domain.Rule {
	return &domain.Rule{
		ID:            id,
		CountryCode:   country,
		Type:          typ,
		Name:          id,
		Expression:    expression,
		EffectiveFrom: day("2024-01-01"),
		Priority:      priority,
		IsActive:      true,
	}
}

func exampleSource() *memSource {
	return &memSource{rules: []*domain.Rule{
		newRule("gb-vat", "GB", domain.RuleTypeVatRate, "baseCost = transactionVolume * 2.4", 100),
		newRule("de-vat", "DE", domain.RuleTypeVatRate, "baseCost = transactionVolume * 2.0", 100),
		newRule("de-complexity", "DE", domain.RuleTypeComplexity, "additionalCost = baseCost * 0.1", 50),
	}}
}

func exampleRequest() *domain.CalculationRequest {
	return &domain.CalculationRequest{
		ServiceType:       domain.ServiceStandardFiling,
		TransactionVolume: dec("500"),
		Frequency:         domain.FrequencyQuarterly,
		Countries:         []string{"GB", "DE"},
		AsOf:              day("2024-06-01"),
	}
}

func newTestEngine(src domain.RuleSource, opts ...Option) *Engine {
	cfg := domain.DefaultEngineConfig()
	cfg.ResultTTL = 0
	return New(src, cfg, append([]Option{WithClock(fixedClock)}, opts...)...)
}

func assertAmount(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s: expected %s, got %s", label, want, got)
	}
}

func TestCalculateExampleScenario(t *testing.T) {
	e := newTestEngine(exampleSource())

	result, err := e.Calculate(context.Background(), exampleRequest())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	if len(result.Countries) != 2 || result.Countries[0].CountryCode != "GB" || result.Countries[1].CountryCode != "DE" {
		t.Fatalf("expected breakdowns in request order, got %+v", result.Countries)
	}

	gb := result.Countries[0]
	assertAmount(t, "GB base", gb.BaseCost, "1200.00")
	assertAmount(t, "GB additional", gb.AdditionalCost, "0.00")
	assertAmount(t, "GB total", gb.TotalCost, "1200.00")

	de := result.Countries[1]
	assertAmount(t, "DE base", de.BaseCost, "1000.00")
	assertAmount(t, "DE additional", de.AdditionalCost, "100.00")
	assertAmount(t, "DE total", de.TotalCost, "1100.00")

	if len(de.AppliedRules) != 2 || de.AppliedRules[0] != "de-vat" || de.AppliedRules[1] != "de-complexity" {
		t.Errorf("unexpected DE trail %v", de.AppliedRules)
	}

	assertAmount(t, "grand total", result.TotalCost, "2300.00")
	if len(result.Discounts) != 0 {
		t.Errorf("expected no discounts, got %v", result.Discounts)
	}
	if result.Currency != "EUR" {
		t.Errorf("expected base currency EUR, got %s", result.Currency)
	}
	if result.RuleSnapshotHash == "" || result.ID == "" {
		t.Error("expected snapshot hash and ID to be set")
	}
	if !result.GeneratedAt.Equal(fixedNow) {
		t.Errorf("expected GeneratedAt from clock, got %v", result.GeneratedAt)
	}
}

func TestCalculateDivisionByZero(t *testing.T) {
	src := exampleSource()
	src.rules = append(src.rules, newRule("de-broken", "DE", domain.RuleTypeThreshold, "transactionVolume / 0", 10))

	result, err := newTestEngine(src).Calculate(context.Background(), exampleRequest())
	if result != nil {
		t.Fatal("expected no partial result")
	}
	if !errors.Is(err, expr.ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
	if !errors.Is(err, domain.ErrCalculationFailed) {
		t.Fatalf("expected ErrCalculationFailed, got %v", err)
	}

	var calcErr *domain.CalculationError
	if !errors.As(err, &calcErr) || calcErr.CountryCode != "DE" {
		t.Fatalf("expected CalculationError for DE, got %v", err)
	}
}

func TestCalculateUnknownVariable(t *testing.T) {
	src := &memSource{rules: []*domain.Rule{
		newRule("fr-vat", "FR", domain.RuleTypeVatRate, "baseCost = turnover * 2", 100),
	}}
	req := exampleRequest()
	req.Countries = []string{"FR"}

	_, err := newTestEngine(src).Calculate(context.Background(), req)
	var uv *expr.UnknownVariableError
	if !errors.As(err, &uv) || uv.Name != "turnover" {
		t.Fatalf("expected unknown variable turnover, got %v", err)
	}
}

func TestCalculateIsDeterministic(t *testing.T) {
	e := newTestEngine(exampleSource())
	req := exampleRequest()
	req.AdditionalServices = []string{"Translation", "Archiving"}

	first, err := e.Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	a, _ := json.Marshal(first)

	for i := 0; i < 20; i++ {
		again, err := e.Calculate(context.Background(), req)
		if err != nil {
			t.Fatalf("Calculate failed: %v", err)
		}
		b, _ := json.Marshal(again)
		if !bytes.Equal(a, b) {
			t.Fatalf("run %d differs:\n%s\n%s", i, a, b)
		}
	}

	// A fresh engine over an equal snapshot yields the same ID.
	other, err := newTestEngine(exampleSource()).Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if other.ID != first.ID {
		t.Errorf("expected stable ID, got %s and %s", first.ID, other.ID)
	}

	// A different date is a different calculation.
	later := *req
	later.AsOf = day("2024-06-02")
	moved, _ := e.Calculate(context.Background(), &later)
	if moved.ID == first.ID {
		t.Error("expected ID to depend on the as-of date")
	}
}

func TestCalculateOrderSensitivity(t *testing.T) {
	threshold := newRule("step", "DE", domain.RuleTypeThreshold, "transactionVolume > 100", 100)
	threshold.Parameters = []domain.Parameter{{Name: "stepCost", DataType: domain.ParamNumber, DefaultValue: "100"}}
	complexity := newRule("double", "DE", domain.RuleTypeComplexity, "2", 50)

	req := exampleRequest()
	req.Countries = []string{"DE"}

	// Threshold first: (0 + 100) * 2
	e := newTestEngine(&memSource{rules: []*domain.Rule{threshold, complexity}})
	result, err := e.Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	assertAmount(t, "threshold first", result.Countries[0].AdditionalCost, "200")

	// Complexity first: 0 * 2 + 100
	swapped := *complexity
	swapped.Priority = 200
	e = newTestEngine(&memSource{rules: []*domain.Rule{threshold, &swapped}})
	result, err = e.Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	assertAmount(t, "complexity first", result.Countries[0].AdditionalCost, "100")
	if trail := result.Countries[0].AppliedRules; trail[0] != "double" || trail[1] != "step" {
		t.Errorf("unexpected trail %v", trail)
	}
}

func TestCalculateEqualPriorityUsesName(t *testing.T) {
	a := newRule("id-2", "DE", domain.RuleTypeSpecialRequirement, "10", 5)
	a.Name = "Alpha"
	b := newRule("id-1", "DE", domain.RuleTypeSpecialRequirement, "20", 5)
	b.Name = "Beta"

	req := exampleRequest()
	req.Countries = []string{"DE"}

	for _, order := range [][]*domain.Rule{{a, b}, {b, a}} {
		result, err := newTestEngine(&memSource{rules: order}).Calculate(context.Background(), req)
		if err != nil {
			t.Fatalf("Calculate failed: %v", err)
		}
		de := result.Countries[0]
		if de.AppliedRules[0] != "id-2" || de.AppliedRules[1] != "id-1" {
			t.Errorf("expected name order, got %v", de.AppliedRules)
		}
		assertAmount(t, "additional", de.AdditionalCost, "30")
		if len(de.Requirements) != 2 || de.Requirements[0] != "Alpha" {
			t.Errorf("unexpected requirements %v", de.Requirements)
		}
	}
}

func TestCalculateDateWindowBoundary(t *testing.T) {
	old := newRule("de-2023", "DE", domain.RuleTypeVatRate, "baseCost = 100", 100)
	old.EffectiveFrom = day("2023-01-01")
	to := day("2024-07-01")
	old.EffectiveTo = &to

	current := newRule("de-2024", "DE", domain.RuleTypeVatRate, "baseCost = 200", 100)
	current.EffectiveFrom = day("2024-07-01")

	e := newTestEngine(&memSource{rules: []*domain.Rule{old, current}})

	tests := []struct {
		asOf string
		want string
		rule string
	}{
		{"2024-06-30", "100", "de-2023"},
		{"2024-07-01", "200", "de-2024"},
	}

	for _, tt := range tests {
		t.Run(tt.asOf, func(t *testing.T) {
			req := exampleRequest()
			req.Countries = []string{"DE"}
			req.AsOf = day(tt.asOf)

			result, err := e.Calculate(context.Background(), req)
			if err != nil {
				t.Fatalf("Calculate failed: %v", err)
			}
			de := result.Countries[0]
			assertAmount(t, "base", de.BaseCost, tt.want)
			if len(de.AppliedRules) != 1 || de.AppliedRules[0] != tt.rule {
				t.Errorf("expected only %s, got %v", tt.rule, de.AppliedRules)
			}
		})
	}
}

func TestCalculateZeroRuleBaseline(t *testing.T) {
	req := exampleRequest()
	req.Countries = []string{"FR"}

	result, err := newTestEngine(&memSource{}).Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	fr := result.Countries[0]
	assertAmount(t, "base", fr.BaseCost, "0")
	assertAmount(t, "additional", fr.AdditionalCost, "0")
	if len(fr.AppliedRules) != 0 {
		t.Errorf("expected empty trail, got %v", fr.AppliedRules)
	}

	cfg := domain.DefaultEngineConfig()
	cfg.RequireBaseRule = true
	strict := New(exampleSource(), cfg, WithClock(fixedClock))

	req.Countries = []string{"GB", "FR"}
	_, err = strict.Calculate(context.Background(), req)
	if !errors.Is(err, domain.ErrMissingBaseRule) {
		t.Fatalf("expected ErrMissingBaseRule, got %v", err)
	}
	var missing *domain.MissingBaseRuleError
	if !errors.As(err, &missing) || missing.CountryCode != "FR" {
		t.Errorf("expected MissingBaseRule(FR), got %v", err)
	}
}

func TestCalculateConditionFailsClosed(t *testing.T) {
	conditional := newRule("de-turnover", "DE", domain.RuleTypeSpecialRequirement, "500", 10)
	conditional.Conditions = []domain.Condition{
		{Parameter: "annualTurnover", Operator: domain.OpGreaterThan, Value: "1000000"},
	}
	translation := newRule("de-translation", "DE", domain.RuleTypeSpecialRequirement, "75", 10)
	translation.Conditions = []domain.Condition{
		{Parameter: "additionalServices", Operator: domain.OpContains, Value: "translation"},
	}

	src := exampleSource()
	src.rules = append(src.rules, conditional, translation)

	req := exampleRequest()
	req.AdditionalServices = []string{"Translation"}

	result, err := newTestEngine(src).Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	de, _ := result.Country("DE")
	assertAmount(t, "DE additional", de.AdditionalCost, "175")
	for _, id := range de.AppliedRules {
		if id == "de-turnover" {
			t.Error("rule with unsatisfiable condition should be skipped")
		}
	}
}

func TestCalculatePolicies(t *testing.T) {
	vat := newRule("vat", "DE", domain.RuleTypeVatRate, "transactionVolume * basePrice / 100", 100)
	noStep := newRule("volume-surcharge", "DE", domain.RuleTypeThreshold, "(transactionVolume > 100) * 40", 90)
	idle := newRule("never", "DE", domain.RuleTypeThreshold, "transactionVolume > 10000", 80)
	idle.Parameters = []domain.Parameter{{Name: "stepCost", DataType: domain.ParamNumber, DefaultValue: "999"}}
	fee := newRule("setup", "DE", domain.RuleTypeThreshold, "setupFee = 25", 70)
	fixed := newRule("fiscal-rep", "DE", domain.RuleTypeSpecialRequirement, "setupFee * 2", 60)
	fixed.Name = "Fiscal representative"
	loyalty := newRule("loyalty", "DE", domain.RuleTypeDiscount, "runningTotal * 0.1", 10)
	loyalty.Name = "Loyalty"

	req := exampleRequest()
	req.Countries = []string{"DE"}

	result, err := newTestEngine(&memSource{rules: []*domain.Rule{vat, noStep, idle, fee, fixed, loyalty}}).
		Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	de := result.Countries[0]
	// base 500*150/100 = 750; additional 40 + 50 = 90; discount 84
	assertAmount(t, "base", de.BaseCost, "750")
	assertAmount(t, "additional", de.AdditionalCost, "90")
	assertAmount(t, "discount", de.Discount, "84")
	assertAmount(t, "total", de.TotalCost, "756")
	assertAmount(t, "per-country discount", de.Discounts["Loyalty"], "84")
	assertAmount(t, "result discounts", result.Discounts["Loyalty"], "84")
	assertAmount(t, "grand total", result.TotalCost, "756")

	if len(de.Requirements) != 1 || de.Requirements[0] != "Fiscal representative" {
		t.Errorf("unexpected requirements %v", de.Requirements)
	}
	if len(de.AppliedRules) != 6 {
		t.Errorf("expected every rule in the trail, got %v", de.AppliedRules)
	}
}

func TestCalculateParameterDefaultsYieldToContext(t *testing.T) {
	r := newRule("vat", "DE", domain.RuleTypeVatRate, "baseCost = transactionVolume * rate", 100)
	r.Parameters = []domain.Parameter{
		{Name: "rate", DataType: domain.ParamNumber, DefaultValue: "3"},
		{Name: "transactionVolume", DataType: domain.ParamNumber, DefaultValue: "1"},
	}
	req := exampleRequest()
	req.Countries = []string{"DE"}

	result, err := newTestEngine(&memSource{rules: []*domain.Rule{r}}).Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	assertAmount(t, "base", result.Countries[0].BaseCost, "1500")
}

func TestCalculateRejectsReadOnlyTarget(t *testing.T) {
	r := newRule("bad", "DE", domain.RuleTypeVatRate, "transactionVolume = 1", 100)
	req := exampleRequest()
	req.Countries = []string{"DE"}

	_, err := newTestEngine(&memSource{rules: []*domain.Rule{r}}).Calculate(context.Background(), req)
	if !errors.Is(err, ErrReadOnlyTarget) {
		t.Fatalf("expected ErrReadOnlyTarget, got %v", err)
	}
}

func TestCalculateGlobalDiscount(t *testing.T) {
	multi := &domain.Rule{
		ID:            "multi-country",
		Scope:         domain.ScopeRequest,
		Type:          domain.RuleTypeDiscount,
		Name:          "Multi-country",
		Expression:    "grandTotal * 0.05",
		EffectiveFrom: day("2024-01-01"),
		IsActive:      true,
		Priority:      10,
		Conditions: []domain.Condition{
			{Parameter: "countryCount", Operator: domain.OpGreaterThanOrEqual, Value: "2"},
		},
	}
	volume := &domain.Rule{
		ID:            "volume",
		Scope:         domain.ScopeRequest,
		Type:          domain.RuleTypeDiscount,
		Name:          "Volume",
		Expression:    "(transactionVolume >= 10000) * 100",
		EffectiveFrom: day("2024-01-01"),
		IsActive:      true,
	}

	src := &memGlobalSource{memSource: exampleSource(), global: []*domain.Rule{multi, volume}}
	result, err := newTestEngine(src).Calculate(context.Background(), exampleRequest())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	assertAmount(t, "multi-country discount", result.Discounts["Multi-country"], "115")
	assertAmount(t, "volume discount", result.Discounts["Volume"], "0")
	assertAmount(t, "total", result.TotalCost, "2185")
	if len(result.GlobalRules) != 2 || result.GlobalRules[0] != "multi-country" {
		t.Errorf("unexpected global rules %v", result.GlobalRules)
	}

	// One country does not qualify.
	single := exampleRequest()
	single.Countries = []string{"GB"}
	result, err = newTestEngine(src).Calculate(context.Background(), single)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	assertAmount(t, "single total", result.TotalCost, "1200")
	if _, ok := result.Discounts["Multi-country"]; ok {
		t.Error("multi-country discount should not apply to one country")
	}
}

func TestCalculateGlobalDiscountUsesRoundedCountryTotals(t *testing.T) {
	// Each country settles 10.005 to 10.00; the unrounded sum would be 20.01.
	src := &memGlobalSource{
		memSource: &memSource{rules: []*domain.Rule{
			newRule("gb-vat", "GB", domain.RuleTypeVatRate, "baseCost = 10.005", 100),
			newRule("de-vat", "DE", domain.RuleTypeVatRate, "baseCost = 10.005", 100),
		}},
		global: []*domain.Rule{{
			ID:            "down-to-ten",
			Scope:         domain.ScopeRequest,
			Type:          domain.RuleTypeDiscount,
			Name:          "Down to ten",
			Expression:    "grandTotal - 10",
			EffectiveFrom: day("2024-01-01"),
			IsActive:      true,
		}},
	}

	result, err := newTestEngine(src).Calculate(context.Background(), exampleRequest())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	assertAmount(t, "GB total", result.Countries[0].TotalCost, "10.00")
	assertAmount(t, "DE total", result.Countries[1].TotalCost, "10.00")
	assertAmount(t, "discount", result.Discounts["Down to ten"], "10.00")
	assertAmount(t, "total", result.TotalCost, "10.00")
}

func TestCalculateConditionOnZeroedContextVariable(t *testing.T) {
	extra := newRule("gb-first-extra", "GB", domain.RuleTypeSpecialRequirement, "25", 50)
	extra.Conditions = []domain.Condition{
		{Parameter: "additionalCost", Operator: domain.OpEquals, Value: "0"},
	}
	src := &memSource{rules: []*domain.Rule{
		newRule("gb-vat", "GB", domain.RuleTypeVatRate, "baseCost = transactionVolume * 2.4", 100),
		extra,
	}}
	req := exampleRequest()
	req.Countries = []string{"GB"}

	result, err := newTestEngine(src).Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	gb := result.Countries[0]
	if len(gb.AppliedRules) != 2 || gb.AppliedRules[1] != "gb-first-extra" {
		t.Errorf("expected both rules applied, got %v", gb.AppliedRules)
	}
	assertAmount(t, "additional", gb.AdditionalCost, "25")
	assertAmount(t, "total", result.TotalCost, "1225")
}

func TestCalculateCurrencyConversion(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	cfg.ResultTTL = 0
	cfg.RateTable["GBP"] = dec("0.8575")
	cfg.RateTable["JPY"] = dec("162.345")
	e := New(exampleSource(), cfg, WithClock(fixedClock))

	req := exampleRequest()
	req.Currency = "gbp"
	result, err := e.Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if result.Currency != "GBP" {
		t.Errorf("expected GBP, got %s", result.Currency)
	}
	assertAmount(t, "GB base", result.Countries[0].BaseCost, "1029")
	// 1100 * 0.8575 = 943.25
	assertAmount(t, "DE total", result.Countries[1].TotalCost, "943.25")
	assertAmount(t, "total", result.TotalCost, "1972.25")

	req.Currency = "JPY"
	result, err = e.Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	// 1200 * 162.345 = 194814; 1100 * 162.345 = 178579.5 -> 178580 (half to even)
	assertAmount(t, "GB JPY", result.Countries[0].TotalCost, "194814")
	assertAmount(t, "DE JPY", result.Countries[1].TotalCost, "178580")
}

func TestRoundingHalfEven(t *testing.T) {
	m := newMoney("EUR", nil, map[string]int32{"EUR": 2})
	tests := []struct{ in, want string }{
		{"0.125", "0.12"},
		{"0.135", "0.14"},
		{"2.675", "2.68"},
		{"-0.125", "-0.12"},
		{"10", "10"},
	}
	for _, tt := range tests {
		if got := m.round(dec(tt.in), "EUR"); !got.Equal(dec(tt.want)) {
			t.Errorf("round(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if got := m.round(dec("1.005"), "XXX"); !got.Equal(dec("1")) {
		t.Errorf("default minor units: got %s", got)
	}
}

func TestCalculateRoundsOnceAtTheEnd(t *testing.T) {
	// Three thirds add up to one only when nothing is rounded in between.
	third := func(id string) *domain.Rule {
		return newRule(id, "DE", domain.RuleTypeSpecialRequirement, "1 / 3", 10)
	}
	req := exampleRequest()
	req.Countries = []string{"DE"}

	result, err := newTestEngine(&memSource{rules: []*domain.Rule{third("a"), third("b"), third("c")}}).
		Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	assertAmount(t, "additional", result.Countries[0].AdditionalCost, "1.00")
}

func TestCalculateInvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *domain.CalculationRequest)
	}{
		{"no countries", func(r *domain.CalculationRequest) { r.Countries = nil }},
		{"bad country code", func(r *domain.CalculationRequest) { r.Countries = []string{"GBR"} }},
		{"numeric country code", func(r *domain.CalculationRequest) { r.Countries = []string{"1A"} }},
		{"duplicate country", func(r *domain.CalculationRequest) { r.Countries = []string{"GB", "gb"} }},
		{"zero volume", func(r *domain.CalculationRequest) { r.TransactionVolume = decimal.Zero }},
		{"negative volume", func(r *domain.CalculationRequest) { r.TransactionVolume = dec("-1") }},
		{"unknown service", func(r *domain.CalculationRequest) { r.ServiceType = "Audit" }},
		{"unknown frequency", func(r *domain.CalculationRequest) { r.Frequency = "Weekly" }},
		{"unknown currency", func(r *domain.CalculationRequest) { r.Currency = "XYZ" }},
		{"blank service", func(r *domain.CalculationRequest) { r.AdditionalServices = []string{" "} }},
		{"duplicate service", func(r *domain.CalculationRequest) { r.AdditionalServices = []string{"A", "A"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := exampleSource()
			req := exampleRequest()
			tt.mutate(req)

			_, err := newTestEngine(src).Calculate(context.Background(), req)
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if src.calls != 0 {
				t.Error("rules should not be fetched for an invalid request")
			}
		})
	}

	if _, err := newTestEngine(exampleSource()).Calculate(context.Background(), nil); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for nil request, got %v", err)
	}
}

func TestCalculateDefaultsAsOfToToday(t *testing.T) {
	src := exampleSource()
	req := exampleRequest()
	req.AsOf = time.Time{}

	result, err := newTestEngine(src).Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if !result.AsOf.Equal(day("2024-06-15")) {
		t.Errorf("expected as-of to default to the clock's day, got %v", result.AsOf)
	}
}

func TestCalculateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(exampleSource()).Calculate(ctx, exampleRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCalculateManyCountriesConcurrently(t *testing.T) {
	codes := []string{"AT", "BE", "BG", "CY", "CZ", "DE", "DK", "EE", "ES", "FI", "FR", "GR", "HR", "HU", "IE", "IT"}
	src := &memSource{}
	for _, cc := range codes {
		src.rules = append(src.rules, newRule(cc+"-vat", cc, domain.RuleTypeVatRate, "baseCost = transactionVolume * 2", 100))
	}

	cfg := domain.DefaultEngineConfig()
	cfg.MaxWorkers = 3
	e := New(src, cfg, WithClock(fixedClock))

	req := exampleRequest()
	req.Countries = codes
	result, err := e.Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	for i, cc := range codes {
		if result.Countries[i].CountryCode != cc {
			t.Errorf("position %d: expected %s, got %s", i, cc, result.Countries[i].CountryCode)
		}
	}
	assertAmount(t, "total", result.TotalCost, "16000")
	if e.ProgramsCached() != 1 {
		t.Errorf("expected one shared compiled program, got %d", e.ProgramsCached())
	}
}

func TestCalculateUsesResultCache(t *testing.T) {
	src := exampleSource()
	consumer := &recordingConsumer{}
	c := cache.NewLRUCache(10)

	cfg := domain.DefaultEngineConfig()
	e := New(src, cfg, WithClock(fixedClock), WithCache(c), WithConsumer(consumer))

	first, err := e.Calculate(context.Background(), exampleRequest())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	second, err := e.Calculate(context.Background(), exampleRequest())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	if st := c.Stats(); st.Size != 1 || st.Hits != 1 {
		t.Errorf("expected one cached result served once, got %+v", st)
	}
	if len(consumer.results) != 1 {
		t.Errorf("expected consumer to see one computed result, got %d", len(consumer.results))
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if !bytes.Equal(a, b) {
		t.Errorf("cached result differs:\n%s\n%s", a, b)
	}

	// A rule change yields a new snapshot hash and a fresh calculation.
	src.rules[0].Expression = "baseCost = transactionVolume * 3"
	third, err := e.Calculate(context.Background(), exampleRequest())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	assertAmount(t, "GB base after edit", third.Countries[0].BaseCost, "1500")
	if third.ID == first.ID {
		t.Error("expected a new ID after a rule change")
	}
}

func TestResultCacheSeparatesEngineConfigs(t *testing.T) {
	src := &memSource{rules: []*domain.Rule{
		newRule("de-vat", "DE", domain.RuleTypeVatRate, "baseCost = basePrice", 100),
	}}
	req := func() *domain.CalculationRequest {
		r := exampleRequest()
		r.Countries = []string{"DE"}
		return r
	}
	shared := cache.NewLRUCache(10)

	cheap := New(src, domain.DefaultEngineConfig(), WithClock(fixedClock), WithCache(shared))
	premiumCfg := domain.DefaultEngineConfig()
	premiumCfg.BasePrices[domain.ServiceStandardFiling] = dec("400")
	premium := New(src, premiumCfg, WithClock(fixedClock), WithCache(shared))

	a, err := cheap.Calculate(context.Background(), req())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	b, err := premium.Calculate(context.Background(), req())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	assertAmount(t, "default config total", a.TotalCost, "150")
	assertAmount(t, "premium config total", b.TotalCost, "400")
	if st := shared.Stats(); st.Hits != 0 || st.Size != 2 {
		t.Errorf("expected two separate cache entries and no hits, got %+v", st)
	}
}

func TestConfigDigest(t *testing.T) {
	base := domain.DefaultEngineConfig()
	digest := configDigest(base)

	if got := configDigest(domain.DefaultEngineConfig()); got != digest {
		t.Errorf("equal configs gave different digests: %s vs %s", got, digest)
	}

	tests := []struct {
		name   string
		mutate func(*domain.EngineConfig)
	}{
		{"RequireBaseRule", func(c *domain.EngineConfig) { c.RequireBaseRule = true }},
		{"BaseCurrency", func(c *domain.EngineConfig) { c.BaseCurrency = "GBP" }},
		{"ServiceWeight", func(c *domain.EngineConfig) { c.ServiceWeights[domain.ServiceFullService] = dec("2") }},
		{"FrequencyMultiplier", func(c *domain.EngineConfig) { c.FrequencyMultipliers[domain.FrequencyAnnual] = dec("3") }},
		{"RateTable", func(c *domain.EngineConfig) { c.RateTable["USD"] = dec("1.0812") }},
		{"MinorUnits", func(c *domain.EngineConfig) { c.MinorUnits = map[string]int32{"EUR": 3} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultEngineConfig()
			tt.mutate(&cfg)
			if configDigest(cfg) == digest {
				t.Error("expected a different digest")
			}
		})
	}

	// Worker count and TTL do not change prices.
	tuned := domain.DefaultEngineConfig()
	tuned.MaxWorkers = 64
	tuned.ResultTTL = 0
	if configDigest(tuned) != digest {
		t.Error("MaxWorkers and ResultTTL should not change the digest")
	}
}

func TestCompare(t *testing.T) {
	e := newTestEngine(exampleSource())

	gbOnly := *exampleRequest()
	gbOnly.Countries = []string{"GB"}
	deOnly := *exampleRequest()
	deOnly.Countries = []string{"DE"}
	deOnly.AsOf = day("2030-01-01")

	cmp, err := e.Compare(context.Background(), []domain.CalculationRequest{gbOnly, deOnly})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if cmp.Cheapest != 1 {
		t.Errorf("expected DE scenario to be cheapest, got %d", cmp.Cheapest)
	}
	if !cmp.Results[1].AsOf.Equal(cmp.Results[0].AsOf) {
		t.Error("scenarios should share the first scenario's date")
	}

	if _, err := e.Compare(context.Background(), []domain.CalculationRequest{gbOnly}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for a single scenario, got %v", err)
	}
}
