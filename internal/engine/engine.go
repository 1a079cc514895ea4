// Package engine prices VAT filing requests by folding each country's rule chain
// and aggregating the countries into one result.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/expr"
	"github.com/opensource-finance/vatcalc/internal/rules"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vatcalc-engine")

// Engine is the calculation aggregator. It holds no per-calculation state and is
// safe for concurrent use.
type Engine struct {
	source     domain.RuleSource
	cfg        domain.EngineConfig
	programs   *rules.Programs
	calc       *Calculator
	money      money
	cache      domain.Cache
	consumer   domain.ResultConsumer
	now        func() time.Time
	maxWorkers int

	// configDigest separates cached results of differently configured engines.
	configDigest string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for the default as-of date and GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCache stores results keyed by request, rule snapshot and date.
func WithCache(c domain.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithConsumer notifies c after every successful calculation.
func WithConsumer(c domain.ResultConsumer) Option {
	return func(e *Engine) { e.consumer = c }
}

// WithPolicies replaces the per-type application policies.
func WithPolicies(p Policies) Option {
	return func(e *Engine) { e.calc.policies = p }
}

// New creates an engine reading rules from source.
func New(source domain.RuleSource, cfg domain.EngineConfig, opts ...Option) *Engine {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	programs := rules.NewPrograms()

	e := &Engine{
		source:     source,
		cfg:        cfg,
		programs:   programs,
		calc:       NewCalculator(programs, DefaultPolicies(), cfg.RequireBaseRule),
		money:      newMoney(cfg.BaseCurrency, cfg.RateTable, cfg.MinorUnits),
		now:        time.Now,
		maxWorkers: maxWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.configDigest = configDigest(cfg)
	return e
}

// ProgramsCached returns the number of compiled expressions held by the engine.
func (e *Engine) ProgramsCached() int {
	return e.programs.Len()
}

// Calculate prices req. It either returns a complete result or an error; partial
// results are never returned.
//
// Algorithm:
// 1. Validate and normalize the request
// 2. Fetch every country's rules into one snapshot before evaluating anything
// 3. Price countries in parallel, bounded by MaxWorkers
// 4. Sum the country totals and apply request-level discounts
// 5. Build the result with a deterministic ID
func (e *Engine) Calculate(ctx context.Context, req *domain.CalculationRequest) (*domain.CalculationResult, error) {
	ctx, span := tracer.Start(ctx, "engine.Calculate")
	defer span.End()

	norm, err := e.normalize(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.StringSlice("vatcalc.countries", norm.Countries),
		attribute.String("vatcalc.as_of", norm.AsOf.Format(time.DateOnly)),
	)

	snap, err := rules.BuildSnapshot(ctx, e.source, norm.Countries, norm.AsOf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("vatcalc.snapshot_hash", snap.Hash()))

	cacheKey := resultCacheKey(norm, snap.Hash(), e.configDigest)
	if cached := e.cachedResult(ctx, cacheKey); cached != nil {
		span.SetAttributes(attribute.Bool("vatcalc.cache_hit", true))
		return cached, nil
	}

	result, err := e.evaluate(ctx, norm, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.storeResult(ctx, cacheKey, result)

	if e.consumer != nil {
		if err := e.consumer.Consume(ctx, result); err != nil {
			slog.Warn("result consumer failed", "id", result.ID, "error", err)
		}
	}

	return result, nil
}

func (e *Engine) evaluate(ctx context.Context, req *domain.CalculationRequest, snap *rules.Snapshot) (*domain.CalculationResult, error) {
	seed := e.seed(req)

	totals, err := e.priceCountries(ctx, req, snap, seed)
	if err != nil {
		return nil, err
	}

	result := &domain.CalculationResult{
		ID:                 calculationID(req, snap.Hash()),
		Currency:           req.Currency,
		Countries:          make([]domain.CountryBreakdown, len(totals)),
		AdditionalServices: req.AdditionalServices,
		Discounts:          make(map[string]decimal.Decimal),
		AsOf:               req.AsOf,
		RuleSnapshotHash:   snap.Hash(),
		GeneratedAt:        e.now().UTC(),
	}

	grandTotal := decimal.Zero
	total := decimal.Zero
	for i, t := range totals {
		breakdown := e.breakdown(t, req.Currency)
		result.Countries[i] = breakdown
		for name, amount := range breakdown.Discounts {
			result.Discounts[name] = result.Discounts[name].Add(amount)
		}
		grandTotal = grandTotal.Add(e.money.round(t.Total(), e.money.base))
		total = total.Add(breakdown.TotalCost)
	}

	applied, discounts, err := e.applyGlobalDiscounts(req, snap, seed, grandTotal)
	if err != nil {
		return nil, err
	}
	result.GlobalRules = applied
	for _, d := range discounts {
		amount := e.money.settle(d.amount, req.Currency)
		result.Discounts[d.name] = result.Discounts[d.name].Add(amount)
		total = total.Sub(amount)
	}
	result.TotalCost = total

	return result, nil
}

// priceCountries evaluates every country through a bounded worker pool.
// Cancellation is checked before a country starts, never while it runs.
func (e *Engine) priceCountries(ctx context.Context, req *domain.CalculationRequest, snap *rules.Snapshot, seed expr.Vars) ([]*CountryTotals, error) {
	results := make([]*CountryTotals, len(req.Countries))
	errs := make([]error, len(req.Countries))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, cc := range req.Countries {
		wg.Add(1)
		go func(idx int, countryCode string) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}
			results[idx], errs[idx] = e.priceCountry(ctx, req, snap, seed, countryCode)
		}(i, cc)
	}

	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("calculation cancelled: %w", err)
		}
		return nil, &domain.CalculationError{CountryCode: req.Countries[i], Cause: err}
	}
	return results, nil
}

func (e *Engine) priceCountry(ctx context.Context, req *domain.CalculationRequest, snap *rules.Snapshot, seed expr.Vars, countryCode string) (*CountryTotals, error) {
	_, span := tracer.Start(ctx, "engine.Country", trace.WithAttributes(
		attribute.String("vatcalc.country", countryCode),
	))
	defer span.End()

	// Conditions see the whole initial context, including the zeroed fold variables.
	initial := newCountryState(seed).vars
	selected := rules.Select(snap.CountryRules(countryCode), snap.AsOf(), facts(req, countryCode, initial))
	span.SetAttributes(attribute.Int("vatcalc.rules_selected", len(selected)))

	totals, err := e.calc.CalculateCountry(countryCode, selected, seed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Debug("country calculation failed", "country", countryCode, "error", err)
		return nil, err
	}

	slog.Debug("country priced",
		"country", countryCode,
		"rules", len(totals.AppliedRules),
		"total", totals.Total().String(),
	)
	return totals, nil
}

// breakdown converts a country's totals into the result currency and rounds once.
func (e *Engine) breakdown(t *CountryTotals, currency string) domain.CountryBreakdown {
	b := domain.CountryBreakdown{
		CountryCode:    t.CountryCode,
		BaseCost:       e.money.settle(t.BaseCost, currency),
		AdditionalCost: e.money.settle(t.AdditionalCost, currency),
		Discount:       e.money.settle(t.Discount, currency),
		TotalCost:      e.money.settle(t.Total(), currency),
		AppliedRules:   t.AppliedRules,
		Requirements:   t.Requirements,
	}
	if len(t.Discounts) > 0 {
		b.Discounts = make(map[string]decimal.Decimal, len(t.Discounts))
		for name, amount := range t.Discounts {
			b.Discounts[name] = e.money.settle(amount, currency)
		}
	}
	return b
}

type appliedDiscount struct {
	name   string
	amount decimal.Decimal
}

// applyGlobalDiscounts folds request-level Discount rules over the grand total,
// the sum of country totals rounded in the base currency. Each discount sees the
// total left by the ones before it.
func (e *Engine) applyGlobalDiscounts(req *domain.CalculationRequest, snap *rules.Snapshot, seed expr.Vars, grandTotal decimal.Decimal) ([]string, []appliedDiscount, error) {
	if len(snap.GlobalRules()) == 0 {
		return nil, nil, nil
	}

	vars := make(expr.Vars, len(seed)+2)
	for k, v := range seed {
		vars[k] = v
	}
	vars[rules.VarGrandTotal] = grandTotal
	vars[rules.VarRunningTotal] = grandTotal

	selected := rules.Select(snap.GlobalRules(), snap.AsOf(), facts(req, "", vars))

	var applied []string
	var discounts []appliedDiscount
	for _, r := range selected {
		amount, err := e.evalGlobal(r, vars)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: request-level rule %s: %w", domain.ErrCalculationFailed, r.ID, err)
		}
		vars[rules.VarRunningTotal] = vars[rules.VarRunningTotal].Sub(amount)
		applied = append(applied, r.ID)
		discounts = append(discounts, appliedDiscount{name: r.Name, amount: amount})
	}
	return applied, discounts, nil
}

func (e *Engine) evalGlobal(r *domain.Rule, vars expr.Vars) (decimal.Decimal, error) {
	prog, err := e.programs.Compile(r.Expression)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if target := prog.Target(); target != "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %s assigns to %q", ErrTargetNotAllowed, r.Type, target)
	}
	params, err := parameterVars(r)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return prog.Eval(expr.Layered{Top: vars, Base: params})
}

func (e *Engine) cachedResult(ctx context.Context, key string) *domain.CalculationResult {
	if e.cache == nil || e.cfg.ResultTTL <= 0 {
		return nil
	}
	data, err := e.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("result cache read failed", "key", key, "error", err)
		return nil
	}
	if data == nil {
		return nil
	}
	var result domain.CalculationResult
	if err := json.Unmarshal(data, &result); err != nil {
		slog.Warn("discarding unreadable cached result", "key", key, "error", err)
		return nil
	}
	return &result
}

func (e *Engine) storeResult(ctx context.Context, key string, result *domain.CalculationResult) {
	if e.cache == nil || e.cfg.ResultTTL <= 0 {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		slog.Warn("failed to encode result for cache", "id", result.ID, "error", err)
		return
	}
	if err := e.cache.Set(ctx, key, data, e.cfg.ResultTTL); err != nil {
		slog.Warn("result cache write failed", "key", key, "error", err)
	}
}
