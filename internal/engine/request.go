package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/expr"
	"github.com/opensource-finance/vatcalc/internal/rules"
	"github.com/shopspring/decimal"
)

var countryCodePattern = regexp.MustCompile(`^[A-Z]{2}$`)

// calculationNamespace scopes the name-based UUIDs of calculation results.
var calculationNamespace = uuid.MustParse("6f1c2a3e-9b7d-4e0a-8c51-2d4f7a9e3b10")

// normalize validates req and returns a canonical copy: country and currency codes
// upper-cased, services trimmed, AsOf truncated to a UTC day.
func (e *Engine) normalize(req *domain.CalculationRequest) (*domain.CalculationRequest, error) {
	if req == nil {
		return nil, domain.InvalidRequestf("request is required")
	}
	if len(req.Countries) == 0 {
		return nil, domain.InvalidRequestf("at least one country is required")
	}
	if !req.TransactionVolume.IsPositive() {
		return nil, domain.InvalidRequestf("transaction volume must be greater than zero")
	}
	if !req.ServiceType.Valid() {
		return nil, domain.InvalidRequestf("unknown service type %q", req.ServiceType)
	}
	if _, ok := e.cfg.ServiceWeights[req.ServiceType]; !ok {
		return nil, domain.InvalidRequestf("no service weight configured for %s", req.ServiceType)
	}
	if _, ok := e.cfg.BasePrices[req.ServiceType]; !ok {
		return nil, domain.InvalidRequestf("no base price configured for %s", req.ServiceType)
	}
	if !req.Frequency.Valid() {
		return nil, domain.InvalidRequestf("unknown filing frequency %q", req.Frequency)
	}
	if _, ok := e.cfg.FrequencyMultipliers[req.Frequency]; !ok {
		return nil, domain.InvalidRequestf("no multiplier configured for %s", req.Frequency)
	}

	out := &domain.CalculationRequest{
		ServiceType:        req.ServiceType,
		TransactionVolume:  req.TransactionVolume,
		Frequency:          req.Frequency,
		Countries:          make([]string, 0, len(req.Countries)),
		AdditionalServices: make([]string, 0, len(req.AdditionalServices)),
	}

	seen := make(map[string]bool, len(req.Countries))
	for _, raw := range req.Countries {
		cc := strings.ToUpper(strings.TrimSpace(raw))
		if !countryCodePattern.MatchString(cc) {
			return nil, domain.InvalidRequestf("invalid country code %q", raw)
		}
		if seen[cc] {
			return nil, domain.InvalidRequestf("duplicate country %s", cc)
		}
		seen[cc] = true
		out.Countries = append(out.Countries, cc)
	}

	services := make(map[string]bool, len(req.AdditionalServices))
	for _, raw := range req.AdditionalServices {
		svc := strings.TrimSpace(raw)
		if svc == "" {
			return nil, domain.InvalidRequestf("additional service names must not be blank")
		}
		if services[svc] {
			return nil, domain.InvalidRequestf("duplicate additional service %q", svc)
		}
		services[svc] = true
		out.AdditionalServices = append(out.AdditionalServices, svc)
	}

	out.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if out.Currency == "" {
		out.Currency = e.money.base
	}
	if !e.money.known(out.Currency) {
		return nil, domain.InvalidRequestf("no exchange rate for currency %s", out.Currency)
	}

	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = e.now()
	}
	out.AsOf = truncateDay(asOf)

	return out, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// seed returns the numeric inputs every country context starts from.
func (e *Engine) seed(req *domain.CalculationRequest) expr.Vars {
	return expr.Vars{
		rules.VarTransactionVolume:      req.TransactionVolume,
		rules.VarServiceTypeWeight:      e.cfg.ServiceWeights[req.ServiceType],
		rules.VarBasePrice:              e.cfg.BasePrices[req.ServiceType],
		rules.VarFrequencyMultiplier:    e.cfg.FrequencyMultipliers[req.Frequency],
		rules.VarCountryCount:           decimal.NewFromInt(int64(len(req.Countries))),
		rules.VarAdditionalServiceCount: decimal.NewFromInt(int64(len(req.AdditionalServices))),
	}
}

// facts exposes the request and numeric context to condition matching.
func facts(req *domain.CalculationRequest, countryCode string, numbers expr.Vars) rules.FactMap {
	f := make(rules.FactMap, len(numbers)+6)
	for name, v := range numbers {
		f[name] = rules.Number(v)
	}
	f[rules.FactServiceType] = rules.Text(string(req.ServiceType))
	f[rules.FactFrequency] = rules.Text(string(req.Frequency))
	f[rules.FactCurrency] = rules.Text(req.Currency)
	f[rules.FactCountries] = rules.List(req.Countries)
	f[rules.FactAdditionalServices] = rules.List(req.AdditionalServices)
	if countryCode != "" {
		f[rules.FactCountryCode] = rules.Text(countryCode)
	}
	return f
}

// fingerprint is a canonical text form of a normalized request, without its date.
func fingerprint(req *domain.CalculationRequest) string {
	var b strings.Builder
	b.WriteString(string(req.ServiceType))
	b.WriteByte('|')
	b.WriteString(req.TransactionVolume.String())
	b.WriteByte('|')
	b.WriteString(string(req.Frequency))
	b.WriteByte('|')
	b.WriteString(strings.Join(req.Countries, ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(req.AdditionalServices, ","))
	b.WriteByte('|')
	b.WriteString(req.Currency)
	return b.String()
}

// calculationID derives a stable ID from the request, the rules used and the date.
func calculationID(req *domain.CalculationRequest, snapshotHash string) string {
	name := fingerprint(req) + "|" + snapshotHash + "|" + req.AsOf.Format(time.DateOnly)
	return uuid.NewSHA1(calculationNamespace, []byte(name)).String()
}

// resultCacheKey keys cached results by request, rule snapshot, date and
// engine configuration.
func resultCacheKey(req *domain.CalculationRequest, snapshotHash, cfgDigest string) string {
	sum := sha256.Sum256([]byte(fingerprint(req) + "|" + snapshotHash + "|" + req.AsOf.Format(time.DateOnly) + "|" + cfgDigest))
	return "calc:" + hex.EncodeToString(sum[:])
}

// configDigest hashes the settings that change a price. JSON encodes map keys
// in sorted order.
func configDigest(cfg domain.EngineConfig) string {
	pricing := struct {
		BaseCurrency         string                                     `json:"baseCurrency"`
		RequireBaseRule      bool                                       `json:"requireBaseRule"`
		ServiceWeights       map[domain.ServiceType]decimal.Decimal     `json:"serviceWeights"`
		BasePrices           map[domain.ServiceType]decimal.Decimal     `json:"basePrices"`
		FrequencyMultipliers map[domain.FilingFrequency]decimal.Decimal `json:"frequencyMultipliers"`
		RateTable            map[string]decimal.Decimal                 `json:"rateTable"`
		MinorUnits           map[string]int32                           `json:"minorUnits"`
	}{
		BaseCurrency:         strings.ToUpper(cfg.BaseCurrency),
		RequireBaseRule:      cfg.RequireBaseRule,
		ServiceWeights:       cfg.ServiceWeights,
		BasePrices:           cfg.BasePrices,
		FrequencyMultipliers: cfg.FrequencyMultipliers,
		RateTable:            cfg.RateTable,
		MinorUnits:           cfg.MinorUnits,
	}
	data, _ := json.Marshal(pricing)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
