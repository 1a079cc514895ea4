package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/vatcalc/internal/domain"
)

// Snapshot is a point-in-time, read-only capture of the rules a calculation uses.
// All rules are fetched before any evaluation starts, so a rule edit during
// a calculation never produces a mixed view.
type Snapshot struct {
	asOf      time.Time
	countries map[string][]*domain.Rule
	global    []*domain.Rule
	hash      string
}

// BuildSnapshot fetches the rules of every country from source, plus request-level
// rules when source also implements domain.GlobalRuleSource.
func BuildSnapshot(ctx context.Context, source domain.RuleSource, countries []string, asOf time.Time) (*Snapshot, error) {
	byCountry := make(map[string][]*domain.Rule, len(countries))
	for _, cc := range countries {
		fetched, err := source.GetApplicableRules(ctx, cc, asOf)
		if err != nil {
			return nil, fmt.Errorf("fetch rules for %s: %w", cc, err)
		}
		// Sources may return rules of other countries or scopes; keep only this chain.
		kept := make([]*domain.Rule, 0, len(fetched))
		for _, r := range fetched {
			if r != nil && r.EffectiveScope() == domain.ScopeCountry && r.CountryCode == cc {
				kept = append(kept, CloneRule(r))
			}
		}
		byCountry[cc] = kept
	}

	var global []*domain.Rule
	if gs, ok := source.(domain.GlobalRuleSource); ok {
		fetched, err := gs.GetGlobalRules(ctx, asOf)
		if err != nil {
			return nil, fmt.Errorf("fetch request-level rules: %w", err)
		}
		for _, r := range fetched {
			if r != nil && r.EffectiveScope() == domain.ScopeRequest && r.Type == domain.RuleTypeDiscount {
				global = append(global, CloneRule(r))
			}
		}
	}

	return NewSnapshot(asOf, byCountry, global), nil
}

// NewSnapshot seals already-fetched rules into a snapshot and computes its hash.
// The snapshot takes ownership of the slices.
func NewSnapshot(asOf time.Time, byCountry map[string][]*domain.Rule, global []*domain.Rule) *Snapshot {
	if byCountry == nil {
		byCountry = make(map[string][]*domain.Rule)
	}
	s := &Snapshot{
		asOf:      asOf,
		countries: byCountry,
		global:    global,
	}
	s.hash = s.computeHash()
	return s
}

// AsOf returns the date the snapshot was taken for.
func (s *Snapshot) AsOf() time.Time { return s.asOf }

// Hash returns the SHA-256 content hash of every rule in the snapshot.
func (s *Snapshot) Hash() string { return s.hash }

// CountryRules returns the fetched rules for a country. Callers must not modify them.
func (s *Snapshot) CountryRules(countryCode string) []*domain.Rule {
	return s.countries[countryCode]
}

// GlobalRules returns the fetched request-level rules. Callers must not modify them.
func (s *Snapshot) GlobalRules() []*domain.Rule {
	return s.global
}

// Len returns the total number of rules captured.
func (s *Snapshot) Len() int {
	n := len(s.global)
	for _, rs := range s.countries {
		n += len(rs)
	}
	return n
}

// hashedRule is the content of a rule that affects pricing.
// Timestamps and descriptions are left out.
type hashedRule struct {
	ID            string             `json:"id"`
	CountryCode   string             `json:"countryCode"`
	Scope         domain.RuleScope   `json:"scope"`
	Type          domain.RuleType    `json:"type"`
	Name          string             `json:"name"`
	Expression    string             `json:"expression"`
	EffectiveFrom string             `json:"effectiveFrom"`
	EffectiveTo   string             `json:"effectiveTo"`
	Priority      int                `json:"priority"`
	Parameters    []domain.Parameter `json:"parameters"`
	Conditions    []domain.Condition `json:"conditions"`
	IsActive      bool               `json:"isActive"`
}

func (s *Snapshot) computeHash() string {
	all := make([]*domain.Rule, 0, s.Len())
	for _, rs := range s.countries {
		all = append(all, rs...)
	}
	all = append(all, s.global...)

	sort.Slice(all, func(i, j int) bool {
		if all[i].CountryCode != all[j].CountryCode {
			return all[i].CountryCode < all[j].CountryCode
		}
		return all[i].ID < all[j].ID
	})

	entries := make([]hashedRule, len(all))
	for i, r := range all {
		entries[i] = hashedRule{
			ID:            r.ID,
			CountryCode:   r.CountryCode,
			Scope:         r.EffectiveScope(),
			Type:          r.Type,
			Name:          r.Name,
			Expression:    r.Expression,
			EffectiveFrom: r.EffectiveFrom.UTC().Format(time.DateOnly),
			Priority:      r.Priority,
			Parameters:    r.Parameters,
			Conditions:    r.Conditions,
			IsActive:      r.IsActive,
		}
		if r.EffectiveTo != nil {
			entries[i].EffectiveTo = r.EffectiveTo.UTC().Format(time.DateOnly)
		}
	}

	// Structs and slices marshal in a fixed order.
	data, _ := json.Marshal(entries)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CloneRule returns a deep copy of r.
func CloneRule(r *domain.Rule) *domain.Rule {
	c := *r
	if r.EffectiveTo != nil {
		to := *r.EffectiveTo
		c.EffectiveTo = &to
	}
	if r.Parameters != nil {
		c.Parameters = append([]domain.Parameter(nil), r.Parameters...)
	}
	if r.Conditions != nil {
		c.Conditions = append([]domain.Condition(nil), r.Conditions...)
	}
	return &c
}
