package rulefile

import (
	"context"
	"time"

	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/rules"
)

// Source serves a fixed rule set from memory. It implements
// domain.RuleSource and domain.GlobalRuleSource and is safe for concurrent use.
type Source struct {
	byCountry map[string][]*domain.Rule
	global    []*domain.Rule
}

// NewSource indexes list by country and scope.
func NewSource(list []*domain.Rule) *Source {
	s := &Source{byCountry: make(map[string][]*domain.Rule)}
	for _, r := range list {
		if r == nil {
			continue
		}
		c := rules.CloneRule(r)
		if c.EffectiveScope() == domain.ScopeRequest {
			s.global = append(s.global, c)
			continue
		}
		s.byCountry[c.CountryCode] = append(s.byCountry[c.CountryCode], c)
	}
	return s
}

// LoadSource reads a rule file into a Source.
func LoadSource(path string) (*Source, error) {
	list, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewSource(list), nil
}

// GetApplicableRules returns copies of the country's rules active at asOf.
func (s *Source) GetApplicableRules(ctx context.Context, countryCode string, asOf time.Time) ([]*domain.Rule, error) {
	return activeCopies(s.byCountry[countryCode], asOf), nil
}

// GetGlobalRules returns copies of the request-level rules active at asOf.
func (s *Source) GetGlobalRules(ctx context.Context, asOf time.Time) ([]*domain.Rule, error) {
	return activeCopies(s.global, asOf), nil
}

// Len returns the number of rules held.
func (s *Source) Len() int {
	n := len(s.global)
	for _, list := range s.byCountry {
		n += len(list)
	}
	return n
}

func activeCopies(list []*domain.Rule, asOf time.Time) []*domain.Rule {
	out := []*domain.Rule{}
	for _, r := range list {
		if r.ActiveAt(asOf) {
			out = append(out, rules.CloneRule(r))
		}
	}
	return out
}
