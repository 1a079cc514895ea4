// Package rulefile reads and writes rule sets as YAML documents of the form
//
//	rules:
//	  - id: de-base
//	    countryCode: DE
//	    type: VatRate
//	    ...
//
// and serves them as an in-memory rule source.
package rulefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/rules"
	"gopkg.in/yaml.v3"
)

type document struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID            string             `yaml:"id"`
	CountryCode   string             `yaml:"countryCode,omitempty"`
	Scope         string             `yaml:"scope,omitempty"`
	Type          string             `yaml:"type"`
	Name          string             `yaml:"name"`
	Description   string             `yaml:"description,omitempty"`
	Expression    string             `yaml:"expression"`
	EffectiveFrom string             `yaml:"effectiveFrom"`
	EffectiveTo   string             `yaml:"effectiveTo,omitempty"`
	Priority      int                `yaml:"priority"`
	Parameters    []domain.Parameter `yaml:"parameters,omitempty"`
	Conditions    []domain.Condition `yaml:"conditions,omitempty"`
	IsActive      *bool              `yaml:"isActive,omitempty"`
}

// Load reads and validates the rule file at path.
func Load(path string) ([]*domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	out, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// Parse decodes a rule document. Unknown fields are rejected, isActive
// defaults to true, and every rule must pass validation. All problems are
// reported together.
func Parse(data []byte) ([]*domain.Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(doc.Rules))
	out := make([]*domain.Rule, 0, len(doc.Rules))

	for i, d := range doc.Rules {
		r, err := d.rule()
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i, d.ID, err))
			continue
		}
		if err := rules.ValidateRule(r); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("%w %s: id declared twice", domain.ErrInvalidRule, r.ID))
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (d ruleDoc) rule() (*domain.Rule, error) {
	from, err := domain.ParseDate(d.EffectiveFrom)
	if err != nil {
		return nil, fmt.Errorf("effectiveFrom: %w", err)
	}

	r := &domain.Rule{
		ID:            strings.TrimSpace(d.ID),
		CountryCode:   strings.ToUpper(strings.TrimSpace(d.CountryCode)),
		Scope:         domain.RuleScope(d.Scope),
		Type:          domain.RuleType(d.Type),
		Name:          d.Name,
		Description:   d.Description,
		Expression:    d.Expression,
		EffectiveFrom: from,
		Priority:      d.Priority,
		Parameters:    d.Parameters,
		Conditions:    d.Conditions,
		IsActive:      d.IsActive == nil || *d.IsActive,
	}
	if r.Scope == "" {
		r.Scope = domain.ScopeCountry
	}

	if d.EffectiveTo != "" {
		to, err := domain.ParseDate(d.EffectiveTo)
		if err != nil {
			return nil, fmt.Errorf("effectiveTo: %w", err)
		}
		r.EffectiveTo = &to
	}
	return r, nil
}

// Encode writes rules as a rule document that Parse accepts.
func Encode(w io.Writer, list []*domain.Rule) error {
	doc := document{Rules: make([]ruleDoc, 0, len(list))}
	for _, r := range list {
		active := r.IsActive
		d := ruleDoc{
			ID:            r.ID,
			CountryCode:   r.CountryCode,
			Scope:         string(r.EffectiveScope()),
			Type:          string(r.Type),
			Name:          r.Name,
			Description:   r.Description,
			Expression:    r.Expression,
			EffectiveFrom: r.EffectiveFrom.UTC().Format(time.DateOnly),
			Priority:      r.Priority,
			Parameters:    r.Parameters,
			Conditions:    r.Conditions,
			IsActive:      &active,
		}
		if r.EffectiveTo != nil {
			d.EffectiveTo = r.EffectiveTo.UTC().Format(time.DateOnly)
		}
		doc.Rules = append(doc.Rules, d)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	return enc.Close()
}
