package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/expr"
	"github.com/opensource-finance/vatcalc/internal/repository"
	"github.com/opensource-finance/vatcalc/internal/rules"
)

// RuleRequest is the request body for creating or validating a rule.
// Dates accept YYYY-MM-DD or RFC 3339; isActive defaults to true.
type RuleRequest struct {
	ID            string             `json:"id"`
	CountryCode   string             `json:"countryCode,omitempty"`
	Scope         domain.RuleScope   `json:"scope,omitempty"`
	Type          domain.RuleType    `json:"type"`
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	Expression    string             `json:"expression"`
	EffectiveFrom string             `json:"effectiveFrom"`
	EffectiveTo   string             `json:"effectiveTo,omitempty"`
	Priority      int                `json:"priority"`
	Parameters    []domain.Parameter `json:"parameters,omitempty"`
	Conditions    []domain.Condition `json:"conditions,omitempty"`
	IsActive      *bool              `json:"isActive,omitempty"`
}

// ToDomain converts the wire form into a rule. It does not validate.
func (req *RuleRequest) ToDomain() (*domain.Rule, error) {
	from, err := domain.ParseDate(req.EffectiveFrom)
	if err != nil {
		return nil, errors.Join(domain.ErrInvalidRule, err)
	}

	r := &domain.Rule{
		ID:            strings.TrimSpace(req.ID),
		CountryCode:   strings.ToUpper(strings.TrimSpace(req.CountryCode)),
		Scope:         req.Scope,
		Type:          req.Type,
		Name:          req.Name,
		Description:   req.Description,
		Expression:    req.Expression,
		EffectiveFrom: from,
		Priority:      req.Priority,
		Parameters:    req.Parameters,
		Conditions:    req.Conditions,
		IsActive:      req.IsActive == nil || *req.IsActive,
	}
	if r.Scope == "" {
		r.Scope = domain.ScopeCountry
	}

	if req.EffectiveTo != "" {
		to, err := domain.ParseDate(req.EffectiveTo)
		if err != nil {
			return nil, errors.Join(domain.ErrInvalidRule, err)
		}
		r.EffectiveTo = &to
	}
	return r, nil
}

// UpdateRuleRequest is the request body for PUT /rules/{id}. Omitted fields
// keep their stored values.
type UpdateRuleRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Expression  *string `json:"expression,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
}

// ListRules returns stored rules. With ?country= only that country's rules
// are listed; adding ?asOf= narrows the list to the rules active that day in
// evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	country := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("country")))
	asOfParam := r.URL.Query().Get("asOf")

	var list []*domain.Rule
	var err error

	if asOfParam != "" {
		if country == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "country is required with asOf",
			})
			return
		}
		asOf, perr := domain.ParseDate(asOfParam)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "asOf: " + perr.Error(),
			})
			return
		}
		list, err = h.repo.GetApplicableRules(ctx, country, asOf)
		if err == nil {
			rules.SortForEvaluation(list)
		}
	} else {
		list, err = h.repo.ListRules(ctx, country)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	rule, err := h.repo.GetRule(r.Context(), ruleID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a new rule. The engine reads rules from the
// repository, so the rule takes part in the next calculation.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule, err := req.ToDomain()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rules.ValidateRule(rule); err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.repo.GetRule(ctx, rule.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "rule " + rule.ID + " already exists",
		})
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, err)
		return
	}

	if err := h.repo.SaveRule(ctx, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("rule created", "id", rule.ID, "country", rule.CountryCode, "type", rule.Type)
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule changes the name, description, expression or priority of a rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule, err := h.repo.GetRule(ctx, ruleID)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Expression != nil {
		rule.Expression = *req.Expression
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}

	if err := rules.ValidateRule(rule); err != nil {
		writeError(w, err)
		return
	}

	if err := h.repo.SaveRule(ctx, rule); err != nil {
		slog.Error("failed to update rule", "id", ruleID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("rule updated", "id", ruleID)
	writeJSON(w, http.StatusOK, rule)
}

// DeactivateRule switches a rule off.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.DeactivateRule(ctx, ruleID); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule deactivated", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       ruleID,
		"isActive": false,
	})
}

// ValidateRule checks a rule definition without storing it.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule, err := req.ToDomain()
	if err == nil {
		err = rules.ValidateRule(rule)
	}

	resp := map[string]interface{}{"valid": err == nil}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// A valid rule always compiles.
	if prog, err := expr.Compile(rule.Expression); err == nil {
		resp["variables"] = prog.Variables()
		if target := prog.Target(); target != "" {
			resp["target"] = target
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
