package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/engine"
	"github.com/opensource-finance/vatcalc/internal/repository"
	"github.com/opensource-finance/vatcalc/internal/worker"
	"github.com/shopspring/decimal"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	engine      *engine.Engine
	version     string
	calcTimeout time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  eng,
		version: version,
	}
}

// CalculationRequest is the request body for POST /calculations. AsOf accepts
// YYYY-MM-DD or an RFC 3339 timestamp and defaults to today.
type CalculationRequest struct {
	ServiceType        domain.ServiceType     `json:"serviceType"`
	TransactionVolume  decimal.Decimal        `json:"transactionVolume"`
	Frequency          domain.FilingFrequency `json:"frequency"`
	Countries          []string               `json:"countries"`
	AdditionalServices []string               `json:"additionalServices,omitempty"`
	AsOf               string                 `json:"asOf,omitempty"`
	Currency           string                 `json:"currency,omitempty"`
}

// ToDomain converts the wire form into an engine request.
func (c *CalculationRequest) ToDomain() (*domain.CalculationRequest, error) {
	asOf, err := domain.ParseDate(c.AsOf)
	if err != nil {
		return nil, domain.InvalidRequestf("asOf: %v", err)
	}
	return &domain.CalculationRequest{
		ServiceType:        c.ServiceType,
		TransactionVolume:  c.TransactionVolume,
		Frequency:          c.Frequency,
		Countries:          c.Countries,
		AdditionalServices: c.AdditionalServices,
		AsOf:               asOf,
		Currency:           c.Currency,
	}, nil
}

// CompareRequest is the request body for POST /calculations/compare.
type CompareRequest struct {
	Scenarios []CalculationRequest `json:"scenarios"`
}

// Calculate handles POST /calculations.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.calculationContext(r.Context())
	defer cancel()

	var body CalculationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	req, err := body.ToDomain()
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.engine.Calculate(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.repo != nil {
		stored := &domain.StoredCalculation{Request: *req, Result: *result}
		if err := h.repo.SaveCalculation(ctx, stored); err != nil {
			slog.Error("failed to save calculation", "id", result.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// Compare handles POST /calculations/compare.
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.calculationContext(r.Context())
	defer cancel()

	var body CompareRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	scenarios := make([]domain.CalculationRequest, 0, len(body.Scenarios))
	for i := range body.Scenarios {
		req, err := body.Scenarios[i].ToDomain()
		if err != nil {
			writeError(w, err)
			return
		}
		scenarios = append(scenarios, *req)
	}

	cmp, err := h.engine.Compare(ctx, scenarios)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cmp)
}

// SubmitCalculation handles POST /calculations/async by handing the request to
// the worker over the event bus.
func (h *Handler) SubmitCalculation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var body CalculationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	req, err := body.ToDomain()
	if err != nil {
		writeError(w, err)
		return
	}

	requestID := GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	payload, err := json.Marshal(worker.CalculationMessage{RequestID: requestID, Request: *req})
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.bus.Publish(ctx, domain.TopicCalculationRequested, payload); err != nil {
		slog.Error("failed to publish calculation request", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue calculation",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": requestID,
		"topic":     domain.TopicCalculationCompleted,
	})
}

// GetCalculation retrieves a stored calculation by ID.
func (h *Handler) GetCalculation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	calcID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	calc, err := h.repo.GetCalculation(ctx, calcID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, calc)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string             `json:"status"`
	Version    string             `json:"version"`
	Components map[string]string  `json:"components"`
	Cache      *domain.CacheStats `json:"cache,omitempty"`
	Programs   int                `json:"compiledPrograms"`
}

// Health reports each backing component. Any failing component makes the
// service "degraded"; the endpoint itself always answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Components: make(map[string]string, 3),
	}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			resp.Components[name] = "error: " + err.Error()
			resp.Status = "degraded"
			return
		}
		resp.Components[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
		if sr, ok := h.cache.(domain.CacheStatsReporter); ok {
			st := sr.Stats()
			resp.Cache = &st
		}
	}
	if h.bus != nil {
		check("eventBus", h.bus.Ping)
	}
	if h.engine != nil {
		resp.Programs = h.engine.ProgramsCached()
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "repository unavailable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) calculationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.calcTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.calcTimeout)
}

// statusFor maps domain and repository errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidRule),
		errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMissingBaseRule),
		errors.Is(err, domain.ErrCalculationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
