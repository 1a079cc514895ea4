// Package worker prices calculation requests received from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/vatcalc/internal/bus"
	"github.com/opensource-finance/vatcalc/internal/domain"
)

// Calculator prices one request. *engine.Engine satisfies it.
type Calculator interface {
	Calculate(ctx context.Context, req *domain.CalculationRequest) (*domain.CalculationResult, error)
}

// Worker processes calculation requests asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	calc      Calculator
	publisher *bus.ResultPublisher

	subscriptions []domain.Subscription
	mu            sync.Mutex
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	timeout       time.Duration
}

// Config holds worker configuration.
type Config struct {
	// Timeout bounds a single calculation. Zero means no limit.
	Timeout time.Duration

	// QueueGroup shares the request topic between workers when the bus
	// supports queue subscriptions. Empty means every worker sees every request.
	QueueGroup string
}

// NewWorker creates a new async worker. repo may be nil, in which case results
// are published but not stored.
func NewWorker(b domain.EventBus, repo domain.Repository, calc Calculator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       b,
		repo:      repo,
		calc:      calc,
		publisher: bus.NewResultPublisher(b),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the calculation request topic.
func (w *Worker) Start(cfg Config) error {
	w.timeout = cfg.Timeout

	var sub domain.Subscription
	var err error
	if qs, ok := w.bus.(domain.QueueSubscriber); ok && cfg.QueueGroup != "" {
		sub, err = qs.QueueSubscribe(w.ctx, domain.TopicCalculationRequested, cfg.QueueGroup, w.handleMessage)
	} else {
		sub, err = w.bus.Subscribe(w.ctx, domain.TopicCalculationRequested, w.handleMessage)
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicCalculationRequested,
		"queue_group", cfg.QueueGroup,
	)
	return nil
}

// CalculationMessage is the payload published to TopicCalculationRequested.
type CalculationMessage struct {
	RequestID string                    `json:"requestId"`
	Request   domain.CalculationRequest `json:"request"`
}

// Outcome is the reply to a request message.
type Outcome struct {
	RequestID string                    `json:"requestId"`
	Result    *domain.CalculationResult `json:"result,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// Failure is the payload published to TopicCalculationFailed.
type Failure struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
	Invalid   bool   `json:"invalid"`
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	return w.processCalculation(ctx, msg)
}

// processCalculation prices one request, stores it and announces the outcome.
func (w *Worker) processCalculation(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var calcMsg CalculationMessage
	if err := json.Unmarshal(msg.Payload, &calcMsg); err != nil {
		slog.Error("failed to parse calculation message",
			"message_id", msg.ID,
			"error", err,
		)
		w.fail(ctx, msg, msg.ID, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return err
	}

	requestID := calcMsg.RequestID
	if requestID == "" {
		requestID = msg.ID
	}

	slog.Debug("processing calculation",
		"request_id", requestID,
		"countries", calcMsg.Request.Countries,
	)

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	result, err := w.calc.Calculate(ctx, &calcMsg.Request)
	if err != nil {
		slog.Warn("calculation failed",
			"request_id", requestID,
			"error", err,
		)
		w.fail(ctx, msg, requestID, err)
		return err
	}

	if w.repo != nil {
		stored := &domain.StoredCalculation{Request: calcMsg.Request, Result: *result}
		if err := w.repo.SaveCalculation(ctx, stored); err != nil {
			slog.Error("failed to save calculation",
				"calculation_id", result.ID,
				"error", err,
			)
		}
	}

	if err := w.publisher.Consume(ctx, result); err != nil {
		slog.Error("failed to publish result",
			"calculation_id", result.ID,
			"error", err,
		)
	}

	w.reply(ctx, msg, Outcome{RequestID: requestID, Result: result})

	slog.Info("calculation processed",
		"request_id", requestID,
		"calculation_id", result.ID,
		"total", result.TotalCost.String(),
		"currency", result.Currency,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) fail(ctx context.Context, msg *domain.Message, requestID string, cause error) {
	payload, _ := json.Marshal(Failure{
		RequestID: requestID,
		Error:     cause.Error(),
		Invalid:   errors.Is(cause, domain.ErrInvalidRequest),
	})
	if err := w.bus.Publish(ctx, domain.TopicCalculationFailed, payload); err != nil {
		slog.Error("failed to publish failure",
			"request_id", requestID,
			"error", err,
		)
	}

	w.reply(ctx, msg, Outcome{RequestID: requestID, Error: cause.Error()})
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, out Outcome) {
	payload, err := json.Marshal(out)
	if err != nil {
		slog.Error("failed to marshal reply", "request_id", out.RequestID, "error", err)
		return
	}
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to reply",
			"request_id", out.RequestID,
			"error", err,
		)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
