// Package worker validates taps delivered over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/tapguard/internal/bus"
	"github.com/opensource-finance/tapguard/internal/domain"
	"github.com/opensource-finance/tapguard/internal/pipeline"
)

// Validator runs one tap through the validation pipeline.
type Validator interface {
	Validate(ctx context.Context, req domain.TapRequest) *domain.TapResponse
}

var _ Validator = (*pipeline.Pipeline)(nil)

// Worker consumes TopicTapRequested and answers with tap decisions.
type Worker struct {
	bus       domain.EventBus
	validator Validator

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	approved  atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker bound to a bus and a validator.
func NewWorker(b domain.EventBus, v Validator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       b,
		validator: v,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Decision is published on TopicTapDecision and TopicFraudAlert.
type Decision struct {
	RequestID string              `json:"requestId"`
	Request   domain.TapRequest   `json:"request"`
	Response  *domain.TapResponse `json:"response"`
}

// Start subscribes to tap requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTapRequested, w.handle)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tap worker started", "topic", domain.TopicTapRequested)
	return nil
}

func (w *Worker) handle(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.TapRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse tap request",
			"message_id", msg.ID,
			"error", err,
		)
		resp := &domain.TapResponse{
			Reason:    domain.ReasonValidationError,
			Timestamp: time.Now().UTC(),
		}
		payload, _ := json.Marshal(Decision{RequestID: msg.ID, Response: resp})
		if rerr := bus.Respond(ctx, w.bus, msg, payload); rerr != nil {
			slog.Error("failed to reply", "message_id", msg.ID, "error", rerr)
		}
		return err
	}

	resp := w.validator.Validate(ctx, req)
	w.processed.Add(1)
	if resp.Approved {
		w.approved.Add(1)
	}

	payload, err := json.Marshal(Decision{RequestID: msg.ID, Request: req, Response: resp})
	if err != nil {
		return err
	}

	if err := bus.Respond(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to reply",
			"message_id", msg.ID,
			"error", err,
		)
	}

	if err := w.bus.Publish(ctx, domain.TopicTapDecision, payload); err != nil {
		slog.Error("failed to publish decision",
			"card_uid", req.CardUID,
			"error", err,
		)
	}

	if resp.FraudScore > 0 {
		if err := w.bus.Publish(ctx, domain.TopicFraudAlert, payload); err != nil {
			slog.Error("failed to publish fraud alert",
				"card_uid", req.CardUID,
				"error", err,
			)
		}
	}

	slog.Info("tap processed",
		"message_id", msg.ID,
		"card_uid", req.CardUID,
		"vendor_id", req.VendorID,
		"approved", resp.Approved,
		"reason", resp.Reason,
		"fraud_score", resp.FraudScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("tap worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Approved          int64    `json:"approved"`
	Failed            int64    `json:"failed"`
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
		Processed:         w.processed.Load(),
		Approved:          w.approved.Load(),
		Failed:            w.failed.Load(),
	}
}
