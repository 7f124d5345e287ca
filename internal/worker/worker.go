// Package worker scores sessions submitted over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// ErrStopped is returned once Stop has been called.
var ErrStopped = errors.New("worker stopped")

// Processor scores one submission.
type Processor interface {
	Process(ctx context.Context, sub engine.Submission) *engine.SessionResult
}

// Worker consumes kestrel.session.submitted and publishes results.
type Worker struct {
	bus       domain.EventBus
	processor Processor

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	stopped bool

	processed atomic.Int64
	failed    atomic.Int64
	alerts    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds how many sessions are scored at once.
	Concurrency int
}

// AlertEvent is published on kestrel.alert.
type AlertEvent struct {
	UserID    string        `json:"userId"`
	SessionID string        `json:"sessionId"`
	RiskScore float64       `json:"riskScore"`
	Action    domain.Action `json:"action"`
	Reason    string        `json:"reason"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to submitted sessions.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}

	w.sem = make(chan struct{}, cfg.Concurrency)
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicSessionSubmitted, w.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicSessionSubmitted, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicSessionSubmitted,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// dispatch hands the message to a bounded pool so a slow session does not
// hold up the subscription.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.wg.Add(1)
	w.mu.Unlock()

	hctx := handlerContext(w.ctx, ctx)
	w.sem <- struct{}{}
	go func() {
		defer func() {
			<-w.sem
			w.wg.Done()
		}()
		if err := w.handle(hctx, msg); err != nil {
			w.failed.Add(1)
		}
	}()
	return nil
}

// handlerContext keeps the worker's lifetime but continues the publisher's
// trace and baggage carried by msgCtx.
func handlerContext(base, msgCtx context.Context) context.Context {
	ctx := baggage.ContextWithBaggage(base, baggage.FromContext(msgCtx))
	if sc := trace.SpanContextFromContext(msgCtx); sc.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
	}
	return ctx
}

// handle scores a submitted session and publishes the result.
func (w *Worker) handle(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var sub engine.Submission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		slog.Error("failed to parse session message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sub.UserID == "" {
		slog.Error("session message without user id", "message_id", msg.ID)
		return fmt.Errorf("message %s: userId is required", msg.ID)
	}
	if sub.TraceID == "" {
		sub.TraceID = msg.ID
	}

	result := w.processor.Process(ctx, sub)
	w.processed.Add(1)

	resultPayload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := w.bus.Publish(ctx, domain.TopicSessionScored, resultPayload); err != nil {
		slog.Error("failed to publish session result",
			"session_id", result.SessionID,
			"error", err,
		)
	}

	if result.Alert != "" {
		w.alerts.Add(1)
		alertPayload, _ := json.Marshal(AlertEvent{
			UserID:    sub.UserID,
			SessionID: result.SessionID,
			RiskScore: result.RiskScore,
			Action:    result.Action,
			Reason:    result.Alert,
		})
		if err := w.bus.Publish(ctx, domain.TopicAlert, alertPayload); err != nil {
			slog.Error("failed to publish alert",
				"session_id", result.SessionID,
				"error", err,
			)
		}
	}

	slog.Info("session processed",
		"session_id", result.SessionID,
		"user_id", sub.UserID,
		"action", result.Action,
		"risk_score", result.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight sessions. A stopped worker
// cannot be restarted.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("worker stopped", "processed", w.processed.Load())
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Alerts            int64    `json:"alerts"`
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
		Failed:            w.failed.Load(),
		Alerts:            w.alerts.Load(),
	}
}
