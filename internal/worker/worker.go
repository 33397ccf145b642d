// Package worker provides async alert processing on top of the event bus.
// The evaluation pipeline is synchronous; the worker only consumes its
// fan-out topics, so a stalled consumer never delays an action decision.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// Worker consumes risk alerts and rate limit denials from the EventBus and
// maintains a bounded in-memory feed of recent alerts for the dashboard.
type Worker struct {
	bus    domain.EventBus
	logger *slog.Logger

	mu           sync.RWMutex
	recentAlerts []*domain.FraudResult
	maxRecent    int
	alertCount   int64
	deniedCount  int64

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// MaxRecentAlerts bounds the in-memory alert feed.
	MaxRecentAlerts int
}

// NewWorker creates a new alert worker.
func NewWorker(bus domain.EventBus, logger *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		logger:    logger,
		maxRecent: 100,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the alert topics.
func (w *Worker) Start(cfg Config) error {
	if cfg.MaxRecentAlerts > 0 {
		w.maxRecent = cfg.MaxRecentAlerts
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicRiskAlert, w.handleRiskAlert)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	sub, err = w.bus.Subscribe(w.ctx, domain.TopicRateLimited, w.handleRateLimited)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("alert worker started",
		"topics", []string{domain.TopicRiskAlert, domain.TopicRateLimited},
	)
	return nil
}

// handleRiskAlert records a suspicious evaluation result.
func (w *Worker) handleRiskAlert(ctx context.Context, msg *domain.Message) error {
	var result domain.FraudResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		w.logger.Error("failed to parse risk alert",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	w.mu.Lock()
	w.alertCount++
	w.recentAlerts = append(w.recentAlerts, &result)
	if len(w.recentAlerts) > w.maxRecent {
		w.recentAlerts = w.recentAlerts[len(w.recentAlerts)-w.maxRecent:]
	}
	w.mu.Unlock()

	w.logger.Warn("risk alert",
		"identity_id", result.IdentityID,
		"risk_score", result.RiskScore,
		"severity", result.Severity,
		"patterns", result.Patterns,
		"ml_score", result.MLScore,
	)
	return nil
}

// RateLimitedMessage is the payload published when an action is denied.
type RateLimitedMessage struct {
	IdentityID string            `json:"identityId"`
	ActionType domain.ActionType `json:"actionType"`
	DeniedAt   time.Time         `json:"deniedAt"`
}

// handleRateLimited records a rate limit denial.
func (w *Worker) handleRateLimited(ctx context.Context, msg *domain.Message) error {
	var denial RateLimitedMessage
	if err := json.Unmarshal(msg.Payload, &denial); err != nil {
		w.logger.Error("failed to parse rate limit denial",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	w.mu.Lock()
	w.deniedCount++
	w.mu.Unlock()

	w.logger.Info("action rate limited",
		"identity_id", denial.IdentityID,
		"action_type", denial.ActionType,
	)
	return nil
}

// RecentAlerts returns a copy of the in-memory alert feed, newest last.
func (w *Worker) RecentAlerts() []*domain.FraudResult {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]*domain.FraudResult, len(w.recentAlerts))
	copy(out, w.recentAlerts)
	return out
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("alert worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int   `json:"subscriptionCount"`
	AlertCount        int64 `json:"alertCount"`
	DeniedCount       int64 `json:"deniedCount"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		AlertCount:        w.alertCount,
		DeniedCount:       w.deniedCount,
	}
}
