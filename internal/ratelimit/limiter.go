// Package ratelimit implements the store-backed fixed-window limiter that
// gates tracked actions. The window state lives in the repository so limits
// survive restarts and are shared across replicas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelsec/kestrel/internal/domain"
)

const maxRetries = 3

// errConflict marks a consume pass that lost a race to a concurrent caller
// for the same window row. Retried up to maxRetries before failing closed.
var errConflict = errors.New("rate limit window conflict")

// Limiter enforces per-identity, per-action fixed-window quotas.
// On store errors the limiter fails closed: an unverifiable request is
// denied, never waved through.
type Limiter struct {
	repo   domain.Repository
	cache  domain.Cache
	logger *slog.Logger
}

// NewLimiter creates a limiter. The cache is optional; when present it is
// used as a cheap deny fast path before touching the store.
func NewLimiter(repo domain.Repository, cache domain.Cache, logger *slog.Logger) *Limiter {
	return &Limiter{repo: repo, cache: cache, logger: logger}
}

// Allow checks and consumes one attempt for (identityID, actionType) under
// the given quota. It returns true and increments the window counter when
// the attempt is within quota, and false without incrementing when the
// quota is exhausted.
func (l *Limiter) Allow(ctx context.Context, identityID string, actionType domain.ActionType, quota domain.QuotaConfig) (bool, error) {
	if !domain.ValidActionType(actionType) {
		return false, fmt.Errorf("unknown action type %q", actionType)
	}
	if quota.MaxAttempts <= 0 || quota.WindowMinutes <= 0 {
		return true, nil
	}

	window := time.Duration(quota.WindowMinutes) * time.Minute

	// Cache fast path: a counter already past the quota cannot be under it
	// in the store, so deny without a store round trip. Counter misses or
	// errors fall through to the authoritative check.
	if l.cache != nil {
		key := fmt.Sprintf("kestrel:rl:%s:%s", identityID, actionType)
		if count, err := l.cache.IncrementCounter(ctx, key, window); err == nil && count > int64(quota.MaxAttempts) {
			return false, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		allowed, err := l.tryConsume(ctx, identityID, actionType, quota.MaxAttempts, window)
		if err == nil {
			return allowed, nil
		}
		lastErr = err
	}

	l.logger.Warn("rate limit check failed, denying",
		"identity_id", identityID, "action_type", actionType, "error", lastErr)
	return false, fmt.Errorf("rate limit check: %w", lastErr)
}

// tryConsume makes one pass at consuming an attempt. Every store write is
// conditional, so racing callers serialize on the row instead of
// overwriting each other's counts; a lost race surfaces as errConflict and
// the caller retries.
func (l *Limiter) tryConsume(ctx context.Context, identityID string, actionType domain.ActionType, maxAttempts int, window time.Duration) (bool, error) {
	now := time.Now().UTC()
	activeSince := now.Add(-window)

	// Common case: an active window with room. The increment carries its
	// own quota and expiry guards, so it either consumes atomically or
	// touches nothing.
	bumped, err := l.repo.IncrementRateLimitWindow(ctx, identityID, actionType, maxAttempts, activeSince)
	if err != nil {
		return false, err
	}
	if bumped {
		return true, nil
	}

	// No active row took the increment; find out why.
	state, err := l.repo.GetRateLimitWindow(ctx, identityID, actionType)
	if err != nil {
		return false, err
	}

	switch {
	case state == nil:
		created, err := l.repo.InsertRateLimitWindow(ctx, identityID, actionType, now)
		if err != nil {
			return false, err
		}
		if created {
			return true, nil
		}
		return false, errConflict

	case now.Sub(state.WindowStart) >= window:
		reset, err := l.repo.ResetRateLimitWindow(ctx, identityID, actionType, now, activeSince)
		if err != nil {
			return false, err
		}
		if reset {
			return true, nil
		}
		return false, errConflict

	default:
		// Active window at quota: denied, nothing written.
		return false, nil
	}
}
