// Package risk implements the evaluation pipeline: it assembles an activity
// snapshot for an identity, runs the pattern detectors and custom rules over
// it, aggregates their findings into a bounded score, and persists the
// outcome.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelsec/kestrel/internal/detector"
	"github.com/kestrelsec/kestrel/internal/domain"
	"github.com/kestrelsec/kestrel/internal/rules"
)

// Evaluator runs one full risk evaluation per call. Evaluations are pure
// with respect to the snapshot: the same identity state always produces the
// same result, so re-running after a persistence failure is safe.
type Evaluator struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	rules  *rules.Engine
	logger *slog.Logger

	cfg        domain.DetectorConfig
	detectors  []detector.Detector
	anomaly    *detector.AnomalyScore
	maxWorkers int
}

// NewEvaluator creates an evaluator with the full detector set. The rules
// engine and event bus are optional; a nil bus disables alert fan-out.
func NewEvaluator(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, cfg domain.DetectorConfig, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		rules:      engine,
		logger:     logger,
		cfg:        cfg,
		detectors:  detector.All(cfg),
		anomaly:    &detector.AnomalyScore{},
		maxWorkers: 4,
	}
}

// Evaluate recomputes the risk profile for one identity and persists the
// refreshed scores. The returned result reflects the computation even when
// persistence fails; persistence errors are logged, not surfaced, so a
// degraded store never blocks the caller's action path.
func (e *Evaluator) Evaluate(ctx context.Context, identityID string) (*domain.FraudResult, error) {
	snap, err := e.BuildSnapshot(ctx, identityID)
	if err != nil {
		return nil, err
	}

	merged := e.runDetectors(snap)

	if e.rules != nil {
		for _, rr := range e.rules.EvaluateAll(ctx, &rules.EvaluateInput{
			Identity:              snap.Identity,
			URLCreationCount:      len(snap.URLCreations),
			VisitCount:            len(snap.Visits),
			HashSiblingCount:      snap.HashSiblings,
			SignatureSiblingCount: snap.SignatureSiblings,
		}) {
			merged.Merge(rr)
		}
	}

	mlScore := e.anomaly.Score(snap.Identity.Signals)

	// The anomaly score always weighs into the total, scaled onto the
	// 0..10 range and rounded to the nearest point.
	total := domain.ClampRisk(merged.RiskScore + int(math.Round(mlScore*5)))
	severity := merged.Severity
	if severity > domain.MaxSeverity {
		severity = domain.MaxSeverity
	}

	// Confidence tracks the aggregate alone: the fuller the 0..10 scale,
	// the more certain the verdict. Per-detector confidences stay on the
	// individual findings.
	confidence := domain.ClampUnit(float64(total) / float64(domain.MaxRiskScore))

	result := &domain.FraudResult{
		IdentityID:   identityID,
		IsSuspicious: total > domain.SuspiciousRiskThreshold || mlScore > domain.SuspiciousAnomalyThreshold,
		RiskScore:    total,
		Severity:     severity,
		Reasons:      dedupe(merged.Reasons),
		Patterns:     dedupe(merged.Patterns),
		Confidence:   confidence,
		MLScore:      mlScore,
		EvaluatedAt:  snap.Now,
	}

	e.persist(ctx, snap.Identity, result)
	e.publishAlert(ctx, result)

	return result, nil
}

// BuildSnapshot loads everything one evaluation run needs in a single pass.
func (e *Evaluator) BuildSnapshot(ctx context.Context, identityID string) (*detector.Snapshot, error) {
	identity, err := e.loadIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	creations, err := e.repo.GetActionsSince(ctx, identityID, domain.ActionURLCreation, now.Add(-e.cfg.VelocityWindow))
	if err != nil {
		return nil, fmt.Errorf("load url creations: %w", err)
	}

	visits, err := e.repo.GetActionsSince(ctx, identityID, domain.ActionVisit, now.Add(-e.cfg.VisitWindow))
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}

	hashSiblings, err := e.repo.CountSiblingsByHash(ctx, identityID, identity.DeviceSignalHash)
	if err != nil {
		return nil, fmt.Errorf("count hash siblings: %w", err)
	}

	s := identity.Signals
	sigSiblings, err := e.repo.CountSiblingsBySubSignature(ctx, identityID, s.CanvasHash, s.WebGLHash, s.AudioHash)
	if err != nil {
		return nil, fmt.Errorf("count signature siblings: %w", err)
	}

	snap := &detector.Snapshot{
		Identity:          identity,
		URLCreations:      creations,
		Visits:            visits,
		HashSiblings:      hashSiblings,
		SignatureSiblings: sigSiblings,
		Now:               now,
	}
	snap.SortActions()
	return snap, nil
}

func (e *Evaluator) loadIdentity(ctx context.Context, identityID string) (*domain.Identity, error) {
	if e.cache != nil {
		if identity, err := e.cache.GetIdentity(ctx, identityID); err == nil && identity != nil {
			return identity, nil
		}
	}
	identity, err := e.repo.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", identityID, err)
	}
	return identity, nil
}

// runDetectors evaluates all detectors against the snapshot in parallel and
// folds the results together in detector order, keeping the merge
// deterministic.
func (e *Evaluator) runDetectors(snap *detector.Snapshot) domain.DetectionResult {
	results := make([]domain.DetectionResult, len(e.detectors))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, d := range e.detectors {
		wg.Add(1)
		go func(idx int, d detector.Detector) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = d.Evaluate(snap)
		}(i, d)
	}

	wg.Wait()

	var merged domain.DetectionResult
	for _, r := range results {
		merged.Merge(r)
	}
	return merged
}

// persist writes the refreshed scores and, for suspicious outcomes, an
// audit event. Failures here are logged and swallowed.
func (e *Evaluator) persist(ctx context.Context, identity *domain.Identity, result *domain.FraudResult) {
	if err := e.repo.UpdateIdentityScores(ctx, identity.ID, result.RiskScore, result.MLScore, result.Confidence); err != nil {
		e.logger.Warn("failed to persist identity scores",
			"identity_id", identity.ID, "error", err)
	}

	if result.IsSuspicious {
		event := &domain.RiskEvent{
			ID:          uuid.New().String(),
			IdentityID:  identity.ID,
			RiskType:    dominantPattern(result),
			Severity:    result.Severity,
			Confidence:  result.Confidence,
			Description: strings.Join(result.Reasons, "; "),
			Patterns:    result.Patterns,
			Metadata: map[string]any{
				"riskScore": result.RiskScore,
				"mlScore":   result.MLScore,
			},
			CreatedAt: result.EvaluatedAt,
		}
		if err := e.repo.SaveRiskEvent(ctx, event); err != nil {
			e.logger.Warn("failed to persist risk event",
				"identity_id", identity.ID, "error", err)
		}
	}

	if e.cache != nil {
		identity.RiskScore = result.RiskScore
		identity.MLAnomalyScore = result.MLScore
		identity.ConfidenceScore = result.Confidence
		identity.UpdatedAt = result.EvaluatedAt
		if err := e.cache.SetIdentity(ctx, identity.ID, identity, 5*time.Minute); err != nil {
			e.logger.Debug("failed to cache identity", "identity_id", identity.ID, "error", err)
		}
	}
}

// publishAlert fans out suspicious results on the bus, best effort.
func (e *Evaluator) publishAlert(ctx context.Context, result *domain.FraudResult) {
	if e.bus == nil || !result.IsSuspicious {
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.TopicRiskAlert, payload); err != nil {
		e.logger.Warn("failed to publish risk alert",
			"identity_id", result.IdentityID, "error", err)
	}
}

// dominantPattern picks the event's risk type: the first pattern recorded,
// which belongs to the earliest detector in the fixed detector order.
func dominantPattern(result *domain.FraudResult) string {
	if len(result.Patterns) > 0 {
		return result.Patterns[0]
	}
	return domain.PatternMLAnomaly
}

// dedupe removes duplicates while preserving first-seen order.
func dedupe(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
