package risk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelsec/kestrel/internal/bus"
	"github.com/kestrelsec/kestrel/internal/cache"
	"github.com/kestrelsec/kestrel/internal/domain"
	"github.com/kestrelsec/kestrel/internal/repository"
	"github.com/kestrelsec/kestrel/internal/rules"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "risk-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func cleanSignals() domain.DeviceSignals {
	return domain.DeviceSignals{
		HardwareConcurrency: 8,
		DeviceMemory:        16,
		ScreenWidth:         1920,
		ScreenHeight:        1080,
		Timezone:            "America/New_York",
		Language:            "en-US",
		Platform:            "MacIntel",
		UserAgent:           "Mozilla/5.0 (Macintosh) Chrome/120.0 Safari/537.36",
		Plugins:             []string{"PDF Viewer"},
		CanvasHash:          "canvas-001",
		WebGLHash:           "webgl-001",
		AudioHash:           "audio-001",
		WebGLVendor:         "Google Inc. (Apple)",
		WebGLRenderer:       "ANGLE (Apple M1)",
		WebGL:               true,
		LocalStorage:        true,
		SessionStorage:      true,
		PermissionsAPI:      true,
		MediaDevicesAPI:     true,
		TimingMs:            240,
	}
}

func seedIdentity(t *testing.T, repo domain.Repository, id, hash string, signals domain.DeviceSignals) {
	t.Helper()
	now := time.Now().UTC()
	err := repo.UpsertIdentity(context.Background(), &domain.Identity{
		ID:               id,
		DeviceSignalHash: hash,
		Signals:          signals,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastActivityAt:   now,
	})
	if err != nil {
		t.Fatalf("UpsertIdentity failed: %v", err)
	}
}

func seedActions(t *testing.T, repo domain.Repository, identityID string, typ domain.ActionType, n int, gap time.Duration, referrer string) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		err := repo.SaveAction(context.Background(), &domain.TrackedAction{
			ID:         uuid.New().String(),
			IdentityID: identityID,
			Type:       typ,
			Referrer:   referrer,
			CreatedAt:  now.Add(-time.Duration(n-i) * gap),
		})
		if err != nil {
			t.Fatalf("SaveAction failed: %v", err)
		}
	}
}

func newEvaluator(t *testing.T, repo domain.Repository) *Evaluator {
	t.Helper()
	return NewEvaluator(repo, cache.NewLRUCache(100), nil, nil,
		domain.DefaultConfig().Detector, testLogger())
}

func TestEvaluator(t *testing.T) {
	ctx := context.Background()

	t.Run("CleanIdentity", func(t *testing.T) {
		repo := newTestRepo(t)
		seedIdentity(t, repo, "id-001", "hash-001", cleanSignals())

		result, err := newEvaluator(t, repo).Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if result.RiskScore != 0 {
			t.Errorf("expected score 0, got %d (%v)", result.RiskScore, result.Reasons)
		}
		if result.IsSuspicious {
			t.Error("clean identity must not be suspicious")
		}

		events, _ := repo.GetRiskEvents(ctx, "id-001", 10)
		if len(events) != 0 {
			t.Errorf("no risk event expected for a clean identity, got %d", len(events))
		}
	})

	t.Run("AutomationFlagsStack", func(t *testing.T) {
		repo := newTestRepo(t)
		signals := cleanSignals()
		signals.Webdriver = true
		signals.Selenium = true
		seedIdentity(t, repo, "id-001", "hash-001", signals)

		result, err := newEvaluator(t, repo).Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		// Two automation flags give the detectors 8 and the anomaly
		// score another 2 on top.
		if result.RiskScore != 10 {
			t.Errorf("expected stacked score 10, got %d", result.RiskScore)
		}
		if result.Severity != 4 {
			t.Errorf("expected severity 4 (max across findings), got %d", result.Severity)
		}
		if !result.IsSuspicious {
			t.Error("expected suspicious flag")
		}

		events, _ := repo.GetRiskEvents(ctx, "id-001", 10)
		if len(events) != 1 {
			t.Fatalf("expected 1 risk event, got %d", len(events))
		}
		if events[0].RiskType != domain.PatternWebdriver {
			t.Errorf("expected risk type %s, got %s", domain.PatternWebdriver, events[0].RiskType)
		}
	})

	t.Run("MidRangeAnomalyContributes", func(t *testing.T) {
		repo := newTestRepo(t)
		signals := cleanSignals()
		signals.Headless = true
		seedIdentity(t, repo, "id-001", "hash-001", signals)

		result, err := newEvaluator(t, repo).Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		// A lone headless flag scores 3 from the detectors plus 1 from
		// the anomaly score (0.2 scaled onto 0..10), even though 0.2 sits
		// below the anomaly alert threshold.
		if result.RiskScore != 4 {
			t.Errorf("expected score 4, got %d (%v)", result.RiskScore, result.Reasons)
		}
		if !result.IsSuspicious {
			t.Error("expected suspicious flag at score 4")
		}
		for _, p := range result.Patterns {
			if p == domain.PatternMLAnomaly {
				t.Errorf("sub-threshold anomaly score must not emit a pattern, got %v", result.Patterns)
			}
		}

		events, _ := repo.GetRiskEvents(ctx, "id-001", 10)
		if len(events) != 1 {
			t.Errorf("expected 1 risk event, got %d", len(events))
		}
	})

	t.Run("ConfidenceTracksAggregate", func(t *testing.T) {
		repo := newTestRepo(t)
		signals := cleanSignals()
		signals.Plugins = nil
		seedIdentity(t, repo, "id-001", "hash-001", signals)

		result, err := newEvaluator(t, repo).Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if result.RiskScore != 1 {
			t.Errorf("expected score 1 for bare plugin list, got %d", result.RiskScore)
		}
		// Confidence is the aggregate scaled onto 0..1, not the best
		// per-finding confidence.
		if result.Confidence != 0.1 {
			t.Errorf("expected confidence 0.1, got %.2f", result.Confidence)
		}
		if result.IsSuspicious {
			t.Error("score 1 must not be suspicious")
		}
		if !reflect.DeepEqual(result.Patterns, []string{domain.PatternNoPlugins}) {
			t.Errorf("expected only the no-plugins pattern, got %v", result.Patterns)
		}
	})

	t.Run("VelocityEscalation", func(t *testing.T) {
		repo := newTestRepo(t)
		seedIdentity(t, repo, "id-001", "hash-001", cleanSignals())
		seedActions(t, repo, "id-001", domain.ActionURLCreation, 25, 2*time.Minute, "https://example.com")

		result, err := newEvaluator(t, repo).Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if result.RiskScore != 4 || result.Severity != 4 {
			t.Errorf("expected 4/4 for extreme velocity, got %d/%d", result.RiskScore, result.Severity)
		}
		if !result.IsSuspicious {
			t.Error("expected suspicious flag")
		}
		if result.Patterns[0] != domain.PatternExtremeVelocity {
			t.Errorf("expected extreme velocity pattern first, got %v", result.Patterns)
		}
	})

	t.Run("ScoreClampedAtTen", func(t *testing.T) {
		repo := newTestRepo(t)
		signals := cleanSignals()
		signals.Webdriver = true
		signals.Selenium = true
		seedIdentity(t, repo, "id-001", "hash-001", signals)
		seedActions(t, repo, "id-001", domain.ActionURLCreation, 25, 2*time.Minute, "https://example.com")

		result, err := newEvaluator(t, repo).Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if result.RiskScore != domain.MaxRiskScore {
			t.Errorf("expected clamp to %d, got %d", domain.MaxRiskScore, result.RiskScore)
		}
		if result.Severity != 4 {
			t.Errorf("expected severity 4, got %d", result.Severity)
		}
	})

	t.Run("FingerprintReuse", func(t *testing.T) {
		repo := newTestRepo(t)
		seedIdentity(t, repo, "id-001", "hash-001", cleanSignals())
		seedIdentity(t, repo, "id-002", "hash-002", cleanSignals())

		// A single sub-signature sibling stays below the minimum.
		result, err := newEvaluator(t, repo).Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if result.RiskScore != 0 {
			t.Errorf("one signature sibling should not flag, got %d (%v)", result.RiskScore, result.Reasons)
		}

		seedIdentity(t, repo, "id-003", "hash-003", cleanSignals())
		seedIdentity(t, repo, "id-004", "hash-004", cleanSignals())

		result, err = newEvaluator(t, repo).Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if result.Patterns[0] != domain.PatternSimilarSignature {
			t.Errorf("expected similar signature pattern, got %v", result.Patterns)
		}
		if result.RiskScore != 3 {
			t.Errorf("expected score 3, got %d", result.RiskScore)
		}
	})

	t.Run("PersistsScoresAndCache", func(t *testing.T) {
		repo := newTestRepo(t)
		signals := cleanSignals()
		signals.Headless = true
		signals.Automation = true
		seedIdentity(t, repo, "id-001", "hash-001", signals)

		evaluator := newEvaluator(t, repo)
		result, err := evaluator.Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		stored, err := repo.GetIdentity(ctx, "id-001")
		if err != nil {
			t.Fatalf("GetIdentity failed: %v", err)
		}
		if stored.RiskScore != result.RiskScore {
			t.Errorf("persisted score %d does not match result %d", stored.RiskScore, result.RiskScore)
		}

		cached, err := evaluator.cache.GetIdentity(ctx, "id-001")
		if err != nil || cached == nil {
			t.Fatalf("expected cached identity, got %v (err %v)", cached, err)
		}
		if cached.RiskScore != result.RiskScore {
			t.Errorf("cached score %d does not match result %d", cached.RiskScore, result.RiskScore)
		}
	})

	t.Run("CustomRuleContribution", func(t *testing.T) {
		repo := newTestRepo(t)
		seedIdentity(t, repo, "id-001", "hash-001", cleanSignals())
		seedActions(t, repo, "id-001", domain.ActionURLCreation, 3, 5*time.Minute, "https://example.com")

		engine, err := rules.NewEngine(10)
		if err != nil {
			t.Fatalf("NewEngine failed: %v", err)
		}
		defer engine.Close()
		err = engine.LoadRule(&domain.RuleConfig{
			ID:         "r1",
			Name:       "any creation activity",
			Expression: "url_creation_count_1h >= 1",
			RiskScore:  2,
			Severity:   2,
			Enabled:    true,
		})
		if err != nil {
			t.Fatalf("LoadRule failed: %v", err)
		}

		evaluator := NewEvaluator(repo, cache.NewLRUCache(100), nil, engine,
			domain.DefaultConfig().Detector, testLogger())
		result, err := evaluator.Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if result.RiskScore != 2 {
			t.Errorf("expected rule contribution of 2, got %d", result.RiskScore)
		}
		if result.Patterns[0] != domain.PatternCustomRule {
			t.Errorf("expected custom rule pattern, got %v", result.Patterns)
		}
	})

	t.Run("PublishesAlertWhenSuspicious", func(t *testing.T) {
		repo := newTestRepo(t)
		signals := cleanSignals()
		signals.Webdriver = true
		signals.Selenium = true
		seedIdentity(t, repo, "id-001", "hash-001", signals)

		b := bus.NewChannelBus(10)
		defer b.Close()
		alerts := make(chan *domain.Message, 1)
		_, _ = b.Subscribe(ctx, domain.TopicRiskAlert, func(ctx context.Context, msg *domain.Message) error {
			alerts <- msg
			return nil
		})

		evaluator := NewEvaluator(repo, cache.NewLRUCache(100), b, nil,
			domain.DefaultConfig().Detector, testLogger())
		if _, err := evaluator.Evaluate(ctx, "id-001"); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		select {
		case <-alerts:
		case <-time.After(2 * time.Second):
			t.Error("expected a risk alert on the bus")
		}
	})

	t.Run("PersistenceFailureDoesNotBlock", func(t *testing.T) {
		repo := newTestRepo(t)
		signals := cleanSignals()
		signals.Webdriver = true
		signals.Selenium = true
		seedIdentity(t, repo, "id-001", "hash-001", signals)

		evaluator := NewEvaluator(&writeFailRepo{repo}, cache.NewLRUCache(100), nil, nil,
			domain.DefaultConfig().Detector, testLogger())
		result, err := evaluator.Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("expected evaluation to survive persistence failure, got %v", err)
		}
		if result == nil || result.RiskScore != 10 {
			t.Errorf("expected full result despite write failures, got %+v", result)
		}
	})

	t.Run("UnknownIdentity", func(t *testing.T) {
		repo := newTestRepo(t)

		_, err := newEvaluator(t, repo).Evaluate(ctx, "no-such-identity")
		if !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		repo := newTestRepo(t)
		signals := cleanSignals()
		signals.Headless = true
		seedIdentity(t, repo, "id-001", "hash-001", signals)

		evaluator := newEvaluator(t, repo)
		first, err := evaluator.Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		second, err := evaluator.Evaluate(ctx, "id-001")
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if first.RiskScore != second.RiskScore || first.Severity != second.Severity ||
			!reflect.DeepEqual(first.Patterns, second.Patterns) {
			t.Errorf("same state must evaluate identically: %+v vs %+v", first, second)
		}
	})
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if out := dedupe(nil); out != nil {
		t.Errorf("expected nil passthrough, got %v", out)
	}
}

// writeFailRepo fails every write while delegating reads, for exercising the
// fail-open persistence path.
type writeFailRepo struct {
	domain.Repository
}

func (r *writeFailRepo) UpdateIdentityScores(ctx context.Context, id string, riskScore int, mlScore, confidence float64) error {
	return fmt.Errorf("store unavailable")
}

func (r *writeFailRepo) SaveRiskEvent(ctx context.Context, event *domain.RiskEvent) error {
	return fmt.Errorf("store unavailable")
}
