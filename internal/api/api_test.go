package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/kestrelsec/kestrel/internal/bus"
	"github.com/kestrelsec/kestrel/internal/cache"
	"github.com/kestrelsec/kestrel/internal/domain"
	"github.com/kestrelsec/kestrel/internal/ratelimit"
	"github.com/kestrelsec/kestrel/internal/repository"
	"github.com/kestrelsec/kestrel/internal/risk"
	"github.com/kestrelsec/kestrel/internal/rules"
)

type testStack struct {
	server *Server
	repo   domain.Repository
	engine *rules.Engine
	config *domain.Config
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "api-test.db")

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine(10)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	evaluator := risk.NewEvaluator(repo, lru, eventBus, engine, cfg.Detector, logger)
	limiter := ratelimit.NewLimiter(repo, nil, logger)

	server := NewServer(cfg, repo, lru, eventBus, evaluator, limiter, engine, "test")
	return &testStack{server: server, repo: repo, engine: engine, config: cfg}
}

func (s *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

// cleanSignalsPayload is a plausible desktop browser submission.
func cleanSignalsPayload() map[string]any {
	return map[string]any{
		"hardwareConcurrency": 8,
		"deviceMemory":        16,
		"timezone":            "America/New_York",
		"language":            "en-US",
		"platform":            "MacIntel",
		"userAgent":           "Mozilla/5.0 (Macintosh) Chrome/120.0 Safari/537.36",
		"canvasHash":          "canvas-001",
		"webglHash":           "webgl-001",
		"audioHash":           "audio-001",
		"webglVendor":         "Google Inc. (Apple)",
		"webglRenderer":       "ANGLE (Apple M1)",
		"timingMs":            240,
		"plugins":             []string{"PDF Viewer"},
		"screen":              map[string]any{"width": 1920, "height": 1080},
		"capabilities": map[string]any{
			"webgl":           true,
			"localStorage":    true,
			"sessionStorage":  true,
			"permissionsApi":  true,
			"mediaDevicesApi": true,
		},
	}
}

func ingest(t *testing.T, stack *testStack, signals map[string]any) IngestResponse {
	t.Helper()
	rec := stack.do(t, http.MethodPost, "/identities", map[string]any{"signals": signals})
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("ingest failed with status %d: %s", rec.Code, rec.Body.String())
	}
	return decode[IngestResponse](t, rec)
}

func TestIngestIdentity(t *testing.T) {
	t.Run("CreatesIdentity", func(t *testing.T) {
		stack := newTestStack(t)

		rec := stack.do(t, http.MethodPost, "/identities", map[string]any{"signals": cleanSignalsPayload()})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		resp := decode[IngestResponse](t, rec)
		if !resp.Created {
			t.Error("expected created flag")
		}
		if resp.Identity == nil || resp.Identity.ID == "" || resp.Identity.DeviceSignalHash == "" {
			t.Fatalf("incomplete identity: %+v", resp.Identity)
		}
		if resp.Evaluation == nil {
			t.Fatal("expected inline evaluation")
		}
		if resp.Evaluation.RiskScore != 0 || resp.Evaluation.IsSuspicious {
			t.Errorf("clean profile scored %d suspicious=%v (%v)",
				resp.Evaluation.RiskScore, resp.Evaluation.IsSuspicious, resp.Evaluation.Reasons)
		}
	})

	t.Run("ResubmissionUpdatesExisting", func(t *testing.T) {
		stack := newTestStack(t)
		first := ingest(t, stack, cleanSignalsPayload())

		rec := stack.do(t, http.MethodPost, "/identities", map[string]any{"signals": cleanSignalsPayload()})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for resubmission, got %d", rec.Code)
		}
		second := decode[IngestResponse](t, rec)
		if second.Created {
			t.Error("resubmission must not report created")
		}
		if second.Identity.ID != first.Identity.ID {
			t.Errorf("resubmission must keep identity id: %s vs %s", second.Identity.ID, first.Identity.ID)
		}
	})

	t.Run("BotProfileFlagged", func(t *testing.T) {
		stack := newTestStack(t)
		signals := cleanSignalsPayload()
		signals["webdriver"] = true
		signals["selenium"] = true

		resp := ingest(t, stack, signals)
		if !resp.Evaluation.IsSuspicious {
			t.Error("expected suspicious evaluation for automation flags")
		}
		if resp.Evaluation.RiskScore != 10 {
			t.Errorf("expected score 10, got %d", resp.Evaluation.RiskScore)
		}
	})

	t.Run("MissingSignals", func(t *testing.T) {
		stack := newTestStack(t)
		rec := stack.do(t, http.MethodPost, "/identities", map[string]any{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		stack := newTestStack(t)
		req := httptest.NewRequest(http.MethodPost, "/identities", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		stack.server.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestGetIdentity(t *testing.T) {
	stack := newTestStack(t)
	created := ingest(t, stack, cleanSignalsPayload())

	t.Run("Found", func(t *testing.T) {
		rec := stack.do(t, http.MethodGet, "/identities/"+created.Identity.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		identity := decode[domain.Identity](t, rec)
		if identity.DeviceSignalHash != created.Identity.DeviceSignalHash {
			t.Errorf("unexpected identity: %+v", identity)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rec := stack.do(t, http.MethodGet, "/identities/no-such-id", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestEvaluateIdentity(t *testing.T) {
	stack := newTestStack(t)
	created := ingest(t, stack, cleanSignalsPayload())

	t.Run("Recomputes", func(t *testing.T) {
		rec := stack.do(t, http.MethodPost, "/identities/"+created.Identity.ID+"/evaluate", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		resp := decode[EvaluateResponse](t, rec)
		if resp.Result == nil {
			t.Fatal("expected evaluation result")
		}
		if resp.Metadata.Version != "test" {
			t.Errorf("expected version metadata, got %q", resp.Metadata.Version)
		}
	})

	t.Run("UnknownIdentity", func(t *testing.T) {
		rec := stack.do(t, http.MethodPost, "/identities/no-such-id/evaluate", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestTrackAction(t *testing.T) {
	t.Run("RecordsAndRecomputes", func(t *testing.T) {
		stack := newTestStack(t)
		created := ingest(t, stack, cleanSignalsPayload())

		rec := stack.do(t, http.MethodPost, "/actions", ActionRequest{
			IdentityID: created.Identity.ID,
			Type:       domain.ActionVisit,
			Referrer:   "https://news.example.com",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		resp := decode[ActionResponse](t, rec)
		if resp.Action == nil || resp.Action.ID == "" {
			t.Fatalf("incomplete action: %+v", resp.Action)
		}
		if resp.Evaluation == nil {
			t.Error("expected synchronous recompute result")
		}
		if resp.Degraded {
			t.Error("unexpected degraded flag")
		}
	})

	t.Run("ValidationBeforeStateChange", func(t *testing.T) {
		stack := newTestStack(t)
		created := ingest(t, stack, cleanSignalsPayload())

		rec := stack.do(t, http.MethodPost, "/actions", map[string]any{
			"identityId": created.Identity.ID,
			"type":       "bogus_type",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}

		rec = stack.do(t, http.MethodPost, "/actions", ActionRequest{Type: domain.ActionVisit})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for missing identityId, got %d", rec.Code)
		}
	})

	t.Run("UnknownIdentity", func(t *testing.T) {
		stack := newTestStack(t)
		rec := stack.do(t, http.MethodPost, "/actions", ActionRequest{
			IdentityID: "no-such-id",
			Type:       domain.ActionVisit,
		})
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("RateLimitEnforced", func(t *testing.T) {
		stack := newTestStack(t)
		stack.config.RateLimit[domain.ActionURLCreation] = domain.QuotaConfig{MaxAttempts: 3, WindowMinutes: 60}
		created := ingest(t, stack, cleanSignalsPayload())

		for i := 1; i <= 3; i++ {
			rec := stack.do(t, http.MethodPost, "/actions", ActionRequest{
				IdentityID: created.Identity.ID,
				Type:       domain.ActionURLCreation,
				Referrer:   "https://example.com",
			})
			if rec.Code != http.StatusOK {
				t.Fatalf("attempt %d: expected 200, got %d", i, rec.Code)
			}
		}

		rec := stack.do(t, http.MethodPost, "/actions", ActionRequest{
			IdentityID: created.Identity.ID,
			Type:       domain.ActionURLCreation,
			Referrer:   "https://example.com",
		})
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
		body := decode[map[string]any](t, rec)
		if body["windowMinutes"] != float64(60) {
			t.Errorf("expected window in denial body, got %v", body)
		}
	})

	t.Run("VisitsUnlimitedByDefault", func(t *testing.T) {
		stack := newTestStack(t)
		created := ingest(t, stack, cleanSignalsPayload())

		for i := 0; i < 15; i++ {
			rec := stack.do(t, http.MethodPost, "/actions", ActionRequest{
				IdentityID: created.Identity.ID,
				Type:       domain.ActionVisit,
				Referrer:   "https://news.example.com",
			})
			if rec.Code != http.StatusOK {
				t.Fatalf("visit %d: expected 200, got %d", i, rec.Code)
			}
		}
	})
}

func TestIdentityEvents(t *testing.T) {
	stack := newTestStack(t)
	signals := cleanSignalsPayload()
	signals["webdriver"] = true
	signals["selenium"] = true
	created := ingest(t, stack, signals)

	t.Run("ReturnsEvents", func(t *testing.T) {
		rec := stack.do(t, http.MethodGet, "/identities/"+created.Identity.ID+"/events", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decode[map[string]any](t, rec)
		if body["count"].(float64) < 1 {
			t.Errorf("expected at least one risk event, got %v", body["count"])
		}
	})

	t.Run("HistoryReadCapped", func(t *testing.T) {
		// Each re-ingest re-evaluates and records another event.
		ingest(t, stack, signals)
		ingest(t, stack, signals)

		stack.config.Detector.MaxRiskEvents = 2
		rec := stack.do(t, http.MethodGet, "/identities/"+created.Identity.ID+"/events?limit=1000", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decode[map[string]any](t, rec)
		if body["count"].(float64) != 2 {
			t.Errorf("expected history read capped at 2 events, got %v", body["count"])
		}
	})
}

func TestDashboard(t *testing.T) {
	stack := newTestStack(t)
	signals := cleanSignalsPayload()
	signals["webdriver"] = true
	signals["selenium"] = true
	ingest(t, stack, signals)

	t.Run("Stats", func(t *testing.T) {
		rec := stack.do(t, http.MethodGet, "/dashboard/stats?window=24", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		stats := decode[domain.DashboardStats](t, rec)
		if stats.Identities != 1 || stats.RiskEvents < 1 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})

	t.Run("Patterns", func(t *testing.T) {
		rec := stack.do(t, http.MethodGet, "/dashboard/patterns", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decode[map[string]any](t, rec)
		if body["patterns"] == nil {
			t.Errorf("expected patterns in response: %v", body)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	stack := newTestStack(t)

	t.Run("CreateRule", func(t *testing.T) {
		rec := stack.do(t, http.MethodPost, "/rules", CreateRuleRequest{
			ID:         "rule-001",
			Name:       "hollow environment",
			Expression: "hardware_concurrency == 0 && device_memory == 0",
			RiskScore:  4,
			Severity:   3,
			Enabled:    true,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("CreateRuleInvalidExpression", func(t *testing.T) {
		rec := stack.do(t, http.MethodPost, "/rules", CreateRuleRequest{
			ID:         "rule-bad",
			Name:       "broken",
			Expression: "hardware_concurrency ==",
			RiskScore:  1,
			Severity:   1,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("CreateRuleScoreBounds", func(t *testing.T) {
		rec := stack.do(t, http.MethodPost, "/rules", CreateRuleRequest{
			ID:         "rule-oob",
			Name:       "out of bounds",
			Expression: "webdriver",
			RiskScore:  11,
			Severity:   3,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for riskScore > 10, got %d", rec.Code)
		}
	})

	t.Run("ListRules", func(t *testing.T) {
		rec := stack.do(t, http.MethodGet, "/rules", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decode[map[string]any](t, rec)
		if body["count"].(float64) != 1 {
			t.Errorf("expected 1 loaded rule, got %v", body["count"])
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		rec := stack.do(t, http.MethodGet, "/rules/rule-001", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		rule := decode[domain.RuleConfig](t, rec)
		if rule.RiskScore != 4 {
			t.Errorf("unexpected rule: %+v", rule)
		}

		rec = stack.do(t, http.MethodGet, "/rules/no-such-rule", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("ReloadRules", func(t *testing.T) {
		rec := stack.do(t, http.MethodPost, "/rules/reload", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		body := decode[map[string]any](t, rec)
		if body["count"].(float64) != 1 {
			t.Errorf("expected reload count 1, got %v", body["count"])
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	stack := newTestStack(t)

	rec := stack.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %s", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("expected version test, got %s", body["version"])
	}

	rec = stack.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /ready, got %d", rec.Code)
	}
}
