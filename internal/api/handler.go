package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kestrelsec/kestrel/internal/domain"
	"github.com/kestrelsec/kestrel/internal/ratelimit"
	"github.com/kestrelsec/kestrel/internal/repository"
	"github.com/kestrelsec/kestrel/internal/risk"
	"github.com/kestrelsec/kestrel/internal/rules"
	"github.com/kestrelsec/kestrel/internal/signal"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	config    *domain.Config
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	evaluator *risk.Evaluator
	limiter   *ratelimit.Limiter
	engine    *rules.Engine
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(cfg *domain.Config, repo domain.Repository, cache domain.Cache, bus domain.EventBus, evaluator *risk.Evaluator, limiter *ratelimit.Limiter, engine *rules.Engine, version string) *Handler {
	return &Handler{
		config:    cfg,
		repo:      repo,
		cache:     cache,
		bus:       bus,
		evaluator: evaluator,
		limiter:   limiter,
		engine:    engine,
		version:   version,
	}
}

// IngestRequest is the request body for POST /identities.
type IngestRequest struct {
	Signals map[string]any `json:"signals"`
}

// IngestResponse is the response for POST /identities.
type IngestResponse struct {
	Identity   *domain.Identity    `json:"identity"`
	Evaluation *domain.FraudResult `json:"evaluation,omitempty"`
	Created    bool                `json:"created"`
}

// IngestIdentity handles POST /identities: it normalizes a raw signal
// submission into an identity keyed by device signal hash and runs an
// immediate evaluation. Resubmitting the same device's signals updates the
// existing identity rather than creating a new one.
func (h *Handler) IngestIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Signals) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "signals are required",
		})
		return
	}

	signals := signal.Normalize(req.Signals)
	hash := signal.Hash(signals)
	now := time.Now().UTC()

	created := false
	identity, err := h.repo.GetIdentityByHash(ctx, hash)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		created = true
		identity = &domain.Identity{
			ID:               uuid.New().String(),
			DeviceSignalHash: hash,
			Signals:          signals,
			CreatedAt:        now,
		}
	case err != nil:
		slog.Error("failed to look up identity by hash", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "identity lookup failed",
		})
		return
	default:
		identity.Signals = signals
	}
	identity.UpdatedAt = now
	identity.LastActivityAt = now

	if err := h.repo.UpsertIdentity(ctx, identity); err != nil {
		slog.Error("failed to upsert identity", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to store identity",
		})
		return
	}

	resp := IngestResponse{Identity: identity, Created: created}

	// Evaluate immediately so the caller gets a verdict with the identity.
	// A failed evaluation degrades the response, it does not fail ingest.
	result, err := h.evaluator.Evaluate(ctx, identity.ID)
	if err != nil {
		slog.Error("evaluation failed during ingest", "identity_id", identity.ID, "error", err)
	} else {
		resp.Evaluation = result
		identity.RiskScore = result.RiskScore
		identity.MLAnomalyScore = result.MLScore
		identity.ConfidenceScore = result.Confidence
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// GetIdentity handles GET /identities/{id}.
func (h *Handler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID := chi.URLParam(r, "id")

	if identityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "identity id is required",
		})
		return
	}

	if h.cache != nil {
		if identity, err := h.cache.GetIdentity(ctx, identityID); err == nil && identity != nil {
			writeJSON(w, http.StatusOK, identity)
			return
		}
	}

	identity, err := h.repo.GetIdentity(ctx, identityID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "identity not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get identity", "id", identityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "identity lookup failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, identity)
}

// GetIdentityEvents handles GET /identities/{id}/events.
func (h *Handler) GetIdentityEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID := chi.URLParam(r, "id")

	if identityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "identity id is required",
		})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if max := h.config.Detector.MaxRiskEvents; max > 0 && limit > max {
		limit = max
	}

	events, err := h.repo.GetRiskEvents(ctx, identityID, limit)
	if err != nil {
		slog.Error("failed to get risk events", "id", identityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load risk events",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identityId": identityID,
		"events":     events,
		"count":      len(events),
	})
}

// EvaluateResponse wraps an evaluation result with request metadata.
type EvaluateResponse struct {
	Result   *domain.FraudResult `json:"result"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// EvaluateIdentity handles POST /identities/{id}/evaluate: a full
// on-demand recompute of the identity's risk profile.
func (h *Handler) EvaluateIdentity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	identityID := chi.URLParam(r, "id")

	if identityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "identity id is required",
		})
		return
	}

	result, err := h.evaluator.Evaluate(ctx, identityID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "identity not found",
		})
		return
	}
	if err != nil {
		slog.Error("evaluation failed", "identity_id", identityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	resp := EvaluateResponse{Result: result}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// ActionRequest is the request body for POST /actions.
type ActionRequest struct {
	IdentityID string            `json:"identityId"`
	Type       domain.ActionType `json:"type"`
	Referrer   string            `json:"referrer,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// ActionResponse is the response for POST /actions.
type ActionResponse struct {
	Action     *domain.TrackedAction `json:"action"`
	Evaluation *domain.FraudResult   `json:"evaluation,omitempty"`
	Degraded   bool                  `json:"degraded,omitempty"`
}

// TrackAction handles POST /actions. The request is validated before any
// state changes, then gated by the fixed-window rate limiter; an allowed
// action is recorded and triggers a synchronous risk recompute. A failed
// recompute degrades the response but the action stays recorded.
func (h *Handler) TrackAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.IdentityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "identityId is required",
		})
		return
	}
	if !domain.ValidActionType(req.Type) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown action type",
		})
		return
	}

	if _, err := h.repo.GetIdentity(ctx, req.IdentityID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "identity not found",
			})
			return
		}
		slog.Error("failed to get identity", "id", req.IdentityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "identity lookup failed",
		})
		return
	}

	if quota, ok := h.config.RateLimit[req.Type]; ok {
		allowed, err := h.limiter.Allow(ctx, req.IdentityID, req.Type, quota)
		if err != nil || !allowed {
			h.publishRateLimited(ctx, req.IdentityID, req.Type)
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":         "rate limit exceeded",
				"actionType":    req.Type,
				"windowMinutes": quota.WindowMinutes,
			})
			return
		}
	}

	action := &domain.TrackedAction{
		ID:         uuid.New().String(),
		IdentityID: req.IdentityID,
		Type:       req.Type,
		Referrer:   req.Referrer,
		Metadata:   req.Metadata,
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.repo.SaveAction(ctx, action); err != nil {
		slog.Error("failed to save action", "identity_id", req.IdentityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to record action",
		})
		return
	}

	resp := ActionResponse{Action: action}

	result, err := h.evaluator.Evaluate(ctx, req.IdentityID)
	if err != nil {
		slog.Error("recompute failed after action",
			"identity_id", req.IdentityID, "error", err)
		resp.Degraded = true
	} else {
		resp.Evaluation = result
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) publishRateLimited(ctx context.Context, identityID string, actionType domain.ActionType) {
	if h.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"identityId": identityID,
		"actionType": actionType,
		"deniedAt":   time.Now().UTC(),
	})
	if err := h.bus.Publish(ctx, domain.TopicRateLimited, payload); err != nil {
		slog.Debug("failed to publish rate limit denial", "error", err)
	}
}

// DashboardStats handles GET /dashboard/stats.
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	since := time.Now().UTC().Add(-parseWindow(r, 24*time.Hour))

	stats, err := h.repo.DashboardStats(ctx, since)
	if err != nil {
		slog.Error("failed to compute dashboard stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute stats",
		})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// DashboardPatterns handles GET /dashboard/patterns.
func (h *Handler) DashboardPatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	since := time.Now().UTC().Add(-parseWindow(r, 24*time.Hour))

	patterns, err := h.repo.PatternFrequency(ctx, since)
	if err != nil {
		slog.Error("failed to compute pattern frequency", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute pattern frequency",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": patterns,
		"since":    since,
	})
}

// parseWindow reads the "window" query parameter (hours) with a default.
func parseWindow(r *http.Request, def time.Duration) time.Duration {
	if v := r.URL.Query().Get("window"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 && hours <= 24*30 {
			return time.Duration(hours) * time.Hour
		}
	}
	return def
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	RiskScore   int    `json:"riskScore"`
	Severity    int    `json:"severity"`
	Pattern     string `json:"pattern,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule creates a new rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.RiskScore < 0 || req.RiskScore > domain.MaxRiskScore {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "riskScore must be between 0 and 10",
		})
		return
	}
	if req.Severity < 0 || req.Severity > domain.MaxSeverity {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "severity must be between 0 and 5",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		RiskScore:   req.RiskScore,
		Severity:    req.Severity,
		Pattern:     req.Pattern,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression by attempting to load
	if err := h.engine.LoadRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
