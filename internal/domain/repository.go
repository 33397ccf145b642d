package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Identity operations. UpsertIdentity is keyed by deviceSignalHash:
	// a resubmission of the same device's signals updates the existing row.
	UpsertIdentity(ctx context.Context, identity *Identity) error
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	GetIdentityByHash(ctx context.Context, deviceSignalHash string) (*Identity, error)

	// UpdateIdentityScores persists a refreshed risk score atomically.
	UpdateIdentityScores(ctx context.Context, id string, riskScore int, mlScore, confidence float64) error

	// Sibling lookups for the multi-identity reuse detector. Both exclude
	// the identity itself.
	CountSiblingsByHash(ctx context.Context, identityID, deviceSignalHash string) (int, error)
	CountSiblingsBySubSignature(ctx context.Context, identityID, canvasHash, webglHash, audioHash string) (int, error)

	// Tracked actions. Actions are immutable once saved.
	SaveAction(ctx context.Context, action *TrackedAction) error
	GetActionsSince(ctx context.Context, identityID string, actionType ActionType, since time.Time) ([]*TrackedAction, error)

	// Risk events. Events are immutable once saved.
	SaveRiskEvent(ctx context.Context, event *RiskEvent) error
	GetRiskEvents(ctx context.Context, identityID string, limit int) ([]*RiskEvent, error)

	// Rate limit windows, one row per (identityID, actionType). Consuming
	// an attempt is a three-way race between concurrent callers: bump an
	// active window, create a missing one, or restart an elapsed one. Each
	// of the conditional operations reports whether it won, so the limiter
	// can retry on a lost race instead of overwriting another caller's
	// count.
	GetRateLimitWindow(ctx context.Context, identityID string, actionType ActionType) (*RateLimitWindow, error)
	UpsertRateLimitWindow(ctx context.Context, window *RateLimitWindow) error
	IncrementRateLimitWindow(ctx context.Context, identityID string, actionType ActionType, maxAttempts int, activeSince time.Time) (bool, error)
	InsertRateLimitWindow(ctx context.Context, identityID string, actionType ActionType, windowStart time.Time) (bool, error)
	ResetRateLimitWindow(ctx context.Context, identityID string, actionType ActionType, windowStart, staleBefore time.Time) (bool, error)

	// Custom rule configurations.
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Dashboard aggregates (read-only, derived).
	DashboardStats(ctx context.Context, since time.Time) (*DashboardStats, error)
	PatternFrequency(ctx context.Context, since time.Time) ([]PatternStat, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// DashboardStats holds windowed counts for the operator dashboard.
type DashboardStats struct {
	Identities  int64            `json:"identities"`
	Actions     int64            `json:"actions"`
	RiskEvents  int64            `json:"riskEvents"`
	ByRiskTier  map[string]int64 `json:"byRiskTier"`
	WindowStart time.Time        `json:"windowStart"`
}

// PatternStat is the frequency and average severity of one fraud pattern.
type PatternStat struct {
	Pattern     string  `json:"pattern"`
	Count       int64   `json:"count"`
	AvgSeverity float64 `json:"avgSeverity"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
