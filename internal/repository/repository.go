// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelsec/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// UpsertIdentity stores an identity, keyed by device signal hash. A
// resubmission from the same device refreshes the signals and activity
// timestamp on the existing row instead of inserting a new one.
func (r *SQLRepository) UpsertIdentity(ctx context.Context, identity *domain.Identity) error {
	if identity.ID == "" || identity.DeviceSignalHash == "" {
		return fmt.Errorf("%w: identity id and device signal hash are required", ErrInvalidInput)
	}

	signals, _ := json.Marshal(identity.Signals)

	query := `
		INSERT INTO identities (
			id, device_signal_hash, signals,
			canvas_hash, webgl_hash, audio_hash,
			risk_score, ml_anomaly_score, confidence_score,
			created_at, updated_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_signal_hash) DO UPDATE SET
			signals = excluded.signals,
			canvas_hash = excluded.canvas_hash,
			webgl_hash = excluded.webgl_hash,
			audio_hash = excluded.audio_hash,
			updated_at = excluded.updated_at,
			last_activity_at = excluded.last_activity_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		identity.ID, identity.DeviceSignalHash, string(signals),
		identity.Signals.CanvasHash, identity.Signals.WebGLHash, identity.Signals.AudioHash,
		identity.RiskScore, identity.MLAnomalyScore, identity.ConfidenceScore,
		identity.CreatedAt, identity.UpdatedAt, identity.LastActivityAt,
	)
	return err
}

// GetIdentity retrieves an identity by ID.
func (r *SQLRepository) GetIdentity(ctx context.Context, id string) (*domain.Identity, error) {
	return r.getIdentity(ctx, "id", id)
}

// GetIdentityByHash retrieves an identity by device signal hash.
func (r *SQLRepository) GetIdentityByHash(ctx context.Context, deviceSignalHash string) (*domain.Identity, error) {
	return r.getIdentity(ctx, "device_signal_hash", deviceSignalHash)
}

func (r *SQLRepository) getIdentity(ctx context.Context, column, value string) (*domain.Identity, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: lookup value is required", ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		SELECT id, device_signal_hash, signals,
			   risk_score, ml_anomaly_score, confidence_score,
			   created_at, updated_at, last_activity_at
		FROM identities
		WHERE %s = ?
	`, column)

	var identity domain.Identity
	var signals string

	err := r.db.QueryRowContext(ctx, r.rebind(query), value).Scan(
		&identity.ID, &identity.DeviceSignalHash, &signals,
		&identity.RiskScore, &identity.MLAnomalyScore, &identity.ConfidenceScore,
		&identity.CreatedAt, &identity.UpdatedAt, &identity.LastActivityAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if signals != "" {
		json.Unmarshal([]byte(signals), &identity.Signals)
	}

	return &identity, nil
}

// UpdateIdentityScores persists a refreshed risk profile in one statement.
func (r *SQLRepository) UpdateIdentityScores(ctx context.Context, id string, riskScore int, mlScore, confidence float64) error {
	if id == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}

	query := `
		UPDATE identities
		SET risk_score = ?, ml_anomaly_score = ?, confidence_score = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		riskScore, mlScore, confidence, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// CountSiblingsByHash counts other identities sharing the same composite
// device signal hash.
func (r *SQLRepository) CountSiblingsByHash(ctx context.Context, identityID, deviceSignalHash string) (int, error) {
	if deviceSignalHash == "" {
		return 0, nil
	}

	query := `
		SELECT COUNT(*) FROM identities
		WHERE device_signal_hash = ? AND id != ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), deviceSignalHash, identityID).Scan(&count)
	return count, err
}

// CountSiblingsBySubSignature counts other identities sharing at least one
// non-empty sub-fingerprint with this one.
func (r *SQLRepository) CountSiblingsBySubSignature(ctx context.Context, identityID, canvasHash, webglHash, audioHash string) (int, error) {
	query := `
		SELECT COUNT(*) FROM identities
		WHERE id != ?
		  AND (
		       (canvas_hash != '' AND canvas_hash = ?)
		    OR (webgl_hash != '' AND webgl_hash = ?)
		    OR (audio_hash != '' AND audio_hash = ?)
		  )
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), identityID, canvasHash, webglHash, audioHash).Scan(&count)
	return count, err
}

// SaveAction stores a tracked action.
func (r *SQLRepository) SaveAction(ctx context.Context, action *domain.TrackedAction) error {
	if action.ID == "" || action.IdentityID == "" {
		return fmt.Errorf("%w: action id and identity id are required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(action.Metadata)

	query := `
		INSERT INTO tracked_actions (id, identity_id, type, referrer, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		action.ID, action.IdentityID, string(action.Type),
		action.Referrer, string(metadata), action.CreatedAt,
	)
	return err
}

// GetActionsSince retrieves an identity's actions of one type inside a
// trailing window, oldest first.
func (r *SQLRepository) GetActionsSince(ctx context.Context, identityID string, actionType domain.ActionType, since time.Time) ([]*domain.TrackedAction, error) {
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, identity_id, type, referrer, metadata, created_at
		FROM tracked_actions
		WHERE identity_id = ? AND type = ? AND created_at >= ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), identityID, string(actionType), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*domain.TrackedAction
	for rows.Next() {
		var action domain.TrackedAction
		var metadata string

		if err := rows.Scan(
			&action.ID, &action.IdentityID, &action.Type,
			&action.Referrer, &metadata, &action.CreatedAt,
		); err != nil {
			return nil, err
		}

		if metadata != "" && metadata != "null" {
			json.Unmarshal([]byte(metadata), &action.Metadata)
		}

		actions = append(actions, &action)
	}

	return actions, rows.Err()
}

// SaveRiskEvent stores a risk event.
func (r *SQLRepository) SaveRiskEvent(ctx context.Context, event *domain.RiskEvent) error {
	if event.ID == "" || event.IdentityID == "" {
		return fmt.Errorf("%w: event id and identity id are required", ErrInvalidInput)
	}

	patterns, _ := json.Marshal(event.Patterns)
	metadata, _ := json.Marshal(event.Metadata)

	query := `
		INSERT INTO risk_events (
			id, identity_id, risk_type, severity, confidence,
			description, patterns, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.IdentityID, event.RiskType, event.Severity, event.Confidence,
		event.Description, string(patterns), string(metadata), event.CreatedAt,
	)
	return err
}

// GetRiskEvents retrieves an identity's risk events, newest first.
func (r *SQLRepository) GetRiskEvents(ctx context.Context, identityID string, limit int) ([]*domain.RiskEvent, error) {
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, identity_id, risk_type, severity, confidence,
			   description, patterns, metadata, created_at
		FROM risk_events
		WHERE identity_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.RiskEvent
	for rows.Next() {
		var event domain.RiskEvent
		var patterns, metadata string

		if err := rows.Scan(
			&event.ID, &event.IdentityID, &event.RiskType, &event.Severity, &event.Confidence,
			&event.Description, &patterns, &metadata, &event.CreatedAt,
		); err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(patterns), &event.Patterns)
		if metadata != "" && metadata != "null" {
			json.Unmarshal([]byte(metadata), &event.Metadata)
		}

		events = append(events, &event)
	}

	return events, rows.Err()
}

// GetRateLimitWindow retrieves the window counter for one (identity,
// action type) pair. Returns nil, nil when no window exists yet.
func (r *SQLRepository) GetRateLimitWindow(ctx context.Context, identityID string, actionType domain.ActionType) (*domain.RateLimitWindow, error) {
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}

	query := `
		SELECT identity_id, action_type, attempts, window_start
		FROM rate_limit_windows
		WHERE identity_id = ? AND action_type = ?
	`

	var window domain.RateLimitWindow
	err := r.db.QueryRowContext(ctx, r.rebind(query), identityID, string(actionType)).Scan(
		&window.IdentityID, &window.ActionType, &window.Attempts, &window.WindowStart,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &window, nil
}

// UpsertRateLimitWindow stores the window counter for one (identity,
// action type) pair.
func (r *SQLRepository) UpsertRateLimitWindow(ctx context.Context, window *domain.RateLimitWindow) error {
	if window.IdentityID == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO rate_limit_windows (identity_id, action_type, attempts, window_start)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity_id, action_type) DO UPDATE SET
			attempts = excluded.attempts,
			window_start = excluded.window_start
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		window.IdentityID, string(window.ActionType), window.Attempts, window.WindowStart,
	)
	return err
}

// IncrementRateLimitWindow bumps the attempt count by one, but only while
// the window is still active and under maxAttempts. The guard runs inside
// the UPDATE itself, so two concurrent callers can never both consume the
// final attempt. Returns false when no row matched: missing window, elapsed
// window, or quota already reached.
func (r *SQLRepository) IncrementRateLimitWindow(ctx context.Context, identityID string, actionType domain.ActionType, maxAttempts int, activeSince time.Time) (bool, error) {
	if identityID == "" {
		return false, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}

	query := `
		UPDATE rate_limit_windows
		SET attempts = attempts + 1
		WHERE identity_id = ? AND action_type = ?
		  AND attempts < ? AND window_start > ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		identityID, string(actionType), maxAttempts, activeSince,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// InsertRateLimitWindow creates a fresh window with its first attempt
// already consumed. Returns false when another caller created the row
// first.
func (r *SQLRepository) InsertRateLimitWindow(ctx context.Context, identityID string, actionType domain.ActionType, windowStart time.Time) (bool, error) {
	if identityID == "" {
		return false, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO rate_limit_windows (identity_id, action_type, attempts, window_start)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(identity_id, action_type) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		identityID, string(actionType), windowStart,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ResetRateLimitWindow restarts an elapsed window with its first attempt
// already consumed. The staleBefore guard makes the reset conditional:
// once any caller restarts the window its start moves past the cutoff and
// every other reset matches zero rows, so a restart can never clobber
// attempts counted in the new window. Returns false when the window is no
// longer stale.
func (r *SQLRepository) ResetRateLimitWindow(ctx context.Context, identityID string, actionType domain.ActionType, windowStart, staleBefore time.Time) (bool, error) {
	if identityID == "" {
		return false, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}

	query := `
		UPDATE rate_limit_windows
		SET attempts = 1, window_start = ?
		WHERE identity_id = ? AND action_type = ? AND window_start <= ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		windowStart, identityID, string(actionType), staleBefore,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SaveRuleConfig stores a custom rule configuration.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, expression, risk_score, severity,
			pattern, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			risk_score = excluded.risk_score,
			severity = excluded.severity,
			pattern = excluded.pattern,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		rule.RiskScore, rule.Severity, rule.Pattern, rule.Reason,
		enabled, now, now,
	)
	return err
}

// ListRuleConfigs retrieves all rule configurations.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, expression, risk_score, severity,
			   pattern, reason, enabled
		FROM rule_configs
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &cfg.Description, &cfg.Expression,
			&cfg.RiskScore, &cfg.Severity, &cfg.Pattern, &cfg.Reason,
			&enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// DashboardStats computes windowed counts for the operator dashboard.
func (r *SQLRepository) DashboardStats(ctx context.Context, since time.Time) (*domain.DashboardStats, error) {
	stats := &domain.DashboardStats{
		ByRiskTier:  make(map[string]int64),
		WindowStart: since,
	}

	countQuery := `
		SELECT
			(SELECT COUNT(*) FROM identities WHERE last_activity_at >= ?),
			(SELECT COUNT(*) FROM tracked_actions WHERE created_at >= ?),
			(SELECT COUNT(*) FROM risk_events WHERE created_at >= ?)
	`
	err := r.db.QueryRowContext(ctx, r.rebind(countQuery), since, since, since).Scan(
		&stats.Identities, &stats.Actions, &stats.RiskEvents,
	)
	if err != nil {
		return nil, err
	}

	tierQuery := `
		SELECT
			CASE
				WHEN risk_score >= 7 THEN 'high'
				WHEN risk_score >= 4 THEN 'medium'
				ELSE 'low'
			END AS tier,
			COUNT(*)
		FROM identities
		WHERE last_activity_at >= ?
		GROUP BY tier
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(tierQuery), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var tier string
		var count int64
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		stats.ByRiskTier[tier] = count
	}

	return stats, rows.Err()
}

// PatternFrequency ranks fraud patterns by how often they led the risk
// events in the window.
func (r *SQLRepository) PatternFrequency(ctx context.Context, since time.Time) ([]domain.PatternStat, error) {
	query := `
		SELECT risk_type, COUNT(*), AVG(severity)
		FROM risk_events
		WHERE created_at >= ?
		GROUP BY risk_type
		ORDER BY COUNT(*) DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.PatternStat
	for rows.Next() {
		var stat domain.PatternStat
		if err := rows.Scan(&stat.Pattern, &stat.Count, &stat.AvgSeverity); err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}

	return stats, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
