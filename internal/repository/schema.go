package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaIdentities = `
CREATE TABLE IF NOT EXISTS identities (
    id TEXT PRIMARY KEY,
    device_signal_hash TEXT NOT NULL UNIQUE,
    signals TEXT NOT NULL,
    canvas_hash TEXT NOT NULL DEFAULT '',
    webgl_hash TEXT NOT NULL DEFAULT '',
    audio_hash TEXT NOT NULL DEFAULT '',
    risk_score INTEGER NOT NULL DEFAULT 0,
    ml_anomaly_score REAL NOT NULL DEFAULT 0,
    confidence_score REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_identities_hash ON identities(device_signal_hash);
CREATE INDEX IF NOT EXISTS idx_identities_canvas ON identities(canvas_hash);
CREATE INDEX IF NOT EXISTS idx_identities_webgl ON identities(webgl_hash);
CREATE INDEX IF NOT EXISTS idx_identities_audio ON identities(audio_hash);
CREATE INDEX IF NOT EXISTS idx_identities_risk ON identities(risk_score);
`

const schemaTrackedActions = `
CREATE TABLE IF NOT EXISTS tracked_actions (
    id TEXT PRIMARY KEY,
    identity_id TEXT NOT NULL,
    type TEXT NOT NULL,
    referrer TEXT NOT NULL DEFAULT '',
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_identity ON tracked_actions(identity_id, type, created_at);
`

const schemaRiskEvents = `
CREATE TABLE IF NOT EXISTS risk_events (
    id TEXT PRIMARY KEY,
    identity_id TEXT NOT NULL,
    risk_type TEXT NOT NULL,
    severity INTEGER NOT NULL,
    confidence REAL NOT NULL,
    description TEXT NOT NULL,
    patterns TEXT NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_events_identity ON risk_events(identity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_risk_events_type ON risk_events(risk_type, created_at);
`

const schemaRateLimitWindows = `
CREATE TABLE IF NOT EXISTS rate_limit_windows (
    identity_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    window_start TIMESTAMP NOT NULL,
    PRIMARY KEY (identity_id, action_type)
);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    risk_score INTEGER NOT NULL DEFAULT 0,
    severity INTEGER NOT NULL DEFAULT 0,
    pattern TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaIdentities,
		schemaTrackedActions,
		schemaRiskEvents,
		schemaRateLimitWindows,
		schemaRuleConfigs,
	}
}
