package repository

// Schema definitions for Kestrel flag persistence.
// Compatible with both SQLite and PostgreSQL.

// expires_at is unix milliseconds so expiry filters compare numerically on
// both drivers. NULL never expires.
const schemaFlags = `
CREATE TABLE IF NOT EXISTS flags (
    flag_id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    action TEXT NOT NULL,
    risk_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    triggered_detectors TEXT NOT NULL,
    reasons TEXT NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    expires_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_flags_entity ON flags(entity_id);
CREATE INDEX IF NOT EXISTS idx_flags_action ON flags(action);
CREATE INDEX IF NOT EXISTS idx_flags_expires ON flags(expires_at);
`

// schemaActiveBlocks holds the single current blocking flag per entity.
const schemaActiveBlocks = `
CREATE TABLE IF NOT EXISTS active_blocks (
    entity_id TEXT PRIMARY KEY,
    flag_id TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFlags,
		schemaActiveBlocks,
	}
}
