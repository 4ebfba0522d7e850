package store

import (
	"context"
	"fmt"
)

// schema is portable between PostgreSQL and SQLite
var schema = []string{
	`CREATE TABLE IF NOT EXISTS dlp_rules (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		pattern TEXT NOT NULL,
		pattern_type TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'custom',
		severity TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlp_rules_org_active
		ON dlp_rules (organization_id, is_active, sort_order)`,
	`CREATE TABLE IF NOT EXISTS organization_settings (
		organization_id TEXT PRIMARY KEY,
		entropy_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		entropy_threshold DOUBLE PRECISION NOT NULL DEFAULT 4.0,
		entropy_min_length INTEGER NOT NULL DEFAULT 16,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scan_audit_log (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,
		passed BOOLEAN NOT NULL,
		degraded BOOLEAN NOT NULL DEFAULT FALSE,
		violation_count INTEGER NOT NULL DEFAULT 0,
		entropy_count INTEGER NOT NULL DEFAULT 0,
		content_sha256 TEXT NOT NULL,
		content_length INTEGER NOT NULL DEFAULT 0,
		findings TEXT NOT NULL DEFAULT '[]',
		duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_audit_log_org_created
		ON scan_audit_log (organization_id, created_at)`,
}

// Migrate creates the tables and indexes if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}

	s.logger.Info("Database schema is up to date")
	return nil
}
