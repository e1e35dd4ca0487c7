package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the audit_events table if it does not exist. The
// timestamp is stored as its canonical string so hash verification can
// reuse the exact bytes that were hashed.
func Migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			ts VARCHAR(32) NOT NULL,
			actor_user_id BIGINT,
			actor_ip VARCHAR(45) NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			action VARCHAR(100) NOT NULL,
			entity_type VARCHAR(50) NOT NULL DEFAULT '',
			entity_id VARCHAR(255) NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			severity VARCHAR(16) NOT NULL DEFAULT 'info',
			success BOOLEAN NOT NULL DEFAULT FALSE,
			prev_hash CHAR(64) NOT NULL,
			event_hash CHAR(64) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_severity ON audit_events(severity)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit migration: %w", err)
		}
	}
	return nil
}
