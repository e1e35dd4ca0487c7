package files

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the tree and sharing tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES users(id),
			parent_id BIGINT REFERENCES nodes(id),
			name VARCHAR(255) NOT NULL,
			is_dir BOOLEAN NOT NULL DEFAULT FALSE,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			mime_type VARCHAR(255),
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(owner_id)`,
		`CREATE TABLE IF NOT EXISTS internal_shares (
			id BIGSERIAL PRIMARY KEY,
			node_id BIGINT NOT NULL REFERENCES nodes(id),
			owner_id BIGINT NOT NULL REFERENCES users(id),
			grantee_id BIGINT NOT NULL REFERENCES users(id),
			level VARCHAR(16) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (node_id, grantee_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_internal_shares_grantee ON internal_shares(grantee_id)`,
		`CREATE TABLE IF NOT EXISTS share_links (
			id BIGSERIAL PRIMARY KEY,
			node_id BIGINT NOT NULL REFERENCES nodes(id),
			token VARCHAR(64) NOT NULL UNIQUE,
			created_by BIGINT NOT NULL REFERENCES users(id),
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("files migration: %w", err)
		}
	}
	return nil
}
