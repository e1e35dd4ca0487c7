package files

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/canopyworks/canopy/pkg/rbac"
)

// ShareStore handles internal share grants. It implements the access
// engine's GrantSource.
type ShareStore struct {
	db *sql.DB
}

// NewShareStore creates a share store.
func NewShareStore(db *sql.DB) *ShareStore {
	return &ShareStore{db: db}
}

// Grant implements rbac.GrantSource.
func (s *ShareStore) Grant(ctx context.Context, resourceID, userID int64) (rbac.ShareLevel, bool, error) {
	var level string
	err := s.db.QueryRowContext(ctx,
		`SELECT level FROM internal_shares WHERE node_id = $1 AND grantee_id = $2`,
		resourceID, userID,
	).Scan(&level)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select grant: %w", err)
	}
	return rbac.ShareLevel(level), true, nil
}

// Upsert creates or updates the grant for a node and grantee. At most
// one grant exists per pair; re-sharing adjusts the level in place and
// bumps the touch time, so the grant resurfaces in shared-with-me.
func (s *ShareStore) Upsert(ctx context.Context, share *InternalShare) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE internal_shares SET level = $1, updated_at = $2
		WHERE node_id = $3 AND grantee_id = $4`,
		string(share.Level), share.UpdatedAt, share.NodeID, share.GranteeID)
	if err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return s.load(ctx, share)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO internal_shares (node_id, owner_id, grantee_id, level, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		share.NodeID, share.OwnerID, share.GranteeID,
		string(share.Level), share.CreatedAt, share.UpdatedAt,
	).Scan(&share.ID)
	if err != nil {
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

func (s *ShareStore) load(ctx context.Context, share *InternalShare) error {
	return s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, created_at FROM internal_shares
		WHERE node_id = $1 AND grantee_id = $2`,
		share.NodeID, share.GranteeID,
	).Scan(&share.ID, &share.OwnerID, &share.CreatedAt)
}

// Delete removes the grant for a node and grantee. Reports whether a
// grant existed.
func (s *ShareStore) Delete(ctx context.Context, nodeID, granteeID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM internal_shares WHERE node_id = $1 AND grantee_id = $2`,
		nodeID, granteeID)
	if err != nil {
		return false, fmt.Errorf("delete share: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ByNode lists the grants on a node.
func (s *ShareStore) ByNode(ctx context.Context, nodeID int64) ([]InternalShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, owner_id, grantee_id, level, created_at, updated_at
		FROM internal_shares WHERE node_id = $1 ORDER BY id ASC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list shares of node %d: %w", nodeID, err)
	}
	defer rows.Close()
	return scanShares(rows)
}

// SharedWith lists the nodes directly shared with the user, with the
// granted level, most recently touched grant first. Subtree visibility
// through folder grants resolves at browse time via the access engine.
func (s *ShareStore) SharedWith(ctx context.Context, userID int64) ([]SharedNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.`+nodeColumnsQualified+`, sh.level
		FROM internal_shares sh
		JOIN nodes n ON n.id = sh.node_id
		WHERE sh.grantee_id = $1
		ORDER BY sh.updated_at DESC, sh.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list shared with user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []SharedNode
	for rows.Next() {
		var item SharedNode
		var parent sql.NullInt64
		var mime sql.NullString
		var level string
		err := rows.Scan(&item.Node.ID, &item.Node.OwnerID, &parent,
			&item.Node.Name, &item.Node.IsDir, &item.Node.SizeBytes, &mime,
			&item.Node.CreatedAt, &item.Node.UpdatedAt, &level)
		if err != nil {
			return nil, err
		}
		if parent.Valid {
			id := parent.Int64
			item.Node.ParentID = &id
		}
		item.Node.MimeType = mime.String
		item.Level = rbac.ShareLevel(level)
		out = append(out, item)
	}
	return out, rows.Err()
}

const nodeColumnsQualified = `id, n.owner_id, n.parent_id, n.name, n.is_dir, n.size_bytes, n.mime_type, n.created_at, n.updated_at`

func scanShares(rows *sql.Rows) ([]InternalShare, error) {
	var shares []InternalShare
	for rows.Next() {
		var share InternalShare
		var level string
		var created, updated time.Time
		err := rows.Scan(&share.ID, &share.NodeID, &share.OwnerID,
			&share.GranteeID, &level, &created, &updated)
		if err != nil {
			return nil, err
		}
		share.Level = rbac.ShareLevel(level)
		share.CreatedAt = created
		share.UpdatedAt = updated
		shares = append(shares, share)
	}
	return shares, rows.Err()
}
