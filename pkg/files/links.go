package files

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LinkStore handles tokenized external share links.
type LinkStore struct {
	db *sql.DB
}

// NewLinkStore creates a link store.
func NewLinkStore(db *sql.DB) *LinkStore {
	return &LinkStore{db: db}
}

// Create mints a link with a random token.
func (s *LinkStore) Create(ctx context.Context, nodeID, createdBy int64, expiresAt *time.Time, now time.Time) (*ShareLink, error) {
	link := &ShareLink{
		NodeID:    nodeID,
		Token:     uuid.NewString(),
		CreatedBy: createdBy,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO share_links (node_id, token, created_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		link.NodeID, link.Token, link.CreatedBy,
		nullableTime(link.ExpiresAt), link.CreatedAt,
	).Scan(&link.ID)
	if err != nil {
		return nil, fmt.Errorf("insert share link: %w", err)
	}
	return link, nil
}

// ByToken finds a link by its token. Returns nil, nil when absent;
// expiry is the caller's concern so an expired link still resolves.
func (s *LinkStore) ByToken(ctx context.Context, token string) (*ShareLink, error) {
	var link ShareLink
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, token, created_by, expires_at, created_at
		FROM share_links WHERE token = $1`, token,
	).Scan(&link.ID, &link.NodeID, &link.Token, &link.CreatedBy, &expires, &link.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select share link: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		link.ExpiresAt = &t
	}
	return &link, nil
}

// ByNode lists the links on a node.
func (s *LinkStore) ByNode(ctx context.Context, nodeID int64) ([]ShareLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, token, created_by, expires_at, created_at
		FROM share_links WHERE node_id = $1 ORDER BY id ASC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list links of node %d: %w", nodeID, err)
	}
	defer rows.Close()

	var links []ShareLink
	for rows.Next() {
		var link ShareLink
		var expires sql.NullTime
		err := rows.Scan(&link.ID, &link.NodeID, &link.Token,
			&link.CreatedBy, &expires, &link.CreatedAt)
		if err != nil {
			return nil, err
		}
		if expires.Valid {
			t := expires.Time
			link.ExpiresAt = &t
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// Delete removes a link by id. Reports whether it existed.
func (s *LinkStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM share_links WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete share link %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteExpired drops links past their expiry. Returns the number
// removed; called by the janitor.
func (s *LinkStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM share_links WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired links: %w", err)
	}
	return res.RowsAffected()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
