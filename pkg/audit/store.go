package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SearchFilter narrows an audit query. Zero values mean "no filter".
type SearchFilter struct {
	ActorUserID *int64
	Action      string
	EntityType  string
	EntityID    string
	Severity    Severity
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

const defaultSearchLimit = 100

// Store reads the audit chain: search, export, verification, cleanup.
type Store struct {
	db *sql.DB
}

// NewStore creates a read-side audit store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Search returns matching events in ascending id order.
func (s *Store) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	var conditions []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.ActorUserID != nil {
		add("actor_user_id = $%d", *filter.ActorUserID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Since != nil {
		add("ts >= $%d", CanonicalTimestamp(*filter.Since))
	}
	if filter.Until != nil {
		add("ts < $%d", CanonicalTimestamp(*filter.Until))
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Get retrieves a single event by id. Returns nil, nil when absent.
func (s *Store) Get(ctx context.Context, id int64) (*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get audit event %d: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEvent(rows)
}

// Count reports the chain length.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

// VerifyResult is the outcome of a chain verification pass.
type VerifyResult struct {
	Checked int64 `json:"checked"`
	Valid   bool  `json:"valid"`
	// BrokenAt is the id of the first event whose hash or linkage fails,
	// zero when the chain is intact.
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify replays the whole chain and recomputes every hash.
//
// The first remaining event anchors on its own stored prev_hash rather
// than the genesis hash, so verification stays valid after retention
// pruned the oldest events.
func (s *Store) Verify(ctx context.Context) (*VerifyResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load audit chain: %w", err)
	}
	defer rows.Close()

	result := &VerifyResult{Valid: true}
	prevHash := ""
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if result.Checked > 0 && event.PrevHash != prevHash {
			return &VerifyResult{
				Checked:  result.Checked + 1,
				BrokenAt: event.ID,
				Reason:   "prev_hash does not match preceding event",
			}, nil
		}
		expected, err := event.Hash(event.PrevHash)
		if err != nil {
			return nil, err
		}
		if expected != event.EventHash {
			return &VerifyResult{
				Checked:  result.Checked + 1,
				BrokenAt: event.ID,
				Reason:   "event_hash does not match recomputed hash",
			}, nil
		}
		prevHash = event.EventHash
		result.Checked++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Cleanup deletes events older than the retention window and returns
// the number removed. The chain stays verifiable because Verify anchors
// on the oldest surviving event.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE ts < $1`, CanonicalTimestamp(olderThan))
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
