package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/canopyworks/canopy/pkg/observability"
)

// Bus appends events to the hash chain. A single mutex serializes
// emission: the chain has exactly one head, so concurrent writers must
// line up behind it.
type Bus struct {
	mu      sync.Mutex
	db      *sql.DB
	log     *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewBus creates an audit bus over an open database handle. log and
// metrics may be nil in tests.
func NewBus(db *sql.DB, log *observability.Logger, metrics *observability.Metrics) *Bus {
	return &Bus{
		db:      db,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Emit appends an event to the chain.
//
// Emission never fails the calling operation: an audit write error is
// logged and counted, and the caller proceeds. Losing one audit record
// is recoverable; failing a user's request because the audit table
// hiccuped is not.
func (b *Bus) Emit(ctx context.Context, entry Entry) error {
	if err := b.append(ctx, entry); err != nil {
		if b.log != nil {
			b.log.WithError(err).WithField("action", entry.Action).Error("audit append failed")
		}
		if b.metrics != nil {
			b.metrics.AuditEmitFailuresTotal.Inc()
		}
	}
	return nil
}

func (b *Bus) append(ctx context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	event := Event{Timestamp: b.now().UTC(), Entry: entry}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	prevHash := GenesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`,
	).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load chain head: %w", err)
	}

	event.PrevHash = prevHash
	if event.EventHash, err = event.Hash(prevHash); err != nil {
		return err
	}

	metadataJSON, err := CanonicalJSON(metadataOrEmpty(event.Metadata))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events
			(ts, actor_user_id, actor_ip, user_agent, action, entity_type,
			 entity_id, metadata, severity, success, prev_hash, event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		CanonicalTimestamp(event.Timestamp), nullableID(event.ActorUserID),
		event.ActorIP, event.UserAgent, event.Action, event.EntityType,
		event.EntityID, string(metadataJSON), string(event.Severity),
		event.Success, event.PrevHash, event.EventHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit event: %w", err)
	}

	if b.metrics != nil {
		b.metrics.AuditEventsTotal.Inc()
		b.metrics.AuditChainLength.Inc()
	}
	return nil
}

func metadataOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

const eventColumns = `id, ts, actor_user_id, actor_ip, user_agent, action,
	entity_type, entity_id, metadata, severity, success, prev_hash, event_hash`

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		event    Event
		ts       string
		actor    sql.NullInt64
		metadata string
	)
	err := rows.Scan(&event.ID, &ts, &actor, &event.ActorIP, &event.UserAgent,
		&event.Action, &event.EntityType, &event.EntityID, &metadata,
		&event.Severity, &event.Success, &event.PrevHash, &event.EventHash)
	if err != nil {
		return nil, err
	}
	if event.Timestamp, err = ParseCanonicalTimestamp(ts); err != nil {
		return nil, err
	}
	if actor.Valid {
		id := actor.Int64
		event.ActorUserID = &id
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
			return nil, fmt.Errorf("decode event %d metadata: %w", event.ID, err)
		}
	}
	return &event, nil
}
