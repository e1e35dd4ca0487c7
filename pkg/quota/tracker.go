// Package quota enforces per-user storage budgets and monthly transfer
// accounting. Storage checks reject oversized writes up front rather
// than truncating them partway.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/observability"
)

// DB is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// storage accounting can join the caller's transaction.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tracker maintains the storage and bandwidth counters.
type Tracker struct {
	db      *sql.DB
	metrics *observability.Metrics
	// monthlyBandwidthLimit in bytes per user per calendar month,
	// zero meaning unlimited.
	monthlyBandwidthLimit int64
	now                   func() time.Time
}

// NewTracker creates a quota tracker. metrics may be nil.
func NewTracker(db *sql.DB, metrics *observability.Metrics, monthlyBandwidthLimit int64) *Tracker {
	return &Tracker{
		db:                    db,
		metrics:               metrics,
		monthlyBandwidthLimit: monthlyBandwidthLimit,
		now:                   time.Now,
	}
}

// ReserveStorage charges bytes against the user's storage budget inside
// the caller's transaction. A write that would exceed the limit is
// rejected whole: partial uploads that land anyway are worse than a
// clean refusal.
func (t *Tracker) ReserveStorage(ctx context.Context, db DB, userID, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("reserve negative bytes %d", bytes)
	}

	var limit, used int64
	err := db.QueryRowContext(ctx,
		`SELECT bytes_limit, bytes_used FROM users WHERE id = $1`, userID,
	).Scan(&limit, &used)
	if err != nil {
		return fmt.Errorf("load quota for user %d: %w", userID, err)
	}

	if used+bytes > limit {
		if t.metrics != nil {
			t.metrics.QuotaRejectionsTotal.WithLabelValues("storage").Inc()
		}
		return apierror.QuotaExceeded("Storage quota exceeded.").
			WithDetails(map[string]interface{}{
				"bytes_limit":     limit,
				"bytes_used":      used,
				"bytes_requested": bytes,
			})
	}

	_, err = db.ExecContext(ctx,
		`UPDATE users SET bytes_used = bytes_used + $1 WHERE id = $2`, bytes, userID)
	if err != nil {
		return fmt.Errorf("reserve %d bytes for user %d: %w", bytes, userID, err)
	}
	return nil
}

// ReleaseStorage returns bytes to the user's budget, clamping at zero
// so double releases cannot drive usage negative.
func (t *Tracker) ReleaseStorage(ctx context.Context, db DB, userID, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("release negative bytes %d", bytes)
	}
	_, err := db.ExecContext(ctx, `
		UPDATE users
		SET bytes_used = CASE WHEN bytes_used > $1 THEN bytes_used - $1 ELSE 0 END
		WHERE id = $2`, bytes, userID)
	if err != nil {
		return fmt.Errorf("release %d bytes for user %d: %w", bytes, userID, err)
	}
	return nil
}

// monthKey identifies a calendar month; counters reset implicitly when
// the key rolls over.
func (t *Tracker) monthKey() string {
	return t.now().UTC().Format("2006-01")
}

// RecordBandwidth charges transferred bytes against the user's monthly
// allowance. The month's counter is created lazily on first use.
func (t *Tracker) RecordBandwidth(ctx context.Context, userID, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	month := t.monthKey()

	res, err := t.db.ExecContext(ctx, `
		UPDATE bandwidth_usage SET bytes_used = bytes_used + $1
		WHERE user_id = $2 AND month = $3`, bytes, userID, month)
	if err != nil {
		return fmt.Errorf("record bandwidth for user %d: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = t.db.ExecContext(ctx, `
			INSERT INTO bandwidth_usage (user_id, month, bytes_used)
			VALUES ($1, $2, $3)`, userID, month, bytes)
		if err != nil {
			return fmt.Errorf("start bandwidth month for user %d: %w", userID, err)
		}
	}
	return nil
}

// CheckBandwidth rejects a transfer that would push the user past the
// monthly allowance. A zero limit disables the check.
func (t *Tracker) CheckBandwidth(ctx context.Context, userID, bytes int64) error {
	if t.monthlyBandwidthLimit <= 0 {
		return nil
	}

	used, err := t.MonthUsage(ctx, userID)
	if err != nil {
		return err
	}
	if used+bytes > t.monthlyBandwidthLimit {
		if t.metrics != nil {
			t.metrics.QuotaRejectionsTotal.WithLabelValues("bandwidth").Inc()
		}
		return apierror.QuotaExceeded("Monthly transfer quota exceeded.").
			WithDetails(map[string]interface{}{
				"bytes_limit": t.monthlyBandwidthLimit,
				"bytes_used":  used,
			})
	}
	return nil
}

// MonthUsage reports the bytes transferred in the current month. Prior
// months are simply never read again, which is the lazy reset.
func (t *Tracker) MonthUsage(ctx context.Context, userID int64) (int64, error) {
	var used int64
	err := t.db.QueryRowContext(ctx, `
		SELECT bytes_used FROM bandwidth_usage
		WHERE user_id = $1 AND month = $2`, userID, t.monthKey(),
	).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load bandwidth for user %d: %w", userID, err)
	}
	return used, nil
}

// Cleanup deletes counters for months before the current one. Returns
// the number of rows removed.
func (t *Tracker) Cleanup(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM bandwidth_usage WHERE month < $1`, t.monthKey())
	if err != nil {
		return 0, fmt.Errorf("bandwidth cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Migrate creates the bandwidth table if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bandwidth_usage (
			user_id BIGINT NOT NULL,
			month CHAR(7) NOT NULL,
			bytes_used BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, month)
		)`)
	if err != nil {
		return fmt.Errorf("quota migration: %w", err)
	}
	return nil
}
