// ABOUTME: Idempotency primitives: processed_events, published_events, quarantine
// ABOUTME: RecordProcessed is the single gate that makes the inbound pipeline idempotent

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordProcessed records that an event has been handled for the given
// account (empty account = global scope). It reports true when the event is
// fresh and false when this (event_id, account) pair was already recorded,
// in which case the write is a no-op. Call inside WithTx together with any
// downstream state change.
func (q *queries) RecordProcessed(ctx context.Context, ev ProcessedEvent) (fresh bool, err error) {
	account := sql.NullString{String: ev.Account, Valid: ev.Account != ""}
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (event_id, account_pubkey, kind, author, event_created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, account, ev.Kind, ev.Author, ev.EventCreatedMs)
	if err != nil {
		return false, fmt.Errorf("recording processed event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording processed event: %w", err)
	}
	return n > 0, nil
}

// RecordPublished marks an event the given account emitted. Reports true
// when fresh, false when the (event_id, account) pair already exists.
func (q *queries) RecordPublished(ctx context.Context, ev PublishedEvent) (fresh bool, err error) {
	if ev.CreatedAtMs == 0 {
		ev.CreatedAtMs = time.Now().UnixMilli()
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO published_events (event_id, account_pubkey, kind, created_at_ms) VALUES (?, ?, ?, ?)`,
		ev.EventID, ev.Account, ev.Kind, ev.CreatedAtMs)
	if err != nil {
		return false, fmt.Errorf("recording published event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording published event: %w", err)
	}
	return n > 0, nil
}

// IsPublished reports whether the account emitted the event itself. Used to
// break echo loops when a client subscribes to its own publications.
func (q *queries) IsPublished(ctx context.Context, eventID, account string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx,
		`SELECT 1 FROM published_events WHERE event_id = ? AND account_pubkey = ?`, eventID, account).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking published event: %w", err)
	}
	return true, nil
}

// LatestProcessedMs returns the newest event_created_at_ms among processed
// events of the given kind for the account. Used by the fetcher to bound
// backfill windows. Returns 0 when nothing has been processed.
func (q *queries) LatestProcessedMs(ctx context.Context, kind int, account string) (int64, error) {
	var latest sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT MAX(event_created_at_ms) FROM processed_events WHERE kind = ? AND (account_pubkey = ? OR (account_pubkey IS NULL AND ? = ''))`,
		kind, account, account).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("reading latest processed timestamp: %w", err)
	}
	if !latest.Valid {
		return 0, nil
	}
	return latest.Int64, nil
}

// Quarantine records a protocol-invalid event keyed by event_id so the same
// bad input is not reprocessed. Duplicate quarantines are no-ops.
func (q *queries) Quarantine(ctx context.Context, entry QuarantineEntry) error {
	if entry.CreatedAtMs == 0 {
		entry.CreatedAtMs = time.Now().UnixMilli()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO quarantine (event_id, account_pubkey, reason, detail, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		entry.EventID, entry.AccountPubkey, entry.Reason, entry.Detail, entry.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("recording quarantine entry: %w", err)
	}
	return nil
}

// IsQuarantined reports whether the event has a quarantine entry for the
// account.
func (q *queries) IsQuarantined(ctx context.Context, eventID, account string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx,
		`SELECT 1 FROM quarantine WHERE event_id = ? AND account_pubkey = ?`, eventID, account).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking quarantine: %w", err)
	}
	return true, nil
}

// QuarantineEntries lists quarantine rows for an account, newest first.
func (q *queries) QuarantineEntries(ctx context.Context, account string, limit int) ([]QuarantineEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT event_id, account_pubkey, reason, detail, created_at_ms FROM quarantine WHERE account_pubkey = ? ORDER BY created_at_ms DESC LIMIT ?`,
		account, limit)
	if err != nil {
		return nil, fmt.Errorf("listing quarantine entries: %w", err)
	}
	defer rows.Close()

	var out []QuarantineEntry
	for rows.Next() {
		var e QuarantineEntry
		if err := rows.Scan(&e.EventID, &e.AccountPubkey, &e.Reason, &e.Detail, &e.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
