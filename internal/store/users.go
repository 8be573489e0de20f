// ABOUTME: Persistence for users, relays, user-relay associations, and follows
// ABOUTME: Metadata writes are guarded by event_created_at so stale kind-0 events never overwrite newer state

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/parres-hq/whitenoise/internal/relay"
)

// UpsertUser inserts or updates a user's kind-0 metadata. The write is
// skipped when the stored event_created_at is newer or equal, so replayed
// stale metadata never wins. Reports whether the write was applied.
func (q *queries) UpsertUser(ctx context.Context, u User) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO users (pubkey, metadata, event_created_at) VALUES (?, ?, ?)
		ON CONFLICT (pubkey) DO UPDATE SET metadata = excluded.metadata, event_created_at = excluded.event_created_at
		WHERE excluded.event_created_at > users.event_created_at`,
		u.Pubkey, string(u.Metadata), u.EventCreatedAt)
	if err != nil {
		return false, fmt.Errorf("upserting user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetUser returns a user by pubkey, or ErrNotFound.
func (q *queries) GetUser(ctx context.Context, pubkey string) (*User, error) {
	var u User
	var metadata sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT pubkey, metadata, event_created_at FROM users WHERE pubkey = ?`, pubkey).
		Scan(&u.Pubkey, &metadata, &u.EventCreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	if metadata.Valid {
		u.Metadata = json.RawMessage(metadata.String)
	}
	return &u, nil
}

// EnsureRelay returns the id of the relay row for url, creating it if
// needed. The URL is canonicalized first; textual variants share one row.
func (q *queries) EnsureRelay(ctx context.Context, url string) (string, error) {
	canonical, err := relay.Canonicalize(url)
	if err != nil {
		return "", err
	}

	var id string
	err = q.db.QueryRowContext(ctx, `SELECT id FROM relays WHERE url = ?`, canonical).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("looking up relay: %w", err)
	}

	id = uuid.New().String()
	if _, err := q.db.ExecContext(ctx, `INSERT OR IGNORE INTO relays (id, url) VALUES (?, ?)`, id, canonical); err != nil {
		return "", fmt.Errorf("inserting relay: %w", err)
	}
	// A concurrent insert may have won; read back the surviving row.
	if err := q.db.QueryRowContext(ctx, `SELECT id FROM relays WHERE url = ?`, canonical).Scan(&id); err != nil {
		return "", fmt.Errorf("reading back relay: %w", err)
	}
	return id, nil
}

// SetUserRelays replaces the relay associations for (user, purpose) when
// eventCreatedAt is newer than every existing association of that purpose.
func (q *queries) SetUserRelays(ctx context.Context, userPubkey string, purpose string, urls []string, eventCreatedAt int64) error {
	var newest sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT MAX(event_created_at) FROM user_relays WHERE user_pubkey = ? AND purpose = ?`,
		userPubkey, purpose).Scan(&newest)
	if err != nil {
		return fmt.Errorf("reading user relay freshness: %w", err)
	}
	if newest.Valid && eventCreatedAt <= newest.Int64 {
		return nil
	}

	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM user_relays WHERE user_pubkey = ? AND purpose = ?`, userPubkey, purpose); err != nil {
		return fmt.Errorf("clearing user relays: %w", err)
	}
	for _, url := range urls {
		relayID, err := q.EnsureRelay(ctx, url)
		if err != nil {
			continue
		}
		if _, err := q.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_relays (user_pubkey, relay_id, purpose, event_created_at) VALUES (?, ?, ?, ?)`,
			userPubkey, relayID, purpose, eventCreatedAt); err != nil {
			return fmt.Errorf("inserting user relay: %w", err)
		}
	}
	return nil
}

// UserRelays returns the relay associations for a user, optionally filtered
// by purpose (empty purpose = all).
func (q *queries) UserRelays(ctx context.Context, userPubkey, purpose string) ([]UserRelay, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT ur.user_pubkey, ur.relay_id, r.url, ur.purpose, ur.event_created_at
		FROM user_relays ur JOIN relays r ON r.id = ur.relay_id
		WHERE ur.user_pubkey = ? AND (? = '' OR ur.purpose = ?)`,
		userPubkey, purpose, purpose)
	if err != nil {
		return nil, fmt.Errorf("listing user relays: %w", err)
	}
	defer rows.Close()

	var out []UserRelay
	for rows.Next() {
		var ur UserRelay
		if err := rows.Scan(&ur.UserPubkey, &ur.RelayID, &ur.URL, &ur.Purpose, &ur.EventCreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ur)
	}
	return out, rows.Err()
}

// SetFollows replaces the follow list for an account when eventCreatedAt is
// newer than the stored list.
func (q *queries) SetFollows(ctx context.Context, account string, followed []string, eventCreatedAt int64) error {
	var newest sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT MAX(event_created_at) FROM follows WHERE account_pubkey = ?`, account).Scan(&newest)
	if err != nil {
		return fmt.Errorf("reading follow freshness: %w", err)
	}
	if newest.Valid && eventCreatedAt <= newest.Int64 {
		return nil
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM follows WHERE account_pubkey = ?`, account); err != nil {
		return fmt.Errorf("clearing follows: %w", err)
	}
	for _, pk := range followed {
		if _, err := q.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO follows (account_pubkey, followed_pubkey, event_created_at) VALUES (?, ?, ?)`,
			account, pk, eventCreatedAt); err != nil {
			return fmt.Errorf("inserting follow: %w", err)
		}
	}
	return nil
}

// Follows returns the followed pubkeys for an account.
func (q *queries) Follows(ctx context.Context, account string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT followed_pubkey FROM follows WHERE account_pubkey = ? ORDER BY followed_pubkey`, account)
	if err != nil {
		return nil, fmt.Errorf("listing follows: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}
