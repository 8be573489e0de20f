// ABOUTME: Persistence for accounts, group information, memberships, and key package records
// ABOUTME: Maintains the bijective MLS↔Nostr group-id map and the per-account confirmation lifecycle

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAccount inserts a new account row. Returns ErrDuplicateAccount when
// the pubkey already has one.
func (q *queries) CreateAccount(ctx context.Context, a Account) error {
	if a.CreatedAtMs == 0 {
		a.CreatedAtMs = time.Now().UnixMilli()
	}
	if len(a.Settings) == 0 {
		a.Settings = json.RawMessage("{}")
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (pubkey, settings, last_synced_at_ms, key_package_published, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		a.Pubkey, string(a.Settings), a.LastSyncedMs, a.KeyPackagePublished, a.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateAccount
	}
	return nil
}

// GetAccount returns an account by pubkey, or ErrNotFound.
func (q *queries) GetAccount(ctx context.Context, pubkey string) (*Account, error) {
	var a Account
	var settings string
	err := q.db.QueryRowContext(ctx,
		`SELECT pubkey, settings, last_synced_at_ms, key_package_published, created_at_ms FROM accounts WHERE pubkey = ?`,
		pubkey).Scan(&a.Pubkey, &settings, &a.LastSyncedMs, &a.KeyPackagePublished, &a.CreatedAtMs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	a.Settings = json.RawMessage(settings)
	return &a, nil
}

// ListAccounts returns all accounts, oldest first.
func (q *queries) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT pubkey, settings, last_synced_at_ms, key_package_published, created_at_ms FROM accounts ORDER BY created_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var settings string
		if err := rows.Scan(&a.Pubkey, &settings, &a.LastSyncedMs, &a.KeyPackagePublished, &a.CreatedAtMs); err != nil {
			return nil, err
		}
		a.Settings = json.RawMessage(settings)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccountSettings stores the settings blob for an account.
func (q *queries) UpdateAccountSettings(ctx context.Context, pubkey string, settings json.RawMessage) error {
	_, err := q.db.ExecContext(ctx, `UPDATE accounts SET settings = ? WHERE pubkey = ?`, string(settings), pubkey)
	if err != nil {
		return fmt.Errorf("updating account settings: %w", err)
	}
	return nil
}

// MarkAccountSynced stores the last-sync watermark for an account.
func (q *queries) MarkAccountSynced(ctx context.Context, pubkey string, syncedAtMs int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE accounts SET last_synced_at_ms = ? WHERE pubkey = ?`, syncedAtMs, pubkey)
	if err != nil {
		return fmt.Errorf("marking account synced: %w", err)
	}
	return nil
}

// MarkKeyPackagePublished flips the onboarding flag after the initial key
// package publish.
func (q *queries) MarkKeyPackagePublished(ctx context.Context, pubkey string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE accounts SET key_package_published = 1 WHERE pubkey = ?`, pubkey)
	if err != nil {
		return fmt.Errorf("marking key package published: %w", err)
	}
	return nil
}

// DeleteAccount removes an account row. Group history is retained.
func (q *queries) DeleteAccount(ctx context.Context, pubkey string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM accounts WHERE pubkey = ?`, pubkey)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return nil
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// UpsertGroup inserts or updates a group row. The (mls_group_id,
// nostr_group_id) pair is immutable once created; updates refresh the
// mutable attributes only.
func (q *queries) UpsertGroup(ctx context.Context, g GroupInfo) error {
	if g.State == "" {
		g.State = GroupStateActive
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO group_information (mls_group_id, nostr_group_id, name, description, group_type, admins, epoch, state, relays)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mls_group_id) DO UPDATE SET
			name = excluded.name, description = excluded.description, admins = excluded.admins,
			epoch = excluded.epoch, state = excluded.state, relays = excluded.relays`,
		g.MLSGroupID, g.NostrGroupID, g.Name, g.Description, g.GroupType,
		marshalStrings(g.Admins), g.Epoch, g.State, marshalStrings(g.Relays))
	if err != nil {
		return fmt.Errorf("upserting group: %w", err)
	}
	return nil
}

func (q *queries) scanGroup(row *sql.Row) (*GroupInfo, error) {
	var g GroupInfo
	var admins, relays string
	var lastID sql.NullString
	var lastAt sql.NullInt64
	err := row.Scan(&g.MLSGroupID, &g.NostrGroupID, &g.Name, &g.Description, &g.GroupType,
		&admins, &g.Epoch, &g.State, &lastID, &lastAt, &relays)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning group: %w", err)
	}
	g.Admins = unmarshalStrings(admins)
	g.Relays = unmarshalStrings(relays)
	g.LastMessageID = lastID.String
	g.LastMessageMs = lastAt.Int64
	return &g, nil
}

const groupColumns = `mls_group_id, nostr_group_id, name, description, group_type, admins, epoch, state, last_message_id, last_message_at_ms, relays`

// GetGroup returns a group by its MLS group id, or ErrNotFound.
func (q *queries) GetGroup(ctx context.Context, mlsGroupID string) (*GroupInfo, error) {
	return q.scanGroup(q.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM group_information WHERE mls_group_id = ?`, mlsGroupID))
}

// GetGroupByNostrID returns a group by its public wire identifier, or
// ErrNotFound. Together with GetGroup this realizes the bijective id map.
func (q *queries) GetGroupByNostrID(ctx context.Context, nostrGroupID string) (*GroupInfo, error) {
	return q.scanGroup(q.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM group_information WHERE nostr_group_id = ?`, nostrGroupID))
}

// SetGroupEpoch stores the current epoch for a group.
func (q *queries) SetGroupEpoch(ctx context.Context, mlsGroupID string, epoch uint64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE group_information SET epoch = ? WHERE mls_group_id = ?`, epoch, mlsGroupID)
	if err != nil {
		return fmt.Errorf("setting group epoch: %w", err)
	}
	return nil
}

// SetGroupState transitions a group between active and inactive.
func (q *queries) SetGroupState(ctx context.Context, mlsGroupID string, state GroupState) error {
	_, err := q.db.ExecContext(ctx, `UPDATE group_information SET state = ? WHERE mls_group_id = ?`, state, mlsGroupID)
	if err != nil {
		return fmt.Errorf("setting group state: %w", err)
	}
	return nil
}

// SetGroupLastMessage advances the last-message pointer, keeping the newest
// (created_at, id) pair.
func (q *queries) SetGroupLastMessage(ctx context.Context, mlsGroupID, messageID string, createdAtMs int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE group_information SET last_message_id = ?, last_message_at_ms = ?
		WHERE mls_group_id = ? AND (last_message_at_ms IS NULL OR last_message_at_ms < ? OR (last_message_at_ms = ? AND last_message_id < ?))`,
		messageID, createdAtMs, mlsGroupID, createdAtMs, createdAtMs, messageID)
	if err != nil {
		return fmt.Errorf("setting group last message: %w", err)
	}
	return nil
}

// UpsertMembership records an account-group membership. A second insert for
// the same pair keeps the existing confirmation.
func (q *queries) UpsertMembership(ctx context.Context, m Membership) error {
	if m.CreatedAtMs == 0 {
		m.CreatedAtMs = time.Now().UnixMilli()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts_groups (account_pubkey, mls_group_id, user_confirmation, created_at_ms) VALUES (?, ?, ?, ?)`,
		m.AccountPubkey, m.MLSGroupID, m.Confirmation, m.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("upserting membership: %w", err)
	}
	return nil
}

// SetConfirmation transitions a membership's confirmation state.
func (q *queries) SetConfirmation(ctx context.Context, account, mlsGroupID string, c Confirmation) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE accounts_groups SET user_confirmation = ? WHERE account_pubkey = ? AND mls_group_id = ?`,
		c, account, mlsGroupID)
	if err != nil {
		return fmt.Errorf("setting confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMembership returns the membership row for (account, group), or
// ErrNotFound.
func (q *queries) GetMembership(ctx context.Context, account, mlsGroupID string) (*Membership, error) {
	var m Membership
	err := q.db.QueryRowContext(ctx,
		`SELECT account_pubkey, mls_group_id, user_confirmation, created_at_ms FROM accounts_groups WHERE account_pubkey = ? AND mls_group_id = ?`,
		account, mlsGroupID).Scan(&m.AccountPubkey, &m.MLSGroupID, &m.Confirmation, &m.CreatedAtMs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting membership: %w", err)
	}
	return &m, nil
}

// ListMemberships returns an account's memberships. Declined groups are
// included; hiding them is a UI concern.
func (q *queries) ListMemberships(ctx context.Context, account string) ([]Membership, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT account_pubkey, mls_group_id, user_confirmation, created_at_ms FROM accounts_groups WHERE account_pubkey = ? ORDER BY created_at_ms`,
		account)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.AccountPubkey, &m.MLSGroupID, &m.Confirmation, &m.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordKeyPackage tracks a published key package event.
func (q *queries) RecordKeyPackage(ctx context.Context, r KeyPackageRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAtMs == 0 {
		r.CreatedAtMs = time.Now().UnixMilli()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO key_packages (id, account_pubkey, event_id, relays, created_at_ms, expires_at_ms, deleted) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		r.ID, r.AccountPubkey, r.EventID, marshalStrings(r.Relays), r.CreatedAtMs, r.ExpiresAtMs)
	if err != nil {
		return fmt.Errorf("recording key package: %w", err)
	}
	return nil
}

// ListKeyPackages returns the live (not deleted) key package records for an
// account.
func (q *queries) ListKeyPackages(ctx context.Context, account string) ([]KeyPackageRecord, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, account_pubkey, event_id, relays, created_at_ms, expires_at_ms FROM key_packages WHERE account_pubkey = ? AND deleted = 0`,
		account)
	if err != nil {
		return nil, fmt.Errorf("listing key packages: %w", err)
	}
	defer rows.Close()

	var out []KeyPackageRecord
	for rows.Next() {
		var r KeyPackageRecord
		var relays string
		if err := rows.Scan(&r.ID, &r.AccountPubkey, &r.EventID, &relays, &r.CreatedAtMs, &r.ExpiresAtMs); err != nil {
			return nil, err
		}
		r.Relays = unmarshalStrings(relays)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkKeyPackageDeleted flags a key package record after its deletion event
// is published.
func (q *queries) MarkKeyPackageDeleted(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE key_packages SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking key package deleted: %w", err)
	}
	return nil
}
