// ABOUTME: SQLite backing for the event store using modernc.org/sqlite
// ABOUTME: Owns schema creation, numbered migrations, and the transaction helper the pipeline spans writes with

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parres-hq/whitenoise/internal/relay"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query method works
// inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries carries every data-access method. Store embeds it over the raw
// connection; Tx embeds it over an open transaction.
type queries struct {
	db dbtx
}

// Store is the single process-wide relational store. One database file per
// profile; shared across accounts.
type Store struct {
	queries
	sqldb  *sql.DB
	logger *slog.Logger
}

// Tx exposes the same data-access methods inside an open transaction.
type Tx struct {
	queries
}

// Open creates or opens the database at path. Pass ":memory:" for tests.
// The schema is created and migrations are applied in strict numeric order.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// modernc's driver serializes at the connection level; a single
	// connection avoids SQLITE_BUSY between the pipeline workers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &Store{queries: queries{db: db}, sqldb: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("store opened", "path", path)
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.sqldb.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic. All writes that span multiple tables (for example
// record_processed plus a downstream group or message write) must go
// through here so a failed partial write leaves retry safe.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.sqldb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{queries: queries{db: sqlTx}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Schema segments split for maintainability. Timestamps suffixed _ms are
// unix milliseconds; bare event_created_at is wire seconds.
var (
	schemaIdentitySQL = `
CREATE TABLE IF NOT EXISTS accounts (pubkey TEXT PRIMARY KEY, settings TEXT NOT NULL DEFAULT '{}', last_synced_at_ms INTEGER NOT NULL DEFAULT 0, key_package_published INTEGER NOT NULL DEFAULT 0, created_at_ms INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS users (pubkey TEXT PRIMARY KEY, metadata TEXT, event_created_at INTEGER NOT NULL DEFAULT 0);
CREATE TABLE IF NOT EXISTS relays (id TEXT PRIMARY KEY, url TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS user_relays (user_pubkey TEXT NOT NULL, relay_id TEXT NOT NULL REFERENCES relays(id), purpose TEXT NOT NULL, event_created_at INTEGER NOT NULL DEFAULT 0, PRIMARY KEY (user_pubkey, relay_id, purpose));
CREATE INDEX IF NOT EXISTS idx_user_relays_user ON user_relays(user_pubkey);
CREATE TABLE IF NOT EXISTS follows (account_pubkey TEXT NOT NULL, followed_pubkey TEXT NOT NULL, event_created_at INTEGER NOT NULL DEFAULT 0, PRIMARY KEY (account_pubkey, followed_pubkey));
`
	schemaGroupSQL = `
CREATE TABLE IF NOT EXISTS group_information (mls_group_id TEXT PRIMARY KEY, nostr_group_id TEXT NOT NULL UNIQUE, name TEXT NOT NULL DEFAULT '', description TEXT NOT NULL DEFAULT '', group_type TEXT NOT NULL CHECK (group_type IN ('direct_message', 'group')), admins TEXT NOT NULL DEFAULT '[]', epoch INTEGER NOT NULL DEFAULT 0, state TEXT NOT NULL DEFAULT 'active' CHECK (state IN ('active', 'inactive')), last_message_id TEXT, last_message_at_ms INTEGER, relays TEXT NOT NULL DEFAULT '[]');
CREATE TABLE IF NOT EXISTS accounts_groups (account_pubkey TEXT NOT NULL, mls_group_id TEXT NOT NULL, user_confirmation TEXT NOT NULL CHECK (user_confirmation IN ('pending', 'accepted', 'declined')), created_at_ms INTEGER NOT NULL, UNIQUE (account_pubkey, mls_group_id));
CREATE INDEX IF NOT EXISTS idx_accounts_groups_account ON accounts_groups(account_pubkey);
CREATE TABLE IF NOT EXISTS key_packages (id TEXT PRIMARY KEY, account_pubkey TEXT NOT NULL, event_id TEXT NOT NULL, relays TEXT NOT NULL DEFAULT '[]', created_at_ms INTEGER NOT NULL, expires_at_ms INTEGER NOT NULL, deleted INTEGER NOT NULL DEFAULT 0);
CREATE INDEX IF NOT EXISTS idx_key_packages_account ON key_packages(account_pubkey, deleted);
`
	schemaEventSQL = `
CREATE TABLE IF NOT EXISTS processed_events (event_id TEXT NOT NULL, account_pubkey TEXT, kind INTEGER NOT NULL, author TEXT NOT NULL, event_created_at_ms INTEGER NOT NULL);
CREATE UNIQUE INDEX IF NOT EXISTS idx_processed_global ON processed_events(event_id) WHERE account_pubkey IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_processed_account ON processed_events(event_id, account_pubkey) WHERE account_pubkey IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_processed_kind ON processed_events(kind, event_created_at_ms);
CREATE TABLE IF NOT EXISTS published_events (event_id TEXT NOT NULL, account_pubkey TEXT NOT NULL, kind INTEGER NOT NULL, created_at_ms INTEGER NOT NULL, UNIQUE (event_id, account_pubkey));
CREATE TABLE IF NOT EXISTS quarantine (event_id TEXT NOT NULL, account_pubkey TEXT NOT NULL DEFAULT '', reason TEXT NOT NULL, detail TEXT NOT NULL DEFAULT '', created_at_ms INTEGER NOT NULL, UNIQUE (event_id, account_pubkey));
`
	schemaMessageSQL = `
CREATE TABLE IF NOT EXISTS aggregated_messages (message_id TEXT NOT NULL, mls_group_id TEXT NOT NULL, author TEXT NOT NULL, kind INTEGER NOT NULL, created_at_ms INTEGER NOT NULL, content TEXT NOT NULL DEFAULT '', tags TEXT NOT NULL DEFAULT '[]', reply_to_id TEXT, deletion_event_id TEXT, content_tokens TEXT, reactions TEXT, media_attachments TEXT, UNIQUE (message_id, mls_group_id));
CREATE INDEX IF NOT EXISTS idx_aggregated_group_time ON aggregated_messages(mls_group_id, created_at_ms, message_id);
CREATE INDEX IF NOT EXISTS idx_aggregated_kind ON aggregated_messages(mls_group_id, kind);
CREATE TABLE IF NOT EXISTS media_files (id TEXT PRIMARY KEY, mls_group_id TEXT NOT NULL, account_pubkey TEXT NOT NULL, file_path TEXT NOT NULL, encrypted_file_hash TEXT NOT NULL, original_file_hash TEXT NOT NULL, mime_type TEXT NOT NULL, media_type TEXT NOT NULL CHECK (media_type IN ('group_image', 'chat_media')), blossom_url TEXT, nostr_key TEXT, dimensions TEXT, blurhash TEXT, created_at_ms INTEGER NOT NULL, accessed_at_ms INTEGER NOT NULL, size_bytes INTEGER NOT NULL DEFAULT 0, UNIQUE (mls_group_id, encrypted_file_hash, account_pubkey));
CREATE INDEX IF NOT EXISTS idx_media_files_accessed ON media_files(accessed_at_ms);
`
)

// migration is one numbered schema step. Either sql or fn is set.
type migration struct {
	version int
	name    string
	sql     string
	fn      func(ctx context.Context, tx *sql.Tx) error
}

func (s *Store) migrations() []migration {
	return []migration{
		{version: 1, name: "identity tables", sql: schemaIdentitySQL},
		{version: 2, name: "group tables", sql: schemaGroupSQL},
		{version: 3, name: "event tables", sql: schemaEventSQL},
		{version: 4, name: "message tables", sql: schemaMessageSQL},
		{version: 5, name: "dedupe relays after canonicalization", fn: dedupeRelayRows},
	}
}

// migrate applies pending migrations in strict numeric order, each in its
// own transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.sqldb.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := s.sqldb.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range s.migrations() {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		tx, err := s.sqldb.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if m.sql != "" {
			_, err = tx.ExecContext(ctx, m.sql)
		} else {
			err = m.fn(ctx, tx)
		}
		if err == nil {
			_, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, time.Now().UTC().Format(time.RFC3339))
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// dedupeRelayRows collapses relay rows whose URLs canonicalize to the same
// value. The surviving row is the first inserted; user_relays rows are
// re-pointed at it before the duplicates are removed.
func dedupeRelayRows(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, url FROM relays ORDER BY rowid`)
	if err != nil {
		return err
	}
	type relayRow struct{ id, url string }
	var all []relayRow
	for rows.Next() {
		var r relayRow
		if err := rows.Scan(&r.id, &r.url); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	survivors := make(map[string]string) // canonical URL -> surviving id
	renames := make(map[string]string)   // surviving id -> canonical URL
	for _, r := range all {
		canonical, err := relay.Canonicalize(r.url)
		if err != nil {
			canonical = r.url
		}
		survivor, seen := survivors[canonical]
		if !seen {
			survivors[canonical] = r.id
			if canonical != r.url {
				renames[r.id] = canonical
			}
			continue
		}
		// Duplicate: re-point references, then drop the row. INSERT OR
		// IGNORE collapses (user, relay, purpose) rows that would collide.
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_relays (user_pubkey, relay_id, purpose, event_created_at) SELECT user_pubkey, ?, purpose, event_created_at FROM user_relays WHERE relay_id = ?`, survivor, r.id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_relays WHERE relay_id = ?`, r.id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM relays WHERE id = ?`, r.id); err != nil {
			return err
		}
	}
	// Survivors take their canonical URL only once the duplicates are gone,
	// since a duplicate may already hold it under the UNIQUE constraint.
	for id, canonical := range renames {
		if _, err := tx.ExecContext(ctx, `UPDATE relays SET url = ? WHERE id = ?`, canonical, id); err != nil {
			return err
		}
	}
	return nil
}
