// ABOUTME: Tests for store opening, migrations, and the relay dedup repair migration.
// ABOUTME: Includes the two-relay-rows-collapse scenario with user_relays re-pointing.

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wn.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Re-opening applies nothing new and succeeds.
	s, err = Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

// TestDedupeRelayMigration seeds a pre-migration database containing
// "wss://r.example/" and "wss://r.example" and verifies that after opening,
// one relay row remains and all user_relays rows point at it.
func TestDedupeRelayMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wn.db")

	// Build a database stopped at migration 4, with duplicate relay rows.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, stmt := range []string{
		schemaIdentitySQL, schemaGroupSQL, schemaEventSQL, schemaMessageSQL,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TEXT NOT NULL)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	for v := 1; v <= 4; v++ {
		_, err := db.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, 'seed', ?)`,
			v, time.Now().UTC().Format(time.RFC3339))
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO relays (id, url) VALUES ('r1', 'wss://r.example/'), ('r2', 'wss://r.example')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO user_relays (user_pubkey, relay_id, purpose, event_created_at) VALUES
		('alice', 'r1', 'general', 100), ('bob', 'r2', 'general', 100), ('carol', 'r1', 'inbox', 100)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	var count int
	require.NoError(t, s.sqldb.QueryRow(`SELECT COUNT(*) FROM relays`).Scan(&count))
	assert.Equal(t, 1, count)

	var url string
	require.NoError(t, s.sqldb.QueryRow(`SELECT url FROM relays`).Scan(&url))
	assert.Equal(t, "wss://r.example", url)

	// Every user_relays row now points at the surviving relay.
	for _, user := range []string{"alice", "bob", "carol"} {
		urs, err := s.UserRelays(ctx, user, "")
		require.NoError(t, err)
		require.Len(t, urs, 1, "user %s", user)
		assert.Equal(t, "wss://r.example", urs[0].URL)
	}
}

func TestEnsureRelay_CollapsesVariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.EnsureRelay(ctx, "wss://r.example/")
	require.NoError(t, err)
	id2, err := s.EnsureRelay(ctx, "wss://R.EXAMPLE")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
