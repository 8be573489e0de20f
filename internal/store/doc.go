// Package store provides the single relational store backing the whitenoise
// core, using SQLite via modernc.org/sqlite.
//
// # Architecture
//
// One database file per profile, shared by every account in the process.
// Store exposes every data-access method directly and mirrors them on Tx so
// multi-table writes can share a transaction:
//
//	err := st.WithTx(ctx, func(tx *store.Tx) error {
//		fresh, err := tx.RecordProcessed(ctx, ev)
//		...
//		return tx.UpsertGroup(ctx, info)
//	})
//
// The inbound pipeline depends on this: "record_processed + downstream
// state change" always commits or rolls back as a unit, so a crash mid-fold
// leaves the database at state-before or state-after, never in between.
//
// # Idempotency
//
// processed_events is the sole idempotency primitive. Each (event_id,
// account) pair is recorded at most once; global-scope rows (NULL account)
// are unique by event_id alone via a partial index. published_events breaks
// echo loops with exactly-once per (event_id, account).
//
// # Timestamps
//
// Columns suffixed _ms hold unix milliseconds; the seconds-to-milliseconds
// conversion happens once, at pipeline inbound. Bare event_created_at
// columns (users, user_relays, follows) keep wire seconds because they are
// compared only against other wire timestamps.
//
// # Migrations
//
// Numbered migrations run in strict numeric order inside transactions,
// tracked in schema_migrations. Migration 5 repairs relay rows that predate
// URL canonicalization, collapsing duplicates and re-pointing user_relays.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Use Open(":memory:") in tests.
package store
