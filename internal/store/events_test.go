// ABOUTME: Tests for the idempotency primitives.
// ABOUTME: Validates processed/published uniqueness, global scope, echo checks, and transactional rollback.

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordProcessed_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := ProcessedEvent{EventID: "ev1", Account: "alice", Kind: 1059, Author: "bob", EventCreatedMs: 1000}

	fresh, err := s.RecordProcessed(ctx, ev)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Second attempt is a no-op
	fresh, err = s.RecordProcessed(ctx, ev)
	require.NoError(t, err)
	assert.False(t, fresh)

	// Different account records independently
	ev.Account = "carol"
	fresh, err = s.RecordProcessed(ctx, ev)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestRecordProcessed_GlobalScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := ProcessedEvent{EventID: "global-ev", Kind: 0, Author: "bob", EventCreatedMs: 1000}

	fresh, err := s.RecordProcessed(ctx, ev)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Global-scope events are unique by event_id alone.
	fresh, err = s.RecordProcessed(ctx, ev)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestRecordPublished_PerAccountUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.RecordPublished(ctx, PublishedEvent{EventID: "ev1", Account: "alice", Kind: 1059})
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.RecordPublished(ctx, PublishedEvent{EventID: "ev1", Account: "alice", Kind: 1059})
	require.NoError(t, err)
	assert.False(t, fresh)

	// Same event id for a different account is tracked independently: the
	// same relay may serve multiple accounts on one host.
	fresh, err = s.RecordPublished(ctx, PublishedEvent{EventID: "ev1", Account: "bob", Kind: 1059})
	require.NoError(t, err)
	assert.True(t, fresh)

	published, err := s.IsPublished(ctx, "ev1", "alice")
	require.NoError(t, err)
	assert.True(t, published)

	published, err = s.IsPublished(ctx, "ev1", "carol")
	require.NoError(t, err)
	assert.False(t, published)
}

func TestLatestProcessedMs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestProcessedMs(ctx, 1059, "alice")
	require.NoError(t, err)
	assert.Zero(t, latest)

	for _, ev := range []ProcessedEvent{
		{EventID: "a", Account: "alice", Kind: 1059, Author: "x", EventCreatedMs: 1000},
		{EventID: "b", Account: "alice", Kind: 1059, Author: "x", EventCreatedMs: 3000},
		{EventID: "c", Account: "alice", Kind: 1059, Author: "x", EventCreatedMs: 2000},
		{EventID: "d", Account: "bob", Kind: 1059, Author: "x", EventCreatedMs: 9000},
		{EventID: "e", Account: "alice", Kind: 0, Author: "x", EventCreatedMs: 8000},
	} {
		_, err := s.RecordProcessed(ctx, ev)
		require.NoError(t, err)
	}

	latest, err = s.LatestProcessedMs(ctx, 1059, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), latest)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		fresh, err := tx.RecordProcessed(ctx, ProcessedEvent{EventID: "ev1", Account: "alice", Kind: 9, Author: "x", EventCreatedMs: 1})
		require.NoError(t, err)
		require.True(t, fresh)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// The rolled-back row must not exist: retry is safe.
	fresh, err := s.RecordProcessed(ctx, ProcessedEvent{EventID: "ev1", Account: "alice", Kind: 9, Author: "x", EventCreatedMs: 1})
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestQuarantine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Quarantine(ctx, QuarantineEntry{EventID: "bad", AccountPubkey: "alice", Reason: "replayed"}))
	// Duplicate quarantine is a no-op
	require.NoError(t, s.Quarantine(ctx, QuarantineEntry{EventID: "bad", AccountPubkey: "alice", Reason: "replayed"}))

	quarantined, err := s.IsQuarantined(ctx, "bad", "alice")
	require.NoError(t, err)
	assert.True(t, quarantined)

	entries, err := s.QuarantineEntries(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "replayed", entries[0].Reason)
}
