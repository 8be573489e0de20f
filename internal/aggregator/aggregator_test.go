// ABOUTME: Tests for the aggregator fold: idempotency, order independence, deletions, reactions, lightning.
// ABOUTME: Encodes the reorder, normalization, and authorization scenarios end to end.

package aggregator

import (
	"context"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parres-hq/whitenoise/internal/store"
)

const (
	groupA = "67726f757061000000000000000000000000000000000000000000000000000a"
	userA  = "a1ce000000000000000000000000000000000000000000000000000000000001"
	userB  = "b0b0000000000000000000000000000000000000000000000000000000000002"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil), st
}

func chat(id, author string, at int64, content string, tags ...nostr.Tag) *Event {
	return &Event{ID: id, Author: author, Kind: KindChat, CreatedAtMs: at, Content: content, Tags: tags}
}

func reaction(id, author string, at int64, content, target string) *Event {
	return &Event{ID: id, Author: author, Kind: KindReaction, CreatedAtMs: at, Content: content,
		Tags: nostr.Tags{{"e", target}}}
}

func deletion(id, author string, at int64, target string) *Event {
	return &Event{ID: id, Author: author, Kind: KindDeletion, CreatedAtMs: at,
		Tags: nostr.Tags{{"e", target}}}
}

func ingest(t *testing.T, a *Aggregator, st *store.Store, evs ...*Event) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range evs {
		require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
			_, err := a.Ingest(ctx, tx, groupA, ev)
			return err
		}))
	}
}

func TestIngest_Idempotent(t *testing.T) {
	a, st := newTestAggregator(t)
	m := chat("m1", userB, 100, "hello")

	ingest(t, a, st, m, m, m)

	msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

// TestIngest_ReorderScenario: M1@100, R1@101 on M1, D1@102 on M1, ingested
// as [R1, D1, M1]. Expected: one message, deleted, empty content, with the
// reaction still folded (deletion wipes content, not reactions).
func TestIngest_ReorderScenario(t *testing.T) {
	a, st := newTestAggregator(t)

	m1 := chat("m1", userB, 100, "original")
	r1 := reaction("r1", userA, 101, "🔥", "m1")
	d1 := deletion("d1", userB, 102, "m1")

	ingest(t, a, st, r1, d1, m1)

	msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got := msgs[0]
	assert.True(t, got.IsDeleted)
	assert.Empty(t, got.Content)
	require.Contains(t, got.Reactions, "🔥")
	assert.Equal(t, 1, got.Reactions["🔥"].Count)
}

func TestFold_OrderIndependence(t *testing.T) {
	events := []*Event{
		chat("m1", userB, 100, "first"),
		chat("m2", userA, 110, "second", nostr.Tag{"q", "m1"}),
		reaction("r1", userA, 101, "+", "m1"),
		reaction("r2", userB, 111, "🎉", "m2"),
		deletion("d1", userA, 120, "m2"),
	}

	perms := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 4, 0, 3, 1},
		{3, 0, 4, 1, 2},
	}

	var reference []*ChatMessage
	for pi, perm := range perms {
		a, st := newTestAggregator(t)
		for _, i := range perm {
			ingest(t, a, st, events[i])
		}
		msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
		require.NoError(t, err)
		if pi == 0 {
			reference = msgs
			continue
		}
		require.Equal(t, len(reference), len(msgs), "permutation %v", perm)
		for i := range msgs {
			assert.Equal(t, reference[i].ID, msgs[i].ID, "permutation %v", perm)
			assert.Equal(t, reference[i].IsDeleted, msgs[i].IsDeleted, "permutation %v", perm)
			assert.Equal(t, reference[i].Content, msgs[i].Content, "permutation %v", perm)
			assert.Equal(t, reference[i].Reactions, msgs[i].Reactions, "permutation %v", perm)
		}
	}
}

func TestReaction_PlusNormalizesToThumbsUp(t *testing.T) {
	a, st := newTestAggregator(t)
	ingest(t, a, st,
		chat("m1", userB, 100, "hi"),
		reaction("r1", userA, 101, "+", "m1"),
	)

	msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Reactions, "👍")
	assert.Equal(t, 1, msgs[0].Reactions["👍"].Count)
	assert.Equal(t, []string{userA}, msgs[0].Reactions["👍"].Users)
}

func TestReaction_Uniqueness(t *testing.T) {
	a, st := newTestAggregator(t)
	ingest(t, a, st,
		chat("m1", userB, 100, "hi"),
		reaction("r1", userA, 101, "👍", "m1"),
		reaction("r2", userA, 102, "👍", "m1"), // same (user, emoji): no-op
		reaction("r3", userA, 103, "🎉", "m1"), // different emoji: kept alongside
	)

	msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
	require.NoError(t, err)
	got := msgs[0]
	assert.Equal(t, 1, got.Reactions["👍"].Count)
	assert.Equal(t, 1, got.Reactions["🎉"].Count)
}

func TestDeletion_AuthorMismatchIgnored(t *testing.T) {
	a, st := newTestAggregator(t)
	ingest(t, a, st,
		chat("m1", userB, 100, "keep me"),
		deletion("d1", userA, 101, "m1"), // userA != author userB
	)

	msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
	require.NoError(t, err)
	assert.False(t, msgs[0].IsDeleted)
	assert.Equal(t, "keep me", msgs[0].Content)
}

func TestLightning_CorrelationBothOrders(t *testing.T) {
	// A test invoice: hrp declares 2500u; body is irrelevant for the fold.
	invoiceMsg := func() *Event {
		return chat("inv1", userB, 100, "pay me", nostr.Tag{"bolt11", testInvoice})
	}
	paymentMsg := func() *Event {
		return chat("pay1", userA, 110, "paid!",
			nostr.Tag{"q", "inv1"}, nostr.Tag{"preimage", "aabbccdd"})
	}

	t.Run("invoice first", func(t *testing.T) {
		a, st := newTestAggregator(t)
		ingest(t, a, st, invoiceMsg(), paymentMsg())
		assertPaid(t, a)
	})

	t.Run("payment first", func(t *testing.T) {
		a, st := newTestAggregator(t)
		ingest(t, a, st, paymentMsg())

		// Before the invoice arrives the payment stands unmatched.
		msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NotNil(t, msgs[0].LightningPayment)
		assert.False(t, msgs[0].LightningPayment.IsPaid)

		ingest(t, a, st, invoiceMsg())
		assertPaid(t, a)
	})
}

func assertPaid(t *testing.T, a *Aggregator) {
	t.Helper()
	msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	byID := map[string]*ChatMessage{}
	for _, m := range msgs {
		byID[m.ID] = m
	}
	require.NotNil(t, byID["inv1"].LightningInvoice)
	assert.True(t, byID["inv1"].LightningInvoice.IsPaid)
	require.NotNil(t, byID["pay1"].LightningPayment)
	assert.True(t, byID["pay1"].LightningPayment.IsPaid)
}

func TestReplyToFromQTag(t *testing.T) {
	a, st := newTestAggregator(t)
	ingest(t, a, st,
		chat("m1", userB, 100, "root"),
		chat("m2", userA, 110, "reply", nostr.Tag{"q", "m1", "wss://r.example", userB}),
	)

	msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[1].ReplyToID)
}

func TestMediaAttachments_MalformedURLSkipped(t *testing.T) {
	a, st := newTestAggregator(t)
	ingest(t, a, st, chat("m1", userB, 100, "pics",
		nostr.Tag{"imeta", "url https://blossom.example/abc123", "m image/png", "x orig-hash", "encrypted-hash enc-hash", "dim 640x480", "blurhash LKO2?U%2Tw=w]~RBVZRi};RPxuwH", "decryption-nonce 0011"},
		nostr.Tag{"imeta", "url ://not-a-url", "m image/png"},
	))

	msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	// The malformed attachment is skipped; the message survives with the
	// good one.
	require.Len(t, msgs[0].MediaAttachments, 1)
	att := msgs[0].MediaAttachments[0]
	assert.Equal(t, "https://blossom.example/abc123", att.URL)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, "orig-hash", att.OriginalHash)
	assert.Equal(t, "enc-hash", att.EncryptedHash)
	assert.Equal(t, "640x480", att.Dimensions)
	assert.Equal(t, "0011", att.DecryptionNonce)
}

func TestMessagesForGroup_OrderAndPaging(t *testing.T) {
	a, st := newTestAggregator(t)
	var events []*Event
	for i := 0; i < 5; i++ {
		events = append(events, chat(fmt.Sprintf("m%d", i), userB, int64(100+10*i), fmt.Sprintf("msg %d", i)))
	}
	// Two messages sharing a timestamp break ties by event id.
	events = append(events, chat("zz", userA, 100, "tie"))
	ingest(t, a, st, events...)

	msgs, err := a.MessagesForGroup(context.Background(), groupA, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	assert.Equal(t, "m0", msgs[0].ID)
	assert.Equal(t, "zz", msgs[1].ID) // same created_at, "m0" < "zz"

	page, err := a.MessagesForGroup(context.Background(), groupA, 110, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m2", page[0].ID)
	assert.Equal(t, "m3", page[1].ID)
}

func TestBroadcaster_PublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, groupA)
	msg := &ChatMessage{ID: "m1", MLSGroupID: groupA}
	b.Publish(msg)

	got := <-ch
	assert.Equal(t, "m1", got.ID)

	cancel()
	// After unsubscription the channel closes.
	for range ch {
	}
}
