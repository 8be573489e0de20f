// ABOUTME: Offline integration tests for the pipeline over a fake router.
// ABOUTME: Covers DM creation, message delivery, echo suppression, admin policy, and quarantine.

package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parres-hq/whitenoise/internal/aggregator"
	"github.com/parres-hq/whitenoise/internal/group"
	"github.com/parres-hq/whitenoise/internal/keystore"
	"github.com/parres-hq/whitenoise/internal/mls"
	"github.com/parres-hq/whitenoise/internal/relay"
	"github.com/parres-hq/whitenoise/internal/store"
)

// fakeRouter records publishes and serves them back to QuerySync.
type fakeRouter struct {
	mu        sync.Mutex
	published []nostr.Event
	failAll   bool
}

func (f *fakeRouter) Publish(ctx context.Context, ev nostr.Event, relays []string) (*relay.PublishReceipt, error) {
	if f.failAll {
		return nil, relay.ErrPublishFailed
	}
	f.mu.Lock()
	f.published = append(f.published, ev)
	f.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return &relay.PublishReceipt{FirstAck: "wss://fake.example", Done: done}, nil
}

func (f *fakeRouter) Subscribe(ctx context.Context, relays []string, filter nostr.Filter) (<-chan relay.Incoming, error) {
	ch := make(chan relay.Incoming)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeRouter) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*nostr.Event
	for i := range f.published {
		ev := f.published[i]
		if len(filter.Kinds) > 0 && !containsInt(filter.Kinds, ev.Kind) {
			continue
		}
		if len(filter.Authors) > 0 && !containsStr(filter.Authors, ev.PubKey) {
			continue
		}
		out = append(out, &ev)
	}
	return out
}

func (f *fakeRouter) find(t *testing.T, pred func(nostr.Event) bool) *nostr.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.published {
		if pred(f.published[i]) {
			ev := f.published[i]
			return &ev
		}
	}
	t.Fatal("expected event not published")
	return nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// harness wires a full offline core: one shared store/engine/aggregator
// and any number of accounts.
type harness struct {
	t      *testing.T
	st     *store.Store
	engine *group.Engine
	agg    *aggregator.Aggregator
	keys   *keystore.KeyStore
	router *fakeRouter
	pl     *Pipeline

	accounts map[string]string // pubkey -> secret
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keys, err := keystore.New(t.TempDir(), []byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)

	engine := group.NewEngine(st, nil)
	agg := aggregator.New(st, nil)
	router := &fakeRouter{}
	pl := New(st, router, engine, agg, keys, []string{"wss://fake.example"}, nil)
	engine.Bind(pl, pl)

	return &harness{
		t: t, st: st, engine: engine, agg: agg, keys: keys, router: router, pl: pl,
		accounts: make(map[string]string),
	}
}

// addAccount creates a keypair, provider, account row, and key package.
func (h *harness) addAccount() string {
	h.t.Helper()
	ctx := context.Background()

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(h.t, err)
	h.accounts[pk] = sk

	require.NoError(h.t, h.keys.Store(pk, sk))
	provider, err := mls.NewProvider(pk, h.t.TempDir(), nil)
	require.NoError(h.t, err)
	h.engine.RegisterAccount(pk, provider)
	require.NoError(h.t, h.st.CreateAccount(ctx, store.Account{Pubkey: pk}))
	require.NoError(h.t, h.pl.PublishKeyPackage(ctx, pk))
	return pk
}

// deliverWelcome finds the gift wrap addressed to pk and runs it through
// the inbound handler.
func (h *harness) deliverWelcome(pk string) {
	h.t.Helper()
	wrap := h.router.find(h.t, func(ev nostr.Event) bool {
		return ev.Kind == relay.KindGiftWrap && envelopeGroupID(&ev) == "" && ev.Tags.GetFirst([]string{"p", pk}) != nil
	})
	h.pl.handleWrapped(context.Background(), pk, wrap)
}

func TestDMCreation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addAccount()
	bob := h.addAccount()

	info, err := h.engine.CreateDirectMessage(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, store.GroupTypeDirectMessage, info.GroupType)
	assert.ElementsMatch(t, []string{alice, bob}, info.Admins)

	h.deliverWelcome(bob)

	mA, err := h.st.GetMembership(ctx, alice, info.MLSGroupID)
	require.NoError(t, err)
	assert.Equal(t, store.ConfirmationAccepted, mA.Confirmation)

	mB, err := h.st.GetMembership(ctx, bob, info.MLSGroupID)
	require.NoError(t, err)
	assert.Equal(t, store.ConfirmationPending, mB.Confirmation)

	// The id map round-trips.
	byNostr, err := h.st.GetGroupByNostrID(ctx, info.NostrGroupID)
	require.NoError(t, err)
	assert.Equal(t, info.MLSGroupID, byNostr.MLSGroupID)
}

func TestSendAndReceive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addAccount()
	bob := h.addAccount()

	info, err := h.engine.CreateDirectMessage(ctx, alice, bob)
	require.NoError(t, err)
	h.deliverWelcome(bob)
	require.NoError(t, h.engine.Accept(ctx, bob, info.MLSGroupID))

	sent, err := h.pl.Send(ctx, alice, info.MLSGroupID, aggregator.KindChat, "hello bob", nil)
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.Equal(t, "hello bob", sent.Content)

	// Bob receives the envelope from the wire.
	envelope := h.router.find(t, func(ev nostr.Event) bool {
		return ev.Kind == relay.KindGiftWrap && envelopeGroupID(&ev) == info.NostrGroupID
	})
	h.pl.handleWrapped(ctx, bob, envelope)

	msgs, err := h.agg.MessagesForGroup(ctx, info.MLSGroupID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello bob", msgs[0].Content)
	assert.Equal(t, alice, msgs[0].Author)
}

// TestEchoSuppression: the sender's own envelope coming back from a
// subscription must not produce a duplicate aggregated row.
func TestEchoSuppression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addAccount()
	bob := h.addAccount()

	info, err := h.engine.CreateDirectMessage(ctx, alice, bob)
	require.NoError(t, err)
	h.deliverWelcome(bob)

	_, err = h.pl.Send(ctx, alice, info.MLSGroupID, aggregator.KindChat, "only once", nil)
	require.NoError(t, err)

	envelope := h.router.find(t, func(ev nostr.Event) bool {
		return ev.Kind == relay.KindGiftWrap && envelopeGroupID(&ev) == info.NostrGroupID
	})
	// Alice's own subscription echoes it back twice.
	h.pl.handleWrapped(ctx, alice, envelope)
	h.pl.handleWrapped(ctx, alice, envelope)

	msgs, err := h.agg.MessagesForGroup(ctx, info.MLSGroupID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// TestAdminPolicy: a non-admin forging a removal commit is rejected, the
// epoch is unchanged, and a quarantine row exists.
func TestAdminPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addAccount()
	bob := h.addAccount()
	carol := h.addAccount()

	// Group with admins {alice, bob}; carol is a plain member.
	info, err := h.engine.CreateGroup(ctx, alice, "room", "", []string{bob, carol}, []string{alice, bob})
	require.NoError(t, err)
	h.deliverWelcome(bob)
	h.deliverWelcome(carol)

	epochBefore, err := h.engine.Epoch(bob, info.MLSGroupID)
	require.NoError(t, err)

	// Carol forges a commit removing admin bob.
	carolProvider, err := h.engine.Provider(carol)
	require.NoError(t, err)
	forged, _, err := carolProvider.CreateCommit(info.MLSGroupID, mls.Proposals{Remove: []string{bob}})
	require.NoError(t, err)
	ev, err := buildGroupCommitEvent(info.NostrGroupID, forged)
	require.NoError(t, err)

	h.pl.handleWrapped(ctx, bob, ev)

	epochAfter, err := h.engine.Epoch(bob, info.MLSGroupID)
	require.NoError(t, err)
	assert.Equal(t, epochBefore, epochAfter)

	quarantined, err := h.st.IsQuarantined(ctx, ev.ID, bob)
	require.NoError(t, err)
	assert.True(t, quarantined)
}

func TestCommitPropagation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addAccount()
	bob := h.addAccount()
	carol := h.addAccount()

	info, err := h.engine.CreateDirectMessage(ctx, alice, bob)
	require.NoError(t, err)
	h.deliverWelcome(bob)

	// Alice adds carol: a commit goes on the feed and a welcome to carol.
	require.NoError(t, h.engine.AddMembers(ctx, alice, info.MLSGroupID, []string{carol}))

	commitEv := h.router.find(t, func(ev nostr.Event) bool {
		return ev.Kind == relay.KindMLSCommit && envelopeGroupID(&ev) == info.NostrGroupID
	})
	h.pl.handleWrapped(ctx, bob, commitEv)
	h.deliverWelcome(carol)

	for _, pk := range []string{alice, bob, carol} {
		epoch, err := h.engine.Epoch(pk, info.MLSGroupID)
		require.NoError(t, err, pk)
		assert.Equal(t, uint64(2), epoch, pk)
	}

	// Sending on the new epoch succeeds.
	_, err = h.pl.Send(ctx, alice, info.MLSGroupID, aggregator.KindChat, "welcome carol", nil)
	require.NoError(t, err)
}

func TestCommitFailure_RollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addAccount()
	bob := h.addAccount()

	info, err := h.engine.CreateDirectMessage(ctx, alice, bob)
	require.NoError(t, err)
	h.deliverWelcome(bob)

	epochBefore, err := h.engine.Epoch(alice, info.MLSGroupID)
	require.NoError(t, err)

	h.router.failAll = true
	err = h.engine.Leave(ctx, alice, info.MLSGroupID)
	assert.ErrorIs(t, err, group.ErrCommitFailed)
	h.router.failAll = false

	epochAfter, err := h.engine.Epoch(alice, info.MLSGroupID)
	require.NoError(t, err)
	assert.Equal(t, epochBefore, epochAfter)
}

func TestQuarantinedEventNeverReprocessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addAccount()
	bob := h.addAccount()

	info, err := h.engine.CreateDirectMessage(ctx, alice, bob)
	require.NoError(t, err)
	h.deliverWelcome(bob)

	// A garbage envelope for the group quarantines once and stays dropped.
	ev, err := buildGroupMessageEvent(info.NostrGroupID, &mls.Ciphertext{
		GroupID: mls.GroupID{0x01}, Epoch: 99, Sender: alice, Sealed: []byte("junk"),
	})
	require.NoError(t, err)

	h.pl.handleWrapped(ctx, bob, ev)
	quarantined, err := h.st.IsQuarantined(ctx, ev.ID, bob)
	require.NoError(t, err)
	assert.True(t, quarantined)

	// Reprocessing is a silent no-op.
	h.pl.handleWrapped(ctx, bob, ev)
	entries, err := h.st.QuarantineEntries(ctx, bob, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
