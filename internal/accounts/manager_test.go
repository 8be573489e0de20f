// ABOUTME: Tests for account lifecycle: secret parsing, login/logout, sessions, active account.
// ABOUTME: Runs against a fake resolver so nothing touches the network.

package accounts

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parres-hq/whitenoise/internal/aggregator"
	"github.com/parres-hq/whitenoise/internal/group"
	"github.com/parres-hq/whitenoise/internal/keystore"
	"github.com/parres-hq/whitenoise/internal/pipeline"
	"github.com/parres-hq/whitenoise/internal/relay"
	"github.com/parres-hq/whitenoise/internal/store"
)

// fakeResolver satisfies ListResolver and pipeline.Router without network.
type fakeResolver struct{}

func (fakeResolver) ResolveLists(ctx context.Context, pubkey string, bootstrap []string) (*relay.Lists, error) {
	return relay.ParseLists(nil), nil
}

func (fakeResolver) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event {
	return nil
}

func (fakeResolver) Publish(ctx context.Context, ev nostr.Event, relays []string) (*relay.PublishReceipt, error) {
	done := make(chan struct{})
	close(done)
	return &relay.PublishReceipt{FirstAck: "wss://fake.example", Done: done}, nil
}

func (fakeResolver) Subscribe(ctx context.Context, relays []string, filter nostr.Filter) (<-chan relay.Incoming, error) {
	ch := make(chan relay.Incoming)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keys, err := keystore.New(t.TempDir(), []byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)

	engine := group.NewEngine(st, nil)
	agg := aggregator.New(st, nil)
	resolver := fakeResolver{}
	pl := pipeline.New(st, resolver, engine, agg, keys, []string{"wss://fake.example"}, nil)
	engine.Bind(pl, pl)

	return New(st, keys, engine, pl, resolver, t.TempDir(), []string{"wss://fake.example"}, nil)
}

func TestParseSecretKey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	got, err := ParseSecretKey(sk)
	require.NoError(t, err)
	assert.Equal(t, sk, got)

	got, err = ParseSecretKey(nsec)
	require.NoError(t, err)
	assert.Equal(t, sk, got)

	for _, bad := range []string{"", "abc", "nsec1invalid", "zz" + sk[2:], sk + "00"} {
		_, err := ParseSecretKey(bad)
		assert.ErrorIs(t, err, ErrBadSecretKey, "input %q", bad)
	}
}

func TestLoginLogout(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sk := nostr.GeneratePrivateKey()
	pk, err := m.Login(ctx, sk)
	require.NoError(t, err)

	expected, _ := nostr.GetPublicKey(sk)
	assert.Equal(t, expected, pk)

	// Login marks the account active, onboards a key package, and stores
	// the secret.
	active, err := m.Active()
	require.NoError(t, err)
	assert.Equal(t, pk, active)

	account, err := m.st.GetAccount(ctx, pk)
	require.NoError(t, err)
	assert.True(t, account.KeyPackagePublished)

	h, err := m.keys.Load(pk)
	require.NoError(t, err)
	h.Release()

	require.NoError(t, m.Logout(ctx, pk))
	_, err = m.keys.Load(pk)
	assert.ErrorIs(t, err, keystore.ErrNotFound)
	_, err = m.st.GetAccount(ctx, pk)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.Active()
	assert.ErrorIs(t, err, ErrNoActive)
}

func TestLogin_Relogin(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sk := nostr.GeneratePrivateKey()
	pk1, err := m.Login(ctx, sk)
	require.NoError(t, err)

	// Logging the same key in again is not an error; the account row
	// survives.
	pk2, err := m.Login(ctx, sk)
	require.NoError(t, err)
	assert.Equal(t, pk1, pk2)

	accounts, err := m.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestCreateAccountAndSetActive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.CreateAccount(ctx)
	require.NoError(t, err)
	b, err := m.CreateAccount(ctx)
	require.NoError(t, err)

	// First login wins the active slot.
	active, err := m.Active()
	require.NoError(t, err)
	assert.Equal(t, a, active)

	require.NoError(t, m.SetActive(b))
	active, err = m.Active()
	require.NoError(t, err)
	assert.Equal(t, b, active)

	assert.Error(t, m.SetActive("deadbeef"))

	m.Shutdown(ctx)
}
