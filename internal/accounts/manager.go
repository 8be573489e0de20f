// ABOUTME: Account lifecycle orchestration: login, create, logout, active account
// ABOUTME: Coordinates keystore, MLS provider, relay-list resolution, and the per-account inbound worker

package accounts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/parres-hq/whitenoise/internal/group"
	"github.com/parres-hq/whitenoise/internal/keystore"
	"github.com/parres-hq/whitenoise/internal/mls"
	"github.com/parres-hq/whitenoise/internal/pipeline"
	"github.com/parres-hq/whitenoise/internal/relay"
	"github.com/parres-hq/whitenoise/internal/store"
)

// Errors rejected at the API boundary.
var (
	ErrBadSecretKey = errors.New("secret key must be 64-char hex or nsec1 bech32")
	ErrNoActive     = errors.New("no active account")
)

// ListResolver is what the manager needs from the relay layer to resolve
// and fetch per-user events. *relay.Router satisfies it.
type ListResolver interface {
	ResolveLists(ctx context.Context, pubkey string, bootstrap []string) (*relay.Lists, error)
	QuerySync(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event
	Publish(ctx context.Context, ev nostr.Event, relays []string) (*relay.PublishReceipt, error)
}

// session is one logged-in account's task scope: cancelling joins the
// inbound worker and every publish tied to it.
type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager orchestrates the identity lifecycle. At most one account is
// active per process session; others stay logged in but passive.
type Manager struct {
	st            *store.Store
	keys          *keystore.KeyStore
	engine        *group.Engine
	pl            *pipeline.Pipeline
	router        ListResolver
	dataDir       string
	defaultRelays []string
	logger        *slog.Logger

	mu       sync.Mutex
	active   string
	sessions map[string]*session
}

// New creates the manager.
func New(st *store.Store, keys *keystore.KeyStore, engine *group.Engine, pl *pipeline.Pipeline, router ListResolver, dataDir string, defaultRelays []string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		st:            st,
		keys:          keys,
		engine:        engine,
		pl:            pl,
		router:        router,
		dataDir:       dataDir,
		defaultRelays: defaultRelays,
		logger:        logger.With("component", "accounts"),
		sessions:      make(map[string]*session),
	}
}

// ParseSecretKey accepts a raw 32-byte hex secret or bech32 "nsec1…" and
// returns the hex form. Validation happens here, not at the UI.
func ParseSecretKey(input string) (string, error) {
	s := strings.TrimSpace(input)
	if strings.HasPrefix(s, "nsec1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "nsec" {
			return "", ErrBadSecretKey
		}
		sk, ok := value.(string)
		if !ok {
			return "", ErrBadSecretKey
		}
		return sk, nil
	}
	if len(s) != 64 {
		return "", ErrBadSecretKey
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", ErrBadSecretKey
	}
	return strings.ToLower(s), nil
}

// Login imports a secret key and brings the account online: key custody,
// MLS state, relay-list resolution, onboarding key package, background
// workers. Returns the account pubkey.
func (m *Manager) Login(ctx context.Context, secret string) (string, error) {
	sk, err := ParseSecretKey(secret)
	if err != nil {
		return "", err
	}
	pubkey, err := nostr.GetPublicKey(sk)
	if err != nil {
		return "", ErrBadSecretKey
	}

	if err := m.keys.Store(pubkey, sk); err != nil {
		return "", fmt.Errorf("storing secret key: %w", err)
	}

	provider, err := mls.NewProvider(pubkey, filepath.Join(m.dataDir, "mls", pubkey), m.logger)
	if err != nil {
		return "", fmt.Errorf("creating mls state: %w", err)
	}
	m.engine.RegisterAccount(pubkey, provider)

	if err := m.st.CreateAccount(ctx, store.Account{Pubkey: pubkey}); err != nil && !errors.Is(err, store.ErrDuplicateAccount) {
		return "", err
	}

	m.resolveRelays(ctx, pubkey)
	m.refreshProfile(ctx, pubkey)

	account, err := m.st.GetAccount(ctx, pubkey)
	if err != nil {
		return "", err
	}
	if !account.KeyPackagePublished {
		if err := m.pl.PublishKeyPackage(ctx, pubkey); err != nil {
			m.logger.Warn("initial key package publish failed, will retry on next login",
				"account", pubkey[:8], "error", err)
		} else if err := m.st.MarkKeyPackagePublished(ctx, pubkey); err != nil {
			return "", err
		}
	}

	m.startSession(pubkey)

	m.mu.Lock()
	if m.active == "" {
		m.active = pubkey
	}
	m.mu.Unlock()

	m.logger.Info("account logged in", "account", pubkey[:8])
	return pubkey, nil
}

// CreateAccount generates a fresh identity and logs it in.
func (m *Manager) CreateAccount(ctx context.Context) (string, error) {
	return m.Login(ctx, nostr.GeneratePrivateKey())
}

// ResumeAll brings every stored account whose key is still in the keystore
// back online. Used at daemon start.
func (m *Manager) ResumeAll(ctx context.Context) error {
	accts, err := m.st.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accts {
		handle, err := m.keys.Load(a.Pubkey)
		if err != nil {
			m.logger.Warn("skipping account without key", "account", a.Pubkey[:8], "error", err)
			continue
		}
		handle.Release()

		provider, err := mls.NewProvider(a.Pubkey, filepath.Join(m.dataDir, "mls", a.Pubkey), m.logger)
		if err != nil {
			m.logger.Error("loading mls state failed", "account", a.Pubkey[:8], "error", err)
			continue
		}
		m.engine.RegisterAccount(a.Pubkey, provider)
		m.startSession(a.Pubkey)

		m.mu.Lock()
		if m.active == "" {
			m.active = a.Pubkey
		}
		m.mu.Unlock()
	}
	return nil
}

// startSession spawns the account's inbound worker in its own task scope.
func (m *Manager) startSession(pubkey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.sessions[pubkey]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{})}
	m.sessions[pubkey] = s
	go func() {
		defer close(s.done)
		m.pl.RunAccount(ctx, pubkey)
	}()
}

// Logout stops the account's workers, drops its provider registration and
// secret key, and removes the account row. Group history stays in the
// store.
func (m *Manager) Logout(ctx context.Context, pubkey string) error {
	m.mu.Lock()
	s := m.sessions[pubkey]
	delete(m.sessions, pubkey)
	if m.active == pubkey {
		m.active = ""
	}
	m.mu.Unlock()

	if s != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.engine.UnregisterAccount(pubkey)
	if err := m.keys.Delete(pubkey); err != nil && !errors.Is(err, keystore.ErrNotFound) {
		return fmt.Errorf("deleting secret key: %w", err)
	}
	if err := m.st.DeleteAccount(ctx, pubkey); err != nil {
		return err
	}
	m.logger.Info("account logged out", "account", pubkey[:8])
	return nil
}

// SetActive switches the active account.
func (m *Manager) SetActive(pubkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.sessions[pubkey]; !running {
		return fmt.Errorf("account %s is not logged in", pubkey[:min(8, len(pubkey))])
	}
	m.active = pubkey
	return nil
}

// Active returns the active account pubkey, or ErrNoActive.
func (m *Manager) Active() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return "", ErrNoActive
	}
	return m.active, nil
}

// ListAccounts returns all known accounts.
func (m *Manager) ListAccounts(ctx context.Context) ([]store.Account, error) {
	return m.st.ListAccounts(ctx)
}

// Shutdown logs every session's workers off without removing accounts.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// resolveRelays fetches the account's published relay lists and persists
// the purpose-tagged associations. When the account has never published
// lists, the process defaults are published on its behalf.
func (m *Manager) resolveRelays(ctx context.Context, pubkey string) {
	lists, err := m.router.ResolveLists(ctx, pubkey, m.defaultRelays)
	if err != nil {
		m.logger.Warn("relay list resolution failed", "account", pubkey[:8], "error", err)
		return
	}

	found := false
	for purpose, urls := range lists.URLs {
		found = true
		createdAt := int64(lists.CreatedAt[purpose])
		if err := m.st.SetUserRelays(ctx, pubkey, string(purpose), urls, createdAt); err != nil {
			m.logger.Warn("persisting relay list failed", "purpose", purpose, "error", err)
		}
	}
	if !found {
		m.publishDefaultRelayLists(ctx, pubkey)
	}
}

// publishDefaultRelayLists announces the process default relays for a new
// account across all three list kinds.
func (m *Manager) publishDefaultRelayLists(ctx context.Context, pubkey string) {
	handle, err := m.keys.Load(pubkey)
	if err != nil {
		return
	}
	defer handle.Release()
	sk, err := handle.Secret()
	if err != nil {
		return
	}

	now := int64(nostr.Now())
	for _, kind := range []int{relay.KindRelayList, relay.KindInboxRelayList, relay.KindKeyPackageRelayList} {
		tagName := "relay"
		if kind == relay.KindRelayList {
			tagName = "r"
		}
		tags := nostr.Tags{}
		for _, u := range m.defaultRelays {
			tags = append(tags, nostr.Tag{tagName, u})
		}
		ev := nostr.Event{
			PubKey:    pubkey,
			CreatedAt: nostr.Timestamp(now),
			Kind:      kind,
			Tags:      tags,
		}
		if err := ev.Sign(sk); err != nil {
			continue
		}
		if _, err := m.router.Publish(ctx, ev, m.defaultRelays); err != nil {
			m.logger.Debug("default relay list publish failed", "kind", kind, "error", err)
			continue
		}
		purpose := relay.PurposeGeneral
		switch kind {
		case relay.KindInboxRelayList:
			purpose = relay.PurposeInbox
		case relay.KindKeyPackageRelayList:
			purpose = relay.PurposeKeyPackage
		}
		_ = m.st.SetUserRelays(ctx, pubkey, string(purpose), m.defaultRelays, now)
	}
}

// refreshProfile pulls the account's metadata (kind 0) and follow list
// (kind 3), guarded against stale overwrites by event timestamps.
func (m *Manager) refreshProfile(ctx context.Context, pubkey string) {
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	events := m.router.QuerySync(fetchCtx, m.defaultRelays, nostr.Filter{
		Kinds:   []int{relay.KindUserMetadata, relay.KindFollowList},
		Authors: []string{pubkey},
	})
	for _, ev := range events {
		switch ev.Kind {
		case relay.KindUserMetadata:
			if _, err := m.st.UpsertUser(ctx, store.User{
				Pubkey:         ev.PubKey,
				Metadata:       []byte(ev.Content),
				EventCreatedAt: int64(ev.CreatedAt),
			}); err != nil {
				m.logger.Warn("persisting user metadata failed", "error", err)
			}
		case relay.KindFollowList:
			var followed []string
			for _, tag := range ev.Tags {
				if len(tag) >= 2 && tag[0] == "p" {
					followed = append(followed, tag[1])
				}
			}
			if err := m.st.SetFollows(ctx, pubkey, followed, int64(ev.CreatedAt)); err != nil {
				m.logger.Warn("persisting follow list failed", "error", err)
			}
		}
	}
	_ = m.st.MarkAccountSynced(ctx, pubkey, time.Now().UnixMilli())
}
