// ABOUTME: Outbound message pipeline: seal, wrap, record, publish
// ABOUTME: Implements the group engine's Publisher and the key-package lifecycle

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/parres-hq/whitenoise/internal/aggregator"
	"github.com/parres-hq/whitenoise/internal/dedupe"
	"github.com/parres-hq/whitenoise/internal/group"
	"github.com/parres-hq/whitenoise/internal/keystore"
	"github.com/parres-hq/whitenoise/internal/mls"
	"github.com/parres-hq/whitenoise/internal/relay"
	"github.com/parres-hq/whitenoise/internal/store"
)

// ErrPublishFailed is returned when an outbound event reached no relay. The
// published_events row is retained so a retry stays idempotent.
var ErrPublishFailed = errors.New("publish failed on all relays")

// errSkipEvent aborts an inbound transaction without recording the event as
// processed, so a later pass (after a welcome, say) can retry it.
var errSkipEvent = errors.New("skip event")

// Router is what the pipeline needs from the relay layer. *relay.Router
// satisfies it; tests substitute a fake.
type Router interface {
	Publish(ctx context.Context, ev nostr.Event, relays []string) (*relay.PublishReceipt, error)
	Subscribe(ctx context.Context, relays []string, filter nostr.Filter) (<-chan relay.Incoming, error)
	QuerySync(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event
}

// Pipeline owns the outbound seal/wrap/publish path and the per-account
// inbound workers. One pipeline is shared by all accounts.
type Pipeline struct {
	st            *store.Store
	router        Router
	engine        *group.Engine
	agg           *aggregator.Aggregator
	keys          *keystore.KeyStore
	defaultRelays []string
	logger        *slog.Logger

	// seen suppresses relay duplicates in memory before the authoritative
	// processed_events check.
	seen *dedupe.Cache

	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
	kicks      map[string]chan struct{}
}

// New creates the pipeline. defaultRelays back every relay-list fallback.
func New(st *store.Store, router Router, engine *group.Engine, agg *aggregator.Aggregator, keys *keystore.KeyStore, defaultRelays []string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		st:            st,
		router:        router,
		engine:        engine,
		agg:           agg,
		keys:          keys,
		defaultRelays: defaultRelays,
		logger:        logger.With("component", "pipeline"),
		seen:          dedupe.New(10*time.Minute, 8192),
		groupLocks:    make(map[string]*sync.Mutex),
		kicks:         make(map[string]chan struct{}),
	}
}

// groupLock serializes inbound and outbound work per group: a send waits
// for an in-flight commit, and a commit waits for the outbox to drain.
func (pl *Pipeline) groupLock(mlsGroupID string) *sync.Mutex {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	l, ok := pl.groupLocks[mlsGroupID]
	if !ok {
		l = &sync.Mutex{}
		pl.groupLocks[mlsGroupID] = l
	}
	return l
}

// Send seals a chat-layer event (kind 9, 7 or 5) into the group's current
// epoch, publishes it, and folds it locally so the caller can render
// immediately. Echoes from our own subscription are suppressed by the
// published_events row written here.
func (pl *Pipeline) Send(ctx context.Context, account, mlsGroupID string, kind int, content string, tags nostr.Tags) (*aggregator.ChatMessage, error) {
	lock := pl.groupLock(mlsGroupID)
	lock.Lock()
	defer lock.Unlock()

	if err := pl.engine.Sendable(ctx, mlsGroupID); err != nil {
		return nil, err
	}
	info, err := pl.st.GetGroup(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	provider, err := pl.engine.Provider(account)
	if err != nil {
		return nil, err
	}

	rumor := Rumor{
		Kind:        kind,
		Content:     content,
		Tags:        tags,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	plaintext, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("serializing message: %w", err)
	}
	ct, err := provider.Seal(mlsGroupID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealing message: %w", err)
	}
	ev, err := buildGroupMessageEvent(info.NostrGroupID, ct)
	if err != nil {
		return nil, err
	}

	var folded *aggregator.ChatMessage
	err = pl.st.WithTx(ctx, func(tx *store.Tx) error {
		fresh, err := tx.RecordPublished(ctx, store.PublishedEvent{EventID: ev.ID, Account: account, Kind: ev.Kind})
		if err != nil {
			return err
		}
		if !fresh {
			return fmt.Errorf("event %s already published", ev.ID)
		}
		if _, err := tx.RecordProcessed(ctx, store.ProcessedEvent{
			EventID: ev.ID, Account: account, Kind: ev.Kind, Author: account,
			EventCreatedMs: int64(ev.CreatedAt) * 1000,
		}); err != nil {
			return err
		}
		result, err := pl.agg.Ingest(ctx, tx, mlsGroupID, &aggregator.Event{
			ID:          ev.ID,
			Author:      account,
			Kind:        kind,
			CreatedAtMs: rumor.CreatedAtMs,
			Content:     content,
			Tags:        tags,
		})
		if err != nil {
			return err
		}
		folded = result.Message
		return nil
	})
	if err != nil {
		return nil, err
	}

	pl.agg.Broadcaster().Publish(folded)

	if _, err := pl.router.Publish(ctx, *ev, pl.groupRelays(info)); err != nil {
		// The local rows stay: a retry with a fresh event id is safe, and
		// the message is already rendered for the sender.
		return folded, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return folded, nil
}

// groupRelays resolves where a group's traffic is published.
func (pl *Pipeline) groupRelays(info *store.GroupInfo) []string {
	if len(info.Relays) > 0 {
		return info.Relays
	}
	return pl.defaultRelays
}

// relaysFor resolves a user's relays for a purpose with fallback to the
// process defaults.
func (pl *Pipeline) relaysFor(ctx context.Context, pubkey, purpose string) []string {
	urs, err := pl.st.UserRelays(ctx, pubkey, purpose)
	if err == nil && len(urs) > 0 {
		out := make([]string, 0, len(urs))
		for _, ur := range urs {
			out = append(out, ur.URL)
		}
		return out
	}
	return pl.defaultRelays
}

// PublishWelcome gift-wraps a welcome and publishes it on the recipient's
// inbox relays. Part of the group engine's Publisher contract.
func (pl *Pipeline) PublishWelcome(ctx context.Context, account, recipient string, welcome mls.Welcome) error {
	handle, err := pl.keys.Load(account)
	if err != nil {
		return fmt.Errorf("loading account key: %w", err)
	}
	defer handle.Release()
	sk, err := handle.Secret()
	if err != nil {
		return err
	}

	wrap, err := buildWelcomeWrap(sk, recipient, welcome)
	if err != nil {
		return err
	}
	if _, err := pl.st.RecordPublished(ctx, store.PublishedEvent{EventID: wrap.ID, Account: account, Kind: wrap.Kind}); err != nil {
		return err
	}
	if _, err := pl.router.Publish(ctx, *wrap, pl.relaysFor(ctx, recipient, string(relay.PurposeInbox))); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// LockGroup exposes the per-group serialization to the engine, which holds
// it across commit creation and publication.
func (pl *Pipeline) LockGroup(mlsGroupID string) func() {
	lock := pl.groupLock(mlsGroupID)
	lock.Lock()
	return lock.Unlock
}

// PublishCommit publishes a commit into the group feed. An error means no
// relay accepted it; the engine rolls the MLS state back in that case. The
// caller already holds the group lock via LockGroup.
func (pl *Pipeline) PublishCommit(ctx context.Context, account, mlsGroupID string, commit *mls.Commit) error {
	info, err := pl.st.GetGroup(ctx, mlsGroupID)
	if err != nil {
		return err
	}
	ev, err := buildGroupCommitEvent(info.NostrGroupID, commit)
	if err != nil {
		return err
	}

	err = pl.st.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.RecordPublished(ctx, store.PublishedEvent{EventID: ev.ID, Account: account, Kind: ev.Kind}); err != nil {
			return err
		}
		_, err := tx.RecordProcessed(ctx, store.ProcessedEvent{
			EventID: ev.ID, Account: account, Kind: ev.Kind, Author: account,
			EventCreatedMs: int64(ev.CreatedAt) * 1000,
		})
		return err
	})
	if err != nil {
		return err
	}

	if _, err := pl.router.Publish(ctx, *ev, pl.groupRelays(info)); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// PublishKeyPackage creates a fresh key package, publishes it on the
// account's key-package relays, and tracks it for later rotation.
func (pl *Pipeline) PublishKeyPackage(ctx context.Context, account string) error {
	provider, err := pl.engine.Provider(account)
	if err != nil {
		return err
	}
	kp, err := provider.CreateKeyPackage()
	if err != nil {
		return err
	}

	handle, err := pl.keys.Load(account)
	if err != nil {
		return fmt.Errorf("loading account key: %w", err)
	}
	defer handle.Release()
	sk, err := handle.Secret()
	if err != nil {
		return err
	}
	ev, err := buildKeyPackageEvent(sk, kp)
	if err != nil {
		return err
	}

	relays := pl.relaysFor(ctx, account, string(relay.PurposeKeyPackage))
	err = pl.st.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.RecordPublished(ctx, store.PublishedEvent{EventID: ev.ID, Account: account, Kind: ev.Kind}); err != nil {
			return err
		}
		return tx.RecordKeyPackage(ctx, store.KeyPackageRecord{
			AccountPubkey: account,
			EventID:       ev.ID,
			Relays:        relays,
			ExpiresAtMs:   kp.ExpiresAt * 1000,
		})
	})
	if err != nil {
		return err
	}

	if _, err := pl.router.Publish(ctx, *ev, relays); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	pl.logger.Info("published key package", "account", account[:8], "event", ev.ID[:8])
	return nil
}

// FetchKeyPackage resolves a peer's newest valid key package from their
// key-package relays. Part of the group engine's KeyPackageSource contract.
func (pl *Pipeline) FetchKeyPackage(ctx context.Context, pubkey string) (*mls.KeyPackage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	events := pl.router.QuerySync(fetchCtx, pl.relaysFor(ctx, pubkey, string(relay.PurposeKeyPackage)), nostr.Filter{
		Kinds:   []int{relay.KindMLSKeyPackage},
		Authors: []string{pubkey},
		Limit:   8,
	})

	var newest *mls.KeyPackage
	var newestAt nostr.Timestamp
	for _, ev := range events {
		kp, err := parseKeyPackageEvent(ev)
		if err != nil {
			pl.logger.Debug("skipping invalid key package", "event", ev.ID, "error", err)
			continue
		}
		if newest == nil || ev.CreatedAt > newestAt {
			newest, newestAt = kp, ev.CreatedAt
		}
	}
	if newest == nil {
		return nil, group.ErrNoKeyPackage
	}
	return newest, nil
}
