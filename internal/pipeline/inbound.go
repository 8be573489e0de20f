// ABOUTME: Per-account inbound worker: filtered subscriptions, periodic backfill, unwrap/decrypt/persist
// ABOUTME: Every event is handled inside one transaction with record_processed; failures quarantine, never retry

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/parres-hq/whitenoise/internal/aggregator"
	"github.com/parres-hq/whitenoise/internal/group"
	"github.com/parres-hq/whitenoise/internal/mls"
	"github.com/parres-hq/whitenoise/internal/relay"
	"github.com/parres-hq/whitenoise/internal/store"
)

const (
	// backfillInterval paces the periodic catch-up queries.
	backfillInterval = 5 * time.Minute

	// backfillSlack widens the backfill window: gift wraps randomize their
	// outer created_at backwards, so the since bound must reach further.
	backfillSlack = 3 * 24 * time.Hour

	// resubscribeInterval bounds how stale the subscription's group set can
	// get even without a kick.
	resubscribeInterval = time.Minute
)

// Kick asks an account's inbound worker to rebuild its subscriptions, used
// after a welcome adds a group.
func (pl *Pipeline) Kick(account string) {
	pl.mu.Lock()
	ch, ok := pl.kicks[account]
	pl.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// RunAccount is the inbound loop for one account. It blocks until ctx is
// cancelled; the account manager runs it in the account's task scope so
// logout joins it.
func (pl *Pipeline) RunAccount(ctx context.Context, account string) {
	pl.mu.Lock()
	kick := make(chan struct{}, 1)
	pl.kicks[account] = kick
	pl.mu.Unlock()
	defer func() {
		pl.mu.Lock()
		delete(pl.kicks, account)
		pl.mu.Unlock()
	}()

	logger := pl.logger.With("account", account[:8])
	logger.Info("inbound worker started")
	defer logger.Info("inbound worker stopped")

	backfillTick := time.NewTicker(backfillInterval)
	defer backfillTick.Stop()

	for {
		subCtx, cancel := context.WithCancel(ctx)
		events, relays := pl.subscribeAccount(subCtx, account)
		pl.backfill(ctx, account, relays, 0)

		resub := time.NewTimer(resubscribeInterval)
	drain:
		for {
			select {
			case <-ctx.Done():
				cancel()
				resub.Stop()
				return
			case <-kick:
				break drain
			case <-resub.C:
				break drain
			case <-backfillTick.C:
				pl.backfill(ctx, account, relays, 0)
			case in, ok := <-events:
				if !ok {
					break drain
				}
				if in.Gap {
					logger.Warn("subscription gap, refetching window", "since", in.GapSince)
					pl.backfill(ctx, account, relays, int64(in.GapSince))
					continue
				}
				pl.handleWrapped(ctx, account, in.Event)
			}
		}
		cancel()
		resub.Stop()
		// Drain until the router closes the channel for this subscription.
		for range events {
		}
	}
}

// subscribeAccount opens the account's subscriptions: group envelopes by
// nostr group id and personal gift wraps by pubkey. Returns a merged stream
// and the relay set used.
func (pl *Pipeline) subscribeAccount(ctx context.Context, account string) (<-chan relay.Incoming, []string) {
	groupIDs, relays := pl.accountGroups(ctx, account)

	merged := make(chan relay.Incoming, 64)
	var wg sync.WaitGroup
	forward := func(ch <-chan relay.Incoming) {
		defer wg.Done()
		for in := range ch {
			select {
			case merged <- in:
			case <-ctx.Done():
				return
			}
		}
	}

	since := pl.sinceBound(ctx, account)
	streams := 0
	if len(groupIDs) > 0 {
		ch, err := pl.router.Subscribe(ctx, relays, nostr.Filter{
			Kinds: []int{relay.KindGiftWrap, relay.KindMLSCommit},
			Tags:  nostr.TagMap{groupTag: groupIDs},
			Since: &since,
		})
		if err == nil {
			streams++
			wg.Add(1)
			go forward(ch)
		}
	}
	ch, err := pl.router.Subscribe(ctx, relays, nostr.Filter{
		Kinds: []int{relay.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{account}},
		Since: &since,
	})
	if err == nil {
		streams++
		wg.Add(1)
		go forward(ch)
	}

	// The merged channel closes only after every forwarder has exited, so
	// a cancelled subscription can never send on a closed channel.
	go func() {
		wg.Wait()
		close(merged)
	}()
	if streams == 0 {
		pl.logger.Warn("no subscriptions established", "account", account[:8])
	}
	return merged, relays
}

// accountGroups collects the nostr group ids of the account's groups and
// the union of relays to watch.
func (pl *Pipeline) accountGroups(ctx context.Context, account string) ([]string, []string) {
	relaySet := make(map[string]struct{})
	for _, u := range pl.relaysFor(ctx, account, string(relay.PurposeInbox)) {
		relaySet[u] = struct{}{}
	}

	var groupIDs []string
	memberships, err := pl.st.ListMemberships(ctx, account)
	if err != nil {
		pl.logger.Error("listing memberships", "error", err)
	}
	for _, m := range memberships {
		if m.Confirmation == store.ConfirmationDeclined {
			continue
		}
		info, err := pl.st.GetGroup(ctx, m.MLSGroupID)
		if err != nil {
			continue
		}
		groupIDs = append(groupIDs, info.NostrGroupID)
		for _, u := range info.Relays {
			relaySet[u] = struct{}{}
		}
	}

	relays := make([]string, 0, len(relaySet))
	for u := range relaySet {
		relays = append(relays, u)
	}
	if len(relays) == 0 {
		relays = pl.defaultRelays
	}
	return groupIDs, relays
}

// sinceBound computes the subscription/backfill lower bound from the last
// processed gift wrap, minus slack for randomized wrap timestamps.
func (pl *Pipeline) sinceBound(ctx context.Context, account string) nostr.Timestamp {
	latestMs, err := pl.st.LatestProcessedMs(ctx, relay.KindGiftWrap, account)
	if err != nil || latestMs == 0 {
		return 0
	}
	since := latestMs/1000 - int64(backfillSlack/time.Second)
	if since < 0 {
		since = 0
	}
	return nostr.Timestamp(since)
}

// backfill fetches the window since the given bound (or the account's
// resume point) and runs every event through the normal handler. Handling
// is idempotent, so overlap with the live stream is harmless.
func (pl *Pipeline) backfill(ctx context.Context, account string, relays []string, sinceUnix int64) {
	since := nostr.Timestamp(sinceUnix)
	if sinceUnix == 0 {
		since = pl.sinceBound(ctx, account)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	groupIDs, _ := pl.accountGroups(ctx, account)
	filters := []nostr.Filter{{
		Kinds: []int{relay.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{account}},
		Since: &since,
	}}
	if len(groupIDs) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds: []int{relay.KindGiftWrap, relay.KindMLSCommit},
			Tags:  nostr.TagMap{groupTag: groupIDs},
			Since: &since,
		})
	}
	for _, f := range filters {
		for _, ev := range pl.router.QuerySync(fetchCtx, relays, f) {
			pl.handleWrapped(ctx, account, ev)
		}
	}
	_ = pl.st.MarkAccountSynced(ctx, account, time.Now().UnixMilli())
}

// handleWrapped processes one wire event for an account. The processed
// mark, any group/membership change, and the aggregated row commit in a
// single transaction; a ciphertext that fails protocol checks is
// quarantined inside the same transaction and never retried.
func (pl *Pipeline) handleWrapped(ctx context.Context, account string, ev *nostr.Event) {
	// Cheap in-memory suppression of relay duplicates; the processed_events
	// row below stays authoritative.
	seenKey := account + "|" + ev.ID
	if pl.seen.CheckAndMark(seenKey) {
		return
	}

	quarantined, err := pl.st.IsQuarantined(ctx, ev.ID, account)
	if err != nil || quarantined {
		return
	}

	// Serialize with outbound work on the same group. Taken before the
	// transaction opens: lock order is always groupLock then tx.
	if nostrGroupID := envelopeGroupID(ev); nostrGroupID != "" {
		if info, err := pl.st.GetGroupByNostrID(ctx, nostrGroupID); err == nil {
			lock := pl.groupLock(info.MLSGroupID)
			lock.Lock()
			defer lock.Unlock()
		}
	}

	var notify *aggregator.ChatMessage
	welcomeProcessed := false

	err = pl.st.WithTx(ctx, func(tx *store.Tx) error {
		fresh, err := tx.RecordProcessed(ctx, store.ProcessedEvent{
			EventID: ev.ID, Account: account, Kind: ev.Kind, Author: ev.PubKey,
			EventCreatedMs: int64(ev.CreatedAt) * 1000,
		})
		if err != nil {
			return err
		}
		if !fresh {
			return errSkipEvent // duplicate: drop silently
		}
		published, err := tx.IsPublished(ctx, ev.ID, account)
		if err != nil {
			return err
		}
		if published {
			return nil // our own echo, already applied at send time
		}

		nostrGroupID := envelopeGroupID(ev)
		switch {
		case ev.Kind == relay.KindGiftWrap && nostrGroupID == "":
			err := pl.handleWelcome(ctx, tx, account, ev)
			if err == nil {
				welcomeProcessed = true
			}
			return err
		case ev.Kind == relay.KindMLSCommit:
			return pl.handleCommit(ctx, tx, account, nostrGroupID, ev)
		case ev.Kind == relay.KindGiftWrap:
			msg, err := pl.handleGroupMessage(ctx, tx, account, nostrGroupID, ev)
			notify = msg
			return err
		default:
			return nil
		}
	})
	if err != nil {
		// Let a later delivery retry anything that didn't commit; the
		// database suppresses true duplicates either way.
		pl.seen.Forget(seenKey)
		if !errors.Is(err, errSkipEvent) {
			pl.logger.Error("handling inbound event", "event", ev.ID[:8], "error", err)
		}
		return
	}

	pl.agg.Broadcaster().Publish(notify)
	if welcomeProcessed {
		pl.Kick(account)
	}
}

// handleWelcome unwraps a personal gift wrap and hands the welcome to the
// group engine. Wraps that don't parse as welcomes are quarantined.
func (pl *Pipeline) handleWelcome(ctx context.Context, tx *store.Tx, account string, ev *nostr.Event) error {
	handle, err := pl.keys.Load(account)
	if err != nil {
		return fmt.Errorf("loading account key: %w", err)
	}
	defer handle.Release()
	sk, err := handle.Secret()
	if err != nil {
		return err
	}

	welcome, inviter, err := openWelcomeWrap(sk, ev)
	if err != nil {
		pl.logger.Warn("quarantining unreadable gift wrap", "event", ev.ID[:8], "error", err)
		return tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "malformed gift wrap", Detail: err.Error(),
		})
	}
	if welcome.Inviter != "" && welcome.Inviter != inviter {
		pl.logger.Warn("quarantining welcome with inviter mismatch", "event", ev.ID[:8])
		return tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "welcome inviter mismatch",
		})
	}

	if err := pl.engine.HandleWelcome(ctx, tx, account, *welcome); err != nil {
		return err
	}
	pl.logger.Info("welcome processed", "account", account[:8], "group", welcome.GroupID.String()[:8])
	return nil
}

// handleCommit parses and applies a group commit. Policy violations,
// replays and stale epochs quarantine; a commit from a future epoch rolls
// back unprocessed so backfill can retry once the gap closes.
func (pl *Pipeline) handleCommit(ctx context.Context, tx *store.Tx, account, nostrGroupID string, ev *nostr.Event) error {
	info, err := tx.GetGroupByNostrID(ctx, nostrGroupID)
	if errors.Is(err, store.ErrNotFound) {
		return errSkipEvent // not (yet) our group
	}
	if err != nil {
		return err
	}

	var commit mls.Commit
	if err := decodeEnvelopePayload(ev, &commit); err != nil {
		return tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "malformed commit", Detail: err.Error(),
		})
	}

	err = pl.engine.HandleCommit(ctx, tx, account, info.MLSGroupID, &commit)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, group.ErrAdminPolicy):
		return tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "admin policy violation",
			Detail: fmt.Sprintf("committer %s", commit.Committer),
		})
	case errors.Is(err, mls.ErrEpochFork):
		pl.logger.Error("group frozen by epoch fork", "group", info.MLSGroupID[:8])
		return tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "epoch fork",
		})
	case errors.Is(err, mls.ErrEpochMismatch):
		if current, epochErr := pl.engine.Epoch(account, info.MLSGroupID); epochErr == nil && commit.NewEpoch < current {
			// Behind us: a stale commit can never apply.
			return tx.Quarantine(ctx, store.QuarantineEntry{
				EventID: ev.ID, AccountPubkey: account, Reason: "stale commit epoch",
			})
		}
		// Ahead of us: leave unprocessed for a later backfill pass.
		return errSkipEvent
	case errors.Is(err, mls.ErrReplayed):
		return tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "invalid commit", Detail: err.Error(),
		})
	default:
		return err
	}
}

// handleGroupMessage opens a sealed group envelope and feeds the inner
// chat-layer event to the aggregator.
func (pl *Pipeline) handleGroupMessage(ctx context.Context, tx *store.Tx, account, nostrGroupID string, ev *nostr.Event) (*aggregator.ChatMessage, error) {
	info, err := tx.GetGroupByNostrID(ctx, nostrGroupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errSkipEvent
	}
	if err != nil {
		return nil, err
	}

	provider, err := pl.engine.Provider(account)
	if err != nil {
		return nil, err
	}

	var ct mls.Ciphertext
	if err := decodeEnvelopePayload(ev, &ct); err != nil {
		return nil, tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "malformed envelope", Detail: err.Error(),
		})
	}

	plaintext, err := provider.Open(info.MLSGroupID, &ct)
	switch {
	case errors.Is(err, mls.ErrReplayed):
		return nil, tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "replayed or invalid ciphertext",
		})
	case errors.Is(err, mls.ErrEpochMismatch):
		return nil, tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "epoch mismatch",
		})
	case err != nil:
		return nil, err
	}

	var rumor Rumor
	if err := json.Unmarshal(plaintext, &rumor); err != nil {
		return nil, tx.Quarantine(ctx, store.QuarantineEntry{
			EventID: ev.ID, AccountPubkey: account, Reason: "malformed rumor", Detail: err.Error(),
		})
	}

	switch rumor.Kind {
	case aggregator.KindChat, aggregator.KindReaction, aggregator.KindDeletion:
		result, err := pl.agg.Ingest(ctx, tx, info.MLSGroupID, &aggregator.Event{
			ID:          ev.ID,
			Author:      ct.Sender,
			Kind:        rumor.Kind,
			CreatedAtMs: rumor.CreatedAtMs,
			Content:     rumor.Content,
			Tags:        rumor.Tags,
		})
		if err != nil {
			return nil, err
		}
		return result.Message, nil
	default:
		pl.logger.Debug("ignoring inner kind", "kind", rumor.Kind, "event", ev.ID[:8])
		return nil, nil
	}
}
