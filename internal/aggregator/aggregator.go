// ABOUTME: Deterministic fold of decrypted group events into per-group ChatMessage views
// ABOUTME: Ingest persists the raw event and refolds; the fold is a pure function of the event multiset

package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/parres-hq/whitenoise/internal/store"
)

// orphanFoldLimit is how many fold passes an unresolved reaction survives
// before it is quarantined with a warning.
const orphanFoldLimit = 3

// EventStore is what the aggregator needs from persistence. Both
// *store.Store and *store.Tx satisfy it, so ingest can share the pipeline's
// transaction.
type EventStore interface {
	UpsertAggregatedMessage(ctx context.Context, m store.AggregatedMessage) error
	GetAggregatedMessage(ctx context.Context, mlsGroupID, messageID string) (*store.AggregatedMessage, error)
	ListGroupEvents(ctx context.Context, mlsGroupID string) ([]*store.AggregatedMessage, error)
	ListGroupMessages(ctx context.Context, mlsGroupID string, afterMs int64, limit int) ([]*store.AggregatedMessage, error)
	SetGroupLastMessage(ctx context.Context, mlsGroupID, messageID string, createdAtMs int64) error
	Quarantine(ctx context.Context, entry store.QuarantineEntry) error
}

// Aggregator turns the raw stream of per-epoch decrypted events into
// ordered, idempotent per-group views. One instance is shared across
// accounts.
type Aggregator struct {
	st     *store.Store
	logger *slog.Logger

	mu sync.Mutex
	// orphanPasses counts fold passes per unresolved reaction, keyed by
	// group|event_id. -1 marks an orphan already quarantined.
	orphanPasses map[string]int

	broadcaster *Broadcaster
}

// New creates the aggregator over the shared store.
func New(st *store.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		st:           st,
		logger:       logger.With("component", "aggregator"),
		orphanPasses: make(map[string]int),
		broadcaster:  NewBroadcaster(logger),
	}
}

// Broadcaster exposes the new-message notification fan-out.
func (a *Aggregator) Broadcaster() *Broadcaster { return a.broadcaster }

// IngestResult reports what an ingest changed.
type IngestResult struct {
	// Message is the folded view of the message this event targets (the
	// message itself for kind 9), nil when the target is not yet known.
	Message *ChatMessage
}

// Ingest persists one decrypted event and refolds the group. It must run
// inside the same transaction as the pipeline's record_processed so a crash
// leaves the database at state-before or state-after. Ingesting an event id
// that is already present is a no-op upsert; the fold is unchanged.
func (a *Aggregator) Ingest(ctx context.Context, es EventStore, mlsGroupID string, ev *Event) (*IngestResult, error) {
	switch ev.Kind {
	case KindChat, KindReaction, KindDeletion:
	default:
		return nil, fmt.Errorf("aggregator cannot ingest kind %d", ev.Kind)
	}

	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return nil, fmt.Errorf("serializing tags: %w", err)
	}
	row := store.AggregatedMessage{
		MessageID:   ev.ID,
		MLSGroupID:  mlsGroupID,
		Author:      ev.Author,
		Kind:        ev.Kind,
		CreatedAtMs: ev.CreatedAtMs,
		Content:     ev.Content,
		Tags:        tags,
	}
	if err := es.UpsertAggregatedMessage(ctx, row); err != nil {
		return nil, err
	}

	fold, err := a.foldGroup(ctx, es, mlsGroupID)
	if err != nil {
		return nil, err
	}

	// Persist the folded columns of the rows this event can have changed.
	affected := a.affectedIDs(ev, fold)
	for _, id := range affected {
		msg, ok := fold.messages[id]
		if !ok {
			continue
		}
		if err := a.writeFolded(ctx, es, msg); err != nil {
			return nil, err
		}
	}

	if ev.Kind == KindChat {
		if err := es.SetGroupLastMessage(ctx, mlsGroupID, ev.ID, ev.CreatedAtMs); err != nil {
			return nil, err
		}
	}

	a.trackOrphans(ctx, es, mlsGroupID, fold)

	result := &IngestResult{}
	if msg, ok := fold.messages[a.targetID(ev)]; ok {
		result.Message = msg
	}
	return result, nil
}

// targetID resolves which ChatMessage an event bears on.
func (a *Aggregator) targetID(ev *Event) string {
	switch ev.Kind {
	case KindChat:
		return ev.ID
	case KindReaction:
		if t := lastTagValue(ev.Tags, "e"); t != "" {
			return t
		}
	case KindDeletion:
		if t := firstTagValue(ev.Tags, "e"); t != "" {
			return t
		}
	}
	return ""
}

// affectedIDs lists the kind-9 rows whose folded columns this event may
// have changed.
func (a *Aggregator) affectedIDs(ev *Event, fold *groupFold) []string {
	switch ev.Kind {
	case KindChat:
		ids := []string{ev.ID}
		// A payment reply also refreshes the invoice-bearing message.
		if paymentFromTags(ev) != nil {
			if q := firstTagValue(ev.Tags, "q"); q != "" {
				ids = append(ids, q)
			}
		}
		return ids
	case KindReaction:
		if t := lastTagValue(ev.Tags, "e"); t != "" {
			return []string{t}
		}
	case KindDeletion:
		var ids []string
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
				ids = append(ids, tag[1])
			}
		}
		return ids
	}
	return nil
}

// writeFolded stores the folded view columns of one kind-9 row.
func (a *Aggregator) writeFolded(ctx context.Context, es EventStore, msg *ChatMessage) error {
	tokens, _ := json.Marshal(msg.Tokens)
	reactions, _ := json.Marshal(msg.Reactions)
	media, _ := json.Marshal(msg.MediaAttachments)

	existing, err := es.GetAggregatedMessage(ctx, msg.MLSGroupID, msg.ID)
	if err != nil {
		return err
	}
	existing.Content = msg.Content
	existing.ReplyToID = msg.ReplyToID
	existing.DeletionEventID = msg.DeletionEventID
	existing.ContentTokens = tokens
	existing.Reactions = reactions
	existing.MediaAttachments = media
	return es.UpsertAggregatedMessage(ctx, *existing)
}

// trackOrphans counts fold passes for reactions whose target is still
// missing and quarantines them past the limit.
func (a *Aggregator) trackOrphans(ctx context.Context, es EventStore, mlsGroupID string, fold *groupFold) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, orphanID := range fold.orphanReactions {
		key := mlsGroupID + "|" + orphanID
		passes, known := a.orphanPasses[key]
		if passes < 0 {
			continue // already quarantined
		}
		if known {
			passes++
		}
		if passes >= orphanFoldLimit {
			a.logger.Warn("orphan reaction quarantined after retries", "group", mlsGroupID[:8], "event", orphanID)
			if err := es.Quarantine(ctx, store.QuarantineEntry{
				EventID: orphanID, AccountPubkey: "", Reason: "orphan reaction", Detail: "target message never arrived",
			}); err != nil {
				a.logger.Error("quarantining orphan reaction", "error", err)
			}
			a.orphanPasses[key] = -1
			continue
		}
		a.orphanPasses[key] = passes
	}
}

// MessagesForGroup returns the folded kind-9 messages for a group ordered
// by (created_at, event_id), bounded by afterMs and limit.
func (a *Aggregator) MessagesForGroup(ctx context.Context, mlsGroupID string, afterMs int64, limit int) ([]*ChatMessage, error) {
	fold, err := a.foldGroup(ctx, a.st, mlsGroupID)
	if err != nil {
		return nil, err
	}

	out := make([]*ChatMessage, 0, len(fold.messages))
	for _, msg := range fold.messages {
		if msg.CreatedAtMs > afterMs {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// groupFold is the in-memory result of folding one group.
type groupFold struct {
	messages        map[string]*ChatMessage
	orphanReactions []string // reaction event ids whose target is missing
}

// foldGroup derives the per-group view from the full multiset of ingested
// events. The result depends only on the set, never on arrival order.
func (a *Aggregator) foldGroup(ctx context.Context, es EventStore, mlsGroupID string) (*groupFold, error) {
	rows, err := es.ListGroupEvents(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}

	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		var tags nostr.Tags
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			a.logger.Warn("skipping event with malformed tags", "event", row.MessageID)
			continue
		}
		events = append(events, &Event{
			ID:          row.MessageID,
			Author:      row.Author,
			Kind:        row.Kind,
			CreatedAtMs: row.CreatedAtMs,
			Content:     row.Content,
			Tags:        tags,
		})
	}
	// Deterministic fold order regardless of arrival: (created_at, id).
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAtMs != events[j].CreatedAtMs {
			return events[i].CreatedAtMs < events[j].CreatedAtMs
		}
		return events[i].ID < events[j].ID
	})

	fold := &groupFold{messages: make(map[string]*ChatMessage)}

	// Pass 1: chat messages.
	for _, ev := range events {
		if ev.Kind == KindChat {
			fold.messages[ev.ID] = a.buildMessage(mlsGroupID, ev)
		}
	}
	// Pass 2: reactions.
	for _, ev := range events {
		if ev.Kind == KindReaction {
			if !a.applyReaction(fold, ev) {
				fold.orphanReactions = append(fold.orphanReactions, ev.ID)
			}
		}
	}
	// Pass 3: deletions.
	for _, ev := range events {
		if ev.Kind == KindDeletion {
			a.applyDeletion(fold, ev)
		}
	}
	// Pass 4: lightning payment correlation.
	for _, ev := range events {
		if ev.Kind == KindChat {
			a.applyPayment(fold, ev)
		}
	}
	return fold, nil
}

// buildMessage parses a kind-9 event into its ChatMessage.
func (a *Aggregator) buildMessage(mlsGroupID string, ev *Event) *ChatMessage {
	msg := &ChatMessage{
		ID:          ev.ID,
		Author:      ev.Author,
		MLSGroupID:  mlsGroupID,
		CreatedAtMs: ev.CreatedAtMs,
		Content:     ev.Content,
		Tokens:      Tokenize(ev.Content),
		Reactions:   make(map[string]*ReactionSummary),
	}
	// reply_to = first ("q", id, relay_hint, pubkey) tag.
	msg.ReplyToID = firstTagValue(ev.Tags, "q")
	msg.MediaAttachments = attachmentsFromTags(ev, a.logger)
	msg.LightningInvoice = invoiceFromTags(ev)
	msg.LightningPayment = paymentFromTags(ev)
	return msg
}

// applyReaction folds one kind-7 event. Reports false when the target is
// not (yet) in the group.
func (a *Aggregator) applyReaction(fold *groupFold, ev *Event) bool {
	targetID := lastTagValue(ev.Tags, "e")
	if targetID == "" {
		return true // malformed, nothing to wait for
	}
	target, ok := fold.messages[targetID]
	if !ok {
		return false
	}
	emoji, ok := NormalizeReaction(ev.Content)
	if !ok {
		a.logger.Debug("ignoring non-emoji reaction", "event", ev.ID)
		return true
	}

	summary := target.Reactions[emoji]
	if summary == nil {
		summary = &ReactionSummary{}
		target.Reactions[emoji] = summary
	}
	for _, u := range summary.Users {
		if u == ev.Author {
			return true // one reaction per (user, emoji); re-reacting is a no-op
		}
	}
	summary.Users = append(summary.Users, ev.Author)
	summary.Count = len(summary.Users)
	return true
}

// applyDeletion folds one kind-5 event. A deletion only applies when its
// author matches the target's author; anything else is a protocol
// violation and is ignored. Reactions already folded are kept.
func (a *Aggregator) applyDeletion(fold *groupFold, ev *Event) {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "e" || tag[1] == "" {
			continue
		}
		target, ok := fold.messages[tag[1]]
		if !ok {
			continue
		}
		if target.Author != ev.Author {
			a.logger.Warn("deletion author mismatch, ignoring", "event", ev.ID, "target", tag[1])
			continue
		}
		target.IsDeleted = true
		target.DeletionEventID = ev.ID
		target.Content = ""
		target.Tokens = nil
	}
}

// applyPayment correlates a preimage-bearing reply with the invoice it
// quotes. A payment arriving before its invoice stays unpaid until the
// invoice shows up in a later fold.
func (a *Aggregator) applyPayment(fold *groupFold, ev *Event) {
	payment := paymentFromTags(ev)
	if payment == nil {
		return
	}
	self, ok := fold.messages[ev.ID]
	if !ok {
		return
	}
	quoted := firstTagValue(ev.Tags, "q")
	if quoted == "" {
		return
	}
	target, ok := fold.messages[quoted]
	if !ok || target.LightningInvoice == nil {
		return
	}
	if !target.LightningInvoice.IsPaid {
		target.LightningInvoice.IsPaid = true
		self.LightningPayment.IsPaid = true
	}
}

func firstTagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

func lastTagValue(tags nostr.Tags, name string) string {
	for i := len(tags) - 1; i >= 0; i-- {
		if len(tags[i]) >= 2 && tags[i][0] == name {
			return tags[i][1]
		}
	}
	return ""
}
