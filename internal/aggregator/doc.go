// Package aggregator folds the raw stream of decrypted group events
// (kind-9 chats, kind-7 reactions, kind-5 deletions) into ordered,
// idempotent per-group ChatMessage views.
//
// # Order independence
//
// The fold is a pure function of the multiset of ingested events: events
// are sorted by (created_at, event_id) and folded in passes (messages,
// reactions, deletions, payment correlation), so arrival order can change
// only the timing of visibility, never the final state. This is what makes
// orphan reactions, early deletions, and preimage-before-invoice arrivals
// safe.
//
// # Ingest rules
//
//   - Kind 9 upserts a ChatMessage keyed by event id: reply-to from the
//     first "q" tag, media attachments from "imeta" tags (malformed URLs
//     skip the attachment, never the message), a lightning invoice from a
//     "bolt11" tag, a payment from a "preimage" tag, and content tokens
//     from the deterministic tokenizer.
//   - Kind 7 adds to the target's reactions keyed by (user, emoji);
//     "+"/"-" normalize to thumbs; one reaction per (user, emoji) with
//     re-reacts as no-ops and different emoji kept alongside. A reaction
//     whose target is missing is buffered implicitly; after three fold
//     passes without resolution it is quarantined with a warning (and
//     still applies if the target eventually arrives).
//   - Kind 5 marks the target deleted and clears content only when the
//     deletion's author matches the target's author. Folded reactions are
//     kept.
//
// Ingest persists the raw event and the affected folded columns inside the
// caller's transaction; rules should stay pure functions of "event +
// current per-group state" so new kinds preserve order independence.
package aggregator
