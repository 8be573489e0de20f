// Package pipeline moves encrypted group traffic between the local state
// and the relays.
//
// # Outbound
//
// Send serializes a chat-layer event, seals it with the group's current
// MLS epoch, wraps the ciphertext in an ephemeral-key envelope addressed to
// the group's public nostr id, records it in published_events and
// processed_events, folds it locally for immediate rendering, and fans it
// out to the group's relays. Reaching one relay is success; reaching none
// returns ErrPublishFailed with the local rows retained so retries stay
// idempotent.
//
// Welcomes travel as NIP-59 gift wraps to the recipient's inbox relays;
// commits ride kind-445 envelopes whose secrets are sealed inside the
// payload. Key packages are published under the account's own key so
// invitees can be verified.
//
// # Inbound
//
// RunAccount is the per-account worker: filtered subscriptions over the
// account's group ids plus its personal gift wraps, periodic backfills
// bounded by the newest processed gift wrap (minus slack for randomized
// wrap timestamps), and gap-marker-driven refetches. Every event is
// handled inside one store transaction together with its record_processed
// row: duplicates drop silently, own echoes are skipped, protocol failures
// (replay, epoch mismatch, admin violations, malformed payloads) are
// quarantined in the same transaction and never retried. Events for groups
// we don't know yet, and commits from a future epoch, roll back unprocessed
// so a later pass can serve them.
//
// Delivery to the aggregator is FIFO per group for a single relay stream;
// cross-relay ordering is only by created_at, which the aggregator's
// order-independent fold absorbs.
//
// The seconds-to-milliseconds timestamp conversion happens here, once:
// everything downstream of the pipeline speaks milliseconds.
package pipeline
