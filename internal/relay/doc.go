// Package relay maintains the process-wide pool of Nostr relay connections.
//
// The Router wraps a nostr.SimplePool and adds the behavior the rest of the
// core depends on:
//
//   - Publish: parallel fan-out that returns on the first ack and settles
//     the remaining relays in the background (10 s default timeout).
//   - Subscribe: long-lived filtered subscriptions delivered over a bounded
//     channel. Under consumer lag the oldest events are dropped and a gap
//     marker is surfaced so the consumer can re-fetch by time range.
//   - StatusSnapshot: per-relay connected/connecting/disconnected view.
//   - ResolveLists: resolution of kind 10002/10050/10051 relay lists into
//     purpose-tagged URL sets.
//
// Reconnection uses jittered exponential backoff capped at 60 s and never
// gives up. Relays that repeatedly reject publishes are demoted (reported
// via Demoted) but keep their pool slot.
//
// All URLs entering the pool pass through Canonicalize, which is also the
// uniqueness key for relay rows in the store.
package relay
