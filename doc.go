// Package whitenoise is the core of a decentralized, end-to-end encrypted
// messenger that layers MLS group keying over the Nostr relay network. It
// backs any UI; it is not one.
//
// # Architecture
//
// The process holds a single Store (SQLite), one relay Router, and one
// Aggregator, shared across accounts. Per-account state — the secret key in
// the keystore, the MLS provider — is strictly isolated.
//
//	cfg, _ := config.Load(config.DefaultConfigPath())
//	wn, _ := whitenoise.New(cfg, logger)
//	defer wn.Close(ctx)
//
//	pubkey, _ := wn.Accounts.Login(ctx, "nsec1...")
//	dm, _ := wn.CreateDirectMessage(ctx, peerPubkey)
//	wn.SendMessage(ctx, dm.MLSGroupID, "hello", "", nil)
//
// Outbound messages are sealed with the group's current MLS epoch, wrapped
// in an ephemeral-key envelope, and fanned out to the group's relays.
// Inbound events flow through per-account workers into the aggregator,
// which folds chats, reactions, and deletions into ordered per-group views
// that are independent of arrival order.
//
// Accounts are identified by their 32-byte hex Nostr pubkey throughout;
// groups by the hex MLS group id, with the public wire identifier mapped
// bijectively in the store.
package whitenoise
