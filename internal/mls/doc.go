// Package mls holds the per-account group-keying state behind the
// MlsProvider contract: key packages, group rosters, the epoch key
// schedule, and per-sender message ratchets.
//
// # Scheme
//
// The implementation is self-contained, providing MLS-like semantics with
// HKDF-SHA256 and XChaCha20-Poly1305 rather than a full RFC 9420 tree:
//
//   - Each group holds a 32-byte epoch secret. A commit carries a fresh
//     commit secret; the next epoch secret is HKDF(commit secret, salt =
//     previous epoch secret).
//   - Application messages use a per-sender chain derived from the epoch
//     secret and a per-message counter, so every ciphertext has a unique
//     key and (sender, epoch, counter) triple. Opening records the triple;
//     a second open is ErrReplayed.
//   - Adds distribute the commit secret sealed under the current epoch key.
//     Removals must exclude the departing member, so the secret is sealed
//     per remaining member to the X25519 init key from their key package.
//   - Welcomes export the group state for the invitee; confidentiality
//     comes from the gift wrap the caller delivers them in.
//
// # Concurrency
//
// A Provider has a single writer at a time; read-only queries take the read
// lock. After a commit no ciphertext produced under a pre-commit epoch can
// be sealed, which is why the message pipeline drains its outbox before
// invoking commits. A bounded window of prior epoch secrets is retained so
// messages racing a commit still open.
//
// # Fork handling
//
// Two conflicting commits claiming the same epoch surface ErrEpochFork; the
// group engine freezes the group until resynchronized. Snapshot/Restore
// exists so a commit that reaches no relay can roll back.
package mls
