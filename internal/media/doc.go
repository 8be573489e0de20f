// Package media encrypts, uploads, downloads, and caches the blobs that
// chat messages reference through imeta tags.
//
// Every upload gets a fresh XChaCha20-Poly1305 key and nonce; the Blossom
// server only ever sees ciphertext, addressed by its own sha256. Both the
// plaintext hash (imeta "x") and the encrypted hash (the URL path) are
// recorded so a download verifies end to end: fetched bytes against the
// encrypted hash, decrypted bytes against the original. Decryption
// material travels inside the MLS-sealed message, never on the relay-
// visible wire.
//
// The local cache holds decrypted blobs keyed by encrypted hash, with
// accessed_at-driven LRU eviction against a configured ceiling.
package media
