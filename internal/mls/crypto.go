// ABOUTME: Key schedule and AEAD helpers for the MLS provider
// ABOUTME: HKDF-SHA256 derivations for epoch secrets and sender ratchets, XChaCha20-Poly1305 framing

package mls

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const secretSize = 32

// derive expands ikm into a 32-byte secret bound to label and context.
func derive(ikm []byte, label string, context []byte) []byte {
	out := make([]byte, secretSize)
	r := hkdf.New(sha256.New, ikm, nil, append([]byte(label), context...))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return out
}

// nextEpochSecret advances the key schedule: the commit secret is the IKM,
// the previous epoch secret the salt.
func nextEpochSecret(prev, commitSecret []byte) []byte {
	out := make([]byte, secretSize)
	r := hkdf.New(sha256.New, commitSecret, prev, []byte("wn-epoch-advance-v1"))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return out
}

// senderChainKey derives the per-sender chain for an epoch.
func senderChainKey(epochSecret []byte, sender string) []byte {
	return derive(epochSecret, "wn-sender-chain-v1", []byte(sender))
}

// messageKey derives one message key from a sender chain and counter.
func messageKey(chainKey []byte, counter uint64) []byte {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	return derive(chainKey, "wn-message-key-v1", ctr[:])
}

// epochAEADKey derives the epoch-wide key used to seal commit secrets.
func epochAEADKey(epochSecret []byte) []byte {
	return derive(epochSecret, "wn-epoch-aead-v1", nil)
}

// sealBytes encrypts plaintext under key with a fresh random nonce, binding
// aad. Output is nonce || ciphertext.
func sealBytes(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// openBytes reverses sealBytes.
func openBytes(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed payload too short")
	}
	return aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], aad)
}

// randomSecret returns n cryptographically random bytes.
func randomSecret(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random: %v", err))
	}
	return b
}
