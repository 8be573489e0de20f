// ABOUTME: Sealed at-rest custody of per-account Nostr signing keys
// ABOUTME: Stores one ChaCha20-Poly1305 sealed file per pubkey and hands out zeroizing handles

package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNotFound is returned when no key is stored for the requested pubkey.
var ErrNotFound = errors.New("key not found")

// ErrAccessDenied is returned when the platform refuses access to the key file.
var ErrAccessDenied = errors.New("keystore access denied")

// ErrCorrupted is returned when a stored key fails to unseal. This is a fatal
// state for the owning account; callers must not retry.
var ErrCorrupted = errors.New("keystore corrupted")

// ErrReleased is returned when a handle is used after Release.
var ErrReleased = errors.New("key handle released")

// KeyStore seals account secret keys at rest. Secret material only leaves
// this package through a Handle, never through any other persistence path.
type KeyStore struct {
	dir    string
	sealKey []byte
	logger *slog.Logger
}

// New creates a KeyStore rooted at dir. sealKey is the 32-byte process
// sealing key; key files are unreadable without it.
func New(dir string, sealKey []byte, logger *slog.Logger) (*KeyStore, error) {
	if len(sealKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(sealKey))
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}
	ks := &KeyStore{
		dir:    dir,
		sealKey: append([]byte(nil), sealKey...),
		logger: logger.With("component", "keystore"),
	}
	return ks, nil
}

// Handle is a scoped view of a secret key. Release zeroizes the backing
// buffer; the handle is unusable afterwards.
type Handle struct {
	mu       sync.Mutex
	secret   []byte
	released bool
}

// Secret returns the hex-encoded secret key, or ErrReleased after Release.
func (h *Handle) Secret() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return "", ErrReleased
	}
	return string(h.secret), nil
}

// Release zeroizes the key material. Safe to call multiple times.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	for i := range h.secret {
		h.secret[i] = 0
	}
	h.secret = nil
	h.released = true
}

// path derives the key file path for a pubkey. The filename is a digest so
// directory listings don't leak account identities.
func (ks *KeyStore) path(pubkey string) string {
	sum := sha256.Sum256([]byte(pubkey))
	return filepath.Join(ks.dir, hex.EncodeToString(sum[:16])+".key")
}

// Store seals and persists the secret key for pubkey, replacing any
// previous entry.
func (ks *KeyStore) Store(pubkey, secret string) error {
	aead, err := chacha20poly1305.NewX(ks.sealKey)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	// Bind the ciphertext to the pubkey so sealed files can't be swapped
	// between accounts.
	sealed := aead.Seal(nonce, nonce, []byte(secret), []byte(pubkey))

	tmp := ks.path(pubkey) + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("writing key file: %w", ErrAccessDenied)
		}
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := os.Rename(tmp, ks.path(pubkey)); err != nil {
		return fmt.Errorf("committing key file: %w", err)
	}
	ks.logger.Debug("stored key", "pubkey", pubkey[:8])
	return nil
}

// Load unseals the secret key for pubkey and returns a zeroizing handle.
func (ks *KeyStore) Load(pubkey string) (*Handle, error) {
	sealed, err := os.ReadFile(ks.path(pubkey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		if os.IsPermission(err) {
			return nil, ErrAccessDenied
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	aead, err := chacha20poly1305.NewX(ks.sealKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCorrupted
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	secret, err := aead.Open(nil, nonce, ct, []byte(pubkey))
	if err != nil {
		ks.logger.Error("key file failed to unseal", "pubkey", pubkey[:8])
		return nil, ErrCorrupted
	}
	return &Handle{secret: secret}, nil
}

// Delete removes the stored key for pubkey. Deleting a missing key returns
// ErrNotFound.
func (ks *KeyStore) Delete(pubkey string) error {
	err := os.Remove(ks.path(pubkey))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if os.IsPermission(err) {
		return ErrAccessDenied
	}
	return err
}
