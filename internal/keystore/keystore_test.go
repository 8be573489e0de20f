// ABOUTME: Tests for the sealed file-backed keystore.
// ABOUTME: Validates round-trip, zeroization, corruption detection, and cross-account swap rejection.

package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSealKey = []byte("0123456789abcdef0123456789abcdef")

func newTestStore(t *testing.T) *KeyStore {
	t.Helper()
	ks, err := New(t.TempDir(), testSealKey, nil)
	require.NoError(t, err)
	return ks
}

func TestKeyStore_RoundTrip(t *testing.T) {
	ks := newTestStore(t)

	require.NoError(t, ks.Store("pubkey-a", "secret-a"))

	h, err := ks.Load("pubkey-a")
	require.NoError(t, err)
	defer h.Release()

	got, err := h.Secret()
	require.NoError(t, err)
	assert.Equal(t, "secret-a", got)
}

func TestKeyStore_LoadMissing(t *testing.T) {
	ks := newTestStore(t)

	_, err := ks.Load("never-stored")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyStore_HandleRelease(t *testing.T) {
	ks := newTestStore(t)
	require.NoError(t, ks.Store("pubkey-a", "secret-a"))

	h, err := ks.Load("pubkey-a")
	require.NoError(t, err)

	h.Release()
	_, err = h.Secret()
	assert.ErrorIs(t, err, ErrReleased)

	// Release is idempotent
	h.Release()
}

func TestKeyStore_Overwrite(t *testing.T) {
	ks := newTestStore(t)
	require.NoError(t, ks.Store("pubkey-a", "first"))
	require.NoError(t, ks.Store("pubkey-a", "second"))

	h, err := ks.Load("pubkey-a")
	require.NoError(t, err)
	defer h.Release()

	got, err := h.Secret()
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestKeyStore_Delete(t *testing.T) {
	ks := newTestStore(t)
	require.NoError(t, ks.Store("pubkey-a", "secret-a"))

	require.NoError(t, ks.Delete("pubkey-a"))
	_, err := ks.Load("pubkey-a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, ks.Delete("pubkey-a"), ErrNotFound)
}

func TestKeyStore_CorruptedFile(t *testing.T) {
	dir := t.TempDir()
	ks, err := New(dir, testSealKey, nil)
	require.NoError(t, err)
	require.NoError(t, ks.Store("pubkey-a", "secret-a"))

	// Flip bytes in the sealed file
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	path := filepath.Join(dir, entries[0].Name())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = ks.Load("pubkey-a")
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestKeyStore_SealedFileBoundToPubkey(t *testing.T) {
	dir := t.TempDir()
	ks, err := New(dir, testSealKey, nil)
	require.NoError(t, err)
	require.NoError(t, ks.Store("pubkey-a", "secret-a"))

	// Copying a's sealed file over b's slot must not unseal as b.
	var aPath string
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	aPath = filepath.Join(dir, entries[0].Name())
	data, err := os.ReadFile(aPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ks.path("pubkey-b"), data, 0600))

	_, err = ks.Load("pubkey-b")
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestKeyStore_BadSealKeyLength(t *testing.T) {
	_, err := New(t.TempDir(), []byte("short"), nil)
	assert.Error(t, err)
}
