// ABOUTME: Tests for the media cache over an in-process Blossom server.
// ABOUTME: Covers the encrypt/upload/download/decrypt round trip, hash verification, and LRU eviction.

package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parres-hq/whitenoise/internal/aggregator"
	"github.com/parres-hq/whitenoise/internal/store"
)

const (
	testGroup   = "67726f7570000000000000000000000000000000000000000000000000000001"
	testAccount = "a1ce000000000000000000000000000000000000000000000000000000000001"
)

// blossomServer is an in-memory Blossom endpoint.
type blossomServer struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newBlossomServer(t *testing.T) (*httptest.Server, *blossomServer) {
	t.Helper()
	bs := &blossomServer{blobs: make(map[string][]byte)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.mu.Lock()
		defer bs.mu.Unlock()
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/upload":
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			bs.blobs[r.Header.Get("X-SHA-256")] = body
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			blob, ok := bs.blobs[strings.TrimPrefix(r.URL.Path, "/")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(blob)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, bs
}

func newTestCache(t *testing.T, maxBytes int64) (*Cache, *blossomServer) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv, bs := newBlossomServer(t)
	cache, err := NewCache(st, NewClient(srv.URL), t.TempDir(), maxBytes, nil)
	require.NoError(t, err)
	return cache, bs
}

func TestMediaRoundTrip(t *testing.T) {
	cache, bs := newTestCache(t, 0)
	ctx := context.Background()
	payload := []byte("not actually a jpeg, but faithful bytes")

	att, err := cache.Upload(ctx, testAccount, testGroup, payload, "application/octet-stream", store.MediaTypeChatMedia)
	require.NoError(t, err)
	require.NotEmpty(t, att.URL)
	assert.NotEmpty(t, att.OriginalHash)
	assert.NotEmpty(t, att.EncryptedHash)
	assert.NotEqual(t, att.OriginalHash, att.EncryptedHash)

	// The server holds only ciphertext.
	bs.mu.Lock()
	stored := bs.blobs[att.EncryptedHash]
	bs.mu.Unlock()
	require.NotEmpty(t, stored)
	assert.NotContains(t, string(stored), "faithful")

	// A second account (no local cache row) downloads and decrypts.
	other := "b0b0000000000000000000000000000000000000000000000000000000000002"
	path, err := cache.Download(ctx, other, testGroup, att)
	require.NoError(t, err)

	got, err := readFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_RejectsTamperedBlob(t *testing.T) {
	cache, bs := newTestCache(t, 0)
	ctx := context.Background()

	att, err := cache.Upload(ctx, testAccount, testGroup, []byte("payload"), "text/plain", store.MediaTypeChatMedia)
	require.NoError(t, err)

	bs.mu.Lock()
	blob := bs.blobs[att.EncryptedHash]
	blob[len(blob)-1] ^= 0xff
	bs.mu.Unlock()

	other := "b0b0000000000000000000000000000000000000000000000000000000000002"
	_, err = cache.Download(ctx, other, testGroup, att)
	assert.ErrorContains(t, err, "hash mismatch")
}

func TestDownload_MissingMaterial(t *testing.T) {
	cache, _ := newTestCache(t, 0)
	_, err := cache.Download(context.Background(), testAccount, testGroup, &aggregator.MediaAttachment{URL: "https://x.example/y"})
	assert.Error(t, err)
}

func TestEviction_LRU(t *testing.T) {
	// Ceiling that holds roughly two of the three blobs.
	cache, _ := newTestCache(t, 2500)
	ctx := context.Background()

	var atts []*aggregator.MediaAttachment
	for i := 0; i < 3; i++ {
		payload := []byte(strings.Repeat(fmt.Sprintf("%d", i), 1000))
		att, err := cache.Upload(ctx, testAccount, testGroup, payload, "text/plain", store.MediaTypeChatMedia)
		require.NoError(t, err)
		atts = append(atts, att)
		time.Sleep(5 * time.Millisecond) // distinct accessed_at ordering
	}

	count, bytes, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, bytes, int64(2500))
	assert.Less(t, count, int64(3))

	// The oldest blob was the one evicted.
	_, err = cache.st.GetMediaFile(ctx, testGroup, atts[0].EncryptedHash, testAccount)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
