// ABOUTME: Encrypted media cache: upload to Blossom, download with dual-hash verification, LRU eviction
// ABOUTME: Per-file XChaCha20-Poly1305 keys; the key and nonce travel inside the encrypted message's imeta tag

package media

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buckket/go-blurhash"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/parres-hq/whitenoise/internal/aggregator"
	"github.com/parres-hq/whitenoise/internal/store"
)

// Cache encrypts media for upload and maintains the local decrypted-blob
// cache with LRU eviction against a configured ceiling.
type Cache struct {
	st       *store.Store
	client   *Client
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

// NewCache creates the media cache rooted at dir. maxBytes of 0 disables
// eviction.
func NewCache(st *store.Store, client *Client, dir string, maxBytes int64, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating media cache directory: %w", err)
	}
	return &Cache{
		st:       st,
		client:   client,
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger.With("component", "media"),
	}, nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Upload encrypts data under a fresh per-file key, pushes the encrypted
// blob to the Blossom server, records the cache row, and returns the
// imeta-compatible attachment. The attachment's OriginalHash names the
// plaintext, the URL path names the encrypted blob; both are needed to
// verify a later download end to end.
func (c *Cache) Upload(ctx context.Context, account, mlsGroupID string, data []byte, mimeType string, mediaType store.MediaType) (*aggregator.MediaAttachment, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating file key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	originalHash := hashHex(data)
	encrypted := aead.Seal(nil, nonce, data, nil)
	encryptedHash := hashHex(encrypted)

	blobURL, err := c.client.Upload(ctx, encrypted, encryptedHash)
	if err != nil {
		return nil, fmt.Errorf("uploading blob: %w", err)
	}

	// Keep the plaintext locally so the sender's own UI doesn't re-download.
	path := c.blobPath(encryptedHash)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("caching plaintext: %w", err)
	}

	att := &aggregator.MediaAttachment{
		URL:             blobURL,
		MimeType:        mimeType,
		OriginalHash:    originalHash,
		EncryptedHash:   encryptedHash,
		DecryptionKey:   hex.EncodeToString(key),
		DecryptionNonce: hex.EncodeToString(nonce),
	}
	if strings.HasPrefix(mimeType, "image/") {
		att.Dimensions, att.Blurhash = imageMeta(data)
	}

	err = c.st.UpsertMediaFile(ctx, store.MediaFile{
		MLSGroupID:        mlsGroupID,
		AccountPubkey:     account,
		FilePath:          path,
		EncryptedFileHash: encryptedHash,
		OriginalFileHash:  originalHash,
		MimeType:          mimeType,
		MediaType:         mediaType,
		BlossomURL:        blobURL,
		NostrKey:          att.DecryptionKey,
		Dimensions:        att.Dimensions,
		Blurhash:          att.Blurhash,
		SizeBytes:         int64(len(data)),
	})
	if err != nil {
		return nil, err
	}

	c.evict(ctx)
	return att, nil
}

// Download fetches and verifies an attachment, returning the path of the
// decrypted file. A cached copy is served without touching the network;
// accessed_at is refreshed either way.
func (c *Cache) Download(ctx context.Context, account, mlsGroupID string, att *aggregator.MediaAttachment) (string, error) {
	if att.EncryptedHash == "" || att.DecryptionKey == "" || att.DecryptionNonce == "" {
		return "", fmt.Errorf("attachment is missing decryption material")
	}

	if row, err := c.st.GetMediaFile(ctx, mlsGroupID, att.EncryptedHash, account); err == nil {
		if _, statErr := os.Stat(row.FilePath); statErr == nil {
			_ = c.st.TouchMediaFile(ctx, row.ID, time.Now().UnixMilli())
			return row.FilePath, nil
		}
	}

	encrypted, err := c.client.Download(ctx, att.URL)
	if err != nil {
		return "", fmt.Errorf("fetching blob: %w", err)
	}
	if got := hashHex(encrypted); got != att.EncryptedHash {
		return "", fmt.Errorf("encrypted blob hash mismatch: got %s", got[:16])
	}

	key, err := hex.DecodeString(att.DecryptionKey)
	if err != nil {
		return "", fmt.Errorf("bad decryption key: %w", err)
	}
	nonce, err := hex.DecodeString(att.DecryptionNonce)
	if err != nil {
		return "", fmt.Errorf("bad decryption nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("bad decryption key: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting blob: %w", err)
	}
	if att.OriginalHash != "" && hashHex(plaintext) != att.OriginalHash {
		return "", fmt.Errorf("original hash mismatch after decryption")
	}

	path := c.blobPath(att.EncryptedHash)
	if err := os.WriteFile(path, plaintext, 0600); err != nil {
		return "", fmt.Errorf("caching plaintext: %w", err)
	}

	err = c.st.UpsertMediaFile(ctx, store.MediaFile{
		MLSGroupID:        mlsGroupID,
		AccountPubkey:     account,
		FilePath:          path,
		EncryptedFileHash: att.EncryptedHash,
		OriginalFileHash:  att.OriginalHash,
		MimeType:          att.MimeType,
		MediaType:         store.MediaTypeChatMedia,
		BlossomURL:        att.URL,
		NostrKey:          att.DecryptionKey,
		Dimensions:        att.Dimensions,
		Blurhash:          att.Blurhash,
		SizeBytes:         int64(len(plaintext)),
	})
	if err != nil {
		return "", err
	}

	c.evict(ctx)
	return path, nil
}

// Stats reports the cached blob count and total bytes.
func (c *Cache) Stats(ctx context.Context) (count, bytes int64, err error) {
	return c.st.MediaCacheStats(ctx)
}

func (c *Cache) blobPath(encryptedHash string) string {
	return filepath.Join(c.dir, encryptedHash)
}

// evict opportunistically drops least-recently-accessed blobs until the
// cache fits the ceiling again.
func (c *Cache) evict(ctx context.Context) {
	if c.maxBytes <= 0 {
		return
	}
	_, total, err := c.st.MediaCacheStats(ctx)
	if err != nil || total <= c.maxBytes {
		return
	}

	oldest, err := c.st.OldestMediaFiles(ctx, 32)
	if err != nil {
		return
	}
	for _, f := range oldest {
		if total <= c.maxBytes {
			break
		}
		if err := os.Remove(f.FilePath); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("evicting cached blob failed", "path", f.FilePath, "error", err)
			continue
		}
		if err := c.st.DeleteMediaFile(ctx, f.ID); err != nil {
			continue
		}
		total -= f.SizeBytes
		c.logger.Debug("evicted cached blob", "hash", f.EncryptedFileHash[:16])
	}
}

// imageMeta decodes an image to derive dimensions and a blurhash
// placeholder. Failures degrade to empty strings; media without previews
// still posts.
func imageMeta(data []byte) (dimensions, hash string) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", ""
	}
	b := img.Bounds()
	dimensions = fmt.Sprintf("%dx%d", b.Dx(), b.Dy())
	hash, err = blurhash.Encode(4, 3, img)
	if err != nil {
		return dimensions, ""
	}
	return dimensions, hash
}
