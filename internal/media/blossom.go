// ABOUTME: Minimal Blossom HTTP client: PUT /upload, GET /<sha256>
// ABOUTME: Blobs are addressed by the sha256 of what is stored (the encrypted bytes)

package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBlobSize bounds what Download will read into memory.
const maxBlobSize = 256 << 20

// Client talks to one Blossom server.
type Client struct {
	serverURL string
	http      *http.Client
}

// NewClient creates a Blossom client for the given server base URL.
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		http:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Upload PUTs the blob and returns its public URL. Blossom addresses blobs
// by sha256, so the URL path is the encrypted hash.
func (c *Client) Upload(ctx context.Context, blob []byte, sha256Hex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/upload", bytes.NewReader(blob))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-SHA-256", sha256Hex)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("blossom upload: status %d", resp.StatusCode)
	}
	return c.serverURL + "/" + sha256Hex, nil
}

// Download GETs a blob by URL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blossom download: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
}
