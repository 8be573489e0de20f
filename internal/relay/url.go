// ABOUTME: Relay URL canonicalization shared by the router and the store
// ABOUTME: Canonical form is lowercase scheme+host with no trailing slash

package relay

import (
	"fmt"
	"net/url"
	"strings"
)

// Canonicalize normalizes a relay URL so that textual variants of the same
// relay collapse to one key: scheme and host are lowercased, a missing
// scheme defaults to wss, and any trailing slash on the path is stripped.
// Canonicalize is idempotent.
func Canonicalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty relay URL")
	}
	if !strings.Contains(s, "://") {
		s = "wss://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing relay URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay URL %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")

	return u.String(), nil
}

// MustCanonicalize is Canonicalize for inputs already known to be valid,
// such as URLs read back from the store.
func MustCanonicalize(raw string) string {
	c, err := Canonicalize(raw)
	if err != nil {
		return raw
	}
	return c
}
