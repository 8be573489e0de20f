// ABOUTME: Tests for relay URL canonicalization.
// ABOUTME: Validates idempotency, trailing-slash collapse, and rejection of non-websocket schemes.

package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "wss://relay.example.com", "wss://relay.example.com"},
		{"trailing slash", "wss://relay.example.com/", "wss://relay.example.com"},
		{"double trailing slash", "wss://relay.example.com//", "wss://relay.example.com"},
		{"uppercase host", "wss://Relay.Example.COM", "wss://relay.example.com"},
		{"uppercase scheme", "WSS://relay.example.com", "wss://relay.example.com"},
		{"no scheme", "relay.example.com", "wss://relay.example.com"},
		{"ws scheme kept", "ws://localhost:7777", "ws://localhost:7777"},
		{"path kept", "wss://relay.example.com/nostr", "wss://relay.example.com/nostr"},
		{"path trailing slash", "wss://relay.example.com/nostr/", "wss://relay.example.com/nostr"},
		{"whitespace", "  wss://relay.example.com ", "wss://relay.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{"wss://r.example/", "ws://x.example//", "relay.example.com", "wss://a.b/path/"}
	for _, in := range inputs {
		once, err := Canonicalize(in)
		require.NoError(t, err)
		twice, err := Canonicalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "input %q", in)
	}
}

func TestCanonicalize_TrailingSlashCollides(t *testing.T) {
	a, err := Canonicalize("wss://r.example")
	require.NoError(t, err)
	b, err := Canonicalize("wss://r.example/")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalize_Rejects(t *testing.T) {
	for _, in := range []string{"", "   ", "https://not-a-relay.example", "ftp://x", "wss://"} {
		_, err := Canonicalize(in)
		assert.Error(t, err, "input %q", in)
	}
}
