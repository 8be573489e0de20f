// ABOUTME: ChatMessage view model produced by the aggregator fold
// ABOUTME: Reactions, media attachments, lightning metadata, and content tokens for rich rendering

package aggregator

import (
	"github.com/nbd-wtf/go-nostr"
)

// Chat-layer kinds carried inside the group envelope.
const (
	KindChat     = 9
	KindDeletion = 5
	KindReaction = 7
)

// Event is one decrypted group event handed to the aggregator. CreatedAtMs
// is unix milliseconds; the seconds-to-ms conversion happened at pipeline
// inbound.
type Event struct {
	ID          string
	Author      string
	Kind        int
	CreatedAtMs int64
	Content     string
	Tags        nostr.Tags
}

// TokenType classifies one run of message content.
type TokenType string

const (
	TokenText       TokenType = "text"
	TokenURL        TokenType = "url"
	TokenHashtag    TokenType = "hashtag"
	TokenMention    TokenType = "mention" // bech32 nostr reference
	TokenLinebreak  TokenType = "linebreak"
	TokenWhitespace TokenType = "whitespace"
)

// Token is one classified run of content.
type Token struct {
	Type TokenType `json:"type"`
	Text string    `json:"text"`
}

// ReactionSummary folds all reactions with one emoji on one message.
type ReactionSummary struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// MediaAttachment is parsed from an "imeta" tag. The URL path names the
// encrypted blob; OriginalHash (the imeta "x" field) is the plaintext hash.
type MediaAttachment struct {
	URL             string `json:"url"`
	MimeType        string `json:"mime_type,omitempty"`
	Dimensions      string `json:"dimensions,omitempty"`
	Blurhash        string `json:"blurhash,omitempty"`
	OriginalHash    string `json:"original_hash,omitempty"`
	EncryptedHash   string `json:"encrypted_hash,omitempty"`
	DecryptionKey   string `json:"decryption_key,omitempty"`
	DecryptionNonce string `json:"decryption_nonce,omitempty"`
}

// LightningInvoice is parsed from a "bolt11" tag.
type LightningInvoice struct {
	Invoice     string `json:"invoice"`
	AmountMsat  int64  `json:"amount_msat"`
	Description string `json:"description,omitempty"`
	IsPaid      bool   `json:"is_paid"`
}

// LightningPayment is parsed from a "preimage" tag on a reply.
type LightningPayment struct {
	Preimage string `json:"preimage"`
	IsPaid   bool   `json:"is_paid"`
}

// ChatMessage is the aggregator's output: one per kind-9 event, with
// reactions folded in and deletions respected.
type ChatMessage struct {
	ID          string
	Author      string
	MLSGroupID  string
	CreatedAtMs int64

	Content string
	Tokens  []Token

	ReplyToID       string
	IsDeleted       bool
	DeletionEventID string

	Reactions        map[string]*ReactionSummary
	MediaAttachments []MediaAttachment

	LightningInvoice *LightningInvoice
	LightningPayment *LightningPayment
}
