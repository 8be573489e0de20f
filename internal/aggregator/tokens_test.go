// ABOUTME: Tests for the content tokenizer and emoji normalization.
// ABOUTME: Validates run classification, trailing-whitespace trimming, and grapheme-aware emoji detection.

package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("check https://example.com/x #nostr\nbye ")

	assert.Equal(t, []Token{
		{TokenText, "check"},
		{TokenWhitespace, " "},
		{TokenURL, "https://example.com/x"},
		{TokenWhitespace, " "},
		{TokenHashtag, "#nostr"},
		{TokenLinebreak, "\n"},
		{TokenText, "bye"},
	}, tokens)
}

func TestTokenize_TrailingWhitespaceTrimmed(t *testing.T) {
	tokens := Tokenize("hello \n\n  ")
	assert.Equal(t, []Token{{TokenText, "hello"}}, tokens)

	assert.Empty(t, Tokenize("   \n "))
	assert.Empty(t, Tokenize(""))
}

func TestTokenize_Classification(t *testing.T) {
	tests := []struct {
		word string
		want TokenType
	}{
		{"plain", TokenText},
		{"https://example.com", TokenURL},
		{"http://example.com/path?q=1", TokenURL},
		{"www.example.com", TokenURL},
		{"https://", TokenText},
		{"#tag", TokenHashtag},
		{"#", TokenText},
		{"npub1zzzz", TokenText}, // bad bech32 checksum
		{"example.com", TokenText},
	}
	for _, tt := range tests {
		tokens := Tokenize(tt.word)
		if assert.Len(t, tokens, 1, "word %q", tt.word) {
			assert.Equal(t, tt.want, tokens[0].Type, "word %q", tt.word)
		}
	}
}

func TestNormalizeReaction(t *testing.T) {
	tests := []struct {
		content string
		want    string
		ok      bool
	}{
		{"+", "👍", true},
		{"-", "👎", true},
		{"👍", "👍", true},
		{"🎉", "🎉", true},
		{" 🎉 ", "🎉", true},
		{"👍🏽", "👍🏽", true}, // skin tone is one grapheme
		{"👨‍👩‍👧", "👨‍👩‍👧", true}, // ZWJ family is one grapheme
		{"", "", false},
		{"nice", "", false},
		{"👍👍", "", false}, // two graphemes
	}
	for _, tt := range tests {
		got, ok := NormalizeReaction(tt.content)
		assert.Equal(t, tt.ok, ok, "content %q", tt.content)
		if tt.ok {
			assert.Equal(t, tt.want, got, "content %q", tt.content)
		}
	}
}

func TestIsSingleEmoji(t *testing.T) {
	assert.True(t, IsSingleEmoji("🔥"))
	assert.True(t, IsSingleEmoji("❤️")) // heart + variation selector
	assert.True(t, IsSingleEmoji(" 🚀 "))
	assert.False(t, IsSingleEmoji("a"))
	assert.False(t, IsSingleEmoji("🔥🔥"))
	assert.False(t, IsSingleEmoji("x🔥"))
	assert.False(t, IsSingleEmoji(""))
}
