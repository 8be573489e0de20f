// ABOUTME: Deterministic tokenizer for chat message content
// ABOUTME: Splits on whitespace/linebreaks and classifies runs as url/hashtag/mention/text

package aggregator

import (
	"net/url"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// Tokenize splits content into classified runs. Runs are delimited by
// whitespace and linebreaks, which are themselves tokens; trailing
// whitespace/linebreak tokens are trimmed.
func Tokenize(content string) []Token {
	var tokens []Token
	var run []rune

	flush := func() {
		if len(run) == 0 {
			return
		}
		word := string(run)
		tokens = append(tokens, Token{Type: classifyWord(word), Text: word})
		run = run[:0]
	}

	var space []rune
	flushSpace := func() {
		if len(space) == 0 {
			return
		}
		tokens = append(tokens, Token{Type: TokenWhitespace, Text: string(space)})
		space = space[:0]
	}

	for _, r := range content {
		switch {
		case r == '\n':
			flush()
			flushSpace()
			tokens = append(tokens, Token{Type: TokenLinebreak, Text: "\n"})
		case r == ' ' || r == '\t' || r == '\r':
			flush()
			space = append(space, r)
		default:
			flushSpace()
			run = append(run, r)
		}
	}
	flush()
	flushSpace()

	// Trim trailing pure-whitespace/linebreak tokens.
	for len(tokens) > 0 {
		last := tokens[len(tokens)-1]
		if last.Type != TokenWhitespace && last.Type != TokenLinebreak {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

func classifyWord(word string) TokenType {
	if isHashtag(word) {
		return TokenHashtag
	}
	if isNostrReference(word) {
		return TokenMention
	}
	if isURL(word) {
		return TokenURL
	}
	return TokenText
}

func isHashtag(word string) bool {
	return len(word) > 1 && word[0] == '#' && word[1] != '#'
}

var bech32Prefixes = []string{"npub1", "nsec1", "note1", "nevent1", "nprofile1", "naddr1"}

func isNostrReference(word string) bool {
	w := strings.TrimPrefix(word, "nostr:")
	for _, prefix := range bech32Prefixes {
		if strings.HasPrefix(w, prefix) {
			if _, _, err := nip19.Decode(w); err == nil {
				return true
			}
			return false
		}
	}
	return false
}

func isURL(word string) bool {
	candidate := word
	if strings.HasPrefix(word, "www.") {
		candidate = "https://" + word
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https" || u.Scheme == "wss" || u.Scheme == "ws") &&
		u.Host != "" && strings.Contains(u.Host, ".")
}
