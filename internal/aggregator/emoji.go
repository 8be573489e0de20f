// ABOUTME: Unicode-aware reaction emoji handling
// ABOUTME: "+"/"-" normalize to thumbs; single-emoji detection uses extended grapheme clusters

package aggregator

import (
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
)

const (
	emojiThumbsUp   = "\U0001F44D" // 👍
	emojiThumbsDown = "\U0001F44E" // 👎
)

// NormalizeReaction maps a kind-7 content to the emoji stored in the fold.
// "+" and "-" become thumbs; any single extended grapheme cluster that is
// pictographic is accepted as-is. Everything else is rejected.
func NormalizeReaction(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	switch trimmed {
	case "":
		return "", false
	case "+":
		return emojiThumbsUp, true
	case "-":
		return emojiThumbsDown, true
	}
	if IsSingleEmoji(trimmed) {
		return trimmed, true
	}
	return "", false
}

// IsSingleEmoji reports whether s, after trimming whitespace, is exactly
// one extended grapheme cluster that is pictographic. Compound emoji and
// skin-tone variants are one cluster and therefore count.
func IsSingleEmoji(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	gr := uniseg.NewGraphemes(s)
	if !gr.Next() {
		return false
	}
	cluster := gr.Runes()
	if gr.Next() {
		return false // more than one cluster
	}
	return isPictographic(cluster)
}

// isPictographic reports whether a grapheme cluster reads as an emoji. The
// first non-modifier rune decides; variation selectors and joiners within
// the cluster are expected.
func isPictographic(cluster []rune) bool {
	for _, r := range cluster {
		switch {
		case r == 0xFE0F || r == 0x200D: // variation selector, ZWJ
			continue
		case unicode.Is(unicode.Sk, r) && r >= 0x1F3FB && r <= 0x1F3FF: // skin tones
			continue
		}
		return emojiRune(r)
	}
	return false
}

func emojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, symbols
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x2190 && r <= 0x21FF: // arrows commonly rendered as emoji
		return true
	case r == 0x2764: // heavy black heart
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	default:
		return false
	}
}
