// ABOUTME: Parsing of "imeta" tags into media attachments
// ABOUTME: A malformed URL skips that attachment with a warning, never the whole message

package aggregator

import (
	"log/slog"
	"net/url"
	"strings"
)

// attachmentsFromTags parses every "imeta" tag on a kind-9 event. Each tag
// is a list of space-separated key/value pairs ("url https://…",
// "m image/png", "x <hash>", …) per the imeta convention.
func attachmentsFromTags(ev *Event, logger *slog.Logger) []MediaAttachment {
	var out []MediaAttachment
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "imeta" {
			continue
		}
		att := MediaAttachment{}
		for _, field := range tag[1:] {
			key, value, found := strings.Cut(field, " ")
			if !found {
				continue
			}
			switch key {
			case "url":
				att.URL = value
			case "m":
				att.MimeType = value
			case "dim":
				att.Dimensions = value
			case "blurhash":
				att.Blurhash = value
			case "x":
				att.OriginalHash = value
			case "encrypted-hash":
				att.EncryptedHash = value
			case "decryption-key":
				att.DecryptionKey = value
			case "decryption-nonce":
				att.DecryptionNonce = value
			}
		}
		if att.URL == "" {
			logger.Warn("imeta tag without url, skipping attachment", "event", ev.ID)
			continue
		}
		if u, err := url.Parse(att.URL); err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("imeta tag with malformed url, skipping attachment", "event", ev.ID, "url", att.URL)
			continue
		}
		if att.EncryptedHash == "" {
			// The blob is addressed by its encrypted hash: last URL path
			// segment, when not stated explicitly.
			if i := strings.LastIndex(att.URL, "/"); i >= 0 && i < len(att.URL)-1 {
				att.EncryptedHash = att.URL[i+1:]
			}
		}
		out = append(out, att)
	}
	return out
}
