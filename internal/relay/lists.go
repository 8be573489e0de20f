// ABOUTME: Resolution of a user's relay lists from kind 10002/10050/10051 events
// ABOUTME: Maps published relay-list events to purpose-tagged canonical URL sets

package relay

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Purpose tags why an account uses a relay.
type Purpose string

const (
	PurposeGeneral    Purpose = "general"     // kind 10002
	PurposeInbox      Purpose = "inbox"       // kind 10050
	PurposeKeyPackage Purpose = "key_package" // kind 10051
)

// Relay-list kinds.
const (
	KindRelayList           = 10002
	KindInboxRelayList      = 10050
	KindKeyPackageRelayList = 10051
)

var listKinds = map[int]Purpose{
	KindRelayList:           PurposeGeneral,
	KindInboxRelayList:      PurposeInbox,
	KindKeyPackageRelayList: PurposeKeyPackage,
}

// Lists holds the resolved relay URLs for one pubkey, keyed by purpose.
// URLs are canonical and deduplicated.
type Lists struct {
	URLs      map[Purpose][]string
	CreatedAt map[Purpose]nostr.Timestamp
}

// urlsFromEvent extracts relay URLs from a relay-list event. Kind 10002 uses
// "r" tags, 10050/10051 use "relay" tags.
func urlsFromEvent(ev *nostr.Event) []string {
	tagName := "relay"
	if ev.Kind == KindRelayList {
		tagName = "r"
	}
	var urls []string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != tagName {
			continue
		}
		u, err := Canonicalize(tag[1])
		if err != nil {
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

// ParseLists folds a set of relay-list events for one author into purpose
// buckets, keeping only the newest event per kind.
func ParseLists(events []*nostr.Event) *Lists {
	out := &Lists{
		URLs:      make(map[Purpose][]string),
		CreatedAt: make(map[Purpose]nostr.Timestamp),
	}
	for _, ev := range events {
		purpose, ok := listKinds[ev.Kind]
		if !ok {
			continue
		}
		if prev, seen := out.CreatedAt[purpose]; seen && ev.CreatedAt <= prev {
			continue
		}
		urls := urlsFromEvent(ev)
		if len(urls) == 0 {
			continue
		}
		out.URLs[purpose] = dedupe(urls)
		out.CreatedAt[purpose] = ev.CreatedAt
	}
	return out
}

// For returns the URLs for a purpose, falling back to the general list and
// then to fallback when the purpose-specific list is empty.
func (l *Lists) For(p Purpose, fallback []string) []string {
	if urls := l.URLs[p]; len(urls) > 0 {
		return urls
	}
	if urls := l.URLs[PurposeGeneral]; len(urls) > 0 {
		return urls
	}
	return fallback
}

// ResolveLists fetches the relay-list events for pubkey from the bootstrap
// relays and folds them into purpose buckets.
func (r *Router) ResolveLists(ctx context.Context, pubkey string, bootstrap []string) (*Lists, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	events := r.QuerySync(fetchCtx, bootstrap, nostr.Filter{
		Kinds:   []int{KindRelayList, KindInboxRelayList, KindKeyPackageRelayList},
		Authors: []string{pubkey},
	})
	return ParseLists(events), nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
