// ABOUTME: Tests for relay-list event parsing.
// ABOUTME: Validates purpose bucketing, newest-wins per kind, and fallback order.

package relay

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func listEvent(kind int, createdAt nostr.Timestamp, urls ...string) *nostr.Event {
	tagName := "relay"
	if kind == KindRelayList {
		tagName = "r"
	}
	tags := nostr.Tags{}
	for _, u := range urls {
		tags = append(tags, nostr.Tag{tagName, u})
	}
	return &nostr.Event{Kind: kind, CreatedAt: createdAt, Tags: tags}
}

func TestParseLists_Buckets(t *testing.T) {
	lists := ParseLists([]*nostr.Event{
		listEvent(KindRelayList, 100, "wss://general.example/"),
		listEvent(KindInboxRelayList, 100, "wss://inbox.example"),
		listEvent(KindKeyPackageRelayList, 100, "wss://kp.example"),
	})

	assert.Equal(t, []string{"wss://general.example"}, lists.URLs[PurposeGeneral])
	assert.Equal(t, []string{"wss://inbox.example"}, lists.URLs[PurposeInbox])
	assert.Equal(t, []string{"wss://kp.example"}, lists.URLs[PurposeKeyPackage])
}

func TestParseLists_NewestWins(t *testing.T) {
	lists := ParseLists([]*nostr.Event{
		listEvent(KindRelayList, 200, "wss://new.example"),
		listEvent(KindRelayList, 100, "wss://old.example"),
	})
	assert.Equal(t, []string{"wss://new.example"}, lists.URLs[PurposeGeneral])

	// Reverse arrival order gives the same result.
	lists = ParseLists([]*nostr.Event{
		listEvent(KindRelayList, 100, "wss://old.example"),
		listEvent(KindRelayList, 200, "wss://new.example"),
	})
	assert.Equal(t, []string{"wss://new.example"}, lists.URLs[PurposeGeneral])
}

func TestParseLists_DedupesAndCanonicalizes(t *testing.T) {
	lists := ParseLists([]*nostr.Event{
		listEvent(KindRelayList, 100, "wss://r.example/", "wss://r.example", "not a url ://"),
	})
	assert.Equal(t, []string{"wss://r.example"}, lists.URLs[PurposeGeneral])
}

func TestLists_ForFallback(t *testing.T) {
	lists := ParseLists([]*nostr.Event{
		listEvent(KindRelayList, 100, "wss://general.example"),
	})
	fallback := []string{"wss://bootstrap.example"}

	// Purpose-specific list missing: fall back to general.
	assert.Equal(t, []string{"wss://general.example"}, lists.For(PurposeInbox, fallback))

	// Nothing at all: fall back to the provided set.
	empty := ParseLists(nil)
	assert.Equal(t, fallback, empty.For(PurposeInbox, fallback))
}
