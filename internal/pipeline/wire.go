// ABOUTME: Wire encoding between MLS payloads and Nostr events
// ABOUTME: Group envelopes ride ephemeral-key events tagged with the nostr group id; welcomes ride gift wraps

package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/nbd-wtf/go-nostr/nip59"

	"github.com/parres-hq/whitenoise/internal/mls"
	"github.com/parres-hq/whitenoise/internal/relay"
)

// Rumor is the plaintext chat event sealed inside the group envelope.
// CreatedAtMs is milliseconds; the wire outer event stays in seconds.
type Rumor struct {
	Kind        int        `json:"kind"`
	Content     string     `json:"content"`
	Tags        nostr.Tags `json:"tags"`
	CreatedAtMs int64      `json:"created_at"`
}

// groupTag is the tag carrying the public nostr group id on envelope
// events.
const groupTag = "h"

// buildGroupMessageEvent seals nothing itself: it wraps an already-sealed
// MLS ciphertext in a kind-1059 envelope addressed to the group and signed
// by a single-use ephemeral key, so relays learn neither author nor kind.
func buildGroupMessageEvent(nostrGroupID string, ct *mls.Ciphertext) (*nostr.Event, error) {
	payload, err := json.Marshal(ct)
	if err != nil {
		return nil, fmt.Errorf("serializing ciphertext: %w", err)
	}
	return buildEnvelope(relay.KindGiftWrap, nostrGroupID, payload)
}

// buildGroupCommitEvent wraps a commit in a kind-445 envelope. The commit's
// secrets are sealed inside the payload itself.
func buildGroupCommitEvent(nostrGroupID string, commit *mls.Commit) (*nostr.Event, error) {
	payload, err := json.Marshal(commit)
	if err != nil {
		return nil, fmt.Errorf("serializing commit: %w", err)
	}
	return buildEnvelope(relay.KindMLSCommit, nostrGroupID, payload)
}

func buildEnvelope(kind int, nostrGroupID string, payload []byte) (*nostr.Event, error) {
	ephemeralSK := nostr.GeneratePrivateKey()
	ephemeralPK, err := nostr.GetPublicKey(ephemeralSK)
	if err != nil {
		return nil, fmt.Errorf("deriving ephemeral pubkey: %w", err)
	}
	ev := &nostr.Event{
		PubKey:    ephemeralPK,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      nostr.Tags{{groupTag, nostrGroupID}},
		Content:   base64.StdEncoding.EncodeToString(payload),
	}
	if err := ev.Sign(ephemeralSK); err != nil {
		return nil, fmt.Errorf("signing envelope: %w", err)
	}
	return ev, nil
}

// envelopeGroupID extracts the nostr group id from an envelope event,
// empty when the event carries none (a personal gift wrap).
func envelopeGroupID(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == groupTag {
			return tag[1]
		}
	}
	return ""
}

func decodeEnvelopePayload(ev *nostr.Event, out any) error {
	raw, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return fmt.Errorf("decoding envelope content: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parsing envelope payload: %w", err)
	}
	return nil
}

// buildWelcomeWrap gift-wraps a welcome to its recipient: the kind-444
// rumor is sealed and wrapped per NIP-59, so only the recipient learns who
// invited them and to what.
func buildWelcomeWrap(senderSK, recipient string, welcome mls.Welcome) (*nostr.Event, error) {
	payload, err := json.Marshal(welcome)
	if err != nil {
		return nil, fmt.Errorf("serializing welcome: %w", err)
	}
	senderPK, err := nostr.GetPublicKey(senderSK)
	if err != nil {
		return nil, err
	}
	rumor := nostr.Event{
		PubKey:    senderPK,
		CreatedAt: nostr.Now(),
		Kind:      relay.KindMLSWelcome,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   base64.StdEncoding.EncodeToString(payload),
	}

	conversationKey, err := nip44.GenerateConversationKey(recipient, senderSK)
	if err != nil {
		return nil, fmt.Errorf("deriving conversation key: %w", err)
	}
	wrap, err := nip59.GiftWrap(rumor, recipient,
		func(plaintext string) (string, error) {
			return nip44.Encrypt(plaintext, conversationKey)
		},
		func(ev *nostr.Event) error { return ev.Sign(senderSK) },
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("gift wrapping welcome: %w", err)
	}
	return &wrap, nil
}

// openWelcomeWrap unwraps an inbound gift wrap with the recipient's key and
// parses the welcome payload. The seal layer authenticates the inviter.
func openWelcomeWrap(recipientSK string, wrap *nostr.Event) (*mls.Welcome, string, error) {
	rumor, err := nip59.GiftUnwrap(*wrap, func(otherPubkey, ciphertext string) (string, error) {
		conversationKey, err := nip44.GenerateConversationKey(otherPubkey, recipientSK)
		if err != nil {
			return "", err
		}
		return nip44.Decrypt(ciphertext, conversationKey)
	})
	if err != nil {
		return nil, "", fmt.Errorf("unwrapping gift wrap: %w", err)
	}
	if rumor.Kind != relay.KindMLSWelcome {
		return nil, "", fmt.Errorf("gift wrap carries kind %d, expected welcome", rumor.Kind)
	}
	raw, err := base64.StdEncoding.DecodeString(rumor.Content)
	if err != nil {
		return nil, "", fmt.Errorf("decoding welcome content: %w", err)
	}
	var welcome mls.Welcome
	if err := json.Unmarshal(raw, &welcome); err != nil {
		return nil, "", fmt.Errorf("parsing welcome: %w", err)
	}
	return &welcome, rumor.PubKey, nil
}

// buildKeyPackageEvent publishes a key package under the account's own key
// so peers can verify who they are inviting.
func buildKeyPackageEvent(accountSK string, kp *mls.KeyPackage) (*nostr.Event, error) {
	payload, err := json.Marshal(kp)
	if err != nil {
		return nil, fmt.Errorf("serializing key package: %w", err)
	}
	pk, err := nostr.GetPublicKey(accountSK)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      relay.KindMLSKeyPackage,
		Tags:      nostr.Tags{{"expiration", fmt.Sprintf("%d", kp.ExpiresAt)}},
		Content:   base64.StdEncoding.EncodeToString(payload),
	}
	if err := ev.Sign(accountSK); err != nil {
		return nil, fmt.Errorf("signing key package: %w", err)
	}
	return ev, nil
}

// parseKeyPackageEvent validates and decodes a kind-443 event. The package
// identity must match the event author, and the package must not be
// expired.
func parseKeyPackageEvent(ev *nostr.Event) (*mls.KeyPackage, error) {
	if ok, err := ev.CheckSignature(); !ok || err != nil {
		return nil, fmt.Errorf("invalid key package signature")
	}
	raw, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return nil, fmt.Errorf("decoding key package content: %w", err)
	}
	var kp mls.KeyPackage
	if err := json.Unmarshal(raw, &kp); err != nil {
		return nil, fmt.Errorf("parsing key package: %w", err)
	}
	if kp.Identity != ev.PubKey {
		return nil, fmt.Errorf("key package identity does not match author")
	}
	if kp.ExpiresAt > 0 && time.Now().Unix() > kp.ExpiresAt {
		return nil, fmt.Errorf("key package expired")
	}
	return &kp, nil
}
