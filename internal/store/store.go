// ABOUTME: Data types and sentinel errors for whitenoise persistence
// ABOUTME: Defines accounts, users, groups, processed/published events, aggregated messages, media files

package store

import (
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateAccount is returned when logging in a pubkey that already has
// an account row.
var ErrDuplicateAccount = errors.New("account already exists")

// GroupType distinguishes two-party DMs from named groups.
type GroupType string

const (
	GroupTypeDirectMessage GroupType = "direct_message"
	GroupTypeGroup         GroupType = "group"
)

// GroupState marks whether the local account still participates in a group.
type GroupState string

const (
	GroupStateActive   GroupState = "active"
	GroupStateInactive GroupState = "inactive"
)

// Confirmation is the user's standing on a group membership.
type Confirmation string

const (
	ConfirmationPending  Confirmation = "pending"
	ConfirmationAccepted Confirmation = "accepted"
	ConfirmationDeclined Confirmation = "declined"
)

// MediaType classifies cached media blobs.
type MediaType string

const (
	MediaTypeGroupImage MediaType = "group_image"
	MediaTypeChatMedia  MediaType = "chat_media"
)

// Account is a local identity. The secret key never appears here; it lives
// in the keystore.
type Account struct {
	Pubkey       string
	Settings     json.RawMessage // theme, dev flags
	LastSyncedMs int64
	// KeyPackagePublished records onboarding: whether an initial key package
	// has been published for this account.
	KeyPackagePublished bool
	CreatedAtMs         int64
}

// User is any known pubkey, local or remote.
type User struct {
	Pubkey         string
	Metadata       json.RawMessage // kind-0 content
	EventCreatedAt int64           // seconds; monotonic guard against stale metadata
}

// Relay is a canonicalized relay URL row.
type Relay struct {
	ID  string
	URL string
}

// UserRelay associates (user, relay, purpose).
type UserRelay struct {
	UserPubkey     string
	RelayID        string
	URL            string
	Purpose        string
	EventCreatedAt int64
}

// GroupInfo is the persisted view of a group. MLSGroupID is hex of the MLS
// protocol identifier; NostrGroupID is the on-wire identifier. The mapping
// between the two is bijective for the lifetime of the group.
type GroupInfo struct {
	MLSGroupID    string
	NostrGroupID  string
	Name          string
	Description   string
	GroupType     GroupType
	Admins        []string
	Epoch         uint64
	State         GroupState
	LastMessageID string
	LastMessageMs int64
	Relays        []string
}

// Membership links an account to a group with its confirmation state.
type Membership struct {
	AccountPubkey string
	MLSGroupID    string
	Confirmation  Confirmation
	CreatedAtMs   int64
}

// ProcessedEvent records that an event has been handled. An empty Account
// means global scope. Each (event_id, account) pair is recorded at most
// once; this table is the inbound pipeline's sole idempotency primitive.
type ProcessedEvent struct {
	EventID        string
	Account        string // empty = global scope
	Kind           int
	Author         string
	EventCreatedMs int64
}

// PublishedEvent records events the local account emitted, to break echo
// loops. Exactly-once per (event_id, account).
type PublishedEvent struct {
	EventID     string
	Account     string
	Kind        int
	CreatedAtMs int64
}

// AggregatedMessage is one raw decrypted event persisted for the fold
// (kinds 5, 7, 9). JSON columns are stored as-is and interpreted by the
// aggregator.
type AggregatedMessage struct {
	MessageID        string
	MLSGroupID       string
	Author           string
	Kind             int
	CreatedAtMs      int64
	Content          string
	Tags             json.RawMessage
	ReplyToID        string
	DeletionEventID  string
	ContentTokens    json.RawMessage
	Reactions        json.RawMessage
	MediaAttachments json.RawMessage
}

// MediaFile is one cached media blob. Unique per (group, encrypted hash,
// account); AccessedAtMs drives LRU eviction.
type MediaFile struct {
	ID                string
	MLSGroupID        string
	AccountPubkey     string
	FilePath          string
	EncryptedFileHash string
	OriginalFileHash  string
	MimeType          string
	MediaType         MediaType
	BlossomURL        string
	NostrKey          string
	Dimensions        string
	Blurhash          string
	CreatedAtMs       int64
	AccessedAtMs      int64
	SizeBytes         int64
}

// KeyPackageRecord tracks a published MLS key package so it can be rotated
// and deleted later.
type KeyPackageRecord struct {
	ID            string
	AccountPubkey string
	EventID       string
	Relays        []string
	CreatedAtMs   int64
	ExpiresAtMs   int64
	Deleted       bool
}

// QuarantineEntry records a protocol-invalid event so the same bad input is
// never reprocessed.
type QuarantineEntry struct {
	EventID       string
	AccountPubkey string
	Reason        string
	Detail        string
	CreatedAtMs   int64
}
