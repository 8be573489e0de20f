// ABOUTME: Wire and state types for the MLS provider
// ABOUTME: Key packages, welcomes, commits, ciphertext framing, and the serializable group state

package mls

import (
	"encoding/hex"
	"errors"
)

// Errors surfaced to the pipeline and group engine.
var (
	// ErrReplayed is returned when a ciphertext's (sender, epoch, counter)
	// was already opened. The pipeline never retries these.
	ErrReplayed = errors.New("ciphertext replayed or invalid")

	// ErrEpochMismatch is returned when a ciphertext or commit references an
	// epoch this member cannot serve.
	ErrEpochMismatch = errors.New("epoch mismatch")

	// ErrEpochFork is returned when two conflicting commits claim the same
	// epoch. Fatal for the group until resynchronized.
	ErrEpochFork = errors.New("epoch fork detected")

	// ErrUnknownGroup is returned for operations on a group id the provider
	// has no state for.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrNotMember is returned when the local account is not an active
	// member of the group.
	ErrNotMember = errors.New("not a group member")
)

// GroupID is the opaque MLS protocol identifier for a group.
type GroupID []byte

func (id GroupID) String() string { return hex.EncodeToString(id) }

// ParseGroupID decodes the hex form used by the store.
func ParseGroupID(s string) (GroupID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return GroupID(b), nil
}

// KeyPackage is the published credential that lets others invite this
// account into a group. The private init key never leaves the provider.
type KeyPackage struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"` // nostr pubkey hex
	InitPub   string `json:"init_pub"` // hex
	CreatedAt int64  `json:"created_at"` // seconds
	ExpiresAt int64  `json:"expires_at"` // seconds; 30-day target lifetime
}

// Member is one leaf in the group roster. InitPub is the X25519 public key
// from the key package the member was added with; commits that must exclude
// a removed member seal the new epoch secret to each remaining member's
// InitPub.
type Member struct {
	Pubkey  string `json:"pubkey"`
	InitPub string `json:"init_pub"`
	Active  bool   `json:"active"`
}

// GroupConfig carries the group attributes agreed at creation.
type GroupConfig struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Relays      []string `json:"relays"`
}

// Welcome is the plaintext invitation payload for one new member. It is
// confidential and must only travel inside a gift wrap addressed to the
// invitee.
type Welcome struct {
	GroupID      GroupID     `json:"group_id"`
	NostrGroupID string      `json:"nostr_group_id"`
	Epoch        uint64      `json:"epoch"`
	EpochSecret  []byte      `json:"epoch_secret"`
	Members      []Member    `json:"members"`
	Admins       []string    `json:"admins"`
	Config       GroupConfig `json:"config"`
	Inviter      string      `json:"inviter"`
}

// Proposals is the member-change set a commit applies.
type Proposals struct {
	Add    []KeyPackage
	Remove []string // pubkeys
}

// Commit advances the group to NewEpoch. The commit secret travels sealed
// under the pre-commit epoch key; on removals it is instead sealed
// per-remaining-member (MemberSecrets, keyed by pubkey) so the removed
// member cannot follow the key schedule.
type Commit struct {
	GroupID   GroupID `json:"group_id"`
	NewEpoch  uint64  `json:"new_epoch"`
	Committer string  `json:"committer"`
	// Added carries each new member's identity and init key so every
	// roster copy can seal future removal re-keys to them.
	Added         []Member          `json:"added,omitempty"`
	Removed       []string          `json:"removed,omitempty"`
	SealedSecret  []byte            `json:"sealed_secret,omitempty"`
	MemberSecrets map[string][]byte `json:"member_secrets,omitempty"`
}

// Ciphertext is one sealed application message.
type Ciphertext struct {
	GroupID GroupID `json:"group_id"`
	Epoch   uint64  `json:"epoch"`
	Sender  string  `json:"sender"`
	Counter uint64  `json:"counter"`
	Sealed  []byte  `json:"sealed"`
}

// groupState is the serializable per-group provider state.
type groupState struct {
	GroupID      GroupID     `json:"group_id"`
	NostrGroupID string      `json:"nostr_group_id"`
	Epoch        uint64      `json:"epoch"`
	EpochSecret  []byte      `json:"epoch_secret"`
	// PriorSecrets retains a few recent epoch secrets so slightly stale
	// ciphertexts still open after a commit races a message.
	PriorSecrets map[uint64][]byte `json:"prior_secrets,omitempty"`
	Members      []Member          `json:"members"`
	Admins       []string          `json:"admins"`
	Config       GroupConfig       `json:"config"`
	// SendCounter is this member's next message counter in the current epoch.
	SendCounter uint64 `json:"send_counter"`
	// Seen guards replay: keys are sender|epoch|counter.
	Seen map[string]bool `json:"seen"`
	// LastCommitter tracks who produced the commit that reached Epoch, for
	// fork detection.
	LastCommitter string `json:"last_committer,omitempty"`
	// Left is set when the local member was removed; the group is
	// inactive but history is retained.
	Left bool `json:"left,omitempty"`
}

func (g *groupState) member(pubkey string) *Member {
	for i := range g.Members {
		if g.Members[i].Pubkey == pubkey {
			return &g.Members[i]
		}
	}
	return nil
}

func (g *groupState) isAdmin(pubkey string) bool {
	for _, a := range g.Admins {
		if a == pubkey {
			return true
		}
	}
	return false
}

func (g *groupState) activeMembers() []string {
	var out []string
	for _, m := range g.Members {
		if m.Active {
			out = append(out, m.Pubkey)
		}
	}
	return out
}
