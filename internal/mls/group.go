// ABOUTME: Group lifecycle inside the MLS provider: create, welcome, commit, seal, open
// ABOUTME: Epoch advancement via HKDF key schedule; removals re-key per remaining member over X25519

package mls

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// CreateGroup starts a new group with this account as the first member and
// the given key packages as invitees. It returns the new group id and one
// Welcome per invitee; the caller delivers each welcome gift-wrapped to its
// member.
func (p *Provider) CreateGroup(invitees []KeyPackage, admins []string, cfg GroupConfig) (string, []Welcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	groupID := GroupID(randomSecret(32))
	nostrGroupID := hex.EncodeToString(randomSecret(32))

	// The creator needs an init key on the roster too, so later removal
	// commits from other members can re-key to them.
	selfInit, err := p.newInitKeyLocked()
	if err != nil {
		return "", nil, err
	}
	members := []Member{{Pubkey: p.account, InitPub: selfInit, Active: true}}
	for _, kp := range invitees {
		if kp.Identity == p.account {
			return "", nil, fmt.Errorf("cannot invite self")
		}
		members = append(members, Member{Pubkey: kp.Identity, InitPub: kp.InitPub, Active: true})
	}

	g := &groupState{
		GroupID:      groupID,
		NostrGroupID: nostrGroupID,
		Epoch:        1,
		EpochSecret:  randomSecret(secretSize),
		Members:      members,
		Admins:       append([]string(nil), admins...),
		Config:       cfg,
		Seen:         make(map[string]bool),
		LastCommitter: p.account,
	}
	p.groups[groupID.String()] = g
	if err := p.saveGroupLocked(g); err != nil {
		delete(p.groups, groupID.String())
		return "", nil, err
	}

	welcomes := make([]Welcome, 0, len(invitees))
	for _, kp := range invitees {
		welcomes = append(welcomes, p.welcomeForLocked(g, kp.Identity))
	}
	p.logger.Info("created group", "group", groupID.String()[:8], "members", len(members))
	return groupID.String(), welcomes, nil
}

func (p *Provider) welcomeForLocked(g *groupState, member string) Welcome {
	return Welcome{
		GroupID:      g.GroupID,
		NostrGroupID: g.NostrGroupID,
		Epoch:        g.Epoch,
		EpochSecret:  append([]byte(nil), g.EpochSecret...),
		Members:      append([]Member(nil), g.Members...),
		Admins:       append([]string(nil), g.Admins...),
		Config:       g.Config,
		Inviter:      p.account,
	}
}

// ProcessWelcome installs the group state carried by a welcome addressed to
// this account. Reprocessing a welcome for a known group is a no-op that
// returns the existing id.
func (p *Provider) ProcessWelcome(w Welcome) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := w.GroupID.String()
	if _, exists := p.groups[id]; exists {
		return id, nil
	}

	var self *Member
	for i := range w.Members {
		if w.Members[i].Pubkey == p.account {
			self = &w.Members[i]
		}
	}
	if self == nil {
		return "", fmt.Errorf("welcome does not include this account: %w", ErrNotMember)
	}

	g := &groupState{
		GroupID:      w.GroupID,
		NostrGroupID: w.NostrGroupID,
		Epoch:        w.Epoch,
		EpochSecret:  append([]byte(nil), w.EpochSecret...),
		Members:      append([]Member(nil), w.Members...),
		Admins:       append([]string(nil), w.Admins...),
		Config:       w.Config,
		Seen:         make(map[string]bool),
		LastCommitter: w.Inviter,
	}
	p.groups[id] = g
	if err := p.saveGroupLocked(g); err != nil {
		delete(p.groups, id)
		return "", err
	}
	p.logger.Info("processed welcome", "group", id[:8], "epoch", g.Epoch)
	return id, nil
}

// CreateCommit applies proposals locally, advancing the epoch, and returns
// the commit for the group feed plus welcomes for any added members. On
// publish failure the caller restores the pre-commit snapshot.
func (p *Provider) CreateCommit(groupID string, proposals Proposals) (*Commit, []Welcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[groupID]
	if !ok {
		return nil, nil, ErrUnknownGroup
	}
	if m := g.member(p.account); m == nil || !m.Active {
		return nil, nil, ErrNotMember
	}

	commitSecret := randomSecret(secretSize)
	commit := &Commit{
		GroupID:   g.GroupID,
		NewEpoch:  g.Epoch + 1,
		Committer: p.account,
	}

	for _, kp := range proposals.Add {
		if g.member(kp.Identity) != nil {
			return nil, nil, fmt.Errorf("member %s already in group", kp.Identity[:8])
		}
		added := Member{Pubkey: kp.Identity, InitPub: kp.InitPub, Active: true}
		g.Members = append(g.Members, added)
		commit.Added = append(commit.Added, added)
	}
	for _, pk := range proposals.Remove {
		m := g.member(pk)
		if m == nil || !m.Active {
			return nil, nil, fmt.Errorf("member %s not in group", pk[:8])
		}
		m.Active = false
		commit.Removed = append(commit.Removed, pk)
	}

	// Distribute the commit secret. A removal must exclude the departing
	// member from the key schedule, so the secret is sealed to each
	// remaining member's init key instead of under the shared epoch key.
	if len(commit.Removed) > 0 {
		commit.MemberSecrets = make(map[string][]byte)
		for _, m := range g.Members {
			if !m.Active || m.Pubkey == p.account {
				continue
			}
			if m.InitPub == "" {
				// No init key on record for this member; they cannot follow
				// a removal re-key and will fall behind. Should not happen
				// for rosters built by this provider.
				p.logger.Warn("member without init key during removal re-key", "member", m.Pubkey[:8])
				continue
			}
			box, err := sealToInitKey(m.InitPub, commitSecret, commitAAD(commit))
			if err != nil {
				return nil, nil, fmt.Errorf("sealing commit secret for %s: %w", m.Pubkey[:8], err)
			}
			commit.MemberSecrets[m.Pubkey] = box
		}
	} else {
		sealed, err := sealBytes(epochAEADKey(g.EpochSecret), commitSecret, commitAAD(commit))
		if err != nil {
			return nil, nil, fmt.Errorf("sealing commit secret: %w", err)
		}
		commit.SealedSecret = sealed
	}

	p.advanceLocked(g, commitSecret, commit.Committer)
	if err := p.saveGroupLocked(g); err != nil {
		return nil, nil, err
	}

	var welcomes []Welcome
	for _, kp := range proposals.Add {
		welcomes = append(welcomes, p.welcomeForLocked(g, kp.Identity))
	}
	p.logger.Info("created commit", "group", groupID[:8], "epoch", g.Epoch,
		"added", len(commit.Added), "removed", len(commit.Removed))
	return commit, welcomes, nil
}

// advanceLocked moves the key schedule to the next epoch.
func (p *Provider) advanceLocked(g *groupState, commitSecret []byte, committer string) {
	if g.PriorSecrets == nil {
		g.PriorSecrets = make(map[uint64][]byte)
	}
	g.PriorSecrets[g.Epoch] = g.EpochSecret
	for epoch := range g.PriorSecrets {
		if g.Epoch-epoch >= priorSecretsRetained {
			delete(g.PriorSecrets, epoch)
		}
	}
	g.EpochSecret = nextEpochSecret(g.EpochSecret, commitSecret)
	g.Epoch++
	g.SendCounter = 0
	g.LastCommitter = committer
}

// CommitResult reports what applying a remote commit changed.
type CommitResult struct {
	Epoch   uint64
	Added   []string
	Removed []string
	// SelfRemoved is set when this account was removed; the caller marks
	// the group inactive but retains history.
	SelfRemoved bool
}

// ProcessCommit applies a commit produced by another member. Admin policy
// is enforced by the caller before this point; the provider enforces only
// key-schedule consistency.
func (p *Provider) ProcessCommit(groupID string, commit *Commit) (*CommitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[groupID]
	if !ok {
		return nil, ErrUnknownGroup
	}

	switch {
	case commit.NewEpoch == g.Epoch && commit.Committer == g.LastCommitter:
		// Our own or an already-applied commit echoed back.
		return &CommitResult{Epoch: g.Epoch}, nil
	case commit.NewEpoch == g.Epoch:
		// A different committer reached the same epoch: the group has forked.
		p.logger.Error("epoch fork", "group", groupID[:8], "epoch", g.Epoch,
			"committer", commit.Committer[:8], "applied", g.LastCommitter[:8])
		return nil, ErrEpochFork
	case commit.NewEpoch != g.Epoch+1:
		return nil, fmt.Errorf("commit for epoch %d, current %d: %w", commit.NewEpoch, g.Epoch, ErrEpochMismatch)
	}

	// Recover the commit secret.
	var commitSecret []byte
	var err error
	if len(commit.MemberSecrets) > 0 {
		box, ok := commit.MemberSecrets[p.account]
		if !ok {
			// Not given the new secret: we are being removed.
			for _, pk := range commit.Removed {
				if pk == p.account {
					return p.applySelfRemovalLocked(g, commit)
				}
			}
			return nil, fmt.Errorf("commit carries no secret for this member: %w", ErrReplayed)
		}
		commitSecret, err = p.openFromInitKeyLocked(g, box, commitAAD(commit))
	} else {
		commitSecret, err = openBytes(epochAEADKey(g.EpochSecret), commit.SealedSecret, commitAAD(commit))
	}
	if err != nil {
		return nil, fmt.Errorf("opening commit secret: %w", ErrReplayed)
	}

	result := &CommitResult{Removed: commit.Removed}
	for _, m := range commit.Added {
		result.Added = append(result.Added, m.Pubkey)
		if g.member(m.Pubkey) == nil {
			g.Members = append(g.Members, Member{Pubkey: m.Pubkey, InitPub: m.InitPub, Active: true})
		}
	}
	for _, pk := range commit.Removed {
		if m := g.member(pk); m != nil {
			m.Active = false
		}
	}

	p.advanceLocked(g, commitSecret, commit.Committer)
	result.Epoch = g.Epoch
	if err := p.saveGroupLocked(g); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Provider) applySelfRemovalLocked(g *groupState, commit *Commit) (*CommitResult, error) {
	if m := g.member(p.account); m != nil {
		m.Active = false
	}
	g.Left = true
	g.Epoch = commit.NewEpoch
	g.LastCommitter = commit.Committer
	// The key schedule is gone for us; wipe the secret so no further sends
	// are possible.
	g.EpochSecret = nil
	g.PriorSecrets = nil
	if err := p.saveGroupLocked(g); err != nil {
		return nil, err
	}
	p.logger.Info("removed from group", "group", g.GroupID.String()[:8])
	return &CommitResult{Epoch: commit.NewEpoch, Removed: commit.Removed, SelfRemoved: true}, nil
}

// sealToInitKey seals plaintext to an X25519 public key with an ephemeral
// keypair. Output is ephemeralPub || sealed.
func sealToInitKey(initPubHex string, plaintext, aad []byte) ([]byte, error) {
	initPub, err := hex.DecodeString(initPubHex)
	if err != nil || len(initPub) != 32 {
		return nil, fmt.Errorf("bad init public key")
	}
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], initPub)
	if err != nil {
		return nil, err
	}
	sealed, err := sealBytes(derive(shared, "wn-rekey-box-v1", nil), plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(ephPub, sealed...), nil
}

// openFromInitKeyLocked opens a per-member sealed box using whichever init
// key of ours matches the group roster entry.
func (p *Provider) openFromInitKeyLocked(g *groupState, box, aad []byte) ([]byte, error) {
	if len(box) < 32 {
		return nil, fmt.Errorf("sealed box too short")
	}
	self := g.member(p.account)
	if self == nil || self.InitPub == "" {
		return nil, fmt.Errorf("no init key on roster for this member")
	}
	privHex, ok := p.initKeys[self.InitPub]
	if !ok {
		return nil, fmt.Errorf("init private key not retained")
	}
	priv, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(priv, box[:32])
	if err != nil {
		return nil, err
	}
	return openBytes(derive(shared, "wn-rekey-box-v1", nil), box[32:], aad)
}

func commitAAD(c *Commit) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", c.GroupID, c.NewEpoch, c.Committer))
}
