// ABOUTME: Group lifecycle engine: creation, welcomes, commits, membership, admin policy
// ABOUTME: Owns the MLS↔Nostr id map in the store and serializes MLS writes per account

package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parres-hq/whitenoise/internal/mls"
	"github.com/parres-hq/whitenoise/internal/store"
)

// Errors surfaced to the library API.
var (
	// ErrAdminPolicy is returned for add/remove commits issued by a
	// non-admin member. Protocol error; do not retry.
	ErrAdminPolicy = errors.New("admin policy violation")

	// ErrCommitFailed is returned when a commit reached no relay; the MLS
	// state has been rolled back.
	ErrCommitFailed = errors.New("commit failed")

	// ErrGroupFrozen is returned for sends on a group frozen by an epoch
	// fork.
	ErrGroupFrozen = errors.New("group frozen after epoch fork")

	// ErrSelfInvite is rejected at the API boundary.
	ErrSelfInvite = errors.New("cannot invite self")

	// ErrNoKeyPackage means the peer has no fetchable key package, so they
	// cannot be invited.
	ErrNoKeyPackage = errors.New("no key package found for peer")
)

// Publisher is what the engine needs from the message pipeline to put MLS
// control traffic on the wire.
type Publisher interface {
	// PublishWelcome gift-wraps a welcome to its recipient and publishes it
	// on the recipient's inbox relays.
	PublishWelcome(ctx context.Context, account, recipient string, welcome mls.Welcome) error
	// PublishCommit publishes a commit into the group's envelope feed.
	// Returns an error only when no relay accepted it. Callers hold the
	// group's LockGroup around the whole create-and-publish sequence.
	PublishCommit(ctx context.Context, account, mlsGroupID string, commit *mls.Commit) error
	// LockGroup serializes against sends and inbound work on the group so
	// no message is sealed under an epoch that is not on the wire yet.
	LockGroup(mlsGroupID string) (unlock func())
}

// KeyPackageSource resolves a peer's published key package.
type KeyPackageSource interface {
	FetchKeyPackage(ctx context.Context, pubkey string) (*mls.KeyPackage, error)
}

// Engine coordinates the per-account MLS providers with the store and the
// pipeline. One engine is shared by all accounts; MLS writes are serialized
// with a per-account lock.
type Engine struct {
	st     *store.Store
	logger *slog.Logger

	mu        sync.RWMutex
	providers map[string]*mls.Provider
	locks     map[string]*sync.Mutex
	frozen    map[string]bool // mls group ids frozen by a fork

	publisher Publisher
	kpSource  KeyPackageSource
}

// NewEngine creates the engine over the shared store.
func NewEngine(st *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		st:        st,
		logger:    logger.With("component", "group"),
		providers: make(map[string]*mls.Provider),
		locks:     make(map[string]*sync.Mutex),
		frozen:    make(map[string]bool),
	}
}

// Bind wires the publisher and key-package source after construction; the
// pipeline is built after the engine and implements both.
func (e *Engine) Bind(p Publisher, kp KeyPackageSource) {
	e.publisher = p
	e.kpSource = kp
}

// RegisterAccount makes an account's MLS provider reachable from the
// engine. Called at login; an account's provider is never reachable from
// another account's code paths.
func (e *Engine) RegisterAccount(pubkey string, p *mls.Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[pubkey] = p
	if _, ok := e.locks[pubkey]; !ok {
		e.locks[pubkey] = &sync.Mutex{}
	}
}

// UnregisterAccount drops the provider reference at logout.
func (e *Engine) UnregisterAccount(pubkey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.providers, pubkey)
}

func (e *Engine) provider(account string) (*mls.Provider, *sync.Mutex, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.providers[account]
	if !ok {
		return nil, nil, fmt.Errorf("account %s not registered", account[:min(8, len(account))])
	}
	return p, e.locks[account], nil
}

// Provider exposes an account's MLS provider to the pipeline for seal/open.
func (e *Engine) Provider(account string) (*mls.Provider, error) {
	p, _, err := e.provider(account)
	return p, err
}

// Epoch returns the current epoch of a group as seen by an account.
func (e *Engine) Epoch(account, mlsGroupID string) (uint64, error) {
	p, _, err := e.provider(account)
	if err != nil {
		return 0, err
	}
	return p.Epoch(mlsGroupID)
}

// Sendable reports whether outbound traffic is allowed on a group: not
// frozen by a fork and still active.
func (e *Engine) Sendable(ctx context.Context, mlsGroupID string) error {
	e.mu.RLock()
	frozen := e.frozen[mlsGroupID]
	e.mu.RUnlock()
	if frozen {
		return ErrGroupFrozen
	}
	info, err := e.st.GetGroup(ctx, mlsGroupID)
	if err != nil {
		return err
	}
	if info.State != store.GroupStateActive {
		return fmt.Errorf("group %s is inactive", mlsGroupID[:8])
	}
	return nil
}

// CreateDirectMessage creates a 2-party group with both parties as admins,
// consuming one key package from the peer, and sends the welcome.
func (e *Engine) CreateDirectMessage(ctx context.Context, self, peer string) (*store.GroupInfo, error) {
	if self == peer {
		return nil, ErrSelfInvite
	}
	return e.create(ctx, self, mls.GroupConfig{}, []string{peer}, []string{self, peer}, store.GroupTypeDirectMessage)
}

// CreateGroup creates an n-party named group.
func (e *Engine) CreateGroup(ctx context.Context, self, name, description string, members, admins []string) (*store.GroupInfo, error) {
	for _, m := range members {
		if m == self {
			return nil, ErrSelfInvite
		}
	}
	cfg := mls.GroupConfig{Name: name, Description: description}
	return e.create(ctx, self, cfg, members, admins, store.GroupTypeGroup)
}

func (e *Engine) create(ctx context.Context, self string, cfg mls.GroupConfig, members, admins []string, gt store.GroupType) (*store.GroupInfo, error) {
	p, lock, err := e.provider(self)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	// Consume one published key package per invitee.
	packages := make([]mls.KeyPackage, 0, len(members))
	for _, peer := range members {
		kp, err := e.kpSource.FetchKeyPackage(ctx, peer)
		if err != nil {
			return nil, fmt.Errorf("fetching key package for %s: %w", peer[:min(8, len(peer))], err)
		}
		packages = append(packages, *kp)
	}

	// Publication relays for the group: the creator's general relays.
	relayURLs := e.userRelays(ctx, self)
	cfg.Relays = relayURLs

	groupID, welcomes, err := p.CreateGroup(packages, admins, cfg)
	if err != nil {
		return nil, err
	}
	nostrID, err := p.NostrGroupID(groupID)
	if err != nil {
		return nil, err
	}

	epoch, _ := p.Epoch(groupID)
	info := store.GroupInfo{
		MLSGroupID:   groupID,
		NostrGroupID: nostrID,
		Name:         cfg.Name,
		Description:  cfg.Description,
		GroupType:    gt,
		Admins:       admins,
		Epoch:        epoch,
		State:        store.GroupStateActive,
		Relays:       relayURLs,
	}
	err = e.st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertGroup(ctx, info); err != nil {
			return err
		}
		return tx.UpsertMembership(ctx, store.Membership{
			AccountPubkey: self, MLSGroupID: groupID, Confirmation: store.ConfirmationAccepted,
		})
	})
	if err != nil {
		return nil, err
	}

	// Deliver welcomes. Best effort per recipient; a failed welcome is
	// retried by re-inviting.
	for i, w := range welcomes {
		if err := e.publisher.PublishWelcome(ctx, self, members[i], w); err != nil {
			e.logger.Error("welcome delivery failed", "group", groupID[:8],
				"recipient", members[i][:8], "error", err)
		}
	}

	e.logger.Info("group created", "group", groupID[:8], "type", gt, "members", len(members)+1)
	return &info, nil
}

// userRelays returns an account's general relay URLs from the store.
func (e *Engine) userRelays(ctx context.Context, pubkey string) []string {
	urs, err := e.st.UserRelays(ctx, pubkey, "general")
	if err != nil {
		return nil
	}
	var out []string
	for _, ur := range urs {
		out = append(out, ur.URL)
	}
	return out
}

// HandleWelcome processes an inbound welcome for account, creating the
// group row and a pending membership. Runs inside the pipeline's
// transaction.
func (e *Engine) HandleWelcome(ctx context.Context, tx *store.Tx, account string, w mls.Welcome) error {
	// Single-step provider call: the provider's own lock serializes it
	// against other MLS writes. The engine's per-account lock is reserved
	// for compound snapshot/commit/publish sequences, keeping lock order
	// with the pipeline's per-group lock acyclic.
	p, _, err := e.provider(account)
	if err != nil {
		return err
	}

	groupID, err := p.ProcessWelcome(w)
	if err != nil {
		return err
	}

	gt := store.GroupTypeGroup
	if len(w.Members) == 2 && w.Config.Name == "" {
		gt = store.GroupTypeDirectMessage
	}
	info := store.GroupInfo{
		MLSGroupID:   groupID,
		NostrGroupID: w.NostrGroupID,
		Name:         w.Config.Name,
		Description:  w.Config.Description,
		GroupType:    gt,
		Admins:       w.Admins,
		Epoch:        w.Epoch,
		State:        store.GroupStateActive,
		Relays:       w.Config.Relays,
	}
	if err := tx.UpsertGroup(ctx, info); err != nil {
		return err
	}
	return tx.UpsertMembership(ctx, store.Membership{
		AccountPubkey: account, MLSGroupID: groupID, Confirmation: store.ConfirmationPending,
	})
}

// HandleCommit applies a commit received from the wire. Admin policy: only
// admins may add or remove other members; any member may remove themselves
// (a leave). Violations are rejected with ErrAdminPolicy and the caller
// quarantines the event. Runs inside the pipeline's transaction.
func (e *Engine) HandleCommit(ctx context.Context, tx *store.Tx, account, mlsGroupID string, commit *mls.Commit) error {
	p, _, err := e.provider(account)
	if err != nil {
		return err
	}

	info, err := tx.GetGroup(ctx, mlsGroupID)
	if err != nil {
		return err
	}

	if violatesAdminPolicy(info.Admins, commit) {
		e.logger.Warn("rejecting commit violating admin policy",
			"group", mlsGroupID[:8], "committer", commit.Committer[:8])
		return ErrAdminPolicy
	}

	result, err := p.ProcessCommit(mlsGroupID, commit)
	if errors.Is(err, mls.ErrEpochFork) {
		e.mu.Lock()
		e.frozen[mlsGroupID] = true
		e.mu.Unlock()
		return err
	}
	if err != nil {
		return err
	}

	if err := tx.SetGroupEpoch(ctx, mlsGroupID, result.Epoch); err != nil {
		return err
	}
	if result.SelfRemoved {
		// History is retained; the group just stops being sendable.
		if err := tx.SetGroupState(ctx, mlsGroupID, store.GroupStateInactive); err != nil {
			return err
		}
		e.logger.Info("removed from group", "group", mlsGroupID[:8])
	}
	return nil
}

// violatesAdminPolicy reports whether a membership-changing commit comes
// from outside the admin set. A commit whose only removal is the committer
// itself is a leave and is always allowed.
func violatesAdminPolicy(admins []string, commit *mls.Commit) bool {
	if len(commit.Added) == 0 && len(commit.Removed) == 0 {
		return false // key update only
	}
	for _, a := range admins {
		if a == commit.Committer {
			return false
		}
	}
	if len(commit.Added) == 0 && len(commit.Removed) == 1 && commit.Removed[0] == commit.Committer {
		return false
	}
	return true
}

// Accept confirms a pending membership.
func (e *Engine) Accept(ctx context.Context, account, mlsGroupID string) error {
	return e.st.SetConfirmation(ctx, account, mlsGroupID, store.ConfirmationAccepted)
}

// Decline declines a pending membership. The group stays in the store
// (hidden by the UI) and a leave commit is still emitted so the remaining
// members' group state is consistent.
func (e *Engine) Decline(ctx context.Context, account, mlsGroupID string) error {
	if err := e.st.SetConfirmation(ctx, account, mlsGroupID, store.ConfirmationDeclined); err != nil {
		return err
	}
	if err := e.Leave(ctx, account, mlsGroupID); err != nil {
		e.logger.Warn("leave after decline failed", "group", mlsGroupID[:8], "error", err)
	}
	return nil
}

// Leave removes the local account from the group via a self-removal commit
// and marks the group inactive locally.
func (e *Engine) Leave(ctx context.Context, account, mlsGroupID string) error {
	if err := e.commitMembers(ctx, account, mlsGroupID, mls.Proposals{Remove: []string{account}}); err != nil {
		return err
	}
	return e.st.SetGroupState(ctx, mlsGroupID, store.GroupStateInactive)
}

// AddMembers invites new members: fetches their key packages, commits the
// adds, publishes the commit, then delivers welcomes.
func (e *Engine) AddMembers(ctx context.Context, account, mlsGroupID string, members []string) error {
	info, err := e.st.GetGroup(ctx, mlsGroupID)
	if err != nil {
		return err
	}
	if !contains(info.Admins, account) {
		return ErrAdminPolicy
	}

	packages := make([]mls.KeyPackage, 0, len(members))
	for _, peer := range members {
		if peer == account {
			return ErrSelfInvite
		}
		kp, err := e.kpSource.FetchKeyPackage(ctx, peer)
		if err != nil {
			return fmt.Errorf("fetching key package for %s: %w", peer[:min(8, len(peer))], err)
		}
		packages = append(packages, *kp)
	}
	return e.commitMembers(ctx, account, mlsGroupID, mls.Proposals{Add: packages})
}

// RemoveMembers removes members by admin commit.
func (e *Engine) RemoveMembers(ctx context.Context, account, mlsGroupID string, members []string) error {
	info, err := e.st.GetGroup(ctx, mlsGroupID)
	if err != nil {
		return err
	}
	if !contains(info.Admins, account) {
		return ErrAdminPolicy
	}
	return e.commitMembers(ctx, account, mlsGroupID, mls.Proposals{Remove: members})
}

// commitMembers applies proposals with snapshot/rollback semantics: a
// commit that reaches no relay is rolled back and reported as
// ErrCommitFailed.
func (e *Engine) commitMembers(ctx context.Context, account, mlsGroupID string, proposals mls.Proposals) error {
	p, lock, err := e.provider(account)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	// Hold the pipeline's group lock across commit creation and publish:
	// the outbox is drained before the epoch advances, and no new send can
	// seal under the post-commit epoch before the commit is on the wire.
	unlock := e.publisher.LockGroup(mlsGroupID)
	defer unlock()

	if err := e.Sendable(ctx, mlsGroupID); err != nil {
		return err
	}

	snapshot, err := p.Snapshot(mlsGroupID)
	if err != nil {
		return err
	}
	commit, welcomes, err := p.CreateCommit(mlsGroupID, proposals)
	if err != nil {
		return err
	}

	if err := e.publisher.PublishCommit(ctx, account, mlsGroupID, commit); err != nil {
		if restoreErr := p.Restore(mlsGroupID, snapshot); restoreErr != nil {
			e.logger.Error("rollback after failed commit publish failed",
				"group", mlsGroupID[:8], "error", restoreErr)
		}
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	epoch, _ := p.Epoch(mlsGroupID)
	if err := e.st.SetGroupEpoch(ctx, mlsGroupID, epoch); err != nil {
		return err
	}

	for i, w := range welcomes {
		recipient := proposals.Add[i].Identity
		if err := e.publisher.PublishWelcome(ctx, account, recipient, w); err != nil {
			e.logger.Error("welcome delivery failed", "group", mlsGroupID[:8],
				"recipient", recipient[:8], "error", err)
		}
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
