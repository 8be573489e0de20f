// ABOUTME: Public library facade: bootstrap, account/group/message/media operations
// ABOUTME: Owns the process-wide store, router, and aggregator; downstream components receive handles

package whitenoise

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/parres-hq/whitenoise/internal/accounts"
	"github.com/parres-hq/whitenoise/internal/aggregator"
	"github.com/parres-hq/whitenoise/internal/config"
	"github.com/parres-hq/whitenoise/internal/group"
	"github.com/parres-hq/whitenoise/internal/keystore"
	"github.com/parres-hq/whitenoise/internal/media"
	"github.com/parres-hq/whitenoise/internal/pipeline"
	"github.com/parres-hq/whitenoise/internal/relay"
	"github.com/parres-hq/whitenoise/internal/store"
)

// Re-exported view types for library consumers.
type (
	ChatMessage     = aggregator.ChatMessage
	MediaAttachment = aggregator.MediaAttachment
	GroupInfo       = store.GroupInfo
	Account         = store.Account
)

// Whitenoise is the core backing any UI. Construct with New, start
// background work per account via the account manager, and Close on exit.
type Whitenoise struct {
	cfg    *config.Config
	logger *slog.Logger

	Store      *store.Store
	Router     *relay.Router
	Keys       *keystore.KeyStore
	Engine     *group.Engine
	Aggregator *aggregator.Aggregator
	Pipeline   *pipeline.Pipeline
	Accounts   *accounts.Manager
	Media      *media.Cache

	cancel context.CancelFunc
}

// New boots the core: opens the store, runs migrations, and wires every
// component. Background work starts as accounts log in.
func New(cfg *config.Config, logger *slog.Logger) (*Whitenoise, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(filepath.Join(cfg.Data.Dir, "whitenoise.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sealKey, err := resolveSealKey(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	keys, err := keystore.New(filepath.Join(cfg.Data.Dir, "keys"), sealKey, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening keystore: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	router := relay.NewRouter(ctx, logger)
	engine := group.NewEngine(st, logger)
	agg := aggregator.New(st, logger)
	pl := pipeline.New(st, router, engine, agg, keys, cfg.Relays.Default, logger)
	engine.Bind(pl, pl)

	mgr := accounts.New(st, keys, engine, pl, router, cfg.Data.Dir, cfg.Relays.Default, logger)

	var mediaCache *media.Cache
	if cfg.Media.BlossomURL != "" {
		mediaCache, err = media.NewCache(st, media.NewClient(cfg.Media.BlossomURL),
			filepath.Join(cfg.Data.Dir, "media"), cfg.Media.CacheMaxBytes, logger)
		if err != nil {
			cancel()
			_ = st.Close()
			return nil, fmt.Errorf("opening media cache: %w", err)
		}
	}

	return &Whitenoise{
		cfg:        cfg,
		logger:     logger,
		Store:      st,
		Router:     router,
		Keys:       keys,
		Engine:     engine,
		Aggregator: agg,
		Pipeline:   pl,
		Accounts:   mgr,
		Media:      mediaCache,
		cancel:     cancel,
	}, nil
}

// resolveSealKey loads the keystore sealing key from config or from (and
// if absent, into) the data directory.
func resolveSealKey(cfg *config.Config) ([]byte, error) {
	if cfg.Data.SealKey != "" {
		key, err := hex.DecodeString(strings.TrimSpace(cfg.Data.SealKey))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("data.seal_key must be 64 hex characters")
		}
		return key, nil
	}

	path := filepath.Join(cfg.Data.Dir, "seal.key")
	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("seal key file %s is corrupted", path)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating seal key: %w", err)
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("persisting seal key: %w", err)
	}
	return key, nil
}

// Close shuts the core down: account workers are joined, then shared
// resources released.
func (w *Whitenoise) Close(ctx context.Context) error {
	w.Accounts.Shutdown(ctx)
	w.cancel()
	return w.Store.Close()
}

// --- Message operations, scoped to the active account ---

func (w *Whitenoise) activeAccount() (string, error) {
	return w.Accounts.Active()
}

// SendMessage sends a chat message to a group. replyTo optionally quotes an
// earlier message; attachments reference media uploaded via UploadMedia.
func (w *Whitenoise) SendMessage(ctx context.Context, mlsGroupID, content, replyTo string, attachments []MediaAttachment) (*ChatMessage, error) {
	account, err := w.activeAccount()
	if err != nil {
		return nil, err
	}
	var tags nostr.Tags
	if replyTo != "" {
		tags = append(tags, nostr.Tag{"q", replyTo, "", account})
	}
	for _, att := range attachments {
		tags = append(tags, imetaTag(att))
	}
	return w.Pipeline.Send(ctx, account, mlsGroupID, aggregator.KindChat, content, tags)
}

// SendReaction reacts to a message. Content is an emoji or "+"/"-".
func (w *Whitenoise) SendReaction(ctx context.Context, mlsGroupID, targetID, content string) error {
	account, err := w.activeAccount()
	if err != nil {
		return err
	}
	_, err = w.Pipeline.Send(ctx, account, mlsGroupID, aggregator.KindReaction, content,
		nostr.Tags{{"e", targetID}})
	return err
}

// DeleteMessage issues a deletion for one of the active account's own
// messages. Deletions for other authors are ignored by every fold.
func (w *Whitenoise) DeleteMessage(ctx context.Context, mlsGroupID, targetID string) error {
	account, err := w.activeAccount()
	if err != nil {
		return err
	}
	_, err = w.Pipeline.Send(ctx, account, mlsGroupID, aggregator.KindDeletion, "",
		nostr.Tags{{"e", targetID}})
	return err
}

// Messages returns the folded kind-9 messages for a group ordered by
// (created_at, event_id).
func (w *Whitenoise) Messages(ctx context.Context, mlsGroupID string, afterMs int64, limit int) ([]*ChatMessage, error) {
	return w.Aggregator.MessagesForGroup(ctx, mlsGroupID, afterMs, limit)
}

// SubscribeMessages delivers fold updates for a group until ctx ends.
func (w *Whitenoise) SubscribeMessages(ctx context.Context, mlsGroupID string) <-chan *ChatMessage {
	ch, _ := w.Aggregator.Broadcaster().Subscribe(ctx, mlsGroupID)
	return ch
}

// --- Group operations, scoped to the active account ---

// CreateDirectMessage starts a DM with peer.
func (w *Whitenoise) CreateDirectMessage(ctx context.Context, peer string) (*GroupInfo, error) {
	account, err := w.activeAccount()
	if err != nil {
		return nil, err
	}
	return w.Engine.CreateDirectMessage(ctx, account, peer)
}

// CreateGroup starts a named group.
func (w *Whitenoise) CreateGroup(ctx context.Context, name, description string, members, admins []string) (*GroupInfo, error) {
	account, err := w.activeAccount()
	if err != nil {
		return nil, err
	}
	return w.Engine.CreateGroup(ctx, account, name, description, members, admins)
}

// AcceptGroup confirms a pending invitation.
func (w *Whitenoise) AcceptGroup(ctx context.Context, mlsGroupID string) error {
	account, err := w.activeAccount()
	if err != nil {
		return err
	}
	return w.Engine.Accept(ctx, account, mlsGroupID)
}

// DeclineGroup declines a pending invitation, still emitting a leave so
// the remaining members' state is consistent.
func (w *Whitenoise) DeclineGroup(ctx context.Context, mlsGroupID string) error {
	account, err := w.activeAccount()
	if err != nil {
		return err
	}
	return w.Engine.Decline(ctx, account, mlsGroupID)
}

// AddGroupMembers invites members to a group. Admin only.
func (w *Whitenoise) AddGroupMembers(ctx context.Context, mlsGroupID string, members []string) error {
	account, err := w.activeAccount()
	if err != nil {
		return err
	}
	return w.Engine.AddMembers(ctx, account, mlsGroupID, members)
}

// RemoveGroupMembers removes members from a group. Admin only.
func (w *Whitenoise) RemoveGroupMembers(ctx context.Context, mlsGroupID string, members []string) error {
	account, err := w.activeAccount()
	if err != nil {
		return err
	}
	return w.Engine.RemoveMembers(ctx, account, mlsGroupID, members)
}

// LeaveGroup leaves a group, retaining its history locally.
func (w *Whitenoise) LeaveGroup(ctx context.Context, mlsGroupID string) error {
	account, err := w.activeAccount()
	if err != nil {
		return err
	}
	return w.Engine.Leave(ctx, account, mlsGroupID)
}

// Groups lists the active account's memberships with their group rows.
func (w *Whitenoise) Groups(ctx context.Context) ([]GroupInfo, error) {
	account, err := w.activeAccount()
	if err != nil {
		return nil, err
	}
	memberships, err := w.Store.ListMemberships(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]GroupInfo, 0, len(memberships))
	for _, m := range memberships {
		info, err := w.Store.GetGroup(ctx, m.MLSGroupID)
		if err != nil {
			continue
		}
		out = append(out, *info)
	}
	return out, nil
}

// --- Media operations ---

// UploadMedia encrypts and uploads a blob for a group, returning the
// attachment to embed in a message.
func (w *Whitenoise) UploadMedia(ctx context.Context, mlsGroupID string, data []byte, mimeType string) (*MediaAttachment, error) {
	if w.Media == nil {
		return nil, fmt.Errorf("no blossom server configured")
	}
	account, err := w.activeAccount()
	if err != nil {
		return nil, err
	}
	return w.Media.Upload(ctx, account, mlsGroupID, data, mimeType, store.MediaTypeChatMedia)
}

// DownloadMedia fetches, verifies, and decrypts an attachment, returning
// the local path.
func (w *Whitenoise) DownloadMedia(ctx context.Context, mlsGroupID string, att *MediaAttachment) (string, error) {
	if w.Media == nil {
		return "", fmt.Errorf("no blossom server configured")
	}
	account, err := w.activeAccount()
	if err != nil {
		return "", err
	}
	return w.Media.Download(ctx, account, mlsGroupID, att)
}

// RelayStatus reports the per-relay connection state.
func (w *Whitenoise) RelayStatus() map[string]relay.Status {
	return w.Router.StatusSnapshot()
}

// imetaTag renders an attachment as an imeta tag for a kind-9 message.
func imetaTag(att MediaAttachment) nostr.Tag {
	tag := nostr.Tag{"imeta", "url " + att.URL}
	if att.MimeType != "" {
		tag = append(tag, "m "+att.MimeType)
	}
	if att.OriginalHash != "" {
		tag = append(tag, "x "+att.OriginalHash)
	}
	if att.EncryptedHash != "" {
		tag = append(tag, "encrypted-hash "+att.EncryptedHash)
	}
	if att.DecryptionKey != "" {
		tag = append(tag, "decryption-key "+att.DecryptionKey)
	}
	if att.DecryptionNonce != "" {
		tag = append(tag, "decryption-nonce "+att.DecryptionNonce)
	}
	if att.Dimensions != "" {
		tag = append(tag, "dim "+att.Dimensions)
	}
	if att.Blurhash != "" {
		tag = append(tag, "blurhash "+att.Blurhash)
	}
	return tag
}
