// ABOUTME: Per-account MLS provider: key packages, group states, persistence
// ABOUTME: Single-writer per account; state lives in JSON files under the account's mls directory

package mls

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

// keyPackageLifetime is the target lifetime of a published key package.
const keyPackageLifetime = 30 * 24 * time.Hour

// priorSecretsRetained bounds how many pre-commit epoch secrets are kept so
// ciphertexts racing a commit still open.
const priorSecretsRetained = 4

// Provider holds all MLS state for one account. A single writer at a time;
// concurrent readers are allowed for queries that do not advance ratchets.
type Provider struct {
	account string
	dir     string
	logger  *slog.Logger

	mu     sync.RWMutex
	groups map[string]*groupState // key: hex group id
	// initKeys maps init public key (hex) to its private scalar (hex) for
	// every key package this account has issued.
	initKeys map[string]string
}

// NewProvider loads or creates the MLS state for account under dir.
func NewProvider(account, dir string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		account:  account,
		dir:      dir,
		groups:   make(map[string]*groupState),
		initKeys: make(map[string]string),
		logger:   logger.With("component", "mls", "account", account[:min(8, len(account))]),
	}
	if err := os.MkdirAll(filepath.Join(dir, "groups"), 0700); err != nil {
		return nil, fmt.Errorf("creating mls state directory: %w", err)
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initKeysPath() string {
	return filepath.Join(p.dir, "init_keys.json")
}

func (p *Provider) groupPath(id string) string {
	return filepath.Join(p.dir, "groups", id+".json")
}

func (p *Provider) load() error {
	data, err := os.ReadFile(p.initKeysPath())
	if err == nil {
		if err := json.Unmarshal(data, &p.initKeys); err != nil {
			return fmt.Errorf("parsing init keys: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading init keys: %w", err)
	}

	entries, err := os.ReadDir(filepath.Join(p.dir, "groups"))
	if err != nil {
		return fmt.Errorf("reading group states: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, "groups", e.Name()))
		if err != nil {
			return fmt.Errorf("reading group state %s: %w", e.Name(), err)
		}
		var g groupState
		if err := json.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("parsing group state %s: %w", e.Name(), err)
		}
		p.groups[g.GroupID.String()] = &g
	}
	return nil
}

// saveGroupLocked persists one group state. Must be called with mu held.
func (p *Provider) saveGroupLocked(g *groupState) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("serializing group state: %w", err)
	}
	path := p.groupPath(g.GroupID.String())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing group state: %w", err)
	}
	return os.Rename(tmp, path)
}

func (p *Provider) saveInitKeysLocked() error {
	data, err := json.Marshal(p.initKeys)
	if err != nil {
		return err
	}
	tmp := p.initKeysPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing init keys: %w", err)
	}
	return os.Rename(tmp, p.initKeysPath())
}

// newInitKeyLocked generates an X25519 init keypair, retains the private
// scalar, and returns the public key hex. Must be called with mu held.
func (p *Provider) newInitKeyLocked() (string, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", fmt.Errorf("generating init key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("deriving init public key: %w", err)
	}
	pubHex := hex.EncodeToString(pub)
	p.initKeys[pubHex] = hex.EncodeToString(priv[:])
	if err := p.saveInitKeysLocked(); err != nil {
		return "", err
	}
	return pubHex, nil
}

// CreateKeyPackage issues a fresh key package for this account and retains
// its private init key so a later welcome can be processed.
func (p *Provider) CreateKeyPackage() (*KeyPackage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	initPub, err := p.newInitKeyLocked()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	kp := &KeyPackage{
		ID:        uuid.New().String(),
		Identity:  p.account,
		InitPub:   initPub,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(keyPackageLifetime).Unix(),
	}
	p.logger.Debug("created key package", "id", kp.ID)
	return kp, nil
}

// DeleteInitKey discards the private init key for a rotated key package.
func (p *Provider) DeleteInitKey(initPub string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.initKeys, initPub)
	return p.saveInitKeysLocked()
}

// ListGroups returns the ids of every group the provider has state for.
func (p *Provider) ListGroups() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.groups))
	for id := range p.groups {
		out = append(out, id)
	}
	return out
}

// Epoch returns the current epoch of a group.
func (p *Provider) Epoch(groupID string) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[groupID]
	if !ok {
		return 0, ErrUnknownGroup
	}
	return g.Epoch, nil
}

// GroupInfo returns a read-only snapshot of a group's roster and config.
func (p *Provider) GroupInfo(groupID string) (nostrGroupID string, members []Member, admins []string, cfg GroupConfig, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[groupID]
	if !ok {
		return "", nil, nil, GroupConfig{}, ErrUnknownGroup
	}
	return g.NostrGroupID, append([]Member(nil), g.Members...), append([]string(nil), g.Admins...), g.Config, nil
}

// NostrGroupID maps an MLS group id to its wire identifier.
func (p *Provider) NostrGroupID(groupID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[groupID]
	if !ok {
		return "", ErrUnknownGroup
	}
	return g.NostrGroupID, nil
}

// GroupIDByNostrID reverses NostrGroupID. The pair is bijective for the
// lifetime of the group.
func (p *Provider) GroupIDByNostrID(nostrGroupID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, g := range p.groups {
		if g.NostrGroupID == nostrGroupID {
			return id, nil
		}
	}
	return "", ErrUnknownGroup
}

// Snapshot serializes a group's state so a failed commit can roll back.
func (p *Provider) Snapshot(groupID string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[groupID]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return json.Marshal(g)
}

// Restore replaces a group's state with a snapshot taken earlier.
func (p *Provider) Restore(groupID string, snapshot []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var g groupState
	if err := json.Unmarshal(snapshot, &g); err != nil {
		return fmt.Errorf("parsing snapshot: %w", err)
	}
	if g.GroupID.String() != groupID {
		return fmt.Errorf("snapshot is for group %s, not %s", g.GroupID, groupID)
	}
	p.groups[groupID] = &g
	return p.saveGroupLocked(&g)
}
