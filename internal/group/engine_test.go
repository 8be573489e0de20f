// ABOUTME: Unit tests for admin-policy evaluation and membership transitions.
// ABOUTME: Engine wiring against the pipeline is exercised in the pipeline package's integration tests.

package group

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parres-hq/whitenoise/internal/mls"
	"github.com/parres-hq/whitenoise/internal/store"
)

const (
	adminA  = "a1ce000000000000000000000000000000000000000000000000000000000001"
	adminB  = "b0b0000000000000000000000000000000000000000000000000000000000002"
	memberC = "ca10000000000000000000000000000000000000000000000000000000000003"
)

func TestViolatesAdminPolicy(t *testing.T) {
	admins := []string{adminA, adminB}

	tests := []struct {
		name    string
		commit  *mls.Commit
		violate bool
	}{
		{
			name:    "admin removes member",
			commit:  &mls.Commit{Committer: adminA, Removed: []string{memberC}},
			violate: false,
		},
		{
			name:    "admin adds member",
			commit:  &mls.Commit{Committer: adminB, Added: []mls.Member{{Pubkey: memberC}}},
			violate: false,
		},
		{
			name:    "non-admin removes admin",
			commit:  &mls.Commit{Committer: memberC, Removed: []string{adminB}},
			violate: true,
		},
		{
			name:    "non-admin adds member",
			commit:  &mls.Commit{Committer: memberC, Added: []mls.Member{{Pubkey: "d00d"}}},
			violate: true,
		},
		{
			name:    "non-admin leaves",
			commit:  &mls.Commit{Committer: memberC, Removed: []string{memberC}},
			violate: false,
		},
		{
			name:    "non-admin leave smuggling another removal",
			commit:  &mls.Commit{Committer: memberC, Removed: []string{memberC, adminB}},
			violate: true,
		},
		{
			name:    "key update only",
			commit:  &mls.Commit{Committer: memberC},
			violate: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.violate, violatesAdminPolicy(admins, tt.commit))
		})
	}
}

func TestSendable(t *testing.T) {
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	defer st.Close()
	e := NewEngine(st, nil)
	ctx := context.Background()

	groupID := "67726f757000000000000000000000000000000000000000000000000000000a"
	require.NoError(t, st.UpsertGroup(ctx, store.GroupInfo{
		MLSGroupID: groupID, NostrGroupID: "n1", GroupType: store.GroupTypeGroup,
	}))

	assert.NoError(t, e.Sendable(ctx, groupID))

	// A frozen group refuses sends.
	e.mu.Lock()
	e.frozen[groupID] = true
	e.mu.Unlock()
	assert.ErrorIs(t, e.Sendable(ctx, groupID), ErrGroupFrozen)

	// So does an inactive one.
	e.mu.Lock()
	delete(e.frozen, groupID)
	e.mu.Unlock()
	require.NoError(t, st.SetGroupState(ctx, groupID, store.GroupStateInactive))
	assert.Error(t, e.Sendable(ctx, groupID))

	assert.ErrorIs(t, e.Sendable(ctx, "unknown"), store.ErrNotFound)
}
