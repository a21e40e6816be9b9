package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapihub/hapi/internal/hub/store"
)

func TestListTeamsSeedsAlwaysOn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A freshly migrated database has no teams until the first list.
	teams, err := s.ListTeams(ctx, "default")
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, store.AlwaysOnTeamName, teams[0].Name)
	assert.True(t, teams[0].Persistent)

	// Listing again does not duplicate it.
	teams, err = s.ListTeams(ctx, "default")
	require.NoError(t, err)
	assert.Len(t, teams, 1)

	// Each namespace gets its own seeded team.
	other, err := s.ListTeams(ctx, "tenant-b")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.NotEqual(t, teams[0].ID, other[0].ID)
}

func TestAlwaysOnTeamImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	team, err := s.EnsureAlwaysOnTeam(ctx, "default")
	require.NoError(t, err)
	assert.True(t, team.Persistent)

	again, err := s.EnsureAlwaysOnTeam(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, team.ID, again.ID)

	newName := "renamed"
	_, err = s.UpdateTeam(ctx, team.ID, "default", store.UpdateTeamParams{Name: &newName})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = s.DeleteTeam(ctx, team.ID, "default")
	assert.ErrorIs(t, err, store.ErrConflict)

	// Non-name fields stay editable.
	color := "#ff0000"
	updated, err := s.UpdateTeam(ctx, team.ID, "default", store.UpdateTeamParams{Color: &color})
	require.NoError(t, err)
	assert.Equal(t, "#ff0000", updated.Color)
}

func TestTeamNameUniquePerNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTeam(ctx, "default", store.CreateTeamParams{Name: "builders"})
	require.NoError(t, err)

	_, err = s.CreateTeam(ctx, "default", store.CreateTeamParams{Name: "builders"})
	assert.ErrorIs(t, err, store.ErrConflict)

	// Same name in another namespace is fine.
	_, err = s.CreateTeam(ctx, "other", store.CreateTeamParams{Name: "builders"})
	require.NoError(t, err)
}

func TestAddMemberSingleTeam(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	teamA, err := s.CreateTeam(ctx, "default", store.CreateTeamParams{Name: "a"})
	require.NoError(t, err)
	teamB, err := s.CreateTeam(ctx, "default", store.CreateTeamParams{Name: "b"})
	require.NoError(t, err)
	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "default", store.CreateSessionOptions{})
	require.NoError(t, err)

	require.NoError(t, s.AddTeamMember(ctx, teamA.ID, sess.ID, "default"))

	err = s.AddTeamMember(ctx, teamB.ID, sess.ID, "default")
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetTeamForSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, teamA.ID, got.ID)

	removed, err := s.RemoveTeamMember(ctx, teamA.ID, sess.ID, "default")
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, s.AddTeamMember(ctx, teamB.ID, sess.ID, "default"))
}

func TestTeamNamespaceGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	team, err := s.CreateTeam(ctx, "alpha", store.CreateTeamParams{Name: "a"})
	require.NoError(t, err)

	_, err = s.GetTeam(ctx, team.ID, "beta")
	assert.ErrorIs(t, err, store.ErrAccessDenied)
	err = s.DeleteTeam(ctx, team.ID, "beta")
	assert.ErrorIs(t, err, store.ErrAccessDenied)

	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "beta", store.CreateSessionOptions{})
	require.NoError(t, err)
	err = s.AddTeamMember(ctx, team.ID, sess.ID, "beta")
	assert.ErrorIs(t, err, store.ErrAccessDenied)
}

func TestGetExpiredTemporaryTeams(t *testing.T) {
	s := newTestStore(t)
	clock := newTestClock()
	s.SetClock(clock.Now)
	ctx := context.Background()

	expired, err := s.CreateTeam(ctx, "default", store.CreateTeamParams{Name: "short", TTLSeconds: 60})
	require.NoError(t, err)
	_, err = s.CreateTeam(ctx, "default", store.CreateTeamParams{Name: "forever", Persistent: true, TTLSeconds: 60})
	require.NoError(t, err)
	_, err = s.CreateTeam(ctx, "default", store.CreateTeamParams{Name: "no-ttl"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	teams, err := s.GetExpiredTemporaryTeams(ctx, clock.Now().UnixMilli())
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, expired.ID, teams[0].ID)

	// Member activity keeps a temporary team alive.
	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "default", store.CreateSessionOptions{})
	require.NoError(t, err)
	require.NoError(t, s.AddTeamMember(ctx, expired.ID, sess.ID, "default"))
	require.NoError(t, s.TouchTeamActivity(ctx, sess.ID, clock.Now().UnixMilli()))

	teams, err = s.GetExpiredTemporaryTeams(ctx, clock.Now().UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, teams)
}

func TestGroupSortOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetGroupSortOrder(ctx, "default", "team:abc", "n"))
	require.NoError(t, s.SetGroupSortOrder(ctx, "default", "team:abc", "t"))
	require.NoError(t, s.SetGroupSortOrder(ctx, "other", "team:abc", "g"))

	orders, err := s.ListGroupSortOrders(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team:abc": "t"}, orders)
}
