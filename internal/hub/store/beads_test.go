package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapihub/hapi/internal/hub/store"
)

func TestLinkBeadLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "default", store.CreateSessionOptions{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		linked, err := s.LinkBead(ctx, sess.ID, fmt.Sprintf("bead-%d", i), "tester", "default")
		require.NoError(t, err)
		assert.True(t, linked)
	}

	// Relinking an existing bead is a no-op, not a limit violation.
	linked, err := s.LinkBead(ctx, sess.ID, "bead-0", "tester", "default")
	require.NoError(t, err)
	assert.False(t, linked)

	_, err = s.LinkBead(ctx, sess.ID, "bead-10", "tester", "default")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestUnlinkBeadRemovesSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "default", store.CreateSessionOptions{})
	require.NoError(t, err)

	_, err = s.LinkBead(ctx, sess.ID, "bead-1", "tester", "default")
	require.NoError(t, err)
	changed, err := s.SaveBeadSnapshot(ctx, sess.ID, "bead-1", json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	require.True(t, changed)

	unlinked, err := s.UnlinkBead(ctx, sess.ID, "bead-1", "default")
	require.NoError(t, err)
	assert.True(t, unlinked)

	beads, err := s.GetSessionBeads(ctx, sess.ID, "default")
	require.NoError(t, err)
	assert.Empty(t, beads)

	// Relink starts with no snapshot data.
	_, err = s.LinkBead(ctx, sess.ID, "bead-1", "tester", "default")
	require.NoError(t, err)
	beads, err = s.GetSessionBeads(ctx, sess.ID, "default")
	require.NoError(t, err)
	require.Len(t, beads, 1)
	assert.Nil(t, beads[0].Data)
}

func TestSaveBeadSnapshotChangeDetection(t *testing.T) {
	s := newTestStore(t)
	clock := newTestClock()
	s.SetClock(clock.Now)
	ctx := context.Background()

	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "default", store.CreateSessionOptions{})
	require.NoError(t, err)
	_, err = s.LinkBead(ctx, sess.ID, "bead-1", "tester", "default")
	require.NoError(t, err)

	changed, err := s.SaveBeadSnapshot(ctx, sess.ID, "bead-1", json.RawMessage(`{"status":"open"}`))
	require.NoError(t, err)
	assert.True(t, changed)

	clock.Advance(time.Minute)
	changed, err = s.SaveBeadSnapshot(ctx, sess.ID, "bead-1", json.RawMessage(`{"status":"open"}`))
	require.NoError(t, err)
	assert.False(t, changed, "identical payload must report no change")

	changed, err = s.SaveBeadSnapshot(ctx, sess.ID, "bead-1", json.RawMessage(`{"status":"closed"}`))
	require.NoError(t, err)
	assert.True(t, changed)

	// Snapshots for beads that were unlinked mid-flight are dropped.
	changed, err = s.SaveBeadSnapshot(ctx, sess.ID, "never-linked", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, changed)
	beads, err := s.GetSessionBeads(ctx, sess.ID, "default")
	require.NoError(t, err)
	require.Len(t, beads, 1)
}

func TestReassignSessionBeadsCollisionSafe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	source, _, err := s.GetOrCreateSession(ctx, "source", "default", store.CreateSessionOptions{})
	require.NoError(t, err)
	target, _, err := s.GetOrCreateSession(ctx, "target", "default", store.CreateSessionOptions{})
	require.NoError(t, err)

	// "shared" is linked on both sides.
	for _, bead := range []string{"shared", "only-source"} {
		_, err := s.LinkBead(ctx, source.ID, bead, "tester", "default")
		require.NoError(t, err)
	}
	_, err = s.LinkBead(ctx, target.ID, "shared", "tester", "default")
	require.NoError(t, err)
	_, err = s.SaveBeadSnapshot(ctx, target.ID, "shared", json.RawMessage(`{"owner":"target"}`))
	require.NoError(t, err)
	_, err = s.SaveBeadSnapshot(ctx, source.ID, "shared", json.RawMessage(`{"owner":"source"}`))
	require.NoError(t, err)

	require.NoError(t, s.ReassignSessionBeads(ctx, source.ID, target.ID, "default"))

	beads, err := s.GetSessionBeads(ctx, target.ID, "default")
	require.NoError(t, err)
	require.Len(t, beads, 2)
	byID := map[string]json.RawMessage{}
	for _, b := range beads {
		byID[b.BeadID] = b.Data
	}
	// The target's own snapshot wins the collision.
	assert.JSONEq(t, `{"owner":"target"}`, string(byID["shared"]))

	sourceBeads, err := s.GetSessionBeads(ctx, source.ID, "default")
	require.NoError(t, err)
	assert.Empty(t, sourceBeads)
}

func TestListBeadPollTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	linked, _, err := s.GetOrCreateSession(ctx, "linked", "default", store.CreateSessionOptions{
		MachineID: "m1",
		Metadata:  json.RawMessage(`{"repoPath":"/src/app"}`),
	})
	require.NoError(t, err)
	_, _, err = s.GetOrCreateMachine(ctx, "m1", "default", nil, nil)
	require.NoError(t, err)

	offline, _, err := s.GetOrCreateSession(ctx, "offline", "default", store.CreateSessionOptions{MachineID: "m1"})
	require.NoError(t, err)

	for _, sid := range []string{linked.ID, offline.ID} {
		_, err := s.LinkBead(ctx, sid, "bead-1", "tester", "default")
		require.NoError(t, err)
	}
	_, err = s.LinkBead(ctx, linked.ID, "bead-2", "tester", "default")
	require.NoError(t, err)

	// Only the live session becomes a target.
	_, _, err = s.SetSessionPresence(ctx, linked.ID, true, 1000)
	require.NoError(t, err)

	targets, err := s.ListBeadPollTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, linked.ID, targets[0].SessionID)
	assert.Equal(t, "m1", targets[0].MachineID)
	assert.Equal(t, []string{"bead-1", "bead-2"}, targets[0].BeadIDs)
}
