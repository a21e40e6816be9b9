package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapihub/hapi/internal/hub/store"
)

func TestGetOrCreateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, created, err := s.GetOrCreateMachine(ctx, "m1", "default", json.RawMessage(`{"host":"dev"}`), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.JSONEq(t, `{"host":"dev"}`, string(m.Metadata))
	assert.Equal(t, json.RawMessage("{}"), m.RunnerState)

	again, created, err := s.GetOrCreateMachine(ctx, "m1", "default", json.RawMessage(`{"host":"other"}`), nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.JSONEq(t, `{"host":"dev"}`, string(again.Metadata))
}

func TestMachineIDClaimedAcrossNamespaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateMachine(ctx, "m1", "alpha", nil, nil)
	require.NoError(t, err)

	// Machine ids are runner-chosen; a foreign namespace cannot claim
	// or read one that exists.
	_, _, err = s.GetOrCreateMachine(ctx, "m1", "beta", nil, nil)
	assert.ErrorIs(t, err, store.ErrAccessDenied)

	_, err = s.GetMachine(ctx, "m1", "beta")
	assert.ErrorIs(t, err, store.ErrAccessDenied)
}

func TestUpdateMachineRunnerStateVersionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _, err := s.GetOrCreateMachine(ctx, "m1", "default", nil, nil)
	require.NoError(t, err)

	res, err := s.UpdateMachineRunnerState(ctx, m.ID, json.RawMessage(`{"v":1}`), 0, "default")
	require.NoError(t, err)
	assert.Equal(t, store.UpdateApplied, res.Outcome)
	assert.Equal(t, int64(1), res.Version)

	res, err = s.UpdateMachineRunnerState(ctx, m.ID, json.RawMessage(`{"v":2}`), 0, "default")
	require.NoError(t, err)
	assert.Equal(t, store.UpdateVersionMismatch, res.Outcome)
	assert.JSONEq(t, `{"v":1}`, string(res.Value))

	res, err = s.UpdateMachineRunnerState(ctx, m.ID, json.RawMessage(`{}`), 1, "other")
	require.NoError(t, err)
	assert.Equal(t, store.UpdateAccessDenied, res.Outcome)
}

func TestMachinePresenceSeqOnlyOnFlip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _, err := s.GetOrCreateMachine(ctx, "m1", "default", nil, nil)
	require.NoError(t, err)

	got, flipped, err := s.SetMachinePresence(ctx, m.ID, true, 1000)
	require.NoError(t, err)
	assert.True(t, flipped)
	assert.Equal(t, m.Seq+1, got.Seq)

	got, flipped, err = s.SetMachinePresence(ctx, m.ID, true, 2000)
	require.NoError(t, err)
	assert.False(t, flipped)
	assert.Equal(t, m.Seq+1, got.Seq)
	assert.Equal(t, int64(2000), got.ActiveAt)
}
