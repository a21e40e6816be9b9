package sessioncache_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapihub/hapi/internal/hub/db"
	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/sessioncache"
	"github.com/hapihub/hapi/internal/hub/store"
)

type captor struct {
	got []events.Event
}

func (c *captor) HandleEvent(ev events.Event) { c.got = append(c.got, ev) }

func (c *captor) sessionUpdates() []events.SessionUpdated {
	var updates []events.SessionUpdated
	for _, ev := range c.got {
		if u, ok := ev.(events.SessionUpdated); ok {
			updates = append(updates, u)
		}
	}
	return updates
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T) (*sessioncache.Cache, *store.Store, *captor, *testClock) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st.SetClock(clock.Now)

	pub := events.NewPublisher()
	cap := &captor{}
	pub.Subscribe(cap)

	cache := sessioncache.New(st, pub, slog.New(slog.DiscardHandler))
	cache.SetClock(clock.Now)
	return cache, st, cap, clock
}

func createSession(t *testing.T, st *store.Store, tag string) *store.Session {
	t.Helper()
	sess, _, err := st.GetOrCreateSession(context.Background(), tag, "default", store.CreateSessionOptions{})
	require.NoError(t, err)
	return sess
}

type sessionPayload struct {
	Active   bool   `json:"active"`
	Thinking bool   `json:"thinking"`
	Status   string `json:"status"`
}

func decodeSession(t *testing.T, raw json.RawMessage) sessionPayload {
	t.Helper()
	var p sessionPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestHeartbeatActivatesSession(t *testing.T) {
	cache, st, cap, clock := newFixture(t)
	ctx := context.Background()
	sess := createSession(t, st, "s1")

	cache.HandleSessionAlive(ctx, sess.ID, clock.Now(), false, "")

	assert.True(t, cache.IsActive(sess.ID))
	got, err := st.GetSession(ctx, sess.ID, "default")
	require.NoError(t, err)
	assert.True(t, got.Active)

	updates := cap.sessionUpdates()
	require.Len(t, updates, 1)
	payload := decodeSession(t, updates[0].Session)
	assert.True(t, payload.Active)
	assert.Equal(t, "idle", payload.Status)

	// A refresh heartbeat with unchanged state broadcasts nothing.
	clock.Advance(5 * time.Second)
	cache.HandleSessionAlive(ctx, sess.ID, clock.Now(), false, "")
	assert.Len(t, cap.sessionUpdates(), 1)
}

func TestStaleHeartbeatIgnored(t *testing.T) {
	cache, st, cap, clock := newFixture(t)
	ctx := context.Background()
	sess := createSession(t, st, "s1")

	cache.HandleSessionAlive(ctx, sess.ID, clock.Now().Add(-31*time.Second), false, "")

	assert.False(t, cache.IsActive(sess.ID))
	assert.Empty(t, cap.sessionUpdates())
}

func TestThinkingTransitionBroadcasts(t *testing.T) {
	cache, st, cap, clock := newFixture(t)
	ctx := context.Background()
	sess := createSession(t, st, "s1")

	cache.HandleSessionAlive(ctx, sess.ID, clock.Now(), false, "")
	cache.HandleSessionAlive(ctx, sess.ID, clock.Now(), true, "Reading files")

	updates := cap.sessionUpdates()
	require.Len(t, updates, 2)
	payload := decodeSession(t, updates[1].Session)
	assert.True(t, payload.Thinking)
	assert.Equal(t, "thinking", payload.Status)

	thinking, activity := cache.Thinking(sess.ID)
	assert.True(t, thinking)
	assert.Equal(t, "Reading files", activity)
}

func TestSweepForcesThinkingFalse(t *testing.T) {
	cache, st, cap, clock := newFixture(t)
	ctx := context.Background()
	sess := createSession(t, st, "s1")

	cache.HandleSessionAlive(ctx, sess.ID, clock.Now(), true, "Working")
	clock.Advance(31 * time.Second)
	cache.Sweep(ctx)

	assert.False(t, cache.IsActive(sess.ID))
	updates := cap.sessionUpdates()
	require.Len(t, updates, 2)
	// One event carrying both flags down, never a stale spinner.
	payload := decodeSession(t, updates[1].Session)
	assert.False(t, payload.Active)
	assert.False(t, payload.Thinking)
	assert.Equal(t, "offline", payload.Status)
}

func TestSessionEndImmediateOffline(t *testing.T) {
	cache, st, cap, clock := newFixture(t)
	ctx := context.Background()
	sess := createSession(t, st, "s1")

	cache.HandleSessionAlive(ctx, sess.ID, clock.Now(), true, "Working")
	cache.HandleSessionEnd(ctx, sess.ID)

	assert.False(t, cache.IsActive(sess.ID))
	updates := cap.sessionUpdates()
	require.Len(t, updates, 2)
	payload := decodeSession(t, updates[1].Session)
	assert.False(t, payload.Active)
	assert.False(t, payload.Thinking)
}

func TestWaitActive(t *testing.T) {
	cache, st, _, clock := newFixture(t)
	ctx := context.Background()
	sess := createSession(t, st, "s1")

	// Already-active sessions return immediately.
	cache.HandleSessionAlive(ctx, sess.ID, clock.Now(), false, "")
	require.NoError(t, cache.WaitActive(ctx, sess.ID))

	other := createSession(t, st, "s2")
	done := make(chan error, 1)
	go func() {
		done <- cache.WaitActive(ctx, other.ID)
	}()
	time.Sleep(20 * time.Millisecond)
	cache.HandleSessionAlive(ctx, other.ID, clock.Now(), false, "")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}

	// Context expiry unblocks a waiter that never sees a heartbeat.
	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	never := createSession(t, st, "s3")
	err := cache.WaitActive(timeoutCtx, never.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClearInactiveSessions(t *testing.T) {
	cache, st, cap, clock := newFixture(t)
	ctx := context.Background()

	stale := createSession(t, st, "stale")
	clock.Advance(48 * time.Hour)
	fresh := createSession(t, st, "fresh")

	deleted, err := cache.ClearInactiveSessions(ctx, "default", clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = st.GetSession(ctx, stale.ID, "default")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSession(ctx, fresh.ID, "default")
	require.NoError(t, err)

	var removed []events.SessionRemoved
	for _, ev := range cap.got {
		if r, ok := ev.(events.SessionRemoved); ok {
			removed = append(removed, r)
		}
	}
	require.Len(t, removed, 1)
	assert.Equal(t, stale.ID, removed[0].SessionID)
}

func TestMergeSessionsBroadcasts(t *testing.T) {
	cache, st, cap, _ := newFixture(t)
	ctx := context.Background()

	source := createSession(t, st, "source")
	target := createSession(t, st, "target")
	_, err := st.AddMessage(ctx, source.ID, json.RawMessage(`{"text":"hi"}`), "", "default")
	require.NoError(t, err)

	result, err := cache.MergeSessions(ctx, source.ID, target.ID, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Moved)

	var removedIDs []string
	for _, ev := range cap.got {
		if r, ok := ev.(events.SessionRemoved); ok {
			removedIDs = append(removedIDs, r.SessionID)
		}
	}
	assert.Equal(t, []string{source.ID}, removedIDs)
	updates := cap.sessionUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, target.ID, updates[0].SessionID)
}
