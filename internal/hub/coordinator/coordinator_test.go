package coordinator_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapihub/hapi/internal/hub/coordinator"
	"github.com/hapihub/hapi/internal/hub/db"
	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/sessioncache"
	"github.com/hapihub/hapi/internal/hub/socket"
	"github.com/hapihub/hapi/internal/hub/store"
)

type fakeRPC struct {
	mu       sync.Mutex
	handlers map[string]func(payload json.RawMessage) (json.RawMessage, error)
	calls    []string
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{handlers: make(map[string]func(json.RawMessage) (json.RawMessage, error))}
}

func (f *fakeRPC) handle(method string, fn func(json.RawMessage) (json.RawMessage, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeRPC) Call(_ context.Context, method string, payload json.RawMessage, _ time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	fn := f.handlers[method]
	f.mu.Unlock()
	if fn == nil {
		return nil, socket.ErrMethodNotRegistered
	}
	return fn(payload)
}

type fixture struct {
	coord *coordinator.Coordinator
	store *store.Store
	cache *sessioncache.Cache
	rpc   *fakeRPC
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	pub := events.NewPublisher()
	cache := sessioncache.New(st, pub, slog.New(slog.DiscardHandler))
	rpc := newFakeRPC()
	coord := coordinator.New(st, cache, rpc, pub, slog.New(slog.DiscardHandler))
	coord.SetPromptWait(200 * time.Millisecond)
	return &fixture{coord: coord, store: st, cache: cache, rpc: rpc}
}

func (f *fixture) createMachine(t *testing.T, id string) {
	t.Helper()
	_, _, err := f.store.GetOrCreateMachine(context.Background(), id, "default", nil, nil)
	require.NoError(t, err)
}

func (f *fixture) createSession(t *testing.T, tag, namespace string) *store.Session {
	t.Helper()
	sess, _, err := f.store.GetOrCreateSession(context.Background(), tag, namespace, store.CreateSessionOptions{})
	require.NoError(t, err)
	return sess
}

func TestSpawnWithPromptDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createMachine(t, "machine-1")

	// The runner spawns the session and its first heartbeat lands
	// before the spawn RPC returns.
	f.rpc.handle("machine-1:spawn-happy-session", func(json.RawMessage) (json.RawMessage, error) {
		sess := f.createSession(t, "spawned", "default")
		f.cache.HandleSessionAlive(ctx, sess.ID, time.Now(), false, "")
		return json.Marshal(map[string]string{"type": "success", "sessionId": sess.ID})
	})

	result, err := f.coord.Spawn(ctx, "default", coordinator.SpawnRequest{
		MachineID:     "machine-1",
		Directory:     "/tmp/repo",
		Agent:         "codex",
		InitialPrompt: "Solve this task",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Type)
	assert.Equal(t, coordinator.DeliveryDelivered, result.InitialPromptDelivery)

	msgs, err := f.store.GetMessages(ctx, result.SessionID, 0, 10, "default")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var content struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Meta    struct {
			SentFrom string `json:"sentFrom"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Content, &content))
	assert.Equal(t, "user", content.Role)
	assert.Equal(t, "Solve this task", content.Content)
	assert.Equal(t, "spawn", content.Meta.SentFrom)
}

func TestSpawnWithPromptTimedOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createMachine(t, "machine-1")

	var sessionID string
	f.rpc.handle("machine-1:spawn-happy-session", func(json.RawMessage) (json.RawMessage, error) {
		sess := f.createSession(t, "spawned", "default")
		sessionID = sess.ID
		// No session-alive ever arrives.
		return json.Marshal(map[string]string{"type": "success", "sessionId": sess.ID})
	})

	result, err := f.coord.Spawn(ctx, "default", coordinator.SpawnRequest{
		MachineID:     "machine-1",
		Directory:     "/tmp/repo",
		InitialPrompt: "Solve this task",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Type)
	assert.Equal(t, coordinator.DeliveryTimedOut, result.InitialPromptDelivery)

	msgs, err := f.store.GetMessages(ctx, sessionID, 0, 10, "default")
	require.NoError(t, err)
	assert.Empty(t, msgs, "no message on timed-out delivery")
}

func TestSpawnEmptyPromptSkipsWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createMachine(t, "machine-1")

	f.rpc.handle("machine-1:spawn-happy-session", func(json.RawMessage) (json.RawMessage, error) {
		sess := f.createSession(t, "spawned", "default")
		return json.Marshal(map[string]string{"type": "success", "sessionId": sess.ID})
	})

	start := time.Now()
	result, err := f.coord.Spawn(ctx, "default", coordinator.SpawnRequest{
		MachineID:     "machine-1",
		Directory:     "/tmp/repo",
		InitialPrompt: "   \n  ",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Type)
	assert.Empty(t, result.InitialPromptDelivery)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "whitespace prompt must not wait")
}

func TestSpawnMachineOffline(t *testing.T) {
	f := newFixture(t)
	f.createMachine(t, "machine-1")

	result, err := f.coord.Spawn(context.Background(), "default", coordinator.SpawnRequest{
		MachineID: "machine-1",
		Directory: "/tmp/repo",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", result.Type)
	assert.Equal(t, "machine_offline", result.Code)
	assert.Equal(t, "RPC handler not registered", result.Message)
}

func TestSpawnUnknownMachine(t *testing.T) {
	f := newFixture(t)
	result, err := f.coord.Spawn(context.Background(), "default", coordinator.SpawnRequest{
		MachineID: "nope",
		Directory: "/tmp/repo",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", result.Type)
	assert.Equal(t, "not_found", result.Code)
}

func TestSpawnOversizedPrompt(t *testing.T) {
	f := newFixture(t)
	f.createMachine(t, "machine-1")

	result, err := f.coord.Spawn(context.Background(), "default", coordinator.SpawnRequest{
		MachineID:     "machine-1",
		Directory:     "/tmp/repo",
		InitialPrompt: strings.Repeat("a", 100_001),
	})
	require.NoError(t, err)
	assert.Equal(t, "error", result.Type)
	assert.Contains(t, result.Message, "100000", "rejection must name the limit")
}

func TestSendMessageTopology(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.createSession(t, "parent", "default")
	child := f.createSession(t, "child", "default")
	stranger := f.createSession(t, "stranger", "default")
	require.NoError(t, f.store.SetParentSessionID(ctx, child.ID, parent.ID, "default"))

	// Parent -> child is allowed.
	result, err := f.coord.SendMessage(ctx, "default", child.ID, coordinator.MessageRequest{
		SenderSessionID: parent.ID,
		Content:         json.RawMessage(`"hello"`),
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", result.Status, "offline target queues")

	// Child -> parent is allowed.
	result, err = f.coord.SendMessage(ctx, "default", parent.ID, coordinator.MessageRequest{
		SenderSessionID: child.ID,
		Content:         json.RawMessage(`"hi"`),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Code)

	// Stranger -> child is rejected.
	result, err = f.coord.SendMessage(ctx, "default", child.ID, coordinator.MessageRequest{
		SenderSessionID: stranger.ID,
		Content:         json.RawMessage(`"psst"`),
	})
	require.NoError(t, err)
	assert.Equal(t, coordinator.CodeNotAuthorized, result.Code)

	// Unless the target opens its door.
	require.NoError(t, f.store.SetAcceptAllMessages(ctx, child.ID, true, "default"))
	result, err = f.coord.SendMessage(ctx, "default", child.ID, coordinator.MessageRequest{
		SenderSessionID: stranger.ID,
		Content:         json.RawMessage(`"psst"`),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Code)
}

func TestSendMessageLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.createSession(t, "parent", "default")
	child := f.createSession(t, "child", "default")
	require.NoError(t, f.store.SetParentSessionID(ctx, child.ID, parent.ID, "default"))

	oversized, err := json.Marshal(strings.Repeat("x", 101*1024))
	require.NoError(t, err)
	result, err := f.coord.SendMessage(ctx, "default", child.ID, coordinator.MessageRequest{
		SenderSessionID: parent.ID,
		Content:         oversized,
	})
	require.NoError(t, err)
	assert.Equal(t, coordinator.CodeMessageTooLarge, result.Code)

	result, err = f.coord.SendMessage(ctx, "default", child.ID, coordinator.MessageRequest{
		SenderSessionID: parent.ID,
		Content:         json.RawMessage(`"fine"`),
		HopCount:        11,
	})
	require.NoError(t, err)
	assert.Equal(t, coordinator.CodeHopLimitExceeded, result.Code)

	result, err = f.coord.SendMessage(ctx, "default", child.ID, coordinator.MessageRequest{
		SenderSessionID: "no-such-session",
		Content:         json.RawMessage(`"hi"`),
	})
	require.NoError(t, err)
	assert.Equal(t, coordinator.CodeSenderNotFound, result.Code)
}

func TestSendMessageDeliveredWhenActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.createSession(t, "parent", "default")
	child := f.createSession(t, "child", "default")
	require.NoError(t, f.store.SetParentSessionID(ctx, child.ID, parent.ID, "default"))
	f.cache.HandleSessionAlive(ctx, child.ID, time.Now(), false, "")

	result, err := f.coord.SendMessage(ctx, "default", child.ID, coordinator.MessageRequest{
		SenderSessionID: parent.ID,
		Content:         json.RawMessage(`"hello"`),
	})
	require.NoError(t, err)
	assert.Equal(t, "delivered", result.Status)
}

func TestRestartSessionsAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createMachine(t, "m1")

	ok, _, err := f.store.GetOrCreateSession(ctx, "ok", "default", store.CreateSessionOptions{MachineID: "m1"})
	require.NoError(t, err)
	unbound := f.createSession(t, "unbound", "default")

	f.rpc.handle("m1:restart-session", func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	results, err := f.coord.RestartSessions(ctx, "default", []string{ok.ID, unbound.ID, "missing"}, "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.Equal(t, "Session not found", results[2].Error)
}

func TestPermissionRequestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, "s1", "default")

	payload, _ := json.Marshal(map[string]string{
		"sessionId": sess.ID, "requestId": "call-1", "toolName": "Bash",
	})
	type rpcDone struct {
		response json.RawMessage
		err      error
	}
	done := make(chan rpcDone, 1)
	go func() {
		resp, err := f.coord.HandleRunnerRPC(ctx, "default", coordinator.MethodPermissionRequest, payload)
		done <- rpcDone{resp, err}
	}()

	// The pending request surfaces in agentState.
	require.Eventually(t, func() bool {
		got, err := f.store.GetSession(ctx, sess.ID, "default")
		return err == nil && events.PendingRequestCount(got.AgentState) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.coord.ResolvePermission(ctx, "default", sess.ID, "call-1", true, ""))

	result := <-done
	require.NoError(t, result.err)
	assert.JSONEq(t, `{"approved":true}`, string(result.response))

	// Resolution clears the pending request.
	require.Eventually(t, func() bool {
		got, err := f.store.GetSession(ctx, sess.ID, "default")
		return err == nil && events.PendingRequestCount(got.AgentState) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Resolving again finds nothing.
	err := f.coord.ResolvePermission(ctx, "default", sess.ID, "call-1", true, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPermissionRequestAborted(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, "s1", "default")

	callCtx, cancel := context.WithCancel(context.Background())
	payload, _ := json.Marshal(map[string]string{
		"sessionId": sess.ID, "requestId": "call-2", "toolName": "Read",
	})
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.HandleRunnerRPC(callCtx, "default", coordinator.MethodPermissionRequest, payload)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return f.coord.PendingPermissionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	require.Error(t, err)
	assert.Equal(t, "Permission request aborted", err.Error())

	require.Eventually(t, func() bool {
		got, err := f.store.GetSession(context.Background(), sess.ID, "default")
		return err == nil && events.PendingRequestCount(got.AgentState) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSetPermissionMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, "s1", "default")

	err := f.coord.SetPermissionMode(ctx, "default", sess.ID, "yolo")
	assert.ErrorIs(t, err, store.ErrConflict)

	f.rpc.handle(sess.ID+":set-permission-mode", func(payload json.RawMessage) (json.RawMessage, error) {
		assert.JSONEq(t, `{"mode":"acceptEdits"}`, string(payload))
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, f.coord.SetPermissionMode(ctx, "default", sess.ID, "acceptEdits"))

	got, err := f.store.GetSession(ctx, sess.ID, "default")
	require.NoError(t, err)
	var state struct {
		PermissionMode string `json:"permissionMode"`
	}
	require.NoError(t, json.Unmarshal(got.AgentState, &state))
	assert.Equal(t, "acceptEdits", state.PermissionMode)

	// No handler for the RPC: the error propagates for the route to
	// sanitize.
	other := f.createSession(t, "s2", "default")
	err = f.coord.SetPermissionMode(ctx, "default", other.ID, "default")
	require.Error(t, err)
}
