// Package coordinator couples store, session cache, and runner RPC into
// the cross-cutting flows: spawning sessions, inter-agent messaging,
// restarts, and the permission request protocol.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/sessioncache"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/view"
)

const (
	spawnRPCTimeout       = 30 * time.Second
	initialPromptWait     = 10 * time.Second
	restartRPCTimeout     = 15 * time.Second
	permissionModeTimeout = 10 * time.Second

	// agentState writers race the runner; a handful of rebases is
	// plenty before reporting contention.
	agentStateRetries = 5
)

// RPCCaller dispatches an RPC to the runner owning the method.
type RPCCaller interface {
	Call(ctx context.Context, method string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// Coordinator owns the orchestration flows.
type Coordinator struct {
	store *store.Store
	cache *sessioncache.Cache
	rpc   RPCCaller
	pub   *events.Publisher
	log   *slog.Logger

	promptWait time.Duration

	mu      sync.Mutex
	pending map[string]chan permissionDecision // requestID -> decision
}

func New(st *store.Store, cache *sessioncache.Cache, rpc RPCCaller, pub *events.Publisher, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:      st,
		cache:      cache,
		rpc:        rpc,
		pub:        pub,
		log:        log,
		promptWait: initialPromptWait,
		pending:    make(map[string]chan permissionDecision),
	}
}

// SetPromptWait overrides the initial-prompt wait. Test use only.
func (c *Coordinator) SetPromptWait(d time.Duration) { c.promptWait = d }

// mutateAgentState applies fn to a session's agentState under the
// version guard, rebasing on mismatch.
func (c *Coordinator) mutateAgentState(ctx context.Context, sessionID, namespace string, fn func(state map[string]json.RawMessage)) (*store.VersionedUpdate, error) {
	for attempt := 0; attempt < agentStateRetries; attempt++ {
		sess, err := c.store.GetSession(ctx, sessionID, namespace)
		if err != nil {
			return nil, err
		}

		state := make(map[string]json.RawMessage)
		if len(sess.AgentState) > 0 {
			if err := json.Unmarshal(sess.AgentState, &state); err != nil {
				return nil, fmt.Errorf("decode agent state: %w", err)
			}
		}
		fn(state)
		value, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("encode agent state: %w", err)
		}

		result, err := c.store.UpdateSessionAgentState(ctx, sessionID, value, sess.AgentStateVersion, namespace)
		if err != nil {
			return nil, err
		}
		switch result.Outcome {
		case store.UpdateApplied:
			c.publishSessionUpdate(ctx, sessionID, namespace)
			return result, nil
		case store.UpdateVersionMismatch:
			continue
		case store.UpdateNotFound:
			return nil, store.ErrNotFound
		case store.UpdateAccessDenied:
			return nil, store.ErrAccessDenied
		}
	}
	return nil, fmt.Errorf("%w: agent state contention on session %s", store.ErrConflict, sessionID)
}

func (c *Coordinator) publishSessionUpdate(ctx context.Context, sessionID, namespace string) {
	sess, err := c.store.GetSession(ctx, sessionID, namespace)
	if err != nil {
		return
	}
	thinking, activity := c.cache.Thinking(sessionID)
	c.pub.Publish(events.SessionUpdated{
		Namespace: namespace,
		SessionID: sessionID,
		Seq:       sess.Seq,
		Session:   view.SessionJSON(sess, thinking, activity),
	})
}

func (c *Coordinator) publishMessage(namespace string, msg *store.Message) {
	c.pub.Publish(events.MessageAdded{
		Namespace: namespace,
		SessionID: msg.SessionID,
		Seq:       msg.Seq,
		Message:   view.MessageJSON(msg),
	})
}
