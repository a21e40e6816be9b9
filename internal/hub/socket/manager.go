package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hapihub/hapi/internal/hub/id"
	"github.com/hapihub/hapi/internal/hub/rpcreg"
	"github.com/hapihub/hapi/internal/metrics"
	"github.com/hapihub/hapi/internal/util/timefmt"
)

const (
	authTimeout  = 10 * time.Second
	maxFrameSize = 1 << 20
)

// Presence receives the liveness frames runners stream over the socket.
type Presence interface {
	SessionAlive(ctx context.Context, sessionID string, at time.Time, thinking bool, thinkingActivity string)
	SessionEnd(ctx context.Context, sessionID string)
	MachineAlive(ctx context.Context, machineID, namespace string, at time.Time)
}

// RunnerRPCHandler answers RPCs initiated by runners (permission
// requests). The call blocks until resolved; cancelling the context
// aborts it.
type RunnerRPCHandler interface {
	HandleRunnerRPC(ctx context.Context, namespace, method string, payload json.RawMessage) (json.RawMessage, error)
}

// AuthFunc validates a socket auth token and yields its namespace.
type AuthFunc func(token string) (namespace string, ok bool)

type connState struct {
	conn    *Conn
	pending *pendingCalls

	mu      sync.Mutex
	inbound map[string]context.CancelFunc
}

// Manager owns every connected runner socket and dispatches RPCs to
// the socket that registered the target method.
type Manager struct {
	registry *rpcreg.Registry
	presence Presence
	handler  RunnerRPCHandler
	auth     AuthFunc
	log      *slog.Logger

	mu    sync.Mutex
	conns map[string]*connState
}

func NewManager(registry *rpcreg.Registry, presence Presence, handler RunnerRPCHandler, auth AuthFunc, log *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		presence: presence,
		handler:  handler,
		auth:     auth,
		log:      log,
		conns:    make(map[string]*connState),
	}
}

// Call dispatches an RPC to the socket owning the method.
func (m *Manager) Call(ctx context.Context, method string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	socketID, ok := m.registry.Lookup(method)
	if !ok {
		metrics.RPCCallsTotal.WithLabelValues("unregistered").Inc()
		return nil, ErrMethodNotRegistered
	}
	m.mu.Lock()
	state := m.conns[socketID]
	m.mu.Unlock()
	if state == nil {
		// Owner raced a disconnect between lookup and dispatch.
		metrics.RPCCallsTotal.WithLabelValues("unregistered").Inc()
		return nil, ErrMethodNotRegistered
	}
	return state.pending.sendAndWait(ctx, state.conn, method, payload, timeout)
}

// HandleWS upgrades one runner connection and services it until EOF.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	authCtx, cancel := context.WithTimeout(r.Context(), authTimeout)
	_, tokenFrame, err := ws.Read(authCtx)
	cancel()
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "auth frame required")
		return
	}
	namespace, ok := m.auth(string(tokenFrame))
	if !ok {
		_ = ws.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	state := &connState{
		conn:    newConn(id.Generate(), namespace, ws),
		pending: newPendingCalls(),
		inbound: make(map[string]context.CancelFunc),
	}
	m.mu.Lock()
	m.conns[state.conn.ID] = state
	m.mu.Unlock()
	metrics.ActiveRunnerSockets.Inc()
	m.log.Info("runner connected", "socketId", state.conn.ID, "namespace", namespace)

	defer func() {
		released := m.registry.UnregisterAll(state.conn.ID)
		state.pending.failAll(ErrMethodNotRegistered)
		state.mu.Lock()
		for _, abort := range state.inbound {
			abort()
		}
		state.mu.Unlock()
		m.mu.Lock()
		delete(m.conns, state.conn.ID)
		m.mu.Unlock()
		metrics.ActiveRunnerSockets.Dec()
		m.log.Info("runner disconnected",
			"socketId", state.conn.ID, "releasedMethods", len(released))
	}()

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Warn("malformed socket frame", "socketId", state.conn.ID, "error", err)
			continue
		}
		m.dispatch(r.Context(), state, env)
	}
}

func (m *Manager) dispatch(ctx context.Context, state *connState, env Envelope) {
	switch env.Type {
	case TypeRegister:
		m.registry.Register(env.Method, state.conn.ID)

	case TypeUnregister:
		m.registry.Unregister(env.Method, state.conn.ID)

	case TypeSessionAlive:
		var p SessionAlivePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.log.Warn("bad session-alive payload", "error", err)
			return
		}
		m.presence.SessionAlive(ctx, p.SessionID, timefmt.FromMillis(p.Time), p.Thinking, p.ThinkingActivity)

	case TypeSessionEnd:
		var p SessionEndPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.log.Warn("bad session-end payload", "error", err)
			return
		}
		m.presence.SessionEnd(ctx, p.SessionID)

	case TypeMachineAlive:
		var p MachineAlivePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.log.Warn("bad machine-alive payload", "error", err)
			return
		}
		m.presence.MachineAlive(ctx, p.MachineID, state.conn.Namespace, timefmt.FromMillis(p.Time))

	case TypeRPCResponse:
		state.pending.resolve(env.ID, env.Payload, env.Error)

	case TypeRPCRequest:
		m.handleInbound(ctx, state, env)

	case TypeRPCAbort:
		state.mu.Lock()
		abort := state.inbound[env.ID]
		state.mu.Unlock()
		if abort != nil {
			abort()
		}

	default:
		m.log.Warn("unknown socket frame type", "type", env.Type)
	}
}

// handleInbound services a runner-initiated RPC. It runs on its own
// goroutine because resolution may wait on user action; rpc-abort
// cancels it.
func (m *Manager) handleInbound(ctx context.Context, state *connState, env Envelope) {
	callCtx, cancel := context.WithCancel(ctx)
	state.mu.Lock()
	state.inbound[env.ID] = cancel
	state.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			state.mu.Lock()
			delete(state.inbound, env.ID)
			state.mu.Unlock()
		}()

		response := Envelope{Type: TypeRPCResponse, ID: env.ID}
		payload, err := m.handler.HandleRunnerRPC(callCtx, state.conn.Namespace, env.Method, env.Payload)
		if err != nil {
			response.Error = err.Error()
		} else {
			response.Payload = payload
		}
		if err := state.conn.Send(ctx, response); err != nil {
			m.log.Warn("send rpc response", "socketId", state.conn.ID, "error", err)
		}
	}()
}

// Shutdown tells every runner to reconnect later and closes the
// sockets.
func (m *Manager) Shutdown(ctx context.Context, retryDelay time.Duration) {
	payload, _ := json.Marshal(ShutdownPayload{RetryDelaySeconds: int(retryDelay.Seconds())})
	m.mu.Lock()
	conns := make([]*connState, 0, len(m.conns))
	for _, state := range m.conns {
		conns = append(conns, state)
	}
	m.mu.Unlock()

	for _, state := range conns {
		if err := state.conn.Send(ctx, Envelope{Type: TypeShutdown, Payload: payload}); err != nil {
			m.log.Warn("send shutdown", "socketId", state.conn.ID, "error", err)
		}
		state.conn.Close(websocket.StatusGoingAway, "hub shutting down")
	}
}
