package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hapihub/hapi/internal/hub/id"
	"github.com/hapihub/hapi/internal/metrics"
)

// Errors surfaced by RPC dispatch. Timeouts are distinct from generic
// failures so callers can report timed_out.
var (
	ErrMethodNotRegistered = errors.New("RPC handler not registered")
	ErrRPCTimeout          = errors.New("RPC call timed out")
)

type rpcResult struct {
	payload json.RawMessage
	err     error
}

// pendingCalls correlates outbound rpc-request frames with their
// rpc-response by id.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]chan rpcResult
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]chan rpcResult)}
}

// sendAndWait issues one RPC down the connection and blocks for the
// response, the timeout, or context cancellation.
func (p *pendingCalls) sendAndWait(ctx context.Context, conn *Conn, method string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	callID := id.Generate()[:16]
	ch := make(chan rpcResult, 1)
	p.mu.Lock()
	p.calls[callID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.calls, callID)
		p.mu.Unlock()
	}()

	start := time.Now()
	err := conn.Send(ctx, Envelope{
		Type:    TypeRPCRequest,
		ID:      callID,
		Method:  method,
		Payload: payload,
	})
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		metrics.RPCCallsTotal.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	case <-timer.C:
		metrics.RPCCallsTotal.WithLabelValues("timed_out").Inc()
		return nil, ErrRPCTimeout
	case res := <-ch:
		metrics.RPCCallDuration.Observe(time.Since(start).Seconds())
		if res.err != nil {
			metrics.RPCCallsTotal.WithLabelValues("error").Inc()
			return nil, res.err
		}
		metrics.RPCCallsTotal.WithLabelValues("ok").Inc()
		return res.payload, nil
	}
}

// resolve completes a pending call. Unknown ids are late responses to
// calls that already timed out; they are dropped.
func (p *pendingCalls) resolve(callID string, payload json.RawMessage, errMsg string) {
	p.mu.Lock()
	ch, ok := p.calls[callID]
	delete(p.calls, callID)
	p.mu.Unlock()
	if !ok {
		return
	}
	if errMsg != "" {
		ch <- rpcResult{err: errors.New(errMsg)}
		return
	}
	ch <- rpcResult{payload: payload}
}

// failAll rejects every pending call, used when the connection dies.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]chan rpcResult)
	p.mu.Unlock()
	for _, ch := range calls {
		ch <- rpcResult{err: err}
	}
}
