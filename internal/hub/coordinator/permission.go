package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hapihub/hapi/internal/hub/store"
)

// MethodPermissionRequest is the runner-to-hub RPC carrying a tool
// permission prompt.
const MethodPermissionRequest = "permission-request"

// ErrPermissionAborted is returned to the runner when it aborts a
// pending prompt (tool call cancelled mid-flight).
var ErrPermissionAborted = errors.New("Permission request aborted")

// PermissionModes a runner can be switched into. The runner enforces
// the semantics; the hub stores and forwards the mode.
var PermissionModes = map[string]struct{}{
	"default":           {},
	"plan":              {},
	"acceptEdits":       {},
	"bypassPermissions": {},
}

type permissionRequest struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

type permissionDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// HandleRunnerRPC services RPCs initiated by runners. The permission
// flow blocks until a user decision arrives over the API or the runner
// aborts the call.
func (c *Coordinator) HandleRunnerRPC(ctx context.Context, namespace, method string, payload json.RawMessage) (json.RawMessage, error) {
	if method != MethodPermissionRequest {
		return nil, fmt.Errorf("unknown RPC method: %s", method)
	}

	var req permissionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode permission request: %w", err)
	}
	if req.SessionID == "" || req.RequestID == "" {
		return nil, errors.New("permission request requires sessionId and requestId")
	}

	// Record the pending request so pendingRequestsCount drives the UI.
	_, err := c.mutateAgentState(ctx, req.SessionID, namespace, func(state map[string]json.RawMessage) {
		requests := make(map[string]json.RawMessage)
		if raw, ok := state["requests"]; ok {
			_ = json.Unmarshal(raw, &requests)
		}
		requests[req.RequestID] = payload
		encoded, err := json.Marshal(requests)
		if err != nil {
			return
		}
		state["requests"] = encoded
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan permissionDecision, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		// The prompt is gone either way; drop it from state with a
		// fresh context so abort cleanup still lands.
		cleanupCtx := context.WithoutCancel(ctx)
		if _, err := c.mutateAgentState(cleanupCtx, req.SessionID, namespace, func(state map[string]json.RawMessage) {
			requests := make(map[string]json.RawMessage)
			if raw, ok := state["requests"]; ok {
				_ = json.Unmarshal(raw, &requests)
			}
			delete(requests, req.RequestID)
			encoded, err := json.Marshal(requests)
			if err != nil {
				return
			}
			state["requests"] = encoded
		}); err != nil {
			c.log.Warn("clear permission request",
				"sessionId", req.SessionID, "requestId", req.RequestID, "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ErrPermissionAborted
	case decision := <-ch:
		response, err := json.Marshal(decision)
		if err != nil {
			return nil, err
		}
		return response, nil
	}
}

// ResolvePermission completes a pending prompt with the user's
// decision. Unknown request ids mean the prompt already resolved,
// aborted, or never existed.
func (c *Coordinator) ResolvePermission(ctx context.Context, namespace, sessionID, requestID string, approved bool, reason string) error {
	if _, err := c.store.GetSession(ctx, sessionID, namespace); err != nil {
		return err
	}

	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	ch <- permissionDecision{Approved: approved, Reason: reason}
	return nil
}

// PendingPermissionCount reports the number of unresolved prompts.
func (c *Coordinator) PendingPermissionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SetPermissionMode stores the session's permission mode and forwards
// it to the runner, which resolves it live on every tool call.
func (c *Coordinator) SetPermissionMode(ctx context.Context, namespace, sessionID, mode string) error {
	if _, ok := PermissionModes[mode]; !ok {
		return fmt.Errorf("%w: unknown permission mode %q", store.ErrConflict, mode)
	}

	encoded, err := json.Marshal(mode)
	if err != nil {
		return err
	}
	if _, err := c.mutateAgentState(ctx, sessionID, namespace, func(state map[string]json.RawMessage) {
		state["permissionMode"] = encoded
	}); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"mode": mode})
	if err != nil {
		return err
	}
	if _, err := c.rpc.Call(ctx, sessionID+":set-permission-mode", payload, permissionModeTimeout); err != nil {
		return fmt.Errorf("apply permission mode: %w", err)
	}
	return nil
}
