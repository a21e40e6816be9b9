package coordinator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hapihub/hapi/internal/hub/socket"
	"github.com/hapihub/hapi/internal/hub/store"
)

// RestartResult reports the restart outcome of one session.
type RestartResult struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// RestartSessions re-issues start RPCs for the given session ids, or
// for every machine-bound session of machineID when no ids are given.
// Results are aggregated per session; one failure never stops the rest.
func (c *Coordinator) RestartSessions(ctx context.Context, namespace string, sessionIDs []string, machineID string) ([]RestartResult, error) {
	if len(sessionIDs) == 0 && machineID != "" {
		all, err := c.store.ListSessions(ctx, namespace, false)
		if err != nil {
			return nil, err
		}
		for _, sess := range all {
			if sess.MachineID == machineID {
				sessionIDs = append(sessionIDs, sess.ID)
			}
		}
	}

	results := make([]RestartResult, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		results = append(results, c.restartOne(ctx, namespace, sid))
	}
	return results, nil
}

func (c *Coordinator) restartOne(ctx context.Context, namespace, sessionID string) RestartResult {
	sess, err := c.store.GetSession(ctx, sessionID, namespace)
	if err != nil {
		result := RestartResult{SessionID: sessionID, Error: "Session not found"}
		if errors.Is(err, store.ErrAccessDenied) {
			result.Error = "Access denied"
		}
		return result
	}
	if sess.MachineID == "" {
		return RestartResult{SessionID: sessionID, Error: "Session is not bound to a machine"}
	}

	payload, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return RestartResult{SessionID: sessionID, Error: err.Error()}
	}
	_, err = c.rpc.Call(ctx, sess.MachineID+":restart-session", payload, restartRPCTimeout)
	if err != nil {
		result := RestartResult{SessionID: sessionID}
		switch {
		case errors.Is(err, socket.ErrMethodNotRegistered):
			result.Error = "RPC handler not registered"
		case errors.Is(err, socket.ErrRPCTimeout):
			result.Error = "Restart command timed out"
		default:
			result.Error = err.Error()
		}
		return result
	}
	return RestartResult{SessionID: sessionID, Success: true}
}
