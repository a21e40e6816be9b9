package events

import "encoding/json"

// Status is the derived session state shown to users.
type Status string

const (
	StatusOffline              Status = "offline"
	StatusWaitingForPermission Status = "waiting-for-permission"
	StatusThinking             Status = "thinking"
	StatusIdle                 Status = "idle"
)

// DeriveStatus is the single authoritative mapping from raw session
// state to a display status. Priority: waiting-for-permission >
// thinking > idle > offline. An inactive session is always offline,
// whatever else its state claims.
func DeriveStatus(active, thinking bool, pendingRequests int) Status {
	if !active {
		return StatusOffline
	}
	if pendingRequests > 0 {
		return StatusWaitingForPermission
	}
	if thinking {
		return StatusThinking
	}
	return StatusIdle
}

// PendingRequestCount counts the open permission requests recorded in
// an agentState payload ({"requests": {id: {...}, ...}}).
func PendingRequestCount(agentState json.RawMessage) int {
	if len(agentState) == 0 {
		return 0
	}
	var state struct {
		Requests map[string]json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(agentState, &state); err != nil {
		return 0
	}
	return len(state.Requests)
}
