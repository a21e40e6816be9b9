// Package socket carries the hub<->runner protocol: a websocket per
// runner, a text auth frame first, then JSON envelopes in both
// directions. Runners register RPC methods, stream presence, and answer
// RPCs the hub dispatches by method lookup.
package socket

import "encoding/json"

// Envelope frame types.
const (
	TypeRegister     = "register"
	TypeUnregister   = "unregister"
	TypeSessionAlive = "session-alive"
	TypeSessionEnd   = "session-end"
	TypeMachineAlive = "machine-alive"
	TypeRPCRequest   = "rpc-request"
	TypeRPCResponse  = "rpc-response"
	TypeRPCAbort     = "rpc-abort"
	TypeShutdown     = "shutdown"
)

// Envelope is one protocol frame. ID correlates requests and responses;
// Method names the RPC endpoint on register/unregister/rpc-request.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SessionAlivePayload is the heartbeat body of a session-alive frame.
type SessionAlivePayload struct {
	SessionID        string `json:"sid"`
	Time             int64  `json:"time"`
	Thinking         bool   `json:"thinking"`
	ThinkingActivity string `json:"thinkingActivity,omitempty"`
}

// SessionEndPayload is the body of a session-end frame.
type SessionEndPayload struct {
	SessionID string `json:"sid"`
	Time      int64  `json:"time"`
}

// MachineAlivePayload is the body of a machine-alive frame.
type MachineAlivePayload struct {
	MachineID string `json:"machineId"`
	Time      int64  `json:"time"`
}

// ShutdownPayload tells runners when to reconnect after a hub restart.
type ShutdownPayload struct {
	RetryDelaySeconds int `json:"retryDelaySeconds"`
}
