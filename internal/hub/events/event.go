// Package events carries coordination events from the hub core to
// subscribers. Every event is one variant of a closed union; consumers
// switch on the concrete type. Namespace-scoped events only reach
// subscribers of that namespace.
package events

import "encoding/json"

// Event is the closed union of everything the hub broadcasts.
type Event interface {
	Kind() string
	EventNamespace() string

	isEvent()
}

// SessionUpdated reports any observable change of one session: presence
// flips, thinking transitions, metadata/agentState/todos writes. Session
// holds the serialized session view; Seq orders events per session.
type SessionUpdated struct {
	Namespace string          `json:"namespace"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Session   json.RawMessage `json:"session"`
}

// SessionRemoved reports a deleted or merged-away session.
type SessionRemoved struct {
	Namespace string `json:"namespace"`
	SessionID string `json:"sessionId"`
}

// MessageAdded reports one appended transcript message.
type MessageAdded struct {
	Namespace string          `json:"namespace"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Message   json.RawMessage `json:"message"`
}

// BeadsUpdated reports a refreshed bead view of one session. Version is
// monotonic per session; Stale marks data served while a newer fetch
// failed or is pending.
type BeadsUpdated struct {
	Namespace string          `json:"namespace"`
	SessionID string          `json:"sessionId"`
	Version   int64           `json:"version"`
	Stale     bool            `json:"stale"`
	Beads     json.RawMessage `json:"beads"`
}

// MachineUpdated reports a machine presence or state change.
type MachineUpdated struct {
	Namespace string          `json:"namespace"`
	MachineID string          `json:"machineId"`
	Seq       int64           `json:"seq"`
	Machine   json.RawMessage `json:"machine"`
}

// TeamUpdated reports a created or modified team.
type TeamUpdated struct {
	Namespace string          `json:"namespace"`
	TeamID    string          `json:"teamId"`
	Team      json.RawMessage `json:"team"`
}

// TeamRemoved reports a deleted team.
type TeamRemoved struct {
	Namespace string `json:"namespace"`
	TeamID    string `json:"teamId"`
}

func (SessionUpdated) Kind() string { return "session-updated" }
func (SessionRemoved) Kind() string { return "session-removed" }
func (MessageAdded) Kind() string   { return "message-added" }
func (BeadsUpdated) Kind() string   { return "beads-updated" }
func (MachineUpdated) Kind() string { return "machine-updated" }
func (TeamUpdated) Kind() string    { return "team-updated" }
func (TeamRemoved) Kind() string    { return "team-removed" }

func (e SessionUpdated) EventNamespace() string { return e.Namespace }
func (e SessionRemoved) EventNamespace() string { return e.Namespace }
func (e MessageAdded) EventNamespace() string   { return e.Namespace }
func (e BeadsUpdated) EventNamespace() string   { return e.Namespace }
func (e MachineUpdated) EventNamespace() string { return e.Namespace }
func (e TeamUpdated) EventNamespace() string    { return e.Namespace }
func (e TeamRemoved) EventNamespace() string    { return e.Namespace }

func (SessionUpdated) isEvent() {}
func (SessionRemoved) isEvent() {}
func (MessageAdded) isEvent()   {}
func (BeadsUpdated) isEvent()   {}
func (MachineUpdated) isEvent() {}
func (TeamUpdated) isEvent()    {}
func (TeamRemoved) isEvent()    {}
