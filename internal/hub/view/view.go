// Package view holds the JSON projections of stored entities served to
// clients over the API and the event stream. Both surfaces must agree
// on shape, so the projection lives in one place.
package view

import (
	"encoding/json"

	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/store"
)

// SessionView is the client-facing session shape. Status and
// pendingRequestsCount are derived, never stored.
type SessionView struct {
	ID                   string          `json:"id"`
	Tag                  string          `json:"tag"`
	MachineID            string          `json:"machineId,omitempty"`
	CreatedAt            int64           `json:"createdAt"`
	UpdatedAt            int64           `json:"updatedAt"`
	Metadata             json.RawMessage `json:"metadata"`
	MetadataVersion      int64           `json:"metadataVersion"`
	AgentState           json.RawMessage `json:"agentState"`
	AgentStateVersion    int64           `json:"agentStateVersion"`
	Todos                json.RawMessage `json:"todos"`
	TodosUpdatedAt       int64           `json:"todosUpdatedAt"`
	Active               bool            `json:"active"`
	ActiveAt             int64           `json:"activeAt"`
	Seq                  int64           `json:"seq"`
	SortOrder            string          `json:"sortOrder"`
	ParentSessionID      string          `json:"parentSessionId,omitempty"`
	AcceptAllMessages    bool            `json:"acceptAllMessages"`
	Thinking             bool            `json:"thinking"`
	ThinkingActivity     string          `json:"thinkingActivity,omitempty"`
	Status               events.Status   `json:"status"`
	PendingRequestsCount int             `json:"pendingRequestsCount"`
}

// Session projects a stored session plus its in-memory presence state.
func Session(s *store.Session, thinking bool, thinkingActivity string) *SessionView {
	pending := events.PendingRequestCount(s.AgentState)
	return &SessionView{
		ID:                   s.ID,
		Tag:                  s.Tag,
		MachineID:            s.MachineID,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
		Metadata:             s.Metadata,
		MetadataVersion:      s.MetadataVersion,
		AgentState:           s.AgentState,
		AgentStateVersion:    s.AgentStateVersion,
		Todos:                s.Todos,
		TodosUpdatedAt:       s.TodosUpdatedAt,
		Active:               s.Active,
		ActiveAt:             s.ActiveAt,
		Seq:                  s.Seq,
		SortOrder:            s.SortOrder,
		ParentSessionID:      s.ParentSessionID,
		AcceptAllMessages:    s.AcceptAllMessages,
		Thinking:             thinking,
		ThinkingActivity:     thinkingActivity,
		Status:               events.DeriveStatus(s.Active, thinking, pending),
		PendingRequestsCount: pending,
	}
}

// SessionJSON marshals the projection for event payloads.
func SessionJSON(s *store.Session, thinking bool, thinkingActivity string) json.RawMessage {
	data, err := json.Marshal(Session(s, thinking, thinkingActivity))
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// MachineView is the client-facing machine shape.
type MachineView struct {
	ID                 string          `json:"id"`
	Metadata           json.RawMessage `json:"metadata"`
	MetadataVersion    int64           `json:"metadataVersion"`
	RunnerState        json.RawMessage `json:"runnerState"`
	RunnerStateVersion int64           `json:"runnerStateVersion"`
	Active             bool            `json:"active"`
	ActiveAt           int64           `json:"activeAt"`
	Seq                int64           `json:"seq"`
	CreatedAt          int64           `json:"createdAt"`
	UpdatedAt          int64           `json:"updatedAt"`
}

func Machine(m *store.Machine) *MachineView {
	return &MachineView{
		ID:                 m.ID,
		Metadata:           m.Metadata,
		MetadataVersion:    m.MetadataVersion,
		RunnerState:        m.RunnerState,
		RunnerStateVersion: m.RunnerStateVersion,
		Active:             m.Active,
		ActiveAt:           m.ActiveAt,
		Seq:                m.Seq,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func MachineJSON(m *store.Machine) json.RawMessage {
	data, err := json.Marshal(Machine(m))
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// MessageView is the client-facing message shape.
type MessageView struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Content   json.RawMessage `json:"content"`
	LocalID   string          `json:"localId,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

func Message(m *store.Message) *MessageView {
	return &MessageView{
		ID:        m.ID,
		SessionID: m.SessionID,
		Seq:       m.Seq,
		Content:   m.Content,
		LocalID:   m.LocalID,
		CreatedAt: m.CreatedAt,
	}
}

func MessageJSON(m *store.Message) json.RawMessage {
	data, err := json.Marshal(Message(m))
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// TeamView is the client-facing team shape.
type TeamView struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Color              string `json:"color,omitempty"`
	Persistent         bool   `json:"persistent"`
	TTLSeconds         int64  `json:"ttlSeconds,omitempty"`
	SortOrder          string `json:"sortOrder"`
	LastActiveMemberAt int64  `json:"lastActiveMemberAt"`
	CreatedBy          string `json:"createdBy,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
}

func Team(t *store.Team) *TeamView {
	return &TeamView{
		ID:                 t.ID,
		Name:               t.Name,
		Color:              t.Color,
		Persistent:         t.Persistent,
		TTLSeconds:         t.TTLSeconds,
		SortOrder:          t.SortOrder,
		LastActiveMemberAt: t.LastActiveMemberAt,
		CreatedBy:          t.CreatedBy,
		CreatedAt:          t.CreatedAt,
	}
}

func TeamJSON(t *store.Team) json.RawMessage {
	data, err := json.Marshal(Team(t))
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
