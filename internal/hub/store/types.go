package store

import "encoding/json"

// Session is one long-lived agent interaction on one working directory.
// Timestamps are epoch milliseconds. Metadata, agent state and todos are
// opaque JSON owned by clients; the hub only guards their versions.
type Session struct {
	ID                string
	Tag               string
	Namespace         string
	MachineID         string // empty when not bound to a machine
	CreatedAt         int64
	UpdatedAt         int64
	Metadata          json.RawMessage
	MetadataVersion   int64
	AgentState        json.RawMessage
	AgentStateVersion int64
	Todos             json.RawMessage
	TodosUpdatedAt    int64
	Active            bool
	ActiveAt          int64
	Seq               int64
	SortOrder         string
	ParentSessionID   string // empty when the session has no parent
	AcceptAllMessages bool
}

// Machine is a remote host running a runner process.
type Machine struct {
	ID                 string
	Namespace          string
	Metadata           json.RawMessage
	MetadataVersion    int64
	RunnerState        json.RawMessage
	RunnerStateVersion int64
	Active             bool
	ActiveAt           int64
	Seq                int64
	CreatedAt          int64
	UpdatedAt          int64
}

// Message is one entry of a session transcript. Content is stored
// compressed and exposed decompressed.
type Message struct {
	ID        string
	SessionID string
	Seq       int64
	Content   json.RawMessage
	LocalID   string // empty when the client supplied none
	CreatedAt int64
}

// BeadLink ties an external bead to a session.
type BeadLink struct {
	SessionID string
	BeadID    string
	LinkedAt  int64
	LinkedBy  string
}

// BeadSnapshot is the last fetched content of a bead for one session.
type BeadSnapshot struct {
	SessionID string
	BeadID    string
	Data      json.RawMessage
	FetchedAt int64
}

// BeadPollTarget describes one session eligible for bead polling.
type BeadPollTarget struct {
	SessionID string
	MachineID string
	Namespace string
	Metadata  json.RawMessage
	BeadIDs   []string
}

// Team groups sessions within a namespace.
type Team struct {
	ID                 string
	Namespace          string
	Name               string
	Color              string
	Persistent         bool
	TTLSeconds         int64
	SortOrder          string
	LastActiveMemberAt int64
	CreatedBy          string
	CreatedAt          int64
}

// TeamMember ties a session to its (single) team.
type TeamMember struct {
	TeamID    string
	SessionID string
	JoinedAt  int64
}

// Preferences holds the per-namespace notification and display settings.
type Preferences struct {
	Namespace               string `json:"namespace"`
	ReadyAnnouncements      bool   `json:"readyAnnouncements"`
	PermissionNotifications bool   `json:"permissionNotifications"`
	ErrorNotifications      bool   `json:"errorNotifications"`
	TeamGroupStyle          string `json:"teamGroupStyle"`
	UpdatedAt               int64  `json:"updatedAt"`
}

// PreferencesPatch carries the fields of an upsert; nil fields keep
// their current value.
type PreferencesPatch struct {
	ReadyAnnouncements      *bool   `json:"readyAnnouncements"`
	PermissionNotifications *bool   `json:"permissionNotifications"`
	ErrorNotifications      *bool   `json:"errorNotifications"`
	TeamGroupStyle          *string `json:"teamGroupStyle"`
}

// PushSubscription is a web-push endpoint registered by a client.
type PushSubscription struct {
	ID        string
	Namespace string
	Endpoint  string
	Keys      json.RawMessage
	CreatedAt int64
}

// UpdateOutcome classifies the result of a version-guarded update.
type UpdateOutcome int

const (
	UpdateApplied UpdateOutcome = iota
	UpdateVersionMismatch
	UpdateNotFound
	UpdateAccessDenied
)

// VersionedUpdate reports the outcome of an optimistic-concurrency
// update. On mismatch, Version and Value describe the currently stored
// state so callers can rebase.
type VersionedUpdate struct {
	Outcome UpdateOutcome
	Version int64
	Value   json.RawMessage
	Seq     int64 // session/machine seq after an applied update
}

// Access classifies whether a caller may touch an entity.
type Access int

const (
	AccessOK Access = iota
	AccessDenied
	AccessNotFound
)

// MergeResult reports a message merge between two sessions.
type MergeResult struct {
	Moved     int64
	OldMaxSeq int64
	NewMaxSeq int64
}
