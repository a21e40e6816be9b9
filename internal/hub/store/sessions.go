package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hapihub/hapi/internal/hub/fracindex"
	"github.com/hapihub/hapi/internal/hub/id"
)

const sessionColumns = `id, tag, namespace, machine_id, created_at, updated_at,
	metadata, metadata_version, agent_state, agent_state_version,
	todos, todos_updated_at, active, active_at, seq, sort_order,
	parent_session_id, accept_all_messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		s          Session
		machineID  sql.NullString
		parentID   sql.NullString
		active     int
		acceptAll  int
		metadata   string
		agentState string
		todos      string
	)
	err := r.Scan(
		&s.ID, &s.Tag, &s.Namespace, &machineID, &s.CreatedAt, &s.UpdatedAt,
		&metadata, &s.MetadataVersion, &agentState, &s.AgentStateVersion,
		&todos, &s.TodosUpdatedAt, &active, &s.ActiveAt, &s.Seq, &s.SortOrder,
		&parentID, &acceptAll,
	)
	if err != nil {
		return nil, err
	}
	s.MachineID = machineID.String
	s.ParentSessionID = parentID.String
	s.Active = active == 1
	s.AcceptAllMessages = acceptAll == 1
	s.Metadata = json.RawMessage(metadata)
	s.AgentState = json.RawMessage(agentState)
	s.Todos = json.RawMessage(todos)
	return &s, nil
}

// CreateSessionOptions carries the optional fields of a session create.
type CreateSessionOptions struct {
	Metadata        json.RawMessage
	AgentState      json.RawMessage
	MachineID       string
	ParentSessionID string
}

// GetOrCreateSession returns the session identified by (tag, namespace),
// creating it when absent. Existing sessions are returned unchanged; a
// new session receives a sort key ordered before every existing session
// in the namespace (top of list).
func (s *Store) GetOrCreateSession(ctx context.Context, tag, namespace string, opts CreateSessionOptions) (*Session, bool, error) {
	var (
		sess    *Session
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE tag = ? AND namespace = ?", tag, namespace)
		existing, err := scanSession(row)
		if err == nil {
			sess = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("lookup session: %w", err)
		}

		var topKey sql.NullString
		if err := tx.QueryRowContext(ctx,
			"SELECT MIN(sort_order) FROM sessions WHERE namespace = ?", namespace).Scan(&topKey); err != nil {
			return fmt.Errorf("top sort key: %w", err)
		}
		sortOrder := fracindex.First()
		if topKey.Valid {
			sortOrder = fracindex.Before(topKey.String)
		}

		metadata := opts.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage("{}")
		}
		agentState := opts.AgentState
		if len(agentState) == 0 {
			agentState = json.RawMessage("{}")
		}

		now := s.nowMillis()
		sess = &Session{
			ID:              id.Generate(),
			Tag:             tag,
			Namespace:       namespace,
			MachineID:       opts.MachineID,
			CreatedAt:       now,
			UpdatedAt:       now,
			Metadata:        metadata,
			AgentState:      agentState,
			Todos:           json.RawMessage("[]"),
			SortOrder:       sortOrder,
			ParentSessionID: opts.ParentSessionID,
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO sessions
			(id, tag, namespace, machine_id, created_at, updated_at, metadata, agent_state, todos, sort_order, parent_session_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?)`,
			sess.ID, tag, namespace, nullable(opts.MachineID), now, now,
			string(metadata), string(agentState), sortOrder, nullable(opts.ParentSessionID))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sess, created, nil
}

// GetSession returns a session by id within the caller's namespace.
func (s *Store) GetSession(ctx context.Context, sessionID, namespace string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.Namespace != namespace {
		return nil, ErrAccessDenied
	}
	return sess, nil
}

// ResolveSessionAccess classifies whether the caller's namespace may
// touch the given session.
func (s *Store) ResolveSessionAccess(ctx context.Context, sessionID, namespace string) (Access, error) {
	var ns string
	err := s.db.QueryRowContext(ctx, "SELECT namespace FROM sessions WHERE id = ?", sessionID).Scan(&ns)
	if err == sql.ErrNoRows {
		return AccessNotFound, nil
	}
	if err != nil {
		return AccessNotFound, fmt.Errorf("resolve session access: %w", err)
	}
	if ns != namespace {
		return AccessDenied, nil
	}
	return AccessOK, nil
}

// ListSessions returns all sessions in a namespace ordered by sort key.
// With activeOnly, only sessions currently marked alive are returned.
func (s *Store) ListSessions(ctx context.Context, namespace string, activeOnly bool) ([]*Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE namespace = ?"
	if activeOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY sort_order, created_at"

	rows, err := s.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionMetadata applies a version-guarded metadata update.
func (s *Store) UpdateSessionMetadata(ctx context.Context, sessionID string, value json.RawMessage, expectedVersion int64, namespace string) (*VersionedUpdate, error) {
	return s.updateSessionVersioned(ctx, sessionID, "metadata", value, expectedVersion, namespace)
}

// UpdateSessionAgentState applies a version-guarded agent-state update.
func (s *Store) UpdateSessionAgentState(ctx context.Context, sessionID string, value json.RawMessage, expectedVersion int64, namespace string) (*VersionedUpdate, error) {
	return s.updateSessionVersioned(ctx, sessionID, "agent_state", value, expectedVersion, namespace)
}

func (s *Store) updateSessionVersioned(ctx context.Context, sessionID, column string, value json.RawMessage, expectedVersion int64, namespace string) (*VersionedUpdate, error) {
	verColumn := column + "_version"
	var result *VersionedUpdate

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			ns      string
			current string
			version int64
			seq     int64
		)
		row := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT namespace, %s, %s, seq FROM sessions WHERE id = ?", column, verColumn), sessionID)
		if err := row.Scan(&ns, &current, &version, &seq); err != nil {
			if err == sql.ErrNoRows {
				result = &VersionedUpdate{Outcome: UpdateNotFound}
				return nil
			}
			return fmt.Errorf("load session: %w", err)
		}
		if ns != namespace {
			result = &VersionedUpdate{Outcome: UpdateAccessDenied}
			return nil
		}
		if version != expectedVersion {
			result = &VersionedUpdate{
				Outcome: UpdateVersionMismatch,
				Version: version,
				Value:   json.RawMessage(current),
			}
			return nil
		}

		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE sessions SET %s = ?, %s = %s + 1, seq = seq + 1, updated_at = ? WHERE id = ?",
				column, verColumn, verColumn),
			string(value), s.nowMillis(), sessionID)
		if err != nil {
			return fmt.Errorf("update session %s: %w", column, err)
		}
		result = &VersionedUpdate{
			Outcome: UpdateApplied,
			Version: version + 1,
			Value:   value,
			Seq:     seq + 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetSessionTodos replaces the todo list if the supplied timestamp is
// strictly newer than the stored one. Older-or-equal timestamps are
// rejected.
func (s *Store) SetSessionTodos(ctx context.Context, sessionID string, todos json.RawMessage, timestamp int64, namespace string) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			ns      string
			current int64
		)
		row := tx.QueryRowContext(ctx, "SELECT namespace, todos_updated_at FROM sessions WHERE id = ?", sessionID)
		if err := row.Scan(&ns, &current); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		if ns != namespace {
			return ErrAccessDenied
		}
		if timestamp <= current {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE sessions SET todos = ?, todos_updated_at = ?, seq = seq + 1, updated_at = ? WHERE id = ?",
			string(todos), timestamp, s.nowMillis(), sessionID)
		if err != nil {
			return fmt.Errorf("update todos: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// UpdateSessionSortOrder moves a session in the list. Reordering is a
// UI concern, so updatedAt is left untouched (it would otherwise keep
// stale sessions alive past the inactive-sweep cutoff).
func (s *Store) UpdateSessionSortOrder(ctx context.Context, sessionID, sortOrder, namespace string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET sort_order = ?, seq = seq + 1 WHERE id = ? AND namespace = ?",
		sortOrder, sessionID, namespace)
	if err != nil {
		return false, fmt.Errorf("update sort order: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetParentSessionID links or unlinks (empty parent) a session's parent.
func (s *Store) SetParentSessionID(ctx context.Context, sessionID, parentID, namespace string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET parent_session_id = ?, seq = seq + 1, updated_at = ? WHERE id = ? AND namespace = ?",
		nullable(parentID), s.nowMillis(), sessionID, namespace)
	if err != nil {
		return fmt.Errorf("set parent session: %w", err)
	}
	return requireRow(ctx, s, res, sessionID)
}

// SetAcceptAllMessages toggles the per-session inter-agent open-door flag.
func (s *Store) SetAcceptAllMessages(ctx context.Context, sessionID string, accept bool, namespace string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET accept_all_messages = ?, seq = seq + 1, updated_at = ? WHERE id = ? AND namespace = ?",
		boolInt(accept), s.nowMillis(), sessionID, namespace)
	if err != nil {
		return fmt.Errorf("set accept-all-messages: %w", err)
	}
	return requireRow(ctx, s, res, sessionID)
}

// SetSessionPresence records a presence transition observed by the
// session cache. activeAt is refreshed on every call; seq is bumped
// only when the active flag actually flips (a flip generates a client
// event, a refresh does not). updatedAt is untouched so heartbeats do
// not shield stale sessions from the inactive sweep.
func (s *Store) SetSessionPresence(ctx context.Context, sessionID string, active bool, activeAt int64) (*Session, bool, error) {
	var (
		sess    *Session
		flipped bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID)
		current, err := scanSession(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}

		flipped = current.Active != active
		seqBump := int64(0)
		if flipped {
			seqBump = 1
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET active = ?, active_at = ?, seq = seq + ? WHERE id = ?",
			boolInt(active), activeAt, seqBump, sessionID)
		if err != nil {
			return fmt.Errorf("update presence: %w", err)
		}

		current.Active = active
		current.ActiveAt = activeAt
		current.Seq += seqBump
		sess = current
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sess, flipped, nil
}

// DeleteSession removes one inactive session. Messages and bead data
// cascade. Deleting an active session is a conflict.
func (s *Store) DeleteSession(ctx context.Context, sessionID, namespace string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			ns     string
			active int
		)
		row := tx.QueryRowContext(ctx, "SELECT namespace, active FROM sessions WHERE id = ?", sessionID)
		if err := row.Scan(&ns, &active); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		if ns != namespace {
			return ErrAccessDenied
		}
		if active == 1 {
			return fmt.Errorf("%w: session is active", ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// DeleteSessionBatch atomically removes a set of inactive sessions.
// If any id is missing, foreign, or still active, nothing is deleted
// and the offending ids are returned.
func (s *Store) DeleteSessionBatch(ctx context.Context, sessionIDs []string, namespace string) (int, []string, error) {
	if len(sessionIDs) == 0 {
		return 0, nil, nil
	}

	var failed []string
	deleted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sid := range sessionIDs {
			var (
				ns     string
				active int
			)
			row := tx.QueryRowContext(ctx, "SELECT namespace, active FROM sessions WHERE id = ?", sid)
			err := row.Scan(&ns, &active)
			if err == sql.ErrNoRows || (err == nil && (ns != namespace || active == 1)) {
				failed = append(failed, sid)
				continue
			}
			if err != nil {
				return fmt.Errorf("load session %s: %w", sid, err)
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("%w: %d session(s) not deletable", ErrConflict, len(failed))
		}
		for _, sid := range sessionIDs {
			if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sid); err != nil {
				return fmt.Errorf("delete session %s: %w", sid, err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, failed, err
	}
	return deleted, nil, nil
}

// ListInactiveSessionsBefore returns ids of sessions in the namespace
// that are offline and whose last content change predates the cutoff.
func (s *Store) ListInactiveSessionsBefore(ctx context.Context, namespace string, cutoffMillis int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM sessions WHERE namespace = ? AND active = 0 AND updated_at < ?",
		namespace, cutoffMillis)
	if err != nil {
		return nil, fmt.Errorf("list inactive sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		ids = append(ids, sid)
	}
	return ids, rows.Err()
}

// MergeSessions folds the source session into the target: messages move
// with contiguous seq continuation, bead links reassign collision-safe,
// the target inherits the source's sort key, and the source is removed.
// All of it happens in one transaction.
func (s *Store) MergeSessions(ctx context.Context, sourceID, targetID, namespace string) (*MergeResult, error) {
	var result MergeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var srcNS, dstNS, srcSort string
		if err := tx.QueryRowContext(ctx, "SELECT namespace, sort_order FROM sessions WHERE id = ?", sourceID).
			Scan(&srcNS, &srcSort); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load source: %w", err)
		}
		if err := tx.QueryRowContext(ctx, "SELECT namespace FROM sessions WHERE id = ?", targetID).
			Scan(&dstNS); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load target: %w", err)
		}
		if srcNS != namespace || dstNS != namespace {
			return ErrAccessDenied
		}

		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?", targetID).
			Scan(&result.OldMaxSeq); err != nil {
			return fmt.Errorf("target max seq: %w", err)
		}

		// A localId that already exists on the target would violate the
		// (session_id, local_id) uniqueness after the move; those ids are
		// dropped from the moved rows.
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET local_id = NULL
			WHERE session_id = ? AND local_id IN
				(SELECT local_id FROM messages WHERE session_id = ? AND local_id IS NOT NULL)`,
			sourceID, targetID); err != nil {
			return fmt.Errorf("null collided local ids: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM messages WHERE session_id = ? ORDER BY seq", sourceID)
		if err != nil {
			return fmt.Errorf("list source messages: %w", err)
		}
		var msgIDs []string
		for rows.Next() {
			var mid string
			if err := rows.Scan(&mid); err != nil {
				rows.Close()
				return err
			}
			msgIDs = append(msgIDs, mid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		next := result.OldMaxSeq
		for _, mid := range msgIDs {
			next++
			if _, err := tx.ExecContext(ctx,
				"UPDATE messages SET session_id = ?, seq = ? WHERE id = ?",
				targetID, next, mid); err != nil {
				return fmt.Errorf("move message %s: %w", mid, err)
			}
		}
		result.Moved = int64(len(msgIDs))
		result.NewMaxSeq = next

		if err := reassignBeadsTx(ctx, tx, sourceID, targetID, s.nowMillis()); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET sort_order = ?, seq = seq + 1, updated_at = ? WHERE id = ?",
			srcSort, s.nowMillis(), targetID); err != nil {
			return fmt.Errorf("inherit sort order: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sourceID); err != nil {
			return fmt.Errorf("delete source session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(ctx context.Context, s *Store, res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Distinguish foreign from missing for the error taxonomy.
	access, err := s.ResolveSessionAccess(ctx, sessionID, "")
	if err != nil {
		return err
	}
	if access == AccessNotFound {
		return ErrNotFound
	}
	return ErrAccessDenied
}
