package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hapihub/hapi/internal/hub/validate"
)

// SessionBead is a linked bead together with its last known snapshot,
// if any has been fetched yet.
type SessionBead struct {
	BeadID    string          `json:"beadId"`
	LinkedAt  int64           `json:"linkedAt"`
	LinkedBy  string          `json:"linkedBy"`
	Data      json.RawMessage `json:"data,omitempty"`
	FetchedAt int64           `json:"fetchedAt,omitempty"`
}

// LinkBead attaches a bead to a session. Linking an already linked bead
// is a no-op. Sessions carry a bounded number of links.
func (s *Store) LinkBead(ctx context.Context, sessionID, beadID, linkedBy, namespace string) (bool, error) {
	linked := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var ns string
		if err := tx.QueryRowContext(ctx, "SELECT namespace FROM sessions WHERE id = ?", sessionID).
			Scan(&ns); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		if ns != namespace {
			return ErrAccessDenied
		}

		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM session_bead_links WHERE session_id = ? AND bead_id = ?",
			sessionID, beadID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup link: %w", err)
		}
		if exists > 0 {
			return nil
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM session_bead_links WHERE session_id = ?", sessionID).
			Scan(&count); err != nil {
			return fmt.Errorf("count links: %w", err)
		}
		if count >= validate.MaxBeadLinksPerSession {
			return fmt.Errorf("%w: session already has %d bead links", ErrConflict, validate.MaxBeadLinksPerSession)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO session_bead_links (session_id, bead_id, linked_at, linked_by) VALUES (?, ?, ?, ?)",
			sessionID, beadID, s.nowMillis(), linkedBy); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE id = ?",
			s.nowMillis(), sessionID); err != nil {
			return fmt.Errorf("bump session seq: %w", err)
		}
		linked = true
		return nil
	})
	return linked, err
}

// UnlinkBead detaches a bead and drops its snapshot.
func (s *Store) UnlinkBead(ctx context.Context, sessionID, beadID, namespace string) (bool, error) {
	unlinked := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var ns string
		if err := tx.QueryRowContext(ctx, "SELECT namespace FROM sessions WHERE id = ?", sessionID).
			Scan(&ns); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		if ns != namespace {
			return ErrAccessDenied
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM session_bead_links WHERE session_id = ? AND bead_id = ?", sessionID, beadID)
		if err != nil {
			return fmt.Errorf("delete link: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM bead_snapshots WHERE session_id = ? AND bead_id = ?", sessionID, beadID); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE id = ?",
			s.nowMillis(), sessionID); err != nil {
			return fmt.Errorf("bump session seq: %w", err)
		}
		unlinked = true
		return nil
	})
	return unlinked, err
}

// SaveBeadSnapshot stores freshly polled bead content. Returns true
// only when the content actually changed; identical data refreshes
// nothing and generates no event downstream.
func (s *Store) SaveBeadSnapshot(ctx context.Context, sessionID, beadID string, data json.RawMessage) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM session_bead_links WHERE session_id = ? AND bead_id = ?",
			sessionID, beadID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup link: %w", err)
		}
		if exists == 0 {
			// Unlinked while the poll was in flight; drop the result.
			return nil
		}

		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT data FROM bead_snapshots WHERE session_id = ? AND bead_id = ?",
			sessionID, beadID).Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if err == nil && bytes.Equal([]byte(current), data) {
			return nil
		}

		now := s.nowMillis()
		if _, err := tx.ExecContext(ctx, `INSERT INTO bead_snapshots (session_id, bead_id, data, fetched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (session_id, bead_id) DO UPDATE SET data = excluded.data, fetched_at = excluded.fetched_at`,
			sessionID, beadID, string(data), now); err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET seq = seq + 1 WHERE id = ?", sessionID); err != nil {
			return fmt.Errorf("bump session seq: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// GetSessionBeads returns the session's bead links joined with their
// snapshots, ordered by link time.
func (s *Store) GetSessionBeads(ctx context.Context, sessionID, namespace string) ([]*SessionBead, error) {
	access, err := s.ResolveSessionAccess(ctx, sessionID, namespace)
	if err != nil {
		return nil, err
	}
	switch access {
	case AccessNotFound:
		return nil, ErrNotFound
	case AccessDenied:
		return nil, ErrAccessDenied
	}

	rows, err := s.db.QueryContext(ctx, `SELECT l.bead_id, l.linked_at, l.linked_by,
			COALESCE(sn.data, ''), COALESCE(sn.fetched_at, 0)
		FROM session_bead_links l
		LEFT JOIN bead_snapshots sn ON sn.session_id = l.session_id AND sn.bead_id = l.bead_id
		WHERE l.session_id = ?
		ORDER BY l.linked_at, l.bead_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session beads: %w", err)
	}
	defer rows.Close()

	var beads []*SessionBead
	for rows.Next() {
		var (
			b    SessionBead
			data string
		)
		if err := rows.Scan(&b.BeadID, &b.LinkedAt, &b.LinkedBy, &data, &b.FetchedAt); err != nil {
			return nil, err
		}
		if data != "" {
			b.Data = json.RawMessage(data)
		}
		beads = append(beads, &b)
	}
	return beads, rows.Err()
}

// ReassignSessionBeads moves all bead links and snapshots from one
// session to another within the namespace. Links the target already
// carries are left in place; the source duplicates are dropped.
func (s *Store) ReassignSessionBeads(ctx context.Context, sourceID, targetID, namespace string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sid := range []string{sourceID, targetID} {
			var ns string
			if err := tx.QueryRowContext(ctx, "SELECT namespace FROM sessions WHERE id = ?", sid).
				Scan(&ns); err != nil {
				if err == sql.ErrNoRows {
					return ErrNotFound
				}
				return fmt.Errorf("load session: %w", err)
			}
			if ns != namespace {
				return ErrAccessDenied
			}
		}
		return reassignBeadsTx(ctx, tx, sourceID, targetID, s.nowMillis())
	})
}

func reassignBeadsTx(ctx context.Context, tx *sql.Tx, sourceID, targetID string, now int64) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO session_bead_links (session_id, bead_id, linked_at, linked_by)
		SELECT ?, bead_id, linked_at, linked_by FROM session_bead_links WHERE session_id = ?`,
		targetID, sourceID); err != nil {
		return fmt.Errorf("reassign links: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM session_bead_links WHERE session_id = ?", sourceID); err != nil {
		return fmt.Errorf("drop source links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO bead_snapshots (session_id, bead_id, data, fetched_at)
		SELECT ?, bead_id, data, fetched_at FROM bead_snapshots WHERE session_id = ?`,
		targetID, sourceID); err != nil {
		return fmt.Errorf("reassign snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM bead_snapshots WHERE session_id = ?", sourceID); err != nil {
		return fmt.Errorf("drop source snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE id = ?", now, targetID); err != nil {
		return fmt.Errorf("bump target seq: %w", err)
	}
	return nil
}

// ListBeadPollTargets returns, per currently active machine-bound
// session with bead links, the data the polling engine needs to group
// and fan out fetches.
func (s *Store) ListBeadPollTargets(ctx context.Context) ([]*BeadPollTarget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.machine_id, s.namespace, s.metadata, l.bead_id
		FROM sessions s
		JOIN session_bead_links l ON l.session_id = s.id
		WHERE s.active = 1 AND s.machine_id IS NOT NULL
		ORDER BY s.id, l.bead_id`)
	if err != nil {
		return nil, fmt.Errorf("list poll targets: %w", err)
	}
	defer rows.Close()

	var (
		targets []*BeadPollTarget
		current *BeadPollTarget
	)
	for rows.Next() {
		var (
			sid, machineID, ns string
			metadata           string
			beadID             string
		)
		if err := rows.Scan(&sid, &machineID, &ns, &metadata, &beadID); err != nil {
			return nil, err
		}
		if current == nil || current.SessionID != sid {
			current = &BeadPollTarget{
				SessionID: sid,
				MachineID: machineID,
				Namespace: ns,
				Metadata:  json.RawMessage(metadata),
			}
			targets = append(targets, current)
		}
		current.BeadIDs = append(current.BeadIDs, beadID)
	}
	return targets, rows.Err()
}
