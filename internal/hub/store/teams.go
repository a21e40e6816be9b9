package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hapihub/hapi/internal/hub/fracindex"
	"github.com/hapihub/hapi/internal/hub/id"
)

// AlwaysOnTeamName is the seeded persistent team every namespace
// carries. It cannot be renamed or deleted.
const AlwaysOnTeamName = "always-on"

const teamColumns = `id, namespace, name, color, persistent, ttl_seconds,
	sort_order, last_active_member_at, created_by, created_at`

func scanTeam(r rowScanner) (*Team, error) {
	var (
		t          Team
		persistent int
	)
	err := r.Scan(&t.ID, &t.Namespace, &t.Name, &t.Color, &persistent,
		&t.TTLSeconds, &t.SortOrder, &t.LastActiveMemberAt, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Persistent = persistent == 1
	return &t, nil
}

// EnsureAlwaysOnTeam seeds the namespace's persistent team if missing.
// Losing a create race to a concurrent caller falls back to the
// winner's row.
func (s *Store) EnsureAlwaysOnTeam(ctx context.Context, namespace string) (*Team, error) {
	team, err := s.getTeamByName(ctx, namespace, AlwaysOnTeamName)
	if err == nil {
		return team, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	team, err = s.CreateTeam(ctx, namespace, CreateTeamParams{
		Name:       AlwaysOnTeamName,
		Persistent: true,
	})
	if errors.Is(err, ErrConflict) {
		return s.getTeamByName(ctx, namespace, AlwaysOnTeamName)
	}
	return team, err
}

// CreateTeamParams carries the fields of a team create.
type CreateTeamParams struct {
	Name       string
	Color      string
	Persistent bool
	TTLSeconds int64
	CreatedBy  string
}

// CreateTeam creates a team. Names are unique within a namespace.
func (s *Store) CreateTeam(ctx context.Context, namespace string, params CreateTeamParams) (*Team, error) {
	now := s.nowMillis()
	team := &Team{
		ID:                 id.Generate(),
		Namespace:          namespace,
		Name:               params.Name,
		Color:              params.Color,
		Persistent:         params.Persistent,
		TTLSeconds:         params.TTLSeconds,
		SortOrder:          fracindex.First(),
		LastActiveMemberAt: now,
		CreatedBy:          params.CreatedBy,
		CreatedAt:          now,
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO teams
		(id, namespace, name, color, persistent, ttl_seconds, sort_order, last_active_member_at, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		team.ID, namespace, team.Name, team.Color, boolInt(team.Persistent),
		team.TTLSeconds, team.SortOrder, team.LastActiveMemberAt, team.CreatedBy, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: team name %q already exists", ErrConflict, params.Name)
		}
		return nil, fmt.Errorf("insert team: %w", err)
	}
	return team, nil
}

// GetTeam returns a team by id within the caller's namespace.
func (s *Store) GetTeam(ctx context.Context, teamID, namespace string) (*Team, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+teamColumns+" FROM teams WHERE id = ?", teamID)
	team, err := scanTeam(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	if team.Namespace != namespace {
		return nil, ErrAccessDenied
	}
	return team, nil
}

func (s *Store) getTeamByName(ctx context.Context, namespace, name string) (*Team, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+teamColumns+" FROM teams WHERE namespace = ? AND name = ?", namespace, name)
	team, err := scanTeam(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team by name: %w", err)
	}
	return team, nil
}

// ListTeams returns all teams in a namespace ordered by sort key. The
// persistent always-on team is seeded on first access, so every
// namespace a client touches carries it.
func (s *Store) ListTeams(ctx context.Context, namespace string) ([]*Team, error) {
	if _, err := s.EnsureAlwaysOnTeam(ctx, namespace); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+teamColumns+" FROM teams WHERE namespace = ? ORDER BY sort_order, created_at", namespace)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// UpdateTeamParams carries the mutable team fields; nil keeps current.
type UpdateTeamParams struct {
	Name       *string
	Color      *string
	TTLSeconds *int64
	SortOrder  *string
}

// UpdateTeam patches a team. Renaming the always-on team is rejected.
func (s *Store) UpdateTeam(ctx context.Context, teamID, namespace string, params UpdateTeamParams) (*Team, error) {
	var updated *Team
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+teamColumns+" FROM teams WHERE id = ?", teamID)
		team, err := scanTeam(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load team: %w", err)
		}
		if team.Namespace != namespace {
			return ErrAccessDenied
		}
		if params.Name != nil && *params.Name != team.Name && team.Name == AlwaysOnTeamName {
			return fmt.Errorf("%w: the %s team cannot be renamed", ErrConflict, AlwaysOnTeamName)
		}

		if params.Name != nil {
			team.Name = *params.Name
		}
		if params.Color != nil {
			team.Color = *params.Color
		}
		if params.TTLSeconds != nil {
			team.TTLSeconds = *params.TTLSeconds
		}
		if params.SortOrder != nil {
			team.SortOrder = *params.SortOrder
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE teams SET name = ?, color = ?, ttl_seconds = ?, sort_order = ? WHERE id = ?",
			team.Name, team.Color, team.TTLSeconds, team.SortOrder, teamID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: team name %q already exists", ErrConflict, team.Name)
			}
			return fmt.Errorf("update team: %w", err)
		}
		updated = team
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTeam removes a team and its memberships. The always-on team is
// immutable.
func (s *Store) DeleteTeam(ctx context.Context, teamID, namespace string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			ns   string
			name string
		)
		row := tx.QueryRowContext(ctx, "SELECT namespace, name FROM teams WHERE id = ?", teamID)
		if err := row.Scan(&ns, &name); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load team: %w", err)
		}
		if ns != namespace {
			return ErrAccessDenied
		}
		if name == AlwaysOnTeamName {
			return fmt.Errorf("%w: the %s team cannot be deleted", ErrConflict, AlwaysOnTeamName)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM teams WHERE id = ?", teamID); err != nil {
			return fmt.Errorf("delete team: %w", err)
		}
		return nil
	})
}

// AddTeamMember joins a session to a team. A session already belonging
// to any team is a conflict; callers remove it first.
func (s *Store) AddTeamMember(ctx context.Context, teamID, sessionID, namespace string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var teamNS string
		if err := tx.QueryRowContext(ctx, "SELECT namespace FROM teams WHERE id = ?", teamID).
			Scan(&teamNS); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load team: %w", err)
		}
		var sessionNS string
		if err := tx.QueryRowContext(ctx, "SELECT namespace FROM sessions WHERE id = ?", sessionID).
			Scan(&sessionNS); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		if teamNS != namespace || sessionNS != namespace {
			return ErrAccessDenied
		}

		now := s.nowMillis()
		_, err := tx.ExecContext(ctx,
			"INSERT INTO team_members (team_id, session_id, joined_at) VALUES (?, ?, ?)",
			teamID, sessionID, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: session already belongs to a team", ErrConflict)
			}
			return fmt.Errorf("insert member: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE teams SET last_active_member_at = ? WHERE id = ?", now, teamID); err != nil {
			return fmt.Errorf("touch team: %w", err)
		}
		return nil
	})
}

// RemoveTeamMember removes a session from a team.
func (s *Store) RemoveTeamMember(ctx context.Context, teamID, sessionID, namespace string) (bool, error) {
	var teamNS string
	if err := s.db.QueryRowContext(ctx, "SELECT namespace FROM teams WHERE id = ?", teamID).
		Scan(&teamNS); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("load team: %w", err)
	}
	if teamNS != namespace {
		return false, ErrAccessDenied
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM team_members WHERE team_id = ? AND session_id = ?", teamID, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete member: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListTeamMembers returns the member sessions of a team.
func (s *Store) ListTeamMembers(ctx context.Context, teamID, namespace string) ([]*TeamMember, error) {
	if _, err := s.GetTeam(ctx, teamID, namespace); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT team_id, session_id, joined_at FROM team_members WHERE team_id = ? ORDER BY joined_at", teamID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []*TeamMember
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(&m.TeamID, &m.SessionID, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

// GetTeamForSession returns the team a session belongs to, or ErrNotFound.
func (s *Store) GetTeamForSession(ctx context.Context, sessionID string) (*Team, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams
		WHERE id = (SELECT team_id FROM team_members WHERE session_id = ?)`, sessionID)
	team, err := scanTeam(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("team for session: %w", err)
	}
	return team, nil
}

// TouchTeamActivity refreshes a team's lastActiveMemberAt. Called when
// a member session shows presence, so temporary teams only expire after
// real inactivity.
func (s *Store) TouchTeamActivity(ctx context.Context, sessionID string, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE teams SET last_active_member_at = ?
		WHERE id = (SELECT team_id FROM team_members WHERE session_id = ?)`, at, sessionID)
	if err != nil {
		return fmt.Errorf("touch team activity: %w", err)
	}
	return nil
}

// GetExpiredTemporaryTeams returns non-persistent teams, across all
// namespaces, whose lastActiveMemberAt + ttl has passed.
func (s *Store) GetExpiredTemporaryTeams(ctx context.Context, now int64) ([]*Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+teamColumns+` FROM teams
		WHERE persistent = 0 AND ttl_seconds > 0
		AND last_active_member_at + ttl_seconds * 1000 < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired teams: %w", err)
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// SetGroupSortOrder stores the ordering key of a UI group row.
func (s *Store) SetGroupSortOrder(ctx context.Context, namespace, groupKey, sortOrder string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO group_sort_orders (namespace, group_key, sort_order)
		VALUES (?, ?, ?)
		ON CONFLICT (namespace, group_key) DO UPDATE SET sort_order = excluded.sort_order`,
		namespace, groupKey, sortOrder)
	if err != nil {
		return fmt.Errorf("set group sort order: %w", err)
	}
	return nil
}

// ListGroupSortOrders returns the group ordering keys of a namespace.
func (s *Store) ListGroupSortOrders(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT group_key, sort_order FROM group_sort_orders WHERE namespace = ?", namespace)
	if err != nil {
		return nil, fmt.Errorf("list group sort orders: %w", err)
	}
	defer rows.Close()

	orders := make(map[string]string)
	for rows.Next() {
		var key, order string
		if err := rows.Scan(&key, &order); err != nil {
			return nil, err
		}
		orders[key] = order
	}
	return orders, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
