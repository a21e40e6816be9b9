package store

import (
	"context"
	"database/sql"
	"fmt"
)

func defaultPreferences(namespace string) *Preferences {
	return &Preferences{
		Namespace:               namespace,
		ReadyAnnouncements:      true,
		PermissionNotifications: true,
		ErrorNotifications:      true,
		TeamGroupStyle:          "badge",
	}
}

// GetPreferences returns the namespace's preferences, or defaults when
// none have been stored yet.
func (s *Store) GetPreferences(ctx context.Context, namespace string) (*Preferences, error) {
	p, err := s.loadPreferences(ctx, namespace)
	if err == sql.ErrNoRows {
		return defaultPreferences(namespace), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return p, nil
}

func (s *Store) loadPreferences(ctx context.Context, namespace string) (*Preferences, error) {
	var (
		p          Preferences
		ready      int
		permission int
		errNotify  int
	)
	row := s.db.QueryRowContext(ctx, `SELECT namespace, ready_announcements, permission_notifications,
		error_notifications, team_group_style, updated_at FROM user_preferences WHERE namespace = ?`, namespace)
	err := row.Scan(&p.Namespace, &ready, &permission, &errNotify, &p.TeamGroupStyle, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ReadyAnnouncements = ready == 1
	p.PermissionNotifications = permission == 1
	p.ErrorNotifications = errNotify == 1
	return &p, nil
}

// UpdatePreferences merge-upserts the namespace's preferences: provided
// fields replace current values, omitted fields keep them.
func (s *Store) UpdatePreferences(ctx context.Context, namespace string, patch PreferencesPatch) (*Preferences, error) {
	current, err := s.GetPreferences(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if patch.ReadyAnnouncements != nil {
		current.ReadyAnnouncements = *patch.ReadyAnnouncements
	}
	if patch.PermissionNotifications != nil {
		current.PermissionNotifications = *patch.PermissionNotifications
	}
	if patch.ErrorNotifications != nil {
		current.ErrorNotifications = *patch.ErrorNotifications
	}
	if patch.TeamGroupStyle != nil {
		current.TeamGroupStyle = *patch.TeamGroupStyle
	}
	current.UpdatedAt = s.nowMillis()

	_, err = s.db.ExecContext(ctx, `INSERT INTO user_preferences
		(namespace, ready_announcements, permission_notifications, error_notifications, team_group_style, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace) DO UPDATE SET
			ready_announcements = excluded.ready_announcements,
			permission_notifications = excluded.permission_notifications,
			error_notifications = excluded.error_notifications,
			team_group_style = excluded.team_group_style,
			updated_at = excluded.updated_at`,
		namespace, boolInt(current.ReadyAnnouncements), boolInt(current.PermissionNotifications),
		boolInt(current.ErrorNotifications), current.TeamGroupStyle, current.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert preferences: %w", err)
	}
	return current, nil
}
