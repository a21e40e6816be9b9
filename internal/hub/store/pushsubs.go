package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hapihub/hapi/internal/hub/id"
)

// AddPushSubscription registers a web-push endpoint for a namespace.
// Re-registering an existing endpoint refreshes its keys.
func (s *Store) AddPushSubscription(ctx context.Context, namespace, endpoint string, keys json.RawMessage) (*PushSubscription, error) {
	if len(keys) == 0 {
		keys = json.RawMessage("{}")
	}
	sub := &PushSubscription{
		ID:        id.Generate(),
		Namespace: namespace,
		Endpoint:  endpoint,
		Keys:      keys,
		CreatedAt: s.nowMillis(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO push_subscriptions (id, namespace, endpoint, keys, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, endpoint) DO UPDATE SET keys = excluded.keys`,
		sub.ID, namespace, endpoint, string(keys), sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert push subscription: %w", err)
	}
	// The upsert may have kept an earlier row; return the stored one.
	row := s.db.QueryRowContext(ctx,
		"SELECT id, namespace, endpoint, keys, created_at FROM push_subscriptions WHERE namespace = ? AND endpoint = ?",
		namespace, endpoint)
	stored, err := scanPushSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("load push subscription: %w", err)
	}
	return stored, nil
}

func scanPushSubscription(r rowScanner) (*PushSubscription, error) {
	var (
		sub  PushSubscription
		keys string
	)
	if err := r.Scan(&sub.ID, &sub.Namespace, &sub.Endpoint, &keys, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.Keys = json.RawMessage(keys)
	return &sub, nil
}

// ListPushSubscriptions returns the namespace's registered endpoints.
func (s *Store) ListPushSubscriptions(ctx context.Context, namespace string) ([]*PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, namespace, endpoint, keys, created_at FROM push_subscriptions WHERE namespace = ? ORDER BY created_at",
		namespace)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		sub, err := scanPushSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// RemovePushSubscription deletes an endpoint registration.
func (s *Store) RemovePushSubscription(ctx context.Context, namespace, endpoint string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM push_subscriptions WHERE namespace = ? AND endpoint = ?", namespace, endpoint)
	if err != nil {
		return false, fmt.Errorf("delete push subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
