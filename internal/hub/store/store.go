// Package store implements the hub's durable state: sessions, machines,
// messages, bead links and snapshots, teams, preferences, and push
// subscriptions. Every read and write is scoped to a namespace; writes
// to versioned entities use optimistic concurrency. Composite
// operations (merge, batch delete, reassign) run inside a single
// transaction and never partially mutate.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced as typed results by the API layer.
var (
	ErrNotFound     = errors.New("not found")
	ErrAccessDenied = errors.New("access denied")
	ErrConflict     = errors.New("conflict")
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Store on an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the store's time source. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// CloseAllPresence marks every session and machine inactive. The hub
// calls this at boot: no runner can be connected yet, so any active
// flag left in the database is stale state from an unclean shutdown.
func (s *Store) CloseAllPresence(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET active = 0, seq = seq + 1 WHERE active = 1"); err != nil {
			return fmt.Errorf("close active sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE machines SET active = 0, seq = seq + 1 WHERE active = 1"); err != nil {
			return fmt.Errorf("close active machines: %w", err)
		}
		return nil
	})
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
