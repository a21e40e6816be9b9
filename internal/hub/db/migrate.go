package db

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// expectedVersion is the schema version this build was written against.
// A database reporting a newer version belongs to a newer hub and must
// not be touched.
const expectedVersion = 6

// requiredTables is checked after migration; a database missing any of
// these cannot be used safely.
var requiredTables = []string{
	"sessions",
	"machines",
	"messages",
	"session_bead_links",
	"bead_snapshots",
	"teams",
	"team_members",
	"group_sort_orders",
	"user_preferences",
	"push_subscriptions",
}

// Migrate brings the database schema up to the version this build
// expects. Pre-migration-era databases get a one-shot legacy column
// rename first. Each step runs in its own transaction (goose default).
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := renameLegacyColumns(db); err != nil {
		return fmt.Errorf("legacy schema detection: %w", err)
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > expectedVersion {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d); refusing to start", current, expectedVersion)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if err := checkRequiredTables(db); err != nil {
		return err
	}

	return nil
}

// renameLegacyColumns handles databases created before schema
// versioning existed: those have a machines table carrying
// daemon_state* columns that later versions call runner_state*.
// Only fires when no version bookkeeping exists yet.
func renameLegacyColumns(db *sql.DB) error {
	versioned, err := tableExists(db, "goose_db_version")
	if err != nil {
		return err
	}
	if versioned {
		return nil
	}

	legacy, err := columnExists(db, "machines", "daemon_state")
	if err != nil {
		return err
	}
	if !legacy {
		return nil
	}

	slog.Info("renaming legacy daemon_state columns to runner_state")
	renames := []string{
		"ALTER TABLE machines RENAME COLUMN daemon_state TO runner_state",
		"ALTER TABLE machines RENAME COLUMN daemon_state_version TO runner_state_version",
	}
	for _, stmt := range renames {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func checkRequiredTables(db *sql.DB) error {
	for _, table := range requiredTables {
		ok, err := tableExists(db, table)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("database is missing required table %q; refusing to start", table)
		}
	}
	return nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	ok, err := tableExists(db, table)
	if err != nil || !ok {
		return false, err
	}

	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
