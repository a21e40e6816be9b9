package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const machineColumns = `id, namespace, metadata, metadata_version,
	runner_state, runner_state_version, active, active_at, seq,
	created_at, updated_at`

func scanMachine(r rowScanner) (*Machine, error) {
	var (
		m           Machine
		active      int
		metadata    string
		runnerState string
	)
	err := r.Scan(
		&m.ID, &m.Namespace, &metadata, &m.MetadataVersion,
		&runnerState, &m.RunnerStateVersion, &active, &m.ActiveAt, &m.Seq,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Active = active == 1
	m.Metadata = json.RawMessage(metadata)
	m.RunnerState = json.RawMessage(runnerState)
	return &m, nil
}

// GetOrCreateMachine returns the machine by id, creating it in the
// caller's namespace when absent. Machine ids are chosen by runners, so
// an id that exists under a different namespace is an access error, not
// a create.
func (s *Store) GetOrCreateMachine(ctx context.Context, machineID, namespace string, metadata, runnerState json.RawMessage) (*Machine, bool, error) {
	var (
		machine *Machine
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+machineColumns+" FROM machines WHERE id = ?", machineID)
		existing, err := scanMachine(row)
		if err == nil {
			if existing.Namespace != namespace {
				return ErrAccessDenied
			}
			machine = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("lookup machine: %w", err)
		}

		if len(metadata) == 0 {
			metadata = json.RawMessage("{}")
		}
		if len(runnerState) == 0 {
			runnerState = json.RawMessage("{}")
		}
		now := s.nowMillis()
		machine = &Machine{
			ID:          machineID,
			Namespace:   namespace,
			Metadata:    metadata,
			RunnerState: runnerState,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO machines
			(id, namespace, metadata, runner_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			machineID, namespace, string(metadata), string(runnerState), now, now)
		if err != nil {
			return fmt.Errorf("insert machine: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return machine, created, nil
}

// GetMachine returns a machine by id within the caller's namespace.
func (s *Store) GetMachine(ctx context.Context, machineID, namespace string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE id = ?", machineID)
	m, err := scanMachine(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}
	if m.Namespace != namespace {
		return nil, ErrAccessDenied
	}
	return m, nil
}

// ListMachines returns all machines in a namespace.
func (s *Store) ListMachines(ctx context.Context, namespace string) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE namespace = ? ORDER BY created_at", namespace)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// UpdateMachineMetadata applies a version-guarded metadata update.
func (s *Store) UpdateMachineMetadata(ctx context.Context, machineID string, value json.RawMessage, expectedVersion int64, namespace string) (*VersionedUpdate, error) {
	return s.updateMachineVersioned(ctx, machineID, "metadata", value, expectedVersion, namespace)
}

// UpdateMachineRunnerState applies a version-guarded runner-state update.
func (s *Store) UpdateMachineRunnerState(ctx context.Context, machineID string, value json.RawMessage, expectedVersion int64, namespace string) (*VersionedUpdate, error) {
	return s.updateMachineVersioned(ctx, machineID, "runner_state", value, expectedVersion, namespace)
}

func (s *Store) updateMachineVersioned(ctx context.Context, machineID, column string, value json.RawMessage, expectedVersion int64, namespace string) (*VersionedUpdate, error) {
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
			fmt.Sprintf("SELECT namespace, %s, %s, seq FROM machines WHERE id = ?", column, verColumn), machineID)
		if err := row.Scan(&ns, &current, &version, &seq); err != nil {
			if err == sql.ErrNoRows {
				result = &VersionedUpdate{Outcome: UpdateNotFound}
				return nil
			}
			return fmt.Errorf("load machine: %w", err)
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
			fmt.Sprintf("UPDATE machines SET %s = ?, %s = %s + 1, seq = seq + 1, updated_at = ? WHERE id = ?",
				column, verColumn, verColumn),
			string(value), s.nowMillis(), machineID)
		if err != nil {
			return fmt.Errorf("update machine %s: %w", column, err)
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

// SetMachinePresence records a machine presence transition. Same seq
// semantics as session presence: only a flip of the active flag bumps
// seq.
func (s *Store) SetMachinePresence(ctx context.Context, machineID string, active bool, activeAt int64) (*Machine, bool, error) {
	var (
		machine *Machine
		flipped bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+machineColumns+" FROM machines WHERE id = ?", machineID)
		current, err := scanMachine(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load machine: %w", err)
		}

		flipped = current.Active != active
		seqBump := int64(0)
		if flipped {
			seqBump = 1
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE machines SET active = ?, active_at = ?, seq = seq + ? WHERE id = ?",
			boolInt(active), activeAt, seqBump, machineID)
		if err != nil {
			return fmt.Errorf("update machine presence: %w", err)
		}

		current.Active = active
		current.ActiveAt = activeAt
		current.Seq += seqBump
		machine = current
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return machine, flipped, nil
}
