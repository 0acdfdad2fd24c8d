package sqlite

import (
	"context"
	"fmt"
)

// prepareSignalStatements prepares the signal log statements.
func (s *sqliteStore) prepareSignalStatements(ctx context.Context) error {
	var err error

	const sqlAppendSignal = `
		INSERT INTO signal_log
		(device_id, direction, signal_id, receiver_pid, sender_pid, vif, body, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if s.stmtAppendSignal, err = s.db.PrepareContext(ctx, sqlAppendSignal); err != nil {
		return fmt.Errorf("prepare AppendSignal: %w", err)
	}

	const sqlGetSignal = `
		SELECT id, device_id, direction, signal_id, receiver_pid, sender_pid, vif, body, logged_at
		FROM signal_log
		WHERE id = ?`
	if s.stmtGetSignal, err = s.db.PrepareContext(ctx, sqlGetSignal); err != nil {
		return fmt.Errorf("prepare GetSignal: %w", err)
	}

	// Empty device and negative direction match everything; a negative
	// limit means no limit.
	const sqlListSignals = `
		SELECT id, device_id, direction, signal_id, receiver_pid, sender_pid, vif, body, logged_at
		FROM signal_log
		WHERE (? = '' OR device_id = ?)
		  AND (? < 0 OR direction = ?)
		  AND signal_id BETWEEN ? AND ?
		  AND logged_at >= ?
		ORDER BY id
		LIMIT ?`
	if s.stmtListSignals, err = s.db.PrepareContext(ctx, sqlListSignals); err != nil {
		return fmt.Errorf("prepare ListSignals: %w", err)
	}

	const sqlPruneSignals = "DELETE FROM signal_log WHERE logged_at < ?"
	if s.stmtPruneSignals, err = s.db.PrepareContext(ctx, sqlPruneSignals); err != nil {
		return fmt.Errorf("prepare PruneSignals: %w", err)
	}

	return nil
}

// prepareLifecycleStatements prepares the lifecycle journal statements.
func (s *sqliteStore) prepareLifecycleStatements(ctx context.Context) error {
	var err error

	const sqlAppendLifecycle = `
		INSERT INTO lifecycle_journal (device_id, event, accepted, state, recorded_at)
		VALUES (?, ?, ?, ?, ?)`
	if s.stmtAppendLifecycle, err = s.db.PrepareContext(ctx, sqlAppendLifecycle); err != nil {
		return fmt.Errorf("prepare AppendLifecycle: %w", err)
	}

	const sqlListLifecycle = `
		SELECT id, device_id, event, accepted, state, recorded_at FROM (
			SELECT id, device_id, event, accepted, state, recorded_at
			FROM lifecycle_journal
			WHERE (? = '' OR device_id = ?)
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id`
	if s.stmtListLifecycle, err = s.db.PrepareContext(ctx, sqlListLifecycle); err != nil {
		return fmt.Errorf("prepare ListLifecycle: %w", err)
	}

	return nil
}
