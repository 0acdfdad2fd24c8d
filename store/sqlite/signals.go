package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/store"
)

func deviceArg(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// AppendSignal stores rec and returns its row id. A zero Time is
// replaced with the current time.
func (s *sqliteStore) AppendSignal(ctx context.Context, rec store.SignalRecord) (int64, error) {
	start := time.Now()
	if rec.Time.IsZero() {
		rec.Time = start
	}
	res, err := s.stmtAppendSignal.ExecContext(ctx,
		rec.Device.String(),
		int(rec.Direction),
		int(rec.Header.ID),
		int(rec.Header.ReceiverPID),
		int(rec.Header.SenderPID),
		int(rec.Header.VIF),
		rec.Body,
		formatTime(rec.Time),
	)
	if err != nil {
		s.logger.Debug("sql", "stmt", "AppendSignal", "duration_ms", msec(time.Since(start)), "error", err)
		return 0, fmt.Errorf("append signal %s: %w", rec.Header.ID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append signal %s: %w", rec.Header.ID, err)
	}
	s.logger.Debug("sql", "stmt", "AppendSignal", "duration_ms", msec(time.Since(start)), "id", id)
	return id, nil
}

// GetSignal returns the record with the given row id. Returns
// store.ErrNotFound if there is none.
func (s *sqliteStore) GetSignal(ctx context.Context, id int64) (store.SignalRecord, error) {
	start := time.Now()
	rec, err := scanSignal(s.stmtGetSignal.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sql", "stmt", "GetSignal", "args", []any{id}, "duration_ms", msec(time.Since(start)), "rows", 0)
		return store.SignalRecord{}, fmt.Errorf("signal %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		s.logger.Debug("sql", "stmt", "GetSignal", "args", []any{id}, "duration_ms", msec(time.Since(start)), "error", err)
		return store.SignalRecord{}, err
	}
	s.logger.Debug("sql", "stmt", "GetSignal", "args", []any{id}, "duration_ms", msec(time.Since(start)), "rows", 1)
	return rec, nil
}

// ListSignals returns the records matching f, oldest first.
func (s *sqliteStore) ListSignals(ctx context.Context, f store.SignalFilter) ([]store.SignalRecord, error) {
	start := time.Now()

	dev := deviceArg(f.Device)
	dir := -1
	if f.HasDirection {
		dir = int(f.Direction)
	}
	maxID := int(f.MaxID)
	if f.MaxID == 0 {
		maxID = math.MaxUint16
	}
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}

	rows, err := s.stmtListSignals.QueryContext(ctx,
		dev, dev,
		dir, dir,
		int(f.MinID), maxID,
		formatTime(f.Since),
		limit,
	)
	if err != nil {
		s.logger.Debug("sql", "stmt", "ListSignals", "duration_ms", msec(time.Since(start)), "error", err)
		return nil, err
	}
	defer rows.Close()

	var result []store.SignalRecord
	for rows.Next() {
		rec, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug("sql", "stmt", "ListSignals", "duration_ms", msec(time.Since(start)), "rows", len(result))
	return result, nil
}

// PruneSignals deletes every record logged before cutoff.
func (s *sqliteStore) PruneSignals(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	res, err := s.stmtPruneSignals.ExecContext(ctx, formatTime(before))
	if err != nil {
		s.logger.Debug("sql", "stmt", "PruneSignals", "duration_ms", msec(time.Since(start)), "error", err)
		return 0, fmt.Errorf("prune signals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune signals: %w", err)
	}
	s.logger.Debug("sql", "stmt", "PruneSignals", "duration_ms", msec(time.Since(start)), "rows", n)
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (store.SignalRecord, error) {
	var (
		rec                    store.SignalRecord
		deviceStr, loggedAtStr string
		dir, id, rpid, spid    int
		vif                    int
	)
	if err := row.Scan(&rec.ID, &deviceStr, &dir, &id, &rpid, &spid, &vif, &rec.Body, &loggedAtStr); err != nil {
		return store.SignalRecord{}, err
	}

	dev, err := uuid.Parse(deviceStr)
	if err != nil {
		return store.SignalRecord{}, fmt.Errorf("invalid device_id for signal %d: %q: %w", rec.ID, deviceStr, err)
	}
	loggedAt, err := time.Parse(timeLayout, loggedAtStr)
	if err != nil {
		return store.SignalRecord{}, fmt.Errorf("invalid logged_at for signal %d: %q: %w", rec.ID, loggedAtStr, err)
	}

	rec.Device = dev
	rec.Direction = hip.Direction(dir)
	rec.Header = hip.Header{
		ID:          hip.SignalID(id),
		ReceiverPID: uint16(rpid),
		SenderPID:   uint16(spid),
		VIF:         uint16(vif),
	}
	rec.Time = loggedAt
	return rec, nil
}
