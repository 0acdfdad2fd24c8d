package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/store"
)

// AppendLifecycle stores rec and returns its row id.
func (s *sqliteStore) AppendLifecycle(ctx context.Context, rec store.LifecycleRecord) (int64, error) {
	start := time.Now()
	if rec.Time.IsZero() {
		rec.Time = start
	}
	accepted := 0
	if rec.Accepted {
		accepted = 1
	}
	res, err := s.stmtAppendLifecycle.ExecContext(ctx,
		rec.Device.String(),
		rec.Event.String(),
		accepted,
		rec.State,
		formatTime(rec.Time),
	)
	if err != nil {
		s.logger.Debug("sql", "stmt", "AppendLifecycle", "duration_ms", msec(time.Since(start)), "error", err)
		return 0, fmt.Errorf("append lifecycle %s: %w", rec.Event, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append lifecycle %s: %w", rec.Event, err)
	}
	s.logger.Debug("sql", "stmt", "AppendLifecycle", "duration_ms", msec(time.Since(start)), "id", id)
	return id, nil
}

// ListLifecycle returns up to limit of the most recent records for
// device, oldest first. A limit of zero or less returns everything.
func (s *sqliteStore) ListLifecycle(ctx context.Context, device uuid.UUID, limit int) ([]store.LifecycleRecord, error) {
	start := time.Now()
	if limit <= 0 {
		limit = -1
	}
	dev := deviceArg(device)

	rows, err := s.stmtListLifecycle.QueryContext(ctx, dev, dev, limit)
	if err != nil {
		s.logger.Debug("sql", "stmt", "ListLifecycle", "duration_ms", msec(time.Since(start)), "error", err)
		return nil, err
	}
	defer rows.Close()

	var result []store.LifecycleRecord
	for rows.Next() {
		var (
			rec                        store.LifecycleRecord
			deviceStr, eventStr, atStr string
			accepted                   int
		)
		if err := rows.Scan(&rec.ID, &deviceStr, &eventStr, &accepted, &rec.State, &atStr); err != nil {
			return nil, err
		}
		if rec.Device, err = uuid.Parse(deviceStr); err != nil {
			return nil, fmt.Errorf("invalid device_id for journal row %d: %q: %w", rec.ID, deviceStr, err)
		}
		if rec.Event, err = hip.ParseLifecycleEvent(eventStr); err != nil {
			return nil, fmt.Errorf("journal row %d: %w", rec.ID, err)
		}
		if rec.Time, err = time.Parse(timeLayout, atStr); err != nil {
			return nil, fmt.Errorf("invalid recorded_at for journal row %d: %q: %w", rec.ID, atStr, err)
		}
		rec.Accepted = accepted == 1
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug("sql", "stmt", "ListLifecycle", "duration_ms", msec(time.Since(start)), "rows", len(result))
	return result, nil
}
