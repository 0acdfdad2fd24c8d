// Package store defines the persistent signal log and lifecycle journal.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-hip"
)

// ErrNotFound is returned when a requested item does not exist in the store.
var ErrNotFound = errors.New("not found")

// SignalRecord is one logged signal.
type SignalRecord struct {
	ID        int64
	Device    uuid.UUID
	Direction hip.Direction
	Header    hip.Header
	Body      []byte
	Time      time.Time
}

// LifecycleRecord is one lifecycle event as seen by the HIP service.
type LifecycleRecord struct {
	ID       int64
	Device   uuid.UUID
	Event    hip.LifecycleEvent
	Accepted bool
	// State is the service state after the event was handled.
	State string
	Time  time.Time
}

// SignalFilter narrows ListSignals. Zero fields match everything.
type SignalFilter struct {
	Device uuid.UUID
	// Direction is only applied when HasDirection is set.
	Direction    hip.Direction
	HasDirection bool
	MinID        hip.SignalID
	MaxID        hip.SignalID
	Since        time.Time
	Limit        int
}

// SignalLog persists signals crossing the dispatcher.
type SignalLog interface {
	AppendSignal(ctx context.Context, rec SignalRecord) (int64, error)
	GetSignal(ctx context.Context, id int64) (SignalRecord, error)
	// ListSignals returns matching records, oldest first.
	ListSignals(ctx context.Context, f SignalFilter) ([]SignalRecord, error)
	// PruneSignals deletes records logged before the cutoff and returns
	// how many were removed.
	PruneSignals(ctx context.Context, before time.Time) (int64, error)
}

// Journal records lifecycle events.
type Journal interface {
	AppendLifecycle(ctx context.Context, rec LifecycleRecord) (int64, error)
	// ListLifecycle returns the most recent records for device, oldest
	// first. A nil device matches every device.
	ListLifecycle(ctx context.Context, device uuid.UUID, limit int) ([]LifecycleRecord, error)
}

// Store is the complete persistence layer.
type Store interface {
	SignalLog
	Journal

	// RunInTransaction runs fn against a store bound to one
	// transaction. A nil return commits.
	RunInTransaction(ctx context.Context, fn func(Store) error) error

	Close() error
}
