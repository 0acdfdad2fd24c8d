package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/frobware/go-hip"
)

// Recorder copies signals into a SignalLog from a background goroutine.
// LogSignal never blocks: when the buffer is full the record is dropped
// and counted.
type Recorder struct {
	log     SignalLog
	device  uuid.UUID
	ch      chan SignalRecord
	dropped atomic.Uint64
	written atomic.Uint64
	logger  *slog.Logger
}

// NewRecorder returns a recorder for device buffering up to size
// records.
func NewRecorder(log SignalLog, device uuid.UUID, size int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1
	}
	return &Recorder{
		log:    log,
		device: device,
		ch:     make(chan SignalRecord, size),
		logger: logger.With("component", "store", "device", device),
	}
}

// LogSignal queues a copy of sig.
func (r *Recorder) LogSignal(sig *hip.Signal, dir hip.Direction) {
	rec := SignalRecord{
		Device:    r.device,
		Direction: dir,
		Header:    sig.Header,
		Body:      append([]byte(nil), sig.Body()...),
		Time:      time.Now(),
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Inc()
	}
}

// Run writes queued records until ctx is cancelled, then drains what is
// left in the buffer.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case rec := <-r.ch:
			r.write(ctx, rec)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	ctx := context.Background()
	for {
		select {
		case rec := <-r.ch:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec SignalRecord) {
	if _, err := r.log.AppendSignal(ctx, rec); err != nil {
		r.logger.Warn("failed to record signal", "signal", rec.Header.ID, "error", err)
		return
	}
	r.written.Inc()
}

// Dropped returns the number of records discarded because the buffer was
// full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of records stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }
