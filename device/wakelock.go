package device

import "go.uber.org/atomic"

// WakeLock is a counting wake lock. The system may only sleep while the
// count is zero.
type WakeLock struct {
	name     string
	count    atomic.Int32
	acquired atomic.Uint64
}

// NewWakeLock returns a released wake lock.
func NewWakeLock(name string) *WakeLock {
	return &WakeLock{name: name}
}

// Name returns the lock name.
func (l *WakeLock) Name() string { return l.name }

// Acquire takes a reference.
func (l *WakeLock) Acquire() {
	l.count.Inc()
	l.acquired.Inc()
}

// Release drops a reference taken by Acquire.
func (l *WakeLock) Release() {
	if l.count.Dec() < 0 {
		panic("wake lock " + l.name + " released more often than acquired")
	}
}

// Held reports whether any reference is outstanding.
func (l *WakeLock) Held() bool { return l.count.Load() > 0 }

// Acquisitions returns the number of Acquire calls so far.
func (l *WakeLock) Acquisitions() uint64 { return l.acquired.Load() }
