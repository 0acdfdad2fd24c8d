package waiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frobware/go-hip"
)

// Process ids stamped into the sender pid of synchronous requests. The
// firmware echoes them in the receiver pid of the matching reply. The
// UDI range starts immediately above ProcessIDMax.
const (
	ProcessIDMin uint16 = 0xC001
	ProcessIDMax uint16 = 0xCF00
)

// SigWait is the blocking-signal waiter of one owner (an interface or the
// device). At most one synchronous request is in flight per SigWait.
type SigWait struct {
	// send serialises whole request/reply exchanges.
	send sync.Mutex

	mu        sync.Mutex
	processID uint16
	reqID     hip.SignalID
	cfmID     hip.SignalID
	indID     hip.SignalID
	cfm       *hip.Signal
	ind       *hip.Signal

	done Completion
}

// NewSigWait returns an idle waiter.
func NewSigWait() *SigWait {
	return &SigWait{processID: ProcessIDMin}
}

func indMatches(id, want hip.SignalID) bool {
	if want == 0 {
		return false
	}
	return id == want || (want == hip.MLMEDisconnectInd && id == hip.MLMEDisconnectedInd)
}

// Match offers sig to the waiter. When sig is the confirm or indication
// the pending request expects, Match takes ownership, wakes the sender
// and returns true. Otherwise the caller keeps sig.
func (w *SigWait) Match(sig *hip.Signal) bool {
	w.mu.Lock()

	var slot **hip.Signal
	switch {
	case sig.IsCfm() && w.cfmID != 0 && sig.ID == w.cfmID && sig.ReceiverPID == w.processID:
		slot = &w.cfm
	case sig.IsInd() && indMatches(sig.ID, w.indID) && sig.ReceiverPID == w.processID:
		slot = &w.ind
	default:
		w.mu.Unlock()
		return false
	}

	if *slot != nil {
		(*slot).Free()
	}
	*slot = sig
	w.mu.Unlock()

	w.done.Complete()
	return true
}

// ReleaseAll wakes the current sender and any sender that arms before the
// next exchange begins. Released senders see hip.ErrMLMEBlocked.
func (w *SigWait) ReleaseAll() {
	w.done.CompleteAll()
}

// Pending reports whether a request is waiting for a reply.
func (w *SigWait) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfmID != 0 || w.indID != 0
}

// Exchange describes one synchronous request.
type Exchange struct {
	// Req is transmitted by Send; ownership passes to Send.
	Req *hip.Signal
	// CfmID and IndID select the replies to wait for. A zero id is not
	// waited for. When both are set the indication is awaited after the
	// confirm arrives.
	CfmID hip.SignalID
	IndID hip.SignalID
	// Timeout bounds each individual wait.
	Timeout time.Duration
	Send    func(*hip.Signal) error
	Logger  *slog.Logger
}

// Transact stamps ex.Req with a fresh process id, sends it and waits for
// the requested replies. The caller owns the returned signals.
func (w *SigWait) Transact(ctx context.Context, ex Exchange) (cfm, ind *hip.Signal, err error) {
	logger := ex.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w.send.Lock()
	defer w.send.Unlock()

	w.mu.Lock()
	w.processID++
	if w.processID > ProcessIDMax || w.processID < ProcessIDMin {
		w.processID = ProcessIDMin
	}
	w.dropStoredLocked()
	w.reqID = ex.Req.ID
	w.cfmID = ex.CfmID
	w.indID = ex.IndID
	pid := w.processID
	ex.Req.SetSenderPID(pid)
	w.mu.Unlock()
	w.done.Reinit()

	defer w.reset()

	reqID := ex.Req.ID
	if err := ex.Send(ex.Req); err != nil {
		return nil, nil, fmt.Errorf("send %s: %w", reqID, err)
	}

	if ex.CfmID != 0 {
		cfm, err = w.await(ctx, ex.Timeout, &w.cfm)
		if err != nil {
			logger.Error("no confirm for request", "req", reqID, "cfm", ex.CfmID, "pid", pid, "error", err)
			return nil, nil, err
		}
	}
	if ex.IndID != 0 {
		ind, err = w.await(ctx, ex.Timeout, &w.ind)
		if err != nil {
			logger.Error("no indication for request", "req", reqID, "ind", ex.IndID, "pid", pid, "error", err)
			if cfm != nil {
				cfm.Free()
			}
			return nil, nil, err
		}
	}
	return cfm, ind, nil
}

func (w *SigWait) await(ctx context.Context, timeout time.Duration, slot **hip.Signal) (*hip.Signal, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if sig := w.take(slot); sig != nil {
			return sig, nil
		}
		if w.done.Released() {
			return nil, hip.ErrMLMEBlocked
		}

		remaining := time.Duration(0)
		if !deadline.IsZero() {
			if remaining = time.Until(deadline); remaining <= 0 {
				return nil, hip.ErrTimeout
			}
		}
		// A completion may belong to the other slot, so loop and look again.
		if err := w.done.Wait(ctx, remaining); err != nil {
			if sig := w.take(slot); sig != nil {
				return sig, nil
			}
			return nil, err
		}
	}
}

func (w *SigWait) take(slot **hip.Signal) *hip.Signal {
	w.mu.Lock()
	defer w.mu.Unlock()
	sig := *slot
	*slot = nil
	return sig
}

func (w *SigWait) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reqID, w.cfmID, w.indID = 0, 0, 0
	w.dropStoredLocked()
}

func (w *SigWait) dropStoredLocked() {
	if w.cfm != nil {
		w.cfm.Free()
		w.cfm = nil
	}
	if w.ind != nil {
		w.ind.Free()
		w.ind = nil
	}
}
