package hip

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by every dispatch and lifecycle entry point
	// while fewer than NumSapClasses SAPs are registered. The caller keeps
	// ownership of any signal it passed in.
	ErrNotReady = errors.New("hip: SAP registry incomplete")

	// ErrAlreadyBound is returned when registering a class whose slot is
	// already taken.
	ErrAlreadyBound = errors.New("hip: SAP class already registered")

	// ErrNotBound is returned when unregistering a SAP that does not hold
	// its class slot.
	ErrNotBound = errors.New("hip: SAP class not registered")

	// ErrMLMEBlocked is returned by the send path while the device is
	// stopping, and to waiters released by a stop.
	ErrMLMEBlocked = errors.New("hip: mlme blocked")

	// ErrNoInterface is returned when a signal targets a VIF with no
	// interface behind it.
	ErrNoInterface = errors.New("hip: no interface for vif")

	// ErrTimeout is returned when a confirm or indication does not arrive
	// within the configured wait.
	ErrTimeout = errors.New("hip: timed out waiting for signal")
)

// InvalidClassError is returned when a SAP reports a class outside the
// enumerated range.
type InvalidClassError struct {
	Class SapClass
}

func (e *InvalidClassError) Error() string {
	return fmt.Sprintf("hip: invalid SAP class %d", uint8(e.Class))
}

// UnsupportedVersionError is returned by version negotiation when the
// firmware advertises a major version the SAP does not implement.
type UnsupportedVersionError struct {
	Class  SapClass
	Remote Version
	Local  Version
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("hip: %s SAP version %s not supported (local %s)", e.Class, e.Remote, e.Local)
}

// UnclassifiableError is returned by Rx for a signal that matches no SAP.
// Ownership of Signal returns to the caller.
type UnclassifiableError struct {
	Signal *Signal
}

func (e *UnclassifiableError) Error() string {
	return fmt.Sprintf("hip: unclassifiable signal 0x%04x", uint16(e.Signal.ID))
}

// ProtocolError reports a signal that reached a SAP it cannot be valid for,
// such as an interface-scoped indication on VIF 0. The signal has already
// been freed.
type ProtocolError struct {
	ID     SignalID
	VIF    uint16
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("hip: protocol violation: %s (vif %d): %s", e.ID, e.VIF, e.Reason)
}

// CallerOwns reports whether err leaves the signal passed to Rx with the
// caller, which must then free it.
func CallerOwns(err error) bool {
	if errors.Is(err, ErrNotReady) {
		return true
	}
	var uerr *UnclassifiableError
	return errors.As(err, &uerr)
}
