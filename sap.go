package hip

import (
	"context"
	"fmt"
)

// SapClass identifies one of the service access points registered with the
// dispatch core. It is used as an index into the SAP registry.
type SapClass uint8

const (
	SapMLME SapClass = iota
	SapMA
	SapDbg
	SapTest

	// NumSapClasses is the number of SAP classes; every class must be
	// registered before signals are dispatched.
	NumSapClasses
)

// SapClasses lists the classes in negotiation order.
var SapClasses = [NumSapClasses]SapClass{SapMLME, SapMA, SapDbg, SapTest}

// Valid reports whether c is within the enumerated range.
func (c SapClass) Valid() bool { return c < NumSapClasses }

func (c SapClass) String() string {
	switch c {
	case SapMLME:
		return "mlme"
	case SapMA:
		return "ma"
	case SapDbg:
		return "dbg"
	case SapTest:
		return "test"
	default:
		return fmt.Sprintf("SapClass(%d)", uint8(c))
	}
}

// Version is a SAP protocol version: major in the high byte, minor in the
// low byte.
type Version uint16

// VersionAnyOld is the sentinel accepted alongside a SAP's current version.
const VersionAnyOld Version = 0

// MakeVersion builds a Version from its components.
func MakeVersion(major, minor uint8) Version {
	return Version(uint16(major)<<8 | uint16(minor))
}

func (v Version) Major() uint8 { return uint8(v >> 8) }
func (v Version) Minor() uint8 { return uint8(v) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// MajorSupported reports whether remote shares its major component with any
// of the local versions. Minor differences are always accepted.
func MajorSupported(local []Version, remote Version) bool {
	for _, v := range local {
		if v.Major() == remote.Major() {
			return true
		}
	}
	return false
}

// SAP is a protocol-class handler registered with the dispatch core.
type SAP interface {
	// Class returns the registry slot this SAP occupies.
	Class() SapClass

	// Versions returns the locally supported versions, most preferred
	// first, ending with VersionAnyOld.
	Versions() []Version

	// VersionSupported returns an *UnsupportedVersionError when the
	// remote version is not acceptable.
	VersionSupported(remote Version) error

	// Handle consumes sig. The SAP owns the signal from the moment Handle
	// is called, whatever it returns.
	Handle(ctx context.Context, sig *Signal) error

	// Notify receives lifecycle events before the transport is driven.
	// A non-nil error rejects the event.
	Notify(ctx context.Context, ev LifecycleEvent) error
}

// TxDoner is implemented by the SAP that accounts transmit completions.
type TxDoner interface {
	TxDone(ctx context.Context, vif uint16, peerIndex, ac uint8) error
}

// CheckVersion applies the major-only policy to remote, returning an
// *UnsupportedVersionError naming the preferred local version on mismatch.
func CheckVersion(class SapClass, local []Version, remote Version) error {
	if MajorSupported(local, remote) {
		return nil
	}
	var preferred Version
	if len(local) > 0 {
		preferred = local[0]
	}
	return &UnsupportedVersionError{Class: class, Remote: remote, Local: preferred}
}
