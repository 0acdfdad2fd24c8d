package device

import (
	"context"
	"fmt"
	"log/slog"
)

// RecoveryKind selects one of the recovery work items.
type RecoveryKind int

const (
	// RecoveryRebuild rebuilds everything after a subsystem reset.
	RecoveryRebuild RecoveryKind = iota
	// RecoveryOnStop tears interfaces down after a failure reset.
	RecoveryOnStop
	// RecoveryOnStart restarts interfaces once the chip is ready again.
	RecoveryOnStart
)

func (k RecoveryKind) String() string {
	switch k {
	case RecoveryRebuild:
		return "rebuild"
	case RecoveryOnStop:
		return "on-stop"
	case RecoveryOnStart:
		return "on-start"
	default:
		return fmt.Sprintf("RecoveryKind(%d)", int(k))
	}
}

// Hooks are the platform collaborators the core calls into but does not
// implement: connection and scan teardown, recovery, and vendor events.
type Hooks interface {
	// ScanCleanup abandons any scan in progress on ifc.
	ScanCleanup(ctx context.Context, ifc *Interface)
	// VifCleanup tears down live connection state on ifc. Called with the
	// interface lock held.
	VifCleanup(ctx context.Context, ifc *Interface, recovery bool)
	// Recover runs one recovery work item.
	Recover(ctx context.Context, d *Device, kind RecoveryKind)
	// ForwardBeaconAbort reports that beacon forwarding was cut short by a
	// suspend.
	ForwardBeaconAbort(ctx context.Context, ifc *Interface)
}

// LogHooks only logs. Interface state is reset by the core itself.
type LogHooks struct {
	Logger *slog.Logger
}

func (h LogHooks) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h LogHooks) ScanCleanup(_ context.Context, ifc *Interface) {
	h.logger().Debug("scan cleanup", "vif", ifc.VIF())
}

func (h LogHooks) VifCleanup(_ context.Context, ifc *Interface, recovery bool) {
	h.logger().Debug("vif cleanup", "vif", ifc.VIF(), "recovery", recovery)
}

func (h LogHooks) Recover(_ context.Context, d *Device, kind RecoveryKind) {
	h.logger().Info("recovery requested", "kind", kind, "up_count", d.UpCount(), "reset_level", d.ResetLevel())
}

func (h LogHooks) ForwardBeaconAbort(_ context.Context, ifc *Interface) {
	h.logger().Info("forward beacon aborted by suspend", "vif", ifc.VIF())
}
