package registry

import (
	"errors"
	"fmt"

	"github.com/frobware/go-hip"
)

// VersionSource yields the version the firmware advertises for each SAP
// class. *control.Block satisfies it.
type VersionSource interface {
	SAPVersion(class hip.SapClass) (hip.Version, error)
}

// Negotiate asks each registered SAP, in class order, whether it accepts
// the version the firmware advertises for it. It stops at the first
// refusal; nothing is mutated so there is nothing to undo.
func (r *Registry) Negotiate(src VersionSource) error {
	if !r.AllRegistered() {
		return hip.ErrNotReady
	}
	saps := r.Snapshot()

	for _, class := range hip.SapClasses {
		remote, err := src.SAPVersion(class)
		if err != nil {
			return fmt.Errorf("read %s SAP version: %w", class, err)
		}
		if err := saps[class].VersionSupported(remote); err != nil {
			var verr *hip.UnsupportedVersionError
			if errors.As(err, &verr) {
				r.logger.Error("SAP version not supported",
					"class", class,
					"remote", verr.Remote,
					"local", verr.Local)
			}
			return fmt.Errorf("negotiate %s SAP: %w", class, err)
		}
		r.logger.Debug("SAP version accepted", "class", class, "remote", remote)
	}
	return nil
}
