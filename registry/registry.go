// Package registry maps SAP classes to their registered handlers and runs
// version negotiation against the firmware control block.
//
// A Registry belongs to one device instance. Registration happens at
// attach and detach time; the dispatch hot path only reads it.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-hip"
)

// Registry holds at most one SAP per class.
type Registry struct {
	mu     sync.RWMutex
	saps   [hip.NumSapClasses]hip.SAP
	logger *slog.Logger
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "registry")}
}

// Register binds s to its class slot. A slot that is already taken is
// left untouched and hip.ErrAlreadyBound is returned.
func (r *Registry) Register(s hip.SAP) error {
	class := s.Class()
	if !class.Valid() {
		return &hip.InvalidClassError{Class: class}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saps[class] != nil {
		return fmt.Errorf("register %s: %w", class, hip.ErrAlreadyBound)
	}
	r.saps[class] = s
	r.logger.Debug("registered SAP", "class", class, "versions", s.Versions())
	return nil
}

// Unregister clears the slot held by s. It returns hip.ErrNotBound when
// the slot is empty or held by a different SAP.
func (r *Registry) Unregister(s hip.SAP) error {
	class := s.Class()
	if !class.Valid() {
		return &hip.InvalidClassError{Class: class}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saps[class] != s {
		return fmt.Errorf("unregister %s: %w", class, hip.ErrNotBound)
	}
	r.saps[class] = nil
	r.logger.Debug("unregistered SAP", "class", class)
	return nil
}

// AllRegistered reports whether every class has a SAP bound.
func (r *Registry) AllRegistered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.saps {
		if s == nil {
			return false
		}
	}
	return true
}

// Get returns the SAP bound to class.
func (r *Registry) Get(class hip.SapClass) (hip.SAP, bool) {
	if !class.Valid() {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.saps[class]
	return s, s != nil
}

// Snapshot returns the bound SAPs in class order. The result is only
// complete if AllRegistered holds.
func (r *Registry) Snapshot() [hip.NumSapClasses]hip.SAP {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saps
}
