// Package cli provides the Kong-based command-line interface for hipd.
package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/frobware/go-hip"
)

// SignalID wraps a signal id given by FAPI name or number.
type SignalID struct {
	Value hip.SignalID
}

// ParseSignalID parses "MLME_SCAN_IND", "0x2300" or "8960".
func ParseSignalID(s string) (SignalID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SignalID{}, fmt.Errorf("signal id cannot be empty")
	}
	id, err := hip.ParseSignalID(s)
	if err != nil {
		return SignalID{}, err
	}
	return SignalID{Value: id}, nil
}

// PIDRange is an inclusive process id range, written MIN-MAX.
type PIDRange struct {
	Min, Max uint16
}

// ParsePIDRange parses "0xCF01-0xCFFE" or "53000-53100".
func ParsePIDRange(s string) (PIDRange, error) {
	s = strings.TrimSpace(s)
	loStr, hiStr, ok := strings.Cut(s, "-")
	if !ok {
		return PIDRange{}, fmt.Errorf("invalid pid range %q: expected MIN-MAX", s)
	}
	lo, err := parseU16(loStr)
	if err != nil {
		return PIDRange{}, fmt.Errorf("invalid pid range %q: %w", s, err)
	}
	hi, err := parseU16(hiStr)
	if err != nil {
		return PIDRange{}, fmt.Errorf("invalid pid range %q: %w", s, err)
	}
	if lo > hi {
		return PIDRange{}, fmt.Errorf("invalid pid range %q: min above max", s)
	}
	return PIDRange{Min: lo, Max: hi}, nil
}

func (r PIDRange) String() string {
	return fmt.Sprintf("0x%04x-0x%04x", r.Min, r.Max)
}

func parseU16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// Event wraps a lifecycle event name.
type Event struct {
	Value hip.LifecycleEvent
}

// ParseEvent parses names such as "suspend" or "failure-reset".
func ParseEvent(s string) (Event, error) {
	ev, err := hip.ParseLifecycleEvent(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return Event{}, err
	}
	return Event{Value: ev}, nil
}

// Direction selects signals by the way they travelled.
type Direction struct {
	Value hip.Direction
	Set   bool
}

// ParseDirection parses "to-host", "from-host" or "any".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return Direction{}, nil
	case hip.DirectionToHost.String(), "rx":
		return Direction{Value: hip.DirectionToHost, Set: true}, nil
	case hip.DirectionFromHost.String(), "tx":
		return Direction{Value: hip.DirectionFromHost, Set: true}, nil
	default:
		return Direction{}, fmt.Errorf("unknown direction %q (want to-host, from-host or any)", s)
	}
}

// Toggle is an on/off flag that can also be left unset.
type Toggle struct {
	Value bool
	Set   bool
}

// ParseToggle parses "on", "off", "true" or "false".
func ParseToggle(s string) (Toggle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1":
		return Toggle{Value: true, Set: true}, nil
	case "off", "false", "0":
		return Toggle{Set: true}, nil
	default:
		return Toggle{}, fmt.Errorf("invalid toggle %q (want on or off)", s)
	}
}

// Ptr returns nil when the toggle is unset.
func (t Toggle) Ptr() *bool {
	if !t.Set {
		return nil
	}
	v := t.Value
	return &v
}
