package hip

import "fmt"

// LifecycleEvent is a coarse subsystem event delivered to the HIP service
// notifier by the platform.
type LifecycleEvent int

const (
	EventStop LifecycleEvent = iota
	EventFailureReset
	EventSuspend
	EventResume
	EventSubsystemReset
	EventChipReady
)

var eventNames = map[LifecycleEvent]string{
	EventStop:           "stop",
	EventFailureReset:   "failure-reset",
	EventSuspend:        "suspend",
	EventResume:         "resume",
	EventSubsystemReset: "subsystem-reset",
	EventChipReady:      "chip-ready",
}

func (e LifecycleEvent) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("LifecycleEvent(%d)", int(e))
}

// ParseLifecycleEvent parses the names returned by String.
func ParseLifecycleEvent(s string) (LifecycleEvent, error) {
	for ev, name := range eventNames {
		if name == s {
			return ev, nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle event %q", s)
}

// Severity is the reset level reported by the platform for the current
// recovery cycle. Levels are ordered; only comparisons against the panic
// threshold carry meaning here.
type Severity int32

// DefaultPanicSeverity is the level from which the older panic recovery
// flow is used instead of fast recovery.
const DefaultPanicSeverity Severity = 8

// Direction tags a logged signal with the way it travelled.
type Direction int

const (
	DirectionToHost Direction = iota
	DirectionFromHost
)

func (d Direction) String() string {
	if d == DirectionFromHost {
		return "from-host"
	}
	return "to-host"
}
