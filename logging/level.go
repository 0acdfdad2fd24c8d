// Package logging builds the slog loggers used by hipd. Levels follow
// the driver's log classes (error, warn, info and four debug classes)
// and a level spec sets them per component, where a component is the
// value each package attaches with logger.With("component", ...).
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level is a log level. Error, warn and info are the slog levels; dbg1
// is slog.LevelDebug and dbg2 to dbg4 are progressively more verbose
// classes below it, dbg4 being per-signal detail.
type Level int

const (
	LevelDbg4  Level = -7
	LevelDbg3  Level = -6
	LevelDbg2  Level = -5
	LevelDbg1  Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

var levels = []struct {
	name  string
	level Level
}{
	{"dbg4", LevelDbg4},
	{"dbg3", LevelDbg3},
	{"dbg2", LevelDbg2},
	{"dbg1", LevelDbg1},
	{"info", LevelInfo},
	{"warn", LevelWarn},
	{"error", LevelError},
}

// ParseLevel parses a level name, case-insensitively. "debug" is
// accepted for dbg1 and "warning" for warn.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "debug":
		return LevelDbg1, nil
	case "warning":
		return LevelWarn, nil
	}
	for _, l := range levels {
		if l.name == name {
			return l.level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// ToSlog converts l to a slog.Level.
func (l Level) ToSlog() slog.Level { return slog.Level(l) }

func (l Level) String() string {
	for _, e := range levels {
		if e.level == l {
			return e.name
		}
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// levelLabel renders a record level for output. The debug classes print
// as DBG1..DBG4 rather than slog's DEBUG-n.
func levelLabel(l slog.Level) string {
	if l < slog.LevelInfo && l >= slog.Level(LevelDbg4) {
		return strings.ToUpper(Level(l).String())
	}
	return l.String()
}
