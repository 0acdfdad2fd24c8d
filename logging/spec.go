package logging

import (
	"fmt"
	"slices"
	"strings"
)

// Components lists the component names loggers are narrowed to. A name
// containing a slash belongs to the family before it, so a level set
// for "sap" covers "sap/mlme" unless "sap/mlme" has its own.
var Components = []string{
	"device",
	"dispatcher",
	"lifecycle",
	"notifier",
	"registry",
	"sap",
	"sap/dbg",
	"sap/ma",
	"sap/mlme",
	"sap/test",
	"store",
	"store/sqlite",
	"transport",
	"udi",
	"workqueue",
}

// family returns the parent of a component, or "" at the top.
func family(component string) string {
	if i := strings.LastIndexByte(component, '/'); i > 0 {
		return component[:i]
	}
	return ""
}

// Spec is a base level plus per-component overrides.
//
// Format: "<base-level>[,<component>=<level>]..."
//
// Examples:
//   - "info"
//   - "warn,dispatcher=dbg1"
//   - "info,sap=dbg2,sap/mlme=dbg4"
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// ParseSpec parses a log spec. An empty string is info with no
// overrides. Components not listed in Components are rejected.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  LevelInfo,
		Components: make(map[string]Level),
	}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		component, levelStr, ok := strings.Cut(part, "=")
		if !ok {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must come first", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.BaseLevel = level
			continue
		}

		component = strings.TrimSpace(component)
		if !slices.Contains(Components, component) {
			return spec, fmt.Errorf("unknown log component %q", component)
		}
		level, err := ParseLevel(levelStr)
		if err != nil {
			return spec, fmt.Errorf("component %s: %w", component, err)
		}
		spec.Components[component] = level
	}

	return spec, nil
}

// LevelFor returns the level for component, falling back through its
// families to the base level.
func (s *Spec) LevelFor(component string) Level {
	for c := component; c != ""; c = family(c) {
		if level, ok := s.Components[c]; ok {
			return level
		}
	}
	return s.BaseLevel
}

// Lowest returns the most verbose level any component is enabled at.
func (s *Spec) Lowest() Level {
	lowest := s.BaseLevel
	for _, level := range s.Components {
		lowest = min(lowest, level)
	}
	return lowest
}

// String returns the spec in parseable form, components in the order of
// Components.
func (s *Spec) String() string {
	parts := []string{s.BaseLevel.String()}
	for _, c := range Components {
		if level, ok := s.Components[c]; ok {
			parts = append(parts, c+"="+level.String())
		}
	}
	return strings.Join(parts, ",")
}
