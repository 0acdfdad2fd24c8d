package cli

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/store"
	"github.com/frobware/go-hip/udi"
)

const timeFormat = "15:04:05.000000"

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatReport(r *ReplayReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "SIGNALS  %d  delivered %d  state %s\n", r.Signals, r.Delivered, r.State)
	for _, reason := range sortedKeys(r.Rejected) {
		fmt.Fprintf(&b, "  rejected %-16s %d\n", reason, r.Rejected[reason])
	}

	b.WriteString("\n  SAP\n")
	for _, c := range hip.SapClasses {
		fmt.Fprintf(&b, "  %-6s %d\n", c, r.PerClass[c.String()])
	}
	fmt.Fprintf(&b, "  %-6s %d\n", "udi", r.Bypassed)
	fmt.Fprintf(&b, "  data delivered %d\n", r.Data)

	for _, section := range []struct {
		name   string
		counts map[string]uint64
	}{{"DEBUG", r.Debug}, {"TEST", r.Test}} {
		if len(section.counts) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n  %s\n", section.name)
		for _, name := range sortedKeys(section.counts) {
			fmt.Fprintf(&b, "  %-32s %d\n", name, section.counts[name])
		}
	}

	if len(r.Events) > 0 {
		b.WriteString("\n  EVENTS\n")
		for _, ev := range r.Events {
			result := "rejected"
			if ev.Accepted {
				result = "accepted"
			}
			fmt.Fprintf(&b, "  %-16s %-9s %s\n", ev.Event, result, ev.State)
		}
	}

	if r.Recorded > 0 {
		fmt.Fprintf(&b, "\n  recorded %d\n", r.Recorded)
	}
	return b.String()
}

func directionArrow(d hip.Direction) string {
	if d == hip.DirectionFromHost {
		return "->"
	}
	return "<-"
}

func formatBody(body []byte, length int) string {
	s := hex.EncodeToString(body)
	if length > len(body) {
		s += fmt.Sprintf("...(%d)", length)
	}
	return s
}

func formatSignalLine(t time.Time, d hip.Direction, h hip.Header, body []byte, length int) string {
	return fmt.Sprintf("%s %s %-28s vif=%d rx=0x%04x tx=0x%04x %s",
		t.Local().Format(timeFormat), directionArrow(d), h.ID, h.VIF, h.ReceiverPID, h.SenderPID, formatBody(body, length))
}

func formatSignalRecords(recs []store.SignalRecord) string {
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "%6d %s\n", r.ID, formatSignalLine(r.Time, r.Direction, r.Header, r.Body, len(r.Body)))
	}
	return b.String()
}

func formatLifecycleRecords(recs []store.LifecycleRecord) string {
	var b strings.Builder
	for _, r := range recs {
		result := "rejected"
		if r.Accepted {
			result = "accepted"
		}
		fmt.Fprintf(&b, "%6d %s %-16s %-9s %s\n", r.ID, r.Time.Local().Format(timeFormat), r.Event, result, r.State)
	}
	return b.String()
}

func formatEntry(e udi.Entry) string {
	return fmt.Sprintf("%6d %s\n", e.Seq, formatSignalLine(e.Time, e.Direction, e.Header, e.Body, e.Length))
}

func formatStatus(st map[string]any) string {
	var b strings.Builder
	for _, k := range sortedKeys(st) {
		switch v := st[k].(type) {
		case map[string]any:
			fmt.Fprintf(&b, "%s\n", k)
			for _, sub := range sortedKeys(v) {
				fmt.Fprintf(&b, "  %-30s %v\n", sub, v[sub])
			}
		case []any:
			fmt.Fprintf(&b, "%s\n", k)
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					parts := make([]string, 0, len(m))
					for _, f := range sortedKeys(m) {
						parts = append(parts, fmt.Sprintf("%s=%v", f, m[f]))
					}
					fmt.Fprintf(&b, "  %s\n", strings.Join(parts, " "))
				} else {
					fmt.Fprintf(&b, "  %v\n", item)
				}
			}
		default:
			fmt.Fprintf(&b, "%-32s %v\n", k, v)
		}
	}
	return b.String()
}
