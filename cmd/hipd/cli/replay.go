package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/config"
	"github.com/frobware/go-hip/dispatcher"
	"github.com/frobware/go-hip/store"
	"github.com/frobware/go-hip/store/sqlite"
	"github.com/frobware/go-hip/transport/loopback"
)

// ReplayCmd feeds a capture through a local device.
type ReplayCmd struct {
	Capture    string   `arg:"" optional:"" help:"Capture file: one hex-encoded signal per line, '#' starts a comment. '-' reads stdin." default:"-"`
	Interfaces []string `name:"interface" short:"i" help:"Station interfaces to create, from vif 1." default:"wlan0"`
	Events     []Event  `name:"event" short:"e" help:"Lifecycle events to deliver after the capture (can be repeated)."`
	Record     string   `name:"record" help:"Also persist the replayed signals to this SQLite database."`
	Output     string   `short:"o" help:"Output format: table or json." default:"table" enum:"table,json"`
}

// CaptureLine is one decoded capture line.
type CaptureLine struct {
	Line int
	Raw  []byte
}

// ReadCapture decodes a capture. Whitespace inside a line is ignored so
// hex dumps split into groups are accepted.
func ReadCapture(r io.Reader) ([]CaptureLine, error) {
	var out []CaptureLine
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.Join(strings.Fields(line), "")
		if line == "" {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, CaptureLine{Line: n, Raw: raw})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	return out, nil
}

// EventResult records one lifecycle event delivered during a replay.
type EventResult struct {
	Event    string `json:"event"`
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
}

// ReplayReport summarises a replay.
type ReplayReport struct {
	Signals   int               `json:"signals"`
	Delivered int               `json:"delivered"`
	Rejected  map[string]int    `json:"rejected,omitempty"`
	PerClass  map[string]uint64 `json:"per_class"`
	Bypassed  uint64            `json:"bypassed"`
	Data      uint64            `json:"data_delivered"`
	Debug     map[string]uint64 `json:"debug,omitempty"`
	Test      map[string]uint64 `json:"test,omitempty"`
	Events    []EventResult     `json:"events,omitempty"`
	State     string            `json:"state"`
	Recorded  uint64            `json:"recorded,omitempty"`
}

// Run executes the replay command.
func (c *ReplayCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	in := io.Reader(os.Stdin)
	if c.Capture != "-" {
		f, err := os.Open(c.Capture)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	lines, err := ReadCapture(in)
	if err != nil {
		return err
	}

	events := make([]hip.LifecycleEvent, len(c.Events))
	for i, ev := range c.Events {
		events[i] = ev.Value
	}

	ctx := context.Background()
	report, err := Replay(ctx, cfg.HIP, ReplayOptions{
		Lines:      lines,
		Interfaces: c.Interfaces,
		Events:     events,
		RecordPath: c.Record,
	}, logger)
	if err != nil {
		return err
	}
	return writeReport(os.Stdout, report, c.Output)
}

// ReplayOptions are the inputs of Replay.
type ReplayOptions struct {
	Lines      []CaptureLine
	Interfaces []string
	Events     []hip.LifecycleEvent
	RecordPath string
	// Settle bounds the wait for deferred work after the last signal.
	Settle time.Duration
}

// Replay builds a device, delivers every captured signal through the
// loopback transport, then the lifecycle events, and reports what each
// SAP saw.
func Replay(ctx context.Context, cfg config.HIPConfig, opts ReplayOptions, logger *slog.Logger) (*ReplayReport, error) {
	stackOpts := StackOptions{ID: uuid.New(), Interfaces: opts.Interfaces}

	var recorder *store.Recorder
	if opts.RecordPath != "" {
		st, err := sqlite.New(ctx, opts.RecordPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store at %s: %w", opts.RecordPath, err)
		}
		defer st.Close()
		recorder = store.NewRecorder(st, stackOpts.ID, 2*len(opts.Lines)+16, logger)
		stackOpts.Sinks = []dispatcher.LogSink{recorder}
		stackOpts.Journal = st
	}

	stack, err := NewStack(cfg, logger, stackOpts)
	if err != nil {
		return nil, err
	}
	if err := stack.Start(ctx); err != nil {
		stack.Close(ctx)
		return nil, fmt.Errorf("start HIP service: %w", err)
	}

	report := &ReplayReport{Rejected: make(map[string]int)}
	for _, l := range opts.Lines {
		report.Signals++
		sig, err := hip.ParseSignal(l.Raw)
		if err != nil {
			logger.Warn("skipping malformed signal", "line", l.Line, "error", err)
			report.Rejected["malformed"]++
			continue
		}
		if err := stack.Inject(ctx, sig); err != nil {
			logger.Debug("signal rejected", "line", l.Line, "error", err)
			report.Rejected[rejectReason(err)]++
			continue
		}
		report.Delivered++
	}

	settle := opts.Settle
	if settle <= 0 {
		settle = 2 * time.Second
	}
	waitIdle(ctx, stack, settle)

	for _, ev := range opts.Events {
		ok, _ := stack.Event(ctx, ev)
		report.Events = append(report.Events, EventResult{Event: ev.String(), Accepted: ok, State: stack.Service.State()})
	}
	waitIdle(ctx, stack, settle)

	fillCounts(report, stack)
	if err := stack.Close(ctx); err != nil {
		logger.Warn("stop HIP service", "error", err)
	}

	if recorder != nil {
		// Nothing logs once the stack is closed; Run drains and returns.
		rctx, cancel := context.WithCancel(ctx)
		cancel()
		recorder.Run(rctx)
		report.Recorded = recorder.Written()
	}
	return report, nil
}

func rejectReason(err error) string {
	var unclassifiable *hip.UnclassifiableError
	var protocol *hip.ProtocolError
	switch {
	case errors.Is(err, hip.ErrNotReady):
		return "not-ready"
	case errors.As(err, &unclassifiable):
		return "unclassifiable"
	case errors.As(err, &protocol):
		return "protocol"
	case errors.Is(err, hip.ErrNoInterface):
		return "no-interface"
	case errors.Is(err, loopback.ErrNotRunning):
		return "not-running"
	default:
		return "other"
	}
}

// waitIdle polls until no deferred work is queued or timeout passes, then
// waits out any signal a worker is still handling.
func waitIdle(ctx context.Context, s *Stack, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.Device.Pending() > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	// Nothing is queued, so CancelSync only waits for the handler.
	s.Device.DbgWork().CancelSync()
	s.Device.TestWork().CancelSync()
	for _, ifc := range s.Device.Interfaces() {
		ifc.MLMEWork().CancelSync()
		ifc.DataWork().CancelSync()
	}
}

func fillCounts(r *ReplayReport, s *Stack) {
	ds := s.Dispatcher.Stats()
	r.PerClass = make(map[string]uint64, hip.NumSapClasses)
	for _, c := range hip.SapClasses {
		r.PerClass[c.String()] = ds.PerClass[c]
	}
	r.Bypassed = ds.Bypassed
	r.Data = s.SAPs.MA.Stats().Delivered
	r.Debug = namedCounts(s.SAPs.Dbg.Counts())
	r.Test = namedCounts(s.SAPs.Test.Counts())
	r.State = s.Service.State()
	if len(r.Rejected) == 0 {
		r.Rejected = nil
	}
}

func namedCounts(counts map[hip.SignalID]uint64) map[string]uint64 {
	if len(counts) == 0 {
		return nil
	}
	out := make(map[string]uint64, len(counts))
	for id, n := range counts {
		out[id.String()] = n
	}
	return out
}

func writeReport(w io.Writer, r *ReplayReport, format string) error {
	if format == "json" {
		output, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		_, err = fmt.Fprintln(w, string(output))
		return err
	}
	_, err := io.WriteString(w, formatReport(r))
	return err
}
