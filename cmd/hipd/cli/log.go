package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-hip/store"
	"github.com/frobware/go-hip/store/sqlite"
)

// LogCmd queries the persistent signal log.
type LogCmd struct {
	DB        string        `name:"db" help:"SQLite database path. Defaults to the configured store."`
	Device    string        `name:"device" help:"Only signals from this device id."`
	Direction Direction     `name:"direction" help:"to-host, from-host or any."`
	From      SignalID      `name:"from" help:"Lowest signal id (name or number)."`
	To        SignalID      `name:"to" help:"Highest signal id (name or number)."`
	Since     time.Duration `name:"since" help:"Only signals logged within this duration."`
	Limit     int           `name:"limit" short:"n" help:"Maximum rows." default:"100"`
	Lifecycle bool          `name:"lifecycle" help:"Show the lifecycle journal instead of signals."`
	Output    string        `short:"o" help:"Output format: table or json." default:"table" enum:"table,json"`
}

// Run executes the log command.
func (c *LogCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	path := c.DB
	if path == "" {
		path = cfg.Store.Path
	}

	ctx := context.Background()
	st, err := sqlite.New(ctx, path, logger)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	defer st.Close()

	return c.query(ctx, st, os.Stdout, time.Now())
}

func (c *LogCmd) query(ctx context.Context, st store.Store, w io.Writer, now time.Time) error {
	var dev uuid.UUID
	if c.Device != "" {
		id, err := uuid.Parse(c.Device)
		if err != nil {
			return fmt.Errorf("invalid device id %q: %w", c.Device, err)
		}
		dev = id
	}

	if c.Lifecycle {
		recs, err := st.ListLifecycle(ctx, dev, c.Limit)
		if err != nil {
			return err
		}
		if c.Output == "json" {
			return writeJSON(w, recs)
		}
		_, err = io.WriteString(w, formatLifecycleRecords(recs))
		return err
	}

	f := store.SignalFilter{
		Device:       dev,
		Direction:    c.Direction.Value,
		HasDirection: c.Direction.Set,
		MinID:        c.From.Value,
		MaxID:        c.To.Value,
		Limit:        c.Limit,
	}
	if c.Since > 0 {
		f.Since = now.Add(-c.Since)
	}
	recs, err := st.ListSignals(ctx, f)
	if err != nil {
		return err
	}
	if c.Output == "json" {
		return writeJSON(w, recs)
	}
	_, err = io.WriteString(w, formatSignalRecords(recs))
	return err
}

func writeJSON(w io.Writer, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}
