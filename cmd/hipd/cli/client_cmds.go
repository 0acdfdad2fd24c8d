package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/udi"
)

// TailCmd streams signals from a running daemon.
type TailCmd struct {
	IDs       []SignalID `name:"id" help:"Signal ids to filter on (at most 5, can be repeated)."`
	Only      bool       `name:"only" help:"Show only the listed ids instead of hiding them."`
	SizeLimit int        `name:"unitdata-size" help:"Truncate unitdata bodies to this many bytes."`
	Count     int        `name:"count" short:"n" help:"Exit after this many signals."`
}

// Run executes the tail command.
func (c *TailCmd) Run(cli *CLI) error {
	client, err := cli.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return c.tail(ctx, client, os.Stdout)
}

func (c *TailCmd) filter() udi.Filter {
	f := udi.Filter{ListedOnly: c.Only, UnitdataSizeLimit: c.SizeLimit}
	for _, id := range c.IDs {
		f.IDs = append(f.IDs, id.Value)
	}
	return f
}

func (c *TailCmd) tail(ctx context.Context, client *udi.Client, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seen := 0
	var lastDropped uint64
	return client.Tail(ctx, c.filter(), func(e udi.Entry, dropped uint64) error {
		if dropped != lastDropped {
			fmt.Fprintf(w, "# %d signals dropped\n", dropped-lastDropped)
			lastDropped = dropped
		}
		if _, err := io.WriteString(w, formatEntry(e)); err != nil {
			return err
		}
		seen++
		if c.Count > 0 && seen >= c.Count {
			cancel()
		}
		return nil
	})
}

// StatusCmd shows the status of a running daemon.
type StatusCmd struct {
	Output string `short:"o" help:"Output format: table or json." default:"table" enum:"table,json"`
}

// Run executes the status command.
func (c *StatusCmd) Run(cli *CLI) error {
	client, err := cli.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status(context.Background())
	if err != nil {
		return err
	}
	if c.Output == "json" {
		return writeJSON(os.Stdout, st)
	}
	_, err = io.WriteString(os.Stdout, formatStatus(st))
	return err
}

// EventCmd delivers a lifecycle event to a running daemon.
type EventCmd struct {
	Event Event `arg:"" help:"stop, failure-reset, suspend, resume, subsystem-reset or chip-ready."`
}

// Run executes the event command.
func (c *EventCmd) Run(cli *CLI) error {
	client, err := cli.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	accepted, err := client.Event(context.Background(), c.Event.Value)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("event %s rejected", c.Event.Value)
	}
	fmt.Printf("event %s accepted\n", c.Event.Value)
	return nil
}

// InjectCmd injects a raw signal into a running daemon.
type InjectCmd struct {
	Signal string `arg:"" help:"Hex-encoded signal, header included."`
}

// Run executes the inject command.
func (c *InjectCmd) Run(cli *CLI) error {
	raw, err := decodeSignal(c.Signal)
	if err != nil {
		return err
	}

	client, err := cli.Dial()
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Inject(context.Background(), raw)
}

// SetCmd changes device and interface settings of a running daemon.
type SetCmd struct {
	ResetLevel          string `name:"reset-level" help:"Severity of the last firmware error."`
	RequireServiceClose Toggle `name:"service-close" help:"Require a service close on failure resets (on|off)."`
	UserSuspendMode     Toggle `name:"user-suspend" help:"User suspend mode (on|off)."`
	LCDActive           Toggle `name:"lcd" help:"Host screen state (on|off)."`

	VIF           uint16 `name:"vif" help:"Interface the interface settings apply to."`
	Up            Toggle `name:"up" help:"Interface administrative state (on|off)."`
	FWTest        Toggle `name:"fw-test" help:"Firmware test mode (on|off)."`
	DropRoamedInd Toggle `name:"drop-roamed" help:"Drop roamed indications (on|off)."`
	TxQueues      Toggle `name:"tx-queues" help:"Start or stop the transmit queues (on|off)."`
	Filter        string `name:"filter" help:"Reprogram a firmware filter: multicast or pkt-filter."`
}

func (c *SetCmd) settings() (udi.Settings, error) {
	st := udi.Settings{
		RequireServiceClose: c.RequireServiceClose.Ptr(),
		UserSuspendMode:     c.UserSuspendMode.Ptr(),
		LCDActive:           c.LCDActive.Ptr(),
		VIF:                 c.VIF,
		Up:                  c.Up.Ptr(),
		FWTest:              c.FWTest.Ptr(),
		DropRoamedInd:       c.DropRoamedInd.Ptr(),
		TxQueues:            c.TxQueues.Ptr(),
		Filter:              udi.FilterUpdate(c.Filter),
	}
	if c.ResetLevel != "" {
		lvl, err := strconv.ParseInt(c.ResetLevel, 0, 32)
		if err != nil {
			return udi.Settings{}, fmt.Errorf("invalid reset level %q: %w", c.ResetLevel, err)
		}
		l := int32(lvl)
		st.ResetLevel = &l
	}
	return st, nil
}

// Run executes the set command.
func (c *SetCmd) Run(cli *CLI) error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	client, err := cli.Dial()
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Configure(context.Background(), st)
}

// SendCmd sends a raw signal through a running daemon's send path.
type SendCmd struct {
	Signal string   `arg:"" help:"Hex-encoded signal, header included."`
	Cfm    SignalID `name:"cfm" help:"Confirm to wait for."`
	Ind    SignalID `name:"ind" help:"Indication to wait for."`
	Peer   uint8    `name:"peer" help:"Peer index of a data signal."`
	AC     uint8    `name:"ac" help:"Access class of a data signal."`
}

// Run executes the send command.
func (c *SendCmd) Run(cli *CLI) error {
	raw, err := decodeSignal(c.Signal)
	if err != nil {
		return err
	}
	client, err := cli.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	cfm, ind, err := client.Send(context.Background(), raw, udi.SendOptions{
		Peer:  c.Peer,
		AC:    c.AC,
		CfmID: c.Cfm.Value,
		IndID: c.Ind.Value,
	})
	if err != nil {
		return err
	}
	for _, reply := range [][]byte{cfm, ind} {
		if len(reply) > 0 {
			fmt.Println(hex.EncodeToString(reply))
		}
	}
	return nil
}

// TxDoneCmd returns a transmit credit to a running daemon.
type TxDoneCmd struct {
	VIF  uint16 `arg:"" help:"Interface the credit belongs to."`
	Peer uint8  `name:"peer" help:"Peer index, 0 for the group queue."`
	AC   uint8  `name:"ac" help:"Access class."`
}

// Run executes the txdone command.
func (c *TxDoneCmd) Run(cli *CLI) error {
	client, err := cli.Dial()
	if err != nil {
		return err
	}
	defer client.Close()
	return client.TxDone(context.Background(), c.VIF, c.Peer, c.AC)
}

// decodeSignal parses a hex signal, whitespace allowed.
func decodeSignal(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, fmt.Errorf("invalid signal: %w", err)
	}
	if len(raw) < hip.HeaderLen {
		return nil, fmt.Errorf("invalid signal: %d bytes, header is %d", len(raw), hip.HeaderLen)
	}
	return raw, nil
}
