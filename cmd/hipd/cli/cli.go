package cli

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-hip/config"
	"github.com/frobware/go-hip/logging"
	"github.com/frobware/go-hip/udi"
)

// CLI is the root command structure for hipd.
type CLI struct {
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'info,dispatcher=dbg1,sap/mlme=dbg4')." env:"HIP_LOG"`
	RuntimeDir string `name:"runtime-dir" help:"Runtime directory for the database, socket and lock." default:"${default_runtime_dir}"`
	Remote     string `name:"remote" short:"r" help:"Debug service endpoint (socket path, unix:///path or host:port). Defaults to the runtime socket."`

	Serve     ServeCmd  `cmd:"" help:"Run the HIP dispatch daemon."`
	Replay    ReplayCmd `cmd:"" help:"Feed a signal capture through an in-process device."`
	SignalLog LogCmd    `cmd:"" name:"log" help:"Query the persistent signal log."`
	Tail      TailCmd   `cmd:"" help:"Stream signals from a running daemon."`
	Status    StatusCmd `cmd:"" help:"Show the status of a running daemon."`
	Event     EventCmd  `cmd:"" help:"Deliver a lifecycle event to a running daemon."`
	Inject    InjectCmd `cmd:"" help:"Inject a hex-encoded signal into a running daemon."`
	Set       SetCmd    `cmd:"" help:"Change device and interface settings of a running daemon."`
	Send      SendCmd   `cmd:"" help:"Send a hex-encoded signal through a running daemon's send path."`
	TxDone    TxDoneCmd `cmd:"" name:"txdone" help:"Return a transmit credit to a running daemon."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("hipd"),
		kong.Description("Host interface protocol dispatch daemon."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(SignalID{}), signalIDMapper()),
		kong.TypeMapper(reflect.TypeOf(PIDRange{}), pidRangeMapper()),
		kong.TypeMapper(reflect.TypeOf(Event{}), eventMapper()),
		kong.TypeMapper(reflect.TypeOf(Direction{}), directionMapper()),
		kong.TypeMapper(reflect.TypeOf(Toggle{}), toggleMapper()),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
			"default_runtime_dir": config.DefaultRuntimeBase,
		},
	}
}

// LoadConfig loads and validates the config file, filling derived paths
// from the runtime directory.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", c.Config, err)
	}
	dirs, err := c.RuntimeDirs()
	if err != nil {
		return cfg, err
	}
	cfg.Resolve(dirs)
	return cfg, nil
}

// RuntimeDirs returns the runtime paths rooted at --runtime-dir.
func (c *CLI) RuntimeDirs() (config.RuntimeDirs, error) {
	return config.NewRuntimeDirs(c.RuntimeDir)
}

// Logger creates a logger for short-lived commands. They default to warn
// unless --log is given.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}
	return c.newLogger(cfg, spec)
}

// LoggerFromConfig creates the daemon logger, honouring the config file
// log settings below --log and HIP_LOG.
func (c *CLI) LoggerFromConfig(cfg config.Config) (*slog.Logger, error) {
	return c.newLogger(cfg, c.Log)
}

func (c *CLI) newLogger(cfg config.Config, cliSpec string) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    cliSpec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stderr,
	})
}

// Dial connects to the daemon debug service.
func (c *CLI) Dial() (*udi.Client, error) {
	address := c.Remote
	if address == "" {
		cfg, err := c.LoadConfig()
		if err != nil {
			return nil, err
		}
		address = cfg.UDI.Socket
	}
	return udi.Dial(address)
}
