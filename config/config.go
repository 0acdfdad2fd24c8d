// Package config handles hipd configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded from default.toml)
//  2. Overlay with config file values (if the file exists)
//  3. CLI flags and environment variables override at runtime (handled
//     by the CLI layer)
//
// If the config file exists but is invalid, Load returns an error rather
// than silently falling back to defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/control"
	"github.com/frobware/go-hip/device"
	"github.com/frobware/go-hip/dispatcher"
	"github.com/frobware/go-hip/logging"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is the default path to the hipd config file.
const DefaultConfigPath = "/etc/hip/hipd.toml"

// Config is the top-level hipd configuration.
type Config struct {
	HIP     HIPConfig     `toml:"hip"`
	Store   StoreConfig   `toml:"store"`
	UDI     UDIConfig     `toml:"udi"`
	Logging LoggingConfig `toml:"logging"`
}

// HIPConfig holds the dispatch core tunables.
type HIPConfig struct {
	UDIPidMin           uint16 `toml:"udi_pid_min"`
	UDIPidMax           uint16 `toml:"udi_pid_max"`
	SigWaitCfmTimeoutMS int    `toml:"sig_wait_cfm_timeout_ms"`
	MaxInterfaces       int    `toml:"max_interfaces"`
	TestMode            bool   `toml:"test_mode"`
	ARPFlowControl      bool   `toml:"arp_flow_control"`
	ResetPanicLevel     int32  `toml:"reset_panic_level"`
	ControlSchema       uint32 `toml:"control_schema"`
}

// StoreConfig controls the persistent signal log.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means {runtime}/db/hip.db.
	Path string `toml:"path"`
	// SignalRetention is how long logged signals are kept.
	SignalRetention Duration `toml:"signal_retention"`
}

// UDIConfig controls the debug service.
type UDIConfig struct {
	Socket       string `toml:"socket"`
	TCPAddress   string `toml:"tcp_address"`
	ClientBuffer int    `toml:"client_buffer"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the base log level, optionally a full spec such as
	// "info,dispatcher=dbg1".
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
	// Components sets per-component levels on top of Level.
	Components map[string]string `toml:"components"`
}

// Duration is a time.Duration decoded from a TOML string such as "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ToSpec converts the LoggingConfig to a log spec: Level as the base,
// followed by the [logging.components] overrides.
func (c *LoggingConfig) ToSpec() string {
	base := c.Level
	if base == "" {
		base = "info"
	}
	parts := []string{base}
	for _, component := range slices.Sorted(maps.Keys(c.Components)) {
		parts = append(parts, component+"="+c.Components[component])
	}
	return strings.Join(parts, ",")
}

// DefaultConfig returns the configuration embedded in default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		// default.toml is embedded at build time; fall back to a
		// minimal safe config if it is somehow broken.
		dev := device.DefaultConfig()
		return Config{
			HIP: HIPConfig{
				UDIPidMin:           dispatcher.DefaultUDIMin,
				UDIPidMax:           dispatcher.DefaultUDIMax,
				SigWaitCfmTimeoutMS: int(dev.SigWaitCfmTimeout / time.Millisecond),
				MaxInterfaces:       dev.MaxInterfaces,
				ResetPanicLevel:     int32(hip.DefaultPanicSeverity),
				ControlSchema:       control.SchemaV5,
			},
			UDI:     UDIConfig{ClientBuffer: 1024},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		}
	}
	return cfg
}

// Load reads configuration from path with overlay semantics:
//   - File missing: returns default configuration (no error)
//   - File exists and valid: overlays file values onto defaults
//   - File exists but invalid: returns error (fail fast)
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	h := c.HIP
	if h.UDIPidMin > h.UDIPidMax {
		errs = append(errs, fmt.Errorf("hip.udi_pid_min 0x%04x above hip.udi_pid_max 0x%04x", h.UDIPidMin, h.UDIPidMax))
	}
	if h.MaxInterfaces < int(device.NetIndexNAN) || h.MaxInterfaces > 0xFFFF {
		errs = append(errs, fmt.Errorf("hip.max_interfaces %d out of range [%d, %d]", h.MaxInterfaces, device.NetIndexNAN, 0xFFFF))
	}
	if h.SigWaitCfmTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("hip.sig_wait_cfm_timeout_ms must be positive, got %d", h.SigWaitCfmTimeoutMS))
	}
	if h.ControlSchema != control.SchemaV4 && h.ControlSchema != control.SchemaV5 {
		errs = append(errs, &control.UnknownSchemaError{Schema: h.ControlSchema})
	}
	if c.UDI.ClientBuffer <= 0 {
		errs = append(errs, fmt.Errorf("udi.client_buffer must be positive, got %d", c.UDI.ClientBuffer))
	}
	if c.Store.SignalRetention.Duration < 0 {
		errs = append(errs, fmt.Errorf("store.signal_retention must not be negative"))
	}
	if _, err := logging.ParseSpec(c.Logging.ToSpec()); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// DeviceConfig returns the device tunables.
func (c *HIPConfig) DeviceConfig() device.Config {
	return device.Config{
		MaxInterfaces:     c.MaxInterfaces,
		SigWaitCfmTimeout: time.Duration(c.SigWaitCfmTimeoutMS) * time.Millisecond,
		PanicSeverity:     hip.Severity(c.ResetPanicLevel),
		TestMode:          c.TestMode,
		ARPFlowControl:    c.ARPFlowControl,
	}
}

// DispatcherConfig returns the classifier tunables.
func (c *HIPConfig) DispatcherConfig() dispatcher.Config {
	return dispatcher.Config{UDIMin: c.UDIPidMin, UDIMax: c.UDIPidMax}
}
