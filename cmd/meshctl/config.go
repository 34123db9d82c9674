package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshlink/meshlink-go/pkg/connection"
)

// Config holds the controller configuration. Values come from the YAML
// file named by -config; flags given on the command line win.
type Config struct {
	ConfigFile string `yaml:"-"`

	// Transport is "sim" or "ble".
	Transport string `yaml:"transport"`

	// Network is the state file of the mesh network. Empty keeps the
	// network in memory.
	Network string `yaml:"network"`

	LogLevel    string `yaml:"log_level"`
	ProtocolLog string `yaml:"protocol_log"`
	MetricsAddr string `yaml:"metrics_addr"`

	NATSURL    string `yaml:"nats_url"`
	NATSPrefix string `yaml:"nats_prefix"`

	Interactive bool `yaml:"interactive"`

	// ProxyOrder is "ascending" or "strongest".
	ProxyOrder  string        `yaml:"proxy_order"`
	CallTimeout time.Duration `yaml:"call_timeout"`

	// SimDevices is the number of unprovisioned devices the sim
	// transport puts on the air.
	SimDevices int `yaml:"sim_devices"`
}

func defaultConfig() Config {
	return Config{
		Transport:   "sim",
		LogLevel:    "info",
		NATSPrefix:  "meshlink",
		ProxyOrder:  "ascending",
		CallTimeout: 10 * time.Second,
		SimDevices:  3,
	}
}

func bindFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "Configuration file path (YAML)")
	fs.StringVar(&c.Transport, "transport", c.Transport, "Radio transport: sim, ble")
	fs.StringVar(&c.Network, "network", c.Network, "Network state file")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&c.ProtocolLog, "protocol-log", c.ProtocolLog, "Write protocol events to this file")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve Prometheus metrics on this address, e.g. :9100")
	fs.StringVar(&c.NATSURL, "nats-url", c.NATSURL, "Publish engine events to this NATS server")
	fs.StringVar(&c.NATSPrefix, "nats-prefix", c.NATSPrefix, "NATS subject prefix")
	fs.BoolVar(&c.Interactive, "interactive", c.Interactive, "Enable interactive command mode")
	fs.StringVar(&c.ProxyOrder, "proxy-order", c.ProxyOrder, "Proxy selection: ascending, strongest")
	fs.DurationVar(&c.CallTimeout, "call-timeout", c.CallTimeout, "Timeout for acknowledged messages")
	fs.IntVar(&c.SimDevices, "sim-devices", c.SimDevices, "Unprovisioned devices simulated by the sim transport")
}

// parseConfig builds the configuration from args. The YAML file is read
// between two flag passes so explicit flags override it.
func parseConfig(args []string, stderr io.Writer) (Config, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("meshctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.ConfigFile != "" {
		if err := loadConfigFile(cfg.ConfigFile, &cfg); err != nil {
			return cfg, err
		}
		if err := fs.Parse(args); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case "sim", "ble":
	default:
		errs = append(errs, fmt.Errorf("unknown transport: %s (use: sim, ble)", c.Transport))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseProxyOrder(c.ProxyOrder); err != nil {
		errs = append(errs, err)
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call timeout must be positive"))
	}
	if c.SimDevices < 0 {
		errs = append(errs, errors.New("sim devices must not be negative"))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s (use: debug, info, warn, error)", s)
	}
}

func parseProxyOrder(s string) (connection.ProxyOrder, error) {
	switch strings.ToLower(s) {
	case "ascending", "":
		return connection.ProxyOrderAscending, nil
	case "strongest":
		return connection.ProxyOrderStrongest, nil
	default:
		return 0, fmt.Errorf("unknown proxy order: %s (use: ascending, strongest)", s)
	}
}
