package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/peripheral"
	goble "github.com/srg/humlink/internal/peripheral/go-ble"
	"github.com/srg/humlink/internal/peripheral/serialport"
	"github.com/srg/humlink/pkg/connection"
	"github.com/srg/humlink/pkg/monitor"
	"gopkg.in/yaml.v3"
)

// Transport names accepted by the transport setting.
const (
	TransportSerial = "serial"
	TransportBLE    = "ble"
)

// DefaultPort is where an HC-05 shows up once bound with rfcomm.
const DefaultPort = "/dev/rfcomm0"

// Config holds application configuration
type Config struct {
	Target    string            `yaml:"target" default:"HC-05"`
	Transport string            `yaml:"transport" default:"serial"`
	Ports     map[string]string `yaml:"ports"`
	BaudRate  int               `yaml:"baud" default:"9600"`

	RetryDelay          time.Duration `yaml:"retry_delay" default:"1s"`
	RetryOnNotFound     bool          `yaml:"retry_on_not_found" default:"true"`
	EnabledPollInterval time.Duration `yaml:"enabled_poll_interval" default:"5s"`

	HistoryLimit int           `yaml:"history_limit" default:"1000"`
	ReadMode     string        `yaml:"read_mode" default:"stream"`
	PollInterval time.Duration `yaml:"poll_interval" default:"3s"`

	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"5s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	Charset        string        `yaml:"charset" default:"ascii"`

	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.applyDefaultPorts()
	return cfg
}

// Load reads a YAML file over the defaults and applies HUMLINK_* environment
// overrides. An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaultPorts()
	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps HUMLINK_* environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HUMLINK_TARGET"); v != "" {
		cfg.Retarget(v)
	}
	if v := os.Getenv("HUMLINK_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("HUMLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HUMLINK_PORT"); v != "" {
		if name, path, err := ParsePort(v, cfg.Target); err == nil {
			cfg.Ports = map[string]string{name: path}
		}
	}
}

// Retarget switches the target name. A single binding keyed to the old
// target follows the new name, so the serial transport keeps listing it.
func (c *Config) Retarget(target string) {
	if path, bound := c.Ports[c.Target]; bound && len(c.Ports) == 1 {
		c.Ports = map[string]string{target: path}
	}
	c.Target = target
}

// applyDefaultPorts binds the target to DefaultPort when no port is configured.
func (c *Config) applyDefaultPorts() {
	if len(c.Ports) == 0 {
		c.Ports = map[string]string{c.Target: DefaultPort}
	}
}

// Validate checks every field that a later stage would otherwise reject.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Target) == "" {
		errs = append(errs, errors.New("target must not be empty"))
	}
	switch c.Transport {
	case TransportSerial:
		if len(c.Ports) == 0 {
			errs = append(errs, errors.New("serial transport needs at least one port"))
		}
		if c.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("baud must be positive, got %d", c.BaudRate))
		}
	case TransportBLE:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (expected %q or %q)", c.Transport, TransportSerial, TransportBLE))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry_delay must be positive, got %s", c.RetryDelay))
	}
	if c.EnabledPollInterval < 0 {
		errs = append(errs, fmt.Errorf("enabled_poll_interval must not be negative, got %s", c.EnabledPollInterval))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("history_limit must not be negative, got %d", c.HistoryLimit))
	}
	if _, err := monitor.ParseReadMode(c.ReadMode); err != nil {
		errs = append(errs, err)
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if _, err := peripheral.ParseCharset(c.Charset); err != nil {
		errs = append(errs, err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown output format %q", c.OutputFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed log level, Info when it does not parse.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func (c *Config) charset() peripheral.Charset {
	cs, err := peripheral.ParseCharset(c.Charset)
	if err != nil {
		return peripheral.CharsetASCII
	}
	return cs
}

// ConnectionOptions returns the connection manager settings.
func (c *Config) ConnectionOptions() connection.Options {
	opts := connection.DefaultOptions(c.Target)
	opts.RetryDelay = c.RetryDelay
	opts.RetryOnNotFound = c.RetryOnNotFound
	opts.EnabledPollInterval = c.EnabledPollInterval
	opts.Charset = c.charset()
	return opts
}

// MonitorOptions returns the monitor settings.
func (c *Config) MonitorOptions() monitor.Options {
	mode, err := monitor.ParseReadMode(c.ReadMode)
	if err != nil {
		mode = monitor.ReadModeStream
	}
	return monitor.Options{
		ReadMode:     mode,
		PollInterval: c.PollInterval,
		HistoryLimit: c.HistoryLimit,
	}
}

// BLEOptions returns the go-ble transport settings.
func (c *Config) BLEOptions() goble.Options {
	opts := goble.DefaultOptions()
	opts.ScanTimeout = c.ScanTimeout
	opts.ConnectTimeout = c.ConnectTimeout
	opts.Target = c.Target
	return opts
}

// SerialOptions returns the serial transport settings.
func (c *Config) SerialOptions() serialport.Options {
	ports := make(map[string]string, len(c.Ports))
	for name, path := range c.Ports {
		ports[name] = path
	}
	return serialport.Options{
		Ports:    ports,
		BaudRate: c.BaudRate,
	}
}

// PortNames returns the configured peripheral names, sorted.
func (c *Config) PortNames() []string {
	names := make([]string, 0, len(c.Ports))
	for name := range c.Ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParsePort splits a "name=path" binding. A bare path binds target, or
// connection.DefaultTarget when target is empty.
func ParsePort(s, target string) (name, path string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", errors.New("empty port binding")
	}
	name, path, found := strings.Cut(s, "=")
	if !found {
		if target == "" {
			target = connection.DefaultTarget
		}
		return target, s, nil
	}
	name, path = strings.TrimSpace(name), strings.TrimSpace(path)
	if name == "" || path == "" {
		return "", "", fmt.Errorf("invalid port binding %q (expected name=path)", s)
	}
	return name, path, nil
}
