package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/peripheral"
	"github.com/srg/humlink/pkg/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "humlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "HC-05", cfg.Target)
	assert.Equal(t, TransportSerial, cfg.Transport)
	assert.Equal(t, map[string]string{"HC-05": DefaultPort}, cfg.Ports)
	assert.Equal(t, 9600, cfg.BaudRate)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.True(t, cfg.RetryOnNotFound)
	assert.Equal(t, 5*time.Second, cfg.EnabledPollInterval)
	assert.Equal(t, 1000, cfg.HistoryLimit)
	assert.Equal(t, "stream", cfg.ReadMode)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "ascii", cfg.Charset)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
target: GarageDryer
transport: ble
retry_delay: 250ms
retry_on_not_found: false
enabled_poll_interval: 0s
history_limit: 0
read_mode: poll
poll_interval: 1s
charset: utf-8
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "GarageDryer", cfg.Target)
	assert.Equal(t, TransportBLE, cfg.Transport)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.False(t, cfg.RetryOnNotFound, "an explicit false must survive the defaults")
	assert.Zero(t, cfg.EnabledPollInterval)
	assert.Zero(t, cfg.HistoryLimit, "zero keeps every frame")
	assert.Equal(t, map[string]string{"GarageDryer": DefaultPort}, cfg.Ports)

	conn := cfg.ConnectionOptions()
	assert.Equal(t, "GarageDryer", conn.Target)
	assert.Equal(t, 250*time.Millisecond, conn.RetryDelay)
	assert.False(t, conn.RetryOnNotFound)
	assert.Equal(t, peripheral.CharsetUTF8, conn.Charset)

	mon := cfg.MonitorOptions()
	assert.Equal(t, monitor.ReadModePoll, mon.ReadMode)
	assert.Equal(t, time.Second, mon.PollInterval)
	assert.Zero(t, mon.HistoryLimit)

	ble := cfg.BLEOptions()
	assert.Equal(t, "GarageDryer", ble.Target)
	assert.Equal(t, 30*time.Second, ble.ConnectTimeout)
}

func TestLoad_Ports(t *testing.T) {
	path := writeConfig(t, `
ports:
  HC-05: /dev/rfcomm1
  HC-06: /dev/ttyUSB0
baud: 38400
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"HC-05", "HC-06"}, cfg.PortNames())
	serial := cfg.SerialOptions()
	assert.Equal(t, 38400, serial.BaudRate)
	assert.Equal(t, "/dev/rfcomm1", serial.Ports["HC-05"])

	serial.Ports["HC-05"] = "changed"
	assert.Equal(t, "/dev/rfcomm1", cfg.Ports["HC-05"], "SerialOptions returns a copy")
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "target: [unterminated"))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(writeConfig(t, "transport: zigbee"))
	assert.ErrorContains(t, err, `unknown transport "zigbee"`)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HUMLINK_TARGET", "Dryer")
	t.Setenv("HUMLINK_LOG_LEVEL", "warn")
	t.Setenv("HUMLINK_PORT", "Dryer=/dev/ttyS1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "Dryer", cfg.Target)
	assert.Equal(t, logrus.WarnLevel, cfg.Level())
	assert.Equal(t, map[string]string{"Dryer": "/dev/ttyS1"}, cfg.Ports)
}

func TestLoad_EnvTargetKeepsDefaultBinding(t *testing.T) {
	t.Setenv("HUMLINK_TARGET", "Garage")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "Garage", cfg.Target)
	assert.Equal(t, map[string]string{"Garage": DefaultPort}, cfg.Ports)
	assert.Equal(t, []string{"Garage"}, cfg.PortNames())
}

func TestLoad_EnvTargetFollowsFileBinding(t *testing.T) {
	t.Setenv("HUMLINK_TARGET", "Garage")

	cfg, err := Load(writeConfig(t, "ports:\n  HC-05: /dev/ttyUSB0\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Garage": "/dev/ttyUSB0"}, cfg.Ports)

	cfg, err = Load(writeConfig(t, "ports:\n  HC-05: /dev/ttyUSB0\n  Spare: /dev/ttyUSB1\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"HC-05": "/dev/ttyUSB0", "Spare": "/dev/ttyUSB1"}, cfg.Ports,
		"several bindings are left as configured")
}

func TestLoad_EnvBarePortBindsTarget(t *testing.T) {
	t.Setenv("HUMLINK_TARGET", "Garage")
	t.Setenv("HUMLINK_PORT", "/dev/rfcomm1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Garage": "/dev/rfcomm1"}, cfg.Ports)
}

func TestConfig_Retarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retarget("Dryer")
	assert.Equal(t, "Dryer", cfg.Target)
	assert.Equal(t, map[string]string{"Dryer": DefaultPort}, cfg.Ports)

	cfg.Ports = map[string]string{"Other": "/dev/ttyS0"}
	cfg.Retarget("Garage")
	assert.Equal(t, map[string]string{"Other": "/dev/ttyS0"}, cfg.Ports, "a binding for another name is kept")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty target", func(c *Config) { c.Target = " " }, "target must not be empty"},
		{"no serial ports", func(c *Config) { c.Ports = nil }, "at least one port"},
		{"bad baud", func(c *Config) { c.BaudRate = 0 }, "baud must be positive"},
		{"ble needs no ports", func(c *Config) { c.Transport = TransportBLE; c.Ports = nil }, ""},
		{"zero retry delay", func(c *Config) { c.RetryDelay = 0 }, "retry_delay"},
		{"negative enabled poll", func(c *Config) { c.EnabledPollInterval = -time.Second }, "enabled_poll_interval"},
		{"negative history", func(c *Config) { c.HistoryLimit = -1 }, "history_limit"},
		{"bad read mode", func(c *Config) { c.ReadMode = "push" }, "unknown read mode"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"bad charset", func(c *Config) { c.Charset = "koi8-r" }, "unknown charset"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad output format", func(c *Config) { c.OutputFormat = "csv" }, "unknown output format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "falls back to info", logLevel: "chatty", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		in       string
		target   string
		wantName string
		wantPath string
		wantErr  bool
	}{
		{in: "HC-05=/dev/rfcomm0", wantName: "HC-05", wantPath: "/dev/rfcomm0"},
		{in: " Dryer = /dev/ttyUSB0 ", wantName: "Dryer", wantPath: "/dev/ttyUSB0"},
		{in: "/dev/rfcomm2", wantName: "HC-05", wantPath: "/dev/rfcomm2"},
		{in: "/dev/rfcomm3", target: "Garage", wantName: "Garage", wantPath: "/dev/rfcomm3"},
		{in: "Spare=/dev/rfcomm4", target: "Garage", wantName: "Spare", wantPath: "/dev/rfcomm4"},
		{in: "=/dev/rfcomm0", wantErr: true},
		{in: "HC-05=", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, path, err := ParsePort(tt.in, tt.target)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}
