package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/humlink/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// settingsFor parses args on a bare command carrying the common flags.
func settingsFor(t *testing.T, args ...string) (*config.Config, *logrus.Logger, error) {
	t.Helper()
	for _, name := range []string{"HUMLINK_TARGET", "HUMLINK_TRANSPORT", "HUMLINK_LOG_LEVEL", "HUMLINK_PORT"} {
		t.Setenv(name, "")
	}

	var (
		cfg    *config.Config
		logger *logrus.Logger
		err    error
	)
	cmd := &cobra.Command{
		Use:           "settings",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err = loadSettings(cmd)
			return nil
		},
	}
	addCommonFlags(cmd)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return cfg, logger, err
}

func TestLoadSettingsDefaults(t *testing.T) {
	cfg, logger, err := settingsFor(t)
	require.NoError(t, err)

	assert.Equal(t, "HC-05", cfg.Target)
	assert.Equal(t, config.TransportSerial, cfg.Transport)
	assert.Equal(t, map[string]string{"HC-05": config.DefaultPort}, cfg.Ports)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestLoadSettingsTargetCarriesDefaultPort(t *testing.T) {
	cfg, _, err := settingsFor(t, "--target", "HC-06")
	require.NoError(t, err)

	assert.Equal(t, "HC-06", cfg.Target)
	assert.Equal(t, map[string]string{"HC-06": config.DefaultPort}, cfg.Ports)
}

func TestLoadSettingsPorts(t *testing.T) {
	cfg, _, err := settingsFor(t, "--target", "Garage", "--port", "/dev/ttyUSB0", "--port", "Spare=/dev/ttyUSB1")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"Garage": "/dev/ttyUSB0", "Spare": "/dev/ttyUSB1"}, cfg.Ports)
}

func TestLoadSettingsFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "humlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: ble\nlog_level: warn\nbaud: 115200\n"), 0o600))

	cfg, logger, err := settingsFor(t, "--config", path, "--log-level", "debug", "--baud", "38400")
	require.NoError(t, err)

	assert.Equal(t, config.TransportBLE, cfg.Transport)
	assert.Equal(t, 38400, cfg.BaudRate)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestLoadSettingsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad log level", []string{"--log-level", "loud"}, "invalid log level"},
		{"bad transport", []string{"--transport", "zigbee"}, "invalid configuration"},
		{"bad baud", []string{"--baud", "0"}, "invalid configuration"},
		{"bad port", []string{"--port", "HC-05="}, "port"},
		{"missing file", []string{"--config", "/nonexistent/humlink.yaml"}, "read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := settingsFor(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
