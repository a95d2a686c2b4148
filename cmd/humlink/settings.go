package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/humlink/internal/peripheral"
	goble "github.com/srg/humlink/internal/peripheral/go-ble"
	"github.com/srg/humlink/internal/peripheral/serialport"
	"github.com/srg/humlink/pkg/config"
)

// transportFactory builds the transport selected by cfg; tests replace it.
var transportFactory = newTransport

func newTransport(cfg *config.Config, logger *logrus.Logger) (peripheral.Transport, error) {
	switch cfg.Transport {
	case config.TransportBLE:
		return goble.New(cfg.BLEOptions(), logger), nil
	case config.TransportSerial:
		return serialport.New(cfg.SerialOptions(), logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func addCommonFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("transport", "", "Transport: serial (RFCOMM/USB serial) or ble (Nordic UART)")
	flags.String("target", "", "Exact name of the controller to connect to (default HC-05)")
	flags.StringArray("port", nil, "Serial port binding name=path; repeatable (default HC-05=/dev/rfcomm0)")
	flags.Int("baud", 0, "Serial baud rate (default 9600)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
}

// loadSettings loads the config file, applies flag overrides and returns the
// validated config with its logger.
func loadSettings(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport, _ = flags.GetString("transport")
	}
	if flags.Changed("target") {
		target, _ := flags.GetString("target")
		cfg.Retarget(target)
	}
	if flags.Changed("port") {
		bindings, _ := flags.GetStringArray("port")
		ports := make(map[string]string, len(bindings))
		for _, b := range bindings {
			name, path, err := config.ParsePort(b, cfg.Target)
			if err != nil {
				return nil, nil, err
			}
			ports[name] = path
		}
		cfg.Ports = ports
	}
	if flags.Changed("baud") {
		cfg.BaudRate, _ = flags.GetInt("baud")
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
