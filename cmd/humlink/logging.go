package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/humlink/pkg/config"
)

// configureLogger creates the command's logger. --log-level takes precedence
// over the config file; the logger writes to the command's error stream.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	if levelStr, _ := cmd.Flags().GetString("log-level"); levelStr != "" {
		if _, err := logrus.ParseLevel(levelStr); err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
		}
		cfg.LogLevel = levelStr
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
