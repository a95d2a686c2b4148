package main

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/peripheral"
	"github.com/srg/humlink/internal/testutils"
	"github.com/srg/humlink/pkg/config"
)

var hc05 = peripheral.Descriptor{ID: "00:21:13:00:AA:01", Name: "HC-05"}

// CommandTestSuite runs commands against a FakeTransport.
// All cmd/humlink test suites should embed this instead of FakeTransportSuite.
type CommandTestSuite struct {
	testutils.FakeTransportSuite

	restoreFactory func()
	noColor        bool
}

func (s *CommandTestSuite) SetupTest() {
	s.FakeTransportSuite.SetupTest()

	s.noColor = color.NoColor
	color.NoColor = true

	previous := transportFactory
	transportFactory = func(cfg *config.Config, logger *logrus.Logger) (peripheral.Transport, error) {
		return s.Transport, nil
	}
	s.restoreFactory = func() { transportFactory = previous }

	for _, name := range []string{"HUMLINK_TARGET", "HUMLINK_TRANSPORT", "HUMLINK_LOG_LEVEL", "HUMLINK_PORT"} {
		s.T().Setenv(name, "")
	}
}

func (s *CommandTestSuite) TearDownTest() {
	s.restoreFactory()
	color.NoColor = s.noColor
}

// ExecuteCommand runs a fresh root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandWithInput("", args...)
}

// ExecuteCommandWithInput is ExecuteCommand with stdin set to input.
func (s *CommandTestSuite) ExecuteCommandWithInput(input string, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd := newRootCmd()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// StartCommand runs a fresh root command in the background until ctx is
// cancelled. Output is safe to read while the command runs.
func (s *CommandTestSuite) StartCommand(ctx context.Context, in io.Reader, args ...string) (*testutils.SyncBuffer, <-chan error) {
	out := &testutils.SyncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	if in != nil {
		cmd.SetIn(in)
	}
	cmd.SetArgs(args)

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	return out, done
}
