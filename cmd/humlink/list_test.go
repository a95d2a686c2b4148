package main

import (
	"errors"
	"testing"

	"github.com/srg/humlink/internal/peripheral"
	"github.com/srg/humlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ListCommandSuite struct {
	CommandTestSuite
}

func TestListCommandSuite(t *testing.T) {
	suite.Run(t, new(ListCommandSuite))
}

func (s *ListCommandSuite) TestTable() {
	s.Transport.WithDevices(hc05, peripheral.Descriptor{ID: "/dev/ttyUSB0"})

	out, err := s.ExecuteCommand("list")
	s.Require().NoError(err)

	s.Contains(out, "NAME       ID")
	s.Contains(out, "HC-05      00:21:13:00:AA:01")
	s.Contains(out, "(unnamed)  /dev/ttyUSB0")
}

func (s *ListCommandSuite) TestJSON() {
	s.Transport.WithDevices(hc05)

	out, err := s.ExecuteCommand("list", "--format", "json", "--log-level", "error")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `[{"id": "00:21:13:00:AA:01", "name": "HC-05"}]`)
}

func (s *ListCommandSuite) TestEmpty() {
	out, err := s.ExecuteCommand("list")
	s.Require().NoError(err)
	s.Contains(out, "No peripherals found")

	out, err = s.ExecuteCommand("list", "--format", "json", "--log-level", "error")
	s.Require().NoError(err)
	s.JSONEq(`[]`, out)
}

func (s *ListCommandSuite) TestFailEmpty() {
	_, err := s.ExecuteCommand("list", "--fail-empty")
	s.ErrorIs(err, ErrNoDevices)
}

func (s *ListCommandSuite) TestRadioOff() {
	s.Transport.WithEnabled(false).WithDevices(hc05)

	_, err := s.ExecuteCommand("list")
	s.ErrorIs(err, peripheral.ErrRadioOff)
	s.Zero(s.Transport.CallCount("ListPaired"))
}

func (s *ListCommandSuite) TestDiscoveryError() {
	s.Transport.WithListErrors(errors.New("rfcomm: permission denied"))

	_, err := s.ExecuteCommand("list")
	s.Require().Error(err)
	s.Contains(err.Error(), "discovery failed: rfcomm: permission denied")
}

func (s *ListCommandSuite) TestInvalidFormat() {
	_, err := s.ExecuteCommand("list", "--format", "yaml")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid format 'yaml'")
}
