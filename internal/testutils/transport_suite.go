package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// FakeTransportSuite is a reusable testify suite that hands every test a fresh
// FakeTransport and a RecordingNotifier.
//
// Basic usage:
//
//	type ManagerSuite struct {
//	    testutils.FakeTransportSuite
//	}
//
//	func TestManagerSuite(t *testing.T) {
//	    suite.Run(t, new(ManagerSuite))
//	}
//
//	func (s *ManagerSuite) TestConnects() {
//	    s.Transport.WithDevices(peripheral.Descriptor{ID: "a", Name: "HC-05"})
//	    ...
//	}
//
// Suites that override SetupTest must call the parent first.
type FakeTransportSuite struct {
	suite.Suite

	Logger    *logrus.Logger
	Logs      *SyncBuffer
	Transport *FakeTransport
	Notifier  *RecordingNotifier
}

func (s *FakeTransportSuite) SetupTest() {
	s.Logger, s.Logs = CapturedLogger(logrus.DebugLevel)
	s.Transport = NewFakeTransport(s.Logger)
	s.Notifier = &RecordingNotifier{}
}
