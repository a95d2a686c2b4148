package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/humlink/internal/history"
	"github.com/srg/humlink/internal/peripheral"
	"github.com/srg/humlink/internal/telemetry"
	"github.com/srg/humlink/internal/testutils"
	"github.com/srg/humlink/pkg/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	referenceFrame = `{"i":{"rH":55,"aH":10,"T":21},"e":"error","m":0}`
)

var hc05 = peripheral.Descriptor{ID: "00:21:13:00:AA:01", Name: "HC-05"}

type MonitorSuite struct {
	testutils.FakeTransportSuite

	opts    Options
	manager *connection.Manager
	monitor *Monitor
	cancel  context.CancelFunc
	done    chan error

	mu       sync.Mutex
	readings []telemetry.Reading
	failures []connection.Failure
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}

func (s *MonitorSuite) SetupTest() {
	s.FakeTransportSuite.SetupTest()
	s.Transport.WithDevices(hc05)
	s.opts = DefaultOptions()
	s.manager = nil
	s.monitor = nil
	s.readings = nil
	s.failures = nil
}

func (s *MonitorSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		s.NoError(<-s.done)
		s.cancel = nil
	}
	if s.manager != nil {
		s.NoError(s.manager.Stop())
	}
}

// start launches the manager and the monitor and waits until a session is
// published and, in stream mode, the data listener is registered.
func (s *MonitorSuite) start() *Monitor {
	opts := connection.DefaultOptions("HC-05")
	opts.RetryDelay = 20 * time.Millisecond
	opts.EnabledPollInterval = 0
	s.manager = connection.NewManager(s.Transport, opts, s.Notifier, s.Logger)

	s.monitor = New(s.Transport, s.manager.Published(), s.opts, s.Logger)
	s.monitor.OnReading(func(r telemetry.Reading, _ history.Entry) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.readings = append(s.readings, r)
	})
	s.monitor.OnDecodeFailure(func(f connection.Failure) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.failures = append(s.failures, f)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.monitor.Run(ctx) }()

	s.Require().NoError(s.manager.Start(context.Background()))
	s.Require().Eventually(func() bool { return s.manager.State() == connection.Connected }, waitFor, tick)
	if s.opts.ReadMode == ReadModeStream {
		s.Require().Eventually(func() bool {
			return s.Transport.ListenerCount(peripheral.EventDataReceived) == 1
		}, waitFor, tick)
	}
	return s.monitor
}

func (s *MonitorSuite) readingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

func (s *MonitorSuite) TestStreamDecodesReferenceFrame() {
	m := s.start()

	s.Require().True(s.Transport.Deliver(referenceFrame))

	latest, ok := m.Latest()
	s.Require().True(ok)
	testutils.NewJSONAsserter(s.T()).AssertReading(latest, `{
		"internal": {"status": "ok", "rH": "55%", "aH": "10г*м³", "T": "21°С"},
		"external": {"status": "sensor_error", "rH": "error", "aH": "error", "T": "error"},
		"motor": false
	}`)
	s.Equal(1, s.readingCount())

	entry, ok := m.History().Latest()
	s.Require().True(ok)
	s.Equal(referenceFrame, entry.Frame.Text())
	s.Equal(history.Received, entry.Frame.Direction)
}

func (s *MonitorSuite) TestMalformedFrameKeepsPreviousReading() {
	m := s.start()

	s.Require().True(s.Transport.Deliver(referenceFrame))
	s.Require().True(s.Transport.Deliver(`{"i":{"rH":`))

	latest, ok := m.Latest()
	s.Require().True(ok)
	s.Equal(telemetry.StatusOK, latest.Internal.Status)
	s.Equal(1, s.readingCount())
	s.Equal(uint64(1), m.DecodeFailures())

	s.Equal(2, m.History().Len(), "malformed frames are still recorded")
	newest, _ := m.History().Latest()
	s.Equal(`{"i":{"rH":`, newest.Frame.Text())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Require().Len(s.failures, 1)
	s.Equal(connection.DecodeFailure, s.failures[0].Kind)
	s.Equal(hc05, s.failures[0].Device)
	s.ErrorIs(&s.failures[0], telemetry.ErrMalformed)
}

func (s *MonitorSuite) TestHistoryIsNewestFirst() {
	m := s.start()

	frames := []string{
		`{"i":{"rH":50,"aH":9,"T":20},"e":"error","m":0}`,
		`{"i":{"rH":51,"aH":9,"T":20},"e":"error","m":1}`,
		`{"i":{"rH":52,"aH":9,"T":20},"e":"error","m":0}`,
	}
	for _, f := range frames {
		s.Require().True(s.Transport.Deliver(f))
	}

	entries := m.History().Entries()
	s.Require().Len(entries, len(frames))
	for i, e := range entries {
		s.Equal(frames[len(frames)-1-i], e.Frame.Text())
		if i > 0 {
			s.Greater(entries[i-1].Key, e.Key)
		}
	}
}

func (s *MonitorSuite) TestIgnoresFramesFromOtherDevices() {
	m := s.start()

	s.Transport.Emit(peripheral.Event{
		Kind:   peripheral.EventDataReceived,
		Device: peripheral.Descriptor{ID: "00:21:13:00:AA:99", Name: "HC-05"},
		Data:   []byte(referenceFrame),
	})

	s.Equal(0, m.History().Len())
	_, ok := m.Latest()
	s.False(ok)
}

func (s *MonitorSuite) TestRecordsFramesDeliveredWhileConnecting() {
	s.Transport.WithConnectHook(func(ctx context.Context, id string) {
		for s.Transport.ListenerCount(peripheral.EventDataReceived) == 0 && ctx.Err() == nil {
			time.Sleep(tick)
		}
		// serial links start reading inside Connect
		s.Transport.Emit(peripheral.Event{Kind: peripheral.EventDataReceived, Device: hc05, Data: []byte(referenceFrame)})
		s.Transport.Emit(peripheral.Event{
			Kind:   peripheral.EventDataReceived,
			Device: peripheral.Descriptor{ID: "00:21:13:00:AA:99", Name: "HC-05"},
			Data:   []byte("stray"),
		})
	})
	m := s.start()

	s.Require().Eventually(func() bool { return m.History().Len() == 1 }, waitFor, tick)
	latest, ok := m.History().Latest()
	s.Require().True(ok)
	s.Equal(referenceFrame, latest.Frame.Text())
	s.Equal(1, s.readingCount())

	s.Require().True(s.Transport.Deliver(`{"i":{"rH":60,"T":19},"e":"error","m":1}`))
	entries := m.History().Entries()
	s.Require().Len(entries, 2)
	s.Equal(referenceFrame, entries[1].Frame.Text(), "held frames keep their order")
}

func (s *MonitorSuite) TestFollowsReconnectedSession() {
	m := s.start()

	s.Require().True(s.Transport.Deliver(referenceFrame))
	s.Transport.SimulateConnectionLost(errors.New("socket closed"))
	s.Require().Eventually(func() bool { return len(s.Transport.Sessions()) == 2 }, waitFor, tick)
	s.Require().Eventually(func() bool { return s.manager.State() == connection.Connected }, waitFor, tick)

	s.Require().True(s.Transport.Deliver(`{"i":"error","e":{"rH":70,"aH":12,"T":18},"m":1}`))

	latest, ok := m.Latest()
	s.Require().True(ok)
	s.True(latest.MotorOn())
	s.Equal(telemetry.StatusSensorError, latest.Internal.Status)
	s.Equal(2, m.History().Len())
}

func (s *MonitorSuite) TestPollModeDrainsInbox() {
	s.opts.ReadMode = ReadModePoll
	s.opts.PollInterval = 10 * time.Millisecond
	m := s.start()

	s.Equal(0, s.Transport.ListenerCount(peripheral.EventDataReceived))

	s.Require().True(s.Transport.Deliver(referenceFrame))
	s.Require().True(s.Transport.Deliver(`not json`))

	s.Require().Eventually(func() bool { return m.History().Len() == 2 }, waitFor, tick)
	s.Equal(1, s.readingCount())
	s.Equal(uint64(1), m.DecodeFailures())
}

func (s *MonitorSuite) TestSendWritesLineAndRecords() {
	m := s.start()

	s.Require().NoError(m.Send(context.Background(), "status\r\n"))

	s.Equal([]string{"status\n"}, s.Transport.CurrentSession().Writes())
	entry, ok := m.History().Latest()
	s.Require().True(ok)
	s.Equal("status", entry.Frame.Text())
	s.Equal(history.Sent, entry.Frame.Direction)
}

func (s *MonitorSuite) TestSendWriteFailure() {
	m := s.start()
	s.Transport.CurrentSession().SetWriteError(errors.New("broken pipe"))

	err := m.Send(context.Background(), "status")

	s.Require().Error(err)
	s.Contains(err.Error(), "failed to send to HC-05")
	s.Equal(0, m.History().Len())
}

func (s *MonitorSuite) TestMirrorReceivesFrames() {
	m := s.start()
	mirror := &testutils.SyncBuffer{}
	m.SetMirror(mirror)

	s.Require().True(s.Transport.Deliver(referenceFrame))
	s.Require().True(s.Transport.Deliver("garbage"))

	s.Equal(referenceFrame+"\ngarbage\n", mirror.String())
}

func TestMonitor_SendWithoutSession(t *testing.T) {
	m := New(testutils.NewFakeTransport(nil), &connection.Slot[*connection.Handle]{}, DefaultOptions(), nil)

	err := m.Send(context.Background(), "status")
	assert.ErrorIs(t, err, peripheral.ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, "status"), context.Canceled)
}

func TestMonitor_HistoryLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.HistoryLimit = 2
	m := New(testutils.NewFakeTransport(nil), &connection.Slot[*connection.Handle]{}, opts, nil)

	for _, f := range []string{"a", "b", "c"} {
		m.Ingest(hc05, []byte(f), time.Time{})
	}

	entries := m.History().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Frame.Text())
	assert.Equal(t, "b", entries[1].Frame.Text())
	assert.Equal(t, uint64(1), m.History().Evicted())
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m := New(testutils.NewFakeTransport(nil), &connection.Slot[*connection.Handle]{}, DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseReadMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ReadMode
		wantErr bool
	}{
		{"", ReadModeStream, false},
		{"stream", ReadModeStream, false},
		{" Poll ", ReadModePoll, false},
		{"push", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReadMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
