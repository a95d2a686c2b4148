// Package monitor turns the connection manager's published session into a
// stream of decoded readings and a frame history.
package monitor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/groutine"
	"github.com/srg/humlink/internal/history"
	"github.com/srg/humlink/internal/peripheral"
	"github.com/srg/humlink/internal/telemetry"
	"github.com/srg/humlink/pkg/connection"
)

// ReadMode selects how frames are pulled off the session.
type ReadMode string

const (
	// ReadModeStream consumes DataReceived events as the transport emits them.
	ReadModeStream ReadMode = "stream"
	// ReadModePoll drains Session.ReadAvailable on a fixed interval.
	ReadModePoll ReadMode = "poll"
)

// pendingLimit bounds the frames held while no session is published.
const pendingLimit = 64

// DefaultPollInterval is the drain period used in poll mode.
const DefaultPollInterval = 3 * time.Second

// ParseReadMode validates a read mode name; empty means stream.
func ParseReadMode(s string) (ReadMode, error) {
	switch ReadMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReadModeStream:
		return ReadModeStream, nil
	case ReadModePoll:
		return ReadModePoll, nil
	default:
		return "", fmt.Errorf("unknown read mode %q (expected %q or %q)", s, ReadModeStream, ReadModePoll)
	}
}

// Options configures a Monitor.
type Options struct {
	ReadMode     ReadMode
	PollInterval time.Duration
	HistoryLimit int
}

// DefaultOptions returns stream mode with the default history retention.
func DefaultOptions() Options {
	return Options{
		ReadMode:     ReadModeStream,
		PollInterval: DefaultPollInterval,
		HistoryLimit: history.DefaultLimit,
	}
}

// ReadingHandler receives every successfully decoded frame.
type ReadingHandler func(reading telemetry.Reading, entry history.Entry)

// Monitor follows the published handle, records every frame it sees and
// keeps the latest decoded reading. Malformed frames are recorded but leave
// the latest reading untouched.
type Monitor struct {
	transport peripheral.Transport
	published *connection.Slot[*connection.Handle]
	opts      Options
	history   *history.Buffer
	logger    *logrus.Logger

	mu          sync.RWMutex
	latest      telemetry.Reading
	hasLatest   bool
	onReading   ReadingHandler
	onFailure   func(connection.Failure)
	mirror      io.Writer
	decodeFails uint64

	// frames that arrived while a session was being connected
	pendingMu sync.Mutex
	pending   []peripheral.Event
}

// New creates a Monitor reading from the sessions published in slot.
func New(transport peripheral.Transport, published *connection.Slot[*connection.Handle], opts Options, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ReadMode == "" {
		opts.ReadMode = ReadModeStream
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	return &Monitor{
		transport: transport,
		published: published,
		opts:      opts,
		history:   history.New(opts.HistoryLimit),
		logger:    logger,
	}
}

// OnReading sets the handler called for each decoded frame.
func (m *Monitor) OnReading(fn ReadingHandler) {
	m.mu.Lock()
	m.onReading = fn
	m.mu.Unlock()
}

// OnDecodeFailure sets the handler called for each malformed frame.
func (m *Monitor) OnDecodeFailure(fn func(connection.Failure)) {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
}

// SetMirror copies every received frame, newline terminated, to w.
// Pass nil to stop mirroring.
func (m *Monitor) SetMirror(w io.Writer) {
	m.mu.Lock()
	m.mirror = w
	m.mu.Unlock()
}

// Latest returns the most recent successfully decoded reading.
func (m *Monitor) Latest() (telemetry.Reading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// History returns the frame log.
func (m *Monitor) History() *history.Buffer {
	return m.history
}

// DecodeFailures returns how many received frames could not be decoded.
func (m *Monitor) DecodeFailures() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.decodeFails
}

// Run follows the published handle until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	handles, cancel := m.published.Subscribe()
	defer cancel()

	if m.opts.ReadMode == ReadModeStream {
		sub := m.transport.AddListener(peripheral.EventDataReceived, m.handleData)
		defer sub.Remove()
	}

	m.logger.WithFields(logrus.Fields{
		"read_mode":     m.opts.ReadMode,
		"poll_interval": m.opts.PollInterval,
		"history_limit": m.opts.HistoryLimit,
	}).Debug("Monitor started")

	var stopPoll context.CancelFunc
	defer func() {
		if stopPoll != nil {
			stopPoll()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Monitor stopped")
			return nil
		case h, ok := <-handles:
			if !ok {
				return nil
			}
			if stopPoll != nil {
				stopPoll()
				stopPoll = nil
			}
			if h == nil {
				m.logger.Debug("Monitor waiting for a session")
				continue
			}
			m.logger.WithField("device", h.Descriptor.String()).Debug("Monitor attached to session")
			m.pendingMu.Lock()
			m.flushPendingLocked(h)
			m.pendingMu.Unlock()
			if m.opts.ReadMode == ReadModePoll {
				pollCtx, cancelPoll := context.WithCancel(ctx)
				stopPoll = cancelPoll
				groutine.Go(pollCtx, "monitor-poll", func(ctx context.Context) {
					m.poll(ctx, h)
				})
			}
		}
	}
}

// Send writes one command line to the current session and records it.
func (m *Monitor) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h := m.published.Load()
	if h == nil {
		return peripheral.ErrNotConnected
	}

	line := strings.TrimRight(text, "\r\n")
	if err := h.Session.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("failed to send to %s: %w", h.Descriptor, err)
	}

	m.history.Record(history.Frame{
		Payload:   []byte(line),
		Direction: history.Sent,
	})
	m.logger.WithField("frame", line).Debug("Frame sent")
	return nil
}

// Ingest records and decodes one received frame. Run calls it for every
// frame of the current session; it is exported for replaying captured logs.
func (m *Monitor) Ingest(device peripheral.Descriptor, frame []byte, receivedAt time.Time) {
	payload := make([]byte, len(frame))
	copy(payload, frame)

	entry := m.history.Record(history.Frame{
		Payload:    payload,
		ReceivedAt: receivedAt,
		Direction:  history.Received,
	})

	m.mu.RLock()
	mirror := m.mirror
	m.mu.RUnlock()
	if mirror != nil {
		if _, err := mirror.Write(append(append([]byte(nil), payload...), '\n')); err != nil {
			m.logger.WithError(err).Debug("Mirror write failed")
		}
	}

	reading, err := telemetry.Decode(string(payload))
	if err != nil {
		m.mu.Lock()
		m.decodeFails++
		onFailure := m.onFailure
		m.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"device": device.String(),
			"frame":  string(payload),
			"kind":   connection.DecodeFailure.String(),
		}).WithError(err).Warn("Dropping malformed frame")

		if onFailure != nil {
			onFailure(connection.Failure{Kind: connection.DecodeFailure, Device: device, Err: err})
		}
		return
	}

	m.mu.Lock()
	m.latest = reading
	m.hasLatest = true
	onReading := m.onReading
	m.mu.Unlock()

	if onReading != nil {
		onReading(reading, entry)
	}
}

func (m *Monitor) handleData(ev peripheral.Event) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	h := m.published.Load()
	if h == nil {
		// The transport may deliver frames from inside Connect, before the
		// handle is published. Hold them until it is.
		if len(m.pending) == pendingLimit {
			m.pending = m.pending[1:]
		}
		m.pending = append(m.pending, ev)
		return
	}

	m.flushPendingLocked(h)
	if h.Descriptor.ID != ev.Device.ID {
		m.logger.WithField("device", ev.Device.String()).Debug("Ignoring frame from a session that is not current")
		return
	}
	m.Ingest(ev.Device, ev.Data, ev.ReceivedAt)
}

// flushPendingLocked ingests held frames that belong to h and drops the rest.
func (m *Monitor) flushPendingLocked(h *connection.Handle) {
	for _, ev := range m.pending {
		if ev.Device.ID != h.Descriptor.ID {
			m.logger.WithField("device", ev.Device.String()).Debug("Dropping held frame from another device")
			continue
		}
		m.Ingest(ev.Device, ev.Data, ev.ReceivedAt)
	}
	m.pending = nil
}

func (m *Monitor) poll(ctx context.Context, h *connection.Handle) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drain(ctx, h)
		}
	}
}

// drain reads until the session reports nothing buffered.
func (m *Monitor) drain(ctx context.Context, h *connection.Handle) {
	for ctx.Err() == nil {
		frame, err := h.Session.ReadAvailable()
		if err != nil {
			m.logger.WithError(err).WithField("device", h.Descriptor.String()).Debug("Poll read failed")
			return
		}
		if frame == nil {
			return
		}
		m.Ingest(h.Descriptor, frame, time.Now())
	}
}
