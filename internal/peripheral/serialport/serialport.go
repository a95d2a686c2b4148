// Package serialport implements peripheral.Transport over serial ports, such
// as an RFCOMM binding (/dev/rfcomm0) of a classic Bluetooth SPP module.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/groutine"
	"github.com/srg/humlink/internal/peripheral"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches the factory setting of HC-05 modules.
	DefaultBaudRate = 9600

	// DefaultReadTimeout bounds a single blocking read so Close stays prompt.
	DefaultReadTimeout = 500 * time.Millisecond

	readBufSize = 1024
)

// Options configures the serial transport.
type Options struct {
	// Ports maps a peripheral name to its port path.
	Ports       map[string]string
	BaudRate    int
	ReadTimeout time.Duration
	InboxSize   int
	MaxFrame    int
}

// Transport is a peripheral.Transport over configured serial ports. A
// configured peripheral counts as paired while its port path exists.
type Transport struct {
	opts   Options
	logger *logrus.Logger
	hub    *peripheral.Hub

	open      func(path string, mode *serial.Mode) (serial.Port, error)
	listPorts func() ([]string, error)
	stat      func(path string) error

	mu      sync.Mutex
	charset peripheral.Charset
	session *portSession
}

// New creates a serial transport.
func New(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	return &Transport{
		opts:      opts,
		logger:    logger,
		hub:       peripheral.NewHub(logger),
		open:      serial.Open,
		listPorts: serial.GetPortsList,
		stat: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
		charset: peripheral.CharsetASCII,
	}
}

// IsEnabled reports whether serial ports can be enumerated at all.
func (t *Transport) IsEnabled(ctx context.Context) (bool, error) {
	if _, err := t.listPorts(); err != nil {
		t.logger.WithError(err).Warn("Serial port enumeration failed")
		return false, nil
	}
	return true, nil
}

// ListPaired returns every configured peripheral whose port is present,
// sorted by name.
func (t *Transport) ListPaired(ctx context.Context) ([]peripheral.Descriptor, error) {
	ports, err := t.listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	present := make(map[string]bool, len(ports))
	for _, p := range ports {
		present[p] = true
	}

	out := make([]peripheral.Descriptor, 0, len(t.opts.Ports))
	for name, path := range t.opts.Ports {
		if present[path] || t.stat(path) == nil {
			out = append(out, peripheral.Descriptor{ID: path, Name: name})
			continue
		}
		t.logger.WithFields(logrus.Fields{
			"name": name,
			"port": path,
		}).Debug("Configured port is not present")
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetEncoding selects the charset for sessions opened afterwards.
func (t *Transport) SetEncoding(charset peripheral.Charset) error {
	switch charset {
	case peripheral.CharsetASCII, peripheral.CharsetUTF8:
	default:
		return fmt.Errorf("%w: %q", peripheral.ErrUnknownCharset, string(charset))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.charset = charset
	return nil
}

// Connect opens the port at path id.
func (t *Transport) Connect(ctx context.Context, id string) (peripheral.Session, error) {
	name, ok := t.nameOf(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", peripheral.ErrUnknownPeripheral, id)
	}

	t.mu.Lock()
	if t.session != nil && !t.session.isClosed() {
		t.mu.Unlock()
		return nil, peripheral.ErrAlreadyConnected
	}
	charset := t.charset
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := t.logger.WithFields(logrus.Fields{
		"port": id,
		"baud": t.opts.BaudRate,
	})
	log.Info("Opening serial port...")

	port, err := t.open(id, &serial.Mode{
		BaudRate: t.opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", id, err)
	}
	if err := port.SetReadTimeout(t.opts.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("setting read timeout on %s: %w", id, err)
	}

	desc := peripheral.Descriptor{ID: id, Name: name}
	s := &portSession{
		desc:     desc,
		port:     port,
		receiver: peripheral.NewReceiver(desc, charset, t.hub, t.opts.InboxSize, t.opts.MaxFrame),
		hub:      t.hub,
		logger:   t.logger,
		done:     make(chan struct{}),
	}
	groutine.Go(context.Background(), "serial-read-loop", s.readLoop)

	t.mu.Lock()
	t.session = s
	t.mu.Unlock()

	log.Info("Serial session established")
	return s, nil
}

func (t *Transport) nameOf(path string) (string, bool) {
	for name, p := range t.opts.Ports {
		if p == path {
			return name, true
		}
	}
	return "", false
}

// Disconnect closes the current session and emits EventDisconnected.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	s := t.session
	t.session = nil
	t.mu.Unlock()

	if s == nil {
		return peripheral.ErrNotConnected
	}
	err := s.Close()
	t.hub.Emit(peripheral.Event{Kind: peripheral.EventDisconnected, Device: s.desc, ReceivedAt: time.Now()})
	return err
}

// AddListener implements peripheral.Transport.
func (t *Transport) AddListener(kind peripheral.EventKind, handler peripheral.Handler) peripheral.Subscription {
	return t.hub.AddListener(kind, handler)
}

type portSession struct {
	desc     peripheral.Descriptor
	port     serial.Port
	receiver *peripheral.Receiver
	hub      *peripheral.Hub
	logger   *logrus.Logger
	done     chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (s *portSession) readLoop(ctx context.Context) {
	defer close(s.done)

	buf := make([]byte, readBufSize)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			s.receiver.Feed(buf[:n])
		}
		if err == nil {
			// n == 0 is a read timeout
			if s.isClosed() {
				return
			}
			continue
		}

		if !s.markClosed() {
			return
		}
		s.receiver.Flush()
		_ = s.port.Close()

		kind := peripheral.EventError
		if isDisconnectionError(err) {
			kind = peripheral.EventConnectionLost
		}
		s.logger.WithFields(logrus.Fields{
			"port":  s.desc.ID,
			"event": kind.String(),
		}).WithError(err).Warn("Serial read failed")

		s.hub.Emit(peripheral.Event{
			Kind:       kind,
			Device:     s.desc,
			Err:        err,
			ReceivedAt: time.Now(),
		})
		return
	}
}

func (s *portSession) Descriptor() peripheral.Descriptor {
	return s.desc
}

func (s *portSession) ReadAvailable() ([]byte, error) {
	if frame := s.receiver.Pop(); frame != nil {
		return frame, nil
	}
	if s.isClosed() {
		return nil, peripheral.ErrNotConnected
	}
	return nil, nil
}

func (s *portSession) Write(data []byte) error {
	if s.isClosed() {
		return peripheral.ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for len(data) > 0 {
		n, err := s.port.Write(data)
		if err != nil {
			return fmt.Errorf("writing to serial port: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// Close closes the port and waits for the read loop to exit.
func (s *portSession) Close() error {
	if !s.markClosed() {
		<-s.done
		return nil
	}
	err := s.port.Close()
	<-s.done
	return err
}

// markClosed flips the session to closed and reports whether this call did it.
func (s *portSession) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *portSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// isDisconnectionError reports whether err means the device went away rather
// than a configuration or permission problem.
func isDisconnectionError(err error) bool {
	if err == nil {
		return false
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return isDisconnectionCode(portErr.Code())
	}
	var portErrValue serial.PortError
	if errors.As(err, &portErrValue) {
		return isDisconnectionCode(portErrValue.Code())
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "no such device") ||
		strings.Contains(errStr, "device not found") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "device disconnected")
}

func isDisconnectionCode(code serial.PortErrorCode) bool {
	switch code {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return true
	default:
		return false
	}
}
