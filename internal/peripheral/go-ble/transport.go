// Package goble implements peripheral.Transport over BLE with go-ble, talking
// to UART bridges that expose the Nordic UART service.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/peripheral"
)

// Radio is the subset of ble.Device the transport uses.
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
}

// DeviceFactory opens the host radio. It is a variable so tests can swap it.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformRadio

// Options configures the BLE transport.
type Options struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	// Target, when set, ends a discovery scan as soon as it is seen.
	Target         string
	ServiceUUID    ble.UUID
	TxCharUUID     ble.UUID
	RxCharUUID     ble.UUID
	WriteChunkSize int
	WriteDelay     time.Duration
	InboxSize      int
	MaxFrame       int
}

// DefaultOptions returns options for a Nordic UART bridge.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:    5 * time.Second,
		ConnectTimeout: 30 * time.Second,
		ServiceUUID:    SerialServiceUUID,
		TxCharUUID:     SerialTxCharUUID,
		RxCharUUID:     SerialRxCharUUID,
		WriteChunkSize: DefaultWriteChunkSize,
		WriteDelay:     DefaultWriteDelay,
		InboxSize:      peripheral.DefaultInboxSize,
		MaxFrame:       peripheral.DefaultMaxFrame,
	}
}

// Transport is a peripheral.Transport backed by the host BLE radio.
// A peripheral counts as paired when it advertises during a discovery scan.
type Transport struct {
	opts   Options
	logger *logrus.Logger
	hub    *peripheral.Hub

	mu      sync.Mutex
	radio   Radio
	charset peripheral.Charset
	session *uartSession
	names   map[string]string
	dial    func(ctx context.Context, radio Radio, addr string) (uartClient, error)
}

// New creates a BLE transport. The radio is opened lazily.
func New(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ServiceUUID == nil {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.TxCharUUID == nil {
		opts.TxCharUUID = def.TxCharUUID
	}
	if opts.RxCharUUID == nil {
		opts.RxCharUUID = def.RxCharUUID
	}

	return &Transport{
		opts:    opts,
		logger:  logger,
		hub:     peripheral.NewHub(logger),
		charset: peripheral.CharsetASCII,
		dial:    dialRadio,
	}
}

func dialRadio(ctx context.Context, radio Radio, addr string) (uartClient, error) {
	return radio.Dial(ctx, ble.NewAddr(addr))
}

func (t *Transport) openRadio() (Radio, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.radio != nil {
		return t.radio, nil
	}
	radio, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	t.radio = radio
	return radio, nil
}

// IsEnabled reports whether the host radio can be opened. A powered-off
// radio is reported as (false, nil).
func (t *Transport) IsEnabled(ctx context.Context) (bool, error) {
	_, err := t.openRadio()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, peripheral.ErrRadioOff):
		t.logger.WithError(err).Debug("BLE radio is off")
		return false, nil
	default:
		return false, fmt.Errorf("failed to open BLE radio: %w", err)
	}
}

// ListPaired scans for ScanTimeout and returns every advertising peripheral.
func (t *Transport) ListPaired(ctx context.Context) ([]peripheral.Descriptor, error) {
	radio, err := t.openRadio()
	if err != nil {
		return nil, err
	}

	opts := DefaultScanOptions()
	opts.Duration = t.opts.ScanTimeout
	opts.ServiceUUIDs = []ble.UUID{t.opts.ServiceUUID}
	opts.StopOnName = t.opts.Target

	found, err := NewScanner(radio, t.logger).Scan(ctx, opts, nil)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.names = make(map[string]string, len(found))
	for _, d := range found {
		t.names[d.ID] = d.Name
	}
	t.mu.Unlock()
	return found, nil
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

// Connect dials the peripheral at address id and opens a UART session.
func (t *Transport) Connect(ctx context.Context, id string) (peripheral.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	t.mu.Lock()
	if t.session != nil && !t.session.isClosed() {
		t.mu.Unlock()
		return nil, peripheral.ErrAlreadyConnected
	}
	charset := t.charset
	name := t.names[id]
	t.mu.Unlock()

	radio, err := t.openRadio()
	if err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"address": id,
		"timeout": t.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	client, err := t.dial(dialCtx, radio, id)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", id, NormalizeError(err))
	}

	desc := peripheral.Descriptor{ID: id, Name: name}
	session, err := openUARTSession(desc, client, t.opts, charset, t.hub, t.logger)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.session = session
	t.mu.Unlock()
	return session, nil
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
