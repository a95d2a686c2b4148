package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/groutine"
	"github.com/srg/humlink/internal/peripheral"
)

// SerialServiceUUID is the Nordic UART Service UUID used by BLE serial bridges.
var SerialServiceUUID = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")

// SerialTxCharUUID is the TX characteristic (device -> client).
var SerialTxCharUUID = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E")

// SerialRxCharUUID is the RX characteristic (client -> device).
var SerialRxCharUUID = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")

const (
	// DefaultWriteChunkSize keeps writes within the 20 byte ATT payload of BLE 4.0.
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay spaces consecutive chunks.
	DefaultWriteDelay = 10 * time.Millisecond
)

// uartClient is the part of ble.Client a UART session needs.
type uartClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// uartSession is a peripheral.Session over the Nordic UART service.
type uartSession struct {
	desc     peripheral.Descriptor
	client   uartClient
	rx       *ble.Characteristic
	receiver *peripheral.Receiver
	hub      *peripheral.Hub
	logger   *logrus.Logger

	writeMu    sync.Mutex
	chunkSize  int
	chunkDelay time.Duration

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

func openUARTSession(desc peripheral.Descriptor, client uartClient, opts Options, charset peripheral.Charset, hub *peripheral.Hub, logger *logrus.Logger) (*uartSession, error) {
	log := logger.WithField("address", desc.ID)

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		cancelQuietly(client, logger)
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	var service *ble.Service
	for _, svc := range profile.Services {
		if svc.UUID.Equal(opts.ServiceUUID) {
			service = svc
			break
		}
	}
	if service == nil {
		cancelQuietly(client, logger)
		return nil, fmt.Errorf("serial service %s not found", opts.ServiceUUID.String())
	}
	log.WithField("service", service.UUID.String()).Debug("Found serial service")

	var tx, rx *ble.Characteristic
	for _, char := range service.Characteristics {
		switch {
		case char.UUID.Equal(opts.TxCharUUID):
			tx = char
		case char.UUID.Equal(opts.RxCharUUID):
			rx = char
		}
	}
	if tx == nil {
		cancelQuietly(client, logger)
		return nil, fmt.Errorf("TX characteristic %s not found", opts.TxCharUUID.String())
	}
	if rx == nil {
		cancelQuietly(client, logger)
		return nil, fmt.Errorf("RX characteristic %s not found", opts.RxCharUUID.String())
	}

	s := &uartSession{
		desc:       desc,
		client:     client,
		rx:         rx,
		receiver:   peripheral.NewReceiver(desc, charset, hub, opts.InboxSize, opts.MaxFrame),
		hub:        hub,
		logger:     logger,
		chunkSize:  opts.WriteChunkSize,
		chunkDelay: opts.WriteDelay,
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultWriteChunkSize
	}

	if err := client.Subscribe(tx, false, s.receiver.Feed); err != nil {
		cancelQuietly(client, logger)
		return nil, fmt.Errorf("failed to subscribe to TX characteristic: %w", NormalizeError(err))
	}

	s.watchDisconnect()
	log.Info("BLE serial session established")
	return s, nil
}

// watchDisconnect reports a link dropped by the stack as EventConnectionLost.
func (s *uartSession) watchDisconnect() {
	dc, ok := s.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		s.logger.Debug("Client does not expose Disconnected(), link loss is detected on write only")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	groutine.Go(ctx, "ble-session-monitor", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-dc.Disconnected():
			s.lost(peripheral.ErrNotConnected)
		}
	})
}

func (s *uartSession) lost(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.receiver.Flush()
	s.logger.WithField("address", s.desc.ID).WithError(cause).Warn("BLE link lost")
	s.hub.Emit(peripheral.Event{
		Kind:       peripheral.EventConnectionLost,
		Device:     s.desc,
		Err:        cause,
		ReceivedAt: time.Now(),
	})
}

func (s *uartSession) Descriptor() peripheral.Descriptor {
	return s.desc
}

func (s *uartSession) ReadAvailable() ([]byte, error) {
	if frame := s.receiver.Pop(); frame != nil {
		return frame, nil
	}
	if s.isClosed() {
		return nil, peripheral.ErrNotConnected
	}
	return nil, nil
}

// Write sends data to the RX characteristic in chunks.
func (s *uartSession) Write(data []byte) error {
	if s.isClosed() {
		return peripheral.ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for len(data) > 0 {
		n := len(data)
		if n > s.chunkSize {
			n = s.chunkSize
		}
		if err := s.client.WriteCharacteristic(s.rx, data[:n], false); err != nil {
			err = NormalizeError(err)
			if peripheral.IsConnectionState(err, peripheral.NotConnected) {
				s.lost(err)
			}
			return fmt.Errorf("failed to write to RX characteristic: %w", err)
		}
		s.logger.WithField("bytes", n).Trace("Wrote chunk to device")
		data = data[n:]
		if len(data) > 0 && s.chunkDelay > 0 {
			time.Sleep(s.chunkDelay)
		}
	}
	return nil
}

func (s *uartSession) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	wasClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if wasClosed {
		return nil
	}
	if err := s.client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	return nil
}

func (s *uartSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func cancelQuietly(client uartClient, logger *logrus.Logger) {
	if err := client.CancelConnection(); err != nil {
		logger.WithError(err).Warn("Failed to cancel connection")
	}
}
