package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

type fakeAdvertisement struct {
	name     string
	addr     string
	rssi     int
	services []ble.UUID
}

func (a *fakeAdvertisement) LocalName() string              { return a.name }
func (a *fakeAdvertisement) ManufacturerData() []byte       { return nil }
func (a *fakeAdvertisement) ServiceData() []ble.ServiceData { return nil }
func (a *fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a *fakeAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *fakeAdvertisement) TxPowerLevel() int              { return 127 }
func (a *fakeAdvertisement) Connectable() bool              { return true }
func (a *fakeAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *fakeAdvertisement) RSSI() int                      { return a.rssi }
func (a *fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }

func uartAdv(name, addr string) *fakeAdvertisement {
	return &fakeAdvertisement{name: name, addr: addr, rssi: -60, services: []ble.UUID{SerialServiceUUID}}
}

// fakeRadio replays advertisements, then blocks until the scan context ends.
type fakeRadio struct {
	ads     []ble.Advertisement
	scanErr error

	mu    sync.Mutex
	scans int
}

func (r *fakeRadio) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	r.mu.Lock()
	r.scans++
	r.mu.Unlock()

	if r.scanErr != nil {
		return r.scanErr
	}
	for _, adv := range r.ads {
		if ctx.Err() != nil {
			break
		}
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRadio) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	return nil, errors.New("fakeRadio cannot dial")
}

// mockClient is a testify mock of uartClient with an optional Disconnected channel.
type mockClient struct {
	mock.Mock
	disconnected chan struct{}

	mu      sync.Mutex
	handler ble.NotificationHandler
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (c *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := c.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (c *mockClient) Subscribe(ch *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return c.Called(ch, ind).Error(0)
}

func (c *mockClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	return c.Called(ch, string(value), noRsp).Error(0)
}

func (c *mockClient) CancelConnection() error {
	return c.Called().Error(0)
}

func (c *mockClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *mockClient) notify(data string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h([]byte(data))
}

func uartProfile() (*ble.Profile, *ble.Characteristic, *ble.Characteristic) {
	tx := &ble.Characteristic{UUID: SerialTxCharUUID}
	rx := &ble.Characteristic{UUID: SerialRxCharUUID}
	return &ble.Profile{
		Services: []*ble.Service{
			{UUID: ble.UUID16(0x180F)},
			{UUID: SerialServiceUUID, Characteristics: []*ble.Characteristic{tx, rx}},
		},
	}, tx, rx
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}
