package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/peripheral"
)

// FakeTransport is a scriptable in-memory peripheral.Transport.
//
// Configure it with the With* methods, then hand it to the code under test and
// drive asynchronous behaviour with the Simulate* methods:
//
//	ft := testutils.NewFakeTransport(logger).
//	    WithDevices(peripheral.Descriptor{ID: "00:21:13:00:AA:01", Name: "HC-05"}).
//	    WithConnectErrors(errors.New("page timeout"))
//	...
//	ft.SimulateConnectionLost(errors.New("socket closed"))
//
// All methods are safe for concurrent use.
type FakeTransport struct {
	hub    *peripheral.Hub
	logger *logrus.Logger

	mu          sync.Mutex
	enabled     bool
	enabledErr  error
	devices     []peripheral.Descriptor
	listErrs    []error
	connectErrs []error
	encodingErr error
	connectHook func(ctx context.Context, id string)
	charset     peripheral.Charset
	calls       []string
	sessions    []*FakeSession
	current     *FakeSession
}

// NewFakeTransport creates an enabled transport with no paired devices.
func NewFakeTransport(logger *logrus.Logger) *FakeTransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &FakeTransport{
		hub:     peripheral.NewHub(logger),
		logger:  logger,
		enabled: true,
	}
}

// WithDevices sets the paired device list.
func (f *FakeTransport) WithDevices(devices ...peripheral.Descriptor) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append([]peripheral.Descriptor(nil), devices...)
	return f
}

// WithEnabled sets the radio state.
func (f *FakeTransport) WithEnabled(enabled bool) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
	return f
}

// WithEnabledError makes IsEnabled fail until cleared with nil.
func (f *FakeTransport) WithEnabledError(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabledErr = err
	return f
}

// WithListErrors queues errors returned by successive ListPaired calls.
func (f *FakeTransport) WithListErrors(errs ...error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErrs = append(f.listErrs, errs...)
	return f
}

// WithConnectErrors queues errors returned by successive Connect calls.
func (f *FakeTransport) WithConnectErrors(errs ...error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
	return f
}

// WithEncodingError makes SetEncoding fail until cleared with nil.
func (f *FakeTransport) WithEncodingError(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encodingErr = err
	return f
}

// WithConnectHook runs hook at the start of every Connect call, before the
// outcome is decided. Tests use it to block or to race other events.
func (f *FakeTransport) WithConnectHook(hook func(ctx context.Context, id string)) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectHook = hook
	return f
}

func (f *FakeTransport) record(call string) {
	f.calls = append(f.calls, call)
}

// IsEnabled implements peripheral.Transport.
func (f *FakeTransport) IsEnabled(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("IsEnabled")
	return f.enabled, f.enabledErr
}

// ListPaired implements peripheral.Transport.
func (f *FakeTransport) ListPaired(ctx context.Context) ([]peripheral.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListPaired")

	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]peripheral.Descriptor(nil), f.devices...), nil
}

// SetEncoding implements peripheral.Transport.
func (f *FakeTransport) SetEncoding(charset peripheral.Charset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetEncoding:" + string(charset))
	if f.encodingErr != nil {
		return f.encodingErr
	}
	f.charset = charset
	return nil
}

// Connect implements peripheral.Transport.
func (f *FakeTransport) Connect(ctx context.Context, id string) (peripheral.Session, error) {
	f.mu.Lock()
	hook := f.connectHook
	f.record("Connect:" + id)
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.current != nil && !f.current.IsClosed() {
		return nil, peripheral.ErrAlreadyConnected
	}

	var desc peripheral.Descriptor
	found := false
	for _, d := range f.devices {
		if d.ID == id {
			desc, found = d, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", peripheral.ErrUnknownPeripheral, id)
	}

	s := &FakeSession{desc: desc, inbox: peripheral.NewInbox(0)}
	f.sessions = append(f.sessions, s)
	f.current = s
	return s, nil
}

// Disconnect implements peripheral.Transport. Like a real radio stack it
// reports the disconnect through an EventDisconnected.
func (f *FakeTransport) Disconnect() error {
	f.mu.Lock()
	f.record("Disconnect")
	s := f.current
	f.current = nil
	f.mu.Unlock()

	if s == nil {
		return peripheral.ErrNotConnected
	}
	_ = s.Close()
	f.hub.Emit(peripheral.Event{Kind: peripheral.EventDisconnected, Device: s.desc, ReceivedAt: time.Now()})
	return nil
}

// AddListener implements peripheral.Transport.
func (f *FakeTransport) AddListener(kind peripheral.EventKind, handler peripheral.Handler) peripheral.Subscription {
	return f.hub.AddListener(kind, handler)
}

// ListenerCount returns the number of listeners registered for kind.
func (f *FakeTransport) ListenerCount(kind peripheral.EventKind) int {
	return f.hub.Count(kind)
}

// Calls returns the recorded call log.
func (f *FakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts calls whose log entry equals name or starts with name+":".
func (f *FakeTransport) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name || (len(c) > len(name) && c[:len(name)+1] == name+":") {
			n++
		}
	}
	return n
}

// Charset returns the last charset accepted by SetEncoding.
func (f *FakeTransport) Charset() peripheral.Charset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.charset
}

// Sessions returns every session opened so far.
func (f *FakeTransport) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.sessions...)
}

// CurrentSession returns the open session, or nil.
func (f *FakeTransport) CurrentSession() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Emit delivers an arbitrary event to listeners.
func (f *FakeTransport) Emit(ev peripheral.Event) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	f.hub.Emit(ev)
}

func (f *FakeTransport) dropCurrent() peripheral.Descriptor {
	f.mu.Lock()
	s := f.current
	f.current = nil
	f.mu.Unlock()

	if s == nil {
		return peripheral.Descriptor{}
	}
	_ = s.Close()
	return s.desc
}

// SimulateConnectionLost closes the open session and emits EventConnectionLost.
func (f *FakeTransport) SimulateConnectionLost(err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	desc := f.dropCurrent()
	f.Emit(peripheral.Event{Kind: peripheral.EventConnectionLost, Device: desc, Err: err})
}

// SimulateRemoteDisconnect closes the open session and emits EventDisconnected.
func (f *FakeTransport) SimulateRemoteDisconnect() {
	desc := f.dropCurrent()
	f.Emit(peripheral.Event{Kind: peripheral.EventDisconnected, Device: desc})
}

// SimulateError emits EventError without touching the session.
func (f *FakeTransport) SimulateError(err error) {
	f.Emit(peripheral.Event{Kind: peripheral.EventError, Err: err})
}

// SimulateEnabled flips the radio on and emits EventEnabled.
func (f *FakeTransport) SimulateEnabled() {
	f.WithEnabled(true)
	f.Emit(peripheral.Event{Kind: peripheral.EventEnabled})
}

// Deliver pushes a frame into the open session's inbox and emits it as
// EventDataReceived. It returns false when no session is open.
func (f *FakeTransport) Deliver(frame string) bool {
	f.mu.Lock()
	s := f.current
	f.mu.Unlock()
	if s == nil {
		return false
	}

	data := []byte(frame)
	s.inbox.Push(data)
	f.Emit(peripheral.Event{Kind: peripheral.EventDataReceived, Device: s.desc, Data: data})
	return true
}

// FakeSession is the session handed out by FakeTransport.
type FakeSession struct {
	desc  peripheral.Descriptor
	inbox *peripheral.Inbox

	mu       sync.Mutex
	closed   bool
	writes   [][]byte
	writeErr error
}

// Descriptor implements peripheral.Session.
func (s *FakeSession) Descriptor() peripheral.Descriptor {
	return s.desc
}

// ReadAvailable implements peripheral.Session.
func (s *FakeSession) ReadAvailable() ([]byte, error) {
	if s.IsClosed() {
		return nil, peripheral.ErrNotConnected
	}
	return s.inbox.Pop(), nil
}

// Write implements peripheral.Session.
func (s *FakeSession) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return peripheral.ErrNotConnected
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

// Close implements peripheral.Session.
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (s *FakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Writes returns every payload written so far.
func (s *FakeSession) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

// SetWriteError makes subsequent writes fail.
func (s *FakeSession) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}
