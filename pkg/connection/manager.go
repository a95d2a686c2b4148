package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/groutine"
	"github.com/srg/humlink/internal/notify"
	"github.com/srg/humlink/internal/peripheral"
)

// RadioDisabledMessage is the notification shown when the radio is off.
const RadioDisabledMessage = "Bluetooth is disabled"

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("connection manager already started")

type commandKind int

const (
	cmdRefresh commandKind = iota
	cmdRetry
	cmdPoll
	cmdEvent
)

type command struct {
	kind  commandKind
	gen   uint64
	event peripheral.Event
}

// Manager keeps exactly one session open to the target peripheral whenever
// the radio is enabled and the target is reachable, and recovers from any loss.
//
// All state changes and every transport call happen on a single goroutine that
// drains an ordered command queue. Transport callbacks, timers and Refresh only
// enqueue, so events are handled one at a time in delivery order.
type Manager struct {
	transport peripheral.Transport
	opts      Options
	notifier  notify.Notifier
	logger    *logrus.Logger
	bridge    *Bridge
	published Slot[*Handle]

	mu              sync.Mutex
	state           State
	handle          *Handle
	queue           []command
	wake            chan struct{}
	started         bool
	cancel          context.CancelFunc
	done            chan struct{}
	stopErr         error
	retryGen        uint64
	pollGen         uint64
	onTransition    func(from, to State, h *Handle)
	onFailure       func(Failure)
	enabledSub      peripheral.Subscription
	retryTimer      *groutine.Timer
	pollTimer       *groutine.Timer
	disabledAlerted bool
}

// NewManager creates a stopped manager in the Disabled state. A zero
// RetryDelay or Charset falls back to its default. Other fields are used as
// given: a zero RetryOnNotFound waits for transport events when the target
// is missing, and a zero EnabledPollInterval turns the radio poll off.
func NewManager(transport peripheral.Transport, opts Options, notifier notify.Notifier, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Charset == "" {
		opts.Charset = peripheral.CharsetASCII
	}

	m := &Manager{
		transport: transport,
		opts:      opts,
		notifier:  notifier,
		logger:    logger,
		state:     Disabled,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	m.bridge = NewBridge(transport, m.enqueueEvent, logger)
	return m
}

// SetTransitionHook registers fn to run on the manager goroutine after every
// state change. It must not block.
func (m *Manager) SetTransitionHook(fn func(from, to State, h *Handle)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// SetFailureHook registers fn to run on the manager goroutine for every failure.
func (m *Manager) SetFailureHook(fn func(Failure)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = fn
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// Start activates the event bridge and runs the first discovery. It returns
// once the manager goroutine is running; connection progress is observed
// through State, Snapshot or Published.
func (m *Manager) Start(ctx context.Context) error {
	if m.opts.Target == "" {
		return fmt.Errorf("connection manager: empty target name")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.bridge.Activate(); err != nil {
		cancel()
		close(m.done)
		return fmt.Errorf("failed to subscribe to transport events: %w", err)
	}
	m.enabledSub = m.transport.AddListener(peripheral.EventEnabled, m.enqueueEvent)

	m.logger.WithFields(logrus.Fields{
		"target":      m.opts.Target,
		"retry_delay": m.opts.RetryDelay,
	}).Info("Connection manager started")

	m.enqueue(command{kind: cmdRefresh})
	groutine.Go(runCtx, "connection-manager", m.run)
	return nil
}

// Refresh asks the manager to re-run discovery unless it is connected.
func (m *Manager) Refresh() {
	m.enqueue(command{kind: cmdRefresh})
}

// Stop tears down the event subscriptions, closes any open session and
// returns the manager to Disabled with nothing published. It waits for the
// manager goroutine to exit.
func (m *Manager) Stop() error {
	m.mu.Lock()
	started := m.started
	cancel := m.cancel
	m.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopErr
}

// Done is closed once the manager goroutine has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the state and handle as one consistent pair.
func (m *Manager) Snapshot() (State, *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.handle
}

// Published is the read-only slot holding the live handle, or nil.
func (m *Manager) Published() *Slot[*Handle] {
	return &m.published
}

func (m *Manager) enqueueEvent(ev peripheral.Event) {
	m.enqueue(command{kind: cmdEvent, event: ev})
}

func (m *Manager) enqueue(cmd command) {
	m.mu.Lock()
	m.queue = append(m.queue, cmd)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) next(ctx context.Context) (command, bool) {
	for {
		if ctx.Err() != nil {
			return command{}, false
		}

		m.mu.Lock()
		if len(m.queue) > 0 {
			cmd := m.queue[0]
			m.queue[0] = command{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return cmd, true
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return command{}, false
		case <-m.wake:
		}
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.shutdown()

	for {
		cmd, ok := m.next(ctx)
		if !ok {
			return
		}
		m.dispatch(ctx, cmd)
	}
}

func (m *Manager) dispatch(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdRefresh:
		m.refresh(ctx)

	case cmdRetry:
		m.mu.Lock()
		stale := cmd.gen != m.retryGen || m.state == Connected
		m.mu.Unlock()
		if stale {
			m.logger.WithField("generation", cmd.gen).Debug("Dropping stale retry")
			return
		}
		m.refresh(ctx)

	case cmdPoll:
		m.mu.Lock()
		stale := cmd.gen != m.pollGen || m.state != Disabled
		m.mu.Unlock()
		if stale {
			return
		}
		m.refresh(ctx)

	case cmdEvent:
		m.handleEvent(ctx, cmd.event)
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev peripheral.Event) {
	log := m.logger.WithFields(logrus.Fields{
		"event":  ev.Kind.String(),
		"device": ev.Device.String(),
	})

	if ev.Kind == peripheral.EventEnabled {
		if m.State() == Connected {
			return
		}
		log.Info("Radio enabled, refreshing")
		m.refresh(ctx)
		return
	}

	m.mu.Lock()
	state, h := m.state, m.handle
	m.mu.Unlock()

	if state != Connected || h == nil {
		log.WithField("state", state.String()).Debug("Ignoring transport event while not connected")
		return
	}
	if ev.Device.ID != "" && ev.Device.ID != h.Descriptor.ID {
		log.WithField("current", h.Descriptor.String()).Debug("Ignoring event for a stale session")
		return
	}

	device := h.Descriptor
	if ev.Device.Name != "" {
		device.Name = ev.Device.Name
	}

	if err := h.Session.Close(); err != nil && !errors.Is(err, peripheral.ErrNotConnected) {
		log.WithError(err).Debug("Closing lost session failed")
	}

	m.transition(Searching, nil)

	text := sessionLostMessage(ev, device)
	log.WithError(ev.Err).Warn("Session lost: " + text)
	m.notifier.Notify(text)
	m.reportFailure(Failure{Kind: SessionLost, Device: device, Err: ev.Err})

	m.refresh(ctx)
}

func sessionLostMessage(ev peripheral.Event, device peripheral.Descriptor) string {
	switch ev.Kind {
	case peripheral.EventDisconnected:
		return fmt.Sprintf("Humidity controller (%s) was disconnected", device.Name)
	case peripheral.EventConnectionLost:
		return fmt.Sprintf("Connection to humidity controller (%s) was lost", device.Name)
	default:
		if ev.Err != nil {
			return ev.Err.Error()
		}
		return fmt.Sprintf("Humidity controller (%s) reported an error", device.Name)
	}
}

// refresh runs one discovery pass: radio check, listing, first exact name
// match, encoding and connect.
func (m *Manager) refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	state := m.state
	m.retryGen++
	m.retryTimer.Stop()
	m.retryTimer = nil
	m.mu.Unlock()

	if state == Connected {
		m.logger.Debug("Refresh skipped, already connected")
		return
	}

	enabled, err := m.transport.IsEnabled(ctx)
	if err != nil {
		m.fail(ctx, DiscoveryFailure, peripheral.Descriptor{}, fmt.Errorf("radio check failed: %w", err))
		return
	}
	if !enabled {
		m.enterDisabled(ctx)
		return
	}

	m.mu.Lock()
	m.pollGen++
	m.pollTimer.Stop()
	m.pollTimer = nil
	m.disabledAlerted = false
	m.mu.Unlock()

	if m.State() != Searching {
		m.transition(Searching, nil)
	}

	devices, err := m.transport.ListPaired(ctx)
	if err != nil {
		m.fail(ctx, DiscoveryFailure, peripheral.Descriptor{}, fmt.Errorf("listing paired peripherals failed: %w", err))
		return
	}

	target, found := m.findTarget(devices)
	if !found {
		m.logger.WithFields(logrus.Fields{
			"target": m.opts.Target,
			"paired": len(devices),
		}).Info("Target peripheral is not paired")
		if m.opts.RetryOnNotFound {
			m.reportFailure(Failure{Kind: DiscoveryFailure, Err: ErrTargetNotFound})
			m.scheduleRetry(ctx)
		}
		return
	}

	log := m.logger.WithField("device", target.String())

	if err := m.transport.SetEncoding(m.opts.Charset); err != nil {
		m.fail(ctx, ConnectFailure, target, fmt.Errorf("set encoding %s: %w", m.opts.Charset, err))
		return
	}

	log.Info("Connecting to peripheral...")
	session, err := m.transport.Connect(ctx, target.ID)
	if err != nil {
		m.fail(ctx, ConnectFailure, target, err)
		return
	}
	if ctx.Err() != nil {
		_ = session.Close()
		return
	}

	desc := session.Descriptor()
	if desc.ID == "" {
		desc = target
	}
	m.transition(Connected, &Handle{Descriptor: desc, Session: session, ConnectedAt: time.Now()})
	log.Info("Connected to peripheral")
}

func (m *Manager) findTarget(devices []peripheral.Descriptor) (peripheral.Descriptor, bool) {
	for _, d := range devices {
		if d.Name == m.opts.Target {
			return d, true
		}
	}
	return peripheral.Descriptor{}, false
}

func (m *Manager) enterDisabled(ctx context.Context) {
	if m.State() != Disabled {
		m.transition(Disabled, nil)
	}

	m.mu.Lock()
	alert := !m.disabledAlerted
	m.disabledAlerted = true
	m.mu.Unlock()

	if alert {
		m.logger.Warn("Radio is disabled")
		m.notifier.Notify(RadioDisabledMessage)
		m.reportFailure(Failure{Kind: RadioDisabled, Err: peripheral.ErrRadioOff})
	}

	if m.opts.EnabledPollInterval <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollGen++
	gen := m.pollGen
	m.pollTimer.Stop()
	m.pollTimer = groutine.After(ctx, "radio-poll", m.opts.EnabledPollInterval, func(context.Context) {
		m.enqueue(command{kind: cmdPoll, gen: gen})
	})
}

// fail moves to Recovering and schedules a retry after the fixed delay.
func (m *Manager) fail(ctx context.Context, kind FailureKind, device peripheral.Descriptor, err error) {
	if ctx.Err() != nil {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"failure": kind.String(),
		"device":  device.String(),
		"retry":   m.opts.RetryDelay,
	}).WithError(err).Error("Connection attempt failed")

	m.transition(Recovering, nil)
	m.reportFailure(Failure{Kind: kind, Device: device, Err: err})
	m.scheduleRetry(ctx)
}

func (m *Manager) scheduleRetry(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retryGen++
	gen := m.retryGen
	m.retryTimer.Stop()
	m.retryTimer = groutine.After(ctx, "connection-retry", m.opts.RetryDelay, func(context.Context) {
		m.enqueue(command{kind: cmdRetry, gen: gen})
	})
}

func (m *Manager) transition(to State, h *Handle) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.handle = h
	m.published.store(h)
	hook := m.onTransition
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Connection state changed")

	if hook != nil {
		hook(from, to, h)
	}
}

func (m *Manager) reportFailure(f Failure) {
	m.mu.Lock()
	hook := m.onFailure
	m.mu.Unlock()
	if hook != nil {
		hook(f)
	}
}

// shutdown runs on the manager goroutine once its context is done.
func (m *Manager) shutdown() {
	m.bridge.Deactivate()
	if m.enabledSub != nil {
		m.enabledSub.Remove()
	}

	m.mu.Lock()
	m.retryGen++
	m.pollGen++
	m.retryTimer.Stop()
	m.pollTimer.Stop()
	m.retryTimer, m.pollTimer = nil, nil
	h := m.handle
	m.queue = nil
	m.mu.Unlock()

	var err error
	if h != nil {
		if cerr := h.Session.Close(); cerr != nil && !errors.Is(cerr, peripheral.ErrNotConnected) {
			err = cerr
		}
		if derr := m.transport.Disconnect(); derr != nil && !errors.Is(derr, peripheral.ErrNotConnected) {
			err = errors.Join(err, derr)
		}
	}

	m.transition(Disabled, nil)

	m.mu.Lock()
	m.stopErr = err
	m.mu.Unlock()

	m.logger.Info("Connection manager stopped")
}
