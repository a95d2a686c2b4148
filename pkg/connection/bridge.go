package connection

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/humlink/internal/peripheral"
)

// BridgedKinds are the transport events that drive connection recovery.
var BridgedKinds = []peripheral.EventKind{
	peripheral.EventDisconnected,
	peripheral.EventConnectionLost,
	peripheral.EventError,
}

// Bridge owns one transport subscription per BridgedKinds entry and forwards
// those events to a single sink.
type Bridge struct {
	transport peripheral.Transport
	forward   func(peripheral.Event)
	logger    *logrus.Logger

	mu     sync.Mutex
	subs   []peripheral.Subscription
	active atomic.Bool
}

// NewBridge creates an inactive bridge.
func NewBridge(transport peripheral.Transport, forward func(peripheral.Event), logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		transport: transport,
		forward:   forward,
		logger:    logger,
	}
}

// Activate registers exactly one handler per bridged kind. On a rejected
// registration every handler registered so far is removed again.
func (b *Bridge) Activate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active.Load() {
		return nil
	}

	b.active.Store(true)
	for _, kind := range BridgedKinds {
		sub := b.transport.AddListener(kind, b.handler(kind))
		if sub == nil {
			b.active.Store(false)
			b.removeLocked()
			return fmt.Errorf("transport rejected %s listener", kind)
		}
		b.subs = append(b.subs, sub)
	}

	b.logger.WithField("listeners", len(b.subs)).Debug("Event bridge activated")
	return nil
}

// Deactivate removes every registered handler. No handler forwards an event
// once Deactivate has been entered.
func (b *Bridge) Deactivate() {
	b.active.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.subs)
	b.removeLocked()
	b.logger.WithField("listeners", n).Debug("Event bridge deactivated")
}

// Active reports whether the bridge forwards events.
func (b *Bridge) Active() bool {
	return b.active.Load()
}

func (b *Bridge) removeLocked() {
	for _, sub := range b.subs {
		sub.Remove()
	}
	b.subs = nil
}

func (b *Bridge) handler(kind peripheral.EventKind) peripheral.Handler {
	return func(ev peripheral.Event) {
		if !b.active.Load() {
			b.logger.WithField("kind", kind.String()).Debug("Dropping event after bridge teardown")
			return
		}
		ev.Kind = kind
		b.forward(ev)
	}
}
