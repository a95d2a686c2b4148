package connection

import (
	"sync"
	"testing"

	"github.com/srg/humlink/internal/peripheral"
	"github.com/srg/humlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []peripheral.Event
}

func (r *eventRecorder) forward(ev peripheral.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []peripheral.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]peripheral.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// rejectingTransport refuses listeners for one event kind.
type rejectingTransport struct {
	*testutils.FakeTransport
	reject peripheral.EventKind
}

func (t *rejectingTransport) AddListener(kind peripheral.EventKind, handler peripheral.Handler) peripheral.Subscription {
	if kind == t.reject {
		return nil
	}
	return t.FakeTransport.AddListener(kind, handler)
}

func TestBridge_ActivateRegistersOneHandlerPerKind(t *testing.T) {
	ft := testutils.NewFakeTransport(nil)
	rec := &eventRecorder{}
	b := NewBridge(ft, rec.forward, nil)

	require.NoError(t, b.Activate())
	require.NoError(t, b.Activate(), "second activation is a no-op")
	assert.True(t, b.Active())

	for _, kind := range BridgedKinds {
		assert.Equal(t, 1, ft.ListenerCount(kind), kind.String())
	}
	assert.Zero(t, ft.ListenerCount(peripheral.EventDataReceived))

	ft.Emit(peripheral.Event{Kind: peripheral.EventDisconnected})
	ft.Emit(peripheral.Event{Kind: peripheral.EventDataReceived, Data: []byte("x")})
	ft.Emit(peripheral.Event{Kind: peripheral.EventConnectionLost})
	ft.Emit(peripheral.Event{Kind: peripheral.EventError})

	assert.Equal(t, []peripheral.EventKind{
		peripheral.EventDisconnected,
		peripheral.EventConnectionLost,
		peripheral.EventError,
	}, rec.kinds())
}

func TestBridge_DeactivateRemovesAll(t *testing.T) {
	ft := testutils.NewFakeTransport(nil)
	rec := &eventRecorder{}
	b := NewBridge(ft, rec.forward, nil)

	require.NoError(t, b.Activate())
	b.Deactivate()
	b.Deactivate()

	assert.False(t, b.Active())
	for _, kind := range BridgedKinds {
		assert.Zero(t, ft.ListenerCount(kind), kind.String())
	}

	ft.SimulateConnectionLost(nil)
	assert.Empty(t, rec.kinds())
}

func TestBridge_PartialActivationIsRolledBack(t *testing.T) {
	for _, reject := range BridgedKinds {
		t.Run(reject.String(), func(t *testing.T) {
			ft := &rejectingTransport{FakeTransport: testutils.NewFakeTransport(nil), reject: reject}
			b := NewBridge(ft, (&eventRecorder{}).forward, nil)

			require.Error(t, b.Activate())
			assert.False(t, b.Active())
			for _, kind := range BridgedKinds {
				assert.Zero(t, ft.ListenerCount(kind), kind.String())
			}

			b.Deactivate()
		})
	}
}

func TestBridge_NoForwardOnceTeardownStarts(t *testing.T) {
	ft := testutils.NewFakeTransport(nil)

	var b *Bridge
	var forwarded int
	b = NewBridge(ft, func(ev peripheral.Event) {
		forwarded++
		// A handler that tears the bridge down mid-delivery.
		b.Deactivate()
	}, nil)
	require.NoError(t, b.Activate())

	ft.SimulateError(nil)
	ft.SimulateError(nil)
	assert.Equal(t, 1, forwarded)
}
