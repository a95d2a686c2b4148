package peripheral

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub is a listener registry that transports embed to implement AddListener.
// Emit delivers synchronously, in registration order, on the caller's goroutine.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventKind][]hubEntry
	logger   *logrus.Logger
}

type hubEntry struct {
	id      uint64
	handler Handler
}

type hubSubscription struct {
	hub  *Hub
	kind EventKind
	id   uint64
	once sync.Once
}

// NewHub creates an empty listener registry.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		handlers: make(map[EventKind][]hubEntry),
		logger:   logger,
	}
}

// AddListener registers handler for kind. A nil handler yields a no-op subscription.
func (h *Hub) AddListener(kind EventKind, handler Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	if handler != nil {
		h.handlers[kind] = append(h.handlers[kind], hubEntry{id: id, handler: handler})
	}

	h.logger.WithFields(logrus.Fields{
		"kind": kind.String(),
		"id":   id,
	}).Debug("Listener registered")

	return &hubSubscription{hub: h, kind: kind, id: id}
}

// Remove unregisters the listener; safe to call more than once.
func (s *hubSubscription) Remove() {
	s.once.Do(func() {
		s.hub.remove(s.kind, s.id)
	})
}

func (h *Hub) remove(kind EventKind, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.handlers[kind]
	for i, e := range entries {
		if e.id == id {
			// copy-on-write so in-flight Emit snapshots stay valid
			next := make([]hubEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			h.handlers[kind] = next
			break
		}
	}
}

// Emit delivers ev to every listener registered for ev.Kind.
func (h *Hub) Emit(ev Event) {
	h.mu.RLock()
	entries := h.handlers[ev.Kind]
	h.mu.RUnlock()

	for _, e := range entries {
		e.handler(ev)
	}
}

// Count returns the number of listeners registered for kind.
func (h *Hub) Count(kind EventKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[kind])
}
