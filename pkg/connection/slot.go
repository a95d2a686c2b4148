package connection

import (
	"sync"

	"github.com/srg/humlink/internal/ringchan"
)

// subscriberDepth is the number of undelivered values a subscriber holds.
const subscriberDepth = 2

// Slot is a single-writer published value. Readers either Load the current
// value or Subscribe to changes.
type Slot[T any] struct {
	mu    sync.RWMutex
	value T
	subs  map[*ringchan.RingChannel[T]]struct{}
}

// Load returns the current value.
func (s *Slot[T]) Load() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Subscribe returns a channel that receives the current value immediately
// and every later store. Call cancel to release the subscription; the
// channel is closed afterwards.
//
// A subscriber that falls behind skips values, but a skip always delivers
// the zero value before the newest one. Since the manager publishes nil
// between any two handles, a subscriber never receives two handles back to
// back.
func (s *Slot[T]) Subscribe() (values <-chan T, cancel func()) {
	rc := ringchan.New[T](subscriberDepth)

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[*ringchan.RingChannel[T]]struct{})
	}
	s.subs[rc] = struct{}{}
	rc.Send(s.value)
	s.mu.Unlock()

	var once sync.Once
	return rc.C(), func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, rc)
			s.mu.Unlock()
			rc.Close()
		})
	}
}

func (s *Slot[T]) store(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	for rc := range s.subs {
		if rc.Len() >= rc.Cap() {
			var zero T
			rc.Drain()
			rc.Send(zero)
		}
		rc.Send(v)
	}
}
