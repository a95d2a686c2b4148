// Package history keeps the log of frames exchanged with the peripheral.
package history

import (
	"fmt"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultLimit is the retention used when no explicit limit is configured.
const DefaultLimit = 1000

// Direction tells whether a frame came from the peripheral or was sent to it.
type Direction int

const (
	Received Direction = iota
	Sent
)

func (d Direction) String() string {
	switch d {
	case Received:
		return "received"
	case Sent:
		return "sent"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Arrow returns the marker used when printing the log: ">" in, "<" out.
func (d Direction) Arrow() string {
	if d == Sent {
		return "<"
	}
	return ">"
}

// Frame is one raw line as exchanged on the wire.
type Frame struct {
	Payload    []byte
	ReceivedAt time.Time
	Direction  Direction
}

// Text returns the payload as a string.
func (f Frame) Text() string {
	return string(f.Payload)
}

// Entry is a recorded frame and its display key.
type Entry struct {
	Key   int64 // Unix nanoseconds, strictly increasing in insertion order
	Frame Frame
}

// Buffer is an append-only, newest-first log of frames.
// When a limit is set, the oldest entries are evicted once it is exceeded.
// All methods are safe for concurrent use.
type Buffer struct {
	mu      sync.RWMutex
	entries *orderedmap.OrderedMap[int64, Frame] // oldest -> newest
	limit   int
	lastKey int64
	evicted uint64
}

// New creates a Buffer keeping at most limit entries; limit <= 0 keeps all.
func New(limit int) *Buffer {
	if limit < 0 {
		limit = 0
	}
	return &Buffer{
		entries: orderedmap.New[int64, Frame](),
		limit:   limit,
	}
}

// Record stores a frame and returns its entry. A zero ReceivedAt is stamped
// with the current time. If the timestamp does not advance past the previous
// entry it is bumped by one nanosecond so keys stay unique and ordered.
func (b *Buffer) Record(f Frame) Entry {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := f.ReceivedAt.UnixNano()
	if key <= b.lastKey {
		key = b.lastKey + 1
		f.ReceivedAt = time.Unix(0, key)
	}
	b.lastKey = key

	b.entries.Set(key, f)

	for b.limit > 0 && b.entries.Len() > b.limit {
		oldest := b.entries.Oldest()
		b.entries.Delete(oldest.Key)
		b.evicted++
	}

	return Entry{Key: key, Frame: f}
}

// Entries returns a snapshot, newest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, b.entries.Len())
	for pair := b.entries.Newest(); pair != nil; pair = pair.Prev() {
		out = append(out, Entry{Key: pair.Key, Frame: pair.Value})
	}
	return out
}

// Latest returns the newest entry.
func (b *Buffer) Latest() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pair := b.entries.Newest()
	if pair == nil {
		return Entry{}, false
	}
	return Entry{Key: pair.Key, Frame: pair.Value}, true
}

// Get looks an entry up by key.
func (b *Buffer) Get(key int64) (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries.Get(key)
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries.Len()
}

// Limit returns the retention limit, 0 meaning unbounded.
func (b *Buffer) Limit() int {
	return b.limit
}

// Evicted returns how many entries were dropped by the retention limit.
func (b *Buffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}
