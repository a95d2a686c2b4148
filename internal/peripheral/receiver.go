package peripheral

import (
	"sync"
	"time"
)

// Receiver turns raw chunks read from a link into frames. Every frame is
// decoded with the session charset, buffered for ReadAvailable and emitted
// as EventDataReceived.
type Receiver struct {
	mu      sync.Mutex
	device  Descriptor
	charset Charset
	framer  *LineFramer
	inbox   *Inbox
	hub     *Hub
}

// NewReceiver creates a receiver for device. A nil hub only buffers frames.
func NewReceiver(device Descriptor, charset Charset, hub *Hub, inboxSize, maxFrame int) *Receiver {
	if charset == "" {
		charset = CharsetASCII
	}
	r := &Receiver{
		device:  device,
		charset: charset,
		inbox:   NewInbox(inboxSize),
		hub:     hub,
	}
	r.framer = NewLineFramer(maxFrame, r.deliver)
	return r
}

// Feed consumes one chunk; it may complete zero or more frames.
func (r *Receiver) Feed(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.framer.Write(chunk)
}

// Flush delivers a trailing unterminated frame, if any.
func (r *Receiver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.framer.Flush()
}

// Pop returns the oldest buffered frame or nil.
func (r *Receiver) Pop() []byte {
	return r.inbox.Pop()
}

// Dropped returns how many frames were overwritten before being read.
func (r *Receiver) Dropped() uint64 {
	return r.inbox.Dropped()
}

func (r *Receiver) deliver(raw []byte) {
	frame := []byte(r.charset.Decode(raw))
	r.inbox.Push(frame)
	if r.hub != nil {
		r.hub.Emit(Event{
			Kind:       EventDataReceived,
			Device:     r.device,
			Data:       frame,
			ReceivedAt: time.Now(),
		})
	}
}
