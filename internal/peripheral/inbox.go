package peripheral

import "github.com/srg/humlink/internal/ringchan"

// DefaultInboxSize is how many unread frames a session keeps for ReadAvailable.
const DefaultInboxSize = 64

// Inbox keeps the most recent frames of a session for polling readers.
// When full, the oldest frame is dropped.
type Inbox struct {
	frames *ringchan.RingChannel[[]byte]
}

// NewInbox creates an inbox holding up to size frames.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{frames: ringchan.New[[]byte](size)}
}

// Push stores a frame.
func (in *Inbox) Push(frame []byte) {
	in.frames.Send(frame)
}

// Pop returns the oldest unread frame, or nil.
func (in *Inbox) Pop() []byte {
	frame, ok := in.frames.TryReceive()
	if !ok {
		return nil
	}
	return frame
}

// Len returns the number of unread frames.
func (in *Inbox) Len() int {
	return in.frames.Len()
}

// Dropped returns how many frames were overwritten before being read.
func (in *Inbox) Dropped() uint64 {
	return in.frames.Dropped()
}
