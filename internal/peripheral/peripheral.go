package peripheral

import (
	"context"
	"fmt"
	"time"
)

// Descriptor identifies a peripheral as reported by a discovery query.
// Identity is ID; Name is what the user configured on the module (e.g. "HC-05").
type Descriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (d Descriptor) String() string {
	if d.Name == "" {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// Transport is the radio-side API consumed by the connection manager.
// Every method may block; none of them is expected to be called concurrently
// with another method of the same Transport.
type Transport interface {
	// IsEnabled reports whether the radio is powered and usable.
	IsEnabled(ctx context.Context) (bool, error)
	// ListPaired returns the peripherals currently paired/bonded with the host.
	ListPaired(ctx context.Context) ([]Descriptor, error)
	// SetEncoding selects the charset applied to incoming frames.
	SetEncoding(charset Charset) error
	// Connect opens a session to the peripheral with the given ID.
	Connect(ctx context.Context, id string) (Session, error)
	// Disconnect closes the current session, if any.
	Disconnect() error
	// AddListener registers handler for events of the given kind.
	AddListener(kind EventKind, handler Handler) Subscription
}

// Session is a live link to one peripheral.
type Session interface {
	Descriptor() Descriptor
	// ReadAvailable returns the oldest unread frame, or nil when none is buffered.
	ReadAvailable() ([]byte, error)
	// Write sends raw bytes to the peripheral.
	Write(data []byte) error
	// Close releases the session. Closing twice is not an error.
	Close() error
}

// EventKind classifies transport events.
type EventKind int

const (
	EventDisconnected EventKind = iota
	EventConnectionLost
	EventError
	EventDataReceived
	EventEnabled
)

func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventConnectionLost:
		return "connectionLost"
	case EventError:
		return "error"
	case EventDataReceived:
		return "dataReceived"
	case EventEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to listeners registered with Transport.AddListener.
type Event struct {
	Kind       EventKind
	Device     Descriptor // zero for EventError and EventEnabled when unknown
	Err        error      // set for EventConnectionLost and EventError
	Data       []byte     // one frame, set for EventDataReceived
	ReceivedAt time.Time
}

// Handler receives transport events. Handlers run on transport goroutines
// and must not block for long.
type Handler func(Event)

// Subscription is an owned listener registration.
type Subscription interface {
	Remove()
}
