// Package notify carries transient, user-facing messages.
//
// Notifications are fire-and-forget: a Notifier must never block its caller
// and never reports failure.
package notify

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// Notifier displays a transient message to the user.
type Notifier interface {
	Notify(text string)
}

// Func adapts a plain function to Notifier.
type Func func(text string)

// Notify calls f(text).
func (f Func) Notify(text string) {
	if f != nil {
		f(text)
	}
}

// Discard drops every notification.
var Discard Notifier = Func(nil)

// Multi fans a notification out to several sinks in order.
type Multi []Notifier

// Notify forwards text to every non-nil sink.
func (m Multi) Notify(text string) {
	for _, n := range m {
		if n != nil {
			n.Notify(text)
		}
	}
}

// Logger writes notifications to a logrus logger at info level.
type Logger struct {
	logger *logrus.Logger
}

// NewLogger creates a logging sink; a nil logger falls back to logrus.New().
func NewLogger(logger *logrus.Logger) *Logger {
	if logger == nil {
		logger = logrus.New()
	}
	return &Logger{logger: logger}
}

// Notify logs text.
func (l *Logger) Notify(text string) {
	l.logger.WithField("notification", text).Info("Notification")
}

// Message is a queued notification.
type Message struct {
	Text string
	At   time.Time
}

// DefaultQueueSize is the number of undelivered messages kept by a Queue.
const DefaultQueueSize uint32 = 32

// Queue buffers notifications until a UI drains them. When full, the oldest
// undelivered message is overwritten; transient messages lose value with age.
type Queue struct {
	buffer      mpmc.RichOverlappedRingBuffer[Message]
	overwritten atomic.Uint64
	now         func() time.Time
}

// NewQueue creates a queue holding up to size messages.
func NewQueue(size uint32) *Queue {
	if size == 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		buffer: mpmc.NewOverlappedRingBuffer[Message](size),
		now:    time.Now,
	}
}

// Notify enqueues text; it never blocks.
func (q *Queue) Notify(text string) {
	overwrites, err := q.buffer.EnqueueM(Message{Text: text, At: q.now()})
	if err != nil {
		return
	}
	q.overwritten.Add(uint64(overwrites))
}

// Drain returns every queued message, oldest first.
func (q *Queue) Drain() []Message {
	var out []Message
	for !q.buffer.IsEmpty() {
		msg, err := q.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, msg)
	}
	return out
}

// Overwritten returns how many messages were dropped before being drained.
func (q *Queue) Overwritten() uint64 {
	return q.overwritten.Load()
}

// String renders a message the way the CLI prints it.
func (m Message) String() string {
	return fmt.Sprintf("[%s] %s", m.At.Format(time.TimeOnly), m.Text)
}
