// Package ptyio exposes the peripheral's line stream on a pseudo terminal, so
// a terminal program (screen, minicom, a logger) can attach to the slave side
// while humlink owns the radio link.
//
//	mirror, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer mirror.Close()
//	fmt.Println("attach to", mirror.TTYName())
//
//	mirror.SetLineHandler(func(line string) { ... }) // lines typed on the slave
//	mirror.Write([]byte("frame\n"))                  // shown on the slave
//
// Writes never block: bytes are queued in a ring buffer and whatever does not
// fit is dropped when the slave side does not keep up.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/humlink/internal/groutine"
	"github.com/srg/humlink/internal/peripheral"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultBufferSize  = 16 * 1024
	DefaultPollTimeout = 50 * time.Millisecond
)

// LineHandler receives each line typed on the slave side, without the newline.
type LineHandler func(line string)

// Options configures Open. Zero values select the defaults.
type Options struct {
	ReadCap     int
	WriteCap    int
	PollTimeout time.Duration
	Logger      *logrus.Logger
	// OnError is called at most once per loop when it exits on an I/O failure.
	OnError func(err error)
}

// Stats are runtime counters of a Mirror.
type Stats struct {
	WriteQueueLen   int
	ReadQueueLen    int
	DroppedWrite    uint64
	DroppedRead     uint64
	BytesWritten    uint64
	BytesRead       uint64
	LinesDispatched uint64
}

// Mirror is a PTY master wrapped in two ring buffers and three goroutines:
// one drains queued writes to the master, one reads what the slave side
// types, and one frames that input into lines for the handler.
type Mirror struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	pollTimeout time.Duration
	onError     func(error)

	writeBuf   *ringbuffer.RingBuffer
	readBuf    *ringbuffer.RingBuffer
	writeReady chan struct{}
	readReady  chan struct{}

	handler atomic.Pointer[LineHandler]

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	errOnce sync.Once

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
	lines        atomic.Uint64
}

// Open creates a PTY pair and starts the I/O loops.
func Open(opts Options) (*Mirror, error) {
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultBufferSize
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		logger:      logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: opts.PollTimeout,
		onError:     opts.OnError,
		writeBuf:    ringbuffer.New(opts.WriteCap),
		readBuf:     ringbuffer.New(opts.ReadCap),
		writeReady:  make(chan struct{}, 1),
		readReady:   make(chan struct{}, 1),
		cancel:      cancel,
	}

	m.wg.Add(3)
	groutine.Go(ctx, "pty-write-loop", func(ctx context.Context) {
		defer m.wg.Done()
		m.writeLoop(ctx)
	})
	groutine.Go(ctx, "pty-read-loop", func(ctx context.Context) {
		defer m.wg.Done()
		m.readLoop(ctx)
	})
	groutine.Go(ctx, "pty-line-dispatcher", func(ctx context.Context) {
		defer m.wg.Done()
		m.dispatch(ctx)
	})

	logger.WithField("tty", m.ttyName).Info("PTY mirror opened")
	return m, nil
}

// TTYName returns the slave device path, e.g. /dev/pts/5.
func (m *Mirror) TTYName() string {
	return m.ttyName
}

// SetLineHandler sets the receiver of slave input; nil discards input.
func (m *Mirror) SetLineHandler(fn LineHandler) {
	if fn == nil {
		m.handler.Store(nil)
		return
	}
	m.handler.Store(&fn)
	signal(m.readReady)
}

// Write queues p for the slave side. It never blocks; n < len(p) means the
// queue was full and the rest was dropped.
func (m *Mirror) Write(p []byte) (int, error) {
	if m.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := m.writeBuf.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(p) {
		dropped := len(p) - n
		m.droppedWrite.Add(uint64(dropped))
		m.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"queued":  n,
		}).Warn("PTY write queue full")
	}
	signal(m.writeReady)
	return n, nil
}

// Stats returns a snapshot of the counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		WriteQueueLen:   m.writeBuf.Length(),
		ReadQueueLen:    m.readBuf.Length(),
		DroppedWrite:    m.droppedWrite.Load(),
		DroppedRead:     m.droppedRead.Load(),
		BytesWritten:    m.bytesWritten.Load(),
		BytesRead:       m.bytesRead.Load(),
		LinesDispatched: m.lines.Load(),
	}
}

// Close stops the loops and releases both ends. Closing twice is a no-op.
func (m *Mirror) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	var errs []error
	if err := m.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := m.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-wait-close", func(context.Context) {
		m.wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(3*m.pollTimeout + time.Second):
		m.logger.WithField("tty", m.ttyName).Warn("PTY loops did not exit in time")
	}

	m.logger.WithField("tty", m.ttyName).Debug("PTY mirror closed")
	return errors.Join(errs...)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Mirror) fail(loop string, err error) {
	m.logger.WithError(err).WithField("loop", loop).Warn("PTY loop exiting")
	if m.onError != nil {
		m.errOnce.Do(func() {
			m.onError(fmt.Errorf("%s: %w", loop, err))
		})
	}
}

// poll waits until fd is ready for events or the poll timeout elapses.
func (m *Mirror) poll(fd int, events int16) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, int(m.pollTimeout/time.Millisecond))
	if err != nil && !errors.Is(err, syscall.EINTR) {
		m.logger.WithError(err).Debug("PTY poll failed")
	}
	return n > 0
}

func (m *Mirror) writeLoop(ctx context.Context) {
	fd := int(m.master.Fd())
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		if m.writeBuf.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-m.writeReady:
			}
			continue
		}

		n, err := m.writeBuf.TryRead(buf)
		if n == 0 || (err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty)) {
			continue
		}

		for off := 0; off < n && ctx.Err() == nil; {
			w, err := m.master.Write(buf[off:n])
			off += w
			m.bytesWritten.Add(uint64(w))
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				m.poll(fd, unix.POLLOUT)
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				m.fail("write", err)
				return
			}
		}
	}
}

func (m *Mirror) readLoop(ctx context.Context) {
	fd := int(m.master.Fd())
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		if !m.poll(fd, unix.POLLIN) {
			continue
		}

		n, err := m.master.Read(buf)
		if n > 0 {
			w, _ := m.readBuf.Write(buf[:n])
			if w < n {
				m.droppedRead.Add(uint64(n - w))
			}
			m.bytesRead.Add(uint64(w))
			signal(m.readReady)
		}

		switch {
		case err == nil:
		case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN):
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
			return
		default:
			// EIO is what Linux reports once no process holds the slave open
			if errors.Is(err, syscall.EIO) {
				continue
			}
			m.fail("read", err)
			return
		}
	}
}

func (m *Mirror) dispatch(ctx context.Context) {
	framer := peripheral.NewLineFramer(peripheral.DefaultMaxFrame, func(line []byte) {
		h := m.handler.Load()
		if h == nil {
			return
		}
		m.lines.Add(1)
		(*h)(string(line))
	})
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.readReady:
		}

		if m.handler.Load() == nil {
			continue
		}
		for ctx.Err() == nil {
			n, _ := m.readBuf.TryRead(buf)
			if n == 0 {
				break
			}
			_, _ = framer.Write(buf[:n])
		}
	}
}

// openRaw opens a PTY pair with the slave in raw mode and a non-blocking master.
func openRaw() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		return errors.Join(cause, master.Close(), slave.Close())
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to make PTY master non-blocking: %w", err))
	}
	return master, slave, nil
}
