package peripheral

import "bytes"

// DefaultMaxFrame bounds a single line; longer runs without a newline are
// flushed as one frame so a peripheral that never sends '\n' cannot grow
// the buffer without limit.
const DefaultMaxFrame = 4096

// LineFramer turns an arbitrary chunked byte stream into newline-delimited
// frames. Trailing '\r' is stripped; empty lines are skipped.
// It is not safe for concurrent use.
type LineFramer struct {
	buf      bytes.Buffer
	maxFrame int
	onFrame  func([]byte)
}

// NewLineFramer creates a framer that calls onFrame for every complete line.
func NewLineFramer(maxFrame int, onFrame func([]byte)) *LineFramer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &LineFramer{maxFrame: maxFrame, onFrame: onFrame}
}

// Write appends a chunk and dispatches any complete frames. It never fails.
func (f *LineFramer) Write(p []byte) (int, error) {
	f.buf.Write(p)

	for {
		data := f.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if len(data) >= f.maxFrame {
				f.emit(f.buf.Next(len(data)))
			}
			return len(p), nil
		}
		line := f.buf.Next(idx + 1)
		f.emit(line[:idx])
	}
}

// Flush emits whatever is buffered as a final frame.
func (f *LineFramer) Flush() {
	if f.buf.Len() > 0 {
		f.emit(f.buf.Next(f.buf.Len()))
	}
}

// Reset drops any partially received frame.
func (f *LineFramer) Reset() {
	f.buf.Reset()
}

func (f *LineFramer) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	frame := make([]byte, len(line))
	copy(frame, line)
	if f.onFrame != nil {
		f.onFrame(frame)
	}
}
