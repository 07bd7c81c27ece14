// Package trace is the diagnostic sink the rest of the memory core writes
// to. It has no semantic effect on any allocator state machine:
// nothing ever branches on whether a trace write succeeded. It is
// grounded on gopheros/kernel/kfmt — a dependency-free Printf subset
// backed by a ring buffer until a real sink is attached — generalized
// here to run on a hosted Go runtime rather than before the runtime is
// initialized, so it delegates the actual formatting to fmt.Fprintf
// instead of reimplementing a verb parser.
package trace

import (
	"fmt"
	"io"
)

// Sink is anything that can receive formatted diagnostic output. A nil
// Sink is valid: writes are buffered into a RingBuffer instead and can
// be recovered later, mirroring kfmt's outputSink/earlyPrintBuffer
// split during early boot.
type Sink io.Writer

// Printf formats according to format and writes to sink. If sink is
// nil, the output goes to buf instead (pass nil for buf too to discard
// pre-attach output entirely).
func Printf(sink Sink, buf *RingBuffer, format string, args ...interface{}) {
	if sink != nil {
		fmt.Fprintf(sink, format, args...)
		return
	}
	if buf != nil {
		fmt.Fprintf(buf, format, args...)
	}
}

// ringBufferSize must be a power of two; sized to hold a handful of
// diagnostic lines before a sink is attached.
const ringBufferSize = 4096

// RingBuffer captures Printf output before a real Sink exists. It
// implements io.Writer and io.Reader so a later Drain can forward
// accumulated output to a newly attached writer, as kfmt.SetOutputSink copies
// earlyPrintBuffer into the newly attached writer.
type RingBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write implements io.Writer, overwriting the oldest bytes once the
// buffer wraps.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}
	return len(p), nil
}

// Read implements io.Reader, draining whatever has not yet been read.
func (rb *RingBuffer) Read(p []byte) (n int, err error) {
	switch {
	case rb.rIndex < rb.wIndex:
		n = rb.wIndex - rb.rIndex
		if pLen := len(p); pLen < n {
			n = pLen
		}
		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex += n
		return n, nil
	case rb.rIndex > rb.wIndex:
		n = len(rb.buffer) - rb.rIndex
		if pLen := len(p); pLen < n {
			n = pLen
		}
		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex += n
		if rb.rIndex == len(rb.buffer) {
			rb.rIndex = 0
		}
		return n, nil
	default:
		return 0, io.EOF
	}
}

// Drain copies everything buffered so far to w, the way SetOutputSink
// hands the earlyPrintBuffer's contents to the freshly attached sink.
func (rb *RingBuffer) Drain(w io.Writer) (int64, error) {
	return io.Copy(w, rb)
}
