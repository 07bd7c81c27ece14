package trace

import "testing"

func TestPrintfWritesToSink(t *testing.T) {
	var buf ringBufferCapture
	Printf(&buf, nil, "frame %x leaked\n", 0x1000)
	if got := buf.String(); got != "frame 1000 leaked\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestPrintfBuffersWithoutSink(t *testing.T) {
	var rb RingBuffer
	Printf(nil, &rb, "zone %s empty\n", "UNMOVABLE")

	var out ringBufferCapture
	if _, err := rb.Drain(&out); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := out.String(); got != "zone UNMOVABLE empty\n" {
		t.Fatalf("unexpected buffered output: %q", got)
	}
}

func TestRingBufferWrapsWithoutOverflow(t *testing.T) {
	var rb RingBuffer
	payload := make([]byte, ringBufferSize+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if n, err := rb.Write(payload); err != nil || n != len(payload) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	var out ringBufferCapture
	if _, err := rb.Drain(&out); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if out.Len() > ringBufferSize {
		t.Fatalf("drained more than capacity: %d", out.Len())
	}
}

// ringBufferCapture is a minimal byte-accumulating io.Writer, used in
// place of bytes.Buffer to keep the test self-contained.
type ringBufferCapture struct {
	data []byte
}

func (c *ringBufferCapture) Write(p []byte) (int, error) {
	c.data = append(c.data, p...)
	return len(p), nil
}

func (c *ringBufferCapture) String() string { return string(c.data) }
func (c *ringBufferCapture) Len() int       { return len(c.data) }
