package dmap

import (
	"testing"

	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
)

func TestWindowZeroAndCopy(t *testing.T) {
	w := NewWindow(4 * memlayout.PageSize)

	b := w.Bytes(0, memlayout.PageSize)
	for i := range b {
		b[i] = 0xAA
	}

	w.Copy(memlayout.PageSize, 0, memlayout.PageSize)
	copied := w.Bytes(memlayout.PageSize, memlayout.PageSize)
	for i, v := range copied {
		if v != 0xAA {
			t.Fatalf("byte %d not copied: got %#x", i, v)
		}
	}

	w.Zero(memlayout.PageSize, memlayout.PageSize)
	for i, v := range copied {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: got %#x", i, v)
		}
	}
}

func TestWindowOutOfRangePanics(t *testing.T) {
	w := NewWindow(memlayout.PageSize)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-range access")
		}
	}()
	_ = w.Bytes(memlayout.PageSize, memlayout.PageSize)
}

func TestWindowSizeRoundsUpToFrame(t *testing.T) {
	w := NewWindow(1)
	if w.Size() != memlayout.PageSize {
		t.Fatalf("expected size to round up to one page, got %d", w.Size())
	}
}
