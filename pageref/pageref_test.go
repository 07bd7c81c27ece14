package pageref

import (
	"testing"

	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
)

func newTestTable(t *testing.T, frames uint64, buckets uint64) (*Table, *buddy.Allocator) {
	t.Helper()
	size := memlayout.Size(frames * memlayout.PageSize)
	window := dmap.NewWindow(size + memlayout.PageSize)
	a := buddy.New(window, nil, nil)
	a.Init(memlayout.Phys(memlayout.PageSize), size)
	return NewTable(buckets, a, window, nil, nil), a
}

// TestPageRefSharedFrame covers universal invariant 5's core
// scenario: inc/dec keep a shared frame's lifetime tied to its
// refcount, not to any single owner.
func TestPageRefSharedFrame(t *testing.T) {
	table, a := newTestTable(t, 8, 16)

	frame := a.Alloc(0, buddy.Unmovable)
	if frame == 0 {
		t.Fatal("alloc failed")
	}

	table.Inc(frame)
	table.Inc(frame)
	table.Inc(frame)

	if got := table.Ref(frame); got != 3 {
		t.Fatalf("expected refcount 3, got %d", got)
	}

	table.Dec(frame)
	if got := table.Ref(frame); got != 2 {
		t.Fatalf("expected refcount 2 after one dec, got %d", got)
	}

	before := a.FreePages()
	table.Dec(frame)
	table.Dec(frame)

	if got := table.Ref(frame); got != 0 {
		t.Fatalf("expected refcount 0 (entry gone) after dropping to zero, got %d", got)
	}
	if got := a.FreePages(); got <= before {
		t.Fatalf("expected both the frame and the entry's backing frame to return to buddy: got %d want > %d", got, before)
	}
}

func TestPageRefGetOrCreateIsIdempotent(t *testing.T) {
	table, a := newTestTable(t, 8, 16)
	frame := a.Alloc(0, buddy.Unmovable)

	e1 := table.GetOrCreate(frame)
	e2 := table.GetOrCreate(frame)
	if e1 != e2 {
		t.Fatal("expected GetOrCreate to return the same entry for the same frame")
	}
}

func TestPageRefHashingIgnoresPageOffset(t *testing.T) {
	table, a := newTestTable(t, 8, 16)
	frame := a.Alloc(0, buddy.Unmovable)

	table.Inc(frame + 17) // any offset within the page should alias the same entry
	if got := table.Ref(frame); got != 1 {
		t.Fatalf("expected incrementing an offset within the page to hit the page-aligned entry, got %d", got)
	}
}

func TestPageRefDecOnMissingEntryIsNoop(t *testing.T) {
	table, _ := newTestTable(t, 8, 16)
	table.Dec(memlayout.Phys(0xABCD000))
}

func TestPageRefRefOnAbsentFrameIsZero(t *testing.T) {
	table, _ := newTestTable(t, 8, 16)
	if got := table.Ref(memlayout.Phys(0x1000)); got != 0 {
		t.Fatalf("expected 0 for an absent frame, got %d", got)
	}
}
