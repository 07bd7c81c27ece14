package demand

import (
	"testing"

	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/pagetable"
)

func newTestManager(t *testing.T, frames uint64) (*Manager, *pagetable.SoftMMU, *buddy.Allocator) {
	t.Helper()
	size := memlayout.Size(frames * memlayout.PageSize)
	window := dmap.NewWindow(size + memlayout.PageSize)
	a := buddy.New(window, nil, nil)
	a.Init(memlayout.Phys(memlayout.PageSize), size)

	mmu := pagetable.NewSoftMMU()
	m, err := NewManager(mmu, a, window, nil, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, mmu, a
}

const root = pagetable.Root(0)

// TestDemandZeroFillFault exercises scenario E4.
func TestDemandZeroFillFault(t *testing.T) {
	m, mmu, _ := newTestManager(t, 32)

	start := memlayout.VAddr(0x100000)
	if err := m.RegisterRegion(root, start, memlayout.Size(0x1000), DemandPaged|ZeroFill); err != nil {
		t.Fatalf("register region: %v", err)
	}

	if err := m.HandleFault(root, start); err != nil {
		t.Fatalf("handle fault: %v", err)
	}

	phys := mmu.Translate(root, start)
	if phys == 0 {
		t.Fatal("expected the page to be mapped after the fault")
	}
}

func TestDemandRejectsOverlappingRegions(t *testing.T) {
	m, _, _ := newTestManager(t, 32)

	if err := m.RegisterRegion(root, memlayout.VAddr(0x1000), memlayout.Size(0x2000), DemandPaged); err != nil {
		t.Fatalf("register region: %v", err)
	}
	if err := m.RegisterRegion(root, memlayout.VAddr(0x2000), memlayout.Size(0x1000), DemandPaged); err == nil {
		t.Fatal("expected an overlap error")
	}
}

func TestDemandFaultOutsideAnyRegionFails(t *testing.T) {
	m, _, _ := newTestManager(t, 32)
	if err := m.RegisterRegion(root, memlayout.VAddr(0x1000), memlayout.Size(0x1000), DemandPaged); err != nil {
		t.Fatalf("register region: %v", err)
	}
	if err := m.HandleFault(root, memlayout.VAddr(0x50000)); err == nil {
		t.Fatal("expected 'not a demand fault' for an address outside any region")
	}
}

func TestDemandFaultOnNonDemandRegionFails(t *testing.T) {
	m, _, _ := newTestManager(t, 32)
	if err := m.RegisterRegion(root, memlayout.VAddr(0x1000), memlayout.Size(0x1000), FileBacked); err != nil {
		t.Fatalf("register region: %v", err)
	}
	if err := m.HandleFault(root, memlayout.VAddr(0x1000)); err == nil {
		t.Fatal("expected an error faulting in a region without DEMAND_PAGED set")
	}
}

func TestDemandDoubleFaultIsIdempotent(t *testing.T) {
	m, mmu, _ := newTestManager(t, 32)
	start := memlayout.VAddr(0x1000)
	m.RegisterRegion(root, start, memlayout.Size(0x1000), DemandPaged)

	if err := m.HandleFault(root, start); err != nil {
		t.Fatalf("first fault: %v", err)
	}
	first := mmu.Translate(root, start)

	if err := m.HandleFault(root, start); err != nil {
		t.Fatalf("second fault: %v", err)
	}
	if got := mmu.Translate(root, start); got != first {
		t.Fatalf("expected refaulting an already-mapped page to be a no-op, got frame %#x want %#x", got, first)
	}
}

// TestDemandRoundTrip covers universal invariant 8: register,
// fault every page in, unregister returns to the initial free count.
func TestDemandRoundTrip(t *testing.T) {
	m, _, a := newTestManager(t, 32)

	before := a.FreePages()

	start := memlayout.VAddr(0x1000)
	size := memlayout.Size(3 * memlayout.PageSize)
	if err := m.RegisterRegion(root, start, size, DemandPaged|ZeroFill); err != nil {
		t.Fatalf("register region: %v", err)
	}
	for v := start; v < start+memlayout.VAddr(size); v += memlayout.VAddr(memlayout.PageSize) {
		if err := m.HandleFault(root, v); err != nil {
			t.Fatalf("handle fault at %#x: %v", v, err)
		}
	}

	if err := m.UnregisterRegion(root, start); err != nil {
		t.Fatalf("unregister region: %v", err)
	}

	if got := a.FreePages(); got != before {
		t.Fatalf("expected free pages to return to %d after round trip, got %d", before, got)
	}
}

func TestDemandUnregisterUnknownRegionFails(t *testing.T) {
	m, _, _ := newTestManager(t, 32)
	if err := m.UnregisterRegion(root, memlayout.VAddr(0x9000)); err == nil {
		t.Fatal("expected an error unregistering a region that was never registered")
	}
}
