package memory

import (
	"testing"

	"github.com/BLACK0X80/BLACK-KERNEL/bootinfo"
	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/demand"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/pagetable"
)

func newTestSubsystem(t *testing.T) (*Subsystem, *pagetable.SoftMMU) {
	t.Helper()
	mm := bootinfo.MemoryMap{
		{PhysAddress: uint64(memlayout.PageSize), Length: 64 * uint64(memlayout.PageSize), Type: bootinfo.Available},
	}
	mmu := pagetable.NewSoftMMU()
	s, err := Boot(mm, mmu, Config{HeapOrder: 3, EnableSlabForKmalloc: true, PageCacheMaxPages: 4}, nil, nil)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	return s, mmu
}

func TestBootWiresEveryLayer(t *testing.T) {
	s, _ := newTestSubsystem(t)

	if s.Buddy == nil || s.Heap == nil || s.PageRef == nil || s.Demand == nil || s.COW == nil || s.PageCache == nil {
		t.Fatal("expected Boot to populate every layer")
	}

	p := s.Heap.Kmalloc(64)
	if p == 0 {
		t.Fatal("expected kmalloc to succeed against a booted subsystem")
	}
	s.Heap.Kfree(p)
}

const root = pagetable.Root(0)

// TestHandlePageFaultResolvesViaDemandPaging covers the dispatch
// chain's first branch.
func TestHandlePageFaultResolvesViaDemandPaging(t *testing.T) {
	s, mmu := newTestSubsystem(t)

	start := memlayout.VAddr(0x10000)
	if err := s.Demand.RegisterRegion(root, start, memlayout.Size(memlayout.PageSize), demand.DemandPaged|demand.ZeroFill); err != nil {
		t.Fatalf("register region: %v", err)
	}

	if err := s.HandlePageFault(root, start, true); err != nil {
		t.Fatalf("expected demand paging to resolve the fault: %v", err)
	}
	if mmu.Translate(root, start) == 0 {
		t.Fatal("expected the page to be mapped")
	}
}

// TestHandlePageFaultResolvesViaCOW covers the dispatch chain falling
// through to COW once demand paging declines.
func TestHandlePageFaultResolvesViaCOW(t *testing.T) {
	s, mmu := newTestSubsystem(t)

	frame := s.Buddy.Alloc(0, buddy.Unmovable)
	virt := memlayout.VAddr(0x20000)
	mmu.Map(root, virt, frame, pagetable.Present|pagetable.Writable)
	if err := s.COW.Mark(root, virt); err != nil {
		t.Fatalf("mark: %v", err)
	}

	if err := s.HandlePageFault(root, virt, true); err != nil {
		t.Fatalf("expected COW to resolve the fault: %v", err)
	}
	pte := mmu.PTEPtr(root, virt)
	if !pte.HasFlags(pagetable.Writable) {
		t.Fatal("expected the page to be writable after COW resolution")
	}
}

func TestHandlePageFaultReportsUnhandled(t *testing.T) {
	s, _ := newTestSubsystem(t)
	if err := s.HandlePageFault(root, memlayout.VAddr(0x99999000), true); err == nil {
		t.Fatal("expected an error for a fault no layer claims")
	}
}

func TestShutdownDestroysRegisteredCaches(t *testing.T) {
	s, _ := newTestSubsystem(t)
	if s.CacheRegistry.Len() == 0 {
		t.Fatal("expected Boot to have registered at least the 8 kmalloc caches")
	}
	s.Shutdown()
	if s.CacheRegistry.Len() != 0 {
		t.Fatal("expected Shutdown to empty the registry")
	}
}
