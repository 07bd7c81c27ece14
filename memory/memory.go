// Package memory wires the L0-L3 layers into a single constructible
// value, per the design ("package as a single memory subsystem
// value... rather than file-scope singletons") and its
// constructor-injection rule. It is the module's analogue of the
// teacher's kernel/mem package pulling pmm and vmm together, except
// every collaborator here — walker, memory map, trace sink — is
// passed in rather than reached through a package-level var.
package memory

import (
	"github.com/BLACK0X80/BLACK-KERNEL/bootinfo"
	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/cow"
	"github.com/BLACK0X80/BLACK-KERNEL/demand"
	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/heap"
	"github.com/BLACK0X80/BLACK-KERNEL/kernerr"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/pagecache"
	"github.com/BLACK0X80/BLACK-KERNEL/pageref"
	"github.com/BLACK0X80/BLACK-KERNEL/pagetable"
	"github.com/BLACK0X80/BLACK-KERNEL/slab"
	"github.com/BLACK0X80/BLACK-KERNEL/trace"
)

// Config bounds the sizes a caller may tune at boot. Zero values fall
// back to the memlayout defaults.
type Config struct {
	HeapOrder            int
	PageRefBuckets       uint64
	PageCacheBuckets     uint64
	PageCacheMaxPages    uint64
	EnableSlabForKmalloc bool
}

// Source is the involuntary page-fault entry point the design names
// as an external collaborator, modeled on gopheros/kernel/mem/vmm's
// pageFaultHandler: it delivers (faultAddr, write) to whatever wires
// it to a real trap frame. memory.Subsystem itself satisfies the
// dispatch half of that contract via HandlePageFault.
type Source func(faultAddr uintptr, write bool)

// Subsystem owns every layer of the memory core: the buddy allocator
// (L1), the slab/pool/heap allocators (L2), and the page-ref/demand/
// COW/page-cache services (L3). It is built once at boot from a
// bootinfo.MemoryMap and a pagetable.Walker and passed by reference
// from then on, never reached through a package-level singleton.
type Subsystem struct {
	Window *dmap.Window
	Buddy  *buddy.Allocator

	SlabCaches    [8]*slab.Cache
	Heap          *heap.Heap
	CacheRegistry *slab.Registry

	PageRef   *pageref.Table
	Demand    *demand.Manager
	COW       *cow.Engine
	PageCache *pagecache.Table

	walker pagetable.Walker
	sink   trace.Sink
	ring   *trace.RingBuffer
}

// Boot builds a Subsystem the way its control flow describes:
// the memory-map parser selects the largest usable region and hands it
// to the buddy allocator; the slab caches are initialized next; a
// contiguous virtual heap range is donated to the general heap, which
// then enables slab so small requests route through L2; L3 services
// initialize their own tables last.
func Boot(mm bootinfo.MemoryMap, walker pagetable.Walker, cfg Config, sink trace.Sink, ring *trace.RingBuffer) (*Subsystem, error) {
	region, ok := mm.Largest()
	if !ok {
		return nil, kernerr.New("memory", "no available region in the supplied memory map")
	}

	memStart := memlayout.Phys(region.PhysAddress).PageBase()
	if memStart == 0 {
		// Frame 0 is reserved (memlayout.Phys's "no frame" sentinel);
		// start the usable region one frame in, same as every other
		// package's test fixtures do.
		memStart = memlayout.Phys(memlayout.PageSize)
	}
	size := memlayout.Size(region.Length)

	window := dmap.NewWindow(memlayout.Size(memStart) + size)
	buddyAlloc := buddy.New(window, sink, ring)
	buddyAlloc.Init(memStart, size)

	registry := &slab.Registry{}

	caches, err := heap.NewSlabCaches(buddyAlloc, window, sink, ring)
	if err != nil {
		return nil, err
	}
	for _, c := range caches {
		registry.Register(c)
	}

	h := heap.New(buddyAlloc, window, sink, ring)
	order := cfg.HeapOrder
	if order == 0 {
		order = 4
	}
	if err := h.Init(order); err != nil {
		return nil, err
	}
	if cfg.EnableSlabForKmalloc {
		h.EnableSlab(caches)
	}

	pageRef := pageref.NewTable(cfg.PageRefBuckets, buddyAlloc, window, sink, ring)

	demandMgr, err := demand.NewManager(walker, buddyAlloc, window, sink, ring)
	if err != nil {
		return nil, err
	}
	registry.Register(demandMgr.RegionCache())

	cowEngine := cow.NewEngine(walker, pageRef, buddyAlloc, window, sink, ring)

	pageCache := pagecache.NewTable(cfg.PageCacheMaxPages, cfg.PageCacheBuckets, buddyAlloc, window, sink, ring)

	return &Subsystem{
		Window:        window,
		Buddy:         buddyAlloc,
		SlabCaches:    caches,
		Heap:          h,
		CacheRegistry: registry,
		PageRef:       pageRef,
		Demand:        demandMgr,
		COW:           cowEngine,
		PageCache:     pageCache,
		walker:        walker,
		sink:          sink,
		ring:          ring,
	}, nil
}

// HandlePageFault is the involuntary entry point the design describes:
// "it consults demand paging, then COW, then reports an unhandled
// fault." A successful resolution by either layer returns nil; if
// neither claims the fault, the caller (a real trap handler) is
// expected to escalate, matching its reservation of panics
// for "the page-fault dispatcher's last-resort branch."
func (s *Subsystem) HandlePageFault(root pagetable.Root, virt memlayout.VAddr, write bool) error {
	if err := s.Demand.HandleFault(root, virt); err == nil {
		return nil
	}

	if write {
		if err := s.COW.HandleFault(root, virt); err == nil {
			return nil
		}
	}

	trace.Printf(s.sink, s.ring, "[memory] unhandled page fault at %#x (write=%v)\n", uintptr(virt), write)
	return kernerr.New("memory", "unhandled page fault")
}

// Shutdown tears down every slab cache this subsystem created,
// returning their backing frames to the buddy allocator — the
// registry-driven teardown the design carries forward from
// original_source's g_cache_list_lock-guarded destroy-all pass.
func (s *Subsystem) Shutdown() {
	s.CacheRegistry.DestroyAll()
}
