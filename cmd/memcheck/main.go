// Command memcheck builds a memory.Subsystem over a simulated memory
// map and runs six end-to-end scenarios, printing PASS/FAIL for each
// one. It is a small, flat main package rather than a test binary,
// since it exercises the subsystem the way a kernel's own boot-time
// self-check would.
package main

import (
	"fmt"
	"os"

	"github.com/BLACK0X80/BLACK-KERNEL/bootinfo"
	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/demand"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/memory"
	"github.com/BLACK0X80/BLACK-KERNEL/pagetable"
	"github.com/BLACK0X80/BLACK-KERNEL/slab"
)

const (
	rootA = pagetable.Root(0)
	rootB = pagetable.Root(1)
)

func main() {
	mm := bootinfo.MemoryMap{
		{PhysAddress: uint64(memlayout.PageSize), Length: 256 * uint64(memlayout.PageSize), Type: bootinfo.Available},
	}
	mmu := pagetable.NewSoftMMU()
	cfg := memory.Config{HeapOrder: 4, EnableSlabForKmalloc: true, PageCacheMaxPages: 3}

	sub, err := memory.Boot(mm, mmu, cfg, os.Stdout, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[memcheck] boot failed: %v\n", err)
		os.Exit(1)
	}

	scenarios := []struct {
		name string
		run  func(*memory.Subsystem, *pagetable.SoftMMU) error
	}{
		{"E1 buddy coalesce", e1BuddyCoalesce},
		{"E2 heap header dispatch", e2HeapHeaderDispatch},
		{"E3 slab magazine hit", e3SlabMagazineHit},
		{"E4 demand paging zero-fill", e4DemandZeroFill},
		{"E5 COW split", e5CowSplit},
		{"E6 page-cache LRU", e6PageCacheLRU},
	}

	failures := 0
	for _, s := range scenarios {
		if err := s.run(sub, mmu); err != nil {
			fmt.Printf("FAIL %s: %v\n", s.name, err)
			failures++
			continue
		}
		fmt.Printf("PASS %s\n", s.name)
	}

	if failures > 0 {
		os.Exit(1)
	}
}

func e1BuddyCoalesce(sub *memory.Subsystem, _ *pagetable.SoftMMU) error {
	a := sub.Buddy.Alloc(0, buddy.Unmovable)
	b := sub.Buddy.Alloc(0, buddy.Unmovable)
	if a == 0 || b == 0 {
		return fmt.Errorf("expected both allocations to succeed")
	}
	sub.Buddy.Free(a, 0)
	sub.Buddy.Free(b, 0)

	if sub.Buddy.OrderStats(0) != 0 {
		return fmt.Errorf("expected order_stats(0) == 0 after coalescing")
	}
	var higher uint64
	for order := 1; order <= memlayout.MaxOrder; order++ {
		higher += sub.Buddy.OrderStats(order)
	}
	if higher == 0 {
		return fmt.Errorf("expected a coalesced block at order >= 1")
	}
	return nil
}

func e2HeapHeaderDispatch(sub *memory.Subsystem, _ *pagetable.SoftMMU) error {
	p := sub.Heap.Kmalloc(128)
	if p == 0 {
		return fmt.Errorf("kmalloc(128) failed")
	}
	hdr := sub.Heap.HeaderAt(p)
	want := []byte{0xEF, 0xBE, 0xAD, 0xDE, 0x80, 0x00, 0x00, 0x00}
	for i, b := range want {
		if hdr[i] != b {
			return fmt.Errorf("header byte %d: got %#x want %#x", i, hdr[i], b)
		}
	}
	sub.Heap.Kfree(p)
	return nil
}

func e3SlabMagazineHit(sub *memory.Subsystem, _ *pagetable.SoftMMU) error {
	cache, err := slab.Create("memcheck-t", 64, 8, sub.Buddy, sub.Window, nil, nil)
	if err != nil {
		return err
	}
	a := cache.Alloc()
	if a == 0 {
		return fmt.Errorf("first alloc failed")
	}
	cache.Free(a)
	_, _, hitsBefore := cache.Stats()
	b := cache.Alloc()
	if b != a {
		return fmt.Errorf("expected magazine reuse: got %#x want %#x", b, a)
	}
	_, _, hitsAfter := cache.Stats()
	if hitsAfter <= hitsBefore {
		return fmt.Errorf("expected hit counter to advance")
	}
	return nil
}

func e4DemandZeroFill(sub *memory.Subsystem, mmu *pagetable.SoftMMU) error {
	start := memlayout.VAddr(0x100000)
	if err := sub.Demand.RegisterRegion(rootA, start, memlayout.Size(0x1000), demand.DemandPaged|demand.ZeroFill); err != nil {
		return err
	}
	if err := sub.Demand.HandleFault(rootA, start); err != nil {
		return err
	}
	phys := mmu.Translate(rootA, start)
	if phys == 0 {
		return fmt.Errorf("expected the page to be mapped")
	}
	for i, b := range sub.Window.Bytes(phys, memlayout.PageSize) {
		if b != 0 {
			return fmt.Errorf("byte %d not zeroed: %#x", i, b)
		}
	}
	return nil
}

func e5CowSplit(sub *memory.Subsystem, mmu *pagetable.SoftMMU) error {
	virt := memlayout.VAddr(0x400000)
	frame := sub.Buddy.Alloc(0, buddy.Unmovable)
	pattern := sub.Window.Bytes(frame, memlayout.PageSize)
	for i := range pattern {
		pattern[i] = byte(i & 0xFF)
	}

	mmu.Map(rootA, virt, frame, pagetable.Present|pagetable.Writable)
	mmu.Map(rootB, virt, frame, pagetable.Present|pagetable.Writable)
	if err := sub.COW.Mark(rootA, virt); err != nil {
		return err
	}
	if err := sub.COW.Mark(rootB, virt); err != nil {
		return err
	}
	if got := sub.PageRef.Ref(frame); got != 2 {
		return fmt.Errorf("expected ref(phys) == 2, got %d", got)
	}

	if err := sub.COW.HandleFault(rootA, virt); err != nil {
		return err
	}
	newFrame := mmu.Translate(rootA, virt)
	if newFrame == frame {
		return fmt.Errorf("expected rootA's mapping to move to a new frame")
	}
	newContent := sub.Window.Bytes(newFrame, memlayout.PageSize)
	for i, b := range newContent {
		if b != byte(i&0xFF) {
			return fmt.Errorf("copied byte %d mismatch: got %#x", i, b)
		}
	}
	if got := sub.PageRef.Ref(frame); got != 1 {
		return fmt.Errorf("expected ref(phys) == 1 after the split, got %d", got)
	}
	return nil
}

func e6PageCacheLRU(sub *memory.Subsystem, _ *pagetable.SoftMMU) error {
	p1 := sub.Buddy.Alloc(0, buddy.Unmovable)
	p2 := sub.Buddy.Alloc(0, buddy.Unmovable)
	p3 := sub.Buddy.Alloc(0, buddy.Unmovable)
	p4 := sub.Buddy.Alloc(0, buddy.Unmovable)

	sub.PageCache.Insert(1, 0, p1)
	sub.PageCache.Insert(2, 0, p2)
	sub.PageCache.Insert(3, 0, p3)
	sub.PageCache.Insert(4, 0, p4)

	if sub.PageCache.Lookup(1, 0) != 0 {
		return fmt.Errorf("expected (1,0) to be evicted")
	}
	if got := sub.PageCache.Lookup(4, 0); got != p4 {
		return fmt.Errorf("expected (4,0) == p4, got %#x", got)
	}
	if _, _, total := sub.PageCache.Stats(); total != 3 {
		return fmt.Errorf("expected total_pages == 3, got %d", total)
	}
	return nil
}
