// Package buddy implements the page-granular physical allocator
// the design specifies: per-zone free lists by order, a shared
// allocation bitmap, and an in-block intrusive free list threaded
// through each free block's own bytes. It is grounded on
// original_source/kernel/mm/buddy.c (buddy_init/buddy_alloc_pages/
// buddy_free_pages/buddy_get_*), adapted from raw pointer arithmetic
// over a linked buddy_block_t to reads/writes through a dmap.Window,
// per its "arena of indices... the buddy free list must stay
// in-block because the block itself is the node."
package buddy

import (
	"encoding/binary"

	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/sync2"
	"github.com/BLACK0X80/BLACK-KERNEL/trace"
)

// Zone names the three fixed policies the design lists.
type Zone int

const (
	// Unmovable holds kernel-internal allocations; the default zone
	// buddy_init's greedy decomposition seeds (original_source's
	// buddy_init never seeds RECLAIMABLE or MOVABLE, a simplification
	// this port keeps — see DESIGN.md).
	Unmovable Zone = iota
	Reclaimable
	Movable
	zoneCount
)

func (z Zone) String() string {
	switch z {
	case Unmovable:
		return "UNMOVABLE"
	case Reclaimable:
		return "RECLAIMABLE"
	case Movable:
		return "MOVABLE"
	default:
		return "UNKNOWN"
	}
}

// Flags mirrors the GFP-style vocabulary original_source/include/mm/gfp.h
// defines (the design): a zone selector plus a small set of
// allocation-policy bits. This core has no interrupt-disable context
// and no DMA-restricted zone, so Atomic/NoWait/DMA are accepted and
// carried but never change behavior, matching buddy_alloc_pages_flags's
// own comment that GFP_ATOMIC needs "no special handling in current
// implementation."
type Flags uint32

const (
	FlagZero Flags = 1 << iota
	FlagAtomic
	FlagNoWait
	FlagDMA
	FlagReclaimable
	FlagMovable
)

const maxOrder = memlayout.MaxOrder

// zone is one policy partition's free-list state.
type zone struct {
	lock      sync2.Spinlock
	freeHead  [maxOrder + 1]memlayout.Phys
	freeCount [maxOrder + 1]uint64
	totalPages uint64
	freePages  uint64
}

// Allocator is the L1 buddy allocator. A single Allocator owns one
// shared allocation bitmap and one zone-ownership table across all
// three zones, matching the single g_allocation_bitmap in
// original_source — only its seeded range (from Init) ever holds
// live frames.
type Allocator struct {
	window *dmap.Window
	sink   trace.Sink
	ring   *trace.RingBuffer

	memoryStart memlayout.Phys
	frameCount  uint64

	zones  [zoneCount]zone
	bitmap []byte // one bit per frame, set while the frame is an allocation head
	zoneOf []Zone // zone owning each frame index, valid only where seeded
	seeded []bool // whether a frame index has been assigned to any zone
}

// New constructs an Allocator without seeding any memory. Call Init to
// seed the default zone, the way original_source's buddy_init is a
// separate call from allocator construction.
func New(window *dmap.Window, sink trace.Sink, ring *trace.RingBuffer) *Allocator {
	return &Allocator{window: window, sink: sink, ring: ring}
}

// Init seeds the UNMOVABLE zone with a greedy power-of-two
// decomposition of [memoryStart, memoryStart+memorySize), exactly as
// original_source's buddy_init does: at each step, the largest order
// whose 2^k frames both fit in the remaining span and whose current
// base is 2^k-frame-aligned. memoryStart must be frame-aligned and
// nonzero (frame 0 is reserved, memlayout.Phys's "no frame" sentinel).
func (a *Allocator) Init(memoryStart memlayout.Phys, memorySize memlayout.Size) {
	a.memoryStart = memoryStart
	a.frameCount = uint64(memlayout.PagesFor(memorySize))
	a.bitmap = make([]byte, (a.frameCount+7)/8)
	a.zoneOf = make([]Zone, a.frameCount)
	a.seeded = make([]bool, a.frameCount)

	z := &a.zones[Unmovable]
	z.totalPages = a.frameCount
	z.freePages = a.frameCount

	var (
		frameIdx  uint64
		remaining = a.frameCount
	)
	for remaining > 0 {
		order := maxOrder
		for order > 0 && (uint64(1)<<uint(order) > remaining || frameIdx&((1<<uint(order))-1) != 0) {
			order--
		}
		base := a.memoryStart + memlayout.Phys(frameIdx*memlayout.PageSize)
		a.markZoneRange(frameIdx, uint64(1)<<uint(order), Unmovable)
		a.listAdd(z, order, base)

		step := uint64(1) << uint(order)
		frameIdx += step
		remaining -= step
	}
}

func (a *Allocator) markZoneRange(startFrame, count uint64, z Zone) {
	for i := startFrame; i < startFrame+count; i++ {
		a.zoneOf[i] = z
		a.seeded[i] = true
	}
}

func (a *Allocator) frameIndex(phys memlayout.Phys) uint64 {
	return uint64(phys-a.memoryStart) / memlayout.PageSize
}

func (a *Allocator) inRange(frameIdx uint64) bool {
	return frameIdx < a.frameCount && a.seeded[frameIdx]
}

// --- allocation bitmap -----------------------------------------------------

func (a *Allocator) bitSet(frameIdx uint64) {
	a.bitmap[frameIdx/8] |= 1 << (frameIdx % 8)
}

func (a *Allocator) bitClear(frameIdx uint64) {
	a.bitmap[frameIdx/8] &^= 1 << (frameIdx % 8)
}

func (a *Allocator) bitTest(frameIdx uint64) bool {
	return a.bitmap[frameIdx/8]&(1<<(frameIdx%8)) != 0
}

// --- in-block free list -----------------------------------------------------
//
// Each free block's own first 16 bytes hold {next, prev Phys}, written
// through the dmap window rather than a Go pointer, per the design.

func (a *Allocator) readLink(phys memlayout.Phys) (next, prev memlayout.Phys) {
	b := a.window.Bytes(phys, 16)
	next = memlayout.Phys(binary.LittleEndian.Uint64(b[0:8]))
	prev = memlayout.Phys(binary.LittleEndian.Uint64(b[8:16]))
	return
}

func (a *Allocator) writeLink(phys memlayout.Phys, next, prev memlayout.Phys) {
	b := a.window.Bytes(phys, 16)
	binary.LittleEndian.PutUint64(b[0:8], uint64(next))
	binary.LittleEndian.PutUint64(b[8:16], uint64(prev))
}

func (a *Allocator) listAdd(z *zone, order int, phys memlayout.Phys) {
	head := z.freeHead[order]
	a.writeLink(phys, head, 0)
	if head != 0 {
		headNext, _ := a.readLink(head)
		a.writeLink(head, headNext, phys)
	}
	z.freeHead[order] = phys
	z.freeCount[order]++
}

func (a *Allocator) listRemove(z *zone, order int, phys memlayout.Phys) {
	next, prev := a.readLink(phys)
	if prev != 0 {
		_, prevPrev := a.readLink(prev)
		a.writeLink(prev, next, prevPrev)
	} else {
		z.freeHead[order] = next
	}
	if next != 0 {
		nextNext, _ := a.readLink(next)
		a.writeLink(next, nextNext, prev)
	}
	z.freeCount[order]--
}

// listContains scans order's free list for phys, mirroring
// original_source's linear scan for the buddy address during
// coalescing (buddy_free_pages's `while (current) { ... }` loop).
func (a *Allocator) listContains(z *zone, order int, phys memlayout.Phys) bool {
	for cur := z.freeHead[order]; cur != 0; {
		if cur == phys {
			return true
		}
		cur, _ = a.readLink(cur)
	}
	return false
}

// --- public contract --------------------------------------------------------

// Alloc returns the base of a 2^order-frame block from zone, or 0 if
// the zone cannot satisfy the request. It never falls through to
// another zone.
func (a *Allocator) Alloc(order int, z Zone) memlayout.Phys {
	if order < 0 || order > maxOrder {
		trace.Printf(a.sink, a.ring, "[buddy] invalid order %d (max %d)\n", order, maxOrder)
		return 0
	}
	if z < 0 || z >= zoneCount {
		trace.Printf(a.sink, a.ring, "[buddy] invalid zone %d, using UNMOVABLE\n", int(z))
		z = Unmovable
	}

	zn := &a.zones[z]
	zn.lock.Acquire()
	defer zn.lock.Release()

	cur := order
	for cur <= maxOrder && zn.freeHead[cur] == 0 {
		cur++
	}
	if cur > maxOrder {
		trace.Printf(a.sink, a.ring, "[buddy] out of memory (order %d, zone %s)\n", order, z)
		return 0
	}

	block := zn.freeHead[cur]
	a.listRemove(zn, cur, block)

	for cur > order {
		cur--
		buddyPhys := block + memlayout.Phys((uint64(1)<<uint(cur))*memlayout.PageSize)
		a.listAdd(zn, cur, buddyPhys)
	}

	a.bitSet(a.frameIndex(block))
	zn.freePages -= uint64(1) << uint(order)
	return block
}

// AllocFlags extracts a zone from flags with priority
// MOVABLE > RECLAIMABLE > UNMOVABLE and optionally zero-fills.
func (a *Allocator) AllocFlags(order int, flags Flags) memlayout.Phys {
	z := Unmovable
	switch {
	case flags&FlagMovable != 0:
		z = Movable
	case flags&FlagReclaimable != 0:
		z = Reclaimable
	}

	phys := a.Alloc(order, z)
	if phys == 0 {
		return 0
	}
	if flags&FlagZero != 0 {
		a.window.Zero(phys, uintptr(uint64(1)<<uint(order))*memlayout.PageSize)
	}
	return phys
}

// Free returns a block to its owning zone, coalescing with its buddy
// while eligible.
func (a *Allocator) Free(phys memlayout.Phys, order int) {
	if order < 0 || order > maxOrder {
		trace.Printf(a.sink, a.ring, "[buddy] invalid order %d in free\n", order)
		return
	}
	if phys == 0 {
		trace.Printf(a.sink, a.ring, "[buddy] attempt to free address 0\n")
		return
	}
	frameIdx := a.frameIndex(phys)
	if !a.inRange(frameIdx) {
		trace.Printf(a.sink, a.ring, "[buddy] address %#x out of range\n", uintptr(phys))
		return
	}
	if uintptr(phys)%memlayout.PageSize != 0 {
		trace.Printf(a.sink, a.ring, "[buddy] address %#x not page-aligned\n", uintptr(phys))
		return
	}

	z := a.zoneOf[frameIdx]
	zn := &a.zones[z]
	zn.lock.Acquire()
	defer zn.lock.Release()

	a.bitClear(frameIdx)

	curAddr := phys
	curOrder := order
	for curOrder < maxOrder {
		curFrame := a.frameIndex(curAddr)
		buddyFrame := curFrame ^ (uint64(1) << uint(curOrder))
		if !a.inRange(buddyFrame) || a.zoneOf[buddyFrame] != z {
			break
		}
		if a.bitTest(buddyFrame) {
			break
		}
		buddyAddr := a.memoryStart + memlayout.Phys(buddyFrame*memlayout.PageSize)
		if !a.listContains(zn, curOrder, buddyAddr) {
			break
		}

		a.listRemove(zn, curOrder, buddyAddr)
		if buddyAddr < curAddr {
			curAddr = buddyAddr
		}
		curOrder++
	}

	a.listAdd(zn, curOrder, curAddr)
	zn.freePages += uint64(1) << uint(order)
}

// FreePages returns the sum of free pages across all zones, briefly
// locking each zone in turn — the design calls this "inherently
// approximate under contention; no global snapshot is promised."
func (a *Allocator) FreePages() uint64 {
	var total uint64
	for i := range a.zones {
		a.zones[i].lock.Acquire()
		total += a.zones[i].freePages
		a.zones[i].lock.Release()
	}
	return total
}

// TotalPages sums total pages across all zones.
func (a *Allocator) TotalPages() uint64 {
	var total uint64
	for i := range a.zones {
		a.zones[i].lock.Acquire()
		total += a.zones[i].totalPages
		a.zones[i].lock.Release()
	}
	return total
}

// OrderStats returns the number of free blocks of the given order,
// summed across zones.
func (a *Allocator) OrderStats(order int) uint64 {
	if order < 0 || order > maxOrder {
		return 0
	}
	var total uint64
	for i := range a.zones {
		a.zones[i].lock.Acquire()
		total += a.zones[i].freeCount[order]
		a.zones[i].lock.Release()
	}
	return total
}

// ZoneFreePages and ZoneTotalPages report single-zone figures, used by
// DumpZone and by tests that need to distinguish zones.
func (a *Allocator) ZoneFreePages(z Zone) uint64 {
	zn := &a.zones[z]
	zn.lock.Acquire()
	defer zn.lock.Release()
	return zn.freePages
}

func (a *Allocator) ZoneTotalPages(z Zone) uint64 {
	zn := &a.zones[z]
	zn.lock.Acquire()
	defer zn.lock.Release()
	return zn.totalPages
}

// DumpStats prints the per-order and per-zone table original_source's
// buddy_dump_stats formats (the design).
func (a *Allocator) DumpStats(sink trace.Sink) {
	total, free := a.TotalPages(), a.FreePages()
	trace.Printf(sink, nil, "[buddy] total=%dK free=%dK used=%dK\n",
		total*memlayout.PageSize/1024, free*memlayout.PageSize/1024, (total-free)*memlayout.PageSize/1024)
	for order := 0; order <= maxOrder; order++ {
		if c := a.OrderStats(order); c > 0 {
			trace.Printf(sink, nil, "[buddy]   order %d: %d free blocks\n", order, c)
		}
	}
	for z := Zone(0); z < zoneCount; z++ {
		a.DumpZone(sink, z)
	}
}

// DumpZone prints one zone's per-order free list table.
func (a *Allocator) DumpZone(sink trace.Sink, z Zone) {
	zn := &a.zones[z]
	zn.lock.Acquire()
	defer zn.lock.Release()

	trace.Printf(sink, nil, "[buddy] zone %s: total=%dK free=%dK\n",
		z, zn.totalPages*memlayout.PageSize/1024, zn.freePages*memlayout.PageSize/1024)
	for order := 0; order <= maxOrder; order++ {
		if zn.freeCount[order] > 0 {
			trace.Printf(sink, nil, "[buddy]   order %d: %d blocks\n", order, zn.freeCount[order])
		}
	}
}
