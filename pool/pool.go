// Package pool implements the L2 object pool the design specifies:
// a simpler, single-size sibling of slab with a LIFO free list and no
// magazine or coloring. It is grounded on
// original_source/kernel/mm/pool.c (pool_create/pool_alloc/pool_free/
// pool_grow/pool_destroy), with one deliberate fix: pool_destroy there
// re-derives each region's buddy order by testing address alignment,
// which original_source's own comment admits is a guess ("For
// simplicity, we'll track the order in the allocation... For now,
// we'll free as order 0 pages"); this port instead stores the order
// in the region header it already writes, per its "more
// correct, more complete variant" resolution.
package pool

import (
	"encoding/binary"
	"math/bits"

	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/kernerr"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/sync2"
	"github.com/BLACK0X80/BLACK-KERNEL/trace"
)

// minObjectSize matches sizeof(pool_chunk_t): one embedded free-list
// pointer.
const minObjectSize = 8

// regionHeaderSize is {next Phys, order uint32, _ pad uint32}, written
// in-block at the front of each backing region, per the design:
// "region descriptors are embedded at the front of their own backing
// region."
const regionHeaderSize = 8 + 4 + 4

// Pool is a degenerate slab for a single object size.
type Pool struct {
	Name       string
	objectSize uintptr
	growCount  uint32

	totalObjects, freeObjects uint32
	freeListHead              memlayout.Phys
	regionsHead                memlayout.Phys

	lock sync2.Spinlock

	buddyAlloc *buddy.Allocator
	window     *dmap.Window
	sink       trace.Sink
	ring       *trace.RingBuffer
}

func alignUp8(v uintptr) uintptr { return (v + 7) &^ 7 }

// Create pre-allocates enough backing regions to hold initialCount
// objects.
func Create(name string, objectSize uintptr, initialCount uint32, buddyAlloc *buddy.Allocator, window *dmap.Window, sink trace.Sink, ring *trace.RingBuffer) (*Pool, error) {
	if objectSize == 0 || initialCount == 0 {
		return nil, kernerr.New("pool", "invalid object size or initial count for pool '"+name+"'")
	}

	size := objectSize
	if size < minObjectSize {
		size = minObjectSize
	}
	size = alignUp8(size)

	grow := initialCount / 2
	if grow == 0 {
		grow = 1
	}

	p := &Pool{
		Name:       name,
		objectSize: size,
		growCount:  grow,
		buddyAlloc: buddyAlloc,
		window:     window,
		sink:       sink,
		ring:       ring,
	}
	if err := p.grow(initialCount); err != nil {
		return nil, err
	}
	return p, nil
}

// --- region header access ----------------------------------------------------

func (p *Pool) regionHeader(region memlayout.Phys) []byte {
	return p.window.Bytes(region, regionHeaderSize)
}
func (p *Pool) regionNext(region memlayout.Phys) memlayout.Phys {
	return memlayout.Phys(binary.LittleEndian.Uint64(p.regionHeader(region)[0:8]))
}
func (p *Pool) setRegionNext(region, next memlayout.Phys) {
	binary.LittleEndian.PutUint64(p.regionHeader(region)[0:8], uint64(next))
}
func (p *Pool) regionOrder(region memlayout.Phys) int {
	return int(binary.LittleEndian.Uint32(p.regionHeader(region)[8:12]))
}
func (p *Pool) setRegionOrder(region memlayout.Phys, order int) {
	binary.LittleEndian.PutUint32(p.regionHeader(region)[8:12], uint32(order))
}

func (p *Pool) objNext(obj memlayout.Phys) memlayout.Phys {
	return memlayout.Phys(binary.LittleEndian.Uint64(p.window.Bytes(obj, 8)))
}
func (p *Pool) setObjNext(obj, next memlayout.Phys) {
	binary.LittleEndian.PutUint64(p.window.Bytes(obj, 8), uint64(next))
}

// --- growth ------------------------------------------------------------------

func orderForPages(pagesNeeded uint64) int {
	if pagesNeeded <= 1 {
		return 0
	}
	order := bits.Len64(pagesNeeded - 1)
	if order > memlayout.MaxOrder {
		order = memlayout.MaxOrder
	}
	return order
}

func (p *Pool) grow(count uint32) error {
	totalSize := uintptr(count) * p.objectSize
	pagesNeeded := (uint64(totalSize) + memlayout.PageSize - 1) / memlayout.PageSize
	order := orderForPages(pagesNeeded)

	// See slab.createSlab's comment: original_source's buddy_init never
	// seeds BUDDY_ZONE_RECLAIMABLE even though pool_grow there requests
	// it, so this port draws backing regions from UNMOVABLE instead.
	region := p.buddyAlloc.Alloc(order, buddy.Unmovable)
	if region == 0 {
		trace.Printf(p.sink, p.ring, "[pool] failed to grow pool '%s' by %d objects\n", p.Name, count)
		return kernerr.New("pool", "out of memory growing pool '"+p.Name+"'")
	}

	p.setRegionNext(region, p.regionsHead)
	p.setRegionOrder(region, order)
	p.regionsHead = region

	regionBytes := (uint64(1) << uint(order)) * memlayout.PageSize
	usable := uintptr(regionBytes) - regionHeaderSize
	objectsInRegion := uint32(usable / p.objectSize)

	objectsStart := region + memlayout.Phys(regionHeaderSize)
	for i := uint32(0); i < objectsInRegion; i++ {
		obj := objectsStart + memlayout.Phys(uintptr(i)*p.objectSize)
		p.setObjNext(obj, p.freeListHead)
		p.freeListHead = obj
	}

	p.totalObjects += objectsInRegion
	p.freeObjects += objectsInRegion
	return nil
}

// --- public contract ----------------------------------------------------------

// Alloc pops an object from the free list, growing the pool by
// growCount first if it is empty.
func (p *Pool) Alloc() memlayout.Phys {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.freeListHead == 0 {
		if err := p.grow(p.growCount); err != nil {
			return 0
		}
	}

	obj := p.freeListHead
	p.freeListHead = p.objNext(obj)
	p.freeObjects--
	return obj
}

// Free pushes obj back onto the free list.
func (p *Pool) Free(obj memlayout.Phys) {
	if obj == 0 {
		trace.Printf(p.sink, p.ring, "[pool] free called with null object for pool '%s'\n", p.Name)
		return
	}
	p.lock.Acquire()
	defer p.lock.Release()

	p.setObjNext(obj, p.freeListHead)
	p.freeListHead = obj
	p.freeObjects++
}

// Utilization returns the fraction of total objects currently in use.
func (p *Pool) Utilization() float64 {
	p.lock.Acquire()
	defer p.lock.Release()
	if p.totalObjects == 0 {
		return 0
	}
	used := p.totalObjects - p.freeObjects
	return float64(used) / float64(p.totalObjects)
}

// Destroy returns every backing region to the buddy allocator at the
// order it was originally allocated with.
func (p *Pool) Destroy() {
	p.lock.Acquire()
	defer p.lock.Release()

	for cur := p.regionsHead; cur != 0; {
		next := p.regionNext(cur)
		order := p.regionOrder(cur)
		p.buddyAlloc.Free(cur, order)
		cur = next
	}
	p.regionsHead = 0
	p.freeListHead = 0
	p.totalObjects = 0
	p.freeObjects = 0
}
