// Package heap implements the L2 general-purpose allocator: a single
// contiguous buddy-donated arena walked as a
// doubly-linked block list, with eight pre-sized slab caches layered
// in front of it for requests under 4KiB. Every returned pointer is
// preceded by a 16-byte allocation header carrying a magic word, the
// requested size, an origin flag, and (for slab-backed allocations) a
// cache index — the only thing kfree/krealloc consult to route a
// free, in O(1), regardless of origin.
//
// It is grounded on original_source/kernel/mm/heap.c's block-splitting
// and coalescing logic (split_block/coalesce), but deliberately does
// NOT reimplement that file's free/realloc dispatch: heap.c there
// guesses origin with is_heap_pointer (an address-range check) and
// find_slab_cache (a linear "not in heap range, so it must be cache
// zero that matches" heuristic that can't actually distinguish which
// of the eight caches a pointer came from). its Open
// Question Resolution calls for the "more correct, more complete
// variant" here, which is the magic-word header this package carries
// on every allocation instead.
package heap

import (
	"encoding/binary"
	"strconv"

	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/kernerr"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/slab"
	"github.com/BLACK0X80/BLACK-KERNEL/sync2"
	"github.com/BLACK0X80/BLACK-KERNEL/trace"
)

// AllocMagic tags every live kmalloc return (its cross-check
// invariant: "header.magic == 0xDEADBEEF holds on every live pointer
// returned").
const AllocMagic uint32 = 0xDEADBEEF

// Origin records which layer actually backs an allocation.
type Origin uint32

const (
	OriginSlab Origin = 1
	OriginHeap Origin = 2
)

// allocHeaderSize is {magic, size, origin, index uint32}, 16 bytes.
const allocHeaderSize = 4 + 4 + 4 + 4

// noSlabIndex marks a HEAP-origin allocation header.
const noSlabIndex uint32 = 0xFFFFFFFF

// blockHeaderSize is {size uint64; free uint32; _ pad uint32; prev,
// next Phys}, the in-place doubly-linked block header.
const blockHeaderSize = 8 + 4 + 4 + 8 + 8

// sizeClasses mirrors original_source's g_cache_16..g_cache_2048
// ladder (the design).
var sizeClasses = [8]uintptr{16, 32, 64, 128, 256, 512, 1024, 2048}

// Heap is the L2 general-purpose allocator.
type Heap struct {
	window     *dmap.Window
	buddyAlloc *buddy.Allocator
	sink       trace.Sink
	ring       *trace.RingBuffer

	lock      sync2.Spinlock
	headBlock memlayout.Phys

	slabEnabled bool
	caches      [8]*slab.Cache
}

func alignUp16(v uintptr) uintptr { return (v + 15) &^ 15 }

// New constructs a heap bound to buddyAlloc and window. Call Init
// before any Kmalloc.
func New(buddyAlloc *buddy.Allocator, window *dmap.Window, sink trace.Sink, ring *trace.RingBuffer) *Heap {
	return &Heap{buddyAlloc: buddyAlloc, window: window, sink: sink, ring: ring}
}

// Init donates a single 2^order-frame buddy region as the heap's
// backing arena, starting life as one large free block.
func (h *Heap) Init(order int) error {
	region := h.buddyAlloc.Alloc(order, buddy.Unmovable)
	if region == 0 {
		return kernerr.New("heap", "failed to donate backing region to heap")
	}
	h.headBlock = region

	total := (uint64(1) << uint(order)) * memlayout.PageSize
	h.setBlockSize(region, total-blockHeaderSize)
	h.setBlockFree(region, true)
	h.setBlockPrev(region, 0)
	h.setBlockNext(region, 0)
	return nil
}

// EnableSlab wires in eight already-created caches (each sized
// sizeClasses[i]+16, so the allocation header leaves exactly
// sizeClasses[i] usable bytes) so requests under 4KiB route through
// slab instead of the block list, mirroring original_source's
// heap_enable_slab.
func (h *Heap) EnableSlab(caches [8]*slab.Cache) {
	h.caches = caches
	h.slabEnabled = true
}

// SizeClasses reports the slab-routed size ladder, used by callers
// that need to size caches before calling EnableSlab.
func SizeClasses() [8]uintptr { return sizeClasses }

// NewSlabCaches creates the eight kmalloc-NN caches EnableSlab expects,
// each sized sizeClasses[i]+16 so the allocation header leaves exactly
// sizeClasses[i] usable bytes, mirroring original_source's
// g_cache_16..g_cache_2048 (heap_init).
func NewSlabCaches(buddyAlloc *buddy.Allocator, window *dmap.Window, sink trace.Sink, ring *trace.RingBuffer) ([8]*slab.Cache, error) {
	var caches [8]*slab.Cache
	for i, class := range sizeClasses {
		name := "kmalloc-" + strconv.Itoa(int(class))
		c, err := slab.Create(name, class+allocHeaderSize, 16, buddyAlloc, window, sink, ring)
		if err != nil {
			return caches, kernerr.New("heap", "failed to create cache '"+name+"'")
		}
		caches[i] = c
	}
	return caches, nil
}

// --- block header access ------------------------------------------------------

func (h *Heap) blockHeader(b memlayout.Phys) []byte {
	return h.window.Bytes(b, blockHeaderSize)
}
func (h *Heap) blockSize(b memlayout.Phys) uint64 {
	return binary.LittleEndian.Uint64(h.blockHeader(b)[0:8])
}
func (h *Heap) setBlockSize(b memlayout.Phys, size uint64) {
	binary.LittleEndian.PutUint64(h.blockHeader(b)[0:8], size)
}
func (h *Heap) blockFree(b memlayout.Phys) bool {
	return binary.LittleEndian.Uint32(h.blockHeader(b)[8:12]) != 0
}
func (h *Heap) setBlockFree(b memlayout.Phys, free bool) {
	var v uint32
	if free {
		v = 1
	}
	binary.LittleEndian.PutUint32(h.blockHeader(b)[8:12], v)
}
func (h *Heap) blockPrev(b memlayout.Phys) memlayout.Phys {
	return memlayout.Phys(binary.LittleEndian.Uint64(h.blockHeader(b)[16:24]))
}
func (h *Heap) setBlockPrev(b, prev memlayout.Phys) {
	binary.LittleEndian.PutUint64(h.blockHeader(b)[16:24], uint64(prev))
}
func (h *Heap) blockNext(b memlayout.Phys) memlayout.Phys {
	return memlayout.Phys(binary.LittleEndian.Uint64(h.blockHeader(b)[24:32]))
}
func (h *Heap) setBlockNext(b, next memlayout.Phys) {
	binary.LittleEndian.PutUint64(h.blockHeader(b)[24:32], uint64(next))
}

// --- allocation header access -------------------------------------------------

func (h *Heap) writeAllocHeader(obj memlayout.Phys, size uint32, origin Origin, index uint32) {
	b := h.window.Bytes(obj, allocHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], AllocMagic)
	binary.LittleEndian.PutUint32(b[4:8], size)
	binary.LittleEndian.PutUint32(b[8:12], uint32(origin))
	binary.LittleEndian.PutUint32(b[12:16], index)
}

func (h *Heap) readAllocHeader(obj memlayout.Phys) (magic, size, origin, index uint32) {
	b := h.window.Bytes(obj, allocHeaderSize)
	magic = binary.LittleEndian.Uint32(b[0:4])
	size = binary.LittleEndian.Uint32(b[4:8])
	origin = binary.LittleEndian.Uint32(b[8:12])
	index = binary.LittleEndian.Uint32(b[12:16])
	return
}

func sizeClassIndex(size uintptr) (int, bool) {
	for i, c := range sizeClasses {
		if size <= c {
			return i, true
		}
	}
	return 0, false
}

// --- public contract -----------------------------------------------------------

// Kmalloc routes size < 4KiB to the smallest-fitting slab cache when
// slab routing is enabled, falling back to the block list on slab
// exhaustion or for everything else.
func (h *Heap) Kmalloc(size uintptr) memlayout.Phys {
	if size == 0 {
		return 0
	}

	if h.slabEnabled && size < 4096 {
		if idx, ok := sizeClassIndex(size); ok && h.caches[idx] != nil {
			if obj := h.caches[idx].Alloc(); obj != 0 {
				h.writeAllocHeader(obj, uint32(size), OriginSlab, uint32(idx))
				return obj + allocHeaderSize
			}
			trace.Printf(h.sink, h.ring, "[heap] slab cache %d exhausted, falling back to block allocator\n", idx)
		}
	}

	return h.allocFromBlocks(size)
}

func (h *Heap) allocFromBlocks(size uintptr) memlayout.Phys {
	needed := alignUp16(uintptr(allocHeaderSize) + size)

	h.lock.Acquire()
	defer h.lock.Release()

	for cur := h.headBlock; cur != 0; cur = h.blockNext(cur) {
		if !h.blockFree(cur) || h.blockSize(cur) < uint64(needed) {
			continue
		}
		h.splitBlock(cur, uint64(needed))
		h.setBlockFree(cur, false)

		payload := cur + memlayout.Phys(blockHeaderSize)
		h.writeAllocHeader(payload, uint32(size), OriginHeap, noSlabIndex)
		return payload + memlayout.Phys(allocHeaderSize)
	}

	trace.Printf(h.sink, h.ring, "[heap] out of memory for %d bytes\n", size)
	return 0
}

// splitBlock carves an exact-size block off the front of b when the
// remainder would still be usefully sized, mirroring heap.c's
// split_block (same 16-byte slack to avoid a degenerate remainder).
func (h *Heap) splitBlock(b memlayout.Phys, size uint64) {
	if h.blockSize(b) < size+blockHeaderSize+16 {
		return
	}
	n := b + memlayout.Phys(blockHeaderSize+size)
	h.setBlockSize(n, h.blockSize(b)-size-blockHeaderSize)
	h.setBlockFree(n, true)
	h.setBlockNext(n, h.blockNext(b))
	h.setBlockPrev(n, b)
	if next := h.blockNext(n); next != 0 {
		h.setBlockPrev(next, n)
	}
	h.setBlockNext(b, n)
	h.setBlockSize(b, size)
}

func (h *Heap) mergeWithNext(b memlayout.Phys) {
	next := h.blockNext(b)
	h.setBlockSize(b, h.blockSize(b)+blockHeaderSize+h.blockSize(next))
	newNext := h.blockNext(next)
	h.setBlockNext(b, newNext)
	if newNext != 0 {
		h.setBlockPrev(newNext, b)
	}
}

// coalesce merges b forward then backward with free neighbors,
// mirroring heap.c's coalesce.
func (h *Heap) coalesce(b memlayout.Phys) {
	if next := h.blockNext(b); next != 0 && h.blockFree(next) {
		h.mergeWithNext(b)
	}
	if prev := h.blockPrev(b); prev != 0 && h.blockFree(prev) {
		b = prev
		if next := h.blockNext(b); next != 0 && h.blockFree(next) {
			h.mergeWithNext(b)
		}
	}
}

// Kcalloc allocates num*size bytes, zeroed, rejecting on overflow.
func (h *Heap) Kcalloc(num, size uintptr) memlayout.Phys {
	if num == 0 || size == 0 {
		return h.Kmalloc(0)
	}
	total := num * size
	if total/num != size {
		trace.Printf(h.sink, h.ring, "[heap] kcalloc overflow: %d * %d\n", num, size)
		return 0
	}
	p := h.Kmalloc(total)
	if p != 0 {
		h.window.Zero(p, total)
	}
	return p
}

// Krealloc grows or shrinks a live allocation, validating its header
// first. A corrupt header is reported and the call returns 0 without
// touching memory.
func (h *Heap) Krealloc(p memlayout.Phys, size uintptr) memlayout.Phys {
	if p == 0 {
		return h.Kmalloc(size)
	}
	if size == 0 {
		h.Kfree(p)
		return 0
	}

	headerPhys := p - memlayout.Phys(allocHeaderSize)
	magic, oldSize, _, _ := h.readAllocHeader(headerPhys)
	if magic != AllocMagic {
		trace.Printf(h.sink, h.ring, "[heap] krealloc: corrupt header at %#x\n", uintptr(p))
		return 0
	}
	if uintptr(oldSize) >= size {
		return p
	}

	n := h.Kmalloc(size)
	if n == 0 {
		return 0
	}
	copySize := uintptr(oldSize)
	if size < copySize {
		copySize = size
	}
	h.window.Copy(n, p, copySize)
	h.Kfree(p)
	return n
}

// Kfree validates the allocation header and dispatches the free
// purely on its origin flag — no scans, no address-range checks.
func (h *Heap) Kfree(p memlayout.Phys) {
	if p == 0 {
		return
	}
	headerPhys := p - memlayout.Phys(allocHeaderSize)
	magic, _, origin, index := h.readAllocHeader(headerPhys)
	if magic != AllocMagic {
		trace.Printf(h.sink, h.ring, "[heap] kfree: corrupt header at %#x (magic %#x)\n", uintptr(p), magic)
		return
	}

	switch Origin(origin) {
	case OriginSlab:
		if index >= uint32(len(h.caches)) || h.caches[index] == nil {
			trace.Printf(h.sink, h.ring, "[heap] kfree: invalid slab index %d\n", index)
			return
		}
		h.caches[index].Free(headerPhys)
	case OriginHeap:
		h.lock.Acquire()
		defer h.lock.Release()
		block := headerPhys - memlayout.Phys(blockHeaderSize)
		h.setBlockFree(block, true)
		h.coalesce(block)
	default:
		trace.Printf(h.sink, h.ring, "[heap] kfree: unknown origin %d\n", origin)
	}
}

// HeaderAt exposes the raw 16-byte allocation header preceding p, for
// diagnostics and tests that need to check the exact byte layout
// the design scenario E2 specifies.
func (h *Heap) HeaderAt(p memlayout.Phys) []byte {
	return h.window.Bytes(p-memlayout.Phys(allocHeaderSize), allocHeaderSize)
}
