// Package cow implements the L3 copy-on-write engine the design
// specifies: marking already-mapped writable pages read-only and
// wired to the page-ref table, then resolving the resulting write
// faults by either re-enabling write (last sharer) or copying (still
// shared). It is grounded on original_source/kernel/mm/cow.c
// (cow_mark_page/cow_handle_fault/cow_increment_ref/
// cow_decrement_ref), adapted to route its PTE access through a
// pagetable.Walker instead of a raw PML4 walk, and its refcount table
// through the extracted pageref package rather than a private
// cow_hash_table.
package cow

import (
	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/kernerr"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/pageref"
	"github.com/BLACK0X80/BLACK-KERNEL/pagetable"
	"github.com/BLACK0X80/BLACK-KERNEL/trace"
)

// Engine is the COW fault handler and page marker.
type Engine struct {
	walker     pagetable.Walker
	table      *pageref.Table
	buddyAlloc *buddy.Allocator
	window     *dmap.Window
	sink       trace.Sink
	ring       *trace.RingBuffer
}

// NewEngine builds an Engine over an existing page-ref table (the one
// memory.Subsystem exposes as PageRef): the COW engine never owns a
// private table of its own.
func NewEngine(walker pagetable.Walker, table *pageref.Table, buddyAlloc *buddy.Allocator, window *dmap.Window, sink trace.Sink, ring *trace.RingBuffer) *Engine {
	return &Engine{walker: walker, table: table, buddyAlloc: buddyAlloc, window: window, sink: sink, ring: ring}
}

// Mark walks to virt's leaf PTE, registers the frame in the page-ref
// table (incrementing its refcount), clears WRITABLE and sets COW,
// then flushes the TLB entry. Calling Mark twice on the same page
// (e.g. once for the parent, once for the child of a fork-like setup)
// is idempotent in effect: the refcount simply advances again.
func (e *Engine) Mark(root pagetable.Root, virt memlayout.VAddr) error {
	pte := e.walker.PTEPtr(root, virt)
	if pte == nil || !pte.HasFlags(pagetable.Present) {
		return kernerr.New("cow", "page not present at mark time")
	}

	frame := pte.Frame()
	e.table.Inc(frame)

	pte.ClearFlags(pagetable.Writable)
	pte.SetFlags(pagetable.COW)
	e.walker.Flush(virt)
	return nil
}

// HandleFault resolves a write fault on a COW page: the last sharer
// simply regains write access, everyone else gets a private copy.
func (e *Engine) HandleFault(root pagetable.Root, virt memlayout.VAddr) error {
	pte := e.walker.PTEPtr(root, virt)
	if pte == nil || !pte.HasFlags(pagetable.Present) {
		return kernerr.New("cow", "page not mapped")
	}
	if !pte.HasFlags(pagetable.COW) {
		return kernerr.New("cow", "page is not marked copy-on-write")
	}

	oldFrame := pte.Frame()
	if e.table.Ref(oldFrame) == 0 {
		// The marker should always have created this entry first;
		// reaching here means mark was skipped or the entry was
		// already reclaimed out from under a live PTE.
		return kernerr.New("cow", "page-ref entry missing for COW frame")
	}
	entry := e.table.GetOrCreate(oldFrame)
	if entry == nil {
		return kernerr.New("cow", "page-ref entry missing for COW frame")
	}

	if entry.Split() {
		// The refcount dropped to zero, but the PTE still references
		// oldFrame, so the frame is not freed here — only Dec's 0-path
		// frees a frame, and Dec is not what ran.
		pte.SetFlags(pagetable.Writable)
		pte.ClearFlags(pagetable.COW)
		e.walker.Flush(virt)
		return nil
	}

	newFrame := e.buddyAlloc.Alloc(0, buddy.Unmovable)
	if newFrame == 0 {
		entry.Restore()
		trace.Printf(e.sink, e.ring, "[cow] out of memory resolving fault at %#x\n", uintptr(virt))
		return kernerr.New("cow", "out of memory copying shared page")
	}

	e.window.Copy(newFrame, oldFrame, memlayout.PageSize)

	pte.SetFrame(newFrame)
	pte.SetFlags(pagetable.Writable)
	pte.ClearFlags(pagetable.COW)
	e.walker.Flush(virt)
	return nil
}

// Inc and Dec expose explicit reference management for callers that
// need to adjust a shared frame's count without going through a page
// fault (e.g. unmapping a shared frame without ever writing to it).
func (e *Engine) Inc(phys memlayout.Phys) { e.table.Inc(phys) }
func (e *Engine) Dec(phys memlayout.Phys) { e.table.Dec(phys) }
