// Package pageref implements the L3 shared-frame refcount table
// the design specifies: a fixed power-of-two bucket count, singly
// linked chains, and a lock-per-entry design nested under the table
// lock. It is grounded on original_source/kernel/mm/cow.c, which
// carries this exact table internally (cow_hash_table/cow_get_ref/
// cow_increment_ref/cow_decrement_ref); this port extracts it into its
// own package, which the cow engine takes by constructor injection.
package pageref

import (
	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/sync2"
	"github.com/BLACK0X80/BLACK-KERNEL/trace"
)

// Entry tracks one shared frame's reference count. Its bookkeeping
// (refcount, lock, next) lives in ordinary Go memory — the "typed
// owning-root" strategy the design sanctions — but each entry still
// owns a real buddy frame, allocated on creation and returned on
// last-reference drop, exactly as original_source's page_ref_t does.
type Entry struct {
	phys     memlayout.Phys
	frame    memlayout.Phys
	refcount uint32
	lock     sync2.Spinlock
	next     *Entry
}

// Table is the fixed-size hash table.
type Table struct {
	buckets     []*Entry
	bucketCount uint64
	lock        sync2.Spinlock

	buddyAlloc *buddy.Allocator
	window     *dmap.Window
	sink       trace.Sink
	ring       *trace.RingBuffer
}

// NewTable builds a table with bucketCount buckets, replaced by
// memlayout.PageRefHashSize if not given a positive power of two.
func NewTable(bucketCount uint64, buddyAlloc *buddy.Allocator, window *dmap.Window, sink trace.Sink, ring *trace.RingBuffer) *Table {
	if bucketCount == 0 || bucketCount&(bucketCount-1) != 0 {
		bucketCount = memlayout.PageRefHashSize
	}
	return &Table{
		buckets:     make([]*Entry, bucketCount),
		bucketCount: bucketCount,
		buddyAlloc:  buddyAlloc,
		window:      window,
		sink:        sink,
		ring:        ring,
	}
}

// hashIndex right-shifts the page-aligned address by PageShift and
// masks with bucketCount-1 — no modulo, per the design.
func hashIndex(phys memlayout.Phys, bucketCount uint64) uint64 {
	return (uint64(phys) >> memlayout.PageShift) & (bucketCount - 1)
}

// GetOrCreate finds phys's entry or inserts one, allocating its
// backing frame from UNMOVABLE. The whole operation holds the table
// lock, mirroring original_source's cow_get_ref.
func (t *Table) GetOrCreate(phys memlayout.Phys) *Entry {
	aligned := phys.PageBase()
	idx := hashIndex(aligned, t.bucketCount)

	t.lock.Acquire()
	defer t.lock.Release()

	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.phys == aligned {
			return e
		}
	}

	frame := t.buddyAlloc.Alloc(0, buddy.Unmovable)
	if frame == 0 {
		trace.Printf(t.sink, t.ring, "[pageref] failed to allocate entry for %#x\n", uintptr(aligned))
		return nil
	}

	e := &Entry{phys: aligned, frame: frame}
	e.next = t.buckets[idx]
	t.buckets[idx] = e
	return e
}

// Inc increments phys's refcount, creating the entry on first use.
func (t *Table) Inc(phys memlayout.Phys) {
	e := t.GetOrCreate(phys)
	if e == nil {
		return
	}
	e.lock.Acquire()
	e.refcount++
	e.lock.Release()
}

// Dec decrements phys's refcount. If it reaches zero, the entry is
// unlinked and both phys and the entry's backing frame are returned
// to the buddy allocator. Locking order is table lock then entry
// lock, never reversed, per the design: the table lock is held from
// the bucket lookup through the unlink, so the unlink needs no second
// acquisition; the two frees happen after it is released.
func (t *Table) Dec(phys memlayout.Phys) {
	aligned := phys.PageBase()
	idx := hashIndex(aligned, t.bucketCount)

	t.lock.Acquire()

	var prev *Entry
	e := t.buckets[idx]
	for e != nil && e.phys != aligned {
		prev = e
		e = e.next
	}
	if e == nil {
		t.lock.Release()
		trace.Printf(t.sink, t.ring, "[pageref] dec: no entry for %#x\n", uintptr(aligned))
		return
	}

	e.lock.Acquire()
	e.refcount--
	count := e.refcount
	e.lock.Release()

	if count != 0 {
		t.lock.Release()
		return
	}

	if prev != nil {
		prev.next = e.next
	} else {
		t.buckets[idx] = e.next
	}
	t.lock.Release()

	t.buddyAlloc.Free(aligned, 0)
	t.buddyAlloc.Free(e.frame, 0)
}

// Split performs the COW-resolution refcount transition atomically,
// keeping the entry's lock entirely inside this package per the
// table-lock-then-entry-lock discipline Dec also follows. If the
// refcount is 1, it drops to 0 and reports lastSharer=true: the caller
// keeps the frame in place and must not free it, since the PTE still
// references it and only a zero reached through Dec frees a frame. If
// the refcount is greater than 1, it is decremented by one and the
// method reports lastSharer=false, so the caller copies the frame for
// its own exclusive use.
func (e *Entry) Split() (lastSharer bool) {
	e.lock.Acquire()
	defer e.lock.Release()
	if e.refcount == 1 {
		e.refcount = 0
		return true
	}
	e.refcount--
	return false
}

// Restore re-increments the refcount, undoing a prior Split call whose
// caller could not complete the copy it implied (e.g. out of memory).
func (e *Entry) Restore() {
	e.lock.Acquire()
	e.refcount++
	e.lock.Release()
}

// Ref reports phys's current refcount, or 0 if no entry exists.
func (t *Table) Ref(phys memlayout.Phys) uint32 {
	aligned := phys.PageBase()
	idx := hashIndex(aligned, t.bucketCount)

	t.lock.Acquire()
	defer t.lock.Release()

	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.phys == aligned {
			e.lock.Acquire()
			count := e.refcount
			e.lock.Release()
			return count
		}
	}
	return 0
}
