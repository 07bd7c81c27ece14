// Package pagecache implements the L3 fixed-capacity page cache
// the design specifies: a hash+LRU structure keyed by (file_id,
// offset) mapping to a cached physical frame. Entries are modeled as
// an arena of plain Go nodes (its preferred strategy for the
// page cache) that still each own a real buddy-allocated backing
// frame, evicted or removed exactly as original_source's page cache
// frees both the cached frame and the entry's own frame on eviction
// but only the entry's frame on an explicit remove.
package pagecache

import (
	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/kernerr"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
	"github.com/BLACK0X80/BLACK-KERNEL/sync2"
	"github.com/BLACK0X80/BLACK-KERNEL/trace"
)

type entry struct {
	fileID uint64
	offset uint64

	cachedPhys memlayout.Phys
	descFrame  memlayout.Phys

	bucketNext *entry
	lruPrev    *entry
	lruNext    *entry
}

// Table is the fixed-capacity cache.
type Table struct {
	lock sync2.Spinlock

	buckets     []*entry
	bucketCount uint64

	maxPages   uint64
	totalPages uint64

	lruHead, lruTail *entry

	hits, misses uint64

	buddyAlloc *buddy.Allocator
	window     *dmap.Window
	sink       trace.Sink
	ring       *trace.RingBuffer
}

// NewTable builds a cache with the given capacity and bucket count,
// replaced by memlayout.PageCacheHashSize if not given a positive
// power of two.
func NewTable(maxPages uint64, bucketCount uint64, buddyAlloc *buddy.Allocator, window *dmap.Window, sink trace.Sink, ring *trace.RingBuffer) *Table {
	if bucketCount == 0 || bucketCount&(bucketCount-1) != 0 {
		bucketCount = memlayout.PageCacheHashSize
	}
	return &Table{
		buckets:     make([]*entry, bucketCount),
		bucketCount: bucketCount,
		maxPages:    maxPages,
		buddyAlloc:  buddyAlloc,
		window:      window,
		sink:        sink,
		ring:        ring,
	}
}

func hash(fileID, offset uint64, bucketCount uint64) uint64 {
	h := fileID ^ (offset >> memlayout.PageShift)
	h *= 2654435761
	return h & (bucketCount - 1)
}

func (t *Table) find(fileID, offset uint64) *entry {
	idx := hash(fileID, offset, t.bucketCount)
	for e := t.buckets[idx]; e != nil; e = e.bucketNext {
		if e.fileID == fileID && e.offset == offset {
			return e
		}
	}
	return nil
}

// moveToLRUHead must be called with t.lock held.
func (t *Table) moveToLRUHead(e *entry) {
	if t.lruHead == e {
		return
	}
	t.unlinkLRU(e)
	e.lruNext = t.lruHead
	e.lruPrev = nil
	if t.lruHead != nil {
		t.lruHead.lruPrev = e
	}
	t.lruHead = e
	if t.lruTail == nil {
		t.lruTail = e
	}
}

// unlinkLRU must be called with t.lock held.
func (t *Table) unlinkLRU(e *entry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else if t.lruHead == e {
		t.lruHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else if t.lruTail == e {
		t.lruTail = e.lruPrev
	}
	e.lruPrev, e.lruNext = nil, nil
}

// unlinkBucket must be called with t.lock held.
func (t *Table) unlinkBucket(e *entry) {
	idx := hash(e.fileID, e.offset, t.bucketCount)
	var prev *entry
	cur := t.buckets[idx]
	for cur != nil && cur != e {
		prev = cur
		cur = cur.bucketNext
	}
	if cur == nil {
		return
	}
	if prev != nil {
		prev.bucketNext = cur.bucketNext
	} else {
		t.buckets[idx] = cur.bucketNext
	}
}

// Lookup returns the cached frame for (fileID, offset), or 0 on a
// miss. A hit moves the entry to the LRU head.
func (t *Table) Lookup(fileID, offset uint64) memlayout.Phys {
	t.lock.Acquire()
	defer t.lock.Release()

	e := t.find(fileID, offset)
	if e == nil {
		t.misses++
		return 0
	}
	t.hits++
	t.moveToLRUHead(e)
	return e.cachedPhys
}

// Insert associates phys with (fileID, offset). Inserting an already
// present key is a no-op success. When the cache is at capacity, the
// LRU tail is evicted first; the eviction happens with the table lock
// released, matching original_source's insert/evict_lru handoff.
func (t *Table) Insert(fileID, offset uint64, phys memlayout.Phys) error {
	t.lock.Acquire()
	if t.find(fileID, offset) != nil {
		t.lock.Release()
		return nil
	}

	if t.totalPages == t.maxPages {
		t.lock.Release()
		t.evictLRU()
		t.lock.Acquire()
	}

	descFrame := t.buddyAlloc.Alloc(0, buddy.Unmovable)
	if descFrame == 0 {
		t.lock.Release()
		return kernerr.New("pagecache", "failed to allocate a cache entry frame")
	}

	idx := hash(fileID, offset, t.bucketCount)
	e := &entry{fileID: fileID, offset: offset, cachedPhys: phys, descFrame: descFrame}
	e.bucketNext = t.buckets[idx]
	t.buckets[idx] = e

	e.lruNext = t.lruHead
	if t.lruHead != nil {
		t.lruHead.lruPrev = e
	}
	t.lruHead = e
	if t.lruTail == nil {
		t.lruTail = e
	}
	t.totalPages++
	t.lock.Release()
	return nil
}

// evictLRU drops the least recently used entry, returning both the
// cached frame and the entry's own backing frame to the buddy
// allocator.
func (t *Table) evictLRU() {
	t.lock.Acquire()
	tail := t.lruTail
	if tail == nil {
		t.lock.Release()
		return
	}
	t.unlinkLRU(tail)
	t.unlinkBucket(tail)
	t.totalPages--
	t.lock.Release()

	t.buddyAlloc.Free(tail.cachedPhys, 0)
	t.buddyAlloc.Free(tail.descFrame, 0)
}

// Remove unlinks (fileID, offset) and frees the entry's own backing
// frame, but leaves the cached frame alone: the cache does not own it
// unilaterally when explicitly removed.
func (t *Table) Remove(fileID, offset uint64) {
	t.lock.Acquire()
	e := t.find(fileID, offset)
	if e == nil {
		t.lock.Release()
		return
	}
	t.unlinkLRU(e)
	t.unlinkBucket(e)
	t.totalPages--
	t.lock.Release()

	t.buddyAlloc.Free(e.descFrame, 0)
}

// Stats reports cumulative hit/miss counters and the current
// occupancy.
func (t *Table) Stats() (hits, misses, totalPages uint64) {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.hits, t.misses, t.totalPages
}
