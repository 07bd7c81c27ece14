package pagecache

import (
	"testing"

	"github.com/BLACK0X80/BLACK-KERNEL/buddy"
	"github.com/BLACK0X80/BLACK-KERNEL/dmap"
	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
)

func newTestTable(t *testing.T, frames uint64, maxPages uint64) (*Table, *buddy.Allocator) {
	t.Helper()
	size := memlayout.Size(frames * memlayout.PageSize)
	window := dmap.NewWindow(size + memlayout.PageSize)
	a := buddy.New(window, nil, nil)
	a.Init(memlayout.Phys(memlayout.PageSize), size)
	return NewTable(maxPages, 16, a, window, nil, nil), a
}

// TestPageCacheLRUEviction exercises scenario E6.
func TestPageCacheLRUEviction(t *testing.T) {
	table, a := newTestTable(t, 32, 3)

	p1 := a.Alloc(0, buddy.Unmovable)
	p2 := a.Alloc(0, buddy.Unmovable)
	p3 := a.Alloc(0, buddy.Unmovable)
	p4 := a.Alloc(0, buddy.Unmovable)

	if err := table.Insert(1, 0, p1); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := table.Insert(2, 0, p2); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if err := table.Insert(3, 0, p3); err != nil {
		t.Fatalf("insert 3: %v", err)
	}
	if err := table.Insert(4, 0, p4); err != nil {
		t.Fatalf("insert 4: %v", err)
	}

	if got := table.Lookup(1, 0); got != 0 {
		t.Fatalf("expected (1,0) to be evicted, got %#x", got)
	}
	if got := table.Lookup(4, 0); got != p4 {
		t.Fatalf("expected (4,0) == p4, got %#x want %#x", got, p4)
	}
	if _, _, total := table.Stats(); total != 3 {
		t.Fatalf("expected total_pages == 3, got %d", total)
	}
}

func TestPageCacheHitUpdatesCounters(t *testing.T) {
	table, a := newTestTable(t, 32, 4)
	p1 := a.Alloc(0, buddy.Unmovable)
	table.Insert(1, 0, p1)

	if got := table.Lookup(1, 0); got != p1 {
		t.Fatalf("expected hit to return p1, got %#x", got)
	}
	hits, misses, _ := table.Stats()
	if hits != 1 {
		t.Fatalf("expected 1 hit, got %d", hits)
	}
	if table.Lookup(99, 0) != 0 {
		t.Fatal("expected a miss for an absent key")
	}
	_, misses, _ = table.Stats()
	if misses != 1 {
		t.Fatalf("expected 1 miss, got %d", misses)
	}
}

func TestPageCacheInsertExistingKeyIsNoop(t *testing.T) {
	table, a := newTestTable(t, 32, 4)
	p1 := a.Alloc(0, buddy.Unmovable)
	p2 := a.Alloc(0, buddy.Unmovable)

	table.Insert(1, 0, p1)
	if err := table.Insert(1, 0, p2); err != nil {
		t.Fatalf("expected re-inserting an existing key to succeed as a no-op: %v", err)
	}
	if got := table.Lookup(1, 0); got != p1 {
		t.Fatalf("expected the original mapping to survive, got %#x want %#x", got, p1)
	}
}

// TestPageCacheRemoveLeavesCachedFrameAlone covers §4.10's remove
// contract: the entry's own backing frame returns to the buddy, but
// the caller-supplied cached frame does not.
func TestPageCacheRemoveLeavesCachedFrameAlone(t *testing.T) {
	table, a := newTestTable(t, 32, 4)
	p1 := a.Alloc(0, buddy.Unmovable)
	table.Insert(1, 0, p1)

	before := a.FreePages()
	table.Remove(1, 0)
	after := a.FreePages()

	if after <= before {
		t.Fatalf("expected the entry's own frame to return to the buddy: before %d after %d", before, after)
	}
	// p1 itself was never freed by Remove, so freeing it now must
	// succeed without double-free bookkeeping complaints.
	a.Free(p1, 0)

	if table.Lookup(1, 0) != 0 {
		t.Fatal("expected (1,0) to be gone after remove")
	}
}

func TestPageCacheLookupMovesEntryToLRUHead(t *testing.T) {
	table, a := newTestTable(t, 32, 2)
	p1 := a.Alloc(0, buddy.Unmovable)
	p2 := a.Alloc(0, buddy.Unmovable)
	p3 := a.Alloc(0, buddy.Unmovable)

	table.Insert(1, 0, p1)
	table.Insert(2, 0, p2)

	table.Lookup(1, 0) // touch (1,0) so (2,0) becomes the LRU victim

	table.Insert(3, 0, p3)

	if table.Lookup(2, 0) != 0 {
		t.Fatal("expected (2,0) to be evicted after (1,0) was touched")
	}
	if got := table.Lookup(1, 0); got != p1 {
		t.Fatalf("expected (1,0) to survive, got %#x", got)
	}
}
