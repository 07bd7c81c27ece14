package slab

import "github.com/BLACK0X80/BLACK-KERNEL/sync2"

// Registry tracks every cache a memory.Subsystem has created, grounded
// on original_source/kernel/mm/slab.c's g_cache_list / g_cache_list_lock
// (the design): a single list consulted so shutdown can destroy
// every live cache in one pass, rather than leak their frames. The
// teacher's list is intrusive (threaded through slab_cache_t.next);
// here the registry is the typed owning root itself, holding Go
// pointers to Cache values, since Cache is already a plain Go value
// (see Cache.Destroy's doc comment).
type Registry struct {
	lock    sync2.Spinlock
	entries []*Cache
}

// Register adds cache to the registry.
func (r *Registry) Register(cache *Cache) {
	r.lock.Acquire()
	defer r.lock.Release()
	r.entries = append(r.entries, cache)
}

// Unregister removes cache from the registry without destroying it.
func (r *Registry) Unregister(cache *Cache) {
	r.lock.Acquire()
	defer r.lock.Release()
	for i, c := range r.entries {
		if c == cache {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// DestroyAll calls Destroy on every registered cache and empties the
// registry.
func (r *Registry) DestroyAll() {
	r.lock.Acquire()
	entries := r.entries
	r.entries = nil
	r.lock.Release()

	for _, c := range entries {
		c.Destroy()
	}
}

// Len reports how many caches are currently registered.
func (r *Registry) Len() int {
	r.lock.Acquire()
	defer r.lock.Release()
	return len(r.entries)
}
