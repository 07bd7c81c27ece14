// Package sync2 provides the mutual-exclusion and atomic primitives the
// memory core is built on: a spinlock and the small set of atomics it
// needs (CAS, fetch-add, relaxed load/store, full fence). It is
// named sync2, not sync, so that its name does not collide with the
// standard sync package.
package sync2

import "sync/atomic"

var fence uint64

// Fence issues a full memory fence. On this module's target platforms
// sync/atomic operations already carry acquire/release semantics, so
// Fence is implemented as an uncontended atomic add: it forces the
// compiler and the coherence protocol to order every earlier memory
// operation before it and every later one after it, the same guarantee
// the original's inline "mfence" gives around bitmap updates and PTE
// writes (the design).
func Fence() { atomic.AddUint64(&fence, 1) }

// CAS performs a single compare-and-swap, returning the previous value.
func CAS(addr *uint32, old, new uint32) (prev uint32, swapped bool) {
	swapped = atomic.CompareAndSwapUint32(addr, old, new)
	if swapped {
		return old, true
	}
	return atomic.LoadUint32(addr), false
}

// FetchAdd atomically adds delta to *addr and returns the previous value.
func FetchAdd(addr *int32, delta int32) int32 {
	return atomic.AddInt32(addr, delta) - delta
}

// LoadRelaxed reads *addr without additional ordering beyond what the
// platform already guarantees for a plain atomic load.
func LoadRelaxed(addr *uint32) uint32 { return atomic.LoadUint32(addr) }

// StoreRelaxed writes value to *addr.
func StoreRelaxed(addr *uint32, value uint32) { atomic.StoreUint32(addr, value) }

// Spinlock is a single-word exclusive lock: 0 means free, 1 means held.
// There are no reader/writer variants — the design says the core uses
// only exclusive locks.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock is held by the caller. Re-entering a
// lock already held by the caller deadlocks, as with any spinlock.
func (l *Spinlock) Acquire() {
	for {
		if prev, _ := CAS(&l.state, 0, 1); prev == 0 {
			Fence()
			return
		}
		for LoadRelaxed(&l.state) != 0 {
			// busy-wait; a relaxed spin between CAS attempts keeps the
			// cacheline in Shared state instead of bouncing it Exclusive
			// on every failed attempt.
		}
	}
}

// TryAcquire attempts to acquire the lock without blocking. It returns
// true if the lock was acquired.
func (l *Spinlock) TryAcquire() bool {
	_, swapped := CAS(&l.state, 0, 1)
	if swapped {
		Fence()
	}
	return swapped
}

// Release relinquishes a held lock. Calling Release on a free lock has
// no effect beyond the fence and the store.
func (l *Spinlock) Release() {
	Fence()
	StoreRelaxed(&l.state, 0)
}
