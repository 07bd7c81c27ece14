// Package dmap simulates the direct-map window the design requires:
// "an implementation without raw-memory access must introduce a
// controlled mapping... and perform all frame-zeroing, page-copying,
// and in-frame header reads/writes through it." The teacher, running
// freestanding, reaches physical memory directly via
// kernel.Memset/Memcopy's unsafe.Pointer + reflect.SliceHeader overlay
// over a raw uintptr. This module runs hosted, so there is no real
// physical address space to overlay — instead it backs the window
// with one large []byte arena and every frame address is an index
// into it, exactly the "arena of indices" strategy the design names as
// the alternative for languages without raw-pointer casts.
package dmap

import (
	"fmt"
	"sync"

	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
)

// Window is a simulated slice of physical RAM. Every component above
// L0 that needs to read or write frame contents — buddy free-list
// links, slab object headers, heap block headers, page-cache payload
// bytes, COW page copies — goes through a Window rather than holding a
// raw pointer.
type Window struct {
	mu    sync.RWMutex
	arena []byte
}

// NewWindow allocates a simulated physical address space of size
// bytes. size is rounded up to a whole number of frames, the same way
// a real bootloader only ever reports frame-granular regions.
func NewWindow(size memlayout.Size) *Window {
	return &Window{arena: make([]byte, memlayout.AlignUp(size))}
}

// Size returns the total simulated RAM size in bytes.
func (w *Window) Size() memlayout.Size {
	return memlayout.Size(len(w.arena))
}

// Bytes returns a slice viewing n bytes of simulated physical memory
// starting at phys, standing in for dereferencing the direct-map
// window at DirectMapBase+phys on a freestanding kernel. It panics on
// an out-of-range access, the simulated equivalent of a freestanding
// kernel page-faulting on access to memory outside the direct map —
// both indicate a programmer bug in the caller, not a recoverable
// condition (its "programmer bug" class is not checked at
// runtime on real hardware either).
func (w *Window) Bytes(phys memlayout.Phys, n uintptr) []byte {
	start := uintptr(phys)
	end := start + n
	if end < start || end > uintptr(len(w.arena)) {
		panic(fmt.Sprintf("dmap: access [%#x, %#x) out of range (arena size %#x)", start, end, len(w.arena)))
	}
	return w.arena[start:end]
}

// Page returns the full frame containing phys.
func (w *Window) Page(phys memlayout.Phys) []byte {
	base := phys.PageBase()
	return w.Bytes(base, memlayout.PageSize)
}

// Zero sets n bytes at phys to zero, standing in for kernel.Memset
// with value 0.
func (w *Window) Zero(phys memlayout.Phys, n uintptr) {
	b := w.Bytes(phys, n)
	for i := range b {
		b[i] = 0
	}
}

// Copy copies n bytes from src to dst, standing in for
// kernel.Memcopy.
func (w *Window) Copy(dst, src memlayout.Phys, n uintptr) {
	copy(w.Bytes(dst, n), w.Bytes(src, n))
}

// Lock and Unlock let callers that must read-modify-write a header in
// place (e.g. splicing an intrusive free-list link) hold the window
// exclusively; ordinary Bytes/Zero/Copy calls do not take this lock
// themselves; the owning module is responsible for sequencing access
// the same way a real kernel relies on its own spinlocks rather than
// on memory-controller atomicity.
func (w *Window) Lock()   { w.mu.Lock() }
func (w *Window) Unlock() { w.mu.Unlock() }
