// Package pagetable defines the page-table walker contract as an
// external collaborator, plus the PTE flag layout the memory core
// owns. It is grounded on
// gopheros/kernel/mem/vmm: PageTableEntryFlag as a uintptr bitmask,
// pageTableEntry.HasFlags/SetFlags/ClearFlags/Frame/SetFrame, and
// vmm.SetFrameAllocator generalized here into constructor injection
// (the design) instead of a package-level var.
package pagetable

import "github.com/BLACK0X80/BLACK-KERNEL/memlayout"

// Flag is a single PTE bit. The layout is fixed: bits
// {0:PRESENT, 1:WRITABLE, 2:USER, 9:COW, 63:NO_EXECUTE}; bits 12..51
// carry the frame base.
type Flag uintptr

const (
	Present   Flag = 1 << 0
	Writable  Flag = 1 << 1
	User      Flag = 1 << 2
	COW       Flag = 1 << 9
	NoExecute Flag = 1 << 63
)

const (
	frameShift   = memlayout.PageShift
	frameMask    = uintptr((1<<52)-1) &^ (memlayout.PageSize - 1)
)

// PTE is a single leaf page-table entry: a frame base packed with
// flag bits, matching the reference layout bit-for-bit.
type PTE uintptr

// HasFlags reports whether every bit in flags is set.
func (p PTE) HasFlags(flags Flag) bool { return uintptr(p)&uintptr(flags) == uintptr(flags) }

// HasAnyFlag reports whether at least one bit in flags is set.
func (p PTE) HasAnyFlag(flags Flag) bool { return uintptr(p)&uintptr(flags) != 0 }

// SetFlags sets the given bits.
func (p *PTE) SetFlags(flags Flag) { *p = PTE(uintptr(*p) | uintptr(flags)) }

// ClearFlags clears the given bits.
func (p *PTE) ClearFlags(flags Flag) { *p = PTE(uintptr(*p) &^ uintptr(flags)) }

// Frame returns the physical frame this entry points to.
func (p PTE) Frame() memlayout.Phys {
	return memlayout.Phys(uintptr(p) & frameMask)
}

// SetFrame rewrites the frame base, leaving the flag bits untouched.
func (p *PTE) SetFrame(phys memlayout.Phys) {
	*p = PTE((uintptr(*p) &^ frameMask) | (uintptr(phys) & frameMask))
}

// Root identifies an address space's page-table root: an address-space
// record is "identified externally by its
// page-table root pointer" — here that pointer is just a Phys, the
// frame holding the top-level table.
type Root memlayout.Phys

// Walker is the page-table walker contract. L3 components (demand
// paging, COW) depend on it through
// constructor injection, never on a package-level singleton.
type Walker interface {
	// Map creates intermediate tables as needed (allocating their
	// backing frames through the supplied allocator), sets the leaf
	// PTE, and does not flush the TLB.
	Map(root Root, virt memlayout.VAddr, phys memlayout.Phys, flags Flag) error
	// Unmap clears the leaf PTE; it does not prune empty intermediate
	// tables.
	Unmap(root Root, virt memlayout.VAddr) error
	// Translate walks the table, returning 0 if any level is absent.
	Translate(root Root, virt memlayout.VAddr) memlayout.Phys
	// PTEPtr returns a pointer to the leaf PTE if every intermediate
	// level is present, or nil otherwise. The returned pointer aliases
	// the walker's own storage for that entry: callers may set/clear
	// flags and rewrite the frame through it.
	PTEPtr(root Root, virt memlayout.VAddr) *PTE
	// Flush invalidates a single virtual address's TLB entry. It is
	// the caller's responsibility to invoke Flush after any PTE change
	// whose staleness would be observable — the walker itself never
	// flushes implicitly (the design).
	Flush(virt memlayout.VAddr)
}

// FrameAllocator is the minimal slice of the buddy allocator contract
// a Walker needs to grow a page table: one UNMOVABLE frame per new
// intermediate level. Modeled on vmm.FrameAllocatorFn.
type FrameAllocator func() (memlayout.Phys, error)
