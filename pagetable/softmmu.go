package pagetable

import (
	"sync"

	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
)

// SoftMMU is a Walker implementation that keeps page tables as plain
// Go maps instead of walking real multi-level tables in physical
// memory. It exists because this module is not freestanding: there is
// no real CR3-rooted page table to walk. It honors the same contract
// a real 4-level walker would (map/unmap/translate/pte_ptr, no
// implicit TLB flush) so every L3 component built against Walker is
// exercised the same way it would be against a real table, tested via
// a software PDT fixture rather than real CR3 hardware.
type SoftMMU struct {
	mu     sync.Mutex
	tables map[Root]map[memlayout.VAddr]*PTE
}

// NewSoftMMU returns an empty SoftMMU.
func NewSoftMMU() *SoftMMU {
	return &SoftMMU{tables: make(map[Root]map[memlayout.VAddr]*PTE)}
}

func (m *SoftMMU) tableFor(root Root) map[memlayout.VAddr]*PTE {
	t, ok := m.tables[root]
	if !ok {
		t = make(map[memlayout.VAddr]*PTE)
		m.tables[root] = t
	}
	return t
}

// Map installs a leaf PTE for virt, creating the (simulated)
// intermediate levels implicitly. It never fails for lack of backing
// frames since SoftMMU does not model intermediate-table allocation;
// real Walker implementations consult a FrameAllocator for that.
func (m *SoftMMU) Map(root Root, virt memlayout.VAddr, phys memlayout.Phys, flags Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	page := virt.PageBase()
	pte := PTE(0)
	pte.SetFrame(phys)
	pte.SetFlags(flags)
	m.tableFor(root)[page] = &pte
	return nil
}

// Unmap clears the leaf PTE for virt. Unmapping an address with no
// mapping is a no-op, matching a real walker clearing an
// already-absent leaf.
func (m *SoftMMU) Unmap(root Root, virt memlayout.VAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tableFor(root), virt.PageBase())
	return nil
}

// Translate returns the mapped physical frame for virt, or 0 if
// unmapped or not present.
func (m *SoftMMU) Translate(root Root, virt memlayout.VAddr) memlayout.Phys {
	m.mu.Lock()
	defer m.mu.Unlock()
	pte, ok := m.tableFor(root)[virt.PageBase()]
	if !ok || !pte.HasFlags(Present) {
		return 0
	}
	return pte.Frame()
}

// PTEPtr returns a pointer to the leaf entry for virt, or nil if
// unmapped.
func (m *SoftMMU) PTEPtr(root Root, virt memlayout.VAddr) *PTE {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tableFor(root)[virt.PageBase()]
}

// Flush is a no-op: SoftMMU has no TLB to invalidate. It exists so
// callers exercise the same call sequence a real Walker requires.
func (m *SoftMMU) Flush(memlayout.VAddr) {}

var _ Walker = (*SoftMMU)(nil)
