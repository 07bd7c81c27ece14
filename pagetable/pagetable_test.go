package pagetable

import (
	"testing"

	"github.com/BLACK0X80/BLACK-KERNEL/memlayout"
)

func TestSoftMMUMapTranslateUnmap(t *testing.T) {
	mmu := NewSoftMMU()
	root := Root(0x1000)
	virt := memlayout.VAddr(0x400000)
	phys := memlayout.Phys(0x200000)

	if got := mmu.Translate(root, virt); got != 0 {
		t.Fatalf("expected unmapped translate to return 0, got %#x", got)
	}

	if err := mmu.Map(root, virt, phys, Present|Writable); err != nil {
		t.Fatalf("map: %v", err)
	}
	if got := mmu.Translate(root, virt); got != phys {
		t.Fatalf("translate after map: got %#x, want %#x", got, phys)
	}

	pte := mmu.PTEPtr(root, virt)
	if pte == nil || !pte.HasFlags(Writable) {
		t.Fatalf("expected PTEPtr to expose the writable flag")
	}

	pte.ClearFlags(Writable)
	pte.SetFlags(COW)
	if mmu.PTEPtr(root, virt).HasFlags(Writable) {
		t.Fatalf("clearing writable through PTEPtr should be visible via the walker")
	}
	if !mmu.PTEPtr(root, virt).HasFlags(COW) {
		t.Fatalf("expected COW flag to be set")
	}

	if err := mmu.Unmap(root, virt); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if got := mmu.Translate(root, virt); got != 0 {
		t.Fatalf("expected translate after unmap to return 0, got %#x", got)
	}
}

func TestPTEFrameRoundTrip(t *testing.T) {
	var pte PTE
	pte.SetFlags(Present | User)
	pte.SetFrame(memlayout.Phys(0x123000))

	if !pte.HasFlags(Present) || !pte.HasFlags(User) {
		t.Fatalf("expected flags to survive SetFrame")
	}
	if pte.Frame() != memlayout.Phys(0x123000) {
		t.Fatalf("unexpected frame: %#x", pte.Frame())
	}
	if pte.HasAnyFlag(Writable | COW) {
		t.Fatalf("unexpected flags set")
	}
}
