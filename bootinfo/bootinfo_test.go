package bootinfo

import "testing"

func TestLargestPicksBiggestAvailableRegion(t *testing.T) {
	m := MemoryMap{
		{PhysAddress: 0x0, Length: 0x1000, Type: Reserved},
		{PhysAddress: 0x100000, Length: 0x400000, Type: Available},
		{PhysAddress: 0x600000, Length: 0x200000, Type: Available},
		{PhysAddress: 0xE00000, Length: 0x100000, Type: AcpiReclaimable},
	}

	got, ok := m.Largest()
	if !ok {
		t.Fatal("expected a largest region")
	}
	if got.PhysAddress != 0x100000 || got.Length != 0x400000 {
		t.Fatalf("unexpected largest region: %+v", got)
	}
}

func TestLargestWithNoAvailableRegions(t *testing.T) {
	m := MemoryMap{{PhysAddress: 0, Length: 0x1000, Type: Reserved}}
	if _, ok := m.Largest(); ok {
		t.Fatal("expected no available region to be found")
	}
}

func TestTotalAvailable(t *testing.T) {
	m := MemoryMap{
		{Length: 0x1000, Type: Available},
		{Length: 0x2000, Type: Available},
		{Length: 0x5000, Type: Reserved},
	}
	if got, want := m.TotalAvailable(), uint64(0x3000); got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}
