package kernerr

import "testing"

func TestErrorFormatting(t *testing.T) {
	err := New("buddy", "zone empty")
	if got, want := err.Error(), "buddy: zone empty"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTaggedWrapsKind(t *testing.T) {
	tg := Wrap(KindCorruption, "heap", "magic mismatch")
	if tg.Kind != KindCorruption {
		t.Fatalf("expected KindCorruption, got %v", tg.Kind)
	}
	if tg.Error.Error() != "heap: magic mismatch" {
		t.Fatalf("unexpected message: %v", tg.Error)
	}
	var asErr error = tg.Error
	if asErr.Error() != "heap: magic mismatch" {
		t.Fatalf("Tagged.Error does not satisfy error interface correctly")
	}
}
