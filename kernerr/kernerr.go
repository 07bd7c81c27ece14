// Package kernerr defines the error taxonomy the design assigns to the
// memory core. It is grounded on the &kernel.Error{Module, Message}
// value used throughout gopheros' vmm, pmm/allocator, and goruntime
// packages: a plain struct, no wrapping, no stack traces, returned as
// an in-band value and never panicked for a recoverable condition.
package kernerr

// Error is a module-tagged diagnostic. It carries no stack trace and no
// wrapped cause — matching its rule that every failure is an
// in-band signal, not an exception.
type Error struct {
	Module  string
	Message string
}

func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}

// New builds an *Error for the given module and message. It exists so
// call sites read the same way a bare &Error{...} composite literal
// would, without repeating the field names everywhere.
func New(module, message string) *Error {
	return &Error{Module: module, Message: message}
}

// Kind classifies an Error by the taxonomy the design lays out. It is
// advisory only: nothing in the core branches on Kind, it exists so
// callers that want to log or retry selectively can do so without
// string-matching Message.
type Kind int

const (
	// KindExhaustion covers zone-empty, slab-can't-grow, and
	// region-descriptor allocation failures. Callers that can retry do;
	// callers that cannot surface upward.
	KindExhaustion Kind = iota
	// KindInvalidArgument covers bad order, misaligned/out-of-range
	// free address, nil required pointer, bad zone tag.
	KindInvalidArgument
	// KindCorruption covers magic-word mismatch and a PTE walk landing
	// on an absent leaf when presence was required.
	KindCorruption
	// KindPolicyRejection covers overlapping region registration, a
	// fault in an unregistered region, and a fault on a page whose COW
	// bit is clear.
	KindPolicyRejection
)

// Tagged pairs an Error with its Kind for call sites that want to
// dispatch on the taxonomy (e.g. a page-fault dispatcher trying demand
// paging, then COW, then giving up).
type Tagged struct {
	*Error
	Kind Kind
}

func Wrap(kind Kind, module, message string) *Tagged {
	return &Tagged{Error: New(module, message), Kind: kind}
}
