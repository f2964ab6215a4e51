// Package fatal centralizes the allocator's unrecoverable error conditions:
// OS memory exhaustion, metadata pool exhaustion, and contract violations.
// None of the three are conditions the allocator can recover from on its
// own, so each is raised as a panic carrying a typed, wrapped error rather
// than calling os.Exit directly — a host program gets a chance to recover()
// at its own boundary and still see a real stack trace.
package fatal

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind distinguishes the fatal conditions this package can raise.
type Kind int

const (
	// KindOSExhaustion is raised when the OS refuses to hand back pages
	// (Reserve failed).
	KindOSExhaustion Kind = iota
	// KindPoolExhaustion is the kind for metadata pool exhaustion. No
	// code path in this module raises it: objectpool takes its chunks
	// from the Go heap, where running out of memory is a Go runtime
	// fatal error rather than a panic.
	KindPoolExhaustion
	// KindContractViolation is raised for programmer bugs the design
	// does not promise to detect in release builds but always detects
	// here: freeing an untracked pointer, a use_count underflow, size
	// class math landing out of range.
	KindContractViolation
)

func (k Kind) String() string {
	switch k {
	case KindOSExhaustion:
		return "os memory exhaustion"
	case KindPoolExhaustion:
		return "metadata pool exhaustion"
	case KindContractViolation:
		return "contract violation"
	default:
		return "unknown fatal condition"
	}
}

// Error is the panic value raised by this package. A host process that
// recovers a panic from an Alloc/Free call can type-assert to *Error to
// distinguish the kind instead of parsing a message string.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.err) }
func (e *Error) Unwrap() error { return e.err }

func raise(kind Kind, msg string) {
	panic(&Error{Kind: kind, err: errors.New(msg)})
}

// OSExhaustionf raises a fatal OS memory exhaustion condition.
func OSExhaustionf(format string, args ...any) {
	raise(KindOSExhaustion, fmt.Sprintf(format, args...))
}

// PoolExhaustionf raises a fatal metadata pool exhaustion condition.
func PoolExhaustionf(format string, args ...any) {
	raise(KindPoolExhaustion, fmt.Sprintf(format, args...))
}

// Contractf raises a contract violation: a bug in the caller or in this
// allocator's own bookkeeping, never a condition a correct caller can
// trigger under the documented API.
func Contractf(format string, args ...any) {
	raise(KindContractViolation, fmt.Sprintf(format, args...))
}
