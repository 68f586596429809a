package mooncake

import (
	"errors"
	"fmt"
	"log/slog"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an AllocatorError by severity/recovery strategy, matching
// this package's error taxonomy: invalid arguments are synchronous caller bugs
// with no side effects, out-of-memory is an expected steady-state condition
// surfaced through ok-booleans rather than errors, runtime errors indicate
// corrupted allocator state, and aborted-release covers a cooperatively
// cancelled slab drain.
type Kind int

const (
	// KindInvalidArgument marks a caller-supplied argument that failed
	// validation before any state was touched.
	KindInvalidArgument Kind = iota
	// KindRuntime marks corrupted allocator state: a slab header that
	// fails validation, a release map inconsistency, or similar. Treated as
	// fatal-adjacent; always carries a stack trace.
	KindRuntime
	// KindSlabReleaseAborted marks a cancelled release: StartSlabRelease
	// returns it when abortFn stops the free-list pruning, and
	// WaitSlabRelease returns it when AbortSlabRelease cancels the drain it
	// is waiting on.
	KindSlabReleaseAborted
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindRuntime:
		return "runtime"
	case KindSlabReleaseAborted:
		return "slab_release_aborted"
	default:
		return "unknown"
	}
}

// AllocatorError is the typed error returned by this package's exported
// operations. Op names the failing method (e.g. "MemoryPool.Allocate").
type AllocatorError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *AllocatorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mooncake: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("mooncake: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AllocatorError) Unwrap() error { return e.Err }

// Sentinel errors wrapped by AllocatorError.Err, for callers using
// errors.Is.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrPoolNotFound       = errors.New("pool not found")
	ErrClassNotFound      = errors.New("allocation class not found")
	ErrSlabNotFound       = errors.New("slab not found")
	ErrAllocTooLarge      = errors.New("allocation size exceeds largest class")
	ErrOutOfMemory        = errors.New("out of memory")
	ErrCorruptSlabHeader  = errors.New("corrupt slab header")
	ErrReleaseInProgress  = errors.New("slab release already in progress")
	ErrNoReleaseInFlight  = errors.New("no slab release in progress")
	ErrSlabReleaseAborted = errors.New("slab release aborted")
	ErrIncompatibleMode   = errors.New("release mode incompatible with receiver")
)

// newInvalidArgument builds a synchronous KindInvalidArgument error. No
// stack trace: these fire before any mutation and are expected to be
// handled by the immediate caller, not traced through logs.
func newInvalidArgument(op string, err error) *AllocatorError {
	return &AllocatorError{Kind: KindInvalidArgument, Op: op, Err: err}
}

// newRuntime builds a KindRuntime error wrapping err with a stack trace via
// pkg/errors.WithStack, and logs it at Error level before returning it to the
// caller: corruption is never expected in correct operation, so every
// occurrence is worth both a full trace and a log line from the point of
// detection, not just whatever the caller chooses to do with the returned
// error. logger may be nil in contexts that predate a *slog.Logger (e.g.
// package-level constructors); the log is skipped rather than falling back to
// slog.Default, since a caller passing nil here has deliberately opted out.
func newRuntime(logger *slog.Logger, op string, err error) *AllocatorError {
	wrapped := pkgerrors.WithStack(err)
	if logger != nil {
		logger.Error(op, "err", wrapped)
	}
	return &AllocatorError{Kind: KindRuntime, Op: op, Err: wrapped}
}

// newAborted builds a KindSlabReleaseAborted error.
func newAborted(op string) *AllocatorError {
	return &AllocatorError{Kind: KindSlabReleaseAborted, Op: op, Err: ErrSlabReleaseAborted}
}
