// Package errs defines the closed enumeration of outcomes the validator
// and the primitive state machines report back to callers (SPEC_FULL.md
// §6, "Error kinds"). Every outcome other than Success is a sentinel
// *Error value so callers can compare with errors.Is instead of parsing
// strings.
package errs

import "fmt"

// Code identifies one of the closed set of outcomes a primitive or the
// validator can report.
type Code int

const (
	// Success indicates the operation completed normally.
	Success Code = iota
	// Timeout indicates a deadline was reached before the operation could
	// complete. A normal contention outcome, not a violation.
	Timeout
	// Interrupted indicates the underlying blocking call was interrupted
	// and the caller opted out of automatic resumption (NoResume).
	Interrupted
	// Busy indicates a destroy was attempted on a primitive that is still
	// owned.
	Busy
	// Destroyed indicates the primitive was destroyed while the caller was
	// blocked, or that a handle refers to an already-destroyed primitive.
	Destroyed
	// NotOwner indicates a release was attempted by a thread that does not
	// hold the primitive.
	NotOwner
	// WrongOrder indicates the validator rejected an acquire because it
	// would violate a learned or declared class precedence, or a
	// sub-class ordering.
	WrongOrder
	// WrongReleaseOrder indicates a release violated a class's
	// strict-release-order policy.
	WrongReleaseOrder
	// Deadlock indicates the wait-graph detector found a cycle.
	Deadlock
	// IllegalUpgrade indicates the only cycle edge found was a single
	// reader attempting to upgrade itself to writer.
	IllegalUpgrade
	// NotSignaller indicates a thread not on a shared record's signaller
	// list attempted to signal or reset it.
	NotSignaller
	// InvalidHandle indicates an operation was attempted on a handle that
	// was never validly created (as distinct from Destroyed, which means
	// it once was valid).
	InvalidHandle
	// InvalidParameter indicates a caller-supplied argument was malformed
	// (e.g. a sub-class outside its legal range).
	InvalidParameter
	// NoMemory indicates a permanent allocation failed.
	NoMemory
	// NoTmpMemory indicates a transient/working allocation (e.g. growing a
	// shared record's owner list) failed or was refused under memory
	// pressure.
	NoTmpMemory
)

var names = map[Code]string{
	Success:           "SUCCESS",
	Timeout:           "TIMEOUT",
	Interrupted:       "INTERRUPTED",
	Busy:              "SEM_BUSY",
	Destroyed:         "SEM_DESTROYED",
	NotOwner:          "NOT_OWNER",
	WrongOrder:        "WRONG_ORDER",
	WrongReleaseOrder: "WRONG_RELEASE_ORDER",
	Deadlock:          "SEM_LV_DEADLOCK",
	IllegalUpgrade:    "SEM_LV_ILLEGAL_UPGRADE",
	NotSignaller:      "SEM_LV_NOT_SIGNALLER",
	InvalidHandle:     "INVALID_HANDLE",
	InvalidParameter:  "INVALID_PARAMETER",
	NoMemory:          "NO_MEMORY",
	NoTmpMemory:       "NO_TMP_MEMORY",
}

// String renders the code using the same spelling spec.md uses for it.
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error wraps a Code so it satisfies the error interface while still
// being comparable/switchable as a Code.
type Error struct {
	Code Code
	// Detail is an optional human-readable elaboration, e.g. the class
	// names involved in a WrongOrder violation.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is lets errors.Is(err, errs.New(errs.Deadlock)) match any *Error with
// the same Code, ignoring Detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds a plain *Error for the given code.
func New(c Code) *Error {
	return &Error{Code: c}
}

// Newf builds an *Error with a formatted detail message.
func Newf(c Code, format string, args ...any) *Error {
	return &Error{Code: c, Detail: fmt.Sprintf(format, args...)}
}

// As extracts the Code from an error produced by this package, if any.
func As(err error) (Code, bool) {
	e, ok := err.(*Error)
	if !ok {
		return Success, false
	}
	return e.Code, true
}

// Sentinels for use with errors.Is(err, errs.ErrDeadlock) and friends.
var (
	ErrTimeout           = New(Timeout)
	ErrInterrupted       = New(Interrupted)
	ErrBusy              = New(Busy)
	ErrDestroyed         = New(Destroyed)
	ErrNotOwner          = New(NotOwner)
	ErrWrongOrder        = New(WrongOrder)
	ErrWrongReleaseOrder = New(WrongReleaseOrder)
	ErrDeadlock          = New(Deadlock)
	ErrIllegalUpgrade    = New(IllegalUpgrade)
	ErrNotSignaller      = New(NotSignaller)
	ErrInvalidHandle     = New(InvalidHandle)
	ErrInvalidParameter  = New(InvalidParameter)
	ErrNoMemory          = New(NoMemory)
	ErrNoTmpMemory       = New(NoTmpMemory)
)
