// Package diag carries the validator's process-wide diagnostic toggles:
// the "quiet" flag that suppresses stderr-style violation reports during
// testing, and the "may-panic" flag that controls whether a detected
// violation attempts to break into a debugger.
//
// Both toggles are process-wide by design (see SPEC_FULL.md, Lock-Class
// registry / Global state): they are read far more often than written, so
// they are represented as atomic-loaded flags rather than guarded by a
// shared mutex.
package diag

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
)

// Color codes used when rendering violation diagnostics to the terminal.
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Yellow = "\033[33m"
	Purple = "\033[35m"
)

var (
	quiet    atomic.Bool
	mayPanic atomic.Bool

	numViolations atomic.Int64
	numTimeouts   atomic.Int64
)

// SetQuiet toggles whether violation diagnostics are printed. Tests that
// deliberately trigger validator violations should set this to true so
// their output stays readable.
func SetQuiet(on bool) {
	quiet.Store(on)
}

// Quiet reports the current value of the quiet flag.
func Quiet() bool {
	return quiet.Load()
}

// SetMayPanic toggles whether a detected violation attempts to break into
// a debugger (via debug.PrintStack plus a panic) instead of only returning
// an error code to the caller.
func SetMayPanic(on bool) {
	mayPanic.Store(on)
}

// MayPanic reports the current value of the may-panic flag.
func MayPanic() bool {
	return mayPanic.Load()
}

// Violation renders a validator violation (wrong order, deadlock, illegal
// upgrade, ...) to the terminal, unless quiet is set, and breaks into a
// debugger if may-panic is set. It never blocks the caller's control flow:
// the error code has already been decided by the time this is called.
func Violation(kind string, v ...any) {
	numViolations.Add(1)
	if !quiet.Load() {
		log.Print(Red, kind, ": ", fmt.Sprint(v...), Reset)
	}
	if mayPanic.Load() {
		debug.PrintStack()
		panic(fmt.Sprintf("lock validator: %s: %s", kind, fmt.Sprint(v...)))
	}
}

// Violationf is Violation with a format string.
func Violationf(kind, format string, v ...any) {
	Violation(kind, fmt.Sprintf(format, v...))
}

// Timeout records that a blocking call timed out. Timeouts are a normal
// contention outcome, not a violation, so they are never subject to
// may-panic and are only logged when not quiet.
func Timeout(v ...any) {
	numTimeouts.Add(1)
	if !quiet.Load() {
		log.Print(Purple, fmt.Sprint(v...), Reset)
	}
}

// Counts returns the number of violations and timeouts observed so far.
// Intended for test assertions, not for production monitoring.
func Counts() (violations, timeouts int64) {
	return numViolations.Load(), numTimeouts.Load()
}

// ResetCounts zeroes the violation/timeout counters. Test-only.
func ResetCounts() {
	numViolations.Store(0)
	numTimeouts.Store(0)
}
