// Package deadline converts the extended wait-flags vocabulary of
// SPEC_FULL.md §4.2/§6 (indefinite, relative/absolute, nanoseconds/
// milliseconds, resume/no-resume) into a monotonic deadline plus a
// poll-only flag, the form every Waker and every primitive's suspension
// point actually consumes.
//
// Flags are enumerated per axis rather than packed into a single bitmask
// integer (SPEC_FULL.md §6: "Flags (enumerated, not bit-named)").
package deadline

import (
	"math"
	"time"
)

// TimeBase selects whether a wait's Value is interpreted as relative to
// now or as an absolute point in time.
type TimeBase int

const (
	Relative TimeBase = iota
	Absolute
)

// Unit selects the resolution of Value.
type Unit int

const (
	Nanoseconds Unit = iota
	Milliseconds
)

// Resumption controls the caller's behavior when the underlying Waker
// reports Interrupted.
type Resumption int

const (
	Resume Resumption = iota
	NoResume
)

// Spec is the extended wait specification a caller passes to
// request_ex-style APIs.
type Spec struct {
	Indefinite bool
	Base       TimeBase
	Unit       Unit
	Resumption Resumption
	// Value is the timeout, interpreted per Unit; for Base==Absolute it is
	// nanoseconds/milliseconds since the Unix epoch in wall-clock terms
	// (an absolute deadline is always specified against the wall clock,
	// since that's the only clock two independent threads/processes can
	// agree on a shared epoch for), then converted below into an offset
	// against the monotonic clock, which is the only clock ever consulted
	// while actually waiting.
	Value int64
}

// IndefiniteSpec builds a Spec that never times out.
func IndefiniteSpec(r Resumption) Spec {
	return Spec{Indefinite: true, Resumption: r}
}

// After builds a Spec for a relative timeout.
func After(d time.Duration, r Resumption) Spec {
	return Spec{Base: Relative, Unit: Nanoseconds, Resumption: r, Value: int64(d)}
}

// AtWallClock builds a Spec for an absolute wall-clock deadline.
func AtWallClock(t time.Time, r Resumption) Spec {
	return Spec{Base: Absolute, Unit: Nanoseconds, Resumption: r, Value: t.UnixNano()}
}

// Deadline is the computed, monotonic-clock form of a Spec.
type Deadline struct {
	Infinite   bool
	Resumption Resumption
	// At is the monotonic instant the wait must give up by. Meaningless
	// when Infinite is true.
	At time.Time
}

// saturateInfinite is returned whenever the arithmetic below would
// overflow either representation (SPEC_FULL.md §4.2: "Overflow ...
// saturates to infinite").
func saturateInfinite(r Resumption) Deadline {
	return Deadline{Infinite: true, Resumption: r}
}

// Compute converts a Spec into a Deadline, evaluated against the current
// instant (so tests can inject a fixed "now" rather than depend on wall
// time).
func Compute(spec Spec, wallNow, monoNow time.Time) Deadline {
	if spec.Indefinite {
		return Deadline{Infinite: true, Resumption: spec.Resumption}
	}

	var dur time.Duration
	switch spec.Unit {
	case Nanoseconds:
		dur = time.Duration(spec.Value)
	case Milliseconds:
		const maxMillisForDuration = math.MaxInt64 / int64(time.Millisecond)
		if spec.Value > maxMillisForDuration || spec.Value < -maxMillisForDuration {
			return saturateInfinite(spec.Resumption)
		}
		dur = time.Duration(spec.Value) * time.Millisecond
	default:
		return saturateInfinite(spec.Resumption)
	}

	switch spec.Base {
	case Relative:
		at, ok := addDurationChecked(monoNow, dur)
		if !ok {
			return saturateInfinite(spec.Resumption)
		}
		return Deadline{Resumption: spec.Resumption, At: at}
	case Absolute:
		// dur here is an absolute wall-clock instant, encoded as a
		// duration since the Unix epoch; re-express it as an offset from
		// wallNow, then apply that same offset to monoNow.
		target := time.Unix(0, 0).Add(dur)
		offset := target.Sub(wallNow)
		at, ok := addDurationChecked(monoNow, offset)
		if !ok {
			return saturateInfinite(spec.Resumption)
		}
		return Deadline{Resumption: spec.Resumption, At: at}
	default:
		return saturateInfinite(spec.Resumption)
	}
}

func addDurationChecked(t time.Time, d time.Duration) (time.Time, bool) {
	// time.Time.Add does its own internal saturation for multi-century
	// overflows, but we want to detect it rather than silently accept a
	// nonsensical deadline.
	result := t.Add(d)
	// A crude overflow check: if adding a positive duration produced an
	// earlier time (or vice versa), we overflowed.
	if d > 0 && result.Before(t) {
		return time.Time{}, false
	}
	if d < 0 && result.After(t) {
		return time.Time{}, false
	}
	return result, true
}

// PollOnly reports whether the deadline is already in the past (a
// relative-zero or already-past-absolute wait never needs to block).
func (d Deadline) PollOnly(now time.Time) bool {
	return !d.Infinite && !d.At.After(now)
}

// Remaining returns how long is left until the deadline, clamped to zero.
// Undefined (returns a negative sentinel) if Infinite.
func (d Deadline) Remaining(now time.Time) time.Duration {
	if d.Infinite {
		return -1
	}
	r := d.At.Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// Passed reports whether the deadline has been reached.
func (d Deadline) Passed(now time.Time) bool {
	return !d.Infinite && !d.At.After(now)
}
