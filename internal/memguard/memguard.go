// Package memguard watches available system memory so that the class
// registry can fail fast with a resource error (NO_MEMORY) instead of
// creating new classes while memory is low. The validator's shared owner
// lists and the ordering-statistics table grow without consulting it.
//
// It is deliberately coarse: a background goroutine samples virtual memory
// every so often and flips an atomic flag. Callers on the hot acquire path
// only ever do an atomic load.
package memguard

import (
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/mem"

	"lockvalidator/internal/diag"
)

var low atomic.Bool

var started atomic.Bool

// thresholdFraction is the fraction of total RAM below which memguard
// considers the system low on memory.
const thresholdFraction = 0.02

// Start launches the background sampler. It is safe to call more than
// once; subsequent calls are no-ops. Intended to be started once by the
// process embedding the validator; tests that never call Start simply see
// Low() report false forever, which preserves their ability to run without
// a live memory sampler.
func Start(interval time.Duration) {
	if !started.CompareAndSwap(false, true) {
		return
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	go func() {
		for {
			sample()
			time.Sleep(interval)
		}
	}()
}

func sample() {
	v, err := mem.VirtualMemory()
	if err != nil {
		diag.Violationf("memguard", "failed to read memory stats: %v", err)
		return
	}
	threshold := uint64(float64(v.Total) * thresholdFraction)
	low.Store(v.Available < threshold)
}

// Low reports whether the system is currently considered low on memory.
// lockclass.ForSrcPos consults it and returns NO_MEMORY instead of
// creating a class while it reports true; no other caller consults it.
func Low() bool {
	return low.Load()
}

// ForceForTesting overrides the low-memory flag for deterministic tests of
// the NO_MEMORY / NO_TMP_MEMORY paths.
func ForceForTesting(v bool) {
	low.Store(v)
}
