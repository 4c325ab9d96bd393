package waker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockvalidator/deadline"
)

func TestWaitReturnsImmediatelyWhenCheckAlreadyTrue(t *testing.T) {
	w := New()
	outcome := w.Wait(func() bool { return true }, deadline.Compute(deadline.IndefiniteSpec(deadline.Resume), time.Now(), time.Now()))
	assert.Equal(t, Woke, outcome)
}

func TestWaitTimesOut(t *testing.T) {
	w := New()
	now := time.Now()
	dl := deadline.Compute(deadline.After(20*time.Millisecond, deadline.Resume), now, now)

	start := time.Now()
	outcome := w.Wait(func() bool { return false }, dl)
	elapsed := time.Since(start)

	assert.Equal(t, TimedOut, outcome)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestWakeOneReleasesABlockedWaiter(t *testing.T) {
	w := New()
	var signalled atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		outcome := w.Wait(func() bool { return signalled.Load() }, deadline.Compute(deadline.IndefiniteSpec(deadline.Resume), time.Now(), time.Now()))
		require.Equal(t, Woke, outcome)
	}()

	time.Sleep(20 * time.Millisecond)
	signalled.Store(true)
	w.WakeOne()
	wg.Wait()
}

func TestDestroyUnblocksEveryWaiter(t *testing.T) {
	w := New()
	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]Outcome, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = w.Wait(func() bool { return false }, deadline.Compute(deadline.IndefiniteSpec(deadline.Resume), time.Now(), time.Now()))
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	w.Destroy()
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, Destroyed, r)
	}
	assert.True(t, w.IsDestroyed())
}

func TestDestroyIsIdempotent(t *testing.T) {
	w := New()
	w.Destroy()
	w.Destroy()
	assert.Equal(t, Destroyed, w.Wait(func() bool { return false }, deadline.Compute(deadline.IndefiniteSpec(deadline.Resume), time.Now(), time.Now())))
}
