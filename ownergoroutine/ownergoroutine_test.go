package ownergoroutine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockvalidator/errs"
)

func TestLockUnlockMutualExclusion(t *testing.T) {
	m := New()
	counter := 0
	const goroutines = 10
	const perGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				require.NoError(t, m.Lock())
				counter++
				require.NoError(t, m.Unlock())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, goroutines*perGoroutine, counter)
}

func TestRecursiveLockIsNeutral(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock())
	require.NoError(t, m.Lock())
	assert.True(t, m.IsLocked())

	require.NoError(t, m.Unlock())
	assert.True(t, m.IsLocked())
	require.NoError(t, m.Unlock())
	assert.False(t, m.IsLocked())
}

func TestUnlockByNonOwnerFails(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock())

	done := make(chan error, 1)
	go func() { done <- m.Unlock() }()
	err := <-done
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.NotOwner, code)

	require.NoError(t, m.Unlock())
}

func TestTryLockFailsWhenHeldByAnotherThread(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock())

	done := make(chan bool, 1)
	go func() {
		ok, err := m.TryLock()
		require.NoError(t, err)
		done <- ok
	}()
	assert.False(t, <-done)

	require.NoError(t, m.Unlock())
}

// TestQueuedWaiterTimesOutWithoutBeingGranted exercises the
// time.AfterFunc/removeQueued path: a waiter queues behind the current
// owner, times out while still queued, and must not receive a grant that
// the release path might otherwise hand it a moment later.
func TestQueuedWaiterTimesOutWithoutBeingGranted(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock())

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- m.LockTimeout(30 * time.Millisecond) }()
	err := <-done
	elapsed := time.Since(start)

	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Timeout, code)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)

	require.NoError(t, m.Unlock())
	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())
}

// TestReleaseGrantsToTheNextQueuedWaiterInOrder confirms a waiter that
// queued up before the owner released gets granted ownership rather than
// a late-arriving competitor racing in afresh.
func TestReleaseGrantsToTheNextQueuedWaiterInOrder(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock())

	waiterDone := make(chan struct{})
	go func() {
		require.NoError(t, m.Lock())
		close(waiterDone)
		require.NoError(t, m.Unlock())
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter queue up inside the owner goroutine
	require.NoError(t, m.Unlock())

	select {
	case <-waiterDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("queued waiter was never granted the lock")
	}
}

func TestDestroyWhileHeldFailsWithBusy(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock())
	err := m.Destroy()
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Busy, code)
	require.NoError(t, m.Unlock())
	require.NoError(t, m.Destroy())
}

func TestGuardReleasesOnlyOnce(t *testing.T) {
	m := New()
	g, err := Acquire(m)
	require.NoError(t, err)
	assert.True(t, m.IsLocked())
	require.NoError(t, g.Release())
	assert.False(t, m.IsLocked())

	err = g.Release()
	require.Error(t, err)
}
