package mutexlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockvalidator/errs"
	"lockvalidator/internal/diag"
	"lockvalidator/lockclass"
)

func TestLockUnlockMutualExclusion(t *testing.T) {
	m := New()
	counter := 0
	const goroutines = 20
	const perGoroutine = 200

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
	require.NoError(t, m.Lock())
	assert.True(t, m.IsLocked())

	require.NoError(t, m.Unlock())
	assert.True(t, m.IsLocked())
	require.NoError(t, m.Unlock())
	assert.True(t, m.IsLocked())
	require.NoError(t, m.Unlock())
	assert.False(t, m.IsLocked())
}

// TestRecursiveLockOnClassedMutexIsNeutral mirrors VBox's testLo4 ("Check
// that recursion isn't subject to order checks"): a mutex with a class
// but no explicit sub-class recurses under the default SubNone, which
// must succeed even though two distinct SubNone-classed records are
// otherwise mutually incompatible.
func TestRecursiveLockOnClassedMutexIsNeutral(t *testing.T) {
	m := NewEx(WithClass(lockclass.Create("recursive-classed", true)))
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
	go func() {
		done <- m.Unlock()
	}()
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

func TestLockTimeoutPrecision(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock())

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- m.LockTimeout(50 * time.Millisecond) }()
	err := <-done
	elapsed := time.Since(start)

	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Timeout, code)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	require.NoError(t, m.Unlock())
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

func TestOrderValidatorDetectsDeadlock(t *testing.T) {
	diag.SetQuiet(true)
	defer diag.SetQuiet(false)

	classA := lockclass.Create("mutexlock-deadlock-A", true)
	classB := lockclass.Create("mutexlock-deadlock-B", true)
	a := NewEx(WithClass(classA))
	b := NewEx(WithClass(classB))

	require.NoError(t, a.Lock())

	bLockedByOther := make(chan struct{})
	secondTryDone := make(chan error, 1)

	go func() {
		require.NoError(t, b.Lock())
		close(bLockedByOther)
		secondTryDone <- a.LockTimeout(500 * time.Millisecond)
		b.Unlock()
	}()

	<-bLockedByOther
	time.Sleep(20 * time.Millisecond) // let the other goroutine register its wait
	err := b.LockTimeout(500 * time.Millisecond)

	a.Unlock()

	// Exactly one side must see the deadlock (or, depending on scheduling,
	// a bounded timeout); the other succeeds once the first releases.
	secondErr := <-secondTryDone
	sawDeadlock := false
	for _, e := range []error{err, secondErr} {
		if code, ok := errs.As(e); ok && code == errs.Deadlock {
			sawDeadlock = true
		}
	}
	assert.True(t, sawDeadlock, "expected at least one side to observe SEM_LV_DEADLOCK")
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
