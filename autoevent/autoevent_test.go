package autoevent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockvalidator/errs"
)

func TestSignalBeforeWaitLeavesAPendingPermit(t *testing.T) {
	e := New()
	require.NoError(t, e.Signal())

	done := make(chan error, 1)
	go func() { done <- e.Wait() }()
	require.NoError(t, <-done)
}

func TestSignalWakesExactlyOneWaiter(t *testing.T) {
	e := New()
	const n = 4
	released := make(chan int, n)
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if err := e.Wait(); err == nil {
				released <- i
			}
		}(i)
	}

	time.Sleep(30 * time.Millisecond) // let all n register as waiters
	require.NoError(t, e.Signal())
	time.Sleep(30 * time.Millisecond)

	assert.Len(t, released, 1)

	// Release the rest so the test doesn't leak goroutines.
	for len(released) < n {
		require.NoError(t, e.Signal())
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()
}

func TestWaitTimesOutWithNoSignal(t *testing.T) {
	e := New()
	start := time.Now()
	err := e.WaitTimeout(30 * time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Timeout, code)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestDestroyUnblocksWaiters(t *testing.T) {
	e := New()
	done := make(chan error, 1)
	go func() { done <- e.Wait() }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, e.Destroy())
	err := <-done
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Destroyed, code)
}

func TestSignallerRestrictionRejectsNonMembers(t *testing.T) {
	e := New()
	e.SetSignaller()
	require.NoError(t, e.Signal())

	done := make(chan error, 1)
	go func() { done <- e.Signal() }()
	err := <-done
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.NotSignaller, code)
}

func TestAddAndRemoveSignaller(t *testing.T) {
	e := New()
	e.SetSignaller()

	addDone := make(chan struct{})
	go func() {
		e.AddSignaller()
		require.NoError(t, e.Signal())
		e.RemoveSignaller()
		close(addDone)
	}()
	<-addDone

	done := make(chan error, 1)
	go func() { done <- e.Signal() }()
	err := <-done
	require.Error(t, err)
}
