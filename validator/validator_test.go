package validator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockvalidator/errs"
	"lockvalidator/lockclass"
	"lockvalidator/threadid"
)

func TestOrderLearningAcceptsConsistentOrderAndRejectsReverse(t *testing.T) {
	self := Self.Current()
	classA := lockclass.Create("order-A", true)
	classB := lockclass.Create("order-B", true)

	recA := NewExclusiveRecord("A", classA, lockclass.SubAny)
	recB := NewExclusiveRecord("B", classB, lockclass.SubAny)

	require.NoError(t, CheckOrderExclusive(self, recA, SrcPos{}))
	SetOwnerExclusive(self, recA, SrcPos{})

	require.NoError(t, CheckOrderExclusive(self, recB, SrcPos{}))
	SetOwnerExclusive(self, recB, SrcPos{})

	final, err := ReleaseOwnerExclusive(self, recB)
	require.NoError(t, err)
	assert.True(t, final)
	final, err = ReleaseOwnerExclusive(self, recA)
	require.NoError(t, err)
	assert.True(t, final)

	// Now recB before recA is the reverse of the learned order.
	require.NoError(t, CheckOrderExclusive(self, recB, SrcPos{}))
	SetOwnerExclusive(self, recB, SrcPos{})

	err = CheckOrderExclusive(self, recA, SrcPos{})
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.WrongOrder, code)

	ReleaseOwnerExclusive(self, recB)
}

func TestRecursionIsExemptFromOrderChecks(t *testing.T) {
	self := Self.Current()
	class := lockclass.Create("recursive", false)
	// SubNone, the zero value: two distinct SubNone-classed records are
	// mutually incompatible, but re-entering the very same record must
	// still succeed (VBox tstRTLockValidator.cpp testLo1/testLo4, "Check
	// that recursion isn't subject to order checks").
	rec := NewExclusiveRecord("rec", class, lockclass.SubNone)

	require.NoError(t, CheckOrderExclusive(self, rec, SrcPos{}))
	SetOwnerExclusive(self, rec, SrcPos{})
	assert.Equal(t, 1, rec.Recursion())

	require.NoError(t, CheckOrderExclusive(self, rec, SrcPos{}))
	Recursion(self, rec, SrcPos{})
	assert.Equal(t, 2, rec.Recursion())

	final, err := ReleaseOwnerExclusive(self, rec)
	require.NoError(t, err)
	assert.False(t, final)

	final, err = ReleaseOwnerExclusive(self, rec)
	require.NoError(t, err)
	assert.True(t, final)
}

func TestStrictReleaseOrderRejectsOutOfOrderRelease(t *testing.T) {
	self := Self.Current()
	class := lockclass.Create("strict", false)
	class.EnforceStrictReleaseOrder(true)

	recOuter := NewExclusiveRecord("outer", class, lockclass.SubAny)
	recInner := NewExclusiveRecord("inner", class, lockclass.SubAny)

	require.NoError(t, CheckOrderExclusive(self, recOuter, SrcPos{}))
	SetOwnerExclusive(self, recOuter, SrcPos{})
	require.NoError(t, CheckOrderExclusive(self, recInner, SrcPos{}))
	SetOwnerExclusive(self, recInner, SrcPos{})

	_, err := ReleaseOwnerExclusive(self, recOuter)
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.WrongReleaseOrder, code)

	// Ownership must still stand: releasing in the correct order now works.
	final, err := ReleaseOwnerExclusive(self, recInner)
	require.NoError(t, err)
	assert.True(t, final)
	final, err = ReleaseOwnerExclusive(self, recOuter)
	require.NoError(t, err)
	assert.True(t, final)
}

func TestBeginWaitExclusiveDetectsTwoThreadCycle(t *testing.T) {
	classA := lockclass.Create("cycle-A", true)
	classB := lockclass.Create("cycle-B", true)
	recA := NewExclusiveRecord("A", classA, lockclass.SubAny)
	recB := NewExclusiveRecord("B", classB, lockclass.SubAny)

	var selfA, selfB threadid.ID
	var wg sync.WaitGroup
	wg.Add(2)

	ownedA := make(chan struct{})
	ownedB := make(chan struct{})
	bWaiting := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		defer wg.Done()
		selfA = Self.Current()
		SetOwnerExclusive(selfA, recA, SrcPos{})
		close(ownedA)
		<-bWaiting
		// B already owns recB and is registered as waiting on recA; this
		// call closes the cycle back to selfA.
		err := BeginWaitExclusive(selfA, recB)
		done <- err
	}()

	go func() {
		defer wg.Done()
		<-ownedA
		selfB = Self.Current()
		SetOwnerExclusive(selfB, recB, SrcPos{})
		close(ownedB)
		// No cycle yet: A hasn't registered a wait on anything.
		require.NoError(t, BeginWaitExclusive(selfB, recA))
		close(bWaiting)
	}()

	wg.Wait()
	err := <-done
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Deadlock, code)

	EndWait(selfB)
	ReleaseOwnerExclusive(selfA, recA)
	ReleaseOwnerExclusive(selfB, recB)
}

func TestSignallerListEmptyAllowsEveryone(t *testing.T) {
	rec := NewSharedRecord("sig", nil, lockclass.SubAny)
	self := Self.Current()
	assert.NoError(t, CheckSignaller(rec, self))
}

func TestSignallerListRestrictsToMembers(t *testing.T) {
	rec := NewSharedRecord("sig", nil, lockclass.SubAny)
	var other threadid.ID = threadid.ID(^uint64(0)) // certainly not self
	rec.SetSignaller(other)

	self := Self.Current()
	err := CheckSignaller(rec, self)
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.NotSignaller, code)

	rec.AddSignaller(self)
	assert.NoError(t, CheckSignaller(rec, self))

	rec.RemoveSignaller(self)
	err = CheckSignaller(rec, self)
	require.Error(t, err)
}
