package lockclass

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockvalidator/errs"
)

func TestCheckAndLearnLearnsAndThenEnforcesOrder(t *testing.T) {
	a := Create("A", true)
	b := Create("B", true)

	require.NoError(t, CheckAndLearn(a, b))
	assert.Equal(t, int64(1), ObservedCount(a, b))

	// The reverse order is now implied to be a cycle and must be refused,
	// even though b is itself autodidact.
	err := CheckAndLearn(b, a)
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.WrongOrder, code)
}

func TestCheckAndLearnRefusesNonAutodidactUnknownOrder(t *testing.T) {
	a := Create("A", false)
	b := Create("B", false)

	err := CheckAndLearn(a, b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrWrongOrder))
}

func TestCheckAndLearnSameClassIsNoOp(t *testing.T) {
	a := Create("A", true)
	assert.NoError(t, CheckAndLearn(a, a))
}

func TestAddPriorRejectsCycle(t *testing.T) {
	a := Create("A", false)
	b := Create("B", false)
	c := Create("C", false)

	require.NoError(t, AddPrior(a, b))
	require.NoError(t, AddPrior(b, c))

	err := AddPrior(c, a)
	require.Error(t, err)
	code, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.InvalidParameter, code)
}

func TestAddPriorRejectsSelfPrecedence(t *testing.T) {
	a := Create("A", false)
	err := AddPrior(a, a)
	require.Error(t, err)
}

func TestCheckSubClassAnyIsAlwaysCompatible(t *testing.T) {
	assert.NoError(t, CheckSubClass(SubAny, SubUserBase))
	assert.NoError(t, CheckSubClass(SubUserBase, SubAny))
}

func TestCheckSubClassNoneForbidsEverything(t *testing.T) {
	assert.Error(t, CheckSubClass(SubNone, SubUserBase))
	assert.Error(t, CheckSubClass(SubUserBase, SubNone))
}

func TestCheckSubClassUserValuesMustStrictlyIncrease(t *testing.T) {
	assert.NoError(t, CheckSubClass(SubUserBase, SubUserBase+1))
	assert.Error(t, CheckSubClass(SubUserBase+1, SubUserBase))
	assert.Error(t, CheckSubClass(SubUserBase, SubUserBase))
}

func TestForSrcPosCachesByPosition(t *testing.T) {
	pos := SrcPos{File: "x.go", Line: 42, Func: "F"}
	c1, err := ForSrcPos(pos, "x.go:42", true)
	require.NoError(t, err)
	c2, err := ForSrcPos(pos, "x.go:42", true)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

func TestRetainRelease(t *testing.T) {
	c := Create("R", false)
	c.Retain()
	assert.Equal(t, int64(2), c.Release())
	assert.Equal(t, int64(1), c.Release())
	assert.Equal(t, int64(0), c.Release())
}
