package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeStringMatchesSpecSpelling(t *testing.T) {
	cases := map[Code]string{
		Success:        "SUCCESS",
		Timeout:        "TIMEOUT",
		Busy:           "SEM_BUSY",
		Destroyed:      "SEM_DESTROYED",
		Deadlock:       "SEM_LV_DEADLOCK",
		IllegalUpgrade: "SEM_LV_ILLEGAL_UPGRADE",
		NotSignaller:   "SEM_LV_NOT_SIGNALLER",
	}
	for code, want := range cases {
		assert.Equal(t, want, code.String())
	}
}

func TestErrorIsMatchesByCodeOnly(t *testing.T) {
	a := Newf(Deadlock, "thread 7 would deadlock on %q", "A")
	b := New(Deadlock)

	assert.True(t, errors.Is(a, b))
	assert.True(t, errors.Is(a, ErrDeadlock))
	assert.False(t, errors.Is(a, ErrIllegalUpgrade))
}

func TestAsExtractsCode(t *testing.T) {
	err := New(WrongOrder)
	code, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, WrongOrder, code)

	_, ok = As(errors.New("not one of ours"))
	assert.False(t, ok)
}
