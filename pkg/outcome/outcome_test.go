package outcome

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome_Success(t *testing.T) {
	o := Success(42)

	assert.True(t, o.IsSuccess())
	assert.False(t, o.IsFailure())
	assert.False(t, o.IsLoading())
	assert.Equal(t, StateSuccess, o.State())
	assert.NoError(t, o.Err())

	v, err := o.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestOutcome_Failure(t *testing.T) {
	boom := errors.New("boom")
	o := Failure[int](boom)

	assert.True(t, o.IsFailure())
	assert.Equal(t, "failure", o.State().String())

	v, err := o.Get()
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, v)
	assert.Equal(t, 7, o.ValueOr(7))
}

func TestOutcome_FailureWithNilError(t *testing.T) {
	o := Failure[string](nil)

	assert.True(t, o.IsFailure())
	assert.Error(t, o.Err())
}

func TestOutcome_ZeroValueIsLoading(t *testing.T) {
	var o Outcome[string]

	assert.True(t, o.IsLoading())
	_, err := o.Get()
	assert.ErrorIs(t, err, ErrLoading)
	assert.NoError(t, o.Err())
	assert.Equal(t, "loading", Loading[int]().State().String())
}

func TestFrom(t *testing.T) {
	assert.True(t, From("x", nil).IsSuccess())
	assert.True(t, From("x", errors.New("bad")).IsFailure())
}

func TestMap(t *testing.T) {
	toString := func(i int) string { return strconv.Itoa(i) }

	s := Map(Success(5), toString)
	assert.Equal(t, "5", s.ValueOr(""))

	boom := errors.New("boom")
	f := Map(Failure[int](boom), toString)
	assert.ErrorIs(t, f.Err(), boom)

	l := Map(Loading[int](), toString)
	assert.True(t, l.IsLoading())
}
