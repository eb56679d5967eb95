package label

import (
	"testing"

	"github.com/kestrelnet/kestreld/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatePrefersIfIndexOffset(t *testing.T) {
	a := New()
	l, err := a.Allocate(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(state.SrLocalMin+3), l)
}

func TestAllocateFallsBackWhenPreferredTaken(t *testing.T) {
	a := New()
	first, err := a.Allocate(5)
	require.NoError(t, err)
	second, err := a.Allocate(5)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, uint32(state.SrLocalMax), second)
}

func TestFreeReusesLabel(t *testing.T) {
	a := New()
	l, err := a.Allocate(1)
	require.NoError(t, err)
	a.Free(l)
	assert.False(t, a.Allocated(l))
	again, err := a.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, l, again)
}

func TestExhaustion(t *testing.T) {
	a := New()
	count := state.SrLocalMax - state.SrLocalMin + 1
	for i := 0; i < count; i++ {
		_, err := a.Allocate(999999) // force scan-down path every time
		require.NoError(t, err)
	}
	_, err := a.Allocate(999999)
	assert.ErrorIs(t, err, ErrExhausted)
}
