package diskspace

import (
	"testing"

	"github.com/gridshare/storaged/pkg/storage/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	free uint64
	err  error
}

func (f fakeProber) FreeBytes(path string) (uint64, error) {
	return f.free, f.err
}

func TestCanAllocateWithinBudget(t *testing.T) {
	a := NewAccountant(fakeProber{free: 1000}, 100)
	ok, err := a.CanAllocate("/tmp", 800)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanAllocateRejectsBelowReservedFloor(t *testing.T) {
	a := NewAccountant(fakeProber{free: 1000}, 100)
	ok, err := a.CanAllocate("/tmp", 901)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAllocatePropagatesUnknownSpace(t *testing.T) {
	a := NewAccountant(fakeProber{err: errs.ErrSpaceUnknown}, 0)
	ok, err := a.CanAllocate("/tmp", 1)
	assert.ErrorIs(t, err, errs.ErrSpaceUnknown)
	assert.False(t, ok)
}

func TestAvailableSubtractsReservedSpace(t *testing.T) {
	a := NewAccountant(fakeProber{free: 500}, 200)
	avail, err := a.Available("/tmp")
	require.NoError(t, err)
	assert.Equal(t, int64(300), avail)
}
