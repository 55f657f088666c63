package vmshim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveCommitRelease(t *testing.T) {
	r, err := Reserve(16 * PageSize)
	require.NoError(t, err)
	defer r.Release()

	assert.NotZero(t, r.Base())
	assert.Equal(t, uintptr(16*PageSize), r.Size())

	require.NoError(t, r.Commit(0, 4*PageSize))

	buf := r.Bytes()[:4*PageSize]
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		assert.Equal(t, byte(i), buf[i])
	}
}

func TestCommitRejectsMisalignedRange(t *testing.T) {
	r, err := Reserve(4 * PageSize)
	require.NoError(t, err)
	defer r.Release()

	assert.Error(t, r.Commit(1, PageSize))
	assert.Error(t, r.Commit(0, 1))
	assert.Error(t, r.Commit(3*PageSize, 2*PageSize))
}

func TestDecommitThenRecommit(t *testing.T) {
	r, err := Reserve(4 * PageSize)
	require.NoError(t, err)
	defer r.Release()

	require.NoError(t, r.Commit(0, PageSize))
	r.Bytes()[0] = 0xAB

	require.NoError(t, r.Decommit(0, PageSize))
	require.NoError(t, r.Commit(0, PageSize))
	// Re-committed pages are not guaranteed zeroed by contract, only
	// addressable again.
	r.Bytes()[0] = 0xCD
	assert.Equal(t, byte(0xCD), r.Bytes()[0])
}

func TestHostPageSizeMatchesAssumedPageSize(t *testing.T) {
	assert.Equal(t, PageSize, HostPageSize())
}
