package soundheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/soundheap/internal/rawmem"
	"github.com/nmxmxh/soundheap/internal/sapa"
	"github.com/nmxmxh/soundheap/internal/sizeclass"
	"github.com/nmxmxh/soundheap/internal/vmshim"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	h := New(DefaultConfig(), nil)
	require.NoError(t, h.Initialize())
	t.Cleanup(func() { assert.NoError(t, h.Deinitialize()) })
	return h
}

func TestInitializeTwiceIsRejected(t *testing.T) {
	h := newTestAllocator(t)
	err := h.Initialize()
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindProtocolViolation, fe.Kind)
}

func TestOperationsBeforeInitializeAreRejected(t *testing.T) {
	h := New(DefaultConfig(), nil)
	_, err := h.Allocate(8)
	assert.Error(t, err)
	assert.Error(t, h.Deallocate(0x1000))
}

// §6: passing a null pointer to Deallocate is a no-op, not an error.
func TestDeallocateNullPointerIsNoOp(t *testing.T) {
	h := newTestAllocator(t)
	assert.NoError(t, h.Deallocate(0))
}

// §8 scenario 1 (scaled down): dense churn of 24-byte slots, all from class
// 3, freed in reverse order. Every pointer returned decodes to class 3, and
// after freeing everything in reverse order every slot of every page carved
// for class 3 is back on B[3]: the n freed slots plus the never-handed-out
// tail of the last page.
func TestSmallDenseChurnRoundTrips(t *testing.T) {
	h := newTestAllocator(t)
	const n = 2000
	const class = 3 // sizeclass.ClassSize(3) == 24

	require.Equal(t, uint32(24), sizeclass.ClassSize(class))

	ptrs := make([]uintptr, n)
	for i := 0; i < n; i++ {
		p, err := h.Allocate(24)
		require.NoError(t, err)
		ptrs[i] = p
		assert.Equal(t, class, sapa.AddressToClass(p))
	}

	for i := n - 1; i >= 0; i-- {
		require.NoError(t, h.Deallocate(ptrs[i]))
	}

	// Each refill carves (PageSize-memStart)/24 = 169 slots, so n=2000 takes
	// 12 pages = 2028 slots; draining B[class] should yield all of them.
	perPage := int((vmshim.PageSize - memStart) / 24)
	pages := (n + perPage - 1) / perPage
	count := 0
	for head := h.slots[class]; head != 0; head = rawmem.LoadUintptr(head) {
		count++
	}
	assert.Equal(t, pages*perPage, count)
}

// §8 scenario 2: one slot at each of six sizes lands in six distinct
// stripes, each decoding to the size's own class index.
func TestStripingAcrossSixClasses(t *testing.T) {
	h := newTestAllocator(t)
	sizes := []uintptr{8, 16, 32, 64, 128, 256}
	seen := make(map[int]bool)

	for _, sz := range sizes {
		p, err := h.Allocate(sz)
		require.NoError(t, err)
		idx := sizeclass.SizeToIndex(uint32(sz))
		assert.Equal(t, idx, sapa.AddressToClass(p))
		assert.False(t, seen[idx], "class %d seen twice", idx)
		seen[idx] = true
	}
	assert.Len(t, seen, len(sizes))
}

// §8 scenario 4: BA coalescing. Three adjacent chunks of exactly 5, 3 and 7
// pages, freed out of order, end up as one chunk once every free has
// happened. This drives the bulk allocator directly (rather than through
// Allocate's sz-plus-header rounding) to get the exact page counts §8
// specifies.
func TestBulkChunksCoalesceOnFree(t *testing.T) {
	h := newTestAllocator(t)
	a, err := h.bulkAlloc.Alloc(5)
	require.NoError(t, err)
	b, err := h.bulkAlloc.Alloc(3)
	require.NoError(t, err)
	c, err := h.bulkAlloc.Alloc(7)
	require.NoError(t, err)

	require.NoError(t, h.bulkAlloc.Free(b))
	require.NoError(t, h.bulkAlloc.Free(a))
	require.NoError(t, h.bulkAlloc.Free(c))
	require.NoError(t, h.bulkAlloc.CheckInvariants())
}

// §8 scenario 5: requests above BAMaxPages take the direct-VM path and
// round-trip cleanly.
func TestDirectVMPathRoundTrips(t *testing.T) {
	h := newTestAllocator(t)
	p, err := h.Allocate(200 * vmshim.PageSize)
	require.NoError(t, err)
	assert.Equal(t, uintptr(reservedPrefix), p%vmshim.PageSize, "direct allocations sit HeaderSize bytes into their region, like every other BA payload pointer")
	require.NoError(t, h.Deallocate(p))
}

// §8 scenario 6: a bucket slot and a BA chunk dispatch to their correct
// paths purely from in-page offset.
func TestAddressDispatchRoutesBothPaths(t *testing.T) {
	h := newTestAllocator(t)
	p, err := h.Allocate(24)
	require.NoError(t, err)
	q, err := h.Allocate(10 * vmshim.PageSize)
	require.NoError(t, err)

	assert.Greater(t, p%vmshim.PageSize, uintptr(reservedPrefix))
	assert.Equal(t, uintptr(reservedPrefix), q%vmshim.PageSize)

	require.NoError(t, h.Deallocate(p))
	require.NoError(t, h.Deallocate(q))
}

func TestGetStatsReflectsActivity(t *testing.T) {
	h := newTestAllocator(t)
	p, err := h.Allocate(8)
	require.NoError(t, err)
	q, err := h.Allocate(300 * vmshim.PageSize)
	require.NoError(t, err)

	stats := h.GetStats()
	assert.Equal(t, uint64(1), stats.DirectAllocationCount)
	assert.Len(t, stats.Classes, sizeclass.Count)
	assert.Equal(t, uint64(1), stats.Classes[sizeclass.SizeToIndex(8)].HandedOut)
	assert.Greater(t, stats.BulkBytesCommitted, uint64(0))
	assert.Greater(t, stats.BulkBytesInUse, uint64(0))
	assert.Equal(t, stats.BulkBytesCommitted, stats.ProcessHighWaterBytes)

	require.NoError(t, h.Deallocate(p))
	require.NoError(t, h.Deallocate(q))

	stats = h.GetStats()
	assert.Equal(t, uint64(0), stats.DirectAllocationCount)
	assert.Equal(t, uint64(0), stats.Classes[sizeclass.SizeToIndex(8)].HandedOut)
	// the high water mark persists even after the direct region is released.
	assert.GreaterOrEqual(t, stats.ProcessHighWaterBytes, stats.BulkBytesCommitted)
}

// A request whose low 32 bits happen to look bucketable must not be
// truncated into a tiny bucket slot; it has to take the bulk/direct path.
func TestLargeRequestWithSmallLowBitsIsNotMisroutedToBucket(t *testing.T) {
	h := newTestAllocator(t)
	const sz = (uintptr(1) << 32) + 8
	p, err := h.Allocate(sz)
	require.NoError(t, err)
	assert.Equal(t, uintptr(reservedPrefix), p%vmshim.PageSize, "must take the BA/direct path, not a bucket slot")
	require.NoError(t, h.Deallocate(p))
}

// BulkArenaCount must count arenas the bulk allocator actually reserved, not
// SAPA's. Force a pooled BA allocation (below BAMaxPages, not bucketable) so
// a bulk arena is grown.
func TestGetStatsBulkArenaCountIsBulkNotSAPA(t *testing.T) {
	h := newTestAllocator(t)
	_, err := h.Allocate(10 * vmshim.PageSize)
	require.NoError(t, err)

	stats := h.GetStats()
	assert.Equal(t, uint64(1), stats.BulkArenaCount)
}
