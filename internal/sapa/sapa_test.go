package sapa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/soundheap/internal/pagecache"
	"github.com/nmxmxh/soundheap/internal/vmshim"
)

func TestAddressToClassFixedWindow(t *testing.T) {
	for class := 0; class < BucketCount; class++ {
		pageNum := uintptr(class) << PagesPerBucketExp
		addr := pageNum << PageShift
		assert.Equal(t, class, AddressToClass(addr), "class %d", class)
	}
}

func TestAddressToClassIgnoresHigherBits(t *testing.T) {
	base := uintptr(7) << (PagesPerBucketExp + PageShift)
	withHighBits := base | (uintptr(0xABCD) << (BucketCountExp + PagesPerBucketExp + PageShift))
	assert.Equal(t, 7, AddressToClass(withHighBits))
}

func TestArenaRunsNoSplitWhenAligned(t *testing.T) {
	a := &arena{s0: 3, pageOffset: 0}

	start1, len1, start2, len2 := a.runs(3)
	assert.Equal(t, uint32(0), start1)
	assert.Equal(t, uint32(PagesPerBucket), len1)
	assert.Equal(t, uint32(0), len2)
	_ = start2

	start1, len1, start2, len2 = a.runs(4)
	assert.Equal(t, uint32(PagesPerBucket), start1)
	assert.Equal(t, uint32(PagesPerBucket), len1)
	assert.Equal(t, uint32(0), len2)
	_ = start2

	start1, len1, start2, len2 = a.runs(2)
	d := (2 - 3 + BucketCount) % BucketCount
	assert.Equal(t, uint32(d)*PagesPerBucket, start1)
	assert.Equal(t, uint32(PagesPerBucket), len1)
	assert.Equal(t, uint32(0), len2)
	_ = start2
}

func TestArenaRunsSplitsOwnStripe(t *testing.T) {
	a := &arena{s0: 5, pageOffset: 50}

	start1, len1, start2, len2 := a.runs(5)
	assert.Equal(t, uint32(RingPages-50), start1)
	assert.Equal(t, uint32(50), len1)
	assert.Equal(t, uint32(0), start2)
	assert.Equal(t, uint32(PagesPerBucket-50), len2)

	// every logical page of the stripe must land in exactly one of the two
	// physically contiguous pieces, and the two pieces must not overlap.
	seen := make(map[uint32]bool)
	for n := uint32(0); n < PagesPerBucket; n++ {
		rel := a.pageRelOffset(5, n)
		assert.False(t, seen[rel], "page %d reused at rel offset %d", n, rel)
		seen[rel] = true
	}
	assert.Len(t, seen, PagesPerBucket)
}

func TestArenaRunsOtherClassesStayContiguousDespiteOffset(t *testing.T) {
	a := &arena{s0: 5, pageOffset: 50}
	for class := 0; class < BucketCount; class++ {
		if class == a.s0 {
			continue
		}
		_, len1, _, len2 := a.runs(class)
		assert.Equal(t, uint32(PagesPerBucket), len1, "class %d", class)
		assert.Equal(t, uint32(0), len2, "class %d", class)
	}
}

func TestGetPageAddressesDecodeToRequestedClass(t *testing.T) {
	s := New(DefaultConfig())
	defer s.Deinitialize()

	for class := 0; class < BucketCount; class++ {
		for i := 0; i < 5; i++ {
			addr, err := s.GetPage(class)
			require.NoError(t, err)
			assert.Equal(t, class, AddressToClass(addr), "class %d iteration %d", class, i)
			assert.Zero(t, addr%vmshim.PageSize, "page must be page-aligned")
		}
	}
}

func TestGetPageExhaustsStripeAndGrowsArena(t *testing.T) {
	s := New(DefaultConfig())
	defer s.Deinitialize()

	seen := make(map[uintptr]bool)
	for i := 0; i < PagesPerBucket+3; i++ {
		addr, err := s.GetPage(0)
		require.NoError(t, err)
		assert.False(t, seen[addr], "page handed out twice: %x", addr)
		seen[addr] = true
		assert.Equal(t, 0, AddressToClass(addr))
	}

	_, arenaCount := s.Stats()
	assert.GreaterOrEqual(t, arenaCount, 2)
}

func TestGetPageRejectsOutOfRangeClass(t *testing.T) {
	s := New(DefaultConfig())
	defer s.Deinitialize()

	_, err := s.GetPage(-1)
	assert.Error(t, err)
	_, err = s.GetPage(BucketCount)
	assert.Error(t, err)
}

func TestDeinitializeReturnsArenaToPageCache(t *testing.T) {
	cache := pagecache.New()
	s := New(DefaultConfig(), WithPageCache(cache))

	_, err := s.GetPage(0)
	require.NoError(t, err)
	require.NoError(t, s.Deinitialize())
	assert.Equal(t, 1, cache.Len(ReservationSize))

	require.NoError(t, cache.Drain())
}

func TestStatsTracksUsageAndCommit(t *testing.T) {
	s := New(DefaultConfig())
	defer s.Deinitialize()

	for i := 0; i < 10; i++ {
		_, err := s.GetPage(2)
		require.NoError(t, err)
	}

	classes, arenaCount := s.Stats()
	assert.Equal(t, 1, arenaCount)
	assert.Equal(t, uint64(10), classes[2].PagesUsed)
	assert.GreaterOrEqual(t, classes[2].PagesCommitted, classes[2].PagesUsed)
}
