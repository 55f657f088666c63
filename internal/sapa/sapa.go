// Package sapa implements the sounding-address page allocator: it hands out
// page-aligned pages whose virtual address encodes their size-class index,
// so the class can be recovered from the pointer alone on deallocation —
// no per-allocation header.
package sapa

import (
	"fmt"

	"github.com/nmxmxh/soundheap/internal/pagecache"
	"github.com/nmxmxh/soundheap/internal/vmshim"
)

const (
	// PageShift is log2(PageSize).
	PageShift = 12
	// BucketCountExp is log2(BucketCount): the width, in bits, of the
	// class-index window encoded into every page address.
	BucketCountExp = 4
	// BucketCount is the number of stripes an arena is divided into —
	// one per size class, whether or not that class is ever bucketed.
	BucketCount = 1 << BucketCountExp
	// PagesPerBucketExp is log2(PagesPerBucket).
	PagesPerBucketExp = 7
	// PagesPerBucket is the number of pages a single stripe contributes
	// to one size class within one arena.
	PagesPerBucket = 1 << PagesPerBucketExp
	// RingPages is the total page count of one arena: BucketCount stripes
	// of PagesPerBucket pages each.
	RingPages = BucketCount * PagesPerBucket
	// ReservationSize is one arena's byte size (8 MiB with the constants
	// above).
	ReservationSize = uintptr(RingPages) * vmshim.PageSize
	// classWindowMask isolates the BucketCountExp+PagesPerBucketExp bits
	// of a page number that AddressToClass reads.
	classWindowMask = uintptr(1)<<(BucketCountExp+PagesPerBucketExp) - 1
)

// AddressToClass recovers the size-class index a page address was carved
// from. It is a pure function of the address: the allocator's central
// trick is that this needs no lookup table and no per-allocation header.
func AddressToClass(addr uintptr) int {
	pageNum := addr >> PageShift
	return int((pageNum & classWindowMask) >> PagesPerBucketExp)
}

// CommitGranularity is the number of pages committed from the OS in one
// burst, amortizing the mprotect syscall over several allocations.
type Config struct {
	CommitGranularity uint32
}

// DefaultConfig matches §3's COMMIT_GRANULARITY = 4 pages.
func DefaultConfig() Config {
	return Config{CommitGranularity: 4}
}

// arena is one 8 MiB reservation, conceptually sliced into BucketCount
// contiguous 128-page stripes — one per size class.
type arena struct {
	region     *vmshim.Region
	s0         int    // stripe index the arena's own base page falls into
	pageOffset uint32 // base page's offset within that stripe, [0, PagesPerBucket)

	nextToUse    [BucketCount]uint32
	nextToCommit [BucketCount]uint32

	next *arena
}

// runs returns the (possibly split) physical page ranges, relative to the
// arena base, that make up class idx's 128-page stripe in this arena. When
// the class matches the arena's own base stripe (idx == s0) and the base
// page is not stripe-aligned (pageOffset != 0), the stripe wraps across the
// reservation boundary and is returned as two contiguous pieces; in every
// other case it is a single contiguous piece (start2, len2 are zero).
func (a *arena) runs(idx int) (start1, len1, start2, len2 uint32) {
	d := (idx - a.s0 + BucketCount) % BucketCount
	if d != 0 {
		return uint32(d)*PagesPerBucket - a.pageOffset, PagesPerBucket, 0, 0
	}
	if a.pageOffset == 0 {
		return 0, PagesPerBucket, 0, 0
	}
	return RingPages - a.pageOffset, a.pageOffset, 0, PagesPerBucket - a.pageOffset
}

// pageRelOffset returns the arena-relative page index of the n-th logical
// page (0-indexed) of class idx's stripe.
func (a *arena) pageRelOffset(idx int, n uint32) uint32 {
	start1, len1, start2, _ := a.runs(idx)
	if n < len1 {
		return start1 + n
	}
	return start2 + (n - len1)
}

// commitRange commits logical pages [lo, hi) of class idx's stripe,
// splitting across the arena-boundary wrap when necessary so every
// underlying vmshim.Region.Commit call covers one physically contiguous
// range (§4.1 "stripe-aware commit").
func (a *arena) commitRange(idx int, lo, hi uint32) error {
	start1, len1, start2, _ := a.runs(idx)
	if lo < len1 {
		pieceHi := hi
		if pieceHi > len1 {
			pieceHi = len1
		}
		off := uintptr(start1+lo) * vmshim.PageSize
		length := uintptr(pieceHi-lo) * vmshim.PageSize
		if err := a.region.Commit(off, length); err != nil {
			return err
		}
	}
	if hi > len1 {
		lo2 := lo
		if lo2 < len1 {
			lo2 = len1
		}
		lo2 -= len1
		hi2 := hi - len1
		off := uintptr(start2+lo2) * vmshim.PageSize
		length := uintptr(hi2-lo2) * vmshim.PageSize
		if err := a.region.Commit(off, length); err != nil {
			return err
		}
	}
	return nil
}

func (a *arena) pageAddress(idx int, n uint32) uintptr {
	return a.region.Base() + uintptr(a.pageRelOffset(idx, n))*vmshim.PageSize
}

// Allocator is the sounding-address page allocator. It owns every arena it
// reserves and is not safe for concurrent use — it is built to live inside
// a single-threaded bucket dispatcher (§5).
type Allocator struct {
	cfg   Config
	cache *pagecache.Cache // optional; reused arenas skip a mmap/munmap round trip

	head    *arena // first arena ever reserved
	tail    *arena // most recently reserved arena
	current [BucketCount]*arena
}

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithPageCache wires a shared reservation cache into the allocator: on
// Deinitialize, arenas are decommitted and returned to the cache instead of
// being unmapped, and grow prefers a cached reservation over a fresh mmap.
func WithPageCache(c *pagecache.Cache) Option {
	return func(a *Allocator) { a.cache = c }
}

// New creates an allocator with no arenas yet; the first GetPage call
// reserves one lazily (§5 "lazily defers arena acquisition").
func New(cfg Config, opts ...Option) *Allocator {
	a := &Allocator{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetPage returns a page-aligned, committed page whose address encodes
// classIdx, per the arena invariant in §3. Apart from rejecting an
// out-of-range classIdx, it fails only if a VM reservation or commit call
// fails, which is always a fatal condition for the caller (§4.1 failure
// semantics).
func (s *Allocator) GetPage(classIdx int) (uintptr, error) {
	if classIdx < 0 || classIdx >= BucketCount {
		return 0, fmt.Errorf("sapa: class index %d out of range", classIdx)
	}

	for {
		cur := s.current[classIdx]
		if cur == nil {
			if err := s.grow(); err != nil {
				return 0, err
			}
			continue
		}

		if cur.nextToUse[classIdx] < PagesPerBucket {
			if err := s.ensureCommitted(cur, classIdx); err != nil {
				return 0, err
			}
			n := cur.nextToUse[classIdx]
			addr := cur.pageAddress(classIdx, n)
			cur.nextToUse[classIdx]++
			return addr, nil
		}

		if cur.next != nil {
			s.current[classIdx] = cur.next
			continue
		}

		if err := s.grow(); err != nil {
			return 0, err
		}
	}
}

func (s *Allocator) ensureCommitted(a *arena, classIdx int) error {
	if a.nextToUse[classIdx] != a.nextToCommit[classIdx] {
		return nil
	}
	hi := a.nextToCommit[classIdx] + s.cfg.CommitGranularity
	if hi > PagesPerBucket {
		hi = PagesPerBucket
	}
	if err := a.commitRange(classIdx, a.nextToCommit[classIdx], hi); err != nil {
		return fmt.Errorf("sapa: commit class %d pages [%d,%d): %w", classIdx, a.nextToCommit[classIdx], hi, err)
	}
	a.nextToCommit[classIdx] = hi
	return nil
}

// grow reserves a fresh arena, appends it to the list, and makes it current
// for every class (§4.1 case 3): a newly reserved arena starts every
// stripe's bookkeeping at zero, so every class may as well begin drawing
// from it immediately rather than exhaust the previous arena's remaining
// stripes class by class.
func (s *Allocator) grow() error {
	var region *vmshim.Region
	if s.cache != nil {
		region = s.cache.Get(ReservationSize)
	}
	if region == nil {
		var err error
		region, err = vmshim.Reserve(ReservationSize)
		if err != nil {
			return fmt.Errorf("sapa: reserve arena: %w", err)
		}
	}

	basePage := region.Base() >> PageShift
	a := &arena{
		region:     region,
		s0:         int((basePage / PagesPerBucket) % BucketCount),
		pageOffset: uint32(basePage % PagesPerBucket),
	}

	if s.head == nil {
		s.head = a
	} else {
		s.tail.next = a
	}
	s.tail = a

	for i := range s.current {
		s.current[i] = a
	}
	return nil
}

// Deinitialize releases every arena. If a page cache is wired in, arenas are
// decommitted and handed back to it instead of being unmapped outright.
func (s *Allocator) Deinitialize() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for a := s.head; a != nil; {
		next := a.next
		if s.cache != nil {
			record(a.region.Decommit(0, ReservationSize))
			record(s.cache.Put(ReservationSize, a.region))
		} else {
			record(a.region.Release())
		}
		a = next
	}
	s.head, s.tail = nil, nil
	s.current = [BucketCount]*arena{}
	return firstErr
}

// ClassStats reports SAPA-level bookkeeping for one class, summed across
// every arena in the list.
type ClassStats struct {
	PagesUsed      uint64
	PagesCommitted uint64
}

// Stats reports per-class page counters plus the number of arenas reserved.
func (s *Allocator) Stats() (classes [BucketCount]ClassStats, arenaCount int) {
	for a := s.head; a != nil; a = a.next {
		arenaCount++
		for i := 0; i < BucketCount; i++ {
			classes[i].PagesUsed += uint64(a.nextToUse[i])
			classes[i].PagesCommitted += uint64(a.nextToCommit[i])
		}
	}
	return classes, arenaCount
}
