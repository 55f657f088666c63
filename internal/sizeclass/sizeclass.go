// Package sizeclass implements the allocator's size-class table: the
// half-exponential schedule that maps a requested size to one of 16 bucket
// classes, and back.
package sizeclass

import "math/bits"

// Count is BUCKET_COUNT: the number of size classes, fixed by the 4-bit
// index window the sounding-address scheme encodes into a page address.
const Count = 16

// MaxBucketSize is PAGE/16: requests at or below this size are served from
// a bucket; larger requests are routed to the bulk allocator.
const MaxBucketSize = 4096 / 16 // 256

// sizes is the half-exponential schedule: it interleaves powers of two
// with their midpoints so consecutive classes grow by roughly 1.5x instead
// of 2x, halving the worst-case internal fragmentation of a pure
// power-of-two scheme. class i with i even is 8*2^(i/2); i odd is
// 12*2^((i-1)/2).
var sizes = [Count]uint32{
	8, 12, 16, 24, 32, 48, 64, 96,
	128, 192, 256, 384, 512, 768, 1024, 1536,
}

// ClassSize returns the slot size of class idx. idx must be in [0, Count).
func ClassSize(idx int) uint32 {
	return sizes[idx]
}

// Bucketable reports whether sz should be served from a bucket at all
// (sz <= MaxBucketSize). Larger requests never call SizeToIndex; their
// class-index slot in the dispatcher's free-list array stays permanently
// nil. Takes a uintptr, not a uint32, so a caller comparing a full-width
// request size can't have it truncated into looking bucketable.
func Bucketable(sz uintptr) bool {
	return sz <= MaxBucketSize
}

// SizeToIndex returns the smallest class index i such that
// ClassSize(i) >= sz, for sz in [1, MaxBucketSize]. It runs in constant
// time via a bit-scan rather than a linear or binary search over the table:
// within each power-of-two octave [2^k, 2^(k+1)) there are exactly two
// classes, the octave's start and its midpoint, and bits.Len picks out the
// octave directly.
func SizeToIndex(sz uint32) int {
	if sz <= 8 {
		return 0
	}
	// Octave k covers (2^(k+2), 2^(k+3)] for k>=0 once sz>8, since class 0
	// is the sole occupant of (0,8]. bits.Len32(sz-1) gives the bit-length
	// of the largest value below sz, i.e. identifies the power-of-two
	// boundary sz falls under.
	n := sz - 1
	topBit := bits.Len32(n) // smallest p such that sz <= 2^p
	pow := uint32(1) << uint(topBit)
	mid := pow - pow/4 // the midpoint class below pow, e.g. 16->12, 32->24
	idx := 2 * (topBit - 3)
	if sz <= mid {
		idx--
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= Count {
		idx = Count - 1
	}
	return idx
}
