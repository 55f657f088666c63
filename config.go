package soundheap

import (
	"fmt"
	"math/bits"

	"github.com/nmxmxh/soundheap/internal/bulk"
	"github.com/nmxmxh/soundheap/internal/sapa"
	"github.com/nmxmxh/soundheap/internal/vmshim"
)

// Config carries the allocator's compile-time-in-spirit configuration
// (§6 "recognized options"). Most fields are fixed by the sounding-address
// design and exist so Initialize can static-assert them against the host
// rather than because callers are expected to vary them.
type Config struct {
	// PageSizeExp is log2 of the page size; must match the host.
	PageSizeExp uint
	// Alignment must be >= 16; validate checks that bound and nothing else
	// reads it. BA pointers sit 16 bytes into a page, but bucket slots start
	// memStart (24) bytes into their page at class-size spacing, so a slot
	// is aligned only as far as that offset and its class size allow.
	Alignment uintptr
	// BucketCountExp is log2 of the number of size classes; fixed at 4 by
	// the sounding-address layout sapa implements.
	BucketCountExp uint
	// ReservationSizeExp is log2 of one SAPA/BA arena's byte size.
	ReservationSizeExp uint
	// CommitPageCntExp is log2 of the pages committed per SAPA commit
	// burst.
	CommitPageCntExp uint
	// BAMaxPages is the largest in-arena chunk the bulk allocator tracks;
	// requests above it take the direct-VM path.
	BAMaxPages uintptr

	// EnablePageCache wires a shared pagecache.Cache between SAPA and BA so
	// a released arena can be reused without a fresh mmap/munmap round
	// trip (§6 "to the page cache").
	EnablePageCache bool
}

// DefaultConfig returns the configuration matching the fixed constants in
// §3: PAGE=4096, ALIGNMENT=16, BUCKET_COUNT=16, RESERVATION=8 MiB,
// COMMIT_GRANULARITY=4 pages, BA_MAX_PAGES=32.
func DefaultConfig() Config {
	return Config{
		PageSizeExp:        12,
		Alignment:          16,
		BucketCountExp:     sapa.BucketCountExp,
		ReservationSizeExp: 23,
		CommitPageCntExp:   2,
		BAMaxPages:         32,
		EnablePageCache:    true,
	}
}

// validate runs the static-asserts §6 requires of the recognized options.
// Every one of these is a KindInvariantViolation FatalError: a mismatch
// here means the binary was built for a different host or configured
// inconsistently, never something a caller can recover from at runtime.
func (c Config) validate() error {
	if want := uint(bits.TrailingZeros(uint(vmshim.HostPageSize()))); c.PageSizeExp != want {
		return newFatalError(KindInvariantViolation,
			fmt.Sprintf("PageSizeExp %d does not match host page size exponent %d", c.PageSizeExp, want), nil)
	}
	if c.Alignment < 16 {
		return newFatalError(KindInvariantViolation,
			fmt.Sprintf("Alignment %d must be >= 16", c.Alignment), nil)
	}
	if c.BucketCountExp != sapa.BucketCountExp {
		return newFatalError(KindInvariantViolation,
			fmt.Sprintf("BucketCountExp %d must equal %d, the width baked into the sounding-address layout", c.BucketCountExp, sapa.BucketCountExp), nil)
	}
	if min := c.BucketCountExp + c.PageSizeExp + 1; c.ReservationSizeExp < min {
		return newFatalError(KindInvariantViolation,
			fmt.Sprintf("ReservationSizeExp %d must be >= BucketCountExp+PageSizeExp+1 (%d)", c.ReservationSizeExp, min), nil)
	}
	if c.BAMaxPages == 0 {
		return newFatalError(KindInvariantViolation, "BAMaxPages must be > 0", nil)
	}
	if c.BAMaxPages != bulk.MaxPooledPages {
		return newFatalError(KindInvariantViolation,
			fmt.Sprintf("BAMaxPages %d must equal bulk.MaxPooledPages %d: the bulk allocator's pooled free lists are fixed at construction, not parameterized by Config", c.BAMaxPages, bulk.MaxPooledPages), nil)
	}

	// §9's second open question: address-directed dispatch (§4.3.4) routes
	// a pointer to SAPA only when its in-page offset is strictly greater
	// than reservedPrefix (== bulk.HeaderSize, every BA payload pointer's
	// offset). That's only correct if SAPA's first carved slot — at
	// memStart — actually lands past that boundary; memStart == reservedPrefix
	// would put it exactly on the boundary, misrouting it to BA.
	if memStart <= reservedPrefix {
		return newFatalError(KindInvariantViolation,
			fmt.Sprintf("memStart %d must be strictly greater than reservedPrefix %d, or address-directed dispatch cannot distinguish a SAPA slot from a BA payload pointer", memStart, reservedPrefix), nil)
	}
	return nil
}
