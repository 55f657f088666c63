// Package bulk implements the bulk allocator (BA): a coalescing, boundary-tag
// free-list allocator for requests too large to bucket (§4.2). Every chunk
// begins with a 16-byte boundary tag — two page-aligned pointers to its
// physical neighbors, each with spare metadata packed into its low 12 bits
// (§9 "packed pointer" design note, internal/rawmem): the previous-chunk
// pointer's low bits hold this chunk's page count, the next-chunk pointer's
// low bit holds its free flag. A free chunk's intrusive free-list links live
// in the first two words of its own payload — memory nobody else is using
// while the chunk is free, reclaimed by the caller the moment it is handed
// back out.
package bulk

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/nmxmxh/soundheap/internal/pagecache"
	"github.com/nmxmxh/soundheap/internal/rawmem"
	"github.com/nmxmxh/soundheap/internal/vmshim"
)

const (
	wordSize = 8 // bytes in a uintptr on the 64-bit targets this allocator assumes

	offPrevLink = 0          // packed(prevChunk page-aligned addr, pageCount in low 12 bits)
	offNextLink = 1 * wordSize // packed(nextChunk page-aligned addr, isFree in bit 0)

	// HeaderSize is the boundary tag's size, and therefore both the offset
	// of a chunk's payload from its header and the in-page offset every BA
	// pointer returned to a caller carries. The bucket dispatcher's
	// address-directed dispatch (§4.3.4, §9 open question) is built directly
	// on top of this constant (soundheap.reservedPrefix is defined as
	// bulk.HeaderSize), so SAPA's slot-carving offset can be checked against
	// it at Initialize.
	HeaderSize = 2 * wordSize

	// MaxPooledPages is the largest chunk size this allocator pools; larger
	// requests must use AllocDirect. Exported so callers validate their own
	// oversize-routing threshold (e.g. soundheap.Config.BAMaxPages) against
	// the value this allocator actually enforces.
	MaxPooledPages = 32
	overflowList   = MaxPooledPages // the 33rd free list, for chunks > MaxPooledPages
	numFreeLists   = MaxPooledPages + 1

	arenaBytes = 8 << 20 // one BA arena reservation; chunks never coalesce across arenas
)

// Allocator is the bulk allocator. Like sapa.Allocator it is not safe for
// concurrent use and is meant to live behind a single-threaded dispatcher.
type Allocator struct {
	freeLists [numFreeLists]uintptr // head of each intrusive doubly-linked free list, 0 = empty

	arenaBases []uintptr // base address of every BA arena reserved, for Owns and CheckInvariants
	regions    []*vmshim.Region
	cache      *pagecache.Cache // optional; recycled arenas skip a mmap/munmap round trip

	direct map[uintptr]*vmshim.Region // base address -> region, for oversize direct-VM allocations
}

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithPageCache wires a shared reservation cache into the allocator.
func WithPageCache(c *pagecache.Cache) Option {
	return func(a *Allocator) { a.cache = c }
}

// New creates an allocator with no arenas reserved yet.
func New(opts ...Option) *Allocator {
	a := &Allocator{direct: make(map[uintptr]*vmshim.Region)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// --- boundary tag field access ------------------------------------------

func loadLink(addr uintptr, off uintptr) rawmem.PackedPointer {
	return rawmem.PackedPointer(rawmem.LoadUintptr(addr + off))
}

func storeLink(addr uintptr, off uintptr, p rawmem.PackedPointer) {
	rawmem.StoreUintptr(addr+off, uintptr(p))
}

func pageCount(addr uintptr) uintptr {
	return uintptr(loadLink(addr, offPrevLink).Tag())
}

func setPageCount(addr uintptr, n uintptr) {
	link := loadLink(addr, offPrevLink)
	storeLink(addr, offPrevLink, link.WithTag(uint16(n)))
}

func prevPhysical(addr uintptr) uintptr {
	return loadLink(addr, offPrevLink).Pointer()
}

func setPrevPhysical(addr, prev uintptr) {
	n := pageCount(addr)
	storeLink(addr, offPrevLink, rawmem.Pack(prev, uint16(n)))
}

func isFree(addr uintptr) bool {
	return loadLink(addr, offNextLink).Tag()&1 != 0
}

func setFree(addr uintptr, free bool) {
	link := loadLink(addr, offNextLink)
	tag := link.Tag() &^ 1
	if free {
		tag |= 1
	}
	storeLink(addr, offNextLink, link.WithTag(tag))
}

func nextPhysical(addr uintptr) uintptr {
	return loadLink(addr, offNextLink).Pointer()
}

func setNextPhysical(addr, next uintptr) {
	free := isFree(addr)
	var tag uint16
	if free {
		tag = 1
	}
	storeLink(addr, offNextLink, rawmem.Pack(next, tag))
}

// free-list links: borrowed from the payload area, valid only while the
// chunk is free.
func freeNext(addr uintptr) uintptr { return rawmem.LoadUintptr(payload(addr)) }
func setFreeNext(addr, v uintptr)   { rawmem.StoreUintptr(payload(addr), v) }
func freePrev(addr uintptr) uintptr { return rawmem.LoadUintptr(payload(addr) + wordSize) }
func setFreePrev(addr, v uintptr)   { rawmem.StoreUintptr(payload(addr)+wordSize, v) }

func payload(addr uintptr) uintptr { return addr + HeaderSize }
func header(ptr uintptr) uintptr   { return ptr - HeaderSize }

func freeListIndex(pages uintptr) int {
	if pages > MaxPooledPages {
		return overflowList
	}
	return int(pages) - 1
}

// --- free list operations ------------------------------------------------

func (a *Allocator) pushFree(addr uintptr) {
	setFree(addr, true)
	idx := freeListIndex(pageCount(addr))
	head := a.freeLists[idx]
	setFreeNext(addr, head)
	setFreePrev(addr, 0)
	if head != 0 {
		setFreePrev(head, addr)
	}
	a.freeLists[idx] = addr
}

func (a *Allocator) unlinkFree(addr uintptr) {
	idx := freeListIndex(pageCount(addr))
	prev, next := freePrev(addr), freeNext(addr)
	if prev != 0 {
		setFreeNext(prev, next)
	} else {
		a.freeLists[idx] = next
	}
	if next != 0 {
		setFreePrev(next, prev)
	}
}

// popExact pops an exact-size chunk off freeLists[pages-1], or returns 0.
func (a *Allocator) popExact(pages uintptr) uintptr {
	if pages > MaxPooledPages {
		return 0
	}
	addr := a.freeLists[pages-1]
	if addr == 0 {
		return 0
	}
	a.unlinkFree(addr)
	return addr
}

// popFirstFitPooled scans ascending size classes above pages for a chunk to
// split, staying within the pooled range.
func (a *Allocator) popFirstFitPooled(pages uintptr) uintptr {
	for n := pages + 1; n <= MaxPooledPages; n++ {
		if addr := a.freeLists[n-1]; addr != 0 {
			a.unlinkFree(addr)
			return addr
		}
	}
	return 0
}

// popFirstFitOverflow linearly scans the oversize tail list for the first
// chunk able to satisfy pages.
func (a *Allocator) popFirstFitOverflow(pages uintptr) uintptr {
	for addr := a.freeLists[overflowList]; addr != 0; addr = freeNext(addr) {
		if pageCount(addr) >= pages {
			a.unlinkFree(addr)
			return addr
		}
	}
	return 0
}

// --- allocation ------------------------------------------------------------

// Alloc returns a chunk payload of exactly pages pages (pages must be in
// [1, 32]; larger requests must use AllocDirect).
func (a *Allocator) Alloc(pages uintptr) (uintptr, error) {
	if pages < 1 || pages > MaxPooledPages {
		return 0, fmt.Errorf("bulk: Alloc pages %d out of pooled range [1,%d]", pages, MaxPooledPages)
	}

	for {
		if addr := a.popExact(pages); addr != 0 {
			setFree(addr, false)
			return payload(addr), nil
		}
		if addr := a.popFirstFitPooled(pages); addr != 0 {
			a.splitAndUse(addr, pages)
			return payload(addr), nil
		}
		if addr := a.popFirstFitOverflow(pages); addr != 0 {
			a.splitAndUse(addr, pages)
			return payload(addr), nil
		}
		if err := a.growArena(); err != nil {
			return 0, err
		}
	}
}

// splitAndUse carves usePages off the front of the free chunk at addr
// (which has at least usePages pages), marking the front in-use and
// reinserting any remainder as a new free chunk.
func (a *Allocator) splitAndUse(addr uintptr, usePages uintptr) {
	total := pageCount(addr)
	oldNext := nextPhysical(addr)
	remainder := total - usePages

	setPageCount(addr, usePages)
	setFree(addr, false)

	if remainder == 0 {
		return
	}

	remAddr := addr + usePages*vmshim.PageSize
	setPrevPhysical(remAddr, addr)
	setPageCount(remAddr, remainder)
	setNextPhysical(remAddr, oldNext)
	setNextPhysical(addr, remAddr)
	if oldNext != 0 {
		setPrevPhysical(oldNext, remAddr)
	}
	a.pushFree(remAddr)
}

// growArena reserves and fully commits a fresh BA arena, formatted as one
// free chunk spanning the whole arena. Chunk headers must always be
// dereferenceable for coalescing, so unlike the page allocator's lazy
// per-page commit, BA commits an arena's memory in full up front.
func (a *Allocator) growArena() error {
	var region *vmshim.Region
	if a.cache != nil {
		region = a.cache.Get(arenaBytes)
	}
	if region == nil {
		var err error
		region, err = vmshim.Reserve(arenaBytes)
		if err != nil {
			return fmt.Errorf("bulk: reserve arena: %w", err)
		}
	}
	if err := region.Commit(0, arenaBytes); err != nil {
		return fmt.Errorf("bulk: commit arena: %w", err)
	}

	base := region.Base()
	totalPages := uintptr(arenaBytes) / vmshim.PageSize

	storeLink(base, offPrevLink, rawmem.Pack(0, uint16(totalPages)))
	storeLink(base, offNextLink, rawmem.Pack(0, 0))

	a.arenaBases = append(a.arenaBases, base)
	a.regions = append(a.regions, region)
	a.pushFree(base)
	return nil
}

// AllocDirect reserves a standalone VM region for requests too large to
// pool (§4.2.1 "n > 32: call VM directly"). nbytes is the caller's
// requested payload size. The returned chunk's page_count reads as zero —
// because the region's total byte size is always page-aligned, packing it
// straight into prevLink leaves a zero tag, the same sentinel §4.2.1
// describes — and the true byte size is recovered via prevLink.Pointer().
func (a *Allocator) AllocDirect(nbytes uintptr) (uintptr, error) {
	total := pageAlign(HeaderSize + nbytes)
	region, err := vmshim.Reserve(total)
	if err != nil {
		return 0, fmt.Errorf("bulk: reserve direct region: %w", err)
	}
	if err := region.Commit(0, total); err != nil {
		return 0, fmt.Errorf("bulk: commit direct region: %w", err)
	}

	base := region.Base()
	storeLink(base, offPrevLink, rawmem.Pack(total, 0))
	storeLink(base, offNextLink, rawmem.Pack(0, 0))

	a.direct[base] = region
	return payload(base), nil
}

func pageAlign(n uintptr) uintptr {
	const mask = vmshim.PageSize - 1
	return (n + mask) &^ mask
}

// --- deallocation ------------------------------------------------------------

// Free returns a chunk previously returned by Alloc or AllocDirect, merging
// it with either physical neighbor that is also free.
func (a *Allocator) Free(ptr uintptr) error {
	addr := header(ptr)

	if pageCount(addr) == 0 {
		region, ok := a.direct[addr]
		if !ok {
			return fmt.Errorf("bulk: Free: unknown direct allocation at %x", ptr)
		}
		delete(a.direct, addr)
		return region.Release()
	}

	if isFree(addr) {
		return fmt.Errorf("bulk: Free: double free at %x", ptr)
	}

	if next := nextPhysical(addr); next != 0 && isFree(next) {
		a.unlinkFree(next)
		a.mergeForward(addr, next)
	}
	if prev := prevPhysical(addr); prev != 0 && isFree(prev) {
		a.unlinkFree(prev)
		a.mergeForward(prev, addr)
		addr = prev
	}

	a.pushFree(addr)
	return nil
}

// mergeForward absorbs next, which must immediately physically follow addr,
// into addr.
func (a *Allocator) mergeForward(addr, next uintptr) {
	setPageCount(addr, pageCount(addr)+pageCount(next))
	nn := nextPhysical(next)
	setNextPhysical(addr, nn)
	if nn != 0 {
		setPrevPhysical(nn, addr)
	}
}

// Stats reports byte-level bookkeeping for the Prometheus collector: how
// many arenas are reserved, how many bytes are committed across arenas and
// outstanding direct allocations, and how much of that is actually handed
// out rather than sitting on a free list.
func (a *Allocator) Stats() (arenaCount int, committedBytes, inUseBytes uint64) {
	committedBytes = uint64(len(a.arenaBases)) * uint64(arenaBytes)

	var freeBytes uint64
	for idx := 0; idx < numFreeLists; idx++ {
		for addr := a.freeLists[idx]; addr != 0; addr = freeNext(addr) {
			freeBytes += uint64(pageCount(addr)) * uint64(vmshim.PageSize)
		}
	}
	for _, r := range a.direct {
		committedBytes += uint64(r.Size())
	}

	return len(a.arenaBases), committedBytes, committedBytes - freeBytes
}

// IsDirect reports whether ptr (a pointer previously returned by Alloc or
// AllocDirect) came from the direct-VM path rather than a pooled arena.
func (a *Allocator) IsDirect(ptr uintptr) bool {
	return pageCount(header(ptr)) == 0
}

// Owns reports whether addr falls inside a BA arena. The dispatcher's
// allocate/deallocate path never calls this (§4.3.4 dispatches by in-page
// offset alone), and no other code in the allocator calls it either.
func (a *Allocator) Owns(addr uintptr) bool {
	for _, base := range a.arenaBases {
		if addr >= base && addr < base+arenaBytes {
			return true
		}
	}
	return false
}

// Deinitialize releases every BA arena and outstanding direct region back to
// the VM shim.
func (a *Allocator) Deinitialize() error {
	var err error
	for _, r := range a.regions {
		if a.cache != nil {
			err = multierr.Append(err, r.Decommit(0, arenaBytes))
			err = multierr.Append(err, a.cache.Put(arenaBytes, r))
		} else {
			err = multierr.Append(err, r.Release())
		}
	}
	for addr, r := range a.direct {
		err = multierr.Append(err, r.Release())
		delete(a.direct, addr)
	}
	a.regions = nil
	a.arenaBases = nil
	a.freeLists = [numFreeLists]uintptr{}
	return err
}

// CheckInvariants walks every physical chunk chain and reports every
// structural violation found, aggregated with multierr rather than failing
// fast, so a single corrupted arena doesn't hide problems in the others.
// It is not called on the allocation/free hot path.
func (a *Allocator) CheckInvariants() error {
	var errs error
	for _, base := range a.arenaBases {
		errs = multierr.Append(errs, a.checkArena(base))
	}
	return errs
}

func (a *Allocator) checkArena(base uintptr) error {
	var errs error
	var total uintptr
	var prevWasFree bool
	for addr := base; addr != 0; {
		n := pageCount(addr)
		if n == 0 {
			errs = multierr.Append(errs, fmt.Errorf("bulk: chunk %x has zero page count inside pooled arena", addr))
			break
		}
		total += n
		free := isFree(addr)
		if free && prevWasFree {
			errs = multierr.Append(errs, fmt.Errorf("bulk: two adjacent free chunks at/around %x were not coalesced", addr))
		}
		next := nextPhysical(addr)
		if next != 0 && prevPhysical(next) != addr {
			errs = multierr.Append(errs, fmt.Errorf("bulk: chunk %x -> %x link is not symmetric", addr, next))
		}
		prevWasFree = free
		addr = next
	}
	if total != arenaBytes/vmshim.PageSize {
		errs = multierr.Append(errs, fmt.Errorf("bulk: arena %x chunk chain covers %d pages, want %d", base, total, arenaBytes/vmshim.PageSize))
	}
	return errs
}
