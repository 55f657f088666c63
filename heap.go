// Package soundheap implements a per-thread bucketed heap allocator: a
// bucket dispatcher (BD) fronting a sounding-address page allocator (SAPA)
// for small requests and a coalescing bulk allocator (BA) for everything
// else, dispatching deallocate purely from a pointer's in-page offset with
// no per-allocation header (§1-4).
package soundheap

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nmxmxh/soundheap/internal/bulk"
	"github.com/nmxmxh/soundheap/internal/obs"
	"github.com/nmxmxh/soundheap/internal/pagecache"
	"github.com/nmxmxh/soundheap/internal/rawmem"
	"github.com/nmxmxh/soundheap/internal/sapa"
	"github.com/nmxmxh/soundheap/internal/sizeclass"
	"github.com/nmxmxh/soundheap/internal/vmshim"
)

const wordSize = 8

// reservedPrefix is the shared constant §9's open question refers to: the
// dispatcher's reserved page prefix, defined directly in terms of
// bulk.HeaderSize (the number of bytes a BA chunk's tag occupies before its
// payload) so every BA payload pointer's in-page offset is exactly this
// value by construction, with nothing left to assert equal at Initialize.
const reservedPrefix = bulk.HeaderSize

// memStart is where SAPA begins carving bucket slots within a page. §4.3.2
// calls this boundary mem_start and reserves reservedPrefix bytes ahead of
// it "for the collaborator"; this implementation reserves one extra word of
// headroom beyond reservedPrefix so that every carved slot's in-page offset
// is strictly greater than reservedPrefix. That strict inequality is what
// the §4.3.4 dispatch test ("offset > ba_reserved_prefix") actually needs:
// a slot carved starting exactly AT reservedPrefix would sit at the same
// in-page offset as a BA payload pointer (both "immediately after a
// reservedPrefix-byte header"), which is indistinguishable by offset alone.
// See DESIGN.md's open-question writeup for the full reasoning.
const memStart = reservedPrefix + wordSize

// Allocator is one thread's heap: a bucket dispatcher wired to its own SAPA
// and BA instances, never shared across threads (§5 "strictly
// single-threaded per instance").
type Allocator struct {
	id  uuid.UUID
	cfg Config
	log *obs.Logger

	sapaAlloc *sapa.Allocator
	bulkAlloc *bulk.Allocator
	cache     *pagecache.Cache

	slots   [sizeclass.Count]uintptr // B[i]: per-class free-slot singly-linked lists
	liveOut [sizeclass.Count]uint64  // outstanding (handed-out, un-freed) slots per class

	directCount    uint64 // outstanding direct-VM allocations
	highWaterBytes uint64 // largest BulkBytesCommitted observed across GetStats calls
	initialized    bool
}

// New constructs an Allocator with cfg but does not reserve any memory yet
// (§5 "lazily defers arena acquisition to first allocation"). log may be
// nil, in which case a no-op logger is used.
func New(cfg Config, log *obs.Logger) *Allocator {
	if log == nil {
		log = obs.Nop()
	}
	return &Allocator{id: uuid.New(), cfg: cfg, log: log}
}

// Initialize validates cfg, wires the optional shared page cache, and
// creates empty free lists. It must be called exactly once before any
// Allocate/Deallocate call.
func (h *Allocator) Initialize() error {
	if h.initialized {
		return newFatalError(KindProtocolViolation, "Initialize called on an already-initialized allocator", nil)
	}
	if err := h.cfg.validate(); err != nil {
		return err
	}

	var opts []sapa.Option
	var bopts []bulk.Option
	if h.cfg.EnablePageCache {
		h.cache = pagecache.New()
		opts = append(opts, sapa.WithPageCache(h.cache))
		bopts = append(bopts, bulk.WithPageCache(h.cache))
	}

	h.sapaAlloc = sapa.New(sapa.Config{CommitGranularity: uint32(1) << h.cfg.CommitPageCntExp}, opts...)
	h.bulkAlloc = bulk.New(bopts...)
	h.initialized = true

	h.log.Info("allocator initialized", obs.String("instance", h.id.String()))
	return nil
}

// Deinitialize walks the SAPA and BA arena lists, returns each to the VM
// shim (or the page cache), and clears bookkeeping (§5). It must be called
// before the instance is discarded.
func (h *Allocator) Deinitialize() error {
	if !h.initialized {
		return nil
	}
	var firstErr error
	if err := h.sapaAlloc.Deinitialize(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := h.bulkAlloc.Deinitialize(); err != nil && firstErr == nil {
		firstErr = err
	}
	if h.cache != nil {
		if err := h.cache.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.slots = [sizeclass.Count]uintptr{}
	h.liveOut = [sizeclass.Count]uint64{}
	h.directCount = 0
	h.initialized = false
	h.log.Info("allocator deinitialized", obs.String("instance", h.id.String()))
	return firstErr
}

// Enable and Disable exist to satisfy §6's "recognized options" surface;
// this allocator has no suspendable state to toggle (§5 "no operation
// suspends or yields"), so both are no-ops.
func (h *Allocator) Enable()  {}
func (h *Allocator) Disable() {}

// Allocate rounds sz up to an allocation and returns a pointer to it
// (§4.3.1-4.3.3). Bucketable sizes are served from a per-class slot free
// list, replenished from SAPA a page at a time; larger sizes are routed to
// the bulk allocator.
func (h *Allocator) Allocate(sz uintptr) (uintptr, error) {
	if !h.initialized {
		return 0, newFatalError(KindProtocolViolation, "Allocate called before Initialize", nil)
	}
	if sz == 0 {
		sz = 1
	}

	if sizeclass.Bucketable(sz) {
		return h.allocateBucketed(sizeclass.SizeToIndex(uint32(sz)))
	}

	// §4.3.3: call BA with sz + ba_reserved_prefix rounded up to pages,
	// since every BA payload pointer already sits reservedPrefix bytes into
	// its chunk.
	pages := (sz + reservedPrefix + vmshim.PageSize - 1) / vmshim.PageSize
	if pages > h.cfg.BAMaxPages {
		ptr, err := h.bulkAlloc.AllocDirect(sz)
		if err != nil {
			return 0, h.wrapVMErr(err)
		}
		h.directCount++
		return ptr, nil
	}
	ptr, err := h.bulkAlloc.Alloc(pages)
	if err != nil {
		return 0, h.wrapVMErr(err)
	}
	return ptr, nil
}

func (h *Allocator) allocateBucketed(i int) (uintptr, error) {
	if head := h.slots[i]; head != 0 {
		h.slots[i] = rawmem.LoadUintptr(head)
		h.liveOut[i]++
		return head, nil
	}
	if err := h.refillClass(i); err != nil {
		return 0, err
	}
	head := h.slots[i]
	h.slots[i] = rawmem.LoadUintptr(head)
	// The link word has been read, so write-touching the slot's first byte
	// is safe now; it takes the fresh page's first-write fault here.
	rawmem.TouchByte(head)
	h.liveOut[i]++
	return head, nil
}

// refillClass obtains a fresh page from SAPA for class i and formats it
// into a singly-linked chain of slots (§4.3.2), with the first memStart
// bytes of the page left unused.
func (h *Allocator) refillClass(i int) error {
	page, err := h.sapaAlloc.GetPage(i)
	if err != nil {
		return h.wrapVMErr(err)
	}

	size := uintptr(sizeclass.ClassSize(i))
	n := (vmshim.PageSize - memStart) / size
	if n == 0 {
		return newFatalError(KindInvariantViolation,
			fmt.Sprintf("size class %d (%d bytes) has no room for a single slot after the reserved prefix", i, size), nil)
	}

	var prev uintptr
	for k := uintptr(0); k < n; k++ {
		slot := page + memStart + k*size
		rawmem.StoreUintptr(slot, prev)
		prev = slot
	}
	// prev is now the last slot carved, which becomes the head of the free
	// chain since it was linked first (pointing at 0) and every slot after
	// it in the loop points back to its predecessor. The page is already
	// committed (readable/writable) by sapa.GetPage. The head slot is not
	// touched here — doing so would clobber the link word just written at
	// this same address; allocateBucketed touches it after unlinking it.
	h.slots[i] = prev
	return nil
}

// Deallocate releases p, dispatching purely by its in-page offset (§4.3.4):
// this is the allocator's other signature move, requiring no header read.
func (h *Allocator) Deallocate(p uintptr) error {
	if !h.initialized {
		return newFatalError(KindProtocolViolation, "Deallocate called before Initialize", nil)
	}
	if p == 0 {
		return nil // §6: passing a null pointer is a no-op
	}
	offset := p % vmshim.PageSize

	if offset > reservedPrefix {
		i := sapa.AddressToClass(p)
		if i < 0 || i >= sizeclass.Count {
			return newFatalError(KindProtocolViolation,
				fmt.Sprintf("pointer %#x decoded to out-of-range class %d", p, i), nil).WithContext("pointer", p)
		}
		rawmem.StoreUintptr(p, h.slots[i])
		h.slots[i] = p
		if h.liveOut[i] > 0 {
			h.liveOut[i]--
		}
		return nil
	}

	chunkStart := p &^ (vmshim.PageSize - 1)
	baPtr := chunkStart + reservedPrefix
	wasDirect := h.bulkAlloc.IsDirect(baPtr)
	if err := h.bulkAlloc.Free(baPtr); err != nil {
		return newFatalError(KindProtocolViolation, "Deallocate: bulk free rejected pointer", err).WithContext("pointer", p)
	}
	if wasDirect {
		h.directCount--
	}
	return nil
}

func (h *Allocator) wrapVMErr(err error) error {
	return newFatalError(KindOutOfVirtualMemory, "virtual memory operation failed", err)
}

// GetStats reports a snapshot of bucket- and bulk-level bookkeeping, shaped
// for obs.Collector. Counts are outstanding (live), not cumulative.
func (h *Allocator) GetStats() obs.AllocatorStats {
	classes, _ := h.sapaAlloc.Stats()
	bulkArenaCount, bulkCommitted, bulkInUse := h.bulkAlloc.Stats()

	if bulkCommitted > h.highWaterBytes {
		h.highWaterBytes = bulkCommitted
	}

	out := obs.AllocatorStats{
		Classes:               make([]obs.ClassStat, sizeclass.Count),
		BulkArenaCount:        uint64(bulkArenaCount),
		BulkBytesCommitted:    bulkCommitted,
		BulkBytesInUse:        bulkInUse,
		DirectAllocationCount: h.directCount,
		ProcessHighWaterBytes: h.highWaterBytes,
	}
	for i := range classes {
		out.Classes[i] = obs.ClassStat{
			Size:           sizeclass.ClassSize(i),
			PagesUsed:      classes[i].PagesUsed,
			PagesCommitted: classes[i].PagesCommitted,
			HandedOut:      h.liveOut[i],
		}
	}
	return out
}

// Collector returns a Prometheus collector reading live stats from h.
func (h *Allocator) Collector() *obs.Collector {
	return obs.NewCollector(h.GetStats)
}

// Logger returns the allocator's zap-backed logger, for callers that want
// to attach additional fields (e.g. a request ID) before logging around an
// allocation.
func (h *Allocator) Logger() *obs.Logger {
	return h.log
}

// ID returns this allocator instance's identity, useful for correlating log
// lines and metrics across several per-thread instances.
func (h *Allocator) ID() uuid.UUID {
	return h.id
}
