// Package vmshim wraps the raw virtual-memory primitives the allocator core
// is built on: reserve an address range, commit/decommit page ranges inside
// it, and release the whole range back to the OS.
//
// This is the "VM shim" external collaborator from the allocator design: the
// sounding-address page allocator and the bulk allocator both consume it but
// never touch the syscalls directly.
package vmshim

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the page size this package assumes. The allocator core is
// built around a fixed 4096-byte page and static-asserts the host agrees.
const PageSize = 4096

// HostPageSize returns the page size reported by the OS.
func HostPageSize() int {
	return unix.Getpagesize()
}

// Region is a reserved, page-aligned virtual address range. Pages inside it
// start out unbacked (PROT_NONE) and become usable only once Commit has been
// called over them.
type Region struct {
	base uintptr
	size uintptr
	mem  []byte
}

// Base returns the region's base address.
func (r *Region) Base() uintptr { return r.base }

// Size returns the region's size in bytes.
func (r *Region) Size() uintptr { return r.size }

// Bytes returns a byte-slice view over the whole region. Reading or writing
// outside a committed sub-range faults; callers must only touch bytes inside
// ranges they have Committed.
func (r *Region) Bytes() []byte { return r.mem }

// Reserve reserves a contiguous, page-aligned virtual address range of at
// least size bytes. Pages in the range are uncommitted (PROT_NONE) until
// Commit is called over them. Reservation failure is fatal to the caller's
// forward progress (§7 "out-of-virtual-memory"); Reserve only returns an
// error so the caller can wrap it into that fatal report, it does not retry.
func Reserve(size uintptr) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("vmshim: reserve size must be non-zero")
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("vmshim: reserve %d bytes: %w", size, err)
	}
	return &Region{
		base: uintptr(unsafeBase(mem)),
		size: size,
		mem:  mem,
	}, nil
}

// Commit makes [offset, offset+length) inside the region readable/writable.
// offset and length must both be page-aligned and lie entirely within the
// region. A commit failure is fatal: the caller cannot make forward progress
// with a partially committed stripe or chunk (§4.1 failure semantics).
func (r *Region) Commit(offset, length uintptr) error {
	if err := r.checkRange(offset, length); err != nil {
		return err
	}
	sub := r.mem[offset : offset+length]
	if err := unix.Mprotect(sub, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("vmshim: commit [%#x,%#x): %w", r.base+offset, r.base+offset+length, err)
	}
	return nil
}

// Decommit returns [offset, offset+length) to an unbacked state: the OS may
// reclaim the physical pages behind it (MADV_DONTNEED) and the range becomes
// inaccessible again (PROT_NONE) until re-committed. The core allocator
// never calls this mid-lifetime (§9 open question); it calls it only at
// teardown, on arenas it is about to hand to the page cache.
func (r *Region) Decommit(offset, length uintptr) error {
	if err := r.checkRange(offset, length); err != nil {
		return err
	}
	sub := r.mem[offset : offset+length]
	if err := unix.Madvise(sub, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("vmshim: decommit advise [%#x,%#x): %w", r.base+offset, r.base+offset+length, err)
	}
	if err := unix.Mprotect(sub, unix.PROT_NONE); err != nil {
		return fmt.Errorf("vmshim: decommit protect [%#x,%#x): %w", r.base+offset, r.base+offset+length, err)
	}
	return nil
}

// Release returns the entire region to the OS. Nothing in the region is
// valid to touch afterward. Arenas are released only at deinitialize (§5
// lifecycle); a direct-VM region is released when its allocation is freed,
// and the page cache releases a region pushed onto an already-full stack.
func (r *Region) Release() error {
	if r.mem == nil {
		return nil
	}
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("vmshim: release %#x (%d bytes): %w", r.base, r.size, err)
	}
	r.mem = nil
	return nil
}

func (r *Region) checkRange(offset, length uintptr) error {
	if offset%PageSize != 0 || length%PageSize != 0 {
		return fmt.Errorf("vmshim: range [%#x,+%#x) is not page-aligned", offset, length)
	}
	if offset+length > r.size {
		return fmt.Errorf("vmshim: range [%#x,+%#x) exceeds region size %#x", offset, length, r.size)
	}
	return nil
}

// unsafeBase extracts the address of a mmap-backed slice's first byte. It is
// only ever called on slices unix.Mmap itself returned, never on slices of
// independent origin, which is what makes the uintptr conversion sound.
func unsafeBase(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return addrOf(&b[0])
}
