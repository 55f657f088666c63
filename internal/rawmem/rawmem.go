// Package rawmem is the allocator's single "packed pointer" abstraction
// (§9 design notes): a committed arena is plain bytes, and every free-list
// link or boundary-tag field is a word living at some address inside it.
// Every unsafe.Pointer cast the allocator core needs funnels through here
// so the rest of the codebase reasons in typed terms.
package rawmem

import "unsafe"

// LoadUintptr reads the machine word at addr.
func LoadUintptr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr)) //nolint:govet
}

// StoreUintptr writes val as the machine word at addr.
func StoreUintptr(addr uintptr, val uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = val //nolint:govet
}

// Zero writes n zero bytes starting at addr. The allocator core does not
// call it: freshly carved boundary tags are written field by field instead.
func Zero(addr uintptr, n uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n)) //nolint:govet
	for i := range b {
		b[i] = 0
	}
}

// TouchByte writes a zero byte at addr. The dispatcher uses this on the slot
// it hands out right after refilling a class from a fresh page, so the page
// fault is taken at allocation time rather than at the caller's first write
// (§4.3.2).
func TouchByte(addr uintptr) {
	*(*byte)(unsafe.Pointer(addr)) = 0 //nolint:govet
}

// PackedPointer is a page-aligned pointer with a 12-bit tag folded into its
// low bits. It is sound only because every pointer the allocator core packs
// this way is known to be page-aligned (its low 12 bits are zero before
// packing), which is exactly the boundary-tag trick §3/§4.2 describe for
// prev_chunk/next_chunk.
type PackedPointer uintptr

const tagMask = uintptr(0xFFF) // 12 bits, PAGE=4096

// Pack folds tag (must fit in 12 bits) into ptr's low bits. ptr must already
// be page-aligned.
func Pack(ptr uintptr, tag uint16) PackedPointer {
	return PackedPointer(ptr | (uintptr(tag) & tagMask))
}

// Pointer returns the page-aligned pointer portion, discarding the tag.
func (p PackedPointer) Pointer() uintptr {
	return uintptr(p) &^ tagMask
}

// Tag returns the 12-bit tag folded into the low bits.
func (p PackedPointer) Tag() uint16 {
	return uint16(uintptr(p) & tagMask)
}

// WithTag returns a copy of p with its tag replaced, pointer unchanged.
func (p PackedPointer) WithTag(tag uint16) PackedPointer {
	return Pack(p.Pointer(), tag)
}
