package vmshim

import "unsafe"

// addrOf returns the address of b as a uintptr. Isolated in its own file
// since it is the only place this package steps outside the type system —
// every other file reasons about addresses as plain uintptr values.
func addrOf(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}

// PointerAt returns an unsafe.Pointer to the byte at addr within the live
// mapping backing this region. addr must be inside [r.base, r.base+r.size).
// Nothing in the allocator core calls it: rawmem converts addresses to
// pointers directly rather than going through a Region.
func (r *Region) PointerAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(&r.mem[addr-r.base])
}
