package soundheap

import (
	"sync"

	"golang.org/x/sys/unix"
)

// §9 design note: "the source exposes a thread-local singleton; in the
// redesign this should be a concrete owned instance plus an explicit
// thread-local binding at the application layer, never a hidden global."
// registry is that explicit binding layer: callers construct their own
// *Allocator with New and opt into the registry with Bind, rather than
// reaching for a package-level default instance.
var (
	registryMu sync.Mutex
	registry   = make(map[int]*Allocator)
)

// Bind associates a with the calling OS thread, keyed by its kernel thread
// ID. The caller must have called runtime.LockOSThread first — Bind does
// not do this itself, since unlocking that binding is the caller's
// responsibility, not this package's. Binding a thread twice without an
// intervening Unbind is a protocol violation.
func Bind(a *Allocator) error {
	tid := unix.Gettid()

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[tid]; exists {
		return newFatalError(KindProtocolViolation,
			"thread already has a bound allocator instance", nil).WithContext("tid", tid)
	}
	registry[tid] = a
	return nil
}

// Unbind removes the calling thread's binding, if any. It is a no-op if the
// thread was never bound.
func Unbind() {
	tid := unix.Gettid()

	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, tid)
}

// Current returns the calling thread's bound allocator, if one exists.
func Current() (*Allocator, bool) {
	tid := unix.Gettid()

	registryMu.Lock()
	defer registryMu.Unlock()
	a, ok := registry[tid]
	return a, ok
}
