// Command soundheap-bench runs the allocator's seed scenarios (§8) against
// a live instance: small dense churn, six-way striping, arena growth at
// stripe exhaustion, BA coalescing, the direct-VM path, and mixed address
// dispatch. It exists to exercise the allocator the way a caller actually
// would, outside the test suite.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/nmxmxh/soundheap"
	"github.com/nmxmxh/soundheap/internal/obs"
)

func main() {
	scenario := flag.String("scenario", "all", "scenario to run: churn, striping, growth, coalesce, direct, dispatch, all")
	json := flag.Bool("json", false, "emit JSON logs")
	flag.Parse()

	cfg := obs.DefaultConfig("soundheap-bench")
	cfg.JSON = *json
	log := obs.New(cfg)

	// The allocator is strictly single-threaded per instance (§5); pin this
	// goroutine to its OS thread before binding so the binding outlives any
	// Go scheduler migration.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	h := soundheap.New(soundheap.DefaultConfig(), log)
	if err := h.Initialize(); err != nil {
		log.Error("initialize failed", obs.Err(err))
		os.Exit(1)
	}
	defer func() {
		if err := h.Deinitialize(); err != nil {
			log.Error("deinitialize failed", obs.Err(err))
		}
	}()

	if err := soundheap.Bind(h); err != nil {
		log.Error("bind failed", obs.Err(err))
		os.Exit(1)
	}
	defer soundheap.Unbind()

	scenarios := map[string]func(*soundheap.Allocator, *obs.Logger) error{
		"churn":    runChurn,
		"striping": runStriping,
		"growth":   runGrowth,
		"coalesce": runCoalesce,
		"direct":   runDirect,
		"dispatch": runDispatch,
	}

	run := func(name string) {
		fn, ok := scenarios[name]
		if !ok {
			log.Error("unknown scenario", obs.String("scenario", name))
			os.Exit(1)
		}
		log.Info("running scenario", obs.String("scenario", name))
		if err := fn(h, log); err != nil {
			log.Error("scenario failed", obs.String("scenario", name), obs.Err(err))
			os.Exit(1)
		}
	}

	if *scenario == "all" {
		for _, name := range []string{"churn", "striping", "growth", "coalesce", "direct", "dispatch"} {
			run(name)
		}
	} else {
		run(*scenario)
	}

	stats := h.GetStats()
	fmt.Printf("final stats: arenas=%d direct=%d\n", stats.BulkArenaCount, stats.DirectAllocationCount)
}

// runChurn allocates 100,000 24-byte slots (class 3) and frees them in
// reverse order (§8 scenario 1).
func runChurn(h *soundheap.Allocator, log *obs.Logger) error {
	const n = 100_000
	ptrs := make([]uintptr, n)
	for i := 0; i < n; i++ {
		p, err := h.Allocate(24)
		if err != nil {
			return err
		}
		ptrs[i] = p
	}
	for i := n - 1; i >= 0; i-- {
		if err := h.Deallocate(ptrs[i]); err != nil {
			return err
		}
	}
	log.Info("churn complete", obs.Int("allocations", n))
	return nil
}

// runStriping allocates and frees one slot at each of six sizes (§8
// scenario 2). It does not check which stripe each slot lands in; that is
// asserted in heap_test.go.
func runStriping(h *soundheap.Allocator, log *obs.Logger) error {
	sizes := []uintptr{8, 16, 32, 64, 128, 256}
	for _, sz := range sizes {
		p, err := h.Allocate(sz)
		if err != nil {
			return err
		}
		if err := h.Deallocate(p); err != nil {
			return err
		}
	}
	log.Info("striping complete", obs.Int("sizes", len(sizes)))
	return nil
}

// runGrowth allocates size-8 slots until a second SAPA arena is forced
// (§8 scenario 3).
func runGrowth(h *soundheap.Allocator, log *obs.Logger) error {
	const target = 65_281
	for i := 0; i < target; i++ {
		if _, err := h.Allocate(8); err != nil {
			return err
		}
	}
	// More than PagesPerBucket (128) class-0 pages used means a second SAPA
	// arena was reserved.
	stats := h.GetStats()
	log.Info("growth complete", obs.Int("allocations", target), obs.Uint64("class0_pages_used", stats.Classes[0].PagesUsed))
	return nil
}

// runCoalesce allocates three adjacent BA chunks and frees them out of
// order, exercising forward/backward merge (§8 scenario 4).
func runCoalesce(h *soundheap.Allocator, log *obs.Logger) error {
	const pageSize = 4096
	a, err := h.Allocate(5 * pageSize)
	if err != nil {
		return err
	}
	b, err := h.Allocate(3 * pageSize)
	if err != nil {
		return err
	}
	c, err := h.Allocate(7 * pageSize)
	if err != nil {
		return err
	}
	if err := h.Deallocate(b); err != nil {
		return err
	}
	if err := h.Deallocate(a); err != nil {
		return err
	}
	if err := h.Deallocate(c); err != nil {
		return err
	}
	log.Info("coalesce complete")
	return nil
}

// runDirect allocates 200 pages, above BA_MAX_PAGES, taking the direct-VM
// path (§8 scenario 5).
func runDirect(h *soundheap.Allocator, log *obs.Logger) error {
	const pageSize = 4096
	p, err := h.Allocate(200 * pageSize)
	if err != nil {
		return err
	}
	if err := h.Deallocate(p); err != nil {
		return err
	}
	log.Info("direct-VM complete")
	return nil
}

// runDispatch obtains one bucket slot and one BA chunk, then frees both
// through the single public Deallocate entry point (§8 scenario 6).
func runDispatch(h *soundheap.Allocator, log *obs.Logger) error {
	const pageSize = 4096
	p, err := h.Allocate(24)
	if err != nil {
		return err
	}
	q, err := h.Allocate(10 * pageSize)
	if err != nil {
		return err
	}
	if err := h.Deallocate(p); err != nil {
		return err
	}
	if err := h.Deallocate(q); err != nil {
		return err
	}
	log.Info("dispatch complete")
	return nil
}
