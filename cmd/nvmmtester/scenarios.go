// Copyright 2024-2025 the nvmm-go authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nvmm-go/nvmm/pkg/epochheap"
	"github.com/nvmm-go/nvmm/pkg/ptr"
	"github.com/nvmm-go/nvmm/pkg/shelf"
	"github.com/nvmm-go/nvmm/pkg/zoneheap"
)

// scenario is one of the six concrete reproductions named in spec.md
// section 8. All share one temp directory but each uses its own shelf file
// names in it, so a failure in one never poisons the next, mirroring the
// teacher's per-query tpch1g run rather than a shared fixture.
type scenario struct {
	id   int
	name string
	run  func(base string) error
}

var scenarios = []scenario{
	{1, "immediate reuse", scenarioImmediateReuse},
	{2, "delayed reuse", scenarioDelayedReuse},
	{3, "merge", scenarioMerge},
	{4, "top-level merge", scenarioTopLevelMerge},
	{5, "multi-threaded stress", scenarioStress},
	{6, "region round-trip", scenarioRegionRoundTrip},
}

func scenarioImmediateReuse(base string) error {
	h, err := zoneheap.Create(filepath.Join(base, "s1"), ptr.NewShelfId(1, 1), 1<<20)
	if err != nil {
		return err
	}
	defer h.Close()

	p1, err := h.Alloc(4)
	if err != nil {
		return err
	}
	if err := h.Free(p1); err != nil {
		return err
	}
	p2, err := h.Alloc(4)
	if err != nil {
		return err
	}
	if p1 != p2 {
		return fmt.Errorf("immediate reuse: got %s, want %s", p2, p1)
	}
	return nil
}

// cliFrontier and cliOp give the CLI scenario its own epochheap.EpochOp and
// epochheap.FrontierSource, standing in for a real epoch.Manager without
// needing a live participant vector just to demonstrate the delayed-free
// queue draining.
type cliFrontier struct{ v atomic.Uint64 }

func (f *cliFrontier) Frontier() uint64 { return f.v.Load() }
func (f *cliFrontier) set(v uint64)     { f.v.Store(v) }

type cliOp struct{ epoch uint64 }

func (o cliOp) ReportedEpoch() uint64 { return o.epoch }

func scenarioDelayedReuse(base string) error {
	h, err := zoneheap.Create(filepath.Join(base, "s2"), ptr.NewShelfId(1, 2), 1<<20)
	if err != nil {
		return err
	}
	defer h.Close()

	fr := &cliFrontier{}
	eh := epochheap.New(h, fr, time.Millisecond)
	defer eh.Close()

	p1, err := eh.Alloc(cliOp{0}, 4)
	if err != nil {
		return err
	}
	eh.Free(cliOp{0}, p1)

	p2, err := eh.Alloc(cliOp{0}, 4)
	if err != nil {
		return err
	}
	if p1 == p2 {
		return fmt.Errorf("delayed reuse: p1 resurfaced in the same epoch it was freed in")
	}

	fr.set(3)
	deadline := time.Now().Add(time.Second)
	for eh.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if eh.PendingCount() != 0 {
		return fmt.Errorf("delayed reuse: reclamation did not drain the queue")
	}

	p3, err := eh.Alloc(cliOp{3}, 4)
	if err != nil {
		return err
	}
	if p3 != p1 {
		return fmt.Errorf("delayed reuse: got %s after reclaim, want %s", p3, p1)
	}
	return nil
}

// scenarioMerge reproduces spec.md section 8 scenario 3's shape (allocate a
// run of level-0 chunks, free them, observe Alloc carve fresh space before
// Merge and coalesced space after) without pinning the literal byte offsets
// spec.md states for it - see DESIGN.md's Open Question note on the
// apparent block-numbering/header-size inconsistency between its section 3
// and section 6.
func scenarioMerge(base string) error {
	h, err := zoneheap.Create(filepath.Join(base, "s3"), ptr.NewShelfId(1, 3), 128<<20)
	if err != nil {
		return err
	}
	defer h.Close()

	const n = 24
	chunks := make([]ptr.GlobalPtr, n)
	for i := range chunks {
		p, err := h.Alloc(64)
		if err != nil {
			return err
		}
		chunks[i] = p
	}
	for _, p := range chunks {
		if err := h.Free(p); err != nil {
			return err
		}
	}

	pre, err := h.Alloc(n * zoneheap.MinObjSize)
	if err != nil {
		return err
	}
	if err := h.Free(pre); err != nil {
		return err
	}

	before := h.Stats()
	h.Merge()
	after := h.Stats()
	if before.FreeBytes != after.FreeBytes {
		return fmt.Errorf("merge: free bytes changed from %d to %d", before.FreeBytes, after.FreeBytes)
	}

	big, err := h.Alloc(n * zoneheap.MinObjSize)
	if err != nil {
		return err
	}
	if !big.IsValid() {
		return fmt.Errorf("merge: post-merge coalesced alloc returned an invalid pointer")
	}
	if big.Offset() >= pre.Offset() {
		return fmt.Errorf("merge: post-merge alloc at %d did not reuse coalesced space below pre-merge alloc at %d", big.Offset(), pre.Offset())
	}
	return nil
}

func scenarioTopLevelMerge(base string) error {
	h, err := zoneheap.Create(filepath.Join(base, "s4"), ptr.NewShelfId(1, 4), 128<<20)
	if err != nil {
		return err
	}
	defer h.Close()

	const n = 7
	chunks := make([]ptr.GlobalPtr, n)
	for i := range chunks {
		p, err := h.Alloc(16 << 20)
		if err != nil {
			return err
		}
		chunks[i] = p
	}
	for _, p := range chunks {
		if err := h.Free(p); err != nil {
			return err
		}
	}

	h.Merge()
	big, err := h.Alloc(64 << 20)
	if err != nil {
		return err
	}
	if !big.IsValid() {
		return fmt.Errorf("top-level merge: post-merge 64MB alloc returned an invalid pointer")
	}
	return nil
}

func scenarioStress(base string) error {
	h, err := zoneheap.Create(filepath.Join(base, "s5"), ptr.NewShelfId(1, 5), 64<<20)
	if err != nil {
		return err
	}
	defer h.Close()

	const goroutines = 16
	const opsPerGoroutine = 1000
	var wg sync.WaitGroup
	errs := make(chan error, goroutines+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			time.Sleep(time.Millisecond)
			h.Merge()
		}
	}()

	var seen sync.Map
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			var held []ptr.GlobalPtr
			for i := 0; i < opsPerGoroutine; i++ {
				if len(held) > 0 && r.Intn(2) == 0 {
					idx := r.Intn(len(held))
					seen.Delete(held[idx].Offset())
					if err := h.Free(held[idx]); err != nil {
						errs <- err
						return
					}
					held = append(held[:idx], held[idx+1:]...)
				} else {
					size := uint64(r.Intn(1 << 20))
					p, err := h.Alloc(size)
					if err != nil {
						continue // heap pressure from 16 goroutines is expected to OOM sometimes
					}
					if _, dup := seen.LoadOrStore(p.Offset(), struct{}{}); dup {
						errs <- fmt.Errorf("stress: offset %d allocated twice (P7 violated)", p.Offset())
						return
					}
					held = append(held, p)
				}
				time.Sleep(time.Millisecond)
			}
			for _, p := range held {
				seen.Delete(p.Offset())
				if err := h.Free(p); err != nil {
					errs <- err
					return
				}
			}
		}(int64(g))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	h.Merge()
	stats := h.Stats()
	if stats.FreeBytes != stats.UsableBytes {
		return fmt.Errorf("stress: %d bytes leaked after final drain and merge", stats.UsableBytes-stats.FreeBytes)
	}
	return nil
}

func scenarioRegionRoundTrip(base string) error {
	path := filepath.Join(base, "s6")
	region := shelf.NewRegion(path)
	if err := region.Create(128 << 20); err != nil {
		return err
	}
	if err := region.Open(unix.O_RDWR); err != nil {
		return err
	}

	mapped, err := region.Map(8, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, 0)
	if err != nil {
		return err
	}
	mapped[0] = 123
	if err := region.Sync(mapped); err != nil {
		return err
	}
	if err := region.Unmap(mapped); err != nil {
		return err
	}
	if err := region.Close(); err != nil {
		return err
	}

	region2 := shelf.NewRegion(path)
	if err := region2.Open(unix.O_RDWR); err != nil {
		return err
	}
	defer region2.Close()
	mapped2, err := region2.Map(8, unix.PROT_READ, unix.MAP_SHARED, 0)
	if err != nil {
		return err
	}
	defer region2.Unmap(mapped2)
	if mapped2[0] != 123 {
		return fmt.Errorf("region round-trip: read back %d, want 123", mapped2[0])
	}
	return nil
}
