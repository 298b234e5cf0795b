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

package zoneheap

import (
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvmm-go/nvmm/pkg/nvmmerr"
	"github.com/nvmm-go/nvmm/pkg/ptr"
)

func newTestHeap(t *testing.T, size uint64) *Heap {
	path := filepath.Join(t.TempDir(), "heap0")
	id := ptr.NewShelfId(1, 1)
	h, err := Create(path, id, size)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// Scenario 1 of spec.md section 8: immediate reuse.
func TestImmediateReuse(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	p1, err := h.Alloc(4)
	require.NoError(t, err)
	require.True(t, p1.IsValid())

	require.NoError(t, h.Free(p1))

	p2, err := h.Alloc(4)
	require.NoError(t, err)
	require.Equal(t, p1, p2, "immediate free/alloc at the same level must be LIFO-deterministic")
}

// P3: every returned pointer is valid unless the heap is exhausted.
func TestAllocReturnsValidPointerUntilFull(t *testing.T) {
	h := newTestHeap(t, 1<<16) // 64 KiB, small enough to exhaust quickly
	var allocated []ptr.GlobalPtr
	for {
		p, err := h.Alloc(64)
		if err != nil {
			require.ErrorIs(t, err, nvmmerr.OutOfMemory)
			break
		}
		require.True(t, p.IsValid())
		allocated = append(allocated, p)
	}
	require.NotEmpty(t, allocated)
}

// P7: two concurrent successful allocations never overlap.
func TestConcurrentAllocsAreDisjoint(t *testing.T) {
	h := newTestHeap(t, 4<<20)
	const n = 64
	results := make([]ptr.GlobalPtr, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := h.Alloc(128)
			require.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, p := range results {
		require.True(t, p.IsValid())
		require.False(t, seen[p.Offset()], "offset %d allocated twice", p.Offset())
		seen[p.Offset()] = true
	}
}

func TestFreeRejectsForeignShelf(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	foreign := ptr.Encode3(ptr.NewShelfId(9, 9), 0, 4096)
	err := h.Free(foreign)
	require.ErrorIs(t, err, nvmmerr.InvalidArg)
}

// P6: Merge is idempotent and removes adjacent free buddies below the top
// three levels.
func TestMergeCoalescesAndIsIdempotent(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	const n = 24
	var small []ptr.GlobalPtr
	for i := 0; i < n; i++ {
		p, err := h.Alloc(64)
		require.NoError(t, err)
		small = append(small, p)
	}
	for _, p := range small {
		require.NoError(t, h.Free(p))
	}

	before := h.Stats()
	h.Merge()
	afterFirst := h.Stats()
	h.Merge()
	afterSecond := h.Stats()

	require.Equal(t, afterFirst, afterSecond, "Merge must be idempotent")
	require.Equal(t, before.FreeBytes, afterFirst.FreeBytes, "Merge changes shape, not total free bytes")

	// After merging, a request large enough to need several of those
	// freed level-0 chunks combined should now succeed by coalescing
	// them, rather than carving fresh never-used space.
	big, err := h.Alloc(n * MinObjSize)
	require.NoError(t, err)
	require.True(t, big.IsValid())
	require.Equal(t, h.usableOf, big.Offset(), "post-merge alloc should start at the coalesced base where the freed chunks were")
}

// Scenario 6-equivalent for the zone heap: a clean close and reopen keep
// existing allocations and the persisted free-lists as they were (P8). The
// heap was closed cleanly, so Open does not rebuild from the bitmap.
func TestCloseOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap1")
	id := ptr.NewShelfId(2, 2)

	h, err := Create(path, id, 1<<20)
	require.NoError(t, err)

	live, err := h.Alloc(256)
	require.NoError(t, err)
	freed, err := h.Alloc(256)
	require.NoError(t, err)
	require.NoError(t, h.Free(freed))

	statsBefore := h.Stats()
	require.NoError(t, h.Close())

	h2, err := Open(path, id)
	require.NoError(t, err)
	defer h2.Close()

	statsAfter := h2.Stats()
	require.Equal(t, statsBefore.FreeBytes, statsAfter.FreeBytes)
	require.Equal(t, statsBefore.UsedBytes, statsAfter.UsedBytes)

	// The live allocation's pointer, with its Reserve-byte level tag, is
	// still accepted by the reopened heap (same shelf id, same level count).
	require.NoError(t, h2.Free(live))
}

// Scenario 5 of spec.md section 8 (reduced for a unit test's time budget):
// many goroutines doing random alloc/free with a few interleaved merges.
func TestStressAllocFreeWithConcurrentMerge(t *testing.T) {
	h := newTestHeap(t, 16<<20)

	const goroutines = 16
	const ops = 200
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			time.Sleep(time.Millisecond)
			h.Merge()
		}
	}()

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			var held []ptr.GlobalPtr
			for i := 0; i < ops; i++ {
				if len(held) > 0 && r.Intn(2) == 0 {
					idx := r.Intn(len(held))
					require.NoError(t, h.Free(held[idx]))
					held = append(held[:idx], held[idx+1:]...)
					continue
				}
				size := uint64(r.Intn(1 << 16))
				p, err := h.Alloc(size)
				if err != nil {
					continue // heap pressure from 16 goroutines is expected to OOM sometimes
				}
				held = append(held, p)
			}
			for _, p := range held {
				require.NoError(t, h.Free(p))
			}
		}(int64(g))
	}
	wg.Wait()

	h.Merge()
	stats := h.Stats()
	require.Equal(t, stats.UsableBytes, stats.FreeBytes, "everything was freed, heap should be fully reclaimed after a final merge")
}
