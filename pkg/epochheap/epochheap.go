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

// Package epochheap implements component H: a ZoneHeap wrapped with an
// epoch-delayed free queue, so that a freed block is only handed back out
// by Alloc once every participant that might still be dereferencing it has
// left the epoch it was freed in.
package epochheap

import (
	"context"
	"sync"
	"time"

	"github.com/liyue201/gostl/ds/deque"

	"go.uber.org/zap"

	"github.com/nvmm-go/nvmm/pkg/nvmmlog"
	"github.com/nvmm-go/nvmm/pkg/ptr"
	"github.com/nvmm-go/nvmm/pkg/zoneheap"
)

// EpochOp is anything that can report the epoch its caller observed when
// it decided to free a pointer - ordinarily an *epoch.Manager, whose
// ReportedEpoch mirrors its last-reported local epoch.
type EpochOp interface {
	ReportedEpoch() uint64
}

// FrontierSource is the subset of *epoch.Manager the reclamation worker
// needs: the current global frontier.
type FrontierSource interface {
	Frontier() uint64
}

type pendingEntry struct {
	ptr         ptr.GlobalPtr
	epochAtFree uint64
}

// Heap layers G (zoneheap.Heap) with a delayed-free queue and a background
// reclamation worker, per spec.md section 4.H: entries become reclaimable
// once the frontier reaches epochAtFree+2, never sooner.
type Heap struct {
	inner    *zoneheap.Heap
	frontier FrontierSource

	mu      sync.Mutex
	pending *deque.Deque[pendingEntry]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wraps heap with an epoch-delayed free queue drained by a background
// worker that polls frontier every interval.
func New(heap *zoneheap.Heap, frontier FrontierSource, reclaimInterval time.Duration) *Heap {
	h := &Heap{
		inner:    heap,
		frontier: frontier,
		pending:  deque.New[pendingEntry](),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go h.reclaimLoop(ctx, reclaimInterval)
	return h
}

// Close stops the reclamation worker. Entries still queued at Close are
// left unreclaimed; the underlying shelf remains crash-consistent (they
// are simply allocated-looking blocks nobody will touch again this
// process, not a correctness hazard).
func (h *Heap) Close() error {
	h.cancel()
	h.wg.Wait()
	return h.inner.Close()
}

// Alloc delegates straight to the underlying zone heap. op is accepted for
// symmetry with Free and so a caller that always threads its EpochOp
// through both calls doesn't need a special case for allocation.
func (h *Heap) Alloc(op EpochOp, bytes uint64) (ptr.GlobalPtr, error) {
	return h.inner.Alloc(bytes)
}

// Free enqueues p into the delayed-free queue keyed by op's reported
// epoch, rather than returning it to the zone heap immediately. The
// reclamation worker hands it back to the zone heap once the frontier
// reaches epochAtFree+2.
func (h *Heap) Free(op EpochOp, p ptr.GlobalPtr) {
	h.mu.Lock()
	h.pending.PushBack(pendingEntry{ptr: p, epochAtFree: op.ReportedEpoch()})
	h.mu.Unlock()
}

// FreeNow bypasses the delayed-free queue entirely - for allocations known
// never to have been observed outside the freeing thread.
func (h *Heap) FreeNow(p ptr.GlobalPtr) error {
	return h.inner.Free(p)
}

// PendingCount reports how many frees are still waiting on the frontier.
// Exposed for tests and for cmd/nvmmtester's run command.
func (h *Heap) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending.Size()
}

func (h *Heap) reclaimLoop(ctx context.Context, interval time.Duration) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reclaimOnce()
		}
	}
}

// reclaimOnce drains every queue entry whose epochAtFree+2 has been
// reached by the frontier. Different participants can report epochs out
// of step with each other, so an entry near the front of the queue isn't
// necessarily the next-reclaimable one; the whole queue is scanned each
// tick rather than stopping at the first not-yet-reclaimable entry.
func (h *Heap) reclaimOnce() {
	frontier := h.frontier.Frontier()
	var reclaimed []ptr.GlobalPtr

	h.mu.Lock()
	still := deque.New[pendingEntry]()
	for !h.pending.Empty() {
		entry := h.pending.Front()
		h.pending.PopFront()
		if entry.epochAtFree+2 <= frontier {
			reclaimed = append(reclaimed, entry.ptr)
		} else {
			still.PushBack(entry)
		}
	}
	h.pending = still
	h.mu.Unlock()

	for _, p := range reclaimed {
		if err := h.inner.Free(p); err != nil {
			nvmmlog.Error("epoch heap reclamation failed to free", zap.String("ptr", p.String()), zap.Error(err))
		}
	}
}
