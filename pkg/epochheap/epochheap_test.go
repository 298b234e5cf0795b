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

package epochheap

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvmm-go/nvmm/pkg/ptr"
	"github.com/nvmm-go/nvmm/pkg/zoneheap"
)

type fakeOp struct{ epoch uint64 }

func (f fakeOp) ReportedEpoch() uint64 { return f.epoch }

type fakeFrontier struct{ v atomic.Uint64 }

func (f *fakeFrontier) Frontier() uint64 { return f.v.Load() }
func (f *fakeFrontier) set(v uint64)     { f.v.Store(v) }

func newTestEpochHeap(t *testing.T) (*Heap, *fakeFrontier) {
	path := filepath.Join(t.TempDir(), "epochheap0")
	id := ptr.NewShelfId(1, 1)
	zh, err := zoneheap.Create(path, id, 1<<20)
	require.NoError(t, err)

	fr := &fakeFrontier{}
	h := New(zh, fr, 2*time.Millisecond)
	t.Cleanup(func() { h.Close() })
	return h, fr
}

// Scenario 2 of spec.md section 8: delayed reuse.
func TestDelayedReuse(t *testing.T) {
	h, fr := newTestEpochHeap(t)

	p1, err := h.Alloc(fakeOp{epoch: 0}, 4)
	require.NoError(t, err)

	h.Free(fakeOp{epoch: 0}, p1)

	p2, err := h.Alloc(fakeOp{epoch: 0}, 4)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2, "p1 must not be reused in the same epoch it was freed in")

	require.Never(t, func() bool {
		p3, err := h.Alloc(fakeOp{epoch: fr.Frontier()}, 4)
		if err != nil {
			return false
		}
		return p3 == p1
	}, 20*time.Millisecond, 2*time.Millisecond, "p1 must not resurface before the frontier reaches epoch+2")

	fr.set(3) // frontier >= e1(0) + 3, well past the +2 bound
	require.Eventually(t, func() bool {
		return h.PendingCount() == 0
	}, time.Second, 2*time.Millisecond, "reclamation worker should have drained the queue")

	p4, err := h.Alloc(fakeOp{epoch: fr.Frontier()}, 4)
	require.NoError(t, err)
	require.Equal(t, p1, p4, "once reclaimed, p1 is free again and LIFO makes it the next allocation of this size")
}

// P5: no Alloc returns a delayed-freed pointer before frontier reaches
// epoch_at_free + 2.
func TestReclaimRespectsPlusTwoBound(t *testing.T) {
	h, fr := newTestEpochHeap(t)

	p1, err := h.Alloc(fakeOp{epoch: 5}, 64)
	require.NoError(t, err)
	h.Free(fakeOp{epoch: 5}, p1)

	fr.set(6) // 5 + 1, one short of the bound
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, h.PendingCount(), "frontier 6 must not reclaim an entry freed at epoch 5")

	fr.set(7) // 5 + 2, the bound is reached
	require.Eventually(t, func() bool {
		return h.PendingCount() == 0
	}, time.Second, 2*time.Millisecond)
}

func TestFreeNowBypassesQueue(t *testing.T) {
	h, _ := newTestEpochHeap(t)

	p1, err := h.Alloc(fakeOp{epoch: 0}, 64)
	require.NoError(t, err)
	require.NoError(t, h.FreeNow(p1))
	require.Equal(t, 0, h.PendingCount())

	p2, err := h.Alloc(fakeOp{epoch: 0}, 64)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}
