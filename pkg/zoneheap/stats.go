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
	"encoding/binary"
	"sync/atomic"

	"github.com/govalues/decimal"

	"github.com/nvmm-go/nvmm/pkg/ptr"
)

// LevelStats reports one level's free-list occupancy.
type LevelStats struct {
	Level      int
	ChunkBytes uint64
	FreeChunks int
}

// Stats summarizes a heap's current utilization. It is read without
// taking any level lock - a snapshot, not a transaction - because it
// only feeds reporting (cmd/nvmmctl inspect, cmd/nvmmtester), not an
// allocation decision.
type Stats struct {
	UsableBytes uint64
	FreeBytes   uint64
	UsedBytes   uint64
	Dirty       bool
	Levels      []LevelStats

	// UtilizationPercent is 100 * UsedBytes/UsableBytes as a decimal
	// rather than a rounded float, so the reported figure is diffable
	// across runs.
	UtilizationPercent decimal.Decimal
}

// Stats walks every level's free list once, counting entries, and derives
// used bytes as usable minus free.
func (h *Heap) Stats() Stats {
	s := Stats{
		UsableBytes: h.usableSz,
		Dirty:       binary.LittleEndian.Uint32(h.mapped[offDirty:]) == dirtySet,
		Levels:      make([]LevelStats, h.levels),
	}

	var freeBytes uint64
	for l := 0; l < h.levels; l++ {
		count := h.countFreelist(l)
		size := chunkSize(l)
		s.Levels[l] = LevelStats{Level: l, ChunkBytes: size, FreeChunks: count}
		freeBytes += size * uint64(count)
	}
	s.FreeBytes = freeBytes
	if freeBytes > s.UsableBytes {
		freeBytes = s.UsableBytes // defensive clamp against a racy snapshot
	}
	s.UsedBytes = s.UsableBytes - freeBytes

	used, _ := decimal.New(int64(s.UsedBytes), 0)
	total, _ := decimal.New(int64(s.UsableBytes), 0)
	if !total.IsZero() {
		pct, err := used.Quo(total)
		if err == nil {
			hundred, _ := decimal.New(100, 0)
			pct, err = pct.Mul(hundred)
			if err == nil {
				s.UtilizationPercent = pct
			}
		}
	}
	return s
}

func (h *Heap) countFreelist(level int) int {
	headPtr := h.headAt(level)
	head := ptr.TaggedHeadFromU64(atomic.LoadUint64(headPtr))
	count := 0
	for !head.IsEmpty() {
		count++
		next := atomic.LoadUint64(h.nextAt(head.Offset()))
		head = ptr.NewTaggedHead(next, 0)
	}
	return count
}
