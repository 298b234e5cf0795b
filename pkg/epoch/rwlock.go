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

package epoch

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// dclcShards is the width of the per-goroutine counter slab. Goroutine ids
// are hashed into a shard rather than given one shard each, the same
// fixed-capacity, no-dynamic-dispatch tradeoff the design calls for.
const dclcShards = 64

// DCLCRWLock is a distributed-counter reader/writer lock: readers touch
// only their own shard (no contention between readers on different
// shards), writers sum all shards to wait for every reader to drain. This
// is the "local epoch lock" of spec.md section 4.F, built the way the
// design's section 9 describes "DCLCRWLock": a fixed slab indexed by
// (goroutine id mod N), not a dynamically-sized map.
type DCLCRWLock struct {
	shards  [dclcShards]atomic.Int64
	writer  sync.Mutex
	writing atomic.Bool
}

func NewDCLCRWLock() *DCLCRWLock {
	return &DCLCRWLock{}
}

func (l *DCLCRWLock) shardFor() *atomic.Int64 {
	id := goid.Get()
	idx := id % dclcShards
	if idx < 0 {
		idx = -idx
	}
	return &l.shards[idx]
}

// RLock acquires a read hold. It blocks only while a writer holds the write
// side or is inside Lock waiting for the readers to drain.
func (l *DCLCRWLock) RLock() {
	for {
		if !l.writing.Load() {
			shard := l.shardFor()
			shard.Add(1)
			if !l.writing.Load() {
				return
			}
			// A writer started after we incremented; back off and let it
			// proceed, then retry as a fresh reader.
			shard.Add(-1)
		}
		runtime.Gosched()
	}
}

func (l *DCLCRWLock) RUnlock() {
	l.shardFor().Add(-1)
}

// Lock acquires the write side: waits for every reader shard to reach
// zero. Only one writer at a time (guarded by l.writer).
func (l *DCLCRWLock) Lock() {
	l.writer.Lock()
	l.writing.Store(true)
	for {
		total := int64(0)
		for i := range l.shards {
			total += l.shards[i].Load()
		}
		if total <= 0 {
			return
		}
		runtime.Gosched()
	}
}

func (l *DCLCRWLock) Unlock() {
	l.writing.Store(false)
	l.writer.Unlock()
}
