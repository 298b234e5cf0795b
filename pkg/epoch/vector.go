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

// Package epoch implements components E and F of the design: the
// persistent EpochVector (one dedicated metadata shelf shared by every
// participant process) and the per-process EpochManager that drives it.
package epoch

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nvmm-go/nvmm/pkg/nvmmerr"
	"github.com/nvmm-go/nvmm/pkg/shelf"
)

// EpochVectorShelfName is the well-known pathname suffix for the metadata
// shelf created lazily the first time a process joins.
const EpochVectorShelfName = "NVM_EPOCH_VECTOR"

// TimeoutUs is the liveness timeout: a slot whose timestamp hasn't advanced
// within this window is considered dead and reclaimable.
const TimeoutUs uint64 = 1_000_000

const slotSize = 32 // bytes; see layout note on Vector.

// slot field offsets within one 32-byte slot, matching the C-struct layout
// {pid uint32; epoch uint64; ts uint64; flags uint32} a compiler would lay
// out with natural alignment: pid at 0 (padded to 8), epoch at 8, ts at 16,
// flags at 24 (padded to 32).
const (
	offPid    = 0
	offEpoch  = 8
	offTs     = 16
	offFlags  = 24
	offHeader = 8 // frontier epoch, u64, at the start of the shelf
)

const flagLive uint32 = 1

// genMask isolates the generation counter folded into the upper bits of a
// slot's flags word, leaving flagLive out of the comparison.
const genMask uint32 = ^flagLive

// Vector is the persistent, fixed-capacity array of per-participant epoch
// slots plus the global frontier epoch, described in spec.md section 3
// ("EpochVector"). It is the thin typed view over a mapped shelf.Region;
// all reads/writes go through sync/atomic so that concurrent participants
// in other processes, mapping the same shelf at a different base address,
// observe a consistent view.
type Vector struct {
	region   *shelf.Region
	mapped   []byte
	capacity int
}

// Create formats a fresh epoch-vector shelf with room for capacity
// participants.
func Create(path string, capacity int) (*Vector, error) {
	region := shelf.NewRegion(path)
	size := uint64(offHeader + capacity*slotSize)
	if err := region.Create(size); err != nil {
		return nil, err
	}
	return openVector(region, capacity)
}

// Open attaches to an existing epoch-vector shelf.
func Open(path string, capacity int) (*Vector, error) {
	region := shelf.NewRegion(path)
	if err := region.Verify(); err != nil {
		return nil, err
	}
	return openVector(region, capacity)
}

// CreateOrOpen implements the "created lazily" contract from spec.md
// section 6: the first participant to reach the shelf creates it, every
// later one just opens it.
func CreateOrOpen(path string, capacity int) (*Vector, error) {
	if v, err := Open(path, capacity); err == nil {
		return v, nil
	}
	v, err := Create(path, capacity)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, nvmmerr.ShelfExists) {
		// lost the create race against another participant
		return Open(path, capacity)
	}
	return nil, err
}

func openVector(region *shelf.Region, capacity int) (*Vector, error) {
	size := uint64(offHeader + capacity*slotSize)
	if err := region.Open(unix.O_RDWR); err != nil {
		return nil, err
	}
	mapped, err := region.Map(int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, 0)
	if err != nil {
		region.Close()
		return nil, err
	}
	return &Vector{region: region, mapped: mapped, capacity: capacity}, nil
}

// Close unmaps the vector. It does not destroy the shelf.
func (v *Vector) Close() error {
	if err := v.region.Unmap(v.mapped); err != nil {
		return err
	}
	return v.region.Close()
}

func (v *Vector) u64At(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&v.mapped[off]))
}

func (v *Vector) u32At(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&v.mapped[off]))
}

func (v *Vector) slotOffset(i int) int {
	return offHeader + i*slotSize
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Frontier returns the current frontier epoch.
func (v *Vector) Frontier() uint64 {
	return atomic.LoadUint64(v.u64At(0))
}

// Participant is a process's claim on one slot of the vector, born in
// Join and dying in Leave.
type Participant struct {
	vec  *Vector
	slot int
	pid  uint32
	gen  uint32
}

func (p *Participant) Slot() int   { return p.slot }
func (p *Participant) Pid() uint32 { return p.pid }

// Join atomically claims the lowest-indexed free (or reclaimable-dead)
// slot, initializing {pid, epoch=frontier, ts=now}. It fails with PoolFull
// if every slot is live and not yet past the liveness timeout.
func (v *Vector) Join(pid uint32) (*Participant, error) {
	for i := 0; i < v.capacity; i++ {
		off := v.slotOffset(i)
		flagsPtr := v.u32At(off + offFlags)
		flags := atomic.LoadUint32(flagsPtr)

		if flags&flagLive == 0 {
			newFlags := flags | flagLive
			if !atomic.CompareAndSwapUint32(flagsPtr, flags, newFlags) {
				continue // lost the race for this slot; move on to the next one
			}
			v.initSlot(off, pid)
			return &Participant{vec: v, slot: i, pid: pid, gen: newFlags & genMask}, nil
		}

		// Slot looks live: it may belong to a process that crashed without
		// calling Leave. Check staleness and, if stale, reclaim it via a
		// CAS on pid gated by the timestamp we just observed.
		ts := atomic.LoadUint64(v.u64At(off + offTs))
		if nowMicros()-ts <= TimeoutUs {
			continue
		}
		oldPid := atomic.LoadUint32(v.u32At(off + offPid))
		if !atomic.CompareAndSwapUint32(v.u32At(off+offPid), oldPid, pid) {
			continue
		}
		// Won the reclaim: bump the generation counter folded into the
		// upper bits of flags so a straggling heartbeat/report/leave from
		// oldPid's Participant, which still carries the old generation,
		// is rejected by the gen check in Leave/Heartbeat/ReportLocalEpoch
		// below instead of clobbering this new owner's slot.
		var gen uint32
		for {
			f := atomic.LoadUint32(flagsPtr)
			nf := (f + (1 << 1)) | flagLive
			if atomic.CompareAndSwapUint32(flagsPtr, f, nf) {
				gen = nf & genMask
				break
			}
		}
		v.initSlot(off, pid)
		return &Participant{vec: v, slot: i, pid: pid, gen: gen}, nil
	}
	return nil, nvmmerr.Wrap(nvmmerr.PoolFull, "epoch vector")
}

func (v *Vector) initSlot(off int, pid uint32) {
	atomic.StoreUint32(v.u32At(off+offPid), pid)
	atomic.StoreUint64(v.u64At(off+offEpoch), v.Frontier())
	atomic.StoreUint64(v.u64At(off+offTs), nowMicros())
}

// Leave marks the participant's slot free. Idempotent: calling it twice is
// harmless, it just clears a bit that may already be clear. Calling it
// after the slot has already been reclaimed by someone else (because this
// process stalled past TimeoutUs) is a no-op: the generation p joined
// under no longer matches the slot's, so the new owner is left alone.
func (v *Vector) Leave(p *Participant) {
	off := v.slotOffset(p.slot)
	flagsPtr := v.u32At(off + offFlags)
	for {
		f := atomic.LoadUint32(flagsPtr)
		if f&genMask != p.gen {
			return
		}
		nf := f &^ flagLive
		if atomic.CompareAndSwapUint32(flagsPtr, f, nf) {
			return
		}
	}
}

// Heartbeat writes ts = now for p's slot, unless the slot has been
// reclaimed out from under p (stale generation), in which case it is a
// no-op rather than refreshing a dead timestamp on someone else's slot.
func (v *Vector) Heartbeat(p *Participant) {
	off := v.slotOffset(p.slot)
	if atomic.LoadUint32(v.u32At(off+offFlags))&genMask != p.gen {
		return
	}
	atomic.StoreUint64(v.u64At(off+offTs), nowMicros())
}

// ReportLocalEpoch persists p's view of its current epoch with release
// semantics (sync/atomic's Store already provides at least that on every
// architecture Go supports). Same stale-generation guard as Heartbeat.
func (v *Vector) ReportLocalEpoch(p *Participant, epoch uint64) {
	off := v.slotOffset(p.slot)
	if atomic.LoadUint32(v.u32At(off+offFlags))&genMask != p.gen {
		return
	}
	atomic.StoreUint64(v.u64At(off+offEpoch), epoch)
}

// SnapshotMin reads every live slot's epoch and returns the minimum
// together with the current frontier.
func (v *Vector) SnapshotMin() (minEpoch uint64, frontier uint64) {
	frontier = v.Frontier()
	minEpoch = frontier
	any := false
	for i := 0; i < v.capacity; i++ {
		off := v.slotOffset(i)
		flags := atomic.LoadUint32(v.u32At(off + offFlags))
		if flags&flagLive == 0 {
			continue
		}
		e := atomic.LoadUint64(v.u64At(off + offEpoch))
		if !any || e < minEpoch {
			minEpoch = e
			any = true
		}
	}
	return minEpoch, frontier
}

// AdvanceFrontier bumps the frontier by one iff every live slot reports an
// epoch >= frontier-1; otherwise it is a no-op. Returns the (possibly
// unchanged) frontier.
func (v *Vector) AdvanceFrontier() uint64 {
	for {
		frontier := v.Frontier()
		ok := true
		for i := 0; i < v.capacity; i++ {
			off := v.slotOffset(i)
			flags := atomic.LoadUint32(v.u32At(off + offFlags))
			if flags&flagLive == 0 {
				continue
			}
			e := atomic.LoadUint64(v.u64At(off + offEpoch))
			if frontier > 0 && e < frontier-1 {
				ok = false
				break
			}
		}
		if !ok {
			return frontier
		}
		if atomic.CompareAndSwapUint64(v.u64At(0), frontier, frontier+1) {
			return frontier + 1
		}
		// lost the race against another advancer; retry with fresh state
	}
}
