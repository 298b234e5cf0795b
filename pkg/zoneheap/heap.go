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
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/nvmm-go/nvmm/pkg/nvmmerr"
	"github.com/nvmm-go/nvmm/pkg/nvmmfault"
	"github.com/nvmm-go/nvmm/pkg/nvmmlog"
	"github.com/nvmm-go/nvmm/pkg/ptr"
	"github.com/nvmm-go/nvmm/pkg/shelf"

	"golang.org/x/sys/unix"
)

// Heap is a buddy allocator over one shelf: K levels of power-of-two
// chunks, a bitmap recording level-0 freedom, and K lock-free free-list
// stacks threaded through the chunks themselves.
//
// The returned offset convention: every offset this package hands a caller
// (as a GlobalPtr, or internally through the free-list heads) is measured
// from the start of the mapped region, i.e. it already includes HeaderSize
// and the bitmap - this keeps it always non-zero (ptr.TaggedHead treats
// offset 0 as "empty list" and GlobalPtr treats offset 0 as "the header"),
// satisfying both conventions for free without a separate bias constant.
type Heap struct {
	region   *shelf.Region
	mapped   []byte
	shelfID  ptr.ShelfId
	levels   int
	usableOf uint64 // byte offset of the usable zone within mapped
	usableSz uint64

	bitmap     *bitset.BitSet
	levelLocks []sync.RWMutex
}

// levelForSize returns the smallest level ℓ such that 2^ℓ * minObj >= size.
func levelForSize(minObj, size uint64) int {
	chunks := (size + minObj - 1) / minObj // ceil(size / minObj)
	if chunks <= 1 {
		return 0
	}
	return bits.Len64(chunks - 1)
}

// usableBytes rounds size down to a power-of-two multiple of MinObjSize: a
// classic buddy allocator needs its usable region to itself be one
// top-level chunk so that the merge sweep never has to reason about a
// ragged boundary. levels is the count of levels 0..K-1 needed to reach
// that top chunk, i.e. usableSize == 2^(levels-1) * MinObjSize.
func usableBytes(size uint64) (usableSize uint64, levels int) {
	chunks := size / MinObjSize
	if chunks == 0 {
		return 0, 0
	}
	levels = bits.Len64(chunks) // == floor(log2(chunks)) + 1 for any chunks >= 1
	usableSize = (uint64(1) << uint(levels-1)) * MinObjSize
	return usableSize, levels
}

func bitmapBytesFor(usableSize uint64) uint64 {
	bitCount := usableSize / MinObjSize
	byteCount := (bitCount + 7) / 8
	return (byteCount + 63) &^ 63 // rounded up to a 64-byte boundary, per spec.
}

// Create formats a fresh shelf into header + merge bitmap + K zone levels.
func Create(path string, shelfID ptr.ShelfId, size uint64) (*Heap, error) {
	usableSize, levels := usableBytes(size)
	if levels == 0 || levels > MaxLevels {
		return nil, nvmmerr.Wrap(nvmmerr.InvalidArg, "zoneheap size")
	}
	bitmapSize := bitmapBytesFor(usableSize)
	total := uint64(HeaderSize) + bitmapSize + usableSize

	region := shelf.NewRegion(path)
	if err := region.Create(total); err != nil {
		return nil, err
	}
	h, err := openHeap(region, shelfID, levels, usableSize, bitmapSize)
	if err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint64(h.mapped[offMagic:], HeaderMagic)
	binary.LittleEndian.PutUint64(h.mapped[offMinObj:], MinObjSize)
	binary.LittleEndian.PutUint32(h.mapped[offLevels:], uint32(levels))
	binary.LittleEndian.PutUint32(h.mapped[offDirty:], dirtyClear)

	// Everything starts free: one giant top-level chunk at the usable
	// zone's base offset.
	h.bitmap.ClearAll()
	for i := uint(0); i < uint(usableSize/MinObjSize); i++ {
		h.bitmap.Set(i)
	}
	topOffset := h.usableOf
	atomic.StoreUint64(h.headAt(levels-1), ptr.NewTaggedHead(topOffset, 0).ToU64())
	if err := region.Sync(h.mapped); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// Open attaches to an existing zone-heap shelf. If the header's dirty flag
// is set (an earlier process did not Close cleanly) the free-lists are
// rebuilt from the bitmap, the same algorithm Merge runs explicitly.
func Open(path string, shelfID ptr.ShelfId) (*Heap, error) {
	region := shelf.NewRegion(path)
	if err := region.Verify(); err != nil {
		return nil, err
	}
	if err := region.Open(os.O_RDWR); err != nil {
		return nil, err
	}
	probe, err := region.Map(HeaderSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, 0)
	if err != nil {
		region.Close()
		return nil, err
	}
	if binary.LittleEndian.Uint64(probe[offMagic:]) != HeaderMagic {
		region.Unmap(probe)
		region.Close()
		return nil, nvmmerr.Wrap(nvmmerr.Corrupted, path)
	}
	levels := int(binary.LittleEndian.Uint32(probe[offLevels:]))
	wasDirty := binary.LittleEndian.Uint32(probe[offDirty:]) == dirtySet
	if err := region.Unmap(probe); err != nil {
		region.Close()
		return nil, err
	}
	region.Close()

	usableSize := (uint64(1) << uint(levels-1)) * MinObjSize
	bitmapSize := bitmapBytesFor(usableSize)

	h, err := openHeap(region, shelfID, levels, usableSize, bitmapSize)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(h.mapped[offDirty:], dirtySet)
	if wasDirty {
		nvmmlog.Warn("zone heap reopened dirty, rebuilding free lists from bitmap", zap.String("path", path))
		h.Merge()
	}
	return h, nil
}

func openHeap(region *shelf.Region, shelfID ptr.ShelfId, levels int, usableSize, bitmapSize uint64) (*Heap, error) {
	total := uint64(HeaderSize) + bitmapSize + usableSize
	if err := region.Open(os.O_RDWR); err != nil {
		return nil, err
	}
	mapped, err := region.Map(int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, 0)
	if err != nil {
		return nil, err
	}

	bitmapOff := HeaderSize
	numWords := bitmapSize / 8
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&mapped[bitmapOff])), numWords)

	h := &Heap{
		region:     region,
		mapped:     mapped,
		shelfID:    shelfID,
		levels:     levels,
		usableOf:   uint64(HeaderSize) + bitmapSize,
		usableSz:   usableSize,
		bitmap:     bitset.From(words),
		levelLocks: make([]sync.RWMutex, levels),
	}
	return h, nil
}

// Close unmaps the heap after clearing the dirty flag (a clean close).
func (h *Heap) Close() error {
	binary.LittleEndian.PutUint32(h.mapped[offDirty:], dirtyClear)
	if err := h.region.Sync(h.mapped); err != nil {
		return err
	}
	if err := h.region.Unmap(h.mapped); err != nil {
		return err
	}
	return h.region.Close()
}

func (h *Heap) headAt(level int) *uint64 {
	off := offHeads + level*8
	return (*uint64)(unsafe.Pointer(&h.mapped[off]))
}

func (h *Heap) nextAt(chunkOffset uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.mapped[chunkOffset]))
}

// MinAllocSize returns the smallest chunk this heap ever hands out.
func (h *Heap) MinAllocSize() uint64 {
	return MinObjSize
}

func chunkSize(level int) uint64 {
	return MinObjSize << uint(level)
}

func (h *Heap) blockIndex(chunkOffset uint64) uint {
	return uint((chunkOffset - h.usableOf) / MinObjSize)
}

// markRange sets (free=true) or clears (free=false) the bitmap bits for a
// level-ℓ chunk at the given absolute offset.
func (h *Heap) markRange(chunkOffset uint64, level int, free bool) {
	start := h.blockIndex(chunkOffset)
	count := uint(chunkSize(level) / MinObjSize)
	for i := uint(0); i < count; i++ {
		if free {
			h.bitmap.Set(start + i)
		} else {
			h.bitmap.Clear(start + i)
		}
	}
}

// popFreelist pops one chunk off level ℓ's Treiber stack. The level's
// RWMutex read side serializes this CAS loop against a concurrent Merge,
// which takes the write side of every level while it rebuilds the lists.
func (h *Heap) popFreelist(level int) (uint64, bool) {
	h.levelLocks[level].RLock()
	defer h.levelLocks[level].RUnlock()

	headPtr := h.headAt(level)
	for {
		cur := ptr.TaggedHeadFromU64(atomic.LoadUint64(headPtr))
		if cur.IsEmpty() {
			return 0, false
		}
		offset := cur.Offset()
		next := atomic.LoadUint64(h.nextAt(offset))
		candidate := cur.Next(next)
		if atomic.CompareAndSwapUint64(headPtr, cur.ToU64(), candidate.ToU64()) {
			h.markRange(offset, level, false)
			return offset, true
		}
	}
}

func (h *Heap) pushFreelist(level int, offset uint64) {
	h.levelLocks[level].RLock()
	defer h.levelLocks[level].RUnlock()

	headPtr := h.headAt(level)
	for {
		cur := ptr.TaggedHeadFromU64(atomic.LoadUint64(headPtr))
		atomic.StoreUint64(h.nextAt(offset), cur.Offset())
		candidate := cur.Next(offset)
		if atomic.CompareAndSwapUint64(headPtr, cur.ToU64(), candidate.ToU64()) {
			h.markRange(offset, level, true)
			return
		}
	}
}

// allocChunk satisfies a request for one level-ℓ chunk, splitting a
// higher level's chunk and pushing the unused buddy back down if level ℓ's
// own free-list is empty.
func (h *Heap) allocChunk(level int) (uint64, error) {
	if level >= h.levels {
		return 0, nvmmerr.Wrap(nvmmerr.OutOfMemory, "zoneheap")
	}
	if offset, ok := h.popFreelist(level); ok {
		return offset, nil
	}
	parent, err := h.allocChunk(level + 1)
	if err != nil {
		return 0, err
	}
	half := chunkSize(level)
	buddy := parent + half
	h.pushFreelist(level, buddy)
	return parent, nil
}

// Alloc rounds bytes up to 2^ℓ * MinObjSize for the smallest ℓ with
// capacity and returns a GlobalPtr tagged with ℓ in its Reserve byte, so
// Free can recover the level without a second bitmap pass.
func (h *Heap) Alloc(requested uint64) (ptr.GlobalPtr, error) {
	if requested == 0 {
		requested = MinObjSize
	}
	level := levelForSize(MinObjSize, requested)
	if level >= h.levels {
		return ptr.Null, nvmmerr.Wrap(nvmmerr.OutOfMemory, "zoneheap: request exceeds heap size")
	}
	nvmmfault.Trigger(nvmmfault.ScopeZoneHeap, "before-alloc")

	offset, err := h.allocChunk(level)
	if err != nil {
		return ptr.Null, err
	}
	return ptr.Encode3(h.shelfID, uint8(level), offset), nil
}

// Free returns ptr's chunk to its level's free-list, recovering the level
// from the Reserve byte Alloc stamped into it.
func (h *Heap) Free(p ptr.GlobalPtr) error {
	if !p.IsValid() || p.ShelfId() != h.shelfID {
		return nvmmerr.Wrap(nvmmerr.InvalidArg, "zoneheap: free of foreign pointer")
	}
	level := int(p.Reserve())
	if level < 0 || level >= h.levels {
		return nvmmerr.Wrap(nvmmerr.InvalidArg, "zoneheap: free with bad level tag")
	}
	nvmmfault.Trigger(nvmmfault.ScopeZoneHeap, "before-free")
	h.pushFreelist(level, p.Offset())
	return nil
}

// Merge rebuilds every level's free list from the merge bitmap, coalescing
// maximal runs of free buddies. It is the same algorithm Open runs when it
// finds the dirty flag set, and it is idempotent: running it twice in a
// row leaves the free lists unchanged.
func (h *Heap) Merge() {
	for i := range h.levelLocks {
		h.levelLocks[i].Lock()
	}
	defer func() {
		for i := range h.levelLocks {
			h.levelLocks[i].Unlock()
		}
	}()

	totalBlocks := int(h.usableSz / MinObjSize)
	freeAt := make([][]bool, h.levels)
	freeAt[0] = make([]bool, totalBlocks)
	for i := 0; i < totalBlocks; i++ {
		freeAt[0][i] = h.bitmap.Test(uint(i))
	}
	for l := 1; l < h.levels; l++ {
		prev := freeAt[l-1]
		cur := make([]bool, len(prev)/2)
		for i := range cur {
			cur[i] = prev[2*i] && prev[2*i+1]
		}
		freeAt[l] = cur
	}

	for l := 0; l < h.levels; l++ {
		atomic.StoreUint64(h.headAt(l), ptr.NoHead.ToU64())
	}

	for l := 0; l < h.levels; l++ {
		for idx, free := range freeAt[l] {
			if !free {
				continue
			}
			if l+1 < h.levels && freeAt[l+1][idx/2] {
				continue // absorbed into a larger free chunk one level up
			}
			offset := h.usableOf + uint64(idx<<uint(l))*MinObjSize
			pushFreelistRaw(h, l, offset)
		}
	}
}

// pushFreelistRaw pushes without taking the level lock: Merge already
// holds every level's write lock for the duration of the rebuild.
func pushFreelistRaw(h *Heap, level int, offset uint64) {
	headPtr := h.headAt(level)
	cur := ptr.TaggedHeadFromU64(atomic.LoadUint64(headPtr))
	atomic.StoreUint64(h.nextAt(offset), cur.Offset())
	atomic.StoreUint64(headPtr, cur.Next(offset).ToU64())
}
