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

package shelf

import (
	"os"
	"sync"
	"unsafe"

	"github.com/tidwall/btree"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nvmm-go/nvmm/pkg/nvmmerr"
	"github.com/nvmm-go/nvmm/pkg/nvmmlog"
	"github.com/nvmm-go/nvmm/pkg/ptr"
)

// mapping is the payload shared by ShelfManager's forward and reverse
// indexes for one registered shelf.
type mapping struct {
	id     ptr.ShelfId
	base   uintptr
	length uintptr
}

// Manager is the process-wide registry of (ShelfId <-> base, length). It
// replaces the original design's static-singleton ShelfManager with an
// explicitly-owned, explicitly-constructed value: callers hold their own
// *Manager and pass it down, rather than reach for a process-global
// accessor. Global() below layers a singleton on top for code paths that
// still need one (see spec.md section 9).
type Manager struct {
	mu sync.Mutex

	forward map[ptr.ShelfId]mapping
	// reverse orders entries by base so FindShelf can do the
	// upper-bound-then-predecessor walk the design calls for.
	reverse *btree.BTreeG[mapping]

	// inflight latches a shelf id currently being lazily mapped by
	// FindBase(path, id), so a concurrent second caller waits for the
	// winner's registration instead of mapping the same shelf twice.
	inflight map[ptr.ShelfId]*sync.WaitGroup
}

func lessByBase(a, b mapping) bool {
	return a.base < b.base
}

// NewManager constructs an empty, explicitly-owned shelf registry.
func NewManager() *Manager {
	return &Manager{
		forward:  make(map[ptr.ShelfId]mapping),
		reverse:  btree.NewBTreeG(lessByBase),
		inflight: make(map[ptr.ShelfId]*sync.WaitGroup),
	}
}

var globalOnce sync.Once
var globalMgr *Manager

// Global returns a lazily-constructed process-wide Manager, for callers
// that have no better place to thread an explicit *Manager through (mirrors
// the original design's static ShelfManager, layered atop the explicit
// form per spec.md section 9).
func Global() *Manager {
	globalOnce.Do(func() {
		globalMgr = NewManager()
	})
	return globalMgr
}

func overlaps(aBase, aLen, bBase, bLen uintptr) bool {
	aEnd := aBase + aLen
	bEnd := bBase + bLen
	return aBase < bEnd && bBase < aEnd
}

// RegisterShelf inserts (id -> base,length) and (base -> id,length).
// Precondition: id is not already registered and [base, base+length) is
// disjoint from every other registered interval (P1). On violation it
// returns a nil base and leaves state unchanged.
func (m *Manager) RegisterShelf(id ptr.ShelfId, base unsafe.Pointer, length uintptr) (unsafe.Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.forward[id]; exists {
		return nil, nvmmerr.Wrap(nvmmerr.IDFound, id.String())
	}
	b := uintptr(base)
	var conflict bool
	m.reverse.Ascend(mapping{base: 0}, func(item mapping) bool {
		if overlaps(b, length, item.base, item.length) {
			conflict = true
			return false
		}
		return true
	})
	if conflict {
		return nil, nvmmerr.Wrap(nvmmerr.InvalidArg, "overlapping shelf mapping")
	}

	entry := mapping{id: id, base: b, length: length}
	m.forward[id] = entry
	m.reverse.Set(entry)
	return base, nil
}

// UnregisterShelf removes both entries for id and returns the base formerly
// mapped, or nil if id was not registered.
func (m *Manager) UnregisterShelf(id ptr.ShelfId) unsafe.Pointer {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.forward[id]
	if !ok {
		return nil
	}
	delete(m.forward, id)
	m.reverse.Delete(entry)
	return unsafe.Pointer(entry.base)
}

// LookupShelf returns the registered base for id, or nil.
func (m *Manager) LookupShelf(id ptr.ShelfId) unsafe.Pointer {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.forward[id]
	if !ok {
		return nil
	}
	return unsafe.Pointer(entry.base)
}

// FindBase returns the base if id is already registered, or nil.
func (m *Manager) FindBase(id ptr.ShelfId) unsafe.Pointer {
	return m.LookupShelf(id)
}

// FindBaseLazy is FindBase's path == given overload: open and map the
// shelf on demand, register it, and return the base. This is the normal
// way cross-process sharing becomes visible in a process that has just
// attached to an existing pool.
func (m *Manager) FindBaseLazy(path string, id ptr.ShelfId, length uintptr) (unsafe.Pointer, error) {
	if base := m.FindBase(id); base != nil {
		return base, nil
	}

	m.mu.Lock()
	if wg, inProgress := m.inflight[id]; inProgress {
		m.mu.Unlock()
		wg.Wait()
		return m.FindBase(id), nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	m.inflight[id] = wg
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
		wg.Done()
	}()

	file := NewShelfFile(path)
	if err := file.Open(os.O_RDWR); err != nil {
		return nil, err
	}
	data, err := file.Map(0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, 0)
	if err != nil {
		file.Close()
		return nil, err
	}
	base := unsafe.Pointer(unsafe.SliceData(data))
	if _, err := m.RegisterShelf(id, base, length); err != nil {
		nvmmlog.Warn("lazy-map lost the registration race", zap.String("shelf_id", id.String()))
		file.Unmap(data)
		file.Close()
		return m.FindBase(id), nil
	}
	return base, nil
}

// FindShelf performs the reverse-map "upper_bound then predecessor" lookup:
// the containing shelf is the greatest registered base <= localPtr whose
// interval includes localPtr.
func (m *Manager) FindShelf(localPtr unsafe.Pointer) (ptr.ShelfId, unsafe.Pointer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := uintptr(localPtr)
	var found mapping
	var ok bool
	m.reverse.Descend(mapping{base: target}, func(item mapping) bool {
		if item.base <= target && target < item.base+item.length {
			found = item
			ok = true
		}
		return false
	})
	if !ok {
		return ptr.InvalidShelfId, nil, false
	}
	return found.id, unsafe.Pointer(found.base), true
}

// Reset unmaps nothing by itself (callers own their mappings) but clears
// both indexes. Used only in tests/teardown.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forward = make(map[ptr.ShelfId]mapping)
	m.reverse = btree.NewBTreeG(lessByBase)
	m.inflight = make(map[ptr.ShelfId]*sync.WaitGroup)
}

// Lock/Unlock expose the manager's mutex for callers that must perform
// multiple lookups atomically (e.g. FindShelf followed by a dereference
// that must not race with an UnregisterShelf).
func (m *Manager) Lock()   { m.mu.Lock() }
func (m *Manager) Unlock() { m.mu.Unlock() }
