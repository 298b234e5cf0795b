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

// Package shelf implements components B, C, D of the design: ShelfFile (the
// lifecycle of one backing file), ShelfManager (the process-wide mapping
// registry), and ShelfRegion (a typed wrapper adding a header and a verify
// step).
package shelf

import (
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nvmm-go/nvmm/pkg/nvmmerr"
	"github.com/nvmm-go/nvmm/pkg/nvmmfault"
)

// ShelfFile owns the lifecycle of one backing file by pathname: create,
// destroy, open, close, map, unmap. It does not know about ShelfIds or
// GlobalPtrs; those live one layer up, in ShelfRegion and the heaps.
type ShelfFile struct {
	mu       sync.Mutex
	path     string
	fd       *os.File
	opened   bool
	mapped   []byte // non-nil while mapped; len == mapping length
	mapProt  int
	mapFlags int
}

func NewShelfFile(path string) *ShelfFile {
	return &ShelfFile{path: path}
}

func (f *ShelfFile) Path() string {
	return f.path
}

// Create makes a zero-length file at f.Path with the given mode. It fails
// with SHELF_EXISTS if the pathname already exists.
func (f *ShelfFile) Create(mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.path); err == nil {
		return nvmmerr.Wrap(nvmmerr.ShelfExists, f.path)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, mode)
	if err != nil {
		if os.IsExist(err) {
			return nvmmerr.Wrap(nvmmerr.ShelfExists, f.path)
		}
		return err
	}
	return file.Close()
}

// Destroy removes the backing file, failing with SHELF_FILE_NOT_FOUND if it
// is absent.
func (f *ShelfFile) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil {
		if os.IsNotExist(err) {
			return nvmmerr.Wrap(nvmmerr.ShelfFileNotFound, f.path)
		}
		return err
	}
	return nil
}

// Open opens the backing file descriptor. Concurrent open of the same
// ShelfFile within one process is disallowed.
func (f *ShelfFile) Open(flags int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.opened {
		return nvmmerr.Wrap(nvmmerr.ShelfFileOpened, f.path)
	}
	file, err := os.OpenFile(f.path, flags, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nvmmerr.Wrap(nvmmerr.ShelfFileNotFound, f.path)
		}
		return err
	}
	f.fd = file
	f.opened = true
	return nil
}

func (f *ShelfFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.opened {
		return nil
	}
	err := f.fd.Close()
	f.fd = nil
	f.opened = false
	return err
}

func (f *ShelfFile) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Truncate sets the logical size of the backing file.
func (f *ShelfFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.opened {
		return nvmmerr.Wrap(nvmmerr.ShelfFileNotFound, f.path)
	}
	if err := nvmmfault.Trigger(nvmmfault.ScopeShelf, "before-truncate"); err != nil {
		return err
	}
	return f.fd.Truncate(size)
}

// Map maps length bytes at offset with the given protection/flags. The whole
// mapping must succeed or the call fails - there is no partial-map path.
// hint is advisory only; unlike the original C++ design, Go's mmap syscall
// wrapper does not let us request a fixed address without MAP_FIXED, which
// would risk clobbering unrelated mappings, so hint is accepted for API
// parity and always ignored.
func (f *ShelfFile) Map(hint uintptr, length int, prot, flags int, offset int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.opened {
		return nil, nvmmerr.Wrap(nvmmerr.ShelfFileNotFound, f.path)
	}
	data, err := unix.Mmap(int(f.fd.Fd()), offset, length, prot, flags)
	if err != nil {
		return nil, err
	}
	f.mapped = data
	f.mapProt = prot
	f.mapFlags = flags
	return data, nil
}

// Unmap releases a mapping. It must cover exactly the range returned by Map.
func (f *ShelfFile) Unmap(mapped []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(mapped) == 0 {
		return nil
	}
	if f.mapped != nil && unsafe.SliceData(mapped) == unsafe.SliceData(f.mapped) {
		f.mapped = nil
	}
	return unix.Munmap(mapped)
}

// Sync flushes dirty pages of a mapping back to the backing file; used by
// ShelfRegion's header write and Region.Sync, and through the latter by the
// zone heap after clearing its dirty flag.
func (f *ShelfFile) Sync(mapped []byte) error {
	if len(mapped) == 0 {
		return nil
	}
	return unix.Msync(mapped, unix.MS_SYNC)
}
