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
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nvmm-go/nvmm/pkg/nvmmerr"
)

// HeaderMagic identifies an nvmm shelf header on disk: "NVMMSHEL" in ASCII.
const HeaderMagic uint64 = 0x4E564D4D5348454C

// HeaderVersion is the current on-disk shelf header version.
const HeaderVersion uint64 = 1

// HeaderSize is the fixed size, in bytes, of the shelf header region that
// precedes every region's payload. Only the first 24 bytes are meaningful;
// the rest is reserved and zeroed.
const HeaderSize = 4096

// Region layers a header (magic, version, logical payload size) on top of a
// ShelfFile. Create/Verify/Size/Map/Unmap all work in terms of the payload,
// skipping the header transparently.
type Region struct {
	file *ShelfFile
}

func NewRegion(path string) *Region {
	return &Region{file: NewShelfFile(path)}
}

func (r *Region) Path() string {
	return r.file.Path()
}

// Create creates the backing file, truncates it to size+header, and writes
// the magic header. An existing file is not reused: if the pathname already
// exists Create fails with SHELF_EXISTS and leaves the file untouched.
func (r *Region) Create(size uint64) error {
	if err := r.file.Create(0644); err != nil {
		return err
	}
	if err := r.file.Open(os.O_RDWR); err != nil {
		return err
	}
	defer r.file.Close()

	if err := r.file.Truncate(int64(HeaderSize + size)); err != nil {
		return err
	}

	hdr := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(hdr[0:8], HeaderMagic)
	binary.LittleEndian.PutUint64(hdr[8:16], HeaderVersion)
	binary.LittleEndian.PutUint64(hdr[16:24], size)
	return writeAt(r.file, hdr, 0)
}

func writeAt(f *ShelfFile, data []byte, offset int64) error {
	mapped, err := f.Map(0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, offset)
	if err != nil {
		return err
	}
	defer f.Unmap(mapped)
	copy(mapped, data)
	return f.Sync(mapped)
}

func readAt(f *ShelfFile, length int, offset int64) ([]byte, error) {
	mapped, err := f.Map(0, length, unix.PROT_READ, unix.MAP_SHARED, offset)
	if err != nil {
		return nil, err
	}
	defer f.Unmap(mapped)
	out := make([]byte, length)
	copy(out, mapped)
	return out, nil
}

// Verify reopens the region read-only, checks the magic, and closes it.
func (r *Region) Verify() error {
	if err := r.file.Open(os.O_RDONLY); err != nil {
		return err
	}
	defer r.file.Close()

	hdr, err := readAt(r.file, HeaderSize, 0)
	if err != nil {
		return err
	}
	magic := binary.LittleEndian.Uint64(hdr[0:8])
	if magic != HeaderMagic {
		return nvmmerr.Wrap(nvmmerr.Corrupted, r.Path())
	}
	return nil
}

// Size returns the logical payload size recorded in the header, not the
// file's on-disk size (which also includes HeaderSize).
func (r *Region) Size() (uint64, error) {
	if err := r.file.Open(os.O_RDONLY); err != nil {
		return 0, err
	}
	defer r.file.Close()

	hdr, err := readAt(r.file, HeaderSize, 0)
	if err != nil {
		return 0, err
	}
	magic := binary.LittleEndian.Uint64(hdr[0:8])
	if magic != HeaderMagic {
		return 0, nvmmerr.Wrap(nvmmerr.Corrupted, r.Path())
	}
	return binary.LittleEndian.Uint64(hdr[16:24]), nil
}

func (r *Region) Destroy() error {
	return r.file.Destroy()
}

func (r *Region) Open(flags int) error {
	return r.file.Open(flags)
}

func (r *Region) Close() error {
	return r.file.Close()
}

func (r *Region) IsOpen() bool {
	return r.file.IsOpen()
}

// Map maps length bytes of the payload starting at offset (measured from
// the start of the payload, i.e. already past HeaderSize).
func (r *Region) Map(length int, prot, flags int, offset int64) ([]byte, error) {
	return r.file.Map(0, length, prot, flags, HeaderSize+offset)
}

func (r *Region) Unmap(mapped []byte) error {
	return r.file.Unmap(mapped)
}

// Sync flushes dirty pages of a mapping obtained from Map back to the
// backing file.
func (r *Region) Sync(mapped []byte) error {
	return r.file.Sync(mapped)
}
