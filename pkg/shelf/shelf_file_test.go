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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nvmm-go/nvmm/pkg/nvmmerr"
)

func TestShelfFileCreateTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelf0")
	f := NewShelfFile(path)
	require.NoError(t, f.Create(0644))

	f2 := NewShelfFile(path)
	err := f2.Create(0644)
	require.ErrorIs(t, err, nvmmerr.ShelfExists)
}

func TestShelfFileDestroyMissingFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope")
	f := NewShelfFile(path)
	err := f.Destroy()
	require.ErrorIs(t, err, nvmmerr.ShelfFileNotFound)
}

func TestShelfFileConcurrentOpenFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelf1")
	f := NewShelfFile(path)
	require.NoError(t, f.Create(0644))
	require.NoError(t, f.Open(os.O_RDWR))
	defer f.Close()

	err := f.Open(os.O_RDWR)
	require.ErrorIs(t, err, nvmmerr.ShelfFileOpened)
}

func TestShelfFileMapUnmapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelf2")
	f := NewShelfFile(path)
	require.NoError(t, f.Create(0644))
	require.NoError(t, f.Open(os.O_RDWR))
	defer f.Close()
	require.NoError(t, f.Truncate(4096))

	data, err := f.Map(0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, 0)
	require.NoError(t, err)
	require.Len(t, data, 4096)

	binary.LittleEndian.PutUint64(data[0:8], 123)
	require.NoError(t, f.Sync(data))
	require.NoError(t, f.Unmap(data))
}
