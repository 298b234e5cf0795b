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
)

// Scenario 6 of spec.md section 8: region round-trip. Create a 128MB
// region, map it, write 123 atomically at base, unmap, close, reopen, map,
// read back 123.
func TestRegionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region0")
	r := NewRegion(path)
	require.NoError(t, r.Create(128<<20))
	require.NoError(t, r.Verify())

	size, err := r.Size()
	require.NoError(t, err)
	require.EqualValues(t, 128<<20, size)

	require.NoError(t, r.Open(os.O_RDWR))
	mapped, err := r.Map(4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, 0)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(mapped[0:8], 123)
	require.NoError(t, r.Unmap(mapped))
	require.NoError(t, r.Close())

	require.NoError(t, r.Open(os.O_RDWR))
	mapped2, err := r.Map(4096, unix.PROT_READ, unix.MAP_SHARED, 0)
	require.NoError(t, err)
	require.EqualValues(t, 123, binary.LittleEndian.Uint64(mapped2[0:8]))
	require.NoError(t, r.Unmap(mapped2))
	require.NoError(t, r.Close())
}
