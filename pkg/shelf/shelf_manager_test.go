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
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/nvmm-go/nvmm/pkg/nvmmerr"
	"github.com/nvmm-go/nvmm/pkg/ptr"
)

func fakeBase(n uintptr) unsafe.Pointer {
	return unsafe.Pointer(n)
}

func TestRegisterShelfRejectsOverlap(t *testing.T) {
	m := NewManager()
	id1 := ptr.NewShelfId(1, 1)
	id2 := ptr.NewShelfId(1, 2)

	base, err := m.RegisterShelf(id1, fakeBase(0x1000), 0x1000)
	require.NoError(t, err)
	require.Equal(t, fakeBase(0x1000), base)

	// Fully overlapping.
	_, err = m.RegisterShelf(id2, fakeBase(0x1500), 0x10)
	require.ErrorIs(t, err, nvmmerr.InvalidArg)

	// Disjoint is fine.
	base2, err := m.RegisterShelf(id2, fakeBase(0x2000), 0x1000)
	require.NoError(t, err)
	require.Equal(t, fakeBase(0x2000), base2)
}

func TestRegisterShelfRejectsDuplicateId(t *testing.T) {
	m := NewManager()
	id := ptr.NewShelfId(1, 1)
	_, err := m.RegisterShelf(id, fakeBase(0x1000), 0x1000)
	require.NoError(t, err)

	_, err = m.RegisterShelf(id, fakeBase(0x5000), 0x1000)
	require.ErrorIs(t, err, nvmmerr.IDFound)
}

func TestFindShelfPredecessor(t *testing.T) {
	m := NewManager()
	id1 := ptr.NewShelfId(1, 1)
	id2 := ptr.NewShelfId(1, 2)
	_, err := m.RegisterShelf(id1, fakeBase(0x1000), 0x1000)
	require.NoError(t, err)
	_, err = m.RegisterShelf(id2, fakeBase(0x3000), 0x1000)
	require.NoError(t, err)

	gotID, gotBase, ok := m.FindShelf(fakeBase(0x1500))
	require.True(t, ok)
	require.Equal(t, id1, gotID)
	require.Equal(t, fakeBase(0x1000), gotBase)

	gotID, _, ok = m.FindShelf(fakeBase(0x3500))
	require.True(t, ok)
	require.Equal(t, id2, gotID)

	// Inside the gap between the two shelves: no containing shelf.
	_, _, ok = m.FindShelf(fakeBase(0x2500))
	require.False(t, ok)
}

func TestUnregisterThenLookup(t *testing.T) {
	m := NewManager()
	id := ptr.NewShelfId(1, 1)
	_, err := m.RegisterShelf(id, fakeBase(0x1000), 0x1000)
	require.NoError(t, err)

	base := m.UnregisterShelf(id)
	require.Equal(t, fakeBase(0x1000), base)
	require.Nil(t, m.LookupShelf(id))

	// Now the interval is free again.
	_, err = m.RegisterShelf(id, fakeBase(0x1000), 0x1000)
	require.NoError(t, err)
}

func TestResetClearsState(t *testing.T) {
	m := NewManager()
	id := ptr.NewShelfId(1, 1)
	_, err := m.RegisterShelf(id, fakeBase(0x1000), 0x1000)
	require.NoError(t, err)

	m.Reset()
	require.Nil(t, m.LookupShelf(id))
	_, _, ok := m.FindShelf(fakeBase(0x1500))
	require.False(t, ok)
}
