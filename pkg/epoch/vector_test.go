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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvmm-go/nvmm/pkg/nvmmerr"
)

func TestJoinLeaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochvec0")
	v, err := Create(path, 4)
	require.NoError(t, err)
	defer v.Close()

	p1, err := v.Join(100)
	require.NoError(t, err)
	require.Equal(t, 0, p1.Slot())

	p2, err := v.Join(101)
	require.NoError(t, err)
	require.Equal(t, 1, p2.Slot())

	v.Leave(p1)
	// Leave is idempotent.
	v.Leave(p1)

	p3, err := v.Join(102)
	require.NoError(t, err)
	require.Equal(t, 0, p3.Slot(), "freed slot 0 should be reused before slot 2")
}

func TestJoinPoolFullWhenAllLiveAndFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochvec1")
	v, err := Create(path, 2)
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Join(1)
	require.NoError(t, err)
	_, err = v.Join(2)
	require.NoError(t, err)

	_, err = v.Join(3)
	require.ErrorIs(t, err, nvmmerr.PoolFull)
}

func TestJoinReclaimsStaleSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochvec2")
	v, err := Create(path, 1)
	require.NoError(t, err)
	defer v.Close()

	p1, err := v.Join(1)
	require.NoError(t, err)

	// Force the slot's timestamp into the past without calling Leave, to
	// simulate a crashed participant.
	off := v.slotOffset(p1.Slot())
	*v.u64At(off + offTs) -= TimeoutUs + 1

	p2, err := v.Join(2)
	require.NoError(t, err)
	require.Equal(t, p1.Slot(), p2.Slot())
	require.Equal(t, uint32(2), p2.Pid())
}

func TestAdvanceFrontierWaitsOnSlowestParticipant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochvec3")
	v, err := Create(path, 2)
	require.NoError(t, err)
	defer v.Close()

	fast, err := v.Join(1)
	require.NoError(t, err)
	slow, err := v.Join(2)
	require.NoError(t, err)

	// Both joined at epoch 0. Each bump needs every live epoch to be at
	// least frontier-1, so with both still at 0 the frontier reaches 2.
	v.AdvanceFrontier()
	v.AdvanceFrontier()

	v.ReportLocalEpoch(fast, 5)
	v.ReportLocalEpoch(slow, 0)

	before := v.Frontier()
	after := v.AdvanceFrontier()
	require.Equal(t, before, after, "frontier must not pass the slowest participant")

	v.ReportLocalEpoch(slow, before)
	after = v.AdvanceFrontier()
	require.Equal(t, before+1, after)
}

func TestSnapshotMinIgnoresDeadSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochvec4")
	v, err := Create(path, 2)
	require.NoError(t, err)
	defer v.Close()

	p1, err := v.Join(1)
	require.NoError(t, err)
	v.ReportLocalEpoch(p1, 42)
	v.Leave(p1)

	min, frontier := v.SnapshotMin()
	require.Equal(t, frontier, min, "with no live participants min should fall back to frontier")
}
