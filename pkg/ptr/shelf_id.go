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

// Package ptr implements component A of the design: the GlobalPtr codec and
// its ShelfId building block. Every operation here is pure and total -
// invalid inputs produce a well-defined invalid value, never a panic.
package ptr

import "fmt"

// ShelfId is an 8-bit opaque identifier composed of a PoolId and a
// ShelfIndex. The zero value is reserved as "invalid".
type ShelfId uint8

const (
	poolBits  = 4
	indexBits = 8 - poolBits
	indexMask = (1 << indexBits) - 1
)

// InvalidShelfId is the reserved "no shelf" value.
const InvalidShelfId ShelfId = 0

// NewShelfId packs a pool id and a shelf index into a ShelfId. Both values
// are masked to their bit width rather than rejected, matching the codec's
// "pure and total" contract.
func NewShelfId(poolID, shelfIndex uint8) ShelfId {
	return ShelfId(((poolID << indexBits) | (shelfIndex & indexMask)))
}

func (s ShelfId) PoolId() uint8 {
	return uint8(s) >> indexBits
}

func (s ShelfId) ShelfIndex() uint8 {
	return uint8(s) & indexMask
}

func (s ShelfId) IsValid() bool {
	return s != InvalidShelfId
}

func (s ShelfId) String() string {
	return fmt.Sprintf("%d_%d", s.PoolId(), s.ShelfIndex())
}

// Equal is provided for symmetry with the original design's explicit
// equality/hash pair; ShelfId's comparability already gives Go callers ==.
func (s ShelfId) Equal(other ShelfId) bool {
	return s == other
}

// Hash is a stable, cheap hash suitable for use as a map key fallback when a
// type can't be used directly (ShelfId already satisfies comparable, so this
// exists mainly for parity with the original design's ShelfId::Hash).
func (s ShelfId) Hash() uint64 {
	return uint64(s)
}
