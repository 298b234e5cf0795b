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

// Package zoneheap implements component G: a crash-consistent, multi-
// process buddy allocator laid out inside a single shelf.
package zoneheap

// HeaderMagic identifies a zone-heap header on disk: "ZONEHEAP" in ASCII.
const HeaderMagic uint64 = 0x5A4F4E4548454150

// HeaderSize is the fixed size, in bytes, of the zone-heap header that
// precedes the merge bitmap and the usable zones.
const HeaderSize = 4096

// MinObjSize is the smallest chunk a heap ever hands out: the level-0
// chunk size, fixed at 64 bytes per spec.
const MinObjSize uint64 = 64

// MaxLevels bounds how many levels the inline free_list_heads array in the
// header can carry. 64 levels covers a heap up to 64*2^63 bytes, far past
// anything this allocator will ever be asked to format.
const MaxLevels = 64

const (
	offMagic  = 0
	offMinObj = 8
	offLevels = 16
	offDirty  = 20
	offHeads  = 24 // [MaxLevels]uint64, ends at 24+MaxLevels*8 = 536
)

const dirtySet uint32 = 1
const dirtyClear uint32 = 0
