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

package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/nvmm-go/nvmm/pkg/config"
	"github.com/nvmm-go/nvmm/pkg/epoch"
	"github.com/nvmm-go/nvmm/pkg/epochheap"
	"github.com/nvmm-go/nvmm/pkg/ptr"
	"github.com/nvmm-go/nvmm/pkg/zoneheap"
)

func microseconds(us uint64) time.Duration {
	return time.Duration(us) * time.Microsecond
}

// pool is the minimal private wiring of shelves, a zone heap, and an epoch
// manager into one runnable unit - exactly as much as this harness needs to
// drive spec.md section 8's scenarios end-to-end. It is deliberately not a
// public package: spec.md section 9 names the memory-manager façade that
// would wrap this as out of scope.
type pool struct {
	dir string
	cfg *config.Config

	vec  *epoch.Vector
	mgr  *epoch.Manager
	heap *zoneheap.Heap
	ehp  *epochheap.Heap
}

func newPool(cfg *config.Config) (*pool, error) {
	if err := os.MkdirAll(cfg.Shelf.Base, 0755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(cfg.Shelf.Base, "nvmmtester-")
	if err != nil {
		return nil, err
	}

	vec, err := epoch.CreateOrOpen(filepath.Join(dir, epoch.EpochVectorShelfName), cfg.Epoch.VectorCapacity)
	if err != nil {
		return nil, err
	}
	mgr, err := epoch.NewManager(vec, epoch.ManagerOptions{
		HeartbeatInterval: microseconds(cfg.Epoch.HeartbeatIntervalUs),
		MonitorInterval:   microseconds(cfg.Epoch.MonitorIntervalUs),
		DebugInterval:     microseconds(cfg.Epoch.DebugIntervalUs),
		Timeout:           microseconds(cfg.Epoch.TimeoutUs),
	})
	if err != nil {
		vec.Close()
		return nil, err
	}

	heap, err := zoneheap.Create(filepath.Join(dir, "zone0"), ptr.NewShelfId(1, 0), cfg.Heap.DefaultSize)
	if err != nil {
		mgr.Close()
		vec.Close()
		return nil, err
	}

	ehp := epochheap.New(heap, mgr, microseconds(cfg.Epoch.MonitorIntervalUs))

	return &pool{dir: dir, cfg: cfg, vec: vec, mgr: mgr, heap: heap, ehp: ehp}, nil
}

func (p *pool) close() {
	p.ehp.Close()
	p.mgr.Close()
	p.vec.Close()
	os.RemoveAll(p.dir)
}
