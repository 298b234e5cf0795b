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

// Package config holds the nvmm-wide configuration loaded by cmd/nvmmtester.
// It mirrors NVM_SHELF_BASE and NVMM_DEBUG_LEVEL from the environment as
// defaults, overridable by an nvmmtester.toml file and by NVMMTESTER_-prefixed
// environment variables.
package config

import (
	"os"
	"strconv"

	"github.com/huandu/go-clone"
)

type ShelfConfig struct {
	Base string `toml:"base"`
}

type HeapConfig struct {
	MinObjSize   uint64 `toml:"minObjSize"`
	DefaultSize  uint64 `toml:"defaultSize"`
}

type EpochConfig struct {
	HeartbeatIntervalUs uint64 `toml:"heartbeatIntervalUs"`
	MonitorIntervalUs   uint64 `toml:"monitorIntervalUs"`
	DebugIntervalUs     uint64 `toml:"debugIntervalUs"`
	TimeoutUs           uint64 `toml:"timeoutUs"`
	VectorCapacity      int    `toml:"vectorCapacity"`
}

type Config struct {
	Shelf      ShelfConfig `toml:"shelf"`
	Heap       HeapConfig  `toml:"heap"`
	Epoch      EpochConfig `toml:"epoch"`
	DebugLevel int         `toml:"debugLevel"`
}

// Default mirrors the environment (NVM_SHELF_BASE, NVMM_DEBUG_LEVEL) and the
// constants named in spec.md section 4.F/4.G before any nvmmtester.toml or
// environment override is applied.
func Default() *Config {
	base := os.Getenv("NVM_SHELF_BASE")
	if base == "" {
		base = "/dev/shm/nvmm"
	}
	level := 0
	if v, err := strconv.Atoi(os.Getenv("NVMM_DEBUG_LEVEL")); err == nil {
		level = v
	}
	return &Config{
		Shelf: ShelfConfig{Base: base},
		Heap: HeapConfig{
			MinObjSize:  64,
			DefaultSize: 128 << 20,
		},
		Epoch: EpochConfig{
			HeartbeatIntervalUs: 1000,
			MonitorIntervalUs:   1000,
			DebugIntervalUs:     1_000_000,
			TimeoutUs:           1_000_000,
			VectorCapacity:      256,
		},
		DebugLevel: level,
	}
}

// Clone returns a deep copy, so a heap or epoch manager constructor can be
// handed its own configuration without aliasing the caller's.
func (c *Config) Clone() *Config {
	return clone.Clone(c).(*Config)
}
