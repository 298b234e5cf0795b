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

// Command nvmmctl is the operator-facing counterpart to cmd/nvmmtester: it
// formats and inspects a single zone heap shelf without spinning up an
// epoch manager or any synthetic load, the way a DBA reaches for a
// dedicated inspection tool rather than the query-serving binary itself.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/nvmm-go/nvmm/pkg/ptr"
	"github.com/nvmm-go/nvmm/pkg/zoneheap"
)

func init() {
	initCreateCmd()
	initInspectCmd()
	initAllocCmd()
	initFreeCmd()
}

var info = "nvmmctl"
var RootCmd = &cobra.Command{
	Use:          "nvmmctl",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use nvmmctl --help or -h")
	},
}

var (
	shelfPath  string
	poolID     uint8
	shelfIndex uint8
)

func addShelfFlags(c *cobra.Command) {
	c.Flags().StringVar(&shelfPath, "path", "", "shelf file path")
	c.Flags().Uint8Var(&poolID, "pool", 1, "pool id component of the shelf id")
	c.Flags().Uint8Var(&shelfIndex, "shelf", 0, "shelf index component of the shelf id")
	c.MarkFlagRequired("path")
}

func shelfID() ptr.ShelfId {
	return ptr.NewShelfId(poolID, shelfIndex)
}

// create cmd

var createSize uint64

var createInfo = "format a new zone heap shelf"
var createCmd = &cobra.Command{
	Use:   "create",
	Short: createInfo,
	Long:  createInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := zoneheap.Create(shelfPath, shelfID(), createSize)
		if err != nil {
			return err
		}
		defer h.Close()
		fmt.Printf("created %s: %d bytes usable\n", shelfPath, h.Stats().UsableBytes)
		return nil
	},
}

func initCreateCmd() {
	RootCmd.AddCommand(createCmd)
	addShelfFlags(createCmd)
	createCmd.Flags().Uint64Var(&createSize, "size", 128<<20, "requested usable size in bytes, rounded down to a power of two")
}

// inspect cmd

var inspectInfo = "render a zone heap's levels and free-list occupancy as a tree"
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: inspectInfo,
	Long:  inspectInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := zoneheap.Open(shelfPath, shelfID())
		if err != nil {
			return err
		}
		defer h.Close()

		stats := h.Stats()
		tree := treeprint.New()
		tree.SetValue(fmt.Sprintf("%s (usable=%d free=%d used=%d dirty=%v util=%s%%)",
			shelfPath, stats.UsableBytes, stats.FreeBytes, stats.UsedBytes, stats.Dirty, stats.UtilizationPercent))

		for _, lvl := range stats.Levels {
			tree.AddNode(fmt.Sprintf("level %d: chunk=%dB free_chunks=%d", lvl.Level, lvl.ChunkBytes, lvl.FreeChunks))
		}
		fmt.Println(tree.String())
		return nil
	},
}

func initInspectCmd() {
	RootCmd.AddCommand(inspectCmd)
	addShelfFlags(inspectCmd)
}

// alloc cmd - mainly for manual poking at a shelf from a shell.

var allocBytes uint64

var allocInfo = "allocate one chunk and print its GlobalPtr"
var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: allocInfo,
	Long:  allocInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := zoneheap.Open(shelfPath, shelfID())
		if err != nil {
			return err
		}
		defer h.Close()

		p, err := h.Alloc(allocBytes)
		if err != nil {
			return err
		}
		fmt.Println(p.String())
		return nil
	},
}

func initAllocCmd() {
	RootCmd.AddCommand(allocCmd)
	addShelfFlags(allocCmd)
	allocCmd.Flags().Uint64Var(&allocBytes, "bytes", 64, "requested allocation size")
}

// free cmd

var freePtr uint64

var freeInfo = "free a GlobalPtr (as its raw uint64 form) back to the heap"
var freeCmd = &cobra.Command{
	Use:   "free",
	Short: freeInfo,
	Long:  freeInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := zoneheap.Open(shelfPath, shelfID())
		if err != nil {
			return err
		}
		defer h.Close()
		return h.Free(ptr.FromU64(freePtr))
	},
}

func initFreeCmd() {
	RootCmd.AddCommand(freeCmd)
	addShelfFlags(freeCmd)
	freeCmd.Flags().Uint64Var(&freePtr, "ptr", 0, "GlobalPtr to free, as its uint64 encoding")
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
