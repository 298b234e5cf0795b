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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.uber.org/zap"

	"github.com/nvmm-go/nvmm/pkg/config"
	"github.com/nvmm-go/nvmm/pkg/nvmmlog"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initScenarioCmd()
	initRunCmd()
}

var testerCfg = config.Default()

var info = "nvmmtester"
var RootCmd = &cobra.Command{
	Use:          "nvmmtester",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use nvmmtester --help or -h")
	},
}

var defCfgFilePaths = []string{".", "etc/nvmmtester"}
var cfgFileName = "nvmmtester.toml"

// loadConfig decodes nvmmtester.toml straight over config.Default(), the
// same toml.DecodeFile call the teacher's cmd/main/main.go makes over its
// own util.Config. viper then layers NVMMTESTER_-prefixed environment
// overrides on top, for the knobs a deployment wants to flip without
// editing the file (e.g. NVMMTESTER_SHELF_BASE in a container).
func loadConfig() {
	found := false
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if _, err := os.Stat(fpath); err != nil {
			continue
		}
		if _, err := toml.DecodeFile(fpath, testerCfg); err != nil {
			nvmmlog.Warn("toml decode of config file failed", zap.String("fpath", fpath), zap.Error(err))
			continue
		}
		found = true
		break
	}
	if !found {
		nvmmlog.Info("nvmmtester.toml not found, using built-in defaults")
	}
	applyEnvOverrides()
}

func applyEnvOverrides() {
	viper.SetEnvPrefix("nvmmtester")
	viper.AutomaticEnv()
	if v := viper.GetString("shelf_base"); v != "" {
		testerCfg.Shelf.Base = v
	}
	if v := viper.GetInt("debug_level"); v != 0 {
		testerCfg.DebugLevel = v
	}
}

// scenario cmd - drives spec.md section 8's concrete reproductions.

var scenarioID int

var scenarioInfo = "run one or all of spec.md section 8's concrete scenarios"
var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: scenarioInfo,
	Long:  scenarioInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := os.MkdirTemp(testerCfg.Shelf.Base, "scenario-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(base)

		var toRun []scenario
		if scenarioID == 0 {
			toRun = scenarios
		} else {
			for _, s := range scenarios {
				if s.id == scenarioID {
					toRun = []scenario{s}
				}
			}
			if toRun == nil {
				return fmt.Errorf("no such scenario: %d", scenarioID)
			}
		}

		failed := 0
		for _, s := range toRun {
			start := time.Now()
			if err := s.run(base); err != nil {
				failed++
				nvmmlog.Error("scenario failed", zap.Int("id", s.id), zap.String("name", s.name), zap.Error(err))
				fmt.Printf("FAIL scenario %d (%s): %v\n", s.id, s.name, err)
				continue
			}
			fmt.Printf("PASS scenario %d (%s) in %s\n", s.id, s.name, time.Since(start))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d scenarios failed", failed, len(toRun))
		}
		return nil
	},
}

func initScenarioCmd() {
	RootCmd.AddCommand(scenarioCmd)
	scenarioCmd.Flags().IntVar(&scenarioID, "id", 0, "scenario id 1-6, or 0 to run all")
}

// run cmd - wires a live pool (epoch.Manager-backed) and exercises it, the
// closest this harness gets to a long-running participant process.

var runDuration time.Duration

var runInfo = "run a live epoch-backed pool under synthetic load"
var runCmd = &cobra.Command{
	Use:   "run",
	Short: runInfo,
	Long:  runInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPool(testerCfg)
		if err != nil {
			return err
		}
		defer p.close()

		nvmmlog.Info("pool joined", zap.Int("slot", p.mgr.Participant().Slot()))
		deadline := time.Now().Add(runDuration)
		var allocated int
		for time.Now().Before(deadline) {
			p.mgr.EnterCritical()
			gp, err := p.ehp.Alloc(p.mgr, 128)
			p.mgr.ExitCritical()
			if err != nil {
				nvmmlog.Warn("alloc failed under load", zap.Error(err))
				continue
			}
			allocated++
			p.ehp.Free(p.mgr, gp)
			time.Sleep(time.Millisecond)
		}
		stats := p.heap.Stats()
		nvmmlog.Info("run complete",
			zap.Int("allocations", allocated),
			zap.Int("pending_reclaims", p.ehp.PendingCount()),
			zap.Stringer("utilization_pct", stats.UtilizationPercent))
		fmt.Printf("allocations=%d pending=%d utilization=%s%%\n", allocated, p.ehp.PendingCount(), stats.UtilizationPercent)
		return nil
	},
}

func initRunCmd() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().DurationVar(&runDuration, "duration", 2*time.Second, "how long to run synthetic load")
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
