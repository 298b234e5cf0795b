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

// Package nvmmlog is the process-wide logger used by every nvmm package.
// Call sites look like util.Info/util.Error in the rest of this lineage:
// a message plus a handful of zap.Field values.
package nvmmlog

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var gLogger atomic.Pointer[zap.Logger]
var once sync.Once

func logger() *zap.Logger {
	once.Do(func() {
		if gLogger.Load() == nil {
			gLogger.Store(newDefaultLogger())
		}
	})
	return gLogger.Load()
}

func newDefaultLogger() *zap.Logger {
	level := debugLevel()
	cfg := zap.NewProductionConfig()
	if level > 0 {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	l, err := cfg.Build()
	if err != nil {
		// last resort: never let logger construction take the process down.
		return zap.NewNop()
	}
	return l
}

func debugLevel() int {
	v, err := strconv.Atoi(os.Getenv("NVMM_DEBUG_LEVEL"))
	if err != nil {
		return 0
	}
	return v
}

// SetLogger overrides the process-wide logger. Used by tests that want to
// assert on log output, or by a host process that already owns a *zap.Logger.
func SetLogger(l *zap.Logger) {
	gLogger.Store(l)
}

func Debug(msg string, fields ...zap.Field) {
	logger().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger().Error(msg, fields...)
}

func Sync() error {
	return logger().Sync()
}
