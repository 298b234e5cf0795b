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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDCLCRWLockExcludesWriterFromReaders(t *testing.T) {
	l := NewDCLCRWLock()
	var inCritical atomic.Int32
	var sawOverlap atomic.Bool

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.RLock()
				inCritical.Add(1)
				time.Sleep(time.Microsecond)
				inCritical.Add(-1)
				l.RUnlock()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			l.Lock()
			if inCritical.Load() != 0 {
				sawOverlap.Store(true)
			}
			l.Unlock()
		}
	}()

	wg.Wait()
	require.False(t, sawOverlap.Load(), "writer must never observe an active reader")
}

func TestDCLCRWLockSerializesWriters(t *testing.T) {
	l := NewDCLCRWLock()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1600, counter)
}
