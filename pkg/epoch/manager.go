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
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/nvmm-go/nvmm/pkg/nvmmlog"
)

// FailureCallback is invoked if the monitor goroutine detects the global
// frontier has stopped advancing for longer than the manager's timeout
// (TimeoutUs unless ManagerOptions.Timeout says otherwise), which almost
// always means some participant crashed mid-critical region and a later Join
// hasn't yet reclaimed its slot. While the stall lasts it fires again after
// each further timeout.
type FailureCallback func(stalledFrontier uint64, stalledFor time.Duration)

// Manager is the per-process driver of one EpochVector: it joins on
// construction, runs a heartbeat goroutine and a monitor goroutine, and
// exposes the critical-region API (EnterCritical/ExitCritical/AdvanceLocal)
// that application code brackets its memory-pointer-chasing accesses with.
//
// This is component F of the design, grounded on the teacher's worker-loop
// shape in cmd/tester/main.go (spawn goroutines, poll an atomic "terminate"
// flag, join on shutdown) and on golang.org/x/sync/errgroup for lifecycle
// management of the pair of background goroutines.
type Manager struct {
	vec  *Vector
	part *Participant
	lock *DCLCRWLock

	heartbeatInterval time.Duration
	monitorInterval   time.Duration
	debugInterval     time.Duration
	timeout           time.Duration

	localEpoch atomic.Uint64

	criticalMu     sync.Mutex
	activeCritical int

	onFailure FailureCallback

	cancel context.CancelFunc
	group  *errgroup.Group
}

// ManagerOptions configures the background worker cadence. Zero-value
// fields fall back to the defaults named in spec.md section 4.F.
type ManagerOptions struct {
	HeartbeatInterval time.Duration
	MonitorInterval   time.Duration
	DebugInterval     time.Duration
	Timeout           time.Duration
	OnFailure         FailureCallback
}

// NewManager joins vec under the calling process's pid and starts the
// heartbeat and monitor goroutines. Call Close to Leave and stop them.
func NewManager(vec *Vector, opts ManagerOptions) (*Manager, error) {
	part, err := vec.Join(uint32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		vec:               vec,
		part:              part,
		lock:              NewDCLCRWLock(),
		heartbeatInterval: orDefault(opts.HeartbeatInterval, time.Millisecond),
		monitorInterval:   orDefault(opts.MonitorInterval, time.Millisecond),
		debugInterval:     orDefault(opts.DebugInterval, time.Second),
		timeout:           orDefault(opts.Timeout, time.Duration(TimeoutUs)*time.Microsecond),
		onFailure:         opts.OnFailure,
	}
	m.localEpoch.Store(vec.Frontier())

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	m.cancel = cancel
	m.group = group

	group.Go(func() error { return m.heartbeatLoop(gctx) })
	group.Go(func() error { return m.monitorLoop(gctx) })

	nvmmlog.Info("epoch manager joined", zap.Int("slot", part.Slot()), zap.Uint32("pid", part.Pid()))
	return m, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Close stops the background goroutines and leaves the vector. Idempotent
// the way Vector.Leave is idempotent.
func (m *Manager) Close() error {
	m.cancel()
	_ = m.group.Wait()
	m.vec.Leave(m.part)
	return nil
}

func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.vec.Heartbeat(m.part)
			m.vec.ReportLocalEpoch(m.part, m.localEpoch.Load())
		}
	}
}

func (m *Manager) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()
	debugTicker := time.NewTicker(m.debugInterval)
	defer debugTicker.Stop()

	lastAdvance := time.Now()
	lastFrontier := m.vec.Frontier()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.AdvanceLocal()
			after := m.vec.AdvanceFrontier()
			if after != lastFrontier {
				lastAdvance = time.Now()
				lastFrontier = after
				continue
			}
			if time.Since(lastAdvance) > m.timeout && m.onFailure != nil {
				m.onFailure(after, time.Since(lastAdvance))
				lastAdvance = time.Now() // avoid repeat-firing every tick
			}
		case <-debugTicker.C:
			minEpoch, frontier := m.vec.SnapshotMin()
			nvmmlog.Debug("epoch progress", zap.Uint64("frontier", frontier), zap.Uint64("min_local_epoch", minEpoch))
		}
	}
}

// EnterCritical marks the beginning of a region in which the caller may
// hold onto pointers resolved against the current epoch. It takes a
// read-hold on the local epoch lock, then bumps an active-critical counter
// under criticalMu; the first entry into an otherwise-idle process snapshots
// the current frontier into the local epoch and reports it, so a process
// that has been quiescent doesn't report a stale epoch once it resumes
// touching memory. AdvanceFrontier bumps the frontier only while every live
// participant's reported epoch is at least frontier-1, so the epoch reported
// here keeps the frontier within two epochs of it until the region exits.
func (m *Manager) EnterCritical() {
	m.lock.RLock()
	m.criticalMu.Lock()
	m.activeCritical++
	first := m.activeCritical == 1
	m.criticalMu.Unlock()
	if first {
		epoch := m.vec.Frontier()
		m.localEpoch.Store(epoch)
		m.vec.ReportLocalEpoch(m.part, epoch)
	}
}

// ExitCritical ends a critical region begun by EnterCritical.
func (m *Manager) ExitCritical() {
	m.criticalMu.Lock()
	m.activeCritical--
	m.criticalMu.Unlock()
	m.lock.RUnlock()
}

// AdvanceLocal takes the write side of the DCLCRWLock, which waits for
// every active EnterCritical reader to exit, then re-reads the frontier
// and reports it as this participant's local epoch. The monitor calls this
// before each AdvanceFrontier attempt, guaranteeing the reported epoch
// precedes any critical region that starts after the write-hold is
// released. Returns the reported epoch.
func (m *Manager) AdvanceLocal() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	epoch := m.vec.Frontier()
	m.localEpoch.Store(epoch)
	m.vec.ReportLocalEpoch(m.part, epoch)
	return epoch
}

// LocalEpoch returns this participant's last-reported epoch.
func (m *Manager) LocalEpoch() uint64 {
	return m.localEpoch.Load()
}

// ReportedEpoch satisfies epochheap.EpochOp: the epoch a delayed Free
// through this manager should be queued under.
func (m *Manager) ReportedEpoch() uint64 {
	return m.LocalEpoch()
}

// Frontier returns the vector's current global frontier.
func (m *Manager) Frontier() uint64 {
	return m.vec.Frontier()
}

// Participant exposes the underlying vector slot, mainly for tests.
func (m *Manager) Participant() *Participant {
	return m.part
}
