// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package system

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/iso7816"
)

// RunnerCallbacks defines callback functions for runner events
type RunnerCallbacks struct {
	// OnResponse runs on the tick goroutine after iface got a response;
	// host links use it as their wake-up signal.
	OnResponse func(iface iso7816.Interface)
	// OnRecovery reports the outcome of a sleep recovery.
	OnRecovery func(err error)
}

// RunnerMetrics tracks operational metrics for Runner
type RunnerMetrics struct {
	Ticks           int64         // Total number of dispatcher ticks
	Responses       int64         // Number of responses produced
	Recoveries      int64         // Number of sleep recoveries attempted
	RecoveryErrors  int64         // Number of failed recoveries
	LastTickLatency time.Duration // Duration of the last tick
}

// Runner drives the dispatcher from a ticker goroutine. Each tick polls
// every interface once and never blocks on a host link.
type Runner struct {
	system    *System
	recoverer Recoverer
	callbacks RunnerCallbacks
	stopChan  chan struct{}
	wg        sync.WaitGroup
	// Atomic counters for metrics
	ticks           int64
	responses       int64
	recoveries      int64
	recoveryErrors  int64
	lastTickLatency int64 // in nanoseconds
	// Adaptive tick state
	currentInterval int64 // in nanoseconds
	lastActivity    int64 // UnixNano of the last response
	lastTick        int64 // UnixNano of the last tick
	running         int64 // 0 = stopped, 1 = running
}

// NewRunner creates a runner for sys. recoverer may be nil, which disables
// sleep recovery.
func NewRunner(sys *System, recoverer Recoverer, callbacks RunnerCallbacks) *Runner {
	now := time.Now().UnixNano()
	return &Runner{
		system:          sys,
		recoverer:       recoverer,
		callbacks:       callbacks,
		stopChan:        make(chan struct{}, 1), // Buffered to prevent deadlock in Stop()
		currentInterval: sys.config.TickInterval.Nanoseconds(),
		lastActivity:    now,
		lastTick:        now,
	}
}

// Start launches the tick goroutine. Starting a running runner is a no-op.
func (r *Runner) Start(ctx context.Context) error {
	if atomic.CompareAndSwapInt64(&r.running, 0, 1) {
		// Drop a stop signal left over from a loop that exited on ctx.
		select {
		case <-r.stopChan:
		default:
		}
		r.wg.Add(1)
		go r.tickLoop(ctx)
	}
	return nil
}

func (r *Runner) tickLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.system.config.TickInterval)
	defer func() {
		ticker.Stop()
		atomic.StoreInt64(&r.running, 0)
	}()

	r.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			r.Tick(ctx)
			r.adjustTickInterval()
			ticker.Reset(time.Duration(atomic.LoadInt64(&r.currentInterval)))
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick polls every interface once. It is exported for callers that drive
// the dispatcher from their own loop instead of Start.
func (r *Runner) Tick(ctx context.Context) {
	start := time.Now()
	last := time.Unix(0, atomic.SwapInt64(&r.lastTick, start.UnixNano()))
	r.checkSleep(ctx, start.Sub(last))

	for _, iface := range r.system.interfaces {
		if !r.system.dispatcher.Poll(iface) {
			continue
		}
		atomic.AddInt64(&r.responses, 1)
		atomic.StoreInt64(&r.lastActivity, start.UnixNano())
		if r.callbacks.OnResponse != nil {
			r.callbacks.OnResponse(iface)
		}
	}

	atomic.AddInt64(&r.ticks, 1)
	atomic.StoreInt64(&r.lastTickLatency, time.Since(start).Nanoseconds())
}

// checkSleep rebuilds the secure element session when the gap since the
// previous tick says the host was suspended.
func (r *Runner) checkSleep(ctx context.Context, elapsed time.Duration) {
	interval := time.Duration(atomic.LoadInt64(&r.currentInterval))
	if r.recoverer == nil || !r.system.config.SleepRecovery.DetectSleep(elapsed, interval) {
		return
	}
	token.Debugf("runner: %v since last tick, recovering secure element", elapsed)
	atomic.AddInt64(&r.recoveries, 1)

	err := r.recoverer.AttemptRecovery(ctx)
	if err != nil {
		atomic.AddInt64(&r.recoveryErrors, 1)
		token.Warnf("sleep recovery failed: %v", err)
	}
	if r.callbacks.OnRecovery != nil {
		r.callbacks.OnRecovery(err)
	}
	// Recovery time is not a second sleep.
	atomic.StoreInt64(&r.lastTick, time.Now().UnixNano())
}

// adjustTickInterval slows the tick down once the interfaces went quiet.
func (r *Runner) adjustTickInterval() {
	cfg := r.system.config
	idle := time.Since(time.Unix(0, atomic.LoadInt64(&r.lastActivity)))

	interval := cfg.TickInterval
	if cfg.IdleAfter > 0 && idle > cfg.IdleAfter && cfg.IdleTickInterval > interval {
		interval = cfg.IdleTickInterval
	}
	atomic.StoreInt64(&r.currentInterval, interval.Nanoseconds())
}

// Stop stops the runner and waits for the tick goroutine to exit
func (r *Runner) Stop(_ context.Context) error {
	select {
	case r.stopChan <- struct{}{}:
	default:
	}
	r.wg.Wait()
	return nil
}

// GetMetrics returns current operational metrics
func (r *Runner) GetMetrics() RunnerMetrics {
	return RunnerMetrics{
		Ticks:           atomic.LoadInt64(&r.ticks),
		Responses:       atomic.LoadInt64(&r.responses),
		Recoveries:      atomic.LoadInt64(&r.recoveries),
		RecoveryErrors:  atomic.LoadInt64(&r.recoveryErrors),
		LastTickLatency: time.Duration(atomic.LoadInt64(&r.lastTickLatency)),
	}
}

// GetCurrentTickInterval returns the current adaptive tick interval
func (r *Runner) GetCurrentTickInterval() time.Duration {
	return time.Duration(atomic.LoadInt64(&r.currentInterval))
}
