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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZaparooProject/go-token/apps"
	"github.com/ZaparooProject/go-token/dispatch"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecoverer struct {
	err   error
	calls atomic.Int32
}

func (f *fakeRecoverer) AttemptRecovery(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func newAdminSystem(t *testing.T) *System {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond
	cfg.Apps = []dispatch.App{apps.NewAdmin([16]byte{}, 0x01020304)}
	sys, err := New(cfg)
	require.NoError(t, err)
	return sys
}

func TestRunner_ServesAPDUs(t *testing.T) {
	t.Parallel()

	sys := newAdminSystem(t)
	var raised atomic.Int32
	r := NewRunner(sys, nil, RunnerCallbacks{
		OnResponse: func(iface iso7816.Interface) {
			if iface == iso7816.Contactless {
				raised.Add(1)
			}
		},
	})
	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Stop(context.Background()) }()

	ch := sys.Channel(iso7816.Contactless)
	selectAdmin := append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(apps.AdminAID))}, apps.AdminAID...)
	require.NoError(t, ch.Request(selectAdmin))

	var rsp []byte
	require.Eventually(t, func() bool {
		var ok bool
		rsp, ok = ch.TakeResponse()
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, []byte{0x90, 0x00}, rsp)

	require.NoError(t, ch.Request([]byte{0x80, 0x61, 0x00, 0x00}))
	require.Eventually(t, func() bool {
		var ok bool
		rsp, ok = ch.TakeResponse()
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x90, 0x00}, rsp)

	assert.Equal(t, int32(2), raised.Load())
	m := r.GetMetrics()
	assert.Equal(t, int64(2), m.Responses)
	assert.Positive(t, m.Ticks)
}

func TestRunner_StartStop(t *testing.T) {
	t.Parallel()

	sys := newAdminSystem(t)
	r := NewRunner(sys, nil, RunnerCallbacks{})

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()), "second start is a no-op")
	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()), "stop when stopped")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()
	require.NoError(t, r.Stop(context.Background()))

	// A restart after a cancelled run keeps ticking.
	require.NoError(t, r.Start(context.Background()))
	before := r.GetMetrics().Ticks
	require.Eventually(t, func() bool { return r.GetMetrics().Ticks > before+2 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))
}

func TestRunner_AdaptiveInterval(t *testing.T) {
	t.Parallel()

	sys := newAdminSystem(t)
	sys.config.IdleAfter = 20 * time.Millisecond
	sys.config.IdleTickInterval = 40 * time.Millisecond
	r := NewRunner(sys, nil, RunnerCallbacks{})
	assert.Equal(t, time.Millisecond, r.GetCurrentTickInterval())

	time.Sleep(30 * time.Millisecond)
	r.adjustTickInterval()
	assert.Equal(t, 40*time.Millisecond, r.GetCurrentTickInterval(), "idle")

	require.NoError(t, sys.Channel(iso7816.Contact).Request([]byte{0x80, 0x61, 0x00, 0x00}))
	r.Tick(context.Background())
	r.adjustTickInterval()
	assert.Equal(t, time.Millisecond, r.GetCurrentTickInterval(), "traffic")
}

func TestRunner_SleepRecovery(t *testing.T) {
	t.Parallel()

	sys := newAdminSystem(t)
	sys.config.SleepRecovery.TimeDiscontinuityThreshold = 20 * time.Millisecond
	rec := &fakeRecoverer{}
	var outcomes []error
	r := NewRunner(sys, rec, RunnerCallbacks{OnRecovery: func(err error) { outcomes = append(outcomes, err) }})

	r.Tick(context.Background())
	assert.Equal(t, int32(0), rec.calls.Load(), "no gap")

	atomic.StoreInt64(&r.lastTick, time.Now().Add(-time.Second).UnixNano())
	r.Tick(context.Background())
	assert.Equal(t, int32(1), rec.calls.Load())

	rec.err = errors.New("still dead")
	atomic.StoreInt64(&r.lastTick, time.Now().Add(-time.Second).UnixNano())
	r.Tick(context.Background())

	m := r.GetMetrics()
	assert.Equal(t, int64(2), m.Recoveries)
	assert.Equal(t, int64(1), m.RecoveryErrors)
	require.Len(t, outcomes, 2)
	require.NoError(t, outcomes[0])
	require.Error(t, outcomes[1])
}
