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

//go:build deadlock

// Package syncutil provides the mutex types used across the token core.
// Built with -tags=deadlock they report lock-order inversions and locks held
// longer than the configured timeout.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// Mutex wraps deadlock.Mutex.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex.
type RWMutex struct {
	deadlock.RWMutex
}

// DetectionEnabled reports whether deadlock detection is compiled in.
func DetectionEnabled() bool { return true }

// SetLockTimeout sets how long a lock may be waited on before it is reported
// as a potential deadlock. Zero disables the timeout check.
func SetLockTimeout(d time.Duration) {
	deadlock.Opts.DeadlockTimeout = d
}

// OnPotentialDeadlock replaces the default report action, which exits the
// process. Nil restores it.
func OnPotentialDeadlock(fn func()) {
	if fn == nil {
		fn = defaultOnPotentialDeadlock
	}
	deadlock.Opts.OnPotentialDeadlock = fn
}

var defaultOnPotentialDeadlock = deadlock.Opts.OnPotentialDeadlock
