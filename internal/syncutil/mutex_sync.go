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

//go:build !deadlock

// Package syncutil provides the mutex types used across the token core.
// Built with -tags=deadlock they report lock-order inversions and locks held
// longer than the configured timeout.
package syncutil

import (
	"sync"
	"time"
)

// Mutex wraps sync.Mutex. Build with -tags=deadlock for deadlock detection.
//
//nolint:gocritic // Intentionally embedding sync.Mutex to expose its interface
type Mutex struct {
	sync.Mutex
}

// RWMutex wraps sync.RWMutex. Build with -tags=deadlock for deadlock detection.
//
//nolint:gocritic // Intentionally embedding sync.RWMutex to expose its interface
type RWMutex struct {
	sync.RWMutex
}

// DetectionEnabled reports whether deadlock detection is compiled in.
func DetectionEnabled() bool { return false }

// SetLockTimeout is a no-op without the deadlock build tag.
func SetLockTimeout(time.Duration) {}

// OnPotentialDeadlock is a no-op without the deadlock build tag.
func OnPotentialDeadlock(func()) {}
