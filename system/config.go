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
	"time"

	"github.com/ZaparooProject/go-token/dispatch"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/ZaparooProject/go-token/se050"
)

// SleepRecoveryConfig configures secure element recovery after the host
// slept. A suspended host may have cut power to the SE050, so its session
// is rebuilt when ticks stop arriving for too long.
type SleepRecoveryConfig struct {
	// Enabled enables sleep detection and recovery attempts
	Enabled bool

	// TimeDiscontinuityThreshold is the minimum elapsed time beyond the expected
	// tick interval that indicates a sleep occurred. Default: 2 seconds
	TimeDiscontinuityThreshold time.Duration

	// MaxRecoveryAttempts is the number of re-enable attempts per recovery.
	// Default: 3
	MaxRecoveryAttempts int

	// RecoveryBackoff is the delay between recovery attempts
	RecoveryBackoff time.Duration
}

// DefaultSleepRecoveryConfig returns sensible defaults for sleep recovery
func DefaultSleepRecoveryConfig() SleepRecoveryConfig {
	return SleepRecoveryConfig{
		Enabled:                    true,
		TimeDiscontinuityThreshold: 2 * time.Second,
		MaxRecoveryAttempts:        3,
		RecoveryBackoff:            500 * time.Millisecond,
	}
}

// DetectSleep checks if the elapsed time since the last tick indicates a system sleep.
// Returns true if elapsed time exceeds (tickInterval + TimeDiscontinuityThreshold).
func (cfg SleepRecoveryConfig) DetectSleep(elapsed, tickInterval time.Duration) bool {
	if !cfg.Enabled {
		return false
	}
	return elapsed > tickInterval+cfg.TimeDiscontinuityThreshold
}

// Config holds everything the system context is built from.
type Config struct {
	// SecureElement is optional; apps that need it must tolerate its absence.
	SecureElement *se050.Device
	// Apps in selection priority order
	Apps       []dispatch.App
	Interfaces []iso7816.Interface
	// TickInterval is the dispatcher tick while APDUs are flowing
	TickInterval time.Duration
	// IdleTickInterval is used once no APDU arrived for IdleAfter
	IdleTickInterval time.Duration
	IdleAfter        time.Duration
	CommandCapacity  int
	ResponseCapacity int
	SleepRecovery    SleepRecoveryConfig
}

// DefaultConfig returns a configuration with both interfaces, no apps and
// no secure element.
func DefaultConfig() *Config {
	return &Config{
		Interfaces:       append([]iso7816.Interface(nil), iso7816.Interfaces...),
		TickInterval:     5 * time.Millisecond,
		IdleTickInterval: 50 * time.Millisecond,
		IdleAfter:        5 * time.Second,
		CommandCapacity:  iso7816.DefaultCommandCapacity,
		ResponseCapacity: iso7816.DefaultResponseCapacity,
		SleepRecovery:    DefaultSleepRecoveryConfig(),
	}
}
