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
	"fmt"
	"time"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/internal/syncutil"
	"github.com/ZaparooProject/go-token/se050"
)

// Recoverer restores the secure element session after it was lost.
type Recoverer interface {
	// AttemptRecovery returns nil once the session works again.
	AttemptRecovery(ctx context.Context) error
}

// DefaultRecoverer re-enables the SE050: the session is torn down (ending
// the APDU session and cutting power) and enabled again, with backoff
// between attempts.
type DefaultRecoverer struct {
	device      *se050.Device
	backoff     time.Duration
	maxAttempts int
	mu          syncutil.Mutex
}

// NewDefaultRecoverer creates a recoverer for device. Non-positive backoff
// or maxAttempts select 500ms and 3.
func NewDefaultRecoverer(device *se050.Device, backoff time.Duration, maxAttempts int) *DefaultRecoverer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &DefaultRecoverer{
		device:      device,
		backoff:     backoff,
		maxAttempts: maxAttempts,
	}
}

// AttemptRecovery implements Recoverer
func (r *DefaultRecoverer) AttemptRecovery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for attempt := range r.maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff):
			}
		}

		if err := r.device.Disable(ctx); err != nil {
			token.Debugf("recovery: disable: %v", err)
		}
		err := r.device.Enable(ctx)
		if err == nil {
			token.Debugf("recovery: secure element back after %d attempt(s)", attempt+1)
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("secure element not recovered after %d attempts: %w", r.maxAttempts, lastErr)
}
