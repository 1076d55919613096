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

package token

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// Session retry defaults. A failed exchange is retried once after a resync;
// anything beyond that points at a wedged chip that needs a power cycle.
const (
	DefaultSessionAttempts    = 2
	SessionInitialBackoff     = 5 * time.Millisecond
	SessionMaxBackoff         = 100 * time.Millisecond
	SessionBackoffMultiplier  = 2.0
	SessionJitter             = 0.1
	SessionRetryTimeout       = 5 * time.Second
	DefaultPowerSettleDelay   = 10 * time.Millisecond
	DefaultBlockWaitingTime   = time.Second
	DefaultHeaderPollInterval = time.Millisecond
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// OnRetry runs before every attempt after the first. An error from it
	// ends the retry loop.
	OnRetry func(ctx context.Context, attempt int, lastErr error) error
	// MaxAttempts is the maximum number of attempts (0 = no retry)
	MaxAttempts int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff increases
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to avoid lockstep retries
	Jitter float64
	// RetryTimeout is the overall timeout for all retry attempts
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns the session-layer retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       DefaultSessionAttempts,
		InitialBackoff:    SessionInitialBackoff,
		MaxBackoff:        SessionMaxBackoff,
		BackoffMultiplier: SessionBackoffMultiplier,
		Jitter:            SessionJitter,
		RetryTimeout:      SessionRetryTimeout,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// RetryWithConfig runs fn until it succeeds, returns a non-retryable error,
// or the attempts run out. Only errors for which IsRetryable is true are retried.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	if config.MaxAttempts <= 1 {
		return fn(ctx)
	}

	retryCtx := ctx
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		retryCtx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}
	return executeWithRetry(retryCtx, config, fn)
}

func executeWithRetry(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := range config.MaxAttempts {
		if err := checkContextCancellation(ctx, lastErr); err != nil {
			return err
		}

		if attempt > 0 && config.OnRetry != nil {
			if err := config.OnRetry(ctx, attempt, lastErr); err != nil {
				return fmt.Errorf("retry hook after %w: %w", lastErr, err)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		Debugf("attempt %d/%d failed: %v", attempt+1, config.MaxAttempts, err)

		if attempt < config.MaxAttempts-1 {
			if err := sleepWithContext(ctx, calculateJitteredSleep(backoff, config.Jitter), lastErr); err != nil {
				return err
			}
			backoff = calculateNextBackoff(backoff, config)
		}
	}

	return lastErr
}

func checkContextCancellation(ctx context.Context, lastErr error) error {
	select {
	case <-ctx.Done():
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("retry context cancelled: %w", ctx.Err())
	default:
		return nil
	}
}

func sleepWithContext(ctx context.Context, sleep time.Duration, lastErr error) error {
	timer := time.NewTimer(sleep)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return lastErr
	case <-timer.C:
		return nil
	}
}

func calculateNextBackoff(backoff time.Duration, config *RetryConfig) time.Duration {
	next := time.Duration(float64(backoff) * config.BackoffMultiplier)
	if next > config.MaxBackoff {
		return config.MaxBackoff
	}
	return next
}

// calculateJitteredSleep adds up to jitterFactor*baseSleep of random delay
func calculateJitteredSleep(baseSleep time.Duration, jitterFactor float64) time.Duration {
	sleep := baseSleep
	if jitterFactor > 0 {
		var randBytes [8]byte
		if _, err := rand.Read(randBytes[:]); err == nil {
			randFloat := float64(binary.LittleEndian.Uint64(randBytes[:])) / float64(1<<64)
			sleep += time.Duration(randFloat * float64(sleep) * jitterFactor)
		}
	}
	return sleep
}
