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

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ZaparooProject/go-token/apps"
	"github.com/ZaparooProject/go-token/iso7816"
)

// writeChunk is the data carried by one chained write link.
const writeChunk = iso7816.MaxShortLc

// stressFiles is how many file names a run rotates through, so the store
// does not fill up on long runs.
const stressFiles = 4

// StressTestResult holds the outcome of a stress run.
type StressTestResult struct {
	CrashFile string
	Passed    int
	Failed    int
	Duration  time.Duration
}

// CrashReport contains all information for debugging a failure.
type CrashReport struct {
	Timestamp    time.Time  `json:"timestamp"`
	Reader       string     `json:"reader"`
	File         string     `json:"file"`
	Operation    string     `json:"operation"`
	Error        string     `json:"error"`
	ExpectedHex  string     `json:"expected_hex,omitempty"`
	ActualHex    string     `json:"actual_hex,omitempty"`
	TestSize     string     `json:"test_size"`
	OperationLog []LogEntry `json:"operation_log"`
	ExpectedSize int        `json:"expected_size"`
	ActualSize   int        `json:"actual_size,omitempty"`
}

// LogEntry represents a single operation in the log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	DataHex   string    `json:"data_hex,omitempty"`
	Error     string    `json:"error,omitempty"`
	Success   bool      `json:"success"`
}

type testSize int

const (
	sizeSingleLink testSize = iota
	sizeChained
	sizeLarge
)

func (s testSize) String() string {
	switch s {
	case sizeSingleLink:
		return "single-link"
	case sizeChained:
		return "chained"
	case sizeLarge:
		return "large"
	default:
		return fmt.Sprintf("testSize(%d)", int(s))
	}
}

// bounds returns the payload length range for s, capped at maxBytes.
func (s testSize) bounds(maxBytes int) (low, high int) {
	switch s {
	case sizeSingleLink:
		low, high = 1, writeChunk
	case sizeChained:
		low, high = writeChunk+1, 4*writeChunk
	default:
		low, high = 4*writeChunk+1, maxBytes
	}
	high = min(high, maxBytes)
	low = min(low, high)
	return low, high
}

type stressRun struct {
	sess     *session
	out      io.Writer
	reader   string
	crashDir string
	opLog    []LogEntry
	maxBytes int
}

func (r *stressRun) log(op string, data []byte, err error) {
	entry := LogEntry{Timestamp: time.Now(), Operation: op, Success: err == nil}
	if len(data) > 0 {
		entry.DataHex = hex.EncodeToString(data[:min(len(data), 64)])
	}
	if err != nil {
		entry.Error = err.Error()
	}
	r.opLog = append(r.opLog, entry)
}

// runStressTest writes and reads back iterations files of varying size
// through the Provisioner and reports every mismatch.
func runStressTest(ctx context.Context, r *stressRun, iterations int) (*StressTestResult, error) {
	start := time.Now()
	result := &StressTestResult{}

	_, err := r.sess.selectApp(ctx, apps.ProvisionerAID)
	r.log("select provisioner", nil, err)
	if err != nil {
		return nil, fmt.Errorf("failed to select provisioner: %w", err)
	}

	for i := range iterations {
		if ctx.Err() != nil {
			break
		}
		size := testSize(i % 3)
		name := fmt.Sprintf("stress/%d", i%stressFiles)
		r.opLog = r.opLog[:0]

		if err := r.roundTrip(ctx, name, size); err != nil {
			result.Failed++
			_, _ = fmt.Fprintf(r.out, "  FAIL %s (%s): %v\n", name, size, err)
			var fail *roundTripError
			if errors.As(err, &fail) && result.CrashFile == "" {
				if path, werr := r.writeCrashReport(fail, size); werr == nil {
					result.CrashFile = path
				}
			}
			continue
		}
		result.Passed++
	}

	result.Duration = time.Since(start)
	return result, nil
}

type roundTripError struct {
	err       error
	file      string
	operation string
	expected  []byte
	actual    []byte
}

func (e *roundTripError) Error() string { return fmt.Sprintf("%s: %v", e.operation, e.err) }
func (e *roundTripError) Unwrap() error { return e.err }

func (r *stressRun) roundTrip(ctx context.Context, name string, size testSize) error {
	payload, err := randomPayload(size.bounds(r.maxBytes))
	if err != nil {
		return err
	}

	_, err = r.sess.call(ctx, iso7816.Command{Instruction: apps.InsProvSelectFile, Data: []byte(name)})
	r.log("select "+name, nil, err)
	if err != nil {
		return &roundTripError{err: err, file: name, operation: "select", expected: payload}
	}

	_, err = r.sess.callChained(ctx, iso7816.Command{Instruction: apps.InsProvWriteFile, Data: payload}, writeChunk)
	r.log("write", payload, err)
	if err != nil {
		return &roundTripError{err: err, file: name, operation: "write", expected: payload}
	}

	got, err := r.sess.call(ctx, iso7816.Command{Instruction: apps.InsProvReadFile, Le: iso7816.MaxExtendedLe})
	r.log("read", got, err)
	if err != nil {
		return &roundTripError{err: err, file: name, operation: "read", expected: payload}
	}
	if string(got) != string(payload) {
		return &roundTripError{
			err:       fmt.Errorf("read %d bytes, wrote %d", len(got), len(payload)),
			file:      name,
			operation: "verify",
			expected:  payload,
			actual:    got,
		}
	}
	return nil
}

func randomPayload(low, high int) ([]byte, error) {
	n := low
	if high > low {
		k, err := rand.Int(rand.Reader, big.NewInt(int64(high-low+1)))
		if err != nil {
			return nil, fmt.Errorf("failed to pick size: %w", err)
		}
		n += int(k.Int64())
	}
	payload := make([]byte, n)
	if _, err := rand.Read(payload); err != nil {
		return nil, fmt.Errorf("failed to generate payload: %w", err)
	}
	return payload, nil
}

func (r *stressRun) writeCrashReport(fail *roundTripError, size testSize) (string, error) {
	report := &CrashReport{
		Timestamp:    time.Now(),
		Reader:       r.reader,
		File:         fail.file,
		Operation:    fail.operation,
		Error:        fail.err.Error(),
		ExpectedHex:  hex.EncodeToString(fail.expected),
		ActualHex:    hex.EncodeToString(fail.actual),
		TestSize:     size.String(),
		OperationLog: append([]LogEntry(nil), r.opLog...),
		ExpectedSize: len(fail.expected),
		ActualSize:   len(fail.actual),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal crash report: %w", err)
	}
	filename := fmt.Sprintf("stress_test_crash_%s.json", report.Timestamp.Format("20060102_150405"))
	path := filepath.Join(r.crashDir, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write crash report: %w", err)
	}
	return path, nil
}

func printStressSummary(out io.Writer, result *StressTestResult) {
	_, _ = fmt.Fprintln(out, "\n=== Stress Test Summary ===")
	_, _ = fmt.Fprintf(out, "Passed: %d  Failed: %d  Duration: %v\n",
		result.Passed, result.Failed, result.Duration.Round(time.Millisecond))
	if result.CrashFile != "" {
		_, _ = fmt.Fprintf(out, "Crash report: %s\n", result.CrashFile)
	}
}
