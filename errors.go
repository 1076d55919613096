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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Link and session errors
var (
	// I2C bus failures, never retried by the transport itself
	ErrTransmit = errors.New("I2C transmit failed")
	ErrReceive  = errors.New("I2C receive failed")

	// Block layer failures
	ErrProtocol      = errors.New("T=1 protocol error")
	ErrChecksum      = errors.New("T=1 checksum mismatch")
	ErrBufferOverrun = errors.New("block length exceeds buffer")
	ErrRCodeReceived = errors.New("R-block received")

	ErrTransportClosed = errors.New("transport is closed")

	// Session layer
	ErrNotEnabled   = errors.New("secure element not enabled")
	ErrEnableFailed = errors.New("secure element enable failed")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Bus identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the caller may retry
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BufferOverrunError reports a block whose LEN does not fit the caller's buffer.
type BufferOverrunError struct {
	Len int
}

func (e *BufferOverrunError) Error() string {
	return fmt.Sprintf("%v: LEN %d", ErrBufferOverrun, e.Len)
}

func (*BufferOverrunError) Unwrap() error {
	return ErrBufferOverrun
}

// RCodeError carries the PCB of an R-block the peer sent instead of the
// expected block. The low bits hold the peer's error code.
type RCodeError struct {
	PCB byte
}

func (e *RCodeError) Error() string {
	return fmt.Sprintf("%v: PCB 0x%02X (N(R)=%d, code %d)", ErrRCodeReceived, e.PCB, e.PCB>>4&1, e.Code())
}

func (*RCodeError) Unwrap() error {
	return ErrRCodeReceived
}

// Code returns the R-block error code: 0 error free, 1 CRC, 2 other.
func (e *RCodeError) Code() byte {
	return e.PCB & 0x03
}

// IsRetryable returns true if the session layer may resync and retry after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	switch {
	case errors.Is(err, ErrChecksum),
		errors.Is(err, ErrRCodeReceived),
		errors.Is(err, ErrTransmit),
		errors.Is(err, ErrReceive):
		return true
	default:
		return false
	}
}

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTransmitError wraps an I2C write failure.
func NewTransmitError(op, port string, cause error) *TransportError {
	return NewTransportError(op, port, fmt.Errorf("%w: %w", ErrTransmit, cause), ErrorTypeTransient)
}

// NewReceiveError wraps an I2C read failure.
func NewReceiveError(op, port string, cause error) *TransportError {
	return NewTransportError(op, port, fmt.Errorf("%w: %w", ErrReceive, cause), ErrorTypeTransient)
}

// NewProtocolError reports an unexpected block structure.
func NewProtocolError(op, port, detail string) *TransportError {
	return NewTransportError(op, port, fmt.Errorf("%w: %s", ErrProtocol, detail), ErrorTypePermanent)
}

// NewChecksumError reports a CRC mismatch.
func NewChecksumError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrChecksum, ErrorTypeTransient)
}

// =============================================================================
// Wire Trace Logging
// =============================================================================
// TraceableError embeds wire-level trace data in errors so callers can see
// the blocks exchanged when an operation fails.

// TraceDirection indicates the direction of wire data
type TraceDirection string

const (
	// TraceTX indicates data sent to the secure element
	TraceTX TraceDirection = "TX"
	// TraceRX indicates data received from the secure element
	TraceRX TraceDirection = "RX"
)

// TraceEntry represents a single wire-level operation
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	hexData := FormatHex(e.Data)
	if e.Note != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData, e.Note)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData)
}

// TraceableError wraps an error with wire-level trace data for debugging.
//
//	var te *token.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("Wire trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err       error
	Transport string
	Port      string
	Trace     []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s:%s] (no trace data)", e.Transport, e.Port)
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s:%s] Wire trace (%d entries):\n", e.Transport, e.Port, len(e.Trace))

	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceRX {
			direction = "<"
		}
		if entry.Note != "" {
			_, _ = fmt.Fprintf(&sb, "  %s %s (%s)\n", direction, FormatHex(entry.Data), entry.Note)
		} else {
			_, _ = fmt.Fprintf(&sb, "  %s %s\n", direction, FormatHex(entry.Data))
		}
	}

	return sb.String()
}

// FormatHex formats a byte slice as space-separated hex values, truncated
// after 32 bytes.
func FormatHex(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	n := min(len(data), 32)
	parts := make([]string, n)
	for i := range n {
		parts[i] = fmt.Sprintf("%02X", data[i])
	}
	if len(data) > n {
		return strings.Join(parts, " ") + fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	return strings.Join(parts, " ")
}

// TraceBuffer collects trace entries during one transport operation.
// It keeps at most maxSize entries, evicting the oldest.
type TraceBuffer struct {
	transport string
	port      string
	entries   []TraceEntry
	maxSize   int
}

// NewTraceBuffer creates a new trace buffer with the specified capacity
func NewTraceBuffer(transport, port string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &TraceBuffer{
		entries:   make([]TraceEntry, 0, maxSize),
		maxSize:   maxSize,
		transport: transport,
		port:      port,
	}
}

// RecordTX records a block sent to the secure element
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.record(TraceTX, data, note)
}

// RecordRX records bytes received from the secure element
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.record(TraceRX, data, note)
}

func (tb *TraceBuffer) record(dir TraceDirection, data []byte, note string) {
	entry := TraceEntry{
		Direction: dir,
		Data:      append([]byte(nil), data...),
		Timestamp: time.Now(),
		Note:      note,
	}

	if len(tb.entries) >= tb.maxSize {
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = entry
	} else {
		tb.entries = append(tb.entries, entry)
	}
}

// Entries returns a copy of the recorded entries.
func (tb *TraceBuffer) Entries() []TraceEntry {
	return append([]TraceEntry(nil), tb.entries...)
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &TraceableError{
		Err:       err,
		Trace:     tb.Entries(),
		Transport: tb.transport,
		Port:      tb.port,
	}
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
