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
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// T1 is an ISO/IEC 7816-3 T=1 block link to a secure element.
//
// Implementations are single-owner: sequence numbers and the bus handle
// belong to whichever caller holds the link, and no method may be called
// concurrently with another. Transports never retry or resync on their own;
// that policy belongs to the caller.
type T1 interface {
	// InterfaceSoftReset resets the link and returns the parsed ATR.
	InterfaceSoftReset(ctx context.Context) (*AnswerToReset, error)

	// SendAPDU wraps one command APDU into I-blocks and transmits it.
	SendAPDU(ctx context.Context, apdu []byte) error

	// ReceiveAPDU reads one response APDU into buf and returns its length.
	ReceiveAPDU(ctx context.Context, buf []byte) (int, error)

	// Resync resets the sequence numbers on both ends.
	Resync(ctx context.Context) error

	// EndApduSession tells the secure element the host is done.
	EndApduSession(ctx context.Context) error

	// Close releases the underlying bus
	Close() error

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportI2C represents the T=1 over I2C link.
	TransportI2C TransportType = "i2c"
	// TransportUART represents the serial APDU link.
	TransportUART TransportType = "uart"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// Transceive sends apdu over t and reads the reply into buf.
func Transceive(ctx context.Context, t T1, apdu, buf []byte) (int, error) {
	if err := t.SendAPDU(ctx, apdu); err != nil {
		return 0, err
	}
	return t.ReceiveAPDU(ctx, buf)
}

// Mock operation names for SetError/QueueError and GetCallCount
const (
	MockOpSoftReset = "InterfaceSoftReset"
	MockOpSend      = "SendAPDU"
	MockOpReceive   = "ReceiveAPDU"
	MockOpResync    = "Resync"
	MockOpEndSess   = "EndApduSession"
)

// MockTransport is a scripted T1 for session-layer tests.
// Responses are keyed by the APDU header (CLA INS P1 P2) of the last command
// sent; a command without a scripted response gets SW 6D00.
type MockTransport struct {
	atr       *AnswerToReset
	responses map[uint32][]byte
	errors    map[string]error
	queued    map[string][]error
	callCount map[string]int
	sent      [][]byte
	pending   []byte
	mu        sync.Mutex
	closed    bool
}

// NewMockTransport creates a mock whose soft reset returns atr.
func NewMockTransport(atr *AnswerToReset) *MockTransport {
	return &MockTransport{
		atr:       atr,
		responses: make(map[uint32][]byte),
		errors:    make(map[string]error),
		queued:    make(map[string][]error),
		callCount: make(map[string]int),
	}
}

func headerKey(apdu []byte) uint32 {
	var hdr [4]byte
	copy(hdr[:], apdu)
	return binary.BigEndian.Uint32(hdr[:])
}

// SetResponse scripts the reply (data followed by SW1 SW2) for every command
// whose first four bytes equal header.
func (m *MockTransport) SetResponse(header []byte, response []byte) {
	m.mu.Lock()
	m.responses[headerKey(header)] = append([]byte(nil), response...)
	m.mu.Unlock()
}

// SetError makes every call of op fail with err until cleared.
func (m *MockTransport) SetError(op string, err error) {
	m.mu.Lock()
	m.errors[op] = err
	m.mu.Unlock()
}

// ClearError removes a persistent error for op.
func (m *MockTransport) ClearError(op string) {
	m.mu.Lock()
	delete(m.errors, op)
	m.mu.Unlock()
}

// QueueError makes the next call of op fail with err. Queued errors are
// consumed in order before any persistent error applies.
func (m *MockTransport) QueueError(op string, err error) {
	m.mu.Lock()
	m.queued[op] = append(m.queued[op], err)
	m.mu.Unlock()
}

// GetCallCount returns how many times op was called
func (m *MockTransport) GetCallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount[op]
}

// SentAPDUs returns copies of every APDU passed to SendAPDU.
func (m *MockTransport) SentAPDUs() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	for i, s := range m.sent {
		out[i] = append([]byte(nil), s...)
	}
	return out
}

// enter records a call and returns the error scripted for it. Caller holds mu.
func (m *MockTransport) enter(ctx context.Context, op string) error {
	m.callCount[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrTransportClosed
	}
	if q := m.queued[op]; len(q) > 0 {
		m.queued[op] = q[1:]
		return q[0]
	}
	return m.errors[op]
}

// InterfaceSoftReset implements T1
func (m *MockTransport) InterfaceSoftReset(ctx context.Context) (*AnswerToReset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MockOpSoftReset); err != nil {
		return nil, err
	}
	m.pending = nil
	if m.atr == nil {
		return nil, fmt.Errorf("%w: no ATR scripted", ErrProtocol)
	}
	atr := *m.atr
	return &atr, nil
}

// SendAPDU implements T1
func (m *MockTransport) SendAPDU(ctx context.Context, apdu []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MockOpSend); err != nil {
		return err
	}
	m.sent = append(m.sent, append([]byte(nil), apdu...))
	if rsp, ok := m.responses[headerKey(apdu)]; ok {
		m.pending = rsp
	} else {
		m.pending = []byte{0x6D, 0x00}
	}
	return nil
}

// ReceiveAPDU implements T1
func (m *MockTransport) ReceiveAPDU(ctx context.Context, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MockOpReceive); err != nil {
		return 0, err
	}
	if m.pending == nil {
		return 0, errors.New("mock: no command pending")
	}
	if len(m.pending) > len(buf) {
		return 0, &BufferOverrunError{Len: len(m.pending)}
	}
	n := copy(buf, m.pending)
	m.pending = nil
	return n, nil
}

// Resync implements T1
func (m *MockTransport) Resync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(ctx, MockOpResync)
}

// EndApduSession implements T1
func (m *MockTransport) EndApduSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(ctx, MockOpEndSess)
}

// Close implements T1
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Type implements T1
func (*MockTransport) Type() TransportType {
	return TransportMock
}
