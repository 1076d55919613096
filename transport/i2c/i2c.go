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

// Package i2c implements the ISO/IEC 7816-3 T=1 block protocol over I2C,
// as spoken by the NXP SE050 secure element.
package i2c

import (
	"context"
	"fmt"
	"io"
	"time"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/internal/frame"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// SE050 7-bit I2C address
	se050Addr = 0x48

	// Max clock frequency (400 kHz). The SE050 supports 1 MHz but most
	// host controllers do not.
	maxClockFreq = 400 * physic.KiloHertz

	traceDepth = 32
)

// Transport is a T=1 link to one secure element.
//
// A Transport is single-owner: its sequence numbers and bus handle belong
// to one caller at a time and it does no locking of its own.
type Transport struct {
	bus          i2c.Bus
	closer       io.Closer
	dev          *i2c.Dev
	currentTrace *token.TraceBuffer
	busName      string
	bwt          time.Duration
	pollInterval time.Duration
	guardTime    time.Duration
	ifsc         int
	nadTX        byte
	nadRX        byte
	ns           byte // N(S) of the next I-block we send
	nr           byte // N(S) expected on the next I-block we receive
	pendingAck   bool // last sent I-block awaits its implicit acknowledgement
	closed       bool
}

// Option configures a Transport
type Option func(*Transport)

// WithAddress overrides the 7-bit I2C address.
func WithAddress(addr uint16) Option {
	return func(t *Transport) { t.dev.Addr = addr }
}

// WithNAD sets the host→SE node address. The SE→host NAD is its nibble swap.
func WithNAD(nad byte) Option {
	return func(t *Transport) {
		t.nadTX = nad
		t.nadRX = frame.ReverseNAD(nad)
	}
}

// WithBlockWaitingTime sets the BWT used until an ATR provides one.
func WithBlockWaitingTime(d time.Duration) Option {
	return func(t *Transport) { t.bwt = d }
}

// WithPollInterval sets the delay between header reads while the secure
// element is busy.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) { t.pollInterval = d }
}

// WithIFSC sets the largest INF field sent per block until an ATR provides one.
func WithIFSC(n int) Option {
	return func(t *Transport) { t.ifsc = clampIFSC(n) }
}

func clampIFSC(n int) int {
	if n <= 0 || n > frame.MaxInfLength {
		return frame.MaxInfLength
	}
	return n
}

// New opens busName through the periph host registry and returns a
// transport to the SE050 at its default address.
func New(busName string, opts ...Option) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}

	// Ignore error, continue with the bus default speed
	_ = bus.SetSpeed(maxClockFreq)

	t := NewWithBus(bus, opts...)
	t.closer = bus
	t.busName = busName
	return t, nil
}

// NewWithBus builds a transport on an already opened bus. Close releases
// the bus only if it implements io.Closer.
func NewWithBus(bus i2c.Bus, opts ...Option) *Transport {
	t := &Transport{
		bus:          bus,
		dev:          &i2c.Dev{Addr: se050Addr, Bus: bus},
		busName:      bus.String(),
		bwt:          token.DefaultBlockWaitingTime,
		pollInterval: token.DefaultHeaderPollInterval,
		ifsc:         frame.MaxInfLength,
		nadTX:        frame.DefaultNAD,
		nadRX:        frame.ReverseNAD(frame.DefaultNAD),
	}
	if c, ok := bus.(io.Closer); ok {
		t.closer = c
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Type implements token.T1
func (*Transport) Type() token.TransportType {
	return token.TransportI2C
}

// Close implements token.T1
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.closer != nil {
		if err := t.closer.Close(); err != nil {
			return fmt.Errorf("failed to close I2C bus: %w", err)
		}
	}
	return nil
}

// IFSC returns the INF size currently used for outgoing blocks.
func (t *Transport) IFSC() int { return t.ifsc }

// BlockWaitingTime returns the current BWT.
func (t *Transport) BlockWaitingTime() time.Duration { return t.bwt }

// traceTX records a TX operation if trace buffer is active
func (t *Transport) traceTX(data []byte, note string) {
	if t.currentTrace != nil {
		t.currentTrace.RecordTX(data, note)
	}
}

// traceRX records an RX operation if trace buffer is active
func (t *Transport) traceRX(data []byte, note string) {
	if t.currentTrace != nil {
		t.currentTrace.RecordRX(data, note)
	}
}

// begin starts a traced public operation. The returned func must be deferred.
func (t *Transport) begin(ctx context.Context) (func(), error) {
	if t.closed {
		return nil, token.ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.currentTrace = token.NewTraceBuffer("I2C", t.busName, traceDepth)
	return func() { t.currentTrace = nil }, nil
}

// sleepCtx performs a context-aware sleep. Returns ctx.Err() if context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeBlock frames inf and writes it in one bus transaction.
func (t *Transport) writeBlock(ctx context.Context, op string, pcb frame.PCB, inf []byte) error {
	buf := frame.GetBuffer(frame.MaxBlockSize)
	defer frame.PutBuffer(buf)

	raw, err := frame.AppendBlock(buf[:0], t.nadTX, pcb, inf)
	if err != nil {
		return token.NewProtocolError(op, t.busName, err.Error())
	}

	t.traceTX(raw, pcb.String())
	if err := t.dev.Tx(raw, nil); err != nil {
		return token.NewTransmitError(op, t.busName, err)
	}
	return sleepCtx(ctx, t.guardTime)
}

// readHeader polls for the 3-byte block prologue. The SE050 NACKs its
// address until a response is ready, so read failures only surface once
// the deadline passes.
func (t *Transport) readHeader(ctx context.Context, op string, deadline time.Time, hdr []byte) error {
	for {
		err := t.dev.Tx(nil, hdr)
		if err == nil {
			t.traceRX(hdr, "header")
			if hdr[0] != t.nadRX {
				return token.NewProtocolError(op, t.busName, fmt.Sprintf("unexpected NAD 0x%02X", hdr[0]))
			}
			return nil
		}
		if !time.Now().Before(deadline) {
			return token.NewTransportError(op, t.busName,
				fmt.Errorf("%w: no block within BWT: %w", token.ErrReceive, err), token.ErrorTypeTimeout)
		}
		if err := sleepCtx(ctx, t.pollInterval); err != nil {
			return err
		}
	}
}

// readBody reads LEN payload bytes plus CRC and verifies the checksum over
// header and payload. The payload is copied to dst.
func (t *Transport) readBody(op string, hdr, dst []byte) (int, error) {
	if int(hdr[2]) > frame.MaxInfLength {
		return 0, token.NewProtocolError(op, t.busName, fmt.Sprintf("LEN %d exceeds %d", hdr[2], frame.MaxInfLength))
	}
	raw := frame.GetBuffer(frame.MaxBlockSize)
	defer frame.PutBuffer(raw)

	end := copy(raw, hdr) + int(hdr[2])
	body := raw[frame.HeaderLength : end+frame.CRCLength]
	if err := t.dev.Tx(nil, body); err != nil {
		return 0, token.NewReceiveError(op, t.busName, err)
	}
	t.traceRX(body, "INF+CRC")

	if !frame.VerifyCRC(raw[:end], raw[end:end+frame.CRCLength]) {
		return 0, token.NewChecksumError(op, t.busName)
	}
	return copy(dst, raw[frame.HeaderLength:end]), nil
}

// readBlock reads one complete block into inf and returns its PCB.
func (t *Transport) readBlock(ctx context.Context, op string, deadline time.Time, inf []byte) (frame.PCB, int, error) {
	var hdr [frame.HeaderLength]byte
	if err := t.readHeader(ctx, op, deadline, hdr[:]); err != nil {
		return 0, 0, err
	}
	n, err := t.readBody(op, hdr[:], inf)
	if err != nil {
		return 0, 0, err
	}
	return frame.PCB(hdr[1]), n, nil
}

// SendS sends an S-block request carrying data.
func (t *Transport) SendS(ctx context.Context, code frame.SCode, data []byte) error {
	done, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	return t.currentTrace.WrapError(t.sendS(ctx, code, data))
}

func (t *Transport) sendS(ctx context.Context, code frame.SCode, data []byte) error {
	return t.writeBlock(ctx, "SendS", frame.SRequestPCB(code), data)
}

// ReceiveS reads the S-block response to code into buf and returns the
// payload length. An R-block in its place is reported as *token.RCodeError.
func (t *Transport) ReceiveS(ctx context.Context, code frame.SCode, buf []byte) (int, error) {
	done, err := t.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	n, err := t.receiveS(ctx, code, buf)
	return n, t.currentTrace.WrapError(err)
}

func (t *Transport) receiveS(ctx context.Context, code frame.SCode, buf []byte) (int, error) {
	const op = "ReceiveS"

	var hdr [frame.HeaderLength]byte
	if err := t.readHeader(ctx, op, time.Now().Add(t.bwt), hdr[:]); err != nil {
		return 0, err
	}

	pcb := frame.PCB(hdr[1])
	if pcb != frame.SResponsePCB(code) {
		if pcb.IsRBlock() {
			return 0, &token.RCodeError{PCB: byte(pcb)}
		}
		return 0, token.NewProtocolError(op, t.busName, fmt.Sprintf("expected %s, got %s", frame.SResponsePCB(code), pcb))
	}
	if n := int(hdr[2]); n > len(buf) {
		return 0, &token.BufferOverrunError{Len: n}
	}
	return t.readBody(op, hdr[:], buf)
}

// exchangeS performs one S-block request/response round trip.
func (t *Transport) exchangeS(ctx context.Context, code frame.SCode, data, buf []byte) (int, error) {
	if err := t.sendS(ctx, code, data); err != nil {
		return 0, err
	}
	return t.receiveS(ctx, code, buf)
}

func (t *Transport) resetSequence() {
	t.ns, t.nr = 0, 0
	t.pendingAck = false
}

// InterfaceSoftReset implements token.T1. It resets the sequence numbers
// and adopts the IFSC, BWT, polling and guard times announced in the ATR.
//
//nolint:wrapcheck // WrapError intentionally wraps errors with trace data
func (t *Transport) InterfaceSoftReset(ctx context.Context) (*token.AnswerToReset, error) {
	done, err := t.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	atr, err := t.readATR(ctx, frame.SInterfaceSoftReset)
	if err != nil {
		return nil, t.currentTrace.WrapError(err)
	}
	t.resetSequence()
	t.adopt(atr)
	token.Debugf("i2c %s: %s", t.busName, atr)
	return atr, nil
}

// GetATR asks for the ATR without resetting the interface.
//
//nolint:wrapcheck // WrapError intentionally wraps errors with trace data
func (t *Transport) GetATR(ctx context.Context) (*token.AnswerToReset, error) {
	done, err := t.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	atr, err := t.readATR(ctx, frame.SGetATR)
	return atr, t.currentTrace.WrapError(err)
}

func (t *Transport) readATR(ctx context.Context, code frame.SCode) (*token.AnswerToReset, error) {
	buf := frame.GetBuffer(frame.MaxInfLength)
	defer frame.PutBuffer(buf)

	n, err := t.exchangeS(ctx, code, nil, buf[:frame.MaxInfLength])
	if err != nil {
		return nil, err
	}
	atr, err := token.ParseAnswerToReset(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", code, err)
	}
	return atr, nil
}

func (t *Transport) adopt(atr *token.AnswerToReset) {
	t.ifsc = clampIFSC(int(atr.DataLink.IFSC))
	if bwt := atr.BlockWaitingTime(); bwt > 0 {
		t.bwt = bwt
	}
	if mpot := time.Duration(atr.Physical.I2C.MPOTMillis) * time.Millisecond; mpot > t.pollInterval {
		t.pollInterval = mpot
	}
	t.guardTime = time.Duration(atr.Physical.I2C.SEGTMicros) * time.Microsecond
}

// Resync implements token.T1
func (t *Transport) Resync(ctx context.Context) error {
	return t.simpleS(ctx, frame.SResync, true)
}

// EndApduSession implements token.T1
func (t *Transport) EndApduSession(ctx context.Context) error {
	return t.simpleS(ctx, frame.SEndApduSession, false)
}

// ChipReset asks the secure element to reset itself. Sequence numbers
// restart from zero.
func (t *Transport) ChipReset(ctx context.Context) error {
	return t.simpleS(ctx, frame.SChipReset, true)
}

func (t *Transport) simpleS(ctx context.Context, code frame.SCode, resetsSequence bool) error {
	done, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	buf := frame.GetBuffer(frame.MaxInfLength)
	defer frame.PutBuffer(buf)

	if _, err := t.exchangeS(ctx, code, nil, buf[:frame.MaxInfLength]); err != nil {
		return t.currentTrace.WrapError(err)
	}
	if resetsSequence {
		t.resetSequence()
	}
	return nil
}

// SendAPDU implements token.T1. APDUs longer than IFSC are chained; every
// block but the last must be acknowledged by an R-block before the next
// is sent. The last block is acknowledged by the first response I-block.
func (t *Transport) SendAPDU(ctx context.Context, apdu []byte) error {
	done, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	return t.currentTrace.WrapError(t.sendAPDU(ctx, apdu))
}

func (t *Transport) sendAPDU(ctx context.Context, apdu []byte) error {
	const op = "SendAPDU"

	if len(apdu) == 0 {
		return token.NewProtocolError(op, t.busName, "empty APDU")
	}
	if t.pendingAck {
		// The previous exchange never completed; the peer still waits to
		// send its response.
		return token.NewProtocolError(op, t.busName, "previous APDU not answered")
	}

	for off := 0; off < len(apdu); off += t.ifsc {
		end := min(off+t.ifsc, len(apdu))
		more := end < len(apdu)

		if err := t.writeBlock(ctx, op, frame.IBlockPCB(t.ns, more), apdu[off:end]); err != nil {
			return err
		}
		if !more {
			t.pendingAck = true
			return nil
		}
		if err := t.awaitChainAck(ctx); err != nil {
			return err
		}
		t.ns ^= 1
	}
	return nil
}

// awaitChainAck waits for the R-block acknowledging a chained I-block,
// answering WTX requests in the meantime.
func (t *Transport) awaitChainAck(ctx context.Context) error {
	const op = "SendAPDU"

	var inf [frame.MaxInfLength]byte
	deadline := time.Now().Add(t.bwt)
	for {
		pcb, n, err := t.readBlock(ctx, op, deadline, inf[:])
		if err != nil {
			return err
		}
		switch pcb.Kind() {
		case frame.KindR:
			if pcb.RError() != frame.RErrorFree || pcb.NR() == t.ns {
				return &token.RCodeError{PCB: byte(pcb)}
			}
			return nil
		case frame.KindS:
			if deadline, err = t.answerWTX(ctx, op, pcb, inf[:n]); err != nil {
				return err
			}
		default:
			return token.NewProtocolError(op, t.busName, fmt.Sprintf("expected R-block, got %s", pcb))
		}
	}
}

// answerWTX replies to an S(WTX request) and returns the extended deadline.
func (t *Transport) answerWTX(ctx context.Context, op string, pcb frame.PCB, inf []byte) (time.Time, error) {
	if pcb.IsSResponse() || pcb.SCode() != frame.SWTX {
		return time.Time{}, token.NewProtocolError(op, t.busName, fmt.Sprintf("unexpected %s", pcb))
	}
	mult := 1
	if len(inf) > 0 && inf[0] > 0 {
		mult = int(inf[0])
	}
	token.Debugf("i2c %s: WTX x%d", t.busName, mult)
	if err := t.writeBlock(ctx, op, frame.SResponsePCB(frame.SWTX), inf); err != nil {
		return time.Time{}, err
	}
	return time.Now().Add(t.bwt * time.Duration(mult)), nil
}

// ReceiveAPDU implements token.T1. Chained response blocks are
// acknowledged and reassembled into buf.
func (t *Transport) ReceiveAPDU(ctx context.Context, buf []byte) (int, error) {
	done, err := t.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	n, err := t.receiveAPDU(ctx, buf)
	return n, t.currentTrace.WrapError(err)
}

func (t *Transport) receiveAPDU(ctx context.Context, buf []byte) (int, error) {
	const op = "ReceiveAPDU"

	var inf [frame.MaxInfLength]byte
	total := 0
	deadline := time.Now().Add(t.bwt)
	for {
		pcb, n, err := t.readBlock(ctx, op, deadline, inf[:])
		if err != nil {
			return 0, err
		}

		switch pcb.Kind() {
		case frame.KindS:
			if deadline, err = t.answerWTX(ctx, op, pcb, inf[:n]); err != nil {
				return 0, err
			}
			continue
		case frame.KindR:
			return 0, &token.RCodeError{PCB: byte(pcb)}
		}

		if pcb.NS() != t.nr {
			return 0, token.NewProtocolError(op, t.busName,
				fmt.Sprintf("I-block N(S)=%d, expected %d", pcb.NS(), t.nr))
		}
		t.nr ^= 1
		if t.pendingAck {
			t.ns ^= 1
			t.pendingAck = false
		}

		if total+n > len(buf) {
			return 0, &token.BufferOverrunError{Len: total + n}
		}
		total += copy(buf[total:], inf[:n])

		if !pcb.More() {
			return total, nil
		}
		if err := t.writeBlock(ctx, op, frame.RBlockPCB(t.nr, frame.RErrorFree), nil); err != nil {
			return 0, err
		}
		deadline = time.Now().Add(t.bwt)
	}
}

// Transceive sends apdu and reads the response into buf.
func (t *Transport) Transceive(ctx context.Context, apdu, buf []byte) (int, error) {
	return token.Transceive(ctx, t, apdu, buf)
}
