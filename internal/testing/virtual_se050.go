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

// Package testing provides test utilities including a wire-level SE050
// simulator.
//
// VirtualSE050 implements the periph.io i2c.Bus interface and answers T=1
// blocks the way an SE050 does: S-block control exchanges, I-block chaining
// in both directions, WTX requests and NACKs while busy. Behind the block
// layer it emulates the IoT applet: SELECT and a few management commands.
package testing

import (
	"encoding/binary"
	"errors"
	"fmt"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/internal/frame"
	"github.com/ZaparooProject/go-token/internal/syncutil"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/moov-io/bertlv"
	"periph.io/x/conn/v3/physic"
)

// SE050 applet constants
var (
	// SE050AID is the IoT applet identifier
	SE050AID = []byte{0xA0, 0x00, 0x00, 0x03, 0x96, 0x54, 0x53, 0x00, 0x00, 0x00, 0x01, 0x03, 0x00, 0x00, 0x00, 0x00}

	// DefaultAppletVersion is applet 3.1.0, features 0x3FFF, SecureBox 1.11
	DefaultAppletVersion = []byte{0x03, 0x01, 0x00, 0x3F, 0xFF, 0x01, 0x0B}
)

const (
	se050Addr = 0x48

	insMgmt         = 0x04
	p2Version       = 0x20
	p2FreeMemory    = 0x22
	p2Random        = 0x49
	tagMgmt         = "41"
	defaultFreeMem  = 0x2A00
	maxRandomLength = 0x200
)

var (
	// ErrNACK is returned for reads while no block is ready and for
	// transactions addressed to another device.
	ErrNACK = errors.New("virtual se050: address not acknowledged")

	errCombinedTx = errors.New("virtual se050: combined write/read not supported")
	errReadPast   = errors.New("virtual se050: read past end of block")
)

// APDUHandler answers one complete command APDU with data followed by SW.
type APDUHandler func(apdu []byte) []byte

// DefaultATR returns the ATR the simulator reports after soft reset.
func DefaultATR() *token.AnswerToReset {
	atr := &token.AnswerToReset{
		ProtocolVersion: 0x00,
		VendorID:        [5]byte{0x04, 0x00, 0x00, 0x00, 0x08},
		DataLink:        token.DataLinkLayerParameters{BWTMillis: 50, IFSC: frame.MaxInfLength},
		Physical: token.PhysicalLayerParameters{
			Type: token.PhysicalLayerI2C,
			I2C: token.I2CParameters{
				MCF:           1000,
				Configuration: 0x08,
				MPOTMillis:    0x01,
				SEGTMicros:    10,
			},
		},
	}
	atr.HistoricalLen = copy(atr.HistoricalBytes[:], "JCOP4 ATPO")
	return atr
}

// VirtualSE050 simulates an SE050 on an I2C bus.
type VirtualSE050 struct {
	readErr    error
	writeErr   error
	handler    APDUHandler
	atr        []byte
	version    []byte
	writes     [][]byte
	out        [][]byte
	reading    []byte
	pendingRsp [][]byte
	cmdBuf     []byte
	commands   [][]byte
	lastI      []byte
	mu         syncutil.Mutex
	speed      physic.Frequency
	addr       uint16
	rspChunk   int
	busyPolls  int
	busyLeft   int
	wtxLeft    int
	freeMem    uint16
	nadRX      byte // NAD the host sends
	nadTX      byte // NAD we answer with
	rxSeq      byte
	txSeq      byte
	wtxMult    byte
	corrupt    int
	skip       int
	selected   bool
	closed     bool
}

// NewVirtualSE050 creates a simulator at the SE050 default address.
func NewVirtualSE050() *VirtualSE050 {
	v := &VirtualSE050{
		addr:     se050Addr,
		nadRX:    frame.DefaultNAD,
		nadTX:    frame.ReverseNAD(frame.DefaultNAD),
		rspChunk: frame.MaxInfLength,
		version:  append([]byte(nil), DefaultAppletVersion...),
		freeMem:  defaultFreeMem,
	}
	v.atr = DefaultATR().AppendBinary(nil)
	return v
}

// SetATR replaces the ATR payload, which may be deliberately malformed.
func (v *VirtualSE050) SetATR(raw []byte) {
	v.mu.Lock()
	v.atr = append([]byte(nil), raw...)
	v.mu.Unlock()
}

// SetAPDUHandler replaces the applet emulation.
func (v *VirtualSE050) SetAPDUHandler(h APDUHandler) {
	v.mu.Lock()
	v.handler = h
	v.mu.Unlock()
}

// SetResponseChunkSize limits the INF size of response I-blocks to force
// chaining toward the host.
func (v *VirtualSE050) SetResponseChunkSize(n int) {
	v.mu.Lock()
	v.rspChunk = n
	v.mu.Unlock()
}

// SetBusyPolls makes the next n reads of every block NACK, as the chip
// does while processing.
func (v *VirtualSE050) SetBusyPolls(n int) {
	v.mu.Lock()
	v.busyPolls = n
	v.busyLeft = n
	v.mu.Unlock()
}

// QueueWTX makes the chip send n WTX requests with multiplier mult before
// the next response.
func (v *VirtualSE050) QueueWTX(n int, mult byte) {
	v.mu.Lock()
	v.wtxLeft = n
	v.wtxMult = mult
	v.mu.Unlock()
}

// CorruptNext flips a CRC bit in the next n blocks sent to the host.
func (v *VirtualSE050) CorruptNext(n int) {
	v.CorruptAfter(0, n)
}

// CorruptAfter lets skip blocks through intact, then corrupts n.
func (v *VirtualSE050) CorruptAfter(skip, n int) {
	v.mu.Lock()
	v.skip = skip
	v.corrupt = n
	v.mu.Unlock()
}

// SetReadError makes every read fail with err; nil clears it.
func (v *VirtualSE050) SetReadError(err error) {
	v.mu.Lock()
	v.readErr = err
	v.mu.Unlock()
}

// SetWriteError makes every write fail with err; nil clears it.
func (v *VirtualSE050) SetWriteError(err error) {
	v.mu.Lock()
	v.writeErr = err
	v.mu.Unlock()
}

// Writes returns copies of every block the host wrote.
func (v *VirtualSE050) Writes() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]byte, len(v.writes))
	for i, w := range v.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Commands returns copies of every reassembled command APDU.
func (v *VirtualSE050) Commands() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]byte, len(v.commands))
	for i, c := range v.commands {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// Selected reports whether the IoT applet is selected.
func (v *VirtualSE050) Selected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selected
}

// Closed reports whether Close was called.
func (v *VirtualSE050) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// String implements i2c.Bus
func (*VirtualSE050) String() string { return "virtual-se050" }

// SetSpeed implements i2c.Bus
func (v *VirtualSE050) SetSpeed(f physic.Frequency) error {
	v.mu.Lock()
	v.speed = f
	v.mu.Unlock()
	return nil
}

// Speed returns the last speed set on the bus.
func (v *VirtualSE050) Speed() physic.Frequency {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speed
}

// Close implements i2c.BusCloser
func (v *VirtualSE050) Close() error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	return nil
}

// Tx implements i2c.Bus. Writes deliver one block; reads drain the block
// at the head of the output queue.
func (v *VirtualSE050) Tx(addr uint16, w, r []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if addr != v.addr {
		return ErrNACK
	}
	switch {
	case len(w) > 0 && len(r) > 0:
		return errCombinedTx
	case len(w) > 0:
		if v.writeErr != nil {
			return v.writeErr
		}
		v.writes = append(v.writes, append([]byte(nil), w...))
		v.reading = nil
		v.receive(w)
		return nil
	case len(r) > 0:
		if v.readErr != nil {
			return v.readErr
		}
		return v.read(r)
	default:
		return nil
	}
}

func (v *VirtualSE050) read(r []byte) error {
	if v.reading == nil {
		if len(v.out) == 0 {
			return ErrNACK
		}
		if v.busyLeft > 0 {
			v.busyLeft--
			return ErrNACK
		}
		v.reading = v.out[0]
		v.out = v.out[1:]
	}
	if len(r) > len(v.reading) {
		return errReadPast
	}
	copy(r, v.reading)
	v.reading = v.reading[len(r):]
	if len(v.reading) == 0 {
		v.reading = nil
		v.busyLeft = v.busyPolls
	}
	return nil
}

// queue frames one outgoing block.
func (v *VirtualSE050) queue(pcb frame.PCB, inf []byte) {
	raw, err := frame.AppendBlock(nil, v.nadTX, pcb, inf)
	if err != nil {
		panic(fmt.Sprintf("virtual se050: %v", err))
	}
	switch {
	case v.skip > 0:
		v.skip--
	case v.corrupt > 0:
		v.corrupt--
		raw[len(raw)-1] ^= 0x01
	}
	v.out = append(v.out, raw)
}

func (v *VirtualSE050) resetLink() {
	v.rxSeq, v.txSeq = 0, 0
	v.cmdBuf, v.pendingRsp, v.lastI = nil, nil, nil
	v.out = nil
}

// receive handles one block written by the host.
func (v *VirtualSE050) receive(raw []byte) {
	blk, ok, err := frame.DecodeBlock(raw)
	if err != nil {
		v.queue(frame.RBlockPCB(v.rxSeq, frame.RErrorOther), nil)
		return
	}
	if blk.NAD != v.nadRX {
		// Not addressed to us; a real chip stays silent.
		return
	}
	if !ok {
		v.queue(frame.RBlockPCB(v.rxSeq, frame.RErrorCRC), nil)
		return
	}

	switch blk.PCB.Kind() {
	case frame.KindS:
		v.receiveS(blk)
	case frame.KindR:
		v.receiveR(blk)
	default:
		v.receiveI(blk)
	}
}

func (v *VirtualSE050) receiveS(blk frame.Block) {
	code := blk.PCB.SCode()
	if blk.PCB.IsSResponse() {
		if code == frame.SWTX {
			v.respondOrWait()
			return
		}
		v.queue(frame.RBlockPCB(v.rxSeq, frame.RErrorOther), nil)
		return
	}

	switch code {
	case frame.SResync, frame.SAbort:
		v.resetLink()
		v.queue(frame.SResponsePCB(code), nil)
	case frame.SIFS:
		if len(blk.Inf) == 1 && blk.Inf[0] > 0 {
			v.rspChunk = int(blk.Inf[0])
		}
		v.queue(frame.SResponsePCB(code), blk.Inf)
	case frame.SEndApduSession:
		v.selected = false
		v.queue(frame.SResponsePCB(code), nil)
	case frame.SChipReset:
		v.resetLink()
		v.selected = false
		v.queue(frame.SResponsePCB(code), nil)
	case frame.SGetATR:
		v.queue(frame.SResponsePCB(code), v.atr)
	case frame.SInterfaceSoftReset:
		v.resetLink()
		v.selected = false
		v.queue(frame.SResponsePCB(code), v.atr)
	default:
		v.queue(frame.RBlockPCB(v.rxSeq, frame.RErrorOther), nil)
	}
}

// receiveR handles the host acknowledging one of our chained I-blocks.
func (v *VirtualSE050) receiveR(blk frame.Block) {
	if blk.PCB.NR() != v.txSeq && v.lastI != nil {
		// Host asks for a retransmission.
		v.out = append(v.out, v.lastI)
		return
	}
	if len(v.pendingRsp) == 0 {
		v.queue(frame.RBlockPCB(v.rxSeq, frame.RErrorOther), nil)
		return
	}
	v.sendNextChunk()
}

func (v *VirtualSE050) receiveI(blk frame.Block) {
	if blk.PCB.NS() != v.rxSeq {
		v.queue(frame.RBlockPCB(v.rxSeq, frame.RErrorOther), nil)
		return
	}
	v.rxSeq ^= 1
	v.cmdBuf = append(v.cmdBuf, blk.Inf...)

	if blk.PCB.More() {
		v.queue(frame.RBlockPCB(v.rxSeq, frame.RErrorFree), nil)
		return
	}

	apdu := v.cmdBuf
	v.cmdBuf = nil
	v.commands = append(v.commands, apdu)

	handler := v.handler
	if handler == nil {
		handler = v.applet
	}
	rsp := handler(apdu)

	v.pendingRsp = nil
	for off := 0; off < len(rsp); off += v.rspChunk {
		v.pendingRsp = append(v.pendingRsp, rsp[off:min(off+v.rspChunk, len(rsp))])
	}
	if len(v.pendingRsp) == 0 {
		v.pendingRsp = [][]byte{nil}
	}
	v.respondOrWait()
}

// respondOrWait sends a pending WTX request or the first response chunk.
func (v *VirtualSE050) respondOrWait() {
	if v.wtxLeft > 0 {
		v.wtxLeft--
		v.queue(frame.SRequestPCB(frame.SWTX), []byte{v.wtxMult})
		return
	}
	if len(v.pendingRsp) > 0 {
		v.sendNextChunk()
	}
}

func (v *VirtualSE050) sendNextChunk() {
	chunk := v.pendingRsp[0]
	v.pendingRsp = v.pendingRsp[1:]
	v.queue(frame.IBlockPCB(v.txSeq, len(v.pendingRsp) > 0), chunk)
	v.lastI = v.out[len(v.out)-1]
	v.txSeq ^= 1
}

func sw(data []byte, status iso7816.Status) []byte {
	return iso7816.Response{Data: data, Status: status}.Bytes()
}

// applet emulates the SE050 IoT applet.
func (v *VirtualSE050) applet(raw []byte) []byte {
	cmd, err := iso7816.ParseCommand(raw, frame.APDUBufferSize, frame.APDUBufferSize)
	if err != nil {
		return sw(nil, iso7816.WrongLength)
	}

	if cmd.IsSelectByName() {
		if !iso7816.AID(SE050AID).Matches(cmd.Data) {
			return sw(nil, iso7816.NotFound)
		}
		v.selected = true
		return sw(v.version, iso7816.Success)
	}
	if !v.selected {
		return sw(nil, iso7816.ConditionsNotSatisfied)
	}
	if cmd.Class != iso7816.ClassProprietary || cmd.Instruction != insMgmt {
		return sw(nil, iso7816.InstructionNotSupported)
	}

	switch cmd.P2 {
	case p2Version:
		return tlvResponse(v.version)
	case p2Random:
		n, ok := tlvUint16(cmd.Data)
		if !ok || n == 0 || n > maxRandomLength {
			return sw(nil, iso7816.WrongData)
		}
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(i*37 + 11)
		}
		return tlvResponse(out)
	case p2FreeMemory:
		if _, ok := tlvUint16(cmd.Data); !ok {
			return sw(nil, iso7816.WrongData)
		}
		return tlvResponse(binary.BigEndian.AppendUint16(nil, v.freeMem))
	default:
		return sw(nil, iso7816.IncorrectP1P2)
	}
}

func tlvResponse(value []byte) []byte {
	enc, err := bertlv.Encode([]bertlv.TLV{{Tag: tagMgmt, Value: value}})
	if err != nil {
		return sw(nil, iso7816.UnspecifiedCheckingError)
	}
	return sw(enc, iso7816.Success)
}

// tlvUint16 reads tag 41 as a 1 or 2 byte big-endian integer.
func tlvUint16(data []byte) (int, bool) {
	tlvs, err := bertlv.Decode(data)
	if err != nil || len(tlvs) != 1 || tlvs[0].Tag != tagMgmt {
		return 0, false
	}
	switch val := tlvs[0].Value; len(val) {
	case 1:
		return int(val[0]), true
	case 2:
		return int(binary.BigEndian.Uint16(val)), true
	default:
		return 0, false
	}
}
