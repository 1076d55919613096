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

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInfTooLong is returned when an information field exceeds one block.
	ErrInfTooLong = errors.New("information field exceeds block size")
	// ErrShortBlock is returned when fewer bytes than a complete block are supplied.
	ErrShortBlock = errors.New("block truncated")
)

// PCB is a decoded protocol control byte.
type PCB byte

// IBlockPCB builds an I-block PCB with send sequence ns and chaining flag.
func IBlockPCB(ns byte, more bool) PCB {
	pcb := byte(pcbIBlock)
	if ns&1 != 0 {
		pcb |= pcbNSBit
	}
	if more {
		pcb |= pcbMBit
	}
	return PCB(pcb)
}

// RBlockPCB builds an R-block PCB acknowledging sequence nr.
func RBlockPCB(nr, code byte) PCB {
	pcb := byte(pcbRBlock) | code&pcbRCodeMask
	if nr&1 != 0 {
		pcb |= pcbNRBit
	}
	return PCB(pcb)
}

// SRequestPCB builds the PCB of an S(code request) block.
func SRequestPCB(code SCode) PCB {
	return PCB(SRequest | byte(code)&pcbSCodeMask)
}

// SResponsePCB builds the PCB of an S(code response) block.
func SResponsePCB(code SCode) PCB {
	return PCB(SResponse | byte(code)&pcbSCodeMask)
}

// Kind reports the block type.
func (p PCB) Kind() Kind {
	switch {
	case byte(p)&pcbIMask == pcbIBlock:
		return KindI
	case byte(p)&pcbKindMask == pcbRBlock:
		return KindR
	default:
		return KindS
	}
}

// NS is the I-block send sequence bit.
func (p PCB) NS() byte {
	if byte(p)&pcbNSBit != 0 {
		return 1
	}
	return 0
}

// More reports the I-block chaining bit.
func (p PCB) More() bool {
	return byte(p)&pcbMBit != 0
}

// NR is the R-block sequence bit.
func (p PCB) NR() byte {
	if byte(p)&pcbNRBit != 0 {
		return 1
	}
	return 0
}

// RError is the R-block error code.
func (p PCB) RError() byte {
	return byte(p) & pcbRCodeMask
}

// IsRBlock matches R-blocks regardless of N(R) and error code.
func (p PCB) IsRBlock() bool {
	return byte(p)&RCodeMask == RCode
}

// SCode is the S-block control code.
func (p PCB) SCode() SCode {
	return SCode(byte(p) & pcbSCodeMask)
}

// IsSResponse reports whether an S-block is a response.
func (p PCB) IsSResponse() bool {
	return p.Kind() == KindS && byte(p)&pcbSRespBit != 0
}

func (p PCB) String() string {
	switch p.Kind() {
	case KindI:
		return fmt.Sprintf("I(%d,%t)", p.NS(), p.More())
	case KindR:
		return fmt.Sprintf("R(%d,err=%d)", p.NR(), p.RError())
	default:
		dir := "req"
		if p.IsSResponse() {
			dir = "rsp"
		}
		return fmt.Sprintf("S(%s %s)", p.SCode(), dir)
	}
}

// Block is one T=1 block without its CRC.
type Block struct {
	Inf []byte
	NAD byte
	PCB PCB
}

// AppendBlock encodes NAD PCB LEN INF CRC onto dst.
func AppendBlock(dst []byte, nad byte, pcb PCB, inf []byte) ([]byte, error) {
	if len(inf) > MaxInfLength {
		return dst, fmt.Errorf("%w: %d bytes", ErrInfTooLong, len(inf))
	}
	start := len(dst)
	dst = append(dst, nad, byte(pcb), byte(len(inf)))
	dst = append(dst, inf...)
	crc := CRC16(dst[start:])
	return append(dst, byte(crc), byte(crc>>8)), nil
}

// DecodeBlock splits a complete encoded block and checks its CRC. The
// returned Inf aliases raw.
func DecodeBlock(raw []byte) (Block, bool, error) {
	if len(raw) < BlockOverhead {
		return Block{}, false, ErrShortBlock
	}
	n := int(raw[2])
	if len(raw) < BlockOverhead+n {
		return Block{}, false, ErrShortBlock
	}
	end := HeaderLength + n
	ok := VerifyCRC(raw[:end], raw[end:end+CRCLength])
	return Block{NAD: raw[0], PCB: PCB(raw[1]), Inf: raw[HeaderLength:end]}, ok, nil
}

// VerifyCRC checks a little-endian CRC trailer against covered bytes.
func VerifyCRC(covered, trailer []byte) bool {
	if len(trailer) < CRCLength {
		return false
	}
	return CRC16(covered) == binary.LittleEndian.Uint16(trailer)
}
