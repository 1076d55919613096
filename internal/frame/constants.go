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

// Package frame holds the ISO/IEC 7816-3 T=1 block layer shared by the
// transports: PCB encoding, CRC16/X.25 and block assembly.
package frame

import "fmt"

// Node address bytes. The high nibble is the destination, the low nibble the
// source; the reply direction swaps them.
const (
	DefaultNAD = 0x5A // host -> SE
)

// Block layout
const (
	HeaderLength  = 3   // NAD PCB LEN
	CRCLength     = 2   // CRC-LO CRC-HI
	MaxInfLength  = 254 // LEN is a single byte, 0xFF is reserved
	BlockOverhead = HeaderLength + CRCLength
	MaxBlockSize  = BlockOverhead + MaxInfLength
)

// PCB bit layout
const (
	pcbKindMask = 0xC0

	pcbIBlock = 0x00
	pcbIMask  = 0x80
	pcbNSBit  = 0x40 // I-block send sequence number N(S)
	pcbMBit   = 0x20 // I-block more-data (chaining)

	pcbRBlock    = 0x80
	pcbNRBit     = 0x10 // R-block expected sequence number N(R)
	pcbRCodeMask = 0x03

	// RCodeMask isolates the R-block marker while ignoring N(R) and the
	// error code bits.
	RCodeMask = 0xEC
	RCode     = 0x80

	SRequest     = 0xC0
	SResponse    = 0xE0
	pcbSRespBit  = 0x20
	pcbSCodeMask = 0x1F
)

// Kind is the block type encoded in the top PCB bits.
type Kind int

const (
	KindI Kind = iota
	KindR
	KindS
)

func (k Kind) String() string {
	switch k {
	case KindI:
		return "I"
	case KindR:
		return "R"
	case KindS:
		return "S"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SCode is an S-block control code.
type SCode byte

const (
	SResync             SCode = 0
	SIFS                SCode = 1
	SAbort              SCode = 2
	SWTX                SCode = 3
	SEndApduSession     SCode = 5
	SChipReset          SCode = 6
	SGetATR             SCode = 7
	SInterfaceSoftReset SCode = 15
)

func (c SCode) String() string {
	switch c {
	case SResync:
		return "RESYNC"
	case SIFS:
		return "IFS"
	case SAbort:
		return "ABORT"
	case SWTX:
		return "WTX"
	case SEndApduSession:
		return "END_APDU_SESSION"
	case SChipReset:
		return "CHIP_RESET"
	case SGetATR:
		return "GET_ATR"
	case SInterfaceSoftReset:
		return "INTERFACE_SOFT_RESET"
	default:
		return fmt.Sprintf("SCode(%d)", byte(c))
	}
}

// R-block error codes (low PCB bits)
const (
	RErrorFree   = 0x00
	RErrorCRC    = 0x01 // EDC or parity error
	RErrorOther  = 0x02
	RErrorSeqErr = 0x03
)

// ReverseNAD swaps source and destination nibbles.
func ReverseNAD(nad byte) byte {
	return nad>>4 | nad<<4
}
