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

// Package iso7816 models ISO/IEC 7816-4 command and response APDUs with
// fixed buffer capacities.
//
// Commands are parsed against the capacity of the buffers that will carry
// them; anything that would not fit is rejected with ErrWrongLength, which
// the dispatcher turns into SW 6700.
package iso7816

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// APDU limits according to ISO 7816-3.
const (
	// MaxShortLc is the largest Nc encodable in one byte
	MaxShortLc = 255
	// MaxShortLe is the largest Ne in short form; 0x00 encodes it
	MaxShortLe = 256
	// MaxExtendedLc is the largest Nc in extended form
	MaxExtendedLc = 65535
	// MaxExtendedLe is the largest Ne in extended form; 0x0000 encodes it
	MaxExtendedLe = 65536

	// DefaultCommandCapacity and DefaultResponseCapacity are the buffer
	// sizes used for APDUs routed between host links and apps.
	DefaultCommandCapacity  = 7609
	DefaultResponseCapacity = 7609

	headerLength = 4
)

// Instruction and class values recognised by the dispatcher.
const (
	ClassStandard    byte = 0x00
	ClassChaining    byte = 0x10
	ClassProprietary byte = 0x80

	InsSelectFile byte = 0xA4

	// P1 for SELECT by DF name (AID)
	SelectByName byte = 0x04
)

var (
	// ErrWrongLength means Lc or Le does not fit the fixed capacities.
	ErrWrongLength = errors.New("APDU length exceeds buffer capacity")
	// ErrMalformed means the body does not match any ISO 7816-3 case.
	ErrMalformed = errors.New("malformed APDU")
)

// Command is a parsed command APDU. Data aliases the buffer it was parsed
// from; callers that keep a Command past the next read must copy it.
type Command struct {
	Data        []byte
	Le          int
	Class       byte
	Instruction byte
	P1          byte
	P2          byte
	Extended    bool
}

// ParseCommand decodes raw as a short or extended APDU (cases 1 to 4).
// Lc above dataCap or Le above respCap yields ErrWrongLength. A wildcard Le
// (0x00 short, 0x0000 extended) asks for as much as fits, so it is clamped
// to respCap instead.
func ParseCommand(raw []byte, dataCap, respCap int) (Command, error) {
	if len(raw) < headerLength {
		return Command{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}

	cmd := Command{Class: raw[0], Instruction: raw[1], P1: raw[2], P2: raw[3]}
	body := raw[headerLength:]

	var lc int
	var le int
	var wildcard bool

	switch {
	case len(body) == 0:
		// case 1
	case len(body) == 1:
		// case 2 short
		le, wildcard = shortLe(body[0])
	case body[0] != 0:
		// case 3/4 short
		lc = int(body[0])
		switch len(body) {
		case 1 + lc:
			cmd.Data = body[1:]
		case 2 + lc:
			cmd.Data = body[1 : 1+lc]
			le, wildcard = shortLe(body[1+lc])
		default:
			return Command{}, fmt.Errorf("%w: Lc %d with %d body bytes", ErrMalformed, lc, len(body))
		}
	case len(body) == 3:
		// case 2 extended
		cmd.Extended = true
		le, wildcard = extendedLe(body[1:])
	case len(body) > 3:
		// case 3/4 extended
		cmd.Extended = true
		lc = int(binary.BigEndian.Uint16(body[1:3]))
		if lc == 0 {
			return Command{}, fmt.Errorf("%w: extended Lc of zero", ErrMalformed)
		}
		switch len(body) {
		case 3 + lc:
			cmd.Data = body[3:]
		case 5 + lc:
			cmd.Data = body[3 : 3+lc]
			le, wildcard = extendedLe(body[3+lc:])
		default:
			return Command{}, fmt.Errorf("%w: extended Lc %d with %d body bytes", ErrMalformed, lc, len(body))
		}
	default:
		return Command{}, fmt.Errorf("%w: %d body bytes", ErrMalformed, len(body))
	}

	if lc > dataCap {
		return Command{}, fmt.Errorf("%w: Lc %d > %d", ErrWrongLength, lc, dataCap)
	}
	if le > respCap {
		if !wildcard {
			return Command{}, fmt.Errorf("%w: Le %d > %d", ErrWrongLength, le, respCap)
		}
		le = respCap
	}
	cmd.Le = le

	return cmd, nil
}

func shortLe(b byte) (int, bool) {
	if b == 0 {
		return MaxShortLe, true
	}
	return int(b), false
}

func extendedLe(b []byte) (int, bool) {
	v := int(binary.BigEndian.Uint16(b))
	if v == 0 {
		return MaxExtendedLe, true
	}
	return v, false
}

// Bytes encodes the command, choosing extended form when Data or Le do not
// fit the short form.
func (c Command) Bytes() []byte {
	nc := len(c.Data)
	extended := c.Extended || nc > MaxShortLc || c.Le > MaxShortLe

	out := make([]byte, 0, headerLength+3+nc+2)
	out = append(out, c.Class, c.Instruction, c.P1, c.P2)

	if nc > 0 {
		if extended {
			out = append(out, 0x00, byte(nc>>8), byte(nc))
		} else {
			out = append(out, byte(nc))
		}
		out = append(out, c.Data...)
	}

	if c.Le > 0 {
		switch {
		case !extended:
			out = append(out, byte(c.Le)) // 256 wraps to 0x00
		default:
			if nc == 0 {
				out = append(out, 0x00)
			}
			out = append(out, byte(c.Le>>8), byte(c.Le)) // 65536 wraps to 0x0000
		}
	}
	return out
}

// IsSelectByName reports whether c is SELECT with P1 "select by DF name".
func (c Command) IsSelectByName() bool {
	return c.Class == ClassStandard && c.Instruction == InsSelectFile && c.P1 == SelectByName
}

// Chained reports whether more command chunks follow (CLA bit 5).
func (c Command) Chained() bool {
	return c.Class&ClassChaining != 0
}

// String returns a readable representation of the header.
func (c Command) String() string {
	return fmt.Sprintf("CLA %02X INS %02X P1 %02X P2 %02X Lc %d Le %d", c.Class, c.Instruction, c.P1, c.P2, len(c.Data), c.Le)
}

// Response is a response APDU: payload followed by the status word.
type Response struct {
	Data   []byte
	Status Status
}

// Bytes appends SW1 SW2 to the payload.
func (r Response) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

// ParseResponse splits raw into payload and status word.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, fmt.Errorf("%w: response of %d bytes", ErrMalformed, len(raw))
	}
	n := len(raw) - 2
	return Response{Data: raw[:n], Status: NewStatus(raw[n], raw[n+1])}, nil
}
