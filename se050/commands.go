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

package se050

import (
	"context"
	"encoding/binary"
	"fmt"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/moov-io/bertlv"
)

// Management command constants of the IoT applet
const (
	claApplet = iso7816.ClassProprietary
	insMgmt   = 0x04

	p2Version    = 0x20
	p2FreeMemory = 0x22
	p2Random     = 0x49

	// tag1 carries both command arguments and response values
	tag1 = "41"

	// MaxRandomLength is the largest GetRandom request the applet serves.
	MaxRandomLength = 0x200
)

// MemoryType selects the memory pool reported by GetFreeMemory.
type MemoryType byte

// Memory pools
const (
	MemoryPersistent        MemoryType = 0x01
	MemoryTransientReset    MemoryType = 0x02
	MemoryTransientDeselect MemoryType = 0x03
)

// String returns the pool name.
func (m MemoryType) String() string {
	switch m {
	case MemoryPersistent:
		return "persistent"
	case MemoryTransientReset:
		return "transient (clear on reset)"
	case MemoryTransientDeselect:
		return "transient (clear on deselect)"
	default:
		return fmt.Sprintf("MemoryType(%d)", byte(m))
	}
}

// GetVersion asks the applet for its version, as opposed to the copy
// cached from SELECT.
func (d *Device) GetVersion(ctx context.Context) (*AppInfo, error) {
	val, err := d.management(ctx, p2Version, nil, appInfoLength+2)
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return ParseAppInfo(val)
}

// GetRandom returns n bytes from the chip's random number generator.
func (d *Device) GetRandom(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 || n > MaxRandomLength {
		return nil, fmt.Errorf("random length %d out of range 1..%d", n, MaxRandomLength)
	}
	arg := []bertlv.TLV{{Tag: tag1, Value: binary.BigEndian.AppendUint16(nil, uint16(n))}}
	val, err := d.management(ctx, p2Random, arg, n+4)
	if err != nil {
		return nil, fmt.Errorf("get random: %w", err)
	}
	if len(val) != n {
		return nil, fmt.Errorf("%w: got %d random bytes, want %d", token.ErrProtocol, len(val), n)
	}
	return val, nil
}

// GetFreeMemory returns the free bytes in the given pool. The applet caps
// the value at 0x7FFF.
func (d *Device) GetFreeMemory(ctx context.Context, mem MemoryType) (int, error) {
	arg := []bertlv.TLV{{Tag: tag1, Value: []byte{byte(mem)}}}
	val, err := d.management(ctx, p2FreeMemory, arg, 4)
	if err != nil {
		return 0, fmt.Errorf("get free %s memory: %w", mem, err)
	}
	if len(val) != 2 {
		return 0, fmt.Errorf("%w: free memory value is %d bytes", token.ErrProtocol, len(val))
	}
	return int(binary.BigEndian.Uint16(val)), nil
}

// management sends CLA 80 INS 04 with args encoded as BER-TLV and returns
// the value of the tag 41 object in the response.
func (d *Device) management(ctx context.Context, p2 byte, args []bertlv.TLV, le int) ([]byte, error) {
	cmd := iso7816.Command{
		Class:       claApplet,
		Instruction: insMgmt,
		P2:          p2,
		Le:          le,
	}
	if len(args) > 0 {
		data, err := bertlv.Encode(args)
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}
		cmd.Data = data
	}

	rsp, err := d.Transceive(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if rsp.Status != iso7816.Success {
		return nil, rsp.Status
	}

	tlvs, err := bertlv.Decode(rsp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", token.ErrProtocol, err)
	}
	for _, tlv := range tlvs {
		if tlv.Tag == tag1 {
			return tlv.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: response has no tag %s", token.ErrProtocol, tag1)
}
