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
	"encoding/binary"
	"fmt"
	"time"
)

// ATR field offsets within the S(InterfaceSoftReset) response payload.
const (
	atrProtocolVersion = 0
	atrVendorID        = 1
	atrDLLPLength      = 6
	atrBWT             = 7
	atrIFSC            = 9
	atrPLPType         = 11
	atrPLPLength       = 12
	atrMCF             = 13
	atrConfiguration   = 15
	atrMPOT            = 16
	atrRFU             = 17
	atrSEGT            = 20
	atrWUT             = 22
	atrHistoricalLen   = 24
	atrHistorical      = 25

	// ATRMinLength is the shortest valid ATR: everything up to and
	// including the historical-bytes length.
	ATRMinLength = atrHistorical

	dllpLength     = 4
	i2cPLPLength   = 11
	maxHistorical  = 32
	vendorIDLength = 5
)

// PhysicalLayerType identifies the physical layer described by the ATR.
type PhysicalLayerType byte

const (
	// PhysicalLayerSPI is reserved by GlobalPlatform; only I2C is accepted.
	PhysicalLayerSPI PhysicalLayerType = 1
	// PhysicalLayerI2C is the only physical layer the SE050 reports.
	PhysicalLayerI2C PhysicalLayerType = 2
)

// DataLinkLayerParameters are the T=1 timing and size limits of the card.
type DataLinkLayerParameters struct {
	// BWTMillis is the block waiting time in milliseconds
	BWTMillis uint16
	// IFSC is the largest INF field the card accepts
	IFSC uint16
}

// I2CParameters describe the I2C physical layer of the card.
type I2CParameters struct {
	// MCF is the maximum clock frequency in kHz
	MCF uint16
	// Configuration is a bitmap of supported I2C features
	Configuration byte
	// MPOTMillis is the minimum polling time
	MPOTMillis byte
	RFU        [3]byte
	// SEGTMicros is the secure element guard time
	SEGTMicros uint16
	// WUTMicros is the wake-up time
	WUTMicros uint16
}

// PhysicalLayerParameters wraps the layer-specific parameters.
type PhysicalLayerParameters struct {
	I2C  I2CParameters
	Type PhysicalLayerType
}

// AnswerToReset is the parsed ATR returned by an interface soft reset.
type AnswerToReset struct {
	Physical        PhysicalLayerParameters
	DataLink        DataLinkLayerParameters
	HistoricalLen   int
	HistoricalBytes [maxHistorical]byte
	VendorID        [vendorIDLength]byte
	ProtocolVersion byte
}

// Historical returns the stored historical bytes.
func (a *AnswerToReset) Historical() []byte {
	return a.HistoricalBytes[:a.HistoricalLen]
}

// BlockWaitingTime returns BWT as a duration.
func (a *AnswerToReset) BlockWaitingTime() time.Duration {
	return time.Duration(a.DataLink.BWTMillis) * time.Millisecond
}

// String returns a one-line summary for logs.
func (a *AnswerToReset) String() string {
	return fmt.Sprintf("ATR v%d vendor %X BWT %dms IFSC %d MCF %dkHz hist %X",
		a.ProtocolVersion, a.VendorID[:], a.DataLink.BWTMillis, a.DataLink.IFSC,
		a.Physical.I2C.MCF, a.Historical())
}

// ParseAnswerToReset decodes the ATR payload of an S(InterfaceSoftReset)
// response. Structural mismatches are ErrProtocol; nothing is coerced.
// Historical bytes beyond the first 32 are dropped.
func ParseAnswerToReset(payload []byte) (*AnswerToReset, error) {
	if len(payload) < ATRMinLength {
		return nil, fmt.Errorf("%w: ATR too short (%d bytes)", ErrProtocol, len(payload))
	}
	if payload[atrDLLPLength] != dllpLength {
		return nil, fmt.Errorf("%w: DLLP length %d, want %d", ErrProtocol, payload[atrDLLPLength], dllpLength)
	}
	if PhysicalLayerType(payload[atrPLPType]) != PhysicalLayerI2C {
		return nil, fmt.Errorf("%w: physical layer type %d is not I2C", ErrProtocol, payload[atrPLPType])
	}
	if payload[atrPLPLength] != i2cPLPLength {
		return nil, fmt.Errorf("%w: PLP length %d, want %d", ErrProtocol, payload[atrPLPLength], i2cPLPLength)
	}

	histLen := int(payload[atrHistoricalLen])
	if atrHistorical+histLen > len(payload) {
		return nil, fmt.Errorf("%w: historical length %d exceeds ATR (%d bytes)",
			ErrProtocol, histLen, len(payload)-atrHistorical)
	}

	atr := &AnswerToReset{
		ProtocolVersion: payload[atrProtocolVersion],
		DataLink: DataLinkLayerParameters{
			BWTMillis: binary.BigEndian.Uint16(payload[atrBWT:]),
			IFSC:      binary.BigEndian.Uint16(payload[atrIFSC:]),
		},
		Physical: PhysicalLayerParameters{
			Type: PhysicalLayerI2C,
			I2C: I2CParameters{
				MCF:           binary.BigEndian.Uint16(payload[atrMCF:]),
				Configuration: payload[atrConfiguration],
				MPOTMillis:    payload[atrMPOT],
				SEGTMicros:    binary.BigEndian.Uint16(payload[atrSEGT:]),
				WUTMicros:     binary.BigEndian.Uint16(payload[atrWUT:]),
			},
		},
	}
	copy(atr.VendorID[:], payload[atrVendorID:atrDLLPLength])
	copy(atr.Physical.I2C.RFU[:], payload[atrRFU:atrSEGT])
	atr.HistoricalLen = copy(atr.HistoricalBytes[:], payload[atrHistorical:atrHistorical+histLen])

	return atr, nil
}

// AppendBinary appends the wire encoding of the ATR to dst. It is the
// inverse of ParseAnswerToReset for ATRs with at most 32 historical bytes.
func (a *AnswerToReset) AppendBinary(dst []byte) []byte {
	dst = append(dst, a.ProtocolVersion)
	dst = append(dst, a.VendorID[:]...)
	dst = append(dst, dllpLength)
	dst = binary.BigEndian.AppendUint16(dst, a.DataLink.BWTMillis)
	dst = binary.BigEndian.AppendUint16(dst, a.DataLink.IFSC)
	dst = append(dst, byte(PhysicalLayerI2C), i2cPLPLength)
	dst = binary.BigEndian.AppendUint16(dst, a.Physical.I2C.MCF)
	dst = append(dst, a.Physical.I2C.Configuration, a.Physical.I2C.MPOTMillis)
	dst = append(dst, a.Physical.I2C.RFU[:]...)
	dst = binary.BigEndian.AppendUint16(dst, a.Physical.I2C.SEGTMicros)
	dst = binary.BigEndian.AppendUint16(dst, a.Physical.I2C.WUTMicros)
	dst = append(dst, byte(a.HistoricalLen))
	return append(dst, a.Historical()...)
}
