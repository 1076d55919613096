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

// CRC16/X.25 (CCITT polynomial 0x1021 processed LSB first, i.e. 0x8408),
// init 0xFFFF, final XOR 0xFFFF, sent little-endian after INF.

const (
	crcPolyReversed = 0x8408
	crcInit         = 0xFFFF
	crcXorOut       = 0xFFFF
)

var crcTable = func() (table [256]uint16) {
	for i := range table {
		crc := uint16(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ crcPolyReversed
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// CRCInit returns the initial CRC register value.
func CRCInit() uint16 {
	return crcInit
}

// CRCUpdate folds data into a running CRC.
func CRCUpdate(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc>>8 ^ crcTable[byte(crc)^b]
	}
	return crc
}

// CRCFinal applies the output XOR.
func CRCFinal(crc uint16) uint16 {
	return crc ^ crcXorOut
}

// CRC16 computes the block checksum of data in one pass.
func CRC16(data []byte) uint16 {
	return CRCFinal(CRCUpdate(CRCInit(), data))
}

// AppendCRC appends the little-endian CRC16 of data to data.
func AppendCRC(data []byte) []byte {
	crc := CRC16(data)
	return append(data, byte(crc), byte(crc>>8))
}
