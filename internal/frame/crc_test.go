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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// bitwiseCRC is the shift-register form of CRC16/X.25 used as a reference.
func bitwiseCRC(data []byte, crc uint16) uint16 {
	for _, b := range data {
		crc ^= uint16(b)
		for range 8 {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func TestCRC16_KnownVectors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{name: "empty", data: []byte{}, want: 0x0000},
		{name: "single zero", data: []byte{0x00}, want: 0xF078},
		{name: "check string", data: []byte("123456789"), want: 0x906E},
		{name: "sixteen 0xFF", data: []byte{
			0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
			0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		}, want: 0x2DA9},
		{name: "soft reset header", data: []byte{0x5A, 0xCF, 0x00}, want: 0x7F37},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CRC16(tt.data))
			assert.Equal(t, tt.want, CRCFinal(CRCUpdate(CRCInit(), tt.data)))
		})
	}
}

func TestCRC16_MatchesBitwiseReference(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7)) //nolint:gosec // deterministic test data

	for range 32 {
		buf := make([]byte, 260)
		_, _ = rng.Read(buf)
		want := ^bitwiseCRC(buf, 0xFFFF)
		assert.Equal(t, want, CRC16(buf))
	}
}

func TestCRCUpdate_Incremental(t *testing.T) {
	t.Parallel()
	data := []byte("incremental crc over split buffers")

	for split := range len(data) {
		crc := CRCUpdate(CRCInit(), data[:split])
		crc = CRCUpdate(crc, data[split:])
		assert.Equal(t, CRC16(data), CRCFinal(crc), "split at %d", split)
	}
}

func TestAppendCRC_LittleEndian(t *testing.T) {
	t.Parallel()
	out := AppendCRC([]byte{0x5A, 0xCF, 0x00})
	assert.Equal(t, []byte{0x5A, 0xCF, 0x00, 0x37, 0x7F}, out)
}
