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

package iso7816

import (
	"errors"
	"fmt"
)

// ErrBufferFull is returned when a write would grow Data past its capacity.
var ErrBufferFull = errors.New("reply buffer full")

// Data is a fixed-capacity byte buffer. Writes that would exceed the
// capacity fail without writing anything.
type Data struct {
	buf []byte
}

// NewData allocates a buffer of the given capacity.
func NewData(capacity int) *Data {
	return &Data{buf: make([]byte, 0, capacity)}
}

// Write implements io.Writer.
func (d *Data) Write(p []byte) (int, error) {
	if len(d.buf)+len(p) > cap(d.buf) {
		return 0, fmt.Errorf("%w: %d + %d > %d", ErrBufferFull, len(d.buf), len(p), cap(d.buf))
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// WriteByte implements io.ByteWriter.
func (d *Data) WriteByte(b byte) error {
	_, err := d.Write([]byte{b})
	return err
}

// Bytes returns the buffered bytes. The slice is valid until the next Reset.
func (d *Data) Bytes() []byte { return d.buf }

// Len returns the number of buffered bytes
func (d *Data) Len() int { return len(d.buf) }

// Cap returns the fixed capacity
func (d *Data) Cap() int { return cap(d.buf) }

// Reset empties the buffer and keeps its storage.
func (d *Data) Reset() { d.buf = d.buf[:0] }
