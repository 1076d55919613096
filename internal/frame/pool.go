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

import "sync"

// BufferPool hands out reusable byte slices for block assembly so the
// transports do not allocate per block.
type BufferPool struct {
	smallPool sync.Pool
	blockPool sync.Pool
	apduPool  sync.Pool
}

// Size classes
const (
	SmallBufferSize = 16           // headers, S-block payloads
	BlockBufferSize = MaxBlockSize // one complete T=1 block
	APDUBufferSize  = 4096         // reassembled chained APDUs
)

var defaultPool = NewBufferPool()

func newPoolFunc(size int) func() any {
	return func() any {
		buf := make([]byte, size)
		return &buf
	}
}

// NewBufferPool creates a pool with one sync.Pool per size class.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		smallPool: sync.Pool{New: newPoolFunc(SmallBufferSize)},
		blockPool: sync.Pool{New: newPoolFunc(BlockBufferSize)},
		apduPool:  sync.Pool{New: newPoolFunc(APDUBufferSize)},
	}
}

func take(p *sync.Pool, size int) []byte {
	bufPtr, ok := p.Get().(*[]byte)
	if !ok {
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// GetBuffer returns a slice of exactly size bytes. Release it with PutBuffer.
func (p *BufferPool) GetBuffer(size int) []byte {
	switch {
	case size <= SmallBufferSize:
		return take(&p.smallPool, size)
	case size <= BlockBufferSize:
		return take(&p.blockPool, size)
	case size <= APDUBufferSize:
		return take(&p.apduPool, size)
	default:
		return make([]byte, size)
	}
}

// PutBuffer zeroes buf and returns it to its size class. Oversized buffers
// are left to the GC.
func (p *BufferPool) PutBuffer(buf []byte) {
	if buf == nil {
		return
	}
	buf = buf[:cap(buf)]
	clear(buf)

	switch cap(buf) {
	case SmallBufferSize:
		p.smallPool.Put(&buf)
	case BlockBufferSize:
		p.blockPool.Put(&buf)
	case APDUBufferSize:
		p.apduPool.Put(&buf)
	}
}

// GetBuffer acquires a buffer from the default pool.
func GetBuffer(size int) []byte {
	return defaultPool.GetBuffer(size)
}

// PutBuffer returns a buffer to the default pool.
func PutBuffer(buf []byte) {
	defaultPool.PutBuffer(buf)
}
