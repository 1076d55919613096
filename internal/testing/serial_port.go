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

package testing

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrPortClosed is returned by a VirtualSerialPort after Close.
var ErrPortClosed = errors.New("virtual serial port closed")

// JitterConfig shapes how a VirtualSerialPort delivers received bytes, the
// way USB-UART bridges (FTDI, CH340) split and delay traffic.
type JitterConfig struct {
	MaxLatency        time.Duration
	FragmentMinBytes  int
	StallAfterBytes   int
	StallDuration     time.Duration
	Seed              uint64
	FragmentReads     bool
	USBBoundaryStress bool
}

// DefaultJitterConfig fragments every read and adds up to 2ms of latency.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatency:       2 * time.Millisecond,
		FragmentReads:    true,
		FragmentMinBytes: 1,
	}
}

type pipe struct {
	buf    []byte
	closed bool
}

type serialLine struct {
	mu    sync.Mutex
	pipes [2]pipe
}

// VirtualSerialPort is one end of an in-memory serial line. It implements
// serial.Port: Read honours SetReadTimeout and returns 0, nil when the
// timeout expires with nothing buffered.
type VirtualSerialPort struct {
	line    *serialLine
	rng     *rand.Rand
	readErr error
	jitter  JitterConfig
	rx, tx  int
	timeout time.Duration
	mu      sync.Mutex
	written int
	seen    int
	stalled bool
	drains  int
}

// NewVirtualSerialPair returns two connected ends. Bytes written to one are
// read from the other; jitter applies to reads on the first end only.
func NewVirtualSerialPair(jitter *JitterConfig) (device, host *VirtualSerialPort) {
	line := &serialLine{}
	device = &VirtualSerialPort{line: line, rx: 0, tx: 1, timeout: serial.NoTimeout}
	host = &VirtualSerialPort{line: line, rx: 1, tx: 0, timeout: serial.NoTimeout}
	if jitter != nil {
		cfg := *jitter
		if cfg.FragmentMinBytes < 1 {
			cfg.FragmentMinBytes = 1
		}
		seed := cfg.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		device.jitter = cfg
		device.rng = rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)) //nolint:gosec // Test code, not crypto
	}
	return device, host
}

// SetReadError makes every subsequent Read fail with err. Nil clears it.
func (p *VirtualSerialPort) SetReadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

// Written returns how many bytes this end has written.
func (p *VirtualSerialPort) Written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Drains returns how many times Drain was called.
func (p *VirtualSerialPort) Drains() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drains
}

// Buffered returns the number of bytes waiting to be read on this end.
func (p *VirtualSerialPort) Buffered() int {
	p.line.mu.Lock()
	defer p.line.mu.Unlock()
	return len(p.line.pipes[p.rx].buf)
}

func (*VirtualSerialPort) SetMode(*serial.Mode) error { return nil }

func (p *VirtualSerialPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	readErr, timeout := p.readErr, p.timeout
	p.mu.Unlock()
	if readErr != nil {
		return 0, readErr
	}
	if len(buf) == 0 {
		return 0, nil
	}

	p.delay()

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		p.line.mu.Lock()
		in := &p.line.pipes[p.rx]
		if len(in.buf) > 0 {
			n := p.fragment(min(len(buf), len(in.buf)))
			copy(buf, in.buf[:n])
			in.buf = in.buf[n:]
			p.line.mu.Unlock()
			return n, nil
		}
		closed := in.closed
		p.line.mu.Unlock()
		if closed {
			return 0, ErrPortClosed
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(200 * time.Microsecond)
	}
}

func (p *VirtualSerialPort) delay() {
	if p.rng == nil {
		return
	}
	p.mu.Lock()
	var d time.Duration
	if p.jitter.MaxLatency > 0 {
		d = time.Duration(p.rng.Int64N(int64(p.jitter.MaxLatency) + 1))
	}
	if p.jitter.StallAfterBytes > 0 && !p.stalled && p.seen >= p.jitter.StallAfterBytes {
		p.stalled = true
		d += p.jitter.StallDuration
	}
	p.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// fragment picks how many of n available bytes one Read hands back.
func (p *VirtualSerialPort) fragment(n int) int {
	if p.rng == nil {
		return n
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jitter.USBBoundaryStress {
		if rem := 64 - p.seen%64; rem < n {
			n = rem
		}
	}
	if p.jitter.FragmentReads && n > p.jitter.FragmentMinBytes {
		n = p.jitter.FragmentMinBytes + p.rng.IntN(n-p.jitter.FragmentMinBytes+1)
	}
	p.seen += n
	return n
}

func (p *VirtualSerialPort) Write(data []byte) (int, error) {
	p.line.mu.Lock()
	defer p.line.mu.Unlock()
	out := &p.line.pipes[p.tx]
	if out.closed {
		return 0, ErrPortClosed
	}
	out.buf = append(out.buf, data...)

	p.mu.Lock()
	p.written += len(data)
	p.mu.Unlock()
	return len(data), nil
}

func (p *VirtualSerialPort) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drains++
	return nil
}

func (p *VirtualSerialPort) ResetInputBuffer() error {
	p.line.mu.Lock()
	defer p.line.mu.Unlock()
	p.line.pipes[p.rx].buf = nil
	return nil
}

func (*VirtualSerialPort) ResetOutputBuffer() error { return nil }
func (*VirtualSerialPort) SetDTR(bool) error        { return nil }
func (*VirtualSerialPort) SetRTS(bool) error        { return nil }

func (*VirtualSerialPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{CTS: true, DSR: true}, nil
}

func (p *VirtualSerialPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

// Close shuts both directions of the line.
func (p *VirtualSerialPort) Close() error {
	p.line.mu.Lock()
	defer p.line.mu.Unlock()
	p.line.pipes[0].closed = true
	p.line.pipes[1].closed = true
	return nil
}

func (*VirtualSerialPort) Break(time.Duration) error { return nil }

var _ serial.Port = (*VirtualSerialPort)(nil)
