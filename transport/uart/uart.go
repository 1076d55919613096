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

// Package uart carries APDUs between a host and the token over a serial
// line. Each direction uses the same frame:
//
//	LEN(2, big-endian) APDU CRC16(2, little-endian)
//
// where the CRC is the T=1 block checksum computed over LEN and APDU. Link is
// the token side and feeds an interchange channel; Client is the host side.
package uart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/internal/frame"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the line speed used by New and NewClient.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds a single port read so cancellation is noticed.
	DefaultReadTimeout = 50 * time.Millisecond
	// DefaultFrameTimeout is the longest gap tolerated inside one frame.
	DefaultFrameTimeout = 500 * time.Millisecond
	// MaxAPDULength is the largest APDU a frame may carry.
	MaxAPDULength = 7609 + 9

	frameOverhead = 4
)

// ErrBadFrame reports a frame with an invalid length or checksum.
var ErrBadFrame = errors.New("bad serial frame")

// AppendFrame appends the framed apdu to dst.
func AppendFrame(dst, apdu []byte) []byte {
	start := len(dst)
	dst = append(dst, byte(len(apdu)>>8), byte(len(apdu)))
	dst = append(dst, apdu...)
	crc := frame.CRC16(dst[start:])
	return append(dst, byte(crc), byte(crc>>8))
}

// DecodeFrame validates one complete frame and returns its APDU, aliasing raw.
func DecodeFrame(raw []byte) ([]byte, error) {
	if len(raw) < frameOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(raw))
	}
	n := int(raw[0])<<8 | int(raw[1])
	if n+frameOverhead != len(raw) {
		return nil, fmt.Errorf("%w: length field %d for %d bytes", ErrBadFrame, n, len(raw))
	}
	body := raw[:2+n]
	got := uint16(raw[2+n]) | uint16(raw[3+n])<<8
	if want := frame.CRC16(body); got != want {
		return nil, fmt.Errorf("%w: crc %04X, want %04X", ErrBadFrame, got, want)
	}
	return raw[2 : 2+n], nil
}

func openPort(portName string) (serial.Port, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	return port, nil
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry waits for queued output to leave the port, retrying
// interrupted system calls with a short backoff.
func drainWithRetry(port serial.Port, portName, operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := port.Drain()
		if err == nil {
			return nil
		}
		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt))
			continue
		}
		return token.NewTransmitError(operation, portName, fmt.Errorf("drain: %w", err))
	}
	return token.NewTransmitError(operation, portName, fmt.Errorf("drain failed after %d retries", maxRetries))
}

func writeFrame(port serial.Port, portName, operation string, buf, apdu []byte) ([]byte, error) {
	buf = AppendFrame(buf[:0], apdu)
	for off := 0; off < len(buf); {
		n, err := port.Write(buf[off:])
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			return buf, token.NewTransmitError(operation, portName, err)
		}
		off += n
	}
	return buf, drainWithRetry(port, portName, operation)
}

// frameReader assembles frames from a port whose reads time out regularly.
type frameReader struct {
	port         serial.Port
	portName     string
	buf          []byte
	frameTimeout time.Duration
	maxAPDU      int
}

// read returns the next frame's APDU, aliasing the reader's buffer. The
// wait for the first byte is bounded only by ctx.
func (r *frameReader) read(ctx context.Context, operation string) ([]byte, error) {
	if cap(r.buf) < r.maxAPDU+frameOverhead {
		r.buf = make([]byte, 0, r.maxAPDU+frameOverhead)
	}
	raw := r.buf[:2]
	if err := r.fill(ctx, operation, raw, false); err != nil {
		return nil, err
	}
	n := int(raw[0])<<8 | int(raw[1])
	if n == 0 || n > r.maxAPDU {
		return nil, fmt.Errorf("%w: length field %d", ErrBadFrame, n)
	}
	raw = r.buf[:n+frameOverhead]
	if err := r.fill(ctx, operation, raw[2:], true); err != nil {
		return nil, err
	}
	return DecodeFrame(raw)
}

func (r *frameReader) fill(ctx context.Context, operation string, p []byte, started bool) error {
	last := time.Now()
	for off := 0; off < len(p); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.port.Read(p[off:])
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			return token.NewReceiveError(operation, r.portName, err)
		}
		if n == 0 {
			if started && time.Since(last) > r.frameTimeout {
				return fmt.Errorf("%w: truncated after %d bytes", ErrBadFrame, off)
			}
			continue
		}
		off += n
		started = true
		last = time.Now()
	}
	return nil
}
