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

package uart

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/interchange"
	"github.com/ZaparooProject/go-token/internal/syncutil"
	"github.com/ZaparooProject/go-token/iso7816"
	"go.bug.st/serial"
)

const (
	// DefaultPollInterval is how often the link checks the channel while a
	// request is pending.
	DefaultPollInterval = time.Millisecond
	// DefaultResponseTimeout bounds one APDU round trip through the channel.
	DefaultResponseTimeout = 5 * time.Second
)

// Stats counts link activity since creation.
type Stats struct {
	Frames   uint64
	Dropped  uint64
	Timeouts uint64
}

// Link bridges a serial port into an interchange channel. Serve runs on its
// own goroutine; the dispatcher only ever sees Request and TakeResponse
// polls, so a slow or silent host never stalls a tick.
type Link struct {
	port            serial.Port
	ch              *interchange.Channel
	reader          frameReader
	wbuf            []byte
	portName        string
	pollInterval    time.Duration
	responseTimeout time.Duration
	frames          atomic.Uint64
	dropped         atomic.Uint64
	timeouts        atomic.Uint64
	mu              syncutil.Mutex
	closed          bool
}

// Option configures a Link.
type Option func(*Link)

// WithPollInterval sets how often a pending request is polled.
func WithPollInterval(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithResponseTimeout sets how long the link waits for the dispatcher
// before answering 6F00 and resetting the channel.
func WithResponseTimeout(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.responseTimeout = d
		}
	}
}

// WithFrameTimeout sets the longest gap tolerated inside one frame.
func WithFrameTimeout(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.reader.frameTimeout = d
		}
	}
}

// WithMaxAPDU limits the APDU length accepted from the host.
func WithMaxAPDU(n int) Option {
	return func(l *Link) {
		if n > 0 && n <= MaxAPDULength {
			l.reader.maxAPDU = n
		}
	}
}

// New opens portName at 115200 8N1 and binds it to ch.
func New(portName string, ch *interchange.Channel, opts ...Option) (*Link, error) {
	port, err := openPort(portName)
	if err != nil {
		return nil, err
	}
	return NewWithPort(port, portName, ch, opts...)
}

// NewWithPort binds an already open port to ch.
func NewWithPort(port serial.Port, portName string, ch *interchange.Channel, opts ...Option) (*Link, error) {
	if ch == nil {
		return nil, errors.New("uart: nil channel")
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	l := &Link{
		port:            port,
		ch:              ch,
		portName:        portName,
		pollInterval:    DefaultPollInterval,
		responseTimeout: DefaultResponseTimeout,
		reader: frameReader{
			port:         port,
			portName:     portName,
			frameTimeout: DefaultFrameTimeout,
			maxAPDU:      MaxAPDULength,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Serve answers host frames until ctx is done or the port fails. Frames
// with a bad length or checksum are dropped and the input buffer flushed.
func (l *Link) Serve(ctx context.Context) error {
	token.Debugf("UART %s: serving APDUs", l.portName)
	for {
		apdu, err := l.reader.read(ctx, "Serve")
		switch {
		case errors.Is(err, ErrBadFrame):
			l.dropped.Add(1)
			token.Debugf("UART %s: dropping frame: %v", l.portName, err)
			_ = l.port.ResetInputBuffer()
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		rsp, err := l.exchange(ctx, apdu)
		if err != nil {
			return err
		}
		if l.wbuf, err = writeFrame(l.port, l.portName, "Serve", l.wbuf, rsp); err != nil {
			return err
		}
		l.frames.Add(1)
	}
}

// exchange hands apdu to the dispatcher and waits for its answer. When the
// dispatcher stays silent past the response timeout the channel is reset
// and the host gets 6F00.
func (l *Link) exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	req := make([]byte, len(apdu))
	copy(req, apdu)

	deadline := time.Now().Add(l.responseTimeout)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	requested := false
	for {
		if !requested {
			err := l.ch.Request(req)
			switch {
			case err == nil:
				requested = true
			case !errors.Is(err, interchange.ErrBusy):
				return nil, err
			}
		}
		if requested {
			if rsp, ok := l.ch.TakeResponse(); ok {
				return rsp, nil
			}
		}
		if !time.Now().Before(deadline) {
			l.timeouts.Add(1)
			l.ch.Reset()
			token.Warnf("UART %s: no response within %v, channel reset", l.portName, l.responseTimeout)
			st := iso7816.UnspecifiedCheckingError
			return []byte{st.SW1(), st.SW2()}, nil
		}

		select {
		case <-ctx.Done():
			l.ch.Reset()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns the link counters.
func (l *Link) Stats() Stats {
	return Stats{
		Frames:   l.frames.Load(),
		Dropped:  l.dropped.Load(),
		Timeouts: l.timeouts.Load(),
	}
}

// Close releases the port and drops any transaction in flight.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.ch.Reset()
	if err := l.port.Close(); err != nil {
		return fmt.Errorf("failed to close UART port %s: %w", l.portName, err)
	}
	return nil
}

// Type returns the transport type.
func (*Link) Type() token.TransportType {
	return token.TransportUART
}
