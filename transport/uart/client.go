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
	"time"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/internal/syncutil"
	"go.bug.st/serial"
)

// Client is the host end of a serial link.
type Client struct {
	port     serial.Port
	reader   frameReader
	wbuf     []byte
	portName string
	timeout  time.Duration
	mu       syncutil.Mutex
}

// NewClient opens portName at 115200 8N1.
func NewClient(portName string) (*Client, error) {
	port, err := openPort(portName)
	if err != nil {
		return nil, err
	}
	return NewClientWithPort(port, portName)
}

// NewClientWithPort wraps an already open port.
func NewClientWithPort(port serial.Port, portName string) (*Client, error) {
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	return &Client{
		port:     port,
		portName: portName,
		timeout:  DefaultResponseTimeout + time.Second,
		reader: frameReader{
			port:         port,
			portName:     portName,
			frameTimeout: DefaultFrameTimeout,
			maxAPDU:      MaxAPDULength,
		},
	}, nil
}

// SetTimeout bounds how long Transmit waits for a reply.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Transmit sends one APDU and returns a copy of the reply, status word
// included.
func (c *Client) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	if len(apdu) == 0 || len(apdu) > MaxAPDULength {
		return nil, fmt.Errorf("uart: APDU length %d out of range", len(apdu))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	if c.wbuf, err = writeFrame(c.port, c.portName, "Transmit", c.wbuf, apdu); err != nil {
		return nil, err
	}
	token.Debugf("UART %s TX: %X", c.portName, apdu)

	rsp, err := c.reader.read(ctx, "Transmit")
	if errors.Is(err, ErrBadFrame) {
		_ = c.port.ResetInputBuffer()
		return nil, token.NewTransportError("Transmit", c.portName, fmt.Errorf("%w: %w", token.ErrChecksum, err),
			token.ErrorTypeTransient)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, token.NewReceiveError("Transmit", c.portName, err)
		}
		return nil, err
	}
	token.Debugf("UART %s RX: %X", c.portName, rsp)

	out := make([]byte, len(rsp))
	copy(out, rsp)
	return out, nil
}

// Close releases the port.
func (c *Client) Close() error {
	if err := c.port.Close(); err != nil {
		return fmt.Errorf("failed to close UART port %s: %w", c.portName, err)
	}
	return nil
}
