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

// Package se050 is the session layer for the NXP SE050 secure element. It
// owns a T=1 transport, powers the chip up, selects the IoT applet and
// serialises every exchange behind one mutex.
package se050

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/internal/syncutil"
	"github.com/ZaparooProject/go-token/iso7816"
	"periph.io/x/conn/v3/gpio"
)

// AppletAID identifies the SE050 IoT applet.
var AppletAID = iso7816.MustAID("A0000003965453000000010300000000")

// appInfoLength is the SELECT response payload: version(3) features(2) securebox(2)
const appInfoLength = 7

// responseBufferSize holds the largest response APDU plus SW.
const responseBufferSize = iso7816.DefaultResponseCapacity + 2

// State is the session state of a Device.
type State int

// Session states
const (
	StateDisabled State = iota
	StateEnabling
	StateEnabled
	StateDisabling
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateEnabled:
		return "enabled"
	case StateDisabling:
		return "disabling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AppInfo is the applet description returned by SELECT.
type AppInfo struct {
	// AppletVersion is major.minor.patch packed as 24 bits
	AppletVersion    uint32
	Features         uint16
	SecureBoxVersion uint16
}

// ParseAppInfo decodes the 7-byte SELECT response payload.
func ParseAppInfo(b []byte) (*AppInfo, error) {
	if len(b) != appInfoLength {
		return nil, fmt.Errorf("%w: applet info is %d bytes, want %d", token.ErrProtocol, len(b), appInfoLength)
	}
	return &AppInfo{
		AppletVersion:    uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Features:         binary.BigEndian.Uint16(b[3:5]),
		SecureBoxVersion: binary.BigEndian.Uint16(b[5:7]),
	}, nil
}

// String returns e.g. "applet 3.1.0 features 3FFF securebox 1.11".
func (a *AppInfo) String() string {
	return fmt.Sprintf("applet %d.%d.%d features %04X securebox %d.%d",
		a.AppletVersion>>16, a.AppletVersion>>8&0xFF, a.AppletVersion&0xFF,
		a.Features, a.SecureBoxVersion>>8, a.SecureBoxVersion&0xFF)
}

// Option configures a Device
type Option func(*Device) error

// WithPowerPin drives pin high on Enable and low on Disable.
func WithPowerPin(pin gpio.PinOut) Option {
	return func(d *Device) error {
		d.power = pin
		return nil
	}
}

// WithPowerOnDelay sets how long to wait after raising the power pin.
func WithPowerOnDelay(delay time.Duration) Option {
	return func(d *Device) error {
		if delay < 0 {
			return fmt.Errorf("power-on delay must not be negative: %v", delay)
		}
		d.powerDelay = delay
		return nil
	}
}

// WithRetryConfig sets the retry policy for the applet SELECT.
func WithRetryConfig(cfg *token.RetryConfig) Option {
	return func(d *Device) error {
		if cfg == nil {
			return errors.New("retry config must not be nil")
		}
		d.retry = cfg
		return nil
	}
}

// Device is an SE050 session.
//
// Thread Safety: all methods are safe for concurrent use. The transport
// must not be used by anything else while the Device owns it.
type Device struct {
	t1         token.T1
	power      gpio.PinOut
	retry      *token.RetryConfig
	atr        *token.AnswerToReset
	info       *AppInfo
	buf        []byte
	powerDelay time.Duration
	mu         syncutil.Mutex
	state      State
	desynced   bool // a failed exchange left the block sequence unknown
}

// New creates a disabled session on t1.
func New(t1 token.T1, opts ...Option) (*Device, error) {
	d := &Device{
		t1:         t1,
		retry:      token.DefaultRetryConfig(),
		powerDelay: token.DefaultPowerSettleDelay,
		buf:        make([]byte, responseBufferSize),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// State returns the current session state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// AnswerToReset returns the ATR cached by the last successful Enable.
func (d *Device) AnswerToReset() *token.AnswerToReset {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.atr
}

// AppInfo returns the applet info, or nil unless enabled.
func (d *Device) AppInfo() *AppInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Enable powers the chip, soft-resets the T=1 interface and selects the IoT
// applet. On failure the device is left disabled and the error wraps both
// token.ErrEnableFailed and the cause.
func (d *Device) Enable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateEnabled {
		return nil
	}
	d.state = StateEnabling

	if err := d.enable(ctx); err != nil {
		_ = d.powerOff()
		d.atr, d.info = nil, nil
		d.state = StateDisabled
		return fmt.Errorf("%w: %w", token.ErrEnableFailed, err)
	}
	d.state = StateEnabled
	token.Debugf("se050: enabled, %s", d.info)
	return nil
}

func (d *Device) enable(ctx context.Context) error {
	if d.power != nil {
		if err := d.power.Out(gpio.High); err != nil {
			return fmt.Errorf("power on %s: %w", d.power, err)
		}
		if err := sleepCtx(ctx, d.powerDelay); err != nil {
			return err
		}
	}

	atr, err := d.t1.InterfaceSoftReset(ctx)
	if err != nil {
		return fmt.Errorf("soft reset: %w", err)
	}
	d.atr = atr
	d.desynced = false

	info, err := d.selectApplet(ctx)
	if err != nil {
		return fmt.Errorf("select applet: %w", err)
	}
	d.info = info
	return nil
}

// retryConfig returns the session retry policy for what. The link is
// resynchronised before every attempt after the first.
func (d *Device) retryConfig(what string) *token.RetryConfig {
	cfg := *d.retry
	cfg.OnRetry = func(ctx context.Context, attempt int, lastErr error) error {
		token.Debugf("se050: %s attempt %d after %v, resyncing", what, attempt+1, lastErr)
		return d.resync(ctx)
	}
	return &cfg
}

func (d *Device) resync(ctx context.Context) error {
	if err := d.t1.Resync(ctx); err != nil {
		return err
	}
	d.desynced = false
	return nil
}

// selectApplet retries transient link failures. A status word other than
// 9000 is final.
func (d *Device) selectApplet(ctx context.Context) (*AppInfo, error) {
	cmd := iso7816.Command{
		Class:       iso7816.ClassStandard,
		Instruction: iso7816.InsSelectFile,
		P1:          iso7816.SelectByName,
		Data:        AppletAID,
		Le:          iso7816.MaxShortLe,
	}

	var info *AppInfo
	err := token.RetryWithConfig(ctx, d.retryConfig("SELECT"), func(ctx context.Context) error {
		rsp, err := d.exchange(ctx, cmd)
		if err != nil {
			return err
		}
		if rsp.Status != iso7816.Success {
			return rsp.Status
		}
		info, err = ParseAppInfo(rsp.Data)
		return err
	})
	return info, err
}

// Disable ends the APDU session and drops the power pin. The end-of-session
// exchange is best effort; a dead link does not keep the device enabled.
func (d *Device) Disable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateDisabled {
		return nil
	}
	d.state = StateDisabling

	if err := d.t1.EndApduSession(ctx); err != nil {
		token.Debugf("se050: end of APDU session failed: %v", err)
	}
	err := d.powerOff()
	d.atr, d.info = nil, nil
	d.desynced = false
	d.state = StateDisabled
	return err
}

// Close disables the device and closes its transport.
func (d *Device) Close(ctx context.Context) error {
	disableErr := d.Disable(ctx)
	if err := d.t1.Close(); err != nil {
		return errors.Join(disableErr, fmt.Errorf("close transport: %w", err))
	}
	return disableErr
}

func (d *Device) powerOff() error {
	if d.power == nil {
		return nil
	}
	if err := d.power.Out(gpio.Low); err != nil {
		token.Warnf("se050: power off %s: %v", d.power, err)
		return fmt.Errorf("power off %s: %w", d.power, err)
	}
	return nil
}

// Transceive sends cmd to the applet and returns its response. Transient
// link failures are retried under the session retry policy. The response
// data is a copy owned by the caller.
func (d *Device) Transceive(ctx context.Context, cmd iso7816.Command) (iso7816.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateEnabled {
		return iso7816.Response{}, token.ErrNotEnabled
	}
	var rsp iso7816.Response
	err := token.RetryWithConfig(ctx, d.retryConfig("APDU"), func(ctx context.Context) error {
		var err error
		rsp, err = d.exchange(ctx, cmd)
		return err
	})
	if err != nil {
		return iso7816.Response{}, err
	}
	rsp.Data = append([]byte(nil), rsp.Data...)
	return rsp, nil
}

// exchange runs one APDU round trip. The response aliases d.buf. A link
// failure marks the session desynchronised; the next exchange resyncs first.
func (d *Device) exchange(ctx context.Context, cmd iso7816.Command) (iso7816.Response, error) {
	if d.desynced {
		if err := d.resync(ctx); err != nil {
			return iso7816.Response{}, fmt.Errorf("resync: %w", err)
		}
	}
	n, err := token.Transceive(ctx, d.t1, cmd.Bytes(), d.buf)
	if err != nil {
		d.desynced = true
		return iso7816.Response{}, err
	}
	rsp, err := iso7816.ParseResponse(d.buf[:n])
	if err != nil {
		return iso7816.Response{}, fmt.Errorf("%w: %w", token.ErrProtocol, err)
	}
	return rsp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
