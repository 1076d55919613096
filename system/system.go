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

// Package system assembles the token at boot: one interchange per
// interface, the app dispatcher and the optional SE050 session, plus the
// runner that ticks the dispatcher.
package system

import (
	"context"
	"errors"
	"fmt"
	"slices"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/dispatch"
	"github.com/ZaparooProject/go-token/interchange"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/ZaparooProject/go-token/se050"
)

// ErrNoInterfaces is returned by New when the configuration names none.
var ErrNoInterfaces = errors.New("no interfaces configured")

// System is the context object built once at boot. Host links take their
// channel from it; the Runner drives its dispatcher.
type System struct {
	config     *Config
	channels   map[iso7816.Interface]*interchange.Channel
	dispatcher *dispatch.Dispatcher
	se         *se050.Device
	interfaces []iso7816.Interface
}

// New builds the system from cfg. A nil cfg means DefaultConfig().
func New(cfg *Config) (*System, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Interfaces) == 0 {
		return nil, ErrNoInterfaces
	}

	s := &System{
		config:     cfg,
		channels:   make(map[iso7816.Interface]*interchange.Channel, len(cfg.Interfaces)),
		se:         cfg.SecureElement,
		interfaces: slices.Clone(cfg.Interfaces),
	}
	for _, iface := range cfg.Interfaces {
		if _, dup := s.channels[iface]; dup {
			return nil, fmt.Errorf("interface %s configured twice", iface)
		}
		s.channels[iface] = interchange.NewChannel()
	}
	s.dispatcher = dispatch.New(cfg.Apps, s.channels,
		dispatch.WithCapacities(cfg.CommandCapacity, cfg.ResponseCapacity))
	return s, nil
}

// Channel returns the interchange of iface, or nil if not configured.
func (s *System) Channel(iface iso7816.Interface) *interchange.Channel {
	return s.channels[iface]
}

// Interfaces returns the configured interfaces in order.
func (s *System) Interfaces() []iso7816.Interface {
	return slices.Clone(s.interfaces)
}

// Dispatcher returns the app dispatcher.
func (s *System) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// SecureElement returns the SE050 session, or nil.
func (s *System) SecureElement() *se050.Device { return s.se }

// Config returns the configuration the system was built from.
func (s *System) Config() *Config { return s.config }

// Boot enables the secure element if there is one. A failure is logged and
// returned; the dispatcher works without it.
func (s *System) Boot(ctx context.Context) error {
	if s.se == nil {
		return nil
	}
	if err := s.se.Enable(ctx); err != nil {
		token.Warnf("secure element unavailable: %v", err)
		return err
	}
	return nil
}

// Close resets every channel and shuts the secure element down.
func (s *System) Close(ctx context.Context) error {
	for _, ch := range s.channels {
		ch.Reset()
	}
	if s.se == nil {
		return nil
	}
	return s.se.Close(ctx)
}
