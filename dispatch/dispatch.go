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

// Package dispatch routes APDUs from per-interface interchanges to a fixed
// table of apps, keeping at most one app selected per interface.
package dispatch

import (
	"errors"
	"slices"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/interchange"
	"github.com/ZaparooProject/go-token/iso7816"
)

// App is an application that can be selected by AID.
//
// Select and Call write their reply payload into reply and return nil for
// 9000, an iso7816.Status for any other status word, or any other error,
// which is reported to the host as 6F00. Deselect must discard session and
// security state; it runs exactly once each time another app takes over an
// interface the app was selected on.
type App interface {
	AID() iso7816.AID
	Select(cmd iso7816.Command, reply *iso7816.Data) error
	Deselect()
	Call(iface iso7816.Interface, cmd iso7816.Command, reply *iso7816.Data) error
}

const noApp = -1

// Dispatcher owns the app table and the selected-app slot of every
// interface. It is driven by a single tick goroutine; only the interchanges
// are shared with host links.
type Dispatcher struct {
	channels map[iso7816.Interface]*interchange.Channel
	selected map[iso7816.Interface]int
	reply    *iso7816.Data
	apps     []App
	order    []iso7816.Interface
	dataCap  int
	respCap  int
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithCapacities sets the command data and response capacities used when
// parsing APDUs. Commands that exceed them are answered with 6700.
func WithCapacities(dataCap, respCap int) Option {
	return func(d *Dispatcher) {
		d.dataCap = dataCap
		d.respCap = respCap
	}
}

// New builds a dispatcher over apps, in declaration order, and one channel
// per interface. The first app whose AID matches a SELECT wins.
func New(apps []App, channels map[iso7816.Interface]*interchange.Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		apps:     slices.Clone(apps),
		channels: make(map[iso7816.Interface]*interchange.Channel, len(channels)),
		selected: make(map[iso7816.Interface]int, len(channels)),
		dataCap:  iso7816.DefaultCommandCapacity,
		respCap:  iso7816.DefaultResponseCapacity,
	}
	for iface, ch := range channels {
		d.channels[iface] = ch
		d.selected[iface] = noApp
		d.order = append(d.order, iface)
	}
	slices.Sort(d.order)

	for _, opt := range opts {
		opt(d)
	}
	d.reply = iso7816.NewData(d.respCap)
	return d
}

// Selected returns the app currently selected on iface.
func (d *Dispatcher) Selected(iface iso7816.Interface) (App, bool) {
	idx, ok := d.selected[iface]
	if !ok || idx == noApp {
		return nil, false
	}
	return d.apps[idx], true
}

// PollAll polls every interface and reports whether any produced a response.
func (d *Dispatcher) PollAll() bool {
	raised := false
	for _, iface := range d.order {
		if d.Poll(iface) {
			raised = true
		}
	}
	return raised
}

// Poll handles at most one pending command on iface. It never blocks and
// always answers a taken command with a well-formed response.
// It reports whether a response was produced.
func (d *Dispatcher) Poll(iface iso7816.Interface) bool {
	ch, ok := d.channels[iface]
	if !ok {
		return false
	}
	raw, ok := ch.TakeRequest()
	if !ok {
		return false
	}

	rsp := d.handle(iface, raw)
	if err := ch.Respond(rsp.Bytes()); err != nil {
		// Only possible if a host link reset the channel mid-transaction.
		token.Debugf("dispatch %s: response dropped: %v", iface, err)
		return false
	}
	return true
}

func (d *Dispatcher) handle(iface iso7816.Interface, raw []byte) iso7816.Response {
	cmd, err := iso7816.ParseCommand(raw, d.dataCap, d.respCap)
	if err != nil {
		token.Debugf("dispatch %s: %v", iface, err)
		return iso7816.Response{Status: iso7816.WrongLength}
	}

	d.reply.Reset()
	if cmd.IsSelectByName() {
		err = d.selectApp(iface, cmd)
	} else {
		err = d.call(iface, cmd)
	}
	return d.response(iface, err)
}

func (d *Dispatcher) selectApp(iface iso7816.Interface, cmd iso7816.Command) error {
	idx := slices.IndexFunc(d.apps, func(app App) bool {
		return app.AID().Matches(cmd.Data)
	})
	if idx < 0 {
		token.Debugf("dispatch %s: no app for AID %X", iface, cmd.Data)
		return iso7816.NotFound
	}

	if prev := d.selected[iface]; prev != idx {
		if prev != noApp {
			token.Debugf("dispatch %s: deselect %s", iface, d.apps[prev].AID())
			d.apps[prev].Deselect()
		}
		d.selected[iface] = noApp
	}

	app := d.apps[idx]
	if err := app.Select(cmd, d.reply); err != nil {
		d.selected[iface] = noApp
		return err
	}
	d.selected[iface] = idx
	token.Debugf("dispatch %s: selected %s", iface, app.AID())
	return nil
}

func (d *Dispatcher) call(iface iso7816.Interface, cmd iso7816.Command) error {
	idx := d.selected[iface]
	if idx == noApp {
		return iso7816.ConditionsNotSatisfied
	}
	return d.apps[idx].Call(iface, cmd, d.reply)
}

func (d *Dispatcher) response(iface iso7816.Interface, err error) iso7816.Response {
	if err == nil {
		return iso7816.Response{Data: d.reply.Bytes(), Status: iso7816.Success}
	}

	var sw iso7816.Status
	if errors.As(err, &sw) {
		if sw.IsSuccess() {
			return iso7816.Response{Data: d.reply.Bytes(), Status: sw}
		}
		return iso7816.Response{Status: sw}
	}

	token.Debugf("dispatch %s: app error: %v", iface, err)
	return iso7816.Response{Status: iso7816.UnspecifiedCheckingError}
}
