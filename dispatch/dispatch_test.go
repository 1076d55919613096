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

package dispatch

import (
	"errors"
	"testing"

	"github.com/ZaparooProject/go-token/interchange"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApp struct {
	selectErr   error
	callErr     error
	aid         iso7816.AID
	reply       []byte
	calls       []iso7816.Interface
	selects     int
	deselects   int
	lastCommand iso7816.Command
}

func (a *fakeApp) AID() iso7816.AID { return a.aid }

func (a *fakeApp) Select(cmd iso7816.Command, reply *iso7816.Data) error {
	a.selects++
	a.lastCommand = cmd
	if a.selectErr != nil {
		return a.selectErr
	}
	_, _ = reply.Write(a.reply)
	return nil
}

func (a *fakeApp) Deselect() { a.deselects++ }

func (a *fakeApp) Call(iface iso7816.Interface, cmd iso7816.Command, reply *iso7816.Data) error {
	a.calls = append(a.calls, iface)
	a.lastCommand = cmd
	if a.callErr != nil {
		return a.callErr
	}
	_, _ = reply.Write(a.reply)
	return nil
}

func (a *fakeApp) invoked() int { return a.selects + len(a.calls) }

var (
	aidA = iso7816.MustAID("A0000006472F0001")
	aidB = iso7816.MustAID("A000000308000010000100")
)

func selectAPDU(aid []byte) []byte {
	raw := []byte{0x00, 0xA4, 0x04, 0x00, byte(len(aid))}
	return append(append(raw, aid...), 0x00)
}

type harness struct {
	d        *Dispatcher
	contact  *interchange.Channel
	wireless *interchange.Channel
}

func newHarness(apps []App, opts ...Option) *harness {
	h := &harness{contact: interchange.NewChannel(), wireless: interchange.NewChannel()}
	h.d = New(apps, map[iso7816.Interface]*interchange.Channel{
		iso7816.Contact:     h.contact,
		iso7816.Contactless: h.wireless,
	}, opts...)
	return h
}

// exchange runs one command through the dispatcher and returns the response.
func (h *harness) exchange(t *testing.T, iface iso7816.Interface, raw []byte) iso7816.Response {
	t.Helper()

	ch := h.contact
	if iface == iso7816.Contactless {
		ch = h.wireless
	}
	require.NoError(t, ch.Request(raw))
	require.True(t, h.d.Poll(iface))

	out, ok := ch.TakeResponse()
	require.True(t, ok)
	rsp, err := iso7816.ParseResponse(out)
	require.NoError(t, err)
	return rsp
}

func TestPoll_IdleChannel(t *testing.T) {
	t.Parallel()

	app := &fakeApp{aid: aidA}
	h := newHarness([]App{app})

	assert.False(t, h.d.Poll(iso7816.Contact))
	assert.False(t, h.d.PollAll())
	assert.False(t, h.d.Poll(iso7816.Interface(9)), "unknown interface")
	assert.Zero(t, app.invoked())
}

func TestPoll_WrongLengthInvokesNoApp(t *testing.T) {
	t.Parallel()

	app := &fakeApp{aid: aidA}
	h := newHarness([]App{app}, WithCapacities(8, 8))

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "Lc over capacity", raw: append([]byte{0x00, 0x01, 0x00, 0x00, 0x09}, make([]byte, 9)...)},
		{name: "Le over capacity", raw: []byte{0x00, 0x01, 0x00, 0x00, 0x09}},
		{name: "select over capacity", raw: selectAPDU(aidB)},
		{name: "truncated header", raw: []byte{0x00, 0xA4}},
		{name: "Lc mismatch", raw: []byte{0x00, 0x01, 0x00, 0x00, 0x04, 0x01}},
	}

	for _, tt := range tests {
		rsp := h.exchange(t, iso7816.Contact, tt.raw)
		assert.Equal(t, iso7816.WrongLength, rsp.Status, tt.name)
		assert.Empty(t, rsp.Data, tt.name)
	}
	assert.Zero(t, app.invoked())
	_, selected := h.d.Selected(iso7816.Contact)
	assert.False(t, selected)
}

func TestPoll_NoSelection(t *testing.T) {
	t.Parallel()

	app := &fakeApp{aid: aidA}
	h := newHarness([]App{app})

	rsp := h.exchange(t, iso7816.Contact, []byte{0x00, 0x03, 0x00, 0x00})
	assert.Equal(t, iso7816.ConditionsNotSatisfied, rsp.Status)
	assert.Zero(t, app.invoked())
}

func TestPoll_SelectRoutesUntilSwitch(t *testing.T) {
	t.Parallel()

	fido := &fakeApp{aid: aidA, reply: []byte("U2F_V2")}
	piv := &fakeApp{aid: aidB, reply: []byte{0x61, 0x00}}
	h := newHarness([]App{fido, piv})

	rsp := h.exchange(t, iso7816.Contact, selectAPDU(aidA))
	assert.Equal(t, iso7816.Success, rsp.Status)
	assert.Equal(t, []byte("U2F_V2"), rsp.Data)

	for range 3 {
		rsp = h.exchange(t, iso7816.Contact, []byte{0x00, 0x03, 0x00, 0x00})
		assert.Equal(t, iso7816.Success, rsp.Status)
	}
	assert.Len(t, fido.calls, 3)
	assert.Empty(t, piv.calls)

	// Repeated SELECT of the same app never deselects it.
	h.exchange(t, iso7816.Contact, selectAPDU(aidA))
	assert.Equal(t, 2, fido.selects)
	assert.Zero(t, fido.deselects)

	// Switching deselects the previous app exactly once.
	h.exchange(t, iso7816.Contact, selectAPDU(aidB))
	h.exchange(t, iso7816.Contact, selectAPDU(aidB))
	assert.Equal(t, 1, fido.deselects)
	assert.Zero(t, piv.deselects)

	rsp = h.exchange(t, iso7816.Contact, []byte{0x00, 0xCB, 0x3F, 0xFF})
	assert.Equal(t, []byte{0x61, 0x00}, rsp.Data)
	assert.Len(t, fido.calls, 3)
	assert.Len(t, piv.calls, 1)

	selected, ok := h.d.Selected(iso7816.Contact)
	require.True(t, ok)
	assert.Same(t, piv, selected)
}

func TestPoll_UnknownAIDKeepsSelection(t *testing.T) {
	t.Parallel()

	fido := &fakeApp{aid: aidA}
	h := newHarness([]App{fido})

	h.exchange(t, iso7816.Contact, selectAPDU(aidA))
	rsp := h.exchange(t, iso7816.Contact, selectAPDU([]byte{0xD2, 0x76, 0x00, 0x00, 0x85}))
	assert.Equal(t, iso7816.NotFound, rsp.Status)
	assert.Zero(t, fido.deselects)

	selected, ok := h.d.Selected(iso7816.Contact)
	require.True(t, ok)
	assert.Same(t, fido, selected)
}

func TestPoll_FirstMatchWins(t *testing.T) {
	t.Parallel()

	first := &fakeApp{aid: iso7816.MustAID("A00000030800001000")}
	second := &fakeApp{aid: aidB}
	h := newHarness([]App{first, second})

	h.exchange(t, iso7816.Contact, selectAPDU([]byte{0xA0, 0x00, 0x00, 0x03, 0x08}))
	assert.Equal(t, 1, first.selects)
	assert.Zero(t, second.selects)
}

func TestPoll_StatusMapping(t *testing.T) {
	t.Parallel()

	app := &fakeApp{aid: aidA, reply: []byte{0xDE, 0xAD}}
	h := newHarness([]App{app})
	h.exchange(t, iso7816.Contact, selectAPDU(aidA))

	app.callErr = iso7816.SecurityStatusNotSatisfied
	rsp := h.exchange(t, iso7816.Contact, []byte{0x00, 0x01, 0x00, 0x00})
	assert.Equal(t, iso7816.SecurityStatusNotSatisfied, rsp.Status)
	assert.Empty(t, rsp.Data, "error statuses carry no payload")

	app.callErr = errors.New("flash write failed")
	rsp = h.exchange(t, iso7816.Contact, []byte{0x00, 0x01, 0x00, 0x00})
	assert.Equal(t, iso7816.UnspecifiedCheckingError, rsp.Status)

	app.callErr = nil
	rsp = h.exchange(t, iso7816.Contact, []byte{0x00, 0x01, 0x00, 0x00})
	assert.Equal(t, iso7816.Success, rsp.Status)
	assert.Equal(t, []byte{0xDE, 0xAD}, rsp.Data)
}

func TestPoll_FailedSelectEmptiesSlot(t *testing.T) {
	t.Parallel()

	fido := &fakeApp{aid: aidA}
	piv := &fakeApp{aid: aidB, selectErr: iso7816.ConditionsNotSatisfied}
	h := newHarness([]App{fido, piv})

	h.exchange(t, iso7816.Contact, selectAPDU(aidA))
	rsp := h.exchange(t, iso7816.Contact, selectAPDU(aidB))
	assert.Equal(t, iso7816.ConditionsNotSatisfied, rsp.Status)
	assert.Equal(t, 1, fido.deselects)

	_, ok := h.d.Selected(iso7816.Contact)
	assert.False(t, ok)

	rsp = h.exchange(t, iso7816.Contact, []byte{0x00, 0x01, 0x00, 0x00})
	assert.Equal(t, iso7816.ConditionsNotSatisfied, rsp.Status)
}

func TestPoll_InterfacesAreIndependent(t *testing.T) {
	t.Parallel()

	fido := &fakeApp{aid: aidA}
	piv := &fakeApp{aid: aidB}
	h := newHarness([]App{fido, piv})

	h.exchange(t, iso7816.Contact, selectAPDU(aidA))
	h.exchange(t, iso7816.Contactless, selectAPDU(aidB))
	assert.Zero(t, fido.deselects)

	h.exchange(t, iso7816.Contactless, []byte{0x00, 0x01, 0x00, 0x00})
	assert.Equal(t, []iso7816.Interface{iso7816.Contactless}, piv.calls)
	assert.Empty(t, fido.calls)
}

func TestPollAll(t *testing.T) {
	t.Parallel()

	h := newHarness([]App{&fakeApp{aid: aidA}})
	require.NoError(t, h.wireless.Request(selectAPDU(aidA)))

	assert.True(t, h.d.PollAll())
	assert.Equal(t, interchange.Idle, h.contact.State())
	assert.Equal(t, interchange.Responded, h.wireless.State())
	assert.False(t, h.d.PollAll())
}
