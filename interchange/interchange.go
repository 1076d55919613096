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

// Package interchange implements a single-slot, non-blocking mailbox that
// carries one request/response pair between a host link and the
// dispatcher tick.
//
// A transaction moves Idle → Requested → Processing → Responded → Idle.
// Every operation either advances the state or fails immediately; nothing
// blocks and nothing is queued.
package interchange

import (
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-token/internal/syncutil"
)

// State of an interchange
type State uint8

const (
	// Idle means the slot is empty and accepts a request
	Idle State = iota
	// Requested means a request waits for the responder
	Requested
	// Processing means the responder took the request and owes a response
	Processing
	// Responded means a response waits for the requester
	Responded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Processing:
		return "processing"
	case Responded:
		return "responded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var (
	// ErrBusy is returned by Request while a transaction is in flight.
	// The caller retries on a later tick.
	ErrBusy = errors.New("interchange busy")
	// ErrState is returned by Respond when no request is being processed.
	ErrState = errors.New("interchange not processing a request")
)

// Interchange is a single-slot mailbox. The zero value is an Idle interchange.
type Interchange[Req, Rsp any] struct {
	req   Req
	rsp   Rsp
	mu    syncutil.Mutex
	state State
}

// Channel carries raw APDU bytes.
type Channel = Interchange[[]byte, []byte]

// New returns an Idle interchange.
func New[Req, Rsp any]() *Interchange[Req, Rsp] {
	return &Interchange[Req, Rsp]{}
}

// NewChannel returns an Idle APDU channel.
func NewChannel() *Channel {
	return New[[]byte, []byte]()
}

// State returns the current state.
func (i *Interchange[Req, Rsp]) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Request deposits req. It fails with ErrBusy unless the interchange is
// Idle, in which case the payload already in flight is left untouched.
func (i *Interchange[Req, Rsp]) Request(req Req) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != Idle {
		return fmt.Errorf("%w: %s", ErrBusy, i.state)
	}
	i.req = req
	i.state = Requested
	return nil
}

// TakeRequest moves a pending request out of the slot and advances to
// Processing. It returns false when no request is pending.
func (i *Interchange[Req, Rsp]) TakeRequest() (Req, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var zero Req
	if i.state != Requested {
		return zero, false
	}
	req := i.req
	i.req = zero
	i.state = Processing
	return req, true
}

// Respond deposits rsp for the request being processed.
func (i *Interchange[Req, Rsp]) Respond(rsp Rsp) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != Processing {
		return fmt.Errorf("%w: %s", ErrState, i.state)
	}
	i.rsp = rsp
	i.state = Responded
	return nil
}

// TakeResponse moves the response out of the slot and returns the
// interchange to Idle. It returns false when no response is ready.
func (i *Interchange[Req, Rsp]) TakeResponse() (Rsp, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var zero Rsp
	if i.state != Responded {
		return zero, false
	}
	rsp := i.rsp
	i.rsp = zero
	i.state = Idle
	return rsp, true
}

// Reset drops whatever is in flight and returns to Idle. Host links call it
// when the peer disconnects mid-transaction.
func (i *Interchange[Req, Rsp]) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()

	var zeroReq Req
	var zeroRsp Rsp
	i.req, i.rsp = zeroReq, zeroRsp
	i.state = Idle
}
