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

package apps

import (
	"github.com/ZaparooProject/go-token/iso7816"
)

// FIDOAID selects the FIDO app.
var FIDOAID = iso7816.MustAID("A0000006472F0001")

// U2F instructions and authenticate control bytes
const (
	InsU2FRegister     = 0x01
	InsU2FAuthenticate = 0x02
	InsU2FVersion      = 0x03

	U2FEnforcePresence = 0x03
	U2FCheckOnly       = 0x07
	U2FDontEnforce     = 0x08

	u2fParamLength = 32
)

// U2FVersion is returned by SELECT and the version command.
const U2FVersion = "U2F_V2"

// U2FAuthenticator holds the credential keys behind the FIDO app.
type U2FAuthenticator interface {
	Register(challenge, application []byte) ([]byte, error)
	Authenticate(control byte, challenge, application, keyHandle []byte) ([]byte, error)
}

// FIDO speaks U2F over ISO 7816. Commands may be split with CLA chaining;
// the partial message belongs to the session and is dropped on deselect.
type FIDO struct {
	auth    U2FAuthenticator
	pending *chain
}

// NewFIDO creates the FIDO app. Without an authenticator, register and
// authenticate answer 6985 as if user presence were never confirmed.
func NewFIDO(auth U2FAuthenticator) *FIDO {
	return &FIDO{auth: auth, pending: newChain(iso7816.DefaultCommandCapacity)}
}

// AID implements dispatch.App
func (*FIDO) AID() iso7816.AID { return FIDOAID }

// Select implements dispatch.App
func (*FIDO) Select(_ iso7816.Command, reply *iso7816.Data) error {
	_, err := reply.Write([]byte(U2FVersion))
	return err
}

// Deselect implements dispatch.App
func (f *FIDO) Deselect() {
	f.pending.reset()
}

// Call implements dispatch.App
func (f *FIDO) Call(_ iso7816.Interface, cmd iso7816.Command, reply *iso7816.Data) error {
	msg, err := f.pending.add(cmd)
	if err != nil || msg == nil {
		return err
	}

	switch cmd.Instruction {
	case InsU2FVersion:
		_, err := reply.Write([]byte(U2FVersion))
		return err
	case InsU2FRegister:
		return f.register(msg, reply)
	case InsU2FAuthenticate:
		return f.authenticate(cmd.P1, msg, reply)
	default:
		return iso7816.InstructionNotSupported
	}
}

func (f *FIDO) register(msg []byte, reply *iso7816.Data) error {
	if len(msg) != 2*u2fParamLength {
		return iso7816.WrongLength
	}
	if f.auth == nil {
		return iso7816.ConditionsNotSatisfied
	}
	rsp, err := f.auth.Register(msg[:u2fParamLength], msg[u2fParamLength:])
	if err != nil {
		return err
	}
	_, err = reply.Write(rsp)
	return err
}

// authenticate expects challenge(32) application(32) L handle(L).
func (f *FIDO) authenticate(control byte, msg []byte, reply *iso7816.Data) error {
	switch control {
	case U2FEnforcePresence, U2FCheckOnly, U2FDontEnforce:
	default:
		return iso7816.IncorrectP1P2
	}
	const fixed = 2*u2fParamLength + 1
	if len(msg) < fixed || len(msg) != fixed+int(msg[fixed-1]) {
		return iso7816.WrongLength
	}
	if f.auth == nil {
		return iso7816.ConditionsNotSatisfied
	}
	rsp, err := f.auth.Authenticate(control, msg[:u2fParamLength], msg[u2fParamLength:2*u2fParamLength], msg[fixed:])
	if err != nil {
		return err
	}
	_, err = reply.Write(rsp)
	return err
}
