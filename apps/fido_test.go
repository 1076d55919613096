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
	"bytes"
	"testing"

	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeU2F struct {
	handle  []byte
	control byte
}

func (*fakeU2F) Register(challenge, application []byte) ([]byte, error) {
	return append([]byte{0x05}, challenge[:2]...), nil
}

func (f *fakeU2F) Authenticate(control byte, _, _, keyHandle []byte) ([]byte, error) {
	f.control = control
	f.handle = keyHandle
	return []byte{0x01}, nil
}

func u2fAuthMessage(handle []byte) []byte {
	msg := bytes.Repeat([]byte{0xC1}, 32)
	msg = append(msg, bytes.Repeat([]byte{0xA9}, 32)...)
	msg = append(msg, byte(len(handle)))
	return append(msg, handle...)
}

func TestFIDO_Version(t *testing.T) {
	t.Parallel()

	fido := NewFIDO(nil)
	assert.Equal(t, []byte(U2FVersion), selectReply(t, fido))

	rsp, err := call(t, fido, iso7816.Contactless, iso7816.Command{Instruction: InsU2FVersion})
	require.NoError(t, err)
	assert.Equal(t, []byte(U2FVersion), rsp)

	_, err = call(t, fido, iso7816.Contact, iso7816.Command{Instruction: 0x10})
	require.ErrorIs(t, err, iso7816.InstructionNotSupported)
}

func TestFIDO_WithoutAuthenticator(t *testing.T) {
	t.Parallel()

	fido := NewFIDO(nil)

	_, err := call(t, fido, iso7816.Contact, iso7816.Command{Instruction: InsU2FRegister, Data: make([]byte, 64)})
	require.ErrorIs(t, err, iso7816.ConditionsNotSatisfied)

	_, err = call(t, fido, iso7816.Contact, iso7816.Command{Instruction: InsU2FRegister, Data: make([]byte, 63)})
	require.ErrorIs(t, err, iso7816.WrongLength)
}

func TestFIDO_ChainedAuthenticate(t *testing.T) {
	t.Parallel()

	auth := &fakeU2F{}
	fido := NewFIDO(auth)
	handle := bytes.Repeat([]byte{0x42}, 64)
	msg := u2fAuthMessage(handle)

	first := iso7816.Command{Class: iso7816.ClassChaining, Instruction: InsU2FAuthenticate, P1: U2FEnforcePresence, Data: msg[:100]}
	rsp, err := call(t, fido, iso7816.Contact, first)
	require.NoError(t, err)
	assert.Empty(t, rsp)

	last := iso7816.Command{Instruction: InsU2FAuthenticate, P1: U2FEnforcePresence, Data: msg[100:]}
	rsp, err = call(t, fido, iso7816.Contact, last)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, rsp)
	assert.Equal(t, handle, auth.handle)
	assert.Equal(t, byte(U2FEnforcePresence), auth.control)
}

func TestFIDO_DeselectDropsPartialMessage(t *testing.T) {
	t.Parallel()

	fido := NewFIDO(&fakeU2F{})
	msg := u2fAuthMessage([]byte{0x01, 0x02})

	_, err := call(t, fido, iso7816.Contact, iso7816.Command{Class: iso7816.ClassChaining, Instruction: InsU2FAuthenticate, P1: U2FCheckOnly, Data: msg[:40]})
	require.NoError(t, err)
	fido.Deselect()

	_, err = call(t, fido, iso7816.Contact, iso7816.Command{Instruction: InsU2FAuthenticate, P1: U2FCheckOnly, Data: msg[40:]})
	require.ErrorIs(t, err, iso7816.WrongLength, "tail alone is not a message")
}

func TestFIDO_AuthenticateValidation(t *testing.T) {
	t.Parallel()

	fido := NewFIDO(&fakeU2F{})
	msg := u2fAuthMessage([]byte{0x01, 0x02})

	_, err := call(t, fido, iso7816.Contact, iso7816.Command{Instruction: InsU2FAuthenticate, P1: 0x05, Data: msg})
	require.ErrorIs(t, err, iso7816.IncorrectP1P2)

	_, err = call(t, fido, iso7816.Contact, iso7816.Command{Instruction: InsU2FAuthenticate, P1: U2FDontEnforce, Data: msg[:len(msg)-1]})
	require.ErrorIs(t, err, iso7816.WrongLength)

	rsp, err := call(t, fido, iso7816.Contact, iso7816.Command{Instruction: InsU2FRegister, Data: bytes.Repeat([]byte{0x07}, 64)})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x07, 0x07}, rsp)
}
