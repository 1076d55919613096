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
	"testing"

	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pivVerify(pin string) iso7816.Command {
	return iso7816.Command{Instruction: InsPIVVerify, P2: 0x80, Data: padPIN([]byte(pin))}
}

func pivGetData(tag ...byte) iso7816.Command {
	data := append([]byte{0x5C, byte(len(tag))}, tag...)
	return iso7816.Command{Instruction: InsPIVGetData, P1: 0x3F, P2: 0xFF, Data: data}
}

func TestPIV_SelectTemplate(t *testing.T) {
	t.Parallel()

	want := []byte{
		0x61, 0x11,
		0x4F, 0x06, 0x00, 0x00, 0x10, 0x00, 0x01, 0x00,
		0x79, 0x07, 0x4F, 0x05, 0xA0, 0x00, 0x00, 0x03, 0x08,
	}
	assert.Equal(t, want, selectReply(t, NewPIV("123456")))
}

func TestPIV_Verify(t *testing.T) {
	t.Parallel()

	piv := NewPIV("123456")

	_, err := call(t, piv, iso7816.Contact, iso7816.Command{Instruction: InsPIVVerify, P2: 0x80})
	require.ErrorIs(t, err, iso7816.VerificationFailed(3), "status before verification")

	_, err = call(t, piv, iso7816.Contact, pivVerify("000000"))
	require.ErrorIs(t, err, iso7816.VerificationFailed(2))
	assert.Equal(t, 2, piv.RetriesLeft())

	_, err = call(t, piv, iso7816.Contact, pivVerify("123456"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPINRetries, piv.RetriesLeft(), "success restores the counter")

	_, err = call(t, piv, iso7816.Contact, iso7816.Command{Instruction: InsPIVVerify, P2: 0x80})
	require.NoError(t, err)

	piv.Deselect()
	_, err = call(t, piv, iso7816.Contact, iso7816.Command{Instruction: InsPIVVerify, P2: 0x80})
	require.ErrorIs(t, err, iso7816.VerificationFailed(3))
}

func TestPIV_VerifyRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want  error
		name  string
		iface iso7816.Interface
		cmd   iso7816.Command
	}{
		{name: "contactless", iface: iso7816.Contactless, cmd: pivVerify("123456"), want: iso7816.SecurityStatusNotSatisfied},
		{name: "unknown reference", iface: iso7816.Contact, cmd: iso7816.Command{Instruction: InsPIVVerify, P2: 0x81}, want: iso7816.ReferencedDataNotFound},
		{name: "short PIN block", iface: iso7816.Contact, cmd: iso7816.Command{Instruction: InsPIVVerify, P2: 0x80, Data: []byte("1234")}, want: iso7816.WrongLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			piv := NewPIV("123456")
			_, err := call(t, piv, tt.iface, tt.cmd)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, DefaultPINRetries, piv.RetriesLeft())
		})
	}
}

func TestPIV_Blocked(t *testing.T) {
	t.Parallel()

	piv := NewPIV("123456")
	for range DefaultPINRetries - 1 {
		_, err := call(t, piv, iso7816.Contact, pivVerify("999999"))
		require.Error(t, err)
	}
	_, err := call(t, piv, iso7816.Contact, pivVerify("999999"))
	require.ErrorIs(t, err, iso7816.AuthMethodBlocked)

	_, err = call(t, piv, iso7816.Contact, pivVerify("123456"))
	require.ErrorIs(t, err, iso7816.AuthMethodBlocked, "correct PIN no longer accepted")
}

func TestPIV_GetData(t *testing.T) {
	t.Parallel()

	piv := NewPIV("123456")
	piv.SetObject("5fc102", []byte{0x30, 0x19})
	piv.SetObject("5FC103", []byte{0xBC})

	rsp, err := call(t, piv, iso7816.Contactless, pivGetData(0x5F, 0xC1, 0x02))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x53, 0x02, 0x30, 0x19}, rsp)

	_, err = call(t, piv, iso7816.Contact, pivGetData(0x5F, 0xC1, 0x03))
	require.ErrorIs(t, err, iso7816.SecurityStatusNotSatisfied, "fingerprints need the PIN")

	_, err = call(t, piv, iso7816.Contact, pivVerify("123456"))
	require.NoError(t, err)
	rsp, err = call(t, piv, iso7816.Contact, pivGetData(0x5F, 0xC1, 0x03))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x53, 0x01, 0xBC}, rsp)

	_, err = call(t, piv, iso7816.Contact, pivGetData(0x5F, 0xC1, 0x05))
	require.ErrorIs(t, err, iso7816.NotFound)

	rsp, err = call(t, piv, iso7816.Contact, pivGetData(0x7E))
	require.NoError(t, err)
	assert.Equal(t, byte(0x7E), rsp[0])
	assert.Equal(t, []byte{0x5F, 0x2F, 0x02, 0x40, 0x00}, rsp[len(rsp)-5:])

	_, err = call(t, piv, iso7816.Contact, iso7816.Command{Instruction: InsPIVGetData, P1: 0x3F, P2: 0xFF, Data: []byte{0x01, 0x01, 0x7E}})
	require.ErrorIs(t, err, iso7816.WrongData)

	cmd := pivGetData(0x7E)
	cmd.P2 = 0x00
	_, err = call(t, piv, iso7816.Contact, cmd)
	require.ErrorIs(t, err, iso7816.IncorrectP1P2)
}
