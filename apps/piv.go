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
	"encoding/hex"
	"strings"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/moov-io/bertlv"
)

// PIVAID selects the PIV card application.
var PIVAID = iso7816.MustAID("A000000308000010000100")

// PIV instructions and references
const (
	InsPIVVerify  = 0x20
	InsPIVGetData = 0xCB

	pivPINReference = 0x80
	pivPINLength    = 8
	pivPINPadding   = 0xFF

	// DefaultPINRetries is the retry counter of a fresh PIN.
	DefaultPINRetries = 3
)

// BER-TLV tags
const (
	tagAppTemplate  = "61"
	tagAID          = "4F"
	tagAuthority    = "79"
	tagTagList      = "5C"
	tagObjectData   = "53"
	tagDiscovery    = "7E"
	tagPINPolicy    = "5F2F"
	objDiscovery    = "7E"
	objFingerprints = "5FC103"
	objFacialImage  = "5FC108"
	objPrinted      = "5FC109"
	objIris         = "5FC121"
)

// pivRID is the registered application provider of PIV.
var pivRID = PIVAID[:5]

// pinProtected lists the data objects that need a verified PIN to read.
var pinProtected = map[string]bool{
	objFingerprints: true,
	objFacialImage:  true,
	objPrinted:      true,
	objIris:         true,
}

// PIV serves PIN verification and data objects of a PIV card.
//
// The verified flag is session state: it is cleared on deselect. The retry
// counter is card state and survives it.
type PIV struct {
	objects  map[string][]byte
	pin      []byte
	retries  int
	verified bool
}

// NewPIV creates a PIV app with the given PIN (6 to 8 digits).
func NewPIV(pin string) *PIV {
	p := &PIV{
		objects: make(map[string][]byte),
		pin:     padPIN([]byte(pin)),
		retries: DefaultPINRetries,
	}
	return p
}

func padPIN(pin []byte) []byte {
	out := bytes.Repeat([]byte{pivPINPadding}, pivPINLength)
	copy(out, pin)
	return out
}

// SetObject stores the content of the data object with the given tag,
// e.g. "5FC102" for the CHUID.
func (p *PIV) SetObject(tag string, content []byte) {
	p.objects[strings.ToUpper(tag)] = bytes.Clone(content)
}

// RetriesLeft returns the PIN retry counter.
func (p *PIV) RetriesLeft() int { return p.retries }

// AID implements dispatch.App
func (*PIV) AID() iso7816.AID { return PIVAID }

// Select implements dispatch.App. The reply is the application property
// template: 61 { 4F PIX, 79 { 4F RID } }.
func (*PIV) Select(_ iso7816.Command, reply *iso7816.Data) error {
	return writeTLV(reply, bertlv.TLV{Tag: tagAppTemplate, TLVs: []bertlv.TLV{
		{Tag: tagAID, Value: PIVAID[5:]},
		{Tag: tagAuthority, TLVs: []bertlv.TLV{{Tag: tagAID, Value: pivRID}}},
	}})
}

// Deselect implements dispatch.App
func (p *PIV) Deselect() {
	p.verified = false
}

// Call implements dispatch.App
func (p *PIV) Call(iface iso7816.Interface, cmd iso7816.Command, reply *iso7816.Data) error {
	switch cmd.Instruction {
	case InsPIVVerify:
		return p.verify(iface, cmd)
	case InsPIVGetData:
		return p.getData(cmd, reply)
	default:
		return iso7816.InstructionNotSupported
	}
}

// verify checks the PIN. Without data it reports the PIN status. The PIN
// must not be presented over the contactless interface.
func (p *PIV) verify(iface iso7816.Interface, cmd iso7816.Command) error {
	if cmd.P1 != 0x00 || cmd.P2 != pivPINReference {
		return iso7816.ReferencedDataNotFound
	}
	if iface == iso7816.Contactless {
		return iso7816.SecurityStatusNotSatisfied
	}
	if p.retries == 0 {
		return iso7816.AuthMethodBlocked
	}
	if len(cmd.Data) == 0 {
		if p.verified {
			return nil
		}
		return iso7816.VerificationFailed(p.retries)
	}
	if len(cmd.Data) != pivPINLength {
		return iso7816.WrongLength
	}

	if !bytes.Equal(cmd.Data, p.pin) {
		p.verified = false
		p.retries--
		token.Debugf("piv: wrong PIN, %d retries left", p.retries)
		if p.retries == 0 {
			return iso7816.AuthMethodBlocked
		}
		return iso7816.VerificationFailed(p.retries)
	}
	p.retries = DefaultPINRetries
	p.verified = true
	return nil
}

// getData answers GET DATA 3F FF with tag list 5C. Objects are wrapped in
// 53, except the discovery object, which carries its own tag.
func (p *PIV) getData(cmd iso7816.Command, reply *iso7816.Data) error {
	if cmd.P1 != 0x3F || cmd.P2 != 0xFF {
		return iso7816.IncorrectP1P2
	}
	tlvs, err := bertlv.Decode(cmd.Data)
	if err != nil || len(tlvs) != 1 || tlvs[0].Tag != tagTagList || len(tlvs[0].Value) == 0 {
		return iso7816.WrongData
	}
	tag := strings.ToUpper(hex.EncodeToString(tlvs[0].Value))

	if tag == objDiscovery {
		return writeTLV(reply, bertlv.TLV{Tag: tagDiscovery, TLVs: []bertlv.TLV{
			{Tag: tagAID, Value: PIVAID},
			{Tag: tagPINPolicy, Value: []byte{0x40, 0x00}},
		}})
	}
	if pinProtected[tag] && !p.verified {
		return iso7816.SecurityStatusNotSatisfied
	}
	content, ok := p.objects[tag]
	if !ok {
		return iso7816.NotFound
	}
	return writeTLV(reply, bertlv.TLV{Tag: tagObjectData, Value: content})
}

func writeTLV(reply *iso7816.Data, tlv bertlv.TLV) error {
	enc, err := bertlv.Encode([]bertlv.TLV{tlv})
	if err != nil {
		return err
	}
	_, err = reply.Write(enc)
	return err
}
