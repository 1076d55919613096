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
	"errors"
	"unicode"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/iso7816"
)

// ProvisionerAID selects the Provisioner app.
var ProvisionerAID = iso7816.MustAID("A00000084701000001")

// Provisioner instructions
const (
	InsProvSelectFile = 0xA0
	InsProvWriteFile  = 0xA1
	InsProvReadFile   = 0xA2
	InsProvLock       = 0xA3

	maxFilenameLength = 64
)

// Provisioner writes files into a Store during manufacturing. Once locked
// it refuses further writes; reads stay available.
type Provisioner struct {
	store    Store
	pending  *chain
	filename string
	locked   bool
}

// NewProvisioner creates a Provisioner over store. Files may be as large
// as the command capacity.
func NewProvisioner(store Store, locked bool) *Provisioner {
	return &Provisioner{
		store:   store,
		pending: newChain(iso7816.DefaultCommandCapacity),
		locked:  locked,
	}
}

// Locked reports whether provisioning has been closed.
func (p *Provisioner) Locked() bool { return p.locked }

// AID implements dispatch.App
func (*Provisioner) AID() iso7816.AID { return ProvisionerAID }

// Select implements dispatch.App
func (*Provisioner) Select(iso7816.Command, *iso7816.Data) error { return nil }

// Deselect implements dispatch.App
func (p *Provisioner) Deselect() {
	p.filename = ""
	p.pending.reset()
}

// Call implements dispatch.App
func (p *Provisioner) Call(_ iso7816.Interface, cmd iso7816.Command, reply *iso7816.Data) error {
	switch cmd.Instruction {
	case InsProvSelectFile:
		return p.selectFile(cmd)
	case InsProvWriteFile:
		return p.writeFile(cmd)
	case InsProvReadFile:
		return p.readFile(reply)
	case InsProvLock:
		if p.locked {
			return iso7816.ConditionsNotSatisfied
		}
		p.locked = true
		token.Debugln("provisioner: locked")
		return nil
	default:
		return iso7816.InstructionNotSupported
	}
}

func (p *Provisioner) selectFile(cmd iso7816.Command) error {
	if len(cmd.Data) == 0 || len(cmd.Data) > maxFilenameLength {
		return iso7816.WrongLength
	}
	for _, r := range string(cmd.Data) {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return iso7816.WrongData
		}
	}
	p.filename = string(cmd.Data)
	p.pending.reset()
	return nil
}

func (p *Provisioner) writeFile(cmd iso7816.Command) error {
	if p.locked || p.filename == "" {
		return iso7816.ConditionsNotSatisfied
	}
	data, err := p.pending.add(cmd)
	if err != nil || data == nil {
		return err
	}
	if err := p.store.WriteFile(p.filename, data); err != nil {
		token.Debugf("provisioner: write %s: %v", p.filename, err)
		return iso7816.NotEnoughMemory
	}
	token.Debugf("provisioner: wrote %s (%d bytes)", p.filename, len(data))
	return nil
}

func (p *Provisioner) readFile(reply *iso7816.Data) error {
	if p.filename == "" {
		return iso7816.ConditionsNotSatisfied
	}
	data, err := p.store.ReadFile(p.filename)
	if errors.Is(err, ErrFileNotFound) {
		return iso7816.NotFound
	}
	if err != nil {
		return err
	}
	if len(data) > reply.Cap()-reply.Len() {
		return iso7816.WrongLength
	}
	_, err = reply.Write(data)
	return err
}
