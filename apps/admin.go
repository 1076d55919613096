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
	"context"
	"encoding/binary"
	"time"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/iso7816"
)

// AdminAID selects the Admin app.
var AdminAID = iso7816.MustAID("A00000084700000001")

// Admin instructions
const (
	InsAdminReboot  = 0x51
	InsAdminRandom  = 0x60
	InsAdminVersion = 0x61
	InsAdminUUID    = 0x62
)

const (
	defaultRandomLength = 32
	maxRandomLength     = iso7816.MaxShortLe
	entropyTimeout      = 2 * time.Second
)

// Rebooter restarts the device. Reboot returns only on failure.
type Rebooter interface {
	Reboot() error
}

// EntropySource produces random bytes. *se050.Device satisfies it.
type EntropySource interface {
	GetRandom(ctx context.Context, n int) ([]byte, error)
}

// Admin reports device identity and performs maintenance commands.
type Admin struct {
	rebooter Rebooter
	entropy  EntropySource
	uuid     [16]byte
	version  uint32
}

// AdminOption configures an Admin app
type AdminOption func(*Admin)

// WithRebooter enables the reboot command.
func WithRebooter(r Rebooter) AdminOption {
	return func(a *Admin) { a.rebooter = r }
}

// WithEntropy enables the random command.
func WithEntropy(e EntropySource) AdminOption {
	return func(a *Admin) { a.entropy = e }
}

// NewAdmin creates the Admin app for a device with the given UUID and
// firmware version.
func NewAdmin(uuid [16]byte, version uint32, opts ...AdminOption) *Admin {
	a := &Admin{uuid: uuid, version: version}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AID implements dispatch.App
func (*Admin) AID() iso7816.AID { return AdminAID }

// Select implements dispatch.App
func (*Admin) Select(iso7816.Command, *iso7816.Data) error { return nil }

// Deselect implements dispatch.App. Admin keeps no session state.
func (*Admin) Deselect() {}

// Call implements dispatch.App
func (a *Admin) Call(_ iso7816.Interface, cmd iso7816.Command, reply *iso7816.Data) error {
	switch cmd.Instruction {
	case InsAdminVersion:
		_, err := reply.Write(binary.BigEndian.AppendUint32(nil, a.version))
		return err
	case InsAdminUUID:
		_, err := reply.Write(a.uuid[:])
		return err
	case InsAdminReboot:
		if a.rebooter == nil {
			return iso7816.ConditionsNotSatisfied
		}
		token.Debugln("admin: reboot requested")
		return a.rebooter.Reboot()
	case InsAdminRandom:
		return a.random(cmd, reply)
	default:
		return iso7816.InstructionNotSupported
	}
}

// random returns Le bytes, 32 if no Le was given, at most 256.
func (a *Admin) random(cmd iso7816.Command, reply *iso7816.Data) error {
	if a.entropy == nil {
		return iso7816.ConditionsNotSatisfied
	}
	n := cmd.Le
	if n == 0 {
		n = defaultRandomLength
	}
	n = min(n, maxRandomLength)

	ctx, cancel := context.WithTimeout(context.Background(), entropyTimeout)
	defer cancel()
	rnd, err := a.entropy.GetRandom(ctx, n)
	if err != nil {
		return err
	}
	_, err = reply.Write(rnd)
	return err
}
