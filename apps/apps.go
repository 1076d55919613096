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

// Package apps holds the applications the dispatcher routes APDUs to:
// Admin, FIDO, PIV and Provisioner. Each keeps its session state to
// itself and drops it on Deselect.
package apps

import (
	"slices"

	"github.com/ZaparooProject/go-token/iso7816"
)

// chain accumulates a command split with the CLA chaining bit.
type chain struct {
	buf    []byte
	limit  int
	ins    byte
	active bool
}

func newChain(limit int) *chain {
	return &chain{limit: limit}
}

// add appends cmd's data. It returns the whole payload once the last link
// arrives, nil while more links are expected. A link for a different INS
// than the one in progress aborts the chain.
func (c *chain) add(cmd iso7816.Command) ([]byte, error) {
	if c.active && c.ins != cmd.Instruction {
		c.reset()
		return nil, iso7816.ConditionsNotSatisfied
	}
	if len(c.buf)+len(cmd.Data) > c.limit {
		c.reset()
		return nil, iso7816.WrongLength
	}
	c.buf = append(c.buf, cmd.Data...)

	if cmd.Chained() {
		c.active = true
		c.ins = cmd.Instruction
		return nil, nil
	}
	payload := slices.Clone(c.buf)
	if payload == nil {
		payload = []byte{}
	}
	c.reset()
	return payload, nil
}

func (c *chain) reset() {
	c.buf = c.buf[:0]
	c.active = false
}
