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

package iso7816

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// AID length bounds from ISO 7816-4
const (
	MinAIDLength = 5
	MaxAIDLength = 16
)

// ErrInvalidAID is returned for identifiers outside 5..16 bytes.
var ErrInvalidAID = errors.New("invalid AID")

// AID is an application identifier.
type AID []byte

// NewAID validates and copies b.
func NewAID(b []byte) (AID, error) {
	if len(b) < MinAIDLength || len(b) > MaxAIDLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidAID, len(b))
	}
	return AID(bytes.Clone(b)), nil
}

// MustAID parses a hex string, panicking on error. For package-level AIDs.
func MustAID(s string) AID {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	aid, err := NewAID(b)
	if err != nil {
		panic(err)
	}
	return aid
}

// Matches reports whether selector addresses this AID: the selector must be
// a valid AID length and a prefix of a (truncated selection).
func (a AID) Matches(selector []byte) bool {
	if len(selector) < MinAIDLength || len(selector) > MaxAIDLength {
		return false
	}
	return bytes.HasPrefix(a, selector)
}

// Equal reports byte equality.
func (a AID) Equal(b AID) bool {
	return bytes.Equal(a, b)
}

func (a AID) String() string {
	return fmt.Sprintf("%X", []byte(a))
}

// Interface is the physical path an APDU arrived on.
type Interface uint8

const (
	// Contact covers USB CCID and the contact pads
	Contact Interface = iota
	// Contactless covers NFC
	Contactless
)

// Interfaces lists every interface in poll order.
var Interfaces = []Interface{Contact, Contactless}

func (i Interface) String() string {
	switch i {
	case Contact:
		return "contact"
	case Contactless:
		return "contactless"
	default:
		return fmt.Sprintf("interface(%d)", uint8(i))
	}
}
