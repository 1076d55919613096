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

import "fmt"

// Status is the two-byte status word (SW1 SW2). It implements error so apps
// can return it directly; Success is never used as an error value.
type Status uint16

// Status words used by the dispatcher and apps.
const (
	Success                    Status = 0x9000
	WrongLength                Status = 0x6700
	SecurityStatusNotSatisfied Status = 0x6982
	AuthMethodBlocked          Status = 0x6983
	ConditionsNotSatisfied     Status = 0x6985
	WrongData                  Status = 0x6A80
	FunctionNotSupported       Status = 0x6A81
	NotFound                   Status = 0x6A82
	NotEnoughMemory            Status = 0x6A84
	IncorrectP1P2              Status = 0x6A86
	ReferencedDataNotFound     Status = 0x6A88
	InstructionNotSupported    Status = 0x6D00
	ClassNotSupported          Status = 0x6E00
	UnspecifiedCheckingError   Status = 0x6F00
)

var statusNames = map[Status]string{
	Success:                    "success",
	WrongLength:                "wrong length",
	SecurityStatusNotSatisfied: "security status not satisfied",
	AuthMethodBlocked:          "authentication method blocked",
	ConditionsNotSatisfied:     "conditions of use not satisfied",
	WrongData:                  "incorrect data",
	FunctionNotSupported:       "function not supported",
	NotFound:                   "file or application not found",
	NotEnoughMemory:            "not enough memory",
	IncorrectP1P2:              "incorrect P1 P2",
	ReferencedDataNotFound:     "referenced data not found",
	InstructionNotSupported:    "instruction not supported",
	ClassNotSupported:          "class not supported",
	UnspecifiedCheckingError:   "unspecified checking error",
}

// NewStatus builds a status word from SW1 and SW2.
func NewStatus(sw1, sw2 byte) Status {
	return Status(uint16(sw1)<<8 | uint16(sw2))
}

// VerificationFailed returns 63Cx, x being the remaining retries (max 15).
func VerificationFailed(retries int) Status {
	return NewStatus(0x63, 0xC0|byte(min(max(retries, 0), 0x0F)))
}

// SW1 returns the high byte
func (s Status) SW1() byte { return byte(s >> 8) }

// SW2 returns the low byte
func (s Status) SW2() byte { return byte(s) }

// IsSuccess reports 9000.
func (s Status) IsSuccess() bool { return s == Success }

// RetriesLeft returns the counter of a 63Cx status.
func (s Status) RetriesLeft() (int, bool) {
	if s.SW1() != 0x63 || s.SW2()&0xF0 != 0xC0 {
		return 0, false
	}
	return int(s.SW2() & 0x0F), true
}

func (s Status) Error() string {
	return s.String()
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%04X (%s)", uint16(s), name)
	}
	if n, ok := s.RetriesLeft(); ok {
		return fmt.Sprintf("%04X (verification failed, %d retries)", uint16(s), n)
	}
	return fmt.Sprintf("%04X", uint16(s))
}
