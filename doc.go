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

// Package token holds the pieces shared by every layer of the token core:
// the error taxonomy, wire traces, debug logging, the caller-side retry
// policy, the T1 link interface and the SE050 Answer To Reset.
//
// The APDU dispatcher lives in package dispatch and the T=1 over I2C link
// in transport/i2c. Package se050 drives the secure element session on top
// of any T1 implementation.
package token
