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

package interchange

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterchange_FullCycle(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	assert.Equal(t, Idle, ch.State())

	require.NoError(t, ch.Request([]byte{0x00, 0xA4, 0x04, 0x00}))
	assert.Equal(t, Requested, ch.State())

	req, ok := ch.TakeRequest()
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00}, req)
	assert.Equal(t, Processing, ch.State())

	_, ok = ch.TakeRequest()
	assert.False(t, ok, "request is moved out, never duplicated")

	require.NoError(t, ch.Respond([]byte{0x90, 0x00}))
	assert.Equal(t, Responded, ch.State())

	rsp, ok := ch.TakeResponse()
	require.True(t, ok)
	assert.Equal(t, []byte{0x90, 0x00}, rsp)
	assert.Equal(t, Idle, ch.State())

	_, ok = ch.TakeResponse()
	assert.False(t, ok)
}

func TestInterchange_BusyLeavesPayloadUntouched(t *testing.T) {
	t.Parallel()

	ch := New[string, string]()
	require.NoError(t, ch.Request("first"))

	err := ch.Request("second")
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, Requested, ch.State())

	req, ok := ch.TakeRequest()
	require.True(t, ok)
	assert.Equal(t, "first", req)

	require.ErrorIs(t, ch.Request("third"), ErrBusy, "busy while processing")
	require.NoError(t, ch.Respond("ok"))
	require.ErrorIs(t, ch.Request("fourth"), ErrBusy, "busy until the response is taken")
}

func TestInterchange_OutOfOrder(t *testing.T) {
	t.Parallel()

	ch := New[int, int]()

	require.ErrorIs(t, ch.Respond(1), ErrState, "respond while idle")
	_, ok := ch.TakeRequest()
	assert.False(t, ok)

	require.NoError(t, ch.Request(1))
	require.ErrorIs(t, ch.Respond(2), ErrState, "respond before take")
	_, ok = ch.TakeResponse()
	assert.False(t, ok)
}

func TestInterchange_Reset(t *testing.T) {
	t.Parallel()

	ch := New[int, int]()
	require.NoError(t, ch.Request(1))
	_, _ = ch.TakeRequest()

	ch.Reset()
	assert.Equal(t, Idle, ch.State())
	require.NoError(t, ch.Request(2))
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "processing", Processing.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestInterchange_ConcurrentTransactions(t *testing.T) {
	t.Parallel()

	const n = 200
	ch := New[int, int]()
	var wg sync.WaitGroup
	wg.Add(2)

	got := make([]int, 0, n)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if ch.Request(i) == nil {
				for {
					if rsp, ok := ch.TakeResponse(); ok {
						got = append(got, rsp)
						break
					}
				}
				i++
			}
		}
	}()

	go func() {
		defer wg.Done()
		for served := 0; served < n; {
			if req, ok := ch.TakeRequest(); ok {
				assert.NoError(t, ch.Respond(req*2))
				served++
			}
		}
	}()

	wg.Wait()
	require.Len(t, got, n)
	for i, v := range got {
		assert.Equal(t, i*2, v)
	}
}
