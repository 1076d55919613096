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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, byte(0x6A), NotFound.SW1())
	assert.Equal(t, byte(0x82), NotFound.SW2())
	assert.Equal(t, Success, NewStatus(0x90, 0x00))
	assert.True(t, Success.IsSuccess())
	assert.False(t, WrongLength.IsSuccess())
	assert.Equal(t, "6A82 (file or application not found)", NotFound.Error())
	assert.Equal(t, "6283", NewStatus(0x62, 0x83).String())

	var err error = fmt.Errorf("select: %w", ConditionsNotSatisfied)
	var sw Status
	require.ErrorAs(t, err, &sw)
	assert.Equal(t, ConditionsNotSatisfied, sw)
	assert.True(t, errors.Is(err, ConditionsNotSatisfied))
}

func TestVerificationFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		retries int
		want    Status
	}{
		{retries: 3, want: 0x63C3},
		{retries: 0, want: 0x63C0},
		{retries: 20, want: 0x63CF},
		{retries: -1, want: 0x63C0},
	}

	for _, tt := range tests {
		got := VerificationFailed(tt.retries)
		assert.Equal(t, tt.want, got)
		n, ok := got.RetriesLeft()
		assert.True(t, ok)
		assert.Equal(t, int(tt.want.SW2()&0x0F), n)
	}

	_, ok := Success.RetriesLeft()
	assert.False(t, ok)
	assert.Contains(t, VerificationFailed(2).String(), "2 retries")
}

func TestAID(t *testing.T) {
	t.Parallel()

	piv := MustAID("A000000308000010000100")

	assert.True(t, piv.Matches(piv))
	assert.True(t, piv.Matches([]byte{0xA0, 0x00, 0x00, 0x03, 0x08}), "truncated selection")
	assert.False(t, piv.Matches([]byte{0xA0, 0x00, 0x00, 0x03}), "selector below minimum length")
	assert.False(t, piv.Matches([]byte{0xA0, 0x00, 0x00, 0x03, 0x09}))
	assert.False(t, piv.Matches(append(append([]byte(nil), piv...), 0x00)), "longer selector")
	assert.Equal(t, "A000000308000010000100", piv.String())

	_, err := NewAID([]byte{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrInvalidAID)
	_, err = NewAID(make([]byte, 17))
	require.ErrorIs(t, err, ErrInvalidAID)

	src := []byte{1, 2, 3, 4, 5}
	aid, err := NewAID(src)
	require.NoError(t, err)
	src[0] = 9
	assert.True(t, aid.Equal(AID{1, 2, 3, 4, 5}), "NewAID copies its input")

	assert.Panics(t, func() { MustAID("zz") })
	assert.Panics(t, func() { MustAID("0102") })
}

func TestInterface_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "contact", Contact.String())
	assert.Equal(t, "contactless", Contactless.String())
	assert.Equal(t, "interface(7)", Interface(7).String())
}

func TestData(t *testing.T) {
	t.Parallel()

	d := NewData(4)
	n, err := d.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = d.Write([]byte{4, 5})
	require.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, []byte{1, 2, 3}, d.Bytes(), "failed write leaves buffer untouched")

	require.NoError(t, d.WriteByte(4))
	require.ErrorIs(t, d.WriteByte(5), ErrBufferFull)
	assert.Equal(t, 4, d.Len())
	assert.Equal(t, 4, d.Cap())

	d.Reset()
	assert.Zero(t, d.Len())
	assert.Equal(t, 4, d.Cap())
}
