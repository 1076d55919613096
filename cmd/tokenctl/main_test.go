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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/apps"
	"github.com/ZaparooProject/go-token/dispatch"
	"github.com/ZaparooProject/go-token/interchange"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localToken runs a dispatcher in-process behind the transmitter interface.
type localToken struct {
	ch *interchange.Channel
	d  *dispatch.Dispatcher
}

func newLocalToken(appList ...dispatch.App) *localToken {
	ch := interchange.NewChannel()
	return &localToken{
		ch: ch,
		d:  dispatch.New(appList, map[iso7816.Interface]*interchange.Channel{iso7816.Contact: ch}),
	}
}

func (l *localToken) Transmit(_ context.Context, apdu []byte) ([]byte, error) {
	if err := l.ch.Request(append([]byte(nil), apdu...)); err != nil {
		return nil, err
	}
	l.d.Poll(iso7816.Contact)
	rsp, ok := l.ch.TakeResponse()
	if !ok {
		return nil, errors.New("no response")
	}
	return rsp, nil
}

func (*localToken) Close() error { return nil }

// scriptedCard replays canned responses and records what it was sent.
type scriptedCard struct {
	replies [][]byte
	sent    [][]byte
}

func (s *scriptedCard) Transmit(_ context.Context, apdu []byte) ([]byte, error) {
	s.sent = append(s.sent, append([]byte(nil), apdu...))
	if len(s.replies) == 0 {
		return []byte{0x6F, 0x00}, nil
	}
	rsp := s.replies[0]
	s.replies = s.replies[1:]
	return rsp, nil
}

func (*scriptedCard) Close() error { return nil }

type countingEntropy struct{}

func (countingEntropy) GetRandom(_ context.Context, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out, nil
}

func TestResolveAID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    iso7816.AID
		wantErr bool
	}{
		{name: "FIDO", want: apps.FIDOAID},
		{name: "admin", want: apps.AdminAID},
		{name: "piv", want: apps.PIVAID},
		{name: "prov", want: apps.ProvisionerAID},
		{name: "A0 00 00 03 08", want: iso7816.AID{0xA0, 0x00, 0x00, 0x03, 0x08}},
		{name: "A000", wantErr: true},
		{name: "nfc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveAID(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPickReader(t *testing.T) {
	t.Parallel()

	readers := []string{"Generic USB Reader 00 00", "Token CCID 01 00"}
	r, err := pickReader(readers, "")
	require.NoError(t, err)
	assert.Equal(t, readers[0], r)

	r, err = pickReader(readers, "token")
	require.NoError(t, err)
	assert.Equal(t, readers[1], r)

	_, err = pickReader(readers, "yubikey")
	require.Error(t, err)
	_, err = pickReader(nil, "")
	require.Error(t, err)
}

func TestSession_GetResponse(t *testing.T) {
	t.Parallel()

	card := &scriptedCard{replies: [][]byte{
		{0x01, 0x02, 0x61, 0x03},
		{0x03, 0x04, 0x05, 0x90, 0x00},
	}}
	sess := &session{tx: card}

	rsp, err := sess.exchange(context.Background(), []byte{0x00, 0xCB, 0x3F, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05}, rsp.Data)
	assert.Equal(t, iso7816.Success, rsp.Status)
	require.Len(t, card.sent, 2)
	assert.Equal(t, []byte{0x00, 0xC0, 0x00, 0x00, 0x03}, card.sent[1])
}

func TestSession_WrongLeResendsOnce(t *testing.T) {
	t.Parallel()

	card := &scriptedCard{replies: [][]byte{
		{0x6C, 0x08},
		{0x6C, 0x04},
	}}
	sess := &session{tx: card}

	rsp, err := sess.exchange(context.Background(), []byte{0x00, 0x60, 0x00, 0x00, 0x10})
	require.NoError(t, err)
	assert.Equal(t, iso7816.Status(0x6C04), rsp.Status)
	require.Len(t, card.sent, 2)
	assert.Equal(t, []byte{0x00, 0x60, 0x00, 0x00, 0x08}, card.sent[1])
}

func TestSession_EndlessGetResponse(t *testing.T) {
	t.Parallel()

	replies := make([][]byte, maxGetResponse+1)
	for i := range replies {
		replies[i] = []byte{0x61, 0x01}
	}
	sess := &session{tx: &scriptedCard{replies: replies}}

	_, err := sess.exchange(context.Background(), []byte{0x00, 0xCB, 0x3F, 0xFF})
	require.ErrorIs(t, err, token.ErrProtocol)
}

func TestSession_CallReturnsStatus(t *testing.T) {
	t.Parallel()

	sess := &session{tx: newLocalToken(apps.NewAdmin([16]byte{}, 0))}
	_, err := sess.call(context.Background(), iso7816.Command{Instruction: apps.InsAdminVersion})

	var sw iso7816.Status
	require.ErrorAs(t, err, &sw)
	assert.Equal(t, iso7816.ConditionsNotSatisfied, sw)
}

func TestRunInfo(t *testing.T) {
	t.Parallel()

	uuid := [16]byte{0xDE, 0xAD, 0xBE, 0xEF}
	sess := &session{tx: newLocalToken(apps.NewAdmin(uuid, 0x00010203))}

	var out bytes.Buffer
	require.NoError(t, runInfo(context.Background(), sess, &out))
	assert.Contains(t, out.String(), "Firmware: 1.2.3")
	assert.Contains(t, out.String(), "DEADBEEF000000000000000000000000")
}

func TestRunRandom(t *testing.T) {
	t.Parallel()

	sess := &session{tx: newLocalToken(apps.NewAdmin([16]byte{}, 0, apps.WithEntropy(countingEntropy{})))}

	var out bytes.Buffer
	require.NoError(t, runRandom(context.Background(), sess, &out, 4))
	assert.Equal(t, "00010203\n", out.String())

	sess = &session{tx: newLocalToken(apps.NewAdmin([16]byte{}, 0))}
	require.ErrorIs(t, runRandom(context.Background(), sess, &out, 4), iso7816.ConditionsNotSatisfied)
}

func TestRunAPDUs(t *testing.T) {
	t.Parallel()

	sess := &session{tx: newLocalToken(apps.NewPIV("123456"))}

	var out bytes.Buffer
	err := runAPDUs(context.Background(), sess, &out, "piv", []string{
		"00 20 00 80",
		"0020008008313233343536FFFF",
		"00200080",
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[0], "Selected A000000308000010000100"))
	assert.Contains(t, lines[2], "63C3")
	assert.Contains(t, lines[4], "9000")
	assert.Contains(t, lines[6], "9000")

	require.Error(t, runAPDUs(context.Background(), sess, &out, "", []string{"00A4"}))
	require.Error(t, runAPDUs(context.Background(), sess, &out, "", []string{"zz"}))
	require.Error(t, runAPDUs(context.Background(), sess, &out, "nfc", nil))
}

func TestRunStressTest(t *testing.T) {
	t.Parallel()

	store := apps.NewMemoryStore(0)
	sess := &session{tx: newLocalToken(apps.NewProvisioner(store, false))}

	var out bytes.Buffer
	result, err := runStressTest(context.Background(), &stressRun{
		sess:     sess,
		out:      &out,
		reader:   "local",
		crashDir: t.TempDir(),
		maxBytes: 2048,
	}, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Passed)
	assert.Zero(t, result.Failed)
	assert.Empty(t, result.CrashFile)
	assert.Equal(t, []string{"stress/0", "stress/1", "stress/2", "stress/3"}, store.Names())

	printStressSummary(&out, result)
	assert.Contains(t, out.String(), "Passed: 6  Failed: 0")
}

func TestRunStressTest_WritesCrashReport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sess := &session{tx: newLocalToken(apps.NewProvisioner(apps.NewMemoryStore(writeChunk), false))}

	var out bytes.Buffer
	result, err := runStressTest(context.Background(), &stressRun{
		sess:     sess,
		out:      &out,
		reader:   "local",
		crashDir: dir,
		maxBytes: 2048,
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 2, result.Failed)
	require.NotEmpty(t, result.CrashFile)
	assert.Equal(t, dir, filepath.Dir(result.CrashFile))

	data, err := os.ReadFile(result.CrashFile)
	require.NoError(t, err)
	var report CrashReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "write", report.Operation)
	assert.Equal(t, "stress/1", report.File)
	assert.Equal(t, "chained", report.TestSize)
	assert.Contains(t, report.Error, "6A84")
	require.NotEmpty(t, report.OperationLog)
	assert.False(t, report.OperationLog[len(report.OperationLog)-1].Success)
}

func TestTestSizeBounds(t *testing.T) {
	t.Parallel()

	low, high := sizeSingleLink.bounds(2048)
	assert.Equal(t, 1, low)
	assert.Equal(t, writeChunk, high)

	low, high = sizeLarge.bounds(100)
	assert.Equal(t, 100, low)
	assert.Equal(t, 100, high)

	assert.Equal(t, "testSize(9)", testSize(9).String())
}

func TestRunWith_NothingToDo(t *testing.T) {
	t.Parallel()

	err := runWith(context.Background(), &config{}, &session{tx: &scriptedCard{}}, "none", &bytes.Buffer{})
	require.Error(t, err)
}
