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
	"context"
	"testing"
	"time"

	"github.com/ZaparooProject/go-token/apps"
	"github.com/ZaparooProject/go-token/interchange"
	virt "github.com/ZaparooProject/go-token/internal/testing"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/ZaparooProject/go-token/transport/uart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config {
	return &config{
		serialPort: "virt0",
		pin:        "123456",
		uuid:       "000102030405060708090A0B0C0D0E0F",
		tick:       time.Millisecond,
		storeLimit: 1024,
	}
}

func TestParseConfig(t *testing.T) {
	saved := flagSerial
	t.Cleanup(func() { flagSerial = saved })

	flagSerial = ""
	_, err := parseConfig()
	require.Error(t, err)

	flagSerial = "/dev/ttyGS0"
	cfg, err := parseConfig()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyGS0", cfg.serialPort)
	assert.Equal(t, 5*time.Millisecond, cfg.tick)
	assert.Equal(t, "123456", cfg.pin)
}

func TestParseUUID(t *testing.T) {
	t.Parallel()

	uuid, err := parseUUID("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.Equal(t, byte(0x0F), uuid[15])

	random1, err := parseUUID("")
	require.NoError(t, err)
	random2, err := parseUUID("")
	require.NoError(t, err)
	assert.NotEqual(t, random1, random2)

	_, err = parseUUID("zz")
	require.Error(t, err)
	_, err = parseUUID("0001")
	require.Error(t, err)
}

func TestBuildApps_Order(t *testing.T) {
	t.Parallel()

	appList, err := buildApps(testConfig(), nil, &restarter{cancel: func() {}})
	require.NoError(t, err)
	require.Len(t, appList, 4)
	assert.Equal(t, apps.FIDOAID, appList[0].AID())
	assert.Equal(t, apps.AdminAID, appList[1].AID())
	assert.Equal(t, apps.PIVAID, appList[2].AID())
	assert.Equal(t, apps.ProvisionerAID, appList[3].AID())

	cfg := testConfig()
	cfg.uuid = "bad"
	_, err = buildApps(cfg, nil, nil)
	require.Error(t, err)
}

func TestRestarter_CancelsOnce(t *testing.T) {
	t.Parallel()

	calls := make(chan struct{}, 2)
	r := &restarter{cancel: func() { calls <- struct{}{} }, delay: time.Millisecond}
	require.NoError(t, r.Reboot())
	require.NoError(t, r.Reboot())

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("restart never cancelled the daemon")
	}
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, calls)
	assert.True(t, r.requested.Load())
}

func TestServe_AnswersOverSerial(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reboot := &restarter{cancel: cancel, delay: 50 * time.Millisecond}

	cfg := testConfig()
	appList, err := buildApps(cfg, nil, reboot)
	require.NoError(t, err)
	sys, err := newSystem(cfg, nil, appList)
	require.NoError(t, err)

	device, host := virt.NewVirtualSerialPair(nil)
	link, err := uart.NewWithPort(device, "virt0", sys.Channel(iso7816.Contact))
	require.NoError(t, err)
	client, err := uart.NewClientWithPort(host, "virt1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- serve(ctx, sys, link) }()

	selectAdmin := append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(apps.AdminAID))}, apps.AdminAID...)
	rsp, err := client.Transmit(context.Background(), selectAdmin)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, rsp)

	rsp, err = client.Transmit(context.Background(), []byte{0x00, apps.InsAdminVersion, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x90, 0x00}, rsp)

	rsp, err = client.Transmit(context.Background(), []byte{0x00, apps.InsAdminRandom, 0x00, 0x00, 0x10})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x69, 0x85}, rsp)

	rsp, err = client.Transmit(context.Background(), []byte{0x00, apps.InsAdminReboot, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, rsp)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after reboot")
	}
	assert.True(t, reboot.requested.Load())
	assert.Equal(t, interchange.Idle, sys.Channel(iso7816.Contact).State())
}
