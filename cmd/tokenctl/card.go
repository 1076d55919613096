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
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/apps"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/ebfe/scard"
)

// insGetResponse fetches the remainder announced by a 61xx status.
const insGetResponse = 0xC0

// maxGetResponse bounds the GET RESPONSE rounds for one command.
const maxGetResponse = 64

// transmitter carries raw APDUs to a token.
type transmitter interface {
	Transmit(ctx context.Context, apdu []byte) ([]byte, error)
	Close() error
}

// pcscCard is a token reached through a PC/SC reader.
type pcscCard struct {
	ctx    *scard.Context
	card   *scard.Card
	reader string
}

func listReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	defer func() { _ = ctx.Release() }()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return readers, nil
}

// pickReader returns the first reader whose name contains filter,
// ignoring case. An empty filter picks the first reader.
func pickReader(readers []string, filter string) (string, error) {
	for _, r := range readers {
		if strings.Contains(strings.ToLower(r), strings.ToLower(filter)) {
			return r, nil
		}
	}
	if filter == "" {
		return "", errors.New("no smart card reader found")
	}
	return "", fmt.Errorf("no reader matching %q", filter)
}

func openPCSC(filter string) (*pcscCard, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	readers, err := ctx.ListReaders()
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	reader, err := pickReader(readers, filter)
	if err != nil {
		_ = ctx.Release()
		return nil, err
	}

	// Force T=0 or T=1 to avoid "Parameter Incorrect" errors
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("failed to connect to %s: %w", reader, err)
	}
	token.Debugf("PC/SC: connected to %s", reader)
	return &pcscCard{ctx: ctx, card: card, reader: reader}, nil
}

func (p *pcscCard) Transmit(_ context.Context, apdu []byte) ([]byte, error) {
	rsp, err := p.card.Transmit(apdu)
	if err != nil {
		return nil, token.NewTransmitError("Transmit", p.reader, err)
	}
	return rsp, nil
}

func (p *pcscCard) Close() error {
	return errors.Join(p.card.Disconnect(scard.LeaveCard), p.ctx.Release())
}

// resolveAID maps an application name or a hex AID to an AID.
func resolveAID(name string) (iso7816.AID, error) {
	switch strings.ToLower(name) {
	case "fido", "u2f":
		return apps.FIDOAID, nil
	case "admin":
		return apps.AdminAID, nil
	case "piv":
		return apps.PIVAID, nil
	case "provisioner", "prov":
		return apps.ProvisionerAID, nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(name, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("unknown application %q", name)
	}
	return iso7816.NewAID(b)
}

// session sends commands and follows the ISO 7816-4 response
// continuation statuses.
type session struct {
	tx transmitter
}

// exchange sends raw and collects the full response.
func (s *session) exchange(ctx context.Context, raw []byte) (iso7816.Response, error) {
	return s.transceive(ctx, raw, true)
}

func (s *session) transceive(ctx context.Context, raw []byte, resend bool) (iso7816.Response, error) {
	out, err := s.tx.Transmit(ctx, raw)
	if err != nil {
		return iso7816.Response{}, err
	}
	rsp, err := iso7816.ParseResponse(out)
	if err != nil {
		return iso7816.Response{}, err
	}
	data := append([]byte(nil), rsp.Data...)

	// 6Cxx: wrong Le, resend once with the exact length
	if rsp.Status.SW1() == 0x6C && resend && len(raw) >= 4 {
		cmd := iso7816.Command{Class: raw[0], Instruction: raw[1], P1: raw[2], P2: raw[3], Le: leOf(rsp.Status.SW2())}
		if len(raw) > 5 && raw[4] != 0 {
			cmd.Data = raw[5 : 5+int(raw[4])]
		}
		return s.transceive(ctx, cmd.Bytes(), false)
	}

	for round := 0; rsp.Status.SW1() == 0x61; round++ {
		if round == maxGetResponse {
			return iso7816.Response{}, fmt.Errorf("%w: endless GET RESPONSE", token.ErrProtocol)
		}
		get := iso7816.Command{Instruction: insGetResponse, Le: leOf(rsp.Status.SW2())}
		out, err = s.tx.Transmit(ctx, get.Bytes())
		if err != nil {
			return iso7816.Response{}, err
		}
		if rsp, err = iso7816.ParseResponse(out); err != nil {
			return iso7816.Response{}, err
		}
		data = append(data, rsp.Data...)
	}
	return iso7816.Response{Data: data, Status: rsp.Status}, nil
}

func leOf(sw2 byte) int {
	if sw2 == 0 {
		return iso7816.MaxShortLe
	}
	return int(sw2)
}

// call sends cmd and turns any status other than 9000 into an error.
func (s *session) call(ctx context.Context, cmd iso7816.Command) ([]byte, error) {
	rsp, err := s.exchange(ctx, cmd.Bytes())
	if err != nil {
		return nil, err
	}
	if !rsp.Status.IsSuccess() {
		return nil, fmt.Errorf("%s: %w", cmd, rsp.Status)
	}
	return rsp.Data, nil
}

// callChained splits cmd.Data into chunks of at most chunk bytes, setting
// the chaining class bit on all but the last.
func (s *session) callChained(ctx context.Context, cmd iso7816.Command, chunk int) ([]byte, error) {
	data := cmd.Data
	for len(data) > chunk {
		link := cmd
		link.Class |= iso7816.ClassChaining
		link.Data = data[:chunk]
		link.Le = 0
		if _, err := s.call(ctx, link); err != nil {
			return nil, err
		}
		data = data[chunk:]
	}
	last := cmd
	last.Data = data
	return s.call(ctx, last)
}

func (s *session) selectApp(ctx context.Context, aid iso7816.AID) ([]byte, error) {
	return s.call(ctx, iso7816.Command{
		Instruction: iso7816.InsSelectFile,
		P1:          iso7816.SelectByName,
		Data:        aid,
		Le:          iso7816.MaxShortLe,
	})
}
