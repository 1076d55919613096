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

// Command tokenctl talks to a token over PC/SC or a serial link. It selects
// applications, sends raw APDUs and runs provisioning stress tests.
package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/apps"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/ZaparooProject/go-token/transport/uart"
)

type config struct {
	reader   string
	serial   string
	app      string
	crashDir string
	apdus    []string
	random   int
	stress   int
	maxBytes int
	list     bool
	info     bool
	debug    bool
}

// Package-level flag variables
var (
	flagReader   string
	flagSerial   string
	flagApp      string
	flagCrashDir string
	flagRandom   int
	flagStress   int
	flagMaxBytes int
	flagList     bool
	flagInfo     bool
	flagDebug    bool
)

func init() {
	flag.StringVar(&flagReader, "reader", "", "PC/SC reader name filter (first reader if empty)")
	flag.StringVar(&flagSerial, "serial", "", "Serial port of a tokend link (used instead of PC/SC)")
	flag.StringVar(&flagApp, "app", "", "Application to select: fido, admin, piv, provisioner or a hex AID")
	flag.StringVar(&flagCrashDir, "crash-dir", ".", "Directory for stress test crash reports")
	flag.IntVar(&flagRandom, "random", 0, "Fetch this many random bytes from the Admin app")
	flag.IntVar(&flagStress, "stress", 0, "Run this many provisioner write/read round trips")
	flag.IntVar(&flagMaxBytes, "stress-max", 2048, "Largest file written by the stress test")
	flag.BoolVar(&flagList, "list", false, "List PC/SC readers and exit")
	flag.BoolVar(&flagInfo, "info", false, "Show firmware version and UUID")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
}

func parseConfig(args []string) (*config, error) {
	cfg := &config{
		reader:   flagReader,
		serial:   flagSerial,
		app:      flagApp,
		crashDir: flagCrashDir,
		apdus:    args,
		random:   flagRandom,
		stress:   flagStress,
		maxBytes: flagMaxBytes,
		list:     flagList,
		info:     flagInfo,
		debug:    flagDebug,
	}
	if cfg.random < 0 || cfg.random > iso7816.MaxShortLe {
		return nil, fmt.Errorf("-random must be between 0 and %d", iso7816.MaxShortLe)
	}
	if cfg.maxBytes < 1 || cfg.maxBytes > iso7816.DefaultCommandCapacity {
		return nil, fmt.Errorf("-stress-max must be between 1 and %d", iso7816.DefaultCommandCapacity)
	}
	if len(cfg.apdus) > 0 && cfg.app == "" {
		_, _ = fmt.Fprintln(os.Stderr, "Warning: no -app given, APDUs go to the currently selected application")
	}
	if cfg.debug {
		token.SetDebugEnabled(true)
	}
	return cfg, nil
}

func openTransmitter(cfg *config) (tx transmitter, name string, err error) {
	if cfg.serial != "" {
		client, err := uart.NewClient(cfg.serial)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create UART client: %w", err)
		}
		return client, cfg.serial, nil
	}
	card, err := openPCSC(cfg.reader)
	if err != nil {
		return nil, "", err
	}
	return card, card.reader, nil
}

func runInfo(ctx context.Context, sess *session, out io.Writer) error {
	if _, err := sess.selectApp(ctx, apps.AdminAID); err != nil {
		return fmt.Errorf("failed to select admin: %w", err)
	}
	version, err := sess.call(ctx, iso7816.Command{Instruction: apps.InsAdminVersion})
	if err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	if len(version) != 4 {
		return fmt.Errorf("%w: version of %d bytes", token.ErrProtocol, len(version))
	}
	uuid, err := sess.call(ctx, iso7816.Command{Instruction: apps.InsAdminUUID})
	if err != nil {
		return fmt.Errorf("failed to read UUID: %w", err)
	}

	v := binary.BigEndian.Uint32(version)
	_, _ = fmt.Fprintf(out, "Firmware: %d.%d.%d\n", v>>16, v>>8&0xFF, v&0xFF)
	_, _ = fmt.Fprintf(out, "UUID:     %X\n", uuid)
	return nil
}

func runRandom(ctx context.Context, sess *session, out io.Writer, n int) error {
	if _, err := sess.selectApp(ctx, apps.AdminAID); err != nil {
		return fmt.Errorf("failed to select admin: %w", err)
	}
	rnd, err := sess.call(ctx, iso7816.Command{Instruction: apps.InsAdminRandom, Le: n})
	if err != nil {
		return fmt.Errorf("failed to get random: %w", err)
	}
	_, _ = fmt.Fprintln(out, hex.EncodeToString(rnd))
	return nil
}

func runAPDUs(ctx context.Context, sess *session, out io.Writer, app string, apdus []string) error {
	if app != "" {
		aid, err := resolveAID(app)
		if err != nil {
			return err
		}
		fci, err := sess.selectApp(ctx, aid)
		if err != nil {
			return fmt.Errorf("failed to select %s: %w", aid, err)
		}
		_, _ = fmt.Fprintf(out, "Selected %s %X\n", aid, fci)
	}

	for _, s := range apdus {
		raw, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err != nil {
			return fmt.Errorf("invalid APDU %q: %w", s, err)
		}
		if len(raw) < 4 {
			return fmt.Errorf("APDU %q shorter than a header", s)
		}
		rsp, err := sess.exchange(ctx, raw)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "> %X\n< %X %04X (%s)\n", raw, rsp.Data, uint16(rsp.Status), rsp.Status)
	}
	return nil
}

func run(ctx context.Context, cfg *config, out io.Writer) error {
	if cfg.list {
		readers, err := listReaders()
		if err != nil {
			return err
		}
		for _, r := range readers {
			_, _ = fmt.Fprintln(out, r)
		}
		return nil
	}

	tx, name, err := openTransmitter(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close %s: %v\n", name, err)
		}
	}()
	return runWith(ctx, cfg, &session{tx: tx}, name, out)
}

func runWith(ctx context.Context, cfg *config, sess *session, name string, out io.Writer) error {
	switch {
	case cfg.info:
		return runInfo(ctx, sess, out)
	case cfg.random > 0:
		return runRandom(ctx, sess, out, cfg.random)
	case cfg.stress > 0:
		_, _ = fmt.Fprintf(out, "Running %d provisioner round trips on %s...\n", cfg.stress, name)
		result, err := runStressTest(ctx, &stressRun{
			sess:     sess,
			out:      out,
			reader:   name,
			crashDir: cfg.crashDir,
			maxBytes: cfg.maxBytes,
		}, cfg.stress)
		if err != nil {
			return err
		}
		printStressSummary(out, result)
		if result.Failed > 0 {
			return fmt.Errorf("%d of %d round trips failed", result.Failed, cfg.stress)
		}
		return nil
	case len(cfg.apdus) > 0 || cfg.app != "":
		return runAPDUs(ctx, sess, out, cfg.app, cfg.apdus)
	default:
		return errors.New("nothing to do: use -info, -random, -stress, -app or pass APDUs")
	}
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg, err := parseConfig(flag.Args())
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
