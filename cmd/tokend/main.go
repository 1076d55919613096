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

// Command tokend runs the token core on a device with an SE050 on I2C and
// a host connected over a serial line.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	token "github.com/ZaparooProject/go-token"
	"github.com/ZaparooProject/go-token/apps"
	"github.com/ZaparooProject/go-token/dispatch"
	"github.com/ZaparooProject/go-token/internal/syncutil"
	"github.com/ZaparooProject/go-token/iso7816"
	"github.com/ZaparooProject/go-token/se050"
	"github.com/ZaparooProject/go-token/system"
	"github.com/ZaparooProject/go-token/transport/i2c"
	"github.com/ZaparooProject/go-token/transport/uart"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// FirmwareVersion is reported by the Admin app.
const FirmwareVersion uint32 = 0x00010000

// exitRestart asks the supervisor to start tokend again.
const exitRestart = 3

type config struct {
	bus         string
	powerPin    string
	serialPort  string
	logDir      string
	pin         string
	uuid        string
	tick        time.Duration
	lockTimeout time.Duration
	storeLimit  int
	debug       bool
	locked      bool
}

// Package-level flag variables
var (
	flagBus         string
	flagPowerPin    string
	flagSerial      string
	flagLogDir      string
	flagPIN         string
	flagUUID        string
	flagTick        time.Duration
	flagLockTimeout time.Duration
	flagStoreLimit  int
	flagDebug       bool
	flagLocked      bool
)

func init() {
	flag.StringVar(&flagBus, "bus", "", "I2C bus name (first bus if empty)")
	flag.StringVar(&flagPowerPin, "power-pin", "", "GPIO driving the SE050 enable line")
	flag.StringVar(&flagSerial, "serial", "", "Serial port the host is connected to")
	flag.StringVar(&flagLogDir, "log", "", "Directory for the session log (disabled if empty)")
	flag.StringVar(&flagPIN, "pin", "123456", "PIV application PIN")
	flag.StringVar(&flagUUID, "uuid", "", "Device UUID as 32 hex digits (random if empty)")
	flag.DurationVar(&flagTick, "tick", 5*time.Millisecond, "Dispatcher tick while APDUs are flowing")
	flag.DurationVar(&flagLockTimeout, "lock-timeout", 30*time.Second,
		"Report locks held longer than this (deadlock builds only)")
	flag.IntVar(&flagStoreLimit, "store-limit", 64*1024, "Provisioner store size in bytes")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
	flag.BoolVar(&flagLocked, "locked", false, "Start with the provisioner locked")
}

func parseConfig() (*config, error) {
	cfg := &config{
		bus:         flagBus,
		powerPin:    flagPowerPin,
		serialPort:  flagSerial,
		logDir:      flagLogDir,
		pin:         flagPIN,
		uuid:        flagUUID,
		tick:        flagTick,
		lockTimeout: flagLockTimeout,
		storeLimit:  flagStoreLimit,
		debug:       flagDebug,
		locked:      flagLocked,
	}
	if cfg.serialPort == "" {
		return nil, errors.New("-serial is required")
	}
	if cfg.tick <= 0 {
		return nil, fmt.Errorf("-tick must be positive, got %v", cfg.tick)
	}
	if cfg.debug {
		token.SetDebugEnabled(true)
	}
	return cfg, nil
}

func parseUUID(s string) ([16]byte, error) {
	var uuid [16]byte
	if s == "" {
		_, err := rand.Read(uuid[:])
		return uuid, err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return uuid, fmt.Errorf("invalid uuid: %w", err)
	}
	if len(b) != len(uuid) {
		return uuid, fmt.Errorf("uuid must be 16 bytes, got %d", len(b))
	}
	copy(uuid[:], b)
	return uuid, nil
}

// restarter implements apps.Rebooter by ending the daemon with exitRestart.
// The delay lets the reply to the reboot command reach the host first.
type restarter struct {
	cancel    context.CancelFunc
	requested atomic.Bool
	delay     time.Duration
}

func (r *restarter) Reboot() error {
	if !r.requested.CompareAndSwap(false, true) {
		return nil
	}
	time.AfterFunc(r.delay, r.cancel)
	return nil
}

// buildApps returns the applications in selection priority order.
func buildApps(cfg *config, entropy apps.EntropySource, rebooter apps.Rebooter) ([]dispatch.App, error) {
	uuid, err := parseUUID(cfg.uuid)
	if err != nil {
		return nil, err
	}
	adminOpts := []apps.AdminOption{apps.WithRebooter(rebooter)}
	if entropy != nil {
		adminOpts = append(adminOpts, apps.WithEntropy(entropy))
	}
	return []dispatch.App{
		apps.NewFIDO(nil),
		apps.NewAdmin(uuid, FirmwareVersion, adminOpts...),
		apps.NewPIV(cfg.pin),
		apps.NewProvisioner(apps.NewMemoryStore(cfg.storeLimit), cfg.locked),
	}, nil
}

func openSecureElement(cfg *config) (*se050.Device, error) {
	t1, err := i2c.New(cfg.bus)
	if err != nil {
		return nil, fmt.Errorf("failed to create I2C transport: %w", err)
	}

	var opts []se050.Option
	if cfg.powerPin != "" {
		pin := gpioreg.ByName(cfg.powerPin)
		if pin == nil {
			_ = t1.Close()
			return nil, fmt.Errorf("unknown GPIO %q", cfg.powerPin)
		}
		opts = append(opts, se050.WithPowerPin(pin))
	}

	dev, err := se050.New(t1, opts...)
	if err != nil {
		_ = t1.Close()
		return nil, fmt.Errorf("failed to create SE050 device: %w", err)
	}
	return dev, nil
}

func newSystem(cfg *config, dev *se050.Device, appList []dispatch.App) (*system.System, error) {
	sysCfg := system.DefaultConfig()
	sysCfg.SecureElement = dev
	sysCfg.Apps = appList
	sysCfg.TickInterval = cfg.tick
	sysCfg.IdleTickInterval = max(sysCfg.IdleTickInterval, cfg.tick)
	sys, err := system.New(sysCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build system: %w", err)
	}
	return sys, nil
}

func serve(ctx context.Context, sys *system.System, link *uart.Link) error {
	var recoverer system.Recoverer
	if dev := sys.SecureElement(); dev != nil {
		recoverer = system.NewDefaultRecoverer(dev, 0, 0)
	}
	runner := system.NewRunner(sys, recoverer, system.RunnerCallbacks{
		OnRecovery: func(err error) {
			if err == nil {
				token.Debugln("secure element recovered after sleep")
			}
		},
	})
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer func() {
		_ = runner.Stop(context.Background())
		m := runner.GetMetrics()
		s := link.Stats()
		token.Debugf("ticks=%d responses=%d frames=%d dropped=%d timeouts=%d",
			m.Ticks, m.Responses, s.Frames, s.Dropped, s.Timeouts)
	}()

	return link.Serve(ctx)
}

func run(ctx context.Context, cfg *config) (restart bool, err error) {
	if cfg.logDir != "" {
		path, logErr := token.InitSessionLog(cfg.logDir)
		if logErr != nil {
			return false, fmt.Errorf("failed to open session log: %w", logErr)
		}
		defer func() { _ = token.CloseSessionLog() }()
		_, _ = fmt.Printf("Session log: %s\n", path)
	}
	syncutil.SetLockTimeout(cfg.lockTimeout)

	dev, err := openSecureElement(cfg)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	reboot := &restarter{cancel: cancel, delay: 100 * time.Millisecond}

	appList, err := buildApps(cfg, dev, reboot)
	if err != nil {
		_ = dev.Close(context.Background())
		return false, err
	}
	sys, err := newSystem(cfg, dev, appList)
	if err != nil {
		_ = dev.Close(context.Background())
		return false, err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		if err := sys.Close(closeCtx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close system: %v\n", err)
		}
	}()

	// Apps that do not need the secure element keep working without it.
	if err := sys.Boot(ctx); err == nil {
		_, _ = fmt.Printf("SE050 ready: %s\n", dev.AppInfo())
	}

	link, err := uart.New(cfg.serialPort, sys.Channel(iso7816.Contact))
	if err != nil {
		return false, fmt.Errorf("failed to create UART link: %w", err)
	}
	defer func() { _ = link.Close() }()

	_, _ = fmt.Printf("Serving APDUs on %s. Press Ctrl+C to stop...\n", cfg.serialPort)
	err = serve(ctx, sys, link)
	if reboot.requested.Load() {
		return true, nil
	}
	return false, err
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		return 2
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Print("\nShutting down gracefully...\n")
		cancel()
	}()

	restart, err := run(ctx, cfg)
	switch {
	case restart:
		return exitRestart
	case err != nil && !errors.Is(err, context.Canceled):
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	default:
		return 0
	}
}
