// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/vme"
)

const crateYAML = `name: crate-1
bus:
  sim: true
  irq: /dev/vme_irq
cards:
  - driver: vtr10014
    card: 1
    a16: 0x1200
    memory: 0x08000000
    vector: 0x80
    level: 3
    settings:
      clock: 2
      pts: 16
  - driver: vtr1012
    card: 2
    a16: 0x2000
    memory: 0x10000000
    vector: 0x90
    level: 2
    size: 0x20000
  - driver: sisfadc
    card: 3
    memory: 0x20000000
    vector: 0x70
    level: 3
    clockspeed: 80
    dma: true
    settings:
      multiEvent: 1
      pte: 2
`

func writeConfig(t *testing.T, txt string) string {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "crate.yml")
	err := os.WriteFile(fname, []byte(txt), 0644)
	if err != nil {
		t.Fatalf("could not write crate file: %+v", err)
	}
	return fname
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, crateYAML))
	if err != nil {
		t.Fatalf("could not load crate: %+v", err)
	}

	want := Config{
		Name: "crate-1",
		Bus: Bus{
			Sim: true,
			A16: "/dev/vme_a16",
			A24: "/dev/vme_a24",
			A32: "/dev/vme_a32",
			IRQ: "/dev/vme_irq",
		},
		Cards: []Card{
			{
				Driver: "vtr10014", Card: 1, A16: 0x1200, Memory: 0x08000000,
				Vector: 0x80, Level: 3,
				Settings: map[string]int{"clock": 2, "pts": 16},
			},
			{
				Driver: "vtr1012", Card: 2, A16: 0x2000, Memory: 0x10000000,
				Vector: 0x90, Level: 2, Size: 0x20000,
			},
			{
				Driver: "sisfadc", Card: 3, Memory: 0x20000000,
				Vector: 0x70, Level: 3, ClockSpeed: 80, DMA: true,
				Settings: map[string]int{"multiEvent": 1, "pte": 2},
			},
		},
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("invalid configuration:\ngot= %+v\nwant=%+v", cfg, want)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		txt  string
		err  error
	}{
		{
			name: "unknown-driver",
			txt:  "cards:\n  - driver: vtr42\n    card: 1\n",
			err:  gtr.ErrInvalid,
		},
		{
			name: "unknown-setting",
			txt:  "cards:\n  - driver: vtr1012\n    card: 1\n    settings:\n      speed: 2\n",
			err:  gtr.ErrInvalid,
		},
		{
			name: "duplicate",
			txt:  "cards:\n  - driver: vtr1012\n    card: 1\n  - driver: sisfadc\n    card: 1\n",
			err:  gtr.ErrDuplicate,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.txt))
			if !errors.Is(err, tc.err) {
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.err)
			}
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "not-there.yml"))
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func newCrate(t *testing.T) *Crate {
	t.Helper()
	cfg, err := Load(writeConfig(t, crateYAML))
	if err != nil {
		t.Fatalf("could not load crate: %+v", err)
	}
	c, err := New(cfg, WithLogger(log.New(new(bytes.Buffer), "", 0)))
	if err != nil {
		t.Fatalf("could not create crate: %+v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestNew(t *testing.T) {
	c := newCrate(t)
	reg := c.Registry()

	if got, want := reg.Len(), 3; got != want {
		t.Fatalf("invalid number of cards: got=%d, want=%d", got, want)
	}
	if _, ok := c.Bus().(*vme.Sim); !ok {
		t.Fatalf("invalid bus type %T", c.Bus())
	}

	for _, tc := range []struct {
		card int
		name string
	}{
		{1, "VTR10014"},
		{2, "vtr1012"},
		{3, "sis3301-80"},
	} {
		card, err := reg.Card(tc.card)
		if err != nil {
			t.Fatalf("could not find card %d: %+v", tc.card, err)
		}
		name, _ := card.Name()
		if name != tc.name {
			t.Fatalf("card %d: invalid name: got=%q, want=%q", tc.card, name, tc.name)
		}
	}

	out := new(bytes.Buffer)
	reg.Report(out, 0)
	if got, want := strings.Count(out.String(), "\n"), 3; got != want {
		t.Fatalf("invalid report:\n%s", out.String())
	}
}

func TestAcquire(t *testing.T) {
	c := newCrate(t)
	card, err := c.Registry().Card(1)
	if err != nil {
		t.Fatalf("could not find card: %+v", err)
	}

	done := make(chan struct{}, 1)
	err = card.RegisterHandler(func() { done <- struct{}{} })
	if err != nil {
		t.Fatalf("could not register handler: %+v", err)
	}
	err = card.Arm(gtr.PostTrigger)
	if err != nil {
		t.Fatalf("could not arm card: %+v", err)
	}

	// parameters are frozen while armed.
	err = Setup(card, map[string]int{"pts": 8})
	if !errors.Is(err, gtr.ErrBusy) {
		t.Fatalf("invalid error: got=%v, want=%v", err, gtr.ErrBusy)
	}

	err = card.SoftTrigger()
	if err != nil {
		t.Fatalf("could not send software trigger: %+v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no data-ready notification")
	}

	chans := make([]*gtr.Channel, card.NumberChannels())
	for i := range chans {
		chans[i] = gtr.NewChannel(32)
	}
	err = card.ReadMemory(context.Background(), chans)
	if err != nil {
		t.Fatalf("could not read memory: %+v", err)
	}
	for i, ch := range chans {
		if got, want := ch.N, 16; got != want {
			t.Fatalf("channel %d: invalid number of samples: got=%d, want=%d", i, got, want)
		}
	}

	err = c.Registry().Reboot(context.Background())
	if err != nil {
		t.Fatalf("could not reboot crate: %+v", err)
	}
}

func TestSetup(t *testing.T) {
	c := newCrate(t)
	card, err := c.Registry().Card(2)
	if err != nil {
		t.Fatalf("could not find card: %+v", err)
	}

	err = Setup(card, map[string]int{"trigger": 1, "PTS": 4})
	if err != nil {
		t.Fatalf("could not set up card: %+v", err)
	}

	for _, tc := range []struct {
		name string
		kvs  map[string]int
		err  error
	}{
		{"unknown", map[string]int{"speed": 1}, gtr.ErrInvalid},
		{"unsupported", map[string]int{"multiEvent": 1}, gtr.ErrUnsupported},
		{"invalid", map[string]int{"clock": 42}, gtr.ErrInvalid},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := Setup(card, tc.kvs)
			if !errors.Is(err, tc.err) {
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.err)
			}
		})
	}
}

func TestConfigureErrors(t *testing.T) {
	cfg := Default()
	cfg.Bus.Sim = true
	c, err := New(cfg, WithLogger(log.New(new(bytes.Buffer), "", 0)))
	if err != nil {
		t.Fatalf("could not create crate: %+v", err)
	}
	defer c.Close()

	card := Card{
		Driver: "vtr1012", Card: 1, A16: 0x2000, Memory: 0x10000000,
		Vector: 0x90, Level: 2,
	}
	err = c.Configure(card)
	if err != nil {
		t.Fatalf("could not configure card: %+v", err)
	}

	card.A16 = 0x3000
	err = c.Configure(card)
	if !errors.Is(err, gtr.ErrDuplicate) {
		t.Fatalf("invalid error: got=%v, want=%v", err, gtr.ErrDuplicate)
	}

	err = c.Configure(Card{Driver: "sisfadc", Card: 2, Memory: 0x20000000, ClockSpeed: 42})
	if err == nil {
		t.Fatalf("expected an error for an invalid clock speed")
	}
}

func TestConfigureDrivers(t *testing.T) {
	cfg := Default()
	cfg.Bus.Sim = true
	c, err := New(cfg, WithLogger(log.New(new(bytes.Buffer), "", 0)))
	if err != nil {
		t.Fatalf("could not create crate: %+v", err)
	}
	defer c.Close()

	for _, tc := range []struct {
		card Card
		name string
		nch  int
	}{
		{
			card: Card{
				Driver: "vtr10010", Card: 1, A16: 0x5000, Memory: 0x30000000,
				Vector: 0xb0, Level: 2,
			},
			name: "vtr10010",
			nch:  1,
		},
		{
			card: Card{
				Driver: "VTR812", Card: 2, A16: 0x6000, Memory: 0x40000000,
				Vector: 0xb1, Level: 4, ClockSpeed: 40,
				Settings: map[string]int{"clock": 2, "pts": 100},
			},
			name: "VTR812/40",
			nch:  8,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Configure(tc.card)
			if err != nil {
				t.Fatalf("could not configure card: %+v", err)
			}
			card, err := c.Registry().Card(tc.card.Card)
			if err != nil {
				t.Fatalf("could not find card: %+v", err)
			}
			name, _ := card.Name()
			if got, want := name, tc.name; got != want {
				t.Fatalf("invalid name: got=%q, want=%q", got, want)
			}
			if got, want := card.NumberChannels(), tc.nch; got != want {
				t.Fatalf("invalid number of channels: got=%d, want=%d", got, want)
			}
		})
	}
}

func TestBridge(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Bus.A16 = filepath.Join(dir, "a16")
	cfg.Bus.A24 = ""
	cfg.Bus.A32 = filepath.Join(dir, "not-there")

	_, err := New(cfg)
	if err == nil {
		t.Fatalf("expected an error for a missing A32 device")
	}

	cfg.Bus.A32 = ""
	cfg.Bus.IRQ = filepath.Join(dir, "irq")
	err = os.WriteFile(cfg.Bus.IRQ, nil, 0644)
	if err != nil {
		t.Fatalf("could not create interrupt device: %+v", err)
	}
	c, err := New(cfg, WithLogger(log.New(new(bytes.Buffer), "", 0)))
	if err != nil {
		t.Fatalf("could not open bridge: %+v", err)
	}
	if _, ok := c.Bus().(*vme.Bridge); !ok {
		t.Fatalf("invalid bus type %T", c.Bus())
	}
	err = c.Close()
	if err != nil {
		t.Fatalf("could not close crate: %+v", err)
	}
}
