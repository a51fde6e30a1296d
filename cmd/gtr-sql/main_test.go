// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/gtr/crate"
)

type fakeDB struct {
	crates map[string][]crate.Card
}

func (db fakeDB) Crates(ctx context.Context) ([]string, error) {
	return []string{"crate-1", "crate-2"}, nil
}

func (db fakeDB) Load(ctx context.Context, cfg crate.Config) (crate.Config, error) {
	cards, ok := db.crates[cfg.Name]
	if !ok {
		return cfg, fmt.Errorf("no card for crate %q", cfg.Name)
	}
	cfg.Cards = cards
	return cfg, nil
}

func TestQuery(t *testing.T) {
	db := fakeDB{
		crates: map[string][]crate.Card{
			"crate-1": {
				{
					Driver: "vtr10012", Card: 1, A16: 0x1200, Memory: 0x08000000,
					Vector: 0x80, Level: 3, Channels: 8, KiloSamples: 256,
					Settings: map[string]int{"clock": 1, "pts": 1024},
				},
				{
					Driver: "sisfadc", Card: 3, Memory: 0x20000000,
					Vector: 0x70, Level: 3, DMA: true, ClockSpeed: 80,
				},
			},
		},
	}

	out := new(strings.Builder)
	err := doQuery(out, db, "")
	if err != nil {
		t.Fatalf("could not list crates: %+v", err)
	}
	if got, want := out.String(), "crate-1\ncrate-2\n"; got != want {
		t.Fatalf("invalid crates: got=%q, want=%q", got, want)
	}

	fname := filepath.Join(t.TempDir(), "crate-1.yml")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("could not create output file: %+v", err)
	}
	defer f.Close()

	err = doQuery(f, db, "crate-1")
	if err != nil {
		t.Fatalf("could not export crate: %+v", err)
	}
	err = f.Close()
	if err != nil {
		t.Fatalf("could not close output file: %+v", err)
	}

	cfg, err := crate.Load(fname)
	if err != nil {
		t.Fatalf("could not load exported crate: %+v", err)
	}
	if got, want := cfg.Name, "crate-1"; got != want {
		t.Fatalf("invalid crate name: got=%q, want=%q", got, want)
	}
	if got, want := len(cfg.Cards), 2; got != want {
		t.Fatalf("invalid number of cards: got=%d, want=%d", got, want)
	}
	if got, want := cfg.Cards[0].Settings["pts"], 1024; got != want {
		t.Fatalf("invalid pts: got=%d, want=%d", got, want)
	}
	if got, want := cfg.Cards[1], db.crates["crate-1"][1]; got.Driver != want.Driver || got.DMA != want.DMA || got.ClockSpeed != want.ClockSpeed {
		t.Fatalf("invalid card:\ngot= %+v\nwant=%+v", got, want)
	}

	err = doQuery(out, db, "crate-42")
	if err == nil {
		t.Fatalf("expected an error")
	}
}
