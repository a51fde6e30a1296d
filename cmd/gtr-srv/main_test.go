// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-lpc/gtr/crate"
)

const simYAML = `name: crate-sim
bus:
  sim: true
cards:
  - driver: vtr10012
    card: 1
    a16: 0x1200
    memory: 0x08000000
    vector: 0x80
    level: 3
    settings:
      pts: 64
  - driver: sisfadc
    card: 3
    memory: 0x20000000
    vector: 0x70
    level: 3
    clockspeed: 100
`

func TestMkConf(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "crate.yml")
	err := mkConf(fname)
	if err != nil {
		t.Fatalf("could not create configuration: %+v", err)
	}

	got, err := crate.Load(fname)
	if err != nil {
		t.Fatalf("could not load configuration: %+v", err)
	}
	want := crate.Default()
	if got.Name != want.Name || !reflect.DeepEqual(got.Bus, want.Bus) || len(got.Cards) != 0 {
		t.Fatalf("invalid configuration:\ngot= %+v\nwant=%+v", got, want)
	}

	err = mkConf(filepath.Join(t.TempDir(), "no-such-dir", "crate.yml"))
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "crate.yml")
	err := os.WriteFile(fname, []byte(simYAML), 0644)
	if err != nil {
		t.Fatalf("could not write configuration: %+v", err)
	}

	for _, tc := range []struct {
		name string
		http string
	}{
		{name: "ctl", http: ""},
		{name: "ctl-http", http: "127.0.0.1:0"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			stop := make(chan os.Signal, 1)
			errc := make(chan error, 1)
			go func() {
				errc <- run(config{
					cfg:     fname,
					addr:    "127.0.0.1:0",
					http:    tc.http,
					odir:    dir,
					samples: 64,
				}, stop)
			}()

			time.Sleep(100 * time.Millisecond)
			stop <- os.Interrupt

			select {
			case err := <-errc:
				if err != nil {
					t.Fatalf("could not run server: %+v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("server did not stop")
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()

	err := run(config{cfg: filepath.Join(dir, "not-there.yml")}, nil)
	if err == nil {
		t.Fatalf("expected an error for a missing configuration")
	}

	fname := filepath.Join(dir, "crate.yml")
	err = os.WriteFile(fname, []byte(simYAML), 0644)
	if err != nil {
		t.Fatalf("could not write configuration: %+v", err)
	}
	err = run(config{cfg: fname, addr: "127.0.0.1:-1"}, nil)
	if err == nil {
		t.Fatalf("expected an error for an invalid address")
	}
}
