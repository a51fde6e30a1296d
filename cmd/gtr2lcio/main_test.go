// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"compress/flate"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-lpc/gtr/internal/wformat"
	"go-hep.org/x/hep/lcio"
)

func TestRunNbrFrom(t *testing.T) {
	for _, tc := range []struct {
		fname string
		run   int32
	}{
		{
			fname: "./run-000063.gtr",
			run:   63,
		},
		{
			fname: "/some/dir/run-000663.gtr",
			run:   663,
		},
		{
			fname: "../some/dir/run-9.gtr",
			run:   9,
		},
	} {
		t.Run(tc.fname, func(t *testing.T) {
			got, err := runNbrFrom(tc.fname)
			if err != nil {
				t.Fatalf("could not infer run-nbr: %+v", err)
			}
			if got != tc.run {
				t.Fatalf("invalid run: got=%d, want=%d", got, tc.run)
			}
		})
	}

	_, err := runNbrFrom("eda_063.000.raw")
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestGTR2LCIO(t *testing.T) {
	tmp := t.TempDir()

	evts := []wformat.Event{
		{
			Header: wformat.Header{Card: 1, Number: 0, Time: 1600000000000000000, Mode: 1},
			Channels: []wformat.Channel{
				{ID: 0, Samples: []int16{1, 2, 3}},
				{ID: 1, Samples: []int16{4, 5, 6}},
			},
		},
		{
			Header: wformat.Header{Card: 1, Number: 1, Time: 1600000000000001000, Mode: 1},
			Channels: []wformat.Channel{
				{ID: 0, Samples: []int16{7, 8, 9}},
			},
		},
	}

	fname := filepath.Join(tmp, "run-000063.gtr")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("could not create run file: %+v", err)
	}
	defer f.Close()

	enc := wformat.NewEncoder(f)
	for i := range evts {
		err = enc.Encode(&evts[i])
		if err != nil {
			t.Fatalf("could not encode event %d: %+v", i, err)
		}
	}

	err = f.Close()
	if err != nil {
		t.Fatalf("could not close run file: %+v", err)
	}

	oname := fname + ".slcio"
	err = process(oname, flate.DefaultCompression, fname)
	if err != nil {
		t.Fatalf("could not convert run file: %+v", err)
	}

	r, err := lcio.Open(oname)
	if err != nil {
		t.Fatalf("could not open LCIO file: %+v", err)
	}
	defer r.Close()

	n := 0
	for r.Next() {
		evt := r.Event()
		if got, want := evt.RunNumber, int32(63); got != want {
			t.Fatalf("invalid run number: got=%d, want=%d", got, want)
		}
		if got, want := evt.EventNumber, int32(n); got != want {
			t.Fatalf("invalid event number: got=%d, want=%d", got, want)
		}
		n++
	}
	if got, want := n, len(evts); got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}
}
