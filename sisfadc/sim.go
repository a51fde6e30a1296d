// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sisfadc

import (
	"fmt"
	"sync"

	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/vme"
)

// Simulate installs an emulation of a card, installed as described by cfg,
// on the simulated crate sim. A clock speed of 100 MHz selects a SIS3300.
//
// A software trigger on an armed card raises the card interrupt from a new
// goroutine.
func Simulate(sim *vme.Sim, cfg Config) error {
	a32, err := sim.Map(dma.A32, cfg.Memory, winSize)
	if err != nil {
		return fmt.Errorf("sisfadc: could not map simulated card: %w", err)
	}

	var (
		modid uint32 = 0x33010000
		mask  uint32 = 0x3fff
	)
	if cfg.ClockSpeed == 100 {
		modid = 0x33000000
		mask = 0x0fff
	}
	a32.W32(regModID, modid)
	a32.W32(regEventCounter, 1024)
	for g := 0; g < nBanks; g++ {
		for i := 0; i < 4096; i++ {
			hi := uint32(i*8+2*g) & mask
			lo := uint32(i*8+2*g+1) & mask
			a32.W32(memoryStart+int64(g)*bankBytes+int64(i)*4, hi<<16|lo)
		}
	}

	var (
		mu    sync.Mutex
		armed bool
		skip  bool // START of a pre/post-trigger arm sequence
	)
	a32.OnWrite(regAcqCSR, func(v uint32) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case v&0xffff0000 != 0:
			armed = false
		default:
			armed = v&1 != 0
			skip = v&0x20 != 0
		}
	})
	a32.OnWrite(regReset, func(uint32) {
		mu.Lock()
		armed = false
		mu.Unlock()
	})
	a32.OnWrite(regStart, func(uint32) {
		mu.Lock()
		ok := armed && !skip
		skip = false
		mu.Unlock()
		if !ok {
			return
		}
		go func() { _ = sim.Raise(cfg.Vector) }()
	})
	return nil
}
