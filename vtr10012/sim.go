// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtr10012

import (
	"fmt"
	"sync"

	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/vme"
)

// simSamples is the number of words of each memory group filled by Simulate.
const simSamples = 4096

// Simulate installs an emulation of a card of type typ, installed as
// described by cfg, on the simulated crate sim.
//
// The emulated card holds a ramp in the first words of each memory group.
// A software trigger on an armed card bumps the post-trigger cycle counter,
// moves the location counter to the gate duration and raises the card
// interrupt from a new goroutine.
func Simulate(sim *vme.Sim, typ Type, cfg Config) error {
	regs, err := sim.Map(dma.A16, cfg.A16, a16Size)
	if err != nil {
		return fmt.Errorf("vtr10012: could not map simulated registers: %w", err)
	}
	mem, err := sim.Map(dma.A32, cfg.Memory, memSize)
	if err != nil {
		return fmt.Errorf("vtr10012: could not map simulated memory: %w", err)
	}

	regs.W16(regID, uint16(7+typ)<<10)
	mask := typ.Mask()
	for g := 0; g < nGroups; g++ {
		for i := 0; i < simSamples; i++ {
			lo := uint32(i*4+g) & mask
			hi := (mask - uint32(i*4+g)) & mask
			mem.W32(int64(g)*groupSize+int64(i)*4, hi<<16|lo)
		}
	}

	var (
		mu    sync.Mutex
		armed bool
		cnt   uint32
	)
	regs.OnRead(regStatus, func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		if armed {
			return 1
		}
		return 0
	})
	regs.OnWrite(regArm, func(uint32) {
		mu.Lock()
		armed = true
		mu.Unlock()
	})
	disarm := func(uint32) {
		mu.Lock()
		armed = false
		mu.Unlock()
	}
	regs.OnWrite(regDisarm, disarm)
	regs.OnWrite(regReset, disarm)
	regs.OnRead(regCPTCC, func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		return cnt
	})
	regs.OnWrite(regCPTCC, func(uint32) {
		mu.Lock()
		cnt = 0
		mu.Unlock()
	})
	regs.OnRead(regCPTCCDarm, func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		return cnt
	})
	regs.OnWrite(regTrigger, func(uint32) {
		mu.Lock()
		if !armed {
			mu.Unlock()
			return
		}
		cnt++
		mu.Unlock()

		loc := uint32(regs.R16(regHGDR))<<16 | uint32(regs.R16(regLGDR))
		if loc > simSamples {
			loc = simSamples
		}
		regs.W16(regHMLC, uint16(loc>>16))
		regs.W16(regLMLC, uint16(loc))
		go func() { _ = sim.Raise(cfg.Vector) }()
	})
	return nil
}
