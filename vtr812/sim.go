// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtr812

import (
	"fmt"
	"sync"

	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/vme"
)

// simSamples is the number of words of each memory group filled by Simulate.
const simSamples = 4096

// Simulate installs an emulation of a card of type typ, installed as
// described by cfg and using interrupt level level, on the simulated
// crate sim. The emulated card has the smallest memory and the multi-event
// option.
//
// The emulated card holds a ramp in the first words of each memory group.
// A software trigger on an armed card ends an event at the gate duration
// and raises the card interrupt from a new goroutine. In pre/post-trigger
// mode, the last sample of event ev is written at ev*size+gate-1, size
// being the event size.
func Simulate(sim *vme.Sim, typ Type, cfg Config, level int) error {
	if typ < 0 || int(typ) >= len(typeNames) {
		return fmt.Errorf("vtr812: invalid card type %d", int(typ))
	}
	regs, err := sim.Map(dma.A16, cfg.A16, a16Size)
	if err != nil {
		return fmt.Errorf("vtr812: could not map simulated registers: %w", err)
	}
	mem, err := sim.Map(dma.A32, cfg.Memory, memSize)
	if err != nil {
		return fmt.Errorf("vtr812: could not map simulated memory: %w", err)
	}

	const code = 0
	size := memorySizes[code]
	regs.W8(regID, code<<3|uint8(5+typ))
	regs.W8(regIRQLevel, uint8(level))
	for g := 0; g < nGroups; g++ {
		for i := 0; i < simSamples; i++ {
			lo := uint32(i*4+g) & dataMask
			hi := (dataMask - uint32(i*4+g)) & dataMask
			mem.W32(int64(g)*groupSize+int64(i)*4, hi<<16|lo)
		}
	}

	var (
		mu   sync.Mutex
		segs []uint32 // last sample of each pre/post-trigger event
		sel  int      // event selected by the pre/post memory counter
	)
	segment := func(shift uint) func() uint32 {
		return func() uint32 {
			mu.Lock()
			defer mu.Unlock()
			if sel >= len(segs) {
				return 0
			}
			return (segs[sel] >> shift) & 0xff
		}
	}
	regs.OnRead(regLBPMemS, segment(0))
	regs.OnRead(regMBPMemS, segment(8))
	regs.OnRead(regHBPMemS, segment(16))
	regs.OnRead(regPmemCounter, func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		return uint32(len(segs))
	})
	regs.OnWrite(regPmemCounter, func(v uint32) {
		mu.Lock()
		sel = int(v)
		mu.Unlock()
	})
	regs.OnWrite(regCSR3, func(v uint32) {
		if v&0x02 == 0 {
			return
		}
		mu.Lock()
		segs = segs[:0]
		sel = 0
		mu.Unlock()
	})
	regs.OnWrite(regDisarm, func(uint32) {
		regs.W8(regCSR2, regs.R8(regCSR2)&^csrArm)
	})
	regs.OnWrite(regSoftTrigger, func(uint32) {
		csr2 := regs.R8(regCSR2)
		if csr2&csrArm == 0 {
			return
		}
		gate := uint32(regs.R8(regHBGDR))<<16 | uint32(regs.R8(regMBGDR))<<8 | uint32(regs.R8(regLBGDR))
		if gate > simSamples {
			gate = simSamples
		}
		loc := gate
		if csr2&csrCircular != 0 {
			nevents := 1
			if multi := regs.R8(regMultiPrePost); multi&0x04 != 0 {
				nevents = 2 << (multi & 0x03)
			}
			if gate > 0 {
				gate--
			}
			mu.Lock()
			loc = uint32(len(segs)*(size/nevents)) + gate
			segs = append(segs, loc)
			mu.Unlock()
		}
		regs.W8(regHBMLC, uint8(loc>>16))
		regs.W8(regMBMLC, uint8(loc>>8))
		regs.W8(regLBMLC, uint8(loc))
		go func() { _ = sim.Raise(cfg.Vector) }()
	})
	return nil
}
