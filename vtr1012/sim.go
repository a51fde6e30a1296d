// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtr1012

import (
	"fmt"

	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/vme"
)

// Simulate installs an emulation of a card, installed as described by cfg
// and using interrupt level level, on the simulated crate sim.
//
// A software trigger on an armed card moves the memory location to the
// gate duration and raises the card interrupt from a new goroutine.
func Simulate(sim *vme.Sim, cfg Config, level int) error {
	if cfg.Type < 0 || int(cfg.Type) >= len(models) {
		return fmt.Errorf("vtr1012: invalid card type %d", int(cfg.Type))
	}
	mdl := models[cfg.Type]

	code := -1
	for i, n := range memorySizes {
		if n != 0 && n == cfg.Size {
			code = i
		}
	}
	size := cfg.Size
	switch {
	case cfg.Size == 0:
		code = 0
		size = memorySizes[0]
	case code < 0:
		return fmt.Errorf("vtr1012: no memory code for %d samples", cfg.Size)
	}

	a16, err := sim.Map(dma.A16, cfg.A16, a16Size)
	if err != nil {
		return fmt.Errorf("vtr1012: could not map simulated registers: %w", err)
	}
	mem, err := sim.Map(dma.A32, cfg.Memory, size*2*mdl.nchans)
	if err != nil {
		return fmt.Errorf("vtr1012: could not map simulated memory: %w", err)
	}

	a16.W8(regID, uint8(code)<<3)
	a16.W8(regIACKLev, uint8(level))
	for ch := 0; ch < mdl.nchans; ch++ {
		for i := 0; i < 4096 && i < size; i++ {
			mem.W16(int64(ch*size*2+i*2), uint16(i*(ch+1))&uint16(mdl.mask))
		}
	}

	a16.OnWrite(regCSR1, func(v uint32) {
		if v&0x80 == 0 || a16.R8(regCSR0)&csrArmMask == 0 {
			return
		}
		gate := uint32(a16.R8(regGDRHigh))<<16 | uint32(a16.R8(regGDRMid))<<8 | uint32(a16.R8(regGDRLow))
		if gate > uint32(size) {
			gate = uint32(size)
		}
		a16.W8(regMLRHigh, uint8(gate>>16))
		a16.W8(regMLRMid, uint8(gate>>8))
		a16.W8(regMLRLow, uint8(gate))
		go func() { _ = sim.Raise(cfg.Vector) }()
	})
	return nil
}
