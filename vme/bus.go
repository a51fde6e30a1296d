// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vme

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/go-lpc/gtr/dma"
)

// Bus gives access to the address spaces, interrupts and DMA engine of a
// VME crate.
type Bus interface {
	Interrupts

	// Map returns a window of size bytes of the address space, starting at
	// the bus address base.
	Map(space dma.AddrSpace, base uint32, size int) (*Window, error)

	// DMA returns the controller of the DMA engine of the bus bridge.
	DMA() *dma.Controller
}

// Bridge is a VME bus accessed through the device files of a bridge driver.
type Bridge struct {
	Interrupts

	devs map[dma.AddrSpace]string
	ctl  *dma.Controller
}

// NewBridge returns a bus mapping the address spaces from the provided
// device files.
// eng may be nil when the bridge has no usable DMA engine.
func NewBridge(devs map[dma.AddrSpace]string, irq Interrupts, eng dma.Engine) *Bridge {
	if irq == nil {
		irq = NewSoft()
	}
	return &Bridge{
		Interrupts: irq,
		devs:       devs,
		ctl:        dma.NewController(eng),
	}
}

func (bus *Bridge) Map(space dma.AddrSpace, base uint32, size int) (*Window, error) {
	dev, ok := bus.devs[space]
	if !ok {
		return nil, fmt.Errorf("vme: no device for address space A%s", spaceName(space))
	}
	return Open(dev, space, base, size)
}

func (bus *Bridge) DMA() *dma.Controller { return bus.ctl }

// Sim is an in-process VME crate whose windows are backed by local memory.
// Mapping the same range twice returns the same window, so that tests and
// simulations can play the hardware side of the registers.
// A window is unmapped once every Map of it has been matched by a Close.
type Sim struct {
	*Soft

	mu   sync.RWMutex
	wins []*Window
	refs map[*Window]int
	ctl  *dma.Controller
}

// NewSim returns an empty simulated crate, with a programmed-I/O DMA
// engine over its A32 windows.
func NewSim() *Sim {
	sim := &Sim{
		Soft: NewSoft(),
		refs: make(map[*Window]int),
	}
	sim.ctl = dma.NewController(dma.NewPIO(a32{sim}, 0))
	return sim
}

func (sim *Sim) Map(space dma.AddrSpace, base uint32, size int) (*Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("vme: invalid window size %d", size)
	}
	space = dataSpace(space)

	sim.mu.Lock()
	defer sim.mu.Unlock()
	for _, w := range sim.wins {
		if w.Space != space {
			continue
		}
		if w.Base == base && w.Len() == size {
			sim.refs[w]++
			return w, nil
		}
		if overlaps(w.Base, w.Len(), base, size) {
			return nil, fmt.Errorf(
				"vme: A%s window [0x%x, +0x%x) overlaps [0x%x, +0x%x)",
				spaceName(space), base, size, w.Base, w.Len(),
			)
		}
	}
	w := Mem(space, base, size)
	w.unmap = func() { sim.unmap(w) }
	sim.refs[w] = 1
	sim.wins = append(sim.wins, w)
	sort.Slice(sim.wins, func(i, j int) bool {
		return sim.wins[i].Base < sim.wins[j].Base
	})
	return w, nil
}

func (sim *Sim) unmap(w *Window) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	n, ok := sim.refs[w]
	if !ok {
		return
	}
	if n > 1 {
		sim.refs[w] = n - 1
		return
	}
	delete(sim.refs, w)
	for i, v := range sim.wins {
		if v == w {
			sim.wins = append(sim.wins[:i], sim.wins[i+1:]...)
			break
		}
	}
}

// Window returns the window mapped at base in the address space.
func (sim *Sim) Window(space dma.AddrSpace, base uint32) (*Window, bool) {
	space = dataSpace(space)
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	for _, w := range sim.wins {
		if w.Space == space && w.Base == base {
			return w, true
		}
	}
	return nil, false
}

func (sim *Sim) DMA() *dma.Controller { return sim.ctl }

func (sim *Sim) find(space dma.AddrSpace, addr uint32, n int) (*Window, error) {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	for _, w := range sim.wins {
		if w.Space != space {
			continue
		}
		if addr >= w.Base && uint64(addr)+uint64(n) <= uint64(w.Base)+uint64(w.Len()) {
			return w, nil
		}
	}
	return nil, fmt.Errorf("vme: bus error at A%s 0x%x (%d bytes)", spaceName(space), addr, n)
}

// a32 exposes the A32 windows of a simulated crate at their bus addresses.
type a32 struct {
	sim *Sim
}

func (bus a32) ReadAt(p []byte, off int64) (int, error) {
	w, err := bus.sim.find(dma.A32, uint32(off), len(p))
	if err != nil {
		return 0, err
	}
	return w.ReadAt(p, off-int64(w.Base))
}

func (bus a32) WriteAt(p []byte, off int64) (int, error) {
	w, err := bus.sim.find(dma.A32, uint32(off), len(p))
	if err != nil {
		return 0, err
	}
	return w.WriteAt(p, off-int64(w.Base))
}

func dataSpace(space dma.AddrSpace) dma.AddrSpace {
	switch space {
	case dma.A24BLT:
		return dma.A24
	case dma.A32BLT:
		return dma.A32
	}
	return space
}

func overlaps(b1 uint32, n1 int, b2 uint32, n2 int) bool {
	var (
		beg1 = uint64(b1)
		end1 = beg1 + uint64(n1)
		beg2 = uint64(b2)
		end2 = beg2 + uint64(n2)
	)
	return beg1 < end2 && beg2 < end1
}

var (
	_ Bus         = (*Bridge)(nil)
	_ Bus         = (*Sim)(nil)
	_ io.ReaderAt = a32{}
	_ io.WriterAt = a32{}
)
