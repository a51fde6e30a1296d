// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sisfadc

import (
	"context"
	"fmt"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/ring"
)

// events returns the number of events per bank and their size in words.
func (dev *Device) events() (nevents, size int) {
	nevents = numberEvents[dev.multi]
	if dev.gated() {
		nevents = 1
	}
	return nevents, bankSize / nevents
}

func (dev *Device) bank(g int) int64 {
	return memoryStart + int64(g)*bankBytes
}

// ReadMemory reads the last acquisition into chans.
// Bank g fills channel 2g from the upper half of its words and channel
// 2g+1 from the lower half.
func (dev *Device) ReadMemory(ctx context.Context, chans []*gtr.Channel) error {
	if len(chans) < 2*nBanks {
		return fmt.Errorf("sisfadc: need %d channels, got %d: %w", 2*nBanks, len(chans), gtr.ErrInvalid)
	}
	mode := dev.acq.Mode()
	if mode == gtr.Disarm {
		return fmt.Errorf("sisfadc: can not read memory of a disarmed card: %w", gtr.ErrInvalid)
	}

	groups := make([]ring.Group, nBanks)
	for g := range groups {
		groups[g] = ring.Group{
			Off: dev.bank(g),
			Pair: ring.Pair{
				High: chans[2*g],
				Low:  chans[2*g+1],
			},
		}
		groups[g].High.Reset()
		groups[g].Low.Reset()
	}

	// the gate bit is stored along with the samples of odd channels.
	mask := dev.typ.Mask()
	if dev.gated() {
		mask |= gateBit
	}
	dev.ring.SetLowMask(mask)

	var err error
	switch mode {
	case gtr.PostTrigger:
		err = dev.readPostTrigger(ctx, groups)
	case gtr.PrePostTrigger:
		err = dev.readPrePostTrigger(ctx, groups)
	}
	if err != nil {
		return fmt.Errorf("sisfadc: could not read %v memory: %w", mode, err)
	}
	return nil
}

func (dev *Device) readPostTrigger(ctx context.Context, groups []ring.Group) error {
	nevents, size := dev.events()
	for _, grp := range groups {
		for ev := 0; ev < nevents; ev++ {
			if grp.Full() {
				break
			}
			var n int
			if dev.gated() {
				n = int(dev.r32(regBank1Address))
			} else {
				n = int(dev.r32(regStopDelay))
			}
			if err := dev.check("read event length"); err != nil {
				return err
			}
			if n > size {
				n = size
			}
			off := grp.Off + int64(ev*size)*4
			err := dev.ring.ReadContiguous(ctx, grp.Pair, off, n, nil)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (dev *Device) readPrePostTrigger(ctx context.Context, groups []ring.Group) error {
	nevents, size := dev.events()
	return dev.ring.ReadEvents(ctx, groups, ring.Events{
		Count: nevents,
		Size:  size,
		PPS:   dev.pps,
		Locate: func(ev int) (int, error) {
			end := int(dev.r32(regReadEventDir+int64(ev)*4) & 0xffff)
			return end, dev.check("read event directory")
		},
	})
}

// ReadRawMemory copies the raw words of bank g into chans[g].
// Raw reads are only available for post-trigger acquisitions.
func (dev *Device) ReadRawMemory(ctx context.Context, chans []*gtr.Channel) error {
	if len(chans) < nBanks {
		return fmt.Errorf("sisfadc: need %d raw channels, got %d: %w", nBanks, len(chans), gtr.ErrInvalid)
	}
	mode := dev.acq.Mode()
	if mode != gtr.PostTrigger {
		return fmt.Errorf("sisfadc: no raw memory in %v mode: %w", mode, gtr.ErrInvalid)
	}

	nevents, size := dev.events()
	if !dev.gated() {
		cnt := int(dev.r32(regEventCounter))
		if err := dev.check("read event counter"); err != nil {
			return err
		}
		if cnt < nevents {
			dev.msg.Printf("raw memory: nevents %d but event counter %d", nevents, cnt)
			return fmt.Errorf("sisfadc: incomplete acquisition (%d/%d events): %w", cnt, nevents, gtr.ErrInvalid)
		}
	}
	pps := dev.pps
	if pps <= 0 || pps > size {
		pps = size
	}

	for g := 0; g < nBanks; g++ {
		ch := chans[g]
		ch.Reset()
		if ch.Cap() == 0 {
			continue
		}
		if ch.Width != gtr.Int32 {
			return fmt.Errorf("sisfadc: raw channel %d is not a 32-bit channel: %w", g, gtr.ErrInvalid)
		}
		for ev := 0; ev < nevents; ev++ {
			free := ch.Free()
			if free > pps {
				free = pps
			}
			if free <= 0 {
				break
			}
			n, err := dev.rawLength(ev, size)
			if err != nil {
				return err
			}
			if n > free {
				n = free
			}
			off := dev.bank(g) + int64(ev*size)*4
			err = dev.ring.ReadWords(ctx, ch, off, n)
			if err != nil {
				return fmt.Errorf("sisfadc: could not read raw memory of bank %d: %w", g, err)
			}
		}
	}
	return nil
}

// rawLength returns the number of words written in event ev.
func (dev *Device) rawLength(ev, size int) (int, error) {
	if dev.gated() {
		n := int(dev.r32(regBank1Address))
		return n, dev.check("read bank address")
	}
	info := dev.r32(regTriggerEventDir + int64(ev)*4)
	if err := dev.check("read event directory"); err != nil {
		return 0, err
	}
	n := int(info) % size
	if n == 0 && info&(1<<19) != 0 {
		// wrapped
		n = size
	}
	return n, nil
}
