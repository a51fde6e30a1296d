// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtr10012

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/ring"
)

func (dev *Device) checkChannels(chans []*gtr.Channel, n int) error {
	if len(chans) < n {
		return fmt.Errorf("vtr10012: need %d channels, got %d: %w", n, len(chans), gtr.ErrInvalid)
	}
	return nil
}

func (dev *Device) readable(mode gtr.ArmMode) error {
	if dev.typ == VTR10012_8 && mode != gtr.PostTrigger {
		return fmt.Errorf("vtr10012: %v can not read memory in %v mode: %w", dev.typ, mode, gtr.ErrInvalid)
	}
	return nil
}

// ReadMemory reads the last acquisition into chans.
// Channel g+4 receives the upper half of the words of group g, channel g
// the lower half.
func (dev *Device) ReadMemory(ctx context.Context, chans []*gtr.Channel) error {
	mode := dev.acq.Mode()
	if mode == gtr.Disarm {
		return nil
	}
	err := dev.readable(mode)
	if err != nil {
		return err
	}
	err = dev.checkChannels(chans, 2*nGroups)
	if err != nil {
		return err
	}

	groups := make([]ring.Group, nGroups)
	for g := range groups {
		groups[g] = ring.Group{
			Off: int64(g) * groupSize,
			Pair: ring.Pair{
				High: chans[g+nGroups],
				Low:  chans[g],
			},
		}
		groups[g].High.Reset()
		groups[g].Low.Reset()
	}

	switch mode {
	case gtr.PostTrigger:
		err = dev.readPostTrigger(ctx, groups)
	case gtr.PrePostTrigger:
		err = dev.readPrePostTrigger(ctx, groups)
	}
	if err != nil {
		return fmt.Errorf("vtr10012: could not read %v memory: %w", mode, err)
	}
	return nil
}

func (dev *Device) readPostTrigger(ctx context.Context, groups []ring.Group) error {
	n := dev.pts * int(atomic.LoadInt32(&dev.pte))
	if n > dev.size {
		n = dev.size
	}
	for _, grp := range groups {
		err := dev.ring.ReadContiguous(ctx, grp.Pair, grp.Off, n, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

func (dev *Device) readPrePostTrigger(ctx context.Context, groups []ring.Group) error {
	nevents := int(atomic.LoadInt32(&dev.nevents))
	if n := int(dev.r16(regCPTCCDarm)); n != nevents {
		dev.msg.Printf("numberEvents %d but CPTCCDARM %d", nevents, n)
	}
	dev.w16(regTCounter, 1)
	err := dev.check("rewind trigger counter")
	if err != nil {
		return err
	}

	size := dev.size / nevents
	return dev.ring.ReadEvents(ctx, groups, ring.Events{
		Count: nevents,
		Size:  size,
		PPS:   dev.pps,
		Last:  true,
		Locate: func(ev int) (int, error) {
			loc := int(dev.triggerCounter()) - ev*size
			return loc, dev.check("read trigger counter")
		},
	})
}

// ReadRawMemory copies the raw words of each memory group g into chans[g].
// Raw reads are only available for post-trigger acquisitions.
func (dev *Device) ReadRawMemory(ctx context.Context, chans []*gtr.Channel) error {
	mode := dev.acq.Mode()
	if mode == gtr.Disarm {
		return nil
	}
	err := dev.readable(mode)
	if err != nil {
		return err
	}
	err = dev.checkChannels(chans, nGroups)
	if err != nil {
		return err
	}

	for g := 0; g < nGroups; g++ {
		ch := chans[g]
		ch.Reset()
		if ch.Cap() == 0 {
			continue
		}
		if ch.Width != gtr.Int32 {
			return fmt.Errorf("vtr10012: raw channel %d is not a 32-bit channel: %w", g, gtr.ErrInvalid)
		}
		if mode != gtr.PostTrigger {
			return fmt.Errorf("vtr10012: no raw memory in %v mode: %w", mode, gtr.ErrInvalid)
		}
		n := int(dev.location())
		if err := dev.check("read location counter"); err != nil {
			return err
		}
		if n > ch.Cap() {
			n = ch.Cap()
		}
		err := dev.ring.ReadWords(ctx, ch, int64(g)*groupSize, n)
		if err != nil {
			return fmt.Errorf("vtr10012: could not read raw memory of group %d: %w", g, err)
		}
	}
	return nil
}
