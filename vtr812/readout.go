// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtr812

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/ring"
)

// ReadMemory reads the last acquisition into chans.
// Channel g+4 receives the upper half of the words of group g, channel g
// the lower half.
func (dev *Device) ReadMemory(ctx context.Context, chans []*gtr.Channel) error {
	mode := dev.acq.Mode()
	if mode == gtr.Disarm {
		return nil
	}
	if n := 2 * nGroups; len(chans) < n {
		return fmt.Errorf("vtr812: need %d channels, got %d: %w", n, len(chans), gtr.ErrInvalid)
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

	var err error
	switch mode {
	case gtr.PostTrigger:
		err = dev.readPostTrigger(ctx, groups)
	case gtr.PrePostTrigger:
		err = dev.readPrePostTrigger(ctx, groups)
	}
	if err != nil {
		return fmt.Errorf("vtr812: could not read %v memory: %w", mode, err)
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

// readPrePostTrigger reads the events of a segmented acquisition.
// Nothing is read without samples per segment.
func (dev *Device) readPrePostTrigger(ctx context.Context, groups []ring.Group) error {
	nevents := int(atomic.LoadInt32(&dev.nevents))
	if nevents > 1 {
		if n := int(dev.r8(regPmemCounter)); n != nevents {
			dev.msg.Printf("numberEvents %d but PmemCounter %d", nevents, n)
		}
	}
	size := dev.size / nevents
	pps := dev.pps
	if pps > size {
		pps = size
	}
	if pps == 0 {
		return dev.check("read event counter")
	}

	return dev.ring.ReadEvents(ctx, groups, ring.Events{
		Count: nevents,
		Size:  size,
		PPS:   pps,
		Last:  true,
		Locate: func(ev int) (int, error) {
			var loc uint32
			if nevents == 1 {
				loc = dev.location()
			} else {
				dev.w8(regPmemCounter, uint8(ev))
				loc = dev.segment()
			}
			return int(loc) - ev*size, dev.check("read event location")
		},
	})
}
