// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ring

import (
	"context"
	"fmt"

	"github.com/go-lpc/gtr"
)

// Group is a memory group holding interleaved samples of a channel pair.
type Group struct {
	Off int64 // byte offset of the group memory in the bus window
	Pair
}

// Events describes a segmented acquisition memory: each group is divided
// into Count events of Size 32-bit words, each event being a ring.
type Events struct {
	Count int
	Size  int
	PPS   int // samples per event and channel; 0 means Size

	// Locate returns the location register of event ev.
	Locate func(ev int) (int, error)

	// Last indicates Locate returns the index of the last written word
	// instead of the next write.
	Last bool
}

// ReadEvents reads the events of every group, appending them to the
// group channels.
//
// Events whose location is out of range are logged and skipped.
func (r *Reader) ReadEvents(ctx context.Context, groups []Group, evts Events) error {
	if evts.Count <= 0 || evts.Size <= 0 {
		return fmt.Errorf(
			"ring: invalid event geometry (count=%d, size=%d): %w",
			evts.Count, evts.Size, gtr.ErrInvalid,
		)
	}
	if evts.Locate == nil {
		return fmt.Errorf("ring: no event locator: %w", gtr.ErrInvalid)
	}

	pps := evts.PPS
	if pps <= 0 || pps > evts.Size {
		pps = evts.Size
	}

	for ev := 0; ev < evts.Count; ev++ {
		loc, err := evts.Locate(ev)
		if err != nil {
			return fmt.Errorf("ring: could not locate event %d: %w", ev, err)
		}
		if loc < 0 || loc >= evts.Size {
			r.msg.Printf("event %d: location %d but event size %d", ev, loc, evts.Size)
			continue
		}
		if evts.Last {
			loc++
			if loc == evts.Size {
				loc = 0
			}
		}

		base := int64(ev) * int64(evts.Size) * wordSize
		for _, grp := range groups {
			err := r.readEvent(ctx, grp, base, loc, pps, evts.Size)
			if err != nil {
				return fmt.Errorf("ring: could not read event %d: %w", ev, err)
			}
		}
	}
	return nil
}

func (r *Reader) readEvent(ctx context.Context, grp Group, base int64, loc, pps, size int) error {
	var (
		nhigh = min(grp.High.Free(), pps)
		nlow  = min(grp.Low.Free(), pps)
		nmax  = nhigh
	)
	if nlow > nmax {
		nmax = nlow
	}
	if nmax <= 0 {
		return nil
	}

	skip := Skip{High: nmax - nhigh, Low: nmax - nlow}
	win := Compute(true, nmax, loc, size)
	return r.ReadWindow(ctx, grp.Pair, grp.Off+base, win, &skip)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
