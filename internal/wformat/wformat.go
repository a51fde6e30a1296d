// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wformat describes and handles waveform run files.
//
// A run file is a sequence of events. Each event holds the channels read
// from one card after a data-ready notification, followed by a CRC-16
// checksum of the event bytes.
package wformat // import "github.com/go-lpc/gtr/internal/wformat"

import (
	"time"

	"github.com/go-lpc/gtr"
)

const (
	version = 1

	gbHeader  = 0xb0 // global header marker
	gbTrailer = 0xa0 // global trailer marker

	chHeader  = 0xb4 // channel header marker
	chTrailer = 0xa3 // channel trailer marker
)

// Event is the content of the channels of a card for one acquisition.
type Event struct {
	Header   Header
	Channels []Channel
}

type Header struct {
	Card   uint32
	Number uint32 // event number within the run
	Time   int64  // acquisition time, in nanoseconds since the epoch
	Mode   uint8  // arm mode
}

// Channel holds either 16-bit samples or raw 32-bit memory words.
type Channel struct {
	ID      uint8
	Samples []int16
	Words   []int32
}

// Raw reports whether the channel holds raw memory words.
func (ch Channel) Raw() bool { return ch.Words != nil }

// Len returns the number of values held by the channel.
func (ch Channel) Len() int {
	if ch.Raw() {
		return len(ch.Words)
	}
	return len(ch.Samples)
}

// NewEvent returns an event holding a copy of the valid data of chans.
// Channels that are nil or hold no data are not stored.
func NewEvent(card int, num uint32, t time.Time, mode gtr.ArmMode, chans []*gtr.Channel) Event {
	evt := Event{
		Header: Header{
			Card:   uint32(card),
			Number: num,
			Time:   t.UnixNano(),
			Mode:   uint8(mode),
		},
	}
	for i, ch := range chans {
		if ch == nil || ch.N == 0 {
			continue
		}
		c := Channel{ID: uint8(i)}
		switch ch.Width {
		case gtr.Int32:
			c.Words = append([]int32(nil), ch.Words()...)
		default:
			c.Samples = append([]int16(nil), ch.Samples()...)
		}
		evt.Channels = append(evt.Channels, c)
	}
	return evt
}
