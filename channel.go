// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gtr

// Width is the element width of a channel buffer.
type Width int

const (
	Int16 Width = 2
	Int32 Width = 4
)

// Channel is a caller-owned destination buffer for one digitizer channel.
//
// N counts the samples written during the current read cycle and never
// exceeds Cap. Drivers reference the buffer for the duration of a read
// call only.
type Channel struct {
	Width Width
	Data  []int16 // samples, when Width is Int16
	Raw   []int32 // raw memory words, when Width is Int32
	N     int
}

// NewChannel returns a 16-bit channel able to hold n samples.
func NewChannel(n int) *Channel {
	return &Channel{Width: Int16, Data: make([]int16, n)}
}

// NewRawChannel returns a 32-bit channel able to hold n words.
func NewRawChannel(n int) *Channel {
	return &Channel{Width: Int32, Raw: make([]int32, n)}
}

// Cap returns the capacity of the channel.
func (ch *Channel) Cap() int {
	if ch == nil {
		return 0
	}
	switch ch.Width {
	case Int32:
		return len(ch.Raw)
	default:
		return len(ch.Data)
	}
}

// Free returns the number of samples that can still be stored.
func (ch *Channel) Free() int {
	if ch == nil {
		return 0
	}
	return ch.Cap() - ch.N
}

// Full reports whether the channel reached its capacity.
// A nil channel is always full.
func (ch *Channel) Full() bool {
	if ch == nil {
		return true
	}
	return ch.N >= ch.Cap()
}

// Reset starts a new read cycle.
func (ch *Channel) Reset() {
	if ch == nil {
		return
	}
	ch.N = 0
}

// Push stores v if the channel is not full.
func (ch *Channel) Push(v int16) bool {
	if ch.N >= len(ch.Data) {
		return false
	}
	ch.Data[ch.N] = v
	ch.N++
	return true
}

// PushRaw stores the 32-bit word v if the channel is not full.
func (ch *Channel) PushRaw(v int32) bool {
	if ch.N >= len(ch.Raw) {
		return false
	}
	ch.Raw[ch.N] = v
	ch.N++
	return true
}

// Samples returns the valid samples of a 16-bit channel.
func (ch *Channel) Samples() []int16 {
	return ch.Data[:ch.N]
}

// Words returns the valid words of a 32-bit channel.
func (ch *Channel) Words() []int32 {
	return ch.Raw[:ch.N]
}
