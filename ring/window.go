// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ring reads digitizer acquisition memories organized as circular
// buffers.
//
// A ring of size samples is written continuously by the hardware; location
// is the index of the next write. The most recent n samples are described
// by a Window made of up to two spans: the high span, at the tail of the
// ring, holds the oldest samples and is replayed first; the low span ends
// at location.
package ring // import "github.com/go-lpc/gtr/ring"

import "fmt"

// Span is the half-open range [Beg, End) of ring indices.
type Span struct {
	Beg int
	End int
}

// Len returns the number of samples in the span.
func (s Span) Len() int {
	if s.End <= s.Beg {
		return 0
	}
	return s.End - s.Beg
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d)", s.Beg, s.End)
}

// Window is the set of ring spans reproducing a request in chronological
// order: High first, then Low.
type Window struct {
	High Span
	Low  Span
}

// Len returns the total number of samples of the window.
func (w Window) Len() int {
	return w.High.Len() + w.Low.Len()
}

// Spans returns the non-empty spans of the window, high span first.
func (w Window) Spans() []Span {
	spans := make([]Span, 0, 2)
	if w.High.Len() > 0 {
		spans = append(spans, w.High)
	}
	if w.Low.Len() > 0 {
		spans = append(spans, w.Low)
	}
	return spans
}

// Compute returns the window of the n samples preceding location in a ring
// of size samples.
//
// In post-trigger mode the memory is filled linearly from index 0 and the
// window never extends before it.
// In pre/post-trigger mode the memory wraps and the window always holds
// exactly min(n, size) samples.
func Compute(prePost bool, n, location, size int) Window {
	if size <= 0 || n <= 0 {
		return Window{}
	}
	if n > size {
		n = size
	}
	switch {
	case location < 0:
		location = 0
	case location > size:
		location = size
	}

	if !prePost {
		if n > location {
			n = location
		}
		return Window{Low: Span{Beg: location - n, End: location}}
	}

	if location < n {
		return Window{
			High: Span{Beg: size - (n - location), End: size},
			Low:  Span{Beg: 0, End: location},
		}
	}
	return Window{Low: Span{Beg: location - n, End: location}}
}
