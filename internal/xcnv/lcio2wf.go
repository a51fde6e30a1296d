// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcnv

import (
	"fmt"
	"io"
	"log"

	"github.com/go-lpc/gtr/internal/wformat"
	"go-hep.org/x/hep/lcio"
)

// LCIO2WF converts the LCIO events read from r into waveform events.
func LCIO2WF(w io.Writer, r *lcio.Reader, freq int, msg *log.Logger) error {
	var (
		enc = wformat.NewEncoder(w)
		i   = 0
	)

	for r.Next() {
		if i%freq == 0 {
			msg.Printf("processing evt %d...", i)
		}
		evt := r.Event()
		out, err := eventFrom(&evt)
		if err != nil {
			return fmt.Errorf("could not convert LCIO event %d: %w", evt.EventNumber, err)
		}
		err = enc.Encode(&out)
		if err != nil {
			return fmt.Errorf("could not encode waveform event: %w", err)
		}
		i++
	}

	err := r.Err()
	if err != nil && err != io.EOF {
		return fmt.Errorf("could not read LCIO file: %w", err)
	}
	return nil
}

func eventFrom(evt *lcio.Event) (wformat.Event, error) {
	out := wformat.Event{
		Header: wformat.Header{
			Number: uint32(evt.EventNumber),
			Time:   evt.TimeStamp,
		},
	}
	if v := evt.Params.Ints["Card"]; len(v) > 0 {
		out.Header.Card = uint32(v[0])
	}
	if v := evt.Params.Ints["Mode"]; len(v) > 0 {
		out.Header.Mode = uint8(v[0])
	}

	if !evt.Has(collName) {
		return out, fmt.Errorf("missing %q collection", collName)
	}
	obj, ok := evt.Get(collName).(*lcio.GenericObject)
	if !ok {
		return out, fmt.Errorf("invalid %q collection type %T", collName, evt.Get(collName))
	}

	for _, data := range obj.Data {
		i32s := data.I32s
		if len(i32s) < 2 {
			return out, fmt.Errorf("invalid channel record (len=%d)", len(i32s))
		}
		ch := wformat.Channel{ID: uint8(i32s[0])}
		switch i32s[1] {
		case 2:
			ch.Samples = make([]int16, len(i32s)-2)
			for j, v := range i32s[2:] {
				ch.Samples[j] = int16(v)
			}
		case 4:
			ch.Words = append([]int32{}, i32s[2:]...)
		default:
			return out, fmt.Errorf("invalid sample width %d", i32s[1])
		}
		out.Channels = append(out.Channels, ch)
	}
	return out, nil
}
