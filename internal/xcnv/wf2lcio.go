// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcnv

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/go-lpc/gtr/internal/wformat"
	"go-hep.org/x/hep/lcio"
)

// WF2LCIO converts the waveform events decoded from dec into LCIO events.
//
// Each channel is stored as one entry of a generic object collection:
// the channel ID, the sample width in bytes and then the samples.
func WF2LCIO(w *lcio.Writer, dec *wformat.Decoder, run int32, msg *log.Logger) error {
loop:
	for i := 0; ; i++ {
		if i%100 == 0 {
			msg.Printf("processing evt %d...", i)
		}
		var evt wformat.Event
		err := dec.Decode(&evt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break loop
			}
			return fmt.Errorf("could not decode waveform event: %w", err)
		}

		if i == 0 {
			err = w.WriteRunHeader(&lcio.RunHeader{
				RunNumber: run,
				Detector:  detector,
				Descr:     "VME transient recorders",
			})
			if err != nil {
				return fmt.Errorf("could not write run header: %w", err)
			}
		}

		out := lcio.Event{
			RunNumber:   run,
			EventNumber: int32(evt.Header.Number),
			TimeStamp:   evt.Header.Time,
			Detector:    detector,
			Params: lcio.Params{
				Ints: map[string][]int32{
					"Card": {int32(evt.Header.Card)},
					"Mode": {int32(evt.Header.Mode)},
				},
			},
		}
		out.Add(collName, objectFrom(&evt))

		err = w.WriteEvent(&out)
		if err != nil {
			return fmt.Errorf("could not write LCIO event %d: %w", i, err)
		}
	}

	return nil
}

func objectFrom(evt *wformat.Event) *lcio.GenericObject {
	obj := &lcio.GenericObject{
		Data: make([]lcio.GenericObjectData, len(evt.Channels)),
	}
	for i, ch := range evt.Channels {
		i32s := make([]int32, 0, 2+ch.Len())
		switch {
		case ch.Raw():
			i32s = append(i32s, int32(ch.ID), 4)
			i32s = append(i32s, ch.Words...)
		default:
			i32s = append(i32s, int32(ch.ID), 2)
			for _, v := range ch.Samples {
				i32s = append(i32s, int32(v))
			}
		}
		obj.Data[i].I32s = i32s
	}
	return obj
}
