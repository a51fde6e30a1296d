// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wformat

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-lpc/gtr/internal/crc16"
)

// Encoder writes events to an output stream.
// Encoder computes the CRC-16 checksum on the fly and appends it
// at the end of each event.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
	crc crc16.Hash16
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

func (enc *Encoder) crcw(p []byte) {
	_, _ = enc.crc.Write(p) // can not fail.
}

// Encode writes the event to the stream, followed by its CRC-16 checksum.
func (enc *Encoder) Encode(evt *Event) error {
	if evt == nil {
		return nil
	}
	if len(evt.Channels) > 0xff {
		return fmt.Errorf("wformat: too many channels (%d)", len(evt.Channels))
	}

	enc.crc.Reset()

	enc.writeU8(gbHeader)
	if enc.err != nil {
		return fmt.Errorf("wformat: could not write global header marker: %w", enc.err)
	}
	enc.writeU8(version)
	enc.writeU32(evt.Header.Card)
	enc.writeU32(evt.Header.Number)
	enc.writeU64(uint64(evt.Header.Time))
	enc.writeU8(evt.Header.Mode)
	enc.writeU8(uint8(len(evt.Channels)))

	for _, ch := range evt.Channels {
		enc.writeU8(chHeader)
		enc.writeU8(ch.ID)
		switch {
		case ch.Raw():
			enc.writeU8(4)
			enc.writeU32(uint32(len(ch.Words)))
			for _, v := range ch.Words {
				enc.writeU32(uint32(v))
			}
		default:
			enc.writeU8(2)
			enc.writeU32(uint32(len(ch.Samples)))
			for _, v := range ch.Samples {
				enc.writeU16(uint16(v))
			}
		}
		enc.writeU8(chTrailer)
	}
	enc.writeU8(gbTrailer)

	crc := enc.crc.Sum16()
	enc.writeU16(crc)

	if enc.err != nil {
		return fmt.Errorf("wformat: could not write event %d: %w", evt.Header.Number, enc.err)
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
	enc.crcw(p)
}

func (enc *Encoder) writeU8(v uint8) {
	enc.buf[0] = v
	enc.write(enc.buf[:1])
}

func (enc *Encoder) writeU16(v uint16) {
	binary.BigEndian.PutUint16(enc.buf[:2], v)
	enc.write(enc.buf[:2])
}

func (enc *Encoder) writeU32(v uint32) {
	binary.BigEndian.PutUint32(enc.buf[:4], v)
	enc.write(enc.buf[:4])
}

func (enc *Encoder) writeU64(v uint64) {
	binary.BigEndian.PutUint64(enc.buf[:8], v)
	enc.write(enc.buf[:8])
}
