// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wformat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-lpc/gtr/internal/crc16"
)

// Decoder reads (and validates) events from an underlying data source.
// Decoder computes CRC-16 checksums on the fly.
type Decoder struct {
	r io.Reader

	buf []byte
	err error
	crc crc16.Hash16
}

// NewDecoder creates a decoder that reads and validates events from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

// Decode reads the next event from the stream.
// Decode returns io.EOF when the stream holds no more events.
func (dec *Decoder) Decode(evt *Event) error {
	dec.crc.Reset()

	v := dec.readU8()
	if dec.err != nil {
		if errors.Is(dec.err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("wformat: could not read global header marker: %w", dec.err)
	}
	if v != gbHeader {
		return fmt.Errorf("wformat: invalid global header marker (got=0x%x)", v)
	}

	vers := dec.readU8()
	if dec.err == nil && vers != version {
		return fmt.Errorf("wformat: invalid version (got=%d, want=%d)", vers, version)
	}
	evt.Header.Card = dec.readU32()
	evt.Header.Number = dec.readU32()
	evt.Header.Time = int64(dec.readU64())
	evt.Header.Mode = dec.readU8()
	nchans := int(dec.readU8())
	if dec.err != nil {
		return fmt.Errorf("wformat: could not read event header: %w", dec.unexpected())
	}

	evt.Channels = evt.Channels[:0]
	for i := 0; i < nchans; i++ {
		ch, err := dec.channel()
		if err != nil {
			return fmt.Errorf("wformat: event %d: could not read channel %d: %w", evt.Header.Number, i, err)
		}
		evt.Channels = append(evt.Channels, ch)
	}

	v = dec.readU8()
	if dec.err != nil {
		return fmt.Errorf("wformat: event %d: could not read global trailer: %w", evt.Header.Number, dec.unexpected())
	}
	if v != gbTrailer {
		return fmt.Errorf("wformat: event %d: invalid global trailer marker (got=0x%x)", evt.Header.Number, v)
	}

	var (
		compCRC = dec.crc.Sum16()
		recvCRC = dec.readU16()
	)
	if dec.err != nil {
		return fmt.Errorf("wformat: event %d: could not receive CRC-16: %w", evt.Header.Number, dec.unexpected())
	}
	if compCRC != recvCRC {
		return fmt.Errorf(
			"wformat: event %d: inconsistent CRC: recv=0x%04x comp=0x%04x",
			evt.Header.Number, recvCRC, compCRC,
		)
	}
	return nil
}

func (dec *Decoder) channel() (Channel, error) {
	var ch Channel
	if v := dec.readU8(); dec.err == nil && v != chHeader {
		return ch, fmt.Errorf("invalid channel header marker (got=0x%x)", v)
	}
	ch.ID = dec.readU8()
	width := dec.readU8()
	n := int(dec.readU32())
	if dec.err != nil {
		return ch, dec.unexpected()
	}

	switch width {
	case 2:
		ch.Samples = make([]int16, n)
		for i := range ch.Samples {
			ch.Samples[i] = int16(dec.readU16())
		}
	case 4:
		ch.Words = make([]int32, n)
		for i := range ch.Words {
			ch.Words[i] = int32(dec.readU32())
		}
	default:
		return ch, fmt.Errorf("invalid sample width %d", width)
	}

	v := dec.readU8()
	if dec.err != nil {
		return ch, dec.unexpected()
	}
	if v != chTrailer {
		return ch, fmt.Errorf("invalid channel trailer marker (got=0x%x)", v)
	}
	return ch, nil
}

func (dec *Decoder) unexpected() error {
	if errors.Is(dec.err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return dec.err
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
	if dec.err != nil {
		return
	}
	_, _ = dec.crc.Write(p)
}

func (dec *Decoder) readU8() uint8 {
	dec.read(dec.buf[:1])
	return dec.buf[0]
}

func (dec *Decoder) readU16() uint16 {
	dec.read(dec.buf[:2])
	return binary.BigEndian.Uint16(dec.buf[:2])
}

func (dec *Decoder) readU32() uint32 {
	dec.read(dec.buf[:4])
	return binary.BigEndian.Uint32(dec.buf[:4])
}

func (dec *Decoder) readU64() uint64 {
	dec.read(dec.buf[:8])
	return binary.BigEndian.Uint64(dec.buf[:8])
}
