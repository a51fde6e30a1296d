// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crc16 implements the 16-bit cyclic redundancy check used by the
// waveform files.
package crc16 // import "github.com/go-lpc/gtr/internal/crc16"

import (
	"encoding/binary"
	"hash"

	"github.com/snksoft/crc"
)

// Size of a CRC-16 checksum in bytes.
const Size = 2

// Hash16 is the common interface implemented by all 16-bit hash functions.
type Hash16 interface {
	hash.Hash
	Sum16() uint16
}

type digest struct {
	h *crc.Hash
}

// New creates a new Hash16 computing the CRC-16 checksum with the provided
// parameters.
// A nil value selects CRC-16/CCITT-FALSE.
func New(params *crc.Parameters) Hash16 {
	if params == nil {
		params = crc.CCITT
	}
	return &digest{h: crc.NewHash(params)}
}

func (d *digest) Size() int      { return Size }
func (d *digest) BlockSize() int { return 1 }
func (d *digest) Reset()         { d.h.Reset() }
func (d *digest) Sum16() uint16  { return d.h.CRC16() }

func (d *digest) Write(p []byte) (int, error) {
	d.h.Update(p)
	return len(p), nil
}

func (d *digest) Sum(in []byte) []byte {
	var buf [Size]byte
	binary.BigEndian.PutUint16(buf[:], d.Sum16())
	return append(in, buf[:]...)
}

var _ Hash16 = (*digest)(nil)
