// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"io"
	"sync"

	"golang.org/x/xerrors"
)

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

// PIO is an Engine that moves data with programmed I/O through a mapped
// bus window, on a separate goroutine.
// It serves bridges without a usable DMA engine.
type PIO struct {
	bus  rwer
	base uint32 // bus address of the first byte of the window
}

// NewPIO returns an engine copying through bus, a window starting at the
// bus address base.
func NewPIO(bus rwer, base uint32) *PIO {
	return &PIO{bus: bus, base: base}
}

func (eng *PIO) Create(done func()) (Request, error) {
	if eng.bus == nil {
		return nil, ErrUnavailable
	}
	return &pioRequest{eng: eng, done: done}, nil
}

type pioRequest struct {
	eng  *PIO
	done func()

	mu  sync.Mutex
	err error
}

func (req *pioRequest) Status() error {
	req.mu.Lock()
	defer req.mu.Unlock()
	return req.err
}

func (req *pioRequest) offset(addr uint32, n, width int) (int64, error) {
	if width <= 0 || n%width != 0 {
		return 0, xerrors.Errorf("dma: invalid transfer size %d for width %d", n, width)
	}
	if addr < req.eng.base {
		return 0, xerrors.Errorf("dma: bus address 0x%x below window base 0x%x", addr, req.eng.base)
	}
	return int64(addr - req.eng.base), nil
}

func (req *pioRequest) FromDevice(dst []byte, addr uint32, space AddrSpace, width int) error {
	off, err := req.offset(addr, len(dst), width)
	if err != nil {
		return err
	}
	go req.run(func() error {
		_, err := req.eng.bus.ReadAt(dst, off)
		return err
	})
	return nil
}

func (req *pioRequest) ToDevice(addr uint32, space AddrSpace, src []byte, width int) error {
	off, err := req.offset(addr, len(src), width)
	if err != nil {
		return err
	}
	go req.run(func() error {
		_, err := req.eng.bus.WriteAt(src, off)
		return err
	})
	return nil
}

func (req *pioRequest) run(f func() error) {
	err := f()
	if err != nil {
		err = xerrors.Errorf("dma: bus error: %w", err)
	}
	req.mu.Lock()
	req.err = err
	req.mu.Unlock()
	if req.done != nil {
		req.done()
	}
}

var (
	_ Engine  = (*PIO)(nil)
	_ Request = (*pioRequest)(nil)
)
