// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vme provides access to VME bus windows and interrupts.
//
// Windows are mapped from the device files of the VME bridge driver.
// Data are little-endian: the bridge swaps bytes on the way to and from
// the big-endian bus.
package vme // import "github.com/go-lpc/gtr/vme"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/internal/mmap"
)

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

// Window is a mapped range of a VME address space.
//
// Register accessors record the first error encountered, which is then
// reported (and cleared) by Err.
type Window struct {
	Space dma.AddrSpace
	Base  uint32 // bus address of the first byte of the window

	f     *os.File
	mem   rwer
	n     int
	unmap func() // releases a simulated mapping

	mu  sync.Mutex
	err error
	rd  map[int64]func() uint32
	wr  map[int64]func(v uint32)
}

// Open maps size bytes of the address space of the bridge device file dev,
// starting at the bus address base.
func Open(dev string, space dma.AddrSpace, base uint32, size int) (*Window, error) {
	f, err := os.OpenFile(dev, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("vme: could not open %q: %w", dev, err)
	}

	// mappings start on a page boundary.
	delta := base % uint32(os.Getpagesize())
	h, err := mmap.Map(f, int64(base-delta), size+int(delta))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("vme: could not map A%s window at 0x%x: %w", spaceName(space), base, err)
	}

	return &Window{
		Space: space,
		Base:  base,
		f:     f,
		mem:   &section{h: h, delta: int64(delta)},
		n:     size,
	}, nil
}

type section struct {
	h     *mmap.Handle
	delta int64
}

func (sec *section) ReadAt(p []byte, off int64) (int, error) {
	return sec.h.ReadAt(p, off+sec.delta)
}

func (sec *section) WriteAt(p []byte, off int64) (int, error) {
	return sec.h.WriteAt(p, off+sec.delta)
}

func (sec *section) Close() error {
	return sec.h.Close()
}

// Mem returns a window of size bytes backed by local memory.
func Mem(space dma.AddrSpace, base uint32, size int) *Window {
	return &Window{
		Space: space,
		Base:  base,
		mem:   &memory{buf: make([]byte, size)},
		n:     size,
	}
}

// Close unmaps the window.
func (w *Window) Close() error {
	if w.unmap != nil {
		w.unmap()
	}
	if c, ok := w.mem.(io.Closer); ok {
		err := c.Close()
		if err != nil {
			return fmt.Errorf("vme: could not unmap window: %w", err)
		}
	}
	if w.f != nil {
		err := w.f.Close()
		w.f = nil
		if err != nil {
			return fmt.Errorf("vme: could not close device: %w", err)
		}
	}
	return nil
}

// Len returns the size of the window in bytes.
func (w *Window) Len() int { return w.n }

func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	return w.mem.ReadAt(p, off)
}

func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	return w.mem.WriteAt(p, off)
}

// Err returns the first error recorded by the register accessors since the
// last call to Err.
func (w *Window) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.err
	w.err = nil
	return err
}

func (w *Window) setErr(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

// OnRead emulates the register at off: register reads return f().
func (w *Window) OnRead(off int64, f func() uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rd == nil {
		w.rd = make(map[int64]func() uint32)
	}
	w.rd[off] = f
}

// OnWrite emulates the register at off: register writes are stored and
// then passed to f.
func (w *Window) OnWrite(off int64, f func(v uint32)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wr == nil {
		w.wr = make(map[int64]func(v uint32))
	}
	w.wr[off] = f
}

func (w *Window) read(off int64, n int) ([]byte, error) {
	var buf [4]byte
	w.mu.Lock()
	f := w.rd[off]
	w.mu.Unlock()
	if f != nil {
		binary.LittleEndian.PutUint32(buf[:], f())
		return buf[:n], nil
	}
	_, err := w.mem.ReadAt(buf[:n], off)
	if err != nil {
		return nil, fmt.Errorf("vme: could not read register 0x%x: %w", off, err)
	}
	return buf[:n], nil
}

func (w *Window) write(off int64, p []byte) error {
	_, err := w.mem.WriteAt(p, off)
	if err != nil {
		return fmt.Errorf("vme: could not write register 0x%x: %w", off, err)
	}
	w.mu.Lock()
	f := w.wr[off]
	w.mu.Unlock()
	if f != nil {
		var buf [4]byte
		copy(buf[:], p)
		f(binary.LittleEndian.Uint32(buf[:]))
	}
	return nil
}

// Read8 reads the byte register at off.
// Unlike R8, errors are returned and not recorded.
func (w *Window) Read8(off int64) (uint8, error) {
	p, err := w.read(off, 1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// Write8 writes the byte register at off.
// Unlike W8, errors are returned and not recorded.
func (w *Window) Write8(off int64, v uint8) error {
	return w.write(off, []byte{v})
}

// Read16 reads the halfword register at off.
// Unlike R16, errors are returned and not recorded.
func (w *Window) Read16(off int64) (uint16, error) {
	p, err := w.read(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

// Write16 writes the halfword register at off.
// Unlike W16, errors are returned and not recorded.
func (w *Window) Write16(off int64, v uint16) error {
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], v)
	return w.write(off, p[:])
}

// Read32 reads the word register at off.
// Unlike R32, errors are returned and not recorded.
func (w *Window) Read32(off int64) (uint32, error) {
	p, err := w.read(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

// Write32 writes the word register at off.
// Unlike W32, errors are returned and not recorded.
func (w *Window) Write32(off int64, v uint32) error {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], v)
	return w.write(off, p[:])
}

func (w *Window) R8(off int64) uint8 {
	v, err := w.Read8(off)
	if err != nil {
		w.setErr(err)
	}
	return v
}

func (w *Window) W8(off int64, v uint8) {
	if err := w.Write8(off, v); err != nil {
		w.setErr(err)
	}
}

func (w *Window) R16(off int64) uint16 {
	v, err := w.Read16(off)
	if err != nil {
		w.setErr(err)
	}
	return v
}

func (w *Window) W16(off int64, v uint16) {
	if err := w.Write16(off, v); err != nil {
		w.setErr(err)
	}
}

func (w *Window) R32(off int64) uint32 {
	v, err := w.Read32(off)
	if err != nil {
		w.setErr(err)
	}
	return v
}

func (w *Window) W32(off int64, v uint32) {
	if err := w.Write32(off, v); err != nil {
		w.setErr(err)
	}
}

func spaceName(space dma.AddrSpace) string {
	switch space {
	case dma.A16:
		return "16"
	case dma.A24, dma.A24BLT:
		return "24"
	case dma.A32, dma.A32BLT:
		return "32"
	}
	return fmt.Sprintf("?(0x%x)", uint8(space))
}

type memory struct {
	mu  sync.RWMutex
	buf []byte
}

func (mem *memory) ReadAt(p []byte, off int64) (int, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	if off < 0 || off >= int64(len(mem.buf)) {
		return 0, fmt.Errorf("vme: invalid offset 0x%x: %w", off, io.EOF)
	}
	n := copy(p, mem.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (mem *memory) WriteAt(p []byte, off int64) (int, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if off < 0 || off >= int64(len(mem.buf)) {
		return 0, fmt.Errorf("vme: invalid offset 0x%x: %w", off, io.ErrShortWrite)
	}
	n := copy(mem.buf[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Window)(nil)
	_ io.WriterAt = (*Window)(nil)
	_ io.Closer   = (*Window)(nil)
)
