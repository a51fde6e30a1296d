// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vme

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Interrupts connects handlers to VME interrupt vectors.
type Interrupts interface {
	// Connect attaches h to the interrupt vector.
	// h runs in interrupt context and must not block.
	Connect(vector int, h func()) error
	// EnableLevel enables an interrupt request level (1-7).
	EnableLevel(level int) error
}

// Soft is an in-process interrupt controller.
type Soft struct {
	mu       sync.RWMutex
	handlers map[int]func()
	levels   [8]bool
}

// NewSoft returns a new in-process interrupt controller.
func NewSoft() *Soft {
	return &Soft{handlers: make(map[int]func())}
}

func (irq *Soft) Connect(vector int, h func()) error {
	if vector < 0 || vector > 0xff {
		return fmt.Errorf("vme: invalid interrupt vector %d", vector)
	}
	if h == nil {
		return fmt.Errorf("vme: nil handler for interrupt vector %d", vector)
	}
	irq.mu.Lock()
	defer irq.mu.Unlock()
	if _, dup := irq.handlers[vector]; dup {
		return fmt.Errorf("vme: interrupt vector %d already connected", vector)
	}
	irq.handlers[vector] = h
	return nil
}

func (irq *Soft) EnableLevel(level int) error {
	if level < 1 || level > 7 {
		return fmt.Errorf("vme: invalid interrupt level %d", level)
	}
	irq.mu.Lock()
	irq.levels[level] = true
	irq.mu.Unlock()
	return nil
}

// Enabled reports whether the interrupt level was enabled.
func (irq *Soft) Enabled(level int) bool {
	if level < 1 || level > 7 {
		return false
	}
	irq.mu.RLock()
	defer irq.mu.RUnlock()
	return irq.levels[level]
}

// Raise invokes the handler connected to vector, on the calling goroutine.
func (irq *Soft) Raise(vector int) error {
	irq.mu.RLock()
	h, ok := irq.handlers[vector]
	irq.mu.RUnlock()
	if !ok {
		return fmt.Errorf("vme: no handler for interrupt vector %d", vector)
	}
	h()
	return nil
}

// Serve reads interrupt vectors from r, one 32-bit little-endian word per
// interrupt, and raises them until r is exhausted.
// Vectors without a connected handler are dropped.
func (irq *Soft) Serve(r io.Reader) error {
	var buf [4]byte
	for {
		_, err := io.ReadFull(r, buf[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("vme: could not read interrupt vector: %w", err)
		}
		_ = irq.Raise(int(binary.LittleEndian.Uint32(buf[:])))
	}
}

var _ Interrupts = (*Soft)(nil)
