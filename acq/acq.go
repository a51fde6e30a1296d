// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package acq implements the arm/trigger state machine shared by digitizer
// drivers.
//
// Interrupt handlers only update atomic state and post a notification;
// user handlers run on a dedicated worker goroutine. A reboot marker posted
// on the same queue makes the shutdown drain a matter of message ordering:
// notifications posted before the marker are delivered, later ones are not.
package acq // import "github.com/go-lpc/gtr/acq"

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-lpc/gtr"
)

const queueSize = 64

// ErrRebooting is returned by operations attempted during a reboot.
var ErrRebooting = errors.New("acq: card is rebooting")

type message int

const (
	msgData message = iota
	msgReboot
	msgStop
)

// Guard returns gtr.ErrBusy when armed is true.
func Guard(armed bool) error {
	if armed {
		return fmt.Errorf("acq: could not modify parameter: %w", gtr.ErrBusy)
	}
	return nil
}

// Machine tracks the arm mode of a card and delivers data-ready
// notifications to its registered handler.
type Machine struct {
	msg *log.Logger

	mode      int32 // gtr.ArmMode
	rebooting int32
	closed    int32
	dropped   uint64

	mu sync.RWMutex
	h  gtr.Handler

	queue chan message
	done  chan struct{}
	once  sync.Once
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger of the machine.
func WithLogger(msg *log.Logger) Option {
	return func(m *Machine) {
		m.msg = msg
	}
}

// WithHandler registers the data-ready handler.
func WithHandler(h gtr.Handler) Option {
	return func(m *Machine) {
		m.h = h
	}
}

// New returns a disarmed machine and starts its worker.
func New(opts ...Option) *Machine {
	m := &Machine{
		msg:   log.New(os.Stdout, "acq: ", 0),
		queue: make(chan message, queueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// Arm records the arm mode programmed in the hardware.
func (m *Machine) Arm(mode gtr.ArmMode) {
	atomic.StoreInt32(&m.mode, int32(mode))
}

// Mode returns the current arm mode.
func (m *Machine) Mode() gtr.ArmMode {
	return gtr.ArmMode(atomic.LoadInt32(&m.mode))
}

// Armed reports whether the machine is armed in a triggering mode.
func (m *Machine) Armed() bool {
	return m.Mode() != gtr.Disarm
}

// Register sets the data-ready handler.
func (m *Machine) Register(h gtr.Handler) {
	m.mu.Lock()
	m.h = h
	m.mu.Unlock()
}

// Rebooting reports whether Reboot was called.
func (m *Machine) Rebooting() bool {
	return atomic.LoadInt32(&m.rebooting) != 0
}

// Dropped returns the number of notifications lost because the queue was
// full.
func (m *Machine) Dropped() uint64 {
	return atomic.LoadUint64(&m.dropped)
}

// Interrupt posts a data-ready notification.
// It never blocks and may be called from interrupt context.
//
// Interrupt returns false when the machine is rebooting, closed or
// disarmed: the caller must then disarm the hardware.
func (m *Machine) Interrupt() bool {
	if m.Rebooting() || atomic.LoadInt32(&m.closed) != 0 || !m.Armed() {
		return false
	}
	select {
	case m.queue <- msgData:
	default:
		atomic.AddUint64(&m.dropped, 1)
	}
	return true
}

// Reboot suppresses notifications posted from now on.
// Notifications already queued are still delivered.
func (m *Machine) Reboot() {
	if !atomic.CompareAndSwapInt32(&m.rebooting, 0, 1) {
		return
	}
	select {
	case m.queue <- msgReboot:
	case <-m.done:
	}
}

// Close delivers the pending notifications and stops the worker.
func (m *Machine) Close() error {
	m.once.Do(func() {
		atomic.StoreInt32(&m.closed, 1)
		m.queue <- msgStop
		<-m.done
	})
	return nil
}

func (m *Machine) run() {
	defer close(m.done)
	rebooted := false
	for v := range m.queue {
		switch v {
		case msgStop:
			return
		case msgReboot:
			rebooted = true
		case msgData:
			if rebooted {
				continue
			}
			m.mu.RLock()
			h := m.h
			m.mu.RUnlock()
			if h == nil {
				m.msg.Printf("data ready but no handler registered")
				continue
			}
			h()
		}
	}
}
