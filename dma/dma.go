// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma provides blocking and non-blocking block transfers between
// local memory and a bus, on top of a platform DMA engine.
//
// A bus bridge has a single DMA engine: a Controller lets only one transfer
// be in flight at a time, across all the transfer handles it created.
package dma // import "github.com/go-lpc/gtr/dma"

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

var (
	// ErrUnavailable is returned when no DMA engine is bound.
	ErrUnavailable = xerrors.New("dma: engine not available")

	// ErrTimeout is returned when a transfer did not complete in time.
	ErrTimeout = xerrors.New("dma: transfer timed out")

	// ErrWaitPending is returned when a second synchronous transfer is
	// requested on a handle that is already waiting.
	ErrWaitPending = xerrors.New("dma: wait already pending")
)

// AddrSpace is a VME address modifier.
type AddrSpace uint8

const (
	A16     AddrSpace = 0x2d // A16 supervisory
	A24     AddrSpace = 0x3d // A24 supervisory data
	A24BLT  AddrSpace = 0x3f // A24 supervisory block transfer
	A32     AddrSpace = 0x0d // A32 supervisory data
	A32BLT  AddrSpace = 0x0f // A32 supervisory block transfer
	blkSize           = 256
)

// BlockSpace returns the address modifier to use for a transfer starting
// at addr: block transfers are only possible on 256-byte boundaries.
func BlockSpace(addr uint32) AddrSpace {
	if addr%blkSize != 0 {
		return A32
	}
	return A32BLT
}

// Engine is the platform binding of a DMA engine.
type Engine interface {
	// Create allocates a platform transfer request.
	// done is invoked, possibly from interrupt context, when a transfer
	// started through the request completes.
	Create(done func()) (Request, error)
}

// Request is a platform transfer request.
type Request interface {
	// Status returns the completion status of the last transfer.
	Status() error
	// ToDevice starts a transfer from src to the bus address addr.
	ToDevice(addr uint32, space AddrSpace, src []byte, width int) error
	// FromDevice starts a transfer from the bus address addr to dst.
	FromDevice(dst []byte, addr uint32, space AddrSpace, width int) error
}

// Controller serializes transfers over a single DMA engine.
type Controller struct {
	eng  Engine
	slot chan struct{}
}

// NewController returns a controller for the provided engine.
func NewController(eng Engine) *Controller {
	return &Controller{
		eng:  eng,
		slot: make(chan struct{}, 1),
	}
}

// Create returns a new transfer handle.
// cb, if not nil, is invoked with arg each time a transfer completes.
func (ctl *Controller) Create(cb func(arg interface{}), arg interface{}) (*Transfer, error) {
	if ctl == nil || ctl.eng == nil {
		return nil, ErrUnavailable
	}
	t := &Transfer{
		ctl: ctl,
		cb:  cb,
		arg: arg,
	}
	req, err := ctl.eng.Create(t.complete)
	if err != nil {
		return nil, xerrors.Errorf("dma: could not create transfer: %w", err)
	}
	if req == nil {
		return nil, ErrUnavailable
	}
	t.req = req
	return t, nil
}

func (ctl *Controller) acquire(ctx context.Context) error {
	select {
	case ctl.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("dma: could not acquire engine: %w", ctx.Err())
	}
}

func (ctl *Controller) release() {
	select {
	case <-ctl.slot:
	default:
	}
}

// Transfer is a DMA transfer handle.
type Transfer struct {
	ctl *Controller
	req Request
	cb  func(arg interface{})
	arg interface{}

	mu      sync.Mutex
	done    chan struct{} // created on first synchronous transfer
	pending bool          // a synchronous transfer is in progress
	waiting bool          // the current transfer signals done on completion
}

// complete is the completion callback bound to the platform request.
// It must not block.
func (t *Transfer) complete() {
	t.mu.Lock()
	if t.waiting {
		t.waiting = false
		select {
		case t.done <- struct{}{}:
		default:
		}
	}
	t.mu.Unlock()

	if t.cb != nil {
		t.cb(t.arg)
	}
	t.ctl.release()
}

// Status returns the status of the last transfer.
func (t *Transfer) Status() error {
	return t.req.Status()
}

// FromDevice starts a transfer of len(dst) bytes from the bus address addr.
// It blocks until the engine is free and returns once the transfer started.
func (t *Transfer) FromDevice(ctx context.Context, dst []byte, addr uint32, space AddrSpace, width int) error {
	return t.start(ctx, func() error {
		return t.req.FromDevice(dst, addr, space, width)
	})
}

// ToDevice starts a transfer of len(src) bytes to the bus address addr.
// It blocks until the engine is free and returns once the transfer started.
func (t *Transfer) ToDevice(ctx context.Context, addr uint32, space AddrSpace, src []byte, width int) error {
	return t.start(ctx, func() error {
		return t.req.ToDevice(addr, space, src, width)
	})
}

// FromDeviceAndWait transfers len(dst) bytes from the bus address addr and
// waits for the transfer to complete.
func (t *Transfer) FromDeviceAndWait(ctx context.Context, dst []byte, addr uint32, space AddrSpace, width int) error {
	return t.wait(ctx, func() error {
		return t.req.FromDevice(dst, addr, space, width)
	})
}

// ToDeviceAndWait transfers len(src) bytes to the bus address addr and
// waits for the transfer to complete.
func (t *Transfer) ToDeviceAndWait(ctx context.Context, addr uint32, space AddrSpace, src []byte, width int) error {
	return t.wait(ctx, func() error {
		return t.req.ToDevice(addr, space, src, width)
	})
}

func (t *Transfer) start(ctx context.Context, run func() error) error {
	err := t.ctl.acquire(ctx)
	if err != nil {
		return err
	}
	err = run()
	if err != nil {
		t.ctl.release()
		return xerrors.Errorf("dma: could not start transfer: %w", err)
	}
	return nil
}

func (t *Transfer) wait(ctx context.Context, run func() error) error {
	t.mu.Lock()
	if t.pending {
		t.mu.Unlock()
		return ErrWaitPending
	}
	t.pending = true
	if t.done == nil {
		t.done = make(chan struct{}, 1)
	}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.pending = false
		t.mu.Unlock()
	}()

	// a timed out transfer holds the slot until it completes, so only
	// completions of this transfer can be seen once the slot is ours.
	err := t.ctl.acquire(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	select {
	case <-t.done:
	default:
	}
	t.waiting = true
	t.mu.Unlock()

	err = run()
	if err != nil {
		t.mu.Lock()
		t.waiting = false
		t.mu.Unlock()
		t.ctl.release()
		return xerrors.Errorf("dma: could not start transfer: %w", err)
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		t.mu.Lock()
		fired := !t.waiting
		t.waiting = false
		t.mu.Unlock()
		if !fired {
			return xerrors.Errorf("%v: %w", ctx.Err(), ErrTimeout)
		}
		<-t.done
	}

	err = t.req.Status()
	if err != nil {
		return xerrors.Errorf("dma: transfer failed: %w", err)
	}
	return nil
}
