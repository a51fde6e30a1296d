// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtr812

import (
	"fmt"
	"sync/atomic"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/acq"
)

// Clock selects the sampling clock.
// The upper half of the choices are the external clock dividers.
func (dev *Device) Clock(v int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	choices := clockChoices[dev.typ]
	if v < 0 || v >= len(choices) {
		return fmt.Errorf("vtr812: invalid clock choice %d: %w", v, gtr.ErrInvalid)
	}
	var (
		csr1 = dev.r8(regCSR1) &^ 0x07
		csr2 = dev.r8(regCSR2) &^ csrExtClock
		ext  = len(choices) / 2
	)
	if v >= ext {
		v -= ext
		csr2 |= csrExtClock
	}
	dev.w8(regCSR1, csr1|uint8(v))
	dev.w8(regCSR2, csr2)
	return dev.check("set clock")
}

func (dev *Device) Trigger(v int) error {
	if v < 0 || v >= len(triggerChoices) {
		return fmt.Errorf("vtr812: invalid trigger choice %d: %w", v, gtr.ErrInvalid)
	}
	err := dev.guard()
	if err != nil {
		return err
	}
	csr2 := dev.r8(regCSR2) &^ (csrGate | csrExt)
	switch v {
	case triggerExt:
		csr2 |= csrExt
	case triggerGate:
		csr2 |= csrGate
	}
	dev.trigger = v
	dev.w8(regCSR2, csr2)
	return dev.check("set trigger")
}

// MultiEvent selects the number of pre/post-trigger events.
// Cards without the multi-event option only accept the first choice.
func (dev *Device) MultiEvent(v int) error {
	if !dev.multiPrePost {
		if v != 0 {
			return fmt.Errorf("vtr812: card %d has no multi-event option: %w", dev.cfg.Card, gtr.ErrInvalid)
		}
		return nil
	}
	if v < 0 || v >= len(multiEventChoices) {
		return fmt.Errorf("vtr812: invalid multi-event choice %d: %w", v, gtr.ErrInvalid)
	}
	err := dev.guard()
	if err != nil {
		return err
	}
	dev.multi = v
	atomic.StoreInt32(&dev.nevents, int32(numberEvents[v]))
	return nil
}

func (dev *Device) NumberPTS(n int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("vtr812: invalid number of post-trigger samples %d: %w", n, gtr.ErrInvalid)
	}
	dev.pts = n
	return nil
}

func (dev *Device) NumberPPS(n int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("vtr812: invalid number of samples per segment %d: %w", n, gtr.ErrInvalid)
	}
	dev.pps = n
	return nil
}

func (dev *Device) NumberPTE(n int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("vtr812: invalid number of post-trigger events %d: %w", n, gtr.ErrInvalid)
	}
	atomic.StoreInt32(&dev.pte, int32(n))
	return nil
}

// Arm programs the card for an acquisition in the requested mode.
// Arming always starts with a disarm of the card.
func (dev *Device) Arm(mode gtr.ArmMode) error {
	if dev.acq.Rebooting() {
		return acq.ErrRebooting
	}
	switch mode {
	case gtr.Disarm, gtr.PostTrigger, gtr.PrePostTrigger:
	default:
		return fmt.Errorf("vtr812: invalid arm mode %v: %w", mode, gtr.ErrInvalid)
	}

	dev.acq.Arm(gtr.Disarm)
	dev.w8(regDisarm, 1)
	dev.w8(regCSR3, 0x06) // disable and reset interrupts
	if mode == gtr.Disarm {
		return dev.check("disarm")
	}

	dev.writeLocation(0)
	dev.writeGate(uint32(dev.pts))
	csr2 := dev.r8(regCSR2) &^ 0xf0
	dev.w8(regCSR2, csr2)
	atomic.StoreInt32(&dev.ntrig, 0)
	dev.acq.Arm(mode)
	dev.w8(regCSR3, 0x00)

	switch mode {
	case gtr.PostTrigger:
		if dev.multiPrePost {
			dev.w8(regMultiPrePost, 0)
		}
		dev.w8(regCSR2, csr2|csrArm)
	case gtr.PrePostTrigger:
		if dev.multiPrePost {
			var multi uint8
			if dev.multi > 0 {
				multi = 0x04 | uint8(dev.multi-1)
			}
			dev.w8(regMultiPrePost, multi)
		}
		// circular buffer mode must be enabled twice.
		csr2 |= csrCircular
		dev.w8(regCSR2, csr2)
		csr2 |= csrArm
		dev.w8(regCSR2, csr2)
		dev.w8(regCSR2, csr2)
	}
	return dev.check("arm")
}

func (dev *Device) SoftTrigger() error {
	dev.w8(regSoftTrigger, 1)
	return dev.check("send software trigger")
}

func (dev *Device) Limits() (lo, hi int32, err error) {
	return 0, dataMask + 1, nil
}

func (dev *Device) NumberChannels() int { return 2 * nGroups }

func (dev *Device) ClockChoices() ([]string, error) {
	return clockChoices[dev.typ], nil
}

func (dev *Device) ArmChoices() ([]string, error) {
	return gtr.ArmChoices, nil
}

func (dev *Device) TriggerChoices() ([]string, error) {
	return triggerChoices, nil
}

func (dev *Device) MultiEventChoices() ([]string, error) {
	if !dev.multiPrePost {
		return noMultiEvent, nil
	}
	return multiEventChoices, nil
}
