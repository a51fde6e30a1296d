// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtr10012

import (
	"fmt"
	"sync/atomic"

	"github.com/go-lpc/gtr"
)

func (dev *Device) Clock(v int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	tbl := clocks[dev.typ]
	if v < 0 || v >= len(tbl.values) {
		return fmt.Errorf("vtr10012: invalid clock choice %d: %w", v, gtr.ErrInvalid)
	}
	dev.w16(regClock, tbl.values[v])
	return dev.check("set clock")
}

func (dev *Device) Trigger(v int) error {
	if v < 0 || v >= len(triggerChoices) {
		return fmt.Errorf("vtr10012: invalid trigger choice %d: %w", v, gtr.ErrInvalid)
	}
	err := dev.guard()
	if err != nil {
		return err
	}
	dev.trigger = v
	ctrl := dev.r16(regControl)
	dev.w16(regControl, ctrl&^0x0023|triggerMasks[v])
	return dev.check("set trigger")
}

func (dev *Device) MultiEvent(v int) error {
	if v < 0 || v >= len(multiEventChoices) {
		return fmt.Errorf("vtr10012: invalid multi-event choice %d: %w", v, gtr.ErrInvalid)
	}
	if dev.typ == VTR10012_8 && v != 0 {
		return fmt.Errorf("vtr10012: %v does not support multiple events: %w", dev.typ, gtr.ErrInvalid)
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
	if n < 0 || (dev.typ == VTR10012_8 && n > nSamples10012_8) {
		return fmt.Errorf("vtr10012: invalid number of post-trigger samples %d: %w", n, gtr.ErrInvalid)
	}
	dev.pts = n
	return nil
}

func (dev *Device) NumberPPS(n int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	if n < 0 || dev.typ == VTR10012_8 {
		return fmt.Errorf("vtr10012: invalid number of samples per segment %d: %w", n, gtr.ErrInvalid)
	}
	dev.pps = n
	return nil
}

func (dev *Device) NumberPTE(n int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	if n < 0 || dev.typ == VTR10012_8 {
		return fmt.Errorf("vtr10012: invalid number of post-trigger events %d: %w", n, gtr.ErrInvalid)
	}
	atomic.StoreInt32(&dev.pte, int32(n))
	return nil
}

// Arm programs the card for an acquisition in the requested mode.
// Arming always starts with a disarm of the card.
func (dev *Device) Arm(mode gtr.ArmMode) error {
	switch mode {
	case gtr.Disarm, gtr.PostTrigger:
	case gtr.PrePostTrigger:
		if dev.typ == VTR10012_8 {
			return fmt.Errorf("vtr10012: %v does not support %v: %w", dev.typ, mode, gtr.ErrInvalid)
		}
	default:
		return fmt.Errorf("vtr10012: invalid arm mode %v: %w", mode, gtr.ErrInvalid)
	}

	dev.acq.Arm(mode)
	dev.w16(regDisarm, 1)
	dev.w16(regResetIRQ, 1)
	if mode == gtr.Disarm {
		return dev.check("disarm")
	}

	dev.writeLocation(0)
	dev.writeGate(uint32(dev.pts))
	dev.w16(regIntSetup, dev.r16(regIntSetup)|0x0008)
	ctrl := dev.r16(regControl) &^ 0x0048
	dev.w16(regControl, ctrl)
	dev.w16(regCPTCC, 1)
	dev.w16(regTCounter, 1)

	switch mode {
	case gtr.PostTrigger:
		dev.w16(regMulPrePost, 0)
		dev.w16(regControl, ctrl)
	case gtr.PrePostTrigger:
		var multi uint16
		if dev.multi > 0 {
			multi = 0x0004 | uint16(dev.multi-1)
		}
		dev.w16(regMulPrePost, multi)
		dev.w16(regControl, ctrl|0x0048)
	}
	dev.w16(regArm, 1)
	return dev.check("arm")
}

func (dev *Device) SoftTrigger() error {
	dev.w16(regTrigger, 1)
	return dev.check("send software trigger")
}

func (dev *Device) Limits() (lo, hi int32, err error) {
	return 0, int32(dev.typ.Mask()) + 1, nil
}

func (dev *Device) NumberChannels() int    { return dev.nchans }
func (dev *Device) NumberRawChannels() int { return dev.nchans / 2 }

func (dev *Device) ClockChoices() ([]string, error) {
	return clocks[dev.typ].names, nil
}

func (dev *Device) ArmChoices() ([]string, error) {
	if dev.typ == VTR10012_8 {
		return gtr.ArmChoices[:2], nil
	}
	return gtr.ArmChoices, nil
}

func (dev *Device) TriggerChoices() ([]string, error) {
	return triggerChoices, nil
}

func (dev *Device) MultiEventChoices() ([]string, error) {
	if dev.typ == VTR10012_8 {
		return multiEventChoices[:1], nil
	}
	return multiEventChoices, nil
}
