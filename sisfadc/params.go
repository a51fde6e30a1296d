// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sisfadc

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
	info := types[dev.typ]
	if v < 0 || v >= len(info.srcs) {
		return fmt.Errorf("sisfadc: invalid clock choice %d: %w", v, gtr.ErrInvalid)
	}
	src := info.srcs[v]
	dev.w32(regAcqCSR, 0x78000000)
	dev.w32(regAcqCSR, src)
	dev.w32(regEventConfig, dev.r32(regReadEventConfig)&^0x800|src&0x800)
	return dev.check("set clock")
}

func (dev *Device) Trigger(v int) error {
	if v < 0 || v >= len(triggerChoices) {
		return fmt.Errorf("sisfadc: invalid trigger choice %d: %w", v, gtr.ErrInvalid)
	}
	err := dev.guard()
	if err != nil {
		return err
	}
	atomic.StoreInt32(&dev.trigger, int32(v))
	return nil
}

func (dev *Device) MultiEvent(v int) error {
	if v < 0 || v >= len(multiEventChoices) {
		return fmt.Errorf("sisfadc: invalid multi-event choice %d: %w", v, gtr.ErrInvalid)
	}
	err := dev.guard()
	if err != nil {
		return err
	}
	dev.multi = v
	return nil
}

func (dev *Device) PreAverage(v int) error {
	if v < 0 || v >= len(preAverageChoices) {
		return fmt.Errorf("sisfadc: invalid pre-average choice %d: %w", v, gtr.ErrInvalid)
	}
	err := dev.guard()
	if err != nil {
		return err
	}
	dev.preAverage = v
	return nil
}

func (dev *Device) NumberPTS(n int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("sisfadc: invalid number of post-trigger samples %d: %w", n, gtr.ErrInvalid)
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
		return fmt.Errorf("sisfadc: invalid number of samples per segment %d: %w", n, gtr.ErrInvalid)
	}
	dev.pps = n
	return nil
}

// NumberPTE sets the number of gates chained in a gated post-trigger
// acquisition.
func (dev *Device) NumberPTE(n int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("sisfadc: invalid number of post-trigger events %d: %w", n, gtr.ErrInvalid)
	}
	dev.pte = n
	return nil
}

// Arm programs the card for an acquisition in the requested mode.
// A gated trigger is only available in post-trigger mode: arming it in
// pre/post-trigger mode leaves the card disarmed.
func (dev *Device) Arm(mode gtr.ArmMode) error {
	switch mode {
	case gtr.Disarm, gtr.PostTrigger, gtr.PrePostTrigger:
	default:
		return fmt.Errorf("sisfadc: invalid arm mode %v: %w", mode, gtr.ErrInvalid)
	}

	dev.w32(regAcqCSR, 0x07ff0000)
	dev.w32(regIntControl, 0x00ff0000)
	if mode == gtr.Disarm {
		dev.acq.Arm(mode)
		return dev.check("disarm")
	}

	trigger := atomic.LoadInt32(&dev.trigger)
	if trigger == triggerFPGate && mode != gtr.PostTrigger {
		dev.acq.Arm(gtr.Disarm)
		if err := dev.check("disarm"); err != nil {
			return err
		}
		return fmt.Errorf("sisfadc: %q trigger requires %v mode: %w", triggerChoices[trigger], gtr.PostTrigger, gtr.ErrInvalid)
	}

	dev.acq.Arm(mode)
	dev.w32(regIntControl, 2)
	ecr := uint32(dev.preAverage)<<16 | dev.r32(regReadEventConfig)&0x800 | uint32(dev.multi)
	switch mode {
	case gtr.PostTrigger:
		acr := triggerMasks[trigger] | 0x01
		if trigger == triggerFPGate {
			// no stop delay without post-trigger samples.
			switch dev.pts {
			case 0:
				acr &^= 0x80
			case 1:
				dev.w32(regStopDelay, 0)
			default:
				dev.w32(regStopDelay, uint32(dev.pts-2))
			}
			dev.w32(regMaxEvents, uint32(dev.pte))
			ecr |= 0x10
		} else {
			if dev.pts < 65536 {
				dev.w32(regStopDelay, uint32(dev.pts))
				dev.w32(regCSR, 0x00000040) // trigger routing on
			} else {
				dev.w32(regCSR, 0x00400000) // trigger routing off
			}
		}
		dev.w32(regEventConfig, ecr)
		dev.w32(regAcqCSR, acr)
	case gtr.PrePostTrigger:
		dev.w32(regEventConfig, ecr|0x8)
		dev.w32(regAcqCSR, triggerMasks[trigger]|0xb1)
		dev.w32(regStart, 1)
	}
	return dev.check("arm")
}

func (dev *Device) SoftTrigger() error {
	dev.w32(regStart, 1)
	return dev.check("send software trigger")
}

func (dev *Device) Limits() (lo, hi int32, err error) {
	return 0, int32(dev.typ.Mask()), nil
}

func (dev *Device) NumberChannels() int    { return 2 * nBanks }
func (dev *Device) NumberRawChannels() int { return nBanks }

func (dev *Device) ClockChoices() ([]string, error) {
	return types[dev.typ].clocks, nil
}

func (dev *Device) ArmChoices() ([]string, error)        { return gtr.ArmChoices, nil }
func (dev *Device) TriggerChoices() ([]string, error)    { return triggerChoices, nil }
func (dev *Device) MultiEventChoices() ([]string, error) { return multiEventChoices, nil }
func (dev *Device) PreAverageChoices() ([]string, error) { return preAverageChoices, nil }
