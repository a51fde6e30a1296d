// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gtr

import (
	"context"
	"fmt"
	"io"
)

// Driver is the driver-owned handle registered for a card.
// A driver implements any subset of the capability interfaces below.
type Driver interface{}

type Initer interface {
	Init() error
}

type Reporter interface {
	Report(w io.Writer, level int)
}

type Clocker interface {
	Clock(choice int) error
}

type Triggerer interface {
	Trigger(choice int) error
}

type MultiEventer interface {
	MultiEvent(choice int) error
}

type PreAverager interface {
	PreAverage(choice int) error
}

// PTSSetter sets the number of post-trigger samples.
type PTSSetter interface {
	NumberPTS(n int) error
}

// PPSSetter sets the number of samples returned per segment.
type PPSSetter interface {
	NumberPPS(n int) error
}

// PTESetter sets the number of post-trigger events.
type PTESetter interface {
	NumberPTE(n int) error
}

type Armer interface {
	Arm(mode ArmMode) error
}

type SoftTriggerer interface {
	SoftTrigger() error
}

// MemoryReader reads the acquisition memory into 16-bit channels.
type MemoryReader interface {
	ReadMemory(ctx context.Context, chans []*Channel) error
}

// RawMemoryReader reads the acquisition memory as 32-bit words.
type RawMemoryReader interface {
	ReadRawMemory(ctx context.Context, chans []*Channel) error
}

// Limiter returns the raw ADC range of a card.
type Limiter interface {
	Limits() (lo, hi int32, err error)
}

type HandlerRegisterer interface {
	RegisterHandler(h Handler) error
}

type Channeler interface {
	NumberChannels() int
}

type RawChanneler interface {
	NumberRawChannels() int
}

type ClockChooser interface {
	ClockChoices() ([]string, error)
}

type ArmChooser interface {
	ArmChoices() ([]string, error)
}

type TriggerChooser interface {
	TriggerChoices() ([]string, error)
}

type MultiEventChooser interface {
	MultiEventChoices() ([]string, error)
}

type PreAverageChooser interface {
	PreAverageChoices() ([]string, error)
}

type Namer interface {
	Name() string
}

// Rebooter disarms a card during shutdown.
// Handlers must not be invoked once Reboot was called.
type Rebooter interface {
	Reboot() error
}

// Op identifies a slot of the capability table.
type Op int

const (
	OpInit Op = iota
	OpReport
	OpClock
	OpTrigger
	OpMultiEvent
	OpPreAverage
	OpNumberPTS
	OpNumberPPS
	OpNumberPTE
	OpArm
	OpSoftTrigger
	OpReadMemory
	OpReadRawMemory
	OpLimits
	OpRegisterHandler
	OpNumberChannels
	OpNumberRawChannels
	OpClockChoices
	OpArmChoices
	OpTriggerChoices
	OpMultiEventChoices
	OpPreAverageChoices
	OpName
	OpSetUser
	OpUser
	OpLock
	OpUnlock

	nOps
)

var opNames = [nOps]string{
	OpInit:              "init",
	OpReport:            "report",
	OpClock:             "clock",
	OpTrigger:           "trigger",
	OpMultiEvent:        "multiEvent",
	OpPreAverage:        "preAverage",
	OpNumberPTS:         "numberPTS",
	OpNumberPPS:         "numberPPS",
	OpNumberPTE:         "numberPTE",
	OpArm:               "arm",
	OpSoftTrigger:       "softTrigger",
	OpReadMemory:        "readMemory",
	OpReadRawMemory:     "readRawMemory",
	OpLimits:            "getLimits",
	OpRegisterHandler:   "registerHandler",
	OpNumberChannels:    "numberChannels",
	OpNumberRawChannels: "numberRawChannels",
	OpClockChoices:      "clockChoices",
	OpArmChoices:        "armChoices",
	OpTriggerChoices:    "triggerChoices",
	OpMultiEventChoices: "multiEventChoices",
	OpPreAverageChoices: "preAverageChoices",
	OpName:              "name",
	OpSetUser:           "setUser",
	OpUser:              "getUser",
	OpLock:              "lock",
	OpUnlock:            "unlock",
}

func (op Op) String() string {
	if op < 0 || op >= nOps {
		return fmt.Sprintf("Op(%d)", int(op))
	}
	return opNames[op]
}

// Ops returns every operation of the capability table.
func Ops() []Op {
	ops := make([]Op, nOps)
	for i := range ops {
		ops[i] = Op(i)
	}
	return ops
}

// OpFrom returns the operation named name.
func OpFrom(name string) (Op, bool) {
	for i, v := range opNames {
		if v == name {
			return Op(i), true
		}
	}
	return 0, false
}

// Policy is the behaviour of the dispatcher when a driver does not
// implement an operation.
type Policy int

const (
	Fail       Policy = iota // report ErrUnsupported
	Ignore                   // do nothing, report success
	Describe                 // print the registered card name and index
	Zero                     // return a zero count
	Defaults                 // return an empty choice list and success; menus supply defaults
	Registered               // return the registered name and ErrUnsupported
	Builtin                  // handled by the registry for every driver
)

func (p Policy) String() string {
	switch p {
	case Fail:
		return "fail"
	case Ignore:
		return "ignore"
	case Describe:
		return "describe"
	case Zero:
		return "zero"
	case Defaults:
		return "defaults"
	case Registered:
		return "registered"
	case Builtin:
		return "builtin"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

var policies = [nOps]Policy{
	OpInit:              Ignore,
	OpReport:            Describe,
	OpClock:             Fail,
	OpTrigger:           Fail,
	OpMultiEvent:        Fail,
	OpPreAverage:        Fail,
	OpNumberPTS:         Fail,
	OpNumberPPS:         Fail,
	OpNumberPTE:         Fail,
	OpArm:               Fail,
	OpSoftTrigger:       Fail,
	OpReadMemory:        Fail,
	OpReadRawMemory:     Fail,
	OpLimits:            Fail,
	OpRegisterHandler:   Fail,
	OpNumberChannels:    Zero,
	OpNumberRawChannels: Zero,
	OpClockChoices:      Fail,
	OpArmChoices:        Fail,
	OpTriggerChoices:    Fail,
	OpMultiEventChoices: Defaults,
	OpPreAverageChoices: Defaults,
	OpName:              Registered,
	OpSetUser:           Builtin,
	OpUser:              Builtin,
	OpLock:              Builtin,
	OpUnlock:            Builtin,
}

// Absent returns the dispatcher policy applied when a driver does not
// implement op.
func (op Op) Absent() Policy {
	if op < 0 || op >= nOps {
		return Fail
	}
	return policies[op]
}

// Supports reports whether drv implements op.
func Supports(drv Driver, op Op) bool {
	var ok bool
	switch op {
	case OpInit:
		_, ok = drv.(Initer)
	case OpReport:
		_, ok = drv.(Reporter)
	case OpClock:
		_, ok = drv.(Clocker)
	case OpTrigger:
		_, ok = drv.(Triggerer)
	case OpMultiEvent:
		_, ok = drv.(MultiEventer)
	case OpPreAverage:
		_, ok = drv.(PreAverager)
	case OpNumberPTS:
		_, ok = drv.(PTSSetter)
	case OpNumberPPS:
		_, ok = drv.(PPSSetter)
	case OpNumberPTE:
		_, ok = drv.(PTESetter)
	case OpArm:
		_, ok = drv.(Armer)
	case OpSoftTrigger:
		_, ok = drv.(SoftTriggerer)
	case OpReadMemory:
		_, ok = drv.(MemoryReader)
	case OpReadRawMemory:
		_, ok = drv.(RawMemoryReader)
	case OpLimits:
		_, ok = drv.(Limiter)
	case OpRegisterHandler:
		_, ok = drv.(HandlerRegisterer)
	case OpNumberChannels:
		_, ok = drv.(Channeler)
	case OpNumberRawChannels:
		_, ok = drv.(RawChanneler)
	case OpClockChoices:
		_, ok = drv.(ClockChooser)
	case OpArmChoices:
		_, ok = drv.(ArmChooser)
	case OpTriggerChoices:
		_, ok = drv.(TriggerChooser)
	case OpMultiEventChoices:
		_, ok = drv.(MultiEventChooser)
	case OpPreAverageChoices:
		_, ok = drv.(PreAverageChooser)
	case OpName:
		_, ok = drv.(Namer)
	case OpSetUser, OpUser, OpLock, OpUnlock:
		ok = true
	}
	return ok
}

func absent(op Op) error {
	return fmt.Errorf("gtr: %v: %w", op, ErrUnsupported)
}
