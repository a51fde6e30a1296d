// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtr1012

import (
	"bytes"
	"context"
	"errors"
	"log"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/acq"
	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/vme"
)

const size = 16

func defaultConfig() Config {
	return Config{
		Card:   2,
		A16:    0x2000,
		Memory: 0x08200000,
		Vector: 0x90,
		Size:   size,
	}
}

type card struct {
	sim  *vme.Sim
	reg  *gtr.Registry
	regs *vme.Window
	mem  *vme.Window
	dev  *Device

	csr0 []uint8 // writes to CSR1 byte 0
}

func newCard(t *testing.T, cfg Config) *card {
	t.Helper()

	c := &card{
		sim: vme.NewSim(),
		reg: gtr.NewRegistry(),
	}
	regs, err := c.sim.Map(dma.A16, cfg.A16, a16Size)
	if err != nil {
		t.Fatalf("could not map registers: %+v", err)
	}
	c.regs = regs
	c.regs.W8(regIACKLev, 2)
	c.regs.W8(regID, 1<<3)
	c.regs.OnWrite(regCSR0, func(v uint32) {
		c.csr0 = append(c.csr0, uint8(v))
	})

	c.dev, err = Configure(c.reg, c.sim, cfg)
	if err != nil {
		t.Fatalf("could not configure card: %+v", err)
	}
	t.Cleanup(func() {
		_ = c.dev.Close()
	})

	c.mem, err = c.sim.Map(dma.A32, cfg.Memory, c.dev.size*2*nChannels)
	if err != nil {
		t.Fatalf("could not map memory: %+v", err)
	}
	for i := 0; i < nChannels; i++ {
		for k := 0; k < c.dev.size && k < 0x100; k++ {
			off := int64(i*c.dev.size*2 + 2*k)
			c.mem.W16(off, 0xf000|uint16(0x100*i+k))
		}
	}

	err = c.dev.Init()
	if err != nil {
		t.Fatalf("could not initialize card: %+v", err)
	}
	c.csr0 = c.csr0[:0]
	return c
}

func TestConfigure(t *testing.T) {
	c := newCard(t, defaultConfig())

	if got, want := c.dev.level, 2; got != want {
		t.Fatalf("invalid interrupt level: got=%d, want=%d", got, want)
	}
	if name, err := c.reg.Cards()[0].Name(); err != nil || name != "vtr1012" {
		t.Fatalf("invalid name: got=%q, err=%v", name, err)
	}

	for _, tc := range []struct {
		name string
		cfg  Config
		want error
	}{
		{
			name: "duplicate",
			cfg:  defaultConfig(),
			want: gtr.ErrDuplicate,
		},
		{
			name: "a16",
			cfg:  Config{Card: 3, A16: 0x2010, Memory: 0x08200000},
			want: gtr.ErrInvalid,
		},
		{
			name: "memory",
			cfg:  Config{Card: 3, A16: 0x2000, Memory: 0x08100000},
			want: gtr.ErrInvalid,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Configure(c.reg, c.sim, tc.cfg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.want)
			}
		})
	}
}

func TestMemorySize(t *testing.T) {
	for _, tc := range []struct {
		code uint8
		want int
		err  error
	}{
		{0, 0x20000, nil},
		{3, 0x100000, nil},
		{7, 0, gtr.ErrInvalid},
	} {
		sim := vme.NewSim()
		regs, err := sim.Map(dma.A16, 0x2000, a16Size)
		if err != nil {
			t.Fatalf("could not map registers: %+v", err)
		}
		regs.W8(regID, 0x80|tc.code<<3|0x5)

		cfg := defaultConfig()
		cfg.Size = 0
		dev, err := Configure(gtr.NewRegistry(), sim, cfg)
		if !errors.Is(err, tc.err) {
			t.Fatalf("code=%d: invalid error: got=%v, want=%v", tc.code, err, tc.err)
		}
		if err != nil {
			_ = regs.Close()
			if _, ok := sim.Window(dma.A16, 0x2000); ok {
				t.Fatalf("code=%d: A16 window still mapped after failed configuration", tc.code)
			}
			continue
		}
		if got := dev.size; got != tc.want {
			t.Fatalf("code=%d: invalid size: got=0x%x, want=0x%x", tc.code, got, tc.want)
		}
		_ = dev.Close()
	}
}

func TestConfigureMemoryBusy(t *testing.T) {
	cfg := defaultConfig()
	sim := vme.NewSim()
	regs, err := sim.Map(dma.A16, cfg.A16, a16Size)
	if err != nil {
		t.Fatalf("could not map registers: %+v", err)
	}
	blk, err := sim.Map(dma.A32, cfg.Memory, 0x10)
	if err != nil {
		t.Fatalf("could not map memory block: %+v", err)
	}
	defer blk.Close()

	_, err = Configure(gtr.NewRegistry(), sim, cfg)
	if err == nil {
		t.Fatalf("expected an error")
	}
	_ = regs.Close()
	if _, ok := sim.Window(dma.A16, cfg.A16); ok {
		t.Fatalf("A16 window still mapped after failed configuration")
	}

	cfg.Type = Type(5)
	_, err = Configure(gtr.NewRegistry(), sim, cfg)
	if !errors.Is(err, gtr.ErrInvalid) {
		t.Fatalf("invalid error: got=%v, want=%v", err, gtr.ErrInvalid)
	}
}

func TestInit(t *testing.T) {
	cfg := defaultConfig()
	c := newCard(t, cfg)

	if got, want := c.regs.R8(regIACK), uint8(cfg.Vector); got != want {
		t.Fatalf("invalid interrupt vector: got=0x%x, want=0x%x", got, want)
	}
	if got, want := c.dev.read24(regGDRMid, regGDRLow, regGDRHigh), uint32(1024); got != want {
		t.Fatalf("invalid gate: got=%d, want=%d", got, want)
	}
	if !c.sim.Enabled(2) {
		t.Fatalf("interrupt level not enabled")
	}

	o := new(bytes.Buffer)
	c.dev.Report(o, 1)
	want := "vtr1012 card 2 a16 0x2000 a32 0x8200000 intVec 90 intLev 2\n" +
		"    CSR1BYTE0 00 CSR1BYTE1 0 MLR 0 GDR 400 CSR2 0 IDREG 8\n"
	if got := o.String(); got != want {
		t.Fatalf("invalid report:\ngot= %q\nwant=%q", got, want)
	}
}

func TestParams(t *testing.T) {
	c := newCard(t, defaultConfig())

	err := c.dev.Clock(9)
	if err != nil {
		t.Fatalf("could not set clock: %+v", err)
	}
	if got, want := c.regs.R8(regCSR1), uint8(0x1); got != want {
		t.Fatalf("invalid CSR1 byte 1: got=0x%x, want=0x%x", got, want)
	}
	if got, want := c.regs.R8(regCSR0), uint8(csrExtClock); got != want {
		t.Fatalf("invalid CSR1 byte 0: got=0x%x, want=0x%x", got, want)
	}

	err = c.dev.Trigger(triggerExt)
	if err != nil {
		t.Fatalf("could not set trigger: %+v", err)
	}
	err = c.dev.Trigger(triggerGate)
	if err != nil {
		t.Fatalf("could not set trigger: %+v", err)
	}
	if got, want := c.regs.R8(regCSR0), uint8(csrExtClock|csrGate); got != want {
		t.Fatalf("invalid CSR1 byte 0: got=0x%x, want=0x%x", got, want)
	}

	for _, tc := range []struct {
		name string
		err  error
	}{
		{"clock", c.dev.Clock(16)},
		{"trigger", c.dev.Trigger(3)},
		{"pts", c.dev.NumberPTS(-1)},
		{"arm", c.dev.Arm(gtr.ArmMode(-1))},
	} {
		if !errors.Is(tc.err, gtr.ErrInvalid) {
			t.Fatalf("%s: invalid error: got=%v, want=%v", tc.name, tc.err, gtr.ErrInvalid)
		}
	}

	err = c.dev.Arm(gtr.PostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}
	err = c.dev.Clock(1)
	if got, want := gtr.StatusOf(err), gtr.Busy; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}

	lo, hi, err := c.dev.Limits()
	if err != nil || lo != 0 || hi != 4096 {
		t.Fatalf("invalid limits: lo=%d, hi=%d, err=%v", lo, hi, err)
	}
}

func TestArm(t *testing.T) {
	c := newCard(t, defaultConfig())
	_ = c.dev.Trigger(triggerExt)
	_ = c.dev.NumberPTS(0x012345)
	c.csr0 = c.csr0[:0]

	err := c.dev.Arm(gtr.PostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}
	if got, want := c.csr0, []uint8{0x44}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid CSR1 byte 0 writes: got=%x, want=%x", got, want)
	}
	if got, want := c.dev.read24(regGDRMid, regGDRLow, regGDRHigh), uint32(0x012345); got != want {
		t.Fatalf("invalid gate: got=0x%x, want=0x%x", got, want)
	}

	c.csr0 = c.csr0[:0]
	err = c.dev.Arm(gtr.PrePostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}
	if got, want := c.csr0, []uint8{0x04, 0x74, 0x74}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid CSR1 byte 0 writes: got=%x, want=%x", got, want)
	}

	c.csr0 = c.csr0[:0]
	err = c.dev.Arm(gtr.Disarm)
	if err != nil {
		t.Fatalf("could not disarm: %+v", err)
	}
	if got, want := c.csr0, []uint8{0x04}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid CSR1 byte 0 writes: got=%x, want=%x", got, want)
	}

	err = c.dev.SoftTrigger()
	if err != nil {
		t.Fatalf("could not send software trigger: %+v", err)
	}
	if got, want := c.regs.R8(regCSR1), uint8(0x80); got != want {
		t.Fatalf("invalid CSR1 byte 1: got=0x%x, want=0x%x", got, want)
	}
}

func TestInterrupt(t *testing.T) {
	cfg := defaultConfig()
	c := newCard(t, cfg)

	calls := make(chan struct{}, 4)
	_ = c.dev.RegisterHandler(func() { calls <- struct{}{} })

	_ = c.dev.NumberPTE(2)
	_ = c.dev.Arm(gtr.PostTrigger)
	c.csr0 = c.csr0[:0]

	_ = c.sim.Raise(cfg.Vector)
	if len(c.csr0) != 0 {
		t.Fatalf("card disarmed before the last event")
	}
	_ = c.sim.Raise(cfg.Vector)
	if got, want := c.csr0, []uint8{0x00}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid CSR1 byte 0 writes: got=%x, want=%x", got, want)
	}
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}

	err := c.reg.Reboot(context.Background())
	if err != nil {
		t.Fatalf("could not reboot: %+v", err)
	}
	c.csr0 = c.csr0[:0]
	_ = c.sim.Raise(cfg.Vector)
	if len(c.csr0) != 0 {
		t.Fatalf("interrupt handled while rebooting")
	}
	select {
	case <-calls:
		t.Fatalf("handler invoked while rebooting")
	case <-time.After(50 * time.Millisecond):
	}

	err = c.dev.Arm(gtr.PostTrigger)
	if !errors.Is(err, acq.ErrRebooting) {
		t.Fatalf("invalid error: got=%v, want=%v", err, acq.ErrRebooting)
	}
}

func TestInterruptRegisterErrors(t *testing.T) {
	cfg := defaultConfig()
	c := newCard(t, cfg)
	o := new(bytes.Buffer)
	c.dev.msg = log.New(o, "vtr1012: ", 0)

	_ = c.dev.Arm(gtr.PostTrigger)

	// no register is reachable through an empty window.
	regs := c.dev.a16
	c.dev.a16 = vme.Mem(dma.A16, cfg.A16, 0)
	c.dev.interrupt()
	c.dev.a16 = regs

	if !strings.Contains(o.String(), "could not disarm") {
		t.Fatalf("interrupt error not logged:\n%s", o.String())
	}
	err := c.dev.SoftTrigger()
	if err != nil {
		t.Fatalf("interrupt error leaked into register checks: %+v", err)
	}
}

func samples(ch int, idx ...int) []int16 {
	vs := make([]int16, len(idx))
	for i, k := range idx {
		vs[i] = int16(0x100*ch+k) & dataMask
	}
	return vs
}

func TestReadMemory(t *testing.T) {
	c := newCard(t, defaultConfig())
	ctx := context.Background()

	t.Run("post-trigger", func(t *testing.T) {
		_ = c.dev.Arm(gtr.PostTrigger)
		c.dev.write24(regMLRMid, regMLRLow, regMLRHigh, 10)

		chans := []*gtr.Channel{
			gtr.NewChannel(4),
			gtr.NewChannel(size),
			nil,
			gtr.NewChannel(0),
		}
		err := c.dev.ReadMemory(ctx, chans)
		if err != nil {
			t.Fatalf("could not read memory: %+v", err)
		}
		if got, want := chans[0].Samples(), samples(0, 6, 7, 8, 9); !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid samples:\ngot= %v\nwant=%v", got, want)
		}
		if got, want := chans[1].Samples(), samples(1, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9); !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid samples:\ngot= %v\nwant=%v", got, want)
		}
	})

	t.Run("pre-post-trigger", func(t *testing.T) {
		_ = c.dev.Arm(gtr.Disarm)
		_ = c.dev.NumberPPS(6)
		_ = c.dev.Arm(gtr.PrePostTrigger)
		c.dev.write24(regMLRMid, regMLRLow, regMLRHigh, 3)

		chans := []*gtr.Channel{
			gtr.NewChannel(8),
			gtr.NewChannel(2),
			gtr.NewChannel(8),
			gtr.NewChannel(8),
		}
		chans[2].N = 3
		err := c.dev.ReadMemory(ctx, chans)
		if err != nil {
			t.Fatalf("could not read memory: %+v", err)
		}
		for i, want := range [][]int16{
			samples(0, 13, 14, 15, 0, 1, 2),
			samples(1, 1, 2),
			samples(2, 13, 14, 15, 0, 1, 2),
			samples(3, 13, 14, 15, 0, 1, 2),
		} {
			if got := chans[i].Samples(); !reflect.DeepEqual(got, want) {
				t.Fatalf("channel %d: invalid samples:\ngot= %v\nwant=%v", i, got, want)
			}
		}
	})

	t.Run("pre-post-trigger-no-samples", func(t *testing.T) {
		_ = c.dev.Arm(gtr.Disarm)
		_ = c.dev.NumberPPS(0)
		_ = c.dev.Arm(gtr.PrePostTrigger)
		c.dev.write24(regMLRMid, regMLRLow, regMLRHigh, 3)

		chans := []*gtr.Channel{
			gtr.NewChannel(8),
			gtr.NewChannel(8),
		}
		chans[1].Push(42)
		err := c.dev.ReadMemory(ctx, chans)
		if err != nil {
			t.Fatalf("could not read memory: %+v", err)
		}
		if got, want := len(chans[0].Samples()), 0; got != want {
			t.Fatalf("invalid number of samples: got=%d, want=%d", got, want)
		}
		if got, want := chans[1].Samples(), []int16{42}; !reflect.DeepEqual(got, want) {
			t.Fatalf("channel should be left untouched: got=%v, want=%v", got, want)
		}
	})
}

func TestSimulate(t *testing.T) {
	cfg := defaultConfig()
	cfg.Size = 0

	sim := vme.NewSim()
	err := Simulate(sim, cfg, 4)
	if err != nil {
		t.Fatalf("could not install simulated card: %+v", err)
	}

	reg := gtr.NewRegistry()
	dev, err := Configure(reg, sim, cfg)
	if err != nil {
		t.Fatalf("could not configure card: %+v", err)
	}
	defer dev.Close()

	if got, want := dev.size, memorySizes[0]; got != want {
		t.Fatalf("invalid memory size: got=0x%x, want=0x%x", got, want)
	}
	if got, want := dev.level, 4; got != want {
		t.Fatalf("invalid interrupt level: got=%d, want=%d", got, want)
	}
	err = dev.Init()
	if err != nil {
		t.Fatalf("could not initialize card: %+v", err)
	}
	if !sim.Enabled(4) {
		t.Fatalf("interrupt level 4 should be enabled")
	}

	calls := make(chan struct{}, 8)
	_ = dev.RegisterHandler(func() { calls <- struct{}{} })

	for _, f := range []func() error{
		func() error { return dev.NumberPTS(5) },
		func() error { return dev.Arm(gtr.PostTrigger) },
		func() error { return dev.SoftTrigger() },
	} {
		if err := f(); err != nil {
			t.Fatalf("could not run acquisition: %+v", err)
		}
	}
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}

	chans := make([]*gtr.Channel, nChannels)
	for i := range chans {
		chans[i] = gtr.NewChannel(8)
	}
	err = dev.ReadMemory(context.Background(), chans)
	if err != nil {
		t.Fatalf("could not read memory: %+v", err)
	}
	for i, ch := range chans {
		want := make([]int16, 5)
		for j := range want {
			want[j] = int16(j * (i + 1))
		}
		if got := ch.Samples(); !reflect.DeepEqual(got, want) {
			t.Fatalf("channel %d: invalid samples:\ngot= %v\nwant=%v", i, got, want)
		}
	}

	cfg.Card++
	cfg.A16 = 0x3000
	cfg.Memory = 0x08400000
	cfg.Size = 1000
	if err := Simulate(sim, cfg, 4); err == nil {
		t.Fatalf("expected an error for an unknown memory size")
	}
}

func TestVTR10010(t *testing.T) {
	cfg := defaultConfig()
	cfg.Type = VTR10010
	cfg.Size = 0

	sim := vme.NewSim()
	err := Simulate(sim, cfg, 5)
	if err != nil {
		t.Fatalf("could not install simulated card: %+v", err)
	}

	reg := gtr.NewRegistry()
	dev, err := Configure(reg, sim, cfg, WithLogger(log.New(new(bytes.Buffer), "", 0)))
	if err != nil {
		t.Fatalf("could not configure card: %+v", err)
	}
	defer dev.Close()

	if got, want := dev.Name(), "vtr10010"; got != want {
		t.Fatalf("invalid name: got=%q, want=%q", got, want)
	}
	if got, want := dev.Type(), VTR10010; got != want {
		t.Fatalf("invalid type: got=%v, want=%v", got, want)
	}
	if got, want := dev.NumberChannels(), 1; got != want {
		t.Fatalf("invalid number of channels: got=%d, want=%d", got, want)
	}
	if lo, hi, _ := dev.Limits(); lo != 0 || hi != 1024 {
		t.Fatalf("invalid limits: lo=%d, hi=%d", lo, hi)
	}
	clocks, _ := dev.ClockChoices()
	if got, want := clocks[0], "100 Mhz"; got != want {
		t.Fatalf("invalid first clock: got=%q, want=%q", got, want)
	}
	if w, ok := sim.Window(dma.A32, cfg.Memory); !ok || w.Len() != memorySizes[0]*2 {
		t.Fatalf("invalid memory window")
	}

	err = dev.Init()
	if err != nil {
		t.Fatalf("could not initialize card: %+v", err)
	}
	calls := make(chan struct{}, 1)
	_ = dev.RegisterHandler(func() { calls <- struct{}{} })
	for _, f := range []func() error{
		func() error { return dev.NumberPTS(0x400) },
		func() error { return dev.Arm(gtr.PostTrigger) },
		func() error { return dev.SoftTrigger() },
	} {
		if err := f(); err != nil {
			t.Fatalf("could not run acquisition: %+v", err)
		}
	}
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}

	chans := []*gtr.Channel{gtr.NewChannel(4), gtr.NewChannel(4)}
	err = dev.ReadMemory(context.Background(), chans)
	if err != nil {
		t.Fatalf("could not read memory: %+v", err)
	}
	if got, want := chans[0].Samples(), []int16{0x3fc, 0x3fd, 0x3fe, 0x3ff}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid samples: got=%v, want=%v", got, want)
	}
	if got, want := len(chans[1].Samples()), 0; got != want {
		t.Fatalf("second channel should be untouched: got=%d samples", got)
	}
}
