// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtr10012

import (
	"bytes"
	"context"
	"errors"
	"log"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/acq"
	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/vme"
)

type write struct {
	off int64
	v   uint16
}

// card is a simulated VTR10012 family card.
type card struct {
	sim  *vme.Sim
	reg  *gtr.Registry
	regs *vme.Window
	mem  *vme.Window
	dev  *Device
	log  *bytes.Buffer

	writes []write
}

var recorded = []int64{
	regReset, regControl, regIntStatus, regIntSetup, regClock,
	regMulPrePost, regTrigger, regArm, regDisarm, regResetIRQ,
	regA32Base, regHGDR, regLGDR, regHMLC, regLMLC, regCPTCC, regTCounter,
}

func newCard(t *testing.T, typ Type, cfg Config) *card {
	t.Helper()

	c := &card{
		sim: vme.NewSim(),
		reg: gtr.NewRegistry(),
		log: new(bytes.Buffer),
	}
	regs, err := c.sim.Map(dma.A16, cfg.A16, a16Size)
	if err != nil {
		t.Fatalf("could not map registers: %+v", err)
	}
	c.regs = regs
	c.regs.W16(regID, uint16(7+typ)<<10|0x12)

	for _, off := range recorded {
		off := off
		c.regs.OnWrite(off, func(v uint32) {
			c.writes = append(c.writes, write{off, uint16(v)})
			switch off {
			case regArm:
				c.regs.W16(regStatus, 1)
			case regDisarm, regReset:
				c.regs.W16(regStatus, 0)
			}
		})
	}

	c.dev, err = Configure(c.reg, c.sim, cfg, WithLogger(log.New(c.log, "vtr10012: ", 0)))
	if err != nil {
		t.Fatalf("could not configure card: %+v", err)
	}
	t.Cleanup(func() {
		_ = c.dev.Close()
	})

	c.mem, err = c.sim.Map(dma.A32, cfg.Memory, memSize)
	if err != nil {
		t.Fatalf("could not map memory: %+v", err)
	}

	err = c.dev.Init()
	if err != nil {
		t.Fatalf("could not initialize card: %+v", err)
	}
	c.writes = c.writes[:0]
	return c
}

func defaultConfig() Config {
	return Config{
		Card:   1,
		A16:    0x1200,
		Memory: 0x08000000,
		Vector: 0x80,
		Level:  3,
	}
}

func TestType(t *testing.T) {
	for _, tc := range []struct {
		id   uint16
		want Type
		mask uint32
	}{
		{7 << 10, VTR10012, 0x0fff},
		{8<<10 | 0x3ff, VTR10012_8, 0x0fff},
		{9 << 10, VTR8014, 0x3fff},
		{10 << 10, VTR10014, 0x3fff},
	} {
		t.Run(tc.want.String(), func(t *testing.T) {
			got, err := typeFrom(tc.id)
			if err != nil {
				t.Fatalf("could not decode ID: %+v", err)
			}
			if got != tc.want {
				t.Fatalf("invalid type: got=%v, want=%v", got, tc.want)
			}
			if got, want := got.Mask(), tc.mask; got != want {
				t.Fatalf("invalid mask: got=0x%x, want=0x%x", got, want)
			}
		})
	}

	_, err := typeFrom(3 << 10)
	if !errors.Is(err, gtr.ErrInvalid) {
		t.Fatalf("invalid error: got=%v, want=%v", err, gtr.ErrInvalid)
	}
	if got, want := Type(42).String(), "Type(42)"; got != want {
		t.Fatalf("invalid name: got=%q, want=%q", got, want)
	}
}

func TestConfigure(t *testing.T) {
	c := newCard(t, VTR10012, defaultConfig())

	if got, want := c.dev.Type(), VTR10012; got != want {
		t.Fatalf("invalid type: got=%v, want=%v", got, want)
	}
	card, err := c.reg.Card(1)
	if err != nil {
		t.Fatalf("card not registered: %+v", err)
	}
	if name, err := card.Name(); err != nil || name != "VTR10012" {
		t.Fatalf("invalid card name: got=%q, err=%v", name, err)
	}

	for _, tc := range []struct {
		name string
		cfg  func(cfg *Config)
		want error
	}{
		{
			name: "duplicate",
			cfg:  func(cfg *Config) {},
			want: gtr.ErrDuplicate,
		},
		{
			name: "a16",
			cfg: func(cfg *Config) {
				cfg.Card = 2
				cfg.A16 = 0x1234
			},
			want: gtr.ErrInvalid,
		},
		{
			name: "memory",
			cfg: func(cfg *Config) {
				cfg.Card = 2
				cfg.Memory = 0x08100000
			},
			want: gtr.ErrInvalid,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.cfg(&cfg)
			_, err := Configure(c.reg, c.sim, cfg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.want)
			}
		})
	}

	t.Run("unknown-id", func(t *testing.T) {
		sim := vme.NewSim()
		regs, err := sim.Map(dma.A16, 0x1200, a16Size)
		if err != nil {
			t.Fatalf("could not map registers: %+v", err)
		}
		regs.W16(regID, 3<<10)
		_, err = Configure(gtr.NewRegistry(), sim, defaultConfig())
		if !errors.Is(err, gtr.ErrInvalid) {
			t.Fatalf("invalid error: got=%v, want=%v", err, gtr.ErrInvalid)
		}
		_ = regs.Close()
		if _, ok := sim.Window(dma.A16, 0x1200); ok {
			t.Fatalf("A16 window still mapped after failed configuration")
		}
	})

	t.Run("memory-busy", func(t *testing.T) {
		cfg := defaultConfig()
		sim := vme.NewSim()
		regs, err := sim.Map(dma.A16, cfg.A16, a16Size)
		if err != nil {
			t.Fatalf("could not map registers: %+v", err)
		}
		regs.W16(regID, 7<<10)
		blk, err := sim.Map(dma.A32, cfg.Memory+groupSize, 0x100)
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
	})

	t.Run("10012_8-without-dma", func(t *testing.T) {
		sim := vme.NewSim()
		regs, err := sim.Map(dma.A16, 0x1200, a16Size)
		if err != nil {
			t.Fatalf("could not map registers: %+v", err)
		}
		regs.W16(regID, 8<<10)
		reg := gtr.NewRegistry()
		_, err = Configure(reg, sim, defaultConfig())
		if !errors.Is(err, dma.ErrUnavailable) {
			t.Fatalf("invalid error: got=%v, want=%v", err, dma.ErrUnavailable)
		}
		if got, want := reg.Len(), 0; got != want {
			t.Fatalf("invalid number of registered cards: got=%d, want=%d", got, want)
		}
		_ = regs.Close()
		if _, ok := sim.Window(dma.A16, 0x1200); ok {
			t.Fatalf("A16 window still mapped after failed configuration")
		}
	})
}

func TestInit(t *testing.T) {
	c := newCard(t, VTR8014, defaultConfig())

	for _, tc := range []struct {
		off  int64
		want uint16
	}{
		{regIntStatus, 0x80},
		{regIntSetup, 3},
		{regA32Base, 0x08},
	} {
		if got := c.regs.R16(tc.off); got != tc.want {
			t.Fatalf("invalid register 0x%x: got=0x%x, want=0x%x", tc.off, got, tc.want)
		}
	}
	if !c.sim.Enabled(3) {
		t.Fatalf("interrupt level not enabled")
	}

	err := c.dev.Init()
	if err == nil {
		t.Fatalf("expected an error connecting the same vector twice")
	}
}

func TestReport(t *testing.T) {
	c := newCard(t, VTR10012, defaultConfig())
	c.regs.W16(regClock, 0x3)
	c.regs.W16(regLGDR, 100)

	o := new(bytes.Buffer)
	c.dev.Report(o, 0)
	if got, want := o.String(), "VTR10012 card 1 a16 0x1200 memory 0x8000000 intVec 80 intLev 3\n"; got != want {
		t.Fatalf("invalid report:\ngot= %q\nwant=%q", got, want)
	}

	o.Reset()
	c.dev.Report(o, 1)
	want := strings.Join([]string{
		"VTR10012 card 1 a16 0x1200 memory 0x8000000 intVec 80 intLev 3",
		"Status:0000       Control:0000   Clock Setup:0003",
		"Gate Duration:100",
		"",
	}, "\n")
	if got := o.String(); got != want {
		t.Fatalf("invalid report:\ngot= %q\nwant=%q", got, want)
	}
}

func TestBusy(t *testing.T) {
	c := newCard(t, VTR10012, defaultConfig())

	err := c.dev.Arm(gtr.PostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}

	for _, tc := range []struct {
		name string
		f    func() error
	}{
		{"clock", func() error { return c.dev.Clock(2) }},
		{"trigger", func() error { return c.dev.Trigger(1) }},
		{"multi-event", func() error { return c.dev.MultiEvent(1) }},
		{"pts", func() error { return c.dev.NumberPTS(10) }},
		{"pps", func() error { return c.dev.NumberPPS(10) }},
		{"pte", func() error { return c.dev.NumberPTE(10) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c.writes = c.writes[:0]
			err := tc.f()
			if got, want := gtr.StatusOf(err), gtr.Busy; got != want {
				t.Fatalf("invalid status: got=%v, want=%v (err=%v)", got, want, err)
			}
			if len(c.writes) != 0 {
				t.Fatalf("registers modified while armed: %v", c.writes)
			}
		})
	}
	if got, want := c.dev.pts, 0; got != want {
		t.Fatalf("PTS modified while armed: got=%d, want=%d", got, want)
	}

	err = c.dev.Arm(gtr.Disarm)
	if err != nil {
		t.Fatalf("could not disarm: %+v", err)
	}
	err = c.dev.Clock(2)
	if err != nil {
		t.Fatalf("could not set clock: %+v", err)
	}
	if got, want := c.regs.R16(regClock), uint16(0x2); got != want {
		t.Fatalf("invalid clock register: got=0x%x, want=0x%x", got, want)
	}
}

func TestParams(t *testing.T) {
	c := newCard(t, VTR10014, defaultConfig())

	for _, tc := range []struct {
		name string
		f    func() error
	}{
		{"clock-neg", func() error { return c.dev.Clock(-1) }},
		{"clock-range", func() error { return c.dev.Clock(4) }},
		{"trigger-range", func() error { return c.dev.Trigger(3) }},
		{"multi-event-range", func() error { return c.dev.MultiEvent(5) }},
		{"pts-neg", func() error { return c.dev.NumberPTS(-1) }},
		{"arm-mode", func() error { return c.dev.Arm(gtr.ArmMode(3)) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.f()
			if !errors.Is(err, gtr.ErrInvalid) {
				t.Fatalf("invalid error: got=%v, want=%v", err, gtr.ErrInvalid)
			}
		})
	}

	err := c.dev.Clock(3)
	if err != nil {
		t.Fatalf("could not set clock: %+v", err)
	}
	if got, want := c.regs.R16(regClock), uint16(0x9); got != want {
		t.Fatalf("invalid clock register: got=0x%x, want=0x%x", got, want)
	}

	c.regs.W16(regControl, 0x0f03)
	err = c.dev.Trigger(triggerGate)
	if err != nil {
		t.Fatalf("could not set trigger: %+v", err)
	}
	if got, want := c.regs.R16(regControl), uint16(0x0f20); got != want {
		t.Fatalf("invalid control register: got=0x%x, want=0x%x", got, want)
	}

	err = c.dev.MultiEvent(3)
	if err != nil {
		t.Fatalf("could not set multi-event: %+v", err)
	}
	if got, want := atomic.LoadInt32(&c.dev.nevents), int32(8); got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}

	lo, hi, err := c.dev.Limits()
	if err != nil || lo != 0 || hi != 0x4000 {
		t.Fatalf("invalid limits: lo=%d, hi=%d, err=%v", lo, hi, err)
	}
	if got, want := c.dev.NumberChannels(), 8; got != want {
		t.Fatalf("invalid number of channels: got=%d, want=%d", got, want)
	}
	if got, want := c.dev.NumberRawChannels(), 4; got != want {
		t.Fatalf("invalid number of raw channels: got=%d, want=%d", got, want)
	}
}

func TestArm(t *testing.T) {
	c := newCard(t, VTR10012, defaultConfig())

	for _, f := range []func() error{
		func() error { return c.dev.Trigger(triggerExt) },
		func() error { return c.dev.NumberPTS(100) },
		func() error { return c.dev.MultiEvent(2) },
	} {
		if err := f(); err != nil {
			t.Fatalf("could not configure card: %+v", err)
		}
	}

	c.writes = c.writes[:0]
	err := c.dev.Arm(gtr.PrePostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}

	want := []write{
		{regDisarm, 1},
		{regResetIRQ, 1},
		{regHMLC, 0},
		{regLMLC, 0},
		{regHGDR, 0},
		{regLGDR, 100},
		{regIntSetup, 0x000b},
		{regControl, 0x0002},
		{regCPTCC, 1},
		{regTCounter, 1},
		{regMulPrePost, 0x0005},
		{regControl, 0x004a},
		{regArm, 1},
	}
	if !reflect.DeepEqual(c.writes, want) {
		t.Fatalf("invalid arm sequence:\ngot= %v\nwant=%v", c.writes, want)
	}

	c.writes = c.writes[:0]
	err = c.dev.Arm(gtr.Disarm)
	if err != nil {
		t.Fatalf("could not disarm: %+v", err)
	}
	want = []write{{regDisarm, 1}, {regResetIRQ, 1}}
	if !reflect.DeepEqual(c.writes, want) {
		t.Fatalf("invalid disarm sequence:\ngot= %v\nwant=%v", c.writes, want)
	}

	err = c.dev.SoftTrigger()
	if err != nil {
		t.Fatalf("could not send software trigger: %+v", err)
	}
	if got, want := c.writes[len(c.writes)-1], (write{regTrigger, 1}); got != want {
		t.Fatalf("invalid software trigger: got=%v, want=%v", got, want)
	}
}

func waitCall(t *testing.T, calls chan struct{}, want bool) {
	t.Helper()
	timeout := 50 * time.Millisecond
	if want {
		timeout = 2 * time.Second
	}
	select {
	case <-calls:
		if !want {
			t.Fatalf("unexpected handler invocation")
		}
	case <-time.After(timeout):
		if want {
			t.Fatalf("handler not invoked")
		}
	}
}

func TestInterrupt(t *testing.T) {
	cfg := defaultConfig()
	c := newCard(t, VTR10012, cfg)

	calls := make(chan struct{}, 8)
	err := c.dev.RegisterHandler(func() { calls <- struct{}{} })
	if err != nil {
		t.Fatalf("could not register handler: %+v", err)
	}

	t.Run("disarmed", func(t *testing.T) {
		c.writes = c.writes[:0]
		if err := c.sim.Raise(cfg.Vector); err != nil {
			t.Fatalf("could not raise interrupt: %+v", err)
		}
		if got, want := c.writes, []write{{regDisarm, 1}}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid writes: got=%v, want=%v", got, want)
		}
		waitCall(t, calls, false)
	})

	t.Run("post-trigger", func(t *testing.T) {
		err := c.dev.NumberPTE(2)
		if err != nil {
			t.Fatalf("could not set PTE: %+v", err)
		}
		err = c.dev.Arm(gtr.PostTrigger)
		if err != nil {
			t.Fatalf("could not arm: %+v", err)
		}

		// first of 2 events.
		c.writes = c.writes[:0]
		_ = c.sim.Raise(cfg.Vector)
		if len(c.writes) != 0 {
			t.Fatalf("card disarmed before the last event: %v", c.writes)
		}
		waitCall(t, calls, false)

		c.regs.W16(regCPTCC, 2)
		c.writes = c.writes[:0]
		_ = c.sim.Raise(cfg.Vector)
		if got, want := c.writes, []write{{regDisarm, 1}}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid writes: got=%v, want=%v", got, want)
		}
		waitCall(t, calls, true)
	})

	t.Run("pre-post-trigger", func(t *testing.T) {
		err := c.dev.Arm(gtr.Disarm)
		if err != nil {
			t.Fatalf("could not disarm: %+v", err)
		}
		err = c.dev.MultiEvent(1)
		if err != nil {
			t.Fatalf("could not set multi-event: %+v", err)
		}
		err = c.dev.Arm(gtr.PrePostTrigger)
		if err != nil {
			t.Fatalf("could not arm: %+v", err)
		}

		_ = c.sim.Raise(cfg.Vector)
		waitCall(t, calls, false)

		c.regs.W16(regCPTCC, 2)
		_ = c.sim.Raise(cfg.Vector)
		waitCall(t, calls, true)
	})
}

func TestInterruptRegisterErrors(t *testing.T) {
	cfg := defaultConfig()
	c := newCard(t, VTR10012, cfg)

	err := c.dev.Arm(gtr.PostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}

	// the cycle counter lies beyond a truncated register window.
	regs := c.dev.a16
	c.dev.a16 = vme.Mem(dma.A16, cfg.A16, regCPTCC)
	c.dev.interrupt()
	c.dev.a16 = regs

	if !strings.Contains(c.log.String(), "could not read cycle counter") {
		t.Fatalf("interrupt error not logged:\n%s", c.log.String())
	}
	err = c.dev.SoftTrigger()
	if err != nil {
		t.Fatalf("interrupt error leaked into register checks: %+v", err)
	}
}

func TestInterruptConcurrentParams(t *testing.T) {
	cfg := defaultConfig()
	c := newCard(t, VTR10012, cfg)

	err := c.dev.Arm(gtr.PostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			c.dev.interrupt()
		}
	}()
	for i := 0; i < 100; i++ {
		atomic.StoreInt32(&c.dev.pte, int32(i%4+1))
		atomic.StoreInt32(&c.dev.nevents, int32(i%4+1))
	}
	<-done
}

func TestReboot(t *testing.T) {
	cfg := defaultConfig()
	c := newCard(t, VTR10012, cfg)

	calls := make(chan struct{}, 8)
	_ = c.dev.RegisterHandler(func() { calls <- struct{}{} })

	err := c.dev.Arm(gtr.PostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}

	err = c.reg.Reboot(context.Background())
	if err != nil {
		t.Fatalf("could not reboot: %+v", err)
	}
	if got, want := c.writes[len(c.writes)-1], (write{regReset, 1}); got != want {
		t.Fatalf("invalid reboot write: got=%v, want=%v", got, want)
	}

	c.regs.W16(regCPTCC, 1)
	c.writes = c.writes[:0]
	_ = c.sim.Raise(cfg.Vector)
	if got, want := c.writes, []write{{regDisarm, 1}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid writes: got=%v, want=%v", got, want)
	}
	waitCall(t, calls, false)

	err = c.dev.Clock(1)
	if !errors.Is(err, acq.ErrRebooting) {
		t.Fatalf("invalid error: got=%v, want=%v", err, acq.ErrRebooting)
	}
}

// fill writes the words of memory group g.
func (c *card) fill(g int, words []uint32) {
	for i, w := range words {
		c.mem.W32(int64(g)*groupSize+int64(4*i), w)
	}
}

func TestReadPostTrigger(t *testing.T) {
	for _, useDMA := range []bool{false, true} {
		name := "direct"
		if useDMA {
			name = "dma"
		}
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.DMA = useDMA
			c := newCard(t, VTR10012, cfg)

			for g := 0; g < nGroups; g++ {
				words := make([]uint32, 8)
				for i := range words {
					hi := uint32(0x100*(g+4) + i)
					lo := uint32(0x100*g + i)
					words[i] = (0xf000|hi)<<16 | lo
				}
				c.fill(g, words)
			}

			for _, f := range []func() error{
				func() error { return c.dev.NumberPTS(3) },
				func() error { return c.dev.NumberPTE(2) },
				func() error { return c.dev.Arm(gtr.PostTrigger) },
			} {
				if err := f(); err != nil {
					t.Fatalf("could not configure card: %+v", err)
				}
			}

			chans := make([]*gtr.Channel, 8)
			for i := range chans {
				chans[i] = gtr.NewChannel(8)
			}
			chans[1] = gtr.NewChannel(2)
			chans[6] = nil
			chans[7].N = 5 // stale count from a previous read

			err := c.dev.ReadMemory(context.Background(), chans)
			if err != nil {
				t.Fatalf("could not read memory: %+v", err)
			}

			for i, ch := range chans {
				if ch == nil {
					continue
				}
				n := 6
				if ch.Cap() < n {
					n = ch.Cap()
				}
				var want []int16
				for j := 0; j < n; j++ {
					want = append(want, int16(0x100*i+j))
				}
				if got := ch.Samples(); !reflect.DeepEqual(got, want) {
					t.Fatalf("channel %d: invalid samples:\ngot= %v\nwant=%v", i, got, want)
				}
			}
		})
	}
}

func TestReadPrePostTrigger(t *testing.T) {
	cfg := defaultConfig()
	cfg.KiloSamples = 1
	c := newCard(t, VTR10012, cfg)

	words := make([]uint32, 1024)
	for i := range words {
		words[i] = uint32(0x400+i)<<16 | uint32(i)
	}
	c.fill(0, words)

	// last written word of each event, as 2 halves per event.
	var (
		fifo = []uint16{0, 1, 0, 512 + 510}
		pos  = 0
	)
	c.regs.OnRead(regTCounter, func() uint32 {
		v := fifo[pos%len(fifo)]
		pos++
		return uint32(v)
	})
	c.regs.W16(regCPTCCDarm, 1)

	for _, f := range []func() error{
		func() error { return c.dev.MultiEvent(1) },
		func() error { return c.dev.NumberPPS(3) },
		func() error { return c.dev.Arm(gtr.PrePostTrigger) },
	} {
		if err := f(); err != nil {
			t.Fatalf("could not configure card: %+v", err)
		}
	}

	chans := make([]*gtr.Channel, 8)
	for i := range chans {
		chans[i] = gtr.NewChannel(0)
	}
	chans[0] = gtr.NewChannel(6)
	chans[4] = gtr.NewChannel(6)

	err := c.dev.ReadMemory(context.Background(), chans)
	if err != nil {
		t.Fatalf("could not read memory: %+v", err)
	}

	if got, want := chans[0].Samples(), []int16{511, 0, 1, 1020, 1021, 1022}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid low samples:\ngot= %v\nwant=%v", got, want)
	}
	if got, want := chans[4].Samples(), []int16{0x5ff, 0x400, 0x401, 0x7fc, 0x7fd, 0x7fe}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid high samples:\ngot= %v\nwant=%v", got, want)
	}
	if got, want := c.log.String(), "vtr10012: numberEvents 2 but CPTCCDARM 1\n"; got != want {
		t.Fatalf("invalid log:\ngot= %q\nwant=%q", got, want)
	}
}

func TestReadRawMemory(t *testing.T) {
	c := newCard(t, VTR10012, defaultConfig())
	for g := 0; g < nGroups; g++ {
		c.fill(g, []uint32{uint32(g)<<24 | 1, uint32(g)<<24 | 2, 0xffffffff, 4})
	}

	chans := []*gtr.Channel{
		gtr.NewRawChannel(8),
		gtr.NewRawChannel(2),
		gtr.NewRawChannel(0),
		gtr.NewRawChannel(8),
	}

	// disarmed: nothing to read.
	err := c.dev.ReadRawMemory(context.Background(), chans)
	if err != nil {
		t.Fatalf("could not read raw memory: %+v", err)
	}

	err = c.dev.Arm(gtr.PostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}
	c.regs.W16(regLMLC, 3)

	err = c.dev.ReadRawMemory(context.Background(), chans)
	if err != nil {
		t.Fatalf("could not read raw memory: %+v", err)
	}
	for _, tc := range []struct {
		g    int
		want []int32
	}{
		{0, []int32{1, 2, -1}},
		{1, []int32{1<<24 | 1, 1<<24 | 2}},
		{2, []int32{}},
		{3, []int32{3<<24 | 1, 3<<24 | 2, -1}},
	} {
		if got := chans[tc.g].Words(); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("group %d: invalid words: got=%v, want=%v", tc.g, got, tc.want)
		}
	}

	chans[3] = gtr.NewChannel(8)
	err = c.dev.ReadRawMemory(context.Background(), chans)
	if !errors.Is(err, gtr.ErrInvalid) {
		t.Fatalf("invalid error: got=%v, want=%v", err, gtr.ErrInvalid)
	}

	chans[3] = gtr.NewRawChannel(8)
	err = c.dev.Arm(gtr.PrePostTrigger)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}
	err = c.dev.ReadRawMemory(context.Background(), chans)
	if !errors.Is(err, gtr.ErrInvalid) {
		t.Fatalf("invalid error: got=%v, want=%v", err, gtr.ErrInvalid)
	}
}

func TestVTR10012_8(t *testing.T) {
	cfg := defaultConfig()
	cfg.DMA = true
	c := newCard(t, VTR10012_8, cfg)

	if got, want := c.dev.pts, 1024; got != want {
		t.Fatalf("invalid default PTS: got=%d, want=%d", got, want)
	}
	for _, tc := range []struct {
		name string
		f    func() error
	}{
		{"pts", func() error { return c.dev.NumberPTS(1025) }},
		{"pps", func() error { return c.dev.NumberPPS(10) }},
		{"pte", func() error { return c.dev.NumberPTE(2) }},
		{"multi-event", func() error { return c.dev.MultiEvent(1) }},
		{"arm", func() error { return c.dev.Arm(gtr.PrePostTrigger) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.f()
			if !errors.Is(err, gtr.ErrInvalid) {
				t.Fatalf("invalid error: got=%v, want=%v", err, gtr.ErrInvalid)
			}
		})
	}

	card, err := c.reg.Card(cfg.Card)
	if err != nil {
		t.Fatalf("could not find card: %+v", err)
	}
	for _, tc := range []struct {
		op   gtr.Op
		want []string
	}{
		{gtr.OpArmChoices, []string{"disarm", "postTrigger"}},
		{gtr.OpMultiEventChoices, gtr.DefaultChoices},
		{gtr.OpTriggerChoices, []string{"soft", "extTrigger", "extGate"}},
	} {
		got, err := gtr.MenuChoices(card.Choices(tc.op))
		if err != nil {
			t.Fatalf("%v: could not get choices: %+v", tc.op, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%v: invalid choices: got=%q, want=%q", tc.op, got, tc.want)
		}
	}

	if got, want := c.dev.triggerCounter(), uint32(1024); got != want {
		t.Fatalf("invalid trigger counter: got=%d, want=%d", got, want)
	}
	if card.Supports(gtr.OpPreAverage) {
		t.Fatalf("%v should not support pre-averaging", c.dev.Type())
	}
}

func TestSimulate(t *testing.T) {
	cfg := defaultConfig()
	sim := vme.NewSim()
	err := Simulate(sim, VTR10014, cfg)
	if err != nil {
		t.Fatalf("could not install simulated card: %+v", err)
	}

	reg := gtr.NewRegistry()
	dev, err := Configure(reg, sim, cfg, WithLogger(log.New(new(bytes.Buffer), "", 0)))
	if err != nil {
		t.Fatalf("could not configure card: %+v", err)
	}
	defer dev.Close()

	if got, want := dev.Type(), VTR10014; got != want {
		t.Fatalf("invalid type: got=%v, want=%v", got, want)
	}
	err = dev.Init()
	if err != nil {
		t.Fatalf("could not initialize card: %+v", err)
	}

	calls := make(chan struct{}, 8)
	_ = dev.RegisterHandler(func() { calls <- struct{}{} })

	// software triggers are ignored by a disarmed card.
	err = dev.SoftTrigger()
	if err != nil {
		t.Fatalf("could not send software trigger: %+v", err)
	}
	waitCall(t, calls, false)

	for _, f := range []func() error{
		func() error { return dev.NumberPTS(3) },
		func() error { return dev.Arm(gtr.PostTrigger) },
		func() error { return dev.SoftTrigger() },
	} {
		if err := f(); err != nil {
			t.Fatalf("could not run acquisition: %+v", err)
		}
	}
	waitCall(t, calls, true)

	if got, want := dev.location(), uint32(3); got != want {
		t.Fatalf("invalid location counter: got=%d, want=%d", got, want)
	}

	chans := make([]*gtr.Channel, 8)
	for i := range chans {
		chans[i] = gtr.NewChannel(8)
	}
	err = dev.ReadMemory(context.Background(), chans)
	if err != nil {
		t.Fatalf("could not read memory: %+v", err)
	}
	mask := int16(VTR10014.Mask())
	for g := 0; g < nGroups; g++ {
		var lo, hi []int16
		for i := 0; i < 3; i++ {
			lo = append(lo, int16(i*4+g))
			hi = append(hi, mask-int16(i*4+g))
		}
		if got, want := chans[g].Samples(), lo; !reflect.DeepEqual(got, want) {
			t.Fatalf("group %d: invalid low samples:\ngot= %v\nwant=%v", g, got, want)
		}
		if got, want := chans[g+nGroups].Samples(), hi; !reflect.DeepEqual(got, want) {
			t.Fatalf("group %d: invalid high samples:\ngot= %v\nwant=%v", g, got, want)
		}
	}
}
