// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sisfadc is the driver for the Struck SIS3300 and SIS3301 flash
// ADC cards.
//
// Both cards hold 8 channels in 4 memory banks of interleaved 32-bit words:
// bank g holds channel 2g in the upper half of each word and channel 2g+1
// in the lower half.
package sisfadc // import "github.com/go-lpc/gtr/sisfadc"

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/acq"
	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/ring"
	"github.com/go-lpc/gtr/vme"
)

// A32 registers.
const (
	regCSR             = 0x00000000
	regModID           = 0x00000004
	regIntConfig       = 0x00000008
	regIntControl      = 0x0000000c
	regAcqCSR          = 0x00000010
	regStopDelay       = 0x00000018
	regReset           = 0x00000020
	regStart           = 0x00000030
	regStop            = 0x00000034
	regEventConfig     = 0x00100000
	regMaxEvents       = 0x0010002C
	regTriggerEventDir = 0x00101000
	regReadEventConfig = 0x00200000
	regBank1Address    = 0x00200008
	regBank2Address    = 0x0020000C
	regEventCounter    = 0x00200010
	regReadMaxEvents   = 0x0020002C
	regReadEventDir    = 0x00201000
)

const (
	winSize     = 0x01000000
	memoryStart = 0x00400000
	bankBytes   = 0x00080000
	bankSize    = bankBytes / 4 // words
	nBanks      = 4

	gateBit = 0x8000
)

// Type is a model of the SIS330x family.
type Type int

const (
	SIS3300 Type = iota
	SIS3301_65
	SIS3301_80
	SIS3301_105
)

type typeInfo struct {
	name   string
	clocks []string
	srcs   []uint32 // clock sources, indexed like clocks
	mask   uint32
}

var types = [...]typeInfo{
	SIS3300: {
		name:   "sisType3300",
		clocks: clocks3300,
		srcs:   []uint32{0x0000, 0x1000, 0x2000, 0x3000, 0x4000, 0x5000, 0x6000, 0x7000, 0x0800},
		mask:   0x0fff,
	},
	SIS3301_65: {
		name:   "sisType3301_65",
		clocks: []string{"50 MHz", "25 MHz", "extClock", "P2-Clock", "Random"},
		srcs:   []uint32{0x1000, 0x2000, 0x6000, 0x7000, 0x1800},
		mask:   0x3fff,
	},
	SIS3301_80: {
		name:   "sisType3301_80",
		clocks: []string{"80 MHz", "40 MHz", "20 MHz", "extClock", "P2-Clock", "Random"},
		srcs:   []uint32{0x0000, 0x1000, 0x2000, 0x6000, 0x7000, 0x0800},
		mask:   0x3fff,
	},
	SIS3301_105: {
		name:   "sisType3301_105",
		clocks: []string{"100 MHz", "50 MHz", "25 MHz", "extClock", "P2-Clock", "Random"},
		srcs:   []uint32{0x0000, 0x1000, 0x2000, 0x6000, 0x7000, 0x0800},
		mask:   0x3fff,
	},
}

var clocks3300 = []string{
	"100 MHz", "50 MHz", "25 MHz", "12.5 MHz", "6.25 MHz", "3.125 MHz",
	"extClock", "P2-Clock", "Random",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(types) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return types[t].name
}

// Mask returns the data mask of the model.
func (t Type) Mask() uint32 { return types[t].mask }

const (
	triggerSoft = iota
	triggerFPSS
	triggerP2SS
	triggerFPGate
)

var (
	triggerChoices = []string{"soft", "FP start/stop", "P2 start/stop", "FP gate"}
	triggerMasks   = []uint32{0x000, 0x100, 0x200, 0x500}

	multiEventChoices = []string{"1", "8", "32", "64", "128", "256", "512", "1024"}
	numberEvents      = []int{1, 8, 32, 64, 128, 256, 512, 1024}

	preAverageChoices = []string{"1", "2", "4", "8", "16", "32", "64", "128"}
)

// Config describes the installation of a card in a crate.
type Config struct {
	Card       int
	ClockSpeed int    // MHz: 100 for a SIS3300; 65, 80 or 105 for a SIS3301
	Memory     uint32 // A32 base address, a multiple of 0x01000000
	Vector     int
	Level      int
	DMA        bool
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger of the device.
func WithLogger(msg *log.Logger) Option {
	return func(dev *Device) {
		dev.msg = msg
	}
}

// Device is a SIS3300 or SIS3301 card.
type Device struct {
	msg  *log.Logger
	cfg  Config
	typ  Type
	name string

	a32  *vme.Window
	irq  vme.Interrupts
	dma  *dma.Transfer
	ring *ring.Reader
	acq  *acq.Machine

	trigger    int32
	multi      int
	preAverage int
	pts        int
	pps        int
	pte        int
}

// Configure probes the card described by cfg and registers it.
func Configure(reg *gtr.Registry, bus vme.Bus, cfg Config, opts ...Option) (_ *Device, err error) {
	if _, dup := reg.Find(cfg.Card); dup {
		return nil, fmt.Errorf("sisfadc: card %d is already configured: %w", cfg.Card, gtr.ErrDuplicate)
	}
	if cfg.Memory&0x00ffffff != 0 {
		return nil, fmt.Errorf("sisfadc: illegal A32 offset 0x%x, must be a multiple of 0x01000000: %w", cfg.Memory, gtr.ErrInvalid)
	}

	a32, err := bus.Map(dma.A32, cfg.Memory, winSize)
	if err != nil {
		return nil, fmt.Errorf("sisfadc: could not map A32 window: %w", err)
	}
	defer func() {
		if err != nil {
			_ = a32.Close()
		}
	}()

	dev := &Device{
		msg: log.New(os.Stdout, "sisfadc: ", 0),
		cfg: cfg,
		a32: a32,
		irq: bus,
	}
	for _, opt := range opts {
		opt(dev)
	}

	id := a32.R32(regModID)
	if err := a32.Err(); err != nil {
		return nil, fmt.Errorf("sisfadc: no card at 0x%x: %w", cfg.Memory, err)
	}
	switch id >> 16 {
	case 0x3300:
		dev.typ = SIS3300
		dev.name = "sis3300"
		if cfg.ClockSpeed != 100 {
			dev.msg.Printf("clock speed %d MHz != 100 MHz for a SIS3300", cfg.ClockSpeed)
		}
	case 0x3301:
		switch cfg.ClockSpeed {
		case 65:
			dev.typ = SIS3301_65
		case 80:
			dev.typ = SIS3301_80
		case 105:
			dev.typ = SIS3301_105
		default:
			return nil, fmt.Errorf("sisfadc: illegal clock speed %d for a SIS3301: %w", cfg.ClockSpeed, gtr.ErrInvalid)
		}
		dev.name = fmt.Sprintf("sis3301-%d", cfg.ClockSpeed)
	default:
		return nil, fmt.Errorf("sisfadc: illegal module ID 0x%08x: %w", id, gtr.ErrInvalid)
	}

	a32.W32(regReset, 1)
	if err := dev.check("reset card"); err != nil {
		return nil, err
	}

	ropts := []ring.Option{
		ring.WithMask(dev.typ.Mask()),
		ring.WithLogger(dev.msg),
	}
	if cfg.DMA {
		dev.dma, err = bus.DMA().Create(nil, nil)
		if err != nil {
			dev.msg.Printf("DMA requested, but not available: %+v", err)
			dev.dma = nil
		}
	}
	if dev.dma != nil {
		ropts = append(ropts,
			ring.WithDMA(dev.dma, cfg.Memory, 0),
			ring.WithFallback(),
		)
	}
	dev.ring = ring.NewReader(a32, ropts...)
	dev.acq = acq.New(acq.WithLogger(dev.msg))

	err = reg.Register(cfg.Card, dev.name, dev)
	if err != nil {
		_ = dev.acq.Close()
		return nil, err
	}
	return dev, nil
}

// Close stops the interrupt worker and releases the bus window.
func (dev *Device) Close() error {
	err := dev.acq.Close()
	if err != nil {
		return fmt.Errorf("sisfadc: could not stop acquisition worker: %w", err)
	}
	err = dev.a32.Close()
	if err != nil {
		return fmt.Errorf("sisfadc: could not close A32 window: %w", err)
	}
	return nil
}

// Type returns the model of the card.
func (dev *Device) Type() Type { return dev.typ }

func (dev *Device) Name() string { return dev.name }

func (dev *Device) r32(off int64) uint32    { return dev.a32.R32(off) }
func (dev *Device) w32(off int64, v uint32) { dev.a32.W32(off, v) }

func (dev *Device) check(op string) error {
	err := dev.a32.Err()
	if err != nil {
		return fmt.Errorf("sisfadc: could not %s: %w", op, err)
	}
	return nil
}

// guard rejects parameter modifications while armed or rebooting.
func (dev *Device) guard() error {
	if dev.acq.Rebooting() {
		return acq.ErrRebooting
	}
	return acq.Guard(dev.acq.Armed())
}

func (dev *Device) gated() bool {
	return atomic.LoadInt32(&dev.trigger) == triggerFPGate
}

func (dev *Device) Init() error {
	err := dev.irq.Connect(dev.cfg.Vector, dev.interrupt)
	if err != nil {
		return fmt.Errorf("sisfadc: could not connect interrupt: %w", err)
	}
	err = dev.irq.EnableLevel(dev.cfg.Level)
	if err != nil {
		dev.msg.Printf("could not enable interrupt level %d: %+v", dev.cfg.Level, err)
	}
	dev.w32(regReset, 1)
	dev.w32(regIntConfig, 0x00001800|uint32(dev.cfg.Level)<<8|uint32(dev.cfg.Vector))
	dev.w32(regCSR, 0x00000001) // user LED
	return dev.check("initialize card")
}

func (dev *Device) Report(w io.Writer, level int) {
	fmt.Fprintf(
		w, "%s card %d a32 0x%x intVec %2.2x intLev %d\n",
		dev.name, dev.cfg.Card, dev.cfg.Memory, dev.cfg.Vector, dev.cfg.Level,
	)
	if level < 1 {
		return
	}
	fmt.Fprintf(
		w, "    CSR %8.8x MODID %8.8x INTCONFIG %8.8x INTCONTROL %8.8x ACQCSR %8.8x\n",
		dev.r32(regCSR), dev.r32(regModID), dev.r32(regIntConfig),
		dev.r32(regIntControl), dev.r32(regAcqCSR),
	)
	fmt.Fprintf(
		w, "   EVENTCONFIG %8.8x  STOPDELAY %d MAXEVENTS %d\n",
		dev.r32(regReadEventConfig), dev.r32(regStopDelay), dev.r32(regReadMaxEvents),
	)
	if err := dev.check("report"); err != nil {
		fmt.Fprintf(w, "%+v\n", err)
	}
}

// interrupt runs in interrupt context.
// Register errors are logged, not recorded for the next check.
func (dev *Device) interrupt() {
	for _, reg := range []struct {
		off int64
		v   uint32
	}{
		{regAcqCSR, 0x000f0000},
		{regIntControl, 0x00ff0000},
	} {
		err := dev.a32.Write32(reg.off, reg.v)
		if err != nil {
			dev.msg.Printf("card %d: could not acknowledge interrupt: %+v", dev.cfg.Card, err)
		}
	}
	if dev.acq.Rebooting() {
		return
	}
	if dev.acq.Mode() == gtr.Disarm {
		return
	}
	if !dev.acq.Interrupt() {
		dev.msg.Printf("card %d: dropped data-ready notification", dev.cfg.Card)
	}
}

// Reboot resets the card and suppresses further notifications.
func (dev *Device) Reboot() error {
	dev.acq.Reboot()
	dev.w32(regReset, 1)
	return dev.check("reset card")
}

func (dev *Device) RegisterHandler(h gtr.Handler) error {
	dev.acq.Register(h)
	return nil
}

var (
	_ gtr.Initer            = (*Device)(nil)
	_ gtr.Reporter          = (*Device)(nil)
	_ gtr.Clocker           = (*Device)(nil)
	_ gtr.Triggerer         = (*Device)(nil)
	_ gtr.MultiEventer      = (*Device)(nil)
	_ gtr.PreAverager       = (*Device)(nil)
	_ gtr.PTSSetter         = (*Device)(nil)
	_ gtr.PPSSetter         = (*Device)(nil)
	_ gtr.PTESetter         = (*Device)(nil)
	_ gtr.Armer             = (*Device)(nil)
	_ gtr.SoftTriggerer     = (*Device)(nil)
	_ gtr.MemoryReader      = (*Device)(nil)
	_ gtr.RawMemoryReader   = (*Device)(nil)
	_ gtr.Limiter           = (*Device)(nil)
	_ gtr.HandlerRegisterer = (*Device)(nil)
	_ gtr.Channeler         = (*Device)(nil)
	_ gtr.RawChanneler      = (*Device)(nil)
	_ gtr.ClockChooser      = (*Device)(nil)
	_ gtr.ArmChooser        = (*Device)(nil)
	_ gtr.TriggerChooser    = (*Device)(nil)
	_ gtr.MultiEventChooser = (*Device)(nil)
	_ gtr.PreAverageChooser = (*Device)(nil)
	_ gtr.Namer             = (*Device)(nil)
	_ gtr.Rebooter          = (*Device)(nil)
)
