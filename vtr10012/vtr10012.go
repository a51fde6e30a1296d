// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vtr10012 is the driver for the Joerger VTR10012 family of
// transient recorders: VTR10012, VTR10012_8, VTR8014 and VTR10014.
//
// The 8 channels are organized in 4 memory groups of interleaved 32-bit
// words: group g holds channel g in the lower half of each word and
// channel g+4 in the upper half.
package vtr10012 // import "github.com/go-lpc/gtr/vtr10012"

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/acq"
	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/ring"
	"github.com/go-lpc/gtr/vme"
)

// A16 registers.
const (
	regReset      = 0x00
	regStatus     = 0x02
	regControl    = 0x04
	regIntStatus  = 0x06
	regIntSetup   = 0x08
	regClock      = 0x0A
	regID         = 0x0C
	regMulPrePost = 0x0E
	regTrigger    = 0x10
	regArm        = 0x12
	regDisarm     = 0x14
	regResetIRQ   = 0x16
	regA32Base    = 0x1C
	regHGDR       = 0x20 // gate duration
	regLGDR       = 0x22
	regHMLC       = 0x24 // memory location counter
	regLMLC       = 0x26
	regCPTCCDarm  = 0x30
	regCPTCC      = 0x32 // post-trigger cycle counter
	regTCounter   = 0x34 // trigger counter FIFO
)

const (
	a16Size   = 0x100
	memSize   = 0x01000000
	groupSize = 0x00400000 // bytes
	nGroups   = 4

	nSamples10012_8 = 0x400
)

// Type is a model of the VTR10012 family.
type Type int

const (
	VTR10012 Type = iota
	VTR10012_8
	VTR8014
	VTR10014
)

var typeNames = [...]string{"VTR10012", "VTR10012_8", "VTR8014", "VTR10014"}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// Mask returns the data mask of the model.
func (t Type) Mask() uint32 {
	switch t {
	case VTR8014, VTR10014:
		return 0x3fff
	default:
		return 0x0fff
	}
}

// typeFrom decodes the ID register.
func typeFrom(id uint16) (Type, error) {
	switch id >> 10 {
	case 7:
		return VTR10012, nil
	case 8:
		return VTR10012_8, nil
	case 9:
		return VTR8014, nil
	case 10:
		return VTR10014, nil
	}
	return 0, fmt.Errorf("vtr10012: ID %x not a VTR10012, VTR10012_8, VTR8014 or VTR10014: %w", id>>10, gtr.ErrInvalid)
}

type clockTable struct {
	names  []string
	values []uint16
}

var clocks = [...]clockTable{
	VTR10012:   clock10012,
	VTR10012_8: clock10012,
	VTR8014: {
		names:  []string{"80 MHz", "40 MHz", "Ext", "Ext/2"},
		values: []uint16{0x0, 0x1, 0x8, 0x9},
	},
	VTR10014: {
		names:  []string{"100 MHz", "50 MHz", "Ext", "Ext/2"},
		values: []uint16{0x0, 0x1, 0x8, 0x9},
	},
}

var clock10012 = clockTable{
	names: []string{
		"100 MHz", "50 MHz", "25 MHz", "10 MHz",
		"5 MHz", "2.5 MHz", "1 MHz",
		"Ext", "Ext/2", "Ext/4", "Ext/10",
		"Ext/20", "Ext/40", "Ext/100",
	},
	values: []uint16{
		0x0, 0x1, 0x2, 0x3,
		0x4, 0x5, 0x6,
		0x8, 0x9, 0xa, 0xb,
		0xc, 0xd, 0xe,
	},
}

const (
	triggerSoft = iota
	triggerExt
	triggerGate
)

var (
	triggerChoices = []string{"soft", "extTrigger", "extGate"}
	triggerMasks   = []uint16{0x0001, 0x0002, 0x0020}

	multiEventChoices = []string{"1", "2", "4", "8", "16"}
	numberEvents      = []int{1, 2, 4, 8, 16}
)

// Config describes the installation of a card in a crate.
type Config struct {
	Card        int    // logical card index
	A16         uint32 // A16 base address, a multiple of 0x100
	Memory      uint32 // A32 memory base address, a multiple of 0x01000000
	Vector      int    // interrupt vector
	Level       int    // interrupt level
	DMA         bool   // read memory with the DMA engine of the bus
	Channels    int    // number of channels (default: 8)
	KiloSamples int    // samples per channel, in units of 1024 (default: 256)
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger of the device.
func WithLogger(msg *log.Logger) Option {
	return func(dev *Device) {
		dev.msg = msg
	}
}

// WithTimeout bounds the DMA transfers of the device.
func WithTimeout(d time.Duration) Option {
	return func(dev *Device) {
		dev.timeout = d
	}
}

// Device is a VTR10012 family card.
type Device struct {
	msg *log.Logger
	cfg Config
	typ Type

	a16  *vme.Window
	mem  *vme.Window
	irq  vme.Interrupts
	dma  *dma.Transfer
	ring *ring.Reader
	acq  *acq.Machine

	timeout time.Duration

	nchans int
	size   int // samples per channel

	trigger int
	multi   int   // multi-event choice
	nevents int32 // shared with the interrupt handler
	pts     int
	pps     int
	pte     int32 // shared with the interrupt handler
}

// Configure probes the card described by cfg and registers it.
func Configure(reg *gtr.Registry, bus vme.Bus, cfg Config, opts ...Option) (_ *Device, err error) {
	if _, dup := reg.Find(cfg.Card); dup {
		return nil, fmt.Errorf("vtr10012: card %d is already configured: %w", cfg.Card, gtr.ErrDuplicate)
	}
	if cfg.A16&0xff00 != cfg.A16 {
		return nil, fmt.Errorf("vtr10012: illegal A16 offset 0x%x, must be a multiple of 0x100: %w", cfg.A16, gtr.ErrInvalid)
	}
	if cfg.Memory&0xff000000 != cfg.Memory {
		return nil, fmt.Errorf("vtr10012: illegal memory offset 0x%x, must be a multiple of 0x01000000: %w", cfg.Memory, gtr.ErrInvalid)
	}

	a16, err := bus.Map(dma.A16, cfg.A16, a16Size)
	if err != nil {
		return nil, fmt.Errorf("vtr10012: could not map A16 registers: %w", err)
	}
	var mem *vme.Window
	defer func() {
		if err == nil {
			return
		}
		if mem != nil {
			_ = mem.Close()
		}
		_ = a16.Close()
	}()

	dev := &Device{
		msg:     log.New(os.Stdout, "vtr10012: ", 0),
		cfg:     cfg,
		a16:     a16,
		irq:     bus,
		nchans:  cfg.Channels,
		size:    cfg.KiloSamples * 1024,
		pte:     1,
		nevents: 1,
	}
	for _, opt := range opts {
		opt(dev)
	}
	if dev.nchans == 0 {
		dev.nchans = 8
	}
	if dev.size == 0 {
		dev.size = 256 * 1024
	}

	id := a16.R16(regID)
	if err := a16.Err(); err != nil {
		return nil, fmt.Errorf("vtr10012: no card at 0x%x: %w", cfg.A16, err)
	}
	dev.typ, err = typeFrom(id)
	if err != nil {
		return nil, err
	}

	if cfg.DMA {
		dev.dma, err = bus.DMA().Create(nil, nil)
		if err != nil {
			dev.msg.Printf("DMA requested, but not available: %+v", err)
			dev.dma = nil
		}
	}
	if dev.typ == VTR10012_8 {
		if dev.dma == nil {
			return nil, fmt.Errorf("vtr10012: DMA is not available but %v requires it: %w", dev.typ, dma.ErrUnavailable)
		}
		dev.pts = nSamples10012_8
	}

	mem, err = bus.Map(dma.A32, cfg.Memory, memSize)
	if err != nil {
		return nil, fmt.Errorf("vtr10012: could not map %v memory: %w", dev.typ, err)
	}
	dev.mem = mem

	ropts := []ring.Option{
		ring.WithMask(dev.typ.Mask()),
		ring.WithLogger(dev.msg),
	}
	if dev.dma != nil {
		ropts = append(ropts,
			ring.WithDMA(dev.dma, cfg.Memory, 0),
			ring.WithTimeout(dev.timeout),
		)
	}
	dev.ring = ring.NewReader(dev.mem, ropts...)
	dev.acq = acq.New(acq.WithLogger(dev.msg))

	err = reg.Register(cfg.Card, dev.Name(), dev)
	if err != nil {
		_ = dev.acq.Close()
		return nil, err
	}
	return dev, nil
}

// Close stops the interrupt worker and releases the bus windows.
func (dev *Device) Close() error {
	err := dev.acq.Close()
	if err != nil {
		return fmt.Errorf("vtr10012: could not stop acquisition worker: %w", err)
	}
	err = dev.mem.Close()
	if err != nil {
		return fmt.Errorf("vtr10012: could not close memory window: %w", err)
	}
	err = dev.a16.Close()
	if err != nil {
		return fmt.Errorf("vtr10012: could not close register window: %w", err)
	}
	return nil
}

// Type returns the model of the card.
func (dev *Device) Type() Type { return dev.typ }

func (dev *Device) Name() string { return dev.typ.String() }

func (dev *Device) r16(off int64) uint16    { return dev.a16.R16(off) }
func (dev *Device) w16(off int64, v uint16) { dev.a16.W16(off, v) }

func (dev *Device) armed() bool {
	return dev.r16(regStatus)&0x01 != 0
}

// check reports the register access errors of an operation.
func (dev *Device) check(op string) error {
	err := dev.a16.Err()
	if err != nil {
		return fmt.Errorf("vtr10012: could not %s: %w", op, err)
	}
	return nil
}

// guard rejects parameter modifications while armed or rebooting.
func (dev *Device) guard() error {
	if dev.acq.Rebooting() {
		return acq.ErrRebooting
	}
	err := acq.Guard(dev.armed())
	if err != nil {
		return err
	}
	return dev.check("read status")
}

func (dev *Device) Init() error {
	err := dev.irq.Connect(dev.cfg.Vector, dev.interrupt)
	if err != nil {
		return fmt.Errorf("vtr10012: could not connect interrupt: %w", err)
	}
	err = dev.irq.EnableLevel(dev.cfg.Level)
	if err != nil {
		return fmt.Errorf("vtr10012: could not enable interrupt level: %w", err)
	}
	dev.w16(regReset, 1)
	dev.w16(regIntStatus, uint16(dev.cfg.Vector))
	dev.w16(regIntSetup, uint16(dev.cfg.Level))
	dev.w16(regA32Base, uint16(dev.cfg.Memory>>24))
	return dev.check("initialize card")
}

func (dev *Device) Report(w io.Writer, level int) {
	fmt.Fprintf(
		w, "%v card %d a16 0x%x memory 0x%x intVec %2.2x intLev %d\n",
		dev.typ, dev.cfg.Card, dev.cfg.A16, dev.cfg.Memory,
		dev.cfg.Vector, dev.cfg.Level,
	)
	if level < 1 {
		return
	}
	fmt.Fprintf(
		w, "Status:%4.4X       Control:%4.4X   Clock Setup:%4.4X\n",
		dev.r16(regStatus), dev.r16(regControl), dev.r16(regClock),
	)
	fmt.Fprintf(w, "Gate Duration:%d\n", dev.gate())
	if err := dev.check("report"); err != nil {
		fmt.Fprintf(w, "%+v\n", err)
	}
}

// Reboot disarms the card and suppresses further notifications.
func (dev *Device) Reboot() error {
	dev.acq.Reboot()
	dev.w16(regReset, 1)
	return dev.check("reset card")
}

func (dev *Device) RegisterHandler(h gtr.Handler) error {
	dev.acq.Register(h)
	return nil
}

// interrupt runs in interrupt context.
// Register errors are logged, not recorded for the next check.
func (dev *Device) interrupt() {
	mode := dev.acq.Mode()
	if dev.acq.Rebooting() || mode == gtr.Disarm {
		dev.disarmIRQ()
		return
	}
	if dev.typ != VTR10012_8 {
		v, err := dev.a16.Read16(regCPTCC)
		if err != nil {
			dev.msg.Printf("card %d: could not read cycle counter: %+v", dev.cfg.Card, err)
			return
		}
		cnt := int32(v)
		switch mode {
		case gtr.PostTrigger:
			if cnt < atomic.LoadInt32(&dev.pte) {
				return
			}
		case gtr.PrePostTrigger:
			if cnt < atomic.LoadInt32(&dev.nevents) {
				return
			}
		}
	}
	dev.disarmIRQ()
	if !dev.acq.Interrupt() {
		dev.msg.Printf("card %d: dropped data-ready notification", dev.cfg.Card)
	}
}

func (dev *Device) disarmIRQ() {
	err := dev.a16.Write16(regDisarm, 1)
	if err != nil {
		dev.msg.Printf("card %d: could not disarm: %+v", dev.cfg.Card, err)
	}
}

func (dev *Device) writeLocation(v uint32) {
	dev.w16(regHMLC, uint16(v>>16))
	dev.w16(regLMLC, uint16(v))
}

func (dev *Device) location() uint32 {
	hi := uint32(dev.r16(regHMLC))
	lo := uint32(dev.r16(regLMLC))
	return hi<<16 | lo
}

func (dev *Device) writeGate(v uint32) {
	dev.w16(regHGDR, uint16(v>>16))
	dev.w16(regLGDR, uint16(v))
}

func (dev *Device) gate() uint32 {
	hi := uint32(dev.r16(regHGDR))
	lo := uint32(dev.r16(regLGDR))
	return hi<<16 | lo
}

// triggerCounter returns the index of the last sample saved for the next
// event of the trigger counter FIFO.
func (dev *Device) triggerCounter() uint32 {
	if dev.typ == VTR10012_8 {
		return nSamples10012_8
	}
	hi := uint32(dev.r16(regTCounter))
	lo := uint32(dev.r16(regTCounter))
	return hi<<16 | lo
}

var (
	_ gtr.Initer            = (*Device)(nil)
	_ gtr.Reporter          = (*Device)(nil)
	_ gtr.Clocker           = (*Device)(nil)
	_ gtr.Triggerer         = (*Device)(nil)
	_ gtr.MultiEventer      = (*Device)(nil)
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
	_ gtr.Namer             = (*Device)(nil)
	_ gtr.Rebooter          = (*Device)(nil)
)
