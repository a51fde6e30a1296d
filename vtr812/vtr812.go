// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vtr812 is the driver for the Joerger VTR812 transient recorders,
// 8-channel cards with 8-bit control registers.
//
// Like the VTR10012 family, the channels are organized in 4 memory groups
// of interleaved 32-bit words: group g holds channel g in the lower half of
// each word and channel g+4 in the upper half.
package vtr812 // import "github.com/go-lpc/gtr/vtr812"

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
	regIntStatusID  = 0x09
	regIRQLevel     = 0x0B
	regCSR3         = 0x0D
	regID           = 0x0F
	regCSR1         = 0x21
	regCSR2         = 0x23
	regDisarm       = 0x25
	regLBGDR        = 0x27 // gate duration
	regMBGDR        = 0x29
	regHBGDR        = 0x2B
	regSoftTrigger  = 0x2D
	regResetMLC     = 0x2F
	regLBMLC        = 0x31 // memory location counter
	regMBMLC        = 0x33
	regHBMLC        = 0x35
	regLBPMemS      = 0x37 // pre/post memory segment address
	regMBPMemS      = 0x39
	regHBPMemS      = 0x3B
	regPmemCounter  = 0x3D
	regMultiPrePost = 0x3F
)

// CSR2 bits.
const (
	csrExtClock = 0x01
	csrGate     = 0x02
	csrExt      = 0x04
	csrCircular = 0x30
	csrArm      = 0x40
)

const (
	a16Size   = 0x100
	memSize   = 0x01000000
	groupSize = 0x00400000 // bytes
	nGroups   = 4
	dataMask  = 0x0fff
)

// memorySizes are the channel sizes, in samples, of the ID memory codes.
var memorySizes = [8]int{
	0x20000, 0x40000, 0x80000, 0x100000,
	0x200000, 0x400000, 0x800000, 0,
}

// Type is a model of the VTR812 family.
type Type int

const (
	VTR812_10 Type = iota
	VTR812_40
)

var typeNames = [...]string{"VTR812/10", "VTR812/40"}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// typeFrom decodes the model bits of the ID register.
func typeFrom(id uint8) (Type, error) {
	switch id & 0x07 {
	case 5:
		return VTR812_10, nil
	case 6:
		return VTR812_40, nil
	}
	return 0, fmt.Errorf("vtr812: ID %x not a VTR812/10 or VTR812/40: %w", id, gtr.ErrInvalid)
}

var clockChoices = [...][]string{
	VTR812_10: {
		"10 MHz", "5 MHz", "2.5 MHz", "1 MHz",
		"500 KHz", "250 KHz", "125 KHz", "62.5 KHz",
		"Ext", "Ext/2", "Ext/4", "Ext/10",
		"Ext/20", "Ext/40", "Ext/80", "Ext/160",
	},
	VTR812_40: {
		"40 MHz", "20 MHz", "10 MHz", "4 MHz",
		"2 MHz", "1 MHz", "0.5 MHz", "0.25 MHz",
		"Ext", "Ext/2", "Ext/4", "Ext/10",
		"Ext/20", "Ext/40", "Ext/80", "Ext/160",
	},
}

const (
	triggerSoft = iota
	triggerExt
	triggerGate
)

var (
	triggerChoices = []string{"soft", "extTrigger", "extGate"}

	multiEventChoices = []string{"1", "2", "4", "8", "16"}
	noMultiEvent      = []string{"no option"}
	numberEvents      = []int{1, 2, 4, 8, 16}
)

// Config describes the installation of a card in a crate.
// The interrupt level is read from the card.
type Config struct {
	Card   int    // logical card index
	A16    uint32 // A16 base address, a multiple of 0x100
	Memory uint32 // A32 memory base address, a multiple of 0x01000000
	Vector int    // interrupt vector
	DMA    bool   // read memory with the DMA engine of the bus
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

// Device is a VTR812 card.
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

	level        int
	size         int  // samples per channel
	multiPrePost bool // multi-event pre/post-trigger option installed

	trigger int
	multi   int   // multi-event choice
	nevents int32 // shared with the interrupt handler
	pts     int
	pps     int
	pte     int32 // shared with the interrupt handler
	ntrig   int32 // post-trigger interrupts since arm
}

// Configure probes the card described by cfg and registers it.
func Configure(reg *gtr.Registry, bus vme.Bus, cfg Config, opts ...Option) (_ *Device, err error) {
	if _, dup := reg.Find(cfg.Card); dup {
		return nil, fmt.Errorf("vtr812: card %d is already configured: %w", cfg.Card, gtr.ErrDuplicate)
	}
	if cfg.A16&0xff00 != cfg.A16 {
		return nil, fmt.Errorf("vtr812: illegal A16 offset 0x%x, must be a multiple of 0x100: %w", cfg.A16, gtr.ErrInvalid)
	}
	if cfg.Memory&0xff000000 != cfg.Memory {
		return nil, fmt.Errorf("vtr812: illegal memory offset 0x%x, must be a multiple of 0x01000000: %w", cfg.Memory, gtr.ErrInvalid)
	}

	a16, err := bus.Map(dma.A16, cfg.A16, a16Size)
	if err != nil {
		return nil, fmt.Errorf("vtr812: could not map A16 registers: %w", err)
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
		msg:     log.New(os.Stdout, "vtr812: ", 0),
		cfg:     cfg,
		a16:     a16,
		irq:     bus,
		pte:     1,
		nevents: 1,
	}
	for _, opt := range opts {
		opt(dev)
	}

	id := a16.R8(regID)
	if err := a16.Err(); err != nil {
		return nil, fmt.Errorf("vtr812: no card at 0x%x: %w", cfg.A16, err)
	}
	dev.typ, err = typeFrom(id)
	if err != nil {
		return nil, err
	}
	code := (id >> 3) & 0x07
	dev.size = memorySizes[code]
	if dev.size == 0 {
		return nil, fmt.Errorf("vtr812: unknown memory size code %d: %w", code, gtr.ErrInvalid)
	}

	dev.level = int(a16.R8(regIRQLevel) & 0x07)
	a16.W8(regIRQLevel, uint8(dev.level))

	dev.multiPrePost = true
	for i := uint8(0); i < 4; i++ {
		a16.W8(regMultiPrePost, i)
		if a16.R8(regMultiPrePost) != i {
			dev.multiPrePost = false
			break
		}
	}
	if err := dev.check("probe multi-event option"); err != nil {
		return nil, err
	}

	if cfg.DMA {
		dev.dma, err = bus.DMA().Create(nil, nil)
		if err != nil {
			dev.msg.Printf("DMA requested, but not available: %+v", err)
			dev.dma = nil
		}
	}

	mem, err = bus.Map(dma.A32, cfg.Memory, memSize)
	if err != nil {
		return nil, fmt.Errorf("vtr812: could not map %v memory: %w", dev.typ, err)
	}
	dev.mem = mem

	ropts := []ring.Option{
		ring.WithMask(dataMask),
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
		return fmt.Errorf("vtr812: could not stop acquisition worker: %w", err)
	}
	err = dev.mem.Close()
	if err != nil {
		return fmt.Errorf("vtr812: could not close memory window: %w", err)
	}
	err = dev.a16.Close()
	if err != nil {
		return fmt.Errorf("vtr812: could not close register window: %w", err)
	}
	return nil
}

// Type returns the model of the card.
func (dev *Device) Type() Type { return dev.typ }

func (dev *Device) Name() string { return dev.typ.String() }

func (dev *Device) r8(off int64) uint8    { return dev.a16.R8(off) }
func (dev *Device) w8(off int64, v uint8) { dev.a16.W8(off, v) }

func (dev *Device) armed() bool {
	return dev.r8(regCSR2)&csrArm != 0
}

// check reports the register access errors of an operation.
func (dev *Device) check(op string) error {
	err := dev.a16.Err()
	if err != nil {
		return fmt.Errorf("vtr812: could not %s: %w", op, err)
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
		return fmt.Errorf("vtr812: could not connect interrupt: %w", err)
	}
	err = dev.irq.EnableLevel(dev.level)
	if err != nil {
		dev.msg.Printf("could not enable interrupt level %d: %+v", dev.level, err)
	}
	dev.w8(regCSR3, 0x05)
	dev.w8(regIntStatusID, uint8(dev.cfg.Vector))
	return dev.check("initialize card")
}

func (dev *Device) Report(w io.Writer, level int) {
	multi := "no"
	if dev.multiPrePost {
		multi = "yes"
	}
	fmt.Fprintf(
		w, "%v card %d a16 0x%x memory 0x%x intVec %2.2x intLev %d multiPrePost %s\n",
		dev.typ, dev.cfg.Card, dev.cfg.A16, dev.cfg.Memory,
		dev.cfg.Vector, dev.level, multi,
	)
	if level < 1 {
		return
	}
	fmt.Fprintf(
		w, "    CSR1 %2.2x CSR2 %2.2x CSR3 %2.2x MLC %x GDR %x PMEMCOUNTER %d\n",
		dev.r8(regCSR1), dev.r8(regCSR2), dev.r8(regCSR3),
		dev.location(), dev.read24(regLBGDR, regMBGDR, regHBGDR),
		dev.r8(regPmemCounter),
	)
	if err := dev.check("report"); err != nil {
		fmt.Fprintf(w, "%+v\n", err)
	}
}

// Reboot disables the card interrupts and suppresses further notifications.
func (dev *Device) Reboot() error {
	dev.acq.Reboot()
	dev.w8(regCSR3, 0x05)
	return dev.check("disable interrupts")
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
	switch mode {
	case gtr.PostTrigger:
		if atomic.AddInt32(&dev.ntrig, 1) < atomic.LoadInt32(&dev.pte) {
			return
		}
	case gtr.PrePostTrigger:
		if n := atomic.LoadInt32(&dev.nevents); n > 1 {
			v, err := dev.a16.Read8(regPmemCounter)
			if err != nil {
				dev.msg.Printf("card %d: could not read event counter: %+v", dev.cfg.Card, err)
				return
			}
			if int32(v) < n {
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
	err := dev.a16.Write8(regDisarm, 1)
	if err != nil {
		dev.msg.Printf("card %d: could not disarm: %+v", dev.cfg.Card, err)
	}
}

func (dev *Device) write24(lo, mid, hi int64, v uint32) {
	dev.w8(hi, uint8(v>>16))
	dev.w8(mid, uint8(v>>8))
	dev.w8(lo, uint8(v))
}

func (dev *Device) read24(lo, mid, hi int64) uint32 {
	var (
		h = uint32(dev.r8(hi))
		m = uint32(dev.r8(mid))
		l = uint32(dev.r8(lo))
	)
	return h<<16 | m<<8 | l
}

func (dev *Device) writeLocation(v uint32) {
	dev.write24(regLBMLC, regMBMLC, regHBMLC, v)
}

// location returns the index of the last sample written.
func (dev *Device) location() uint32 {
	return dev.read24(regLBMLC, regMBMLC, regHBMLC)
}

func (dev *Device) writeGate(v uint32) {
	dev.write24(regLBGDR, regMBGDR, regHBGDR, v)
}

// segment returns the index of the last sample written for the event
// selected by the pre/post memory counter.
func (dev *Device) segment() uint32 {
	return dev.read24(regLBPMemS, regMBPMemS, regHBPMemS)
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
	_ gtr.Limiter           = (*Device)(nil)
	_ gtr.HandlerRegisterer = (*Device)(nil)
	_ gtr.Channeler         = (*Device)(nil)
	_ gtr.ClockChooser      = (*Device)(nil)
	_ gtr.ArmChooser        = (*Device)(nil)
	_ gtr.TriggerChooser    = (*Device)(nil)
	_ gtr.MultiEventChooser = (*Device)(nil)
	_ gtr.Namer             = (*Device)(nil)
	_ gtr.Rebooter          = (*Device)(nil)
)
