// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vtr1012 is the driver for the Joerger VTR1012 transient recorder,
// a 4-channel card with 16-bit samples and 8-bit control registers, and for
// its single channel sibling, the VTR10010.
package vtr1012 // import "github.com/go-lpc/gtr/vtr1012"

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/acq"
	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/ring"
	"github.com/go-lpc/gtr/vme"
)

// A16 registers.
const (
	regCSR0    = 0x00 // CSR1, byte 0
	regCSR1    = 0x01 // CSR1, byte 1
	regMLRMid  = 0x02 // memory location
	regMLRLow  = 0x03
	regMLRHigh = 0x09
	regGDRMid  = 0x04 // gate duration
	regGDRLow  = 0x05
	regGDRHigh = 0x0B
	regIACK    = 0x0D
	regIACKLev = 0x0F
	regCSR2    = 0x11
	regID      = 0x13
)

// CSR1 byte 0 bits.
const (
	csrExtClock = 0x01
	csrGate     = 0x02
	csrExt      = 0x04
	csrArm      = 0x40
	csrArmMask  = 0x70
)

const (
	nChannels = 4 // VTR1012
	a16Size   = 0x100
	dataMask  = 0x0fff // VTR1012
)

// Type is a model sharing the VTR1012 register set.
type Type int

const (
	VTR1012 Type = iota
	VTR10010
)

type model struct {
	name   string
	nchans int
	mask   uint32
	clocks []string
}

var models = [...]model{
	VTR1012: {
		name:   "vtr1012",
		nchans: nChannels,
		mask:   dataMask,
		clocks: clockChoices,
	},
	VTR10010: {
		name:   "vtr10010",
		nchans: 1,
		mask:   0x03ff,
		clocks: []string{
			"100 Mhz", "50 Mhz", "25 Mhz", "12.5 Mhz",
			"6.25 Mhz", "3.125 Mhz", "1.5625 Mhz", ".78125 Mhz",
			"Ext", "Ext/2", "Ext/4", "Ext/8",
			"Ext/16", "Ext/32", "Ext/64", "Ext/128",
		},
	},
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(models) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return models[t].name
}

// memorySizes are the channel sizes, in samples, of the ID memory codes.
var memorySizes = [8]int{
	0x20000, 0x40000, 0x80000, 0x100000,
	0x200000, 0x400000, 0x800000, 0,
}

var (
	clockChoices = []string{
		"10 Mhz", "5 Mhz", "2.5 Mhz", "1.25 Mhz",
		".625 Mhz", "312.5 Khz", "156.25 Khz", "78.125 Khz",
		"Ext", "Ext/2", "Ext/4", "Ext/8",
		"Ext/16", "Ext/32", "Ext/64", "Ext/128",
	}
	triggerChoices = []string{"soft", "extTrigger", "extGate"}
)

const (
	triggerSoft = iota
	triggerExt
	triggerGate
)

// Config describes the installation of a card in a crate.
type Config struct {
	Type   Type
	Card   int
	A16    uint32 // A16 base address, a multiple of 0x100
	Memory uint32 // A32 memory base address, a multiple of 0x00200000
	Vector int    // interrupt vector
	Size   int    // samples per channel; 0 selects the size from the ID register
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger of the device.
func WithLogger(msg *log.Logger) Option {
	return func(dev *Device) {
		dev.msg = msg
	}
}

// Device is a VTR1012 or VTR10010 card.
type Device struct {
	msg *log.Logger
	cfg Config
	mdl model

	a16  *vme.Window
	mem  *vme.Window
	irq  vme.Interrupts
	ring *ring.Reader
	acq  *acq.Machine

	level int
	size  int

	mu   sync.Mutex // protects the CSR1 shadows
	csr0 uint8
	csr1 uint8

	prePost bool
	pts     int
	pps     int
	pte     int32
	ipte    int32 // post-trigger interrupts since arm
}

// Configure probes the card described by cfg and registers it.
func Configure(reg *gtr.Registry, bus vme.Bus, cfg Config, opts ...Option) (_ *Device, err error) {
	if cfg.Type < 0 || int(cfg.Type) >= len(models) {
		return nil, fmt.Errorf("vtr1012: invalid card type %d: %w", int(cfg.Type), gtr.ErrInvalid)
	}
	if _, dup := reg.Find(cfg.Card); dup {
		return nil, fmt.Errorf("vtr1012: card %d is already configured: %w", cfg.Card, gtr.ErrDuplicate)
	}
	if cfg.A16&0xff00 != cfg.A16 {
		return nil, fmt.Errorf("vtr1012: illegal A16 offset 0x%x, must be a multiple of 0x100: %w", cfg.A16, gtr.ErrInvalid)
	}
	if cfg.Memory&0xffe00000 != cfg.Memory {
		return nil, fmt.Errorf("vtr1012: illegal memory offset 0x%x, must be a multiple of 0x00200000: %w", cfg.Memory, gtr.ErrInvalid)
	}

	a16, err := bus.Map(dma.A16, cfg.A16, a16Size)
	if err != nil {
		return nil, fmt.Errorf("vtr1012: could not map A16 registers: %w", err)
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

	_ = a16.R8(regCSR0)
	if err := a16.Err(); err != nil {
		return nil, fmt.Errorf("vtr1012: no card at 0x%x: %w", cfg.A16, err)
	}

	dev := &Device{
		msg:  log.New(os.Stdout, models[cfg.Type].name+": ", 0),
		cfg:  cfg,
		mdl:  models[cfg.Type],
		a16:  a16,
		irq:  bus,
		size: cfg.Size,
		pte:  1,
	}
	for _, opt := range opts {
		opt(dev)
	}

	if dev.size <= 0 {
		code := (a16.R8(regID) >> 3) & 0x07
		dev.size = memorySizes[code]
		if dev.size == 0 {
			return nil, fmt.Errorf("vtr1012: unknown memory size code %d: %w", code, gtr.ErrInvalid)
		}
	}
	dev.level = int(a16.R8(regIACKLev))
	if err := dev.check("read interrupt level"); err != nil {
		return nil, err
	}

	mem, err = bus.Map(dma.A32, cfg.Memory, dev.size*2*dev.mdl.nchans)
	if err != nil {
		return nil, fmt.Errorf("vtr1012: could not map memory: %w", err)
	}
	dev.mem = mem
	dev.ring = ring.NewReader(dev.mem, ring.WithMask(dev.mdl.mask), ring.WithLogger(dev.msg))

	err = bus.Connect(cfg.Vector, dev.interrupt)
	if err != nil {
		return nil, fmt.Errorf("vtr1012: could not connect interrupt: %w", err)
	}

	dev.acq = acq.New(acq.WithLogger(dev.msg))
	err = reg.Register(cfg.Card, dev.mdl.name, dev)
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
		return fmt.Errorf("vtr1012: could not stop acquisition worker: %w", err)
	}
	err = dev.mem.Close()
	if err != nil {
		return fmt.Errorf("vtr1012: could not close memory window: %w", err)
	}
	err = dev.a16.Close()
	if err != nil {
		return fmt.Errorf("vtr1012: could not close register window: %w", err)
	}
	return nil
}

// Type returns the model of the card.
func (dev *Device) Type() Type { return dev.cfg.Type }

func (dev *Device) Name() string { return dev.mdl.name }

func (dev *Device) check(op string) error {
	err := dev.a16.Err()
	if err != nil {
		return fmt.Errorf("vtr1012: could not %s: %w", op, err)
	}
	return nil
}

func (dev *Device) armed() bool {
	return dev.a16.R8(regCSR0)&csrArm != 0
}

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

// writeCSR0 updates the shadow of CSR1 byte 0 and writes it.
func (dev *Device) writeCSR0(f func(v uint8) uint8) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.csr0 = f(dev.csr0)
	dev.a16.W8(regCSR0, dev.csr0)
}

func (dev *Device) writeCSR1(f func(v uint8) uint8) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.csr1 = f(dev.csr1)
	dev.a16.W8(regCSR1, dev.csr1)
}

func (dev *Device) write24(mid, low, high int64, v uint32) {
	dev.a16.W8(mid, uint8(v>>8))
	dev.a16.W8(low, uint8(v))
	dev.a16.W8(high, uint8(v>>16))
}

func (dev *Device) read24(mid, low, high int64) uint32 {
	var (
		m = uint32(dev.a16.R8(mid))
		l = uint32(dev.a16.R8(low))
		h = uint32(dev.a16.R8(high))
	)
	return l | m<<8 | h<<16
}

func (dev *Device) location() int {
	return int(dev.read24(regMLRMid, regMLRLow, regMLRHigh))
}

func (dev *Device) Init() error {
	dev.mu.Lock()
	dev.csr0 = 0
	dev.csr1 = 0
	dev.a16.W8(regCSR0, 0)
	dev.a16.W8(regCSR1, 0)
	dev.mu.Unlock()

	dev.a16.W8(regIACK, uint8(dev.cfg.Vector))
	dev.write24(regMLRMid, regMLRLow, regMLRHigh, 0)
	dev.write24(regGDRMid, regGDRLow, regGDRHigh, 1024)

	err := dev.irq.EnableLevel(dev.level)
	if err != nil {
		dev.msg.Printf("could not enable interrupt level %d: %+v", dev.level, err)
	}
	return dev.check("initialize card")
}

func (dev *Device) Report(w io.Writer, level int) {
	fmt.Fprintf(
		w, "%s card %d a16 0x%x a32 0x%x intVec %2.2x intLev %d\n",
		dev.mdl.name, dev.cfg.Card, dev.cfg.A16, dev.cfg.Memory,
		dev.cfg.Vector, dev.level,
	)
	if level < 1 {
		return
	}
	fmt.Fprintf(
		w, "    CSR1BYTE0 %2.2x CSR1BYTE1 %x MLR %x GDR %x CSR2 %x IDREG %x\n",
		dev.a16.R8(regCSR0), dev.a16.R8(regCSR1),
		dev.location(), dev.read24(regGDRMid, regGDRLow, regGDRHigh),
		dev.a16.R8(regCSR2), dev.a16.R8(regID),
	)
	if err := dev.check("report"); err != nil {
		fmt.Fprintf(w, "%+v\n", err)
	}
}

func (dev *Device) Clock(v int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	if v < 0 || v >= len(dev.mdl.clocks) {
		return fmt.Errorf("vtr1012: invalid clock choice %d: %w", v, gtr.ErrInvalid)
	}
	dev.writeCSR1(func(csr uint8) uint8 {
		return csr&0xf0 | uint8(v&0x7)
	})
	dev.writeCSR0(func(csr uint8) uint8 {
		csr &^= csrExtClock
		if v&0x8 != 0 {
			csr |= csrExtClock
		}
		return csr
	})
	return dev.check("set clock")
}

func (dev *Device) Trigger(v int) error {
	if v < 0 || v >= len(triggerChoices) {
		return fmt.Errorf("vtr1012: invalid trigger choice %d: %w", v, gtr.ErrInvalid)
	}
	err := dev.guard()
	if err != nil {
		return err
	}
	dev.writeCSR0(func(csr uint8) uint8 {
		csr &^= csrGate | csrExt
		switch v {
		case triggerExt:
			csr |= csrExt
		case triggerGate:
			csr |= csrGate
		}
		return csr
	})
	return dev.check("set trigger")
}

func (dev *Device) NumberPTS(n int) error {
	err := dev.guard()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("vtr1012: invalid number of post-trigger samples %d: %w", n, gtr.ErrInvalid)
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
		return fmt.Errorf("vtr1012: invalid number of samples %d: %w", n, gtr.ErrInvalid)
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
		return fmt.Errorf("vtr1012: invalid number of post-trigger events %d: %w", n, gtr.ErrInvalid)
	}
	atomic.StoreInt32(&dev.pte, int32(n))
	return nil
}

func (dev *Device) Arm(mode gtr.ArmMode) error {
	if dev.acq.Rebooting() {
		return acq.ErrRebooting
	}
	switch mode {
	case gtr.Disarm, gtr.PostTrigger, gtr.PrePostTrigger:
	default:
		return fmt.Errorf("vtr1012: invalid arm mode %v: %w", mode, gtr.ErrInvalid)
	}

	dev.acq.Arm(mode)
	switch mode {
	case gtr.Disarm:
		dev.writeCSR0(func(csr uint8) uint8 { return csr &^ csrArmMask })
	case gtr.PostTrigger:
		dev.prePost = false
		atomic.StoreInt32(&dev.ipte, 0)
		dev.write24(regMLRMid, regMLRLow, regMLRHigh, 0)
		dev.write24(regGDRMid, regGDRLow, regGDRHigh, uint32(dev.pts))
		dev.writeCSR0(func(csr uint8) uint8 { return csr&^csrArmMask | csrArm })
	case gtr.PrePostTrigger:
		dev.prePost = true
		dev.write24(regMLRMid, regMLRLow, regMLRHigh, 0)
		dev.write24(regGDRMid, regGDRLow, regGDRHigh, uint32(dev.pts))
		dev.writeCSR0(func(csr uint8) uint8 { return csr &^ csrArmMask })
		// circular buffer mode must be enabled twice.
		dev.writeCSR0(func(csr uint8) uint8 { return csr | csrArmMask })
		dev.writeCSR0(func(csr uint8) uint8 { return csr | csrArmMask })
	}
	return dev.check("arm")
}

func (dev *Device) SoftTrigger() error {
	if dev.acq.Rebooting() {
		return acq.ErrRebooting
	}
	dev.mu.Lock()
	dev.a16.W8(regCSR1, dev.csr1|0x80)
	dev.mu.Unlock()
	return dev.check("send software trigger")
}

// interrupt runs in interrupt context.
// Register errors are logged, not recorded for the next check.
func (dev *Device) interrupt() {
	if dev.acq.Rebooting() {
		return
	}
	switch dev.acq.Mode() {
	case gtr.Disarm:
		return
	case gtr.PostTrigger:
		if atomic.AddInt32(&dev.ipte, 1) < atomic.LoadInt32(&dev.pte) {
			return
		}
	}
	dev.mu.Lock()
	dev.csr0 &^= csrArmMask
	err := dev.a16.Write8(regCSR0, dev.csr0)
	dev.mu.Unlock()
	if err != nil {
		dev.msg.Printf("card %d: could not disarm: %+v", dev.cfg.Card, err)
	}
	if !dev.acq.Interrupt() {
		dev.msg.Printf("card %d: dropped data-ready notification", dev.cfg.Card)
	}
}

// ReadMemory reads the last acquisition of each channel i into chans[i].
// Nil channels and channels without capacity are left untouched, as are all
// channels of a pre/post-trigger acquisition without samples per segment.
func (dev *Device) ReadMemory(ctx context.Context, chans []*gtr.Channel) error {
	loc := dev.location()
	if err := dev.check("read location register"); err != nil {
		return err
	}
	for i := 0; i < dev.mdl.nchans && i < len(chans); i++ {
		ch := chans[i]
		n := ch.Cap()
		if dev.prePost && n > dev.pps {
			n = dev.pps
		}
		if n <= 0 {
			continue
		}
		ch.Reset()
		var (
			base = int64(i) * int64(dev.size) * 2
			win  = ring.Compute(dev.prePost, n, loc, dev.size)
		)
		for _, span := range win.Spans() {
			err := dev.ring.ReadSamples(ctx, ch, base+2*int64(span.Beg), span.Len())
			if err != nil {
				return fmt.Errorf("vtr1012: could not read channel %d: %w", i, err)
			}
		}
	}
	return nil
}

func (dev *Device) Limits() (lo, hi int32, err error) {
	return 0, int32(dev.mdl.mask) + 1, nil
}

func (dev *Device) RegisterHandler(h gtr.Handler) error {
	dev.acq.Register(h)
	return nil
}

// Reboot disarms the card and suppresses further notifications.
func (dev *Device) Reboot() error {
	dev.acq.Reboot()
	dev.mu.Lock()
	dev.csr0 = 0
	dev.a16.W8(regCSR0, 0)
	dev.mu.Unlock()
	return dev.check("disarm card")
}

func (dev *Device) NumberChannels() int { return dev.mdl.nchans }

func (dev *Device) ClockChoices() ([]string, error)   { return dev.mdl.clocks, nil }
func (dev *Device) ArmChoices() ([]string, error)     { return gtr.ArmChoices, nil }
func (dev *Device) TriggerChoices() ([]string, error) { return triggerChoices, nil }

var (
	_ gtr.Initer            = (*Device)(nil)
	_ gtr.Reporter          = (*Device)(nil)
	_ gtr.Clocker           = (*Device)(nil)
	_ gtr.Triggerer         = (*Device)(nil)
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
	_ gtr.Namer             = (*Device)(nil)
	_ gtr.Rebooter          = (*Device)(nil)
)
