// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crate describes a VME crate of transient recorders and
// configures its cards.
package crate // import "github.com/go-lpc/gtr/crate"

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/dma"
	"github.com/go-lpc/gtr/sisfadc"
	"github.com/go-lpc/gtr/vme"
	"github.com/go-lpc/gtr/vtr1012"
	"github.com/go-lpc/gtr/vtr10012"
	"github.com/go-lpc/gtr/vtr812"
)

var vtrTypes = map[string]vtr10012.Type{
	"vtr10012":   vtr10012.VTR10012,
	"vtr10012_8": vtr10012.VTR10012_8,
	"vtr8014":    vtr10012.VTR8014,
	"vtr10014":   vtr10012.VTR10014,
}

// Crate is a set of cards configured on a VME bus.
type Crate struct {
	msg *log.Logger
	cfg Config

	bus vme.Bus
	sim *vme.Sim // nil unless the crate is simulated
	reg *gtr.Registry

	devs  []io.Closer
	files []io.Closer
}

// Option configures a Crate.
type Option func(*Crate)

// WithLogger sets the logger of the crate.
func WithLogger(msg *log.Logger) Option {
	return func(c *Crate) {
		c.msg = msg
	}
}

// WithBus runs the crate on the provided bus instead of the one described
// by the configuration.
func WithBus(bus vme.Bus) Option {
	return func(c *Crate) {
		c.bus = bus
	}
}

// New opens the bus described by cfg and configures, initializes and sets
// up every card of cfg.
func New(cfg Config, opts ...Option) (*Crate, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	c := &Crate{
		msg: log.New(os.Stdout, "crate: ", 0),
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reg = gtr.NewRegistry(gtr.WithLogger(c.msg))

	if c.bus == nil {
		err = c.open()
		if err != nil {
			return nil, err
		}
	}
	if sim, ok := c.bus.(*vme.Sim); ok && cfg.Bus.Sim {
		c.sim = sim
	}

	for _, card := range cfg.Cards {
		err := c.Configure(card)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Crate) open() error {
	if c.cfg.Bus.Sim {
		c.bus = vme.NewSim()
		return nil
	}

	var (
		devs = make(map[dma.AddrSpace]string)
		irq  = vme.NewSoft()
		eng  dma.Engine
	)
	for _, v := range []struct {
		space dma.AddrSpace
		name  string
	}{
		{dma.A16, c.cfg.Bus.A16},
		{dma.A24, c.cfg.Bus.A24},
		{dma.A32, c.cfg.Bus.A32},
	} {
		if v.name != "" {
			devs[v.space] = v.name
		}
	}

	if c.cfg.Bus.A32 != "" {
		f, err := os.OpenFile(c.cfg.Bus.A32, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("crate: could not open A32 space for DMA: %w", err)
		}
		c.files = append(c.files, f)
		eng = dma.NewPIO(f, 0)
	}

	if c.cfg.Bus.IRQ != "" {
		f, err := os.Open(c.cfg.Bus.IRQ)
		if err != nil {
			_ = c.closeFiles()
			return fmt.Errorf("crate: could not open interrupt device: %w", err)
		}
		c.files = append(c.files, f)
		go func() {
			err := irq.Serve(f)
			if err != nil {
				c.msg.Printf("interrupts stopped: %+v", err)
			}
		}()
	}

	c.bus = vme.NewBridge(devs, irq, eng)
	return nil
}

// Configure probes, registers, initializes and sets up a card.
// On a simulated crate, an emulation of the card is installed first.
func (c *Crate) Configure(card Card) error {
	err := card.Validate()
	if err != nil {
		return err
	}

	drv := strings.ToLower(card.Driver)
	switch drv {
	case "vtr1012", "vtr10010":
		cfg := vtr1012.Config{
			Type:   vtr1012.VTR1012,
			Card:   card.Card,
			A16:    card.A16,
			Memory: card.Memory,
			Vector: card.Vector,
			Size:   card.Size,
		}
		if drv == "vtr10010" {
			cfg.Type = vtr1012.VTR10010
		}
		if c.sim != nil {
			err = vtr1012.Simulate(c.sim, cfg, card.Level)
			if err != nil {
				return fmt.Errorf("crate: could not simulate card %d: %w", card.Card, err)
			}
		}
		dev, err := vtr1012.Configure(c.reg, c.bus, cfg)
		if err != nil {
			return fmt.Errorf("crate: could not configure card %d: %w", card.Card, err)
		}
		c.devs = append(c.devs, dev)

	case "vtr812":
		cfg := vtr812.Config{
			Card:   card.Card,
			A16:    card.A16,
			Memory: card.Memory,
			Vector: card.Vector,
			DMA:    card.DMA,
		}
		if c.sim != nil {
			typ := vtr812.VTR812_10
			if card.ClockSpeed == 40 {
				typ = vtr812.VTR812_40
			}
			err = vtr812.Simulate(c.sim, typ, cfg, card.Level)
			if err != nil {
				return fmt.Errorf("crate: could not simulate card %d: %w", card.Card, err)
			}
		}
		dev, err := vtr812.Configure(c.reg, c.bus, cfg)
		if err != nil {
			return fmt.Errorf("crate: could not configure card %d: %w", card.Card, err)
		}
		c.devs = append(c.devs, dev)

	case "sisfadc":
		cfg := sisfadc.Config{
			Card:       card.Card,
			ClockSpeed: card.ClockSpeed,
			Memory:     card.Memory,
			Vector:     card.Vector,
			Level:      card.Level,
			DMA:        card.DMA,
		}
		if c.sim != nil {
			err = sisfadc.Simulate(c.sim, cfg)
			if err != nil {
				return fmt.Errorf("crate: could not simulate card %d: %w", card.Card, err)
			}
		}
		dev, err := sisfadc.Configure(c.reg, c.bus, cfg)
		if err != nil {
			return fmt.Errorf("crate: could not configure card %d: %w", card.Card, err)
		}
		c.devs = append(c.devs, dev)

	default:
		cfg := vtr10012.Config{
			Card:        card.Card,
			A16:         card.A16,
			Memory:      card.Memory,
			Vector:      card.Vector,
			Level:       card.Level,
			DMA:         card.DMA,
			Channels:    card.Channels,
			KiloSamples: card.KiloSamples,
		}
		if c.sim != nil {
			err = vtr10012.Simulate(c.sim, vtrTypes[drv], cfg)
			if err != nil {
				return fmt.Errorf("crate: could not simulate card %d: %w", card.Card, err)
			}
		}
		dev, err := vtr10012.Configure(c.reg, c.bus, cfg)
		if err != nil {
			return fmt.Errorf("crate: could not configure card %d: %w", card.Card, err)
		}
		c.devs = append(c.devs, dev)
	}

	gc, err := c.reg.Card(card.Card)
	if err != nil {
		return fmt.Errorf("crate: could not find card %d: %w", card.Card, err)
	}
	err = gc.Init()
	if err != nil {
		return fmt.Errorf("crate: could not initialize card %d: %w", card.Card, err)
	}
	err = Setup(gc, card.Settings)
	if err != nil {
		return fmt.Errorf("crate: could not set up card %d: %w", card.Card, err)
	}
	return nil
}

// Setup applies the settings to the card, clock and trigger first.
func Setup(card *gtr.Card, kvs map[string]int) error {
	vs := make([]*int, len(settings))
	for k, v := range kvs {
		i, ok := settingIndex(k)
		if !ok {
			return fmt.Errorf("crate: unknown setting %q: %w", k, gtr.ErrInvalid)
		}
		v := v
		vs[i] = &v
	}
	for i, v := range vs {
		if v == nil {
			continue
		}
		err := settings[i].set(card, *v)
		if err != nil {
			return fmt.Errorf("crate: could not set %s=%d: %w", settings[i].name, *v, err)
		}
	}
	return nil
}

// Config returns the configuration of the crate.
func (c *Crate) Config() Config { return c.cfg }

// Bus returns the bus of the crate.
func (c *Crate) Bus() vme.Bus { return c.bus }

// Registry returns the registry holding the cards of the crate.
func (c *Crate) Registry() *gtr.Registry { return c.reg }

// Close releases the cards of the crate and the bus devices.
func (c *Crate) Close() error {
	var err error
	for i := len(c.devs) - 1; i >= 0; i-- {
		e := c.devs[i].Close()
		if e != nil && err == nil {
			err = fmt.Errorf("crate: could not close card: %w", e)
		}
	}
	c.devs = nil
	if e := c.closeFiles(); e != nil && err == nil {
		err = e
	}
	return err
}

func (c *Crate) closeFiles() error {
	var err error
	for _, f := range c.files {
		e := f.Close()
		if e != nil && err == nil {
			err = fmt.Errorf("crate: could not close bus device: %w", e)
		}
	}
	c.files = nil
	return err
}
