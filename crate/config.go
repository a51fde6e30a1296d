// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"fmt"
	"strings"

	"github.com/go-lpc/gtr"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// Config describes a crate and the cards it holds.
type Config struct {
	Name  string `koanf:"name" yaml:"name"`
	Bus   Bus    `koanf:"bus" yaml:"bus"`
	DB    string `koanf:"db" yaml:"db"` // DSN of the card table, if any
	Cards []Card `koanf:"cards" yaml:"cards"`
}

// Bus describes how the VME bus of the crate is reached.
type Bus struct {
	Sim bool   `koanf:"sim" yaml:"sim"` // run on a simulated crate
	A16 string `koanf:"a16" yaml:"a16"`
	A24 string `koanf:"a24" yaml:"a24"`
	A32 string `koanf:"a32" yaml:"a32"`
	IRQ string `koanf:"irq" yaml:"irq"` // interrupt vector stream
}

// Card describes the installation of a card.
//
// Settings holds the initial parameters of the card: the clock, trigger,
// multiEvent and preAverage choice indices and the pts, pps and pte
// sample and event counts.
type Card struct {
	Driver      string         `koanf:"driver" yaml:"driver"`
	Card        int            `koanf:"card" yaml:"card"`
	A16         uint32         `koanf:"a16" yaml:"a16"`
	Memory      uint32         `koanf:"memory" yaml:"memory"`
	Vector      int            `koanf:"vector" yaml:"vector"`
	Level       int            `koanf:"level" yaml:"level"`
	DMA         bool           `koanf:"dma" yaml:"dma"`
	Channels    int            `koanf:"channels" yaml:"channels,omitempty"`
	KiloSamples int            `koanf:"kilosamples" yaml:"kilosamples,omitempty"`
	ClockSpeed  int            `koanf:"clockspeed" yaml:"clockspeed,omitempty"`
	Size        int            `koanf:"size" yaml:"size,omitempty"`
	Settings    map[string]int `koanf:"settings" yaml:"settings,omitempty"`
}

// Drivers lists the driver names a card may use.
var Drivers = []string{
	"vtr10012", "vtr10012_8", "vtr8014", "vtr10014",
	"vtr1012", "vtr10010",
	"vtr812",
	"sisfadc",
}

// settings are the known card settings, in the order they are applied.
var settings = []struct {
	name string
	set  func(c *gtr.Card, v int) error
}{
	{"clock", (*gtr.Card).Clock},
	{"trigger", (*gtr.Card).Trigger},
	{"multiEvent", (*gtr.Card).MultiEvent},
	{"preAverage", (*gtr.Card).PreAverage},
	{"pts", (*gtr.Card).NumberPTS},
	{"pps", (*gtr.Card).NumberPPS},
	{"pte", (*gtr.Card).NumberPTE},
}

// Default returns the configuration of an empty crate behind a VME bridge.
func Default() Config {
	return Config{
		Name: "gtr",
		Bus: Bus{
			A16: "/dev/vme_a16",
			A24: "/dev/vme_a24",
			A32: "/dev/vme_a32",
		},
		Cards: []Card{},
	}
}

// Load reads the crate description from the YAML file fname.
// Missing entries keep their Default values.
func Load(fname string) (Config, error) {
	var (
		cfg Config
		k   = koanf.New(".")
	)

	err := k.Load(structs.Provider(Default(), "koanf"), nil)
	if err != nil {
		return cfg, fmt.Errorf("crate: could not load defaults: %w", err)
	}
	err = k.Load(file.Provider(fname), yaml.Parser())
	if err != nil {
		return cfg, fmt.Errorf("crate: could not load %q: %w", fname, err)
	}
	err = k.Unmarshal("", &cfg)
	if err != nil {
		return cfg, fmt.Errorf("crate: could not decode %q: %w", fname, err)
	}

	err = cfg.Validate()
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the driver names, card indices and settings of cfg.
func (cfg Config) Validate() error {
	seen := make(map[int]bool, len(cfg.Cards))
	for _, card := range cfg.Cards {
		err := card.Validate()
		if err != nil {
			return err
		}
		if seen[card.Card] {
			return fmt.Errorf("crate: card %d described twice: %w", card.Card, gtr.ErrDuplicate)
		}
		seen[card.Card] = true
	}
	return nil
}

// Validate checks the driver name and settings of the card.
func (card Card) Validate() error {
	if !knownDriver(card.Driver) {
		return fmt.Errorf("crate: card %d: unknown driver %q: %w", card.Card, card.Driver, gtr.ErrInvalid)
	}
	if card.Card < 0 {
		return fmt.Errorf("crate: invalid card index %d: %w", card.Card, gtr.ErrInvalid)
	}
	for k := range card.Settings {
		if _, ok := settingIndex(k); !ok {
			return fmt.Errorf("crate: card %d: unknown setting %q: %w", card.Card, k, gtr.ErrInvalid)
		}
	}
	return nil
}

func knownDriver(name string) bool {
	for _, v := range Drivers {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

func settingIndex(name string) (int, bool) {
	for i, s := range settings {
		if strings.EqualFold(s.name, name) {
			return i, true
		}
	}
	return 0, false
}
