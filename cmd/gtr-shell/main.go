// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gtr-shell is an interactive shell to configure and exercise the
// cards of a VME crate.
//
// Usage: gtr-shell [OPTIONS]
//
// ex:
//
//  $> gtr-shell -sim
//  gtr> vtr10012Config 1 0x1200 0x08000000 0x80 3 vtr10014
//  gtr> set 1 pts 128
//  gtr> arm 1 postTrigger
//  gtr> trigger 1
//  gtr> read 1 16
//  gtr> gtrReport 1 1
package main // import "github.com/go-lpc/gtr/cmd/gtr-shell"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/crate"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("gtr-shell: ")
	log.SetFlags(0)

	var (
		cfg = flag.String("cfg", "", "path to a crate configuration file")
		sim = flag.Bool("sim", false, "run on a simulated crate")
	)

	flag.Parse()

	sh, err := newShell(*cfg, *sim, os.Stdout)
	if err != nil {
		log.Fatalf("could not create shell: %+v", err)
	}
	defer sh.close()

	err = sh.run()
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type shell struct {
	w     io.Writer
	crate *crate.Crate
	cmds  map[string]command
}

type command struct {
	usage string
	help  string
	run   func(sh *shell, args []string) error
}

func newShell(fname string, sim bool, w io.Writer) (*shell, error) {
	cfg := crate.Default()
	if fname != "" {
		var err error
		cfg, err = crate.Load(fname)
		if err != nil {
			return nil, err
		}
	}
	if sim {
		cfg.Bus.Sim = true
	}

	c, err := crate.New(cfg, crate.WithLogger(log.New(w, "crate: ", 0)))
	if err != nil {
		return nil, err
	}

	sh := &shell{w: w, crate: c}
	sh.cmds = map[string]command{
		"vtr10012Config": {
			usage: "card a16 memory vector level [type [channels kilosamples]]",
			help:  "configure a VTR10012 card (type: vtr10012, vtr10012_8, vtr8014, vtr10014)",
			run:   (*shell).vtr10012Config,
		},
		"vtr1012Config": {
			usage: "card a16 memory vector level [size]",
			help:  "configure a VTR1012 card",
			run:   (*shell).vtr1012Config,
		},
		"vtr10010Config": {
			usage: "card a16 memory vector level [size]",
			help:  "configure a VTR10010 card",
			run:   (*shell).vtr10010Config,
		},
		"vtr812Config": {
			usage: "card a16 memory vector level [clockspeed [dma]]",
			help:  "configure a VTR812 card (clockspeed: 10 or 40 MHz, simulated crates only)",
			run:   (*shell).vtr812Config,
		},
		"sisfadcConfig": {
			usage: "card clockspeed memory vector level [dma]",
			help:  "configure a SIS3300/SIS3301 card",
			run:   (*shell).sisfadcConfig,
		},
		"gtrReport": {
			usage: "[card [level]]",
			help:  "report the cards of the crate",
			run:   (*shell).report,
		},
		"set": {
			usage: "card name value",
			help:  "set a card parameter (clock, trigger, multiEvent, preAverage, pts, pps, pte)",
			run:   (*shell).set,
		},
		"choices": {
			usage: "card menu",
			help:  "list the choices of a card parameter (clock, arm, trigger, multiEvent, preAverage)",
			run:   (*shell).choices,
		},
		"arm": {
			usage: "card mode",
			help:  "arm a card (disarm, postTrigger, prePostTrigger)",
			run:   (*shell).arm,
		},
		"trigger": {
			usage: "card",
			help:  "send a software trigger to a card",
			run:   (*shell).trigger,
		},
		"read": {
			usage: "card [samples [raw]]",
			help:  "read the memory of a card and display the first samples",
			run:   (*shell).read,
		},
		"help": {
			help: "list commands",
			run:  (*shell).help,
		},
	}
	return sh, nil
}

func (sh *shell) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sh.crate.Registry().Reboot(ctx)
	if e := sh.crate.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

func (sh *shell) run() error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(sh.complete)

	for {
		cmd, err := line.Prompt("gtr> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line.AppendHistory(cmd)

		quit, err := sh.exec(cmd)
		if err != nil {
			fmt.Fprintf(sh.w, "error: %+v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (sh *shell) complete(line string) []string {
	var out []string
	for name := range sh.cmds {
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// exec runs one command line.
func (sh *shell) exec(line string) (quit bool, err error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}
	switch args[0] {
	case "quit", "exit":
		return true, nil
	}

	cmd, ok := sh.cmds[args[0]]
	if !ok {
		return false, fmt.Errorf("unknown command %q", args[0])
	}
	err = cmd.run(sh, args[1:])
	if err != nil {
		return false, fmt.Errorf("%s: %w", args[0], err)
	}
	return false, nil
}

func (sh *shell) help(args []string) error {
	names := make([]string, 0, len(sh.cmds))
	for name := range sh.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := sh.cmds[name]
		fmt.Fprintf(sh.w, "%s %s\n\t%s\n", name, cmd.usage, cmd.help)
	}
	fmt.Fprintf(sh.w, "quit\n\tleave the shell\n")
	return nil
}

// ints parses the numeric arguments, in decimal or 0x-prefixed hexadecimal.
func ints(args []string) ([]int, error) {
	vs := make([]int, len(args))
	for i, arg := range args {
		v, err := strconv.ParseInt(arg, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid argument %q: %w", arg, gtr.ErrInvalid)
		}
		vs[i] = int(v)
	}
	return vs, nil
}

func nargs(args []string, min, max int) error {
	if len(args) < min || len(args) > max {
		return fmt.Errorf("invalid number of arguments (got=%d): %w", len(args), gtr.ErrInvalid)
	}
	return nil
}

func (sh *shell) vtr10012Config(args []string) error {
	err := nargs(args, 5, 8)
	if err != nil {
		return err
	}
	typ := "vtr10012"
	if len(args) > 5 {
		typ = args[5]
		args = append(args[:5:5], args[6:]...)
	}
	vs, err := ints(args)
	if err != nil {
		return err
	}
	card := crate.Card{
		Driver: typ,
		Card:   vs[0],
		A16:    uint32(vs[1]),
		Memory: uint32(vs[2]),
		Vector: vs[3],
		Level:  vs[4],
	}
	if len(vs) > 5 {
		card.Channels = vs[5]
	}
	if len(vs) > 6 {
		card.KiloSamples = vs[6]
	}
	return sh.crate.Configure(card)
}

func (sh *shell) vtr1012Config(args []string) error {
	return sh.vtrConfig("vtr1012", args)
}

func (sh *shell) vtr10010Config(args []string) error {
	return sh.vtrConfig("vtr10010", args)
}

func (sh *shell) vtrConfig(drv string, args []string) error {
	err := nargs(args, 5, 6)
	if err != nil {
		return err
	}
	vs, err := ints(args)
	if err != nil {
		return err
	}
	card := crate.Card{
		Driver: drv,
		Card:   vs[0],
		A16:    uint32(vs[1]),
		Memory: uint32(vs[2]),
		Vector: vs[3],
		Level:  vs[4],
	}
	if len(vs) > 5 {
		card.Size = vs[5]
	}
	return sh.crate.Configure(card)
}

func (sh *shell) vtr812Config(args []string) error {
	err := nargs(args, 5, 7)
	if err != nil {
		return err
	}
	vs, err := ints(args)
	if err != nil {
		return err
	}
	card := crate.Card{
		Driver: "vtr812",
		Card:   vs[0],
		A16:    uint32(vs[1]),
		Memory: uint32(vs[2]),
		Vector: vs[3],
		Level:  vs[4],
	}
	if len(vs) > 5 {
		card.ClockSpeed = vs[5]
	}
	if len(vs) > 6 {
		card.DMA = vs[6] != 0
	}
	return sh.crate.Configure(card)
}

func (sh *shell) sisfadcConfig(args []string) error {
	err := nargs(args, 5, 6)
	if err != nil {
		return err
	}
	vs, err := ints(args)
	if err != nil {
		return err
	}
	card := crate.Card{
		Driver:     "sisfadc",
		Card:       vs[0],
		ClockSpeed: vs[1],
		Memory:     uint32(vs[2]),
		Vector:     vs[3],
		Level:      vs[4],
	}
	if len(vs) > 5 {
		card.DMA = vs[5] != 0
	}
	return sh.crate.Configure(card)
}

func (sh *shell) card(arg string) (*gtr.Card, error) {
	vs, err := ints([]string{arg})
	if err != nil {
		return nil, err
	}
	return sh.crate.Registry().Card(vs[0])
}

func (sh *shell) report(args []string) error {
	err := nargs(args, 0, 2)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		sh.crate.Registry().Report(sh.w, 0)
		return nil
	}
	card, err := sh.card(args[0])
	if err != nil {
		return err
	}
	level := 0
	if len(args) > 1 {
		vs, err := ints(args[1:])
		if err != nil {
			return err
		}
		level = vs[0]
	}
	card.Lock()
	defer card.Unlock()
	card.Report(sh.w, level)
	return nil
}

func (sh *shell) set(args []string) error {
	err := nargs(args, 3, 3)
	if err != nil {
		return err
	}
	card, err := sh.card(args[0])
	if err != nil {
		return err
	}
	vs, err := ints(args[2:])
	if err != nil {
		return err
	}
	card.Lock()
	defer card.Unlock()
	return crate.Setup(card, map[string]int{args[1]: vs[0]})
}

func (sh *shell) choices(args []string) error {
	err := nargs(args, 2, 2)
	if err != nil {
		return err
	}
	card, err := sh.card(args[0])
	if err != nil {
		return err
	}
	name := args[1]
	if !strings.HasSuffix(name, "Choices") {
		name += "Choices"
	}
	op, ok := gtr.OpFrom(name)
	if !ok {
		return fmt.Errorf("unknown menu %q: %w", args[1], gtr.ErrInvalid)
	}

	card.Lock()
	defer card.Unlock()
	vs, err := card.Choices(op)
	if err != nil {
		return err
	}
	for i, v := range vs {
		fmt.Fprintf(sh.w, "%2d: %s\n", i, v)
	}
	return nil
}

func (sh *shell) arm(args []string) error {
	err := nargs(args, 2, 2)
	if err != nil {
		return err
	}
	card, err := sh.card(args[0])
	if err != nil {
		return err
	}
	mode := gtr.ArmMode(-1)
	for i, v := range gtr.ArmChoices {
		if strings.EqualFold(v, args[1]) {
			mode = gtr.ArmMode(i)
		}
	}
	if mode < 0 {
		return fmt.Errorf("invalid arm mode %q: %w", args[1], gtr.ErrInvalid)
	}
	card.Lock()
	defer card.Unlock()
	return card.Arm(mode)
}

func (sh *shell) trigger(args []string) error {
	err := nargs(args, 1, 1)
	if err != nil {
		return err
	}
	card, err := sh.card(args[0])
	if err != nil {
		return err
	}
	card.Lock()
	defer card.Unlock()
	return card.SoftTrigger()
}

func (sh *shell) read(args []string) error {
	err := nargs(args, 1, 3)
	if err != nil {
		return err
	}
	card, err := sh.card(args[0])
	if err != nil {
		return err
	}
	n := 1024
	if len(args) > 1 {
		vs, err := ints(args[1:2])
		if err != nil {
			return err
		}
		n = vs[0]
	}
	raw := len(args) > 2 && args[2] == "raw"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	card.Lock()
	defer card.Unlock()

	var chans []*gtr.Channel
	switch {
	case raw:
		chans = make([]*gtr.Channel, card.NumberRawChannels())
		for i := range chans {
			chans[i] = gtr.NewRawChannel(n)
		}
		err = card.ReadRawMemory(ctx, chans)
	default:
		chans = make([]*gtr.Channel, card.NumberChannels())
		for i := range chans {
			chans[i] = gtr.NewChannel(n)
		}
		err = card.ReadMemory(ctx, chans)
	}
	if err != nil {
		return err
	}

	const max = 8
	for i, ch := range chans {
		fmt.Fprintf(sh.w, "ch-%02d: n=%d", i, ch.N)
		switch ch.Width {
		case gtr.Int32:
			vs := ch.Words()
			if len(vs) > max {
				vs = vs[:max]
			}
			fmt.Fprintf(sh.w, " %v\n", vs)
		default:
			vs := ch.Samples()
			if len(vs) > max {
				vs = vs[:max]
			}
			fmt.Fprintf(sh.w, " %v\n", vs)
		}
	}
	return nil
}
