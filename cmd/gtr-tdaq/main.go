// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gtr-tdaq starts a TDAQ process reading out a card of a VME crate.
//
// The /config command loads the crate, /start arms the card and /stop
// disarms it. Acquired events are published, encoded in the waveform
// format, on the /waveforms output.
package main // import "github.com/go-lpc/gtr/cmd/gtr-tdaq"

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/crate"
	"github.com/go-lpc/gtr/internal/wformat"
)

var (
	cfgFlag  = flag.String("crate", "crate.yml", "path to the crate configuration file")
	cardFlag = flag.Int("card", 1, "index of the card to read out")
	modeFlag = flag.String("mode", "postTrigger", "arm mode of the card (postTrigger, prePostTrigger)")
	sizeFlag = flag.Int("samples", 1024, "number of samples read per channel")
)

func main() {
	cmd := flags.New()

	dev := newProc(*cfgFlag, *cardFlag, *modeFlag, *sizeFlag)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/waveforms", dev.waveforms)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type proc struct {
	fname   string
	idx     int
	mode    string
	samples int

	mu    sync.Mutex
	crate *crate.Crate
	card  *gtr.Card
	arm   gtr.ArmMode
	run   bool // whether a run is started
	chans []*gtr.Channel
	n     uint32 // number of events read out
	data  chan []byte
	msg   func(format string, args ...interface{})
}

func newProc(fname string, card int, mode string, samples int) *proc {
	return &proc{
		fname:   fname,
		idx:     card,
		mode:    mode,
		samples: samples,
		data:    make(chan []byte, 1024),
		msg:     log.Printf,
	}
}

func (dev *proc) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	mode := gtr.Disarm
	for i, v := range gtr.ArmChoices {
		if strings.EqualFold(v, dev.mode) {
			mode = gtr.ArmMode(i)
		}
	}
	if mode == gtr.Disarm {
		return fmt.Errorf("invalid arm mode %q: %w", dev.mode, gtr.ErrInvalid)
	}

	cfg, err := crate.Load(dev.fname)
	if err != nil {
		ctx.Msg.Errorf("could not load crate configuration: %+v", err)
		return fmt.Errorf("could not load crate configuration: %w", err)
	}

	err = dev.close()
	if err != nil {
		ctx.Msg.Errorf("could not close previous crate: %+v", err)
	}

	c, err := crate.New(cfg)
	if err != nil {
		ctx.Msg.Errorf("could not create crate %q: %+v", cfg.Name, err)
		return fmt.Errorf("could not create crate %q: %w", cfg.Name, err)
	}

	card, err := c.Registry().Card(dev.idx)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("could not find card %d in crate %q: %w", dev.idx, cfg.Name, err)
	}

	err = card.RegisterHandler(dev.dataReady)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("could not register data-ready handler of card %d: %w", dev.idx, err)
	}

	chans := make([]*gtr.Channel, card.NumberChannels())
	for i := range chans {
		chans[i] = gtr.NewChannel(dev.samples)
	}

	dev.mu.Lock()
	dev.crate = c
	dev.card = card
	dev.arm = mode
	dev.chans = chans
	dev.mu.Unlock()

	ctx.Msg.Infof("card %d configured (mode=%v, channels=%d)", dev.idx, mode, len(chans))
	return nil
}

func (dev *proc) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	dev.reset()
	return nil
}

func (dev *proc) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.mu.Lock()
	dev.run = false
	dev.mu.Unlock()

	err := dev.setArm(gtr.Disarm)
	if err != nil {
		return fmt.Errorf("could not disarm card %d: %w", dev.idx, err)
	}
	dev.reset()
	return nil
}

func (dev *proc) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	dev.mu.Lock()
	mode := dev.arm
	dev.run = true
	dev.mu.Unlock()

	err := dev.setArm(mode)
	if err != nil {
		ctx.Msg.Errorf("could not arm card %d: %+v", dev.idx, err)
		return fmt.Errorf("could not arm card %d: %w", dev.idx, err)
	}
	return nil
}

func (dev *proc) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dev.mu.Lock()
	n := dev.n
	dev.run = false
	dev.mu.Unlock()
	ctx.Msg.Debugf("received /stop command... -> n=%d", n)

	err := dev.setArm(gtr.Disarm)
	if err != nil {
		ctx.Msg.Errorf("could not disarm card %d: %+v", dev.idx, err)
		return fmt.Errorf("could not disarm card %d: %w", dev.idx, err)
	}
	return nil
}

func (dev *proc) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return dev.close()
}

func (dev *proc) waveforms(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *proc) reset() {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.n = 0
	for {
		select {
		case <-dev.data:
		default:
			return
		}
	}
}

func (dev *proc) setArm(mode gtr.ArmMode) error {
	dev.mu.Lock()
	card := dev.card
	dev.mu.Unlock()
	if card == nil {
		return fmt.Errorf("card %d is not configured", dev.idx)
	}

	card.Lock()
	defer card.Unlock()
	return card.Arm(mode)
}

// dataReady reads out the card, publishes the event and re-arms
// post-trigger acquisitions.
func (dev *proc) dataReady() {
	dev.mu.Lock()
	var (
		card  = dev.card
		mode  = dev.arm
		chans = dev.chans
		num   = dev.n
	)
	dev.mu.Unlock()
	if card == nil {
		return
	}

	card.Lock()
	defer card.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := card.ReadMemory(ctx, chans)
	if err != nil {
		dev.msg("card %d: could not read memory: %+v", dev.idx, err)
		return
	}

	evt := wformat.NewEvent(dev.idx, num, time.Now(), mode, chans)
	buf := new(bytes.Buffer)
	err = wformat.NewEncoder(buf).Encode(&evt)
	if err != nil {
		dev.msg("card %d: could not encode event %d: %+v", dev.idx, num, err)
		return
	}

	select {
	case dev.data <- buf.Bytes():
		dev.mu.Lock()
		dev.n++
		dev.mu.Unlock()
	default:
		dev.msg("card %d: output queue full, event %d dropped", dev.idx, num)
	}

	dev.mu.Lock()
	run := dev.run
	dev.mu.Unlock()

	if run && mode == gtr.PostTrigger {
		err = card.Arm(mode)
		if err != nil {
			dev.msg("card %d: could not re-arm: %+v", dev.idx, err)
		}
	}
}

func (dev *proc) close() error {
	dev.mu.Lock()
	c := dev.crate
	dev.crate = nil
	dev.card = nil
	dev.mu.Unlock()
	if c == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Registry().Reboot(ctx)
	if e := c.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
