// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gtrsrv

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/internal/wformat"
	"golang.org/x/sync/errgroup"
)

// runFile is the output file of a run.
type runFile struct {
	id   uint32
	mode gtr.ArmMode
	name string
	beg  time.Time

	f   *os.File
	w   *bufio.Writer
	enc *wformat.Encoder
	n   int // number of recorded events
}

// RunInfo describes the current or last run.
type RunInfo struct {
	Run    uint32 `json:"run"`
	Mode   string `json:"mode"`
	File   string `json:"file"`
	Events int    `json:"events"`
	Start  string `json:"start"`
}

func (run *runFile) info() RunInfo {
	return RunInfo{
		Run:    run.id,
		Mode:   run.mode.String(),
		File:   run.name,
		Events: run.n,
		Start:  run.beg.UTC().Format(time.RFC3339),
	}
}

func (run *runFile) close() error {
	err := run.w.Flush()
	if err != nil {
		_ = run.f.Close()
		return fmt.Errorf("gtrsrv: could not flush run file %q: %w", run.name, err)
	}
	err = run.f.Close()
	if err != nil {
		return fmt.Errorf("gtrsrv: could not close run file %q: %w", run.name, err)
	}
	return nil
}

// Run returns the description of the current run, if any.
func (srv *Server) Run() (RunInfo, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.run == nil {
		return RunInfo{}, false
	}
	return srv.run.info(), true
}

// startRun creates the output file of run id and arms every card in the
// named mode.
func (srv *Server) startRun(id uint32, name string) (RunInfo, error) {
	mode, err := armMode(name)
	if err != nil {
		return RunInfo{}, err
	}
	if mode == gtr.Disarm {
		return RunInfo{}, fmt.Errorf("gtrsrv: could not start run %d in mode %v: %w", id, mode, gtr.ErrInvalid)
	}

	srv.mu.Lock()
	if srv.run != nil {
		cur := srv.run.id
		srv.mu.Unlock()
		return RunInfo{}, fmt.Errorf("gtrsrv: could not start run %d: run %d is running: %w", id, cur, gtr.ErrBusy)
	}

	fname := filepath.Join(srv.odir, fmt.Sprintf("run-%06d.gtr", id))
	f, err := os.Create(fname)
	if err != nil {
		srv.mu.Unlock()
		return RunInfo{}, fmt.Errorf("gtrsrv: could not create run file: %w", err)
	}
	w := bufio.NewWriter(f)
	srv.run = &runFile{
		id:   id,
		mode: mode,
		name: fname,
		beg:  time.Now(),
		f:    f,
		w:    w,
		enc:  wformat.NewEncoder(w),
	}
	info := srv.run.info()
	srv.mu.Unlock()

	srv.msg.Printf("starting run %d (mode=%v, file=%q)...", id, mode, fname)
	err = srv.armAll(mode)
	if err != nil {
		_, _ = srv.stopRun()
		return RunInfo{}, fmt.Errorf("gtrsrv: could not start run %d: %w", id, err)
	}
	return info, nil
}

// stopRun disarms every card and closes the output file of the current run.
// stopRun is a no-op when no run is active.
func (srv *Server) stopRun() (RunInfo, error) {
	srv.mu.Lock()
	run := srv.run
	srv.mu.Unlock()
	if run == nil {
		return RunInfo{}, nil
	}

	srv.msg.Printf("stopping run %d...", run.id)
	errArm := srv.armAll(gtr.Disarm)

	srv.mu.Lock()
	srv.run = nil
	info := run.info()
	err := run.close()
	srv.mu.Unlock()

	if errArm != nil {
		return info, fmt.Errorf("gtrsrv: could not disarm cards: %w", errArm)
	}
	if err != nil {
		return info, err
	}
	srv.msg.Printf("stopping run %d... [ok] (events=%d)", info.Run, info.Events)
	return info, nil
}

// armAll arms every card supporting it in the provided mode.
func (srv *Server) armAll(mode gtr.ArmMode) error {
	var grp errgroup.Group
	for _, card := range srv.reg.Cards() {
		card := card
		if !card.Supports(gtr.OpArm) {
			continue
		}
		grp.Go(func() error {
			card.Lock()
			defer card.Unlock()
			err := srv.arm(card, mode)
			if err != nil {
				return fmt.Errorf("card %d: %w", card.Index(), err)
			}
			return nil
		})
	}
	return grp.Wait()
}

// dataReady reads out the memory of a triggered card and records the event
// into the current run file. Post-trigger acquisitions are re-armed while
// the run is active.
func (srv *Server) dataReady(card *gtr.Card) {
	buf, ok := card.User().(*cardBuffer)
	if !ok {
		srv.msg.Printf("card %d: data ready without readout buffer", card.Index())
		return
	}

	card.Lock()
	defer card.Unlock()

	for _, ch := range buf.chans {
		ch.Reset()
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.timeout)
	defer cancel()

	err := card.ReadMemory(ctx, buf.chans)
	if err != nil {
		srv.msg.Printf("card %d: could not read memory: %+v", card.Index(), err)
		if srv.alert != nil {
			err = srv.alert.Alert(
				fmt.Sprintf("card %d readout failure", card.Index()),
				fmt.Sprintf("could not read memory of card %d:\n%+v\n", card.Index(), err),
			)
			if err != nil {
				srv.msg.Printf("%+v", err)
			}
		}
		return
	}

	evt := wformat.NewEvent(card.Index(), buf.n, time.Now(), buf.mode, buf.chans)
	buf.n++

	srv.mu.Lock()
	run := srv.run
	if run != nil {
		err = run.enc.Encode(&evt)
		if err == nil {
			run.n++
		}
	}
	srv.mu.Unlock()

	if run == nil {
		return
	}
	if err != nil {
		srv.msg.Printf("card %d: could not record event %d: %+v", card.Index(), evt.Header.Number, err)
		return
	}

	if buf.mode == gtr.PostTrigger {
		err = card.Arm(gtr.PostTrigger)
		if err != nil {
			srv.msg.Printf("card %d: could not re-arm: %+v", card.Index(), err)
		}
	}
}
