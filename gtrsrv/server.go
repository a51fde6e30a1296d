// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gtrsrv exposes the cards of a crate over the network: a JSON
// control protocol over TCP and an HTTP status API.
package gtrsrv // import "github.com/go-lpc/gtr/gtrsrv"

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/internal/wformat"
)

// Server controls the cards of a registry.
//
// Requests are JSON objects {"name": ..., "args": {...}}, one per command.
// Each request receives a reply {"msg": "ok", "status": "ok", "data": ...},
// where msg holds the error message of failed commands.
type Server struct {
	msg *log.Logger
	reg *gtr.Registry

	odir    string
	samples int
	timeout time.Duration
	alert   *Alerter

	mu    sync.Mutex // protects the run state
	ctl   net.Listener
	run   *runFile
	conns map[net.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger of the server.
func WithLogger(msg *log.Logger) Option {
	return func(srv *Server) {
		srv.msg = msg
	}
}

// WithOutput sets the directory where run files are written.
func WithOutput(dir string) Option {
	return func(srv *Server) {
		srv.odir = dir
	}
}

// WithSamples sets the capacity, in samples, of the per-card read buffers.
func WithSamples(n int) Option {
	return func(srv *Server) {
		srv.samples = n
	}
}

// WithTimeout bounds the duration of memory reads.
func WithTimeout(d time.Duration) Option {
	return func(srv *Server) {
		srv.timeout = d
	}
}

// WithAlerter sends a mail alert when a card can not be read out.
func WithAlerter(a *Alerter) Option {
	return func(srv *Server) {
		srv.alert = a
	}
}

// cardBuffer holds the readout state of a card.
type cardBuffer struct {
	mode  gtr.ArmMode
	n     uint32 // events read
	chans []*gtr.Channel
}

// New returns a server controlling the cards of reg.
// The data-ready handler of every card is replaced by one reading the card
// memory and recording the event into the current run file.
func New(reg *gtr.Registry, opts ...Option) *Server {
	srv := &Server{
		msg:     log.New(os.Stdout, "gtrsrv: ", 0),
		reg:     reg,
		odir:    ".",
		samples: 1024,
		timeout: 5 * time.Second,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(srv)
	}

	for _, card := range reg.Cards() {
		card := card
		buf := &cardBuffer{
			chans: make([]*gtr.Channel, card.NumberChannels()),
		}
		for i := range buf.chans {
			buf.chans[i] = gtr.NewChannel(srv.samples)
		}
		card.SetUser(buf)
		err := card.RegisterHandler(func() { srv.dataReady(card) })
		if err != nil {
			srv.msg.Printf("card %d: no data-ready notifications: %+v", card.Index(), err)
		}
	}
	return srv
}

// Serve creates a server for the cards of reg and serves control requests
// on addr.
func Serve(addr string, reg *gtr.Registry, opts ...Option) error {
	srv := New(reg, opts...)
	err := srv.Listen(addr)
	if err != nil {
		return err
	}
	return srv.Serve()
}

// Listen starts listening for control connections on addr.
func (srv *Server) Listen(addr string) error {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gtrsrv: could not listen on %q: %w", addr, err)
	}
	srv.mu.Lock()
	srv.ctl = ctl
	srv.mu.Unlock()
	return nil
}

// Addr returns the address of the control listener.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ctl == nil {
		return nil
	}
	return srv.ctl.Addr()
}

// Serve accepts control connections until the server is closed.
func (srv *Server) Serve() error {
	srv.mu.Lock()
	ctl := srv.ctl
	srv.mu.Unlock()
	if ctl == nil {
		return fmt.Errorf("gtrsrv: server is not listening")
	}

	for {
		conn, err := ctl.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("gtrsrv: could not accept connection: %w", err)
		}
		srv.mu.Lock()
		srv.conns[conn] = struct{}{}
		srv.mu.Unlock()
		go srv.handle(conn)
	}
}

// Close stops the server and closes the current run file.
func (srv *Server) Close() error {
	srv.mu.Lock()
	ctl := srv.ctl
	for conn := range srv.conns {
		_ = conn.Close()
	}
	srv.mu.Unlock()

	if ctl != nil {
		_ = ctl.Close()
	}
	_, err := srv.stopRun()
	return err
}

type request struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type reply struct {
	Msg    string      `json:"msg"`
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// args are the arguments of the control commands.
type args struct {
	Card    int    `json:"card"`
	Value   int    `json:"value"`
	Level   int    `json:"level"`
	Mode    string `json:"mode"`
	Op      string `json:"op"`
	Raw     bool   `json:"raw"`
	Samples int    `json:"samples"`
	Run     uint32 `json:"run"`
}

func (srv *Server) handle(conn net.Conn) {
	defer func() {
		srv.mu.Lock()
		delete(srv.conns, conn)
		srv.mu.Unlock()
		conn.Close()
	}()
	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	var (
		dec = json.NewDecoder(conn)
		enc = json.NewEncoder(conn)
	)
	for {
		var req request
		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			srv.msg.Printf("could not decode command request: %+v", err)
			_ = enc.Encode(newReply(nil, err))
			return
		}

		data, err := srv.dispatch(req)
		if err != nil {
			srv.msg.Printf("could not run %q: %+v", req.Name, err)
		}
		err = enc.Encode(newReply(data, err))
		if err != nil {
			srv.msg.Printf("could not send reply: %+v", err)
			return
		}
	}
}

func newReply(data interface{}, err error) reply {
	rep := reply{
		Msg:    "ok",
		Status: gtr.StatusOf(err).String(),
		Data:   data,
	}
	if err != nil {
		rep.Msg = err.Error()
		rep.Data = nil
	}
	return rep
}

func (srv *Server) dispatch(req request) (interface{}, error) {
	var arg args
	if len(req.Args) != 0 {
		err := json.Unmarshal(req.Args, &arg)
		if err != nil {
			return nil, fmt.Errorf("gtrsrv: could not decode %q arguments: %w", req.Name, err)
		}
	}

	switch req.Name {
	case "list":
		return srv.list(), nil
	case "start":
		return srv.startRun(arg.Run, arg.Mode)
	case "stop":
		return srv.stopRun()
	}

	card, err := srv.reg.Card(arg.Card)
	if err != nil {
		return nil, err
	}
	card.Lock()
	defer card.Unlock()

	switch req.Name {
	case "report":
		o := new(strings.Builder)
		card.Report(o, arg.Level)
		return o.String(), nil
	case "clock":
		return nil, card.Clock(arg.Value)
	case "trigger":
		return nil, card.Trigger(arg.Value)
	case "multiEvent":
		return nil, card.MultiEvent(arg.Value)
	case "preAverage":
		return nil, card.PreAverage(arg.Value)
	case "pts":
		return nil, card.NumberPTS(arg.Value)
	case "pps":
		return nil, card.NumberPPS(arg.Value)
	case "pte":
		return nil, card.NumberPTE(arg.Value)
	case "arm":
		mode, err := armMode(arg.Mode)
		if err != nil {
			return nil, err
		}
		return nil, srv.arm(card, mode)
	case "softTrigger":
		return nil, card.SoftTrigger()
	case "read":
		return srv.read(card, arg.Raw, arg.Samples)
	case "choices":
		op, err := choiceOp(arg.Op)
		if err != nil {
			return nil, err
		}
		return card.Choices(op)
	case "limits":
		lo, hi, err := card.Limits()
		if err != nil {
			return nil, err
		}
		return [2]int32{lo, hi}, nil
	}
	return nil, fmt.Errorf("gtrsrv: unknown command %q: %w", req.Name, gtr.ErrInvalid)
}

func armMode(name string) (gtr.ArmMode, error) {
	for i, v := range gtr.ArmChoices {
		if strings.EqualFold(v, name) {
			return gtr.ArmMode(i), nil
		}
	}
	return gtr.Disarm, fmt.Errorf("gtrsrv: invalid arm mode %q: %w", name, gtr.ErrInvalid)
}

// choiceOp returns the choice operation of a parameter ("clock") or of
// its menu ("clockChoices").
func choiceOp(name string) (gtr.Op, error) {
	if !strings.HasSuffix(name, "Choices") {
		name += "Choices"
	}
	op, ok := gtr.OpFrom(name)
	if !ok {
		return op, fmt.Errorf("gtrsrv: unknown choice menu %q: %w", name, gtr.ErrInvalid)
	}
	return op, nil
}

// CardInfo describes a registered card.
type CardInfo struct {
	Card        int      `json:"card"`
	Name        string   `json:"name"`
	Channels    int      `json:"channels"`
	RawChannels int      `json:"raw_channels"`
	Ops         []string `json:"ops"`
}

func cardInfo(card *gtr.Card) CardInfo {
	name, _ := card.Name()
	info := CardInfo{
		Card:        card.Index(),
		Name:        name,
		Channels:    card.NumberChannels(),
		RawChannels: card.NumberRawChannels(),
	}
	for _, op := range gtr.Ops() {
		if card.Supports(op) {
			info.Ops = append(info.Ops, op.String())
		}
	}
	return info
}

func (srv *Server) list() []CardInfo {
	cards := srv.reg.Cards()
	infos := make([]CardInfo, len(cards))
	for i, card := range cards {
		infos[i] = cardInfo(card)
	}
	return infos
}

// arm arms the card and records the mode of its acquisitions.
// The card lock must be held.
func (srv *Server) arm(card *gtr.Card, mode gtr.ArmMode) error {
	err := card.Arm(mode)
	if err != nil {
		return err
	}
	if buf, ok := card.User().(*cardBuffer); ok {
		buf.mode = mode
	}
	return nil
}

// read reads the memory of the card into fresh channels of n samples.
// The card lock must be held.
func (srv *Server) read(card *gtr.Card, raw bool, n int) ([]wformat.Channel, error) {
	if n <= 0 {
		n = srv.samples
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.timeout)
	defer cancel()

	var (
		chans []*gtr.Channel
		err   error
	)
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
		return nil, err
	}

	evt := wformat.NewEvent(card.Index(), 0, time.Now(), gtr.Disarm, chans)
	return evt.Channels, nil
}
