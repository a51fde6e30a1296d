// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gtrsrv

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-lpc/gtr"
)

// Handler returns the read-only HTTP status API of the server:
//
//  GET /cards                      list of cards
//  GET /cards/{card}               description of a card
//  GET /cards/{card}/report        report of a card (?level=n)
//  GET /cards/{card}/choices/{op}  choice menu of a card parameter
//  GET /run                        current run
func (srv *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/cards", srv.httpCards)
	mux.Route("/cards/{card}", func(r chi.Router) {
		r.Get("/", srv.httpCard)
		r.Get("/report", srv.httpReport)
		r.Get("/choices/{op}", srv.httpChoices)
	})
	mux.Get("/run", srv.httpRun)
	return mux
}

func (srv *Server) httpCards(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, srv.list())
}

func (srv *Server) httpCard(w http.ResponseWriter, r *http.Request) {
	card, ok := srv.httpFind(w, r)
	if !ok {
		return
	}
	srv.writeJSON(w, cardInfo(card))
}

func (srv *Server) httpReport(w http.ResponseWriter, r *http.Request) {
	card, ok := srv.httpFind(w, r)
	if !ok {
		return
	}

	level := 0
	if v := r.URL.Query().Get("level"); v != "" {
		var err error
		level, err = strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid report level "+strconv.Quote(v), http.StatusBadRequest)
			return
		}
	}

	o := new(strings.Builder)
	card.Lock()
	card.Report(o, level)
	card.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(o.String()))
}

func (srv *Server) httpChoices(w http.ResponseWriter, r *http.Request) {
	card, ok := srv.httpFind(w, r)
	if !ok {
		return
	}
	op, err := choiceOp(chi.URLParam(r, "op"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	card.Lock()
	choices, err := card.Choices(op)
	card.Unlock()
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	if choices == nil {
		choices = []string{}
	}
	srv.writeJSON(w, choices)
}

func (srv *Server) httpRun(w http.ResponseWriter, r *http.Request) {
	run, ok := srv.Run()
	if !ok {
		http.Error(w, "no active run", http.StatusNotFound)
		return
	}
	srv.writeJSON(w, run)
}

func (srv *Server) httpFind(w http.ResponseWriter, r *http.Request) (*gtr.Card, bool) {
	v := chi.URLParam(r, "card")
	idx, err := strconv.Atoi(v)
	if err != nil {
		http.Error(w, "invalid card index "+strconv.Quote(v), http.StatusBadRequest)
		return nil, false
	}
	card, err := srv.reg.Card(idx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return card, true
}

func (srv *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		srv.msg.Printf("could not encode HTTP reply: %+v", err)
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, gtr.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, gtr.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, gtr.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
