// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gtrsrv

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestHTTP(t *testing.T) {
	srv, cli := newServer(t)
	hsrv := httptest.NewServer(srv.Handler())
	defer hsrv.Close()

	get := func(t *testing.T, path string) (int, string) {
		t.Helper()
		resp, err := http.Get(hsrv.URL + path)
		if err != nil {
			t.Fatalf("could not GET %q: %+v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("could not read %q: %+v", path, err)
		}
		return resp.StatusCode, string(body)
	}

	code, body := get(t, "/cards")
	if code != http.StatusOK {
		t.Fatalf("invalid status: %d (%s)", code, body)
	}
	var cards []CardInfo
	err := json.Unmarshal([]byte(body), &cards)
	if err != nil {
		t.Fatalf("could not decode cards: %+v", err)
	}
	if got, want := len(cards), 2; got != want {
		t.Fatalf("invalid number of cards: got=%d, want=%d", got, want)
	}

	code, body = get(t, "/cards/2")
	if code != http.StatusOK {
		t.Fatalf("invalid status: %d (%s)", code, body)
	}
	var card CardInfo
	err = json.Unmarshal([]byte(body), &card)
	if err != nil {
		t.Fatalf("could not decode card: %+v", err)
	}
	if got, want := card, cards[1]; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid card:\ngot= %+v\nwant=%+v", got, want)
	}

	code, body = get(t, "/cards/1/report?level=1")
	if code != http.StatusOK || body == "" {
		t.Fatalf("invalid report: %d (%s)", code, body)
	}

	var want []string
	err = cli.Send("choices", cardArgs{Card: 1, Op: "triggerChoices"}, &want)
	if err != nil {
		t.Fatalf("could not get trigger choices: %+v", err)
	}
	for _, op := range []string{"trigger", "triggerChoices"} {
		code, body = get(t, "/cards/1/choices/"+op)
		if code != http.StatusOK {
			t.Fatalf("invalid status: %d (%s)", code, body)
		}
		var got []string
		err = json.Unmarshal([]byte(body), &got)
		if err != nil {
			t.Fatalf("could not decode choices: %+v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid choices: got=%q, want=%q", got, want)
		}
	}

	code, body = get(t, "/cards/2/choices/multiEvent")
	if code != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Fatalf("invalid multi-event choices: %d (%s)", code, body)
	}

	for _, tc := range []struct {
		path string
		code int
	}{
		{"/cards/42", http.StatusNotFound},
		{"/cards/one", http.StatusBadRequest},
		{"/cards/1/report?level=high", http.StatusBadRequest},
		{"/cards/1/choices/colour", http.StatusNotFound},
		{"/run", http.StatusNotFound},
	} {
		t.Run(tc.path, func(t *testing.T) {
			code, body := get(t, tc.path)
			if code != tc.code {
				t.Fatalf("invalid status: got=%d, want=%d (%s)", code, tc.code, body)
			}
		})
	}

	err = cli.Send("start", struct {
		Run  uint32 `json:"run"`
		Mode string `json:"mode"`
	}{7, "postTrigger"}, nil)
	if err != nil {
		t.Fatalf("could not start run: %+v", err)
	}

	code, body = get(t, "/run")
	if code != http.StatusOK {
		t.Fatalf("invalid status: %d (%s)", code, body)
	}
	var run RunInfo
	err = json.Unmarshal([]byte(body), &run)
	if err != nil {
		t.Fatalf("could not decode run: %+v", err)
	}
	if got, want := run.Run, uint32(7); got != want {
		t.Fatalf("invalid run: got=%d, want=%d", got, want)
	}
}
