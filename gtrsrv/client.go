// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gtrsrv

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/go-lpc/gtr"
)

// Client sends control commands to a server.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the server listening on addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gtrsrv: could not dial %q: %w", addr, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// RemoteError is a command failure reported by the server.
type RemoteError struct {
	Cmd    string
	Msg    string
	Status gtr.Status
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gtrsrv: command %q failed: %s", e.Cmd, e.Msg)
}

// Unwrap returns gtr.ErrBusy for commands refused because a card was
// armed.
func (e *RemoteError) Unwrap() error {
	if e.Status == gtr.Busy {
		return gtr.ErrBusy
	}
	return nil
}

// Send runs the named command with the provided arguments.
// The data of the reply, if any, is decoded into data.
func (c *Client) Send(name string, args interface{}, data interface{}) error {
	req := struct {
		Name string      `json:"name"`
		Args interface{} `json:"args,omitempty"`
	}{name, args}
	err := c.enc.Encode(req)
	if err != nil {
		return fmt.Errorf("gtrsrv: could not send command %q: %w", name, err)
	}

	var rep struct {
		Msg    string          `json:"msg"`
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	err = c.dec.Decode(&rep)
	if err != nil {
		return fmt.Errorf("gtrsrv: could not receive reply to %q: %w", name, err)
	}

	switch rep.Status {
	case "ok":
	case "busy":
		return &RemoteError{Cmd: name, Msg: rep.Msg, Status: gtr.Busy}
	default:
		return &RemoteError{Cmd: name, Msg: rep.Msg, Status: gtr.Error}
	}

	if data == nil || len(rep.Data) == 0 {
		return nil
	}
	err = json.Unmarshal(rep.Data, data)
	if err != nil {
		return fmt.Errorf("gtrsrv: could not decode reply to %q: %w", name, err)
	}
	return nil
}
