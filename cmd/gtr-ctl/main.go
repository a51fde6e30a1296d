// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gtr-ctl sends a control command to a gtr-srv server.
//
// Usage: gtr-ctl [OPTIONS] CMD [KEY=VALUE [KEY=VALUE ...]]
//
// ex:
//
//  $> gtr-ctl list
//  $> gtr-ctl -addr daq:8877 pts card=1 value=1024
//  $> gtr-ctl arm card=1 mode=postTrigger
//  $> gtr-ctl start run=42 mode=postTrigger
//  $> gtr-ctl stop
package main // import "github.com/go-lpc/gtr/cmd/gtr-ctl"

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-lpc/gtr/gtrsrv"
)

func main() {
	log.SetPrefix("gtr-ctl: ")
	log.SetFlags(0)

	addr := flag.String("addr", ":8877", "[ip]:port of the gtr-srv control server")

	flag.Usage = func() {
		fmt.Printf(`Usage: gtr-ctl [OPTIONS] CMD [KEY=VALUE [KEY=VALUE ...]]

ex:
 $> gtr-ctl list
 $> gtr-ctl -addr daq:8877 pts card=1 value=1024
 $> gtr-ctl arm card=1 mode=postTrigger
 $> gtr-ctl start run=42 mode=postTrigger

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing command name")
	}

	err := run(os.Stdout, *addr, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(w io.Writer, addr, name string, kvs []string) error {
	args, err := argsFrom(kvs)
	if err != nil {
		return err
	}

	cli, err := gtrsrv.Dial(addr)
	if err != nil {
		return err
	}
	defer cli.Close()

	var data json.RawMessage
	err = cli.Send(name, args, &data)
	if err != nil {
		return err
	}

	if len(data) == 0 {
		fmt.Fprintf(w, "ok\n")
		return nil
	}

	var v interface{}
	err = json.Unmarshal(data, &v)
	if err != nil {
		return fmt.Errorf("could not decode reply: %w", err)
	}
	if s, ok := v.(string); ok {
		_, err = io.WriteString(w, s)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// argsFrom converts key=value pairs into command arguments.
// Integer values (decimal or 0x-prefixed) and booleans are converted.
func argsFrom(kvs []string) (map[string]interface{}, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	args := make(map[string]interface{}, len(kvs))
	for _, kv := range kvs {
		i := strings.Index(kv, "=")
		if i <= 0 {
			return nil, fmt.Errorf("invalid argument %q (want key=value)", kv)
		}
		k, v := kv[:i], kv[i+1:]
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			args[k] = n
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			args[k] = b
			continue
		}
		args[k] = v
	}
	return args, nil
}
