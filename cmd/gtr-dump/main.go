// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// gtr-dump decodes and displays waveform run files.
//
// Usage: gtr-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//  $> gtr-dump -n 4 ./run-000042.gtr
//  === card 2, event 0 ===
//  Time:     2020-09-13T12:26:40Z
//  Mode:     postTrigger
//  Channels: 2
//    ch-00 n=     4 [1 2 3 4095]
//    ch-04 n=     2 [-1 -32768]
//  [...]
package main // import "github.com/go-lpc/gtr/cmd/gtr-dump"

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/internal/wformat"
)

func main() {
	log.SetPrefix("gtr-dump: ")
	log.SetFlags(0)

	n := flag.Int("n", 8, "maximum number of values displayed per channel (0: all)")

	flag.Usage = func() {
		fmt.Printf(`gtr-dump decodes and displays waveform run files.

Usage: gtr-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> gtr-dump -n 4 ./run-000042.gtr
 === card 2, event 0 ===
 Time:     2020-09-13T12:26:40Z
 Mode:     postTrigger
 Channels: 2
   ch-00 n=     4 [1 2 3 4095]
   ch-04 n=     2 [-1 -32768]
 [...]

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input run file")
	}

	for _, fname := range flag.Args() {
		err := process(os.Stdout, fname, *n)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, max int) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	dec := wformat.NewDecoder(bufio.NewReader(f))
loop:
	for {
		var evt wformat.Event
		err := dec.Decode(&evt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break loop
			}
			return fmt.Errorf("could not decode event: %w", err)
		}
		fmt.Fprintf(wbuf, "=== card %d, event %d ===\n", evt.Header.Card, evt.Header.Number)
		fmt.Fprintf(wbuf, "Time:     %s\n", time.Unix(0, evt.Header.Time).UTC().Format(time.RFC3339Nano))
		fmt.Fprintf(wbuf, "Mode:     %v\n", gtr.ArmMode(evt.Header.Mode))
		fmt.Fprintf(wbuf, "Channels: %d\n", len(evt.Channels))

		for _, ch := range evt.Channels {
			n := ch.Len()
			if max > 0 && n > max {
				n = max
			}
			switch {
			case ch.Raw():
				fmt.Fprintf(wbuf, "  ch-%02d n=% 6d raw %v\n", ch.ID, ch.Len(), ch.Words[:n])
			default:
				fmt.Fprintf(wbuf, "  ch-%02d n=% 6d %v\n", ch.ID, ch.Len(), ch.Samples[:n])
			}
		}
	}

	return nil
}
