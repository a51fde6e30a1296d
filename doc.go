// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gtr provides a uniform interface to VME transient recorders
// (waveform digitizers).
//
// Card drivers register themselves with a Registry under a logical card
// index. Callers resolve a card by index and dispatch operations to it:
// acquisition parameters (clock, trigger, sample counts), arming and
// read-out of the on-board ring memory into Channel buffers.
//
// A driver only implements the operations its hardware supports.
// Dispatching an operation a driver does not implement follows a fixed
// per-operation policy (see Op.Absent).
package gtr // import "github.com/go-lpc/gtr"

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version of gtr and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-lpc/gtr"
	if b.Main.Path == root {
		return b.Main.Version, b.Main.Sum
	}
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
