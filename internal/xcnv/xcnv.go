// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcnv provides tools to convert waveform run files to/from LCIO.
package xcnv // import "github.com/go-lpc/gtr/internal/xcnv"

const (
	detector = "GTR"
	collName = "GTR_WAVEFORMS"
)
