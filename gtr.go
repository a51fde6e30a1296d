// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gtr

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a parameter is modified while the card is armed.
	ErrBusy = errors.New("gtr: card is armed")

	// ErrUnsupported is returned when a driver does not implement an operation.
	ErrUnsupported = errors.New("gtr: operation not supported")

	// ErrInvalid is returned for out-of-range parameter values or
	// forbidden parameter combinations.
	ErrInvalid = errors.New("gtr: invalid parameter")

	// ErrNotFound is returned when no card is registered under an index.
	ErrNotFound = errors.New("gtr: card not found")

	// ErrDuplicate is returned when a card index is registered twice.
	ErrDuplicate = errors.New("gtr: card already registered")
)

// Status is the tri-state outcome reported to upper layers.
type Status int

const (
	OK    Status = 0
	Busy  Status = -1
	Error Status = -2
)

func (st Status) String() string {
	switch st {
	case OK:
		return "ok"
	case Busy:
		return "busy"
	case Error:
		return "error"
	}
	return fmt.Sprintf("Status(%d)", int(st))
}

// StatusOf maps an error returned by a card operation to a Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrBusy):
		return Busy
	default:
		return Error
	}
}

// ArmMode describes how a card is armed.
type ArmMode int

const (
	Disarm         ArmMode = iota // card idle
	PostTrigger                   // linear fill starting at the trigger
	PrePostTrigger                // continuous circular capture around the trigger
)

// ArmChoices are the names of the arm modes, indexed by ArmMode.
var ArmChoices = []string{"disarm", "postTrigger", "prePostTrigger"}

func (m ArmMode) String() string {
	if m < 0 || int(m) >= len(ArmChoices) {
		return fmt.Sprintf("ArmMode(%d)", int(m))
	}
	return ArmChoices[m]
}

// Handler is invoked once per completed acquisition.
type Handler func()

// DefaultChoices is the menu presented for a choice operation that
// returned less than two entries.
var DefaultChoices = []string{"notSupported", "notSupported"}

// maxChoices is the largest menu a choice operation may return.
const maxChoices = 16

// MenuChoices turns the result of a choice operation into a menu.
func MenuChoices(choices []string, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	if len(choices) > maxChoices {
		return nil, fmt.Errorf("gtr: too many choices (%d > %d): %w", len(choices), maxChoices, ErrInvalid)
	}
	if len(choices) <= 1 {
		return DefaultChoices, nil
	}
	return choices, nil
}
