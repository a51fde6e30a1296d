// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gtr

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry maps logical card indices to registered drivers.
type Registry struct {
	msg *log.Logger

	mu    sync.RWMutex
	cards map[int]*Card
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for registry messages.
func WithLogger(msg *log.Logger) Option {
	return func(reg *Registry) {
		reg.msg = msg
	}
}

// NewRegistry returns a new, empty registry.
func NewRegistry(opts ...Option) *Registry {
	reg := &Registry{
		msg:   log.New(os.Stdout, "gtr: ", 0),
		cards: make(map[int]*Card),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// Register registers drv under the card index.
// Registering an index twice keeps the first registration.
func (reg *Registry) Register(index int, name string, drv Driver) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, dup := reg.cards[index]; dup {
		reg.msg.Printf("card %d is already registered", index)
		return fmt.Errorf("gtr: card %d: %w", index, ErrDuplicate)
	}

	reg.cards[index] = &Card{
		index: index,
		name:  name,
		drv:   drv,
	}
	return nil
}

// Find returns the card registered under index.
func (reg *Registry) Find(index int) (*Card, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	c, ok := reg.cards[index]
	return c, ok
}

// Card returns the card registered under index or ErrNotFound.
func (reg *Registry) Card(index int) (*Card, error) {
	c, ok := reg.Find(index)
	if !ok {
		return nil, fmt.Errorf("gtr: card %d: %w", index, ErrNotFound)
	}
	return c, nil
}

// Cards returns all registered cards, sorted by index.
func (reg *Registry) Cards() []*Card {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	cards := make([]*Card, 0, len(reg.cards))
	for _, c := range reg.cards {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool {
		return cards[i].index < cards[j].index
	})
	return cards
}

// Len returns the number of registered cards.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.cards)
}

// Report writes a report of every registered card to w.
func (reg *Registry) Report(w io.Writer, level int) {
	for _, c := range reg.Cards() {
		c.Report(w, level)
	}
}

// Reboot disarms every card whose driver supports it.
// Completed acquisitions are not reported to handlers afterwards.
func (reg *Registry) Reboot(ctx context.Context) error {
	grp, _ := errgroup.WithContext(ctx)
	for _, c := range reg.Cards() {
		c := c
		drv, ok := c.drv.(Rebooter)
		if !ok {
			continue
		}
		grp.Go(func() error {
			err := drv.Reboot()
			if err != nil {
				return fmt.Errorf("gtr: could not reboot card %d (%s): %w", c.index, c.name, err)
			}
			return nil
		})
	}
	return grp.Wait()
}

// Card is a registered digitizer card.
//
// Dispatch methods do not serialize access to the hardware: callers hold
// the card lock around a sequence of operations.
type Card struct {
	index int
	name  string
	drv   Driver

	mu   sync.Mutex
	umu  sync.RWMutex
	user interface{}
}

// Index returns the logical card index.
func (c *Card) Index() int { return c.index }

// Driver returns the driver handle.
func (c *Card) Driver() Driver { return c.drv }

func (c *Card) Lock()   { c.mu.Lock() }
func (c *Card) Unlock() { c.mu.Unlock() }

// SetUser attaches a caller context to the card.
func (c *Card) SetUser(v interface{}) {
	c.umu.Lock()
	c.user = v
	c.umu.Unlock()
}

// User returns the caller context attached with SetUser.
func (c *Card) User() interface{} {
	c.umu.RLock()
	defer c.umu.RUnlock()
	return c.user
}

// Supports reports whether the card driver implements op.
func (c *Card) Supports(op Op) bool {
	return Supports(c.drv, op)
}

func (c *Card) Init() error {
	drv, ok := c.drv.(Initer)
	if !ok {
		return nil
	}
	return drv.Init()
}

func (c *Card) Report(w io.Writer, level int) {
	drv, ok := c.drv.(Reporter)
	if !ok {
		fmt.Fprintf(w, "gtr card %d name %s\n", c.index, c.name)
		return
	}
	drv.Report(w, level)
}

func (c *Card) Clock(v int) error {
	drv, ok := c.drv.(Clocker)
	if !ok {
		return absent(OpClock)
	}
	return drv.Clock(v)
}

func (c *Card) Trigger(v int) error {
	drv, ok := c.drv.(Triggerer)
	if !ok {
		return absent(OpTrigger)
	}
	return drv.Trigger(v)
}

func (c *Card) MultiEvent(v int) error {
	drv, ok := c.drv.(MultiEventer)
	if !ok {
		return absent(OpMultiEvent)
	}
	return drv.MultiEvent(v)
}

func (c *Card) PreAverage(v int) error {
	drv, ok := c.drv.(PreAverager)
	if !ok {
		return absent(OpPreAverage)
	}
	return drv.PreAverage(v)
}

func (c *Card) NumberPTS(n int) error {
	drv, ok := c.drv.(PTSSetter)
	if !ok {
		return absent(OpNumberPTS)
	}
	return drv.NumberPTS(n)
}

func (c *Card) NumberPPS(n int) error {
	drv, ok := c.drv.(PPSSetter)
	if !ok {
		return absent(OpNumberPPS)
	}
	return drv.NumberPPS(n)
}

func (c *Card) NumberPTE(n int) error {
	drv, ok := c.drv.(PTESetter)
	if !ok {
		return absent(OpNumberPTE)
	}
	return drv.NumberPTE(n)
}

func (c *Card) Arm(mode ArmMode) error {
	drv, ok := c.drv.(Armer)
	if !ok {
		return absent(OpArm)
	}
	return drv.Arm(mode)
}

func (c *Card) SoftTrigger() error {
	drv, ok := c.drv.(SoftTriggerer)
	if !ok {
		return absent(OpSoftTrigger)
	}
	return drv.SoftTrigger()
}

func (c *Card) ReadMemory(ctx context.Context, chans []*Channel) error {
	drv, ok := c.drv.(MemoryReader)
	if !ok {
		return absent(OpReadMemory)
	}
	return drv.ReadMemory(ctx, chans)
}

func (c *Card) ReadRawMemory(ctx context.Context, chans []*Channel) error {
	drv, ok := c.drv.(RawMemoryReader)
	if !ok {
		return absent(OpReadRawMemory)
	}
	return drv.ReadRawMemory(ctx, chans)
}

func (c *Card) Limits() (lo, hi int32, err error) {
	drv, ok := c.drv.(Limiter)
	if !ok {
		return 0, 0, absent(OpLimits)
	}
	return drv.Limits()
}

func (c *Card) RegisterHandler(h Handler) error {
	drv, ok := c.drv.(HandlerRegisterer)
	if !ok {
		return absent(OpRegisterHandler)
	}
	return drv.RegisterHandler(h)
}

func (c *Card) NumberChannels() int {
	drv, ok := c.drv.(Channeler)
	if !ok {
		return 0
	}
	return drv.NumberChannels()
}

func (c *Card) NumberRawChannels() int {
	drv, ok := c.drv.(RawChanneler)
	if !ok {
		return 0
	}
	return drv.NumberRawChannels()
}

func (c *Card) ClockChoices() ([]string, error) {
	drv, ok := c.drv.(ClockChooser)
	if !ok {
		return nil, absent(OpClockChoices)
	}
	return drv.ClockChoices()
}

func (c *Card) ArmChoices() ([]string, error) {
	drv, ok := c.drv.(ArmChooser)
	if !ok {
		return nil, absent(OpArmChoices)
	}
	return drv.ArmChoices()
}

func (c *Card) TriggerChoices() ([]string, error) {
	drv, ok := c.drv.(TriggerChooser)
	if !ok {
		return nil, absent(OpTriggerChoices)
	}
	return drv.TriggerChoices()
}

func (c *Card) MultiEventChoices() ([]string, error) {
	drv, ok := c.drv.(MultiEventChooser)
	if !ok {
		return nil, nil
	}
	return drv.MultiEventChoices()
}

func (c *Card) PreAverageChoices() ([]string, error) {
	drv, ok := c.drv.(PreAverageChooser)
	if !ok {
		return nil, nil
	}
	return drv.PreAverageChoices()
}

// Choices dispatches one of the choice operations.
func (c *Card) Choices(op Op) ([]string, error) {
	switch op {
	case OpClockChoices:
		return c.ClockChoices()
	case OpArmChoices:
		return c.ArmChoices()
	case OpTriggerChoices:
		return c.TriggerChoices()
	case OpMultiEventChoices:
		return c.MultiEventChoices()
	case OpPreAverageChoices:
		return c.PreAverageChoices()
	}
	return nil, fmt.Errorf("gtr: %v is not a choice operation: %w", op, ErrInvalid)
}

// Name returns the name of the card.
// Without driver support, the registered name is returned along with
// ErrUnsupported.
func (c *Card) Name() (string, error) {
	drv, ok := c.drv.(Namer)
	if !ok {
		return c.name, absent(OpName)
	}
	return drv.Name(), nil
}
