// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ring

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/dma"
)

const (
	defaultStaging = 2048 // words
	wordSize       = 4
	sampleSize     = 2
)

// Pair is a couple of channels filled from the upper and lower halves of
// interleaved 32-bit memory words.
type Pair struct {
	High *gtr.Channel
	Low  *gtr.Channel
}

// Full reports whether both channels reached their capacity.
func (p Pair) Full() bool {
	return p.High.Full() && p.Low.Full()
}

// Skip holds the number of leading samples to discard for each channel of
// a pair.
type Skip struct {
	High int
	Low  int
}

// Reader reads ring memories through a bus window, optionally with DMA.
//
// Offsets are byte offsets into the bus window.
type Reader struct {
	msg *log.Logger
	mem io.ReaderAt

	dma   *dma.Transfer
	bus   uint32 // bus address of the window origin
	space dma.AddrSpace

	stage    []byte
	mask     uint32
	lmask    uint32
	fallback bool
	timeout  time.Duration
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger used to report hardware inconsistencies.
func WithLogger(msg *log.Logger) Option {
	return func(r *Reader) {
		r.msg = msg
	}
}

// WithDMA reads memory in chunks with the provided transfer handle.
// bus is the bus address of the window origin. A zero space selects block
// transfers whenever the chunk address allows it.
func WithDMA(t *dma.Transfer, bus uint32, space dma.AddrSpace) Option {
	return func(r *Reader) {
		r.dma = t
		r.bus = bus
		r.space = space
	}
}

// WithStaging sets the size, in 32-bit words, of the DMA staging buffer.
func WithStaging(words int) Option {
	return func(r *Reader) {
		if words > 0 {
			r.stage = make([]byte, words*wordSize)
		}
	}
}

// WithMask sets the data mask applied to samples.
// Unless WithLowMask is also given, it applies to both halves of a word.
func WithMask(mask uint32) Option {
	return func(r *Reader) {
		r.mask = mask
		r.lmask = mask
	}
}

// WithLowMask sets the mask applied to the lower half of words.
func WithLowMask(mask uint32) Option {
	return func(r *Reader) {
		r.lmask = mask
	}
}

// WithFallback switches to direct reads when a DMA transfer fails,
// instead of aborting the read.
func WithFallback() Option {
	return func(r *Reader) {
		r.fallback = true
	}
}

// WithTimeout bounds each DMA transfer.
func WithTimeout(d time.Duration) Option {
	return func(r *Reader) {
		r.timeout = d
	}
}

// NewReader returns a reader over the bus window mem.
func NewReader(mem io.ReaderAt, opts ...Option) *Reader {
	r := &Reader{
		msg:   log.New(os.Stdout, "ring: ", 0),
		mem:   mem,
		mask:  0xffff,
		lmask: 0xffff,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dma != nil && r.stage == nil {
		r.stage = make([]byte, defaultStaging*wordSize)
	}
	return r
}

// SetLowMask changes the mask applied to the lower half of words.
func (r *Reader) SetLowMask(mask uint32) {
	r.lmask = mask
}

// DMA reports whether the reader uses a DMA engine.
func (r *Reader) DMA() bool {
	return r.dma != nil
}

// ReadContiguous demultiplexes the n 32-bit words starting at off into the
// channels of p: the upper half of each word goes to p.High, the lower
// half to p.Low.
//
// skip, if not nil, holds the number of samples to discard for each channel
// before storing and is updated with what remains to skip.
// Reading stops as soon as both channels are full.
//
// A transfer error aborts the read; the channel counts keep the samples
// stored before the failure.
func (r *Reader) ReadContiguous(ctx context.Context, p Pair, off int64, n int, skip *Skip) error {
	if skip == nil {
		skip = new(Skip)
	}
	src := r.cursor(ctx, off, n, wordSize)
	for i := 0; i < n; i++ {
		if p.Full() {
			break
		}
		w, err := src.next()
		if err != nil {
			return err
		}
		switch {
		case skip.High > 0:
			skip.High--
		case !p.High.Full():
			p.High.Push(int16((w >> 16) & r.mask))
		}
		switch {
		case skip.Low > 0:
			skip.Low--
		case !p.Low.Full():
			p.Low.Push(int16(w & r.lmask))
		}
	}
	return nil
}

// ReadWindow reads the spans of w, in chronological order, from the ring of
// 32-bit words starting at off.
func (r *Reader) ReadWindow(ctx context.Context, p Pair, off int64, w Window, skip *Skip) error {
	for _, span := range w.Spans() {
		err := r.ReadContiguous(ctx, p, off+int64(span.Beg)*wordSize, span.Len(), skip)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadSamples copies the n 16-bit samples starting at off into ch.
func (r *Reader) ReadSamples(ctx context.Context, ch *gtr.Channel, off int64, n int) error {
	src := r.cursor(ctx, off, n, sampleSize)
	for i := 0; i < n; i++ {
		if ch.Full() {
			break
		}
		v, err := src.next()
		if err != nil {
			return err
		}
		ch.Push(int16(v & r.mask))
	}
	return nil
}

// ReadWords copies the n raw 32-bit words starting at off into the 32-bit
// channel ch.
func (r *Reader) ReadWords(ctx context.Context, ch *gtr.Channel, off int64, n int) error {
	if ch == nil {
		return nil
	}
	if ch.Width != gtr.Int32 {
		return fmt.Errorf("ring: channel is not a 32-bit channel: %w", gtr.ErrInvalid)
	}
	src := r.cursor(ctx, off, n, wordSize)
	for i := 0; i < n; i++ {
		if ch.Full() {
			break
		}
		w, err := src.next()
		if err != nil {
			return err
		}
		ch.PushRaw(int32(w))
	}
	return nil
}

func (r *Reader) cursor(ctx context.Context, off int64, n, size int) *cursor {
	return &cursor{
		r:    r,
		ctx:  ctx,
		off:  off,
		left: n,
		size: size,
		dma:  r.dma != nil,
	}
}

// cursor iterates over the elements of a memory range, through the staging
// buffer in DMA mode.
type cursor struct {
	r    *Reader
	ctx  context.Context
	off  int64 // offset of the next element to fetch from memory
	left int   // elements not yet fetched
	size int   // element size in bytes
	dma  bool

	buf  []byte
	pos  int
	word [4]byte
}

func (c *cursor) next() (uint32, error) {
	if c.dma {
		if c.pos >= len(c.buf) {
			err := c.refill()
			switch {
			case err == nil:
			case c.r.fallback:
				c.r.msg.Printf("DMA transfer failed, switching to direct reads: %+v", err)
				c.dma = false
				return c.direct()
			default:
				return 0, err
			}
		}
		v := c.decode(c.buf[c.pos:])
		c.pos += c.size
		return v, nil
	}
	return c.direct()
}

func (c *cursor) direct() (uint32, error) {
	p := c.word[:c.size]
	_, err := c.r.mem.ReadAt(p, c.off)
	if err != nil {
		return 0, fmt.Errorf("ring: could not read memory at 0x%x: %w", c.off, err)
	}
	c.off += int64(c.size)
	c.left--
	return c.decode(p), nil
}

func (c *cursor) refill() error {
	n := c.left
	if lim := len(c.r.stage) / c.size; n > lim {
		n = lim
	}
	if n <= 0 {
		return fmt.Errorf("ring: read past the end of the requested range: %w", io.ErrUnexpectedEOF)
	}

	ctx := c.ctx
	if c.r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.r.timeout)
		defer cancel()
	}

	var (
		addr  = c.r.bus + uint32(c.off)
		space = c.r.space
		buf   = c.r.stage[:n*c.size]
	)
	if space == 0 {
		space = dma.BlockSpace(addr)
	}
	err := c.r.dma.FromDeviceAndWait(ctx, buf, addr, space, c.size)
	if err != nil {
		return fmt.Errorf("ring: could not read %d bytes at 0x%x: %w", len(buf), addr, err)
	}
	c.buf = buf
	c.pos = 0
	c.off += int64(len(buf))
	c.left -= n
	return nil
}

func (c *cursor) decode(p []byte) uint32 {
	if c.size == sampleSize {
		return uint32(binary.LittleEndian.Uint16(p))
	}
	return binary.LittleEndian.Uint32(p)
}
