// Package broadcast implements the bounded-buffer stream tee primitive
// called for in spec.md §9 ("Stream tees"): a response body has at most
// three consumers (the client, the cache body file, the inspector body
// file) and none of them may force the others to buffer an unbounded
// amount of data in memory. A single pump goroutine drains the source
// once and fans chunks out to per-consumer bounded buffers; a consumer
// that falls more than bufBound bytes behind is cut off with ErrStalled
// instead of stalling its siblings.
package broadcast

import (
	"errors"
	"io"
	"math"
	"sync"
)

// ErrStalled is returned from Read by a consumer that fell too far behind
// and was dropped so the other consumers (and the upstream read loop)
// could keep moving.
var ErrStalled = errors.New("broadcast: consumer stalled past buffer bound")

// DefaultBufBound is used when Tee is constructed with a bufBound <= 0.
const DefaultBufBound = 1 << 20 // 1MiB per consumer

// Unbounded disables the stall cutoff for a consumer leg passed to
// NewTeeBounds: the only enforced ceiling on such a leg is whatever the
// caller (the client response write, in package dispatch) is itself
// bounded by.
const Unbounded = math.MaxInt

const readChunk = 32 * 1024

// Tee reads src once and distributes identical copies of the bytes to each
// consumer returned by NewTee. Call Run to start the pump; it blocks until
// src is exhausted or every consumer has stalled or been closed.
type Tee struct {
	src       io.Reader
	consumers []*consumer
}

// consumer is one fan-out leg of a Tee. It implements io.ReadCloser.
type consumer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	bound  int
	buf    []byte
	eof    bool
	err    error
	closed bool
}

// NewTee creates a Tee over src with n consumer legs, each allowed to
// buffer up to bufBound bytes before being cut off. n must be >= 1.
func NewTee(src io.Reader, n int, bufBound int) (*Tee, []io.ReadCloser) {
	bounds := make([]int, n)
	for i := range bounds {
		bounds[i] = bufBound
	}
	return NewTeeBounds(src, bounds)
}

// NewTeeBounds creates a Tee over src with one consumer leg per entry in
// bounds. A bound <= 0 uses DefaultBufBound; pass Unbounded to exempt a
// leg (e.g. the client response write) from the stall cutoff entirely,
// for instance when the other legs (cache, inspector) must not be able to
// truncate the response the client actually receives.
func NewTeeBounds(src io.Reader, bounds []int) (*Tee, []io.ReadCloser) {
	t := &Tee{src: src}
	readers := make([]io.ReadCloser, len(bounds))
	for i, bound := range bounds {
		if bound <= 0 {
			bound = DefaultBufBound
		}
		c := &consumer{bound: bound}
		c.cond = sync.NewCond(&c.mu)
		t.consumers = append(t.consumers, c)
		readers[i] = c
	}
	return t, readers
}

// Run drains src into every live consumer until EOF, a read error, or all
// consumers have stopped accepting data. It is intended to run on its own
// goroutine; callers read the legs returned by NewTee concurrently.
func (t *Tee) Run() {
	buf := make([]byte, readChunk)
	for {
		n, readErr := t.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !t.fanOut(chunk) {
				// Every consumer has stopped; nothing left to feed.
				return
			}
		}
		if readErr != nil {
			t.finish(readErr)
			return
		}
	}
}

// fanOut delivers chunk to each still-live consumer. Returns false once no
// consumer remains live, letting Run stop reading from src early.
func (t *Tee) fanOut(chunk []byte) bool {
	anyLive := false
	for _, c := range t.consumers {
		if c.offer(chunk) {
			anyLive = true
		}
	}
	return anyLive
}

// finish marks every consumer as done; err is io.EOF on clean exhaustion or
// the read error from src otherwise.
func (t *Tee) finish(err error) {
	for _, c := range t.consumers {
		c.close(err)
	}
}

// offer appends chunk to c's buffer unless doing so would exceed c's
// bound, in which case c is marked stalled, its buffered bytes are
// discarded, and future chunks are dropped for it. Returns true if c is
// still live after this call.
func (c *consumer) offer(chunk []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.eof || c.err != nil {
		return false
	}
	if len(c.buf)+len(chunk) > c.bound {
		c.err = ErrStalled
		c.buf = nil
		c.cond.Broadcast()
		return false
	}
	c.buf = append(c.buf, chunk...)
	c.cond.Broadcast()
	return true
}

func (c *consumer) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eof || c.err != nil {
		return
	}
	if err == io.EOF || err == nil {
		c.eof = true
	} else {
		c.err = err
	}
	c.cond.Broadcast()
}

// Read implements io.Reader, blocking until data, EOF, or an error is
// available.
func (c *consumer) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.buf) == 0 && !c.eof && c.err == nil && !c.closed {
		c.cond.Wait()
	}

	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	}
	if c.err != nil {
		return 0, c.err
	}
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return 0, io.EOF
}

// Close stops this consumer from receiving further chunks. Safe to call
// more than once.
func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.buf = nil
	c.cond.Broadcast()
	return nil
}
