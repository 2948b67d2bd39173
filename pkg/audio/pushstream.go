package audio

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrStreamClosed is returned by writes after [PushStream.Close].
var ErrStreamClosed = errors.New("audio: push stream closed")

// DefaultMaxBuffered bounds a [PushStream] at 30 seconds of 16 kHz mono PCM.
const DefaultMaxBuffered = 30 * 16000 * 2

// PushStream is an in-memory PCM pipe. Producers append frames with
// [PushStream.WriteSamples]; a single consumer drains it through Read.
// Writes never block: a frame that would exceed the buffer bound is dropped.
type PushStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	max     int
	closed  bool
	dropped atomic.Int64
}

// PushOption configures a [PushStream].
type PushOption func(*PushStream)

// WithMaxBuffered sets the byte bound on unread audio. n <= 0 disables it.
func WithMaxBuffered(n int) PushOption {
	return func(p *PushStream) { p.max = n }
}

// NewPushStream creates an open, empty stream.
func NewPushStream(opts ...PushOption) *PushStream {
	p := &PushStream{max: DefaultMaxBuffered}
	p.cond = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	return p
}

// WriteSamples appends samples in little-endian byte order.
func (p *PushStream) WriteSamples(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	return p.write(EncodePCM16(samples))
}

// Write appends raw PCM bytes. It implements [io.Writer].
func (p *PushStream) Write(b []byte) (int, error) {
	if err := p.write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *PushStream) write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrStreamClosed
	}
	if p.max > 0 && len(p.buf)+len(b) > p.max {
		p.dropped.Add(1)
		return nil
	}
	p.buf = append(p.buf, b...)
	p.cond.Signal()
	return nil
}

// Read blocks until audio is available or the stream is closed. After
// Close it drains the remaining bytes and then returns [io.EOF].
func (p *PushStream) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return n, nil
}

// Close ends the stream and wakes any blocked reader. It is idempotent.
func (p *PushStream) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

// Buffered returns the number of unread bytes.
func (p *PushStream) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Dropped returns the number of frames discarded by the buffer bound.
func (p *PushStream) Dropped() int64 { return p.dropped.Load() }
