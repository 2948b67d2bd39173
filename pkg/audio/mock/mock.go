// Package mock provides an in-memory mock implementation of the
// [audio.CaptureDevice] interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every Open call so that
// tests can assert on call counts and formats, and it exposes exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Capture{}
//	p := translation.New(prov, store, synth, hub, translation.WithCapture(dev))
//	// ... start a device-mode stream ...
//	dev.Last().WriteSamples([]int16{1, 2, 3})
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/avatarcast/pkg/audio"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// Capture is a mock implementation of [audio.CaptureDevice]. Every Open
// hands out a fresh [audio.PushStream] the test can write samples into.
type Capture struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records the format of every Open call.
	OpenCalls []types.AudioFormat

	// Streams holds every stream handed out, in order.
	Streams []*audio.PushStream
}

// Open records the call and returns a new stream or OpenErr.
func (c *Capture) Open(_ context.Context, format types.AudioFormat) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, format)
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	s := audio.NewPushStream()
	c.Streams = append(c.Streams, s)
	return s, nil
}

// Calls returns a copy of the recorded formats. Thread-safe.
func (c *Capture) Calls() []types.AudioFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.AudioFormat(nil), c.OpenCalls...)
}

// Last returns the most recently opened stream, or nil.
func (c *Capture) Last() *audio.PushStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Streams) == 0 {
		return nil
	}
	return c.Streams[len(c.Streams)-1]
}

var _ audio.CaptureDevice = (*Capture)(nil)
