//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// framesPerBuffer is 100ms at 16 kHz.
const framesPerBuffer = 1600

// DefaultCapture returns the host's default input device through PortAudio.
func DefaultCapture() CaptureDevice {
	return CaptureFunc(openPortAudio)
}

type portAudioCapture struct {
	stream *portaudio.Stream
	out    *PushStream
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func openPortAudio(ctx context.Context, format types.AudioFormat) (io.ReadCloser, error) {
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("audio: capture: unsupported sample width %d", format.BitsPerSample)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio: capture: initialize: %w", err)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("audio: capture: default device: %w", err)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = framesPerBuffer

	buf := make([]int16, framesPerBuffer*format.Channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("audio: capture: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("audio: capture: start: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &portAudioCapture{
		stream: stream,
		out:    NewPushStream(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.pump(ctx, buf)
	slog.Info("audio capture started", "device", dev.Name, "sample_rate", format.SampleRate)
	return c, nil
}

func (c *portAudioCapture) pump(ctx context.Context, buf []int16) {
	defer close(c.done)
	defer c.out.Close()
	for ctx.Err() == nil {
		if err := c.stream.Read(); err != nil {
			slog.Warn("audio capture read failed", "err", err)
			return
		}
		if err := c.out.WriteSamples(buf); err != nil {
			return
		}
	}
}

func (c *portAudioCapture) Read(b []byte) (int, error) { return c.out.Read(b) }

// Close stops the device and terminates PortAudio. It is idempotent.
func (c *portAudioCapture) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		<-c.done
		err = c.stream.Stop()
		if cerr := c.stream.Close(); err == nil {
			err = cerr
		}
		_ = portaudio.Terminate()
	})
	return err
}
