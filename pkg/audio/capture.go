package audio

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// ErrCaptureUnsupported is returned by the [DefaultCapture] device in builds
// without the portaudio tag.
var ErrCaptureUnsupported = errors.New("audio: local capture not available in this build")

// CaptureDevice opens a local input device as a PCM stream in the requested
// format. Closing the returned reader releases the device.
type CaptureDevice interface {
	Open(ctx context.Context, format types.AudioFormat) (io.ReadCloser, error)
}

// CaptureFunc adapts a function to [CaptureDevice].
type CaptureFunc func(ctx context.Context, format types.AudioFormat) (io.ReadCloser, error)

// Open calls f.
func (f CaptureFunc) Open(ctx context.Context, format types.AudioFormat) (io.ReadCloser, error) {
	return f(ctx, format)
}
