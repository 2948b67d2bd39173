//go:build !portaudio

package audio

import (
	"context"
	"io"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// DefaultCapture returns the host's default input device.
func DefaultCapture() CaptureDevice {
	return CaptureFunc(func(context.Context, types.AudioFormat) (io.ReadCloser, error) {
		return nil, ErrCaptureUnsupported
	})
}
