package translation

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/avatarcast/pkg/audio"
	providertranslation "github.com/MrWong99/avatarcast/pkg/provider/translation"
)

// stream is the recognition handle stored in a client's context. It owns
// the recognizer, the push sink or local capture device feeding it, and
// the admission slot.
type stream struct {
	rec     providertranslation.Recognizer
	sink    *audio.PushStream
	capture io.Closer
	release func()

	once sync.Once
	err  error
}

// Stop ends recognition and releases the audio source and admission slot.
// Safe to call more than once.
func (s *stream) Stop(ctx context.Context) error {
	s.once.Do(func() {
		var errs []error
		if s.sink != nil {
			_ = s.sink.Close()
		}
		if s.capture != nil {
			errs = append(errs, s.capture.Close())
		}
		errs = append(errs, s.rec.Stop(ctx))
		s.release()
		s.err = errors.Join(errs...)
	})
	return s.err
}
