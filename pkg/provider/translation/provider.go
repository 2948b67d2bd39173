// Package translation defines the Provider interface for continuous
// speech-translation backends.
//
// A translation provider consumes a stream of raw PCM audio in one source
// language and emits recognition events carrying the recognised source text
// and its translation into each requested target language. The central
// abstraction is [Recognizer]: once started, it runs until explicitly
// stopped and delivers its events over a channel.
//
// Implementations must be safe for concurrent use.
package translation

import (
	"context"
	"io"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// EventKind classifies a recognition event.
type EventKind int

const (
	// EventRecognizing is an interim hypothesis. Consumers that only act on
	// committed results should ignore it.
	EventRecognizing EventKind = iota

	// EventTranslated is a finalised utterance with translations.
	EventTranslated

	// EventNoMatch reports audio in which no speech was recognised.
	EventNoMatch

	// EventCanceled reports that the provider aborted or rejected the
	// stream. See [Event.Cancellation].
	EventCanceled
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventRecognizing:
		return "recognizing"
	case EventTranslated:
		return "translated"
	case EventNoMatch:
		return "no_match"
	case EventCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// CancellationReason is the coarse reason attached to [EventCanceled].
type CancellationReason string

const (
	ReasonError       CancellationReason = "Error"
	ReasonEndOfStream CancellationReason = "EndOfStream"
)

// Cancellation describes why a stream was canceled.
type Cancellation struct {
	Reason CancellationReason

	// Code is the provider's error code, if any.
	Code string

	// Details is the provider-supplied error text. Set when Reason is
	// [ReasonError].
	Details string
}

// Event is one recognition result.
type Event struct {
	Kind EventKind

	// Text is the recognised source-language text.
	Text string

	// Translations maps a target language (as requested in
	// [StreamConfig.TargetLanguages]) to its translated text.
	Translations map[string]string

	// Cancellation is set only for [EventCanceled].
	Cancellation *Cancellation
}

// StreamConfig describes a new continuous translation stream.
type StreamConfig struct {
	// SourceLanguage is the BCP-47 recognition language (e.g., "en-US").
	SourceLanguage string

	// TargetLanguages lists the translation targets as primary subtags
	// (e.g., "es").
	TargetLanguages []string

	// Audio is read until it returns io.EOF or the stream is stopped. It must
	// deliver raw little-endian PCM in Format.
	Audio io.Reader

	// Format is the PCM layout of Audio.
	Format types.AudioFormat
}

// Recognizer is a running continuous translation stream.
type Recognizer interface {
	// Events returns the event channel. It is closed once the stream has
	// fully stopped, whether by Stop, by audio EOF, or by a fatal provider
	// error (which is delivered as an [EventCanceled] first).
	Events() <-chan Event

	// Stop ends recognition and releases all resources. Calling Stop more
	// than once is safe and returns nil.
	Stop(ctx context.Context) error
}

// Provider is the abstraction over any speech-translation backend.
type Provider interface {
	// StartContinuous opens a stream and begins recognition. The returned
	// Recognizer is live until stopped; ctx bounds only the start itself.
	StartContinuous(ctx context.Context, cfg StreamConfig) (Recognizer, error)
}
