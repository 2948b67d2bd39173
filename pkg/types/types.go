// Package types defines the identifiers and error kinds shared across all
// avatarcast packages.
//
// The error kinds are sentinels so that any layer can classify a failure with
// [errors.Is] without knowing which provider or store produced it. The HTTP
// surface maps them onto status codes; everything below it only wraps.
package types

import (
	"errors"
	"time"
)

// ClientID identifies one browser-side participant. Values are UUIDv4 strings
// and are safe to pass in headers and URLs.
type ClientID string

// SessionID is the 6-digit numeric code of a translation session.
type SessionID string

// ConnID identifies one live socket connection on the broadcast hub.
type ConnID string

// Error kinds. Wrap them with %w; never compare error strings.
var (
	// ErrNotFound reports an unknown client or session id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput reports a malformed request body or field.
	ErrInvalidInput = errors.New("invalid input")

	// ErrProviderCanceled reports that the speech or avatar capability
	// rejected or aborted an operation. Use [CanceledError] to carry the
	// provider-supplied detail.
	ErrProviderCanceled = errors.New("provider canceled")

	// ErrProviderUnavailable reports a network or auth failure while talking
	// to an external capability, including timeouts.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrAtCapacity reports that an admission limit rejected a new
	// recognition stream or avatar connection.
	ErrAtCapacity = errors.New("at capacity")
)

// CanceledError carries the detail string a provider attached to a
// cancellation. It matches [ErrProviderCanceled] under [errors.Is].
type CanceledError struct {
	// Reason is the provider's coarse cancellation reason (e.g. "Error").
	Reason string

	// Detail is the provider-supplied error text, surfaced to callers as is.
	Detail string
}

func (e *CanceledError) Error() string {
	if e.Reason == "" {
		return "provider canceled: " + e.Detail
	}
	return "provider canceled (" + e.Reason + "): " + e.Detail
}

// Is makes CanceledError match [ErrProviderCanceled].
func (e *CanceledError) Is(target error) bool {
	return target == ErrProviderCanceled
}

// AudioFormat describes raw little-endian PCM audio.
type AudioFormat struct {
	// SampleRate in Hz.
	SampleRate int

	// BitsPerSample is the sample width. Only 16 is produced by this module.
	BitsPerSample int

	// Channels: 1 for mono.
	Channels int
}

// SpeechPCM is the fixed format of externally delivered speaker audio:
// 16 kHz, 16-bit signed, mono.
var SpeechPCM = AudioFormat{SampleRate: 16000, BitsPerSample: 16, Channels: 1}

// BytesPerSecond returns the byte rate of f.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Duration returns the playback duration of n bytes in format f.
func (f AudioFormat) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}
