// Package client stores per-connection participant state.
//
// A [Context] is owned by the [Store]: every write goes through
// [Store.Update], which serializes mutations of one client behind that
// client's own lock. Handles held in a Context are exclusively owned by it
// and must be released by whoever clears them.
package client

import (
	"context"
	"time"

	"github.com/MrWong99/avatarcast/pkg/provider/avatar"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// SynthesisHandle is a live avatar synthesis connection.
type SynthesisHandle interface {
	SpeakSSML(ctx context.Context, ssml string) (avatar.Result, error)
	Close() error
}

// RecognitionHandle is a running continuous recognition stream.
type RecognitionHandle interface {
	Stop(ctx context.Context) error
}

// AudioSink receives pushed speaker audio while streaming mode is active.
type AudioSink interface {
	WriteSamples(samples []int16) error
	Close() error
}

// Context is the state of one participant.
type Context struct {
	ID types.ClientID

	// Synthesis is nil when no avatar connection exists.
	Synthesis          SynthesisHandle
	SynthesisConnected bool

	// SynthesisEpoch increments on every connect and disconnect so that a
	// connect racing a disconnect can tell its handle was superseded.
	SynthesisEpoch uint64

	Voice string

	Recognition      RecognitionHandle
	RecognitionEpoch uint64

	// SessionID is a lookup-only reference; empty when unbound.
	SessionID types.SessionID

	AudioSink AudioSink

	CreatedAt time.Time
	LastSeen  time.Time
}

// Busy reports whether the client holds a live handle.
func (c Context) Busy() bool {
	return c.Synthesis != nil || c.Recognition != nil || c.AudioSink != nil
}
