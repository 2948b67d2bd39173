// Package mock provides test doubles for the translation package interfaces.
//
// Use Provider to verify that the caller starts streams with the expected
// StreamConfig. Use Recognizer to push controlled Event values into the
// consumer and to observe when the stream is stopped.
//
// Example:
//
//	rec := mock.NewRecognizer()
//	p := &mock.Provider{Recognizer: rec}
//	r, _ := p.StartContinuous(ctx, cfg)
//	rec.Emit(translation.Event{Kind: translation.EventTranslated, Text: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarcast/pkg/provider/translation"
)

// StartCall records a single invocation of Provider.StartContinuous.
type StartCall struct {
	Ctx context.Context
	Cfg translation.StreamConfig
}

// Provider is a mock implementation of translation.Provider.
type Provider struct {
	mu sync.Mutex

	// Recognizer is returned by StartContinuous. If nil, a fresh Recognizer
	// is created per call and retained in Started.
	Recognizer *Recognizer

	// StartErr, if non-nil, is returned as the error from StartContinuous.
	StartErr error

	// BeforeReturn, if set, runs after the call is recorded and before
	// StartContinuous returns. Tests use it to interleave a concurrent stop.
	BeforeReturn func()

	// StartCalls records every call to StartContinuous.
	StartCalls []StartCall

	// Started holds every Recognizer handed out, in order.
	Started []*Recognizer
}

// StartContinuous records the call and returns Recognizer, StartErr.
func (p *Provider) StartContinuous(ctx context.Context, cfg translation.StreamConfig) (translation.Recognizer, error) {
	p.mu.Lock()
	p.StartCalls = append(p.StartCalls, StartCall{Ctx: ctx, Cfg: cfg})
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	rec := p.Recognizer
	if rec == nil {
		rec = NewRecognizer()
	}
	p.Started = append(p.Started, rec)
	hook := p.BeforeReturn
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return rec, nil
}

// Calls returns a copy of the recorded StartContinuous calls. Thread-safe.
func (p *Provider) Calls() []StartCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartCall(nil), p.StartCalls...)
}

// Last returns the most recently started Recognizer, or nil.
func (p *Provider) Last() *Recognizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Started) == 0 {
		return nil
	}
	return p.Started[len(p.Started)-1]
}

var _ translation.Provider = (*Provider)(nil)

// Recognizer is a mock implementation of translation.Recognizer. Events
// pushed with Emit are delivered in order; Stop closes the channel.
type Recognizer struct {
	mu       sync.Mutex
	events   chan translation.Event
	stopped  bool
	stopOnce sync.Once

	// StopErr, if non-nil, is returned by every Stop call.
	StopErr error

	// StopCallCount is the number of times Stop was called.
	StopCallCount int
}

// NewRecognizer returns a Recognizer with a buffered event channel.
func NewRecognizer() *Recognizer {
	return &Recognizer{events: make(chan translation.Event, 64)}
}

// Emit delivers ev to the consumer. It is a no-op after Stop.
func (r *Recognizer) Emit(ev translation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.events <- ev
}

// Events returns the event channel.
func (r *Recognizer) Events() <-chan translation.Event { return r.events }

// Stop records the call and closes the event channel once.
func (r *Recognizer) Stop(_ context.Context) error {
	r.mu.Lock()
	r.StopCallCount++
	err := r.StopErr
	r.mu.Unlock()

	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		close(r.events)
		r.mu.Unlock()
	})
	return err
}

// Stopped reports whether Stop has been called.
func (r *Recognizer) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

var _ translation.Recognizer = (*Recognizer)(nil)
