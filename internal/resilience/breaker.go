// Package resilience guards calls to the cloud speech service.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops hammering an endpoint after consecutive failures. [Chain] orders
// several implementations of the same capability, each behind its own
// breaker, and falls through to the next one when a call fails.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. A failing probe
	// re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenProbes is both the number of concurrent probes admitted in the
	// half-open state and the number of successes required to close again.
	// Default: 1.
	HalfOpenProbes int

	// IsFailure classifies an error returned by the guarded call. Errors it
	// rejects pass through without counting against the breaker. When nil,
	// every error except context cancellation counts.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after each transition. It runs
	// with the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the circuit breaker pattern around arbitrary calls.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	probes        int
	isFailure     func(error) bool
	onStateChange func(string, State, State)
	now           func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	probeWins int
}

// NewBreaker creates a [Breaker]. Zero-value config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		probes:        cfg.HalfOpenProbes,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the configured label.
func (b *Breaker) Name() string { return b.name }

// Do runs fn when the breaker admits the call. A context that is already
// done short-circuits without touching breaker state.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.settle(probe, err)
	return err
}

// Call is [Breaker.Do] for functions that produce a value.
func Call[R any](ctx context.Context, b *Breaker, fn func(context.Context) (R, error)) (R, error) {
	var out R
	err := b.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// admit reserves a slot for one call. probe reports whether the slot is a
// half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from, to State
	changed := false
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false, ErrOpen
		}
		from, to, changed = b.state, StateHalfOpen, true
		b.state = StateHalfOpen
		b.inFlight, b.probeWins = 0, 0
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.probes {
			b.mu.Unlock()
			b.notify(changed, from, to)
			return false, ErrOpen
		}
		b.inFlight++
		probe = true
	}
	b.mu.Unlock()
	b.notify(changed, from, to)
	return probe, nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	failed := err != nil && b.isFailure(err)

	switch {
	case probe && b.state == StateHalfOpen:
		b.inFlight--
		if failed {
			b.trip()
		} else if err == nil {
			b.probeWins++
			if b.probeWins >= b.probes {
				b.state = StateClosed
				b.failures = 0
			}
		}
	case failed:
		b.failures++
		if b.state == StateClosed && b.failures >= b.maxFailures {
			b.trip()
		}
	case err == nil && b.state == StateClosed:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from != to, from, to)
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.inFlight, b.probeWins = 0, 0
}

func (b *Breaker) notify(changed bool, from, to State) {
	if !changed {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", b.name, "from", from.String(), "to", to.String())
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.inFlight, b.probeWins = 0, 0, 0
	b.mu.Unlock()
	b.notify(from != StateClosed, from, StateClosed)
}
