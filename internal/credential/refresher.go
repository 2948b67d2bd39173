package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarcast/internal/health"
	"github.com/MrWong99/avatarcast/internal/observe"
)

// Defaults for [NewRefresher].
const (
	DefaultInterval = 9 * time.Minute
	DefaultValidity = 10 * time.Minute
	DefaultTimeout  = 15 * time.Second
)

// ErrNoToken is returned by health checks before the first successful fetch.
var ErrNoToken = errors.New("credential: no token fetched yet")

// ErrStale is returned by health checks when the latest token has outlived
// its validity window.
var ErrStale = errors.New("credential: token expired")

// Option configures a [Refresher].
type Option func(*Refresher)

// WithInterval sets the period between fetches.
func WithInterval(d time.Duration) Option {
	return func(r *Refresher) { r.interval = d }
}

// WithValidity sets how long a fetched token is assumed valid.
func WithValidity(d time.Duration) Option {
	return func(r *Refresher) { r.validity = d }
}

// WithTimeout bounds a single fetch.
func WithTimeout(d time.Duration) Option {
	return func(r *Refresher) { r.timeout = d }
}

// WithMetrics records refresh outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Refresher) { r.metrics = m }
}

type slot struct {
	provider Provider
	current  atomic.Pointer[Token]
	failures atomic.Int64
}

// Refresher keeps one token per kind fresh. The set of kinds is fixed at
// construction, so reads are lock-free.
type Refresher struct {
	interval time.Duration
	validity time.Duration
	timeout  time.Duration
	metrics  *observe.Metrics
	now      func() time.Time

	slots map[Kind]*slot
}

// NewRefresher creates a refresher for providers. It fails when the
// interval leaves no full interval of margin before tokens expire.
func NewRefresher(providers map[Kind]Provider, opts ...Option) (*Refresher, error) {
	r := &Refresher{
		interval: DefaultInterval,
		validity: DefaultValidity,
		timeout:  DefaultTimeout,
		now:      time.Now,
		slots:    make(map[Kind]*slot, len(providers)),
	}
	for _, o := range opts {
		o(r)
	}
	if r.interval <= 0 || r.interval >= r.validity {
		return nil, fmt.Errorf("credential: refresh interval %s must be positive and shorter than validity %s", r.interval, r.validity)
	}
	for k, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("credential: nil provider for %q", k)
		}
		r.slots[k] = &slot{provider: p}
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r, nil
}

// Kinds returns the registered kinds in a stable order.
func (r *Refresher) Kinds() []Kind {
	out := make([]Kind, 0, len(r.slots))
	for k := range r.slots {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Run blocks until ctx is cancelled, refreshing every kind. It returns nil
// on cancellation; fetch errors never stop a loop.
func (r *Refresher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range r.Kinds() {
		g.Go(func() error {
			r.loop(gctx, k)
			return nil
		})
	}
	return g.Wait()
}

func (r *Refresher) loop(ctx context.Context, kind Kind) {
	r.Refresh(ctx, kind)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Refresh(ctx, kind)
		}
	}
}

// Refresh performs one fetch for kind and publishes the result on success.
// It reports whether the fetch succeeded.
func (r *Refresher) Refresh(ctx context.Context, kind Kind) bool {
	s, ok := r.slots[kind]
	if !ok {
		return false
	}
	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.now()
	tok, err := safeFetch(fctx, s.provider)
	elapsed := r.now().Sub(start).Seconds()
	if err == nil && kind == KindRelay && tok.Relay == nil {
		err = errors.New("credential: relay provider returned no relay credential")
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		n := s.failures.Add(1)
		r.metrics.RecordTokenRefresh(ctx, string(kind), "error", elapsed)
		slog.Warn("credential: refresh failed, keeping previous token",
			"kind", kind,
			"consecutive_failures", n,
			"err", err,
		)
		return false
	}

	tok.Kind = kind
	if tok.FetchedAt.IsZero() {
		tok.FetchedAt = r.now()
	}
	s.current.Store(&tok)
	if n := s.failures.Swap(0); n > 0 {
		slog.Info("credential: refresh recovered", "kind", kind, "after_failures", n)
	}
	r.metrics.RecordTokenRefresh(ctx, string(kind), "ok", elapsed)
	slog.Debug("credential: token refreshed", "kind", kind)
	return true
}

func safeFetch(ctx context.Context, p Provider) (tok Token, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("credential: fetch panicked: %v", v)
		}
	}()
	return p.Fetch(ctx)
}

// Current returns the latest token of kind. ok is false until the first
// successful fetch.
func (r *Refresher) Current(kind Kind) (Token, bool) {
	s, ok := r.slots[kind]
	if !ok {
		return Token{}, false
	}
	t := s.current.Load()
	if t == nil {
		return Token{}, false
	}
	return *t, true
}

// Bearer returns the current speech token value.
func (r *Refresher) Bearer() (string, bool) {
	t, ok := r.Current(KindSpeech)
	if !ok || t.Value == "" {
		return "", false
	}
	return t.Value, true
}

// Checker reports whether kind has a token that is still within its
// validity window.
func (r *Refresher) Checker(kind Kind, optional bool) health.Checker {
	return health.Checker{
		Name:     string(kind) + "_token",
		Optional: optional,
		Check: func(context.Context) error {
			t, ok := r.Current(kind)
			if !ok {
				return ErrNoToken
			}
			if age := r.now().Sub(t.FetchedAt); age > r.validity {
				return fmt.Errorf("%w: fetched %s ago", ErrStale, age.Round(time.Second))
			}
			return nil
		},
	}
}
