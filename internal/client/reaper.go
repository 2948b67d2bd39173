package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/avatarcast/internal/observe"
)

// Reaper periodically evicts idle clients from a [Store].
type Reaper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	metrics  *observe.Metrics
}

// ReaperOption configures a [Reaper].
type ReaperOption func(*Reaper)

// WithReaperClock overrides time.Now.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// WithReaperMetrics records evictions on m.
func WithReaperMetrics(m *observe.Metrics) ReaperOption {
	return func(r *Reaper) { r.metrics = m }
}

// NewReaper returns a reaper that sweeps store every interval and evicts
// clients idle longer than ttl. Clients holding a live handle are never
// evicted; their handles are cleared by explicit teardown, by the avatar
// provider's disconnect callback, or when the recognizer ends its stream.
func NewReaper(store Store, ttl, interval time.Duration, opts ...ReaperOption) (*Reaper, error) {
	if ttl <= 0 || interval <= 0 {
		return nil, errors.New("client: reaper ttl and interval must be positive")
	}
	r := &Reaper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Run sweeps until ctx is cancelled. It always returns nil.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep and returns the number of evictions.
func (r *Reaper) SweepOnce(ctx context.Context) int {
	evicted := r.store.Sweep(r.now(), r.ttl)
	if len(evicted) == 0 {
		return 0
	}
	r.metrics.ActiveClients.Add(ctx, -int64(len(evicted)))
	for _, c := range evicted {
		slog.Debug("client evicted", "client_id", c.ID, "last_seen", c.LastSeen)
	}
	slog.Info("idle clients evicted", "count", len(evicted), "remaining", r.store.Len())
	return len(evicted)
}
