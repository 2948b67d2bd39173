package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every entry in a [Chain] failed or was
// skipped by its breaker.
var ErrExhausted = errors.New("resilience: all entries failed")

type link[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain tries implementations of the same capability in registration order.
// Each entry has a dedicated [Breaker] built from the chain's template.
//
// Entries must be added before the chain is shared between goroutines.
type Chain[T any] struct {
	template BreakerConfig
	links    []link[T]
}

// NewChain creates a [Chain] whose first entry is primary.
func NewChain[T any](name string, primary T, template BreakerConfig) *Chain[T] {
	c := &Chain[T]{template: template}
	c.Add(name, primary)
	return c
}

// Add appends a fallback entry.
func (c *Chain[T]) Add(name string, value T) {
	cfg := c.template
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Len returns the number of entries.
func (c *Chain[T]) Len() int { return len(c.links) }

// Names returns entry names in order.
func (c *Chain[T]) Names() []string {
	out := make([]string, len(c.links))
	for i, l := range c.links {
		out[i] = l.name
	}
	return out
}

// CallChain runs fn against each entry until one succeeds. Errors that the
// breaker does not classify as failures (e.g. the caller's cancellation)
// stop the walk and are returned as-is.
func CallChain[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range c.links {
		l := &c.links[i]
		out, err := Call(ctx, l.breaker, func(ctx context.Context) (R, error) {
			return fn(ctx, l.value)
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping entry, circuit open", "entry", l.name)
			continue
		}
		if !l.breaker.isFailure(err) {
			return zero, err
		}
		if i < len(c.links)-1 {
			slog.Warn("entry failed, trying next", "entry", l.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}
