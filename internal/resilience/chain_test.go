package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChain_PrimarySuccess(t *testing.T) {
	t.Parallel()
	c := NewChain("entra", "primary", BreakerConfig{MaxFailures: 3})
	c.Add("key", "secondary")

	got, err := CallChain(context.Background(), c, func(_ context.Context, v string) (string, error) {
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "primary" {
		t.Errorf("got %q, want primary", got)
	}
}

func TestChain_FallsThrough(t *testing.T) {
	t.Parallel()
	c := NewChain("entra", "primary", BreakerConfig{MaxFailures: 3})
	c.Add("key", "secondary")

	got, err := CallChain(context.Background(), c, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" {
		t.Errorf("got %q, want secondary", got)
	}
}

func TestChain_AllFail(t *testing.T) {
	t.Parallel()
	c := NewChain("entra", 1, BreakerConfig{})
	c.Add("key", 2)

	_, err := CallChain(context.Background(), c, func(context.Context, int) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, should wrap the last failure", err)
	}
}

func TestChain_SkipsOpenEntry(t *testing.T) {
	t.Parallel()
	c := NewChain("entra", "primary", BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	c.Add("key", "secondary")

	var calls []string
	fn := func(_ context.Context, v string) (string, error) {
		calls = append(calls, v)
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	}
	for range 2 {
		_, _ = CallChain(context.Background(), c, fn)
	}
	calls = nil

	if _, err := CallChain(context.Background(), c, fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Errorf("calls = %v, want only secondary", calls)
	}
}

func TestChain_StopsOnNonFailure(t *testing.T) {
	t.Parallel()
	errBadInput := errors.New("bad input")
	c := NewChain("entra", "primary", BreakerConfig{
		IsFailure: func(err error) bool { return !errors.Is(err, errBadInput) },
	})
	c.Add("key", "secondary")

	var calls int
	_, err := CallChain(context.Background(), c, func(context.Context, string) (string, error) {
		calls++
		return "", errBadInput
	})
	if !errors.Is(err, errBadInput) || errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want bare errBadInput", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestChain_Names(t *testing.T) {
	t.Parallel()
	c := NewChain("entra", 0, BreakerConfig{})
	c.Add("key", 1)
	names := c.Names()
	if c.Len() != 2 || names[0] != "entra" || names[1] != "key" {
		t.Errorf("Names() = %v", names)
	}
}
