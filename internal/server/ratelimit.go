package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorTTL is how long an idle address keeps its bucket.
const visitorTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a per-client-address token bucket. A zero rate disables it.
// Limits can be changed while serving.
type IPLimiter struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	visitors map[string]*visitor
	now      func() time.Time
}

// NewIPLimiter returns a limiter allowing rps sustained requests with the
// given burst per address.
func NewIPLimiter(rps float64, burst int) *IPLimiter {
	return &IPLimiter{
		rps:      rps,
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// SetLimit replaces the rate and burst and forgets existing buckets.
func (l *IPLimiter) SetLimit(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps, l.burst = rps, burst
	l.visitors = make(map[string]*visitor)
}

// Allow reports whether a request from addr may proceed.
func (l *IPLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rps <= 0 {
		return true
	}
	now := l.now()
	v, ok := l.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.rps), max(l.burst, 1))}
		l.visitors[addr] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Prune forgets addresses idle for longer than [visitorTTL].
func (l *IPLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-visitorTTL)
	n := 0
	for addr, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, addr)
			n++
		}
	}
	return n
}

// Run prunes once a minute until ctx is cancelled.
func (l *IPLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Middleware rejects over-limit requests with 429.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(remoteIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
