package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// DefaultVoice is the voice installed on new clients unless overridden.
const DefaultVoice = "DragonLatestNeural"

// Store owns client contexts. All implementations must be safe for
// concurrent use.
type Store interface {
	// Create installs a fresh context with a new random id.
	Create() Context

	// Get returns a copy of the context. Unknown ids match
	// [types.ErrNotFound].
	Get(id types.ClientID) (Context, error)

	// Update applies fn under the client's lock and stamps LastSeen. fn must
	// not block on the network. If fn returns an error nothing is written.
	Update(id types.ClientID, fn func(*Context) error) (Context, error)

	// Range calls fn with a snapshot of each client until fn returns false.
	// Clients added or removed during iteration may or may not be visited.
	Range(fn func(Context) bool)

	// Remove deletes the client and returns its last state.
	Remove(id types.ClientID) (Context, error)

	// Sweep removes and returns every client idle since before now-ttl that
	// holds no live handle.
	Sweep(now time.Time, ttl time.Duration) []Context

	// Len returns the number of clients.
	Len() int

	// DefaultVoice is the voice new clients start with.
	DefaultVoice() string
}

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

type entry struct {
	mu      sync.Mutex
	ctx     Context
	removed bool
}

// MemStore is an in-memory [Store] with one lock per client.
type MemStore struct {
	mu      sync.RWMutex
	clients map[types.ClientID]*entry

	voice atomic.Value // string
	now   func() time.Time
}

// StoreOption configures a [MemStore].
type StoreOption func(*MemStore)

// WithDefaultVoice sets the voice of newly created clients.
func WithDefaultVoice(v string) StoreOption {
	return func(s *MemStore) { s.voice.Store(v) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *MemStore) { s.now = now }
}

// NewMemStore returns an empty [MemStore].
func NewMemStore(opts ...StoreOption) *MemStore {
	s := &MemStore{
		clients: make(map[types.ClientID]*entry),
		now:     time.Now,
	}
	s.voice.Store(DefaultVoice)
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetDefaultVoice changes the voice given to clients created from now on.
func (s *MemStore) SetDefaultVoice(v string) {
	if v != "" {
		s.voice.Store(v)
	}
}

// DefaultVoice implements [Store.DefaultVoice].
func (s *MemStore) DefaultVoice() string {
	return s.voice.Load().(string)
}

func notFound(id types.ClientID) error {
	return fmt.Errorf("client %s: %w", id, types.ErrNotFound)
}

// Create implements [Store.Create].
func (s *MemStore) Create() Context {
	now := s.now()
	c := Context{
		ID:        types.ClientID(uuid.NewString()),
		Voice:     s.DefaultVoice(),
		CreatedAt: now,
		LastSeen:  now,
	}
	s.mu.Lock()
	s.clients[c.ID] = &entry{ctx: c}
	s.mu.Unlock()
	return c
}

func (s *MemStore) lookup(id types.ClientID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.clients[id]
	return e, ok
}

// Get implements [Store.Get].
func (s *MemStore) Get(id types.ClientID) (Context, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Context{}, notFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Context{}, notFound(id)
	}
	return e.ctx, nil
}

// Update implements [Store.Update].
func (s *MemStore) Update(id types.ClientID, fn func(*Context) error) (Context, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Context{}, notFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Context{}, notFound(id)
	}
	next := e.ctx
	if err := fn(&next); err != nil {
		return Context{}, err
	}
	next.ID = id
	next.LastSeen = s.now()
	e.ctx = next
	return next, nil
}

// Range implements [Store.Range].
func (s *MemStore) Range(fn func(Context) bool) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.clients))
	for _, e := range s.clients {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		c, removed := e.ctx, e.removed
		e.mu.Unlock()
		if removed {
			continue
		}
		if !fn(c) {
			return
		}
	}
}

// Remove implements [Store.Remove].
func (s *MemStore) Remove(id types.ClientID) (Context, error) {
	s.mu.Lock()
	e, ok := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if !ok {
		return Context{}, notFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	return e.ctx, nil
}

// Sweep implements [Store.Sweep].
func (s *MemStore) Sweep(now time.Time, ttl time.Duration) []Context {
	cutoff := now.Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Context
	for id, e := range s.clients {
		e.mu.Lock()
		if !e.ctx.Busy() && e.ctx.LastSeen.Before(cutoff) {
			e.removed = true
			out = append(out, e.ctx)
			delete(s.clients, id)
		}
		e.mu.Unlock()
	}
	return out
}

// Len implements [Store.Len].
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
