package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// ErrCodeInUse is returned by [Store.Insert] when the code belongs to a live
// session.
var ErrCodeInUse = errors.New("session: code in use")

// ListenerChange reports a listener set's size after a mutation.
type ListenerChange struct {
	Session types.SessionID
	Count   int

	// Added is set on a join that inserted a connection not already in the
	// set.
	Added bool
}

// Store owns sessions and their listener sets.
//
// All implementations must be safe for concurrent use. A connection is in
// at most one listener set at a time.
type Store interface {
	// Insert stores s with an empty listener set. Returns [ErrCodeInUse] if
	// s.ID is live.
	Insert(s Session) error

	// Get returns the session. Returns an error matching
	// [types.ErrNotFound] for an unknown id.
	Get(id types.SessionID) (Session, error)

	// Update applies fn to the stored session under the store lock. fn must
	// not block. If fn returns an error nothing is written.
	Update(id types.SessionID, fn func(*Session) error) (Session, error)

	// Delete removes the session and its listener set, returning the
	// connections that were in it.
	Delete(id types.SessionID) ([]types.ConnID, error)

	// AddListener puts conn into id's listener set. If conn was in a
	// different set it is removed from there first and that set is
	// reported as left.
	AddListener(id types.SessionID, conn types.ConnID) (joined ListenerChange, left *ListenerChange, err error)

	// RemoveListener removes conn from every set containing it.
	RemoveListener(conn types.ConnID) []ListenerChange

	// ListenerCount returns the size of id's listener set, or 0.
	ListenerCount(id types.SessionID) int

	// Len returns the number of live sessions.
	Len() int
}

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. A single lock serializes every mutation
// so listener-set moves are atomic.
type MemStore struct {
	mu        sync.RWMutex
	sessions  map[types.SessionID]Session
	listeners map[types.SessionID]map[types.ConnID]struct{}
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:  make(map[types.SessionID]Session),
		listeners: make(map[types.SessionID]map[types.ConnID]struct{}),
	}
}

func notFound(id types.SessionID) error {
	return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
}

// Insert implements [Store.Insert].
func (s *MemStore) Insert(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrCodeInUse
	}
	s.sessions[sess.ID] = sess
	s.listeners[sess.ID] = make(map[types.ConnID]struct{})
	return nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(id types.SessionID) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	return sess, nil
}

// Update implements [Store.Update].
func (s *MemStore) Update(id types.SessionID, fn func(*Session) error) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	if err := fn(&sess); err != nil {
		return Session{}, err
	}
	sess.ID = id
	s.sessions[id] = sess
	return sess, nil
}

// Delete implements [Store.Delete].
func (s *MemStore) Delete(id types.SessionID) ([]types.ConnID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return nil, notFound(id)
	}
	set := s.listeners[id]
	conns := make([]types.ConnID, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	delete(s.sessions, id)
	delete(s.listeners, id)
	return conns, nil
}

// AddListener implements [Store.AddListener].
func (s *MemStore) AddListener(id types.SessionID, conn types.ConnID) (ListenerChange, *ListenerChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; !ok || sess.Ending {
		return ListenerChange{}, nil, notFound(id)
	}

	var left *ListenerChange
	for sid, set := range s.listeners {
		if sid == id {
			continue
		}
		if _, in := set[conn]; in {
			delete(set, conn)
			left = &ListenerChange{Session: sid, Count: len(set)}
		}
	}

	set := s.listeners[id]
	if set == nil {
		set = make(map[types.ConnID]struct{})
		s.listeners[id] = set
	}
	_, already := set[conn]
	set[conn] = struct{}{}
	return ListenerChange{Session: id, Count: len(set), Added: !already}, left, nil
}

// RemoveListener implements [Store.RemoveListener].
func (s *MemStore) RemoveListener(conn types.ConnID) []ListenerChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ListenerChange
	for sid, set := range s.listeners {
		if _, in := set[conn]; in {
			delete(set, conn)
			out = append(out, ListenerChange{Session: sid, Count: len(set)})
		}
	}
	return out
}

// ListenerCount implements [Store.ListenerCount].
func (s *MemStore) ListenerCount(id types.SessionID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners[id])
}

// Len implements [Store.Len].
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
