// Package broadcast is the publish/subscribe layer between the relay and
// browser sockets.
//
// A [Hub] tracks connections and room membership and delivers events. Each
// connection has a bounded send queue drained by its own write pump; a
// message that does not fit is dropped for that member only, and a member
// that keeps dropping is disconnected. Delivery is at most once.
//
// A [Router] layers session semantics on top: joining a session room also
// registers the connection as a listener and keeps the listener count
// announced to the room.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/avatarcast/internal/observe"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// Defaults for [Hub].
const (
	DefaultQueueSize    = 64
	DefaultMaxDrops     = 32
	DefaultWriteTimeout = 5 * time.Second
)

// ErrDuplicate is returned by Register for an id that is already live.
var ErrDuplicate = errors.New("broadcast: connection already registered")

// Envelope is the wire shape of every socket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Writer is the transport of one connection.
type Writer interface {
	// WriteMessage sends one encoded envelope.
	WriteMessage(ctx context.Context, msg []byte) error

	// Close terminates the transport with reason.
	Close(reason string) error
}

type member struct {
	id    types.ConnID
	w     Writer
	send  chan []byte
	rooms map[string]struct{}
	drops int
	done  chan struct{}
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithQueueSize sets the per-connection send queue length.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queue = n
		}
	}
}

// WithMaxDrops sets how many consecutive drops disconnect a member.
func WithMaxDrops(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxDrops = n
		}
	}
}

// WithWriteTimeout bounds a single socket write.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithMetrics records delivery metrics on m.
func WithMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// Hub owns connection and room membership.
type Hub struct {
	mu      sync.RWMutex
	members map[types.ConnID]*member
	rooms   map[string]map[types.ConnID]*member

	queue        int
	maxDrops     int
	writeTimeout time.Duration
	metrics      *observe.Metrics
}

// NewHub returns an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		members:      make(map[types.ConnID]*member),
		rooms:        make(map[string]map[types.ConnID]*member),
		queue:        DefaultQueueSize,
		maxDrops:     DefaultMaxDrops,
		writeTimeout: DefaultWriteTimeout,
		metrics:      observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Encode builds the envelope for event and payload.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("broadcast: encode %s: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Register adds a connection and starts its write pump.
func (h *Hub) Register(id types.ConnID, w Writer) error {
	m := &member{
		id:    id,
		w:     w,
		send:  make(chan []byte, h.queue),
		rooms: make(map[string]struct{}),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	if _, ok := h.members[id]; ok {
		h.mu.Unlock()
		return ErrDuplicate
	}
	h.members[id] = m
	h.mu.Unlock()

	h.metrics.ActiveSockets.Add(context.Background(), 1)
	go h.pump(m)
	return nil
}

func (h *Hub) pump(m *member) {
	defer close(m.done)
	for msg := range m.send {
		ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		err := m.w.WriteMessage(ctx, msg)
		cancel()
		if err != nil {
			slog.Debug("socket write failed", "conn_id", m.id, "err", err)
			go h.disconnect(m.id, "write failed")
			// Drain so Unregister never blocks on a full queue.
			for range m.send {
			}
			return
		}
	}
}

// Unregister removes the connection from every room and stops its pump.
// It returns the rooms the connection was in.
func (h *Hub) Unregister(id types.ConnID) []string {
	h.mu.Lock()
	m, ok := h.members[id]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.members, id)
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		h.leaveLocked(m, room)
		rooms = append(rooms, room)
	}
	close(m.send)
	h.mu.Unlock()

	h.metrics.ActiveSockets.Add(context.Background(), -1)
	sort.Strings(rooms)
	return rooms
}

func (h *Hub) disconnect(id types.ConnID, reason string) {
	h.mu.RLock()
	m, ok := h.members[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	slog.Info("disconnecting socket", "conn_id", id, "reason", reason)
	_ = m.w.Close(reason)
}

// Join adds the connection to room.
func (h *Hub) Join(id types.ConnID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return fmt.Errorf("broadcast: join %s: connection %s: %w", room, id, types.ErrNotFound)
	}
	set := h.rooms[room]
	if set == nil {
		set = make(map[types.ConnID]*member)
		h.rooms[room] = set
	}
	set[id] = m
	m.rooms[room] = struct{}{}
	return nil
}

// Leave removes the connection from room.
func (h *Hub) Leave(id types.ConnID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[id]; ok {
		h.leaveLocked(m, room)
	}
}

func (h *Hub) leaveLocked(m *member, room string) {
	delete(m.rooms, room)
	if set := h.rooms[room]; set != nil {
		delete(set, m.id)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

// CloseRoom removes every member from room without disconnecting them.
func (h *Hub) CloseRoom(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.rooms[room]
	for _, m := range set {
		delete(m.rooms, room)
	}
	delete(h.rooms, room)
	return len(set)
}

// Members returns the ids in room, sorted.
func (h *Hub) Members(room string) []types.ConnID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ConnID, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Broadcast queues event for every member of room and returns how many
// members it was queued for.
func (h *Hub) Broadcast(room, event string, payload any) int {
	msg, err := Encode(event, payload)
	if err != nil {
		slog.Error("broadcast encode failed", "room", room, "event", event, "err", err)
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	queued := 0
	for _, m := range h.rooms[room] {
		if h.enqueueLocked(m, msg) {
			queued++
		}
	}
	return queued
}

// Send queues event for one connection.
func (h *Hub) Send(id types.ConnID, event string, payload any) error {
	msg, err := Encode(event, payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return fmt.Errorf("broadcast: send: connection %s: %w", id, types.ErrNotFound)
	}
	h.enqueueLocked(m, msg)
	return nil
}

// enqueueLocked never blocks. Callers hold h.mu for writing.
func (h *Hub) enqueueLocked(m *member, msg []byte) bool {
	select {
	case m.send <- msg:
		m.drops = 0
		return true
	default:
	}
	m.drops++
	h.metrics.BroadcastDrops.Add(context.Background(), 1)
	if m.drops == h.maxDrops {
		go h.disconnect(m.id, "slow consumer")
	}
	return false
}
