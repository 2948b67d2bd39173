package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/MrWong99/avatarcast/internal/observe"
	"github.com/MrWong99/avatarcast/internal/session"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// Socket event names.
const (
	EventJoin                 = "join"
	EventJoinSession          = "joinSession"
	EventAudioData            = "audioData"
	EventListenerJoined       = "listenerJoined"
	EventListenerCountUpdated = "listenerCountUpdated"
	EventError                = "error"
)

// AudioFeeder accepts speaker audio for a client's running recognition.
// Unknown clients and clients without a push stream are ignored.
type AudioFeeder interface {
	FeedAudio(id types.ClientID, samples []int16)
}

type errorPayload struct {
	Message string `json:"message"`
}

type listenerJoined struct {
	SessionID     types.SessionID `json:"sessionId"`
	ListenerCount int             `json:"listenerCount"`
}

type countUpdated struct {
	Count int `json:"count"`
}

type joinRequest struct {
	Room string `json:"room"`
}

type joinSessionRequest struct {
	SessionID types.SessionID `json:"sessionId"`
}

type audioDataRequest struct {
	SessionID types.SessionID `json:"sessionId"`
	ClientID  types.ClientID  `json:"clientId"`
	Audio     []int16         `json:"audio"`
}

// Router applies session semantics to hub rooms. A session's room name is
// its code.
type Router struct {
	hub      *Hub
	sessions session.Store
	audio    AudioFeeder
	metrics  *observe.Metrics
}

// RouterOption configures a [Router].
type RouterOption func(*Router)

// WithAudioFeeder routes audioData events to f.
func WithAudioFeeder(f AudioFeeder) RouterOption {
	return func(r *Router) { r.audio = f }
}

// WithRouterMetrics records listener metrics on m.
func WithRouterMetrics(m *observe.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// NewRouter returns a router over hub and sessions.
func NewRouter(hub *Hub, sessions session.Store, opts ...RouterOption) *Router {
	r := &Router{
		hub:      hub,
		sessions: sessions,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Hub returns the underlying hub.
func (r *Router) Hub() *Hub { return r.hub }

// JoinRoom adds conn to an arbitrary room. Direct-mode clients join the
// room named by their client id.
func (r *Router) JoinRoom(conn types.ConnID, room string) error {
	return r.hub.Join(conn, room)
}

// JoinSession registers conn as a listener of id. An unknown session is
// reported to conn alone and changes nothing.
func (r *Router) JoinSession(ctx context.Context, conn types.ConnID, id types.SessionID) error {
	log := observe.Logger(ctx, "conn_id", conn, "session_id", id)
	if _, err := r.sessions.Get(id); err != nil {
		log.Debug("join of unknown session")
		return r.hub.Send(conn, EventError, errorPayload{Message: "Invalid session"})
	}

	room := string(id)
	if err := r.hub.Join(conn, room); err != nil {
		return err
	}
	joined, left, err := r.sessions.AddListener(id, conn)
	if err != nil {
		// Ended between the lookup and the join.
		r.hub.Leave(conn, room)
		return r.hub.Send(conn, EventError, errorPayload{Message: "Invalid session"})
	}
	if left != nil {
		r.hub.Leave(conn, string(left.Session))
		r.hub.Broadcast(string(left.Session), EventListenerCountUpdated, countUpdated{Count: left.Count})
	} else if joined.Added {
		r.metrics.ActiveListeners.Add(ctx, 1)
	}

	r.hub.Broadcast(room, EventListenerJoined, listenerJoined{SessionID: id, ListenerCount: joined.Count})
	r.hub.Broadcast(room, EventListenerCountUpdated, countUpdated{Count: joined.Count})
	log.Info("listener joined", "listener_count", joined.Count)
	return nil
}

// Leave removes conn from every listener set and the hub, announcing the
// new count to each session it left.
func (r *Router) Leave(ctx context.Context, conn types.ConnID) {
	changes := r.sessions.RemoveListener(conn)
	r.hub.Unregister(conn)
	for _, c := range changes {
		r.metrics.ActiveListeners.Add(ctx, -1)
		r.hub.Broadcast(string(c.Session), EventListenerCountUpdated, countUpdated{Count: c.Count})
	}
	if len(changes) > 0 {
		observe.Logger(ctx, "conn_id", conn).Info("listener left", "sessions", len(changes))
	}
}

// Dispatch handles one inbound socket message. Unknown events and
// malformed payloads are dropped.
func (r *Router) Dispatch(ctx context.Context, conn types.ConnID, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Debug("dropping malformed socket message", "conn_id", conn, "err", err)
		return
	}

	switch env.Event {
	case EventJoin:
		var req joinRequest
		if json.Unmarshal(env.Data, &req) != nil || req.Room == "" {
			return
		}
		if err := r.JoinRoom(conn, req.Room); err != nil {
			slog.Debug("join failed", "conn_id", conn, "room", req.Room, "err", err)
		}
	case EventJoinSession:
		var req joinSessionRequest
		if json.Unmarshal(env.Data, &req) != nil {
			return
		}
		if err := r.JoinSession(ctx, conn, req.SessionID); err != nil {
			slog.Debug("joinSession failed", "conn_id", conn, "err", err)
		}
	case EventAudioData:
		var req audioDataRequest
		if json.Unmarshal(env.Data, &req) != nil {
			return
		}
		if req.SessionID == "" || req.ClientID == "" || len(req.Audio) == 0 || r.audio == nil {
			return
		}
		r.audio.FeedAudio(req.ClientID, req.Audio)
	default:
		slog.Debug("unknown socket event", "conn_id", conn, "event", env.Event)
	}
}
