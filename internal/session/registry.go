package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/avatarcast/internal/observe"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// EventSessionEnded is broadcast to a session room before it is removed.
const EventSessionEnded = "sessionEnded"

// maxAllocAttempts bounds code allocation when nearly every code is live.
const maxAllocAttempts = 10000

// ErrExhausted is returned when no free session code could be found.
var ErrExhausted = errors.New("session: no free session code")

// Notifier delivers events to the members of a room.
type Notifier interface {
	// Broadcast sends event to every member of room and returns the number
	// of members it was queued for.
	Broadcast(room, event string, payload any) int

	// CloseRoom removes every member from room.
	CloseRoom(room string) int
}

// Option configures a [Registry].
type Option func(*Registry)

// WithRandom sets the entropy source for session codes.
func WithRandom(r io.Reader) Option {
	return func(reg *Registry) { reg.rand = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) { reg.now = now }
}

// WithMetrics records session gauges on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(reg *Registry) { reg.metrics = m }
}

// Registry is the session lifecycle API over a [Store].
type Registry struct {
	store   Store
	notify  Notifier
	rand    io.Reader
	now     func() time.Time
	metrics *observe.Metrics
}

// NewRegistry returns a registry. notify may be nil, in which case no
// events are sent.
func NewRegistry(store Store, notify Notifier, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		notify:  notify,
		rand:    rand.Reader,
		now:     time.Now,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Registry) Store() Store { return r.store }

// codeLimit is the largest multiple of one million below 2^32. Draws at or
// above it are rejected so every code is equally likely.
const codeLimit = 4294 * 1_000_000

func (r *Registry) newCode() (types.SessionID, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(r.rand, buf[:]); err != nil {
			return "", fmt.Errorf("session: generate code: %w", err)
		}
		if n := binary.BigEndian.Uint32(buf[:]); n < codeLimit {
			return types.SessionID(fmt.Sprintf("%06d", n%1_000_000)), nil
		}
	}
}

// Create validates req, allocates a fresh code and stores the session.
// base is the externally visible URL the listener link is built on.
func (r *Registry) Create(ctx context.Context, req CreateRequest, base string) (Created, error) {
	req, err := req.normalize()
	if err != nil {
		return Created{}, err
	}

	sess := Session{
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		TargetVoice:    req.TargetVoice,
		Avatar: AvatarConfig{
			Character:             req.AvatarCharacter,
			Style:                 req.AvatarStyle,
			BackgroundColor:       req.BackgroundColor,
			TransparentBackground: bool(req.TransparentBackground),
			VideoCrop:             bool(req.VideoCrop),
			CustomAvatar:          bool(req.CustomAvatar),
			BuiltInVoice:          bool(req.BuiltInVoice),
		},
		CreatedAt: r.now(),
	}

	for range maxAllocAttempts {
		code, err := r.newCode()
		if err != nil {
			return Created{}, err
		}
		sess.ID = code
		sess.Name = req.Name
		if sess.Name == "" {
			sess.Name = "Session " + string(code)
		}
		err = r.store.Insert(sess)
		if errors.Is(err, ErrCodeInUse) {
			continue
		}
		if err != nil {
			return Created{}, fmt.Errorf("session: insert: %w", err)
		}

		r.metrics.ActiveSessions.Add(ctx, 1)
		slog.Info("session created", "session_id", code, "name", sess.Name,
			"source_language", sess.SourceLanguage, "target_language", sess.TargetLanguage)
		return Created{
			ID:          code,
			ListenerURL: strings.TrimRight(base, "/") + "/listener/" + string(code),
			Record:      recordOf(sess),
		}, nil
	}
	return Created{}, ErrExhausted
}

// Get returns the session with id.
func (r *Registry) Get(id types.SessionID) (Session, error) {
	return r.store.Get(id)
}

// Info returns the public view of a session including its listener count.
func (r *Registry) Info(id types.SessionID) (Info, error) {
	s, err := r.store.Get(id)
	if err != nil {
		return Info{}, err
	}
	return infoOf(s, r.store.ListenerCount(id)), nil
}

// End claims the session, notifies its room once, removes the session and
// its listener set, then empties the room. Removal happens even if some
// members miss the notification. Of concurrent calls for one id only the
// first succeeds; the rest get an error matching [types.ErrNotFound]. The
// returned session is the state at the time of the claim.
func (r *Registry) End(ctx context.Context, id types.SessionID) (Session, error) {
	sess, err := r.store.Update(id, func(s *Session) error {
		if s.Ending {
			return notFound(id)
		}
		s.Ending = true
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	room := string(id)
	delivered := 0
	if r.notify != nil {
		delivered = r.notify.Broadcast(room, EventSessionEnded, map[string]any{"sessionId": id})
	}
	conns, err := r.store.Delete(id)
	if err != nil {
		return Session{}, fmt.Errorf("session: end: %w", err)
	}
	if r.notify != nil {
		r.notify.CloseRoom(room)
	}
	r.metrics.ActiveSessions.Add(ctx, -1)
	r.metrics.ActiveListeners.Add(ctx, -int64(len(conns)))
	slog.Info("session ended", "session_id", id, "listeners", len(conns), "notified", delivered)
	return sess, nil
}

// StartTranslation marks the session active and binds its speaker.
func (r *Registry) StartTranslation(id types.SessionID, speaker types.ClientID) (Session, error) {
	return r.store.Update(id, func(s *Session) error {
		if s.Ending {
			return notFound(id)
		}
		s.Active = true
		s.SpeakerClientID = speaker
		return nil
	})
}
