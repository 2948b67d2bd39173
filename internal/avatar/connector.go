// Package avatar manages one talking-avatar synthesis connection per client.
//
// [Connector.Connect] negotiates a WebRTC media session with the avatar
// renderer and stores the resulting handle in the client's context. The
// provider may drop the connection at any time; its disconnect notification
// clears the handle only if the context still holds that same connection, so
// a late notification can never tear down a newer connection.
//
// Per client the synthesis connection moves Idle -> Negotiating ->
// Connected -> Idle. Negotiating -> Idle happens on failure or on an
// explicit disconnect that races the connect.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/avatarcast/internal/client"
	"github.com/MrWong99/avatarcast/internal/credential"
	"github.com/MrWong99/avatarcast/internal/observe"
	provideravatar "github.com/MrWong99/avatarcast/pkg/provider/avatar"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// DefaultTimeout bounds a connect including negotiation, and a single speak.
const DefaultTimeout = 20 * time.Second

var (
	// ErrSuperseded is returned by Connect when a disconnect or a newer
	// connect for the same client happened while negotiating.
	ErrSuperseded = errors.New("avatar: connect superseded")

	// ErrNotConnected is returned by Speak for a client without a connection.
	ErrNotConnected = fmt.Errorf("avatar: %w: not connected", types.ErrInvalidInput)

	// ErrNoRelay is returned when no relay credential is available yet.
	ErrNoRelay = fmt.Errorf("avatar: %w: no relay credential", types.ErrProviderUnavailable)
)

// RelaySource resolves the relay credential embedded in a negotiation.
type RelaySource interface {
	ForAvatar() (credential.RelayCredential, bool)
}

// Status is the externally visible connection state of a client.
type Status struct {
	Connected bool `json:"speechSynthesizerConnected"`
}

// Option configures a [Connector].
type Option func(*Connector)

// WithTimeout bounds outbound calls. Default: [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxConnections caps concurrent connections. n <= 0 is unbounded.
func WithMaxConnections(n int) Option {
	return func(c *Connector) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMetrics records connection metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Connector) { c.metrics = m }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(c *Connector) { c.name = name }
}

// Connector opens and tracks avatar connections.
type Connector struct {
	provider provideravatar.Provider
	clients  client.Store
	relay    RelaySource
	timeout  time.Duration
	sem      *semaphore.Weighted
	metrics  *observe.Metrics
	name     string
}

// NewConnector returns a connector storing handles in clients.
func NewConnector(p provideravatar.Provider, clients client.Store, relay RelaySource, opts ...Option) *Connector {
	c := &Connector{
		provider: p,
		clients:  clients,
		relay:    relay,
		timeout:  DefaultTimeout,
		metrics:  observe.DefaultMetrics(),
		name:     "avatar",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// lease tracks one admitted connection until its transport closes.
type lease struct {
	c    *Connector
	once sync.Once
}

func (c *Connector) admit(ctx context.Context) (*lease, error) {
	if c.sem != nil && !c.sem.TryAcquire(1) {
		c.metrics.RecordRejection(ctx, "avatar")
		return nil, fmt.Errorf("avatar: connect: %w", types.ErrAtCapacity)
	}
	c.metrics.ActiveAvatars.Add(ctx, 1)
	return &lease{c: c}, nil
}

func (l *lease) release() {
	l.once.Do(func() {
		if l.c.sem != nil {
			l.c.sem.Release(1)
		}
		l.c.metrics.ActiveAvatars.Add(context.Background(), -1)
	})
}

// observer is the per-connection lifecycle sink.
type observer struct {
	c     *Connector
	id    types.ClientID
	lease *lease
}

func (o *observer) OnConnected(provideravatar.Connection) {
	slog.Debug("avatar transport connected", "client_id", o.id)
}

func (o *observer) OnDisconnected(conn provideravatar.Connection, err error) {
	o.lease.release()
	cleared := o.c.clearIf(o.id, conn)
	if err != nil {
		slog.Warn("avatar connection lost", "client_id", o.id, "cleared", cleared, "err", err)
		return
	}
	slog.Info("avatar disconnected", "client_id", o.id, "cleared", cleared)
}

// clearIf clears the client's synthesis handle if it still is conn.
func (c *Connector) clearIf(id types.ClientID, conn provideravatar.Connection) bool {
	cleared := false
	_, _ = c.clients.Update(id, func(ctx *client.Context) error {
		if ctx.Synthesis != nil && ctx.Synthesis == client.SynthesisHandle(conn) {
			ctx.Synthesis = nil
			ctx.SynthesisConnected = false
			cleared = true
		}
		return nil
	})
	return cleared
}

// Connect negotiates a new avatar connection for id and returns the
// renderer's session description. Any existing connection is torn down
// first. The client must exist.
func (c *Connector) Connect(ctx context.Context, id types.ClientID, localDescription string, p Params) (string, error) {
	ctx, span := observe.StartSpan(ctx, "avatar.connect")
	defer span.End()
	start := time.Now()

	if _, err := c.clients.Get(id); err != nil {
		return "", fmt.Errorf("avatar: connect: %w", err)
	}
	if err := c.Disconnect(id); err != nil {
		return "", fmt.Errorf("avatar: connect: %w", err)
	}

	relay, ok := c.relay.ForAvatar()
	if !ok {
		return "", ErrNoRelay
	}
	neg := BuildNegotiation(localDescription, relay, p)

	// Claim the slot. Any disconnect from here on bumps the epoch.
	cur, err := c.clients.Update(id, func(cc *client.Context) error {
		cc.SynthesisEpoch++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("avatar: connect: %w", err)
	}
	epoch := cur.SynthesisEpoch

	l, err := c.admit(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := observe.Logger(ctx, "client_id", id)
	log.Info("avatar connecting", "character", neg.Synthesis.Video.TalkingAvatar.Character,
		"style", neg.Synthesis.Video.TalkingAvatar.Style, "custom", p.CustomAvatar)

	conn, err := c.provider.Connect(ctx, provideravatar.ConnectConfig{
		Negotiation: neg,
		Observer:    &observer{c: c, id: id, lease: l},
	})
	if err != nil {
		l.release()
		c.metrics.RecordProviderRequest(ctx, c.name, "avatar_connect", "error")
		return "", fmt.Errorf("avatar: connect: %w", err)
	}

	// Negotiating: the handle is stored but not yet connected.
	if _, err := c.clients.Update(id, func(cc *client.Context) error {
		if cc.SynthesisEpoch != epoch {
			return ErrSuperseded
		}
		cc.Synthesis = conn
		cc.SynthesisConnected = false
		return nil
	}); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("avatar: connect: %w", err)
	}

	res, err := conn.SpeakText(ctx, "")
	if err != nil {
		c.clearIf(id, conn)
		_ = conn.Close()
		c.metrics.RecordProviderRequest(ctx, c.name, "avatar_connect", "error")
		log.Warn("avatar negotiation failed", "err", err)
		return "", fmt.Errorf("avatar: negotiate: %w", err)
	}

	if _, err := c.clients.Update(id, func(cc *client.Context) error {
		switch {
		case cc.SynthesisEpoch != epoch:
			return ErrSuperseded
		case cc.Synthesis == nil || cc.Synthesis != client.SynthesisHandle(conn):
			return fmt.Errorf("%w: connection closed during negotiation", types.ErrProviderUnavailable)
		}
		cc.SynthesisConnected = true
		return nil
	}); err != nil {
		c.clearIf(id, conn)
		_ = conn.Close()
		return "", fmt.Errorf("avatar: connect: %w", err)
	}

	elapsed := time.Since(start)
	c.metrics.AvatarConnectDuration.Record(ctx, elapsed.Seconds())
	c.metrics.RecordProviderRequest(ctx, c.name, "avatar_connect", "ok")
	log.Info("avatar connected", "duration", elapsed)
	return res.RemoteDescription, nil
}

// Disconnect tears down the client's connection. It is idempotent and
// always leaves the client without a handle. Unknown clients are an error.
func (c *Connector) Disconnect(id types.ClientID) error {
	var h client.SynthesisHandle
	if _, err := c.clients.Update(id, func(cc *client.Context) error {
		h = cc.Synthesis
		cc.Synthesis = nil
		cc.SynthesisConnected = false
		cc.SynthesisEpoch++
		return nil
	}); err != nil {
		return err
	}
	if h != nil {
		if err := h.Close(); err != nil {
			slog.Warn("avatar close failed", "client_id", id, "err", err)
		}
		slog.Info("avatar disconnected by request", "client_id", id)
	}
	return nil
}

// Speak sends a markup document through the client's connection and waits
// for the renderer to finish it.
func (c *Connector) Speak(ctx context.Context, id types.ClientID, ssml string) error {
	cc, err := c.clients.Get(id)
	if err != nil {
		return fmt.Errorf("avatar: speak: %w", err)
	}
	if cc.Synthesis == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	_, err = cc.Synthesis.SpeakSSML(ctx, ssml)
	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordProviderError(ctx, c.name, "avatar_speak")
	}
	c.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
	if err != nil {
		return fmt.Errorf("avatar: speak: %w", err)
	}
	return nil
}

// Status reports whether the client's avatar media channel is open.
func (c *Connector) Status(id types.ClientID) (Status, error) {
	cc, err := c.clients.Get(id)
	if err != nil {
		return Status{}, err
	}
	return Status{Connected: cc.SynthesisConnected}, nil
}
