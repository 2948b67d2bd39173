// Package server is the HTTP surface of the relay. Handlers only decode
// requests, call into the session, client, avatar and translation
// services, and map error kinds onto status codes.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrWong99/avatarcast/internal/avatar"
	"github.com/MrWong99/avatarcast/internal/client"
	"github.com/MrWong99/avatarcast/internal/health"
	"github.com/MrWong99/avatarcast/internal/observe"
	"github.com/MrWong99/avatarcast/internal/session"
	"github.com/MrWong99/avatarcast/internal/translation"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// maxBody bounds request bodies. Local descriptions are a few kilobytes.
const maxBody = 1 << 20

// Sessions is the session registry used by the handlers.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest, base string) (session.Created, error)
	Get(id types.SessionID) (session.Session, error)
	Info(id types.SessionID) (session.Info, error)
	End(ctx context.Context, id types.SessionID) (session.Session, error)
	StartTranslation(id types.SessionID, speaker types.ClientID) (session.Session, error)
}

// Avatars manages avatar synthesis connections.
type Avatars interface {
	Connect(ctx context.Context, id types.ClientID, localDescription string, p avatar.Params) (string, error)
	Disconnect(id types.ClientID) error
	Speak(ctx context.Context, id types.ClientID, ssml string) error
	Status(id types.ClientID) (avatar.Status, error)
}

// Translations manages recognition streams.
type Translations interface {
	Start(ctx context.Context, req translation.StartRequest) (translation.Started, error)
	Stop(ctx context.Context, id types.ClientID) error
	FeedAudio(id types.ClientID, samples []int16)
}

// SpeechTokens exposes the current speech bearer token.
type SpeechTokens interface {
	Bearer() (string, bool)
}

// RelayDocuments renders the browser relay credential.
type RelayDocuments interface {
	Document() ([]byte, bool)
}

// Deps are the services behind the handlers. Socket, Health and Metrics
// are optional.
type Deps struct {
	Sessions     Sessions
	Clients      client.Store
	Avatars      Avatars
	Translations Translations
	Speech       SpeechTokens
	Relay        RelayDocuments

	Socket  http.Handler
	Health  *health.Handler
	Metrics http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithPublicURL fixes the base of listener links. Without it links are
// derived from the request.
func WithPublicURL(u string) Option {
	return func(s *Server) { s.publicURL = strings.TrimRight(u, "/") }
}

// WithSpeechLocation sets the region and private endpoint reported by the
// speech token route.
func WithSpeechLocation(region, privateEndpoint string) Option {
	return func(s *Server) {
		s.region = region
		s.privateEndpoint = privateEndpoint
	}
}

// WithRateLimit throttles session creation.
func WithRateLimit(l *IPLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics records HTTP and client metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server routes HTTP requests.
type Server struct {
	deps Deps

	publicURL       string
	region          string
	privateEndpoint string
	limiter         *IPLimiter
	metrics         *observe.Metrics
}

// New returns a server over deps.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	create := http.Handler(http.HandlerFunc(s.createSession))
	if s.limiter != nil {
		create = s.limiter.Middleware(create)
	}

	mux.HandleFunc("POST /api/createClient", s.createClient)
	mux.Handle("POST /api/createSession", create)
	mux.HandleFunc("GET /api/getSession/{sessionId}", s.getSession)
	mux.HandleFunc("POST /api/endSession", s.endSession)
	mux.HandleFunc("GET /api/getSpeechToken", s.getSpeechToken)
	mux.HandleFunc("GET /api/getIceToken", s.getIceToken)
	mux.HandleFunc("GET /api/getStatus", s.getStatus)
	mux.HandleFunc("POST /api/connectListenerAvatar", s.connectListenerAvatar)
	mux.HandleFunc("POST /api/connectAvatar", s.connectAvatar)
	mux.HandleFunc("POST /api/disconnectAvatar", s.disconnectAvatar)
	mux.HandleFunc("POST /api/speak", s.speak)
	mux.HandleFunc("POST /api/startTranslation", s.startTranslation)
	mux.HandleFunc("POST /api/translateSpeak", s.translateSpeak)
	mux.HandleFunc("POST /api/stopTranslation", s.stopTranslation)
	mux.HandleFunc("POST /api/audio", s.pushAudio)

	if s.deps.Socket != nil {
		mux.Handle("GET /ws", s.deps.Socket)
	}
	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	return observe.Middleware(s.metrics)(mux)
}

// baseURL is the origin listener links are built on.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}
