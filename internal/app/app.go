// Package app wires all avatarcast subsystems into a running relay.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background loops, and the
// shutdown path tears everything down in order once the run context ends.
//
// For testing, inject doubles via functional options (WithTranslationProvider,
// WithCredentialProviders, etc.). When an option is not provided, New creates
// the real implementations from the config and the provider registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarcast/internal/avatar"
	"github.com/MrWong99/avatarcast/internal/broadcast"
	"github.com/MrWong99/avatarcast/internal/client"
	"github.com/MrWong99/avatarcast/internal/config"
	"github.com/MrWong99/avatarcast/internal/credential"
	"github.com/MrWong99/avatarcast/internal/health"
	"github.com/MrWong99/avatarcast/internal/observe"
	"github.com/MrWong99/avatarcast/internal/server"
	"github.com/MrWong99/avatarcast/internal/session"
	"github.com/MrWong99/avatarcast/internal/translation"
	"github.com/MrWong99/avatarcast/pkg/audio"
	provideravatar "github.com/MrWong99/avatarcast/pkg/provider/avatar"
	providertranslation "github.com/MrWong99/avatarcast/pkg/provider/translation"
)

// readHeaderTimeout bounds slow request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the relay.
type App struct {
	cfg   *config.Config
	level *slog.LevelVar

	metrics        *observe.Metrics
	metricsHandler http.Handler
	registry       *config.Registry
	capture        audio.CaptureDevice

	translationProvider providertranslation.Provider
	avatarProvider      provideravatar.Provider
	credProviders       map[credential.Kind]credential.Provider

	// Subsystems, initialised in New and torn down after Run.
	tokens   *credential.Refresher
	relay    *credential.RelayResolver
	clients  *client.MemStore
	sessions *session.Registry
	hub      *broadcast.Hub
	router   *broadcast.Router
	avatars  *avatar.Connector
	pipeline *translation.Pipeline
	reaper   *client.Reaper
	limiter  *server.IPLimiter
	handler  http.Handler
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLevel sets the level variable adjusted on log level reloads.
func WithLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// WithTelemetry records metrics on m and serves h at /metrics.
func WithTelemetry(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = h
	}
}

// WithRegistry replaces the provider registry. The built-in providers are
// registered into it.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithTranslationProvider injects a translation provider instead of creating
// one from config.
func WithTranslationProvider(p providertranslation.Provider) Option {
	return func(a *App) { a.translationProvider = p }
}

// WithAvatarProvider injects an avatar provider instead of creating one from
// config.
func WithAvatarProvider(p provideravatar.Provider) Option {
	return func(a *App) { a.avatarProvider = p }
}

// WithCredentialProviders injects the token issuers instead of the HTTP ones
// derived from the speech config. Both kinds must be present.
func WithCredentialProviders(ps map[credential.Kind]credential.Provider) Option {
	return func(a *App) { a.credProviders = ps }
}

// WithCapture sets the local capture device used by non-streaming
// translation. Default: [audio.DefaultCapture].
func WithCapture(d audio.CaptureDevice) Option {
	return func(a *App) { a.capture = d }
}

// New creates an App by wiring all subsystems together. cfg must have
// passed [config.Validate].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(LevelOf(cfg.Server.LogLevel))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
	}
	RegisterBuiltinProviders(a.registry)
	if a.capture == nil {
		a.capture = audio.DefaultCapture()
	}

	// ── 1. Credentials ───────────────────────────────────────────────────
	if err := a.initCredentials(); err != nil {
		return nil, fmt.Errorf("app: init credentials: %w", err)
	}

	// ── 2. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 3. Stores and broadcast ──────────────────────────────────────────
	a.clients = client.NewMemStore(client.WithDefaultVoice(cfg.Defaults.Voice))
	a.hub = broadcast.NewHub(broadcast.WithMetrics(a.metrics))
	a.sessions = session.NewRegistry(session.NewMemStore(), a.hub, session.WithMetrics(a.metrics))

	reaper, err := client.NewReaper(a.clients, cfg.Clients.IdleTTL, cfg.Clients.SweepInterval,
		client.WithReaperMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init reaper: %w", err)
	}
	a.reaper = reaper

	// ── 4. Avatar connector and translation pipeline ─────────────────────
	a.avatars = avatar.NewConnector(a.avatarProvider, a.clients, a.relay,
		avatar.WithTimeout(cfg.Timeouts.Provider),
		avatar.WithMaxConnections(cfg.Limits.MaxAvatarConnections),
		avatar.WithMetrics(a.metrics),
		avatar.WithProviderName(cfg.Providers.Avatar.Name),
	)
	a.pipeline = translation.New(a.translationProvider, a.clients, a.avatars, a.hub,
		translation.WithCapture(a.capture),
		translation.WithTimeout(cfg.Timeouts.Provider),
		translation.WithMaxStreams(cfg.Limits.MaxRecognitionStreams),
		translation.WithMetrics(a.metrics),
		translation.WithProviderName(cfg.Providers.Translation.Name),
	)
	a.router = broadcast.NewRouter(a.hub, a.sessions.Store(),
		broadcast.WithAudioFeeder(a.pipeline),
		broadcast.WithRouterMetrics(a.metrics),
	)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.limiter = server.NewIPLimiter(cfg.RateLimit.CreateSessionRPS, cfg.RateLimit.CreateSessionBurst)
	checks := health.New(
		a.tokens.Checker(credential.KindSpeech, false),
		a.tokens.Checker(credential.KindRelay, cfg.Relay.Complete()),
	)
	srv := server.New(server.Deps{
		Sessions:     a.sessions,
		Clients:      a.clients,
		Avatars:      a.avatars,
		Translations: a.pipeline,
		Speech:       a.tokens,
		Relay:        a.relay,
		Socket:       a.router.Handler(broadcast.WithOrigins(cfg.Server.AllowedOrigins...)),
		Health:       checks,
		Metrics:      a.metricsHandler,
	},
		server.WithPublicURL(cfg.Server.PublicURL),
		server.WithSpeechLocation(cfg.Speech.Region, cfg.Speech.PrivateEndpoint),
		server.WithRateLimit(a.limiter),
		server.WithMetrics(a.metrics),
	)
	a.handler = srv.Handler()

	return a, nil
}

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Level returns the level variable adjusted on reloads.
func (a *App) Level() *slog.LevelVar { return a.level }

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the background loops and the HTTP server on ln until ctx is
// cancelled, then shuts down gracefully within server.shutdown_timeout. It
// returns nil after a clean shutdown.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	hs := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error { return a.tokens.Run(gctx) })
	g.Go(func() error { return a.reaper.Run(gctx) })
	g.Go(func() error { return a.limiter.Run(gctx) })
	g.Go(func() error {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.shutdown(sctx, hs)
	})

	slog.Info("relay serving", "addr", ln.Addr().String())
	return g.Wait()
}

// shutdown stops accepting requests, then tears down every client's
// recognition stream and avatar connection.
func (a *App) shutdown(ctx context.Context, hs *http.Server) error {
	slog.Info("shutting down", "clients", a.clients.Len())

	var errs []error
	if err := hs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
	}

	var ids []client.Context
	a.clients.Range(func(c client.Context) bool {
		if c.Busy() {
			ids = append(ids, c)
		}
		return true
	})
	for _, c := range ids {
		if err := a.pipeline.Stop(ctx, c.ID); err != nil {
			slog.Warn("translation stop on shutdown failed", "client_id", c.ID, "err", err)
		}
		if err := a.avatars.Disconnect(c.ID); err != nil {
			slog.Warn("avatar disconnect on shutdown failed", "client_id", c.ID, "err", err)
		}
	}
	if err := a.pipeline.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: wait for translation pumps: %w", err))
	}

	slog.Info("shutdown complete")
	return errors.Join(errs...)
}

// LevelOf converts a config log level to its slog level.
func LevelOf(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
