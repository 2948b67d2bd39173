package app

import (
	"log/slog"

	"github.com/MrWong99/avatarcast/internal/config"
)

// OnConfigChange is the [config.Watcher] callback. It applies the
// hot-reloadable part of the new revision; everything else is logged and
// waits for a restart.
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		slog.Info("config reloaded, no hot-reloadable field changed")
		return
	}
	a.Apply(d)
}

// Apply hot-applies d to the running subsystems.
func (a *App) Apply(d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(LevelOf(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RelayChanged {
		a.relay.SetOverride(d.NewRelay)
		slog.Info("relay override changed", "complete", d.NewRelay.Complete())
	}
	if d.DefaultVoiceChanged {
		a.clients.SetDefaultVoice(d.NewDefaultVoice)
		slog.Info("default voice changed", "voice", d.NewDefaultVoice)
	}
	if d.RateLimitChanged {
		a.limiter.SetLimit(d.NewRateLimit.CreateSessionRPS, d.NewRateLimit.CreateSessionBurst)
		slog.Info("session rate limit changed",
			"rps", d.NewRateLimit.CreateSessionRPS, "burst", d.NewRateLimit.CreateSessionBurst)
	}
}
