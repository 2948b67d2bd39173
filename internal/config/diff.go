package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RelayChanged is set when the operator relay override changed in any
	// field, including becoming complete or incomplete.
	RelayChanged bool
	NewRelay     RelayConfig

	DefaultVoiceChanged bool
	NewDefaultVoice     string

	RateLimitChanged bool
	NewRateLimit     RateLimitConfig
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RelayChanged || d.DefaultVoiceChanged || d.RateLimitChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Relay != new.Relay {
		d.RelayChanged = true
		d.NewRelay = new.Relay
	}
	if old.Defaults.Voice != new.Defaults.Voice {
		d.DefaultVoiceChanged = true
		d.NewDefaultVoice = new.Defaults.Voice
	}
	if old.RateLimit != new.RateLimit {
		d.RateLimitChanged = true
		d.NewRateLimit = new.RateLimit
	}
	return d
}
