// Package config provides the configuration schema, loader, and provider registry
// for the avatarcast relay server.
package config

import "time"

// LogLevel controls log verbosity for the avatarcast server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for avatarcast.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Speech    SpeechConfig    `yaml:"speech"`
	Relay     RelayConfig     `yaml:"relay"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Providers ProvidersConfig `yaml:"providers"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Limits    LimitsConfig    `yaml:"limits"`
	Clients   ClientsConfig   `yaml:"clients"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5000").
	ListenAddr string `yaml:"listen_addr"`

	// PublicURL is the externally visible base URL used to build listener
	// links. Empty means links are derived from the request host.
	PublicURL string `yaml:"public_url"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile enables rotating file output in addition to stderr.
	LogFile *LogFileConfig `yaml:"log_file"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists websocket origin host patterns (path.Match
	// syntax). Empty accepts every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogFileConfig configures the rotating log file.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SpeechConfig locates and authenticates the cloud speech service.
type SpeechConfig struct {
	// Region is the service region (e.g., "westus2"). Required unless
	// PrivateEndpoint is set.
	Region string `yaml:"region"`

	// Key is the subscription key.
	Key string `yaml:"key"`

	// PrivateEndpoint is an https base URL that replaces all region hosts.
	PrivateEndpoint string `yaml:"private_endpoint"`

	// TokenAuth selects credential-based token issuance instead of the
	// subscription-key token endpoint.
	TokenAuth bool `yaml:"token_auth"`

	// Entra holds the client-credentials identity used when TokenAuth is set.
	Entra *EntraConfig `yaml:"entra"`
}

// EntraConfig is an OAuth2 client-credentials identity.
type EntraConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// AuthorityURL overrides the login host. Leave empty for the public cloud.
	AuthorityURL string `yaml:"authority_url"`
}

// RelayConfig is an operator-supplied relay credential. When URL, Username
// and Password are all set it takes precedence over the fetched relay token.
type RelayConfig struct {
	URL       string `yaml:"url"`
	URLRemote string `yaml:"url_remote"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Complete reports whether the override is fully specified.
func (r RelayConfig) Complete() bool {
	return r.URL != "" && r.Username != "" && r.Password != ""
}

// TokensConfig tunes the background credential refresh.
type TokensConfig struct {
	// RefreshInterval is the period between fetches. Default: 9m.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Validity is how long an issued token stays valid. Default: 10m.
	Validity time.Duration `yaml:"validity"`
}

// ProvidersConfig selects the capability implementations by registry name.
type ProvidersConfig struct {
	Translation ProviderEntry `yaml:"translation"`
	Avatar      ProviderEntry `yaml:"avatar"`
}

// ProviderEntry is the common configuration block shared by provider types.
// Name is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "azure").
	Name string `yaml:"name"`

	// BaseURL overrides the provider's derived endpoint.
	BaseURL string `yaml:"base_url"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// DefaultsConfig holds the fallback values applied to new clients.
type DefaultsConfig struct {
	// Voice is the synthesis voice assigned to new clients. Hot-reloadable.
	Voice string `yaml:"voice"`
}

// LimitsConfig is the admission policy. Zero means unbounded.
type LimitsConfig struct {
	MaxRecognitionStreams int `yaml:"max_recognition_streams"`
	MaxAvatarConnections  int `yaml:"max_avatar_connections"`
}

// ClientsConfig controls idle client expiry.
type ClientsConfig struct {
	// IdleTTL evicts clients not seen for this long. Default: 30m.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// SweepInterval is the reaper period. Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TimeoutsConfig bounds outbound calls.
type TimeoutsConfig struct {
	// Provider bounds connect, speak and recognition start. Default: 20s.
	Provider time.Duration `yaml:"provider"`

	// Token bounds a single token fetch. Default: 15s.
	Token time.Duration `yaml:"token"`
}

// RateLimitConfig throttles session creation per client IP.
type RateLimitConfig struct {
	// CreateSessionRPS is the sustained rate. Zero disables limiting.
	CreateSessionRPS float64 `yaml:"create_session_rps"`

	// CreateSessionBurst is the bucket size. Default: 5.
	CreateSessionBurst int `yaml:"create_session_burst"`
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":5000"
	DefaultVoice           = "DragonLatestNeural"
	DefaultRefreshInterval = 9 * time.Minute
	DefaultTokenValidity   = 10 * time.Minute
	DefaultShutdownTimeout = 15 * time.Second
	DefaultIdleTTL         = 30 * time.Minute
	DefaultSweepInterval   = time.Minute
	DefaultProviderTimeout = 20 * time.Second
	DefaultTokenTimeout    = 15 * time.Second
	DefaultRateBurst       = 5
	DefaultProviderName    = "azure"
)

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Tokens.RefreshInterval == 0 {
		cfg.Tokens.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Tokens.Validity == 0 {
		cfg.Tokens.Validity = DefaultTokenValidity
	}
	if cfg.Providers.Translation.Name == "" {
		cfg.Providers.Translation.Name = DefaultProviderName
	}
	if cfg.Providers.Avatar.Name == "" {
		cfg.Providers.Avatar.Name = DefaultProviderName
	}
	if cfg.Defaults.Voice == "" {
		cfg.Defaults.Voice = DefaultVoice
	}
	if cfg.Clients.IdleTTL == 0 {
		cfg.Clients.IdleTTL = DefaultIdleTTL
	}
	if cfg.Clients.SweepInterval == 0 {
		cfg.Clients.SweepInterval = DefaultSweepInterval
	}
	if cfg.Timeouts.Provider == 0 {
		cfg.Timeouts.Provider = DefaultProviderTimeout
	}
	if cfg.Timeouts.Token == 0 {
		cfg.Timeouts.Token = DefaultTokenTimeout
	}
	if cfg.RateLimit.CreateSessionBurst == 0 {
		cfg.RateLimit.CreateSessionBurst = DefaultRateBurst
	}
}
