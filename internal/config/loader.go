package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"translation": {"azure"},
	"avatar":      {"azure"},
}

// Load builds the runtime configuration. It loads a .env file from the
// working directory if one exists, decodes the YAML file at path (an empty
// path means YAML is skipped), applies environment overrides, fills defaults
// and validates the result.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		cfg, err = decode(f)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := finish(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. The process environment is not consulted, which keeps tests
// that build configs from string literals hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := finish(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config, lookup LookupFunc) error {
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return err
		}
	}
	ApplyDefaults(cfg)
	return Validate(cfg)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute URL", cfg.Server.PublicURL))
		}
	}
	if lf := cfg.Server.LogFile; lf != nil && lf.Path == "" {
		errs = append(errs, errors.New("server.log_file.path is required when server.log_file is set"))
	}
	for _, p := range cfg.Server.AllowedOrigins {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("server.allowed_origins: pattern %q: %w", p, err))
		}
	}

	// Speech service
	validateProviderName("translation", cfg.Providers.Translation.Name)
	validateProviderName("avatar", cfg.Providers.Avatar.Name)
	if cfg.Speech.Region == "" && cfg.Speech.PrivateEndpoint == "" {
		errs = append(errs, errors.New("speech.region is required unless speech.private_endpoint is set"))
	}
	if ep := cfg.Speech.PrivateEndpoint; ep != "" {
		if u, err := url.Parse(ep); err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, fmt.Errorf("speech.private_endpoint %q must be an https URL", ep))
		}
	}
	if cfg.Speech.TokenAuth {
		e := cfg.Speech.Entra
		switch {
		case e == nil:
			errs = append(errs, errors.New("speech.entra is required when speech.token_auth is true"))
		case e.TenantID == "" || e.ClientID == "" || e.ClientSecret == "":
			errs = append(errs, errors.New("speech.entra requires tenant_id, client_id and client_secret"))
		}
		if cfg.Speech.PrivateEndpoint == "" {
			slog.Warn("speech.token_auth without speech.private_endpoint; credential tokens are only honoured on custom domains")
		}
	} else if cfg.Speech.Key == "" {
		errs = append(errs, errors.New("speech.key is required unless speech.token_auth is true"))
	}

	// Tokens
	if cfg.Tokens.RefreshInterval < 0 || cfg.Tokens.Validity < 0 {
		errs = append(errs, errors.New("tokens.refresh_interval and tokens.validity must not be negative"))
	} else if cfg.Tokens.Validity > 0 && cfg.Tokens.RefreshInterval >= cfg.Tokens.Validity {
		errs = append(errs, fmt.Errorf("tokens.refresh_interval %s must be shorter than tokens.validity %s",
			cfg.Tokens.RefreshInterval, cfg.Tokens.Validity))
	}

	// Relay override
	r := cfg.Relay
	if r.URLRemote != "" && r.URL == "" {
		errs = append(errs, errors.New("relay.url is required when relay.url_remote is set"))
	}
	if (r.URL != "" || r.Username != "" || r.Password != "") && !r.Complete() {
		slog.Warn("relay override is incomplete and will be ignored; set url, username and password")
	}

	// Limits and timeouts
	if cfg.Limits.MaxRecognitionStreams < 0 {
		errs = append(errs, fmt.Errorf("limits.max_recognition_streams %d must not be negative", cfg.Limits.MaxRecognitionStreams))
	}
	if cfg.Limits.MaxAvatarConnections < 0 {
		errs = append(errs, fmt.Errorf("limits.max_avatar_connections %d must not be negative", cfg.Limits.MaxAvatarConnections))
	}
	if cfg.Timeouts.Provider < 0 || cfg.Timeouts.Token < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if cfg.Clients.IdleTTL < 0 || cfg.Clients.SweepInterval < 0 {
		errs = append(errs, errors.New("clients.idle_ttl and clients.sweep_interval must not be negative"))
	}
	if cfg.RateLimit.CreateSessionRPS < 0 || cfg.RateLimit.CreateSessionBurst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
