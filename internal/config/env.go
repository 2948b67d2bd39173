package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Environment variables honoured by [ApplyEnv]. A set variable overrides
// the corresponding YAML value.
const (
	EnvSpeechRegion    = "SPEECH_REGION"
	EnvSpeechKey       = "SPEECH_KEY"
	EnvPrivateEndpoint = "SPEECH_PRIVATE_ENDPOINT"
	EnvTokenAuth       = "ENABLE_TOKEN_AUTH"
	EnvRelayURL        = "ICE_SERVER_URL"
	EnvRelayURLRemote  = "ICE_SERVER_URL_REMOTE"
	EnvRelayUsername   = "ICE_SERVER_USERNAME"
	EnvRelayPassword   = "ICE_SERVER_PASSWORD"
	EnvPort            = "PORT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvEntraTenant     = "AZURE_TENANT_ID"
	EnvEntraClient     = "AZURE_CLIENT_ID"
	EnvEntraSecret     = "AZURE_CLIENT_SECRET"
)

// LoadDotEnv loads variables from the given .env files (default ".env")
// into the process environment. Variables that are already set win. A
// missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str(EnvSpeechRegion, &cfg.Speech.Region)
	str(EnvSpeechKey, &cfg.Speech.Key)
	str(EnvPrivateEndpoint, &cfg.Speech.PrivateEndpoint)
	str(EnvRelayURL, &cfg.Relay.URL)
	str(EnvRelayURLRemote, &cfg.Relay.URLRemote)
	str(EnvRelayUsername, &cfg.Relay.Username)
	str(EnvRelayPassword, &cfg.Relay.Password)

	if v, ok := lookup(EnvTokenAuth); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a boolean", EnvTokenAuth, v)
		}
		cfg.Speech.TokenAuth = b
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("config: %s=%q is not a valid port", EnvPort, v)
		}
		cfg.Server.ListenAddr = ":" + strconv.Itoa(port)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}

	var tenant, client, secret string
	str(EnvEntraTenant, &tenant)
	str(EnvEntraClient, &client)
	str(EnvEntraSecret, &secret)
	if tenant != "" || client != "" || secret != "" {
		if cfg.Speech.Entra == nil {
			cfg.Speech.Entra = &EntraConfig{}
		}
		if tenant != "" {
			cfg.Speech.Entra.TenantID = tenant
		}
		if client != "" {
			cfg.Speech.Entra.ClientID = client
		}
		if secret != "" {
			cfg.Speech.Entra.ClientSecret = secret
		}
	}
	return nil
}
