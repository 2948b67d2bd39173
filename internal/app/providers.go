package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/avatarcast/internal/config"
	"github.com/MrWong99/avatarcast/internal/credential"
	"github.com/MrWong99/avatarcast/internal/resilience"
	provideravatar "github.com/MrWong99/avatarcast/pkg/provider/avatar"
	"github.com/MrWong99/avatarcast/pkg/provider/azure"
	providertranslation "github.com/MrWong99/avatarcast/pkg/provider/translation"
)

// issuerBreaker is the breaker template guarding every token issuer.
var issuerBreaker = resilience.BreakerConfig{
	MaxFailures: 3,
	OnStateChange: func(name string, from, to resilience.State) {
		slog.Warn("token issuer breaker changed state", "issuer", name, "from", from, "to", to)
	},
}

func endpointsOf(s config.SpeechConfig) azure.Endpoints {
	return azure.Endpoints{Region: s.Region, PrivateEndpoint: s.PrivateEndpoint}
}

func authOf(in config.FactoryInput) azure.Auth {
	auth := azure.Auth{Key: in.Speech.Key}
	if in.Bearer != nil {
		auth.Bearer = in.Bearer
	}
	return auth
}

// RegisterBuiltinProviders wires the built-in provider factories into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.RegisterTranslation("azure", func(in config.FactoryInput) (providertranslation.Provider, error) {
		var opts []azure.TranslationOption
		if in.Entry.BaseURL != "" {
			opts = append(opts, azure.WithTranslationURL(in.Entry.BaseURL))
		}
		return azure.NewTranslationProvider(endpointsOf(in.Speech), authOf(in), opts...)
	})

	reg.RegisterAvatar("azure", func(in config.FactoryInput) (provideravatar.Provider, error) {
		var opts []azure.AvatarOption
		if in.Entry.BaseURL != "" {
			opts = append(opts, azure.WithAvatarURL(in.Entry.BaseURL))
		}
		if v := optString(in.Entry.Options, "voice"); v != "" {
			opts = append(opts, azure.WithVoice(v))
		}
		return azure.NewAvatarProvider(endpointsOf(in.Speech), authOf(in), opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// initCredentials builds the token issuers, the refresher and the relay
// resolver.
func (a *App) initCredentials() error {
	if a.credProviders == nil {
		ps, err := a.defaultIssuers()
		if err != nil {
			return err
		}
		a.credProviders = ps
	}

	tokens, err := credential.NewRefresher(a.credProviders,
		credential.WithInterval(a.cfg.Tokens.RefreshInterval),
		credential.WithValidity(a.cfg.Tokens.Validity),
		credential.WithTimeout(a.cfg.Timeouts.Token),
		credential.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.tokens = tokens
	a.relay = credential.NewRelayResolver(tokens, a.cfg.Relay)
	return nil
}

// defaultIssuers derives the HTTP token issuers from the speech config.
// With token auth the speech token comes from Entra and falls back to the
// subscription key when one is configured.
func (a *App) defaultIssuers() (map[credential.Kind]credential.Provider, error) {
	sc := a.cfg.Speech
	ep := endpointsOf(sc)
	sub := credential.FromTokenSource(azure.NewSubscriptionTokenSource(ep, sc.Key))

	var speech credential.Provider
	switch {
	case sc.TokenAuth && sc.Entra != nil:
		entra := credential.FromTokenSource(azure.NewEntraTokenSource(azure.EntraConfig{
			TenantID:     sc.Entra.TenantID,
			ClientID:     sc.Entra.ClientID,
			ClientSecret: sc.Entra.ClientSecret,
			Authority:    sc.Entra.AuthorityURL,
		}))
		chain := resilience.NewChain("entra", entra, issuerBreaker)
		if sc.Key != "" {
			chain.Add("subscription", sub)
		}
		speech = credential.FromChain(chain)
	case sc.Key != "":
		cfg := issuerBreaker
		cfg.Name = "subscription"
		speech = credential.WithBreaker(sub, resilience.NewBreaker(cfg))
	default:
		return nil, errors.New("speech key or token auth identity required")
	}

	// The relay issuer prefers the current speech token once there is one.
	relayAuth := azure.Auth{Key: sc.Key}
	if sc.TokenAuth {
		relayAuth.Bearer = a.bearer
	}
	cfg := issuerBreaker
	cfg.Name = "relay"
	relay := credential.WithBreaker(
		credential.FromRelaySource(azure.NewRelayTokenSource(ep, relayAuth)),
		resilience.NewBreaker(cfg),
	)

	return map[credential.Kind]credential.Provider{
		credential.KindSpeech: speech,
		credential.KindRelay:  relay,
	}, nil
}

// bearer reads the refresher's speech token. It is safe before the
// refresher exists.
func (a *App) bearer() (string, bool) {
	if a.tokens == nil {
		return "", false
	}
	return a.tokens.Bearer()
}

// initProviders creates the capability providers not injected via options.
func (a *App) initProviders() error {
	in := func(entry config.ProviderEntry) config.FactoryInput {
		fi := config.FactoryInput{Entry: entry, Speech: a.cfg.Speech}
		if a.cfg.Speech.TokenAuth {
			fi.Bearer = a.bearer
		}
		return fi
	}

	if a.translationProvider == nil {
		p, err := a.registry.CreateTranslation(in(a.cfg.Providers.Translation))
		if err != nil {
			return fmt.Errorf("create translation provider %q: %w", a.cfg.Providers.Translation.Name, err)
		}
		a.translationProvider = p
		slog.Info("provider created", "kind", "translation", "name", a.cfg.Providers.Translation.Name)
	}
	if a.avatarProvider == nil {
		p, err := a.registry.CreateAvatar(in(a.cfg.Providers.Avatar))
		if err != nil {
			return fmt.Errorf("create avatar provider %q: %w", a.cfg.Providers.Avatar.Name, err)
		}
		a.avatarProvider = p
		slog.Info("provider created", "kind", "avatar", "name", a.cfg.Providers.Avatar.Name)
	}
	return nil
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
