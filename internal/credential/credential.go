// Package credential keeps short-lived access tokens fresh for the rest of
// the process.
//
// A [Refresher] runs one supervised loop per [Kind]. Each loop fetches from
// its [Provider] immediately and then on a fixed interval. A successful fetch
// atomically replaces the published [Token]; a failed one is logged and
// counted and the previous value stays in place. Readers call
// [Refresher.Current] and never block.
package credential

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/avatarcast/internal/resilience"
	"github.com/MrWong99/avatarcast/pkg/provider/azure"
)

// Kind names a token family.
type Kind string

const (
	// KindSpeech is the speech service bearer token.
	KindSpeech Kind = "speech"

	// KindRelay is the avatar relay (ICE) credential.
	KindRelay Kind = "relay"
)

// RelayCredential is a set of relay servers with shared credentials.
type RelayCredential struct {
	URLs     []string
	Username string
	Password string

	// Raw is the credential document as served by the issuer, if any.
	Raw []byte
}

// Token is one fetched credential.
type Token struct {
	Kind Kind

	// Value is the bearer token. Empty for relay tokens.
	Value string

	// Relay is set for [KindRelay].
	Relay *RelayCredential

	FetchedAt time.Time
}

var errEmptyToken = errors.New("credential: issuer returned an empty token")

// Provider fetches a fresh token.
type Provider interface {
	Fetch(ctx context.Context) (Token, error)
}

// ProviderFunc adapts a function to [Provider].
type ProviderFunc func(ctx context.Context) (Token, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context) (Token, error) { return f(ctx) }

// TokenSource issues bearer tokens. The azure subscription and Entra
// sources satisfy it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RelaySource issues relay credentials.
type RelaySource interface {
	Relay(ctx context.Context) (raw []byte, tok azure.RelayToken, err error)
}

// FromTokenSource adapts src to a [KindSpeech] provider.
func FromTokenSource(src TokenSource) Provider {
	return ProviderFunc(func(ctx context.Context) (Token, error) {
		v, err := src.Token(ctx)
		if err != nil {
			return Token{}, err
		}
		if v == "" {
			return Token{}, errEmptyToken
		}
		return Token{Kind: KindSpeech, Value: v}, nil
	})
}

// FromRelaySource adapts src to a [KindRelay] provider.
func FromRelaySource(src RelaySource) Provider {
	return ProviderFunc(func(ctx context.Context) (Token, error) {
		raw, tok, err := src.Relay(ctx)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindRelay, Relay: &RelayCredential{
			URLs:     tok.URLs,
			Username: tok.Username,
			Password: tok.Password,
			Raw:      raw,
		}}, nil
	})
}

// WithBreaker guards p with b so a dead issuer is not hammered. An open
// breaker surfaces as a fetch failure.
func WithBreaker(p Provider, b *resilience.Breaker) Provider {
	return ProviderFunc(func(ctx context.Context) (Token, error) {
		return resilience.Call(ctx, b, p.Fetch)
	})
}

// FromChain tries each provider of c in order until one succeeds.
func FromChain(c *resilience.Chain[Provider]) Provider {
	return ProviderFunc(func(ctx context.Context) (Token, error) {
		return resilience.CallChain(ctx, c, func(ctx context.Context, p Provider) (Token, error) {
			return p.Fetch(ctx)
		})
	})
}
