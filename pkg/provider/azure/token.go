package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// CognitiveScope is the OAuth2 scope for Speech bearer tokens.
const CognitiveScope = "https://cognitiveservices.azure.com/.default"

// DefaultAuthority is the public Entra ID login host.
const DefaultAuthority = "https://login.microsoftonline.com"

const maxTokenBody = 64 << 10

// RelayToken is the relay credential returned by the avatar relay endpoint.
// The JSON field names match the service response.
type RelayToken struct {
	URLs     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

// TokenOption configures the HTTP token sources.
type TokenOption func(*tokenOptions)

type tokenOptions struct {
	client *http.Client
	url    string
}

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) TokenOption {
	return func(o *tokenOptions) { o.client = c }
}

// WithTokenURL overrides the endpoint the source calls.
func WithTokenURL(u string) TokenOption {
	return func(o *tokenOptions) { o.url = u }
}

func buildTokenOptions(defaultURL string, opts []TokenOption) tokenOptions {
	o := tokenOptions{client: &http.Client{Timeout: 10 * time.Second}, url: defaultURL}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// SubscriptionTokenSource exchanges a subscription key for a speech bearer
// token.
type SubscriptionTokenSource struct {
	key string
	opt tokenOptions
}

// NewSubscriptionTokenSource creates a source for ep authenticated by key.
func NewSubscriptionTokenSource(ep Endpoints, key string, opts ...TokenOption) *SubscriptionTokenSource {
	return &SubscriptionTokenSource{key: key, opt: buildTokenOptions(ep.IssueTokenURL(), opts)}
}

// Token fetches a fresh bearer token.
func (s *SubscriptionTokenSource) Token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opt.url, nil)
	if err != nil {
		return "", fmt.Errorf("azure: issue token: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.key)
	body, err := do(s.opt.client, req)
	if err != nil {
		return "", fmt.Errorf("azure: issue token: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// EntraConfig identifies an application registration for the client
// credentials flow.
type EntraConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Authority defaults to [DefaultAuthority].
	Authority string
}

// EntraTokenSource obtains speech bearer tokens from Entra ID with the
// OAuth2 client credentials grant.
type EntraTokenSource struct {
	cfg    clientcredentials.Config
	client *http.Client
}

// NewEntraTokenSource creates a source for cfg. [WithTokenURL] replaces the
// derived token endpoint.
func NewEntraTokenSource(cfg EntraConfig, opts ...TokenOption) *EntraTokenSource {
	authority := strings.TrimRight(cfg.Authority, "/")
	if authority == "" {
		authority = DefaultAuthority
	}
	o := buildTokenOptions(authority+"/"+cfg.TenantID+"/oauth2/v2.0/token", opts)
	return &EntraTokenSource{
		cfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     o.url,
			Scopes:       []string{CognitiveScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: o.client,
	}
}

// Token fetches a fresh access token. No caching happens here; the
// refresher owns the schedule.
func (s *EntraTokenSource) Token(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("azure: entra token: %w: %w", types.ErrProviderUnavailable, err)
	}
	return tok.AccessToken, nil
}

// RelayTokenSource fetches avatar relay credentials.
type RelayTokenSource struct {
	auth Auth
	opt  tokenOptions
}

// NewRelayTokenSource creates a source for ep. auth typically carries the
// current speech bearer token with the subscription key as fallback.
func NewRelayTokenSource(ep Endpoints, auth Auth, opts ...TokenOption) *RelayTokenSource {
	return &RelayTokenSource{auth: auth, opt: buildTokenOptions(ep.RelayTokenURL(), opts)}
}

// Relay fetches a relay credential. raw is the response body as served.
func (s *RelayTokenSource) Relay(ctx context.Context) (raw []byte, tok RelayToken, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opt.url, nil)
	if err != nil {
		return nil, RelayToken{}, fmt.Errorf("azure: relay token: %w", err)
	}
	if err := s.auth.apply(req.Header); err != nil {
		return nil, RelayToken{}, fmt.Errorf("azure: relay token: %w: %w", types.ErrProviderUnavailable, err)
	}
	raw, err = do(s.opt.client, req)
	if err != nil {
		return nil, RelayToken{}, fmt.Errorf("azure: relay token: %w", err)
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, RelayToken{}, fmt.Errorf("azure: relay token: decode: %w: %w", types.ErrProviderUnavailable, err)
	}
	if len(tok.URLs) == 0 {
		return nil, RelayToken{}, fmt.Errorf("azure: relay token: %w: no relay urls", types.ErrProviderUnavailable)
	}
	return raw, tok, nil
}

// do executes req and returns the body of a 200 response.
func do(c *http.Client, req *http.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", types.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", types.ErrProviderUnavailable, resp.StatusCode)
	}
	return body, nil
}
