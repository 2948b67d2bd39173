package credential

import (
	"encoding/json"
	"sync/atomic"

	"github.com/MrWong99/avatarcast/internal/config"
)

// RelayResolver picks the relay credential handed to browsers and to the
// avatar service. A complete operator override wins over the fetched token.
type RelayResolver struct {
	tokens   *Refresher
	override atomic.Pointer[config.RelayConfig]
}

// NewRelayResolver returns a resolver reading fetched tokens from tokens.
func NewRelayResolver(tokens *Refresher, override config.RelayConfig) *RelayResolver {
	r := &RelayResolver{tokens: tokens}
	r.SetOverride(override)
	return r
}

// SetOverride replaces the operator override. Safe to call while serving.
func (r *RelayResolver) SetOverride(o config.RelayConfig) {
	r.override.Store(&o)
}

func (r *RelayResolver) activeOverride() (config.RelayConfig, bool) {
	o := r.override.Load()
	if o == nil || !o.Complete() {
		return config.RelayConfig{}, false
	}
	return *o, true
}

// ForBrowser returns the credential a browser peer should use.
func (r *RelayResolver) ForBrowser() (RelayCredential, bool) {
	if o, ok := r.activeOverride(); ok {
		return RelayCredential{URLs: []string{o.URL}, Username: o.Username, Password: o.Password}, true
	}
	return r.fetched()
}

// ForAvatar returns the credential embedded in the avatar negotiation. An
// override's remote URL, when set, replaces its browser URL.
func (r *RelayResolver) ForAvatar() (RelayCredential, bool) {
	if o, ok := r.activeOverride(); ok {
		u := o.URL
		if o.URLRemote != "" {
			u = o.URLRemote
		}
		return RelayCredential{URLs: []string{u}, Username: o.Username, Password: o.Password}, true
	}
	return r.fetched()
}

func (r *RelayResolver) fetched() (RelayCredential, bool) {
	if r.tokens == nil {
		return RelayCredential{}, false
	}
	t, ok := r.tokens.Current(KindRelay)
	if !ok || t.Relay == nil {
		return RelayCredential{}, false
	}
	return *t.Relay, true
}

// relayDoc is the issuer's relay token JSON shape.
type relayDoc struct {
	URLs     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

// Document renders the browser credential in the issuer's JSON shape. A
// fetched token is returned exactly as served.
func (r *RelayResolver) Document() ([]byte, bool) {
	if o, ok := r.activeOverride(); ok {
		b, err := json.Marshal(relayDoc{[]string{o.URL}, o.Username, o.Password})
		return b, err == nil
	}
	c, ok := r.fetched()
	if !ok {
		return nil, false
	}
	if len(c.Raw) > 0 {
		return c.Raw, true
	}
	b, err := json.Marshal(relayDoc{c.URLs, c.Username, c.Password})
	return b, err == nil
}
