// Package azure implements the translation and avatar provider contracts,
// plus the token sources behind the credential refresher, against Azure AI
// Speech.
//
// Both streaming adapters speak the Speech service websocket protocol: text
// frames are a header block ("Path", "X-RequestId", ...) followed by a blank
// line and a body, binary frames carry a length-prefixed header block before
// the audio payload. Requests and responses are correlated by X-RequestId.
//
// Endpoints are derived from [Endpoints]: a region selects the public hosts,
// and a private endpoint (an https URL) replaces them for all traffic.
package azure

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// Endpoints locates the Speech resource.
type Endpoints struct {
	// Region is the Azure region, e.g. "westus2".
	Region string

	// PrivateEndpoint is an https base URL that replaces all region hosts.
	PrivateEndpoint string
}

// Validate reports whether enough is set to build URLs.
func (e Endpoints) Validate() error {
	if e.Region == "" && e.PrivateEndpoint == "" {
		return errors.New("azure: region or private endpoint required")
	}
	if e.PrivateEndpoint != "" && !strings.HasPrefix(e.PrivateEndpoint, "https://") {
		return fmt.Errorf("azure: private endpoint %q must be an https URL", e.PrivateEndpoint)
	}
	return nil
}

func (e Endpoints) private() string {
	return strings.TrimRight(e.PrivateEndpoint, "/")
}

func (e Endpoints) privateWSS() string {
	return "wss://" + strings.TrimPrefix(e.private(), "https://")
}

// AvatarURL is the text-to-speech websocket with talking avatar enabled.
func (e Endpoints) AvatarURL() string {
	if e.PrivateEndpoint != "" {
		return e.privateWSS() + "/tts/cognitiveservices/websocket/v1?enableTalkingAvatar=true"
	}
	return "wss://" + e.Region + ".tts.speech.microsoft.com/cognitiveservices/websocket/v1?enableTalkingAvatar=true"
}

// TranslationURL is the speech translation websocket for one stream.
func (e Endpoints) TranslationURL(source string, targets []string) string {
	base := "wss://" + e.Region + ".s2s.speech.microsoft.com"
	if e.PrivateEndpoint != "" {
		base = e.privateWSS()
	}
	return base + "/speech/translation/cognitiveservices/v1?" + translationQuery(source, targets)
}

func translationQuery(source string, targets []string) string {
	q := url.Values{}
	q.Set("from", source)
	q.Set("language", source)
	q.Set("to", strings.Join(targets, ","))
	q.Set("format", "detailed")
	return q.Encode()
}

// IssueTokenURL mints a speech bearer token from a subscription key.
func (e Endpoints) IssueTokenURL() string {
	if e.PrivateEndpoint != "" {
		return e.private() + "/sts/v1.0/issueToken"
	}
	return "https://" + e.Region + ".api.cognitive.microsoft.com/sts/v1.0/issueToken"
}

// RelayTokenURL returns the avatar relay (ICE) credential.
func (e Endpoints) RelayTokenURL() string {
	if e.PrivateEndpoint != "" {
		return e.private() + "/tts/cognitiveservices/avatar/relay/token/v1"
	}
	return "https://" + e.Region + ".tts.speech.microsoft.com/cognitiveservices/avatar/relay/token/v1"
}

// Auth selects the credential sent with each request. A non-nil Bearer that
// returns a token wins over Key.
type Auth struct {
	Key    string
	Bearer func() (string, bool)
}

var errNoCredential = errors.New("azure: no credential available")

func (a Auth) apply(h http.Header) error {
	if a.Bearer != nil {
		if tok, ok := a.Bearer(); ok && tok != "" {
			h.Set("Authorization", "Bearer "+tok)
			return nil
		}
	}
	if a.Key != "" {
		h.Set("Ocp-Apim-Subscription-Key", a.Key)
		return nil
	}
	return errNoCredential
}

// canceledFromClose maps a server-initiated close with a reason to a
// provider cancellation, and anything else to an unavailable error.
func canceledFromClose(op string, err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.StatusNormalClosure && ce.Reason != "" {
		return fmt.Errorf("azure: %s: %w", op, &types.CanceledError{Reason: "Error", Detail: ce.Reason})
	}
	return fmt.Errorf("azure: %s: %w: %w", op, types.ErrProviderUnavailable, err)
}
