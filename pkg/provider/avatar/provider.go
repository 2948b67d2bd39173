// Package avatar defines the Provider interface for cloud talking-avatar
// rendering backends.
//
// An avatar provider opens a synthesis connection whose connection-scoped
// metadata carries a WebRTC negotiation payload ([Negotiation]). The
// provider renders speech requests on that connection and streams the
// resulting video and audio to the browser peer directly; this process only
// relays the session descriptions and the speech markup.
//
// Connections report their lifecycle to an [Observer]. The disconnect
// notification may arrive at any time after Connect returns, from a
// provider goroutine.
package avatar

import (
	"context"
)

// ICEServer is one relay server entry in the negotiation payload.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Point is a pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Crop is the rendered video rectangle.
type Crop struct {
	TopLeft     Point `json:"topLeft"`
	BottomRight Point `json:"bottomRight"`
}

// Background is the avatar backdrop.
type Background struct {
	Color string `json:"color"`
}

// TalkingAvatar holds the avatar appearance parameters.
type TalkingAvatar struct {
	Customized bool   `json:"customized"`
	Character  string `json:"character"`
	// Style is omitted from the wire when empty.
	Style           string     `json:"style,omitempty"`
	Background      Background `json:"background"`
	UseBuiltInVoice bool       `json:"useBuiltInVoice"`
}

// WebRTCConfig carries the browser's session description and relay servers.
type WebRTCConfig struct {
	ClientDescription string      `json:"clientDescription"`
	ICEServers        []ICEServer `json:"iceServers"`
}

// Protocol names the media transport.
type Protocol struct {
	Name         string       `json:"name"`
	WebRTCConfig WebRTCConfig `json:"webrtcConfig"`
}

// Format is the video encoding target.
type Format struct {
	Crop    Crop `json:"crop"`
	Bitrate int  `json:"bitrate"`
}

// Video groups the media parameters.
type Video struct {
	Protocol      Protocol      `json:"protocol"`
	Format        Format        `json:"format"`
	TalkingAvatar TalkingAvatar `json:"talkingAvatar"`
}

// Synthesis is the synthesis section of the negotiation payload.
type Synthesis struct {
	Video Video `json:"video"`
}

// Negotiation is the connection-scoped metadata sent when a synthesis
// connection opens. It marshals to the provider's expected JSON shape.
type Negotiation struct {
	Synthesis Synthesis `json:"synthesis"`
}

// Observer receives connection lifecycle notifications. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	// OnConnected fires once the transport to the provider is established.
	OnConnected(conn Connection)

	// OnDisconnected fires once when the transport closes for any reason,
	// including an explicit Close. err is nil for a clean close.
	OnDisconnected(conn Connection, err error)
}

// ConnectConfig describes a new synthesis connection.
type ConnectConfig struct {
	Negotiation Negotiation

	// Observer is optional.
	Observer Observer
}

// Result is the outcome of a completed synthesis request.
type Result struct {
	// RemoteDescription is the provider's session description, present on the
	// first request of a connection when negotiation completed.
	RemoteDescription string
}

// Connection is one open synthesis connection.
//
// Speak methods block until the provider reports the request complete or
// canceled. A cancellation is returned as an error matching
// [types.ErrProviderCanceled]; transport failures match
// [types.ErrProviderUnavailable].
type Connection interface {
	// SpeakText synthesises plain text. An empty text is a no-op request that
	// completes negotiation.
	SpeakText(ctx context.Context, text string) (Result, error)

	// SpeakSSML synthesises a markup document.
	SpeakSSML(ctx context.Context, ssml string) (Result, error)

	// Close tears the connection down. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any talking-avatar backend.
type Provider interface {
	Connect(ctx context.Context, cfg ConnectConfig) (Connection, error)
}
