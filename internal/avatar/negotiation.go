package avatar

import (
	"github.com/MrWong99/avatarcast/internal/credential"
	"github.com/MrWong99/avatarcast/internal/session"
	provideravatar "github.com/MrWong99/avatarcast/pkg/provider/avatar"
)

// Video geometry of the rendered avatar.
const (
	Bitrate = 1_000_000

	// ChromaKey replaces the background when transparency is requested.
	ChromaKey = "#00FF00FF"
)

var (
	fullFrame = provideravatar.Crop{TopLeft: provideravatar.Point{X: 0, Y: 0}, BottomRight: provideravatar.Point{X: 1920, Y: 1080}}
	cropFrame = provideravatar.Crop{TopLeft: provideravatar.Point{X: 600, Y: 0}, BottomRight: provideravatar.Point{X: 1320, Y: 1080}}
)

// Params is the avatar appearance requested for one connection.
type Params struct {
	Character             string
	Style                 string
	BackgroundColor       string
	CustomAvatar          bool
	TransparentBackground bool
	VideoCrop             bool
	BuiltInVoice          bool
}

// ParamsFromSession derives connection parameters from a session's stored
// appearance.
func ParamsFromSession(a session.AvatarConfig) Params {
	return Params{
		Character:             a.Character,
		Style:                 a.Style,
		BackgroundColor:       a.BackgroundColor,
		CustomAvatar:          a.CustomAvatar,
		TransparentBackground: a.TransparentBackground,
		VideoCrop:             a.VideoCrop,
		BuiltInVoice:          a.BuiltInVoice,
	}
}

func (p Params) withDefaults() Params {
	if p.Character == "" {
		p.Character = session.DefaultCharacter
	}
	if p.BackgroundColor == "" {
		p.BackgroundColor = session.DefaultBackgroundColor
	}
	return p
}

// BuildNegotiation assembles the connection metadata for localDescription.
// Only the first relay URL is offered to the renderer.
func BuildNegotiation(localDescription string, relay credential.RelayCredential, p Params) provideravatar.Negotiation {
	p = p.withDefaults()

	crop := fullFrame
	if p.VideoCrop {
		crop = cropFrame
	}
	bg := p.BackgroundColor
	if p.TransparentBackground {
		bg = ChromaKey
	}
	style := p.Style
	if p.CustomAvatar {
		style = ""
	}

	var servers []provideravatar.ICEServer
	if len(relay.URLs) > 0 {
		servers = []provideravatar.ICEServer{{
			URLs:       relay.URLs[:1],
			Username:   relay.Username,
			Credential: relay.Password,
		}}
	}

	return provideravatar.Negotiation{Synthesis: provideravatar.Synthesis{Video: provideravatar.Video{
		Protocol: provideravatar.Protocol{
			Name: "WebRTC",
			WebRTCConfig: provideravatar.WebRTCConfig{
				ClientDescription: localDescription,
				ICEServers:        servers,
			},
		},
		Format: provideravatar.Format{Crop: crop, Bitrate: Bitrate},
		TalkingAvatar: provideravatar.TalkingAvatar{
			Customized:      p.CustomAvatar,
			Character:       p.Character,
			Style:           style,
			Background:      provideravatar.Background{Color: bg},
			UseBuiltInVoice: p.BuiltInVoice,
		},
	}}}
}
