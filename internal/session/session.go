// Package session stores translation sessions and their listener sets.
//
// A [Session] is a coded room with one speaker and many listeners. Codes are
// exactly six ASCII digits and are never shared by two live sessions. The
// [Registry] applies defaults and validation on creation and notifies the
// session room before a session is removed; the [Store] owns the data.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// Creation defaults.
const (
	DefaultSourceLanguage  = "en-US"
	DefaultTargetLanguage  = "es-ES"
	DefaultCharacter       = "lisa"
	DefaultStyle           = "casual-sitting"
	DefaultBackgroundColor = "#FFFFFFFF"
)

// AvatarConfig is the avatar appearance of a session.
type AvatarConfig struct {
	Character             string
	Style                 string
	BackgroundColor       string
	TransparentBackground bool
	VideoCrop             bool
	CustomAvatar          bool
	BuiltInVoice          bool
}

// Session is one translation room.
type Session struct {
	ID             types.SessionID
	Name           string
	SourceLanguage string
	TargetLanguage string

	// TargetVoice is empty when the client's own voice should be used.
	TargetVoice string

	Avatar AvatarConfig

	Active          bool
	SpeakerClientID types.ClientID
	CreatedAt       time.Time

	// Ending is set once End has claimed the session. A claimed session
	// accepts no listeners, no speaker and no second End.
	Ending bool
}

// Bool is a JSON boolean that also accepts "true"/"false" strings and
// numbers. null and absent decode to false.
type Bool bool

// UnmarshalJSON implements [json.Unmarshaler].
func (b *Bool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*b = false
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*b = false
			return nil
		}
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("session: %q is not a boolean", s)
		}
		*b = Bool(v)
		return nil
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*b = Bool(data[0] == 't')
		return nil
	default:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("session: %s is not a boolean", data)
		}
		*b = f != 0
		return nil
	}
}

// CreateRequest is the createSession body. Empty strings take defaults.
type CreateRequest struct {
	Name                  string `json:"sessionName"`
	SourceLanguage        string `json:"sourceLanguage"`
	TargetLanguage        string `json:"targetLanguage"`
	TargetVoice           string `json:"targetVoice"`
	AvatarCharacter       string `json:"avatarCharacter"`
	AvatarStyle           string `json:"avatarStyle"`
	BackgroundColor       string `json:"backgroundColor"`
	CustomAvatar          Bool   `json:"isCustomAvatar"`
	BuiltInVoice          Bool   `json:"useBuiltInVoice"`
	TransparentBackground Bool   `json:"transparentBackground"`
	VideoCrop             Bool   `json:"videoCrop"`
}

// DecodeCreateRequest reads a CreateRequest from r. An empty body is an
// all-defaults request. Decoding failures match [types.ErrInvalidInput].
func DecodeCreateRequest(r io.Reader) (CreateRequest, error) {
	var req CreateRequest
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return req, fmt.Errorf("session: read body: %w: %w", types.ErrInvalidInput, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("session: decode body: %w: %w", types.ErrInvalidInput, err)
	}
	return req, nil
}

// normalize trims every field, applies defaults and validates the result.
func (r CreateRequest) normalize() (CreateRequest, error) {
	trim := func(s, def string) string {
		if s = strings.TrimSpace(s); s == "" {
			return def
		}
		return s
	}
	r.Name = strings.TrimSpace(r.Name)
	r.SourceLanguage = trim(r.SourceLanguage, DefaultSourceLanguage)
	r.TargetLanguage = trim(r.TargetLanguage, DefaultTargetLanguage)
	r.TargetVoice = strings.TrimSpace(r.TargetVoice)
	r.AvatarCharacter = trim(r.AvatarCharacter, DefaultCharacter)
	r.AvatarStyle = trim(r.AvatarStyle, DefaultStyle)
	r.BackgroundColor = trim(r.BackgroundColor, DefaultBackgroundColor)

	for field, tag := range map[string]string{"sourceLanguage": r.SourceLanguage, "targetLanguage": r.TargetLanguage} {
		if _, err := language.Parse(tag); err != nil {
			return r, fmt.Errorf("session: %w: %s %q is not a language tag", types.ErrInvalidInput, field, tag)
		}
	}
	if !validColor(r.BackgroundColor) {
		return r, fmt.Errorf("session: %w: backgroundColor %q must be a hex color (#RGB, #RGBA, #RRGGBB or #RRGGBBAA)", types.ErrInvalidInput, r.BackgroundColor)
	}
	return r, nil
}

// validColor accepts the CSS hex notations.
func validColor(c string) bool {
	switch len(c) {
	case 4, 5, 7, 9:
	default:
		return false
	}
	if c[0] != '#' {
		return false
	}
	for _, ch := range c[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", ch) {
			return false
		}
	}
	return true
}

// Info is the public view of a session.
type Info struct {
	SessionID       types.SessionID `json:"sessionId"`
	SessionCode     types.SessionID `json:"sessionCode"`
	SessionName     string          `json:"sessionName"`
	SourceLanguage  string          `json:"sourceLanguage"`
	TargetLanguage  string          `json:"targetLanguage"`
	TargetVoice     *string         `json:"targetVoice"`
	AvatarCharacter string          `json:"avatarCharacter"`
	AvatarStyle     string          `json:"avatarStyle"`
	Active          bool            `json:"active"`
	ListenerCount   int             `json:"listenerCount"`
}

// Record is the full stored view of a session returned on creation.
type Record struct {
	ID                    types.SessionID `json:"id"`
	Name                  string          `json:"name"`
	SourceLanguage        string          `json:"sourceLanguage"`
	TargetLanguage        string          `json:"targetLanguage"`
	TargetVoice           *string         `json:"targetVoice"`
	AvatarCharacter       string          `json:"avatarCharacter"`
	AvatarStyle           string          `json:"avatarStyle"`
	BackgroundColor       string          `json:"backgroundColor"`
	CustomAvatar          bool            `json:"isCustomAvatar"`
	BuiltInVoice          bool            `json:"useBuiltInVoice"`
	TransparentBackground bool            `json:"transparentBackground"`
	VideoCrop             bool            `json:"videoCrop"`
	CreatedAt             time.Time       `json:"created_at"`
	Active                bool            `json:"active"`
	SpeakerClientID       *types.ClientID `json:"speaker_client_id"`
}

// Created is the result of [Registry.Create].
type Created struct {
	ID          types.SessionID `json:"sessionId"`
	ListenerURL string          `json:"listenerUrl"`
	Record      Record          `json:"sessionInfo"`
}

func optional[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

func recordOf(s Session) Record {
	return Record{
		ID:                    s.ID,
		Name:                  s.Name,
		SourceLanguage:        s.SourceLanguage,
		TargetLanguage:        s.TargetLanguage,
		TargetVoice:           optional(s.TargetVoice),
		AvatarCharacter:       s.Avatar.Character,
		AvatarStyle:           s.Avatar.Style,
		BackgroundColor:       s.Avatar.BackgroundColor,
		CustomAvatar:          s.Avatar.CustomAvatar,
		BuiltInVoice:          s.Avatar.BuiltInVoice,
		TransparentBackground: s.Avatar.TransparentBackground,
		VideoCrop:             s.Avatar.VideoCrop,
		CreatedAt:             s.CreatedAt,
		Active:                s.Active,
		SpeakerClientID:       optional(s.SpeakerClientID),
	}
}

func infoOf(s Session, listeners int) Info {
	return Info{
		SessionID:       s.ID,
		SessionCode:     s.ID,
		SessionName:     s.Name,
		SourceLanguage:  s.SourceLanguage,
		TargetLanguage:  s.TargetLanguage,
		TargetVoice:     optional(s.TargetVoice),
		AvatarCharacter: s.Avatar.Character,
		AvatarStyle:     s.Avatar.Style,
		Active:          s.Active,
		ListenerCount:   listeners,
	}
}

// ValidID reports whether id is six ASCII digits.
func ValidID(id types.SessionID) bool {
	if len(id) != 6 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}
