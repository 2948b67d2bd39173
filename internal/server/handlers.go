package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/avatarcast/internal/avatar"
	"github.com/MrWong99/avatarcast/internal/client"
	"github.com/MrWong99/avatarcast/internal/observe"
	"github.com/MrWong99/avatarcast/internal/session"
	"github.com/MrWong99/avatarcast/internal/translation"
	"github.com/MrWong99/avatarcast/pkg/audio"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// Request headers of the browser pages.
const (
	hdrClientID              = "ClientId"
	hdrSessionID             = "SessionId"
	hdrAvatarCharacter       = "AvatarCharacter"
	hdrAvatarStyle           = "AvatarStyle"
	hdrBackgroundColor       = "BackgroundColor"
	hdrCustomAvatar          = "IsCustomAvatar"
	hdrBuiltInVoice          = "UseBuiltInVoice"
	hdrTransparentBackground = "TransparentBackground"
	hdrVideoCrop             = "VideoCrop"
	hdrTTSVoice              = "TtsVoice"
	hdrSourceLanguage        = "SourceLanguage"
	hdrTargetLanguage        = "TargetLanguage"
	hdrTargetVoice           = "TargetVoice"
)

var (
	errNoClientID  = fmt.Errorf("%w: ClientId is required", types.ErrInvalidInput)
	errNoSDP       = fmt.Errorf("%w: SDP body is required", types.ErrInvalidInput)
	errNotReady    = fmt.Errorf("%w: token not fetched yet", types.ErrProviderUnavailable)
	errNoSessionID = fmt.Errorf("%w: sessionId is required", types.ErrInvalidInput)
)

// parseClientID validates a ClientId value.
func parseClientID(v string) (types.ClientID, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errNoClientID
	}
	u, err := uuid.Parse(v)
	if err != nil {
		return "", fmt.Errorf("%w: ClientId %q is not a UUID", types.ErrInvalidInput, v)
	}
	return types.ClientID(u.String()), nil
}

func headerOr(r *http.Request, name, def string) string {
	if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
		return v
	}
	return def
}

func headerBool(r *http.Request, name string) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(name)), "true")
}

func readBody(w http.ResponseWriter, r *http.Request) (string, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", types.ErrInvalidInput, err)
	}
	return string(b), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body: %w", types.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Clients.Create()
	s.metrics.ActiveClients.Add(r.Context(), 1)
	observe.Logger(r.Context()).Debug("client created", "client_id", c.ID)
	writeJSON(w, http.StatusOK, map[string]types.ClientID{"clientId": c.ID})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	req, err := session.DecodeCreateRequest(http.MaxBytesReader(w, r.Body, maxBody))
	if err == nil {
		var created session.Created
		created, err = s.deps.Sessions.Create(r.Context(), req, s.baseURL(r))
		if err == nil {
			writeJSON(w, http.StatusOK, created)
			return
		}
	}
	writeJSON(w, statusOf(err), errorBody{Error: "Failed to create session: " + detailOf(err)})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("sessionId"))
	if !session.ValidID(id) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Session not found"})
		return
	}
	info, err := s.deps.Sessions.Info(id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "Session not found"})
			return
		}
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID types.SessionID `json:"sessionId"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSONError(w, err)
		return
	}
	if body.SessionID == "" {
		writeJSONError(w, errNoSessionID)
		return
	}
	if !session.ValidID(body.SessionID) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Session not found"})
		return
	}
	sess, err := s.deps.Sessions.End(r.Context(), body.SessionID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "Session not found"})
			return
		}
		writeJSONError(w, err)
		return
	}
	s.unbind(r.Context(), sess.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// unbind detaches every client from an ended session and stops the
// recognition streams that were feeding it, so a later session reusing the
// code starts with no members.
func (s *Server) unbind(ctx context.Context, id types.SessionID) {
	var bound []client.Context
	s.deps.Clients.Range(func(c client.Context) bool {
		if c.SessionID == id {
			bound = append(bound, c)
		}
		return true
	})
	for _, c := range bound {
		if c.Recognition != nil && s.deps.Translations != nil {
			if err := s.deps.Translations.Stop(ctx, c.ID); err != nil {
				observe.Logger(ctx, "client_id", c.ID, "session_id", id).Warn("stop translation on session end failed", "err", err)
			}
		}
		_, _ = s.deps.Clients.Update(c.ID, func(cc *client.Context) error {
			if cc.SessionID == id {
				cc.SessionID = ""
			}
			return nil
		})
	}
	if len(bound) > 0 {
		observe.Logger(ctx, "session_id", id).Info("session clients released", "clients", len(bound))
	}
}

func (s *Server) getSpeechToken(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Speech == nil {
		writeTextError(w, errNotReady)
		return
	}
	tok, ok := s.deps.Speech.Bearer()
	if !ok {
		writeTextError(w, errNotReady)
		return
	}
	w.Header().Set("SpeechRegion", s.region)
	if s.privateEndpoint != "" {
		w.Header().Set("SpeechPrivateEndpoint", s.privateEndpoint)
	}
	writeText(w, http.StatusOK, tok)
}

func (s *Server) getIceToken(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Relay == nil {
		writeTextError(w, errNotReady)
		return
	}
	doc, ok := s.deps.Relay.Document()
	if !ok {
		writeTextError(w, errNotReady)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r.Header.Get(hdrClientID))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	st, err := s.deps.Avatars.Status(id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "Client not found"})
			return
		}
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// connectListenerAvatar connects a session listener. Appearance comes from
// the session, the voice from its target voice.
func (s *Server) connectListenerAvatar(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r.Header.Get(hdrClientID))
	if err != nil {
		writeTextError(w, err)
		return
	}
	sid := types.SessionID(strings.TrimSpace(r.Header.Get(hdrSessionID)))
	sess, err := s.deps.Sessions.Get(sid)
	if err != nil {
		writeText(w, http.StatusNotFound, "Invalid session: "+string(sid))
		return
	}
	local, err := readBody(w, r)
	if err != nil {
		writeTextError(w, err)
		return
	}
	if strings.TrimSpace(local) == "" {
		writeTextError(w, errNoSDP)
		return
	}

	voice := sess.TargetVoice
	if voice == "" {
		voice = s.deps.Clients.DefaultVoice()
	}
	if _, err := s.deps.Clients.Update(id, func(c *client.Context) error {
		c.Voice = voice
		c.SessionID = sid
		return nil
	}); err != nil {
		writeText(w, http.StatusNotFound, "Client not found: "+string(id))
		return
	}

	remote, err := s.deps.Avatars.Connect(r.Context(), id, local, avatar.ParamsFromSession(sess.Avatar))
	if err != nil {
		observe.Logger(r.Context(), "client_id", id, "session_id", sid).Warn("listener avatar connect failed", "err", err)
		writeText(w, statusOf(err), "Listener avatar connection error: "+detailOf(err))
		return
	}
	writeText(w, http.StatusOK, remote)
}

// connectAvatar is the direct flavor: appearance and voice come from
// request headers.
func (s *Server) connectAvatar(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r.Header.Get(hdrClientID))
	if err != nil {
		writeTextError(w, err)
		return
	}
	voice := headerOr(r, hdrTTSVoice, s.deps.Clients.DefaultVoice())
	if _, err := s.deps.Clients.Update(id, func(c *client.Context) error {
		c.Voice = voice
		return nil
	}); err != nil {
		writeText(w, http.StatusNotFound, "Client not found")
		return
	}
	local, err := readBody(w, r)
	if err != nil {
		writeTextError(w, err)
		return
	}

	p := avatar.Params{
		Character:             headerOr(r, hdrAvatarCharacter, session.DefaultCharacter),
		Style:                 headerOr(r, hdrAvatarStyle, session.DefaultStyle),
		BackgroundColor:       headerOr(r, hdrBackgroundColor, session.DefaultBackgroundColor),
		CustomAvatar:          headerBool(r, hdrCustomAvatar),
		BuiltInVoice:          headerBool(r, hdrBuiltInVoice),
		TransparentBackground: headerBool(r, hdrTransparentBackground),
		VideoCrop:             headerBool(r, hdrVideoCrop),
	}
	remote, err := s.deps.Avatars.Connect(r.Context(), id, local, p)
	if err != nil {
		observe.Logger(r.Context(), "client_id", id).Warn("avatar connect failed", "err", err)
		writeTextError(w, err)
		return
	}
	writeText(w, http.StatusOK, remote)
}

func (s *Server) disconnectAvatar(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r.Header.Get(hdrClientID))
	if err != nil {
		writeTextError(w, err)
		return
	}
	// Disconnecting an unknown client is as much a no-op as a known one.
	if err := s.deps.Avatars.Disconnect(id); err != nil && !errors.Is(err, types.ErrNotFound) {
		writeTextError(w, err)
		return
	}
	writeText(w, http.StatusOK, "Avatar disconnected")
}

func (s *Server) speak(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r.Header.Get(hdrClientID))
	if err != nil {
		writeTextError(w, err)
		return
	}
	ssml, err := readBody(w, r)
	if err != nil {
		writeTextError(w, err)
		return
	}
	if err := s.deps.Avatars.Speak(r.Context(), id, ssml); err != nil {
		switch {
		case errors.Is(err, types.ErrNotFound):
			writeText(w, http.StatusNotFound, "Client not found")
		case errors.Is(err, avatar.ErrNotConnected):
			writeText(w, http.StatusBadRequest, "Avatar not connected")
		case errors.Is(err, types.ErrProviderCanceled):
			writeText(w, http.StatusBadRequest, "Speech synthesis canceled: "+detailOf(err))
		default:
			writeText(w, statusOf(err), "Speech synthesis error: "+detailOf(err))
		}
		return
	}
	writeText(w, http.StatusOK, "Speech sent")
}

type startTranslationBody struct {
	SessionID    types.SessionID `json:"sessionId"`
	ClientID     string          `json:"clientId"`
	UseStreaming session.Bool    `json:"useStreaming"`
}

// startTranslation starts the speaker stream of a session. The languages
// and voice come from the session.
func (s *Server) startTranslation(w http.ResponseWriter, r *http.Request) {
	var body startTranslationBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSONError(w, err)
		return
	}
	raw := r.Header.Get(hdrClientID)
	if strings.TrimSpace(raw) == "" {
		raw = body.ClientID
	}
	id, err := parseClientID(raw)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	if !session.ValidID(body.SessionID) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Invalid session"})
		return
	}
	sess, err := s.deps.Sessions.Get(body.SessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Invalid session"})
		return
	}
	if _, err := s.deps.Clients.Update(id, func(c *client.Context) error {
		c.SessionID = sess.ID
		return nil
	}); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Client not found"})
		return
	}
	if _, err := s.deps.Sessions.StartTranslation(sess.ID, id); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Invalid session"})
		return
	}

	s.start(w, r, translation.StartRequest{
		ClientID:       id,
		SourceLanguage: sess.SourceLanguage,
		TargetLanguage: sess.TargetLanguage,
		TargetVoice:    sess.TargetVoice,
		SessionID:      sess.ID,
		Streaming:      bool(body.UseStreaming),
	})
}

// translateSpeak starts a direct stream configured from headers.
func (s *Server) translateSpeak(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r.Header.Get(hdrClientID))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	s.start(w, r, translation.StartRequest{
		ClientID:       id,
		SourceLanguage: headerOr(r, hdrSourceLanguage, session.DefaultSourceLanguage),
		TargetLanguage: headerOr(r, hdrTargetLanguage, session.DefaultTargetLanguage),
		TargetVoice:    headerOr(r, hdrTargetVoice, ""),
	})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, req translation.StartRequest) {
	started, err := s.deps.Translations.Start(r.Context(), req)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "Client not found"})
			return
		}
		writeJSON(w, statusOf(err), map[string]string{
			"status": "error",
			"error":  "Translation failed: " + detailOf(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, started)
}

func (s *Server) stopTranslation(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r.Header.Get(hdrClientID))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	if err := s.deps.Translations.Stop(r.Context(), id); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "Client not found"})
			return
		}
		writeJSON(w, statusOf(err), map[string]string{
			"status": "error",
			"error":  "Failed to stop translation: " + detailOf(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "stopped",
		"message": "Translation stopped.",
	})
}

// pushAudio accepts one frame for the client's push stream, either as raw
// little-endian PCM or as a JSON {"audio": [...]} body. Frames for clients
// without a stream are dropped.
func (s *Server) pushAudio(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r.Header.Get(hdrClientID))
	if err != nil {
		writeJSONError(w, err)
		return
	}

	var samples []int16
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Audio []int16 `json:"audio"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			writeJSONError(w, err)
			return
		}
		samples = body.Audio
	} else {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeJSONError(w, fmt.Errorf("%w: read body: %w", types.ErrInvalidInput, err))
			return
		}
		samples = audio.DecodePCM16(raw)
	}
	if len(samples) > 0 {
		s.deps.Translations.FeedAudio(id, samples)
	}
	w.WriteHeader(http.StatusNoContent)
}
