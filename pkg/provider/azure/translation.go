package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarcast/pkg/audio"
	"github.com/MrWong99/avatarcast/pkg/provider/translation"
	"github.com/MrWong99/avatarcast/pkg/types"
)

const (
	// chunkBytes is 100 ms of 16 kHz mono PCM.
	chunkBytes   = 3200
	eventBufSize = 64
)

var speechConfig = []byte(`{"context":{"system":{"name":"avatarcast","version":"1"},"audio":{"source":{"type":"Stream"}}}}`)

// TranslationOption is a functional option for [TranslationProvider].
type TranslationOption func(*TranslationProvider)

// WithTranslationURL overrides the websocket base URL. The stream query is
// appended to it.
func WithTranslationURL(u string) TranslationOption {
	return func(p *TranslationProvider) { p.base = u }
}

// TranslationProvider implements [translation.Provider] on the Speech
// translation websocket.
type TranslationProvider struct {
	ep   Endpoints
	base string
	auth Auth
}

var _ translation.Provider = (*TranslationProvider)(nil)

// NewTranslationProvider returns a provider for ep.
func NewTranslationProvider(ep Endpoints, auth Auth, opts ...TranslationOption) (*TranslationProvider, error) {
	p := &TranslationProvider{ep: ep, auth: auth}
	for _, o := range opts {
		o(p)
	}
	if p.base == "" {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
	}
	if auth.Key == "" && auth.Bearer == nil {
		return nil, fmt.Errorf("azure: translation: %w", errNoCredential)
	}
	return p, nil
}

func (p *TranslationProvider) streamURL(cfg translation.StreamConfig) string {
	if p.base != "" {
		return p.base + "?" + translationQuery(cfg.SourceLanguage, cfg.TargetLanguages)
	}
	return p.ep.TranslationURL(cfg.SourceLanguage, cfg.TargetLanguages)
}

// StartContinuous dials the service and starts pumping cfg.Audio. ctx bounds
// only the dial and the initial configuration message.
func (p *TranslationProvider) StartContinuous(ctx context.Context, cfg translation.StreamConfig) (translation.Recognizer, error) {
	switch {
	case cfg.SourceLanguage == "":
		return nil, fmt.Errorf("azure: translation: %w: source language required", types.ErrInvalidInput)
	case len(cfg.TargetLanguages) == 0:
		return nil, fmt.Errorf("azure: translation: %w: at least one target language required", types.ErrInvalidInput)
	case cfg.Audio == nil:
		return nil, fmt.Errorf("azure: translation: %w: audio source required", types.ErrInvalidInput)
	}
	if cfg.Format == (types.AudioFormat{}) {
		cfg.Format = types.SpeechPCM
	}

	h := http.Header{}
	if err := p.auth.apply(h); err != nil {
		return nil, fmt.Errorf("azure: translation: %w: %w", types.ErrProviderUnavailable, err)
	}
	connID := newRequestID()
	h.Set("X-ConnectionId", connID)

	ws, _, err := websocket.Dial(ctx, p.streamURL(cfg), &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("azure: translation dial: %w: %w", types.ErrProviderUnavailable, err)
	}
	ws.SetReadLimit(1 << 20)

	cfgMsg := newMessage("speech.config", newRequestID(), "application/json", speechConfig)
	if err := ws.Write(ctx, websocket.MessageText, cfgMsg.text()); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("azure: translation: %w: %w", types.ErrProviderUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &recognizer{
		ws:     ws,
		id:     connID,
		audio:  cfg.Audio,
		header: audio.WAVHeader(cfg.Format),
		events: make(chan translation.Event, eventBufSize),
		ctx:    runCtx,
		cancel: cancel,
		reqID:  newRequestID(),
		done:   make(chan struct{}),
	}
	go r.writeLoop()
	go r.readLoop()
	return r, nil
}

// recognizer implements [translation.Recognizer].
type recognizer struct {
	ws     *websocket.Conn
	id     string
	audio  io.Reader
	header []byte
	events chan translation.Event

	ctx    context.Context
	cancel context.CancelFunc

	// reqMu guards the current turn. A new turn starts with a fresh request
	// id and a WAV header on its first audio frame.
	reqMu      sync.Mutex
	reqID      string
	headerSent bool

	eof      atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

var _ translation.Recognizer = (*recognizer)(nil)

func (r *recognizer) Events() <-chan translation.Event { return r.events }

// Stop closes the stream and waits for the event channel to close. The
// audio pump exits once its pending Read returns.
func (r *recognizer) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		r.cancel()
		_ = r.ws.Close(websocket.StatusNormalClosure, "recognition stopped")
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("azure: translation stop: %w", ctx.Err())
	}
}

func (r *recognizer) audioFrame(pcm []byte) []byte {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	m := newMessage("audio", r.reqID, "audio/x-wav", nil)
	if !r.headerSent {
		r.headerSent = true
		m.body = append(append(make([]byte, 0, len(r.header)+len(pcm)), r.header...), pcm...)
	} else {
		m.body = pcm
	}
	return m.binary()
}

func (r *recognizer) writeLoop() {
	buf := make([]byte, chunkBytes)
	for {
		n, err := r.audio.Read(buf)
		if r.ctx.Err() != nil {
			return
		}
		if n > 0 {
			if werr := r.ws.Write(r.ctx, websocket.MessageBinary, r.audioFrame(buf[:n])); werr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			r.eof.Store(true)
			// An empty payload marks the end of the audio stream.
			_ = r.ws.Write(r.ctx, websocket.MessageBinary, r.audioFrame(nil))
			return
		}
		if err != nil {
			slog.Warn("azure: translation: audio source failed", "conn_id", r.id, "err", err)
			r.eof.Store(true)
			_ = r.ws.Write(r.ctx, websocket.MessageBinary, r.audioFrame(nil))
			return
		}
	}
}

type phrase struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	Text              string `json:"Text"`
	Translation       struct {
		TranslationStatus string `json:"TranslationStatus"`
		FailureReason     string `json:"FailureReason"`
		Translations      []struct {
			Language string `json:"Language"`
			Text     string `json:"Text"`
		} `json:"Translations"`
	} `json:"Translation"`
}

func (p phrase) translations() map[string]string {
	out := make(map[string]string, len(p.Translation.Translations))
	for _, t := range p.Translation.Translations {
		out[t.Language] = t.Text
	}
	return out
}

func (r *recognizer) readLoop() {
	defer close(r.done)
	defer close(r.events)
	defer r.ws.CloseNow()

	for {
		typ, data, err := r.ws.Read(r.ctx)
		if err != nil {
			if !r.stopping.Load() {
				r.emit(cancelEvent(err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := parseText(data)
		if err != nil {
			slog.Debug("azure: translation: skipping frame", "conn_id", r.id, "err", err)
			continue
		}
		switch msg.path() {
		case "translation.hypothesis":
			var p phrase
			if json.Unmarshal(msg.body, &p) == nil {
				r.emit(translation.Event{Kind: translation.EventRecognizing, Text: p.Text, Translations: p.translations()})
			}
		case "translation.phrase":
			var p phrase
			if err := json.Unmarshal(msg.body, &p); err != nil {
				slog.Debug("azure: translation: bad phrase body", "conn_id", r.id, "err", err)
				continue
			}
			if ev, ok := phraseEvent(p); ok {
				r.emit(ev)
			}
		case "turn.end":
			if r.eof.Load() {
				r.emit(translation.Event{
					Kind:         translation.EventCanceled,
					Cancellation: &translation.Cancellation{Reason: translation.ReasonEndOfStream},
				})
				return
			}
			r.reqMu.Lock()
			r.reqID = newRequestID()
			r.headerSent = false
			r.reqMu.Unlock()
		}
	}
}

func phraseEvent(p phrase) (translation.Event, bool) {
	switch p.RecognitionStatus {
	case "Success":
		if s := p.Translation.TranslationStatus; s != "" && s != "Success" {
			return translation.Event{
				Kind:         translation.EventCanceled,
				Text:         p.Text,
				Cancellation: &translation.Cancellation{Reason: translation.ReasonError, Code: s, Details: p.Translation.FailureReason},
			}, true
		}
		return translation.Event{Kind: translation.EventTranslated, Text: p.Text, Translations: p.translations()}, true
	case "NoMatch", "InitialSilenceTimeout", "BabbleTimeout":
		return translation.Event{Kind: translation.EventNoMatch}, true
	case "EndOfDictation":
		return translation.Event{}, false
	default:
		return translation.Event{
			Kind:         translation.EventCanceled,
			Cancellation: &translation.Cancellation{Reason: translation.ReasonError, Code: p.RecognitionStatus, Details: p.RecognitionStatus},
		}, true
	}
}

func cancelEvent(err error) translation.Event {
	c := &translation.Cancellation{Reason: translation.ReasonError, Details: err.Error()}
	var ce *types.CanceledError
	if errors.As(canceledFromClose("translation", err), &ce) {
		c.Details = ce.Detail
	}
	return translation.Event{Kind: translation.EventCanceled, Cancellation: c}
}

func (r *recognizer) emit(ev translation.Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}
