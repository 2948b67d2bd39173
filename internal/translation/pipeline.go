// Package translation runs one continuous speech-translation stream per
// speaker client and fans every finalized utterance out to listeners.
//
// A finalized utterance is spoken, one listener at a time, through every
// connected avatar of the session the stream is bound to. A listener that
// fails is logged and skipped. The text result is then broadcast to the
// session room whether or not any listener was reached. Streams started
// without a session speak through the requesting client's own avatar and
// broadcast to a room named after the client id.
package translation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/avatarcast/internal/client"
	"github.com/MrWong99/avatarcast/internal/observe"
	"github.com/MrWong99/avatarcast/pkg/audio"
	providertranslation "github.com/MrWong99/avatarcast/pkg/provider/translation"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// Broadcast event names.
const (
	EventTranslationResult = "translationResult"
	EventResponse          = "response"

	responsePath = "api.translation"
)

// DefaultTimeout bounds a stream start and each listener speak.
const DefaultTimeout = 20 * time.Second

// ErrSuperseded is returned by Start when a stop or a newer start for the
// same client happened while the stream was opening.
var ErrSuperseded = errors.New("translation: start superseded")

// Synthesizer speaks markup through a client's avatar connection.
type Synthesizer interface {
	Speak(ctx context.Context, id types.ClientID, ssml string) error
}

// Broadcaster delivers an event to every member of a room.
type Broadcaster interface {
	Broadcast(room, event string, payload any) int
}

// StartRequest describes a new translation stream.
type StartRequest struct {
	ClientID       types.ClientID
	SourceLanguage string
	TargetLanguage string

	// TargetVoice overrides the requesting client's voice when set.
	TargetVoice string

	// SessionID binds the stream to a session's listeners. Empty selects
	// direct mode.
	SessionID types.SessionID

	// Streaming selects pushed audio via FeedAudio. Otherwise the local
	// capture device is used.
	Streaming bool
}

// Started echoes the languages of a started stream.
type Started struct {
	Status         string `json:"status"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	Message        string `json:"message"`
}

// Result is the translationResult payload.
type Result struct {
	SourceText     string `json:"sourceText"`
	TranslatedText string `json:"translatedText"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	Timestamp      string `json:"timestamp"`
}

// legacyResult is the response payload kept for older pages.
type legacyResult struct {
	Path           string `json:"path"`
	SourceText     string `json:"sourceText"`
	TranslatedText string `json:"translatedText"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithCapture sets the device used when a stream is not in streaming mode.
func WithCapture(d audio.CaptureDevice) Option {
	return func(p *Pipeline) { p.capture = d }
}

// WithTimeout bounds stream starts and listener speaks.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxStreams caps concurrent recognition streams. n <= 0 is unbounded.
func WithMaxStreams(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(p *Pipeline) { p.name = name }
}

// Pipeline owns the translation streams of all clients.
type Pipeline struct {
	provider providertranslation.Provider
	clients  client.Store
	synth    Synthesizer
	bcast    Broadcaster
	capture  audio.CaptureDevice
	timeout  time.Duration
	sem      *semaphore.Weighted
	metrics  *observe.Metrics
	now      func() time.Time
	name     string

	pumps sync.WaitGroup
}

// New returns a pipeline. bcast may be nil, in which case results are not
// broadcast.
func New(p providertranslation.Provider, clients client.Store, synth Synthesizer, bcast Broadcaster, opts ...Option) *Pipeline {
	pl := &Pipeline{
		provider: p,
		clients:  clients,
		synth:    synth,
		bcast:    bcast,
		capture:  audio.DefaultCapture(),
		timeout:  DefaultTimeout,
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
		name:     "translation",
	}
	for _, o := range opts {
		o(pl)
	}
	return pl
}

func (p *Pipeline) admit(ctx context.Context) (func(), error) {
	if p.sem != nil && !p.sem.TryAcquire(1) {
		p.metrics.RecordRejection(ctx, "recognition")
		return nil, fmt.Errorf("translation: start: %w", types.ErrAtCapacity)
	}
	p.metrics.ActiveRecognitions.Add(ctx, 1)
	var once sync.Once
	return func() {
		once.Do(func() {
			if p.sem != nil {
				p.sem.Release(1)
			}
			p.metrics.ActiveRecognitions.Add(context.Background(), -1)
		})
	}, nil
}

// Start opens a continuous stream for req.ClientID. A stream the client
// already runs is stopped first.
func (p *Pipeline) Start(ctx context.Context, req StartRequest) (Started, error) {
	ctx, span := observe.StartSpan(ctx, "translation.start")
	defer span.End()

	req.SourceLanguage = strings.TrimSpace(req.SourceLanguage)
	req.TargetLanguage = strings.TrimSpace(req.TargetLanguage)
	req.TargetVoice = strings.TrimSpace(req.TargetVoice)
	if req.SourceLanguage == "" || req.TargetLanguage == "" {
		return Started{}, fmt.Errorf("translation: start: %w: source and target language are required", types.ErrInvalidInput)
	}
	target := PrimarySubtag(req.TargetLanguage)

	if err := p.Stop(ctx, req.ClientID); err != nil {
		return Started{}, fmt.Errorf("translation: start: %w", err)
	}

	log := observe.Logger(ctx, "client_id", req.ClientID, "session_id", req.SessionID)

	release, err := p.admit(ctx)
	if err != nil {
		return Started{}, err
	}

	var (
		src     io.Reader
		sink    *audio.PushStream
		capture io.ReadCloser
	)
	if req.Streaming {
		sink = audio.NewPushStream()
		src = sink
	} else {
		capture, err = p.capture.Open(ctx, types.SpeechPCM)
		if err != nil {
			release()
			return Started{}, fmt.Errorf("translation: open capture: %w: %w", types.ErrInvalidInput, err)
		}
		src = capture
	}
	cleanup := func() {
		if sink != nil {
			_ = sink.Close()
		}
		if capture != nil {
			_ = capture.Close()
		}
		release()
	}

	// Claim the slot and expose the sink so audio can flow during start.
	cur, err := p.clients.Update(req.ClientID, func(cc *client.Context) error {
		cc.RecognitionEpoch++
		if sink != nil {
			cc.AudioSink = sink
		}
		return nil
	})
	if err != nil {
		cleanup()
		return Started{}, fmt.Errorf("translation: start: %w", err)
	}
	epoch := cur.RecognitionEpoch

	startCtx, cancel := context.WithTimeout(ctx, p.timeout)
	rec, err := p.provider.StartContinuous(startCtx, providertranslation.StreamConfig{
		SourceLanguage:  req.SourceLanguage,
		TargetLanguages: []string{target},
		Audio:           src,
		Format:          types.SpeechPCM,
	})
	cancel()
	if err != nil {
		p.clearSink(req.ClientID, epoch, sink)
		cleanup()
		p.metrics.RecordProviderRequest(ctx, p.name, "translation_start", "error")
		log.Warn("translation start failed", "err", err)
		return Started{}, fmt.Errorf("translation: start: %w", err)
	}

	s := &stream{rec: rec, sink: sink, release: release}
	if capture != nil {
		s.capture = capture
	}

	if _, err := p.clients.Update(req.ClientID, func(cc *client.Context) error {
		if cc.RecognitionEpoch != epoch {
			return ErrSuperseded
		}
		cc.Recognition = s
		return nil
	}); err != nil {
		_ = s.Stop(ctx)
		return Started{}, fmt.Errorf("translation: start: %w", err)
	}

	p.pumps.Add(1)
	go p.pump(context.WithoutCancel(ctx), req, target, s)

	p.metrics.RecordProviderRequest(ctx, p.name, "translation_start", "ok")
	log.Info("translation started", "source_language", req.SourceLanguage,
		"target_language", req.TargetLanguage, "streaming", req.Streaming)
	return Started{
		Status:         "started",
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		Message:        "Translation started. Speak into your microphone.",
	}, nil
}

// clearSink removes sink from the client if no newer start replaced it.
func (p *Pipeline) clearSink(id types.ClientID, epoch uint64, sink *audio.PushStream) {
	if sink == nil {
		return
	}
	_, _ = p.clients.Update(id, func(cc *client.Context) error {
		if cc.RecognitionEpoch == epoch && cc.AudioSink == client.AudioSink(sink) {
			cc.AudioSink = nil
		}
		return nil
	})
}

// Stop ends the client's stream and closes its audio sink. It is a no-op
// when nothing is running. Unknown clients are an error.
func (p *Pipeline) Stop(ctx context.Context, id types.ClientID) error {
	var (
		rec  client.RecognitionHandle
		sink client.AudioSink
	)
	if _, err := p.clients.Update(id, func(cc *client.Context) error {
		rec, sink = cc.Recognition, cc.AudioSink
		cc.Recognition, cc.AudioSink = nil, nil
		cc.RecognitionEpoch++
		return nil
	}); err != nil {
		return err
	}

	// The sink goes first so a reader blocked on it sees EOF.
	if sink != nil {
		_ = sink.Close()
	}
	if rec != nil {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if err := rec.Stop(ctx); err != nil {
			slog.Warn("translation stop failed", "client_id", id, "err", err)
		}
		slog.Info("translation stopped", "client_id", id)
	}
	return nil
}

// FeedAudio appends one frame to the client's push buffer. Frames for
// unknown clients or clients without a buffer are dropped.
func (p *Pipeline) FeedAudio(id types.ClientID, samples []int16) {
	cc, err := p.clients.Get(id)
	if err != nil || cc.AudioSink == nil {
		return
	}
	if err := cc.AudioSink.WriteSamples(samples); err != nil {
		slog.Debug("audio frame dropped", "client_id", id, "err", err)
	}
}

// Wait blocks until every event pump has exited or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) pump(ctx context.Context, req StartRequest, target string, s *stream) {
	defer p.pumps.Done()
	defer p.retire(ctx, req.ClientID, s)

	log := observe.Logger(ctx, "client_id", req.ClientID, "session_id", req.SessionID)
	for ev := range s.rec.Events() {
		switch ev.Kind {
		case providertranslation.EventTranslated:
			p.deliver(ctx, log, req, target, ev)
		case providertranslation.EventNoMatch:
			log.Debug("no speech recognized")
		case providertranslation.EventCanceled:
			p.canceled(ctx, log, ev)
		}
	}
	log.Debug("translation events drained")
}

// retire runs once the recognizer's events are drained. A stream the
// provider ended on its own is still stored on the client; it is cleared
// there so the client is no longer busy and fed audio is not buffered.
func (p *Pipeline) retire(ctx context.Context, id types.ClientID, s *stream) {
	var cleared bool
	_, _ = p.clients.Update(id, func(cc *client.Context) error {
		if cc.Recognition != client.RecognitionHandle(s) {
			return nil
		}
		cc.Recognition = nil
		if s.sink != nil && cc.AudioSink == client.AudioSink(s.sink) {
			cc.AudioSink = nil
		}
		cleared = true
		return nil
	})

	stopCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		slog.Debug("translation stream release", "client_id", id, "err", err)
	}
	if cleared {
		slog.Info("translation ended by provider", "client_id", id)
	}
}

func (p *Pipeline) canceled(ctx context.Context, log *slog.Logger, ev providertranslation.Event) {
	c := ev.Cancellation
	if c == nil {
		log.Warn("translation canceled")
		return
	}
	if c.Reason == providertranslation.ReasonError {
		p.metrics.RecordProviderError(ctx, p.name, "translation")
		log.Warn("translation canceled", "reason", c.Reason, "code", c.Code, "details", c.Details)
		return
	}
	log.Info("translation canceled", "reason", c.Reason)
}

func (p *Pipeline) deliver(ctx context.Context, log *slog.Logger, req StartRequest, target string, ev providertranslation.Event) {
	translated, ok := ev.Translations[target]
	if !ok {
		log.Debug("utterance without target translation", "target", target)
		return
	}
	p.metrics.Translations.Add(ctx, 1)
	log.Info("utterance translated", "source_text", ev.Text, "translated_text", translated)

	voice := req.TargetVoice
	if voice == "" {
		voice = client.DefaultVoice
		if cc, err := p.clients.Get(req.ClientID); err == nil && cc.Voice != "" {
			voice = cc.Voice
		}
	}
	ssml := Markup(req.TargetLanguage, voice, translated)

	room := string(req.ClientID)
	if req.SessionID != "" {
		room = string(req.SessionID)
		spoken := p.fanOut(ctx, log, req.SessionID, ssml)
		if spoken == 0 {
			log.Info("no listener avatar reached")
		}
	} else if cc, err := p.clients.Get(req.ClientID); err == nil && cc.Synthesis != nil {
		p.speak(ctx, log, req.ClientID, ssml)
	}

	if p.bcast == nil {
		return
	}
	p.bcast.Broadcast(room, EventTranslationResult, Result{
		SourceText:     ev.Text,
		TranslatedText: translated,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		Timestamp:      p.now().UTC().Format(time.RFC3339Nano),
	})
	p.bcast.Broadcast(room, EventResponse, legacyResult{
		Path:           responsePath,
		SourceText:     ev.Text,
		TranslatedText: translated,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
	})
}

// fanOut speaks ssml on every connected avatar bound to sid, sequentially,
// and returns how many succeeded.
func (p *Pipeline) fanOut(ctx context.Context, log *slog.Logger, sid types.SessionID, ssml string) int {
	var targets []types.ClientID
	p.clients.Range(func(cc client.Context) bool {
		if cc.SessionID == sid && cc.Synthesis != nil && cc.SynthesisConnected {
			targets = append(targets, cc.ID)
		}
		return true
	})

	spoken := 0
	for _, id := range targets {
		if p.speak(ctx, log, id, ssml) {
			spoken++
		}
	}
	return spoken
}

func (p *Pipeline) speak(ctx context.Context, log *slog.Logger, id types.ClientID, ssml string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.synth.Speak(ctx, id, ssml); err != nil {
		p.metrics.RecordFanout(ctx, "error")
		log.Warn("listener speak failed", "listener_id", id, "err", err)
		return false
	}
	p.metrics.RecordFanout(ctx, "ok")
	return true
}
