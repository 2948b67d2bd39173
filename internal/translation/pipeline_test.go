package translation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avatarcast/internal/avatar"
	"github.com/MrWong99/avatarcast/internal/client"
	"github.com/MrWong99/avatarcast/internal/credential"
	"github.com/MrWong99/avatarcast/pkg/audio"
	audiomock "github.com/MrWong99/avatarcast/pkg/audio/mock"
	provideravatar "github.com/MrWong99/avatarcast/pkg/provider/avatar"
	avatarmock "github.com/MrWong99/avatarcast/pkg/provider/avatar/mock"
	providertranslation "github.com/MrWong99/avatarcast/pkg/provider/translation"
	"github.com/MrWong99/avatarcast/pkg/provider/translation/mock"
	"github.com/MrWong99/avatarcast/pkg/types"
)

type broadcast struct {
	room, event string
	payload     any
}

// recBroadcaster forwards every broadcast to a channel.
type recBroadcaster struct{ ch chan broadcast }

func newRecBroadcaster() *recBroadcaster { return &recBroadcaster{ch: make(chan broadcast, 16)} }

func (b *recBroadcaster) Broadcast(room, event string, payload any) int {
	b.ch <- broadcast{room, event, payload}
	return 1
}

func (b *recBroadcaster) next(t *testing.T) broadcast {
	t.Helper()
	select {
	case m := <-b.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return broadcast{}
	}
}

// recSynth records Speak calls and fails for listed clients.
type recSynth struct {
	mu    sync.Mutex
	calls map[types.ClientID][]string
	fail  map[types.ClientID]bool
}

func newRecSynth() *recSynth {
	return &recSynth{calls: map[types.ClientID][]string{}, fail: map[types.ClientID]bool{}}
}

func (s *recSynth) Speak(_ context.Context, id types.ClientID, ssml string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id] = append(s.calls[id], ssml)
	if s.fail[id] {
		return &types.CanceledError{Detail: "synthesis failed"}
	}
	return nil
}

func (s *recSynth) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += len(c)
	}
	return n
}

// liveHandle marks a client as holding a connected avatar.
type liveHandle struct{}

func (liveHandle) SpeakSSML(context.Context, string) (provideravatar.Result, error) {
	return provideravatar.Result{}, nil
}
func (liveHandle) Close() error { return nil }

func translated(src, lang, text string) providertranslation.Event {
	return providertranslation.Event{
		Kind:         providertranslation.EventTranslated,
		Text:         src,
		Translations: map[string]string{lang: text},
	}
}

func bindListener(t *testing.T, store client.Store, sid types.SessionID) types.ClientID {
	t.Helper()
	id := store.Create().ID
	if _, err := store.Update(id, func(cc *client.Context) error {
		cc.SessionID = sid
		cc.Synthesis = liveHandle{}
		cc.SynthesisConnected = true
		return nil
	}); err != nil {
		t.Fatalf("bind listener: %v", err)
	}
	return id
}

func TestStart_Validation(t *testing.T) {
	t.Parallel()

	p := New(&mock.Provider{}, client.NewMemStore(), newRecSynth(), nil)
	if _, err := p.Start(context.Background(), StartRequest{ClientID: "ghost", SourceLanguage: "en-US", TargetLanguage: "es-ES"}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown client err = %v, want ErrNotFound", err)
	}
	if _, err := p.Start(context.Background(), StartRequest{ClientID: "ghost", TargetLanguage: "es-ES"}); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("missing source err = %v, want ErrInvalidInput", err)
	}
}

func TestStart_ConfiguresStream(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{}
	store := client.NewMemStore()
	id := store.Create().ID
	p := New(prov, store, newRecSynth(), nil)

	got, err := p.Start(context.Background(), StartRequest{
		ClientID: id, SourceLanguage: " en-US ", TargetLanguage: "es-ES", Streaming: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got.Status != "started" || got.SourceLanguage != "en-US" || got.TargetLanguage != "es-ES" {
		t.Errorf("Started = %+v", got)
	}

	calls := prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("StartContinuous calls = %d", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.SourceLanguage != "en-US" || len(cfg.TargetLanguages) != 1 || cfg.TargetLanguages[0] != "es" {
		t.Errorf("StreamConfig = %+v", cfg)
	}
	if cfg.Format != types.SpeechPCM {
		t.Errorf("Format = %+v, want SpeechPCM", cfg.Format)
	}

	cc, _ := store.Get(id)
	if cc.Recognition == nil || cc.AudioSink == nil {
		t.Fatalf("context = rec %v sink %v, want both set", cc.Recognition, cc.AudioSink)
	}

	// Pushed frames reach the stream's audio source in little-endian order.
	p.FeedAudio(id, []int16{1, -2})
	buf := make([]byte, 4)
	if _, err := io.ReadFull(cfg.Audio, buf); err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if want := []byte{0x01, 0x00, 0xFE, 0xFF}; string(buf) != string(want) {
		t.Errorf("audio bytes = % x, want % x", buf, want)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{}
	store := client.NewMemStore()
	id := store.Create().ID
	p := New(prov, store, newRecSynth(), nil)

	if err := p.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop with nothing running: %v", err)
	}
	if _, err := p.Start(context.Background(), StartRequest{ClientID: id, SourceLanguage: "en-US", TargetLanguage: "es-ES", Streaming: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sink, _ := store.Get(id)
	for range 2 {
		if err := p.Stop(context.Background(), id); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if !prov.Last().Stopped() {
		t.Error("recognizer not stopped")
	}
	cc, _ := store.Get(id)
	if cc.Recognition != nil || cc.AudioSink != nil {
		t.Error("handles left after Stop")
	}
	if err := sink.AudioSink.WriteSamples([]int16{1}); !errors.Is(err, audio.ErrStreamClosed) {
		t.Errorf("write after Stop err = %v, want ErrStreamClosed", err)
	}
	if err := p.Stop(context.Background(), "ghost"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Stop unknown err = %v", err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestPump_ProviderEndedStreamClearsClient(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	prov := &mock.Provider{}
	store := client.NewMemStore(client.WithClock(clock))
	id := store.Create().ID
	p := New(prov, store, newRecSynth(), nil, WithMaxStreams(1))

	req := StartRequest{ClientID: id, SourceLanguage: "en-US", TargetLanguage: "es-ES", Streaming: true}
	if _, err := p.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	started, _ := store.Get(id)
	sink := started.AudioSink

	// The provider closes its event channel without a Stop from us.
	_ = prov.Last().Stop(context.Background())
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	cc, _ := store.Get(id)
	if cc.Recognition != nil || cc.AudioSink != nil || cc.Busy() {
		t.Fatalf("after provider end: recognition=%v sink=%v busy=%v", cc.Recognition != nil, cc.AudioSink != nil, cc.Busy())
	}
	if err := sink.WriteSamples([]int16{1}); !errors.Is(err, audio.ErrStreamClosed) {
		t.Errorf("orphaned sink still accepts audio: %v", err)
	}
	p.FeedAudio(id, []int16{1, 2})

	// The admission slot is free again.
	if _, err := p.Start(context.Background(), req); err != nil {
		t.Fatalf("restart after provider end: %v", err)
	}
	if err := p.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	now = now.Add(24 * time.Hour)
	mu.Unlock()
	if evicted := store.Sweep(clock(), 30*time.Minute); len(evicted) != 1 {
		t.Errorf("evicted after idle = %d, want 1", len(evicted))
	}
}

func TestStart_RestartStopsPrevious(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{}
	store := client.NewMemStore()
	id := store.Create().ID
	p := New(prov, store, newRecSynth(), nil, WithMaxStreams(1))

	req := StartRequest{ClientID: id, SourceLanguage: "en-US", TargetLanguage: "es-ES", Streaming: true}
	if _, err := p.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := prov.Last()
	if _, err := p.Start(context.Background(), req); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !first.Stopped() {
		t.Error("previous recognizer still running")
	}
}

func TestStart_Admission(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{}
	store := client.NewMemStore()
	a, b := store.Create().ID, store.Create().ID
	p := New(prov, store, newRecSynth(), nil, WithMaxStreams(1))

	req := StartRequest{SourceLanguage: "en-US", TargetLanguage: "es-ES", Streaming: true}
	req.ClientID = a
	if _, err := p.Start(context.Background(), req); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	req.ClientID = b
	if _, err := p.Start(context.Background(), req); !errors.Is(err, types.ErrAtCapacity) {
		t.Fatalf("Start b err = %v, want ErrAtCapacity", err)
	}
	if cc, _ := store.Get(b); cc.AudioSink != nil {
		t.Error("rejected start installed a sink")
	}
	_ = p.Stop(context.Background(), a)
	if _, err := p.Start(context.Background(), req); err != nil {
		t.Errorf("Start b after release: %v", err)
	}
}

func TestStart_ProviderFailure(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{StartErr: types.ErrProviderUnavailable}
	store := client.NewMemStore()
	id := store.Create().ID
	p := New(prov, store, newRecSynth(), nil, WithMaxStreams(1))

	_, err := p.Start(context.Background(), StartRequest{ClientID: id, SourceLanguage: "en-US", TargetLanguage: "es-ES", Streaming: true})
	if !errors.Is(err, types.ErrProviderUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if cc, _ := store.Get(id); cc.AudioSink != nil || cc.Recognition != nil {
		t.Error("failed start left handles")
	}
	prov.StartErr = nil
	if _, err := p.Start(context.Background(), StartRequest{ClientID: id, SourceLanguage: "en-US", TargetLanguage: "es-ES", Streaming: true}); err != nil {
		t.Errorf("retry: %v", err)
	}
}

func TestStart_StopDuringStart(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{}
	store := client.NewMemStore()
	id := store.Create().ID
	p := New(prov, store, newRecSynth(), nil, WithMaxStreams(1))
	prov.BeforeReturn = func() {
		if err := p.Stop(context.Background(), id); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}

	_, err := p.Start(context.Background(), StartRequest{ClientID: id, SourceLanguage: "en-US", TargetLanguage: "es-ES", Streaming: true})
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("err = %v, want ErrSuperseded", err)
	}
	if !prov.Last().Stopped() {
		t.Error("superseded recognizer not stopped")
	}
	if cc, _ := store.Get(id); cc.Recognition != nil || cc.AudioSink != nil {
		t.Error("superseded start left handles")
	}

	// The admission slot came back.
	prov.BeforeReturn = nil
	if _, err := p.Start(context.Background(), StartRequest{ClientID: id, SourceLanguage: "en-US", TargetLanguage: "es-ES", Streaming: true}); err != nil {
		t.Errorf("Start after supersede: %v", err)
	}
}

func TestStart_DeviceMode(t *testing.T) {
	t.Parallel()

	t.Run("unsupported", func(t *testing.T) {
		t.Parallel()
		store := client.NewMemStore()
		id := store.Create().ID
		dev := &audiomock.Capture{OpenErr: audio.ErrCaptureUnsupported}
		p := New(&mock.Provider{}, store, newRecSynth(), nil, WithCapture(dev))
		_, err := p.Start(context.Background(), StartRequest{ClientID: id, SourceLanguage: "en-US", TargetLanguage: "es-ES"})
		if !errors.Is(err, audio.ErrCaptureUnsupported) || !errors.Is(err, types.ErrInvalidInput) {
			t.Errorf("err = %v", err)
		}
		if len(dev.Calls()) != 1 {
			t.Errorf("Open calls = %d, want 1", len(dev.Calls()))
		}
	})

	t.Run("capture released on stop", func(t *testing.T) {
		t.Parallel()
		store := client.NewMemStore()
		id := store.Create().ID
		dev := &audiomock.Capture{}
		prov := &mock.Provider{}
		p := New(prov, store, newRecSynth(), nil, WithCapture(dev))
		if _, err := p.Start(context.Background(), StartRequest{ClientID: id, SourceLanguage: "en-US", TargetLanguage: "es-ES"}); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if calls := dev.Calls(); len(calls) != 1 || calls[0] != types.SpeechPCM {
			t.Errorf("Open calls = %+v, want one SpeechPCM open", calls)
		}
		if cc, _ := store.Get(id); cc.AudioSink != nil {
			t.Error("device mode installed a push sink")
		}
		if prov.Calls()[0].Cfg.Audio != io.Reader(dev.Last()) {
			t.Error("stream not reading from the capture device")
		}
		if err := p.Stop(context.Background(), id); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if err := dev.Last().WriteSamples([]int16{1}); !errors.Is(err, audio.ErrStreamClosed) {
			t.Error("capture device not closed on stop")
		}
	})
}

func TestFeedAudio_NoSinkIsNoop(t *testing.T) {
	t.Parallel()

	store := client.NewMemStore()
	id := store.Create().ID
	p := New(&mock.Provider{}, store, newRecSynth(), nil)
	p.FeedAudio(id, []int16{1, 2, 3})
	p.FeedAudio("ghost", []int16{1})
	p.FeedAudio(id, nil)
}

func TestFanOut_SessionListeners(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{}
	store := client.NewMemStore()
	speaker := store.Create().ID
	l1 := bindListener(t, store, "123456")
	l2 := bindListener(t, store, "123456")
	l3 := bindListener(t, store, "123456")
	other := bindListener(t, store, "654321")
	idle := store.Create().ID
	_, _ = store.Update(idle, func(cc *client.Context) error { cc.SessionID = "123456"; return nil })

	synth := newRecSynth()
	synth.fail[l2] = true
	bc := newRecBroadcaster()
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p := New(prov, store, synth, bc, WithClock(func() time.Time { return at }))

	if _, err := p.Start(context.Background(), StartRequest{
		ClientID: speaker, SourceLanguage: "en-US", TargetLanguage: "es-ES",
		TargetVoice: "es-ES-ElviraNeural", SessionID: "123456", Streaming: true,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := prov.Last()
	rec.Emit(providertranslation.Event{Kind: providertranslation.EventRecognizing, Text: "hel"})
	rec.Emit(providertranslation.Event{Kind: providertranslation.EventNoMatch})
	rec.Emit(providertranslation.Event{Kind: providertranslation.EventCanceled,
		Cancellation: &providertranslation.Cancellation{Reason: providertranslation.ReasonError, Details: "transient"}})
	rec.Emit(translated("good morning", "fr", "bonjour"))
	rec.Emit(translated("hello", "es", "hola"))

	m := bc.next(t)
	if m.room != "123456" || m.event != EventTranslationResult {
		t.Fatalf("first broadcast = %s/%s", m.room, m.event)
	}
	res := m.payload.(Result)
	if res.SourceText != "hello" || res.TranslatedText != "hola" || res.TargetLanguage != "es-ES" ||
		res.Timestamp != "2026-05-01T10:00:00Z" {
		t.Errorf("result = %+v", res)
	}
	if m = bc.next(t); m.event != EventResponse || m.payload.(legacyResult).Path != "api.translation" {
		t.Errorf("second broadcast = %+v", m)
	}

	synth.mu.Lock()
	defer synth.mu.Unlock()
	for _, id := range []types.ClientID{l1, l2, l3} {
		calls := synth.calls[id]
		if len(calls) != 1 {
			t.Errorf("listener %s speak calls = %d, want 1", id, len(calls))
			continue
		}
		if !strings.Contains(calls[0], "hola") || !strings.Contains(calls[0], "name='es-ES-ElviraNeural'") {
			t.Errorf("ssml = %s", calls[0])
		}
	}
	for _, id := range []types.ClientID{other, idle, speaker} {
		if len(synth.calls[id]) != 0 {
			t.Errorf("client %s should not be spoken to", id)
		}
	}
}

func TestFanOut_BroadcastsWhenAllFail(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{}
	store := client.NewMemStore()
	speaker := store.Create().ID
	synth := newRecSynth()
	for range 3 {
		synth.fail[bindListener(t, store, "111111")] = true
	}
	bc := newRecBroadcaster()
	p := New(prov, store, synth, bc)

	if _, err := p.Start(context.Background(), StartRequest{
		ClientID: speaker, SourceLanguage: "en-US", TargetLanguage: "es-ES", SessionID: "111111", Streaming: true,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	prov.Last().Emit(translated("hello", "es", "hola"))

	if m := bc.next(t); m.event != EventTranslationResult {
		t.Fatalf("broadcast = %+v", m)
	}
	if n := synth.count(); n != 3 {
		t.Errorf("speak attempts = %d, want 3", n)
	}
}

func TestDirectMode(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{}
	store := client.NewMemStore(client.WithDefaultVoice("en-US-AvaNeural"))
	id := store.Create().ID
	_, _ = store.Update(id, func(cc *client.Context) error {
		cc.Synthesis = liveHandle{}
		cc.SynthesisConnected = true
		return nil
	})
	bindListener(t, store, "222222")
	synth := newRecSynth()
	bc := newRecBroadcaster()
	p := New(prov, store, synth, bc)

	if _, err := p.Start(context.Background(), StartRequest{
		ClientID: id, SourceLanguage: "en-US", TargetLanguage: "de-DE", Streaming: true,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	prov.Last().Emit(translated("hello", "de", "hallo"))

	if m := bc.next(t); m.room != string(id) {
		t.Errorf("room = %q, want the client id", m.room)
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if len(synth.calls) != 1 || len(synth.calls[id]) != 1 {
		t.Fatalf("speak calls = %v, want only the requesting client", synth.calls)
	}
	if !strings.Contains(synth.calls[id][0], "name='en-US-AvaNeural'") {
		t.Errorf("ssml voice = %s, want the client voice", synth.calls[id][0])
	}
}

// TestSessionScenario runs the full speaker-to-listeners path with real
// avatar connections over the mock renderer.
func TestSessionScenario(t *testing.T) {
	t.Parallel()

	store := client.NewMemStore()
	avatars := &avatarmock.Provider{RemoteDescription: "remote"}
	relay := staticRelay{credential.RelayCredential{URLs: []string{"turn:r"}, Username: "u", Password: "p"}}
	conn := avatar.NewConnector(avatars, store, relay)

	for range 2 {
		id := store.Create().ID
		_, _ = store.Update(id, func(cc *client.Context) error { cc.SessionID = "123456"; return nil })
		if _, err := conn.Connect(context.Background(), id, "sdp", avatar.Params{}); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	speaker := store.Create().ID

	prov := &mock.Provider{}
	bc := newRecBroadcaster()
	p := New(prov, store, conn, bc)
	if _, err := p.Start(context.Background(), StartRequest{
		ClientID: speaker, SourceLanguage: "en-US", TargetLanguage: "es-ES", SessionID: "123456", Streaming: true,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	prov.Last().Emit(translated("hello", "es", "hola"))

	m := bc.next(t)
	if res, ok := m.payload.(Result); !ok || res.SourceText != "hello" || res.TranslatedText != "hola" {
		t.Fatalf("broadcast = %+v", m)
	}
	if len(avatars.Conns) != 2 {
		t.Fatalf("avatar connections = %d", len(avatars.Conns))
	}
	for i, c := range avatars.Conns {
		calls := c.SSMLCalls()
		if len(calls) != 1 || !strings.Contains(calls[0], "hola") || !strings.Contains(calls[0], "xml:lang='es-ES'") {
			t.Errorf("listener %d ssml = %q", i, calls)
		}
	}
}

type staticRelay struct{ cred credential.RelayCredential }

func (s staticRelay) ForAvatar() (credential.RelayCredential, bool) { return s.cred, true }
