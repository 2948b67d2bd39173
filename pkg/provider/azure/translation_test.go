package azure

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarcast/pkg/audio"
	"github.com/MrWong99/avatarcast/pkg/provider/translation"
	"github.com/MrWong99/avatarcast/pkg/types"
)

func newTranslationProvider(t *testing.T, srvURL string) *TranslationProvider {
	t.Helper()
	p, err := NewTranslationProvider(Endpoints{}, Auth{Key: "k"}, WithTranslationURL(srvURL))
	if err != nil {
		t.Fatalf("NewTranslationProvider: %v", err)
	}
	return p
}

// collectEvents drains rec until its channel closes.
func collectEvents(t *testing.T, rec translation.Recognizer) []translation.Event {
	t.Helper()
	var out []translation.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-rec.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("events channel not closed; got %+v", out)
			return nil
		}
	}
}

func streamConfig(audioSrc io.Reader) translation.StreamConfig {
	return translation.StreamConfig{
		SourceLanguage:  "en-US",
		TargetLanguages: []string{"es"},
		Audio:           audioSrc,
		Format:          types.SpeechPCM,
	}
}

func TestStartContinuous_InvalidConfig(t *testing.T) {
	t.Parallel()
	p := newTranslationProvider(t, "ws://unused")

	tests := []struct {
		name string
		cfg  translation.StreamConfig
	}{
		{"no source", translation.StreamConfig{TargetLanguages: []string{"es"}, Audio: bytes.NewReader(nil)}},
		{"no targets", translation.StreamConfig{SourceLanguage: "en-US", Audio: bytes.NewReader(nil)}},
		{"no audio", translation.StreamConfig{SourceLanguage: "en-US", TargetLanguages: []string{"es"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := p.StartContinuous(context.Background(), tt.cfg); !errors.Is(err, types.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestRecognizer_TranslatesUntilEndOfStream(t *testing.T) {
	t.Parallel()

	query := make(chan url.Values, 1)
	frames := make(chan message, 16)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.Query()
		if m := readMsg(t, conn); m.path() != "speech.config" {
			t.Errorf("first path = %q", m.path())
		}
		var reqID string
		for {
			m := readMsg(t, conn)
			if m.path() != "audio" {
				t.Errorf("path = %q, want audio", m.path())
				return
			}
			reqID = m.requestID()
			frames <- m
			if len(m.body) == 0 {
				break
			}
		}
		close(frames)
		writeMsg(t, conn, "translation.hypothesis", reqID, `{"Text":"hel","Translation":{"Translations":[{"Language":"es","Text":"ho"}]}}`)
		writeMsg(t, conn, "translation.phrase", reqID,
			`{"RecognitionStatus":"Success","Text":"hello","Translation":{"TranslationStatus":"Success","Translations":[{"Language":"es","Text":"hola"}]}}`)
		writeMsg(t, conn, "turn.end", reqID, "")
		_, _, _ = conn.Read(context.Background())
	})

	pcm := make([]byte, chunkBytes+100)
	rec, err := newTranslationProvider(t, wsURL(srv)).StartContinuous(context.Background(), streamConfig(bytes.NewReader(pcm)))
	if err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}
	defer rec.Stop(context.Background())

	events := collectEvents(t, rec)
	if len(events) != 3 {
		t.Fatalf("events = %+v, want 3", events)
	}
	if events[0].Kind != translation.EventRecognizing {
		t.Errorf("events[0] = %v, want recognizing", events[0].Kind)
	}
	if ev := events[1]; ev.Kind != translation.EventTranslated || ev.Text != "hello" || ev.Translations["es"] != "hola" {
		t.Errorf("events[1] = %+v", ev)
	}
	if ev := events[2]; ev.Kind != translation.EventCanceled || ev.Cancellation.Reason != translation.ReasonEndOfStream {
		t.Errorf("events[2] = %+v, want end of stream", ev)
	}

	q := <-query
	if q.Get("from") != "en-US" || q.Get("to") != "es" {
		t.Errorf("query = %v", q)
	}

	var got []message
	for m := range frames {
		got = append(got, m)
	}
	if len(got) != 3 {
		t.Fatalf("audio frames = %d, want 3", len(got))
	}
	if !bytes.HasPrefix(got[0].body, audio.WAVHeader(types.SpeechPCM)) {
		t.Error("first audio frame lacks WAV header")
	}
	if len(got[0].body) != 44+chunkBytes || len(got[1].body) != 100 {
		t.Errorf("frame sizes = %d, %d", len(got[0].body), len(got[1].body))
	}
	if got[0].headers[hdrContentType] != "audio/x-wav" {
		t.Errorf("content type = %q", got[0].headers[hdrContentType])
	}
}

func TestRecognizer_ServerCloseEmitsCanceled(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readMsg(t, conn)
		conn.Close(websocket.StatusPolicyViolation, "Quota exceeded")
	})

	src := audio.NewPushStream()
	defer src.Close()
	rec, err := newTranslationProvider(t, wsURL(srv)).StartContinuous(context.Background(), streamConfig(src))
	if err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}
	defer rec.Stop(context.Background())

	events := collectEvents(t, rec)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want 1", events)
	}
	c := events[0].Cancellation
	if events[0].Kind != translation.EventCanceled || c == nil || c.Reason != translation.ReasonError {
		t.Fatalf("event = %+v", events[0])
	}
	if c.Details != "Quota exceeded" {
		t.Errorf("Details = %q", c.Details)
	}
}

func TestRecognizer_StopClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	src := audio.NewPushStream()
	defer src.Close()
	rec, err := newTranslationProvider(t, wsURL(srv)).StartContinuous(context.Background(), streamConfig(src))
	if err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}
	if err := src.WriteSamples(make([]int16, 160)); err != nil {
		t.Fatalf("WriteSamples: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rec.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := rec.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if events := collectEvents(t, rec); len(events) != 0 {
		t.Errorf("events after Stop = %+v, want none", events)
	}
}

func TestPhraseEvent(t *testing.T) {
	t.Parallel()

	ok := phrase{RecognitionStatus: "Success", Text: "hi"}
	ok.Translation.TranslationStatus = "Success"
	failed := phrase{RecognitionStatus: "Success", Text: "hi"}
	failed.Translation.TranslationStatus = "Error"
	failed.Translation.FailureReason = "unsupported pair"

	tests := []struct {
		name     string
		in       phrase
		wantKind translation.EventKind
		wantOK   bool
	}{
		{"success", ok, translation.EventTranslated, true},
		{"translation failed", failed, translation.EventCanceled, true},
		{"no match", phrase{RecognitionStatus: "NoMatch"}, translation.EventNoMatch, true},
		{"silence", phrase{RecognitionStatus: "InitialSilenceTimeout"}, translation.EventNoMatch, true},
		{"end of dictation", phrase{RecognitionStatus: "EndOfDictation"}, 0, false},
		{"error", phrase{RecognitionStatus: "Error"}, translation.EventCanceled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, gotOK := phraseEvent(tt.in)
			if gotOK != tt.wantOK {
				t.Fatalf("ok = %v, want %v", gotOK, tt.wantOK)
			}
			if tt.wantOK && ev.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", ev.Kind, tt.wantKind)
			}
		})
	}
	if ev, _ := phraseEvent(failed); ev.Cancellation.Details != "unsupported pair" {
		t.Errorf("details = %q", ev.Cancellation.Details)
	}
}
