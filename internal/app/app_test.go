package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/avatarcast/internal/app"
	"github.com/MrWong99/avatarcast/internal/config"
	"github.com/MrWong99/avatarcast/internal/credential"
	avatarmock "github.com/MrWong99/avatarcast/pkg/provider/avatar/mock"
	translationmock "github.com/MrWong99/avatarcast/pkg/provider/translation/mock"
)

const testYAML = `
server:
  listen_addr: "127.0.0.1:0"
  shutdown_timeout: 2s
speech:
  region: westus2
  key: sk-test
defaults:
  voice: en-US-JennyNeural
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// issuers returns in-memory token issuers. fetches counts speech fetches.
func issuers(fetches *atomic.Int64) map[credential.Kind]credential.Provider {
	return map[credential.Kind]credential.Provider{
		credential.KindSpeech: credential.ProviderFunc(func(context.Context) (credential.Token, error) {
			fetches.Add(1)
			return credential.Token{Value: "bearer-xyz"}, nil
		}),
		credential.KindRelay: credential.ProviderFunc(func(context.Context) (credential.Token, error) {
			return credential.Token{Relay: &credential.RelayCredential{
				URLs:     []string{"turn:fetched.example:3478"},
				Username: "fu",
				Password: "fp",
			}}, nil
		}),
	}
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *atomic.Int64) {
	t.Helper()
	var fetches atomic.Int64
	opts = append([]app.Option{
		app.WithCredentialProviders(issuers(&fetches)),
		app.WithTranslationProvider(&translationmock.Provider{}),
		app.WithAvatarProvider(&avatarmock.Provider{RemoteDescription: "remote-sdp"}),
	}, opts...)
	a, err := app.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, &fetches
}

func serve(t *testing.T, a *app.App, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	a, fetches := newTestApp(t, testConfig(t))

	if rec := serve(t, a, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	// Nothing has been fetched before Run.
	if rec := serve(t, a, "GET", "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before refresh = %d, want 503", rec.Code)
	}
	if rec := serve(t, a, "GET", "/api/getSpeechToken", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("getSpeechToken before refresh = %d, want 502", rec.Code)
	}
	if fetches.Load() != 0 {
		t.Errorf("New fetched %d tokens, want none", fetches.Load())
	}

	rec := serve(t, a, "POST", "/api/createClient", "")
	var body struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.ClientID == "" {
		t.Fatalf("createClient = %d %s", rec.Code, rec.Body)
	}
	if rec := serve(t, a, "GET", "/api/getStatus", "", "ClientId", body.ClientID); rec.Code != http.StatusOK {
		t.Errorf("getStatus = %d", rec.Code)
	}
}

func TestNew_DefaultProviders(t *testing.T) {
	t.Parallel()
	a, err := app.New(testConfig(t))
	if err != nil {
		t.Fatalf("New with built-in providers: %v", err)
	}
	if a.Handler() == nil {
		t.Fatal("nil handler")
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Providers.Avatar.Name = "nope"
	var fetches atomic.Int64
	_, err := app.New(cfg,
		app.WithCredentialProviders(issuers(&fetches)),
		app.WithTranslationProvider(&translationmock.Provider{}),
	)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_RejectsBadRefreshWindow(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Tokens.RefreshInterval = cfg.Tokens.Validity
	var fetches atomic.Int64
	if _, err := app.New(cfg, app.WithCredentialProviders(issuers(&fetches))); err == nil {
		t.Error("New accepted a refresh interval equal to the validity")
	}
}

func TestServe_Lifecycle(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("relay never became ready (last err %v)", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Get(base + "/api/getSpeechToken")
	if err != nil {
		t.Fatalf("getSpeechToken: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(b) != "bearer-xyz" || resp.Header.Get("SpeechRegion") != "westus2" {
		t.Errorf("getSpeechToken = %q region %q", b, resp.Header.Get("SpeechRegion"))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil after shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestApply_HotReload(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	old := testConfig(t)
	a, _ := newTestApp(t, old, app.WithLevel(level))

	next := testConfig(t)
	next.Server.LogLevel = config.LogDebug
	next.Defaults.Voice = "fr-FR-DeniseNeural"
	next.Relay = config.RelayConfig{URL: "turn:op.example:3478", Username: "ou", Password: "op"}
	next.RateLimit.CreateSessionRPS = 0.001
	next.RateLimit.CreateSessionBurst = 1
	a.OnConfigChange(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	rec := serve(t, a, "GET", "/api/getIceToken", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "turn:op.example:3478") {
		t.Errorf("getIceToken = %d %s, want the operator override", rec.Code, rec.Body)
	}

	// New clients get the reloaded voice.
	rec = serve(t, a, "POST", "/api/createClient", "")
	var body struct {
		ClientID string `json:"clientId"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec := serve(t, a, "POST", "/api/connectAvatar", "sdp", "ClientId", body.ClientID); rec.Code != http.StatusOK {
		t.Fatalf("connectAvatar = %d %s", rec.Code, rec.Body)
	}

	if rec := serve(t, a, "POST", "/api/createSession", ""); rec.Code != http.StatusOK {
		t.Errorf("first createSession = %d", rec.Code)
	}
	if rec := serve(t, a, "POST", "/api/createSession", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second createSession = %d, want 429 after the limit reload", rec.Code)
	}
}

func TestOnConfigChange_NoChange(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg, app.WithLevel(level))

	a.OnConfigChange(cfg, testConfig(t))
	if level.Level() != slog.LevelWarn {
		t.Errorf("level changed to %v without a diff", level.Level())
	}
}

func TestLevelOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.LevelOf(tt.in); got != tt.want {
			t.Errorf("LevelOf(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	in := config.FactoryInput{
		Entry:  config.ProviderEntry{Name: "azure", Options: map[string]any{"voice": "en-US-GuyNeural"}},
		Speech: config.SpeechConfig{Region: "westus2", Key: "k"},
	}
	if _, err := reg.CreateTranslation(in); err != nil {
		t.Errorf("CreateTranslation: %v", err)
	}
	if _, err := reg.CreateAvatar(in); err != nil {
		t.Errorf("CreateAvatar: %v", err)
	}

	in.Speech = config.SpeechConfig{}
	if _, err := reg.CreateAvatar(in); err == nil {
		t.Error("CreateAvatar without endpoint or credential succeeded")
	}
}
