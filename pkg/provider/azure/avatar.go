package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarcast/pkg/provider/avatar"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// DefaultAvatarVoice voices plain-text requests when no voice is configured.
const DefaultAvatarVoice = "en-US-AvaMultilingualNeural"

// synthesisContext is sent before every turn. Audio is delivered over the
// negotiated media channel, so only the language settings are relevant.
var synthesisContext = []byte(`{"synthesis":{"language":{"autoDetection":false}}}`)

// AvatarOption is a functional option for [AvatarProvider].
type AvatarOption func(*AvatarProvider)

// WithAvatarURL overrides the websocket endpoint derived from [Endpoints].
func WithAvatarURL(u string) AvatarOption {
	return func(p *AvatarProvider) { p.url = u }
}

// WithVoice sets the voice used by SpeakText.
func WithVoice(voice string) AvatarOption {
	return func(p *AvatarProvider) { p.voice = voice }
}

// AvatarProvider implements [avatar.Provider] on the Speech synthesis
// websocket with talking avatar enabled.
type AvatarProvider struct {
	url   string
	voice string
	auth  Auth
}

var _ avatar.Provider = (*AvatarProvider)(nil)

// NewAvatarProvider returns a provider for ep. auth must carry a key or a
// bearer source.
func NewAvatarProvider(ep Endpoints, auth Auth, opts ...AvatarOption) (*AvatarProvider, error) {
	p := &AvatarProvider{voice: DefaultAvatarVoice, auth: auth}
	for _, o := range opts {
		o(p)
	}
	if p.url == "" {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		p.url = ep.AvatarURL()
	}
	if auth.Key == "" && auth.Bearer == nil {
		return nil, fmt.Errorf("azure: avatar: %w", errNoCredential)
	}
	return p, nil
}

// Connect dials the synthesis endpoint and sends the negotiation payload as
// the connection-scoped speech.config context.
func (p *AvatarProvider) Connect(ctx context.Context, cfg avatar.ConnectConfig) (avatar.Connection, error) {
	h := http.Header{}
	if err := p.auth.apply(h); err != nil {
		return nil, fmt.Errorf("azure: avatar connect: %w: %w", types.ErrProviderUnavailable, err)
	}
	connID := newRequestID()
	h.Set("X-ConnectionId", connID)

	ws, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("azure: avatar connect: %w: %w", types.ErrProviderUnavailable, err)
	}
	ws.SetReadLimit(1 << 20)

	body, err := json.Marshal(map[string]any{"context": cfg.Negotiation})
	if err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("azure: avatar connect: encode negotiation: %w", err)
	}
	msg := newMessage("speech.config", newRequestID(), "application/json", body)
	if err := ws.Write(ctx, websocket.MessageText, msg.text()); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("azure: avatar connect: %w: %w", types.ErrProviderUnavailable, err)
	}

	c := &avatarConn{
		ws:       ws,
		id:       connID,
		voice:    p.voice,
		observer: cfg.Observer,
		pending:  make(map[string]*turn),
	}
	go c.readLoop()
	if c.observer != nil {
		c.observer.OnConnected(c)
	}
	return c, nil
}

// turn is one in-flight synthesis request.
type turn struct {
	remote string
	err    error
	done   chan struct{}
}

// avatarConn implements [avatar.Connection].
type avatarConn struct {
	ws       *websocket.Conn
	id       string
	voice    string
	observer avatar.Observer

	// turnMu serializes requests; the service handles one turn at a time.
	turnMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*turn
	dead    error

	closing atomic.Bool
	closeMu sync.Once
}

var _ avatar.Connection = (*avatarConn)(nil)

func (c *avatarConn) SpeakText(ctx context.Context, text string) (avatar.Result, error) {
	return c.SpeakSSML(ctx, textSSML(c.voice, text))
}

func (c *avatarConn) SpeakSSML(ctx context.Context, ssml string) (avatar.Result, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	reqID := newRequestID()
	t := &turn{done: make(chan struct{})}
	c.mu.Lock()
	if c.dead != nil {
		err := c.dead
		c.mu.Unlock()
		return avatar.Result{}, err
	}
	c.pending[reqID] = t
	c.mu.Unlock()

	for _, m := range []message{
		newMessage("synthesis.context", reqID, "application/json", synthesisContext),
		newMessage("ssml", reqID, "application/ssml+xml", []byte(ssml)),
	} {
		if err := c.ws.Write(ctx, websocket.MessageText, m.text()); err != nil {
			c.forget(reqID)
			return avatar.Result{}, fmt.Errorf("azure: speak: %w: %w", types.ErrProviderUnavailable, err)
		}
	}

	select {
	case <-t.done:
		return avatar.Result{RemoteDescription: t.remote}, t.err
	case <-ctx.Done():
		c.forget(reqID)
		return avatar.Result{}, fmt.Errorf("azure: speak: %w: %w", types.ErrProviderUnavailable, ctx.Err())
	}
}

func (c *avatarConn) forget(reqID string) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

// Close ends the connection. The observer is notified from the read loop
// with a nil error. Safe to call from the observer itself.
func (c *avatarConn) Close() error {
	c.closeMu.Do(func() {
		c.closing.Store(true)
		_ = c.ws.Close(websocket.StatusNormalClosure, "client closed")
	})
	return nil
}

type turnStart struct {
	WebRTC struct {
		ConnectionString string `json:"connectionString"`
	} `json:"webrtc"`
}

func (c *avatarConn) readLoop() {
	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.finish(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := parseText(data)
		if err != nil {
			slog.Debug("azure: avatar: skipping frame", "conn_id", c.id, "err", err)
			continue
		}
		switch msg.path() {
		case "turn.start":
			var ts turnStart
			if len(bytes.TrimSpace(msg.body)) > 0 {
				if err := json.Unmarshal(msg.body, &ts); err != nil {
					slog.Debug("azure: avatar: bad turn.start body", "conn_id", c.id, "err", err)
				}
			}
			c.mu.Lock()
			if t, ok := c.pending[msg.requestID()]; ok {
				t.remote = ts.WebRTC.ConnectionString
			}
			c.mu.Unlock()
		case "turn.end":
			c.mu.Lock()
			t, ok := c.pending[msg.requestID()]
			delete(c.pending, msg.requestID())
			c.mu.Unlock()
			if ok {
				close(t.done)
			}
		}
	}
}

// finish fails every pending turn and notifies the observer once.
func (c *avatarConn) finish(readErr error) {
	var notify error
	if !c.closing.Load() {
		notify = canceledFromClose("avatar", readErr)
	}
	failWith := notify
	if failWith == nil {
		failWith = fmt.Errorf("azure: avatar: %w: connection closed", types.ErrProviderUnavailable)
	}

	c.mu.Lock()
	c.dead = failWith
	pending := c.pending
	c.pending = map[string]*turn{}
	c.mu.Unlock()
	for _, t := range pending {
		t.err = failWith
		close(t.done)
	}

	if notify != nil && !errors.Is(notify, types.ErrProviderCanceled) {
		slog.Warn("azure: avatar connection lost", "conn_id", c.id, "err", notify)
	}
	if c.observer != nil {
		c.observer.OnDisconnected(c, notify)
	}
}

// textSSML wraps plain text in a minimal speak document.
func textSSML(voice, text string) string {
	var b bytes.Buffer
	b.WriteString("<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'><voice name='")
	_ = xml.EscapeText(&b, []byte(voice))
	b.WriteString("'>")
	_ = xml.EscapeText(&b, []byte(text))
	b.WriteString("</voice></speak>")
	return b.String()
}
