package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// DefaultReadLimit bounds one inbound socket message.
const DefaultReadLimit = 1 << 20

// wsWriter adapts a websocket connection to [Writer].
type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) WriteMessage(ctx context.Context, msg []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, msg)
}

func (w wsWriter) Close(reason string) error {
	return w.conn.Close(websocket.StatusPolicyViolation, reason)
}

// HandlerOption configures [Router.Handler].
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	origins   []string
	readLimit int64
}

// WithOrigins restricts accepted origins to the given host patterns. With
// no patterns every origin is accepted.
func WithOrigins(patterns ...string) HandlerOption {
	return func(c *handlerConfig) { c.origins = patterns }
}

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) HandlerOption {
	return func(c *handlerConfig) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// Handler upgrades requests to sockets and serves them until the peer
// goes away.
func (r *Router) Handler(opts ...HandlerOption) http.Handler {
	cfg := handlerConfig{readLimit: DefaultReadLimit}
	for _, o := range opts {
		o(&cfg)
	}
	accept := &websocket.AcceptOptions{
		OriginPatterns:     cfg.origins,
		InsecureSkipVerify: len(cfg.origins) == 0,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := websocket.Accept(w, req, accept)
		if err != nil {
			slog.Debug("socket accept failed", "err", err)
			return
		}
		c.SetReadLimit(cfg.readLimit)

		id := types.ConnID(uuid.NewString())
		if err := r.hub.Register(id, wsWriter{conn: c}); err != nil {
			_ = c.Close(websocket.StatusInternalError, "register failed")
			return
		}
		ctx := context.WithoutCancel(req.Context())
		defer r.Leave(ctx, id)

		slog.Debug("socket connected", "conn_id", id)
		r.serve(req.Context(), id, c)
	})
}

func (r *Router) serve(ctx context.Context, id types.ConnID, c *websocket.Conn) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				slog.Debug("socket read ended", "conn_id", id, "err", err)
			}
			_ = c.CloseNow()
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		r.Dispatch(ctx, id, data)
	}
}
