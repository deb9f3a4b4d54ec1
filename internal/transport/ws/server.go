// Package ws serves transport.Handler over nhooyr websockets.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/wire"
)

const defaultReadLimit = 64 << 10

type Options struct {
	// OriginPatterns are passed to websocket.Accept. Empty means same-origin only
	// unless InsecureSkipVerify is set.
	OriginPatterns     []string
	InsecureSkipVerify bool
	ReadLimit          int64
}

// Server accepts websocket upgrades and drives one read loop per connection.
type Server struct {
	handler transport.Handler
	logger  *zap.Logger
	opts    Options
}

func NewServer(handler transport.Handler, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Server{handler: handler, logger: logger, opts: opts}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsc, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.opts.OriginPatterns,
		InsecureSkipVerify: s.opts.InsecureSkipVerify,
		CompressionMode:    websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.logger.Warn("ws_accept_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	wsc.SetReadLimit(s.opts.ReadLimit)

	c := &conn{id: uuid.NewString(), ws: wsc}
	// 요청 컨텍스트는 핸들러 종료 시 취소되므로 close 경로는 취소와 분리한다
	ctx := context.WithoutCancel(r.Context())

	s.logger.Debug("ws_open", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))
	s.handler.OnOpen(ctx, c)
	code, reason := s.readLoop(r.Context(), c)
	s.handler.OnClose(ctx, c, code, reason)
	s.logger.Debug("ws_closed", zap.String("conn_id", c.id), zap.Int("code", int(code)))
}

func (s *Server) readLoop(ctx context.Context, c *conn) (transport.StatusCode, string) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if code, reason, ok := c.closedLocally(); ok {
				return code, reason
			}
			if st := websocket.CloseStatus(err); st != -1 {
				return transport.StatusCode(st), "peer closed"
			}
			if !errors.Is(err, context.Canceled) {
				s.handler.OnError(ctx, c, err)
			}
			_ = c.ws.CloseNow()
			return transport.StatusAbnormalClosure, "read failed"
		}
		if typ != websocket.MessageText {
			continue
		}
		s.handler.OnMessage(ctx, c, data)
	}
}

type conn struct {
	id string
	ws *websocket.Conn

	closeOnce   sync.Once
	closing     atomic.Bool
	closeCode   transport.StatusCode
	closeReason string
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(ctx context.Context, env wire.Envelope) error {
	return wsjson.Write(ctx, c.ws, env)
}

// Close starts the close handshake in the background. The handshake waits on
// the peer for up to 10s, which callers must never block on.
func (c *conn) Close(code transport.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.closing.Store(true)
		go func() { _ = c.ws.Close(websocket.StatusCode(code), reason) }()
	})
	return nil
}

func (c *conn) closedLocally() (transport.StatusCode, string, bool) {
	if !c.closing.Load() {
		return 0, "", false
	}
	return c.closeCode, c.closeReason, true
}
