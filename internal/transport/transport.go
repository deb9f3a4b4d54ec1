package transport

import (
	"context"
	"time"

	"github.com/park285/pvp-chess-server/internal/wire"
)

// StatusCode is a websocket close code.
type StatusCode int

const (
	StatusNormalClosure    StatusCode = 1000
	StatusGoingAway        StatusCode = 1001
	StatusAbnormalClosure  StatusCode = 1006
	StatusDisplaced        StatusCode = 4001
	StatusHeartbeatTimeout StatusCode = 4002
)

// Conn is one client connection. It carries no player identity until a join binds it.
// Close must be idempotent and must not block on the peer.
type Conn interface {
	ID() string
	Send(ctx context.Context, env wire.Envelope) error
	Close(code StatusCode, reason string) error
}

// Handler receives connection lifecycle events from a transport.
// OnClose may be called more than once for the same connection.
type Handler interface {
	OnOpen(ctx context.Context, c Conn)
	OnClose(ctx context.Context, c Conn, code StatusCode, reason string)
	OnMessage(ctx context.Context, c Conn, data []byte)
	OnError(ctx context.Context, c Conn, err error)
}

// SendTimeout sends env bounded by d. A nil conn is a no-op.
func SendTimeout(ctx context.Context, c Conn, env wire.Envelope, d time.Duration) error {
	if c == nil {
		return nil
	}
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return c.Send(ctx, env)
}
