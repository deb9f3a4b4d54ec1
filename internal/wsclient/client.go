// Package wsclient is a reconnecting websocket client for the chess server.
// It answers heartbeats on its own and re-sends the last join after every
// reconnect so that the server can resume the game.
package wsclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/wire"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected = errors.New("wsclient: not connected")
	ErrNoGame       = errors.New("wsclient: no game in progress")
	ErrNotJoined    = errors.New("wsclient: join first")
)

type Options struct {
	URL string
	// MaxReconnectAttempts defaults to 10; negative disables reconnecting.
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	DialTimeout          time.Duration
	Logger               *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 100 * time.Millisecond
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Client struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	join   *wire.Join
	gameID int64

	incoming chan wire.Envelope
	stateCh  chan State

	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func New(opts Options) *Client {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		logger:     opts.Logger,
		incoming:   make(chan wire.Envelope, 64),
		stateCh:    make(chan State, 16),
		stopCh:     make(chan struct{}),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Messages delivers every server frame except heartbeats.
func (c *Client) Messages() <-chan wire.Envelope { return c.incoming }

// States reports state transitions. Slow readers miss intermediate states.
func (c *Client) States() <-chan State { return c.stateCh }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GameID is the game learnt from the last matchFound or resumeOk, 0 if none.
func (c *Client) GameID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameID
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	return conn, err
}

// attach installs conn, starts its reader and replays the join.
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	join := c.join
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(1)
	go c.listen(conn)

	if join != nil {
		if err := c.write(c.rootCtx, conn, wire.Must(wire.TypeJoin, *join)); err != nil {
			c.logger.Warn("rejoin_failed", zap.Error(err))
		}
	}
}

func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var env wire.Envelope
		err := wsjson.Read(c.rootCtx, conn, &env)
		if err != nil {
			c.onReadError(conn, err)
			return
		}
		switch env.Type {
		case wire.TypeHeartbeat:
			var hb wire.Heartbeat
			if env.Bind(&hb) == nil {
				_ = c.write(c.rootCtx, conn, wire.Must(wire.TypeHeartbeatAck, wire.HeartbeatAck{TS: hb.TS}))
			}
			continue
		case wire.TypeMatchFound:
			var m wire.MatchFound
			if env.Bind(&m) == nil {
				c.setGame(m.GameID)
			}
		case wire.TypeResumeOK:
			var r wire.ResumeOK
			if env.Bind(&r) == nil {
				c.setGame(r.GameID)
			}
		case wire.TypeGameOver:
			c.setGame(0)
		}
		select {
		case c.incoming <- env:
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) onReadError(conn *websocket.Conn, err error) {
	if c.isStopping() {
		return
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.CloseNow()

	// 다른 연결이 자리를 가져간 경우 재접속하지 않는다
	if code := websocket.CloseStatus(err); code == websocket.StatusCode(transport.StatusDisplaced) {
		c.logger.Info("ws_displaced")
		c.setState(StateFailed)
		return
	}
	c.logger.Info("ws_disconnected", zap.Error(err))
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	if c.opts.MaxReconnectAttempts < 0 {
		c.setState(StateFailed)
		return
	}
	c.setState(StateReconnecting)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.backoff(attempt)):
			}
			conn, err := c.dial(c.rootCtx)
			if err != nil {
				c.logger.Debug("reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			c.logger.Info("reconnected", zap.Int("attempt", attempt))
			c.attach(conn)
			return
		}
		c.setState(StateFailed)
	}()
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * c.opts.BackoffBase
}

// Join queues the player. The payload is replayed after every reconnect.
func (c *Client) Join(ctx context.Context, j wire.Join) error {
	j.PlayerID = strings.TrimSpace(j.PlayerID)
	c.mu.Lock()
	c.join = &j
	c.mu.Unlock()
	return c.Send(ctx, wire.Must(wire.TypeJoin, j))
}

// Move plays uci in the current game.
func (c *Client) Move(ctx context.Context, uci string) error {
	gameID, pid, err := c.current()
	if err != nil {
		return err
	}
	return c.Send(ctx, wire.Must(wire.TypeMove, wire.Move{GameID: gameID, PlayerID: pid, UCI: strings.TrimSpace(uci)}))
}

func (c *Client) Resign(ctx context.Context) error {
	gameID, pid, err := c.current()
	if err != nil {
		return err
	}
	return c.Send(ctx, wire.Must(wire.TypeResign, wire.Resign{GameID: gameID, PlayerID: pid}))
}

func (c *Client) current() (int64, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.join == nil {
		return 0, "", ErrNotJoined
	}
	if c.gameID == 0 {
		return 0, "", ErrNoGame
	}
	return c.gameID, c.join.PlayerID, nil
}

func (c *Client) Send(ctx context.Context, env wire.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, env)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env wire.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}

func (c *Client) setGame(id int64) {
	c.mu.Lock()
	c.gameID = id
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	select {
	case c.stateCh <- s:
	default:
	}
}

func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	c.rootCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}
