// Package hub routes connection events to matchmaking, live games, the
// pause manager and the heartbeat monitor.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/pvp-chess-server/internal/domain"
	"github.com/park285/pvp-chess-server/internal/heartbeat"
	"github.com/park285/pvp-chess-server/internal/matchmaking"
	"github.com/park285/pvp-chess-server/internal/msgcat"
	"github.com/park285/pvp-chess-server/internal/pvpchess"
	"github.com/park285/pvp-chess-server/internal/rules"
	"github.com/park285/pvp-chess-server/internal/statestore"
	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/wire"
)

const DefaultMatchInterval = time.Second

// Store is the state store as seen by the hub.
type Store interface {
	pvpchess.Store
	State(ctx context.Context, gameID int64) (*statestore.GameState, error)
	PlayerGame(ctx context.Context, playerID string) (int64, bool, error)
	GameNode(ctx context.Context, gameID int64) (string, error)
	NodeGames(ctx context.Context, node string) ([]int64, error)
}

// ErrBoundElsewhere rejects a join from a player whose store binding points
// at an unfinished game this node does not host.
var ErrBoundElsewhere = errors.New("player is in a game hosted by another node")

type Config struct {
	NodeID         string
	Match          matchmaking.Config
	Heartbeat      heartbeat.Config
	MatchInterval  time.Duration
	ReconnectGrace time.Duration
	SendTimeout    time.Duration
}

type Option func(*Hub)

// WithClock replaces time.Now in every time-based component.
func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// Hub implements transport.Handler.
type Hub struct {
	cfg    Config
	store  Store
	msgs   *msgcat.Catalog
	logger *zap.Logger
	now    func() time.Time

	reg     *Registry
	factory *pvpchess.Factory
	coord   *pvpchess.Coordinator
	pauses  *pvpchess.PauseManager
	engine  *matchmaking.Engine
	monitor *heartbeat.Monitor
}

var _ transport.Handler = (*Hub)(nil)

func New(cfg Config, store Store, msgs *msgcat.Catalog, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if msgs == nil {
		msgs = msgcat.MustDefault()
	}
	if cfg.MatchInterval <= 0 {
		cfg.MatchInterval = DefaultMatchInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = pvpchess.DefaultSendTimeout
	}
	if cfg.Heartbeat.SendTimeout <= 0 {
		cfg.Heartbeat.SendTimeout = cfg.SendTimeout
	}
	h := &Hub{cfg: cfg, store: store, msgs: msgs, logger: logger, now: time.Now}
	for _, o := range opts {
		o(h)
	}

	h.reg = NewRegistry()
	h.factory = pvpchess.NewFactory(store, cfg.NodeID, logger.Named("session"))
	h.coord = pvpchess.NewCoordinator(store, h.reg, h.reg, cfg.SendTimeout, logger.Named("coordinator"))
	h.pauses = pvpchess.NewPauseManager(h.coord, cfg.ReconnectGrace, logger.Named("pause"))
	h.pauses.SetClock(h.now)
	h.engine = matchmaking.NewEngine(cfg.Match, h.factory, logger.Named("match"), matchmaking.WithClock(h.now))
	h.monitor = heartbeat.NewMonitor(cfg.Heartbeat, h.reg, h.pauses, h.evict, logger.Named("heartbeat"))
	h.monitor.SetClock(h.now)
	return h
}

func (h *Hub) Registry() *Registry { return h.reg }
func (h *Hub) Engine() *matchmaking.Engine { return h.engine }
func (h *Hub) Monitor() *heartbeat.Monitor { return h.monitor }
func (h *Hub) Pauses() *pvpchess.PauseManager { return h.pauses }
func (h *Hub) Coordinator() *pvpchess.Coordinator { return h.coord }

// Run drives the matchmaking ticker and the heartbeat monitor until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.monitor.Run(ctx) })
	g.Go(func() error {
		t := time.NewTicker(h.cfg.MatchInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				h.MatchNow(ctx)
			}
		}
	})
	return g.Wait()
}

func (h *Hub) OnOpen(ctx context.Context, c transport.Conn) {
	h.reg.Open(c)
	h.monitor.Track(c)
	h.logger.Debug("conn_open", zap.String("conn_id", c.ID()))
}

// OnClose is idempotent; only the first call for a connection has effect.
func (h *Hub) OnClose(ctx context.Context, c transport.Conn, code transport.StatusCode, reason string) {
	d, ok := h.reg.Drop(c.ID())
	if !ok {
		return
	}
	h.monitor.Untrack(c.ID())
	h.logger.Info("conn_close",
		zap.String("conn_id", c.ID()),
		zap.String("player_id", d.PlayerID),
		zap.Int("code", int(code)),
		zap.String("reason", reason),
	)
	if d.PlayerID == "" || d.Rebound {
		return
	}
	h.engine.Dequeue(d.PlayerID)
	if s, ok := h.reg.GameOf(d.PlayerID); ok {
		h.pauses.OnDisconnect(ctx, s, c)
	} else if d.GameID != 0 {
		if s, ok := h.reg.Session(d.GameID); ok {
			h.pauses.OnDisconnect(ctx, s, c)
		}
	}
}

func (h *Hub) OnError(ctx context.Context, c transport.Conn, err error) {
	h.logger.Warn("conn_error", zap.String("conn_id", c.ID()), zap.Error(err))
}

func (h *Hub) OnMessage(ctx context.Context, c transport.Conn, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		h.logger.Warn("ws_malformed", zap.String("conn_id", c.ID()), zap.Error(err))
		return
	}
	switch env.Type {
	case wire.TypeJoin:
		var p wire.Join
		if h.bind(c, env, &p) {
			h.handleJoin(ctx, c, p)
		}
	case wire.TypeMove:
		var p wire.Move
		if h.bind(c, env, &p) {
			h.handleMove(ctx, c, p)
		}
	case wire.TypeResume:
		var p wire.Resume
		if h.bind(c, env, &p) {
			h.handleResume(ctx, c, p)
		}
	case wire.TypeHeartbeatAck:
		var p wire.HeartbeatAck
		if h.bind(c, env, &p) {
			h.monitor.Ack(c.ID(), p.TS)
		}
	case wire.TypeResign:
		var p wire.Resign
		if h.bind(c, env, &p) {
			h.handleResign(ctx, c, p)
		}
	default:
		h.logger.Warn("ws_unknown_type", zap.String("conn_id", c.ID()), zap.String("type", env.Type))
	}
}

func (h *Hub) bind(c transport.Conn, env wire.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		h.logger.Warn("ws_bad_payload", zap.String("conn_id", c.ID()), zap.String("type", env.Type), zap.Error(err))
		return false
	}
	return true
}

func (h *Hub) handleJoin(ctx context.Context, c transport.Conn, p wire.Join) {
	pid := strings.TrimSpace(p.PlayerID)
	if pid == "" || p.Rating < 0 {
		h.logger.Warn("join_invalid", zap.String("conn_id", c.ID()), zap.String("player_id", pid), zap.Int("rating", p.Rating))
		return
	}
	if bound, ok := h.reg.PlayerOf(c.ID()); ok && bound != pid {
		h.reject(ctx, c, wire.CodePlayerIDMismatch, map[string]any{"Bound": bound, "PlayerID": pid})
		return
	}

	// 진행 중인 대국이 있으면 join은 재접속으로 처리
	if s, ok := h.reg.GameOf(pid); ok && !s.Ended() {
		if err := h.pauses.Resume(ctx, s, pid, c); err != nil {
			h.denyResume(ctx, c, s.ID, err)
		}
		return
	}

	switch gid, node, err := h.remoteGame(ctx, pid); {
	case err != nil:
		h.logger.Error("join_binding_lookup_failed", zap.String("player_id", pid), zap.Error(err))
		h.reject(ctx, c, wire.CodeServerError, nil)
		return
	case gid != 0:
		h.logger.Info("join_bound_elsewhere", zap.String("player_id", pid), zap.Int64("game_id", gid), zap.String("owner", node))
		h.denyResume(ctx, c, gid, ErrBoundElsewhere)
		return
	}

	if prev := h.reg.BindPlayer(pid, c); prev != nil {
		h.engine.Dequeue(pid)
		_ = prev.Close(transport.StatusDisplaced, "displaced")
	}
	player := domain.Player{ID: pid, Name: strings.TrimSpace(p.Name), Rating: p.Rating, JoinedAt: h.now()}
	if err := h.engine.Enqueue(player); err != nil {
		h.logger.Warn("join_enqueue_failed", zap.String("player_id", pid), zap.Error(err))
		return
	}
	h.MatchNow(ctx)
}

// remoteGame returns the unfinished game the store binds pid to when another
// node owns it, together with that node. Stale or local bindings yield 0.
func (h *Hub) remoteGame(ctx context.Context, pid string) (int64, string, error) {
	gid, ok, err := h.store.PlayerGame(ctx, pid)
	if err != nil || !ok {
		return 0, "", err
	}
	if _, local := h.reg.Session(gid); local {
		return 0, "", nil
	}
	st, err := h.store.State(ctx, gid)
	if errors.Is(err, statestore.ErrGameNotFound) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	if st.Status == domain.StatusFinished {
		return 0, "", nil
	}
	node, err := h.store.GameNode(ctx, gid)
	if err != nil {
		return 0, "", err
	}
	if node == h.cfg.NodeID {
		// 이 노드에서 좌석 배정 중인 대국
		return 0, "", nil
	}
	return gid, node, nil
}

// ReapOrphans finishes games the store still assigns to this node without a
// session in memory, which is what a restart with the same NODE_ID leaves
// behind. They end as an ABANDON draw. It returns the number of games ended.
func (h *Hub) ReapOrphans(ctx context.Context) (int, error) {
	ids, err := h.store.NodeGames(ctx, h.cfg.NodeID)
	if err != nil {
		return 0, fmt.Errorf("list games of node %s: %w", h.cfg.NodeID, err)
	}
	reaped := 0
	for _, id := range ids {
		if _, ok := h.reg.Session(id); ok {
			continue
		}
		st, err := h.store.State(ctx, id)
		if errors.Is(err, statestore.ErrGameNotFound) {
			h.logger.Warn("orphan_without_state", zap.Int64("game_id", id))
			continue
		}
		if err != nil {
			return reaped, err
		}
		if st.Status == domain.StatusFinished {
			continue
		}
		err = h.store.FinalizeGame(ctx, statestore.FinalizeParams{
			GameID: id,
			NodeID: h.cfg.NodeID,
			Result: domain.Draw,
			Reason: domain.ReasonAbandon,
			Now:    h.now(),
		})
		if err != nil {
			return reaped, err
		}
		h.logger.Info("orphan_reaped", zap.Int64("game_id", id), zap.String("white_id", st.WhiteID), zap.String("black_id", st.BlackID))
		reaped++
	}
	return reaped, nil
}

// MatchNow runs one matchmaking pass and seats the new games.
// It returns the number of games created.
func (h *Hub) MatchNow(ctx context.Context) int {
	created := 0
	for _, m := range h.engine.AttemptMatch(ctx) {
		if m.Err != nil || m.Session == nil {
			continue
		}
		h.seat(ctx, m.Session)
		created++
	}
	return created
}

func (h *Hub) seat(ctx context.Context, s *pvpchess.Session) {
	h.reg.AddGame(s)

	var attached [2]transport.Conn
	for i, p := range s.Players {
		c, ok := h.reg.ConnOf(p.ID)
		if !ok {
			continue
		}
		if err := h.coord.AttachSeat(s, p.ID, c); err != nil {
			h.logger.Warn("seat_attach_failed", zap.Int64("game_id", s.ID), zap.String("player_id", p.ID), zap.Error(err))
			continue
		}
		attached[i] = c
	}

	for i, c := range attached {
		if c == nil {
			continue
		}
		me, opp := s.Players[i], s.Players[1-i]
		h.send(ctx, c, wire.Must(wire.TypeMatchFound, wire.MatchFound{
			GameID:     s.ID,
			YourID:     me.ID,
			Colour:     domain.ColourOfSeat(i),
			Opponent:   wire.OpponentOf(opp),
			InitialFEN: rules.StartFEN,
		}))
	}

	for i, c := range attached {
		switch {
		case c == nil:
			h.pauses.OnSeatMissing(ctx, s, i)
		case !h.reg.IsOpen(c.ID()):
			// 매칭 도중 연결이 끊긴 경우
			h.pauses.OnDisconnect(ctx, s, c)
		}
	}
}

func (h *Hub) handleMove(ctx context.Context, c transport.Conn, p wire.Move) {
	s, pid, ok := h.sessionFor(ctx, c, p.PlayerID, p.GameID)
	if !ok {
		return
	}
	out, err := s.ApplyMove(ctx, pid, p.UCI)
	if err != nil {
		h.rejectMove(ctx, c, s.ID, p.UCI, err)
		return
	}
	env := wire.Must(wire.TypeMove, wire.MoveBroadcast{GameID: out.GameID, UCI: out.UCI, FEN: out.FEN, ToPlay: out.ToPlay})
	for _, peer := range out.Peers {
		h.send(ctx, peer, env)
	}
	if out.Verdict != nil {
		h.coord.Conclude(ctx, s, *out.Verdict)
	}
}

func (h *Hub) handleResign(ctx context.Context, c transport.Conn, p wire.Resign) {
	s, pid, ok := h.sessionFor(ctx, c, p.PlayerID, p.GameID)
	if !ok {
		return
	}
	if err := h.coord.Resign(ctx, s, pid); err != nil {
		h.rejectMove(ctx, c, s.ID, "", err)
	}
}

// sessionFor resolves the live game of the player bound to c and checks the
// identity and game id the client claims. Failures are reported to c.
func (h *Hub) sessionFor(ctx context.Context, c transport.Conn, claimedID string, gameID int64) (*pvpchess.Session, string, bool) {
	pid, ok := h.reg.PlayerOf(c.ID())
	if !ok {
		h.reject(ctx, c, wire.CodeNotInGame, map[string]any{"GameID": gameID})
		return nil, "", false
	}
	if claimed := strings.TrimSpace(claimedID); claimed != "" && claimed != pid {
		h.reject(ctx, c, wire.CodePlayerIDMismatch, map[string]any{"Bound": pid, "PlayerID": claimed})
		return nil, "", false
	}
	s, ok := h.reg.GameOf(pid)
	if !ok {
		if h.finishedInStore(ctx, gameID) {
			h.reject(ctx, c, wire.CodeGameAlreadyEnded, map[string]any{"GameID": gameID})
		} else {
			h.reject(ctx, c, wire.CodeNotInGame, map[string]any{"GameID": gameID})
		}
		return nil, "", false
	}
	if gameID != 0 && gameID != s.ID {
		h.reject(ctx, c, wire.CodeWrongGameID, map[string]any{"GameID": gameID})
		return nil, "", false
	}
	return s, pid, true
}

func (h *Hub) finishedInStore(ctx context.Context, gameID int64) bool {
	if gameID <= 0 {
		return false
	}
	st, err := h.store.State(ctx, gameID)
	if err != nil {
		if !errors.Is(err, statestore.ErrGameNotFound) {
			h.logger.Warn("state_lookup_failed", zap.Int64("game_id", gameID), zap.Error(err))
		}
		return false
	}
	return st.Status == domain.StatusFinished
}

func (h *Hub) handleResume(ctx context.Context, c transport.Conn, p wire.Resume) {
	pid := strings.TrimSpace(p.PlayerID)
	if bound, ok := h.reg.PlayerOf(c.ID()); ok && bound != pid {
		h.reject(ctx, c, wire.CodePlayerIDMismatch, map[string]any{"Bound": bound, "PlayerID": pid})
		return
	}
	s, ok := h.reg.Session(p.GameID)
	if !ok {
		h.denyResume(ctx, c, p.GameID, pvpchess.ErrGameGone)
		return
	}
	if err := h.pauses.Resume(ctx, s, pid, c); err != nil {
		h.denyResume(ctx, c, p.GameID, err)
		return
	}
	h.engine.Dequeue(pid)
}

func (h *Hub) rejectMove(ctx context.Context, c transport.Conn, gameID int64, uci string, err error) {
	data := map[string]any{"GameID": gameID, "UCI": uci}
	switch {
	case errors.Is(err, pvpchess.ErrGameEnded):
		h.reject(ctx, c, wire.CodeGameAlreadyEnded, data)
	case errors.Is(err, pvpchess.ErrGamePaused):
		h.reject(ctx, c, wire.CodeGamePaused, data)
	case errors.Is(err, pvpchess.ErrNotInGame):
		h.reject(ctx, c, wire.CodeNotInGame, data)
	case errors.Is(err, pvpchess.ErrNotYourTurn):
		h.reject(ctx, c, wire.CodeNotYourTurn, data)
	case errors.Is(err, pvpchess.ErrIllegalMove), errors.Is(err, pvpchess.ErrMalformedMove):
		h.reject(ctx, c, wire.CodeIllegalMove, data)
	default:
		h.logger.Error("move_failed", zap.Int64("game_id", gameID), zap.String("conn_id", c.ID()), zap.Error(err))
		h.reject(ctx, c, wire.CodeServerError, data)
	}
}

var resumeReasonKeys = []struct {
	err error
	key string
}{
	{pvpchess.ErrNoPause, "resume.noPause"},
	{pvpchess.ErrNotPausedPlayer, "resume.notPausedPlayer"},
	{pvpchess.ErrPauseExpired, "resume.expired"},
	{pvpchess.ErrGameGone, "resume.gone"},
	{ErrBoundElsewhere, "resume.elsewhere"},
}

func (h *Hub) denyResume(ctx context.Context, c transport.Conn, gameID int64, err error) {
	reason := err.Error()
	for _, rk := range resumeReasonKeys {
		if errors.Is(err, rk.err) {
			reason = h.msgs.Text(rk.key, nil, reason)
			break
		}
	}
	h.logger.Info("resume_denied", zap.Int64("game_id", gameID), zap.String("conn_id", c.ID()), zap.Error(err))
	h.reject(ctx, c, wire.CodeResumeDenied, map[string]any{"GameID": gameID, "Reason": reason})
}

func (h *Hub) reject(ctx context.Context, c transport.Conn, code wire.ErrorCode, data map[string]any) {
	msg := h.msgs.Text("errors."+string(code), data, string(code))
	h.send(ctx, c, wire.ErrorEnvelope(code, msg))
}

func (h *Hub) send(ctx context.Context, c transport.Conn, env wire.Envelope) {
	if err := transport.SendTimeout(ctx, c, env, h.cfg.SendTimeout); err != nil {
		h.logger.Warn("send_failed", zap.String("conn_id", c.ID()), zap.String("type", env.Type), zap.Error(err))
	}
}

// evict closes a connection that stopped answering heartbeats and runs the
// close path right away.
func (h *Hub) evict(ctx context.Context, c transport.Conn) {
	_ = c.Close(transport.StatusHeartbeatTimeout, "heartbeat timeout")
	h.OnClose(ctx, c, transport.StatusHeartbeatTimeout, "heartbeat timeout")
}
