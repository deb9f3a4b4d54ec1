package pvpchess

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pvp-chess-server/internal/domain"
	"github.com/park285/pvp-chess-server/internal/rules"
	"github.com/park285/pvp-chess-server/internal/statestore"
	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/wire"
)

const DefaultSendTimeout = 5 * time.Second

// Coordinator is the single path by which a game ends.
type Coordinator struct {
	store       Store
	routes      Routes
	dir         Directory
	logger      *zap.Logger
	sendTimeout time.Duration
	now         func() time.Time
}

func NewCoordinator(store Store, routes Routes, dir Directory, sendTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Coordinator{
		store:       store,
		routes:      routes,
		dir:         dir,
		logger:      logger,
		sendTimeout: sendTimeout,
		now:         time.Now,
	}
}

// AttachSeat binds c to playerID's seat. It fails once the game has ended.
func (c *Coordinator) AttachSeat(s *Session, playerID string, conn transport.Conn) error {
	seat, ok := s.SeatOf(playerID)
	if !ok {
		return ErrNotInGame
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.Load() {
		return ErrGameEnded
	}
	s.conns[seat] = conn
	c.routes.BindSeat(s, playerID, conn)
	return nil
}

// FinishGameSafely ends the game at most once. It returns false when the game
// is unknown or another trigger already ended it.
func (c *Coordinator) FinishGameSafely(ctx context.Context, gameID int64, result domain.GameResult, reason domain.GameOverReason, winnerID string) bool {
	s, ok := c.dir.Session(gameID)
	if !ok {
		return false
	}
	return c.Finish(ctx, s, result, reason, winnerID)
}

// Finish is FinishGameSafely for a session already in hand.
func (c *Coordinator) Finish(ctx context.Context, s *Session, result domain.GameResult, reason domain.GameOverReason, winnerID string) bool {
	return c.finish(ctx, s, func() (Outcome, bool) {
		return Outcome{Result: result, Reason: reason, WinnerID: winnerID}, true
	})
}

// Resign ends the game in favour of playerID's opponent.
func (c *Coordinator) Resign(ctx context.Context, s *Session, playerID string) error {
	seat, ok := s.SeatOf(playerID)
	if !ok {
		return ErrNotInGame
	}
	winner := 1 - seat
	if !c.Finish(ctx, s, domain.WinFor(domain.ColourOfSeat(winner)), domain.ReasonResign, s.Players[winner].ID) {
		return ErrGameEnded
	}
	return nil
}

// Conclude ends the game with the verdict a move produced.
func (c *Coordinator) Conclude(ctx context.Context, s *Session, v rules.Verdict) bool {
	winnerID := ""
	switch v.Result {
	case domain.WhiteWin:
		winnerID = s.Players[0].ID
	case domain.BlackWin:
		winnerID = s.Players[1].ID
	}
	return c.Finish(ctx, s, v.Result, v.Reason, winnerID)
}

// finish runs decide under the session lock and, if it returns true, ends the
// game in the same critical section. gameOver is sent after unlocking.
func (c *Coordinator) finish(ctx context.Context, s *Session, decide func() (Outcome, bool)) bool {
	s.mu.Lock()
	if s.ended.Load() {
		s.mu.Unlock()
		return false
	}
	out, ok := decide()
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !s.ended.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return false
	}

	err := c.store.FinalizeGame(ctx, statestore.FinalizeParams{
		GameID:   s.ID,
		NodeID:   s.NodeID,
		Result:   out.Result,
		Reason:   out.Reason,
		WinnerID: out.WinnerID,
		Now:      c.now(),
	})
	if err != nil {
		c.logger.Error("game_finalize_persist_failed", zap.Int64("game_id", s.ID), zap.Error(err))
	}
	s.status = domain.StatusFinished
	s.outcome = &out
	peers := s.peersLocked()
	s.conns = [2]transport.Conn{}
	s.pause = nil
	c.routes.DetachGame(s)
	s.mu.Unlock()

	c.logger.Info("game_over",
		zap.Int64("game_id", s.ID),
		zap.String("result", string(out.Result)),
		zap.String("reason", string(out.Reason)),
		zap.String("winner_id", out.WinnerID),
		zap.Int("peers", len(peers)),
	)

	payload := wire.GameOver{GameID: s.ID, Result: out.Result, Reason: out.Reason}
	if out.WinnerID != "" {
		w := out.WinnerID
		payload.WinnerID = &w
	}
	env := wire.Must(wire.TypeGameOver, payload)
	for _, p := range peers {
		if err := transport.SendTimeout(ctx, p, env, c.sendTimeout); err != nil {
			c.logger.Warn("game_over_send_failed", zap.Int64("game_id", s.ID), zap.String("conn_id", p.ID()), zap.Error(err))
		}
	}
	return true
}

// send delivers env to conn with the coordinator's send timeout and logs failures.
func (c *Coordinator) send(ctx context.Context, conn transport.Conn, env wire.Envelope, gameID int64) {
	if conn == nil {
		return
	}
	if err := transport.SendTimeout(ctx, conn, env, c.sendTimeout); err != nil {
		c.logger.Warn("send_failed",
			zap.Int64("game_id", gameID),
			zap.String("type", env.Type),
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
	}
}
