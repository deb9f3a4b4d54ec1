// Package pvpchess holds live game sessions: move application, the
// termination choke point, and the pause/reconnect grace period.
package pvpchess

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pvp-chess-server/internal/domain"
	"github.com/park285/pvp-chess-server/internal/rules"
	"github.com/park285/pvp-chess-server/internal/statestore"
	"github.com/park285/pvp-chess-server/internal/transport"
)

// Session is one live game. Seat 0 is white, seat 1 black.
// mu guards pos, status, conns and pause; ended flips false→true exactly once,
// under mu.
type Session struct {
	ID        int64
	Players   [2]domain.Player
	NodeID    string
	CreatedAt time.Time

	store Store

	mu      sync.Mutex
	pos     rules.Position
	status  domain.GameStatus
	ended   atomic.Bool
	conns   [2]transport.Conn
	pause   *PauseRecord
	outcome *Outcome
}

// Outcome is the recorded terminal result.
type Outcome struct {
	Result   domain.GameResult
	Reason   domain.GameOverReason
	WinnerID string
}

// View is a consistent copy of session state.
type View struct {
	GameID  int64
	Players [2]domain.Player
	FEN     string
	ToPlay  domain.Colour
	Moves   []string
	Status  domain.GameStatus
	Seats   [2]string
	Pause   *PauseRecord
	Outcome *Outcome
}

func newSession(id int64, white, black domain.Player, nodeID string, store Store, now time.Time) *Session {
	return &Session{
		ID:        id,
		Players:   [2]domain.Player{white, black},
		NodeID:    nodeID,
		CreatedAt: now,
		store:     store,
		pos:       rules.Start(),
		status:    domain.StatusOngoing,
	}
}

// Ended reports whether the game has been terminated.
func (s *Session) Ended() bool { return s.ended.Load() }

// SeatOf returns the seat index of playerID.
func (s *Session) SeatOf(playerID string) (int, bool) {
	for i, p := range s.Players {
		if p.ID == playerID {
			return i, true
		}
	}
	return -1, false
}

// Opponent returns the other player's identity.
func (s *Session) Opponent(playerID string) (domain.Player, bool) {
	seat, ok := s.SeatOf(playerID)
	if !ok {
		return domain.Player{}, false
	}
	return s.Players[1-seat], true
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		GameID:  s.ID,
		Players: s.Players,
		FEN:     s.pos.FEN(),
		ToPlay:  s.pos.ToPlay(),
		Moves:   s.pos.Moves(),
		Status:  s.status,
	}
	for i, c := range s.conns {
		if c != nil {
			v.Seats[i] = c.ID()
		}
	}
	if s.pause != nil {
		p := *s.pause
		v.Pause = &p
	}
	if s.outcome != nil {
		o := *s.outcome
		v.Outcome = &o
	}
	return v
}

// seatOfConnLocked returns the seat held by connID, or -1.
func (s *Session) seatOfConnLocked(connID string) int {
	for i, c := range s.conns {
		if c != nil && c.ID() == connID {
			return i
		}
	}
	return -1
}

func (s *Session) peersLocked() []transport.Conn {
	out := make([]transport.Conn, 0, 2)
	for _, c := range s.conns {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Factory creates sessions backed by the state store.
type Factory struct {
	store  Store
	nodeID string
	logger *zap.Logger
	now    func() time.Time
}

func NewFactory(store Store, nodeID string, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{store: store, nodeID: nodeID, logger: logger, now: time.Now}
}

// Create allocates a game id, fixes seats and writes the initial state.
// Partial writes are rolled back before a *CreateError is returned.
func (f *Factory) Create(ctx context.Context, white, black domain.Player) (*Session, error) {
	id, err := f.store.NextGameID(ctx)
	if err != nil {
		return nil, &CreateError{WhiteID: white.ID, BlackID: black.ID, Err: err}
	}
	now := f.now()
	s := newSession(id, white, black, f.nodeID, f.store, now)

	err = f.store.InitGame(ctx, statestore.InitParams{
		GameID:  id,
		NodeID:  f.nodeID,
		WhiteID: white.ID,
		BlackID: black.ID,
		FEN:     s.pos.FEN(),
		Now:     now,
	})
	if err != nil {
		// ErrGameExists는 다른 생성자가 쓴 키이므로 건드리지 않는다
		if !errors.Is(err, statestore.ErrGameExists) {
			if rbErr := f.store.RollbackGame(ctx, id, f.nodeID, white.ID, black.ID); rbErr != nil {
				f.logger.Error("game_create_rollback_failed", zap.Int64("game_id", id), zap.Error(rbErr))
			}
		}
		return nil, &CreateError{GameID: id, WhiteID: white.ID, BlackID: black.ID, Err: err}
	}

	f.logger.Info("game_create",
		zap.Int64("game_id", id),
		zap.String("white_id", white.ID),
		zap.String("black_id", black.ID),
		zap.String("node_id", f.nodeID),
	)
	return s, nil
}
