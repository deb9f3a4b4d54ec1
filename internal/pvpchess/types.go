package pvpchess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/park285/pvp-chess-server/internal/statestore"
	"github.com/park285/pvp-chess-server/internal/transport"
)

// Move rejections.
var (
	ErrGameEnded     = errors.New("game already ended")
	ErrGamePaused    = errors.New("game paused")
	ErrNotInGame     = errors.New("player not in game")
	ErrNotYourTurn   = errors.New("not your turn")
	ErrIllegalMove   = errors.New("illegal move")
	ErrMalformedMove = errors.New("malformed move")
)

// Resume rejections.
var (
	ErrNoPause         = errors.New("game is not paused")
	ErrNotPausedPlayer = errors.New("player is not the paused player")
	ErrPauseExpired    = errors.New("resume deadline passed")
	ErrGameGone        = errors.New("game no longer exists")
)

// Store is the subset of the state store a session needs.
type Store interface {
	NextGameID(ctx context.Context) (int64, error)
	InitGame(ctx context.Context, p statestore.InitParams) error
	CommitMove(ctx context.Context, p statestore.CommitParams) (int64, error)
	FinalizeGame(ctx context.Context, p statestore.FinalizeParams) error
	RollbackGame(ctx context.Context, gameID int64, nodeID string, playerIDs ...string) error
}

// Routes keeps the connection↔player↔game indexes in step with a session.
// Every method is called with the session lock held and must not block.
type Routes interface {
	BindSeat(s *Session, playerID string, c transport.Conn)
	UnbindConn(s *Session, connID, playerID string)
	DetachGame(s *Session)
}

// Directory looks up live sessions.
type Directory interface {
	Session(gameID int64) (*Session, bool)
	Sessions() []*Session
}

// PauseRecord exists only while a seat of an ongoing game is empty.
type PauseRecord struct {
	GameID   int64
	PlayerID string
	PausedAt time.Time
	Deadline time.Time
}

// CreateError reports a failed game creation. The cause is reachable with errors.Is.
type CreateError struct {
	GameID  int64
	WhiteID string
	BlackID string
	Err     error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create game %d (%s vs %s): %v", e.GameID, e.WhiteID, e.BlackID, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }
