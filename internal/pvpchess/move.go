package pvpchess

import (
	"context"
	"fmt"
	"time"

	"github.com/park285/pvp-chess-server/internal/domain"
	"github.com/park285/pvp-chess-server/internal/rules"
	"github.com/park285/pvp-chess-server/internal/statestore"
	"github.com/park285/pvp-chess-server/internal/transport"
)

// MoveOutcome is what an accepted move produced. Termination is left to the caller.
type MoveOutcome struct {
	GameID  int64
	UCI     string
	FEN     string
	ToPlay  domain.Colour
	Check   bool
	Verdict *rules.Verdict
	Version int64
	Peers   []transport.Conn
}

// ApplyMove validates and commits a move for playerID. On any error the
// position is unchanged.
func (s *Session) ApplyMove(ctx context.Context, playerID, uci string) (MoveOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended.Load() {
		return MoveOutcome{}, ErrGameEnded
	}
	if s.pause != nil {
		return MoveOutcome{}, ErrGamePaused
	}
	seat, ok := s.SeatOf(playerID)
	if !ok {
		return MoveOutcome{}, ErrNotInGame
	}
	if domain.ColourOfSeat(seat) != s.pos.ToPlay() {
		return MoveOutcome{}, ErrNotYourTurn
	}

	res := rules.Apply(s.pos, uci)
	switch res.Kind {
	case rules.Malformed:
		return MoveOutcome{}, fmt.Errorf("%w: %q", ErrMalformedMove, uci)
	case rules.Illegal:
		return MoveOutcome{}, fmt.Errorf("%w: %q", ErrIllegalMove, res.UCI)
	}

	next := res.Position
	version, err := s.store.CommitMove(ctx, statestore.CommitParams{
		GameID: s.ID,
		NodeID: s.NodeID,
		UCI:    res.UCI,
		FEN:    next.FEN(),
		Turn:   next.ToPlay(),
		Now:    time.Now(),
	})
	if err != nil {
		return MoveOutcome{}, err
	}
	s.pos = next

	return MoveOutcome{
		GameID:  s.ID,
		UCI:     res.UCI,
		FEN:     next.FEN(),
		ToPlay:  next.ToPlay(),
		Check:   res.Check,
		Verdict: res.Verdict,
		Version: version,
		Peers:   s.peersLocked(),
	}, nil
}
