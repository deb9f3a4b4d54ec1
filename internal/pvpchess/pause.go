package pvpchess

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pvp-chess-server/internal/domain"
	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/wire"
)

const DefaultReconnectGrace = 30 * time.Second

// PauseManager runs the grace period between a seat going empty and the game
// being abandoned. A game has at most one pause record.
type PauseManager struct {
	coord  *Coordinator
	routes Routes
	dir    Directory
	grace  time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewPauseManager(coord *Coordinator, grace time.Duration, logger *zap.Logger) *PauseManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if grace <= 0 {
		grace = DefaultReconnectGrace
	}
	return &PauseManager{
		coord:  coord,
		routes: coord.routes,
		dir:    coord.dir,
		grace:  grace,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides time.Now for the manager and its coordinator.
func (m *PauseManager) SetClock(now func() time.Time) {
	m.now = now
	m.coord.now = now
}

// OnDisconnect clears the seat held by conn. A connection that no longer holds
// a seat is ignored.
func (m *PauseManager) OnDisconnect(ctx context.Context, s *Session, conn transport.Conn) {
	s.mu.Lock()
	if s.ended.Load() {
		s.mu.Unlock()
		return
	}
	seat := s.seatOfConnLocked(conn.ID())
	if seat < 0 {
		s.mu.Unlock()
		return
	}
	playerID := s.Players[seat].ID
	s.conns[seat] = nil
	m.routes.UnbindConn(s, conn.ID(), playerID)
	rec, peer := m.beginPauseLocked(s, seat)
	s.mu.Unlock()

	m.announce(ctx, s.ID, rec, peer)
}

// OnSeatMissing pauses a freshly created game whose player left while it was being matched.
func (m *PauseManager) OnSeatMissing(ctx context.Context, s *Session, seat int) {
	s.mu.Lock()
	if s.ended.Load() || s.conns[seat] != nil {
		s.mu.Unlock()
		return
	}
	rec, peer := m.beginPauseLocked(s, seat)
	s.mu.Unlock()

	m.announce(ctx, s.ID, rec, peer)
}

// beginPauseLocked creates the pause record for seat unless one already
// exists. It returns the record and the peer to notify, both nil if nothing changed.
func (m *PauseManager) beginPauseLocked(s *Session, seat int) (*PauseRecord, transport.Conn) {
	if s.pause != nil {
		return nil, nil
	}
	now := m.now()
	rec := &PauseRecord{
		GameID:   s.ID,
		PlayerID: s.Players[seat].ID,
		PausedAt: now,
		Deadline: now.Add(m.grace),
	}
	s.pause = rec
	cp := *rec
	return &cp, s.conns[1-seat]
}

func (m *PauseManager) announce(ctx context.Context, gameID int64, rec *PauseRecord, peer transport.Conn) {
	if rec == nil {
		return
	}
	m.logger.Info("pause_begin",
		zap.Int64("game_id", gameID),
		zap.String("player_id", rec.PlayerID),
		zap.Time("deadline", rec.Deadline),
	)
	m.coord.send(ctx, peer, wire.Must(wire.TypePause, wire.Pause{
		GameID:               gameID,
		DisconnectedPlayerID: rec.PlayerID,
		ResumeDeadlineMillis: rec.Deadline.UnixMilli(),
	}), gameID)
}

// Resume rebinds playerID to its seat on conn. Rejections leave the session untouched.
func (m *PauseManager) Resume(ctx context.Context, s *Session, playerID string, conn transport.Conn) error {
	s.mu.Lock()
	if s.ended.Load() {
		s.mu.Unlock()
		return ErrGameGone
	}
	seat, ok := s.SeatOf(playerID)
	if !ok {
		s.mu.Unlock()
		return ErrNotPausedPlayer
	}
	if s.pause == nil {
		s.mu.Unlock()
		return ErrNoPause
	}
	if s.pause.PlayerID != playerID {
		s.mu.Unlock()
		return ErrNotPausedPlayer
	}
	now := m.now()
	if now.After(s.pause.Deadline) {
		s.mu.Unlock()
		return ErrPauseExpired
	}

	// The paused seat is normally empty: OnDisconnect clears it before the
	// record exists. A connection still found here is a second live one for
	// the same identity and is closed with StatusDisplaced.
	stale := s.conns[seat]
	if stale != nil && stale.ID() == conn.ID() {
		stale = nil
	}
	if stale != nil {
		m.routes.UnbindConn(s, stale.ID(), playerID)
	}
	s.conns[seat] = conn
	m.routes.BindSeat(s, playerID, conn)

	other := 1 - seat
	if s.conns[other] != nil {
		s.pause = nil
	} else {
		// 상대도 비어 있으면 기록을 상대에게 넘긴다
		s.pause = &PauseRecord{
			GameID:   s.ID,
			PlayerID: s.Players[other].ID,
			PausedAt: now,
			Deadline: now.Add(m.grace),
		}
	}
	resumed := wire.ResumeOK{
		GameID:     s.ID,
		FEN:        s.pos.FEN(),
		ToPlay:     s.pos.ToPlay(),
		YourColour: domain.ColourOfSeat(seat),
		Opponent:   wire.OpponentOf(s.Players[other]),
	}
	peer := s.conns[other]
	s.mu.Unlock()

	if stale != nil {
		_ = stale.Close(transport.StatusDisplaced, "displaced")
	}
	m.logger.Info("pause_resume", zap.Int64("game_id", s.ID), zap.String("player_id", playerID), zap.Bool("peer_present", peer != nil))
	m.coord.send(ctx, conn, wire.Must(wire.TypeResumeOK, resumed), s.ID)
	m.coord.send(ctx, peer, wire.Must(wire.TypeOpponentReconnected, wire.OpponentReconnected{GameID: s.ID, PlayerID: playerID}), s.ID)
	return nil
}

// SweepExpired ends every game whose pause deadline passed. Presence is
// re-read under the session lock: one seat left wins by ABANDON, none is a
// DRAW, both present drops the record.
func (m *PauseManager) SweepExpired(ctx context.Context, now time.Time) int {
	finished := 0
	for _, s := range m.dir.Sessions() {
		if s.Ended() {
			continue
		}
		ok := m.coord.finish(ctx, s, func() (Outcome, bool) {
			p := s.pause
			if p == nil || !now.After(p.Deadline) {
				return Outcome{}, false
			}
			white, black := s.conns[0] != nil, s.conns[1] != nil
			switch {
			case white && black:
				s.pause = nil
				m.logger.Info("pause_dropped", zap.Int64("game_id", s.ID))
				return Outcome{}, false
			case white:
				return Outcome{Result: domain.WhiteWin, Reason: domain.ReasonAbandon, WinnerID: s.Players[0].ID}, true
			case black:
				return Outcome{Result: domain.BlackWin, Reason: domain.ReasonAbandon, WinnerID: s.Players[1].ID}, true
			default:
				return Outcome{Result: domain.Draw, Reason: domain.ReasonAbandon}, true
			}
		})
		if ok {
			finished++
		}
	}
	return finished
}
