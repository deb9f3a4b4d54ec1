package pvpchess

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/pvp-chess-server/internal/domain"
	"github.com/park285/pvp-chess-server/internal/statestore"
	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/transport/transporttest"
	"github.com/park285/pvp-chess-server/internal/wire"
)

// memRoutes is an in-memory Routes + Directory.
type memRoutes struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	bound    map[string]string // conn id → player id
	detached map[int64]int
}

func newMemRoutes() *memRoutes {
	return &memRoutes{sessions: map[int64]*Session{}, bound: map[string]string{}, detached: map[int64]int{}}
}

func (r *memRoutes) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *memRoutes) BindSeat(_ *Session, playerID string, c transport.Conn) {
	r.mu.Lock()
	r.bound[c.ID()] = playerID
	r.mu.Unlock()
}

func (r *memRoutes) UnbindConn(_ *Session, connID, _ string) {
	r.mu.Lock()
	delete(r.bound, connID)
	r.mu.Unlock()
}

func (r *memRoutes) DetachGame(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.detached[s.ID]++
	r.mu.Unlock()
}

func (r *memRoutes) Session(id int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *memRoutes) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

type fixture struct {
	store  *statestore.Store
	mr     *miniredis.Miniredis
	routes *memRoutes
	fac    *Factory
	coord  *Coordinator
	pauses *PauseManager
	clock  *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := statestore.New(rdb)
	routes := newMemRoutes()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	coord := NewCoordinator(store, routes, routes, time.Second, nil)
	pauses := NewPauseManager(coord, 30*time.Second, nil)
	pauses.SetClock(clock.Now)
	return &fixture{
		store:  store,
		mr:     mr,
		routes: routes,
		fac:    NewFactory(store, "node-test", nil),
		coord:  coord,
		pauses: pauses,
		clock:  clock,
	}
}

var (
	alice = domain.Player{ID: "alice", Name: "Alice", Rating: 1200}
	bob   = domain.Player{ID: "bob", Name: "Bob", Rating: 1250}
)

// seated creates a game and attaches a fake connection to each seat.
func (f *fixture) seated(t *testing.T) (*Session, *transporttest.Conn, *transporttest.Conn) {
	t.Helper()
	s, err := f.fac.Create(context.Background(), alice, bob)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.routes.add(s)
	wc, bc := transporttest.NewConn("conn-alice"), transporttest.NewConn("conn-bob")
	if err := f.coord.AttachSeat(s, alice.ID, wc); err != nil {
		t.Fatalf("AttachSeat white: %v", err)
	}
	if err := f.coord.AttachSeat(s, bob.ID, bc); err != nil {
		t.Fatalf("AttachSeat black: %v", err)
	}
	return s, wc, bc
}

func decode[T any](t *testing.T, env wire.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

func TestCreatePersistsInitialState(t *testing.T) {
	f := newFixture(t)
	s, _, _ := f.seated(t)
	st, err := f.store.State(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.WhiteID != alice.ID || st.BlackID != bob.ID || st.Status != domain.StatusOngoing {
		t.Fatalf("unexpected state %+v", st)
	}
	if s.Players[0].ID != alice.ID {
		t.Fatalf("first player must be white")
	}
}

func TestCreateRollsBackWhenPlayerBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.fac.Create(ctx, alice, bob); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	carol := domain.Player{ID: "carol", Rating: 1100}
	_, err := f.fac.Create(ctx, carol, bob)
	var ce *CreateError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CreateError, got %v", err)
	}
	if !errors.Is(err, statestore.ErrPlayerBound) {
		t.Fatalf("expected ErrPlayerBound cause, got %v", err)
	}
	if _, err := f.store.State(ctx, ce.GameID); !errors.Is(err, statestore.ErrGameNotFound) {
		t.Fatalf("failed game left state behind: %v", err)
	}
	if _, ok, _ := f.store.PlayerGame(ctx, carol.ID); ok {
		t.Fatalf("carol must not stay bound")
	}
}

func TestApplyMoveValidation(t *testing.T) {
	f := newFixture(t)
	s, wc, bc := f.seated(t)
	ctx := context.Background()

	if _, err := s.ApplyMove(ctx, bob.ID, "e7e5"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	if _, err := s.ApplyMove(ctx, "mallory", "e2e4"); !errors.Is(err, ErrNotInGame) {
		t.Fatalf("expected ErrNotInGame, got %v", err)
	}
	if _, err := s.ApplyMove(ctx, alice.ID, "e2e5"); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	if _, err := s.ApplyMove(ctx, alice.ID, "castle"); !errors.Is(err, ErrMalformedMove) {
		t.Fatalf("expected ErrMalformedMove, got %v", err)
	}

	out, err := s.ApplyMove(ctx, alice.ID, "e2e4")
	if err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if out.ToPlay != domain.Black || out.Version != 1 || out.Verdict != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(out.Peers) != 2 {
		t.Fatalf("expected both peers, got %d", len(out.Peers))
	}
	moves, _ := f.store.Moves(ctx, s.ID)
	if len(moves) != 1 || moves[0] != "e2e4" {
		t.Fatalf("unexpected persisted moves %v", moves)
	}
	// ApplyMove itself does not broadcast
	if len(wc.Sent())+len(bc.Sent()) != 0 {
		t.Fatalf("session must not send")
	}
}

type failingCommit struct {
	*statestore.Store
}

func (failingCommit) CommitMove(context.Context, statestore.CommitParams) (int64, error) {
	return 0, errors.New("redis down")
}

func TestCommitFailureLeavesPositionUntouched(t *testing.T) {
	f := newFixture(t)
	fac := NewFactory(failingCommit{f.store}, "node-test", nil)
	s, err := fac.Create(context.Background(), alice, bob)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ApplyMove(context.Background(), alice.ID, "e2e4"); err == nil {
		t.Fatalf("expected commit failure")
	}
	v := s.View()
	if len(v.Moves) != 0 || v.ToPlay != domain.White {
		t.Fatalf("position changed after failed commit: %+v", v)
	}
}

func TestFinishGameSafelyExactlyOnce(t *testing.T) {
	f := newFixture(t)
	s, wc, bc := f.seated(t)
	ctx := context.Background()

	const triggers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, triggers)
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				wins <- f.coord.FinishGameSafely(ctx, s.ID, domain.WhiteWin, domain.ReasonResign, alice.ID)
			} else {
				wins <- f.coord.Finish(ctx, s, domain.Draw, domain.ReasonAbandon, "")
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winning trigger, got %d", won)
	}
	if n := len(wc.OfType(wire.TypeGameOver)); n != 1 {
		t.Fatalf("white got %d gameOver", n)
	}
	if n := len(bc.OfType(wire.TypeGameOver)); n != 1 {
		t.Fatalf("black got %d gameOver", n)
	}
	if f.routes.detached[s.ID] != 1 {
		t.Fatalf("expected one detach, got %d", f.routes.detached[s.ID])
	}
	st, _ := f.store.State(ctx, s.ID)
	if st.Status != domain.StatusFinished {
		t.Fatalf("store not finalized: %+v", st)
	}
	if _, err := s.ApplyMove(ctx, alice.ID, "e2e4"); !errors.Is(err, ErrGameEnded) {
		t.Fatalf("expected ErrGameEnded, got %v", err)
	}
}

func TestFinishKeepsMovesAndBindings(t *testing.T) {
	f := newFixture(t)
	s, _, _ := f.seated(t)
	ctx := context.Background()
	if _, err := s.ApplyMove(ctx, alice.ID, "e2e4"); err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if err := f.coord.Resign(ctx, s, bob.ID); err != nil {
		t.Fatalf("Resign: %v", err)
	}

	for _, p := range []domain.Player{alice, bob} {
		g, ok, err := f.store.PlayerGame(ctx, p.ID)
		if err != nil || !ok || g != s.ID {
			t.Fatalf("binding of %s after finish = %d %v %v, want %d", p.ID, g, ok, err, s.ID)
		}
	}
	if moves, _ := f.store.Moves(ctx, s.ID); len(moves) != 1 || moves[0] != "e2e4" {
		t.Fatalf("move log after finish = %v", moves)
	}

	// 끝난 대국을 가리키는 바인딩은 새 대국 생성을 막지 않는다
	next, err := f.fac.Create(ctx, bob, alice)
	if err != nil {
		t.Fatalf("Create after finish: %v", err)
	}
	if g, _, _ := f.store.PlayerGame(ctx, alice.ID); g != next.ID {
		t.Fatalf("alice bound to %d, want %d", g, next.ID)
	}
}

func TestCheckmateAndResignRace(t *testing.T) {
	f := newFixture(t)
	s, wc, _ := f.seated(t)
	ctx := context.Background()
	for _, mv := range []struct{ pid, uci string }{
		{alice.ID, "f2f3"}, {bob.ID, "e7e5"}, {alice.ID, "g2g4"},
	} {
		if _, err := s.ApplyMove(ctx, mv.pid, mv.uci); err != nil {
			t.Fatalf("%s: %v", mv.uci, err)
		}
	}
	out, err := s.ApplyMove(ctx, bob.ID, "d8h4")
	if err != nil {
		t.Fatalf("mate: %v", err)
	}
	if out.Verdict == nil {
		t.Fatalf("expected checkmate verdict")
	}

	var wg sync.WaitGroup
	var resignErr error
	var concluded bool
	wg.Add(2)
	go func() { defer wg.Done(); concluded = f.coord.Conclude(ctx, s, *out.Verdict) }()
	go func() { defer wg.Done(); resignErr = f.coord.Resign(ctx, s, alice.ID) }()
	wg.Wait()

	if concluded == (resignErr == nil) {
		t.Fatalf("exactly one of checkmate/resign must win: concluded=%v resign=%v", concluded, resignErr)
	}
	over := wc.OfType(wire.TypeGameOver)
	if len(over) != 1 {
		t.Fatalf("expected one gameOver, got %d", len(over))
	}
	g := decode[wire.GameOver](t, over[0])
	if g.Result != domain.BlackWin || g.WinnerID == nil || *g.WinnerID != bob.ID {
		t.Fatalf("unexpected gameOver %+v", g)
	}
}

func TestGameOverSendFailureDoesNotBlockOtherPeer(t *testing.T) {
	f := newFixture(t)
	s, wc, bc := f.seated(t)
	wc.FailSends(errors.New("broken pipe"))
	if !f.coord.Finish(context.Background(), s, domain.BlackWin, domain.ReasonResign, bob.ID) {
		t.Fatalf("Finish returned false")
	}
	if len(bc.OfType(wire.TypeGameOver)) != 1 {
		t.Fatalf("healthy peer missed gameOver")
	}
}
