package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/pvp-chess-server/internal/domain"
	"github.com/park285/pvp-chess-server/internal/heartbeat"
	"github.com/park285/pvp-chess-server/internal/rules"
	"github.com/park285/pvp-chess-server/internal/statestore"
	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/transport/transporttest"
	"github.com/park285/pvp-chess-server/internal/wire"
)

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

type testHub struct {
	*Hub
	store *statestore.Store
	clock *fakeClock
}

const testGrace = 10 * time.Second

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := statestore.New(rdb)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	h := New(Config{
		NodeID:         "node-hub",
		Heartbeat:      heartbeat.Config{Timeout: 30 * time.Second},
		ReconnectGrace: testGrace,
		SendTimeout:    time.Second,
	}, store, nil, nil, WithClock(clock.Now))
	return &testHub{Hub: h, store: store, clock: clock}
}

func frame(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(wire.Must(typ, payload))
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func decode[T any](t *testing.T, env wire.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

func (h *testHub) connect(id string) *transporttest.Conn {
	c := transporttest.NewConn(id)
	h.OnOpen(context.Background(), c)
	return c
}

func (h *testHub) join(t *testing.T, c *transporttest.Conn, id string, rating int) {
	t.Helper()
	h.OnMessage(context.Background(), c, frame(t, wire.TypeJoin, wire.Join{PlayerID: id, Name: id, Rating: rating}))
}

func lastError(t *testing.T, c *transporttest.Conn) wire.Error {
	t.Helper()
	env, ok := c.Last(wire.TypeError)
	if !ok {
		t.Fatalf("%s: no error frame", c.ID())
	}
	return decode[wire.Error](t, env)
}

// matched joins p1 (1500) and p2 (1550) and returns the game with both connections.
func (h *testHub) matched(t *testing.T) (int64, *transporttest.Conn, *transporttest.Conn) {
	t.Helper()
	c1, c2 := h.connect("c1"), h.connect("c2")
	h.join(t, c1, "p1", 1500)
	h.join(t, c2, "p2", 1550)
	env, ok := c1.Last(wire.TypeMatchFound)
	if !ok {
		t.Fatalf("no matchFound for p1")
	}
	return decode[wire.MatchFound](t, env).GameID, c1, c2
}

func TestScenarioAMatchFound(t *testing.T) {
	h := newTestHub(t)
	gameID, c1, c2 := h.matched(t)

	m1 := decode[wire.MatchFound](t, c1.OfType(wire.TypeMatchFound)[0])
	env, ok := c2.Last(wire.TypeMatchFound)
	if !ok {
		t.Fatalf("no matchFound for p2")
	}
	m2 := decode[wire.MatchFound](t, env)
	if m1.GameID != gameID || m2.GameID != gameID {
		t.Fatalf("game ids differ: %d / %d", m1.GameID, m2.GameID)
	}
	if m1.Colour != domain.White || m2.Colour != domain.Black {
		t.Fatalf("colours = %s/%s, want first queued as white", m1.Colour, m2.Colour)
	}
	if m1.InitialFEN != rules.StartFEN || m1.Opponent.ID != "p2" || m2.Opponent.ID != "p1" {
		t.Fatalf("unexpected matchFound %+v / %+v", m1, m2)
	}
	if m1.YourID != "p1" || m2.YourID != "p2" {
		t.Fatalf("yourId not set: %q %q", m1.YourID, m2.YourID)
	}
	if h.Engine().Queued("p1") || h.Engine().Queued("p2") {
		t.Fatalf("matched players must leave the queue")
	}
	gid, ok, err := h.store.PlayerGame(context.Background(), "p1")
	if err != nil || !ok || gid != gameID {
		t.Fatalf("store binding = %d %v %v", gid, ok, err)
	}
}

func TestScenarioBWidening(t *testing.T) {
	h := newTestHub(t)
	c3, c4 := h.connect("c3"), h.connect("c4")
	h.join(t, c3, "p3", 900)
	h.join(t, c4, "p4", 1500)
	if _, ok := c3.Last(wire.TypeMatchFound); ok {
		t.Fatalf("tiers must not widen before the wait threshold")
	}

	h.clock.Advance(6 * time.Second)
	if n := h.MatchNow(context.Background()); n != 1 {
		t.Fatalf("MatchNow = %d, want 1", n)
	}
	env, ok := c3.Last(wire.TypeMatchFound)
	if !ok {
		t.Fatalf("p3 not matched after widening")
	}
	if m := decode[wire.MatchFound](t, env); m.Opponent.ID != "p4" || m.Colour != domain.White {
		t.Fatalf("unexpected widening match %+v", m)
	}
}

func TestScenarioCPauseAndRejoin(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	gameID, c1, c2 := h.matched(t)
	c2.Reset()

	h.OnClose(ctx, c1, transport.StatusGoingAway, "")
	env, ok := c2.Last(wire.TypePause)
	if !ok {
		t.Fatalf("black seat not told about the pause")
	}
	p := decode[wire.Pause](t, env)
	if p.DisconnectedPlayerID != "p1" || p.ResumeDeadlineMillis != h.clock.Now().Add(testGrace).UnixMilli() {
		t.Fatalf("unexpected pause %+v", p)
	}

	h.clock.Advance(3 * time.Second)
	back := h.connect("c1b")
	h.join(t, back, "p1", 1500)
	env, ok = back.Last(wire.TypeResumeOK)
	if !ok {
		t.Fatalf("no resumeOk: %+v", back.Sent())
	}
	r := decode[wire.ResumeOK](t, env)
	if r.GameID != gameID || r.YourColour != domain.White || r.FEN != rules.StartFEN || r.Opponent.ID != "p2" {
		t.Fatalf("unexpected resumeOk %+v", r)
	}
	if len(c2.OfType(wire.TypeOpponentReconnected)) != 1 {
		t.Fatalf("black must get exactly one opponentReconnected")
	}
	s, _ := h.Registry().Session(gameID)
	if v := s.View(); v.Pause != nil || v.Seats[0] != "c1b" {
		t.Fatalf("game not active again: %+v", v)
	}

	// 중복 재접속은 기록을 다시 만들지 않는다
	dup := h.connect("c1c")
	h.join(t, dup, "p1", 1500)
	if e := lastError(t, dup); e.Code != wire.CodeResumeDenied {
		t.Fatalf("duplicate rejoin code = %s", e.Code)
	}
	if len(c2.OfType(wire.TypeOpponentReconnected)) != 1 {
		t.Fatalf("duplicate rejoin produced another notification")
	}
	if v := s.View(); v.Pause != nil || v.Seats[0] != "c1b" {
		t.Fatalf("duplicate rejoin mutated the game: %+v", v)
	}
}

func TestScenarioDAbandonAfterDeadline(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	gameID, c1, c2 := h.matched(t)

	h.OnClose(ctx, c1, transport.StatusGoingAway, "")
	h.clock.Advance(testGrace + time.Second)
	h.Monitor().Tick(ctx, h.clock.Now())

	env, ok := c2.Last(wire.TypeGameOver)
	if !ok {
		t.Fatalf("no gameOver after deadline")
	}
	g := decode[wire.GameOver](t, env)
	if g.Result != domain.BlackWin || g.Reason != domain.ReasonAbandon || g.WinnerID == nil || *g.WinnerID != "p2" {
		t.Fatalf("unexpected gameOver %+v", g)
	}
	if _, ok := h.Registry().Session(gameID); ok {
		t.Fatalf("finished game still routed")
	}
	st, err := h.store.State(ctx, gameID)
	if err != nil || st.Status != domain.StatusFinished {
		t.Fatalf("store state = %+v (%v)", st, err)
	}

	late := h.connect("c1late")
	h.OnMessage(ctx, late, frame(t, wire.TypeResume, wire.Resume{GameID: gameID, PlayerID: "p1"}))
	if e := lastError(t, late); e.Code != wire.CodeResumeDenied {
		t.Fatalf("late resume code = %s", e.Code)
	}
}

func TestScenarioEHeartbeatEviction(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	_, c1, c2 := h.matched(t)

	h.clock.Advance(31 * time.Second)
	h.OnMessage(ctx, c1, frame(t, wire.TypeHeartbeatAck, wire.HeartbeatAck{TS: h.clock.Now().UnixMilli()}))
	probed, evicted := h.Monitor().Tick(ctx, h.clock.Now())
	if probed != 1 || evicted != 1 {
		t.Fatalf("Tick = %d/%d, want 1/1", probed, evicted)
	}
	if closed, code := c2.Closed(); !closed || code != transport.StatusHeartbeatTimeout {
		t.Fatalf("silent conn not closed with 4002")
	}
	env, ok := c1.Last(wire.TypePause)
	if !ok {
		t.Fatalf("eviction did not pause the game")
	}
	if p := decode[wire.Pause](t, env); p.DisconnectedPlayerID != "p2" {
		t.Fatalf("unexpected pause %+v", p)
	}
	if h.Registry().IsOpen(c2.ID()) {
		t.Fatalf("evicted conn still registered")
	}
}

func TestMoveRoutingAndErrors(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	gameID, c1, c2 := h.matched(t)

	move := func(c *transporttest.Conn, pid string, gid int64, uci string) {
		h.OnMessage(ctx, c, frame(t, wire.TypeMove, wire.Move{GameID: gid, PlayerID: pid, UCI: uci}))
	}

	move(c2, "p2", gameID, "e7e5")
	if e := lastError(t, c2); e.Code != wire.CodeNotYourTurn {
		t.Fatalf("code = %s, want notYourTurn", e.Code)
	}
	move(c1, "p1", gameID+7, "e2e4")
	if e := lastError(t, c1); e.Code != wire.CodeWrongGameID {
		t.Fatalf("code = %s, want wrongGameId", e.Code)
	}
	move(c1, "p2", gameID, "e2e4")
	if e := lastError(t, c1); e.Code != wire.CodePlayerIDMismatch {
		t.Fatalf("code = %s, want playerIdMismatch", e.Code)
	}
	move(c1, "p1", gameID, "e2e5")
	if e := lastError(t, c1); e.Code != wire.CodeIllegalMove {
		t.Fatalf("code = %s, want illegalMove", e.Code)
	}
	stranger := h.connect("stranger")
	move(stranger, "", gameID, "e2e4")
	if e := lastError(t, stranger); e.Code != wire.CodeNotInGame {
		t.Fatalf("code = %s, want notInGame", e.Code)
	}

	move(c1, "p1", gameID, "e2e4")
	for _, c := range []*transporttest.Conn{c1, c2} {
		env, ok := c.Last(wire.TypeMove)
		if !ok {
			t.Fatalf("%s: move not broadcast", c.ID())
		}
		if m := decode[wire.MoveBroadcast](t, env); m.UCI != "e2e4" || m.ToPlay != domain.Black {
			t.Fatalf("unexpected broadcast %+v", m)
		}
	}

	h.OnClose(ctx, c2, transport.StatusGoingAway, "")
	move(c1, "p1", gameID, "d2d4")
	if e := lastError(t, c1); e.Code != wire.CodeGamePaused {
		t.Fatalf("code = %s, want gamePaused", e.Code)
	}
}

func TestCheckmateEndsGameOnce(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	gameID, c1, c2 := h.matched(t)

	seq := []struct {
		c   *transporttest.Conn
		pid string
		uci string
	}{
		{c1, "p1", "f2f3"}, {c2, "p2", "e7e5"}, {c1, "p1", "g2g4"}, {c2, "p2", "d8h4"},
	}
	for _, m := range seq {
		h.OnMessage(ctx, m.c, frame(t, wire.TypeMove, wire.Move{GameID: gameID, PlayerID: m.pid, UCI: m.uci}))
	}
	for _, c := range []*transporttest.Conn{c1, c2} {
		overs := c.OfType(wire.TypeGameOver)
		if len(overs) != 1 {
			t.Fatalf("%s: %d gameOver frames", c.ID(), len(overs))
		}
		g := decode[wire.GameOver](t, overs[0])
		if g.Result != domain.BlackWin || g.Reason != domain.ReasonCheckmate {
			t.Fatalf("unexpected gameOver %+v", g)
		}
	}
	if h.Registry().GameCount() != 0 {
		t.Fatalf("finished game still registered")
	}

	h.OnMessage(ctx, c1, frame(t, wire.TypeMove, wire.Move{GameID: gameID, PlayerID: "p1", UCI: "e2e4"}))
	if e := lastError(t, c1); e.Code != wire.CodeGameAlreadyEnded {
		t.Fatalf("code = %s, want gameAlreadyEnded", e.Code)
	}
	h.OnMessage(ctx, c2, frame(t, wire.TypeResign, wire.Resign{GameID: gameID, PlayerID: "p2"}))
	if e := lastError(t, c2); e.Code != wire.CodeGameAlreadyEnded {
		t.Fatalf("resign code = %s, want gameAlreadyEnded", e.Code)
	}
	if len(c1.OfType(wire.TypeGameOver)) != 1 {
		t.Fatalf("late resign produced another gameOver")
	}
}

func TestResign(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	gameID, c1, c2 := h.matched(t)

	h.OnMessage(ctx, c1, frame(t, wire.TypeResign, wire.Resign{GameID: gameID, PlayerID: "p1"}))
	env, ok := c2.Last(wire.TypeGameOver)
	if !ok {
		t.Fatalf("no gameOver after resign")
	}
	if g := decode[wire.GameOver](t, env); g.Reason != domain.ReasonResign || g.WinnerID == nil || *g.WinnerID != "p2" {
		t.Fatalf("unexpected gameOver %+v", g)
	}

	// 바인딩은 종료 후에도 남는다
	if gid, ok, err := h.store.PlayerGame(ctx, "p1"); err != nil || !ok || gid != gameID {
		t.Fatalf("binding after resign = %d %v %v, want %d", gid, ok, err, gameID)
	}

	// 대국이 끝나면 다시 대기열에 들어갈 수 있다
	h.join(t, c1, "p1", 1500)
	if !h.Engine().Queued("p1") {
		t.Fatalf("player not requeued after game end")
	}
}

func TestJoinBoundToRemoteGameIsDenied(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	err := h.store.InitGame(ctx, statestore.InitParams{
		GameID: 999, NodeID: "node-other", WhiteID: "x", BlackID: "z", FEN: rules.StartFEN, Now: h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("InitGame: %v", err)
	}

	cx, cy := h.connect("cx"), h.connect("cy")
	h.join(t, cx, "x", 1500)
	h.join(t, cy, "y", 1500)
	e := lastError(t, cx)
	if e.Code != wire.CodeResumeDenied || !strings.Contains(e.Message, "999") {
		t.Fatalf("join of remotely bound player = %+v", e)
	}
	if h.Engine().Queued("x") {
		t.Fatalf("remotely bound player must not be queued")
	}
	if _, ok := h.Registry().PlayerOf("cx"); ok {
		t.Fatalf("remotely bound player must not be bound to the connection")
	}
	for i := 0; i < 3; i++ {
		h.MatchNow(ctx)
	}
	if _, ok := cy.Last(wire.TypeMatchFound); ok || !h.Engine().Queued("y") {
		t.Fatalf("y must keep waiting for a real opponent")
	}

	cw := h.connect("cw")
	h.join(t, cw, "w", 1520)
	env, ok := cy.Last(wire.TypeMatchFound)
	if !ok {
		t.Fatalf("y not matched with w")
	}
	// 실패한 생성으로 id가 소모되지 않았다
	if m := decode[wire.MatchFound](t, env); m.GameID != 1 || m.Opponent.ID != "w" {
		t.Fatalf("unexpected matchFound %+v", m)
	}

	// 원격 대국이 끝나면 다시 참가할 수 있다
	if err := h.store.FinalizeGame(ctx, statestore.FinalizeParams{GameID: 999, NodeID: "node-other", Result: domain.Draw, Reason: domain.ReasonAbandon, Now: h.clock.Now()}); err != nil {
		t.Fatalf("FinalizeGame: %v", err)
	}
	h.join(t, cx, "x", 1500)
	if !h.Engine().Queued("x") {
		t.Fatalf("x not queued after the remote game ended")
	}
}

func TestReapOrphans(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	gameID, _, _ := h.matched(t)
	for _, p := range []statestore.InitParams{
		{GameID: 500, NodeID: "node-hub", WhiteID: "o1", BlackID: "o2"},
		{GameID: 501, NodeID: "node-other", WhiteID: "o3", BlackID: "o4"},
	} {
		p.FEN, p.Now = rules.StartFEN, h.clock.Now()
		if err := h.store.InitGame(ctx, p); err != nil {
			t.Fatalf("InitGame %d: %v", p.GameID, err)
		}
	}

	n, err := h.ReapOrphans(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReapOrphans = %d, %v, want 1", n, err)
	}
	st, _ := h.store.State(ctx, 500)
	if st.Status != domain.StatusFinished || st.Result != domain.Draw || st.Reason != domain.ReasonAbandon {
		t.Fatalf("orphan not finished: %+v", st)
	}
	if st, _ := h.store.State(ctx, 501); st.Status == domain.StatusFinished {
		t.Fatalf("game of another node must be left alone")
	}
	if st, _ := h.store.State(ctx, gameID); st.Status == domain.StatusFinished {
		t.Fatalf("live local game must be left alone")
	}
	games, _ := h.store.NodeGames(ctx, "node-hub")
	if len(games) != 1 || games[0] != gameID {
		t.Fatalf("node games after reap = %v", games)
	}
	if n, _ := h.ReapOrphans(ctx); n != 0 {
		t.Fatalf("second reap ended %d games", n)
	}
}

func TestJoinIdentityRules(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	a := h.connect("a")
	h.join(t, a, "p1", 1200)
	h.join(t, a, "p9", 1200)
	if e := lastError(t, a); e.Code != wire.CodePlayerIDMismatch {
		t.Fatalf("code = %s, want playerIdMismatch", e.Code)
	}

	b := h.connect("b")
	h.join(t, b, "p1", 1200)
	if closed, code := a.Closed(); !closed || code != transport.StatusDisplaced {
		t.Fatalf("old connection not displaced")
	}
	h.OnClose(ctx, a, transport.StatusDisplaced, "displaced")
	if !h.Engine().Queued("p1") {
		t.Fatalf("closing the displaced connection dequeued the player")
	}
	if c, ok := h.Registry().ConnOf("p1"); !ok || c.ID() != "b" {
		t.Fatalf("player not bound to the new connection")
	}

	h.OnClose(ctx, b, transport.StatusGoingAway, "")
	h.OnClose(ctx, b, transport.StatusGoingAway, "")
	if h.Engine().Queued("p1") {
		t.Fatalf("queued player must be removed when its connection closes")
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	h := newTestHub(t)
	c := h.connect("c")
	for _, raw := range []string{`not json`, `{"payload":{}}`, `{"type":"join"}`, `{"type":"dance","payload":{}}`} {
		h.OnMessage(context.Background(), c, []byte(raw))
	}
	if len(c.Sent()) != 0 {
		t.Fatalf("protocol errors must not be answered: %+v", c.Sent())
	}
	if closed, _ := c.Closed(); closed {
		t.Fatalf("protocol errors must not close the connection")
	}
}

func TestDepartedPlayerIsNotMatched(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	c1 := h.connect("c1")
	h.join(t, c1, "p1", 1500)
	// 대기 중 연결이 끊기면 대기열에서 빠진다
	h.OnClose(ctx, c1, transport.StatusGoingAway, "")
	c2 := h.connect("c2")
	h.join(t, c2, "p2", 1500)
	if _, ok := c2.Last(wire.TypeMatchFound); ok {
		t.Fatalf("departed player must not be matched")
	}
	if !h.Engine().Queued("p2") {
		t.Fatalf("p2 should still be waiting")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
