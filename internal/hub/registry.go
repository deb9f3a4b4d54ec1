package hub

import (
	"sync"

	"github.com/park285/pvp-chess-server/internal/pvpchess"
	"github.com/park285/pvp-chess-server/internal/transport"
)

// index is one RW-locked map. Each registry map has its own lock so that
// unrelated games never contend on a single mutex.
type index[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func newIndex[K comparable, V any]() *index[K, V] {
	return &index[K, V]{m: make(map[K]V)}
}

func (ix *index[K, V]) get(k K) (V, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	v, ok := ix.m[k]
	return v, ok
}

func (ix *index[K, V]) set(k K, v V) (prev V, had bool) {
	ix.mu.Lock()
	prev, had = ix.m[k]
	ix.m[k] = v
	ix.mu.Unlock()
	return prev, had
}

func (ix *index[K, V]) take(k K) (V, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	v, ok := ix.m[k]
	if ok {
		delete(ix.m, k)
	}
	return v, ok
}

// deleteIf removes k only while match holds for its current value.
func (ix *index[K, V]) deleteIf(k K, match func(V) bool) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	v, ok := ix.m[k]
	if !ok || !match(v) {
		return false
	}
	delete(ix.m, k)
	return true
}

func (ix *index[K, V]) deleteWhere(match func(K, V) bool) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for k, v := range ix.m {
		if match(k, v) {
			delete(ix.m, k)
			n++
		}
	}
	return n
}

func (ix *index[K, V]) values() []V {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]V, 0, len(ix.m))
	for _, v := range ix.m {
		out = append(out, v)
	}
	return out
}

func (ix *index[K, V]) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.m)
}

// Registry owns the connection↔player↔game indexes.
//
// Lock order: a session lock may be held while calling into the registry,
// never the reverse.
type Registry struct {
	conns      *index[string, transport.Conn]
	connPlayer *index[string, string]
	playerConn *index[string, transport.Conn]
	connGame   *index[string, int64]
	playerGame *index[string, int64]
	games      *index[int64, *pvpchess.Session]
}

func NewRegistry() *Registry {
	return &Registry{
		conns:      newIndex[string, transport.Conn](),
		connPlayer: newIndex[string, string](),
		playerConn: newIndex[string, transport.Conn](),
		connGame:   newIndex[string, int64](),
		playerGame: newIndex[string, int64](),
		games:      newIndex[int64, *pvpchess.Session](),
	}
}

// Dropped describes what a closing connection was bound to.
type Dropped struct {
	PlayerID string
	GameID   int64
	// Rebound is true when the player is already served by another connection.
	Rebound bool
}

func (r *Registry) Open(c transport.Conn) { r.conns.set(c.ID(), c) }

// IsOpen reports whether connID is registered and not yet closed.
func (r *Registry) IsOpen(connID string) bool {
	_, ok := r.conns.get(connID)
	return ok
}

func (r *Registry) OpenConns() []transport.Conn { return r.conns.values() }

// Drop unregisters connID. ok is false when it was already dropped.
func (r *Registry) Drop(connID string) (d Dropped, ok bool) {
	if _, ok = r.conns.take(connID); !ok {
		return Dropped{}, false
	}
	d.GameID, _ = r.connGame.take(connID)
	pid, bound := r.connPlayer.take(connID)
	if !bound {
		return d, true
	}
	d.PlayerID = pid
	r.playerConn.deleteIf(pid, func(c transport.Conn) bool { return c.ID() == connID })
	_, d.Rebound = r.playerConn.get(pid)
	if d.GameID == 0 {
		d.GameID, _ = r.playerGame.get(pid)
	}
	return d, true
}

// BindPlayer makes c the connection of playerID and returns the connection it
// displaced, if any.
func (r *Registry) BindPlayer(playerID string, c transport.Conn) transport.Conn {
	prev, had := r.playerConn.set(playerID, c)
	r.connPlayer.set(c.ID(), playerID)
	if !had || prev.ID() == c.ID() {
		return nil
	}
	r.connPlayer.deleteIf(prev.ID(), func(p string) bool { return p == playerID })
	return prev
}

func (r *Registry) PlayerOf(connID string) (string, bool) { return r.connPlayer.get(connID) }

func (r *Registry) ConnOf(playerID string) (transport.Conn, bool) { return r.playerConn.get(playerID) }

// GameOf returns the live session playerID is seated in.
func (r *Registry) GameOf(playerID string) (*pvpchess.Session, bool) {
	id, ok := r.playerGame.get(playerID)
	if !ok {
		return nil, false
	}
	return r.games.get(id)
}

func (r *Registry) AddGame(s *pvpchess.Session) {
	r.games.set(s.ID, s)
	for _, p := range s.Players {
		r.playerGame.set(p.ID, s.ID)
	}
}

func (r *Registry) Session(gameID int64) (*pvpchess.Session, bool) { return r.games.get(gameID) }

func (r *Registry) Sessions() []*pvpchess.Session { return r.games.values() }

func (r *Registry) GameCount() int { return r.games.len() }

// BindSeat implements pvpchess.Routes.
func (r *Registry) BindSeat(s *pvpchess.Session, playerID string, c transport.Conn) {
	r.playerConn.set(playerID, c)
	r.connPlayer.set(c.ID(), playerID)
	r.connGame.set(c.ID(), s.ID)
	r.playerGame.set(playerID, s.ID)
}

// UnbindConn implements pvpchess.Routes. The player keeps its game binding
// so that it can come back.
func (r *Registry) UnbindConn(s *pvpchess.Session, connID, playerID string) {
	r.connGame.deleteIf(connID, func(id int64) bool { return id == s.ID })
	r.connPlayer.deleteIf(connID, func(p string) bool { return p == playerID })
	r.playerConn.deleteIf(playerID, func(c transport.Conn) bool { return c.ID() == connID })
}

// DetachGame implements pvpchess.Routes.
func (r *Registry) DetachGame(s *pvpchess.Session) {
	r.games.deleteIf(s.ID, func(cur *pvpchess.Session) bool { return cur == s })
	for _, p := range s.Players {
		r.playerGame.deleteIf(p.ID, func(id int64) bool { return id == s.ID })
	}
	r.connGame.deleteWhere(func(_ string, id int64) bool { return id == s.ID })
}
