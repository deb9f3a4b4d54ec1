// Package matchmaking pairs waiting players from rating-bucketed FIFO queues.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pvp-chess-server/internal/domain"
	"github.com/park285/pvp-chess-server/internal/pvpchess"
)

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Tiers lists the buckets in pass order.
var Tiers = []Tier{TierLow, TierMedium, TierHigh}

var ErrInvalidRating = errors.New("rating must be non-negative")

const (
	DefaultLowMax     = 1000
	DefaultHighMin    = 2000
	DefaultWidenAfter = 5 * time.Second
)

type Config struct {
	LowMax     int
	HighMin    int
	WidenAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.LowMax <= 0 {
		c.LowMax = DefaultLowMax
	}
	if c.HighMin <= c.LowMax {
		c.HighMin = DefaultHighMin
	}
	if c.WidenAfter <= 0 {
		c.WidenAfter = DefaultWidenAfter
	}
	return c
}

// TierOf buckets a rating.
func (c Config) TierOf(rating int) Tier {
	switch {
	case rating < c.LowMax:
		return TierLow
	case rating >= c.HighMin:
		return TierHigh
	default:
		return TierMedium
	}
}

// Creator builds a game session for two matched players. White is the first argument.
type Creator interface {
	Create(ctx context.Context, white, black domain.Player) (*pvpchess.Session, error)
}

// Match is the result of one pairing attempt within a pass.
type Match struct {
	White   domain.Player
	Black   domain.Player
	Session *pvpchess.Session
	Err     error
}

type entry struct {
	player     domain.Player
	enqueuedAt time.Time
}

// Engine owns the queues. Queue state is guarded by mu; passes are serialized
// by matchMu and never wait for one another.
type Engine struct {
	cfg     Config
	creator Creator
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	queues    map[Tier][]entry
	index     map[string]Tier
	inflight  map[string]struct{}
	cancelled map[string]struct{}

	matchMu sync.Mutex
}

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg Config, creator Creator, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		creator:   creator,
		logger:    logger,
		now:       time.Now,
		queues:    make(map[Tier][]entry, len(Tiers)),
		index:     make(map[string]Tier),
		inflight:  make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enqueue appends p to its tier. Re-enqueueing a queued or in-flight player is a no-op.
func (e *Engine) Enqueue(p domain.Player) error {
	if p.Rating < 0 {
		return fmt.Errorf("enqueue %s: %w", p.ID, ErrInvalidRating)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.index[p.ID]; ok {
		return nil
	}
	if _, ok := e.inflight[p.ID]; ok {
		// 다시 들어온 플레이어는 취소 표시를 해제한다
		delete(e.cancelled, p.ID)
		return nil
	}
	tier := e.cfg.TierOf(p.Rating)
	e.queues[tier] = append(e.queues[tier], entry{player: p, enqueuedAt: e.now()})
	e.index[p.ID] = tier
	e.logger.Debug("match_enqueue", zap.String("player_id", p.ID), zap.Int("rating", p.Rating), zap.String("tier", string(tier)))
	return nil
}

// Dequeue removes a player from whichever tier holds it. A player already
// popped by a running pass is marked cancelled instead. Idempotent.
func (e *Engine) Dequeue(playerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[playerID]; ok {
		e.cancelled[playerID] = struct{}{}
		return true
	}
	tier, ok := e.index[playerID]
	if !ok {
		return false
	}
	q := e.queues[tier]
	for i := range q {
		if q[i].player.ID == playerID {
			e.queues[tier] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	delete(e.index, playerID)
	e.logger.Debug("match_dequeue", zap.String("player_id", playerID), zap.String("tier", string(tier)))
	return true
}

// Queued reports whether the player currently waits in a queue.
func (e *Engine) Queued(playerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.index[playerID]
	return ok
}

// Snapshot returns the current queue sizes.
func (e *Engine) Snapshot() map[Tier]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Tier]int, len(Tiers))
	for _, t := range Tiers {
		out[t] = len(e.queues[t])
	}
	return out
}

// AttemptMatch runs one pass over all tiers. If a pass is already running it
// returns nil immediately. Players of a failed creation go back to their tiers
// only when the pass is over, so a pass never sees them twice.
func (e *Engine) AttemptMatch(ctx context.Context) []Match {
	if !e.matchMu.TryLock() {
		return nil
	}
	defer e.matchMu.Unlock()

	var (
		out    []Match
		failed []entry
	)
	defer func() { e.requeue(failed) }()

	for _, tier := range Tiers {
		e.mu.Lock()
		budget := len(e.queues[tier])
		e.mu.Unlock()

		// budget은 이 tier에서 꺼낸 플레이어 수로 센다
		for taken := 0; taken < budget; {
			if ctx.Err() != nil {
				return out
			}
			white, black, ok := e.pick(tier)
			if !ok {
				break
			}
			for _, p := range []entry{white, black} {
				if e.cfg.TierOf(p.player.Rating) == tier {
					taken++
				}
			}
			m := e.create(ctx, white, black)
			if m.Err != nil {
				failed = append(failed, white, black)
			}
			out = append(out, m)
		}
	}
	return out
}

// requeue releases the in-flight marks of failed pairings and appends the
// players that were not dequeued meanwhile to the back of their tiers.
func (e *Engine) requeue(failed []entry) {
	if len(failed) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range failed {
		id := p.player.ID
		delete(e.inflight, id)
		_, wasCancelled := e.cancelled[id]
		delete(e.cancelled, id)
		if wasCancelled {
			continue
		}
		tier := e.cfg.TierOf(p.player.Rating)
		e.queues[tier] = append(e.queues[tier], p)
		e.index[id] = tier
	}
}

// pick pops the next pair for tier. A lone head is widened to a neighbour
// tier once it has waited long enough; otherwise it stays where it is.
func (e *Engine) pick(tier Tier) (white, black entry, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queues[tier]
	switch {
	case len(q) >= 2:
		white, black = q[0], q[1]
		e.queues[tier] = q[2:]
	case len(q) == 1:
		head := q[0]
		if e.now().Sub(head.enqueuedAt) <= e.cfg.WidenAfter {
			return entry{}, entry{}, false
		}
		nb, found := e.popNeighbour(tier)
		if !found {
			return entry{}, entry{}, false
		}
		white, black = head, nb
		e.queues[tier] = q[1:]
	default:
		return entry{}, entry{}, false
	}

	for _, p := range []entry{white, black} {
		delete(e.index, p.player.ID)
		e.inflight[p.player.ID] = struct{}{}
	}
	return white, black, true
}

// popNeighbour takes the head of the lower tier, falling back to the upper one.
// Caller holds mu.
func (e *Engine) popNeighbour(tier Tier) (entry, bool) {
	for _, nb := range neighbours(tier) {
		q := e.queues[nb]
		if len(q) == 0 {
			continue
		}
		head := q[0]
		e.queues[nb] = q[1:]
		return head, true
	}
	return entry{}, false
}

func neighbours(t Tier) []Tier {
	switch t {
	case TierLow:
		return []Tier{TierMedium}
	case TierMedium:
		return []Tier{TierLow, TierHigh}
	case TierHigh:
		return []Tier{TierMedium}
	default:
		return nil
	}
}

// create builds the session. On failure the players stay in flight; the pass
// hands them to requeue when it is over.
func (e *Engine) create(ctx context.Context, white, black entry) Match {
	m := Match{White: white.player, Black: black.player}
	sess, err := e.creator.Create(ctx, white.player, black.player)
	if err != nil {
		e.logger.Warn("match_create_failed",
			zap.String("white_id", white.player.ID),
			zap.String("black_id", black.player.ID),
			zap.Error(err),
		)
		m.Err = err
		return m
	}

	e.mu.Lock()
	for _, p := range []entry{white, black} {
		delete(e.inflight, p.player.ID)
		delete(e.cancelled, p.player.ID)
	}
	e.mu.Unlock()

	e.logger.Info("match_found",
		zap.Int64("game_id", sess.ID),
		zap.String("white_id", white.player.ID),
		zap.String("black_id", black.player.ID),
	)
	m.Session = sess
	return m
}
