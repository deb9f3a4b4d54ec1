// Package heartbeat probes open connections, evicts silent ones and drives
// the pause sweep.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/wire"
)

const (
	DefaultInitialDelay = 2 * time.Second
	DefaultInterval     = 10 * time.Second
	DefaultTimeout      = 30 * time.Second

	// sendParallelism bounds concurrent heartbeat sends per tick.
	sendParallelism = 64
)

type Config struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
	SendTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = c.Interval / 2
	}
	return c
}

// Liveness reports whether a connection is still registered.
type Liveness interface {
	IsOpen(connID string) bool
}

// Sweeper ends games whose pause deadline passed.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) int
}

// EvictFunc closes a timed-out connection and runs its close path.
type EvictFunc func(ctx context.Context, c transport.Conn)

type record struct {
	conn     transport.Conn
	lastSent time.Time
	lastAck  time.Time
	rtt      time.Duration
}

// Monitor keeps one record per open connection.
type Monitor struct {
	cfg     Config
	live    Liveness
	sweeper Sweeper
	evict   EvictFunc
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

func NewMonitor(cfg Config, live Liveness, sweeper Sweeper, evict EvictFunc, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		live:    live,
		sweeper: sweeper,
		evict:   evict,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// SetClock overrides time.Now.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Track seeds a record for c with lastSent and lastAck set to now.
func (m *Monitor) Track(c transport.Conn) {
	now := m.now()
	m.mu.Lock()
	m.records[c.ID()] = &record{conn: c, lastSent: now, lastAck: now}
	m.mu.Unlock()
}

func (m *Monitor) Untrack(connID string) {
	m.mu.Lock()
	delete(m.records, connID)
	m.mu.Unlock()
}

// Ack records a heartbeat reply. ts is the echoed server timestamp in milliseconds.
func (m *Monitor) Ack(connID string, ts int64) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[connID]
	if !ok {
		return false
	}
	r.lastAck = now
	if ts > 0 {
		if rtt := now.Sub(time.UnixMilli(ts)); rtt >= 0 {
			r.rtt = rtt
		}
	}
	return true
}

// RTT returns the last measured round-trip time.
func (m *Monitor) RTT(connID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[connID]
	if !ok {
		return 0, false
	}
	return r.rtt, true
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Tick runs one probe round. Bookkeeping happens under the mutex; evictions,
// the pause sweep and then the heartbeat sends run after it is released. They are
// sent concurrently so a stuck peer costs at most one SendTimeout.
func (m *Monitor) Tick(ctx context.Context, now time.Time) (probed, evicted int) {
	var live, dead []transport.Conn
	m.mu.Lock()
	for id, r := range m.records {
		if m.live != nil && !m.live.IsOpen(id) {
			delete(m.records, id)
			continue
		}
		if now.Sub(r.lastAck) > m.cfg.Timeout {
			delete(m.records, id)
			dead = append(dead, r.conn)
			continue
		}
		r.lastSent = now
		live = append(live, r.conn)
	}
	m.mu.Unlock()

	for _, c := range dead {
		m.logger.Info("heartbeat_evict", zap.String("conn_id", c.ID()), zap.Duration("timeout", m.cfg.Timeout))
		if m.evict != nil {
			m.evict(ctx, c)
		}
	}
	if m.sweeper != nil {
		if n := m.sweeper.SweepExpired(ctx, now); n > 0 {
			m.logger.Info("pause_sweep", zap.Int("finished", n))
		}
	}

	env := wire.Must(wire.TypeHeartbeat, wire.Heartbeat{TS: now.UnixMilli()})
	var g errgroup.Group
	g.SetLimit(sendParallelism)
	for _, c := range live {
		g.Go(func() error {
			// 실패해도 재시도하지 않는다. 다음 tick이 다시 보낸다
			if err := transport.SendTimeout(ctx, c, env, m.cfg.SendTimeout); err != nil {
				m.logger.Debug("heartbeat_send_failed", zap.String("conn_id", c.ID()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(live), len(dead)
}

// Run waits InitialDelay then ticks every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(m.cfg.InitialDelay):
	}
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		m.Tick(ctx, m.now())
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
