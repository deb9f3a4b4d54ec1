// Package statestore keeps the authoritative game state in Redis: per-game
// hashes and move logs, node ownership, and player→game bindings.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/pvp-chess-server/internal/domain"
)

const (
	keyPrefix    = "pvp:"
	maxTxRetries = 3
)

var (
	ErrGameExists   = errors.New("game already exists")
	ErrPlayerBound  = errors.New("player bound to another active game")
	ErrGameNotFound = errors.New("game not found")
	ErrContention   = errors.New("state store contention")
)

// Store is the Redis-backed state adapter. It keeps no in-process state.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Open connects to REDIS_URL and verifies the connection.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for state store")
	}
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func gid(id int64) string { return strconv.FormatInt(id, 10) }

func stateKey(id int64) string { return keyPrefix + "game:" + gid(id) + ":state" }
func movesKey(id int64) string { return keyPrefix + "game:" + gid(id) + ":moves" }
func nodeKey(id int64) string { return keyPrefix + "game:" + gid(id) + ":node" }
func playersKey(id int64) string { return keyPrefix + "game:" + gid(id) + ":players" }
func nodeGamesKey(node string) string { return keyPrefix + "node:" + strings.TrimSpace(node) + ":games" }
func playerGameKey(pid string) string { return keyPrefix + "player:" + strings.TrimSpace(pid) + ":game" }
func seqKey() string { return keyPrefix + "game:seq" }

// 해시 필드
const (
	fieldFEN         = "fen"
	fieldTurn        = "turn"
	fieldStatus      = "status"
	fieldWhiteID     = "whiteId"
	fieldBlackID     = "blackId"
	fieldVersion     = "version"
	fieldCreatedAt   = "createdAt"
	fieldLastUpdated = "lastUpdated"
	fieldResult      = "result"
	fieldReason      = "reason"
	fieldWinnerID    = "winnerId"
)

func turnCode(c domain.Colour) string {
	if c == domain.Black {
		return "b"
	}
	return "w"
}

func colourOfTurn(code string) domain.Colour {
	if code == "b" {
		return domain.Black
	}
	return domain.White
}

// GameState mirrors the game:<gid>:state hash.
type GameState struct {
	GameID      int64                 `json:"gameId"`
	FEN         string                `json:"fen"`
	Turn        domain.Colour         `json:"turn"`
	Status      domain.GameStatus     `json:"status"`
	WhiteID     string                `json:"whiteId"`
	BlackID     string                `json:"blackId"`
	Version     int64                 `json:"version"`
	CreatedAt   time.Time             `json:"createdAt"`
	LastUpdated time.Time             `json:"lastUpdated"`
	Result      domain.GameResult     `json:"result,omitempty"`
	Reason      domain.GameOverReason `json:"reason,omitempty"`
	WinnerID    string                `json:"winnerId,omitempty"`
}

// NextGameID allocates a monotonically increasing game id.
func (s *Store) NextGameID(ctx context.Context) (int64, error) {
	id, err := s.rdb.Incr(ctx, seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate game id: %w", err)
	}
	return id, nil
}

type InitParams struct {
	GameID  int64
	NodeID  string
	WhiteID string
	BlackID string
	FEN     string
	Now     time.Time
}

// InitGame writes the initial state hash, node ownership and both player
// bindings in one transaction. A binding that points at a finished or missing
// game is stale and gets overwritten; a binding to a live game fails with
// ErrPlayerBound.
func (s *Store) InitGame(ctx context.Context, p InitParams) error {
	if p.WhiteID == "" || p.BlackID == "" || p.WhiteID == p.BlackID {
		return fmt.Errorf("init game %d: invalid players %q/%q", p.GameID, p.WhiteID, p.BlackID)
	}
	sk := stateKey(p.GameID)
	wk, bk := playerGameKey(p.WhiteID), playerGameKey(p.BlackID)
	id := gid(p.GameID)
	now := p.Now.UnixMilli()

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, sk).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrGameExists
		}
		for _, pid := range []string{p.WhiteID, p.BlackID} {
			if err := checkBinding(ctx, tx, pid, id); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, sk, map[string]any{
				fieldFEN:         p.FEN,
				fieldTurn:        turnCode(domain.White),
				fieldStatus:      string(domain.StatusOngoing),
				fieldWhiteID:     p.WhiteID,
				fieldBlackID:     p.BlackID,
				fieldVersion:     0,
				fieldCreatedAt:   now,
				fieldLastUpdated: now,
			})
			pipe.Set(ctx, nodeKey(p.GameID), p.NodeID, 0)
			pipe.SAdd(ctx, nodeGamesKey(p.NodeID), id)
			pipe.SAdd(ctx, playersKey(p.GameID), p.WhiteID, p.BlackID)
			pipe.Set(ctx, wk, id, 0)
			pipe.Set(ctx, bk, id, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, sk, wk, bk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("init game %d: %w", p.GameID, err)
		}
		return nil
	}
	return fmt.Errorf("init game %d: %w", p.GameID, ErrContention)
}

func checkBinding(ctx context.Context, tx *redis.Tx, playerID, id string) error {
	cur, err := tx.Get(ctx, playerGameKey(playerID)).Result()
	if errors.Is(err, redis.Nil) || cur == id {
		return nil
	}
	if err != nil {
		return err
	}
	other, perr := strconv.ParseInt(cur, 10, 64)
	if perr != nil {
		// 알 수 없는 값은 stale 취급
		return nil
	}
	ok := stateKey(other)
	if err := tx.Watch(ctx, ok).Err(); err != nil {
		return err
	}
	status, err := tx.HGet(ctx, ok, fieldStatus).Result()
	if errors.Is(err, redis.Nil) || status == string(domain.StatusFinished) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s in game %s", ErrPlayerBound, playerID, cur)
}

type CommitParams struct {
	GameID int64
	NodeID string
	UCI    string
	FEN    string
	Turn   domain.Colour
	Now    time.Time
}

// CommitMove appends a move and updates the state hash atomically. It returns
// the new version.
func (s *Store) CommitMove(ctx context.Context, p CommitParams) (int64, error) {
	var version *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		sk := stateKey(p.GameID)
		pipe.HSet(ctx, sk, fieldFEN, p.FEN, fieldTurn, turnCode(p.Turn), fieldLastUpdated, p.Now.UnixMilli())
		version = pipe.HIncrBy(ctx, sk, fieldVersion, 1)
		pipe.RPush(ctx, movesKey(p.GameID), p.UCI)
		pipe.Set(ctx, nodeKey(p.GameID), p.NodeID, 0)
		pipe.SAdd(ctx, nodeGamesKey(p.NodeID), gid(p.GameID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit move game %d: %w", p.GameID, err)
	}
	return version.Val(), nil
}

type FinalizeParams struct {
	GameID   int64
	NodeID   string
	Result   domain.GameResult
	Reason   domain.GameOverReason
	WinnerID string
	Now      time.Time
}

// FinalizeGame records the terminal result and drops node ownership. Moves and
// player bindings are left in place.
func (s *Store) FinalizeGame(ctx context.Context, p FinalizeParams) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, stateKey(p.GameID), map[string]any{
			fieldStatus:      string(domain.StatusFinished),
			fieldResult:      string(p.Result),
			fieldReason:      string(p.Reason),
			fieldWinnerID:    p.WinnerID,
			fieldLastUpdated: p.Now.UnixMilli(),
		})
		pipe.Del(ctx, nodeKey(p.GameID))
		pipe.SRem(ctx, nodeGamesKey(p.NodeID), gid(p.GameID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize game %d: %w", p.GameID, err)
	}
	return nil
}

// State reads the game hash.
func (s *Store) State(ctx context.Context, gameID int64) (*GameState, error) {
	m, err := s.rdb.HGetAll(ctx, stateKey(gameID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read state %d: %w", gameID, err)
	}
	if len(m) == 0 {
		return nil, ErrGameNotFound
	}
	st := &GameState{
		GameID:   gameID,
		FEN:      m[fieldFEN],
		Turn:     colourOfTurn(m[fieldTurn]),
		Status:   domain.GameStatus(m[fieldStatus]),
		WhiteID:  m[fieldWhiteID],
		BlackID:  m[fieldBlackID],
		Result:   domain.GameResult(m[fieldResult]),
		Reason:   domain.GameOverReason(m[fieldReason]),
		WinnerID: m[fieldWinnerID],
	}
	st.Version, _ = strconv.ParseInt(m[fieldVersion], 10, 64)
	if ms, err := strconv.ParseInt(m[fieldCreatedAt], 10, 64); err == nil {
		st.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(m[fieldLastUpdated], 10, 64); err == nil {
		st.LastUpdated = time.UnixMilli(ms)
	}
	return st, nil
}

func (s *Store) Moves(ctx context.Context, gameID int64) ([]string, error) {
	return s.rdb.LRange(ctx, movesKey(gameID), 0, -1).Result()
}

// GameNode returns the owning node, or "" when the game is not owned.
func (s *Store) GameNode(ctx context.Context, gameID int64) (string, error) {
	node, err := s.rdb.Get(ctx, nodeKey(gameID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return node, err
}

// PlayerGame returns the game a player is bound to.
func (s *Store) PlayerGame(ctx context.Context, playerID string) (int64, bool, error) {
	raw, err := s.rdb.Get(ctx, playerGameKey(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("player %s binding %q: %w", playerID, raw, err)
	}
	return id, true, nil
}

// NodeGames lists the games owned by a node.
func (s *Store) NodeGames(ctx context.Context, node string) ([]int64, error) {
	raw, err := s.rdb.SMembers(ctx, nodeGamesKey(node)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		if id, err := strconv.ParseInt(r, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}
