package statestore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KEYS: state, moves, node, players, node games, then player binding keys.
// ARGV[1]: game id.
var rollbackScript = redis.NewScript(`
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
redis.call('SREM', KEYS[5], ARGV[1])
local released = 0
for i = 6, #KEYS do
  if redis.call('GET', KEYS[i]) == ARGV[1] then
    redis.call('DEL', KEYS[i])
    released = released + 1
  end
end
return released
`)

// KEYS: player binding keys. ARGV[1]: game id.
var releaseScript = redis.NewScript(`
local released = 0
for i = 1, #KEYS do
  if redis.call('GET', KEYS[i]) == ARGV[1] then
    redis.call('DEL', KEYS[i])
    released = released + 1
  end
end
return released
`)

// RollbackGame removes every key a failed InitGame may have written. Player
// bindings are only removed while they still point at this game.
func (s *Store) RollbackGame(ctx context.Context, gameID int64, nodeID string, playerIDs ...string) error {
	keys := []string{
		stateKey(gameID),
		movesKey(gameID),
		nodeKey(gameID),
		playersKey(gameID),
		nodeGamesKey(nodeID),
	}
	for _, pid := range playerIDs {
		keys = append(keys, playerGameKey(pid))
	}
	if err := rollbackScript.Run(ctx, s.rdb, keys, gid(gameID)).Err(); err != nil {
		return fmt.Errorf("rollback game %d: %w", gameID, err)
	}
	return nil
}

// ReleasePlayers drops player bindings that still point at gameID and reports
// how many were removed.
func (s *Store) ReleasePlayers(ctx context.Context, gameID int64, playerIDs ...string) (int64, error) {
	if len(playerIDs) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(playerIDs))
	for _, pid := range playerIDs {
		keys = append(keys, playerGameKey(pid))
	}
	n, err := releaseScript.Run(ctx, s.rdb, keys, gid(gameID)).Int64()
	if err != nil {
		return 0, fmt.Errorf("release players game %d: %w", gameID, err)
	}
	return n, nil
}
