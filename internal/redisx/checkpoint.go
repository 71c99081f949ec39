package redisx

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// advanceScript writes the new checkpoint only if it is greater than the
// stored one, keeping checkpoints monotonic across concurrent or replayed
// runs.
const advanceScript = `
local current = redis.call('GET', KEYS[1])
if not current or tonumber(ARGV[1]) > tonumber(current) then
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
else
	return 0
end
`

// CheckpointStore persists last-read timestamps per strategy query group.
type CheckpointStore struct {
	client *redis.Client
}

// NewCheckpointStore creates a checkpoint store.
func NewCheckpointStore(client *redis.Client) *CheckpointStore {
	return &CheckpointStore{client: client}
}

// Get returns the stored checkpoint in unix seconds, or 0 when none exists.
func (s *CheckpointStore) Get(ctx context.Context, strategyID int64, groupKey string) (int64, error) {
	val, err := s.client.Get(ctx, CheckpointKey(strategyID, groupKey)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint %q: %w", val, err)
	}
	return ts, nil
}

// Advance moves the checkpoint forward to ts. A value at or below the
// stored checkpoint is ignored; returns whether the store advanced.
func (s *CheckpointStore) Advance(ctx context.Context, strategyID int64, groupKey string, ts int64) (bool, error) {
	res, err := s.client.Eval(ctx, advanceScript,
		[]string{CheckpointKey(strategyID, groupKey)}, ts).Int()
	if err != nil {
		return false, fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return res == 1, nil
}
