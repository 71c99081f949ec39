package detect

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
)

// TriggerChecker decides whether a run of anomaly points is sustained
// enough to fire. Anomaly timestamps land in a sorted set per detected
// series and severity; the set is trimmed to the check window and the
// survivor count compared against the configured threshold.
type TriggerChecker struct {
	redis *redis.Client
}

// NewTriggerChecker creates a checker over the shared k/v store.
func NewTriggerChecker(rdb *redis.Client) *TriggerChecker {
	return &TriggerChecker{redis: rdb}
}

// Record adds an anomaly timestamp and reports whether the trigger
// condition holds: at least trigger.Count anomalies within the last
// trigger.CheckWindow aligned buckets.
func (c *TriggerChecker) Record(
	ctx context.Context,
	strategyID, itemID int64,
	level int,
	seriesKey string,
	ts, interval int64,
	trigger models.TriggerConfig,
) (bool, error) {
	count := trigger.Count
	if count <= 0 {
		count = 1
	}
	window := int64(trigger.CheckWindow)
	if window <= 0 {
		window = 1
	}
	windowStart := ts - window*interval

	key := redisx.TriggerKey(strategyID, itemID, level, seriesKey)
	member := strconv.FormatInt(ts, 10)

	pipe := c.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", windowStart))
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, time.Duration(2*window*interval)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("recording trigger window: %w", err)
	}
	return card.Val() >= int64(count), nil
}
