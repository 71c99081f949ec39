package access

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/telemetry"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/tsdb"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/metrics"
)

// Worker drives one access cycle per query group per interval. Work for a
// strategy is serialised by a k/v lock keyed on the strategy ID; everything
// else is shared-nothing.
type Worker struct {
	cfg         config.AccessConfig
	clusterName string
	catalog     *catalog.Cache
	redis       *redis.Client
	checkpoints *redisx.CheckpointStore
	querier     tsdb.Querier
	publisher   PointPublisher
	telemetry   *telemetry.Metrics
	collector   *metrics.Collector
	detectTopic string

	// nowFn allows overriding the clock in tests.
	nowFn func() time.Time
}

// NewWorker creates the access worker fleet driver.
func NewWorker(
	cfg config.AccessConfig,
	clusterName string,
	cat *catalog.Cache,
	rdb *redis.Client,
	querier tsdb.Querier,
	publisher PointPublisher,
	tel *telemetry.Metrics,
	collector *metrics.Collector,
	detectTopic string,
) *Worker {
	return &Worker{
		cfg:         cfg,
		clusterName: clusterName,
		catalog:     cat,
		redis:       rdb,
		checkpoints: redisx.NewCheckpointStore(rdb),
		querier:     querier,
		publisher:   publisher,
		telemetry:   tel,
		collector:   collector,
		detectTopic: detectTopic,
		nowFn:       time.Now,
	}
}

// Run executes access cycles until ctx is done. Cycle cadence is the
// smallest strategy interval, bounded below at 10s.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

// runCycle walks the current snapshot's query groups with a bounded worker
// pool. Each group task captures the snapshot it started with.
func (w *Worker) runCycle(ctx context.Context) {
	snap := w.catalog.Snapshot()
	if snap == nil {
		return
	}
	rt := w.catalog.Router()

	sem := make(chan struct{}, w.workers())
	for _, group := range snap.QueryGroups() {
		// Only execute work this cluster owns.
		if !rt.Match("biz", strconv.FormatInt(group.BkBizID, 10), w.clusterName) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		go func(g *catalog.QueryGroup) {
			defer func() { <-sem }()
			w.runGroup(ctx, snap, g)
		}(group)
	}
	for i := 0; i < cap(sem); i++ {
		sem <- struct{}{}
	}
}

// runGroup performs one pull for a query group.
func (w *Worker) runGroup(ctx context.Context, snap *catalog.Snapshot, group *catalog.QueryGroup) {
	start := time.Now()
	w.collector.RecordReceived()

	// Backpressure: skip the cycle when the detect queue is past the high
	// watermark. The checkpoint stays put, so nothing is lost.
	if w.detectBacklog(ctx) > int64(w.cfg.HighWatermark) {
		w.telemetry.SkippedQoS.WithLabelValues(strconv.FormatInt(group.StrategyID, 10)).Inc()
		w.collector.IncrementCustom("skipped_due_to_qos")
		return
	}

	// QoS drop by data-source label with interval-multiplier backoff.
	if mult, ok := snap.Settings.QoSDropSources[group.Query.DataSourceLabel]; ok {
		if !qosAllows(w.nowFn().Unix(), group.Interval, mult) {
			w.collector.IncrementCustom("qos_source_dropped")
			return
		}
	}

	// Serialise with any other access execution for this strategy.
	lock := redisx.NewLock(w.redis,
		redisx.LockKey("strategy", group.StrategyID),
		2*time.Duration(group.Interval)*time.Second)
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, redisx.ErrLockHeld) {
			w.telemetry.LockContention.WithLabelValues("strategy").Inc()
			return
		}
		slog.Error("Failed to acquire access lock", "strategy_id", group.StrategyID, "error", err)
		w.collector.RecordError()
		return
	}
	defer lock.Release(ctx)

	// The task deadline is interval - epsilon; past it the lock is
	// surrendered and the next owner replays from the checkpoint.
	taskCtx, cancel := context.WithTimeout(ctx, time.Duration(group.Interval)*time.Second-time.Second)
	defer cancel()

	if err := w.pullGroup(taskCtx, snap, group); err != nil {
		slog.Error("Access pull failed",
			"strategy_id", group.StrategyID,
			"group_key", group.Key,
			"error", err,
		)
		w.telemetry.ProcessingErrors.WithLabelValues("access").Inc()
		w.collector.RecordError()
		return
	}

	w.collector.RecordProcessed(time.Since(start))
}

func (w *Worker) pullGroup(ctx context.Context, snap *catalog.Snapshot, group *catalog.QueryGroup) error {
	checkpoint, err := w.checkpoints.Get(ctx, group.StrategyID, group.Key)
	if err != nil {
		return err
	}

	policy := WindowPolicy{
		Lag:               int64(w.cfg.LagSeconds),
		Bootstrap:         int64(w.cfg.BootstrapSeconds),
		CatchupMultiplier: int64(w.cfg.MaxCatchupMultiplier),
		MinCatchup:        int64(w.cfg.MinCatchupSeconds),
	}
	window := policy.Next(checkpoint, group.Interval, w.nowFn().Unix())
	if window.Empty() {
		return nil
	}

	seriesList, err := w.querier.Query(ctx, tsdb.QueryParams{
		Table:    group.Query.Table,
		Metric:   group.Query.Metric,
		Method:   group.Query.Method,
		Where:    group.Query.Where,
		GroupBy:  group.Query.GroupBy,
		Interval: group.Interval,
		Start:    window.Start,
		End:      window.End,
	})
	if err != nil {
		return err
	}

	emitted := 0
	for _, series := range seriesList {
		// Samples within a series share one record stream; emit in
		// timestamp order.
		samples := append([]tsdb.Sample(nil), series.Samples...)
		sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })

		for i := range group.Items {
			item := group.Items[i]
			filter := NewPointFilter(item, nil)
			if !filter.Keep(series.Dimensions) {
				continue
			}
			if item.NoData.IsEnabled && len(samples) > 0 {
				w.recordDimensions(ctx, group.StrategyID, item.ID, series.Dimensions)
			}
			for _, sample := range samples {
				value := sample.Value
				point := events.NewPoint(group.StrategyID, item.ID, sample.Timestamp, &value, series.Dimensions)
				isNew, err := w.markSeen(ctx, group, point)
				if err != nil {
					slog.Warn("Duplicate guard unavailable, emitting anyway",
						"strategy_id", group.StrategyID, "error", err)
				} else if !isNew {
					continue
				}
				if err := w.publisher.Publish(ctx, point); err != nil {
					return err
				}
				emitted++
				w.collector.RecordPublished()
			}
		}
	}

	w.telemetry.PointsEmitted.WithLabelValues(strconv.FormatInt(group.StrategyID, 10)).Add(float64(emitted))

	// A successful run advances the checkpoint to the last aligned bucket
	// read. The store keeps it monotonic.
	if _, err := w.checkpoints.Advance(ctx, group.StrategyID, group.Key, window.End); err != nil {
		return err
	}
	return nil
}

// recordDimensions feeds the continuous dimension inventory the no-data
// check compares against.
func (w *Worker) recordDimensions(ctx context.Context, strategyID, itemID int64, dims map[string]string) {
	tuple := events.RecordID(dims, 0)
	key := redisx.DimensionInventoryKey(strategyID, itemID)
	if err := w.redis.HSet(ctx, key, tuple, encodeDims(dims)).Err(); err != nil {
		slog.Warn("Failed to record dimension inventory", "strategy_id", strategyID, "error", err)
		return
	}
	w.redis.Expire(ctx, key, 24*time.Hour)
}

// markSeen records the point's record ID for its bucket and reports whether
// it was new. Guards against double emission when a window is replayed.
func (w *Worker) markSeen(ctx context.Context, group *catalog.QueryGroup, point *events.Point) (bool, error) {
	key := redisx.DuplicateKey(group.StrategyID, group.Key, point.Timestamp)
	added, err := w.redis.SAdd(ctx, key, point.RecordID).Result()
	if err != nil {
		return false, err
	}
	w.redis.Expire(ctx, key, 2*time.Duration(group.Interval)*time.Second)
	return added == 1, nil
}

// qosAllows stretches a throttled source's cadence to mult intervals: the
// pull runs only in the first interval slice of each stretched bucket, so a
// 60s group with multiplier 5 is pulled once per 300s.
func qosAllows(now, interval int64, mult int) bool {
	if mult <= 1 || interval <= 0 {
		return true
	}
	return now%(interval*int64(mult)) < interval
}

// detectBacklog reads the detect consumer's reported lag.
func (w *Worker) detectBacklog(ctx context.Context) int64 {
	val, err := w.redis.Get(ctx, redisx.BacklogKey(w.detectTopic)).Int64()
	if err != nil {
		return 0
	}
	return val
}

func (w *Worker) workers() int {
	if w.cfg.Workers <= 0 {
		return 4
	}
	return w.cfg.Workers
}
