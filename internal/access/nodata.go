package access

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/telemetry"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/tsdb"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/shared"
)

// AnomalyPublisher emits anomalies straight to the trigger queue. No-data
// findings skip the detect stage; there is no point to evaluate.
type AnomalyPublisher interface {
	PublishAnomaly(ctx context.Context, anomaly *events.Anomaly) error
}

// NoDataChecker runs the independent missing-data task per strategy item.
// Observed dimension tuples over the last N intervals are compared against
// the continuous inventory; missing tuples become null-value anomalies at
// the configured no-data severity.
type NoDataChecker struct {
	clusterName string
	catalog     *catalog.Cache
	redis       *redis.Client
	querier     tsdb.Querier
	publisher   AnomalyPublisher
	telemetry   *telemetry.Metrics

	nowFn func() time.Time
}

// NewNoDataChecker creates the no-data task driver.
func NewNoDataChecker(
	clusterName string,
	cat *catalog.Cache,
	rdb *redis.Client,
	querier tsdb.Querier,
	publisher AnomalyPublisher,
	tel *telemetry.Metrics,
) *NoDataChecker {
	return &NoDataChecker{
		clusterName: clusterName,
		catalog:     cat,
		redis:       rdb,
		querier:     querier,
		publisher:   publisher,
		telemetry:   tel,
		nowFn:       time.Now,
	}
}

// Run checks every no-data-enabled item once per minute.
func (c *NoDataChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

func (c *NoDataChecker) runCycle(ctx context.Context) {
	snap := c.catalog.Snapshot()
	if snap == nil {
		return
	}
	rt := c.catalog.Router()

	for _, strategy := range snap.Strategies {
		if !strategy.IsEnabled {
			continue
		}
		if !rt.Match("biz", strconv.FormatInt(strategy.BkBizID, 10), c.clusterName) {
			continue
		}
		for i := range strategy.Items {
			item := &strategy.Items[i]
			if !item.NoData.IsEnabled {
				continue
			}
			if err := c.checkItem(ctx, strategy, item); err != nil {
				slog.Error("No-data check failed",
					"strategy_id", strategy.ID,
					"item_id", item.ID,
					"error", err,
				)
				c.telemetry.ProcessingErrors.WithLabelValues("nodata").Inc()
			}
		}
	}
}

func (c *NoDataChecker) checkItem(ctx context.Context, strategy *models.Strategy, item *models.Item) error {
	if len(item.QueryConfigs) == 0 {
		return nil
	}
	qc := &item.QueryConfigs[0]
	interval := item.Interval()
	continuous := int64(item.NoData.Continuous)
	if continuous <= 0 {
		continuous = 5
	}

	now := c.nowFn().Unix()
	end := shared.AlignTime(now, interval)
	start := end - continuous*interval

	seriesList, err := c.querier.Query(ctx, tsdb.QueryParams{
		Table:    qc.Table,
		Metric:   qc.Metric,
		Method:   qc.Method,
		Where:    qc.Where,
		GroupBy:  qc.GroupBy,
		Interval: interval,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return err
	}

	observed := make(map[string]bool, len(seriesList))
	for _, series := range seriesList {
		if len(series.Samples) == 0 {
			continue
		}
		observed[events.RecordID(series.Dimensions, 0)] = true
	}

	expected, err := c.redis.HGetAll(ctx, redisx.DimensionInventoryKey(strategy.ID, item.ID)).Result()
	if err != nil {
		return err
	}

	for tuple, rawDims := range expected {
		if observed[tuple] {
			continue
		}
		dims := decodeDims(rawDims)
		dims["__NO_DATA_DIMENSION__"] = "true"

		recordID := events.RecordID(dims, end)
		anomaly := &events.Anomaly{
			Envelope:   events.Envelope{Type: events.TypeAnomaly, SchemaVersion: 1},
			AnomalyID:  events.AnomalyID(recordID, strategy.ID, item.NoData.Level),
			StrategyID: strategy.ID,
			ItemID:     item.ID,
			Level:      item.NoData.Level,
			RecordID:   recordID,
			Timestamp:  end,
			Value:      nil,
			Message:    "no data reported for monitored dimensions",
			Dimensions: dims,
		}
		if err := c.publisher.PublishAnomaly(ctx, anomaly); err != nil {
			return err
		}
	}
	return nil
}

func encodeDims(dims map[string]string) string {
	data, _ := json.Marshal(dims)
	return string(data)
}

func decodeDims(raw string) map[string]string {
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
