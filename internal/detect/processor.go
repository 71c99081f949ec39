package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/telemetry"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/metrics"
)

// backlogReportInterval is how often the processor publishes its consumer
// lag for upstream backpressure.
const backlogReportInterval = 10 * time.Second

// MessageSource abstracts the Kafka consumer for tests.
type MessageSource interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Lag() int64
	Topic() string
}

// AnomalySink abstracts the anomaly/dead-letter/requeue producer for tests.
type AnomalySink interface {
	PublishAnomaly(ctx context.Context, anomaly *events.Anomaly) error
	PublishDeadLetter(ctx context.Context, original []byte, reason string) error
	RequeuePoint(ctx context.Context, key, payload []byte) error
}

// Processor is the detect-stage consumer loop: decode points, run every
// algorithm of the owning item, resolve the winning severity and gate the
// result through the trigger window.
type Processor struct {
	cfg       config.DetectConfig
	source    MessageSource
	sink      AnomalySink
	catalog   *catalog.Cache
	registry  *Registry
	history   HistoryProvider
	trigger   *TriggerChecker
	redis     *redis.Client
	telemetry *telemetry.Metrics
	collector *metrics.Collector

	// load counts points handled per strategy since the last backlog
	// report; past the high watermark a strategy over its share yields.
	load map[int64]int
}

// NewProcessor wires the detect-stage processor.
func NewProcessor(
	cfg config.DetectConfig,
	source MessageSource,
	sink AnomalySink,
	cat *catalog.Cache,
	registry *Registry,
	history HistoryProvider,
	trigger *TriggerChecker,
	rdb *redis.Client,
	tel *telemetry.Metrics,
	collector *metrics.Collector,
) *Processor {
	return &Processor{
		cfg:       cfg,
		source:    source,
		sink:      sink,
		catalog:   cat,
		registry:  registry,
		history:   history,
		trigger:   trigger,
		redis:     rdb,
		telemetry: tel,
		collector: collector,
		load:      make(map[int64]int),
	}
}

// Run consumes points until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	slog.Info("Starting detect processing loop", "topic", p.source.Topic())

	lastReport := time.Time{}
	for {
		select {
		case <-ctx.Done():
			slog.Info("Detect processing loop stopped")
			return nil
		default:
		}

		if time.Since(lastReport) >= backlogReportInterval {
			p.reportBacklog(ctx)
			p.load = make(map[int64]int)
			lastReport = time.Now()
		}

		msg, err := p.source.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Failed to read point", "error", err)
			continue
		}
		p.collector.RecordReceived()

		start := time.Now()
		if err := p.process(ctx, msg); err != nil {
			slog.Error("Failed to process point", "error", err)
			p.telemetry.ProcessingErrors.WithLabelValues("detect").Inc()
			p.collector.RecordError()
			continue
		}
		p.collector.RecordProcessed(time.Since(start))
	}
}

func (p *Processor) process(ctx context.Context, msg kafkago.Message) error {
	point, err := events.DecodePoint(msg.Value)
	if err != nil {
		p.telemetry.InvalidInput.WithLabelValues("detect").Inc()
		if dlErr := p.sink.PublishDeadLetter(ctx, msg.Value, err.Error()); dlErr != nil {
			return fmt.Errorf("dead-lettering invalid point: %w", dlErr)
		}
		slog.Warn("Dead-lettered invalid point", "reason", err)
		return nil
	}

	snap := p.catalog.Snapshot()
	if snap == nil {
		return fmt.Errorf("catalog snapshot not ready")
	}
	strategy := snap.Strategy(point.StrategyID)
	if strategy == nil {
		p.collector.IncrementCustom("missing_strategy")
		slog.Debug("Dropping point for unknown strategy", "strategy_id", point.StrategyID)
		return nil
	}
	item := itemByID(strategy, point.ItemID)
	if item == nil {
		p.collector.IncrementCustom("missing_item")
		return nil
	}

	if p.yieldBusy(strategy.ID) {
		// The queue is past the watermark and this strategy already took
		// its share of the window; put the point back so other strategies
		// keep draining.
		if err := p.sink.RequeuePoint(ctx, msg.Key, msg.Value); err != nil {
			return fmt.Errorf("requeueing point for busy strategy: %w", err)
		}
		p.collector.IncrementCustom("requeued_busy")
		slog.Debug("Requeued point for busy strategy", "strategy_id", strategy.ID)
		return nil
	}

	winner := p.evaluate(ctx, strategy, item, point)
	if winner == nil {
		return nil
	}

	detectCfg := strategy.DetectFor(winner.level)
	seriesKey := events.RecordID(point.Dimensions, 0)
	fire, err := p.trigger.Record(ctx,
		strategy.ID, item.ID, winner.level, seriesKey,
		point.Timestamp, item.Interval(), detectCfg.Trigger,
	)
	if err != nil {
		return err
	}
	if !fire {
		slog.Debug("Anomaly below trigger threshold",
			"strategy_id", strategy.ID,
			"item_id", item.ID,
			"level", winner.level,
		)
		return nil
	}

	anomaly := &events.Anomaly{
		Envelope:    events.Envelope{Type: events.TypeAnomaly, SchemaVersion: 1},
		AnomalyID:   events.AnomalyID(point.RecordID, strategy.ID, winner.level),
		StrategyID:  strategy.ID,
		ItemID:      item.ID,
		AlgorithmID: winner.algorithmID,
		Level:       winner.level,
		RecordID:    point.RecordID,
		Timestamp:   point.Timestamp,
		Value:       point.Value,
		Message:     winner.message,
		Dimensions:  point.Dimensions,
	}
	if err := p.sink.PublishAnomaly(ctx, anomaly); err != nil {
		return err
	}
	p.collector.RecordPublished()
	p.telemetry.AnomaliesDetected.WithLabelValues(
		strconv.FormatInt(strategy.ID, 10), winner.algType,
	).Inc()
	slog.Info("Published anomaly",
		"anomaly_id", anomaly.AnomalyID,
		"strategy_id", strategy.ID,
		"level", winner.level,
		"algorithm", winner.algType,
	)
	return nil
}

// verdict is the most severe triggered algorithm for one point.
type verdict struct {
	level       int
	algorithmID int64
	algType     string
	message     string
}

// evaluate runs every algorithm of the item over the point. A failing
// algorithm is logged and skipped; the most severe triggered level wins.
func (p *Processor) evaluate(ctx context.Context, strategy *models.Strategy, item *models.Item, point *events.Point) *verdict {
	var winner *verdict
	for i := range item.Algorithms {
		algCfg := &item.Algorithms[i]
		alg, err := p.registry.Build(algCfg)
		if err != nil {
			slog.Error("Failed to build algorithm",
				"strategy_id", strategy.ID,
				"algorithm_id", algCfg.ID,
				"type", algCfg.Type,
				"error", err,
			)
			p.telemetry.ProcessingErrors.WithLabelValues("detect").Inc()
			continue
		}
		outcome, err := alg.Detect(ctx, Input{Point: point, Item: item, History: p.history})
		if err != nil {
			slog.Error("Algorithm evaluation failed",
				"strategy_id", strategy.ID,
				"algorithm_id", algCfg.ID,
				"type", algCfg.Type,
				"error", err,
			)
			p.telemetry.ProcessingErrors.WithLabelValues("detect").Inc()
			continue
		}
		if !outcome.IsAnomaly {
			continue
		}
		if winner == nil || algCfg.Level < winner.level {
			winner = &verdict{
				level:       algCfg.Level,
				algorithmID: algCfg.ID,
				algType:     algCfg.Type,
				message:     outcome.Message,
			}
		}
	}
	return winner
}

// yieldBusy reports whether work for the strategy should go back on the
// queue. Below the high watermark every point is processed; above it a
// strategy may hold at most busyShare points per report window.
func (p *Processor) yieldBusy(strategyID int64) bool {
	if p.cfg.HighWatermark > 0 &&
		p.source.Lag() > int64(p.cfg.HighWatermark) &&
		p.load[strategyID] >= p.busyShare() {
		return true
	}
	p.load[strategyID]++
	return false
}

func (p *Processor) busyShare() int {
	share := p.cfg.HighWatermark / 10
	if share < 1 {
		share = 1
	}
	return share
}

// reportBacklog publishes the consumer lag for the access-stage watermark
// check and the local gauge.
func (p *Processor) reportBacklog(ctx context.Context) {
	lag := p.source.Lag()
	p.telemetry.QueueBacklog.WithLabelValues(p.source.Topic()).Set(float64(lag))
	key := redisx.BacklogKey(p.source.Topic())
	if err := p.redis.Set(ctx, key, lag, time.Minute).Err(); err != nil {
		slog.Warn("Failed to report backlog", "topic", p.source.Topic(), "error", err)
	}
}

func itemByID(strategy *models.Strategy, itemID int64) *models.Item {
	for i := range strategy.Items {
		if strategy.Items[i].ID == itemID {
			return &strategy.Items[i]
		}
	}
	return nil
}
