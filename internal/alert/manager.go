package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/telemetry"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/retry"
)

// fingerprintLockTTL bounds how long one manager holds a fingerprint.
const fingerprintLockTTL = 30 * time.Second

// maxAlertEvents caps the anomaly list carried on one alert row.
const maxAlertEvents = 100

// detectResultRetention is how long anomaly timestamps stay in the
// per-fingerprint detect-result set.
const detectResultRetention = time.Hour

// anomalyReplayRetention bounds how far back an anomaly can be replayed.
const anomalyReplayRetention = 24 * time.Hour

// MessageSource abstracts the anomaly consumer for tests.
type MessageSource interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
}

// AnomalyRequeuer puts an anomaly back on the anomaly topic after a
// persistent store failure or lock contention.
type AnomalyRequeuer interface {
	RequeueAnomaly(ctx context.Context, anomaly *events.Anomaly) error
}

// Manager is the alert-manager consumer loop: fingerprint anomalies into
// alerts, enrich, persist and publish state transitions.
type Manager struct {
	cfg       config.AlertConfig
	source    MessageSource
	signals   SignalPublisher
	requeue   AnomalyRequeuer
	store     Store
	catalog   *catalog.Cache
	redis     *redis.Client
	pipeline  *Pipeline
	telemetry *telemetry.Metrics
	collector *metrics.Collector

	nowFn func() time.Time
}

// NewManager wires the alert manager.
func NewManager(
	cfg config.AlertConfig,
	source MessageSource,
	signals SignalPublisher,
	requeue AnomalyRequeuer,
	store Store,
	cat *catalog.Cache,
	rdb *redis.Client,
	pipeline *Pipeline,
	tel *telemetry.Metrics,
	collector *metrics.Collector,
) *Manager {
	return &Manager{
		cfg:       cfg,
		source:    source,
		signals:   signals,
		requeue:   requeue,
		store:     store,
		catalog:   cat,
		redis:     rdb,
		pipeline:  pipeline,
		telemetry: tel,
		collector: collector,
		nowFn:     time.Now,
	}
}

// Run consumes anomalies until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	slog.Info("Starting alert manager loop")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Alert manager loop stopped")
			return nil
		default:
		}

		msg, err := m.source.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Failed to read anomaly", "error", err)
			continue
		}
		m.collector.RecordReceived()

		start := time.Now()
		if err := m.process(ctx, msg.Value); err != nil {
			slog.Error("Failed to process anomaly", "error", err)
			m.telemetry.ProcessingErrors.WithLabelValues("alert-manager").Inc()
			m.collector.RecordError()
			continue
		}
		m.collector.RecordProcessed(time.Since(start))
	}
}

func (m *Manager) process(ctx context.Context, payload []byte) error {
	anomaly, err := events.DecodeAnomaly(payload)
	if err != nil {
		m.telemetry.InvalidInput.WithLabelValues("alert-manager").Inc()
		slog.Warn("Dropping invalid anomaly payload", "reason", err)
		return nil
	}

	strategy, missing := m.resolveStrategy(anomaly)
	if strategy == nil {
		// Strategy removed and its snapshot expired: nothing left to
		// render or route this anomaly with.
		m.collector.IncrementCustom("strategy_removed")
		slog.Info("Dropping anomaly for removed strategy", "strategy_id", anomaly.StrategyID)
		return nil
	}

	fingerprint := Fingerprint(strategy, anomaly)
	lock := redisx.NewLock(m.redis, redisx.LockKey("fingerprint", fingerprint), fingerprintLockTTL)
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, redisx.ErrLockHeld) {
			m.telemetry.LockContention.WithLabelValues("fingerprint").Inc()
			return m.requeue.RequeueAnomaly(ctx, anomaly)
		}
		return fmt.Errorf("acquiring fingerprint lock: %w", err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	alert, opened, err := m.upsert(ctx, fingerprint, strategy, anomaly, missing)
	if err != nil {
		return err
	}
	if alert == nil {
		return nil // dropped by enrichment
	}

	if err := m.recordDetectResult(ctx, fingerprint, anomaly.Timestamp); err != nil {
		slog.Warn("Failed to record detect result", "fingerprint", fingerprint, "error", err)
	}
	// Retain the raw payload so a recent anomaly can be replayed by ID.
	if err := m.redis.Set(ctx, redisx.AnomalyReplayKey(anomaly.AnomalyID), payload, anomalyReplayRetention).Err(); err != nil {
		slog.Warn("Failed to retain anomaly for replay", "anomaly_id", anomaly.AnomalyID, "error", err)
	}

	if suppressSignal(alert) {
		slog.Debug("Suppressing signal for acknowledged alert", "alert_id", alert.ID)
		return nil
	}
	signal := models.SignalAbnormal
	if anomaly.Dimensions["__NO_DATA_DIMENSION__"] == "true" {
		signal = models.SignalNoData
	}
	if err := m.signals.PublishSignal(ctx, &events.AlertSignal{
		Envelope:    events.Envelope{Type: events.TypeAlertSignal, SchemaVersion: 1},
		AlertID:     alert.ID,
		Fingerprint: fingerprint,
		StrategyID:  alert.StrategyID,
		BkBizID:     alert.BkBizID,
		Severity:    alert.Severity,
		Signal:      signal,
		Time:        anomaly.Timestamp,
	}); err != nil {
		return err
	}
	m.collector.RecordPublished()
	if opened {
		m.telemetry.AlertsOpened.Inc()
	}
	return nil
}

// suppressSignal reports whether notification for the alert is suppressed.
// Acknowledgement mutes re-notification; anomaly updates still flow into
// the alert itself.
func suppressSignal(alert *models.Alert) bool {
	return alert.IsAck || alert.Status == models.AlertStatusAbnormalAck
}

// resolveStrategy returns the live strategy, its pinned snapshot when the
// live one is gone, or nil when both are gone.
func (m *Manager) resolveStrategy(anomaly *events.Anomaly) (*models.Strategy, bool) {
	if snap := m.catalog.Snapshot(); snap != nil {
		if strategy := snap.Strategy(anomaly.StrategyID); strategy != nil {
			return strategy, false
		}
	}
	m.collector.IncrementCustom("missing_strategy")
	snapshots := redisx.NewSnapshotStore(m.redis)
	strategy, err := snapshots.LoadLatest(context.Background(), anomaly.StrategyID)
	if err != nil {
		return nil, true
	}
	return strategy, true
}

// upsert opens a new alert or folds the anomaly into the existing one, runs
// enrichment and persists with bounded retries. A nil alert with nil error
// means enrichment dropped it.
func (m *Manager) upsert(ctx context.Context, fingerprint string, strategy *models.Strategy, anomaly *events.Anomaly, missingStrategy bool) (*models.Alert, bool, error) {
	existing, err := m.store.GetOpenByFingerprint(ctx, fingerprint)
	if err != nil && !errors.Is(err, ErrAlertNotFound) {
		return nil, false, fmt.Errorf("looking up alert: %w", err)
	}

	event := models.AlertEvent{
		AnomalyID: anomaly.AnomalyID,
		Time:      anomaly.Timestamp,
		Level:     anomaly.Level,
		Value:     anomaly.Value,
		Message:   anomaly.Message,
	}

	opened := false
	var alert *models.Alert
	if existing == nil {
		targetType, target := ResolveTarget(anomaly.Dimensions)
		alert = &models.Alert{
			ID:               uuid.NewString(),
			Fingerprint:      fingerprint,
			Name:             strategy.Name,
			BkBizID:          strategy.BkBizID,
			StrategyID:       strategy.ID,
			Severity:         anomaly.Level,
			Status:           models.AlertStatusAbnormal,
			TargetType:       targetType,
			Target:           target,
			FirstAnomalyTime: anomaly.Timestamp,
			LatestTime:       anomaly.Timestamp,
			Dimensions:       anomaly.Dimensions,
			Events:           []models.AlertEvent{event},
		}
		opened = true
	} else {
		alert = existing
		if anomaly.Timestamp > alert.LatestTime {
			alert.LatestTime = anomaly.Timestamp
		}
		if anomaly.Level < alert.Severity {
			alert.Severity = anomaly.Level
		}
		alert.Events = append(alert.Events, event)
		if len(alert.Events) > maxAlertEvents {
			alert.Events = alert.Events[len(alert.Events)-maxAlertEvents:]
		}
	}
	if missingStrategy {
		if alert.Tags == nil {
			alert.Tags = make(map[string]string)
		}
		alert.Tags["_missing_strategy"] = "true"
		// Only the pinned snapshot remains, so the level config cannot be
		// trusted; route new alerts at the default level.
		if opened {
			alert.Severity = models.LevelWarning
		}
	}

	if drop := m.pipeline.Run(ctx, alert); drop {
		return nil, false, nil
	}
	if err := alert.CheckTimes(); err != nil {
		return nil, false, err
	}

	writeCfg := retry.DefaultConfig()
	if m.cfg.WriteMaxRetry > 0 {
		writeCfg.MaxRetries = m.cfg.WriteMaxRetry
	}
	err = retry.WithRetry(ctx, writeCfg, "alert_store_write", func() error {
		if opened {
			return m.store.Insert(ctx, alert)
		}
		return m.store.Update(ctx, alert)
	})
	if err != nil {
		slog.Error("Giving up on alert store write, requeueing anomaly",
			"fingerprint", fingerprint,
			"error", err,
		)
		if rqErr := m.requeue.RequeueAnomaly(ctx, anomaly); rqErr != nil {
			return nil, false, fmt.Errorf("requeue after store failure: %w", rqErr)
		}
		return nil, false, nil
	}

	if opened {
		slog.Info("Opened alert",
			"alert_id", alert.ID,
			"fingerprint", fingerprint,
			"strategy_id", alert.StrategyID,
			"severity", alert.Severity,
		)
	}
	return alert, opened, nil
}

// recordDetectResult keeps the recent anomaly timestamps per fingerprint
// for the recovery checker.
func (m *Manager) recordDetectResult(ctx context.Context, fingerprint string, ts int64) error {
	key := redisx.DetectResultKey(fingerprint)
	pipe := m.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: ts})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", m.nowFn().Add(-detectResultRetention).Unix()))
	pipe.Expire(ctx, key, 2*detectResultRetention)
	_, err := pipe.Exec(ctx)
	return err
}
