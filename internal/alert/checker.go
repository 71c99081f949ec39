package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/telemetry"
)

// minRecoveryIntervals is the floor of the recovery window in intervals.
const minRecoveryIntervals = 5

// Checker drives alerts out of the abnormal state: auto-recovery when the
// anomaly stream goes quiet, and TTL close for everything else.
type Checker struct {
	cfg       config.AlertConfig
	store     Store
	catalog   *catalog.Cache
	redis     *redis.Client
	snapshots *redisx.SnapshotStore
	signals   SignalPublisher
	telemetry *telemetry.Metrics

	nowFn func() time.Time
}

// NewChecker wires the recovery checker and TTL scavenger.
func NewChecker(
	cfg config.AlertConfig,
	store Store,
	cat *catalog.Cache,
	rdb *redis.Client,
	signals SignalPublisher,
	tel *telemetry.Metrics,
) *Checker {
	return &Checker{
		cfg:       cfg,
		store:     store,
		catalog:   cat,
		redis:     rdb,
		snapshots: redisx.NewSnapshotStore(rdb),
		signals:   signals,
		telemetry: tel,
		nowFn:     time.Now,
	}
}

// Run checks every open alert on the configured cadence.
func (c *Checker) Run(ctx context.Context) error {
	interval := time.Duration(c.cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
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

func (c *Checker) runCycle(ctx context.Context) {
	alerts, err := c.store.ListOpen(ctx)
	if err != nil {
		slog.Error("Failed to list open alerts", "error", err)
		c.telemetry.ProcessingErrors.WithLabelValues("alert-checker").Inc()
		return
	}

	abnormalTTL := time.Duration(c.cfg.AbnormalTTLHours) * time.Hour
	if abnormalTTL <= 0 {
		abnormalTTL = 24 * time.Hour
	}
	now := c.nowFn().Unix()

	for _, alert := range alerts {
		if err := c.checkAlert(ctx, alert, now, abnormalTTL); err != nil {
			slog.Error("Recovery check failed",
				"alert_id", alert.ID,
				"fingerprint", alert.Fingerprint,
				"error", err,
			)
			c.telemetry.ProcessingErrors.WithLabelValues("alert-checker").Inc()
		}
	}
}

func (c *Checker) checkAlert(ctx context.Context, alert *models.Alert, now int64, abnormalTTL time.Duration) error {
	lock := redisx.NewLock(c.redis, redisx.LockKey("fingerprint", alert.Fingerprint), fingerprintLockTTL)
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, redisx.ErrLockHeld) {
			return nil // manager is mutating it, next cycle
		}
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	lastAnomaly := c.lastAnomalyTime(ctx, alert)
	status, signal, ok := recoveryDecision(c.resolveStrategy(alert), alert, lastAnomaly, now, abnormalTTL)
	if !ok {
		return nil
	}
	return c.transition(ctx, alert, status, signal, now)
}

// recoveryDecision is the pure recovery policy: TTL close beats
// everything; a close-only strategy waits for TTL; otherwise the alert
// recovers once the anomaly stream has been quiet for the recovery window.
func recoveryDecision(strategy *models.Strategy, alert *models.Alert, lastAnomaly, now int64, abnormalTTL time.Duration) (status, signal string, ok bool) {
	if now-lastAnomaly >= int64(abnormalTTL/time.Second) {
		return models.AlertStatusClosed, models.SignalClosed, true
	}
	if strategy == nil {
		return "", "", false // strategy gone, wait for TTL
	}
	detectCfg := strategy.DetectFor(alert.Severity)
	if detectCfg.Recovery.StatusSetter == "close" {
		return "", "", false // never auto-recover, TTL close only
	}

	interval := strategy.Interval()
	recoveryWindow := int64(detectCfg.Trigger.CheckWindow) * interval
	if floor := minRecoveryIntervals * interval; recoveryWindow < floor {
		recoveryWindow = floor
	}
	if now-lastAnomaly >= recoveryWindow {
		return models.AlertStatusRecovered, models.SignalRecovered, true
	}
	return "", "", false
}

// lastAnomalyTime prefers the detect-result set and falls back to the
// persisted latest_time.
func (c *Checker) lastAnomalyTime(ctx context.Context, alert *models.Alert) int64 {
	last := alert.LatestTime
	members, err := c.redis.ZRevRangeWithScores(ctx, redisx.DetectResultKey(alert.Fingerprint), 0, 0).Result()
	if err == nil && len(members) > 0 {
		if ts := int64(members[0].Score); ts > last {
			last = ts
		}
	}
	return last
}

func (c *Checker) resolveStrategy(alert *models.Alert) *models.Strategy {
	if snap := c.catalog.Snapshot(); snap != nil {
		if strategy := snap.Strategy(alert.StrategyID); strategy != nil {
			return strategy
		}
	}
	if alert.SnapshotKey != "" {
		if strategy, err := c.snapshots.Load(context.Background(), alert.SnapshotKey); err == nil {
			return strategy
		}
	}
	return nil
}

func (c *Checker) transition(ctx context.Context, alert *models.Alert, status, signal string, now int64) error {
	alert.Status = status
	alert.EndTime = now
	if err := c.store.Update(ctx, alert); err != nil {
		return err
	}
	switch status {
	case models.AlertStatusRecovered:
		c.telemetry.AlertsRecovered.Inc()
	case models.AlertStatusClosed:
		c.telemetry.AlertsClosed.Inc()
	}
	slog.Info("Alert left abnormal state",
		"alert_id", alert.ID,
		"fingerprint", alert.Fingerprint,
		"status", status,
	)
	err := c.signals.PublishSignal(ctx, &events.AlertSignal{
		Envelope:    events.Envelope{Type: events.TypeAlertSignal, SchemaVersion: 1},
		AlertID:     alert.ID,
		Fingerprint: alert.Fingerprint,
		StrategyID:  alert.StrategyID,
		BkBizID:     alert.BkBizID,
		Severity:    alert.Severity,
		Signal:      signal,
		Time:        now,
	})
	if err != nil {
		slog.Error("Failed to publish transition signal",
			"alert_id", alert.ID,
			"signal", signal,
			"error", err,
		)
	}
	return nil
}
