package converge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/telemetry"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/metrics"
)

// MessageSource abstracts the alert-signal consumer for tests.
type MessageSource interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
}

// burstWindow abstracts the convergence window for tests.
type burstWindow interface {
	Admit(ctx context.Context, c *Candidate, windowSeconds int64, now time.Time) (bool, error)
}

// rateCap abstracts the trigger rate limiter for tests.
type rateCap interface {
	Allow(ctx context.Context, c *Candidate) (bool, error)
}

// Processor fans one alert signal out to its notice and action candidates,
// runs the shield chain and the convergence window, and publishes the
// survivors as action triggers.
type Processor struct {
	cfg       config.ConvergeConfig
	source    MessageSource
	triggers  TriggerPublisher
	alerts    alert.Store
	catalog   *catalog.Cache
	redis     *redis.Client
	shielders []Shielder
	window    burstWindow
	qos       rateCap
	telemetry *telemetry.Metrics
	collector *metrics.Collector

	nowFn func() time.Time
}

// NewProcessor wires the converge stage. Shielders run in the given order;
// the first match wins.
func NewProcessor(
	cfg config.ConvergeConfig,
	source MessageSource,
	triggers TriggerPublisher,
	alerts alert.Store,
	cat *catalog.Cache,
	rdb *redis.Client,
	shielders []Shielder,
	tel *telemetry.Metrics,
	collector *metrics.Collector,
) *Processor {
	return &Processor{
		cfg:       cfg,
		source:    source,
		triggers:  triggers,
		alerts:    alerts,
		catalog:   cat,
		redis:     rdb,
		shielders: shielders,
		window:    NewWindow(cfg, rdb),
		qos:       NewQoS(cfg, rdb),
		telemetry: tel,
		collector: collector,
		nowFn:     time.Now,
	}
}

// Run consumes alert signals until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	slog.Info("Starting converge loop")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Converge loop stopped")
			return nil
		default:
		}

		msg, err := p.source.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Failed to read alert signal", "error", err)
			continue
		}
		p.collector.RecordReceived()

		start := time.Now()
		if err := p.process(ctx, msg.Value); err != nil {
			slog.Error("Failed to process alert signal", "error", err)
			p.telemetry.ProcessingErrors.WithLabelValues("converge").Inc()
			p.collector.RecordError()
			continue
		}
		p.collector.RecordProcessed(time.Since(start))
	}
}

func (p *Processor) process(ctx context.Context, payload []byte) error {
	signal, err := events.DecodeAlertSignal(payload)
	if err != nil {
		p.telemetry.InvalidInput.WithLabelValues("converge").Inc()
		slog.Warn("Dropping invalid alert signal payload", "reason", err)
		return nil
	}

	target, err := p.resolveTarget(ctx, signal)
	if err != nil {
		return err
	}
	if target.Strategy == nil {
		p.collector.IncrementCustom("strategy_removed")
		slog.Info("Dropping signal for removed strategy", "strategy_id", signal.StrategyID)
		return nil
	}

	now := p.nowFn()
	shielded, shielderID, err := p.runShielders(ctx, target, now)
	if err != nil {
		return err
	}

	for _, candidate := range p.fanOut(target, signal) {
		if err := p.dispatch(ctx, target, candidate, shielded, shielderID, now); err != nil {
			return err
		}
	}
	return nil
}

// resolveTarget loads the alert row and resolves the strategy, falling back
// to the snapshot pinned when the alert opened.
func (p *Processor) resolveTarget(ctx context.Context, signal *events.AlertSignal) (*Target, error) {
	target := &Target{Signal: signal}

	alertRow, err := p.alerts.GetByID(ctx, signal.AlertID)
	if err != nil && !errors.Is(err, alert.ErrAlertNotFound) {
		return nil, fmt.Errorf("loading alert %s: %w", signal.AlertID, err)
	}
	target.Alert = alertRow

	if snap := p.catalog.Snapshot(); snap != nil {
		if strategy := snap.Strategy(signal.StrategyID); strategy != nil {
			target.Strategy = strategy
			return target, nil
		}
	}
	snapshots := redisx.NewSnapshotStore(p.redis)
	strategy, err := snapshots.LoadLatest(ctx, signal.StrategyID)
	if err == nil {
		target.Strategy = strategy
	}
	return target, nil
}

// runShielders walks the chain in order and returns the first match.
func (p *Processor) runShielders(ctx context.Context, target *Target, now time.Time) (bool, string, error) {
	for _, shielder := range p.shielders {
		matched, id, err := shielder.Match(ctx, target, now)
		if err != nil {
			// A failing shielder must not suppress dispatch.
			slog.Warn("Shielder failed, treating as no match",
				"shielder", shielder.Name(),
				"error", err,
			)
			continue
		}
		if matched {
			p.telemetry.ShieldDecisions.WithLabelValues(shielder.Name()).Inc()
			return true, id, nil
		}
	}
	return false, "", nil
}

// fanOut builds the candidate list: notice first, then remediation actions,
// keeping only those subscribed to this signal.
func (p *Processor) fanOut(target *Target, signal *events.AlertSignal) []*Candidate {
	strategy := target.Strategy
	var candidates []*Candidate
	if signalSubscribed(strategy.Notice.Signals, signal.Signal) {
		candidates = append(candidates, &Candidate{
			AlertID:        signal.AlertID,
			Fingerprint:    signal.Fingerprint,
			StrategyID:     signal.StrategyID,
			BkBizID:        signal.BkBizID,
			Severity:       signal.Severity,
			Signal:         signal.Signal,
			ActionConfigID: 0, // notice dispatch, routed by user groups
		})
	}
	for _, relation := range strategy.Actions {
		if !signalSubscribed(relation.Signals, signal.Signal) {
			continue
		}
		candidates = append(candidates, &Candidate{
			AlertID:        signal.AlertID,
			Fingerprint:    signal.Fingerprint,
			StrategyID:     signal.StrategyID,
			BkBizID:        signal.BkBizID,
			Severity:       signal.Severity,
			Signal:         signal.Signal,
			ActionConfigID: relation.ActionConfigID,
		})
	}
	return candidates
}

// dispatch publishes one candidate. Suppressed candidates, whether shielded,
// converged or rate-capped, still reach the executor flagged as shielded so
// a SHIELDED instance is recorded with the suppression reason.
func (p *Processor) dispatch(ctx context.Context, target *Target, c *Candidate, shielded bool, shielderID string, now time.Time) error {
	if !shielded {
		admitted, err := p.window.Admit(ctx, c, target.Strategy.Notice.ConvergeWindow, now)
		if err != nil {
			return err
		}
		if !admitted {
			p.telemetry.ShieldDecisions.WithLabelValues("converged").Inc()
			p.collector.IncrementCustom("converged")
			slog.Debug("Converged duplicate trigger",
				"alert_id", c.AlertID,
				"action_config_id", c.ActionConfigID,
				"signal", c.Signal,
			)
			shielded, shielderID = true, "converged"
		}
	}
	if !shielded {
		allowed, err := p.qos.Allow(ctx, c)
		if err != nil {
			return err
		}
		if !allowed {
			p.telemetry.ShieldDecisions.WithLabelValues("qos").Inc()
			p.collector.IncrementCustom("qos_suppressed")
			slog.Warn("QoS cap suppressed trigger",
				"strategy_id", c.StrategyID,
				"signal", c.Signal,
				"severity", c.Severity,
			)
			shielded, shielderID = true, "qos"
		}
	}

	trigger := &events.ActionTrigger{
		Envelope:       events.Envelope{Type: events.TypeActionTrigger, SchemaVersion: 1},
		AlertID:        c.AlertID,
		Fingerprint:    c.Fingerprint,
		StrategyID:     c.StrategyID,
		BkBizID:        c.BkBizID,
		Severity:       c.Severity,
		Signal:         c.Signal,
		ActionConfigID: c.ActionConfigID,
		Shielded:       shielded,
		ShielderID:     shielderID,
		Time:           now.Unix(),
	}
	if c.ActionConfigID == 0 {
		trigger.UserGroupIDs = target.Strategy.Notice.UserGroupIDs
	} else if relation := relationByConfigID(target.Strategy, c.ActionConfigID); relation != nil {
		trigger.UserGroupIDs = relation.UserGroupIDs
	}
	if err := p.triggers.PublishTrigger(ctx, trigger); err != nil {
		return err
	}
	p.collector.RecordPublished()
	return nil
}

func relationByConfigID(strategy *models.Strategy, id int64) *models.ActionRelation {
	for i := range strategy.Actions {
		if strategy.Actions[i].ActionConfigID == id {
			return &strategy.Actions[i]
		}
	}
	return nil
}

func signalSubscribed(signals []string, signal string) bool {
	if len(signals) == 0 {
		return false
	}
	for _, s := range signals {
		if s == signal {
			return true
		}
	}
	return false
}
