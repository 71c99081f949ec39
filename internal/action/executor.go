package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
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

// approvalTaskPrefix marks an external task that is an approval ticket
// rather than a platform execution.
const approvalTaskPrefix = "approval:"

// defaultDedupeWindow bounds duplicate dispatch suppression when the config
// leaves it unset.
const defaultDedupeWindow = time.Minute

// MessageSource abstracts the trigger consumer for tests.
type MessageSource interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
}

// Executor drives action instances from trigger to terminal status.
type Executor struct {
	cfg       config.ActionConfig
	source    MessageSource
	store     Store
	alerts    alert.Store
	catalog   *catalog.Cache
	redis     *redis.Client
	registry  *Registry
	approver  Approver
	telemetry *telemetry.Metrics
	collector *metrics.Collector

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires the action executor.
func NewExecutor(
	cfg config.ActionConfig,
	source MessageSource,
	store Store,
	alerts alert.Store,
	cat *catalog.Cache,
	rdb *redis.Client,
	registry *Registry,
	approver Approver,
	tel *telemetry.Metrics,
	collector *metrics.Collector,
) *Executor {
	return &Executor{
		cfg:       cfg,
		source:    source,
		store:     store,
		alerts:    alerts,
		catalog:   cat,
		redis:     rdb,
		registry:  registry,
		approver:  approver,
		telemetry: tel,
		collector: collector,
		nowFn:     time.Now,
		sleepFn:   sleepContext,
	}
}

// Run consumes triggers and polls async tasks until the context is
// cancelled.
func (e *Executor) Run(ctx context.Context) error {
	slog.Info("Starting action executor loop")
	go e.pollLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Action executor loop stopped")
			return nil
		default:
		}

		msg, err := e.source.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Failed to read action trigger", "error", err)
			continue
		}
		e.collector.RecordReceived()

		start := time.Now()
		if err := e.process(ctx, msg.Value); err != nil {
			slog.Error("Failed to process action trigger", "error", err)
			e.telemetry.ProcessingErrors.WithLabelValues("action").Inc()
			e.collector.RecordError()
			continue
		}
		e.collector.RecordProcessed(time.Since(start))
	}
}

func (e *Executor) process(ctx context.Context, payload []byte) error {
	trigger, err := events.DecodeActionTrigger(payload)
	if err != nil {
		e.telemetry.InvalidInput.WithLabelValues("action").Inc()
		slog.Warn("Dropping invalid action trigger payload", "reason", err)
		return nil
	}

	strategy := e.resolveStrategy(trigger.StrategyID)
	actionConfig := e.resolveActionConfig(trigger, strategy)
	if actionConfig == nil {
		e.collector.IncrementCustom("missing_action_config")
		slog.Info("Dropping trigger without a usable action config",
			"alert_id", trigger.AlertID,
			"action_config_id", trigger.ActionConfigID,
		)
		return nil
	}

	alertRow, err := e.alerts.GetByID(ctx, trigger.AlertID)
	if err != nil && !errors.Is(err, alert.ErrAlertNotFound) {
		return fmt.Errorf("loading alert %s: %w", trigger.AlertID, err)
	}

	if !trigger.Shielded {
		fresh, err := e.markDispatched(ctx, trigger)
		if err != nil {
			return err
		}
		if !fresh {
			e.collector.IncrementCustom("duplicate_dispatch")
			slog.Debug("Dropping duplicate dispatch",
				"alert_id", trigger.AlertID,
				"action_config_id", trigger.ActionConfigID,
				"signal", trigger.Signal,
			)
			return nil
		}
	}

	now := e.nowFn()
	rctx := &RenderContext{
		Trigger:  trigger,
		Alert:    alertRow,
		Strategy: strategy,
		Config:   actionConfig,
		Now:      now,
	}

	sets := e.expand(trigger, strategy, actionConfig, now)
	if len(sets) == 0 && trigger.Shielded {
		// A shielded trigger records its instance even when nothing would
		// have been dispatched; the adapter is never invoked.
		sets = []dispatchSet{{}}
	}
	for _, d := range sets {
		if err := e.dispatch(ctx, d, trigger, actionConfig, rctx); err != nil {
			return err
		}
	}
	return nil
}

// resolveStrategy returns the live strategy, its latest pinned snapshot, or
// nil.
func (e *Executor) resolveStrategy(strategyID int64) *models.Strategy {
	if snap := e.catalog.Snapshot(); snap != nil {
		if strategy := snap.Strategy(strategyID); strategy != nil {
			return strategy
		}
	}
	snapshots := redisx.NewSnapshotStore(e.redis)
	strategy, err := snapshots.LoadLatest(context.Background(), strategyID)
	if err != nil {
		return nil
	}
	return strategy
}

// resolveActionConfig returns the configured action, or a synthetic notice
// config for user-group notification triggers. Disabled configs return nil.
func (e *Executor) resolveActionConfig(trigger *events.ActionTrigger, strategy *models.Strategy) *models.ActionConfig {
	if trigger.ActionConfigID == 0 {
		cfg := &models.ActionConfig{
			BkBizID:    trigger.BkBizID,
			Name:       "notice",
			PluginType: models.PluginTypeNotice,
			IsEnabled:  true,
			Execute:    models.ExecuteConfig{MaxRetry: e.cfg.MaxRetry},
		}
		if strategy != nil {
			cfg.Execute.Template = strategy.Notice.Template
		}
		return cfg
	}
	snap := e.catalog.Snapshot()
	if snap == nil {
		return nil
	}
	actionConfig, ok := snap.ActionConfigs[trigger.ActionConfigID]
	if !ok || !actionConfig.IsEnabled {
		return nil
	}
	return actionConfig
}

// dispatchSet is one (channel, recipients) fan-out unit.
type dispatchSet struct {
	channel    Channel
	recipients []string
}

// expand resolves the recipient lists at dispatch wall-clock: user-group
// duty expansion for notice, config params for remediation channels.
func (e *Executor) expand(trigger *events.ActionTrigger, strategy *models.Strategy, actionConfig *models.ActionConfig, now time.Time) []dispatchSet {
	switch actionConfig.PluginType {
	case models.PluginTypeNotice:
		return e.expandNotice(trigger, now)
	case models.PluginTypeWebhook:
		url, _ := actionConfig.Params["url"].(string)
		if url == "" {
			return nil
		}
		channelType := "webhook"
		if msgType, _ := actionConfig.Params["msgtype"].(string); msgType == "im" {
			channelType = "im"
		}
		if ch, ok := e.registry.Get(channelType); ok {
			return []dispatchSet{{channel: ch, recipients: []string{url}}}
		}
		return nil
	case models.PluginTypeJob, models.PluginTypeSops, models.PluginTypeITSM:
		if ch, ok := e.registry.Get(actionConfig.PluginType); ok {
			return []dispatchSet{{channel: ch, recipients: []string{""}}}
		}
		return nil
	}
	return nil
}

// expandNotice resolves the user groups to per-channel recipient lists.
// Members of type "user" receive mail; URL-shaped member IDs feed the
// im/webhook notice ways.
func (e *Executor) expandNotice(trigger *events.ActionTrigger, now time.Time) []dispatchSet {
	snap := e.catalog.Snapshot()
	if snap == nil {
		return nil
	}

	byChannel := make(map[string][]string)
	var order []string
	add := func(channelType, recipient string) {
		if recipient == "" {
			return
		}
		if _, ok := byChannel[channelType]; !ok {
			order = append(order, channelType)
		}
		for _, existing := range byChannel[channelType] {
			if existing == recipient {
				return
			}
		}
		byChannel[channelType] = append(byChannel[channelType], recipient)
	}

	for _, groupID := range trigger.UserGroupIDs {
		group, ok := snap.UserGroups[groupID]
		if !ok {
			e.collector.IncrementCustom("missing_user_group")
			continue
		}
		ways := group.NoticeWays
		if len(ways) == 0 {
			ways = []string{"mail"}
		}
		for _, member := range group.MembersAt(now) {
			for _, way := range ways {
				switch way {
				case "mail":
					if member.Type == "user" {
						add("mail", member.ID)
					}
				case "im", "webhook":
					if isValidURL(member.ID) {
						add(way, member.ID)
					}
				}
			}
		}
	}

	var sets []dispatchSet
	for _, channelType := range order {
		ch, ok := e.registry.Get(channelType)
		if !ok {
			continue
		}
		sets = append(sets, dispatchSet{channel: ch, recipients: byChannel[channelType]})
	}
	return sets
}

// dispatch runs one instance from creation to terminal status, or leaves it
// RUNNING with an external task for the poll loop.
func (e *Executor) dispatch(ctx context.Context, d dispatchSet, trigger *events.ActionTrigger, actionConfig *models.ActionConfig, rctx *RenderContext) error {
	now := e.nowFn()

	attempts, err := e.store.CountAttempts(ctx, trigger.AlertID, trigger.ActionConfigID)
	if err != nil {
		return fmt.Errorf("counting attempts: %w", err)
	}

	instance := &models.ActionInstance{
		ID:             uuid.NewString(),
		ActionConfigID: trigger.ActionConfigID,
		BkBizID:        trigger.BkBizID,
		AlertIDs:       []string{trigger.AlertID},
		Signal:         trigger.Signal,
		Assignees:      d.recipients,
		Status:         models.ActionStatusRunning,
		CreateTime:     now.Unix(),
		Attempt:        attempts + 1,
	}

	if trigger.Shielded {
		instance.Status = models.ActionStatusShielded
		instance.ShielderID = trigger.ShielderID
		instance.EndTime = now.Unix()
		if err := e.store.Insert(ctx, instance); err != nil {
			return fmt.Errorf("recording shielded instance: %w", err)
		}
		e.telemetry.ActionsDispatched.WithLabelValues(actionConfig.PluginType, models.ActionStatusShielded).Inc()
		slog.Info("Recorded shielded action instance",
			"instance_id", instance.ID,
			"alert_id", trigger.AlertID,
			"shielder_id", trigger.ShielderID,
		)
		return nil
	}

	if err := e.store.Insert(ctx, instance); err != nil {
		// The (alert, config, attempt) unique index rejects a concurrent
		// duplicate; treat it as already dispatched.
		if strings.Contains(err.Error(), "duplicate") {
			e.collector.IncrementCustom("duplicate_dispatch")
			return nil
		}
		return fmt.Errorf("inserting action instance: %w", err)
	}

	payload := d.channel.Render(rctx)

	if actionConfig.Execute.NeedApproval && e.approver != nil && isRemediation(actionConfig.PluginType) {
		ticketID, err := e.approver.CreateTicket(ctx, payload)
		if err != nil {
			return e.finish(ctx, instance, actionConfig, models.ActionStatusFailed, fmt.Sprintf("opening approval ticket: %v", err))
		}
		instance.ExternalTaskID = approvalTaskPrefix + ticketID
		if err := e.store.Update(ctx, instance); err != nil {
			return fmt.Errorf("recording approval ticket: %w", err)
		}
		e.collector.IncrementCustom("approval_pending")
		slog.Info("Remediation awaiting approval",
			"instance_id", instance.ID,
			"ticket_id", ticketID,
		)
		return nil
	}

	return e.send(ctx, instance, d.channel, actionConfig, payload)
}

// send drives per-recipient delivery with bounded retries and folds the
// outcomes into the instance status.
func (e *Executor) send(ctx context.Context, instance *models.ActionInstance, ch Channel, actionConfig *models.ActionConfig, payload *Payload) error {
	maxRetry := actionConfig.Execute.MaxRetry
	if maxRetry <= 0 {
		maxRetry = e.cfg.MaxRetry
	}
	base := time.Duration(actionConfig.Execute.RetryInterval) * time.Second
	if base <= 0 {
		base = time.Duration(e.cfg.RetryBaseSeconds) * time.Second
	}
	if base <= 0 {
		base = time.Second
	}

	pending := false
	for _, recipient := range instance.Assignees {
		outcome, retries := e.sendWithRetry(ctx, ch, recipient, payload, maxRetry, base)
		instance.RetryCount += retries
		switch outcome.Status {
		case OutcomeDelivered:
			instance.Recipients = append(instance.Recipients, models.RecipientResult{
				Recipient: recipient, Channel: ch.Type(), Delivered: true,
			})
		case OutcomePending:
			instance.ExternalTaskID = outcome.TaskID
			pending = true
		default:
			instance.Recipients = append(instance.Recipients, models.RecipientResult{
				Recipient: recipient, Channel: ch.Type(), Delivered: false, Reason: outcome.Reason,
			})
		}
	}

	if pending {
		if err := e.store.Update(ctx, instance); err != nil {
			return fmt.Errorf("recording pending task: %w", err)
		}
		return nil
	}
	status := models.AggregateStatus(instance.Recipients)
	return e.finish(ctx, instance, actionConfig, status, "")
}

// sendWithRetry retries failed sends with exponential backoff up to
// maxRetry additional attempts.
func (e *Executor) sendWithRetry(ctx context.Context, ch Channel, recipient string, payload *Payload, maxRetry int, base time.Duration) (Outcome, int) {
	var outcome Outcome
	for attempt := 0; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, ch.Timeout())
		outcome = ch.Send(sendCtx, recipient, payload)
		cancel()

		if outcome.Status != OutcomeFailed || attempt >= maxRetry {
			return outcome, attempt
		}
		backoff := base << attempt
		slog.Warn("Channel send failed, retrying",
			"channel", ch.Type(),
			"attempt", attempt+1,
			"backoff", backoff,
			"reason", outcome.Reason,
		)
		if err := e.sleepFn(ctx, backoff); err != nil {
			return outcome, attempt
		}
	}
}

// finish moves the instance to a terminal status.
func (e *Executor) finish(ctx context.Context, instance *models.ActionInstance, actionConfig *models.ActionConfig, status, reason string) error {
	instance.Status = status
	instance.FailureReason = reason
	instance.EndTime = e.nowFn().Unix()
	instance.ExternalTaskID = ""
	if err := e.store.Update(ctx, instance); err != nil {
		return fmt.Errorf("finishing action instance: %w", err)
	}
	e.telemetry.ActionsDispatched.WithLabelValues(actionConfig.PluginType, status).Inc()
	e.collector.RecordPublished()
	slog.Info("Action instance finished",
		"instance_id", instance.ID,
		"plugin_type", actionConfig.PluginType,
		"status", status,
	)
	return nil
}

// markDispatched claims the dedupe slot for this alert transition. False
// means another dispatch already claimed it inside the window.
func (e *Executor) markDispatched(ctx context.Context, trigger *events.ActionTrigger) (bool, error) {
	window := time.Duration(e.cfg.DedupeWindowSeconds) * time.Second
	if window <= 0 {
		window = defaultDedupeWindow
	}
	key := redisx.ActionDedupeKey(trigger.AlertID, trigger.ActionConfigID, trigger.Signal)
	ok, err := e.redis.SetNX(ctx, key, "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("claiming dispatch dedupe slot: %w", err)
	}
	return ok, nil
}

func isRemediation(pluginType string) bool {
	switch pluginType {
	case models.PluginTypeJob, models.PluginTypeSops:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
