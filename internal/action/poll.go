package action

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

const defaultPollInterval = 30 * time.Second

// pollLoop advances instances waiting on external tasks: approval tickets
// and async platform executions.
func (e *Executor) pollLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.pollCycle(ctx); err != nil {
				slog.Error("Action poll cycle failed", "error", err)
				e.collector.RecordError()
			}
		}
	}
}

func (e *Executor) pollCycle(ctx context.Context) error {
	instances, err := e.store.ListPolling(ctx)
	if err != nil {
		return err
	}
	for _, instance := range instances {
		actionConfig := e.pollConfig(instance)
		if actionConfig == nil {
			e.collector.IncrementCustom("missing_action_config")
			if err := e.finish(ctx, instance, orphanConfig(instance), models.ActionStatusFailed, "action config removed while polling"); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(instance.ExternalTaskID, approvalTaskPrefix) {
			err = e.pollApproval(ctx, instance, actionConfig)
		} else {
			err = e.pollTask(ctx, instance, actionConfig)
		}
		if err != nil {
			slog.Error("Failed to poll action instance",
				"instance_id", instance.ID,
				"error", err,
			)
		}
	}
	return nil
}

// pollConfig resolves the instance's action config; notice instances never
// carry external tasks, so ID 0 does not appear here.
func (e *Executor) pollConfig(instance *models.ActionInstance) *models.ActionConfig {
	snap := e.catalog.Snapshot()
	if snap == nil {
		return nil
	}
	actionConfig, ok := snap.ActionConfigs[instance.ActionConfigID]
	if !ok {
		return nil
	}
	return actionConfig
}

// pollApproval checks the gating ticket and, once approved, dispatches the
// remediation it was holding back.
func (e *Executor) pollApproval(ctx context.Context, instance *models.ActionInstance, actionConfig *models.ActionConfig) error {
	if e.approver == nil {
		return e.finish(ctx, instance, actionConfig, models.ActionStatusFailed, "approval backend unavailable")
	}
	ticketID := strings.TrimPrefix(instance.ExternalTaskID, approvalTaskPrefix)
	state, err := e.approver.State(ctx, ticketID)
	if err != nil {
		return err
	}
	switch state {
	case ApprovalApproved:
		ch, ok := e.registry.Get(actionConfig.PluginType)
		if !ok {
			return e.finish(ctx, instance, actionConfig, models.ActionStatusFailed, "no channel for plugin type "+actionConfig.PluginType)
		}
		slog.Info("Approval granted, dispatching remediation",
			"instance_id", instance.ID,
			"ticket_id", ticketID,
		)
		instance.ExternalTaskID = ""
		return e.send(ctx, instance, ch, actionConfig, e.replayPayload(instance, actionConfig))
	case ApprovalRejected:
		return e.finish(ctx, instance, actionConfig, models.ActionStatusFailed, "approval ticket rejected")
	}
	return nil
}

// pollTask checks a platform task and finalises the instance on a terminal
// answer.
func (e *Executor) pollTask(ctx context.Context, instance *models.ActionInstance, actionConfig *models.ActionConfig) error {
	ch, ok := e.registry.Get(actionConfig.PluginType)
	if !ok {
		return e.finish(ctx, instance, actionConfig, models.ActionStatusFailed, "no channel for plugin type "+actionConfig.PluginType)
	}

	pollCtx, cancel := context.WithTimeout(ctx, ch.Timeout())
	outcome := ch.Poll(pollCtx, instance.ExternalTaskID)
	cancel()

	switch outcome.Status {
	case OutcomeDelivered:
		for _, recipient := range instance.Assignees {
			instance.Recipients = append(instance.Recipients, models.RecipientResult{
				Recipient: recipient, Channel: ch.Type(), Delivered: true,
			})
		}
		return e.finish(ctx, instance, actionConfig, models.AggregateStatus(instance.Recipients), "")
	case OutcomeFailed:
		return e.finish(ctx, instance, actionConfig, models.ActionStatusFailed, outcome.Reason)
	}
	return nil
}

// replayPayload rebuilds the dispatch payload for a remediation released by
// approval. Config params carry the task definition; the alert context vars
// are reduced to what the stored instance still knows.
func (e *Executor) replayPayload(instance *models.ActionInstance, actionConfig *models.ActionConfig) *Payload {
	vars := map[string]string{"signal": instance.Signal}
	if len(instance.AlertIDs) > 0 {
		vars["alert_id"] = instance.AlertIDs[0]
	}
	return &Payload{
		Title:  actionConfig.Name,
		Body:   actionConfig.Name,
		Vars:   vars,
		Params: actionConfig.Params,
	}
}

// orphanConfig stands in for a config deleted while its instance was still
// polling, so the terminal metric keeps a plugin label.
func orphanConfig(instance *models.ActionInstance) *models.ActionConfig {
	return &models.ActionConfig{
		ID:         instance.ActionConfigID,
		PluginType: "unknown",
	}
}
