package models

import "time"

// Action plugin types.
const (
	PluginTypeNotice  = "notice"
	PluginTypeWebhook = "webhook"
	PluginTypeJob     = "job"
	PluginTypeSops    = "sops"
	PluginTypeITSM    = "itsm"
)

// Action instance statuses.
const (
	ActionStatusRunning        = "RUNNING"
	ActionStatusSuccess        = "SUCCESS"
	ActionStatusPartialSuccess = "PARTIAL_SUCCESS"
	ActionStatusFailed         = "FAILED"
	ActionStatusShielded       = "SHIELDED"
)

// Action trigger signals.
const (
	SignalAbnormal  = "abnormal"
	SignalRecovered = "recovered"
	SignalClosed    = "closed"
	SignalAck       = "ack"
	SignalNoData    = "no_data"
	SignalExecute   = "execute" // scheduled re-notification
)

// ExecuteConfig bounds one dispatch of an action.
type ExecuteConfig struct {
	TimeoutSeconds int               `json:"timeout"`
	MaxRetry       int               `json:"max_retry"`
	RetryInterval  int               `json:"retry_interval"` // seconds, base for backoff
	Template       map[string]string `json:"template,omitempty"`
	// NeedApproval gates remediation on an approved ITSM ticket.
	NeedApproval bool `json:"need_approval,omitempty"`
}

// ActionConfig is one configured response action owned by the config layer.
type ActionConfig struct {
	ID         int64          `json:"id"`
	BkBizID    int64          `json:"bk_biz_id"`
	Name       string         `json:"name"`
	PluginType string         `json:"plugin_type"`
	IsEnabled  bool           `json:"is_enabled"`
	Params     map[string]any `json:"execute_config_params,omitempty"`
	Execute    ExecuteConfig  `json:"execute_config"`
}

// Timeout returns the dispatch timeout with a sane default.
func (c *ActionConfig) Timeout() time.Duration {
	if c.Execute.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Execute.TimeoutSeconds) * time.Second
}

// RecipientResult is one recipient's outcome within an action instance.
type RecipientResult struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

// ActionInstance is a single dispatch attempt of an action config for one
// alert set. Immutable after reaching a terminal status.
type ActionInstance struct {
	ID             string            `json:"id"`
	ActionConfigID int64             `json:"action_config_id"`
	BkBizID        int64             `json:"bk_biz_id"`
	AlertIDs       []string          `json:"alerts"`
	Signal         string            `json:"signal"`
	Assignees      []string          `json:"assignee"`
	Status         string            `json:"status"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	ShielderID     string            `json:"shielder_id,omitempty"`
	CreateTime     int64             `json:"create_time"`
	EndTime        int64             `json:"end_time,omitempty"`
	RetryCount     int               `json:"retry_count"`
	Attempt        int               `json:"attempt"`
	Recipients     []RecipientResult `json:"recipients,omitempty"`
	// ExternalTaskID tracks an async channel task being polled.
	ExternalTaskID string `json:"external_task_id,omitempty"`
}

// IsTerminal reports whether the instance reached a final status.
func (a *ActionInstance) IsTerminal() bool {
	switch a.Status {
	case ActionStatusSuccess, ActionStatusPartialSuccess, ActionStatusFailed, ActionStatusShielded:
		return true
	}
	return false
}

// AggregateStatus folds per-recipient outcomes into the instance status.
func AggregateStatus(results []RecipientResult) string {
	if len(results) == 0 {
		return ActionStatusFailed
	}
	delivered := 0
	for _, r := range results {
		if r.Delivered {
			delivered++
		}
	}
	switch {
	case delivered == len(results):
		return ActionStatusSuccess
	case delivered > 0:
		return ActionStatusPartialSuccess
	default:
		return ActionStatusFailed
	}
}
