// Package action executes converge-surviving triggers: it expands recipient
// groups at dispatch time, fans out one action instance per channel, drives
// the instance lifecycle and tracks per-recipient outcomes.
package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

// Outcome statuses returned by channel adapters.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

// Outcome is one adapter verdict for one recipient.
type Outcome struct {
	Status string
	Reason string
	// TaskID identifies an async task still being executed; set with
	// OutcomePending and consumed by Poll.
	TaskID string
}

// Delivered is shorthand for a successful outcome.
func Delivered() Outcome { return Outcome{Status: OutcomeDelivered} }

// Failed is shorthand for a failed outcome with a reason.
func Failed(reason string) Outcome { return Outcome{Status: OutcomeFailed, Reason: reason} }

// Pending is shorthand for an async outcome carrying the external task ID.
func Pending(taskID string) Outcome { return Outcome{Status: OutcomePending, TaskID: taskID} }

// Payload is the rendered content handed to a channel adapter.
type Payload struct {
	Title string
	Body  string
	// Vars carries the raw render variables for channels that post
	// structured payloads instead of text.
	Vars map[string]string
	// Params carries the action config's execute params (script IDs, flow
	// templates, ticket fields) for the platform channels.
	Params map[string]any
}

// RenderContext is everything a channel may render from.
type RenderContext struct {
	Trigger  *events.ActionTrigger
	Alert    *models.Alert
	Strategy *models.Strategy
	Config   *models.ActionConfig
	Now      time.Time
}

// Channel is one dispatch backend. Send must be idempotent for
// (fingerprint, attempt); a channel returning Pending is polled at
// PollInterval until it reports a terminal outcome.
type Channel interface {
	Type() string
	Timeout() time.Duration
	// PollInterval returns zero for synchronous channels.
	PollInterval() time.Duration
	Render(rctx *RenderContext) *Payload
	Send(ctx context.Context, recipient string, payload *Payload) Outcome
	Poll(ctx context.Context, taskID string) Outcome
}

// Registry maps channel types to adapters.
type Registry struct {
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel adapter.
func (r *Registry) Register(ch Channel) {
	r.channels[ch.Type()] = ch
}

// Get retrieves a channel adapter by type.
func (r *Registry) Get(channelType string) (Channel, bool) {
	ch, ok := r.channels[channelType]
	return ch, ok
}

// List returns all registered channel types.
func (r *Registry) List() []string {
	types := make([]string, 0, len(r.channels))
	for t := range r.channels {
		types = append(types, t)
	}
	return types
}

// renderVars flattens the context into template variables.
func renderVars(rctx *RenderContext) map[string]string {
	vars := map[string]string{
		"alert_id":    rctx.Trigger.AlertID,
		"signal":      rctx.Trigger.Signal,
		"severity":    fmt.Sprintf("%d", rctx.Trigger.Severity),
		"strategy_id": fmt.Sprintf("%d", rctx.Trigger.StrategyID),
		"bk_biz_id":   fmt.Sprintf("%d", rctx.Trigger.BkBizID),
		"time":        rctx.Now.UTC().Format(time.RFC3339),
	}
	if rctx.Strategy != nil {
		vars["alert_name"] = rctx.Strategy.Name
	}
	if rctx.Alert != nil {
		vars["alert_name"] = rctx.Alert.Name
		vars["target"] = rctx.Alert.Target
		vars["target_type"] = rctx.Alert.TargetType
		vars["status"] = rctx.Alert.Status
		for k, v := range rctx.Alert.Dimensions {
			vars["dim."+k] = v
		}
		if n := len(rctx.Alert.Events); n > 0 {
			vars["message"] = rctx.Alert.Events[n-1].Message
		}
	}
	return vars
}

// renderTemplate substitutes {{var}} placeholders from vars. Unknown
// placeholders render empty.
func renderTemplate(tmpl string, vars map[string]string) string {
	out := tmpl
	for {
		start := strings.Index(out, "{{")
		if start < 0 {
			return out
		}
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			return out
		}
		end += start
		key := strings.TrimSpace(out[start+2 : end])
		out = out[:start] + vars[key] + out[end+2:]
	}
}

// defaultTitle renders the standard notification title.
func defaultTitle(vars map[string]string) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(vars["signal"]), vars["alert_name"])
}

// defaultBody renders the standard plain-text notification body.
func defaultBody(vars map[string]string) string {
	var sb strings.Builder
	sb.WriteString("Alert Notification\n")
	sb.WriteString("==================\n\n")
	sb.WriteString(fmt.Sprintf("Name: %s\n", vars["alert_name"]))
	sb.WriteString(fmt.Sprintf("Signal: %s\n", vars["signal"]))
	sb.WriteString(fmt.Sprintf("Severity: %s\n", vars["severity"]))
	sb.WriteString(fmt.Sprintf("Strategy ID: %s\n", vars["strategy_id"]))
	sb.WriteString(fmt.Sprintf("Business: %s\n", vars["bk_biz_id"]))
	if vars["target"] != "" {
		sb.WriteString(fmt.Sprintf("Target: %s (%s)\n", vars["target"], vars["target_type"]))
	}
	if vars["message"] != "" {
		sb.WriteString(fmt.Sprintf("Detail: %s\n", vars["message"]))
	}
	sb.WriteString(fmt.Sprintf("Alert ID: %s\n", vars["alert_id"]))
	sb.WriteString(fmt.Sprintf("Time: %s\n", vars["time"]))
	return sb.String()
}

// renderPayload applies the config template when present, otherwise the
// defaults.
func renderPayload(rctx *RenderContext) *Payload {
	vars := renderVars(rctx)
	title := defaultTitle(vars)
	body := defaultBody(vars)
	payload := &Payload{Vars: vars}
	if rctx.Config != nil {
		if t := rctx.Config.Execute.Template["title"]; t != "" {
			title = renderTemplate(t, vars)
		}
		if t := rctx.Config.Execute.Template["content"]; t != "" {
			body = renderTemplate(t, vars)
		}
		payload.Params = rctx.Config.Params
	}
	payload.Title = title
	payload.Body = body
	return payload
}
