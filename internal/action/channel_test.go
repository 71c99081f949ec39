package action

import (
	"strings"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

func testRenderContext() *RenderContext {
	return &RenderContext{
		Trigger: testTrigger(models.SignalAbnormal),
		Alert: &models.Alert{
			ID:         "alert-1",
			Name:       "cpu usage high",
			Status:     models.AlertStatusAbnormal,
			TargetType: "HOST",
			Target:     "10.0.0.1|0",
			Dimensions: map[string]string{"bk_target_ip": "10.0.0.1"},
			Events: []models.AlertEvent{
				{Message: "cpu_usage=97.2 over threshold 90"},
			},
		},
		Now: time.Unix(1700000000, 0),
	}
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{"alert_name": "cpu usage high", "severity": "2"}
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"substitutes known vars", "{{alert_name}} sev={{severity}}", "cpu usage high sev=2"},
		{"unknown var renders empty", "x{{missing}}y", "xy"},
		{"no placeholders passes through", "plain text", "plain text"},
		{"unterminated placeholder kept", "a{{broken", "a{{broken"},
		{"whitespace inside braces", "{{ alert_name }}", "cpu usage high"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderTemplate(tt.tmpl, vars); got != tt.want {
				t.Errorf("renderTemplate(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRenderPayloadDefaults(t *testing.T) {
	payload := renderPayload(testRenderContext())
	if payload.Title != "[ABNORMAL] cpu usage high" {
		t.Errorf("unexpected title %q", payload.Title)
	}
	if !strings.Contains(payload.Body, "Target: 10.0.0.1|0 (HOST)") {
		t.Errorf("body missing target line:\n%s", payload.Body)
	}
	if !strings.Contains(payload.Body, "cpu_usage=97.2") {
		t.Errorf("body missing latest event message:\n%s", payload.Body)
	}
	if payload.Vars["dim.bk_target_ip"] != "10.0.0.1" {
		t.Errorf("dimension var not flattened, vars=%v", payload.Vars)
	}
}

func TestRenderPayloadConfigTemplateOverride(t *testing.T) {
	rctx := testRenderContext()
	rctx.Config = &models.ActionConfig{
		Params: map[string]any{"script_id": float64(9)},
		Execute: models.ExecuteConfig{
			Template: map[string]string{
				"title":   "P{{severity}}: {{alert_name}}",
				"content": "{{message}}",
			},
		},
	}
	payload := renderPayload(rctx)
	if payload.Title != "P2: cpu usage high" {
		t.Errorf("unexpected title %q", payload.Title)
	}
	if payload.Body != "cpu_usage=97.2 over threshold 90" {
		t.Errorf("unexpected body %q", payload.Body)
	}
	if payload.Params["script_id"] != float64(9) {
		t.Errorf("config params not carried, got %v", payload.Params)
	}
}

func TestIMChannelRenderMarkdown(t *testing.T) {
	ch := NewIMChannel()
	payload := ch.Render(testRenderContext())
	if !strings.HasPrefix(payload.Body, "**[ABNORMAL] cpu usage high**") {
		t.Errorf("markdown body missing bold title:\n%s", payload.Body)
	}
	if !strings.Contains(payload.Body, "> Name: cpu usage high") {
		t.Errorf("markdown body missing quoted lines:\n%s", payload.Body)
	}
}
