package detect

import (
	"context"
	"strings"
	"testing"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
)

func thresholdConfig(groups ...[]map[string]any) map[string]any {
	raw := make([]any, 0, len(groups))
	for _, group := range groups {
		rules := make([]any, 0, len(group))
		for _, rule := range group {
			rules = append(rules, rule)
		}
		raw = append(raw, rules)
	}
	return map[string]any{"config": raw}
}

func TestThresholdDetect(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		value   *float64
		anomaly bool
	}{
		{
			name:    "single rule fires",
			config:  thresholdConfig([]map[string]any{{"method": "gte", "threshold": 90.0}}),
			value:   floatPtr(95),
			anomaly: true,
		},
		{
			name:    "single rule passes",
			config:  thresholdConfig([]map[string]any{{"method": "gte", "threshold": 90.0}}),
			value:   floatPtr(80),
			anomaly: false,
		},
		{
			name: "and group needs every rule",
			config: thresholdConfig([]map[string]any{
				{"method": "gte", "threshold": 50.0},
				{"method": "lte", "threshold": 80.0},
			}),
			value:   floatPtr(90),
			anomaly: false,
		},
		{
			name: "and group fires inside band",
			config: thresholdConfig([]map[string]any{
				{"method": "gte", "threshold": 50.0},
				{"method": "lte", "threshold": 80.0},
			}),
			value:   floatPtr(60),
			anomaly: true,
		},
		{
			name: "or groups fire on either",
			config: thresholdConfig(
				[]map[string]any{{"method": "gte", "threshold": 90.0}},
				[]map[string]any{{"method": "lte", "threshold": 10.0}},
			),
			value:   floatPtr(5),
			anomaly: true,
		},
		{
			name:    "nil value never fires",
			config:  thresholdConfig([]map[string]any{{"method": "gte", "threshold": 90.0}}),
			value:   nil,
			anomaly: false,
		},
		{
			name:    "boundary is inclusive for gte",
			config:  thresholdConfig([]map[string]any{{"method": "gte", "threshold": 90.0}}),
			value:   floatPtr(90),
			anomaly: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alg, err := newThreshold(tt.config)
			if err != nil {
				t.Fatalf("newThreshold() error = %v", err)
			}
			out, err := alg.Detect(context.Background(), Input{
				Point: &events.Point{Value: tt.value},
				Item:  testItem(),
			})
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if out.IsAnomaly != tt.anomaly {
				t.Errorf("Detect() anomaly = %v, want %v", out.IsAnomaly, tt.anomaly)
			}
			if tt.anomaly && out.Message == "" {
				t.Error("Detect() anomaly with empty message")
			}
		})
	}
}

func TestThresholdMessageRendersRule(t *testing.T) {
	alg, err := newThreshold(thresholdConfig([]map[string]any{{"method": "gte", "threshold": 90.0}}))
	if err != nil {
		t.Fatalf("newThreshold() error = %v", err)
	}
	out, err := alg.Detect(context.Background(), Input{
		Point: &events.Point{Value: floatPtr(95.5)},
		Item:  testItem(),
	})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !strings.Contains(out.Message, "95.5") || !strings.Contains(out.Message, ">= 90") {
		t.Errorf("Detect() message = %q, want value and rule rendered", out.Message)
	}
}

func TestThresholdConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
	}{
		{"empty config", map[string]any{}},
		{"no groups", map[string]any{"config": []any{}}},
		{"bad method", thresholdConfig([]map[string]any{{"method": "between", "threshold": 1.0}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newThreshold(tt.config); err == nil {
				t.Error("newThreshold() expected error, got nil")
			}
		})
	}
}
