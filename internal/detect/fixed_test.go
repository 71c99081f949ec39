package detect

import (
	"context"
	"testing"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
)

func TestIntelligentDetectPassthrough(t *testing.T) {
	alg, _ := newIntelligentDetect(nil)

	out, err := alg.Detect(context.Background(), Input{
		Point: &events.Point{Value: floatPtr(1), IsAnomaly: true},
		Item:  testItem(),
	})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !out.IsAnomaly {
		t.Error("Detect() anomaly = false, want passthrough of is_anomaly flag")
	}

	out, err = alg.Detect(context.Background(), Input{
		Point: &events.Point{Value: floatPtr(1)},
		Item:  testItem(),
	})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if out.IsAnomaly {
		t.Error("Detect() anomaly = true for unflagged point")
	}
}

func TestForecastingBand(t *testing.T) {
	alg, _ := newForecasting(nil)
	tests := []struct {
		name    string
		value   float64
		values  map[string]float64
		anomaly bool
	}{
		{"above upper bound", 120, map[string]float64{"lower_bound": 50, "upper_bound": 100}, true},
		{"below lower bound", 30, map[string]float64{"lower_bound": 50, "upper_bound": 100}, true},
		{"inside band", 75, map[string]float64{"lower_bound": 50, "upper_bound": 100}, false},
		{"no band attached", 120, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := alg.Detect(context.Background(), Input{
				Point: &events.Point{Value: floatPtr(tt.value), Values: tt.values},
				Item:  testItem(),
			})
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if out.IsAnomaly != tt.anomaly {
				t.Errorf("Detect() anomaly = %v, want %v", out.IsAnomaly, tt.anomaly)
			}
		})
	}
}

func TestFixedExpressionAlgorithms(t *testing.T) {
	tests := []struct {
		name    string
		factory Factory
		value   *float64
		anomaly bool
	}{
		{"ping unreachable fires on loss", newPingUnreachable, floatPtr(1), true},
		{"ping reachable passes", newPingUnreachable, floatPtr(0), false},
		{"proc port down fires", newProcPort, floatPtr(0), true},
		{"proc port up passes", newProcPort, floatPtr(1), false},
		{"recent restart fires", newOsRestart, floatPtr(120), true},
		{"long uptime passes", newOsRestart, floatPtr(86400), false},
		{"zero uptime passes", newOsRestart, floatPtr(0), false},
		{"nil value passes", newOsRestart, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alg, err := tt.factory(nil)
			if err != nil {
				t.Fatalf("factory error = %v", err)
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
		})
	}
}

func TestRegistryBuild(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.Build(testAlgorithmConfig("Threshold", map[string]any{
		"config": []any{[]any{map[string]any{"method": "gte", "threshold": 1.0}}},
	})); err != nil {
		t.Fatalf("Build(Threshold) error = %v", err)
	}

	if _, err := registry.Build(testAlgorithmConfig("NotAnAlgorithm", nil)); err == nil {
		t.Error("Build() expected error for unknown type, got nil")
	}
}
