package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
)

const ratioNow = int64(1700000400) // aligned to 60s

func ratioPoint(value float64) *events.Point {
	return &events.Point{
		Timestamp:  ratioNow,
		Value:      floatPtr(value),
		Dimensions: map[string]string{"bk_target_ip": "10.0.0.1"},
	}
}

func TestSimpleRingRatio(t *testing.T) {
	tests := []struct {
		name      string
		config    map[string]any
		value     float64
		reference *float64
		anomaly   bool
	}{
		{
			name:      "rise over ceil fires",
			config:    map[string]any{"ceil": 10.0, "floor": 10.0},
			value:     115,
			reference: floatPtr(100),
			anomaly:   true,
		},
		{
			name:      "drop under floor fires",
			config:    map[string]any{"ceil": 10.0, "floor": 10.0},
			value:     85,
			reference: floatPtr(100),
			anomaly:   true,
		},
		{
			name:      "inside band passes",
			config:    map[string]any{"ceil": 10.0, "floor": 10.0},
			value:     105,
			reference: floatPtr(100),
			anomaly:   false,
		},
		{
			name:      "zero ceil disables rise check",
			config:    map[string]any{"floor": 10.0},
			value:     200,
			reference: floatPtr(100),
			anomaly:   false,
		},
		{
			name:      "missing reference passes",
			config:    map[string]any{"ceil": 10.0, "floor": 10.0},
			value:     200,
			reference: nil,
			anomaly:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := newFakeHistory()
			if tt.reference != nil {
				history.Set(ratioNow-60, *tt.reference)
			}
			alg, err := newSimpleRingRatio(tt.config)
			if err != nil {
				t.Fatalf("newSimpleRingRatio() error = %v", err)
			}
			out, err := alg.Detect(context.Background(), Input{
				Point:   ratioPoint(tt.value),
				Item:    testItem(),
				History: history,
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

func TestSimpleYearRoundComparesOneWeekBack(t *testing.T) {
	history := newFakeHistory()
	week := int64(7 * 24 * 3600)
	history.Set(ratioNow-week, 100)

	alg, err := newSimpleYearRound(map[string]any{"ceil": 20.0})
	if err != nil {
		t.Fatalf("newSimpleYearRound() error = %v", err)
	}
	out, err := alg.Detect(context.Background(), Input{
		Point:   ratioPoint(130),
		Item:    testItem(),
		History: history,
	})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !out.IsAnomaly {
		t.Error("Detect() anomaly = false, want true for 30% rise over last week")
	}
}

func TestSimpleRingRatioHistoryError(t *testing.T) {
	history := newFakeHistory()
	history.SetError(errHistoryDown)

	alg, err := newSimpleRingRatio(map[string]any{"ceil": 10.0})
	if err != nil {
		t.Fatalf("newSimpleRingRatio() error = %v", err)
	}
	_, err = alg.Detect(context.Background(), Input{
		Point:   ratioPoint(100),
		Item:    testItem(),
		History: history,
	})
	if !errors.Is(err, errHistoryDown) {
		t.Errorf("Detect() error = %v, want history error surfaced", err)
	}
}

func TestAdvancedRingRatioWindowMean(t *testing.T) {
	history := newFakeHistory()
	// Mean of the 3 previous buckets is 100.
	history.Set(ratioNow-60, 90)
	history.Set(ratioNow-120, 100)
	history.Set(ratioNow-180, 110)

	alg, err := newAdvancedRingRatio(map[string]any{
		"ceil":          20.0,
		"ceil_interval": 3,
	})
	if err != nil {
		t.Fatalf("newAdvancedRingRatio() error = %v", err)
	}

	tests := []struct {
		name    string
		value   float64
		anomaly bool
	}{
		{"rise over mean fires", 125, true},
		{"inside band passes", 110, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := alg.Detect(context.Background(), Input{
				Point:   ratioPoint(tt.value),
				Item:    testItem(),
				History: history,
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

func TestAdvancedRingRatioEmptyWindowPasses(t *testing.T) {
	alg, err := newAdvancedRingRatio(map[string]any{
		"floor":          20.0,
		"floor_interval": 3,
	})
	if err != nil {
		t.Fatalf("newAdvancedRingRatio() error = %v", err)
	}
	out, err := alg.Detect(context.Background(), Input{
		Point:   ratioPoint(1),
		Item:    testItem(),
		History: newFakeHistory(),
	})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if out.IsAnomaly {
		t.Error("Detect() anomaly = true, want false when no history exists")
	}
}

func TestAdvancedYearRoundStepsBackInDays(t *testing.T) {
	history := newFakeHistory()
	day := int64(24 * 3600)
	history.Set(ratioNow-day, 100)
	history.Set(ratioNow-2*day, 100)

	alg, err := newAdvancedYearRound(map[string]any{
		"floor":          30.0,
		"floor_interval": 2,
	})
	if err != nil {
		t.Fatalf("newAdvancedYearRound() error = %v", err)
	}
	out, err := alg.Detect(context.Background(), Input{
		Point:   ratioPoint(50),
		Item:    testItem(),
		History: history,
	})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !out.IsAnomaly {
		t.Error("Detect() anomaly = false, want true for 50% drop under daily mean")
	}
	if history.calls != 2 {
		t.Errorf("history lookups = %d, want 2", history.calls)
	}
}
