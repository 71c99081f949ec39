package access

import "testing"

func TestQosAllows(t *testing.T) {
	tests := []struct {
		name     string
		now      int64
		interval int64
		mult     int
		want     bool
	}{
		{"first slice of stretched bucket runs", 300, 60, 5, true},
		{"late slice of stretched bucket drops", 360, 60, 5, false},
		{"last slice before wrap drops", 599, 60, 5, false},
		{"next stretched bucket runs again", 600, 60, 5, true},
		{"multiplier one never drops", 360, 60, 1, true},
		{"zero multiplier never drops", 360, 60, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := qosAllows(tt.now, tt.interval, tt.mult); got != tt.want {
				t.Errorf("qosAllows(%d, %d, %d) = %v, want %v", tt.now, tt.interval, tt.mult, got, tt.want)
			}
		})
	}
}

func TestQosAllowsOncePerStretchedWindow(t *testing.T) {
	// A 60s group throttled by 5 must run exactly once per 300s.
	runs := 0
	for now := int64(0); now < 1500; now += 60 {
		if qosAllows(now, 60, 5) {
			runs++
		}
	}
	if runs != 5 {
		t.Errorf("runs = %d over 25 intervals, want 5", runs)
	}
}
