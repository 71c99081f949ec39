package alert

import (
	"testing"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

func TestFingerprintStability(t *testing.T) {
	strategy := testStrategy()
	anomaly := testAnomaly(1700000400)

	first := Fingerprint(strategy, anomaly)
	second := Fingerprint(strategy, anomaly)
	if first != second {
		t.Errorf("Fingerprint not stable: %s != %s", first, second)
	}
	if len(first) != 32 {
		t.Errorf("Fingerprint length = %d, want 32 hex chars", len(first))
	}
}

func TestFingerprintDistinguishesStrategies(t *testing.T) {
	anomaly := testAnomaly(1700000400)
	a := testStrategy()
	b := testStrategy()
	b.ID = 43

	if Fingerprint(a, anomaly) == Fingerprint(b, anomaly) {
		t.Error("Fingerprint identical across different strategies")
	}
}

func TestFingerprintDistinguishesTargets(t *testing.T) {
	strategy := testStrategy()
	a := testAnomaly(1700000400)
	b := testAnomaly(1700000400)
	b.Dimensions = map[string]string{"bk_target_ip": "10.0.0.2", "bk_target_cloud_id": "0"}

	if Fingerprint(strategy, a) == Fingerprint(strategy, b) {
		t.Error("Fingerprint identical across different hosts")
	}
}

func TestFingerprintIgnoresAnomalyTime(t *testing.T) {
	strategy := testStrategy()
	a := testAnomaly(1700000400)
	b := testAnomaly(1700099999)

	if Fingerprint(strategy, a) != Fingerprint(strategy, b) {
		t.Error("Fingerprint varies with anomaly timestamp")
	}
}

func TestFingerprintDedupeKeyOverride(t *testing.T) {
	anomaly := testAnomaly(1700000400)
	anomaly.Dimensions["device"] = "eth0"

	defaultKeys := testStrategy()
	custom := testStrategy()
	custom.DedupeKeys = []string{"strategy_id", "device"}

	other := testAnomaly(1700000400)
	other.Dimensions["device"] = "eth0"
	other.Dimensions["bk_target_ip"] = "10.0.0.9"

	// Default keys split by host; custom keys collapse hosts sharing a device.
	if Fingerprint(defaultKeys, anomaly) == Fingerprint(defaultKeys, other) {
		t.Error("default dedupe keys should separate different hosts")
	}
	if Fingerprint(custom, anomaly) != Fingerprint(custom, other) {
		t.Error("custom dedupe keys should collapse hosts sharing a device")
	}
}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		name       string
		dimensions map[string]string
		wantType   string
		wantTarget string
	}{
		{
			name:       "host with cloud id",
			dimensions: map[string]string{"bk_target_ip": "10.0.0.1", "bk_target_cloud_id": "3"},
			wantType:   TargetTypeHost,
			wantTarget: "10.0.0.1|3",
		},
		{
			name:       "host defaults cloud zero",
			dimensions: map[string]string{"bk_target_ip": "10.0.0.1"},
			wantType:   TargetTypeHost,
			wantTarget: "10.0.0.1|0",
		},
		{
			name:       "service instance",
			dimensions: map[string]string{"bk_target_service_instance_id": "77"},
			wantType:   TargetTypeServiceInstance,
			wantTarget: "77",
		},
		{
			name:       "topo node",
			dimensions: map[string]string{"bk_obj_id": "module", "bk_inst_id": "12"},
			wantType:   TargetTypeTopo,
			wantTarget: "module|12",
		},
		{
			name:       "no target dimensions",
			dimensions: map[string]string{"device": "eth0"},
			wantType:   "",
			wantTarget: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotTarget := ResolveTarget(tt.dimensions)
			if gotType != tt.wantType || gotTarget != tt.wantTarget {
				t.Errorf("ResolveTarget() = (%q, %q), want (%q, %q)",
					gotType, gotTarget, tt.wantType, tt.wantTarget)
			}
		})
	}
}

func TestFingerprintUsesDefaultKeys(t *testing.T) {
	strategy := testStrategy()
	if len(models.DefaultDedupeKeys) == 0 {
		t.Fatal("DefaultDedupeKeys empty")
	}
	if Fingerprint(strategy, testAnomaly(0)) == "" {
		t.Error("Fingerprint() empty")
	}
}
