package converge

import (
	"context"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/cmdb"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

func TestInNoticeWindow(t *testing.T) {
	tests := []struct {
		name    string
		window  string
		at      string // HH:MM
		want    bool
		wantErr bool
	}{
		{name: "inside day window", window: "09:00--18:00", at: "12:30", want: true},
		{name: "before day window", window: "09:00--18:00", at: "08:59", want: false},
		{name: "after day window", window: "09:00--18:00", at: "18:01", want: false},
		{name: "boundary begin", window: "09:00--18:00", at: "09:00", want: true},
		{name: "boundary end", window: "09:00--18:00", at: "18:00", want: true},
		{name: "midnight wrap inside late", window: "22:00--06:00", at: "23:30", want: true},
		{name: "midnight wrap inside early", window: "22:00--06:00", at: "03:00", want: true},
		{name: "midnight wrap outside", window: "22:00--06:00", at: "12:00", want: false},
		{name: "missing separator", window: "09:00-18:00", wantErr: true},
		{name: "garbage time", window: "morning--18:00", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at, err := time.Parse("15:04", tt.at)
			if tt.at == "" {
				at = time.Now()
			} else if err != nil {
				t.Fatalf("bad test time: %v", err)
			}
			got, err := inNoticeWindow(tt.window, at)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for window %q", tt.window)
				}
				return
			}
			if err != nil {
				t.Fatalf("inNoticeWindow: %v", err)
			}
			if got != tt.want {
				t.Errorf("inNoticeWindow(%q, %s) = %v, want %v", tt.window, tt.at, got, tt.want)
			}
		})
	}
}

func TestTimeWindowShielder(t *testing.T) {
	shielder := NewTimeWindowShielder()
	noon := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	strategy := &models.Strategy{ID: 42, Notice: models.NoticeConfig{NoticeWindow: "09:00--18:00"}}
	target := &Target{Signal: testSignal(models.SignalAbnormal), Strategy: strategy}

	matched, _, err := shielder.Match(context.Background(), target, noon)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if matched {
		t.Error("signal inside the notice window should not be shielded")
	}

	night := time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC)
	matched, id, err := shielder.Match(context.Background(), target, night)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !matched || id != "time_window" {
		t.Errorf("signal outside the notice window should be shielded, got matched=%v id=%q", matched, id)
	}

	// No window configured means no restriction.
	target.Strategy = &models.Strategy{ID: 42}
	matched, _, err = shielder.Match(context.Background(), target, night)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if matched {
		t.Error("strategy without a notice window should never be shielded")
	}
}

func TestConfigShielderStrategyCategory(t *testing.T) {
	now := time.Unix(1700000000, 0)
	shields := []*models.Shield{
		onceShield(10, models.ShieldCategoryStrategy, models.ShieldScope{StrategyIDs: []int64{42}}, now),
	}
	shielder := NewConfigShielder(newTestCache(nil, shields), &fakeCmdb{})

	target := &Target{Signal: testSignal(models.SignalAbnormal)}
	matched, id, err := shielder.Match(context.Background(), target, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !matched || id != "10" {
		t.Errorf("strategy shield should match, got matched=%v id=%q", matched, id)
	}

	other := testSignal(models.SignalAbnormal)
	other.StrategyID = 99
	matched, _, err = shielder.Match(context.Background(), &Target{Signal: other}, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if matched {
		t.Error("shield must not match a different strategy")
	}
}

func TestConfigShielderStrategyLevels(t *testing.T) {
	now := time.Unix(1700000000, 0)
	shields := []*models.Shield{
		onceShield(10, models.ShieldCategoryStrategy, models.ShieldScope{
			StrategyIDs: []int64{42},
			Levels:      []int{models.LevelFatal},
		}, now),
	}
	shielder := NewConfigShielder(newTestCache(nil, shields), &fakeCmdb{})

	target := &Target{Signal: testSignal(models.SignalAbnormal)} // warning severity
	matched, _, err := shielder.Match(context.Background(), target, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if matched {
		t.Error("level-restricted shield must not match other severities")
	}

	fatal := testSignal(models.SignalAbnormal)
	fatal.Severity = models.LevelFatal
	matched, _, err = shielder.Match(context.Background(), &Target{Signal: fatal}, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !matched {
		t.Error("shield should match its configured severity")
	}
}

func TestConfigShielderScopeIP(t *testing.T) {
	now := time.Unix(1700000000, 0)
	shields := []*models.Shield{
		onceShield(11, models.ShieldCategoryScope, models.ShieldScope{
			ScopeType: models.ScopeTypeIP,
			Hosts:     []models.ShieldHost{{IP: "10.0.0.1", BkCloudID: 0}},
		}, now),
	}
	shielder := NewConfigShielder(newTestCache(nil, shields), &fakeCmdb{})

	target := &Target{Signal: testSignal(models.SignalAbnormal), Alert: testHostAlert()}
	matched, id, err := shielder.Match(context.Background(), target, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !matched || id != "11" {
		t.Errorf("scope ip shield should match the alert host, got matched=%v id=%q", matched, id)
	}

	miss := testHostAlert()
	miss.Target = "10.0.0.2|0"
	matched, _, err = shielder.Match(context.Background(), &Target{Signal: testSignal(models.SignalAbnormal), Alert: miss}, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if matched {
		t.Error("scope ip shield must not match a different host")
	}
}

func TestConfigShielderScopeNode(t *testing.T) {
	now := time.Unix(1700000000, 0)
	shields := []*models.Shield{
		onceShield(12, models.ShieldCategoryScope, models.ShieldScope{
			ScopeType: models.ScopeTypeNode,
			Nodes:     []models.ShieldNode{{BkObjID: "module", BkInstID: 7}},
		}, now),
	}
	shielder := NewConfigShielder(newTestCache(nil, shields), &fakeCmdb{})

	target := &Target{Signal: testSignal(models.SignalAbnormal), Alert: testHostAlert()}
	matched, _, err := shielder.Match(context.Background(), target, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !matched {
		t.Error("node shield should match a host under the topo node")
	}
}

func TestConfigShielderScopeDynamicGroup(t *testing.T) {
	now := time.Unix(1700000000, 0)
	shields := []*models.Shield{
		onceShield(13, models.ShieldCategoryScope, models.ShieldScope{
			ScopeType:     models.ScopeTypeDynamicGroup,
			DynamicGroups: []string{"group-a"},
		}, now),
	}
	provider := &fakeCmdb{groups: map[string][]cmdb.Host{
		"group-a": {{IP: "10.0.0.1", BkCloudID: 0}},
	}}
	shielder := NewConfigShielder(newTestCache(nil, shields), provider)

	target := &Target{Signal: testSignal(models.SignalAbnormal), Alert: testHostAlert()}
	matched, _, err := shielder.Match(context.Background(), target, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !matched {
		t.Error("dynamic group shield should match a member host")
	}
}

func TestConfigShielderDimension(t *testing.T) {
	now := time.Unix(1700000000, 0)
	shields := []*models.Shield{
		onceShield(14, models.ShieldCategoryDimension, models.ShieldScope{
			Dimensions: []models.Condition{{Field: "bk_target_ip", Method: "eq", Values: []string{"10.0.0.1"}}},
		}, now),
	}
	shielder := NewConfigShielder(newTestCache(nil, shields), &fakeCmdb{})

	target := &Target{Signal: testSignal(models.SignalAbnormal), Alert: testHostAlert()}
	matched, _, err := shielder.Match(context.Background(), target, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !matched {
		t.Error("dimension shield should match the alert dimensions")
	}
}

func TestConfigShielderSkipsOtherBiz(t *testing.T) {
	now := time.Unix(1700000000, 0)
	shield := onceShield(15, models.ShieldCategoryStrategy, models.ShieldScope{StrategyIDs: []int64{42}}, now)
	shield.BkBizID = 9
	shielder := NewConfigShielder(newTestCache(nil, []*models.Shield{shield}), &fakeCmdb{})

	target := &Target{Signal: testSignal(models.SignalAbnormal)} // biz 2
	matched, _, err := shielder.Match(context.Background(), target, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if matched {
		t.Error("shield scoped to another biz must not match")
	}
}

func TestConfigShielderExpiredShield(t *testing.T) {
	now := time.Unix(1700000000, 0)
	shield := onceShield(16, models.ShieldCategoryStrategy, models.ShieldScope{StrategyIDs: []int64{42}}, now)
	shield.Begin = now.Add(-2 * time.Hour).Unix()
	shield.End = now.Add(-time.Hour).Unix()
	shielder := NewConfigShielder(newTestCache(nil, []*models.Shield{shield}), &fakeCmdb{})

	target := &Target{Signal: testSignal(models.SignalAbnormal)}
	matched, _, err := shielder.Match(context.Background(), target, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if matched {
		t.Error("expired shield must not match")
	}
}

func TestConfigShielderLowestIDWins(t *testing.T) {
	now := time.Unix(1700000000, 0)
	shields := []*models.Shield{
		onceShield(20, models.ShieldCategoryStrategy, models.ShieldScope{StrategyIDs: []int64{42}}, now),
		onceShield(5, models.ShieldCategoryStrategy, models.ShieldScope{StrategyIDs: []int64{42}}, now),
	}
	shielder := NewConfigShielder(newTestCache(nil, shields), &fakeCmdb{})

	target := &Target{Signal: testSignal(models.SignalAbnormal)}
	matched, id, err := shielder.Match(context.Background(), target, now)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !matched || id != "5" {
		t.Errorf("the lowest shield ID should win, got matched=%v id=%q", matched, id)
	}
}
