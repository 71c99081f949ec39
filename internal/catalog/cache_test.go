package catalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/router"
)

type fakeStore struct {
	strategies map[int64]*models.Strategy
	shields    []*models.Shield
	groups     map[int64]*models.UserGroup
	actions    map[int64]*models.ActionConfig
	rules      []router.Rule
	whitelist  map[int64]bool
	err        error
}

func (f *fakeStore) LoadStrategies(ctx context.Context) (map[int64]*models.Strategy, error) {
	return f.strategies, f.err
}

func (f *fakeStore) LoadShields(ctx context.Context) ([]*models.Shield, error) {
	return f.shields, f.err
}

func (f *fakeStore) LoadUserGroups(ctx context.Context) (map[int64]*models.UserGroup, error) {
	return f.groups, f.err
}

func (f *fakeStore) LoadActionConfigs(ctx context.Context) (map[int64]*models.ActionConfig, error) {
	return f.actions, f.err
}

func (f *fakeStore) LoadRouterRules(ctx context.Context) ([]router.Rule, error) {
	return f.rules, f.err
}

func (f *fakeStore) LoadBizWhitelist(ctx context.Context) (map[int64]bool, error) {
	return f.whitelist, f.err
}

func cacheStrategy(id int64, metric string) *models.Strategy {
	return &models.Strategy{
		ID:        id,
		Name:      fmt.Sprintf("strategy %d", id),
		BkBizID:   2,
		IsEnabled: true,
		Items: []models.Item{{
			ID: id*100 + 1,
			QueryConfigs: []models.QueryConfig{{
				DataSourceLabel: "bk_monitor",
				DataTypeLabel:   "time_series",
				Table:           "system.cpu_summary",
				Metric:          metric,
				Method:          "AVG",
				Interval:        60,
				GroupBy:         []string{"bk_target_ip"},
			}},
			Algorithms: []models.AlgorithmConfig{{
				ID: 1, Type: "Threshold", Level: models.LevelWarning,
				Config: map[string]any{"method": "gte", "threshold": 90.0},
			}},
		}},
		Detects:    []models.DetectConfig{{Level: models.LevelWarning, Trigger: models.TriggerConfig{Count: 1, CheckWindow: 1}}},
		UpdateTime: 1700000000,
	}
}

func TestRefreshSeparatesQueryGroups(t *testing.T) {
	// Same table, same dimensions, but different owners and metrics. Each
	// combination pulls different data and must run as its own task.
	store := &fakeStore{strategies: map[int64]*models.Strategy{
		42: cacheStrategy(42, "usage"),
		43: cacheStrategy(43, "usage"),
		44: cacheStrategy(44, "idle"),
	}}
	cache := NewCache(store, "default", time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	groups := cache.Snapshot().QueryGroups()
	if len(groups) != 3 {
		t.Fatalf("got %d query groups, want 3", len(groups))
	}
	seen := make(map[int64]string)
	for _, g := range groups {
		if len(g.Items) != 1 {
			t.Fatalf("group %s has %d items, want 1", g.Key, len(g.Items))
		}
		seen[g.StrategyID] = g.Query.Metric
	}
	if seen[42] != "usage" || seen[43] != "usage" || seen[44] != "idle" {
		t.Fatalf("group ownership wrong: %v", seen)
	}
}

func TestRefreshCoalescesIdenticalQueries(t *testing.T) {
	s := cacheStrategy(42, "usage")
	second := s.Items[0]
	second.ID = 4202
	s.Items = append(s.Items, second)

	store := &fakeStore{strategies: map[int64]*models.Strategy{42: s}}
	cache := NewCache(store, "default", time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	groups := cache.Snapshot().QueryGroups()
	if len(groups) != 1 {
		t.Fatalf("got %d query groups, want 1 coalesced group", len(groups))
	}
	if len(groups[0].Items) != 2 {
		t.Fatalf("coalesced group has %d items, want 2", len(groups[0].Items))
	}
}

func TestRefreshSkipsDisabledAndInvalid(t *testing.T) {
	disabled := cacheStrategy(42, "usage")
	disabled.IsEnabled = false
	invalid := cacheStrategy(43, "usage")
	invalid.Items[0].Algorithms = nil

	store := &fakeStore{strategies: map[int64]*models.Strategy{
		42: disabled,
		43: invalid,
		44: cacheStrategy(44, "usage"),
	}}
	cache := NewCache(store, "default", time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	groups := cache.Snapshot().QueryGroups()
	if len(groups) != 1 || groups[0].StrategyID != 44 {
		t.Fatalf("groups = %+v, want only strategy 44", groups)
	}
}

func TestRefreshErrorKeepsPreviousSnapshot(t *testing.T) {
	store := &fakeStore{strategies: map[int64]*models.Strategy{42: cacheStrategy(42, "usage")}}
	cache := NewCache(store, "default", time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	first := cache.Snapshot()

	store.err = fmt.Errorf("connection refused")
	if err := cache.Refresh(context.Background()); err == nil {
		t.Fatal("refresh succeeded against a failing store")
	}
	if got := cache.Snapshot(); got != first {
		t.Fatalf("snapshot swapped on failed refresh: generation %d, want %d", got.Generation, first.Generation)
	}

	store.err = nil
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("recovery refresh failed: %v", err)
	}
	if got := cache.Snapshot().Generation; got != first.Generation+1 {
		t.Fatalf("generation = %d after recovery, want %d", got, first.Generation+1)
	}
}

func TestRefreshSortsShields(t *testing.T) {
	store := &fakeStore{shields: []*models.Shield{
		{ID: 9, IsEnabled: true},
		{ID: 3, IsEnabled: true},
		{ID: 7, IsEnabled: true},
	}}
	cache := NewCache(store, "default", time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	shields := cache.Snapshot().ActiveShields()
	for i, want := range []int64{3, 7, 9} {
		if shields[i].ID != want {
			t.Fatalf("shields[%d].ID = %d, want %d (ascending)", i, shields[i].ID, want)
		}
	}
}

func TestRefreshPopulatesQoSDropSources(t *testing.T) {
	store := &fakeStore{}
	cache := NewCache(store, "default", time.Minute)

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if got := cache.Snapshot().Settings.QoSDropSources; got != nil {
		t.Fatalf("QoSDropSources = %v without configuration, want nil", got)
	}

	cache.ConfigureQoS([]string{"bk_data", "bk_log_search"}, 5)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	got := cache.Snapshot().Settings.QoSDropSources
	if got["bk_data"] != 5 || got["bk_log_search"] != 5 {
		t.Fatalf("QoSDropSources = %v, want both sources at multiplier 5", got)
	}

	// A missing or degenerate multiplier still backs off.
	cache.ConfigureQoS([]string{"bk_data"}, 0)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if got := cache.Snapshot().Settings.QoSDropSources["bk_data"]; got != 2 {
		t.Fatalf("default multiplier = %d, want 2", got)
	}
}
