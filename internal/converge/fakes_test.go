package converge

import (
	"context"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/cmdb"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/router"
)

// fakeCatalogStore is a test fake for the catalog source.
type fakeCatalogStore struct {
	strategies map[int64]*models.Strategy
	shields    []*models.Shield
}

func (f *fakeCatalogStore) LoadStrategies(context.Context) (map[int64]*models.Strategy, error) {
	return f.strategies, nil
}
func (f *fakeCatalogStore) LoadShields(context.Context) ([]*models.Shield, error) {
	return f.shields, nil
}
func (f *fakeCatalogStore) LoadUserGroups(context.Context) (map[int64]*models.UserGroup, error) {
	return nil, nil
}
func (f *fakeCatalogStore) LoadActionConfigs(context.Context) (map[int64]*models.ActionConfig, error) {
	return nil, nil
}
func (f *fakeCatalogStore) LoadRouterRules(context.Context) ([]router.Rule, error) {
	return nil, nil
}
func (f *fakeCatalogStore) LoadBizWhitelist(context.Context) (map[int64]bool, error) {
	return nil, nil
}

func newTestCache(strategies map[int64]*models.Strategy, shields []*models.Shield) *catalog.Cache {
	cache := catalog.NewCache(&fakeCatalogStore{strategies: strategies, shields: shields}, "default", time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		panic(err)
	}
	return cache
}

// fakeCmdb serves dynamic group memberships from a map.
type fakeCmdb struct {
	groups map[string][]cmdb.Host
}

func (f *fakeCmdb) HostByIP(context.Context, string, int64) (*cmdb.Host, error) {
	return nil, cmdb.ErrNotFound
}
func (f *fakeCmdb) HostsByDynamicGroup(_ context.Context, _ int64, groupID string) ([]cmdb.Host, error) {
	return f.groups[groupID], nil
}
func (f *fakeCmdb) ServiceInstance(context.Context, int64) (*cmdb.ServiceInstance, error) {
	return nil, cmdb.ErrNotFound
}
func (f *fakeCmdb) BizNames(context.Context) (map[int64]string, error) {
	return nil, nil
}

// fakeTriggers records published action triggers.
// fakeWindow scripts the convergence window verdict.
type fakeWindow struct {
	admit  bool
	admits int
}

func (f *fakeWindow) Admit(context.Context, *Candidate, int64, time.Time) (bool, error) {
	f.admits++
	return f.admit, nil
}

// fakeQoS scripts the rate-cap verdict.
type fakeQoS struct {
	allow  bool
	checks int
}

func (f *fakeQoS) Allow(context.Context, *Candidate) (bool, error) {
	f.checks++
	return f.allow, nil
}

type fakeTriggers struct {
	triggers []*events.ActionTrigger
	err      error
}

func (f *fakeTriggers) PublishTrigger(_ context.Context, trigger *events.ActionTrigger) error {
	if f.err != nil {
		return f.err
	}
	f.triggers = append(f.triggers, trigger)
	return nil
}

func testSignal(signal string) *events.AlertSignal {
	return &events.AlertSignal{
		Envelope:    events.Envelope{Type: events.TypeAlertSignal, SchemaVersion: 1},
		AlertID:     "alert-1",
		Fingerprint: "fp-1",
		StrategyID:  42,
		BkBizID:     2,
		Severity:    models.LevelWarning,
		Signal:      signal,
		Time:        1700000000,
	}
}

func testHostAlert() *models.Alert {
	return &models.Alert{
		ID:          "alert-1",
		Fingerprint: "fp-1",
		Name:        "cpu usage high",
		BkBizID:     2,
		StrategyID:  42,
		Severity:    models.LevelWarning,
		Status:      models.AlertStatusAbnormal,
		TargetType:  "HOST",
		Target:      "10.0.0.1|0",
		Dimensions:  map[string]string{"bk_target_ip": "10.0.0.1", "bk_target_cloud_id": "0"},
		Tags:        map[string]string{"topo_nodes": "set|3,module|7"},
	}
}

func onceShield(id int64, category string, scope models.ShieldScope, now time.Time) *models.Shield {
	return &models.Shield{
		ID:        id,
		BkBizID:   2,
		Category:  category,
		Begin:     now.Add(-time.Minute).Unix(),
		End:       now.Add(10 * time.Minute).Unix(),
		Cycle:     models.ShieldCycle{Type: models.CycleOnce},
		Scope:     scope,
		IsEnabled: true,
	}
}
