package alert

import (
	"context"
	"errors"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/router"
)

// fakeCatalogStore is a test fake for the catalog source.
type fakeCatalogStore struct {
	strategies map[int64]*models.Strategy
	whitelist  map[int64]bool
}

func (f *fakeCatalogStore) LoadStrategies(context.Context) (map[int64]*models.Strategy, error) {
	return f.strategies, nil
}
func (f *fakeCatalogStore) LoadShields(context.Context) ([]*models.Shield, error) {
	return nil, nil
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
	return f.whitelist, nil
}

func newTestCache(strategies map[int64]*models.Strategy, whitelist map[int64]bool) *catalog.Cache {
	cache := catalog.NewCache(&fakeCatalogStore{strategies: strategies, whitelist: whitelist}, "default", time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		panic(err)
	}
	return cache
}

// fakeStore is an in-memory alert store.
type fakeStore struct {
	alerts    map[string]*models.Alert // by ID
	insertErr error
	updateErr error
	inserts   int
	updates   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: make(map[string]*models.Alert)}
}

func (f *fakeStore) GetOpenByFingerprint(_ context.Context, fingerprint string) (*models.Alert, error) {
	for _, alert := range f.alerts {
		if alert.Fingerprint == fingerprint && alert.IsOpen() {
			copied := *alert
			return &copied, nil
		}
	}
	return nil, ErrAlertNotFound
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*models.Alert, error) {
	alert, ok := f.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	copied := *alert
	return &copied, nil
}

func (f *fakeStore) Insert(_ context.Context, alert *models.Alert) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserts++
	copied := *alert
	f.alerts[alert.ID] = &copied
	return nil
}

func (f *fakeStore) Update(_ context.Context, alert *models.Alert) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.alerts[alert.ID]; !ok {
		return ErrAlertNotFound
	}
	f.updates++
	copied := *alert
	f.alerts[alert.ID] = &copied
	return nil
}

func (f *fakeStore) ListOpen(context.Context) ([]*models.Alert, error) {
	var out []*models.Alert
	for _, alert := range f.alerts {
		if alert.IsOpen() {
			copied := *alert
			out = append(out, &copied)
		}
	}
	return out, nil
}

// fakeSignals records published alert signals.
type fakeSignals struct {
	signals []*events.AlertSignal
	err     error
}

func (f *fakeSignals) PublishSignal(_ context.Context, signal *events.AlertSignal) error {
	if f.err != nil {
		return f.err
	}
	f.signals = append(f.signals, signal)
	return nil
}

// fakeRequeue records requeued anomalies.
type fakeRequeue struct {
	anomalies []*events.Anomaly
}

func (f *fakeRequeue) RequeueAnomaly(_ context.Context, anomaly *events.Anomaly) error {
	f.anomalies = append(f.anomalies, anomaly)
	return nil
}

// namedEnricher is a configurable test enricher.
type namedEnricher struct {
	name   string
	err    error
	panics bool
	calls  int
	fn     func(alert *models.Alert)
}

func (e *namedEnricher) Name() string { return e.name }

func (e *namedEnricher) Enrich(_ context.Context, alert *models.Alert) error {
	e.calls++
	if e.panics {
		panic("enricher exploded")
	}
	if e.fn != nil {
		e.fn(alert)
	}
	return e.err
}

func testStrategy() *models.Strategy {
	return &models.Strategy{
		ID:        42,
		Name:      "cpu usage high",
		BkBizID:   2,
		IsEnabled: true,
		Items: []models.Item{{
			ID: 101,
			QueryConfigs: []models.QueryConfig{{
				ID: 1, Table: "system.cpu_summary", Metric: "usage", Method: "avg", Interval: 60,
			}},
			Algorithms: []models.AlgorithmConfig{{ID: 1, Type: "Threshold", Level: models.LevelWarning}},
		}},
		Detects: []models.DetectConfig{{
			Level:   models.LevelWarning,
			Trigger: models.TriggerConfig{Count: 1, CheckWindow: 5},
		}},
		UpdateTime: 1700000000,
	}
}

func testAnomaly(ts int64) *events.Anomaly {
	return &events.Anomaly{
		Envelope:   events.Envelope{Type: events.TypeAnomaly, SchemaVersion: 1},
		AnomalyID:  "a-1",
		StrategyID: 42,
		ItemID:     101,
		Level:      models.LevelWarning,
		RecordID:   "r-1",
		Timestamp:  ts,
		Value:      floatPtr(95),
		Message:    "current value 95, threshold >= 90",
		Dimensions: map[string]string{"bk_target_ip": "10.0.0.1", "bk_target_cloud_id": "0"},
	}
}

func floatPtr(v float64) *float64 { return &v }

var errStoreDown = errors.New("pq: connection refused")
