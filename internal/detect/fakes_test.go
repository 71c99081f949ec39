package detect

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/router"
)

// fakeHistory is a test fake for HistoryProvider serving canned values
// keyed by timestamp.
type fakeHistory struct {
	values map[int64]float64
	err    error
	calls  int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{values: make(map[int64]float64)}
}

func (f *fakeHistory) Set(ts int64, value float64) {
	f.values[ts] = value
}

func (f *fakeHistory) SetError(err error) {
	f.err = err
}

func (f *fakeHistory) ValueAt(_ context.Context, _ *models.Item, _ map[string]string, ts int64) (*float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.values[ts]; ok {
		value := v
		return &value, nil
	}
	return nil, nil
}

// testItem builds a minimal item with a 60s interval.
func testItem() *models.Item {
	return &models.Item{
		ID: 101,
		QueryConfigs: []models.QueryConfig{{
			ID:       1,
			Table:    "system.cpu_summary",
			Metric:   "usage",
			Method:   "avg",
			Interval: 60,
		}},
	}
}

func floatPtr(v float64) *float64 {
	return &v
}

func testAlgorithmConfig(algType string, config map[string]any) *models.AlgorithmConfig {
	return &models.AlgorithmConfig{ID: 1, Type: algType, Level: models.LevelWarning, Config: config}
}

var errHistoryDown = fmt.Errorf("history store unavailable")

// fakeSource is a test fake for MessageSource with a scripted lag.
type fakeSource struct {
	lag int64
}

func (f *fakeSource) ReadMessage(context.Context) (kafkago.Message, error) {
	return kafkago.Message{}, fmt.Errorf("no scripted messages")
}
func (f *fakeSource) Lag() int64   { return f.lag }
func (f *fakeSource) Topic() string { return "alarm-points" }

// fakeSink records published anomalies, dead letters and requeued points.
type fakeSink struct {
	anomalies   []*events.Anomaly
	deadLetters [][]byte
	requeued    [][]byte
}

func (f *fakeSink) PublishAnomaly(_ context.Context, anomaly *events.Anomaly) error {
	f.anomalies = append(f.anomalies, anomaly)
	return nil
}

func (f *fakeSink) PublishDeadLetter(_ context.Context, original []byte, _ string) error {
	f.deadLetters = append(f.deadLetters, original)
	return nil
}

func (f *fakeSink) RequeuePoint(_ context.Context, _, payload []byte) error {
	f.requeued = append(f.requeued, payload)
	return nil
}

// fakeCatalogStore serves a fixed strategy set through the catalog cache.
type fakeCatalogStore struct {
	strategies map[int64]*models.Strategy
}

func (f *fakeCatalogStore) LoadStrategies(context.Context) (map[int64]*models.Strategy, error) {
	return f.strategies, nil
}
func (f *fakeCatalogStore) LoadShields(context.Context) ([]*models.Shield, error) { return nil, nil }
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
