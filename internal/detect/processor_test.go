package detect

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/telemetry"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/metrics"
)

func evaluateProcessor() *Processor {
	return &Processor{
		registry:  NewRegistry(),
		history:   newFakeHistory(),
		telemetry: telemetry.New(),
	}
}

func strategyWithAlgorithms(algorithms ...models.AlgorithmConfig) (*models.Strategy, *models.Item) {
	item := testItem()
	item.Algorithms = algorithms
	strategy := &models.Strategy{
		ID:        42,
		Name:      "cpu usage high",
		BkBizID:   2,
		IsEnabled: true,
		Items:     []models.Item{*item},
	}
	return strategy, &strategy.Items[0]
}

func TestEvaluateHighestSeverityWins(t *testing.T) {
	thresholdCfg := func(threshold float64) map[string]any {
		return map[string]any{
			"config": []any{[]any{map[string]any{"method": "gte", "threshold": threshold}}},
		}
	}
	strategy, item := strategyWithAlgorithms(
		models.AlgorithmConfig{ID: 1, Type: TypeThreshold, Level: models.LevelRemind, Config: thresholdCfg(50)},
		models.AlgorithmConfig{ID: 2, Type: TypeThreshold, Level: models.LevelFatal, Config: thresholdCfg(90)},
		models.AlgorithmConfig{ID: 3, Type: TypeThreshold, Level: models.LevelWarning, Config: thresholdCfg(70)},
	)
	p := evaluateProcessor()

	winner := p.evaluate(context.Background(), strategy, item, &events.Point{Value: floatPtr(95)})
	if winner == nil {
		t.Fatal("evaluate() = nil, want a verdict")
	}
	if winner.level != models.LevelFatal {
		t.Errorf("evaluate() level = %d, want %d", winner.level, models.LevelFatal)
	}
	if winner.algorithmID != 2 {
		t.Errorf("evaluate() algorithm = %d, want 2", winner.algorithmID)
	}

	winner = p.evaluate(context.Background(), strategy, item, &events.Point{Value: floatPtr(60)})
	if winner == nil {
		t.Fatal("evaluate() = nil, want remind-level verdict")
	}
	if winner.level != models.LevelRemind {
		t.Errorf("evaluate() level = %d, want %d", winner.level, models.LevelRemind)
	}

	if winner = p.evaluate(context.Background(), strategy, item, &events.Point{Value: floatPtr(10)}); winner != nil {
		t.Errorf("evaluate() = %+v, want nil for normal point", winner)
	}
}

func TestEvaluateIsolatesFailingAlgorithm(t *testing.T) {
	strategy, item := strategyWithAlgorithms(
		// Invalid config: build fails, must not poison the rest.
		models.AlgorithmConfig{ID: 1, Type: TypeThreshold, Level: models.LevelFatal, Config: map[string]any{}},
		models.AlgorithmConfig{ID: 2, Type: TypeThreshold, Level: models.LevelWarning, Config: map[string]any{
			"config": []any{[]any{map[string]any{"method": "gte", "threshold": 1.0}}},
		}},
	)
	p := evaluateProcessor()

	winner := p.evaluate(context.Background(), strategy, item, &events.Point{Value: floatPtr(5)})
	if winner == nil {
		t.Fatal("evaluate() = nil, want surviving algorithm's verdict")
	}
	if winner.algorithmID != 2 {
		t.Errorf("evaluate() algorithm = %d, want 2", winner.algorithmID)
	}
}

func TestItemByID(t *testing.T) {
	strategy, _ := strategyWithAlgorithms()
	if item := itemByID(strategy, 101); item == nil {
		t.Error("itemByID(101) = nil, want item")
	}
	if item := itemByID(strategy, 999); item != nil {
		t.Error("itemByID(999) != nil, want nil")
	}
}

func TestProcessYieldsBusyStrategy(t *testing.T) {
	overThreshold := map[string]any{
		"config": []any{[]any{map[string]any{"method": "gte", "threshold": 90.0}}},
	}
	hot, _ := strategyWithAlgorithms(
		models.AlgorithmConfig{ID: 1, Type: TypeThreshold, Level: models.LevelWarning, Config: overThreshold},
	)
	cold, _ := strategyWithAlgorithms(
		models.AlgorithmConfig{ID: 1, Type: TypeThreshold, Level: models.LevelWarning, Config: overThreshold},
	)
	cold.ID = 43

	cache := catalog.NewCache(&fakeCatalogStore{strategies: map[int64]*models.Strategy{
		hot.ID:  hot,
		cold.ID: cold,
	}}, "default", time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refreshing catalog: %v", err)
	}

	sink := &fakeSink{}
	p := &Processor{
		cfg:       config.DetectConfig{HighWatermark: 10},
		source:    &fakeSource{lag: 50},
		sink:      sink,
		catalog:   cache,
		registry:  NewRegistry(),
		history:   newFakeHistory(),
		telemetry: telemetry.New(),
		collector: metrics.NewCollector("detect", nil),
		load:      make(map[int64]int),
	}

	point := func(strategyID int64) kafkago.Message {
		pt := events.NewPoint(strategyID, 101, 1700000400, floatPtr(10), nil)
		raw, err := json.Marshal(pt)
		if err != nil {
			t.Fatalf("marshaling point: %v", err)
		}
		return kafkago.Message{Key: []byte("k"), Value: raw}
	}

	// First point of each strategy processes; the hot strategy's second
	// point goes back to the queue, the cold strategy is unaffected.
	if err := p.process(context.Background(), point(hot.ID)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sink.requeued) != 0 {
		t.Fatalf("first point requeued, want processed")
	}
	if err := p.process(context.Background(), point(hot.ID)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sink.requeued) != 1 {
		t.Fatalf("requeued = %d, want 1 for the busy strategy", len(sink.requeued))
	}
	if err := p.process(context.Background(), point(cold.ID)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sink.requeued) != 1 {
		t.Errorf("requeued = %d, the idle strategy must not yield", len(sink.requeued))
	}
}

func TestProcessNoYieldBelowWatermark(t *testing.T) {
	p := &Processor{
		cfg:    config.DetectConfig{HighWatermark: 10},
		source: &fakeSource{lag: 3},
		load:   make(map[int64]int),
	}
	for i := 0; i < 20; i++ {
		if p.yieldBusy(42) {
			t.Fatalf("yieldBusy below the watermark at point %d", i)
		}
	}
}
