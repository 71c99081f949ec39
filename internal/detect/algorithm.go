// Package detect evaluates incoming data points against the algorithms
// attached to a strategy item and turns sustained anomalies into anomaly
// messages for the alert manager.
package detect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

// Algorithm type discriminators carried in strategy documents.
const (
	TypeThreshold         = "Threshold"
	TypeSimpleRingRatio   = "SimpleRingRatio"
	TypeAdvancedRingRatio = "AdvancedRingRatio"
	TypeSimpleYearRound   = "SimpleYearRound"
	TypeAdvancedYearRound = "AdvancedYearRound"
	TypeIntelligentDetect = "IntelligentDetect"
	TypeForecasting       = "TimeSeriesForecasting"
	TypePingUnreachable   = "PingUnreachable"
	TypeProcPort          = "ProcPort"
	TypeOsRestart         = "OsRestart"
)

// Input is everything an algorithm may consult for one point.
type Input struct {
	Point   *events.Point
	Item    *models.Item
	History HistoryProvider
}

// Outcome is an algorithm verdict for one point. Message carries the
// rendered human-readable text when IsAnomaly is set.
type Outcome struct {
	IsAnomaly bool
	Message   string
}

// Algorithm evaluates one data point. Implementations must be safe for
// concurrent use.
type Algorithm interface {
	Detect(ctx context.Context, in Input) (Outcome, error)
}

// Factory builds an algorithm from its strategy-document config block.
type Factory func(config map[string]any) (Algorithm, error)

// Registry maps algorithm type strings to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry populated with every built-in algorithm.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(TypeThreshold, newThreshold)
	r.Register(TypeSimpleRingRatio, newSimpleRingRatio)
	r.Register(TypeAdvancedRingRatio, newAdvancedRingRatio)
	r.Register(TypeSimpleYearRound, newSimpleYearRound)
	r.Register(TypeAdvancedYearRound, newAdvancedYearRound)
	r.Register(TypeIntelligentDetect, newIntelligentDetect)
	r.Register(TypeForecasting, newForecasting)
	r.Register(TypePingUnreachable, newPingUnreachable)
	r.Register(TypeProcPort, newProcPort)
	r.Register(TypeOsRestart, newOsRestart)
	return r
}

// Register installs a factory for a type string, replacing any previous one.
func (r *Registry) Register(algType string, factory Factory) {
	r.factories[algType] = factory
}

// Build constructs the algorithm described by a strategy algorithm config.
func (r *Registry) Build(cfg *models.AlgorithmConfig) (Algorithm, error) {
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm type %q", cfg.Type)
	}
	alg, err := factory(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("building %s algorithm: %w", cfg.Type, err)
	}
	return alg, nil
}

// decodeConfig maps the loosely typed config block onto a concrete struct.
func decodeConfig(config map[string]any, out any) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encoding algorithm config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding algorithm config: %w", err)
	}
	return nil
}
