package detect

import (
	"context"
	"fmt"
	"time"
)

// ratioBounds is the shared ceil/floor percent config of the comparison
// algorithms: anomaly when the current value rises above the reference by
// more than Ceil percent, or falls below it by more than Floor percent.
// A zero bound disables that side.
type ratioBounds struct {
	Ceil  float64 `json:"ceil"`
	Floor float64 `json:"floor"`
}

func (b ratioBounds) check(value, reference float64) (bool, string) {
	if b.Ceil > 0 && value >= reference*(1+b.Ceil/100) {
		return true, fmt.Sprintf("current value %s rose more than %s%% over reference %s",
			trimFloat(value), trimFloat(b.Ceil), trimFloat(reference))
	}
	if b.Floor > 0 && value <= reference*(1-b.Floor/100) {
		return true, fmt.Sprintf("current value %s dropped more than %s%% under reference %s",
			trimFloat(value), trimFloat(b.Floor), trimFloat(reference))
	}
	return false, ""
}

// simpleCompare checks the point against a single historical offset.
type simpleCompare struct {
	bounds ratioBounds
	offset func(interval int64) int64
}

func newSimpleRingRatio(config map[string]any) (Algorithm, error) {
	var bounds ratioBounds
	if err := decodeConfig(config, &bounds); err != nil {
		return nil, err
	}
	return &simpleCompare{
		bounds: bounds,
		offset: func(interval int64) int64 { return interval },
	}, nil
}

func newSimpleYearRound(config map[string]any) (Algorithm, error) {
	var bounds ratioBounds
	if err := decodeConfig(config, &bounds); err != nil {
		return nil, err
	}
	week := int64(7 * 24 * time.Hour / time.Second)
	return &simpleCompare{
		bounds: bounds,
		offset: func(int64) int64 { return week },
	}, nil
}

func (a *simpleCompare) Detect(ctx context.Context, in Input) (Outcome, error) {
	if in.Point.Value == nil {
		return Outcome{}, nil
	}
	reference, err := in.History.ValueAt(ctx, in.Item, in.Point.Dimensions, in.Point.Timestamp-a.offset(in.Item.Interval()))
	if err != nil {
		return Outcome{}, err
	}
	if reference == nil {
		return Outcome{}, nil
	}
	anomalous, message := a.bounds.check(*in.Point.Value, *reference)
	return Outcome{IsAnomaly: anomalous, Message: message}, nil
}

// advancedCompare checks the point against the average of a window of
// historicals, one reference per step back at the configured offset.
type advancedCompare struct {
	ceil          float64
	ceilInterval  int
	floor         float64
	floorInterval int
	offset        func(interval int64) int64
}

type advancedConfig struct {
	Ceil          float64 `json:"ceil"`
	CeilInterval  int     `json:"ceil_interval"`
	Floor         float64 `json:"floor"`
	FloorInterval int     `json:"floor_interval"`
}

func newAdvancedRingRatio(config map[string]any) (Algorithm, error) {
	var cfg advancedConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return &advancedCompare{
		ceil:          cfg.Ceil,
		ceilInterval:  cfg.CeilInterval,
		floor:         cfg.Floor,
		floorInterval: cfg.FloorInterval,
		offset:        func(interval int64) int64 { return interval },
	}, nil
}

func newAdvancedYearRound(config map[string]any) (Algorithm, error) {
	var cfg advancedConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	day := int64(24 * time.Hour / time.Second)
	return &advancedCompare{
		ceil:          cfg.Ceil,
		ceilInterval:  cfg.CeilInterval,
		floor:         cfg.Floor,
		floorInterval: cfg.FloorInterval,
		offset:        func(int64) int64 { return day },
	}, nil
}

func (a *advancedCompare) Detect(ctx context.Context, in Input) (Outcome, error) {
	if in.Point.Value == nil {
		return Outcome{}, nil
	}
	value := *in.Point.Value
	step := a.offset(in.Item.Interval())

	if a.ceil > 0 && a.ceilInterval > 0 {
		if mean, ok, err := a.windowMean(ctx, in, step, a.ceilInterval); err != nil {
			return Outcome{}, err
		} else if ok && mean != 0 && value >= mean*(1+a.ceil/100) {
			return Outcome{
				IsAnomaly: true,
				Message: fmt.Sprintf("current value %s rose more than %s%% over the %d-step mean %s",
					trimFloat(value), trimFloat(a.ceil), a.ceilInterval, trimFloat(mean)),
			}, nil
		}
	}
	if a.floor > 0 && a.floorInterval > 0 {
		if mean, ok, err := a.windowMean(ctx, in, step, a.floorInterval); err != nil {
			return Outcome{}, err
		} else if ok && mean != 0 && value <= mean*(1-a.floor/100) {
			return Outcome{
				IsAnomaly: true,
				Message: fmt.Sprintf("current value %s dropped more than %s%% under the %d-step mean %s",
					trimFloat(value), trimFloat(a.floor), a.floorInterval, trimFloat(mean)),
			}, nil
		}
	}
	return Outcome{}, nil
}

// windowMean averages the references at 1..steps offsets back. Missing
// references shrink the sample; a fully missing window reports not-ok.
func (a *advancedCompare) windowMean(ctx context.Context, in Input, step int64, steps int) (float64, bool, error) {
	sum := 0.0
	count := 0
	for i := 1; i <= steps; i++ {
		reference, err := in.History.ValueAt(ctx, in.Item, in.Point.Dimensions, in.Point.Timestamp-int64(i)*step)
		if err != nil {
			return 0, false, err
		}
		if reference == nil {
			continue
		}
		sum += *reference
		count++
	}
	if count == 0 {
		return 0, false, nil
	}
	return sum / float64(count), true, nil
}
