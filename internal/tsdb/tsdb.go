// Package tsdb provides the time-series query adapters the access and
// detect stages pull from. One adapter per backend, all behind the Querier
// interface.
package tsdb

import (
	"context"
	"fmt"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

// Sample is one datum inside a series.
type Sample struct {
	Timestamp int64
	Value     float64
}

// Series is one dimension combination's samples.
type Series struct {
	Dimensions map[string]string
	Samples    []Sample
}

// QueryParams describes one aggregated range query.
type QueryParams struct {
	Table    string
	Metric   string
	Method   string // sum, avg, max, min, count
	Where    []models.Condition
	GroupBy  []string
	Interval int64 // seconds
	Start    int64 // unix seconds, inclusive
	End      int64 // unix seconds, exclusive
}

// Querier pulls aggregated series from a backing store.
type Querier interface {
	Query(ctx context.Context, params QueryParams) ([]Series, error)
}

// Validate rejects obviously malformed params before hitting a backend.
func (p *QueryParams) Validate() error {
	if p.Metric == "" {
		return fmt.Errorf("metric cannot be empty")
	}
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	if p.End <= p.Start {
		return fmt.Errorf("end %d must be after start %d", p.End, p.Start)
	}
	return nil
}
