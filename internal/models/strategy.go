// Package models defines the catalog objects the pipeline consumes:
// strategies, shields, user groups and action configs. The pipeline never
// mutates these; the config layer owns them and the catalog cache snapshots
// them.
package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Severity levels, lower is more severe.
const (
	LevelFatal   = 1
	LevelWarning = 2
	LevelRemind  = 3
)

// Condition is a single field predicate used by query where-conditions,
// dimension shields and router rules.
type Condition struct {
	Field  string   `json:"field"`
	Method string   `json:"method"` // eq, neq, gt, gte, lt, lte, in, nin, reg
	Values []string `json:"values"`
	// Joiner with the previous condition: "and" (default) or "or".
	Condition string `json:"condition,omitempty"`
}

// QueryFunction is a post-aggregation function applied to a query series.
type QueryFunction struct {
	ID     string            `json:"id"`
	Params map[string]string `json:"params,omitempty"`
}

// QueryConfig describes one pull from a backing data store.
type QueryConfig struct {
	ID              int64           `json:"id"`
	DataSourceLabel string          `json:"data_source_label"`
	DataTypeLabel   string          `json:"data_type_label"`
	Table           string          `json:"result_table_id"`
	Metric          string          `json:"metric_field"`
	Method          string          `json:"agg_method"`
	Interval        int64           `json:"agg_interval"` // seconds
	Where           []Condition     `json:"agg_condition,omitempty"`
	GroupBy         []string        `json:"agg_dimension,omitempty"`
	Functions       []QueryFunction `json:"functions,omitempty"`
	Alias           string          `json:"alias,omitempty"`
	IndexSetID      int64           `json:"index_set_id,omitempty"`
}

// AlgorithmConfig is one detection algorithm attached to an item at a
// severity level. Config is algorithm-specific and decoded by the detect
// registry.
type AlgorithmConfig struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	Level      int            `json:"level"`
	UnitPrefix string         `json:"unit_prefix,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// TriggerConfig gates anomaly points into alerts: fire only when at least
// Count anomalies landed in the last CheckWindow aligned buckets.
type TriggerConfig struct {
	Count       int `json:"count"`
	CheckWindow int `json:"check_window"`
}

// RecoveryConfig controls how an abnormal alert leaves the abnormal state.
// StatusSetter "close" disables auto-recovery entirely.
type RecoveryConfig struct {
	CheckWindow  int    `json:"check_window"`
	StatusSetter string `json:"status_setter,omitempty"` // "recovered" (default) or "close"
}

// DetectConfig is the per-severity detect block of a strategy.
type DetectConfig struct {
	Level    int            `json:"level"`
	Trigger  TriggerConfig  `json:"trigger_config"`
	Recovery RecoveryConfig `json:"recovery_config"`
}

// NoDataConfig enables the independent missing-data check for an item.
type NoDataConfig struct {
	IsEnabled   bool     `json:"is_enabled"`
	Continuous  int      `json:"continuous"` // intervals without data before firing
	Level       int      `json:"level"`
	AggDimension []string `json:"agg_dimension,omitempty"`
}

// Target narrows an item to a set of monitored objects (hosts, topo nodes,
// service instances).
type Target struct {
	Field  string   `json:"field"` // e.g. "bk_target_ip", "host_topo_node"
	Method string   `json:"method"`
	Values []string `json:"values"` // canonical "ip|cloud_id" or "module|id" strings
}

// Item is one evaluatable sub-unit of a strategy: query configs combined by
// an expression, plus the algorithms run over the combined series.
type Item struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Expression   string            `json:"expression,omitempty"`
	QueryConfigs []QueryConfig     `json:"query_configs"`
	Targets      []Target          `json:"target,omitempty"`
	Algorithms   []AlgorithmConfig `json:"algorithms"`
	NoData       NoDataConfig      `json:"no_data_config"`
}

// Interval returns the item's evaluation interval, taken from the first
// query config.
func (it *Item) Interval() int64 {
	if len(it.QueryConfigs) == 0 || it.QueryConfigs[0].Interval <= 0 {
		return 60
	}
	return it.QueryConfigs[0].Interval
}

// NoticeConfig is the strategy's notice block.
type NoticeConfig struct {
	UserGroupIDs []int64  `json:"user_groups"`
	Signals      []string `json:"signal"` // abnormal, recovered, closed, ack, no_data
	// NoticeWindow restricts notification to a time-of-day window, "HH:MM--HH:MM".
	NoticeWindow string `json:"time_range,omitempty"`
	// ConvergeWindow is the burst-suppression window in seconds.
	ConvergeWindow int64 `json:"converge_interval,omitempty"`
	Template       map[string]string `json:"template,omitempty"`
}

// ActionRelation binds a strategy to an action config with its own signals.
type ActionRelation struct {
	ActionConfigID int64    `json:"config_id"`
	Signals        []string `json:"signal"`
	UserGroupIDs   []int64  `json:"user_groups,omitempty"`
}

// Strategy is a user-authored monitoring rule. A strategy is valid iff it
// has at least one item and at least one algorithm.
type Strategy struct {
	ID         int64            `json:"id"`
	Name       string           `json:"name"`
	BkBizID    int64            `json:"bk_biz_id"`
	BkTenantID string           `json:"bk_tenant_id,omitempty"`
	Scenario   string           `json:"scenario"`
	IsEnabled  bool             `json:"is_enabled"`
	Items      []Item           `json:"items"`
	Detects    []DetectConfig   `json:"detects"`
	Notice     NoticeConfig     `json:"notice"`
	Actions    []ActionRelation `json:"actions,omitempty"`
	UpdateTime int64            `json:"update_time"`
	// DedupeKeys override the default alert fingerprint fields.
	DedupeKeys []string `json:"dedupe_keys,omitempty"`
}

// Validate reports whether the strategy can be scheduled.
func (s *Strategy) Validate() error {
	if len(s.Items) == 0 {
		return fmt.Errorf("strategy %d has no items", s.ID)
	}
	algorithms := 0
	for i := range s.Items {
		if len(s.Items[i].QueryConfigs) == 0 {
			return fmt.Errorf("strategy %d item %d has no query configs", s.ID, s.Items[i].ID)
		}
		algorithms += len(s.Items[i].Algorithms)
	}
	if algorithms == 0 {
		return fmt.Errorf("strategy %d has no algorithms", s.ID)
	}
	return nil
}

// Interval returns the strategy's base interval, the smallest item interval.
func (s *Strategy) Interval() int64 {
	interval := int64(0)
	for i := range s.Items {
		if v := s.Items[i].Interval(); interval == 0 || v < interval {
			interval = v
		}
	}
	if interval <= 0 {
		interval = 60
	}
	return interval
}

// DetectFor returns the detect block for a severity level, falling back to
// the first block when no exact match exists.
func (s *Strategy) DetectFor(level int) DetectConfig {
	for _, d := range s.Detects {
		if d.Level == level {
			return d
		}
	}
	if len(s.Detects) > 0 {
		return s.Detects[0]
	}
	return DetectConfig{Level: level, Trigger: TriggerConfig{Count: 1, CheckWindow: 1}}
}

// QueryGroupKey is the deterministic hash of a canonicalised query spec.
// Items of one strategy sharing the same full query shape coalesce into a
// single pull task; this key identifies that task and namespaces its
// checkpoint. The strategy ID, metric and where conditions are part of the
// identity: strategies over the same table must not share a task, and two
// items differing only in metric or filters pull different data.
func QueryGroupKey(strategyID, bizID int64, qc *QueryConfig) string {
	groupBy := append([]string(nil), qc.GroupBy...)
	sort.Strings(groupBy)
	spec := fmt.Sprintf("%d|%d|%s|%s|%s|%s|%s|%d|%s|%s",
		strategyID,
		bizID,
		qc.DataSourceLabel,
		qc.DataTypeLabel,
		qc.Table,
		qc.Metric,
		qc.Method,
		qc.Interval,
		strings.Join(groupBy, ","),
		canonicalWhere(qc.Where),
	)
	sum := md5.Sum([]byte(spec))
	return hex.EncodeToString(sum[:])
}

// canonicalWhere renders the condition list in declaration order; the order
// is semantic (and/or folding), so it is not sorted.
func canonicalWhere(conds []Condition) string {
	var b strings.Builder
	for i := range conds {
		c := &conds[i]
		values := append([]string(nil), c.Values...)
		sort.Strings(values)
		fmt.Fprintf(&b, "%s %s %s [%s];", c.Condition, c.Field, c.Method, strings.Join(values, ","))
	}
	return b.String()
}
