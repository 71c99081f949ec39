// Package catalog maintains the in-memory view of strategies, shields, user
// groups, action configs and router rules. It refreshes from the
// authoritative store on a fixed cadence and publishes immutable snapshots
// swapped atomically, so every task reads one consistent view for its whole
// run.
package catalog

import (
	"sort"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/router"
)

// Settings is the feature-flag and whitelist view captured with each
// snapshot. Tasks hold the Settings they started with.
type Settings struct {
	ClusterName string
	// BizWhitelist, when non-empty, drops alerts for businesses outside it.
	BizWhitelist map[int64]bool
	// QoSDropSources lists data-source labels subject to access-stage QoS
	// drop, with an interval-multiplier backoff.
	QoSDropSources map[string]int
}

// WhitelistAllows reports whether the business passes the tenant whitelist.
// An empty whitelist allows everything.
func (s *Settings) WhitelistAllows(bizID int64) bool {
	if len(s.BizWhitelist) == 0 {
		return true
	}
	return s.BizWhitelist[bizID]
}

// QueryGroup is one coalesced access pull task: all items of a strategy
// sharing the same full query shape (source, table, metric, method,
// interval, group-by and filters).
type QueryGroup struct {
	Key        string
	StrategyID int64
	BkBizID    int64
	Interval   int64
	Items      []*models.Item
	// Query is the representative query config; the group key guarantees it
	// is identical across the group's items.
	Query models.QueryConfig
}

// Snapshot is one immutable catalog view.
type Snapshot struct {
	Generation    int64
	Strategies    map[int64]*models.Strategy
	Shields       []*models.Shield
	UserGroups    map[int64]*models.UserGroup
	ActionConfigs map[int64]*models.ActionConfig
	RouterRules   []router.Rule
	Settings      Settings

	queryGroups []*QueryGroup
}

// Strategy returns the strategy by ID, or nil.
func (s *Snapshot) Strategy(id int64) *models.Strategy {
	return s.Strategies[id]
}

// QueryGroups returns the coalesced access tasks for all enabled strategies.
func (s *Snapshot) QueryGroups() []*QueryGroup {
	return s.queryGroups
}

// ActiveShields returns enabled shields ordered by ascending ID. The order
// is part of the shield contract: first match wins and users rely on the
// enumeration staying stable.
func (s *Snapshot) ActiveShields() []*models.Shield {
	return s.Shields
}

// buildQueryGroups coalesces the items of every enabled, valid strategy.
func buildQueryGroups(strategies map[int64]*models.Strategy) []*QueryGroup {
	byKey := make(map[string]*QueryGroup)
	for _, strategy := range strategies {
		if !strategy.IsEnabled || strategy.Validate() != nil {
			continue
		}
		for i := range strategy.Items {
			item := &strategy.Items[i]
			for j := range item.QueryConfigs {
				qc := &item.QueryConfigs[j]
				key := models.QueryGroupKey(strategy.ID, strategy.BkBizID, qc)
				group, ok := byKey[key]
				if !ok {
					group = &QueryGroup{
						Key:        key,
						StrategyID: strategy.ID,
						BkBizID:    strategy.BkBizID,
						Interval:   qc.Interval,
						Query:      *qc,
					}
					byKey[key] = group
				}
				group.Items = append(group.Items, item)
			}
		}
	}

	groups := make([]*QueryGroup, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups
}

func sortShields(shields []*models.Shield) {
	sort.Slice(shields, func(i, j int) bool { return shields[i].ID < shields[j].ID })
}
