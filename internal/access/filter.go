package access

import (
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

// PointFilter decides whether a normalised point survives the access stage.
// Filters run in order: monitored-target match, user where conditions,
// internally added conditions, then the QoS drop.
type PointFilter struct {
	targets  []models.Target
	where    []models.Condition
	internal []models.Condition
}

// NewPointFilter builds the filter chain for one item. Internal conditions
// are the platform-added predicates (device class and the like) users never
// see.
func NewPointFilter(item *models.Item, internal []models.Condition) *PointFilter {
	var where []models.Condition
	for i := range item.QueryConfigs {
		where = append(where, item.QueryConfigs[i].Where...)
	}
	return &PointFilter{
		targets:  item.Targets,
		where:    where,
		internal: internal,
	}
}

// Keep reports whether the dimensions pass every filter.
func (f *PointFilter) Keep(dimensions map[string]string) bool {
	if !f.matchTargets(dimensions) {
		return false
	}
	if !evalConditions(f.where, dimensions) {
		return false
	}
	return evalConditions(f.internal, dimensions)
}

// matchTargets checks the item's monitored-target restriction. Host targets
// carry canonical "ip|cloud_id" values; topo targets carry "obj|inst_id".
func (f *PointFilter) matchTargets(dimensions map[string]string) bool {
	if len(f.targets) == 0 {
		return true
	}
	for i := range f.targets {
		target := &f.targets[i]
		key := targetKey(target.Field, dimensions)
		if key == "" {
			continue
		}
		matched := containsString(target.Values, key)
		if target.Method == "neq" {
			matched = !matched
		}
		if matched {
			return true
		}
	}
	return false
}

func targetKey(field string, dimensions map[string]string) string {
	switch field {
	case "bk_target_ip", "ip":
		ip := dimensions["bk_target_ip"]
		if ip == "" {
			ip = dimensions["ip"]
		}
		if ip == "" {
			return ""
		}
		cloud := dimensions["bk_target_cloud_id"]
		if cloud == "" {
			cloud = dimensions["bk_cloud_id"]
		}
		if cloud == "" {
			cloud = "0"
		}
		return ip + "|" + cloud
	case "host_topo_node", "service_topo_node":
		return dimensions["bk_obj_id"] + "|" + dimensions["bk_inst_id"]
	default:
		return dimensions[field]
	}
}

// evalConditions folds the condition list honouring per-condition and/or
// joiners, matching the router's predicate semantics plus reg.
func evalConditions(conds []models.Condition, dimensions map[string]string) bool {
	return models.MatchConditions(conds, dimensions)
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
