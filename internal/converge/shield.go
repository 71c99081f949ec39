// Package converge decides which alert signals become action triggers:
// ordered shielders first, then burst convergence and the action QoS cap.
package converge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/cmdb"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
)

// Target is everything a shielder may inspect for one signal.
type Target struct {
	Signal   *events.AlertSignal
	Alert    *models.Alert
	Strategy *models.Strategy
}

// Shielder suppresses matching targets. Match returns the shielder ID that
// matched so the suppression is attributable.
type Shielder interface {
	Name() string
	Match(ctx context.Context, target *Target, now time.Time) (bool, string, error)
}

// globalShielder is the process-wide dispatch kill switch, toggled through
// the ops API.
type globalShielder struct {
	redis *redis.Client
}

// NewGlobalShielder creates the global kill-switch shielder.
func NewGlobalShielder(rdb *redis.Client) Shielder {
	return &globalShielder{redis: rdb}
}

func (s *globalShielder) Name() string { return "global" }

func (s *globalShielder) Match(ctx context.Context, _ *Target, _ time.Time) (bool, string, error) {
	value, err := s.redis.Get(ctx, redisx.GlobalShieldKey()).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("reading global shield switch: %w", err)
	}
	if value == "1" || value == "true" {
		return true, "global", nil
	}
	return false, "", nil
}

// timeWindowShielder honours the strategy notice window: signals outside
// the configured time-of-day range are suppressed.
type timeWindowShielder struct{}

// NewTimeWindowShielder creates the notice-window shielder.
func NewTimeWindowShielder() Shielder {
	return &timeWindowShielder{}
}

func (s *timeWindowShielder) Name() string { return "time_window" }

func (s *timeWindowShielder) Match(_ context.Context, target *Target, now time.Time) (bool, string, error) {
	if target.Strategy == nil {
		return false, "", nil
	}
	window := target.Strategy.Notice.NoticeWindow
	if window == "" {
		return false, "", nil
	}
	inside, err := inNoticeWindow(window, now)
	if err != nil {
		return false, "", fmt.Errorf("parsing notice window %q: %w", window, err)
	}
	if !inside {
		return true, "time_window", nil
	}
	return false, "", nil
}

// inNoticeWindow parses "HH:MM--HH:MM" and reports whether now falls in it.
// A window crossing midnight wraps.
func inNoticeWindow(window string, now time.Time) (bool, error) {
	beginStr, endStr, ok := strings.Cut(window, "--")
	if !ok {
		return false, fmt.Errorf("missing -- separator")
	}
	begin, err := parseMinuteOfDay(beginStr)
	if err != nil {
		return false, err
	}
	end, err := parseMinuteOfDay(endStr)
	if err != nil {
		return false, err
	}
	minute := now.Hour()*60 + now.Minute()
	if begin <= end {
		return minute >= begin && minute <= end, nil
	}
	return minute >= begin || minute <= end, nil
}

func parseMinuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// configShielder evaluates user-configured shields in ascending ID order.
type configShielder struct {
	catalog *catalog.Cache
	cmdb    cmdb.Provider
}

// NewConfigShielder creates the user-shield matcher.
func NewConfigShielder(cat *catalog.Cache, provider cmdb.Provider) Shielder {
	return &configShielder{catalog: cat, cmdb: provider}
}

func (s *configShielder) Name() string { return "config" }

func (s *configShielder) Match(ctx context.Context, target *Target, now time.Time) (bool, string, error) {
	snap := s.catalog.Snapshot()
	if snap == nil {
		return false, "", nil
	}
	for _, shield := range snap.ActiveShields() {
		if !shield.IsActiveAt(now) {
			continue
		}
		if shield.BkBizID != 0 && shield.BkBizID != target.Signal.BkBizID {
			continue
		}
		matched, err := s.matchCategory(ctx, shield, target)
		if err != nil {
			return false, "", err
		}
		if matched {
			return true, strconv.FormatInt(shield.ID, 10), nil
		}
	}
	return false, "", nil
}

func (s *configShielder) matchCategory(ctx context.Context, shield *models.Shield, target *Target) (bool, error) {
	switch shield.Category {
	case models.ShieldCategoryStrategy:
		if !containsInt64(shield.Scope.StrategyIDs, target.Signal.StrategyID) {
			return false, nil
		}
		if len(shield.Scope.Levels) > 0 && !containsInt(shield.Scope.Levels, target.Signal.Severity) {
			return false, nil
		}
		return true, nil
	case models.ShieldCategoryScope:
		return s.matchScope(ctx, shield, target)
	case models.ShieldCategoryDimension:
		if target.Alert == nil {
			return false, nil
		}
		return models.MatchConditions(shield.Scope.Dimensions, target.Alert.Dimensions), nil
	case models.ShieldCategoryAlert:
		return containsString(shield.Scope.AlertIDs, target.Signal.AlertID), nil
	case models.ShieldCategoryEvent:
		if target.Alert == nil {
			return false, nil
		}
		for _, event := range target.Alert.Events {
			if containsString(shield.Scope.EventIDs, event.AnomalyID) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func (s *configShielder) matchScope(ctx context.Context, shield *models.Shield, target *Target) (bool, error) {
	switch shield.Scope.ScopeType {
	case models.ScopeTypeBiz:
		return true, nil // biz filter already applied
	case models.ScopeTypeIP, models.ScopeTypeInstance:
		if target.Alert == nil {
			return false, nil
		}
		ip, cloud, ok := hostTarget(target.Alert)
		if !ok {
			return false, nil
		}
		for _, host := range shield.Scope.Hosts {
			if host.IP == ip && host.BkCloudID == cloud {
				return true, nil
			}
		}
		return false, nil
	case models.ScopeTypeNode:
		if target.Alert == nil {
			return false, nil
		}
		nodes := strings.Split(target.Alert.Tags["topo_nodes"], ",")
		for _, node := range shield.Scope.Nodes {
			key := fmt.Sprintf("%s|%d", node.BkObjID, node.BkInstID)
			if containsString(nodes, key) {
				return true, nil
			}
		}
		return false, nil
	case models.ScopeTypeDynamicGroup:
		if target.Alert == nil {
			return false, nil
		}
		ip, cloud, ok := hostTarget(target.Alert)
		if !ok {
			return false, nil
		}
		for _, groupID := range shield.Scope.DynamicGroups {
			hosts, err := s.cmdb.HostsByDynamicGroup(ctx, shield.BkBizID, groupID)
			if err != nil {
				return false, fmt.Errorf("resolving dynamic group %s: %w", groupID, err)
			}
			for _, host := range hosts {
				if host.IP == ip && host.BkCloudID == cloud {
					return true, nil
				}
			}
		}
		return false, nil
	}
	return false, nil
}

func hostTarget(alert *models.Alert) (string, int64, bool) {
	ip, cloudStr, ok := strings.Cut(alert.Target, "|")
	if !ok || alert.TargetType != "HOST" {
		return "", 0, false
	}
	cloud, err := strconv.ParseInt(cloudStr, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return ip, cloud, true
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
