package models

import (
	"time"
)

// Shield categories.
const (
	ShieldCategoryScope     = "scope"
	ShieldCategoryStrategy  = "strategy"
	ShieldCategoryEvent     = "event"
	ShieldCategoryAlert     = "alert"
	ShieldCategoryDimension = "dimension"
)

// Shield scope types.
const (
	ScopeTypeInstance     = "instance"
	ScopeTypeIP           = "ip"
	ScopeTypeNode         = "node"
	ScopeTypeBiz          = "biz"
	ScopeTypeDynamicGroup = "dynamic_group"
)

// Shield cycle types.
const (
	CycleOnce    = 1
	CycleDaily   = 2
	CycleWeekly  = 3
	CycleMonthly = 4
)

// ShieldCycle describes when inside [Begin, End] the shield is live.
// For daily/weekly/monthly cycles, BeginTime/EndTime are times of day
// ("HH:MM:SS") and DayList/WeekList restrict days of month / days of week.
type ShieldCycle struct {
	Type      int      `json:"type"`
	BeginTime string   `json:"begin_time,omitempty"`
	EndTime   string   `json:"end_time,omitempty"`
	DayList   []int    `json:"day_list,omitempty"`
	WeekList  []int    `json:"week_list,omitempty"` // 1=Monday .. 7=Sunday
}

// ShieldHost identifies a host target inside a scope shield.
type ShieldHost struct {
	IP        string `json:"bk_target_ip"`
	BkCloudID int64  `json:"bk_cloud_id"`
}

// ShieldNode identifies a topology node inside a scope shield.
type ShieldNode struct {
	BkObjID  string `json:"bk_obj_id"`
	BkInstID int64  `json:"bk_inst_id"`
}

// ShieldScope is the category-specific matcher payload of a shield.
type ShieldScope struct {
	ScopeType     string       `json:"scope_type,omitempty"`
	Hosts         []ShieldHost `json:"bk_target_ip,omitempty"`
	Nodes         []ShieldNode `json:"bk_topo_node,omitempty"`
	DynamicGroups []string     `json:"dynamic_group,omitempty"`
	StrategyIDs   []int64      `json:"strategy_id,omitempty"`
	AlertIDs      []string     `json:"alert_id,omitempty"`
	EventIDs      []string     `json:"event_id,omitempty"`
	Dimensions    []Condition  `json:"dimension_conditions,omitempty"`
	// Levels optionally restricts a strategy shield to some severities.
	Levels []int `json:"level,omitempty"`
}

// Shield suppresses action dispatch for matching alerts while active.
// Invariant: Begin < End; active iff now in [Begin, FailureTime) and the
// wall clock falls inside the cycle window.
type Shield struct {
	ID          int64       `json:"id"`
	BkBizID     int64       `json:"bk_biz_id"`
	Category    string      `json:"category"`
	Begin       int64       `json:"begin_time"`
	End         int64       `json:"end_time"`
	FailureTime int64       `json:"failure_time"`
	Cycle       ShieldCycle `json:"cycle_config"`
	Scope       ShieldScope `json:"dimension_config"`
	Description string      `json:"description,omitempty"`
	IsEnabled   bool        `json:"is_enabled"`
}

// IsActiveAt reports whether the shield is live at t, combining the
// absolute [Begin, FailureTime) range with the cycle rule.
func (s *Shield) IsActiveAt(t time.Time) bool {
	if !s.IsEnabled {
		return false
	}
	ts := t.Unix()
	failure := s.FailureTime
	if failure == 0 {
		failure = s.End
	}
	if ts < s.Begin || ts >= failure {
		return false
	}
	return s.Cycle.Contains(t)
}

// Contains reports whether t falls inside the cycle window.
func (c *ShieldCycle) Contains(t time.Time) bool {
	switch c.Type {
	case 0, CycleOnce:
		return true
	case CycleDaily:
		return c.inTimeOfDay(t)
	case CycleWeekly:
		// time.Weekday is 0=Sunday; shield weeks are 1=Monday..7=Sunday.
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return containsInt(c.WeekList, weekday) && c.inTimeOfDay(t)
	case CycleMonthly:
		return containsInt(c.DayList, t.Day()) && c.inTimeOfDay(t)
	default:
		return false
	}
}

func (c *ShieldCycle) inTimeOfDay(t time.Time) bool {
	if c.BeginTime == "" || c.EndTime == "" {
		return true
	}
	begin, err := parseTimeOfDay(c.BeginTime)
	if err != nil {
		return true
	}
	end, err := parseTimeOfDay(c.EndTime)
	if err != nil {
		return true
	}
	now := t.Hour()*3600 + t.Minute()*60 + t.Second()
	if begin <= end {
		return now >= begin && now <= end
	}
	// Window crosses midnight.
	return now >= begin || now <= end
}

func parseTimeOfDay(s string) (int, error) {
	var h, m, sec int
	layouts := []string{"15:04:05", "15:04"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			h, m, sec = t.Hour(), t.Minute(), t.Second()
			return h*3600 + m*60 + sec, nil
		}
	}
	return 0, &time.ParseError{Layout: "15:04:05", Value: s}
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
