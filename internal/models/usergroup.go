package models

import (
	"sort"
	"time"
)

// DutyUser is one member of a user group or duty arrangement.
type DutyUser struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "user" or "group"
}

// DutyRule is a time-indexed on-call arrangement. Users listed here are
// effective only when the rule's window covers the evaluation instant.
type DutyRule struct {
	ID        int64      `json:"id"`
	Users     []DutyUser `json:"users"`
	// WorkDays restricts the rule to days of week, 1=Monday..7=Sunday.
	// Empty means every day.
	WorkDays []int `json:"work_days,omitempty"`
	// WorkTime is a time-of-day window "HH:MM--HH:MM". Empty means all day.
	WorkTime  string `json:"work_time,omitempty"`
	EffectiveBegin int64 `json:"effective_begin,omitempty"`
	EffectiveEnd   int64 `json:"effective_end,omitempty"`
}

// UserGroup is a named recipient set, optionally with duty rotation.
// The action executor resolves the effective member list at dispatch time.
type UserGroup struct {
	ID        int64      `json:"id"`
	BkBizID   int64      `json:"bk_biz_id"`
	Name      string     `json:"name"`
	Members   []DutyUser `json:"users"`
	DutyRules []DutyRule `json:"duty_rules,omitempty"`
	// Channels the group wants notified on, e.g. mail, im, webhook.
	NoticeWays []string `json:"notice_ways,omitempty"`
}

// MembersAt computes the effective recipient list at t. With no duty rules
// the static member list applies; otherwise the union of all duty rules
// covering t, falling back to the static list when no rule covers t.
func (g *UserGroup) MembersAt(t time.Time) []DutyUser {
	if len(g.DutyRules) == 0 {
		return g.Members
	}

	seen := make(map[string]bool)
	var out []DutyUser
	for i := range g.DutyRules {
		rule := &g.DutyRules[i]
		if !rule.coversInstant(t) {
			continue
		}
		for _, u := range rule.Users {
			if !seen[u.ID] {
				seen[u.ID] = true
				out = append(out, u)
			}
		}
	}
	if len(out) == 0 {
		return g.Members
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *DutyRule) coversInstant(t time.Time) bool {
	ts := t.Unix()
	if r.EffectiveBegin > 0 && ts < r.EffectiveBegin {
		return false
	}
	if r.EffectiveEnd > 0 && ts >= r.EffectiveEnd {
		return false
	}
	if len(r.WorkDays) > 0 {
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		if !containsInt(r.WorkDays, weekday) {
			return false
		}
	}
	if r.WorkTime != "" {
		begin, end, ok := splitWorkTime(r.WorkTime)
		if ok {
			now := t.Hour()*3600 + t.Minute()*60 + t.Second()
			if begin <= end {
				if now < begin || now > end {
					return false
				}
			} else if now < begin && now > end {
				return false
			}
		}
	}
	return true
}

// splitWorkTime parses "HH:MM--HH:MM" into seconds-of-day bounds.
func splitWorkTime(s string) (int, int, bool) {
	const sep = "--"
	idx := -1
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, 0, false
	}
	begin, err1 := parseTimeOfDay(s[:idx])
	end, err2 := parseTimeOfDay(s[idx+len(sep):])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return begin, end, true
}
