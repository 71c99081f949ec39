package models

import (
	"testing"
	"time"
)

func TestShieldIsActiveAt(t *testing.T) {
	// 2026-03-02 is a Monday.
	monday10 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	base := Shield{
		ID:        1,
		IsEnabled: true,
		Begin:     monday10.Add(-24 * time.Hour).Unix(),
		End:       monday10.Add(24 * time.Hour).Unix(),
	}

	tests := []struct {
		name   string
		mutate func(*Shield)
		at     time.Time
		want   bool
	}{
		{"once cycle inside range", func(s *Shield) {}, monday10, true},
		{"disabled", func(s *Shield) { s.IsEnabled = false }, monday10, false},
		{"before begin", func(s *Shield) {}, monday10.Add(-48 * time.Hour), false},
		{"at failure time", func(s *Shield) { s.FailureTime = monday10.Unix() }, monday10, false},
		{
			"failure time falls back to end",
			func(s *Shield) { s.End = monday10.Unix() },
			monday10, false,
		},
		{
			"daily window covers",
			func(s *Shield) {
				s.Cycle = ShieldCycle{Type: CycleDaily, BeginTime: "09:00:00", EndTime: "18:00:00"}
			},
			monday10, true,
		},
		{
			"daily window excludes",
			func(s *Shield) {
				s.Cycle = ShieldCycle{Type: CycleDaily, BeginTime: "22:00:00", EndTime: "23:00:00"}
			},
			monday10, false,
		},
		{
			"daily window across midnight",
			func(s *Shield) {
				s.Cycle = ShieldCycle{Type: CycleDaily, BeginTime: "22:00:00", EndTime: "06:00:00"}
			},
			monday10.Add(-8 * time.Hour), true, // 02:00
		},
		{
			"weekly matches monday as 1",
			func(s *Shield) { s.Cycle = ShieldCycle{Type: CycleWeekly, WeekList: []int{1}} },
			monday10, true,
		},
		{
			"weekly sunday is 7",
			func(s *Shield) { s.Cycle = ShieldCycle{Type: CycleWeekly, WeekList: []int{7}} },
			monday10.Add(-11 * time.Hour), true, // Sunday 2026-03-01 23:00 UTC
		},
		{
			"weekly excludes other days",
			func(s *Shield) { s.Cycle = ShieldCycle{Type: CycleWeekly, WeekList: []int{3}} },
			monday10, false,
		},
		{
			"monthly by day of month",
			func(s *Shield) { s.Cycle = ShieldCycle{Type: CycleMonthly, DayList: []int{2}} },
			monday10, true,
		},
		{
			"monthly excludes",
			func(s *Shield) { s.Cycle = ShieldCycle{Type: CycleMonthly, DayList: []int{15}} },
			monday10, false,
		},
		{
			"unknown cycle type never active",
			func(s *Shield) { s.Cycle = ShieldCycle{Type: 9} },
			monday10, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			if got := s.IsActiveAt(tt.at); got != tt.want {
				t.Fatalf("IsActiveAt(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}
