package models

import "fmt"

// Alert lifecycle statuses.
const (
	AlertStatusAbnormal    = "ABNORMAL"
	AlertStatusAbnormalAck = "ABNORMAL_ACK"
	AlertStatusRecovered   = "RECOVERED"
	AlertStatusClosed      = "CLOSED"
)

// DefaultDedupeKeys are the fields hashed into an alert fingerprint when the
// strategy does not override them.
var DefaultDedupeKeys = []string{"alert_name", "strategy_id", "target_type", "target", "bk_biz_id"}

// AlertEvent is one anomaly attached to an alert's event list.
type AlertEvent struct {
	AnomalyID string  `json:"anomaly_id"`
	Time      int64   `json:"time"`
	Level     int     `json:"level"`
	Value     *float64 `json:"value"`
	Message   string  `json:"message,omitempty"`
}

// Alert is the lifecycle object owned by the alert manager. Identity is the
// fingerprint; at most one non-terminal alert exists per fingerprint at any
// instant, and a terminal alert is immutable except for archival.
type Alert struct {
	ID               string            `json:"id"`
	Fingerprint      string            `json:"fingerprint"`
	Name             string            `json:"alert_name"`
	BkBizID          int64             `json:"bk_biz_id"`
	StrategyID       int64             `json:"strategy_id"`
	SnapshotKey      string            `json:"strategy_snapshot_key"`
	Severity         int               `json:"severity"`
	Status           string            `json:"status"`
	TargetType       string            `json:"target_type,omitempty"`
	Target           string            `json:"target,omitempty"`
	FirstAnomalyTime int64             `json:"first_anomaly_time"`
	LatestTime       int64             `json:"latest_time"`
	EndTime          int64             `json:"end_time,omitempty"`
	IsAck            bool              `json:"is_ack"`
	Dimensions       map[string]string `json:"dimensions,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	Labels           []string          `json:"labels,omitempty"`
	Events           []AlertEvent      `json:"events,omitempty"`
	// ExtraOrigin carries the opening anomaly payload for downstream
	// rendering; frozen at open time.
	ExtraOrigin map[string]any `json:"origin_alarm,omitempty"`
}

// IsTerminal reports whether the alert reached a final state.
func (a *Alert) IsTerminal() bool {
	return a.Status == AlertStatusRecovered || a.Status == AlertStatusClosed
}

// IsOpen reports whether the alert still accepts anomaly updates.
func (a *Alert) IsOpen() bool {
	return a.Status == AlertStatusAbnormal || a.Status == AlertStatusAbnormalAck
}

// CheckTimes validates the latest >= first invariant.
func (a *Alert) CheckTimes() error {
	if a.LatestTime < a.FirstAnomalyTime {
		return fmt.Errorf("alert %s: latest_time %d < first_anomaly_time %d",
			a.ID, a.LatestTime, a.FirstAnomalyTime)
	}
	return nil
}
