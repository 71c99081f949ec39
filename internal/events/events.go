// Package events defines the wire formats carried on the inter-stage queues.
// Every payload is a tagged struct with a type discriminator; consumers
// decode into the strong type and reject unknown variants.
package events

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Message type discriminators.
const (
	TypePoint         = "point"
	TypeAnomaly       = "anomaly"
	TypeAlertSignal   = "alert_signal"
	TypeActionTrigger = "action_trigger"
)

// ErrUnknownType is returned when a queue payload carries an unrecognised
// type discriminator.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// Envelope is the common header of every queue payload.
type Envelope struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schema_version"`
}

// Point is one normalised datum emitted by the access stage.
type Point struct {
	Envelope
	StrategyID      int64              `json:"strategy_id"`
	ItemID          int64              `json:"item_id"`
	RecordID        string             `json:"record_id"`
	Timestamp       int64              `json:"timestamp"`
	Value           *float64           `json:"value"` // nil for no-data points
	Values          map[string]float64 `json:"values,omitempty"`
	Dimensions      map[string]string  `json:"dimensions,omitempty"`
	DimensionFields []string           `json:"dimension_fields,omitempty"`
	// IsAnomaly is set by model-driven data sources; the intelligent
	// algorithm family passes it through.
	IsAnomaly bool `json:"is_anomaly,omitempty"`
}

// NewPoint builds a point with its record ID computed.
func NewPoint(strategyID, itemID, ts int64, value *float64, dimensions map[string]string) *Point {
	fields := make([]string, 0, len(dimensions))
	for k := range dimensions {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return &Point{
		Envelope:        Envelope{Type: TypePoint, SchemaVersion: 1},
		StrategyID:      strategyID,
		ItemID:          itemID,
		RecordID:        RecordID(dimensions, ts),
		Timestamp:       ts,
		Value:           value,
		Dimensions:      dimensions,
		DimensionFields: fields,
	}
}

// Anomaly is a point that triggered an algorithm at some severity.
type Anomaly struct {
	Envelope
	AnomalyID   string            `json:"anomaly_id"`
	StrategyID  int64             `json:"strategy_id"`
	ItemID      int64             `json:"item_id"`
	AlgorithmID int64             `json:"algorithm_id"`
	Level       int               `json:"level"`
	RecordID    string            `json:"record_id"`
	Timestamp   int64             `json:"timestamp"`
	Value       *float64          `json:"value"`
	Message     string            `json:"message,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	Context     map[string]any    `json:"context,omitempty"`
}

// AlertSignal announces an alert state transition from the alert manager to
// the converge stage.
type AlertSignal struct {
	Envelope
	AlertID     string `json:"alert_id"`
	Fingerprint string `json:"fingerprint"`
	StrategyID  int64  `json:"strategy_id"`
	BkBizID     int64  `json:"bk_biz_id"`
	Severity    int    `json:"severity"`
	Signal      string `json:"signal"` // abnormal, recovered, closed, ack, no_data
	Time        int64  `json:"time"`
}

// ActionTrigger is a converge-survivor handed to the action executor.
type ActionTrigger struct {
	Envelope
	AlertID        string `json:"alert_id"`
	Fingerprint    string `json:"fingerprint"`
	StrategyID     int64  `json:"strategy_id"`
	BkBizID        int64  `json:"bk_biz_id"`
	Severity       int    `json:"severity"`
	Signal         string `json:"signal"`
	ActionConfigID int64  `json:"action_config_id"`
	UserGroupIDs   []int64 `json:"user_group_ids,omitempty"`
	// Shielded triggers still reach the executor so a SHIELDED instance is
	// recorded; no adapter is invoked for them.
	Shielded   bool   `json:"shielded,omitempty"`
	ShielderID string `json:"shielder_id,omitempty"`
	Time       int64  `json:"time"`
}

// RecordID is md5 over the sorted dimension tuple and the timestamp.
func RecordID(dimensions map[string]string, ts int64) string {
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(dimensions[k])
		b.WriteString("&")
	}
	fmt.Fprintf(&b, "%d", ts)
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// AnomalyID is md5 over the record ID, strategy ID and severity level.
func AnomalyID(recordID string, strategyID int64, level int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s.%d.%d", recordID, strategyID, level)))
	return hex.EncodeToString(sum[:])
}

// DecodePoint parses a point payload and validates its discriminator.
func DecodePoint(data []byte) (*Point, error) {
	var p Point
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal point: %w", err)
	}
	if p.Type != TypePoint {
		return nil, &ErrUnknownType{Type: p.Type}
	}
	return &p, nil
}

// DecodeAnomaly parses an anomaly payload and validates its discriminator.
func DecodeAnomaly(data []byte) (*Anomaly, error) {
	var a Anomaly
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anomaly: %w", err)
	}
	if a.Type != TypeAnomaly {
		return nil, &ErrUnknownType{Type: a.Type}
	}
	return &a, nil
}

// DecodeAlertSignal parses an alert signal payload.
func DecodeAlertSignal(data []byte) (*AlertSignal, error) {
	var s AlertSignal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert signal: %w", err)
	}
	if s.Type != TypeAlertSignal {
		return nil, &ErrUnknownType{Type: s.Type}
	}
	return &s, nil
}

// DecodeActionTrigger parses an action trigger payload.
func DecodeActionTrigger(data []byte) (*ActionTrigger, error) {
	var t ActionTrigger
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action trigger: %w", err)
	}
	if t.Type != TypeActionTrigger {
		return nil, &ErrUnknownType{Type: t.Type}
	}
	return &t, nil
}
