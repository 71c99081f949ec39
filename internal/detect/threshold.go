package detect

import (
	"context"
	"fmt"
	"strings"
)

// thresholdRule is one (method, threshold) comparison. Rules inside a group
// AND together; groups OR together.
type thresholdRule struct {
	Method    string  `json:"method"`
	Threshold float64 `json:"threshold"`
}

type thresholdAlgorithm struct {
	groups [][]thresholdRule
}

func newThreshold(config map[string]any) (Algorithm, error) {
	var cfg struct {
		Groups [][]thresholdRule `json:"config"`
	}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Groups) == 0 {
		return nil, fmt.Errorf("threshold config has no rule groups")
	}
	for _, group := range cfg.Groups {
		for _, rule := range group {
			if !validCompareMethod(rule.Method) {
				return nil, fmt.Errorf("threshold rule has invalid method %q", rule.Method)
			}
		}
	}
	return &thresholdAlgorithm{groups: cfg.Groups}, nil
}

func (a *thresholdAlgorithm) Detect(_ context.Context, in Input) (Outcome, error) {
	if in.Point.Value == nil {
		return Outcome{}, nil
	}
	value := *in.Point.Value
	for _, group := range a.groups {
		if len(group) == 0 {
			continue
		}
		matched := true
		for _, rule := range group {
			if !compare(value, rule.Method, rule.Threshold) {
				matched = false
				break
			}
		}
		if matched {
			return Outcome{IsAnomaly: true, Message: renderThreshold(value, group)}, nil
		}
	}
	return Outcome{}, nil
}

func renderThreshold(value float64, group []thresholdRule) string {
	parts := make([]string, 0, len(group))
	for _, rule := range group {
		parts = append(parts, fmt.Sprintf("%s %s", methodSymbol(rule.Method), trimFloat(rule.Threshold)))
	}
	return fmt.Sprintf("current value %s, threshold %s", trimFloat(value), strings.Join(parts, " and "))
}

func validCompareMethod(method string) bool {
	switch method {
	case "eq", "neq", "gt", "gte", "lt", "lte":
		return true
	}
	return false
}

func compare(value float64, method string, threshold float64) bool {
	switch method {
	case "eq":
		return value == threshold
	case "neq":
		return value != threshold
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	}
	return false
}

func methodSymbol(method string) string {
	switch method {
	case "eq":
		return "="
	case "neq":
		return "!="
	case "gt":
		return ">"
	case "gte":
		return ">="
	case "lt":
		return "<"
	case "lte":
		return "<="
	}
	return method
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}
