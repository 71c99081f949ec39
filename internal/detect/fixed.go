package detect

import (
	"context"
	"fmt"
)

// intelligentDetect trusts the model service: the anomaly verdict rides on
// the point itself.
type intelligentDetect struct{}

func newIntelligentDetect(map[string]any) (Algorithm, error) {
	return intelligentDetect{}, nil
}

func (intelligentDetect) Detect(_ context.Context, in Input) (Outcome, error) {
	if !in.Point.IsAnomaly {
		return Outcome{}, nil
	}
	msg := "model service flagged the point as anomalous"
	if v, ok := in.Point.Values["anomaly_score"]; ok {
		msg = fmt.Sprintf("%s (score %s)", msg, trimFloat(v))
	}
	return Outcome{IsAnomaly: true, Message: msg}, nil
}

// forecasting compares the observed value against the predicted band the
// model service attached to the point.
type forecasting struct{}

func newForecasting(map[string]any) (Algorithm, error) {
	return forecasting{}, nil
}

func (forecasting) Detect(_ context.Context, in Input) (Outcome, error) {
	if in.Point.Value == nil {
		return Outcome{}, nil
	}
	value := *in.Point.Value
	lower, hasLower := in.Point.Values["lower_bound"]
	upper, hasUpper := in.Point.Values["upper_bound"]
	if !hasLower && !hasUpper {
		return Outcome{}, nil
	}
	if hasUpper && value > upper {
		return Outcome{
			IsAnomaly: true,
			Message:   fmt.Sprintf("current value %s exceeds predicted upper bound %s", trimFloat(value), trimFloat(upper)),
		}, nil
	}
	if hasLower && value < lower {
		return Outcome{
			IsAnomaly: true,
			Message:   fmt.Sprintf("current value %s falls under predicted lower bound %s", trimFloat(value), trimFloat(lower)),
		}, nil
	}
	return Outcome{}, nil
}

// pingUnreachable fires on the well-known ping loss metric: a non-zero
// value means the target did not answer.
type pingUnreachable struct{}

func newPingUnreachable(map[string]any) (Algorithm, error) {
	return pingUnreachable{}, nil
}

func (pingUnreachable) Detect(_ context.Context, in Input) (Outcome, error) {
	if in.Point.Value == nil || *in.Point.Value < 1 {
		return Outcome{}, nil
	}
	return Outcome{IsAnomaly: true, Message: "target host is ping-unreachable"}, nil
}

// procPort fires when the monitored process is not listening on its
// configured port, signalled by a zero value on the port-status metric.
type procPort struct{}

func newProcPort(map[string]any) (Algorithm, error) {
	return procPort{}, nil
}

func (procPort) Detect(_ context.Context, in Input) (Outcome, error) {
	if in.Point.Value == nil || *in.Point.Value != 0 {
		return Outcome{}, nil
	}
	name := in.Point.Dimensions["display_name"]
	port := in.Point.Dimensions["port"]
	if name != "" && port != "" {
		return Outcome{IsAnomaly: true, Message: fmt.Sprintf("process %s is not listening on port %s", name, port)}, nil
	}
	return Outcome{IsAnomaly: true, Message: "process port check failed"}, nil
}

// osRestartWindow is how fresh an uptime reading must be to count as a
// restart, in seconds.
const osRestartWindow = 600

// osRestart fires when the host uptime metric indicates a recent reboot.
type osRestart struct{}

func newOsRestart(map[string]any) (Algorithm, error) {
	return osRestart{}, nil
}

func (osRestart) Detect(_ context.Context, in Input) (Outcome, error) {
	if in.Point.Value == nil {
		return Outcome{}, nil
	}
	uptime := *in.Point.Value
	if uptime <= 0 || uptime > osRestartWindow {
		return Outcome{}, nil
	}
	return Outcome{
		IsAnomaly: true,
		Message:   fmt.Sprintf("host restarted %s seconds ago", trimFloat(uptime)),
	}, nil
}
