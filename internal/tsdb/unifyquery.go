package tsdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UnifyQuery talks to the VictoriaMetrics-compatible unify-query service.
type UnifyQuery struct {
	baseURL    string
	httpClient *http.Client
}

// NewUnifyQuery creates a unify-query adapter with a bounded timeout.
func NewUnifyQuery(baseURL string, timeout time.Duration) *UnifyQuery {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &UnifyQuery{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// unifyRequest is the wire form of one query_ts request.
type unifyRequest struct {
	Table     string            `json:"table_id"`
	Metric    string            `json:"field_name"`
	Method    string            `json:"method"`
	Where     []unifyCondition  `json:"conditions,omitempty"`
	GroupBy   []string          `json:"group_by,omitempty"`
	Step      string            `json:"step"`
	StartTime int64             `json:"start_time"`
	EndTime   int64             `json:"end_time"`
}

type unifyCondition struct {
	Field  string   `json:"field_name"`
	Op     string   `json:"op"`
	Values []string `json:"value"`
	Join   string   `json:"condition,omitempty"`
}

// unifyResponse mirrors the unify-query series payload: one entry per
// dimension combination with [timestamp_ms, value] datapoints.
type unifyResponse struct {
	Series []struct {
		GroupKeys   []string        `json:"group_keys"`
		GroupValues []string        `json:"group_values"`
		Values      [][2]float64    `json:"values"`
	} `json:"series"`
	Error string `json:"error,omitempty"`
}

// Query executes one aggregated range query.
func (q *UnifyQuery) Query(ctx context.Context, params QueryParams) ([]Series, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	reqBody := unifyRequest{
		Table:     params.Table,
		Metric:    params.Metric,
		Method:    params.Method,
		GroupBy:   params.GroupBy,
		Step:      fmt.Sprintf("%ds", params.Interval),
		StartTime: params.Start,
		EndTime:   params.End,
	}
	for _, c := range params.Where {
		reqBody.Where = append(reqBody.Where, unifyCondition{
			Field:  c.Field,
			Op:     c.Method,
			Values: c.Values,
			Join:   c.Condition,
		})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal unify-query request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.baseURL+"/query/ts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build unify-query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unify-query request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read unify-query response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unify-query returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var parsed unifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unify-query response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("unify-query error: %s", parsed.Error)
	}

	out := make([]Series, 0, len(parsed.Series))
	for _, s := range parsed.Series {
		dims := make(map[string]string, len(s.GroupKeys))
		for i, k := range s.GroupKeys {
			if i < len(s.GroupValues) {
				dims[k] = s.GroupValues[i]
			}
		}
		series := Series{Dimensions: dims, Samples: make([]Sample, 0, len(s.Values))}
		for _, v := range s.Values {
			series.Samples = append(series.Samples, Sample{
				Timestamp: int64(v[0]) / 1000,
				Value:     v[1],
			})
		}
		out = append(out, series)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Querier = (*UnifyQuery)(nil)
