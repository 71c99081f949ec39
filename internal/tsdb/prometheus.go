package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Prometheus queries a Prometheus-compatible range API. Used for data
// sources whose label routes them to a raw Prometheus backend instead of
// unify-query.
type Prometheus struct {
	baseURL    string
	httpClient *http.Client
}

// NewPrometheus creates a Prometheus adapter with a bounded timeout.
func NewPrometheus(baseURL string, timeout time.Duration) *Prometheus {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prometheus{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type promRangeResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Values [][2]any          `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// Query executes one aggregated range query rendered as PromQL.
func (p *Prometheus) Query(ctx context.Context, params QueryParams) ([]Series, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	q := renderPromQL(params)
	values := url.Values{}
	values.Set("query", q)
	values.Set("start", strconv.FormatInt(params.Start, 10))
	values.Set("end", strconv.FormatInt(params.End, 10))
	values.Set("step", fmt.Sprintf("%ds", params.Interval))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/api/v1/query_range?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build prometheus request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read prometheus response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var parsed promRangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prometheus response: %w", err)
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("prometheus error: %s", parsed.Error)
	}

	out := make([]Series, 0, len(parsed.Data.Result))
	for _, r := range parsed.Data.Result {
		series := Series{Dimensions: r.Metric, Samples: make([]Sample, 0, len(r.Values))}
		for _, v := range r.Values {
			ts, ok := v[0].(float64)
			if !ok {
				continue
			}
			raw, ok := v[1].(string)
			if !ok {
				continue
			}
			val, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			series.Samples = append(series.Samples, Sample{Timestamp: int64(ts), Value: val})
		}
		out = append(out, series)
	}
	return out, nil
}

// renderPromQL builds `method by (dims) (metric{selectors})`.
func renderPromQL(params QueryParams) string {
	var sel []string
	for _, c := range params.Where {
		if len(c.Values) == 0 {
			continue
		}
		op := "="
		switch c.Method {
		case "neq":
			op = "!="
		case "reg":
			op = "=~"
		case "in":
			op = "=~"
		case "nin":
			op = "!~"
		}
		value := c.Values[0]
		if op == "=~" || op == "!~" {
			value = strings.Join(c.Values, "|")
		}
		sel = append(sel, fmt.Sprintf(`%s%s%q`, c.Field, op, value))
	}

	metric := params.Metric
	if len(sel) > 0 {
		metric = fmt.Sprintf("%s{%s}", metric, strings.Join(sel, ","))
	}
	method := params.Method
	if method == "" {
		method = "avg"
	}
	if len(params.GroupBy) > 0 {
		return fmt.Sprintf("%s by (%s) (%s)", method, strings.Join(params.GroupBy, ","), metric)
	}
	return fmt.Sprintf("%s(%s)", method, metric)
}

var _ Querier = (*Prometheus)(nil)
