package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SopsChannel creates and starts a standard-ops flow task and polls it to
// completion. Template and constants come from the action config params.
type SopsChannel struct {
	baseURL      string
	httpClient   *http.Client
	timeout      time.Duration
	pollInterval time.Duration
}

// NewSopsChannel creates the standard-ops channel.
func NewSopsChannel(baseURL string, pollInterval time.Duration) *SopsChannel {
	timeout := 30 * time.Second
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &SopsChannel{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		timeout:      timeout,
		pollInterval: pollInterval,
	}
}

// Type returns the channel type.
func (c *SopsChannel) Type() string { return "sops" }

// Timeout bounds one API call.
func (c *SopsChannel) Timeout() time.Duration { return c.timeout }

// PollInterval is the cadence the executor polls a running flow at.
func (c *SopsChannel) PollInterval() time.Duration { return c.pollInterval }

// Render builds the flow launch context.
func (c *SopsChannel) Render(rctx *RenderContext) *Payload {
	return renderPayload(rctx)
}

// Send creates and starts the flow task, returning its ID for polling.
func (c *SopsChannel) Send(ctx context.Context, recipient string, payload *Payload) Outcome {
	if c.baseURL == "" {
		return Failed("sops platform URL not configured")
	}

	create := map[string]any{
		"name":      payload.Title,
		"template":  payload.Params["template_id"],
		"constants": payload.Vars,
	}
	var created struct {
		TaskID string `json:"task_id"`
	}
	if err := c.call(ctx, "/api/sops/create_task", create, &created); err != nil {
		return Failed(err.Error())
	}
	if created.TaskID == "" {
		return Failed("sops platform returned no task id")
	}

	start := map[string]any{"task_id": created.TaskID}
	if err := c.call(ctx, "/api/sops/start_task", start, &struct{}{}); err != nil {
		return Failed(err.Error())
	}
	return Pending(created.TaskID)
}

// Poll reads the flow task state.
func (c *SopsChannel) Poll(ctx context.Context, taskID string) Outcome {
	var result struct {
		State string `json:"state"` // RUNNING, FINISHED, FAILED
	}
	query := map[string]any{"task_id": taskID}
	if err := c.call(ctx, "/api/sops/get_task_status", query, &result); err != nil {
		return Failed(err.Error())
	}
	switch result.State {
	case "FINISHED":
		return Delivered()
	case "FAILED":
		return Failed(fmt.Sprintf("sops task %s failed", taskID))
	default:
		return Pending(taskID)
	}
}

func (c *SopsChannel) call(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling sops request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building sops request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling sops platform: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("sops platform returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding sops platform response: %w", err)
	}
	return nil
}
