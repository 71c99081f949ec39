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

// JobChannel launches a job-platform script execution and polls it to
// completion. The recipient is unused; the target comes from the action
// config params.
type JobChannel struct {
	baseURL      string
	httpClient   *http.Client
	timeout      time.Duration
	pollInterval time.Duration
}

// NewJobChannel creates the job runner channel.
func NewJobChannel(baseURL string, pollInterval time.Duration) *JobChannel {
	timeout := 30 * time.Second
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &JobChannel{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		timeout:      timeout,
		pollInterval: pollInterval,
	}
}

// Type returns the channel type.
func (c *JobChannel) Type() string { return "job" }

// Timeout bounds one API call.
func (c *JobChannel) Timeout() time.Duration { return c.timeout }

// PollInterval is the cadence the executor polls a running job at.
func (c *JobChannel) PollInterval() time.Duration { return c.pollInterval }

// Render builds the job launch context.
func (c *JobChannel) Render(rctx *RenderContext) *Payload {
	return renderPayload(rctx)
}

// Send launches the job and returns the platform task ID for polling.
func (c *JobChannel) Send(ctx context.Context, recipient string, payload *Payload) Outcome {
	if c.baseURL == "" {
		return Failed("job platform URL not configured")
	}

	launch := map[string]any{
		"task_name": payload.Title,
		"params":    payload.Params,
		"variables": payload.Vars,
	}
	var result struct {
		JobInstanceID string `json:"job_instance_id"`
	}
	if err := c.call(ctx, "/api/job/fast_execute_script", launch, &result); err != nil {
		return Failed(err.Error())
	}
	if result.JobInstanceID == "" {
		return Failed("job platform returned no instance id")
	}
	return Pending(result.JobInstanceID)
}

// Poll reads the job instance status.
func (c *JobChannel) Poll(ctx context.Context, taskID string) Outcome {
	var result struct {
		Status string `json:"status"` // running, success, failed
		Detail string `json:"detail,omitempty"`
	}
	query := map[string]any{"job_instance_id": taskID}
	if err := c.call(ctx, "/api/job/get_job_instance_status", query, &result); err != nil {
		return Failed(err.Error())
	}
	switch result.Status {
	case "success":
		return Delivered()
	case "failed":
		return Failed(fmt.Sprintf("job %s failed: %s", taskID, result.Detail))
	default:
		return Pending(taskID)
	}
}

func (c *JobChannel) call(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling job request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling job platform: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("job platform returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding job platform response: %w", err)
	}
	return nil
}
