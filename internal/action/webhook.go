package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// isValidURL checks if a string is a valid HTTP/HTTPS URL.
func isValidURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// WebhookChannel posts the rendered alert as JSON to a target URL. The
// recipient is the URL.
type WebhookChannel struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewWebhookChannel creates the generic webhook channel.
func NewWebhookChannel() *WebhookChannel {
	timeout := 30 * time.Second
	return &WebhookChannel{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Type returns the channel type.
func (c *WebhookChannel) Type() string { return "webhook" }

// Timeout bounds one send.
func (c *WebhookChannel) Timeout() time.Duration { return c.timeout }

// PollInterval is zero: webhook delivery is synchronous.
func (c *WebhookChannel) PollInterval() time.Duration { return 0 }

// Render builds the webhook payload.
func (c *WebhookChannel) Render(rctx *RenderContext) *Payload {
	return renderPayload(rctx)
}

// Send posts the payload to the recipient URL.
func (c *WebhookChannel) Send(ctx context.Context, recipient string, payload *Payload) Outcome {
	if !isValidURL(recipient) {
		return Failed(fmt.Sprintf("invalid webhook URL: %q", recipient))
	}

	body := map[string]any{
		"title":   payload.Title,
		"content": payload.Body,
	}
	for k, v := range payload.Vars {
		if !strings.HasPrefix(k, "dim.") {
			body[k] = v
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Failed(fmt.Sprintf("marshaling webhook payload: %v", err))
	}

	if err := c.post(ctx, recipient, data); err != nil {
		return Failed(err.Error())
	}
	return Delivered()
}

// Poll is never called for a synchronous channel.
func (c *WebhookChannel) Poll(ctx context.Context, taskID string) Outcome {
	return Failed("webhook channel has no async tasks")
}

func (c *WebhookChannel) post(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// IMChannel posts a markdown card to an IM robot webhook, wxwork style. The
// recipient is the robot webhook URL.
type IMChannel struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewIMChannel creates the IM robot channel.
func NewIMChannel() *IMChannel {
	timeout := 15 * time.Second
	return &IMChannel{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Type returns the channel type.
func (c *IMChannel) Type() string { return "im" }

// Timeout bounds one send.
func (c *IMChannel) Timeout() time.Duration { return c.timeout }

// PollInterval is zero: IM delivery is synchronous.
func (c *IMChannel) PollInterval() time.Duration { return 0 }

// Render builds a markdown card.
func (c *IMChannel) Render(rctx *RenderContext) *Payload {
	payload := renderPayload(rctx)
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**%s**\n", payload.Title))
	for _, line := range strings.Split(payload.Body, "\n") {
		if line == "" || strings.HasPrefix(line, "=") {
			continue
		}
		sb.WriteString("> " + line + "\n")
	}
	payload.Body = sb.String()
	return payload
}

// Send posts the markdown card to the robot webhook.
func (c *IMChannel) Send(ctx context.Context, recipient string, payload *Payload) Outcome {
	if !isValidURL(recipient) {
		return Failed(fmt.Sprintf("invalid IM robot URL: %q", recipient))
	}

	card := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"content": payload.Body,
		},
	}
	data, err := json.Marshal(card)
	if err != nil {
		return Failed(fmt.Sprintf("marshaling IM payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(data))
	if err != nil {
		return Failed(fmt.Sprintf("building IM request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Failed(fmt.Sprintf("posting IM message: %v", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failed(fmt.Sprintf("IM robot returned status %d", resp.StatusCode))
	}
	return Delivered()
}

// Poll is never called for a synchronous channel.
func (c *IMChannel) Poll(ctx context.Context, taskID string) Outcome {
	return Failed("im channel has no async tasks")
}
