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

// Approval states reported by the ticket service.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Approver gates remediation on an approved ticket. Remediation channels
// whose execute config sets need_approval first open a ticket and fire only
// once it is approved.
type Approver interface {
	CreateTicket(ctx context.Context, payload *Payload) (string, error)
	State(ctx context.Context, ticketID string) (string, error)
}

// ITSMChannel files a ticket in the ITSM service. As a channel it is
// async: the ticket ID is the external task and the instance completes when
// the ticket is approved. The same client implements Approver for
// ticket-gated job/sops dispatch.
type ITSMChannel struct {
	baseURL      string
	httpClient   *http.Client
	timeout      time.Duration
	pollInterval time.Duration
}

// NewITSMChannel creates the ticket channel.
func NewITSMChannel(baseURL string, pollInterval time.Duration) *ITSMChannel {
	timeout := 30 * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &ITSMChannel{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		timeout:      timeout,
		pollInterval: pollInterval,
	}
}

// Type returns the channel type.
func (c *ITSMChannel) Type() string { return "itsm" }

// Timeout bounds one API call.
func (c *ITSMChannel) Timeout() time.Duration { return c.timeout }

// PollInterval is the cadence the executor checks an open ticket at.
func (c *ITSMChannel) PollInterval() time.Duration { return c.pollInterval }

// Render builds the ticket content.
func (c *ITSMChannel) Render(rctx *RenderContext) *Payload {
	return renderPayload(rctx)
}

// Send files the ticket and returns its ID for polling.
func (c *ITSMChannel) Send(ctx context.Context, recipient string, payload *Payload) Outcome {
	ticketID, err := c.CreateTicket(ctx, payload)
	if err != nil {
		return Failed(err.Error())
	}
	return Pending(ticketID)
}

// Poll reads the ticket state.
func (c *ITSMChannel) Poll(ctx context.Context, taskID string) Outcome {
	state, err := c.State(ctx, taskID)
	if err != nil {
		return Failed(err.Error())
	}
	switch state {
	case ApprovalApproved:
		return Delivered()
	case ApprovalRejected:
		return Failed(fmt.Sprintf("ticket %s rejected", taskID))
	default:
		return Pending(taskID)
	}
}

// CreateTicket files a new ticket from the rendered payload.
func (c *ITSMChannel) CreateTicket(ctx context.Context, payload *Payload) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("itsm service URL not configured")
	}
	create := map[string]any{
		"title":   payload.Title,
		"content": payload.Body,
		"fields":  payload.Params,
	}
	var created struct {
		TicketID string `json:"ticket_id"`
	}
	if err := c.call(ctx, "/api/itsm/create_ticket", create, &created); err != nil {
		return "", err
	}
	if created.TicketID == "" {
		return "", fmt.Errorf("itsm service returned no ticket id")
	}
	return created.TicketID, nil
}

// State returns the approval state of a ticket.
func (c *ITSMChannel) State(ctx context.Context, ticketID string) (string, error) {
	var result struct {
		ApproveResult string `json:"approve_result"` // pending, approved, rejected
	}
	query := map[string]any{"ticket_id": ticketID}
	if err := c.call(ctx, "/api/itsm/ticket_approval_result", query, &result); err != nil {
		return "", err
	}
	if result.ApproveResult == "" {
		return ApprovalPending, nil
	}
	return result.ApproveResult, nil
}

func (c *ITSMChannel) call(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling itsm request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building itsm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling itsm service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("itsm service returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding itsm response: %w", err)
	}
	return nil
}
