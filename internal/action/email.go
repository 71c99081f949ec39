package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/action/provider"
)

// EmailChannel delivers notice mail through the provider registry.
type EmailChannel struct {
	providers *provider.Registry
	from      string
	timeout   time.Duration
}

// NewEmailChannel creates the notice mail channel.
func NewEmailChannel(providers *provider.Registry, from string) *EmailChannel {
	return &EmailChannel{
		providers: providers,
		from:      from,
		timeout:   30 * time.Second,
	}
}

// Type returns the channel type.
func (c *EmailChannel) Type() string { return "mail" }

// Timeout bounds one send.
func (c *EmailChannel) Timeout() time.Duration { return c.timeout }

// PollInterval is zero: mail delivery is synchronous.
func (c *EmailChannel) PollInterval() time.Duration { return 0 }

// Render builds the mail subject and body.
func (c *EmailChannel) Render(rctx *RenderContext) *Payload {
	return renderPayload(rctx)
}

// Send delivers one mail. The recipient is a user ID resolved to an address
// by convention (already an address when it contains @).
func (c *EmailChannel) Send(ctx context.Context, recipient string, payload *Payload) Outcome {
	if recipient == "" {
		return Failed("email recipient is required")
	}
	address := recipient
	if !strings.Contains(address, "@") {
		return Failed(fmt.Sprintf("no mail address for recipient %q", recipient))
	}
	req := &provider.EmailRequest{
		From:    c.from,
		To:      []string{address},
		Subject: payload.Title,
		Body:    payload.Body,
	}
	if err := c.providers.Send(ctx, req); err != nil {
		return Failed(err.Error())
	}
	return Delivered()
}

// Poll is never called for a synchronous channel.
func (c *EmailChannel) Poll(ctx context.Context, taskID string) Outcome {
	return Failed("mail channel has no async tasks")
}
