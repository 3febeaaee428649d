// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery in CareLine.
//
// Twilio's plain message API cannot carry native button or list shapes, so
// structured messages are degraded to numbered text menus before sending.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/clinicdesk/careline/internal/models"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending WhatsApp number ("whatsapp:+1234567890").
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient creates a Twilio WhatsApp client, falling back to the standard
// TWILIO_* environment variables for unset options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_WHATSAPP_FROM")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromWhats == "" {
		return nil, fmt.Errorf("twilio account SID, auth token, and from number are required")
	}
	if !strings.HasPrefix(cfg.FromWhats, "whatsapp:") {
		cfg.FromWhats = "whatsapp:" + cfg.FromWhats
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Debug("Twilio WhatsApp client created", "from", cfg.FromWhats)
	return &Client{client: client, fromWhats: cfg.FromWhats}, nil
}

// DeliverMessage renders the outbound shape to text and sends it via Twilio.
func (c *Client) DeliverMessage(ctx context.Context, to string, msg models.OutboundMessage) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid outbound message for %s: %w", to, err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(RenderText(msg))

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio message send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s via twilio: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to, "type", msg.Type)
	return nil
}

// RenderText degrades any outbound shape to plain text: menus become
// numbered lines users can answer by index.
func RenderText(msg models.OutboundMessage) string {
	var b strings.Builder
	b.WriteString(msg.Body)

	switch msg.Type {
	case models.MessageTypeButtons:
		for i, opt := range msg.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, opt.Title)
		}
	case models.MessageTypeList:
		n := 0
		for _, sec := range msg.Sections {
			if sec.Title != "" {
				fmt.Fprintf(&b, "\n\n%s:", sec.Title)
			}
			for _, row := range sec.Rows {
				n++
				fmt.Fprintf(&b, "\n%d. %s", n, row.Title)
				if row.Description != "" {
					fmt.Fprintf(&b, " — %s", row.Description)
				}
			}
		}
	case models.MessageTypeDocument:
		if msg.FileRef != "" {
			b.WriteString("\n")
			b.WriteString(msg.FileRef)
		}
	}
	return b.String()
}
