package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio WhatsApp API. Twilio
// cannot deliver native interactive shapes, so buttons and lists arrive as
// numbered text menus; users answer by index, which the input matcher
// already accepts. Inbound delivery requires a webhook and is not wired
// here, so Inbound returns a channel that never produces.
type TwilioService struct {
	client  *twiliowhatsapp.Client
	inbound chan models.InboundMessage
}

// NewTwilioService creates a new TwilioService wrapping the given client.
func NewTwilioService(client *twiliowhatsapp.Client) *TwilioService {
	return &TwilioService{
		client:  client,
		inbound: make(chan models.InboundMessage),
	}
}

// ValidateAndCanonicalizeRecipient strips formatting and validates the digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, recipient)
	if len(cleaned) < MinPhoneDigits || len(cleaned) > MaxPhoneDigits {
		return "", fmt.Errorf("invalid phone number %q: expected %d-%d digits", recipient, MinPhoneDigits, MaxPhoneDigits)
	}
	return cleaned, nil
}

// Deliver sends a message through the Twilio client.
func (s *TwilioService) Deliver(ctx context.Context, to string, msg models.OutboundMessage) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	slog.Debug("TwilioService Deliver invoked", "to", canonical, "type", msg.Type)
	if err := s.client.DeliverMessage(ctx, canonical, msg); err != nil {
		slog.Error("TwilioService Deliver error", "error", err, "to", canonical)
		return err
	}
	return nil
}

// Start is a no-op; Twilio inbound traffic arrives over webhooks.
func (s *TwilioService) Start(ctx context.Context) error {
	slog.Debug("TwilioService Start invoked")
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	close(s.inbound)
	return nil
}

// Inbound returns the (never-producing) inbound channel.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}
