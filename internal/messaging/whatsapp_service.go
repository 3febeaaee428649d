package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/whatsapp"

	"go.mau.fi/whatsmeow/types/events"
)

// Constants for WhatsAppService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound channel
	DefaultChannelBufferSize = 100
	// MinPhoneDigits is the minimum number of digits for a plausible phone number
	MinPhoneDigits = 7
	// MaxPhoneDigits is the maximum number of digits for a plausible phone number
	MaxPhoneDigits = 15
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when the sender is a full client, for event handling
	inbound  chan models.InboundMessage
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient strips formatting and validates the digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
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

// Start begins background event handling when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
			if msg, ok := evt.(*events.Message); ok {
				s.handleIncomingMessage(msg)
			}
		})
		slog.Debug("WhatsAppService event handler registered")
	}
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.inbound)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	return nil
}

// Deliver sends a message through the WhatsApp client.
func (s *WhatsAppService) Deliver(ctx context.Context, to string, msg models.OutboundMessage) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	slog.Debug("WhatsAppService Deliver invoked", "to", canonical, "type", msg.Type)
	if err := s.client.DeliverMessage(ctx, canonical, msg); err != nil {
		slog.Error("WhatsAppService Deliver error", "error", err, "to", canonical)
		return err
	}
	slog.Info("WhatsAppService message delivered", "to", canonical, "type", msg.Type)
	return nil
}

// Inbound returns the channel of decoded incoming messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// handleIncomingMessage decodes and forwards one message event without
// blocking the Whatsmeow event loop.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	msg := whatsapp.DecodeMessageEvent(evt)
	canonical, err := s.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Debug("WhatsAppService ignoring message from invalid sender", "from", msg.From, "error", err)
		return
	}
	msg.From = canonical

	select {
	case s.inbound <- msg:
	case <-s.done:
	default:
		slog.Warn("WhatsAppService inbound channel full, dropping message", "from", msg.From)
	}
}
