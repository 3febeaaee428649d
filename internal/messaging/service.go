// Package messaging provides the pluggable outbound transport abstraction
// and its WhatsApp and Twilio implementations.
package messaging

import (
	"context"

	"github.com/clinicdesk/careline/internal/models"
)

// Service defines a pluggable message delivery abstraction. It supports
// delivering the outbound message shapes and exposes a channel of decoded
// inbound messages.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each service implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Deliver sends an outbound message to a recipient.
	Deliver(ctx context.Context, to string, msg models.OutboundMessage) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns a channel of decoded incoming messages.
	Inbound() <-chan models.InboundMessage
}
