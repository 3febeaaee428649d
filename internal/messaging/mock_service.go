package messaging

import (
	"context"
	"sync"

	"github.com/clinicdesk/careline/internal/models"
)

// Delivery records one Deliver call made against a MockService.
type Delivery struct {
	To      string
	Message models.OutboundMessage
}

// MockService is a Service implementation for tests. Deliveries are recorded
// and inbound messages can be injected with Inject.
type MockService struct {
	mu         sync.Mutex
	deliveries []Delivery
	inbound    chan models.InboundMessage

	// DeliverErr, when set, is returned by every Deliver call.
	DeliverErr error
}

// NewMockService creates a MockService with a buffered inbound channel.
func NewMockService() *MockService {
	return &MockService{inbound: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

// ValidateAndCanonicalizeRecipient accepts any non-empty recipient unchanged.
func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	return recipient, nil
}

// Deliver records the call and returns DeliverErr.
func (m *MockService) Deliver(ctx context.Context, to string, msg models.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, Delivery{To: to, Message: msg})
	if m.DeliverErr != nil {
		return m.DeliverErr
	}
	return nil
}

// Start is a no-op.
func (m *MockService) Start(ctx context.Context) error { return nil }

// Stop closes the inbound channel.
func (m *MockService) Stop() error {
	close(m.inbound)
	return nil
}

// Inbound returns the injectable inbound channel.
func (m *MockService) Inbound() <-chan models.InboundMessage {
	return m.inbound
}

// Inject places an inbound message on the channel.
func (m *MockService) Inject(msg models.InboundMessage) {
	m.inbound <- msg
}

// Deliveries returns a copy of the recorded deliveries.
func (m *MockService) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.deliveries))
	copy(out, m.deliveries)
	return out
}
