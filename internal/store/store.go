// Package store provides storage backends for CareLine.
//
// It persists the inbound message queue, per-identity conversation state,
// clinic domain records (patients, appointments, prescriptions), and the
// durable outbox for outgoing deliveries. An in-memory store backs tests;
// SQLite and PostgreSQL back production.
package store

import (
	"time"

	"github.com/clinicdesk/careline/internal/models"
)

// OutboundStatus represents the lifecycle state of an outbox record.
type OutboundStatus string

const (
	OutboundStatusQueued  OutboundStatus = "queued"
	OutboundStatusSending OutboundStatus = "sending"
	OutboundStatusSent    OutboundStatus = "sent"
	OutboundStatusFailed  OutboundStatus = "failed"
)

// OutboundRecord is a durable outgoing message awaiting delivery.
type OutboundRecord struct {
	ID            string         `json:"id"`
	Identity      string         `json:"identity"`
	PayloadJSON   string         `json:"payload_json"`
	Status        OutboundStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt *time.Time     `json:"next_attempt_at"`
	DedupeKey     string         `json:"dedupe_key"`
	LastError     string         `json:"last_error"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Store defines the persistence surface consumed by the engine, flows, and poller.
type Store interface {
	// Inbound message queue
	AddInboundMessage(msg models.InboundMessage) error
	GetUnhandledMessages(flowType models.FlowType) ([]models.InboundMessage, error)
	MarkMessageHandled(id string) error

	// Conversation state
	GetUserState(identity string, flowType models.FlowType) (*models.UserState, error)
	SaveUserState(st models.UserState) (models.UserState, error)

	// Clinic domain records, written only from flow hooks
	UpsertPatient(p models.Patient) error
	GetPatient(identity string) (*models.Patient, error)
	CreateAppointment(a models.Appointment) error
	ListAppointmentsBetween(from, to time.Time) ([]models.Appointment, error)
	UpdateAppointmentStatus(id string, status models.AppointmentStatus) error
	CreatePrescription(p models.Prescription) error
	ListPendingPrescriptions() ([]models.Prescription, error)
	UpdatePrescriptionStatus(id, reviewedBy string, status models.PrescriptionStatus) error

	// Durable outbox. EnqueueOutbound returns the existing id when a
	// non-terminal record with the same dedupe key is already queued.
	EnqueueOutbound(identity, payloadJSON, dedupeKey string) (string, error)
	ClaimDueOutbound(now time.Time, limit int) ([]OutboundRecord, error)
	MarkOutboundSent(id string) error
	FailOutbound(id, errMsg string, nextAttemptAt time.Time) error
	RequeueStaleOutbound(staleBefore time.Time) (int, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}
