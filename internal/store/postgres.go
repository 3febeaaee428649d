// Package store provides storage backends for CareLine.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/clinicdesk/careline/internal/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddInboundMessage(msg models.InboundMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	locationJSON, err := encodeLocation(msg.Location)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO inbound_messages
		(id, sender, flow_type, raw_text, has_media, media_ref, button_reply_id, list_reply_id, location_json, handled, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.From, msg.FlowType, msg.RawText, msg.HasMedia,
		nilIfEmpty(msg.MediaRef), nilIfEmpty(msg.ButtonReplyID), nilIfEmpty(msg.ListReplyID), locationJSON,
		msg.Handled, msg.ReceivedAt)
	if err != nil {
		slog.Error("PostgresStore AddInboundMessage failed", "error", err, "from", msg.From)
		return fmt.Errorf("failed to insert inbound message from %s: %w", msg.From, err)
	}
	return nil
}

func (s *PostgresStore) GetUnhandledMessages(flowType models.FlowType) ([]models.InboundMessage, error) {
	rows, err := s.db.Query(`SELECT id, sender, flow_type, raw_text, has_media, media_ref, button_reply_id, list_reply_id, location_json, handled, received_at
		FROM inbound_messages WHERE flow_type = $1 AND handled = FALSE ORDER BY received_at`, flowType)
	if err != nil {
		slog.Error("PostgresStore GetUnhandledMessages query failed", "error", err, "flowType", flowType)
		return nil, fmt.Errorf("failed to query unhandled messages: %w", err)
	}
	defer rows.Close()

	var out []models.InboundMessage
	for rows.Next() {
		m, err := scanInboundMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inbound rows: %w", err)
	}
	slog.Debug("PostgresStore GetUnhandledMessages succeeded", "flowType", flowType, "count", len(out))
	return out, nil
}

func (s *PostgresStore) MarkMessageHandled(id string) error {
	res, err := s.db.Exec(`UPDATE inbound_messages SET handled = TRUE WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore MarkMessageHandled failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark message %s handled: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inbound message %s not found", id)
	}
	return nil
}

func (s *PostgresStore) GetUserState(identity string, flowType models.FlowType) (*models.UserState, error) {
	row := s.db.QueryRow(`SELECT identity, flow_type, conversation_state, pending_enter, data_json, created_at, updated_at
		FROM user_states WHERE identity = $1 AND flow_type = $2`, identity, flowType)
	st, err := scanUserState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserState failed", "error", err, "identity", identity, "flowType", flowType)
		return nil, fmt.Errorf("failed to get user state for %s: %w", identity, err)
	}
	return &st, nil
}

func (s *PostgresStore) SaveUserState(st models.UserState) (models.UserState, error) {
	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	dataJSON, err := encodeStateData(st.Data)
	if err != nil {
		return st, err
	}
	_, err = s.db.Exec(`INSERT INTO user_states (identity, flow_type, conversation_state, pending_enter, data_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity, flow_type) DO UPDATE SET
			conversation_state = EXCLUDED.conversation_state,
			pending_enter = EXCLUDED.pending_enter,
			data_json = EXCLUDED.data_json,
			updated_at = EXCLUDED.updated_at`,
		st.Identity, st.FlowType, st.ConversationState, st.PendingEnter, dataJSON, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveUserState failed", "error", err, "identity", st.Identity, "state", st.ConversationState)
		return st, fmt.Errorf("failed to save user state for %s: %w", st.Identity, err)
	}
	slog.Debug("PostgresStore SaveUserState succeeded", "identity", st.Identity, "state", st.ConversationState)
	return st, nil
}

func (s *PostgresStore) UpsertPatient(p models.Patient) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO patients (identity, name, date_of_birth, gender, latitude, longitude, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity) DO UPDATE SET
			name = EXCLUDED.name,
			date_of_birth = EXCLUDED.date_of_birth,
			gender = EXCLUDED.gender,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			updated_at = EXCLUDED.updated_at`,
		p.Identity, p.Name, p.DateOfBirth, p.Gender, p.Latitude, p.Longitude, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore UpsertPatient failed", "error", err, "identity", p.Identity)
		return fmt.Errorf("failed to upsert patient %s: %w", p.Identity, err)
	}
	return nil
}

func (s *PostgresStore) GetPatient(identity string) (*models.Patient, error) {
	var p models.Patient
	var dob sql.NullTime
	var lat, lng sql.NullFloat64
	err := s.db.QueryRow(`SELECT identity, name, date_of_birth, gender, latitude, longitude, created_at, updated_at
		FROM patients WHERE identity = $1`, identity).
		Scan(&p.Identity, &p.Name, &dob, &p.Gender, &lat, &lng, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPatient failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to get patient %s: %w", identity, err)
	}
	if dob.Valid {
		p.DateOfBirth = dob.Time
	}
	p.Latitude = lat.Float64
	p.Longitude = lng.Float64
	return &p, nil
}

func (s *PostgresStore) CreateAppointment(a models.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO appointments (id, patient_identity, slot, status, calendar_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.PatientIdentity, a.Slot, a.Status, nilIfEmpty(a.CalendarEventID), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateAppointment failed", "error", err, "patient", a.PatientIdentity)
		return fmt.Errorf("failed to create appointment for %s: %w", a.PatientIdentity, err)
	}
	return nil
}

func (s *PostgresStore) ListAppointmentsBetween(from, to time.Time) ([]models.Appointment, error) {
	rows, err := s.db.Query(`SELECT id, patient_identity, slot, status, calendar_event_id, created_at, updated_at
		FROM appointments WHERE slot >= $1 AND slot < $2 AND status != $3 ORDER BY slot`,
		from, to, models.AppointmentStatusCancelled)
	if err != nil {
		slog.Error("PostgresStore ListAppointmentsBetween query failed", "error", err)
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateAppointmentStatus(id string, status models.AppointmentStatus) error {
	res, err := s.db.Exec(`UPDATE appointments SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdateAppointmentStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update appointment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %s not found", id)
	}
	return nil
}

func (s *PostgresStore) CreatePrescription(p models.Prescription) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO prescriptions (id, patient_identity, media_ref, status, reviewed_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.PatientIdentity, p.MediaRef, p.Status, nilIfEmpty(p.ReviewedBy), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreatePrescription failed", "error", err, "patient", p.PatientIdentity)
		return fmt.Errorf("failed to create prescription for %s: %w", p.PatientIdentity, err)
	}
	return nil
}

func (s *PostgresStore) ListPendingPrescriptions() ([]models.Prescription, error) {
	rows, err := s.db.Query(`SELECT id, patient_identity, media_ref, status, reviewed_by, created_at, updated_at
		FROM prescriptions WHERE status = $1 ORDER BY created_at`, models.PrescriptionStatusPending)
	if err != nil {
		slog.Error("PostgresStore ListPendingPrescriptions query failed", "error", err)
		return nil, fmt.Errorf("failed to query prescriptions: %w", err)
	}
	defer rows.Close()

	var out []models.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePrescriptionStatus(id, reviewedBy string, status models.PrescriptionStatus) error {
	res, err := s.db.Exec(`UPDATE prescriptions SET status = $1, reviewed_by = $2, updated_at = $3 WHERE id = $4`,
		status, nilIfEmpty(reviewedBy), time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdatePrescriptionStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update prescription %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("prescription %s not found", id)
	}
	return nil
}

func (s *PostgresStore) EnqueueOutbound(identity, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(`SELECT id FROM outbound_messages
			WHERE dedupe_key = $1 AND status IN ($2, $3)`,
			dedupeKey, OutboundStatusQueued, OutboundStatusSending).Scan(&existing)
		if err == nil {
			slog.Debug("PostgresStore EnqueueOutbound deduplicated", "id", existing, "identity", identity)
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("failed to check outbound dedupe key: %w", err)
		}
	}
	id := uuid.NewString()
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO outbound_messages (id, identity, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)`,
		id, identity, payloadJSON, OutboundStatusQueued, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		slog.Error("PostgresStore EnqueueOutbound failed", "error", err, "identity", identity)
		return "", fmt.Errorf("failed to enqueue outbound for %s: %w", identity, err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimDueOutbound(now time.Time, limit int) ([]OutboundRecord, error) {
	rows, err := s.db.Query(`UPDATE outbound_messages SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM outbound_messages
			WHERE status = $3 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY created_at LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, identity, payload_json, status, attempts, next_attempt_at, dedupe_key, last_error, created_at, updated_at`,
		OutboundStatusSending, now, OutboundStatusQueued, limit)
	if err != nil {
		slog.Error("PostgresStore ClaimDueOutbound failed", "error", err)
		return nil, fmt.Errorf("failed to claim due outbound messages: %w", err)
	}
	defer rows.Close()

	var due []OutboundRecord
	for rows.Next() {
		r, err := scanOutboundRecord(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

func (s *PostgresStore) MarkOutboundSent(id string) error {
	_, err := s.db.Exec(`UPDATE outbound_messages SET status = $1, last_error = NULL, updated_at = $2 WHERE id = $3`,
		OutboundStatusSent, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbound %s sent: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FailOutbound(id, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(`UPDATE outbound_messages
		SET status = $1, attempts = attempts + 1, last_error = $2, next_attempt_at = $3, updated_at = $4
		WHERE id = $5`,
		OutboundStatusQueued, errMsg, nextAttemptAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record outbound failure for %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleOutbound(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE outbound_messages SET status = $1, updated_at = $2
		WHERE status = $3 AND updated_at < $4`,
		OutboundStatusQueued, time.Now(), OutboundStatusSending, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbound messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
