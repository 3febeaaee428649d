// Package store provides storage backends for CareLine.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/clinicdesk/careline/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path; its directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddInboundMessage(msg models.InboundMessage) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.FlowType, msg.RawText, msg.HasMedia,
		nilIfEmpty(msg.MediaRef), nilIfEmpty(msg.ButtonReplyID), nilIfEmpty(msg.ListReplyID), locationJSON,
		msg.Handled, msg.ReceivedAt)
	if err != nil {
		slog.Error("SQLiteStore AddInboundMessage failed", "error", err, "from", msg.From)
		return fmt.Errorf("failed to insert inbound message from %s: %w", msg.From, err)
	}
	return nil
}

func (s *SQLiteStore) GetUnhandledMessages(flowType models.FlowType) ([]models.InboundMessage, error) {
	rows, err := s.db.Query(`SELECT id, sender, flow_type, raw_text, has_media, media_ref, button_reply_id, list_reply_id, location_json, handled, received_at
		FROM inbound_messages WHERE flow_type = ? AND handled = 0 ORDER BY received_at`, flowType)
	if err != nil {
		slog.Error("SQLiteStore GetUnhandledMessages query failed", "error", err, "flowType", flowType)
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
	slog.Debug("SQLiteStore GetUnhandledMessages succeeded", "flowType", flowType, "count", len(out))
	return out, nil
}

func (s *SQLiteStore) MarkMessageHandled(id string) error {
	res, err := s.db.Exec(`UPDATE inbound_messages SET handled = 1 WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore MarkMessageHandled failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark message %s handled: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inbound message %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) GetUserState(identity string, flowType models.FlowType) (*models.UserState, error) {
	row := s.db.QueryRow(`SELECT identity, flow_type, conversation_state, pending_enter, data_json, created_at, updated_at
		FROM user_states WHERE identity = ? AND flow_type = ?`, identity, flowType)
	st, err := scanUserState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserState failed", "error", err, "identity", identity, "flowType", flowType)
		return nil, fmt.Errorf("failed to get user state for %s: %w", identity, err)
	}
	return &st, nil
}

func (s *SQLiteStore) SaveUserState(st models.UserState) (models.UserState, error) {
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity, flow_type) DO UPDATE SET
			conversation_state = excluded.conversation_state,
			pending_enter = excluded.pending_enter,
			data_json = excluded.data_json,
			updated_at = excluded.updated_at`,
		st.Identity, st.FlowType, st.ConversationState, st.PendingEnter, dataJSON, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveUserState failed", "error", err, "identity", st.Identity, "state", st.ConversationState)
		return st, fmt.Errorf("failed to save user state for %s: %w", st.Identity, err)
	}
	slog.Debug("SQLiteStore SaveUserState succeeded", "identity", st.Identity, "state", st.ConversationState)
	return st, nil
}

func (s *SQLiteStore) UpsertPatient(p models.Patient) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO patients (identity, name, date_of_birth, gender, latitude, longitude, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			name = excluded.name,
			date_of_birth = excluded.date_of_birth,
			gender = excluded.gender,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			updated_at = excluded.updated_at`,
		p.Identity, p.Name, p.DateOfBirth, p.Gender, p.Latitude, p.Longitude, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore UpsertPatient failed", "error", err, "identity", p.Identity)
		return fmt.Errorf("failed to upsert patient %s: %w", p.Identity, err)
	}
	return nil
}

func (s *SQLiteStore) GetPatient(identity string) (*models.Patient, error) {
	var p models.Patient
	var dob sql.NullTime
	var lat, lng sql.NullFloat64
	err := s.db.QueryRow(`SELECT identity, name, date_of_birth, gender, latitude, longitude, created_at, updated_at
		FROM patients WHERE identity = ?`, identity).
		Scan(&p.Identity, &p.Name, &dob, &p.Gender, &lat, &lng, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPatient failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to get patient %s: %w", identity, err)
	}
	if dob.Valid {
		p.DateOfBirth = dob.Time
	}
	p.Latitude = lat.Float64
	p.Longitude = lng.Float64
	return &p, nil
}

func (s *SQLiteStore) CreateAppointment(a models.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO appointments (id, patient_identity, slot, status, calendar_event_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PatientIdentity, a.Slot, a.Status, nilIfEmpty(a.CalendarEventID), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateAppointment failed", "error", err, "patient", a.PatientIdentity)
		return fmt.Errorf("failed to create appointment for %s: %w", a.PatientIdentity, err)
	}
	return nil
}

func (s *SQLiteStore) ListAppointmentsBetween(from, to time.Time) ([]models.Appointment, error) {
	rows, err := s.db.Query(`SELECT id, patient_identity, slot, status, calendar_event_id, created_at, updated_at
		FROM appointments WHERE slot >= ? AND slot < ? AND status != ? ORDER BY slot`,
		from, to, models.AppointmentStatusCancelled)
	if err != nil {
		slog.Error("SQLiteStore ListAppointmentsBetween query failed", "error", err)
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

func (s *SQLiteStore) UpdateAppointmentStatus(id string, status models.AppointmentStatus) error {
	res, err := s.db.Exec(`UPDATE appointments SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateAppointmentStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update appointment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) CreatePrescription(p models.Prescription) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO prescriptions (id, patient_identity, media_ref, status, reviewed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PatientIdentity, p.MediaRef, p.Status, nilIfEmpty(p.ReviewedBy), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreatePrescription failed", "error", err, "patient", p.PatientIdentity)
		return fmt.Errorf("failed to create prescription for %s: %w", p.PatientIdentity, err)
	}
	return nil
}

func (s *SQLiteStore) ListPendingPrescriptions() ([]models.Prescription, error) {
	rows, err := s.db.Query(`SELECT id, patient_identity, media_ref, status, reviewed_by, created_at, updated_at
		FROM prescriptions WHERE status = ? ORDER BY created_at`, models.PrescriptionStatusPending)
	if err != nil {
		slog.Error("SQLiteStore ListPendingPrescriptions query failed", "error", err)
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

func (s *SQLiteStore) UpdatePrescriptionStatus(id, reviewedBy string, status models.PrescriptionStatus) error {
	res, err := s.db.Exec(`UPDATE prescriptions SET status = ?, reviewed_by = ?, updated_at = ? WHERE id = ?`,
		status, nilIfEmpty(reviewedBy), time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdatePrescriptionStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update prescription %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("prescription %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) EnqueueOutbound(identity, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(`SELECT id FROM outbound_messages
			WHERE dedupe_key = ? AND status IN (?, ?)`,
			dedupeKey, OutboundStatusQueued, OutboundStatusSending).Scan(&existing)
		if err == nil {
			slog.Debug("SQLiteStore EnqueueOutbound deduplicated", "id", existing, "identity", identity)
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("failed to check outbound dedupe key: %w", err)
		}
	}
	id := uuid.NewString()
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO outbound_messages (id, identity, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, identity, payloadJSON, OutboundStatusQueued, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		slog.Error("SQLiteStore EnqueueOutbound failed", "error", err, "identity", identity)
		return "", fmt.Errorf("failed to enqueue outbound for %s: %w", identity, err)
	}
	return id, nil
}

func (s *SQLiteStore) ClaimDueOutbound(now time.Time, limit int) ([]OutboundRecord, error) {
	rows, err := s.db.Query(`SELECT id, identity, payload_json, status, attempts, next_attempt_at, dedupe_key, last_error, created_at, updated_at
		FROM outbound_messages
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at LIMIT ?`, OutboundStatusQueued, now, limit)
	if err != nil {
		slog.Error("SQLiteStore ClaimDueOutbound query failed", "error", err)
		return nil, fmt.Errorf("failed to query due outbound messages: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range due {
		if _, err := s.db.Exec(`UPDATE outbound_messages SET status = ?, updated_at = ? WHERE id = ?`,
			OutboundStatusSending, now, due[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim outbound %s: %w", due[i].ID, err)
		}
		due[i].Status = OutboundStatusSending
	}
	return due, nil
}

func (s *SQLiteStore) MarkOutboundSent(id string) error {
	_, err := s.db.Exec(`UPDATE outbound_messages SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		OutboundStatusSent, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbound %s sent: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FailOutbound(id, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(`UPDATE outbound_messages
		SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		OutboundStatusQueued, errMsg, nextAttemptAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record outbound failure for %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleOutbound(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE outbound_messages SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		OutboundStatusQueued, time.Now(), OutboundStatusSending, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbound messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
