package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clinicdesk/careline/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// DetectDSNType reports "postgres" or "sqlite" based on the DSN shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// encodeStateData serializes a user state's data map for the data_json column.
func encodeStateData(data map[models.DataKey]string) (string, error) {
	if data == nil {
		data = map[models.DataKey]string{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode state data: %w", err)
	}
	return string(b), nil
}

// decodeStateData deserializes the data_json column.
func decodeStateData(raw string) (map[models.DataKey]string, error) {
	data := make(map[models.DataKey]string)
	if raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode state data: %w", err)
	}
	return data, nil
}

// encodeLocation serializes an optional location for the location_json column.
func encodeLocation(loc *models.Location) (interface{}, error) {
	if loc == nil {
		return nil, nil
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return nil, fmt.Errorf("encode location: %w", err)
	}
	return string(b), nil
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanInboundMessage scans one inbound_messages row.
func scanInboundMessage(row rowScanner) (models.InboundMessage, error) {
	var m models.InboundMessage
	var mediaRef, buttonReply, listReply, locationJSON sql.NullString
	err := row.Scan(
		&m.ID, &m.From, &m.FlowType, &m.RawText, &m.HasMedia,
		&mediaRef, &buttonReply, &listReply, &locationJSON,
		&m.Handled, &m.ReceivedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan inbound message: %w", err)
	}
	m.MediaRef = mediaRef.String
	m.ButtonReplyID = buttonReply.String
	m.ListReplyID = listReply.String
	if locationJSON.Valid && locationJSON.String != "" {
		var loc models.Location
		if err := json.Unmarshal([]byte(locationJSON.String), &loc); err != nil {
			return m, fmt.Errorf("decode location: %w", err)
		}
		m.Location = &loc
	}
	return m, nil
}

// scanUserState scans one user_states row.
func scanUserState(row rowScanner) (models.UserState, error) {
	var st models.UserState
	var dataJSON string
	err := row.Scan(
		&st.Identity, &st.FlowType, &st.ConversationState, &st.PendingEnter,
		&dataJSON, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return st, err
	}
	st.Data, err = decodeStateData(dataJSON)
	if err != nil {
		return st, err
	}
	return st, nil
}

// scanAppointment scans one appointments row.
func scanAppointment(row rowScanner) (models.Appointment, error) {
	var a models.Appointment
	var eventID sql.NullString
	err := row.Scan(&a.ID, &a.PatientIdentity, &a.Slot, &a.Status, &eventID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, fmt.Errorf("scan appointment: %w", err)
	}
	a.CalendarEventID = eventID.String
	return a, nil
}

// scanPrescription scans one prescriptions row.
func scanPrescription(row rowScanner) (models.Prescription, error) {
	var p models.Prescription
	var reviewedBy sql.NullString
	err := row.Scan(&p.ID, &p.PatientIdentity, &p.MediaRef, &p.Status, &reviewedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, fmt.Errorf("scan prescription: %w", err)
	}
	p.ReviewedBy = reviewedBy.String
	return p, nil
}

// scanOutboundRecord scans one outbound_messages row.
func scanOutboundRecord(row rowScanner) (OutboundRecord, error) {
	var r OutboundRecord
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Identity, &r.PayloadJSON, &r.Status, &r.Attempts,
		&nextAttemptAt, &dedupeKey, &lastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("scan outbound record: %w", err)
	}
	r.DedupeKey = dedupeKey.String
	r.LastError = lastError.String
	if nextAttemptAt.Valid {
		r.NextAttemptAt = &nextAttemptAt.Time
	}
	return r, nil
}
