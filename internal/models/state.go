// Package models defines conversation state structures for CareLine flows.
package models

import "time"

// FlowType identifies a bot flavor. Each flavor owns a disjoint state registry.
type FlowType string

const (
	// FlowTypePatient is the patient intake and scheduling bot.
	FlowTypePatient FlowType = "patient"
	// FlowTypePharmacist is the pharmacist prescription review bot.
	FlowTypePharmacist FlowType = "pharmacist"
)

// StateID is a conversation state identifier drawn from a flow's closed enumeration.
type StateID string

// DataKey names an accumulated form field on a UserState. The engine treats
// these as opaque; only flow hooks read and write them.
type DataKey string

const (
	DataKeyName           DataKey = "name"
	DataKeyDateOfBirth    DataKey = "date_of_birth"
	DataKeyGender         DataKey = "gender"
	DataKeyLatitude       DataKey = "latitude"
	DataKeyLongitude      DataKey = "longitude"
	DataKeyChosenSlot     DataKey = "chosen_slot"
	DataKeyAppointmentID  DataKey = "appointment_id"
	DataKeyPrescriptionID DataKey = "prescription_id"
	// DataKeyOfferedSlots holds the slot times last offered to the patient,
	// as a JSON array of RFC 3339 strings.
	DataKeyOfferedSlots DataKey = "offered_slots"
	// DataKeySlotCursor marks where the next "other times" search resumes.
	DataKeySlotCursor DataKey = "slot_cursor"
	// DataKeyMediaRef holds the reference of the last accepted attachment.
	DataKeyMediaRef DataKey = "media_ref"
	// DataKeyPendingReviews holds the prescription queue last shown to a
	// pharmacist, as a JSON array.
	DataKeyPendingReviews DataKey = "pending_reviews"
	// DataKeyReviewID is the prescription a pharmacist is currently reviewing.
	DataKeyReviewID DataKey = "review_id"
)

// UserState is the mutable record attached to one conversing identity.
// It is mutated exactly once per processed inbound message, by the
// transition engine, and never deleted.
type UserState struct {
	Identity          string             `json:"identity"`
	FlowType          FlowType           `json:"flow_type"`
	ConversationState StateID            `json:"conversation_state"`
	// PendingEnter is set when a state commit has happened but the entered
	// state's onEnter hook has not yet completed, so the hook can be re-run
	// on the next turn.
	PendingEnter bool               `json:"pending_enter,omitempty"`
	Data         map[DataKey]string `json:"data,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Get returns the value stored under key, or the empty string.
func (s UserState) Get(key DataKey) string {
	if s.Data == nil {
		return ""
	}
	return s.Data[key]
}

// WithData returns a copy of the state with key set to value. Hooks use this
// to build their reduced state without mutating the input.
func (s UserState) WithData(key DataKey, value string) UserState {
	out := s.Clone()
	out.Data[key] = value
	return out
}

// Clone returns a deep copy of the state, including the data map.
func (s UserState) Clone() UserState {
	out := s
	out.Data = make(map[DataKey]string, len(s.Data))
	for k, v := range s.Data {
		out.Data[k] = v
	}
	return out
}
