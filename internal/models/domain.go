// Package models defines the clinic domain records mutated by flow hooks.
package models

import "time"

// DateOfBirthLayout is the textual date format accepted from users.
const DateOfBirthLayout = "02/01/2006"

// Patient is the demographic record accumulated by the patient intake flow.
type Patient struct {
	Identity    string    `json:"identity"` // phone number, canonicalized
	Name        string    `json:"name"`
	DateOfBirth time.Time `json:"date_of_birth"`
	Gender      string    `json:"gender"`
	Latitude    float64   `json:"latitude,omitempty"`
	Longitude   float64   `json:"longitude,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AppointmentStatus tracks an appointment through its lifecycle.
type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// Appointment is a booked clinic visit created by the scheduling states.
type Appointment struct {
	ID              string            `json:"id"`
	PatientIdentity string            `json:"patient_identity"`
	Slot            time.Time         `json:"slot"`
	Status          AppointmentStatus `json:"status"`
	CalendarEventID string            `json:"calendar_event_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// PrescriptionStatus tracks a submitted prescription through review.
type PrescriptionStatus string

const (
	PrescriptionStatusPending  PrescriptionStatus = "pending"
	PrescriptionStatusApproved PrescriptionStatus = "approved"
	PrescriptionStatusRejected PrescriptionStatus = "rejected"
)

// Prescription is an uploaded prescription awaiting pharmacist review.
type Prescription struct {
	ID              string             `json:"id"`
	PatientIdentity string             `json:"patient_identity"`
	MediaRef        string             `json:"media_ref"`
	Status          PrescriptionStatus `json:"status"`
	ReviewedBy      string             `json:"reviewed_by,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
