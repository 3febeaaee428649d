// Package store provides an in-memory Store used by tests and local runs.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clinicdesk/careline/internal/models"

	"github.com/google/uuid"
)

// InMemoryStore is a mutex-guarded Store kept entirely in process memory.
type InMemoryStore struct {
	mu            sync.RWMutex
	inbound       map[string]models.InboundMessage
	states        map[string]models.UserState // keyed identity|flowType
	patients      map[string]models.Patient
	appointments  map[string]models.Appointment
	prescriptions map[string]models.Prescription
	outbound      map[string]OutboundRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		inbound:       make(map[string]models.InboundMessage),
		states:        make(map[string]models.UserState),
		patients:      make(map[string]models.Patient),
		appointments:  make(map[string]models.Appointment),
		prescriptions: make(map[string]models.Prescription),
		outbound:      make(map[string]OutboundRecord),
	}
}

func stateKey(identity string, flowType models.FlowType) string {
	return identity + "|" + string(flowType)
}

func (s *InMemoryStore) AddInboundMessage(msg models.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	s.inbound[msg.ID] = msg
	return nil
}

func (s *InMemoryStore) GetUnhandledMessages(flowType models.FlowType) ([]models.InboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.InboundMessage
	for _, m := range s.inbound {
		if !m.Handled && m.FlowType == flowType {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *InMemoryStore) MarkMessageHandled(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.inbound[id]
	if !ok {
		return fmt.Errorf("inbound message %s not found", id)
	}
	m.Handled = true
	s.inbound[id] = m
	return nil
}

func (s *InMemoryStore) GetUserState(identity string, flowType models.FlowType) (*models.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[stateKey(identity, flowType)]
	if !ok {
		return nil, nil
	}
	out := st.Clone()
	return &out, nil
}

func (s *InMemoryStore) SaveUserState(st models.UserState) (models.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	s.states[stateKey(st.Identity, st.FlowType)] = st.Clone()
	return st, nil
}

func (s *InMemoryStore) UpsertPatient(p models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.patients[p.Identity]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.patients[p.Identity] = p
	return nil
}

func (s *InMemoryStore) GetPatient(identity string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[identity]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) CreateAppointment(a models.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.appointments[a.ID] = a
	return nil
}

func (s *InMemoryStore) ListAppointmentsBetween(from, to time.Time) ([]models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Appointment
	for _, a := range s.appointments {
		if a.Status != models.AppointmentStatusCancelled && !a.Slot.Before(from) && a.Slot.Before(to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot.Before(out[j].Slot) })
	return out, nil
}

func (s *InMemoryStore) UpdateAppointmentStatus(id string, status models.AppointmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return fmt.Errorf("appointment %s not found", id)
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	s.appointments[id] = a
	return nil
}

func (s *InMemoryStore) CreatePrescription(p models.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.prescriptions[p.ID] = p
	return nil
}

func (s *InMemoryStore) ListPendingPrescriptions() ([]models.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Prescription
	for _, p := range s.prescriptions {
		if p.Status == models.PrescriptionStatusPending {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) UpdatePrescriptionStatus(id, reviewedBy string, status models.PrescriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prescriptions[id]
	if !ok {
		return fmt.Errorf("prescription %s not found", id)
	}
	p.Status = status
	p.ReviewedBy = reviewedBy
	p.UpdatedAt = time.Now()
	s.prescriptions[id] = p
	return nil
}

func (s *InMemoryStore) EnqueueOutbound(identity, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, r := range s.outbound {
			if r.DedupeKey == dedupeKey && r.Status != OutboundStatusSent && r.Status != OutboundStatusFailed {
				return r.ID, nil
			}
		}
	}
	now := time.Now()
	r := OutboundRecord{
		ID:          uuid.NewString(),
		Identity:    identity,
		PayloadJSON: payloadJSON,
		Status:      OutboundStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbound[r.ID] = r
	return r.ID, nil
}

func (s *InMemoryStore) ClaimDueOutbound(now time.Time, limit int) ([]OutboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []OutboundRecord
	for _, r := range s.outbound {
		if r.Status != OutboundStatusQueued {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i, r := range due {
		r.Status = OutboundStatusSending
		r.UpdatedAt = now
		s.outbound[r.ID] = r
		due[i] = r
	}
	return due, nil
}

func (s *InMemoryStore) MarkOutboundSent(id string) error {
	return s.setOutboundStatus(id, OutboundStatusSent, "", nil)
}

func (s *InMemoryStore) FailOutbound(id, errMsg string, nextAttemptAt time.Time) error {
	return s.setOutboundStatus(id, OutboundStatusQueued, errMsg, &nextAttemptAt)
}

func (s *InMemoryStore) setOutboundStatus(id string, status OutboundStatus, errMsg string, nextAttemptAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outbound[id]
	if !ok {
		return fmt.Errorf("outbound record %s not found", id)
	}
	r.Status = status
	r.LastError = errMsg
	r.NextAttemptAt = nextAttemptAt
	if errMsg != "" {
		r.Attempts++
	}
	r.UpdatedAt = time.Now()
	s.outbound[id] = r
	return nil
}

func (s *InMemoryStore) RequeueStaleOutbound(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.outbound {
		if r.Status == OutboundStatusSending && r.UpdatedAt.Before(staleBefore) {
			r.Status = OutboundStatusQueued
			r.UpdatedAt = time.Now()
			s.outbound[id] = r
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
