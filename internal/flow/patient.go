package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/clinicdesk/careline/internal/calendar"
	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/store"

	"github.com/google/uuid"
)

// Patient flow state ids.
const (
	StatePatientWelcome models.StateID = "welcome"
	StatePatientMenu    models.StateID = "main_menu"
	StateEnterName      models.StateID = "enter_name"
	StateEnterGender    models.StateID = "enter_gender"
	StateEnterDOB       models.StateID = "enter_dob"
	StateEnterLocation  models.StateID = "enter_location"
	StateConfirmDetails models.StateID = "confirm_details"
	StateFirstSlot      models.StateID = "first_scheduling_option"
	StateOtherSlots     models.StateID = "other_scheduling_options"
	StateScheduled      models.StateID = "scheduled"
	StateUploadRx       models.StateID = "upload_prescription"
	StateRxReceived     models.StateID = "prescription_received"
	StatePatientEnd     models.StateID = "end_of_demo"
)

// slotDisplayLayout is how offered slots are shown to users.
const slotDisplayLayout = "Monday 02 January at 15:04"

// otherSlotCount is how many alternatives one "other times" page offers.
const otherSlotCount = 3

// PatientFlow builds the patient intake, scheduling, and prescription-upload
// state table. Its hooks write patients, appointments, and prescriptions
// through the store and book slots through the calendar.
type PatientFlow struct {
	store    store.Store
	calendar calendar.Scheduler
}

// NewPatientFlow creates the patient flow over its collaborators.
func NewPatientFlow(st store.Store, cal calendar.Scheduler) *PatientFlow {
	return &PatientFlow{store: st, calendar: cal}
}

// Registry constructs the patient state registry.
func (f *PatientFlow) Registry() (*Registry, error) {
	states := map[models.StateID]Definition{
		StatePatientWelcome: {
			Kind: KindInitial,
			Next: NextTo(StatePatientMenu),
		},

		StatePatientMenu: {
			Kind:   KindSelect,
			Prompt: "Welcome to CareLine! How can we help you today?",
			Options: []Option{
				{ID: "register", Title: "Register", Aliases: []string{"registration", "sign up"}, Next: NextTo(StateEnterName)},
				{ID: "schedule_visit", Title: "Schedule a visit", Aliases: []string{"appointment", "visit"},
					Next: NextBy(f.scheduleEntry, StateEnterName, StateFirstSlot)},
				{ID: "prescription", Title: "Send a prescription", Aliases: []string{"rx"}, Next: NextTo(StateUploadRx)},
			},
		},

		StateEnterName: {
			Kind:     KindString,
			Prompt:   "Let's get you registered. What is your full name?",
			Validate: func(text string) bool { return len(text) >= 2 },
			StoreAs:  models.DataKeyName,
			OnExit:   f.saveName,
			Next:     NextTo(StateEnterGender),
		},

		StateEnterGender: {
			Kind: KindSelect,
			PromptFn: func(st models.UserState) string {
				return fmt.Sprintf("Thanks, %s! What is your gender?", firstName(st.Get(models.DataKeyName)))
			},
			StoreAs: models.DataKeyGender,
			Options: []Option{
				{ID: "male", Title: "Male", Aliases: []string{"m"}, Next: NextTo(StateEnterDOB)},
				{ID: "female", Title: "Female", Aliases: []string{"f"}, Next: NextTo(StateEnterDOB)},
				{ID: "other", Title: "Other", Next: NextTo(StateEnterDOB)},
			},
		},

		StateEnterDOB: {
			Kind:    KindDate,
			Prompt:  "What is your date of birth?",
			StoreAs: models.DataKeyDateOfBirth,
			Next:    NextTo(StateEnterLocation),
		},

		StateEnterLocation: {
			Kind:   KindLocation,
			Prompt: "Please share your location so we can find the clinic nearest to you.",
			Next:   NextTo(StateConfirmDetails),
		},

		StateConfirmDetails: {
			Kind:     KindSelect,
			PromptFn: f.detailsSummary,
			Options: []Option{
				{ID: "confirm", Title: "Confirm", Aliases: []string{"yes", "y"}, OnExit: f.savePatient, Next: NextTo(StateFirstSlot)},
				{ID: "go_back", Title: "Start over", Aliases: []string{"no", "back"}, Next: NextTo(StateEnterName)},
			},
		},

		StateFirstSlot: {
			Kind:    KindSelect,
			OnEnter: f.offerSlots(1),
			PromptFn: func(st models.UserState) string {
				slots := decodeSlots(st.Get(models.DataKeyOfferedSlots))
				if len(slots) == 0 {
					return "We could not find an open appointment in the next two weeks. Would you like us to keep looking?"
				}
				return fmt.Sprintf("The next available appointment is %s. Does that work for you?", slots[0].Format(slotDisplayLayout))
			},
			Options: []Option{
				{ID: "accept", Title: "Book it", Aliases: []string{"yes", "y"}, OnExit: f.chooseOffered(0), Next: NextTo(StateScheduled)},
				{ID: "other", Title: "Other times", Aliases: []string{"no", "later"}, Next: NextTo(StateOtherSlots)},
			},
		},

		StateOtherSlots: {
			Kind:       KindAction,
			Prompt:     "Here are some other times that are open.",
			OnEnter:    f.offerSlots(otherSlotCount),
			Action:     f.slotList,
			Candidates: []models.StateID{StateScheduled},
		},

		StateScheduled: {
			Kind:    KindString,
			OnEnter: f.bookChosenSlot,
			PromptFn: func(st models.UserState) string {
				slot, err := time.Parse(time.RFC3339, st.Get(models.DataKeyChosenSlot))
				if err != nil {
					return "Your appointment is booked. See you at the clinic!"
				}
				return fmt.Sprintf("You're booked for %s. See you at the clinic!", slot.Format(slotDisplayLayout))
			},
			Next: NextTo(StatePatientEnd),
		},

		StateUploadRx: {
			Kind:    KindExpectMedia,
			Prompt:  "Please send a photo or scan of your prescription.",
			StoreAs: models.DataKeyMediaRef,
			OnExit:  f.recordPrescription,
			Options: []Option{
				{ID: "back", Title: "Back to menu", Aliases: []string{"menu", "cancel"}, Next: NextTo(StatePatientMenu)},
			},
			Next: NextTo(StateRxReceived),
		},

		StateRxReceived: {
			Kind:   KindString,
			Prompt: "We received your prescription. A pharmacist will review it shortly and we'll let you know the outcome.",
			Next:   NextTo(StatePatientEnd),
		},

		StatePatientEnd: {
			Kind:   KindEnd,
			Prompt: "That's everything for now. Thank you for using CareLine!",
		},
	}

	return NewRegistry(models.FlowTypePatient, StatePatientWelcome, states)
}

// scheduleEntry routes "schedule a visit" through registration first when the
// sender has no captured name yet.
func (f *PatientFlow) scheduleEntry(st models.UserState) models.StateID {
	if st.Get(models.DataKeyName) == "" {
		return StateEnterName
	}
	return StateFirstSlot
}

// detailsSummary renders the captured demographics for confirmation.
func (f *PatientFlow) detailsSummary(st models.UserState) string {
	return fmt.Sprintf(
		"Please confirm your details:\nName: %s\nGender: %s\nDate of birth: %s\n\nIs this correct?",
		st.Get(models.DataKeyName),
		st.Get(models.DataKeyGender),
		st.Get(models.DataKeyDateOfBirth),
	)
}

// saveName upserts a partial patient record as soon as the name is captured,
// so a later abandoned registration still leaves a contactable record.
func (f *PatientFlow) saveName(ctx context.Context, st models.UserState) (models.UserState, error) {
	existing, err := f.store.GetPatient(st.Identity)
	if err != nil {
		return st, fmt.Errorf("loading patient %s: %w", st.Identity, err)
	}
	p := models.Patient{Identity: st.Identity}
	if existing != nil {
		p = *existing
	}
	p.Name = st.Get(models.DataKeyName)
	if err := f.store.UpsertPatient(p); err != nil {
		return st, fmt.Errorf("saving patient name: %w", err)
	}
	return st, nil
}

// savePatient upserts the full demographic record on confirmation.
func (f *PatientFlow) savePatient(ctx context.Context, st models.UserState) (models.UserState, error) {
	dob, err := time.Parse(models.DateOfBirthLayout, st.Get(models.DataKeyDateOfBirth))
	if err != nil {
		return st, fmt.Errorf("captured date of birth %q is not parseable: %w", st.Get(models.DataKeyDateOfBirth), err)
	}
	p := models.Patient{
		Identity:    st.Identity,
		Name:        st.Get(models.DataKeyName),
		DateOfBirth: dob,
		Gender:      st.Get(models.DataKeyGender),
	}
	if lat, err := strconv.ParseFloat(st.Get(models.DataKeyLatitude), 64); err == nil {
		p.Latitude = lat
	}
	if lng, err := strconv.ParseFloat(st.Get(models.DataKeyLongitude), 64); err == nil {
		p.Longitude = lng
	}
	if err := f.store.UpsertPatient(p); err != nil {
		return st, fmt.Errorf("saving patient %s: %w", st.Identity, err)
	}
	return st, nil
}

// offerSlots returns an entry hook that computes the next n open slots and
// stores them on the user state for the prompt and the action list. The
// search resumes after the last slot already offered, so re-entering the
// list pages forward instead of repeating itself.
func (f *PatientFlow) offerSlots(n int) Hook {
	return func(ctx context.Context, st models.UserState) (models.UserState, error) {
		from := time.Now()
		if cursor, err := time.Parse(time.RFC3339, st.Get(models.DataKeySlotCursor)); err == nil && cursor.After(from) {
			from = cursor.Add(time.Minute)
		}
		slots, err := f.calendar.NextOpenSlots(ctx, from, n)
		if err != nil {
			return st, fmt.Errorf("computing open slots: %w", err)
		}
		st = st.WithData(models.DataKeyOfferedSlots, encodeSlots(slots))
		if len(slots) > 0 {
			st = st.WithData(models.DataKeySlotCursor, slots[len(slots)-1].Format(time.RFC3339))
		}
		return st, nil
	}
}

// chooseOffered returns an exit hook that records the i-th offered slot as
// the chosen one.
func (f *PatientFlow) chooseOffered(i int) Hook {
	return func(ctx context.Context, st models.UserState) (models.UserState, error) {
		slots := decodeSlots(st.Get(models.DataKeyOfferedSlots))
		if i >= len(slots) {
			return st, fmt.Errorf("no offered slot at position %d", i)
		}
		return st.WithData(models.DataKeyChosenSlot, slots[i].Format(time.RFC3339)), nil
	}
}

// slotList renders the offered slots as list rows plus the synthetic
// "other_time" row that loops back for a fresh computation.
func (f *PatientFlow) slotList(st models.UserState) ListSpec {
	slots := decodeSlots(st.Get(models.DataKeyOfferedSlots))
	if len(slots) == 0 {
		return ListSpec{
			Fallback: []Option{
				{ID: "other_time", Title: "Keep looking", Next: NextTo(StateOtherSlots)},
				{ID: "back", Title: "Back to menu", Next: NextTo(StatePatientMenu)},
			},
		}
	}

	rows := make([]Row, 0, len(slots)+1)
	for i, slot := range slots {
		rows = append(rows, Row{
			ID:          fmt.Sprintf("slot_%d", i+1),
			Title:       slot.Format(slotDisplayLayout),
			Description: "Tap to book this time",
			OnExit:      f.chooseOffered(i),
			Next:        NextTo(StateScheduled),
		})
	}
	rows = append(rows, Row{
		ID:          "other_time",
		Title:       "None of these",
		Description: "Show me more times",
		Next:        NextTo(StateOtherSlots),
	})

	return ListSpec{
		Header:   "Open appointments",
		Button:   "Pick a time",
		Sections: []Section{{Title: "Available times", Rows: rows}},
	}
}

// bookChosenSlot books the chosen slot on entry to the scheduled state. The
// calendar returns the existing event when the booking already happened, so
// a recovery re-run is harmless.
func (f *PatientFlow) bookChosenSlot(ctx context.Context, st models.UserState) (models.UserState, error) {
	slot, err := time.Parse(time.RFC3339, st.Get(models.DataKeyChosenSlot))
	if err != nil {
		return st, fmt.Errorf("captured slot %q is not parseable: %w", st.Get(models.DataKeyChosenSlot), err)
	}
	eventID, err := f.calendar.Book(ctx, st.Identity, slot)
	if err != nil {
		return st, fmt.Errorf("booking slot %s: %w", slot, err)
	}
	return st.WithData(models.DataKeyAppointmentID, eventID), nil
}

// recordPrescription files the uploaded attachment for pharmacist review.
// The media reference is consumed on success, which makes the hook a no-op
// when re-run and lets a later upload start a fresh prescription.
func (f *PatientFlow) recordPrescription(ctx context.Context, st models.UserState) (models.UserState, error) {
	mediaRef := st.Get(models.DataKeyMediaRef)
	if mediaRef == "" {
		return st, nil
	}
	rx := models.Prescription{
		ID:              uuid.NewString(),
		PatientIdentity: st.Identity,
		MediaRef:        mediaRef,
		Status:          models.PrescriptionStatusPending,
	}
	if err := f.store.CreatePrescription(rx); err != nil {
		return st, fmt.Errorf("recording prescription for %s: %w", st.Identity, err)
	}
	st = st.WithData(models.DataKeyPrescriptionID, rx.ID)
	return st.WithData(models.DataKeyMediaRef, ""), nil
}

// firstName returns the first whitespace-separated token of a full name.
func firstName(full string) string {
	for i, r := range full {
		if r == ' ' {
			return full[:i]
		}
	}
	return full
}

// encodeSlots serializes slot times for storage on the user state.
func encodeSlots(slots []time.Time) string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Format(time.RFC3339))
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// decodeSlots restores slot times stored by encodeSlots. Malformed input
// decodes as no slots.
func decodeSlots(encoded string) []time.Time {
	if encoded == "" {
		return nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
		return nil
	}
	out := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}
