package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/store"
)

// Pharmacist flow state ids.
const (
	StatePharmacistWelcome models.StateID = "welcome"
	StatePendingRx         models.StateID = "pending_prescriptions"
	StateReviewRx          models.StateID = "review_prescription"
	StatePharmacistEnd     models.StateID = "end_of_demo"
)

// pendingReview is the queue entry stored on the pharmacist's user state so
// the action list and the review prompt work from the same snapshot.
type pendingReview struct {
	ID              string `json:"id"`
	PatientIdentity string `json:"patient_identity"`
	MediaRef        string `json:"media_ref"`
}

// PharmacistFlow builds the prescription review state table. Its hooks read
// the pending queue and write review decisions through the store.
type PharmacistFlow struct {
	store store.Store
}

// NewPharmacistFlow creates the pharmacist flow over the store.
func NewPharmacistFlow(st store.Store) *PharmacistFlow {
	return &PharmacistFlow{store: st}
}

// Registry constructs the pharmacist state registry.
func (f *PharmacistFlow) Registry() (*Registry, error) {
	states := map[models.StateID]Definition{
		StatePharmacistWelcome: {
			Kind: KindInitial,
			Next: NextTo(StatePendingRx),
		},

		StatePendingRx: {
			Kind:    KindAction,
			OnEnter: f.loadPending,
			PromptFn: func(st models.UserState) string {
				n := len(decodeReviews(st.Get(models.DataKeyPendingReviews)))
				if n == 0 {
					return "No prescriptions are waiting for review right now."
				}
				return fmt.Sprintf("There are %d prescriptions waiting for review.", n)
			},
			Action:     f.pendingList,
			StoreAs:    models.DataKeyReviewID,
			Candidates: []models.StateID{StateReviewRx},
		},

		StateReviewRx: {
			Kind:     KindSelect,
			PromptFn: f.reviewPrompt,
			Options: []Option{
				{ID: "approve", Title: "Approve", Aliases: []string{"ok", "yes"},
					OnExit: f.decide(models.PrescriptionStatusApproved), Next: NextTo(StatePendingRx)},
				{ID: "reject", Title: "Reject", Aliases: []string{"no"},
					OnExit: f.decide(models.PrescriptionStatusRejected), Next: NextTo(StatePendingRx)},
				{ID: "skip", Title: "Skip", Next: NextTo(StatePendingRx)},
			},
		},

		StatePharmacistEnd: {
			Kind:   KindEnd,
			Prompt: "You're signed off. Message again any time to resume reviewing.",
		},
	}

	return NewRegistry(models.FlowTypePharmacist, StatePharmacistWelcome, states)
}

// loadPending snapshots the open prescription queue onto the user state so
// the turn's validation, rendering, and review prompt agree on it.
func (f *PharmacistFlow) loadPending(ctx context.Context, st models.UserState) (models.UserState, error) {
	pending, err := f.store.ListPendingPrescriptions()
	if err != nil {
		return st, fmt.Errorf("listing pending prescriptions: %w", err)
	}
	reviews := make([]pendingReview, 0, len(pending))
	for _, rx := range pending {
		reviews = append(reviews, pendingReview{ID: rx.ID, PatientIdentity: rx.PatientIdentity, MediaRef: rx.MediaRef})
	}
	encoded, err := json.Marshal(reviews)
	if err != nil {
		return st, fmt.Errorf("encoding pending queue: %w", err)
	}
	return st.WithData(models.DataKeyPendingReviews, string(encoded)), nil
}

// pendingList renders the snapshotted queue as list rows keyed by
// prescription id, plus a refresh row looping back for a fresh snapshot.
func (f *PharmacistFlow) pendingList(st models.UserState) ListSpec {
	reviews := decodeReviews(st.Get(models.DataKeyPendingReviews))
	if len(reviews) == 0 {
		return ListSpec{
			Fallback: []Option{
				{ID: "refresh", Title: "Check again", Next: NextTo(StatePendingRx)},
				{ID: "done", Title: "Sign off", Next: NextTo(StatePharmacistEnd)},
			},
		}
	}

	rows := make([]Row, 0, len(reviews)+1)
	for _, r := range reviews {
		rows = append(rows, Row{
			ID:          r.ID,
			Title:       "Prescription from " + r.PatientIdentity,
			Description: "Tap to review",
			Next:        NextTo(StateReviewRx),
		})
	}
	rows = append(rows, Row{
		ID:          "refresh",
		Title:       "Refresh",
		Description: "Reload the queue",
		Next:        NextTo(StatePendingRx),
	})

	return ListSpec{
		Header:   "Pending prescriptions",
		Button:   "Review",
		Sections: []Section{{Title: "Waiting for review", Rows: rows}},
	}
}

// reviewPrompt describes the prescription selected from the queue snapshot.
func (f *PharmacistFlow) reviewPrompt(st models.UserState) string {
	id := st.Get(models.DataKeyReviewID)
	for _, r := range decodeReviews(st.Get(models.DataKeyPendingReviews)) {
		if r.ID == id {
			return fmt.Sprintf("Prescription from %s:\n%s\n\nApprove or reject?", r.PatientIdentity, r.MediaRef)
		}
	}
	return "That prescription is no longer in the queue. Approve or reject to continue, or skip."
}

// decide returns an exit hook recording the review outcome under the
// pharmacist's identity. Deciding an already-decided prescription again
// writes the same terminal status, so re-runs are safe.
func (f *PharmacistFlow) decide(status models.PrescriptionStatus) Hook {
	return func(ctx context.Context, st models.UserState) (models.UserState, error) {
		id := st.Get(models.DataKeyReviewID)
		if id == "" || id == "refresh" {
			return st, nil
		}
		if err := f.store.UpdatePrescriptionStatus(id, st.Identity, status); err != nil {
			return st, fmt.Errorf("recording %s for prescription %s: %w", status, id, err)
		}
		return st.WithData(models.DataKeyReviewID, ""), nil
	}
}

// decodeReviews restores the queue snapshot; malformed input decodes empty.
func decodeReviews(encoded string) []pendingReview {
	if encoded == "" {
		return nil
	}
	var out []pendingReview
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return nil
	}
	return out
}
