package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/store"
)

func newPharmacistEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	t.Cleanup(func() { st.Close() })
	reg, err := NewPharmacistFlow(st).Registry()
	if err != nil {
		t.Fatalf("pharmacist registry: %v", err)
	}
	return NewEngine(reg, NewStoreBackedStateStore(st), 0), st
}

func seedPrescription(t *testing.T, st store.Store, id, patient string) {
	t.Helper()
	err := st.CreatePrescription(models.Prescription{
		ID:              id,
		PatientIdentity: patient,
		MediaRef:        "https://mmg.whatsapp.net/" + id,
		Status:          models.PrescriptionStatusPending,
	})
	if err != nil {
		t.Fatalf("CreatePrescription: %v", err)
	}
}

func TestPharmacistFirstContactListsPendingQueue(t *testing.T) {
	engine, st := newPharmacistEngine(t)
	seedPrescription(t, st, "rx-1", "15551240001")
	seedPrescription(t, st, "rx-2", "15551240002")

	out, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15559990001", RawText: "hi"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Type != models.MessageTypeList {
		t.Fatalf("type = %q, want list", out.Type)
	}
	if !strings.Contains(out.Body, "2 prescriptions") {
		t.Errorf("body = %q", out.Body)
	}
	var ids []string
	for _, sec := range out.Sections {
		for _, row := range sec.Rows {
			ids = append(ids, row.ID)
		}
	}
	want := []string{"rx-1", "rx-2", "refresh"}
	if len(ids) != len(want) {
		t.Fatalf("rows = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("row[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestPharmacistEmptyQueueOffersRefreshAndSignOff(t *testing.T) {
	engine, _ := newPharmacistEngine(t)

	out, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15559990002", RawText: "hi"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Type != models.MessageTypeButtons {
		t.Fatalf("type = %q, want degraded buttons", out.Type)
	}
	if len(out.Options) != 2 || out.Options[0].ID != "refresh" || out.Options[1].ID != "done" {
		t.Errorf("options = %+v", out.Options)
	}
	if !strings.Contains(out.Body, "No prescriptions") {
		t.Errorf("body = %q", out.Body)
	}
}

func TestPharmacistApproveRecordsDecisionAndReturnsToQueue(t *testing.T) {
	engine, st := newPharmacistEngine(t)
	seedPrescription(t, st, "rx-1", "15551240001")

	ctx := context.Background()
	pharmacist := "15559990003"

	// First contact loads the queue.
	if _, err := engine.ProcessTurn(ctx, models.InboundMessage{From: pharmacist, RawText: "hi"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	// Pick the prescription from the list.
	out, err := engine.ProcessTurn(ctx, models.InboundMessage{From: pharmacist, ListReplyID: "rx-1"})
	if err != nil {
		t.Fatalf("selecting prescription: %v", err)
	}
	if !strings.Contains(out.Body, "15551240001") {
		t.Errorf("review prompt = %q", out.Body)
	}
	// Approve it.
	out, err = engine.ProcessTurn(ctx, models.InboundMessage{From: pharmacist, ButtonReplyID: "approve"})
	if err != nil {
		t.Fatalf("approving: %v", err)
	}

	pending, _ := st.ListPendingPrescriptions()
	if len(pending) != 0 {
		t.Errorf("prescription still pending after approval: %+v", pending)
	}
	// Back on the queue state, now empty.
	after, _ := st.GetUserState(pharmacist, models.FlowTypePharmacist)
	if after.ConversationState != StatePendingRx {
		t.Errorf("state = %q, want %q", after.ConversationState, StatePendingRx)
	}
	if after.Get(models.DataKeyReviewID) != "" {
		t.Errorf("review id not cleared: %q", after.Get(models.DataKeyReviewID))
	}
	if !strings.Contains(out.Body, "No prescriptions") {
		t.Errorf("post-decision body = %q", out.Body)
	}
}

func TestPharmacistRefreshReloadsWithoutDeciding(t *testing.T) {
	engine, st := newPharmacistEngine(t)
	seedPrescription(t, st, "rx-1", "15551240001")

	ctx := context.Background()
	pharmacist := "15559990004"

	if _, err := engine.ProcessTurn(ctx, models.InboundMessage{From: pharmacist, RawText: "hi"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	// A second prescription arrives while the list is on screen.
	seedPrescription(t, st, "rx-2", "15551240002")

	out, err := engine.ProcessTurn(ctx, models.InboundMessage{From: pharmacist, ListReplyID: "refresh"})
	if err != nil {
		t.Fatalf("refreshing: %v", err)
	}
	if !strings.Contains(out.Body, "2 prescriptions") {
		t.Errorf("refreshed body = %q", out.Body)
	}
	if pending, _ := st.ListPendingPrescriptions(); len(pending) != 2 {
		t.Errorf("refresh changed the queue: %+v", pending)
	}
}

func TestPharmacistSkipLeavesPrescriptionPending(t *testing.T) {
	engine, st := newPharmacistEngine(t)
	seedPrescription(t, st, "rx-1", "15551240001")

	ctx := context.Background()
	pharmacist := "15559990005"

	if _, err := engine.ProcessTurn(ctx, models.InboundMessage{From: pharmacist, RawText: "hi"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := engine.ProcessTurn(ctx, models.InboundMessage{From: pharmacist, ListReplyID: "rx-1"}); err != nil {
		t.Fatalf("selecting prescription: %v", err)
	}
	if _, err := engine.ProcessTurn(ctx, models.InboundMessage{From: pharmacist, ButtonReplyID: "skip"}); err != nil {
		t.Fatalf("skipping: %v", err)
	}

	pending, _ := st.ListPendingPrescriptions()
	if len(pending) != 1 || pending[0].Status != models.PrescriptionStatusPending {
		t.Errorf("skip changed the prescription: %+v", pending)
	}
}
