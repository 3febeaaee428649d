package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/store"
)

// fakeScheduler pages through canned slot sets, one page per NextOpenSlots call.
type fakeScheduler struct {
	pages  [][]time.Time
	calls  int
	booked map[string]time.Time
}

func (f *fakeScheduler) NextOpenSlots(ctx context.Context, from time.Time, n int) ([]time.Time, error) {
	page := f.pages[len(f.pages)-1]
	if f.calls < len(f.pages) {
		page = f.pages[f.calls]
	}
	f.calls++
	if len(page) > n {
		page = page[:n]
	}
	return page, nil
}

func (f *fakeScheduler) Book(ctx context.Context, identity string, slot time.Time) (string, error) {
	if f.booked == nil {
		f.booked = make(map[string]time.Time)
	}
	f.booked[identity] = slot
	return "evt-" + identity, nil
}

func newPatientEngine(t *testing.T, cal *fakeScheduler) (*Engine, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	t.Cleanup(func() { st.Close() })
	if cal == nil {
		cal = &fakeScheduler{pages: [][]time.Time{{time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)}}}
	}
	reg, err := NewPatientFlow(st, cal).Registry()
	if err != nil {
		t.Fatalf("patient registry: %v", err)
	}
	return NewEngine(reg, NewStoreBackedStateStore(st), 0), st
}

func seedState(t *testing.T, st store.Store, identity string, state models.StateID, data map[models.DataKey]string) {
	t.Helper()
	if data == nil {
		data = map[models.DataKey]string{}
	}
	_, err := st.SaveUserState(models.UserState{
		Identity:          identity,
		FlowType:          models.FlowTypePatient,
		ConversationState: state,
		Data:              data,
	})
	if err != nil {
		t.Fatalf("seeding state: %v", err)
	}
}

func TestFirstContactRendersWelcomeMenu(t *testing.T) {
	engine, _ := newPatientEngine(t, nil)

	out, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230001", RawText: "hi"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Type != models.MessageTypeButtons {
		t.Fatalf("type = %q, want buttons", out.Type)
	}
	if len(out.Options) != 3 {
		t.Errorf("menu options = %d, want 3", len(out.Options))
	}
}

func TestNameCaptureTransitionsToGenderMenu(t *testing.T) {
	engine, st := newPatientEngine(t, nil)
	seedState(t, st, "15551230002", StateEnterName, nil)

	out, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230002", RawText: "Jane Doe"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if out.Type != models.MessageTypeButtons {
		t.Fatalf("type = %q, want buttons", out.Type)
	}
	if len(out.Options) != 3 {
		t.Errorf("gender options = %d, want 3", len(out.Options))
	}
	if !strings.Contains(out.Body, "Jane") {
		t.Errorf("prompt %q does not mention the captured name", out.Body)
	}

	after, err := st.GetUserState("15551230002", models.FlowTypePatient)
	if err != nil || after == nil {
		t.Fatalf("loading state: %v", err)
	}
	if after.ConversationState != StateEnterGender {
		t.Errorf("state = %q, want %q", after.ConversationState, StateEnterGender)
	}
	if after.Get(models.DataKeyName) != "Jane Doe" {
		t.Errorf("captured name = %q", after.Get(models.DataKeyName))
	}

	// The departed state's exit hook persisted a partial patient record.
	patient, err := st.GetPatient("15551230002")
	if err != nil || patient == nil {
		t.Fatalf("patient record missing: %v", err)
	}
	if patient.Name != "Jane Doe" {
		t.Errorf("patient name = %q", patient.Name)
	}
}

func TestOutOfRangeIndexRejectsWithoutMutation(t *testing.T) {
	engine, st := newPatientEngine(t, nil)
	data := map[models.DataKey]string{
		models.DataKeyName:        "Jane Doe",
		models.DataKeyGender:      "female",
		models.DataKeyDateOfBirth: "14/03/1990",
	}
	seedState(t, st, "15551230003", StateConfirmDetails, data)

	out, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230003", RawText: "3"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !strings.HasPrefix(out.Body, InvalidInputNotice) {
		t.Errorf("repair body %q missing notice", out.Body)
	}

	after, err := st.GetUserState("15551230003", models.FlowTypePatient)
	if err != nil || after == nil {
		t.Fatalf("loading state: %v", err)
	}
	if after.ConversationState != StateConfirmDetails {
		t.Errorf("state moved to %q on rejected input", after.ConversationState)
	}
	for k, v := range data {
		if after.Get(k) != v {
			t.Errorf("data[%s] = %q, want %q", k, after.Get(k), v)
		}
	}
	// No hook ran: the patient record was not upserted.
	if p, _ := st.GetPatient("15551230003"); p != nil {
		t.Errorf("rejected input ran the confirm hook")
	}
}

func TestOtherTimesRowLoopsWithFreshSlots(t *testing.T) {
	pageOne := []time.Time{
		time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 9, 30, 0, 0, time.UTC),
	}
	pageTwo := []time.Time{
		time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 2, 10, 30, 0, 0, time.UTC),
	}
	cal := &fakeScheduler{pages: [][]time.Time{pageTwo}}
	engine, st := newPatientEngine(t, cal)

	seedState(t, st, "15551230004", StateOtherSlots, map[models.DataKey]string{
		models.DataKeyOfferedSlots: encodeSlots(pageOne),
		models.DataKeySlotCursor:   pageOne[len(pageOne)-1].Format(time.RFC3339),
	})

	out, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230004", ListReplyID: "other_time"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if out.Type != models.MessageTypeList {
		t.Fatalf("type = %q, want list", out.Type)
	}
	if cal.calls != 1 {
		t.Errorf("slot computation ran %d times, want 1", cal.calls)
	}

	after, err := st.GetUserState("15551230004", models.FlowTypePatient)
	if err != nil || after == nil {
		t.Fatalf("loading state: %v", err)
	}
	if after.ConversationState != StateOtherSlots {
		t.Errorf("state = %q, want self-loop", after.ConversationState)
	}
	offered := decodeSlots(after.Get(models.DataKeyOfferedSlots))
	if len(offered) != len(pageTwo) || !offered[0].Equal(pageTwo[0]) {
		t.Errorf("offered slots not recomputed: %v", offered)
	}
	// The rendered rows show the fresh page.
	var titles []string
	for _, sec := range out.Sections {
		for _, row := range sec.Rows {
			titles = append(titles, row.Title)
		}
	}
	if !strings.Contains(strings.Join(titles, "|"), pageTwo[0].Format(slotDisplayLayout)) {
		t.Errorf("rendered rows %v missing fresh slot", titles)
	}
}

func TestSlotSelectionBooksAppointment(t *testing.T) {
	slot := time.Date(2026, 9, 3, 11, 0, 0, 0, time.UTC)
	cal := &fakeScheduler{pages: [][]time.Time{{slot}}}
	engine, st := newPatientEngine(t, cal)

	seedState(t, st, "15551230005", StateOtherSlots, map[models.DataKey]string{
		models.DataKeyOfferedSlots: encodeSlots([]time.Time{slot}),
	})

	out, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230005", ListReplyID: "slot_1"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !strings.Contains(out.Body, slot.Format(slotDisplayLayout)) {
		t.Errorf("confirmation %q missing booked slot", out.Body)
	}

	if booked, ok := cal.booked["15551230005"]; !ok || !booked.Equal(slot) {
		t.Errorf("calendar booking = %v, %v", booked, ok)
	}
	after, _ := st.GetUserState("15551230005", models.FlowTypePatient)
	if after.ConversationState != StateScheduled {
		t.Errorf("state = %q, want scheduled", after.ConversationState)
	}
	if after.Get(models.DataKeyAppointmentID) == "" {
		t.Errorf("appointment id not captured")
	}
}

func TestHookOrderingCommitThenExitThenEnter(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	states := NewStoreBackedStateStore(st)

	var order []string
	reg, err := NewRegistry(models.FlowTypePatient, "a", map[models.StateID]Definition{
		"a": {Kind: KindSelect, Options: []Option{{
			ID: "go", Title: "Go", Next: NextTo("b"),
			OnExit: func(ctx context.Context, s models.UserState) (models.UserState, error) {
				// The transition is already committed when onExit runs.
				persisted, err := st.GetUserState(s.Identity, models.FlowTypePatient)
				if err != nil || persisted == nil {
					return s, fmt.Errorf("state not readable during onExit: %v", err)
				}
				order = append(order, "exit@"+string(persisted.ConversationState))
				return s, nil
			},
		}}},
		"b": {
			Kind:   KindString,
			Prompt: "in b",
			Next:   NextTo("b"),
			OnEnter: func(ctx context.Context, s models.UserState) (models.UserState, error) {
				order = append(order, "enter")
				return s, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine := NewEngine(reg, states, 0)
	seedState(t, st, "15551230006", "a", nil)

	if _, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230006", RawText: "go"}); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	want := []string{"exit@b", "enter"}
	if len(order) != len(want) {
		t.Fatalf("hook order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("hook order = %v, want %v", order, want)
		}
	}
}

func TestFailedEnterHookIsRetriedNextTurn(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	states := NewStoreBackedStateStore(st)

	enterCalls := 0
	reg, err := NewRegistry(models.FlowTypePatient, "a", map[models.StateID]Definition{
		"a": {Kind: KindString, Next: NextTo("b")},
		"b": {
			Kind:   KindString,
			Prompt: "in b",
			Next:   NextTo("c"),
			OnEnter: func(ctx context.Context, s models.UserState) (models.UserState, error) {
				enterCalls++
				if enterCalls == 1 {
					return s, errors.New("downstream unavailable")
				}
				return s.WithData("entered", "yes"), nil
			},
		},
		"c": {Kind: KindEnd, Prompt: "done"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine := NewEngine(reg, states, 0)
	seedState(t, st, "15551230007", "a", nil)

	_, err = engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230007", RawText: "first"})
	if !errors.Is(err, models.ErrHookFailure) {
		t.Fatalf("first turn error = %v, want hook failure", err)
	}

	mid, _ := st.GetUserState("15551230007", models.FlowTypePatient)
	if mid.ConversationState != "b" || !mid.PendingEnter {
		t.Fatalf("after failed enter: state=%q pendingEnter=%v", mid.ConversationState, mid.PendingEnter)
	}

	out, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230007", RawText: "second"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if out.Body != "done" {
		t.Errorf("second turn rendered %q, want the entered state's prompt", out.Body)
	}
	if enterCalls != 2 {
		t.Errorf("onEnter ran %d times, want 2", enterCalls)
	}

	after, _ := st.GetUserState("15551230007", models.FlowTypePatient)
	if after.PendingEnter {
		t.Errorf("pending-enter flag not cleared")
	}
	if after.Get("entered") != "yes" {
		t.Errorf("recovered onEnter result not persisted")
	}
}

func TestSlowHookTimesOut(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()

	reg, err := NewRegistry(models.FlowTypePatient, "a", map[models.StateID]Definition{
		"a": {Kind: KindString, Next: NextTo("b")},
		"b": {
			Kind:   KindEnd,
			Prompt: "done",
			OnEnter: func(ctx context.Context, s models.UserState) (models.UserState, error) {
				select {
				case <-time.After(time.Second):
					return s, nil
				case <-ctx.Done():
					return s, ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine := NewEngine(reg, NewStoreBackedStateStore(st), 20*time.Millisecond)
	seedState(t, st, "15551230008", "a", nil)

	_, err = engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230008", RawText: "go"})
	if !errors.Is(err, models.ErrHookFailure) {
		t.Fatalf("error = %v, want hook failure from timeout", err)
	}
}

func TestUnknownStateFailsLookup(t *testing.T) {
	engine, st := newPatientEngine(t, nil)
	seedState(t, st, "15551230009", "vanished", nil)

	_, err := engine.ProcessTurn(context.Background(), models.InboundMessage{From: "15551230009", RawText: "hi"})
	if !errors.Is(err, models.ErrUnknownState) {
		t.Fatalf("error = %v, want unknown state", err)
	}
}
