package flow

import (
	"strings"
	"testing"

	"github.com/clinicdesk/careline/internal/models"
)

func TestRenderSelectStripsInternals(t *testing.T) {
	def := selectDef()
	out := Render(def, models.UserState{})

	if out.Type != models.MessageTypeButtons {
		t.Fatalf("type = %q, want buttons", out.Type)
	}
	if len(out.Options) != 2 {
		t.Fatalf("options = %d, want 2", len(out.Options))
	}
	for _, opt := range out.Options {
		if opt.ID == "" || opt.Title == "" {
			t.Errorf("option missing public fields: %+v", opt)
		}
	}
	// Aliases and transition targets must not appear anywhere in the payload.
	payload, err := out.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	for _, leaked := range []string{"alias", "next", "onExit"} {
		if strings.Contains(string(payload), leaked) {
			t.Errorf("payload leaks %q: %s", leaked, payload)
		}
	}
}

func TestRenderIsPure(t *testing.T) {
	calls := 0
	def := Definition{
		Kind: KindAction,
		Action: func(st models.UserState) ListSpec {
			calls++
			return ListSpec{Sections: []Section{{Title: "S", Rows: []Row{{ID: "r1", Title: "Row"}}}}}
		},
		Prompt: "pick",
	}
	st := models.UserState{Identity: "15551234567", Data: map[models.DataKey]string{"name": "Jane"}}

	a := Render(def, st)
	b := Render(def, st)
	if a.Body != b.Body || len(a.Sections) != len(b.Sections) {
		t.Errorf("repeated render disagreed: %+v vs %+v", a, b)
	}
	if st.Data[models.DataKeyName] != "Jane" {
		t.Errorf("render mutated user state")
	}
	if calls != 2 {
		t.Errorf("action recomputed %d times, want once per render", calls)
	}
}

func TestRenderPromptFnWins(t *testing.T) {
	def := Definition{
		Kind:     KindString,
		Prompt:   "static",
		PromptFn: func(st models.UserState) string { return "hello " + st.Get(models.DataKeyName) },
	}
	st := models.UserState{Data: map[models.DataKey]string{models.DataKeyName: "Jane"}}
	if out := Render(def, st); out.Body != "hello Jane" {
		t.Errorf("body = %q, want computed prompt", out.Body)
	}
}

func TestRenderDateAppendsHint(t *testing.T) {
	def := Definition{Kind: KindDate, Prompt: "When were you born?"}
	out := Render(def, models.UserState{})
	if out.Type != models.MessageTypeText {
		t.Errorf("type = %q, want text", out.Type)
	}
	if !strings.Contains(out.Body, DateFormatHint) {
		t.Errorf("body %q missing date hint", out.Body)
	}
}

func TestRenderLocationRequest(t *testing.T) {
	def := Definition{Kind: KindLocation, Prompt: "Where are you?"}
	if out := Render(def, models.UserState{}); out.Type != models.MessageTypeLocationRequest {
		t.Errorf("type = %q, want location request", out.Type)
	}
}

func TestRenderActionDegradesToButtons(t *testing.T) {
	def := Definition{
		Kind:   KindAction,
		Prompt: "queue",
		Action: func(st models.UserState) ListSpec {
			return ListSpec{Fallback: []Option{{ID: "refresh", Title: "Check again"}}}
		},
	}
	out := Render(def, models.UserState{})
	if out.Type != models.MessageTypeButtons {
		t.Fatalf("type = %q, want buttons fallback", out.Type)
	}
	if len(out.Options) != 1 || out.Options[0].ID != "refresh" {
		t.Errorf("fallback options = %+v", out.Options)
	}
}

func TestRenderActionList(t *testing.T) {
	def := Definition{
		Kind:   KindAction,
		Prompt: "times",
		Action: func(st models.UserState) ListSpec {
			return ListSpec{
				Header:   "Open",
				Sections: []Section{{Title: "Slots", Rows: []Row{{ID: "slot_1", Title: "Mon", Description: "9am"}}}},
			}
		},
	}
	out := Render(def, models.UserState{})
	if out.Type != models.MessageTypeList {
		t.Fatalf("type = %q, want list", out.Type)
	}
	if out.Button != DefaultListButton {
		t.Errorf("button = %q, want default", out.Button)
	}
	if len(out.Sections) != 1 || len(out.Sections[0].Rows) != 1 {
		t.Fatalf("sections = %+v", out.Sections)
	}
	row := out.Sections[0].Rows[0]
	if row.ID != "slot_1" || row.Title != "Mon" || row.Description != "9am" {
		t.Errorf("row = %+v", row)
	}
}

func TestRenderRejectionPrefixesNotice(t *testing.T) {
	def := selectDef()
	st := models.UserState{}

	normal := Render(def, st)
	repair := RenderRejection(def, st)

	if !strings.HasPrefix(repair.Body, InvalidInputNotice) {
		t.Errorf("repair body %q missing notice", repair.Body)
	}
	if !strings.HasSuffix(repair.Body, normal.Body) {
		t.Errorf("repair body %q does not repeat the prompt %q", repair.Body, normal.Body)
	}
	if repair.Type != normal.Type || len(repair.Options) != len(normal.Options) {
		t.Errorf("repair changed message shape")
	}
}

func TestRenderDocumentAttachment(t *testing.T) {
	def := Definition{Kind: KindString, Prompt: "Here is our intake form.", FileRef: "https://clinic.example/forms/intake.pdf"}
	out := Render(def, models.UserState{})
	if out.Type != models.MessageTypeDocument {
		t.Fatalf("type = %q, want document", out.Type)
	}
	if out.FileRef == "" {
		t.Errorf("file reference dropped")
	}
}
