package flow

import (
	"errors"
	"testing"

	"github.com/clinicdesk/careline/internal/models"
)

func selectDef() Definition {
	return Definition{
		Kind: KindSelect,
		Options: []Option{
			{ID: "confirm", Title: "Confirm", Aliases: []string{"yes", "y"}, Next: NextTo("a")},
			{ID: "go_back", Title: "Start over", Aliases: []string{"no", "back"}, Next: NextTo("b")},
		},
	}
}

func TestValidateSelectMatching(t *testing.T) {
	def := selectDef()
	cases := []struct {
		name   string
		msg    models.InboundMessage
		wantID string
		reject bool
	}{
		{"button reply id", models.InboundMessage{ButtonReplyID: "go_back"}, "go_back", false},
		{"button reply id wins over text", models.InboundMessage{ButtonReplyID: "confirm", RawText: "go_back"}, "confirm", false},
		{"unknown reply id rejected", models.InboundMessage{ButtonReplyID: "nope"}, "", true},
		{"exact id", models.InboundMessage{RawText: "confirm"}, "confirm", false},
		{"folded id", models.InboundMessage{RawText: "  CONFIRM  "}, "confirm", false},
		{"alias token", models.InboundMessage{RawText: "yes please"}, "confirm", false},
		{"alias folded", models.InboundMessage{RawText: "NO"}, "go_back", false},
		{"index first", models.InboundMessage{RawText: "1"}, "confirm", false},
		{"index second", models.InboundMessage{RawText: "2"}, "go_back", false},
		{"index out of range", models.InboundMessage{RawText: "3"}, "", true},
		{"index zero", models.InboundMessage{RawText: "0"}, "", true},
		{"garbage", models.InboundMessage{RawText: "what"}, "", true},
		{"empty", models.InboundMessage{RawText: "   "}, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			match, err := ValidateInput(def, models.UserState{}, tc.msg)
			if tc.reject {
				if !errors.Is(err, models.ErrInvalidInput) {
					t.Fatalf("expected rejection, got match=%+v err=%v", match, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
			if match.Option == nil || match.Option.ID != tc.wantID {
				t.Errorf("matched %+v, want option %q", match.Option, tc.wantID)
			}
		})
	}
}

func TestValidateInputIsIdempotent(t *testing.T) {
	def := selectDef()
	msg := models.InboundMessage{RawText: "yes"}
	st := models.UserState{Identity: "15551234567"}

	first, err1 := ValidateInput(def, st, msg)
	second, err2 := ValidateInput(def, st, msg)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if first.Option.ID != second.Option.ID {
		t.Errorf("repeated validation disagreed: %q vs %q", first.Option.ID, second.Option.ID)
	}
}

func TestValidateString(t *testing.T) {
	def := Definition{Kind: KindString, Validate: func(text string) bool { return len(text) >= 2 }}

	if _, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: " Jane Doe "}); err != nil {
		t.Errorf("valid text rejected: %v", err)
	}
	if _, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: "   "}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("whitespace-only text accepted")
	}
	if _, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: "x"}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("predicate-failing text accepted")
	}
}

func TestValidateDate(t *testing.T) {
	def := Definition{Kind: KindDate}
	cases := []struct {
		text   string
		reject bool
	}{
		{"14/03/1990", false},
		{"01/01/2000", false},
		{"32/13/2020", true},
		{"31/02/2001", true},
		{"1990-03-14", true},
		{"14/3/1990", true},
		{"soon", true},
	}
	for _, tc := range cases {
		_, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: tc.text})
		if tc.reject && !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("date %q accepted, want rejection", tc.text)
		}
		if !tc.reject && err != nil {
			t.Errorf("date %q rejected: %v", tc.text, err)
		}
	}
}

func TestValidateLocation(t *testing.T) {
	def := Definition{Kind: KindLocation}

	structured := models.InboundMessage{Location: &models.Location{Latitude: 43.65, Longitude: -79.38}}
	if _, err := ValidateInput(def, models.UserState{}, structured); err != nil {
		t.Errorf("structured location rejected: %v", err)
	}

	asJSON := models.InboundMessage{RawText: `{"latitude": 43.65, "longitude": -79.38}`}
	if _, err := ValidateInput(def, models.UserState{}, asJSON); err != nil {
		t.Errorf("JSON location rejected: %v", err)
	}

	missing := models.InboundMessage{RawText: `{"latitude": 43.65}`}
	if _, err := ValidateInput(def, models.UserState{}, missing); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("JSON location without longitude accepted")
	}

	if _, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: "downtown"}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("free text accepted as location")
	}
}

func TestValidateExpectMedia(t *testing.T) {
	def := Definition{
		Kind:    KindExpectMedia,
		Options: []Option{{ID: "back", Title: "Back", Next: NextTo("menu")}},
	}

	if _, err := ValidateInput(def, models.UserState{}, models.InboundMessage{HasMedia: true, MediaRef: "media/abc"}); err != nil {
		t.Errorf("media message rejected: %v", err)
	}

	match, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: "back"})
	if err != nil || match.Option == nil || match.Option.ID != "back" {
		t.Errorf("fallback option not matched: match=%+v err=%v", match, err)
	}

	if _, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: "here you go"}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("non-media, non-option message accepted")
	}
}

func TestValidateActionMatchesRowByID(t *testing.T) {
	def := Definition{
		Kind: KindAction,
		Action: func(st models.UserState) ListSpec {
			return ListSpec{Sections: []Section{{Rows: []Row{
				{ID: "slot_1", Title: "Monday", Next: NextTo("booked")},
				{ID: "other_time", Title: "More", Next: NextTo("self")},
			}}}}
		},
	}

	match, err := ValidateInput(def, models.UserState{}, models.InboundMessage{ListReplyID: "slot_1"})
	if err != nil || match.Row == nil || match.Row.ID != "slot_1" {
		t.Fatalf("list reply not matched: match=%+v err=%v", match, err)
	}

	match, err = ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: "other_time"})
	if err != nil || match.Row == nil || match.Row.ID != "other_time" {
		t.Fatalf("row id text not matched: match=%+v err=%v", match, err)
	}

	if _, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: "Monday"}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("row title matched, want id-only matching")
	}
}

func TestValidateInitialAndEndAcceptAnything(t *testing.T) {
	for _, kind := range []Kind{KindInitial, KindEnd} {
		def := Definition{Kind: kind}
		if _, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: ""}); err != nil {
			t.Errorf("%s rejected empty message: %v", kind, err)
		}
		if _, err := ValidateInput(def, models.UserState{}, models.InboundMessage{RawText: "anything"}); err != nil {
			t.Errorf("%s rejected text: %v", kind, err)
		}
	}
}
