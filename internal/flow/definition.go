// Package flow implements the dialogue state machine at the core of CareLine:
// state definitions, input validation, turn transitions, and outbound
// message formatting.
package flow

import (
	"context"

	"github.com/clinicdesk/careline/internal/models"
)

// Kind discriminates the state definition variants.
type Kind string

const (
	// KindInitial is a pseudo-state that immediately redirects to a concrete
	// welcome state; it never produces a prompt of its own.
	KindInitial Kind = "initial_message"
	// KindSelect prompts with a fixed, ordered button menu.
	KindSelect Kind = "select"
	// KindAction prompts with an interactive list recomputed from live data
	// every turn.
	KindAction Kind = "action"
	// KindString accepts free text, optionally gated by a predicate.
	KindString Kind = "string"
	// KindDate accepts a DD/MM/YYYY calendar date.
	KindDate Kind = "date"
	// KindLocation accepts a latitude/longitude payload.
	KindLocation Kind = "location"
	// KindExpectMedia accepts an attachment, with a button-menu fallback.
	KindExpectMedia Kind = "expect_media"
	// KindEnd is terminal; it loops to itself.
	KindEnd Kind = "end_of_demo"
)

// Hook is a state entry/exit callback. It receives the current user state and
// returns the state that replaces it for the remainder of the turn. Hooks may
// perform I/O but must be idempotent: a failed turn re-runs them.
type Hook func(ctx context.Context, st models.UserState) (models.UserState, error)

// PromptFunc computes a prompt from live user data.
type PromptFunc func(st models.UserState) string

// NextFunc computes a transition target from live user data.
type NextFunc func(st models.UserState) models.StateID

// Next designates a transition target: either a literal state id, or a
// function together with the closed set of states it may return. Declaring
// candidates keeps computed transitions checkable at registry construction.
type Next struct {
	To         models.StateID
	Fn         NextFunc
	Candidates []models.StateID
}

// NextTo returns a literal transition target.
func NextTo(id models.StateID) Next {
	return Next{To: id}
}

// NextBy returns a computed transition target restricted to the given candidates.
func NextBy(fn NextFunc, candidates ...models.StateID) Next {
	return Next{Fn: fn, Candidates: candidates}
}

// resolve evaluates the transition target for the given state.
func (n Next) resolve(st models.UserState) models.StateID {
	if n.Fn != nil {
		return n.Fn(st)
	}
	return n.To
}

// targets returns every state id this transition may produce.
func (n Next) targets() []models.StateID {
	if n.Fn != nil {
		return n.Candidates
	}
	if n.To == "" {
		return nil
	}
	return []models.StateID{n.To}
}

// Option is one selectable choice of a select-kind state (or the fallback
// menu of an expect_media state).
type Option struct {
	ID      string
	Title   string
	Aliases []string
	Next    Next
	OnExit  Hook
}

// Row is one selectable row of an action-kind list.
type Row struct {
	ID          string
	Title       string
	Description string
	Next        Next
	OnExit      Hook
}

// Section groups rows under a title.
type Section struct {
	Title string
	Rows  []Row
}

// ListSpec is the result of recomputing an action state: either a list of
// sections, or (when Sections is empty) a degraded button-menu fallback.
type ListSpec struct {
	Header   string
	Button   string
	Sections []Section
	Fallback []Option
}

// ActionFunc recomputes the available list choices from live user data. It
// must not mutate anything: the engine calls it both for validation and for
// rendering within the same turn.
type ActionFunc func(st models.UserState) ListSpec

// Definition describes one conversation state. Which fields are meaningful
// depends on Kind; the registry does not enforce more than it needs to.
type Definition struct {
	Kind     Kind
	Prompt   string
	PromptFn PromptFunc

	// Options holds the menu for KindSelect and the fallback menu for
	// KindExpectMedia.
	Options []Option
	// Action recomputes the list for KindAction.
	Action ActionFunc
	// Validate gates free text for KindString.
	Validate func(text string) bool
	// StoreAs names the data field the accepted input is captured into at
	// commit time. Choice kinds capture the selected id, text kinds the
	// trimmed text. Location states ignore this and always fill the
	// latitude/longitude fields.
	StoreAs models.DataKey
	// Next is the transition target for non-choice kinds. KindEnd may leave
	// it empty to loop to itself.
	Next Next
	// Candidates declares transition targets an Action may produce that a
	// probe recomputation over empty user data would not reveal.
	Candidates []models.StateID

	OnEnter Hook
	OnExit  Hook

	// FileRef attaches a document to the rendered message.
	FileRef string
}

// prompt resolves the prompt text, preferring the computed form.
func (d Definition) prompt(st models.UserState) string {
	if d.PromptFn != nil {
		return d.PromptFn(st)
	}
	return d.Prompt
}
