// Package flow provides the transition engine that drives one dialogue turn.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/clinicdesk/careline/internal/models"
)

// DefaultHookTimeout bounds how long a single onEnter/onExit hook may run.
const DefaultHookTimeout = 30 * time.Second

// StateStore is the storage surface the engine depends on: read and commit
// the per-identity conversation state. Implemented by internal/store.
type StateStore interface {
	GetUserState(ctx context.Context, identity string, flowType models.FlowType) (*models.UserState, error)
	SaveUserState(ctx context.Context, st models.UserState) (models.UserState, error)
}

// Engine orchestrates one full turn: validate, compute the next state,
// commit, run the exit and entry hooks, and hand off to the formatter.
type Engine struct {
	registry    *Registry
	states      StateStore
	hookTimeout time.Duration
}

// NewEngine creates a transition engine over a registry and state store.
func NewEngine(registry *Registry, states StateStore, hookTimeout time.Duration) *Engine {
	if hookTimeout <= 0 {
		hookTimeout = DefaultHookTimeout
	}
	return &Engine{registry: registry, states: states, hookTimeout: hookTimeout}
}

// Registry returns the registry this engine runs.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// ProcessTurn processes a single inbound message against the sender's current
// conversation state and returns the outbound message to deliver.
//
// A rejected message produces the repair response with zero state mutation.
// A hook error propagates with no outbound message; the conversation state
// has already been committed at that point, so hooks must be idempotent and
// the entered state's onEnter is re-run on the next turn.
func (e *Engine) ProcessTurn(ctx context.Context, msg models.InboundMessage) (models.OutboundMessage, error) {
	st, err := e.loadOrInitState(ctx, msg.From)
	if err != nil {
		return models.OutboundMessage{}, err
	}

	def, ok := e.registry.Lookup(st.ConversationState)
	if !ok {
		return models.OutboundMessage{}, fmt.Errorf("%w: %q in %s flow", models.ErrUnknownState, st.ConversationState, e.registry.FlowType())
	}

	// A previous turn committed this state but its onEnter failed. Re-run it
	// before anything else so the entry side effects are not lost.
	if st.PendingEnter && def.OnEnter != nil {
		slog.Debug("Engine re-running pending onEnter", "identity", st.Identity, "state", st.ConversationState)
		st, err = e.runHook(ctx, "onEnter", def.OnEnter, st)
		if err != nil {
			return models.OutboundMessage{}, fmt.Errorf("re-running onEnter for %q: %w", st.ConversationState, err)
		}
		st.PendingEnter = false
		if st, err = e.states.SaveUserState(ctx, st); err != nil {
			return models.OutboundMessage{}, fmt.Errorf("persisting recovered state: %w", err)
		}
	}

	match, err := ValidateInput(def, st, msg)
	if err != nil {
		slog.Debug("Engine rejected inbound message", "identity", st.Identity, "state", st.ConversationState, "kind", def.Kind)
		return RenderRejection(def, st), nil
	}

	fromID := st.ConversationState
	nextID := e.resolveNext(def, match, st)
	nextDef, ok := e.registry.Lookup(nextID)
	if !ok {
		return models.OutboundMessage{}, fmt.Errorf("%w: transition from %q targets %q", models.ErrUnknownState, fromID, nextID)
	}

	// Commit the transition before hooks run. The accepted input is captured
	// into the state's data fields in the same write.
	st = captureInput(def, match, msg, st)
	st.ConversationState = nextID
	st.PendingEnter = nextDef.OnEnter != nil
	st, err = e.states.SaveUserState(ctx, st)
	if err != nil {
		return models.OutboundMessage{}, fmt.Errorf("committing transition to %q: %w", nextID, err)
	}
	slog.Debug("Engine committed transition", "identity", st.Identity, "to", nextID, "flowType", e.registry.FlowType())

	if exit := exitHook(def, match); exit != nil {
		st, err = e.runHook(ctx, "onExit", exit, st)
		if err != nil {
			return models.OutboundMessage{}, fmt.Errorf("%w: onExit for %q: %v", models.ErrHookFailure, fromID, err)
		}
		// onExit must not move the state machine.
		st.ConversationState = nextID
		if st, err = e.states.SaveUserState(ctx, st); err != nil {
			return models.OutboundMessage{}, fmt.Errorf("persisting state after onExit: %w", err)
		}
	}

	if nextDef.OnEnter != nil {
		st, err = e.runHook(ctx, "onEnter", nextDef.OnEnter, st)
		if err != nil {
			return models.OutboundMessage{}, fmt.Errorf("%w: onEnter for %q: %v", models.ErrHookFailure, nextID, err)
		}
		st.ConversationState = nextID
		st.PendingEnter = false
		if st, err = e.states.SaveUserState(ctx, st); err != nil {
			return models.OutboundMessage{}, fmt.Errorf("persisting state after onEnter: %w", err)
		}
	}

	return Render(nextDef, st), nil
}

// loadOrInitState fetches the sender's state, defaulting a first-time contact
// to the flow's initial state.
func (e *Engine) loadOrInitState(ctx context.Context, identity string) (models.UserState, error) {
	st, err := e.states.GetUserState(ctx, identity, e.registry.FlowType())
	if err != nil {
		return models.UserState{}, fmt.Errorf("loading state for %s: %w", identity, err)
	}
	if st != nil {
		return *st, nil
	}

	now := time.Now()
	fresh := models.UserState{
		Identity:          identity,
		FlowType:          e.registry.FlowType(),
		ConversationState: e.registry.Initial(),
		Data:              make(map[models.DataKey]string),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	slog.Debug("Engine initialized first-contact state", "identity", identity, "flowType", e.registry.FlowType(), "state", fresh.ConversationState)
	return fresh, nil
}

// resolveNext determines the transition target: the matched option or row
// wins, then the definition's own target, and a terminal state with no
// target loops to itself.
func (e *Engine) resolveNext(def Definition, match Match, st models.UserState) models.StateID {
	switch {
	case match.Option != nil:
		return match.Option.Next.resolve(st)
	case match.Row != nil:
		return match.Row.Next.resolve(st)
	}
	if next := def.Next.resolve(st); next != "" {
		return next
	}
	return st.ConversationState
}

// exitHook picks the onExit to run when leaving a state: the matched choice's
// hook takes precedence over the definition's.
func exitHook(def Definition, match Match) Hook {
	switch {
	case match.Option != nil && match.Option.OnExit != nil:
		return match.Option.OnExit
	case match.Row != nil && match.Row.OnExit != nil:
		return match.Row.OnExit
	}
	return def.OnExit
}

// captureInput writes the accepted input into the state's data fields, per
// the definition's StoreAs declaration. Location input always lands in the
// latitude/longitude fields.
func captureInput(def Definition, match Match, msg models.InboundMessage, st models.UserState) models.UserState {
	switch def.Kind {
	case KindLocation:
		loc, err := ParseLocation(msg)
		if err != nil {
			return st
		}
		st = st.WithData(models.DataKeyLatitude, strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
		return st.WithData(models.DataKeyLongitude, strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	case KindExpectMedia:
		// Only an attachment is captured here; a matched fallback option
		// carries no data worth keeping.
		if msg.HasMedia && def.StoreAs != "" {
			return st.WithData(def.StoreAs, msg.MediaRef)
		}
		return st
	}

	if def.StoreAs == "" {
		return st
	}
	switch {
	case match.Option != nil:
		return st.WithData(def.StoreAs, match.Option.ID)
	case match.Row != nil:
		return st.WithData(def.StoreAs, match.Row.ID)
	default:
		return st.WithData(def.StoreAs, msg.TrimmedText())
	}
}

// runHook invokes a hook with a bounded timeout. A hook that outlives the
// deadline is treated as failed even though its goroutine runs to completion.
func (e *Engine) runHook(ctx context.Context, name string, hook Hook, st models.UserState) (models.UserState, error) {
	hctx, cancel := context.WithTimeout(ctx, e.hookTimeout)
	defer cancel()

	type result struct {
		st  models.UserState
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := hook(hctx, st)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			slog.Error("Engine hook failed", "hook", name, "identity", st.Identity, "state", st.ConversationState, "error", res.err)
			return st, res.err
		}
		return res.st, nil
	case <-hctx.Done():
		slog.Error("Engine hook timed out", "hook", name, "identity", st.Identity, "state", st.ConversationState, "timeout", e.hookTimeout)
		return st, fmt.Errorf("hook %s timed out after %s: %w", name, e.hookTimeout, hctx.Err())
	}
}
