// Package flow provides the state registry and its construction-time checks.
package flow

import (
	"fmt"
	"log/slog"

	"github.com/clinicdesk/careline/internal/models"
)

// Registry is a static mapping from conversation state ids to definitions for
// one flow flavor. It is immutable after construction.
type Registry struct {
	flowType models.FlowType
	initial  models.StateID
	states   map[models.StateID]Definition
}

// NewRegistry builds a registry and eagerly validates that its transition
// graph is closed: every literal target and every declared candidate of a
// computed target must be a key of the registry. A violation is a programmer
// error and fails construction, not first use.
func NewRegistry(flowType models.FlowType, initial models.StateID, states map[models.StateID]Definition) (*Registry, error) {
	r := &Registry{flowType: flowType, initial: initial, states: states}

	if _, ok := states[initial]; !ok {
		return nil, fmt.Errorf("%w: initial state %q not defined in %s registry", models.ErrRegistryIntegrity, initial, flowType)
	}

	for id, def := range states {
		for _, target := range definitionTargets(def) {
			if _, ok := states[target]; !ok {
				return nil, fmt.Errorf("%w: state %q references undefined state %q in %s registry", models.ErrRegistryIntegrity, id, target, flowType)
			}
		}
	}

	slog.Debug("Flow registry constructed", "flowType", flowType, "states", len(states), "initial", initial)
	return r, nil
}

// MustNewRegistry is NewRegistry for statically known tables, panicking on
// integrity errors so misconfigured flows fail at startup.
func MustNewRegistry(flowType models.FlowType, initial models.StateID, states map[models.StateID]Definition) *Registry {
	r, err := NewRegistry(flowType, initial, states)
	if err != nil {
		panic(err)
	}
	return r
}

// definitionTargets collects every state id a definition may transition to,
// across its own Next, its options, and the rows reachable from a probe
// recomputation of its action.
func definitionTargets(def Definition) []models.StateID {
	var out []models.StateID
	out = append(out, def.Next.targets()...)
	out = append(out, def.Candidates...)
	for _, opt := range def.Options {
		out = append(out, opt.Next.targets()...)
	}
	if def.Action != nil {
		spec := def.Action(models.UserState{Data: map[models.DataKey]string{}})
		for _, sec := range spec.Sections {
			for _, row := range sec.Rows {
				out = append(out, row.Next.targets()...)
			}
		}
		for _, opt := range spec.Fallback {
			out = append(out, opt.Next.targets()...)
		}
	}
	return out
}

// FlowType returns the flow flavor this registry belongs to.
func (r *Registry) FlowType() models.FlowType {
	return r.flowType
}

// Initial returns the state assigned to an identity on first contact.
func (r *Registry) Initial() models.StateID {
	return r.initial
}

// Lookup returns the definition for a state id.
func (r *Registry) Lookup(id models.StateID) (Definition, bool) {
	def, ok := r.states[id]
	return def, ok
}

// States returns the ids of every registered state, for registry-wide checks.
func (r *Registry) States() []models.StateID {
	out := make([]models.StateID, 0, len(r.states))
	for id := range r.states {
		out = append(out, id)
	}
	return out
}
