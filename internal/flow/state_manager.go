// Package flow provides the store-backed implementation of the engine's
// state persistence surface.
package flow

import (
	"context"
	"log/slog"

	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/store"
)

// StoreBackedStateStore implements StateStore using a store.Store backend.
type StoreBackedStateStore struct {
	store store.Store
}

// NewStoreBackedStateStore creates a StateStore backed by a Store.
func NewStoreBackedStateStore(st store.Store) *StoreBackedStateStore {
	slog.Debug("Creating StoreBackedStateStore")
	return &StoreBackedStateStore{store: st}
}

// GetUserState retrieves the conversation state for an identity in a flow.
// A missing record returns nil without error; the engine defaults it.
func (s *StoreBackedStateStore) GetUserState(ctx context.Context, identity string, flowType models.FlowType) (*models.UserState, error) {
	st, err := s.store.GetUserState(identity, flowType)
	if err != nil {
		slog.Error("StateStore GetUserState error", "error", err, "identity", identity, "flowType", flowType)
		return nil, err
	}
	return st, nil
}

// SaveUserState commits the conversation state and returns the stored copy.
func (s *StoreBackedStateStore) SaveUserState(ctx context.Context, st models.UserState) (models.UserState, error) {
	saved, err := s.store.SaveUserState(st)
	if err != nil {
		slog.Error("StateStore SaveUserState error", "error", err, "identity", st.Identity, "state", st.ConversationState)
		return st, err
	}
	return saved, nil
}
