package syncfilter

import (
	"context"
	"fmt"
	"sync"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/types"
)

// CreatedSet is the allow-set of group versions this instance created.
// It mirrors the persisted set in memory so the outbound filter can
// decide without touching storage; writes go through to the state store
// so the set survives restarts.
type CreatedSet struct {
	state storage.StateStore

	mu   sync.RWMutex
	refs map[string]struct{}
}

// LoadCreatedSet builds the in-memory mirror from persisted state.
func LoadCreatedSet(ctx context.Context, state storage.StateStore) (*CreatedSet, error) {
	refs, err := state.GetCreatedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load created groups: %w", err)
	}
	set := &CreatedSet{
		state: state,
		refs:  make(map[string]struct{}, len(refs)),
	}
	for _, ref := range refs {
		set.refs[ref] = struct{}{}
	}
	return set, nil
}

// RecordCreated marks a group version as locally created. Called by the
// membership manager on every version it stores.
func (s *CreatedSet) RecordCreated(ctx context.Context, ref types.Ref) error {
	if err := s.state.AddCreatedGroup(ctx, ref.String()); err != nil {
		return err
	}
	s.mu.Lock()
	s.refs[ref.String()] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Contains reports whether this instance created the group version.
func (s *CreatedSet) Contains(ref types.Ref) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.refs[ref.String()]
	return ok
}
