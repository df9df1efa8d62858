// Package inmem provides an in-memory checkpoint.Store.
package inmem

import (
	"context"
	"sync"

	"github.com/fluxgate-ai/agentrun/checkpoint"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
)

// Store implements checkpoint.Store in memory.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	byRun    map[string][]checkpoint.Checkpoint
	runScope map[string]scope.Scope
}

// New returns an empty in-memory checkpoint store. The scope guard is
// enforced only for runs registered through BindScope; reads of any other
// run are not scope-checked.
func New() *Store {
	return &Store{
		byRun:    make(map[string][]checkpoint.Checkpoint),
		runScope: make(map[string]scope.Scope),
	}
}

// BindScope records the scope a run's checkpoints are visible under.
func (s *Store) BindScope(runID string, sc scope.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runScope[runID] = sc
}

// Save implements checkpoint.Store.
func (s *Store) Save(_ context.Context, sc scope.Scope, cp checkpoint.Checkpoint) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bound, ok := s.runScope[cp.RunID]; ok && !bound.Equal(sc) {
		return checkpoint.Checkpoint{}, runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", cp.RunID)
	}
	s.nextID++
	cp.ID = s.nextID
	s.byRun[cp.RunID] = append(s.byRun[cp.RunID], cp)
	return cp, nil
}

// Latest implements checkpoint.Store.
func (s *Store) Latest(_ context.Context, sc scope.Scope, runID, agentID string) (checkpoint.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bound, ok := s.runScope[runID]; ok && !bound.Equal(sc) {
		return checkpoint.Checkpoint{}, false, runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
	}
	var best checkpoint.Checkpoint
	found := false
	for _, cp := range s.byRun[runID] {
		if cp.AgentID != agentID {
			continue
		}
		if !found || cp.ID > best.ID {
			best = cp
			found = true
		}
	}
	return best, found, nil
}
