// Package inmem provides an in-memory memory.Store keyed by (agentID, runID).
package inmem

import (
	"context"
	"sync"

	"github.com/fluxgate-ai/agentrun/memory"
)

// Store implements memory.Store in memory. Snapshots accumulate for the
// lifetime of the process; there is no eviction.
type Store struct {
	mu   sync.Mutex
	runs map[string]memory.Snapshot // keyed by agentID + "\x00" + runID
}

// New returns an empty in-memory memory store.
func New() *Store {
	return &Store{runs: make(map[string]memory.Snapshot)}
}

func key(agentID, runID string) string {
	return agentID + "\x00" + runID
}

// LoadRun implements memory.Store.
func (s *Store) LoadRun(_ context.Context, agentID, runID string) (memory.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.runs[key(agentID, runID)]
	if !ok {
		return memory.Snapshot{AgentID: agentID, RunID: runID}, nil
	}
	return snap, nil
}

// AppendEvents implements memory.Store.
func (s *Store) AppendEvents(_ context.Context, agentID, runID string, events ...memory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(agentID, runID)
	snap, ok := s.runs[k]
	if !ok {
		snap = memory.Snapshot{AgentID: agentID, RunID: runID}
	}
	snap.Events = append(snap.Events, events...)
	s.runs[k] = snap
	return nil
}
