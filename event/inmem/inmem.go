// Package inmem provides an in-memory implementation of event.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"sync"

	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
)

// Store implements event.Store in memory. A single global sequence backs the
// id space (ids are unique across all runs, not just within one), matching
// the storage assumption that ids are monotonic 64-bit values unique within
// storage.
type Store struct {
	mu sync.Mutex

	nextID int64
	// per-run ordered events, oldest first.
	events map[string][]event.Event
	// run -> scope, used to enforce the scope guard on reads.
	runScope map[string]scope.Scope
}

// New returns a new in-memory event store.
func New() *Store {
	return &Store{
		events:   make(map[string][]event.Event),
		runScope: make(map[string]scope.Scope),
	}
}

// BindScope records the scope under which runID's events are visible. The Run
// Repository calls this when it creates a run; the event log does not create
// runs itself, so callers must bind a scope before events are appended.
func (s *Store) BindScope(runID string, sc scope.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runScope[runID] = sc
}

// AppendOne implements event.Store.
func (s *Store) AppendOne(_ context.Context, sc scope.Scope, e event.Event) (int64, error) {
	if e.RunID == "" {
		return 0, runtimeerr.New(runtimeerr.CodeInvalidInput, "run_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkScopeLocked(e.RunID, sc); err != nil {
		return 0, err
	}
	s.nextID++
	e.ID = s.nextID
	s.events[e.RunID] = append(s.events[e.RunID], e)
	return e.ID, nil
}

// AppendMany implements event.Store, assigning ids in a single critical
// section so the batch is observed atomically by readers.
func (s *Store) AppendMany(_ context.Context, sc scope.Scope, events []event.Event) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := events[0].RunID
	for _, e := range events {
		if e.RunID != runID {
			return nil, runtimeerr.New(runtimeerr.CodeInvalidInput, "append_many requires all events to share one run_id")
		}
	}
	if err := s.checkScopeLocked(runID, sc); err != nil {
		return nil, err
	}

	ids := make([]int64, len(events))
	for i, e := range events {
		s.nextID++
		e.ID = s.nextID
		ids[i] = e.ID
		s.events[runID] = append(s.events[runID], e)
	}
	return ids, nil
}

// ReadPage implements event.Store.
func (s *Store) ReadPage(_ context.Context, sc scope.Scope, runID string, afterID int64, limit int, excludeTypes []event.Type) (event.Page, error) {
	if limit <= 0 {
		return event.Page{}, runtimeerr.New(runtimeerr.CodeInvalidInput, "limit must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkScopeLocked(runID, sc); err != nil {
		return event.Page{}, err
	}

	excluded := make(map[event.Type]bool, len(excludeTypes))
	for _, t := range excludeTypes {
		excluded[t] = true
	}

	all := s.events[runID]
	start := 0
	for start < len(all) && all[start].ID <= afterID {
		start++
	}

	var items []event.Event
	var lastScannedID int64
	scanned := 0
	i := start
	for i < len(all) && scanned < limit {
		e := all[i]
		lastScannedID = e.ID
		scanned++
		if !excluded[e.Type] {
			items = append(items, e)
		}
		i++
	}

	// next_cursor is the last scanned id when the page was full (more rows
	// may remain), or nil when fewer than limit rows were scanned (the
	// reader has caught up to the end of the log).
	var next *int64
	if scanned == limit {
		id := lastScannedID
		next = &id
	}

	return event.Page{Items: items, NextCursor: next}, nil
}

func (s *Store) checkScopeLocked(runID string, sc scope.Scope) error {
	bound, ok := s.runScope[runID]
	if !ok {
		return runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
	}
	if !bound.Equal(sc) {
		return runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
	}
	return nil
}
