// Package inmem provides an in-memory implementation of run.Repository for
// tests and local development. No durability across process restarts.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate-ai/agentrun/run"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
)

// ScopeBinder is satisfied by event stores that need to learn a run's scope
// at creation time (event/inmem.Store.BindScope). Repository calls this, when
// set, so appended events become visible under the run's scope.
type ScopeBinder interface {
	BindScope(runID string, sc scope.Scope)
}

// Repository implements run.Repository in memory.
type Repository struct {
	mu sync.Mutex

	runs    map[string]run.Run
	deps    map[string][]run.Dependency // keyed by parent_run_id
	nextDep int64

	idGen func() string
	bound ScopeBinder
}

// New constructs an empty Repository. idGen generates run ids; pass nil to
// default to random UUIDs. bound, if non-nil, is notified of each run's
// scope as it is created.
func New(idGen func() string, bound ScopeBinder) *Repository {
	r := &Repository{
		runs:  make(map[string]run.Run),
		deps:  make(map[string][]run.Dependency),
		bound: bound,
	}
	if idGen != nil {
		r.idGen = idGen
	} else {
		r.idGen = uuid.NewString
	}
	return r
}

// Create implements run.Repository.
func (r *Repository) Create(_ context.Context, in run.CreateInput) (run.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.idGen()
	rec := run.Run{
		RunID:                id,
		Scope:                in.Scope,
		SessionKey:           in.SessionKey,
		GroupID:              in.GroupID,
		AgentID:              in.AgentID,
		Input:                in.Input,
		LLMConfig:            in.LLMConfig,
		ParentRunID:          in.ParentRunID,
		DelegatedPermissions: in.DelegatedPermissions,
		Status:               run.StatusPending,
		CreatedAt:            time.Now(),
	}
	r.runs[id] = rec
	if r.bound != nil {
		r.bound.BindScope(id, in.Scope)
	}
	return rec, nil
}

// Get implements run.Repository.
func (r *Repository) Get(_ context.Context, sc scope.Scope, runID string) (run.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok || !rec.Scope.Equal(sc) {
		return run.Run{}, runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
	}
	return rec, nil
}

func (r *Repository) transition(runID string, from []run.Status, to run.Status, mutate func(*run.Run)) (run.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.runs[runID]
	if !ok {
		return run.Run{}, runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
	}
	allowed := false
	for _, s := range from {
		if rec.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return rec, runtimeerr.Newf(runtimeerr.CodeAlreadyResolved, "run %q is %s, cannot transition to %s", runID, rec.Status, to)
	}
	rec.Status = to
	if mutate != nil {
		mutate(&rec)
	}
	r.runs[runID] = rec
	return rec, nil
}

// ClaimRunning implements run.Repository.
func (r *Repository) ClaimRunning(_ context.Context, runID string) (run.Run, error) {
	return r.transition(runID, []run.Status{run.StatusPending}, run.StatusRunning, func(rec *run.Run) {
		rec.StartedAt = time.Now()
	})
}

// MarkWaiting implements run.Repository.
func (r *Repository) MarkWaiting(_ context.Context, runID string) (run.Run, error) {
	return r.transition(runID, []run.Status{run.StatusRunning}, run.StatusWaiting, nil)
}

// ResumeFromWaiting implements run.Repository.
func (r *Repository) ResumeFromWaiting(_ context.Context, runID string) (run.Run, error) {
	return r.transition(runID, []run.Status{run.StatusWaiting}, run.StatusRunning, nil)
}

// MarkSuspended implements run.Repository.
func (r *Repository) MarkSuspended(_ context.Context, runID string, reason string) (run.Run, error) {
	return r.transition(runID, []run.Status{run.StatusRunning}, run.StatusSuspended, func(rec *run.Run) {
		rec.SuspendedAt = time.Now()
		rec.SuspendReason = reason
	})
}

// ResumeFromSuspended implements run.Repository.
func (r *Repository) ResumeFromSuspended(_ context.Context, runID string) (run.Run, error) {
	return r.transition(runID, []run.Status{run.StatusSuspended}, run.StatusPending, func(rec *run.Run) {
		rec.SuspendedAt = time.Time{}
		rec.SuspendReason = ""
	})
}

// Complete implements run.Repository.
func (r *Repository) Complete(_ context.Context, runID string, result run.Result) (run.Run, error) {
	return r.transition(runID, []run.Status{run.StatusRunning}, run.StatusCompleted, func(rec *run.Run) {
		rec.EndedAt = time.Now()
		res := result
		rec.Result = &res
	})
}

// Fail implements run.Repository.
func (r *Repository) Fail(_ context.Context, runID string, failure run.Failure) (run.Run, error) {
	return r.transition(runID, []run.Status{run.StatusRunning}, run.StatusFailed, func(rec *run.Run) {
		rec.EndedAt = time.Now()
		f := failure
		rec.Error = &f
	})
}

// Cancel implements run.Repository.
func (r *Repository) Cancel(_ context.Context, sc scope.Scope, runID string) (run.Run, error) {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok || !rec.Scope.Equal(sc) {
		return run.Run{}, runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
	}
	return r.transition(runID, []run.Status{run.StatusPending, run.StatusRunning, run.StatusWaiting, run.StatusSuspended}, run.StatusCancelled, func(rec *run.Run) {
		rec.CancelledAt = time.Now()
		rec.EndedAt = rec.CancelledAt
	})
}

// CreateDependency implements run.Repository.
func (r *Repository) CreateDependency(_ context.Context, parentRunID, childRunID, toolCallID, roleID, goal string) (run.Dependency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextDep++
	dep := run.Dependency{
		ID:          r.nextDep,
		ParentRunID: parentRunID,
		ChildRunID:  childRunID,
		ToolCallID:  toolCallID,
		RoleID:      roleID,
		Goal:        goal,
		Status:      run.DependencyPending,
		CreatedAt:   time.Now(),
	}
	r.deps[parentRunID] = append(r.deps[parentRunID], dep)
	return dep, nil
}

// CompleteDependencyAtomic implements run.Repository. The package mutex
// stands in for the row lock the spec requires over every sibling of the
// parent: holding it for the whole read-modify-write makes the update and
// the pending count observed together, atomically, by every caller.
func (r *Repository) CompleteDependencyAtomic(_ context.Context, childRunID string, status run.DependencyStatus, result *run.Result, failure *run.Failure) (run.Dependency, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for parentID, siblings := range r.deps {
		for i, d := range siblings {
			if d.ChildRunID != childRunID {
				continue
			}
			if d.Status != run.DependencyPending {
				return d, pendingCount(siblings), runtimeerr.Newf(runtimeerr.CodeAlreadyResolved, "dependency for child %q already resolved", childRunID)
			}
			d.Status = status
			d.Result = result
			d.Error = failure
			d.CompletedAt = time.Now()
			siblings[i] = d
			r.deps[parentID] = siblings
			return d, pendingCount(siblings), nil
		}
	}
	return run.Dependency{}, 0, runtimeerr.Newf(runtimeerr.CodeNotFound, "no dependency found for child %q", childRunID)
}

func pendingCount(deps []run.Dependency) int {
	n := 0
	for _, d := range deps {
		if d.Status == run.DependencyPending {
			n++
		}
	}
	return n
}

// ListSessionHistory implements run.Repository.
func (r *Repository) ListSessionHistory(_ context.Context, sc scope.Scope, sessionKey string, limit int) ([]run.SessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []run.Run
	for _, rec := range r.runs {
		if !rec.Scope.Equal(sc) {
			continue
		}
		if rec.SessionKey != sessionKey {
			continue
		}
		if rec.ParentRunID != "" {
			continue
		}
		if rec.Status != run.StatusCompleted {
			continue
		}
		matches = append(matches, rec)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]run.SessionEntry, len(matches))
	for i, rec := range matches {
		entry := run.SessionEntry{RunID: rec.RunID, Input: rec.Input}
		if rec.Result != nil {
			entry.Output = rec.Result.Output
		}
		out[i] = entry
	}
	return out, nil
}

// ListChildren implements run.Repository.
func (r *Repository) ListChildren(_ context.Context, parentRunID string) ([]run.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var children []run.Run
	for _, rec := range r.runs {
		if rec.ParentRunID == parentRunID {
			children = append(children, rec)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].CreatedAt.Before(children[j].CreatedAt) })
	return children, nil
}
