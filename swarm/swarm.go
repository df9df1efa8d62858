// Package swarm coordinates delegation from a parent run to one or more
// child runs and resumes the parent deterministically once every child has
// settled.
package swarm

import (
	"context"

	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/run"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
)

// SuspendReasonChildren is the Run.SuspendReason value used while a parent
// waits on its delegated children.
const SuspendReasonChildren = "awaiting_children"

// Primitive names the delegation tool call that triggered a fan-out. Each
// primitive carries its own fan-in policy (see FanInPolicy).
type Primitive string

const (
	PrimitiveDispatchSubtasks  Primitive = "dispatch_subtasks"
	PrimitiveHandoffTo         Primitive = "handoff_to"
	PrimitiveEscalateToGroup   Primitive = "escalate_to_group"
)

// FanInPolicy is best-effort (aggregate every child outcome, successes and
// failures alike) or fail-fast (the first failure in the outcome list becomes
// the fan-in result). Either way the parent resumes only after every child
// has completed. handoff_to is fail-fast because it
// represents a single successor taking over the task; dispatch_subtasks and
// escalate_to_group fan out independent work and aggregate best-effort.
type FanInPolicy string

const (
	FanInBestEffort FanInPolicy = "best_effort"
	FanInFailFast   FanInPolicy = "fail_fast"
)

// PolicyFor returns the fan-in policy for a delegation primitive.
func PolicyFor(p Primitive) FanInPolicy {
	if p == PrimitiveHandoffTo {
		return FanInFailFast
	}
	return FanInBestEffort
}

// Subtask is one unit of delegated work.
type Subtask struct {
	ToolCallID string
	RoleID     string
	Goal       string
	Input      string
	AgentID    string
}

// Enqueuer hands a run that just transitioned suspended->pending back to a
// worker pool. dispatch.Dispatcher satisfies this; Coordinator depends only
// on the method it needs so the two packages don't import each other.
type Enqueuer interface {
	Enqueue(sc scope.Scope, runID string)
}

// Coordinator implements delegation and fan-in over a run.Repository and
// event.Store.
type Coordinator struct {
	Runs     run.Repository
	Events   event.Store
	Dispatch Enqueuer // optional; nil means callers re-enqueue themselves
}

// New constructs a Coordinator.
func New(runs run.Repository, events event.Store) *Coordinator {
	return &Coordinator{Runs: runs, Events: events}
}

type suspendedChildrenPayload struct {
	ToolName string       `json:"toolName"`
	Children []childEntry `json:"children"`
}

type childEntry struct {
	RunID string `json:"run_id"`
	Goal  string `json:"goal"`
}

// Delegate creates one child run per subtask, a RunDependency per child, and
// suspends the parent to await their completion. Before creating any child it
// walks parent's own ancestor chain to confirm parent does not already
// descend from itself; a delegation onto a corrupted or manually re-parented
// tree must not be allowed to fan out further.
func (c *Coordinator) Delegate(ctx context.Context, sc scope.Scope, primitive Primitive, parent run.Run, subtasks []Subtask) ([]run.Run, error) {
	if err := c.checkCycle(ctx, sc, parent.RunID, parent.ParentRunID); err != nil {
		return nil, err
	}

	children := make([]run.Run, 0, len(subtasks))
	entries := make([]childEntry, 0, len(subtasks))
	for _, st := range subtasks {
		child, err := c.Runs.Create(ctx, run.CreateInput{
			Scope:                sc,
			SessionKey:           parent.SessionKey,
			GroupID:              parent.GroupID,
			AgentID:              st.AgentID,
			Input:                st.Input,
			ParentRunID:          parent.RunID,
			DelegatedPermissions: parent.DelegatedPermissions,
		})
		if err != nil {
			return nil, err
		}
		if _, err := c.Runs.CreateDependency(ctx, parent.RunID, child.RunID, st.ToolCallID, st.RoleID, st.Goal); err != nil {
			return nil, err
		}
		children = append(children, child)
		entries = append(entries, childEntry{RunID: child.RunID, Goal: st.Goal})
	}

	if _, err := c.Runs.MarkSuspended(ctx, parent.RunID, SuspendReasonChildren); err != nil {
		return nil, err
	}

	draft, err := event.NewDraft(parent.RunID, event.TypeRunSuspended, suspendedChildrenPayload{
		ToolName: string(primitive), Children: entries,
	})
	if err != nil {
		return nil, err
	}
	draft.AgentID = parent.AgentID
	if _, err := c.Events.AppendOne(ctx, sc, draft); err != nil {
		return nil, err
	}

	return children, nil
}

// checkCycle walks the delegation chain starting at candidateRunID (typically
// the run under test's own parent), failing if it ever revisits rootRunID
// (the run that originated this delegation request). An unknown or empty
// candidateRunID ends the walk with no cycle found.
func (c *Coordinator) checkCycle(ctx context.Context, sc scope.Scope, rootRunID, candidateRunID string) error {
	current := candidateRunID
	for {
		rec, err := c.Runs.Get(ctx, sc, current)
		if err != nil {
			return nil // unknown ancestor, nothing more to check
		}
		if rec.ParentRunID == "" {
			return nil
		}
		if rec.ParentRunID == rootRunID {
			return runtimeerr.Newf(runtimeerr.CodeDelegationCycle, "run %q would delegate back to ancestor %q", rootRunID, rootRunID)
		}
		current = rec.ParentRunID
	}
}

// Outcome summarizes one child's terminal state for fan-in result assembly.
type Outcome struct {
	ChildRunID string
	Status     run.DependencyStatus
	Result     *run.Result
	Error      *run.Failure
}

type resumedPayload struct {
	Children []outcomePayload `json:"children"`
}

type outcomePayload struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// CompleteChild resolves one child's dependency row under the parent-scoped
// row lock and, when it is the last pending sibling, resumes the parent
// exactly once: suspended->pending plus a run.resumed event.
func (c *Coordinator) CompleteChild(ctx context.Context, sc scope.Scope, childRunID string, status run.DependencyStatus, result *run.Result, failure *run.Failure) (resumed bool, err error) {
	dep, pending, err := c.Runs.CompleteDependencyAtomic(ctx, childRunID, status, result, failure)
	if err != nil {
		if rerr, ok := err.(*runtimeerr.Error); ok && rerr.Code == runtimeerr.CodeAlreadyResolved {
			return false, nil
		}
		return false, err
	}
	if pending > 0 {
		return false, nil
	}

	parent, err := c.Runs.Get(ctx, sc, dep.ParentRunID)
	if err != nil {
		return false, err
	}
	if parent.Status != run.StatusSuspended || parent.SuspendReason != SuspendReasonChildren {
		return false, nil
	}

	if _, err := c.Runs.ResumeFromSuspended(ctx, dep.ParentRunID); err != nil {
		return false, err
	}

	children, err := c.Runs.ListChildren(ctx, dep.ParentRunID)
	if err != nil {
		return false, err
	}
	summary := make([]outcomePayload, 0, len(children))
	for _, ch := range children {
		summary = append(summary, outcomePayload{RunID: ch.RunID, Status: string(ch.Status)})
	}
	draft, err := event.NewDraft(dep.ParentRunID, event.TypeRunResumed, resumedPayload{Children: summary})
	if err != nil {
		return false, err
	}
	draft.AgentID = parent.AgentID
	if _, err := c.Events.AppendOne(ctx, sc, draft); err != nil {
		return false, err
	}
	if c.Dispatch != nil {
		c.Dispatch.Enqueue(sc, dep.ParentRunID)
	}
	return true, nil
}

// AggregateFanIn assembles the parent's view of its children's outcomes
// according to the fan-in policy for the delegation primitive that created
// them. Best-effort aggregation always succeeds, carrying every outcome,
// including failures. Fail-fast returns the first failing outcome as an
// error (CHILD_FAILED) instead of a result list.
func AggregateFanIn(policy FanInPolicy, outcomes []Outcome) ([]Outcome, error) {
	if policy == FanInFailFast {
		for _, o := range outcomes {
			if o.Status == run.DependencyFailed {
				return nil, runtimeerr.Newf(runtimeerr.CodeChildFailed, "child %q failed", o.ChildRunID)
			}
		}
	}
	return outcomes, nil
}
