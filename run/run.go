// Package run defines the Run entity and the repository that owns its
// lifecycle, along with the dependency records that coordinate swarms of
// delegated child runs.
package run

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fluxgate-ai/agentrun/scope"
)

// Status is the coarse lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the absorbing terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the success payload recorded when a run completes.
type Result struct {
	Output string `json:"output"`
}

// Failure is the error payload recorded when a run fails.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is a single task execution: the unit the dispatcher claims, the agent
// loop advances, and the event log narrates.
type Run struct {
	RunID  string
	Scope  scope.Scope

	SessionKey string
	GroupID    string // swarm/team grouping, optional
	AgentID    string
	Input      string

	LLMConfig            json.RawMessage
	ParentRunID          string
	DelegatedPermissions json.RawMessage

	Status Status

	CreatedAt   time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	CancelledAt time.Time
	SuspendedAt time.Time

	SuspendReason string
	Result        *Result
	Error         *Failure
}

// DependencyStatus is the lifecycle state of a RunDependency edge.
type DependencyStatus string

const (
	DependencyPending   DependencyStatus = "pending"
	DependencyCompleted DependencyStatus = "completed"
	DependencyFailed    DependencyStatus = "failed"
)

// Dependency is one parent->child edge in a swarm, created when a parent run
// delegates a goal to a child run and resolved when the child terminates.
type Dependency struct {
	ID          int64
	ParentRunID string
	ChildRunID  string
	ToolCallID  string
	RoleID      string
	Goal        string
	Status      DependencyStatus
	Result      *Result
	Error       *Failure
	CreatedAt   time.Time
	CompletedAt time.Time
}

// SessionEntry is the trimmed projection of a completed top-level run
// returned by ListSessionHistory, sufficient to reconstruct conversational
// context without loading the full Run record.
type SessionEntry struct {
	RunID  string
	Input  string
	Output string
}

// Context carries the ephemeral per-invocation metadata passed to policy
// engines and the agent loop. Unlike Run it is not persisted; the agent loop
// rebuilds it from the Run, the step number and the current labels on every
// step.
type Context struct {
	RunID       string
	AgentID     string
	ParentRunID string
	GroupID     string
	Labels      map[string]string
	Attempt     int
}

// CreateInput groups the fields a caller supplies to Create; everything else
// (RunID, Status, CreatedAt) is assigned by the repository.
type CreateInput struct {
	Scope                scope.Scope
	SessionKey           string
	GroupID              string
	AgentID              string
	Input                string
	LLMConfig            json.RawMessage
	ParentRunID          string
	DelegatedPermissions json.RawMessage
}

// Repository owns Run and RunDependency storage and enforces every lifecycle
// transition as a conditional update, so that at most one worker ever
// observes itself as having won a given transition.
type Repository interface {
	Create(ctx context.Context, in CreateInput) (Run, error)
	Get(ctx context.Context, sc scope.Scope, runID string) (Run, error)

	// ClaimRunning performs pending->running, setting StartedAt. Returns an
	// ALREADY_RESOLVED runtimeerr.Error if the run was not pending, so callers
	// can treat a lost race as benign.
	ClaimRunning(ctx context.Context, runID string) (Run, error)
	MarkWaiting(ctx context.Context, runID string) (Run, error)
	ResumeFromWaiting(ctx context.Context, runID string) (Run, error)
	MarkSuspended(ctx context.Context, runID string, reason string) (Run, error)
	ResumeFromSuspended(ctx context.Context, runID string) (Run, error)
	Complete(ctx context.Context, runID string, result Result) (Run, error)
	Fail(ctx context.Context, runID string, failure Failure) (Run, error)
	Cancel(ctx context.Context, sc scope.Scope, runID string) (Run, error)

	CreateDependency(ctx context.Context, parentRunID, childRunID, toolCallID, roleID, goal string) (Dependency, error)

	// CompleteDependencyAtomic resolves one dependency row under a
	// transaction that row-locks every sibling of the parent, returning the
	// updated dependency and the number of siblings still pending after the
	// update. Callers use the pending count to decide whether to resume the
	// parent.
	CompleteDependencyAtomic(ctx context.Context, childRunID string, status DependencyStatus, result *Result, failure *Failure) (dep Dependency, pendingCount int, err error)

	ListSessionHistory(ctx context.Context, sc scope.Scope, sessionKey string, limit int) ([]SessionEntry, error)
	ListChildren(ctx context.Context, parentRunID string) ([]Run, error)
}
